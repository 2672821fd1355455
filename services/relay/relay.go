package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	set "github.com/duke-git/lancet/v2/datastructure/set"
	"github.com/google/uuid"
	"github.com/kychandar/changecast/common"
	"github.com/kychandar/changecast/ds"
	"github.com/kychandar/changecast/services"
	"github.com/kychandar/changecast/services/pool"
	slogctx "github.com/veqryn/slog-context"
)

// Relay broadcasts frames through the pubsub provider so every node delivers them to
// its own connections. Broadcasts go to one subject every node listens on; room
// broadcasts go to a per-room subject only nodes with local members subscribe to.
type Relay struct {
	lock            sync.Mutex
	nodeID          common.NodeID
	pubSubProvider  services.PubSubProvider
	local           services.LocalDeliverer
	metricsRegistry services.MetricsRegistry
	subscribed      set.Set[common.RoomName]
	started         bool
	ctx             context.Context
}

func New(
	nodeID common.NodeID,
	pubSubProvider services.PubSubProvider,
	local services.LocalDeliverer,
	metricsRegistry services.MetricsRegistry) *Relay {
	return &Relay{
		nodeID:          nodeID,
		pubSubProvider:  pubSubProvider,
		local:           local,
		metricsRegistry: metricsRegistry,
		subscribed:      set.New[common.RoomName](),
	}
}

// Start subscribes to the broadcast subject. ctx is kept for deliveries and must
// outlive the relay.
func (r *Relay) Start(ctx context.Context) error {
	logger := slogctx.FromCtx(ctx).With("component", "relay")
	ctx = slogctx.NewCtx(ctx, logger)

	r.lock.Lock()
	defer r.lock.Unlock()
	if r.started {
		return nil
	}
	if err := r.pubSubProvider.Subscribe(common.BroadcastSubj, r.deliver(ctx)); err != nil {
		return fmt.Errorf("subscribe to broadcast subject: %w", err)
	}
	r.ctx = ctx
	r.started = true
	logger.InfoContext(ctx, "relay started", "node-id", r.nodeID)
	return nil
}

// Stop drops every subscription held by the relay.
func (r *Relay) Stop(ctx context.Context) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if !r.started {
		return nil
	}
	var errs []error
	if err := r.pubSubProvider.UnSubscribe(common.BroadcastSubj); err != nil {
		errs = append(errs, err)
	}
	for room := range r.subscribed {
		if err := r.pubSubProvider.UnSubscribe(common.RoomSubjFormat(room)); err != nil {
			errs = append(errs, err)
		}
	}
	r.subscribed = set.New[common.RoomName]()
	r.started = false
	slogctx.FromCtx(ctx).InfoContext(ctx, "relay stopped")
	return errors.Join(errs...)
}

func (r *Relay) Broadcast(ctx context.Context, event common.EventName, data any) error {
	return r.publish(ctx, common.BroadcastSubj, "", event, data)
}

func (r *Relay) BroadcastToRoom(ctx context.Context, room common.RoomName, event common.EventName, data any) error {
	return r.publish(ctx, common.RoomSubjFormat(room), room, event, data)
}

func (r *Relay) publish(ctx context.Context, subj string, room common.RoomName, event common.EventName, data any) error {
	frame, err := ds.ClientFrame(event, data)
	if err != nil {
		return err
	}
	frame.ID = uuid.NewString()
	frame.Room = room
	frame.Origin = r.nodeID
	frame.PublishedTime = time.Now().UnixNano()

	b, err := frame.Serialize()
	if err != nil {
		return fmt.Errorf("serialize frame: %w", err)
	}
	if err := r.pubSubProvider.Publish(ctx, subj, b); err != nil {
		return fmt.Errorf("relay %s: %w", event, err)
	}
	slogctx.FromCtx(ctx).DebugContext(ctx, "frame relayed", "subject", subj, "msg-id", frame.ID)
	return nil
}

// SyncRooms makes the per-room subscriptions equal to rooms. Rooms that fail to
// (un)subscribe keep their previous state and are retried on the next call.
func (r *Relay) SyncRooms(ctx context.Context, rooms []common.RoomName) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if !r.started {
		return errors.New("relay not started")
	}

	required := set.New(rooms...)
	var errs []error
	for room := range required {
		if r.subscribed.Contain(room) {
			continue
		}
		if err := r.pubSubProvider.Subscribe(common.RoomSubjFormat(room), r.deliver(r.ctx)); err != nil {
			errs = append(errs, fmt.Errorf("subscribe room %q: %w", room, err))
			continue
		}
		r.subscribed.Add(room)
	}
	for room := range r.subscribed.Clone() {
		if required.Contain(room) {
			continue
		}
		if err := r.pubSubProvider.UnSubscribe(common.RoomSubjFormat(room)); err != nil {
			errs = append(errs, fmt.Errorf("unsubscribe room %q: %w", room, err))
			continue
		}
		r.subscribed.Delete(room)
	}
	return errors.Join(errs...)
}

// SubscribedRooms returns the rooms the relay currently listens to.
func (r *Relay) SubscribedRooms() []common.RoomName {
	r.lock.Lock()
	defer r.lock.Unlock()
	out := make([]common.RoomName, 0, r.subscribed.Size())
	for room := range r.subscribed {
		out = append(out, room)
	}
	return out
}

// Healthy reports whether the pubsub link is up.
func (r *Relay) Healthy() bool {
	return r.pubSubProvider.Connected()
}

func (r *Relay) deliver(ctx context.Context) func(msg []byte) {
	logger := slogctx.FromCtx(ctx)
	objPool := pool.GetGlobalPool()
	return func(msg []byte) {
		frame := objPool.Frame.Get()
		defer objPool.ResetFrame(frame)

		if err := frame.DeserializeFrom(msg); err != nil {
			logger.ErrorContext(ctx, "failed to deserialize relayed frame", "err", err)
			return
		}
		if r.metricsRegistry != nil {
			r.metricsRegistry.ObserveRelayLatency(frame.GetPublishedTime())
		}
		if err := r.local.DeliverLocal(ctx, frame); err != nil {
			logger.ErrorContext(ctx, "local delivery failed", "err", err, "msg-id", frame.ID)
		}
	}
}
