package roomtracker

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"slices"
	"sync"
	"time"

	"github.com/alphadose/haxmap"
	set "github.com/duke-git/lancet/v2/datastructure/set"
	"github.com/kychandar/changecast/common"
	"github.com/kychandar/changecast/services"
	slogctx "github.com/veqryn/slog-context"
)

const (
	syncRetryDelay = time.Second
	storeStripes   = 32
)

type roomTracker struct {
	lock            sync.RWMutex
	rooms           *haxmap.Map[common.RoomName, *haxmap.Map[string, struct{}]]
	nodeID          common.NodeID
	roomStore       services.RoomStore
	metricsRegistry services.MetricsRegistry
	syncTrigger     chan struct{}
	// storeLocks serializes room store writes per room, striped by room name.
	storeLocks [storeStripes]sync.Mutex
}

// New tracks room membership of the connections held by nodeID. roomStore and
// metricsRegistry may be nil.
func New(
	nodeID common.NodeID,
	roomStore services.RoomStore,
	metricsRegistry services.MetricsRegistry) services.RoomTracker {
	return &roomTracker{
		nodeID:          nodeID,
		rooms:           haxmap.New[common.RoomName, *haxmap.Map[string, struct{}]](),
		roomStore:       roomStore,
		metricsRegistry: metricsRegistry,
		syncTrigger:     make(chan struct{}, 1),
	}
}

// Join adds connID to room. The node is recorded in the room store when the room gains
// its first local member; a store error is returned but membership is kept.
func (r *roomTracker) Join(ctx context.Context, connID string, room common.RoomName) error {
	r.lock.Lock()
	members, exist := r.rooms.Get(room)
	first := !exist
	if first {
		members = haxmap.New[string, struct{}]()
		r.rooms.Set(room, members)
	}
	members.Set(connID, struct{}{})
	n := int(members.Len())
	r.lock.Unlock()

	r.setMembers(room, n)
	if !first {
		return nil
	}

	slogctx.FromCtx(ctx).DebugContext(ctx, "room populated on node", "room", room, "node-id", r.nodeID)
	r.triggerSync()
	return r.syncStore(ctx, room)
}

// Leave removes connID from room. Leaving a room one is not in is a no-op.
func (r *roomTracker) Leave(ctx context.Context, connID string, room common.RoomName) error {
	r.lock.Lock()
	members, exist := r.rooms.Get(room)
	if !exist {
		r.lock.Unlock()
		return nil
	}
	if _, ok := members.Get(connID); !ok {
		r.lock.Unlock()
		return nil
	}
	members.Del(connID)
	n := int(members.Len())
	last := n == 0
	if last {
		r.rooms.Del(room)
	}
	r.lock.Unlock()

	r.setMembers(room, n)
	if !last {
		return nil
	}

	slogctx.FromCtx(ctx).DebugContext(ctx, "room emptied on node", "room", room, "node-id", r.nodeID)
	r.triggerSync()
	return r.syncStore(ctx, room)
}

// syncStore writes whether this node has members in room to the room store. Writes
// for one room run one at a time and each applies the membership seen after taking
// the room's lock, so the last write matches local state whatever order concurrent
// joins and leaves reach it in.
func (r *roomTracker) syncStore(ctx context.Context, room common.RoomName) error {
	if r.roomStore == nil {
		return nil
	}
	mu := r.storeLock(room)
	mu.Lock()
	defer mu.Unlock()

	r.lock.RLock()
	_, populated := r.rooms.Get(room)
	r.lock.RUnlock()

	if populated {
		if err := r.roomStore.AddNodeToRoom(ctx, room, r.nodeID); err != nil {
			return fmt.Errorf("record node in room %q: %w", room, err)
		}
		return nil
	}
	if err := r.roomStore.RemoveNodeFromRoom(ctx, room, r.nodeID); err != nil {
		return fmt.Errorf("remove node from room %q: %w", room, err)
	}
	return nil
}

func (r *roomTracker) storeLock(room common.RoomName) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(room))
	return &r.storeLocks[h.Sum32()%storeStripes]
}

// LeaveAll removes connID from every room it joined.
func (r *roomTracker) LeaveAll(ctx context.Context, connID string) error {
	var joined []common.RoomName
	r.rooms.ForEach(func(room common.RoomName, members *haxmap.Map[string, struct{}]) bool {
		if _, ok := members.Get(connID); ok {
			joined = append(joined, room)
		}
		return true
	})

	var errs []error
	for _, room := range joined {
		if err := r.Leave(ctx, connID, room); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Members returns the connection ids in room, sorted.
func (r *roomTracker) Members(room common.RoomName) []string {
	r.lock.RLock()
	defer r.lock.RUnlock()
	members, exist := r.rooms.Get(room)
	if !exist {
		return nil
	}
	out := make([]string, 0, members.Len())
	members.ForEach(func(connID string, _ struct{}) bool {
		out = append(out, connID)
		return true
	})
	slices.Sort(out)
	return out
}

// Rooms returns the rooms with at least one local member, sorted.
func (r *roomTracker) Rooms() []common.RoomName {
	r.lock.RLock()
	defer r.lock.RUnlock()
	out := make([]common.RoomName, 0, r.rooms.Len())
	r.rooms.ForEach(func(room common.RoomName, _ *haxmap.Map[string, struct{}]) bool {
		out = append(out, room)
		return true
	})
	slices.Sort(out)
	return out
}

func (r *roomTracker) SyncLoop(ctx context.Context, syncer services.RoomSyncer) {
	logger := slogctx.FromCtx(ctx).With("component", "room-tracker")
	logger.DebugContext(ctx, "starting room syncer")
	actual := set.New[common.RoomName]()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.syncTrigger:
			rooms := r.Rooms()
			required := set.New(rooms...)
			if actual.Equal(required) {
				continue
			}

			if err := syncer.SyncRooms(ctx, rooms); err != nil {
				logger.ErrorContext(ctx, "error syncing room subscriptions", "err", err)
				time.AfterFunc(syncRetryDelay, r.triggerSync)
				continue
			}
			actual = required
			logger.DebugContext(ctx, "room subscriptions synced", "rooms", rooms)
		}
	}
}

func (r *roomTracker) triggerSync() {
	select {
	case r.syncTrigger <- struct{}{}:
	default:
	}
}

func (r *roomTracker) setMembers(room common.RoomName, n int) {
	if r.metricsRegistry != nil {
		r.metricsRegistry.SetRoomMembers(room, n)
	}
}
