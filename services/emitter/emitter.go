package emitter

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/kychandar/changecast/common"
	"github.com/kychandar/changecast/ds"
	"github.com/kychandar/changecast/services"
	slogctx "github.com/veqryn/slog-context"
)

var (
	ErrAlreadyInitialized = errors.New("emitter already initialized")
	ErrNilBroadcaster     = errors.New("nil broadcaster")
)

// Emitter forwards entity lifecycle notifications to the bound channel server. Every
// call is fire-and-forget: a client that is offline at broadcast time never sees the
// event and is expected to re-fetch after reconnecting.
type Emitter struct {
	lock            sync.RWMutex
	server          services.Broadcaster
	registry        *common.EventRegistry
	strict          bool
	metricsRegistry services.MetricsRegistry
}

type Option func(*Emitter)

// WithStrictEventNames rejects events whose entity is not in the registry. Malformed
// names are always rejected.
func WithStrictEventNames(strict bool) Option {
	return func(e *Emitter) {
		e.strict = strict
	}
}

func New(registry *common.EventRegistry, metricsRegistry services.MetricsRegistry, opts ...Option) *Emitter {
	if registry == nil {
		registry = common.NewEventRegistry(common.DefaultEntities...)
	}
	e := &Emitter{
		registry:        registry,
		metricsRegistry: metricsRegistry,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Initialize binds the server instance. It must be called once during startup.
func (e *Emitter) Initialize(server services.Broadcaster) error {
	if server == nil {
		return ErrNilBroadcaster
	}
	e.lock.Lock()
	defer e.lock.Unlock()
	if e.server != nil {
		return ErrAlreadyInitialized
	}
	e.server = server
	return nil
}

func (e *Emitter) Initialized() bool {
	e.lock.RLock()
	defer e.lock.RUnlock()
	return e.server != nil
}

func (e *Emitter) NotifyCreated(ctx context.Context, entity any) common.Outcome {
	return e.Notify(ctx, common.ResourceCreated, ds.ResourcePayload{Resource: entity})
}

func (e *Emitter) NotifyUpdated(ctx context.Context, entity any) common.Outcome {
	return e.Notify(ctx, common.ResourceUpdated, ds.ResourcePayload{Resource: entity})
}

func (e *Emitter) NotifyDeleted(ctx context.Context, entityID any) common.Outcome {
	return e.Notify(ctx, common.ResourceDeleted, ds.ResourceDeletedPayload{ResourceID: entityID})
}

// Notify broadcasts any <entity>:<action> event to every connected client.
func (e *Emitter) Notify(ctx context.Context, event common.EventName, data any) common.Outcome {
	logger := slogctx.FromCtx(ctx).With("component", "emitter", "event", event)

	server, outcome := e.prepare(ctx, logger, event)
	if outcome != common.Delivered {
		return e.record(event, outcome)
	}

	if err := server.Broadcast(ctx, event, data); err != nil {
		logger.WarnContext(ctx, "broadcast failed", "err", err)
		return e.record(event, common.Failed)
	}
	return e.record(event, common.Delivered)
}

// NotifyRoom broadcasts to the members of one room only. It needs a server that
// supports room scoping.
func (e *Emitter) NotifyRoom(ctx context.Context, room common.RoomName, event common.EventName, data any) common.Outcome {
	logger := slogctx.FromCtx(ctx).With("component", "emitter", "event", event, "room", room)

	server, outcome := e.prepare(ctx, logger, event)
	if outcome != common.Delivered {
		return e.record(event, outcome)
	}

	roomServer, ok := server.(services.RoomBroadcaster)
	if !ok {
		logger.WarnContext(ctx, "bound server cannot scope broadcasts to rooms")
		return e.record(event, common.Rejected)
	}
	if err := roomServer.BroadcastToRoom(ctx, room, event, data); err != nil {
		logger.WarnContext(ctx, "room broadcast failed", "err", err)
		return e.record(event, common.Failed)
	}
	return e.record(event, common.Delivered)
}

func (e *Emitter) prepare(ctx context.Context, logger *slog.Logger, event common.EventName) (services.Broadcaster, common.Outcome) {
	if err := e.registry.Validate(event); err != nil {
		if !errors.Is(err, common.ErrUnknownEntity) || e.strict {
			logger.ErrorContext(ctx, "notification rejected", "err", err)
			return nil, common.Rejected
		}
		logger.WarnContext(ctx, "notifying unregistered entity", "err", err)
	}

	e.lock.RLock()
	server := e.server
	e.lock.RUnlock()
	if server == nil {
		logger.WarnContext(ctx, "emitter not initialized, dropping notification")
		return nil, common.DroppedUninitialized
	}
	return server, common.Delivered
}

func (e *Emitter) record(event common.EventName, outcome common.Outcome) common.Outcome {
	if e.metricsRegistry != nil {
		e.metricsRegistry.IncNotification(event, outcome)
	}
	return outcome
}
