package websocketbridge

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kychandar/changecast/common"
	"github.com/kychandar/changecast/services"
	"github.com/kychandar/changecast/services/pool"
	slogctx "github.com/veqryn/slog-context"
)

const maxMessageSize = 64 * 1024

// Inbound frame kinds counted by the bridge.
const (
	KindJoin      = "join"
	KindLeave     = "leave"
	KindOther     = "other"
	KindMalformed = "malformed"
)

type Factory func(tracker services.RoomTracker, wsConnID string, conn *websocket.Conn) services.WebSocketBridge

// NewWsBridgeFactory returns a factory for bridges that read client frames. pongWait is
// how long a connection may stay silent before the read fails; it must be longer than
// the writer's ping period. metricsRegistry may be nil.
func NewWsBridgeFactory(pongWait time.Duration, metricsRegistry services.MetricsRegistry) Factory {
	return func(tracker services.RoomTracker, wsConnID string, conn *websocket.Conn) services.WebSocketBridge {
		return &websocketBridge{
			wsConnID:        wsConnID,
			conn:            conn,
			tracker:         tracker,
			pongWait:        pongWait,
			metricsRegistry: metricsRegistry,
		}
	}
}

type websocketBridge struct {
	wsConnID        string
	conn            *websocket.Conn
	tracker         services.RoomTracker
	pongWait        time.Duration
	metricsRegistry services.MetricsRegistry
}

// ProcessMessagesFromClient reads frames until the connection fails or ctx is done.
// join:<room> and leave:<room> update room membership; anything else is logged.
func (w *websocketBridge) ProcessMessagesFromClient(ctx context.Context) {
	logger := slogctx.FromCtx(ctx).With("ws-conn-id", w.wsConnID)
	objPool := pool.GetGlobalPool()

	w.conn.SetReadLimit(maxMessageSize)
	if w.pongWait > 0 {
		_ = w.conn.SetReadDeadline(time.Now().Add(w.pongWait))
		w.conn.SetPongHandler(func(string) error {
			return w.conn.SetReadDeadline(time.Now().Add(w.pongWait))
		})
	}

	for {
		_, message, err := w.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.WarnContext(ctx, "unexpected close", "err", err)
			} else {
				logger.DebugContext(ctx, "read loop ended", "err", err)
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		if w.pongWait > 0 {
			_ = w.conn.SetReadDeadline(time.Now().Add(w.pongWait))
		}

		frame := objPool.Frame.Get()
		if err := frame.DeserializeFrom(message); err != nil || frame.Event == "" {
			logger.WarnContext(ctx, "dropping malformed client frame", "err", err)
			w.count(KindMalformed)
			objPool.ResetFrame(frame)
			continue
		}
		w.handle(ctx, frame.Event)
		objPool.ResetFrame(frame)
	}
}

func (w *websocketBridge) handle(ctx context.Context, event common.EventName) {
	logger := slogctx.FromCtx(ctx).With("ws-conn-id", w.wsConnID, "event", event)

	room, join, ok := common.ParseRoomControl(event)
	if !ok {
		w.count(KindOther)
		logger.InfoContext(ctx, "client event received")
		return
	}
	if join {
		w.count(KindJoin)
		if err := w.tracker.Join(ctx, w.wsConnID, room); err != nil {
			logger.ErrorContext(ctx, "join failed", "err", err)
		}
		return
	}
	w.count(KindLeave)
	if err := w.tracker.Leave(ctx, w.wsConnID, room); err != nil {
		logger.WarnContext(ctx, "leave failed", "err", err)
	}
}

func (w *websocketBridge) count(kind string) {
	if w.metricsRegistry != nil {
		w.metricsRegistry.IncInboundClientEvent(kind)
	}
}
