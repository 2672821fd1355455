package wswritechannelmanager

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/gorilla/websocket"
	"github.com/kychandar/changecast/services"
)

const (
	DefaultQueueSize  = 256
	DefaultPingPeriod = 25 * time.Second
	writeWait         = 10 * time.Second
)

// ErrQueueFull is returned when a connection's writer is behind. The frame is dropped.
var ErrQueueFull = errors.New("write queue full, frame dropped")

// connWithWriter wraps a WebSocket connection with a dedicated writer channel
type connWithWriter struct {
	conn      *websocket.Conn
	writeCh   chan *websocket.PreparedMessage
	closeCh   chan struct{}
	closeOnce sync.Once
}

func (cw *connWithWriter) stop() {
	cw.closeOnce.Do(func() {
		close(cw.closeCh)
	})
}

// wsWriteChanManager is a thread-safe manager for WebSocket connections.
type wsWriteChanManager struct {
	connections *haxmap.Map[string, *connWithWriter]
	queueSize   int
	pingPeriod  time.Duration
	logger      *slog.Logger
}

// NewClientWriterManager creates a manager whose writers queue up to queueSize frames per
// connection and ping every pingPeriod. Zero values pick the defaults.
func NewClientWriterManager(logger *slog.Logger, queueSize int, pingPeriod time.Duration) services.WsWriteChanManager {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if pingPeriod <= 0 {
		pingPeriod = DefaultPingPeriod
	}
	return &wsWriteChanManager{
		connections: haxmap.New[string, *connWithWriter](),
		queueSize:   queueSize,
		pingPeriod:  pingPeriod,
		logger:      logger.With("component", "ws-writer"),
	}
}

// GetConnectionForClientID returns the WebSocket connection for a given client ID.
func (m *wsWriteChanManager) GetConnectionForClientID(clientID string) (*websocket.Conn, bool) {
	connInfo, ok := m.connections.Get(clientID)
	if !ok {
		return nil, false
	}
	return connInfo.conn, true
}

// SetConnectionForClientID sets the WebSocket connection and starts a dedicated writer goroutine.
// A previous connection under the same id has its writer stopped.
func (m *wsWriteChanManager) SetConnectionForClientID(clientID string, conn *websocket.Conn) {
	connWriter := m.newConnWriter(conn)

	if old, ok := m.connections.Get(clientID); ok {
		old.stop()
	}
	m.connections.Set(clientID, connWriter)

	go m.writerLoop(clientID, connWriter)
}

// ClaimClientID registers conn and starts its writer only if no connection holds
// clientID yet. The check and the insert are one atomic step.
func (m *wsWriteChanManager) ClaimClientID(clientID string, conn *websocket.Conn) bool {
	connWriter := m.newConnWriter(conn)
	if _, loaded := m.connections.GetOrSet(clientID, connWriter); loaded {
		return false
	}
	go m.writerLoop(clientID, connWriter)
	return true
}

func (m *wsWriteChanManager) newConnWriter(conn *websocket.Conn) *connWithWriter {
	return &connWithWriter{
		conn:    conn,
		writeCh: make(chan *websocket.PreparedMessage, m.queueSize),
		closeCh: make(chan struct{}),
	}
}

// writerLoop handles all writes for a single connection
func (m *wsWriteChanManager) writerLoop(clientID string, cw *connWithWriter) {
	ticker := time.NewTicker(m.pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-cw.closeCh:
			return
		case pm := <-cw.writeCh:
			_ = cw.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cw.conn.WritePreparedMessage(pm); err != nil {
				m.logger.Debug("write failed, stopping writer", "conn-id", clientID, "err", err)
				return
			}
		case <-ticker.C:
			if err := cw.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				m.logger.Debug("ping failed, stopping writer", "conn-id", clientID, "err", err)
				return
			}
		}
	}
}

// DeleteClientID deletes the client ID and stops the writer goroutine
func (m *wsWriteChanManager) DeleteClientID(clientID string) {
	if connInfo, ok := m.connections.Get(clientID); ok {
		connInfo.stop()
		m.connections.Del(clientID)
	}
}

// WritePreparedMessage queues pm for clientID without blocking.
func (m *wsWriteChanManager) WritePreparedMessage(clientID string, pm *websocket.PreparedMessage) error {
	connInfo, ok := m.connections.Get(clientID)
	if !ok {
		return websocket.ErrCloseSent
	}

	select {
	case <-connInfo.closeCh:
		return websocket.ErrCloseSent
	default:
	}

	select {
	case connInfo.writeCh <- pm:
		return nil
	default:
		return ErrQueueFull
	}
}

// ForEachClientID calls fn for every registered connection until fn returns false.
func (m *wsWriteChanManager) ForEachClientID(fn func(clientID string) bool) {
	m.connections.ForEach(func(clientID string, _ *connWithWriter) bool {
		return fn(clientID)
	})
}

func (m *wsWriteChanManager) Len() int {
	return int(m.connections.Len())
}
