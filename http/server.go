package http

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/kychandar/changecast/common"
	"github.com/kychandar/changecast/config"
	"github.com/kychandar/changecast/ds"
	"github.com/kychandar/changecast/services"
	"github.com/kychandar/changecast/services/transport/wsclient"
	slogctx "github.com/veqryn/slog-context"
)

const (
	WsPath  = "/ws"
	ApiPath = "/api/"

	closeWait = time.Second
)

type server struct {
	wsWriteChanManager services.WsWriteChanManager
	roomTracker        services.RoomTracker
	wsBridgeFactory    func(tracker services.RoomTracker, wsConnID string, conn *websocket.Conn) services.WebSocketBridge
	logger             *slog.Logger
	metricsRegistry    services.MetricsRegistry
	httpServer         *http.Server
	config             *config.Config
	healthChecker      *HealthChecker
	upgrader           websocket.Upgrader
	apiHandler         http.Handler
	shutdownWg         sync.WaitGroup
}

var (
	_ services.RoomBroadcaster = (*server)(nil)
	_ services.LocalDeliverer  = (*server)(nil)
)

func New(
	roomTracker services.RoomTracker,
	wsBridgeFactory func(tracker services.RoomTracker, wsConnID string, conn *websocket.Conn) services.WebSocketBridge,
	wsWriteChanManager services.WsWriteChanManager,
	metricsRegistry services.MetricsRegistry,
	logger *slog.Logger,
	cfg *config.Config) *server {

	server := &server{
		roomTracker:        roomTracker,
		wsBridgeFactory:    wsBridgeFactory,
		wsWriteChanManager: wsWriteChanManager,
		logger:             logger.With("component", "ws-server"),
		metricsRegistry:    metricsRegistry,
		config:             cfg,
		healthChecker:      NewHealthChecker(logger, "1.0.0"),
	}
	server.upgrader = websocket.Upgrader{
		CheckOrigin:     originChecker(cfg.Server.AllowedOrigins),
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	return server
}

// originChecker allows every origin when allowed is empty. Requests without an Origin
// header come from non-browser clients and are always accepted.
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

// SetAPIHandler mounts the mutation API under /api/. Call before Start.
func (server *server) SetAPIHandler(h http.Handler) {
	server.apiHandler = h
}

// Handler returns the mux serving the websocket endpoint, the API, health and metrics.
func (server *server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(WsPath, server.ServeHTTP)

	if server.apiHandler != nil {
		mux.Handle(ApiPath, server.apiHandler)
	}
	if server.config.Health.Enabled {
		mux.HandleFunc(server.config.Health.ReadinessPath, server.healthChecker.ReadinessHandler())
		mux.HandleFunc(server.config.Health.LivenessPath, server.healthChecker.LivenessHandler())
	}
	if server.config.Metrics.Enabled && server.metricsRegistry != nil {
		mux.Handle(server.config.Metrics.Path, server.metricsRegistry.GetHandler())
	}
	return mux
}

// Start listens on the configured address and serves until ctx is done.
func (server *server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", server.config.Server.Host, server.config.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return server.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done.
func (server *server) Serve(ctx context.Context, ln net.Listener) error {
	server.httpServer = &http.Server{
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	if server.config.Server.TLS.Enabled {
		tlsConfig, err := server.loadTLSConfig()
		if err != nil {
			return fmt.Errorf("failed to load TLS config: %w", err)
		}
		server.httpServer.TLSConfig = tlsConfig
		server.logger.Info("TLS enabled for HTTP server")
	}

	server.healthChecker.SetReady(true)

	server.shutdownWg.Add(1)
	go func() {
		defer server.shutdownWg.Done()
		<-ctx.Done()
		server.logger.Info("Shutting down HTTP server...")
		server.healthChecker.SetReady(false)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), server.shutdownTimeout())
		defer cancel()

		server.closeConnections()
		if err := server.httpServer.Shutdown(shutdownCtx); err != nil {
			server.logger.Error("HTTP server shutdown error", "error", err)
		}
	}()

	server.logger.Info("Starting HTTP server", "address", ln.Addr().String(), "tls", server.config.Server.TLS.Enabled)

	var err error
	if server.config.Server.TLS.Enabled {
		err = server.httpServer.ServeTLS(ln, server.config.Server.TLS.CertFile, server.config.Server.TLS.KeyFile)
	} else {
		err = server.httpServer.Serve(ln)
	}

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

func (server *server) shutdownTimeout() time.Duration {
	return time.Duration(server.config.Server.ShutdownTimeout) * time.Second
}

func (server *server) loadTLSConfig() (*tls.Config, error) {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{
			tls.CurveP256,
			tls.X25519,
		},
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		},
	}, nil
}

// Shutdown closes every websocket and gracefully stops the HTTP server.
func (server *server) Shutdown(ctx context.Context) error {
	server.logger.Info("Initiating graceful shutdown...")
	server.healthChecker.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(ctx, server.shutdownTimeout())
	defer cancel()

	server.closeConnections()
	if server.httpServer != nil {
		if err := server.httpServer.Shutdown(shutdownCtx); err != nil {
			server.logger.Error("Error shutting down HTTP server", "error", err)
			return err
		}
	}

	done := make(chan struct{})
	go func() {
		server.shutdownWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		server.logger.Info("Graceful shutdown completed")
		return nil
	case <-shutdownCtx.Done():
		server.logger.Warn("Shutdown timeout exceeded, forcing shutdown")
		return shutdownCtx.Err()
	}
}

// closeConnections closes the websockets held by this node; hijacked connections are
// not tracked by http.Server.Shutdown. Each read loop then ends and cleans up.
func (server *server) closeConnections() {
	server.wsWriteChanManager.ForEachClientID(func(clientID string) bool {
		if conn, ok := server.wsWriteChanManager.GetConnectionForClientID(clientID); ok {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(closeWait))
			_ = conn.Close()
		}
		return true
	})
}

// GetHealthChecker returns the health checker instance
func (server *server) GetHealthChecker() *HealthChecker {
	return server.healthChecker
}

// Broadcast writes event to every connection on this node.
func (server *server) Broadcast(ctx context.Context, event common.EventName, data any) error {
	pm, err := prepare(event, data)
	if err != nil {
		return err
	}
	server.writeAll(ctx, pm)
	return nil
}

// BroadcastToRoom writes event to the connections on this node that joined room.
func (server *server) BroadcastToRoom(ctx context.Context, room common.RoomName, event common.EventName, data any) error {
	pm, err := prepare(event, data)
	if err != nil {
		return err
	}
	server.writeTo(ctx, server.roomTracker.Members(room), pm)
	return nil
}

// DeliverLocal writes a relayed frame to this node's connections, scoped to the frame's
// room when it has one.
func (server *server) DeliverLocal(ctx context.Context, frame *ds.Frame) error {
	pm, err := prepare(frame.Event, frame.Data)
	if err != nil {
		return err
	}
	if frame.Room != "" {
		server.writeTo(ctx, server.roomTracker.Members(frame.Room), pm)
		return nil
	}
	server.writeAll(ctx, pm)
	return nil
}

// prepare builds the client-visible frame once so every connection shares the encoding.
func prepare(event common.EventName, data any) (*websocket.PreparedMessage, error) {
	frame, err := ds.ClientFrame(event, data)
	if err != nil {
		return nil, err
	}
	b, err := frame.Serialize()
	if err != nil {
		return nil, fmt.Errorf("serialize %s: %w", event, err)
	}
	pm, err := websocket.NewPreparedMessage(websocket.TextMessage, b)
	if err != nil {
		return nil, fmt.Errorf("prepare %s: %w", event, err)
	}
	return pm, nil
}

func (server *server) writeAll(ctx context.Context, pm *websocket.PreparedMessage) {
	server.wsWriteChanManager.ForEachClientID(func(clientID string) bool {
		server.write(ctx, clientID, pm)
		return true
	})
}

func (server *server) writeTo(ctx context.Context, clientIDs []string, pm *websocket.PreparedMessage) {
	for _, clientID := range clientIDs {
		server.write(ctx, clientID, pm)
	}
}

// write never blocks; a full queue or a closing connection drops the frame.
func (server *server) write(ctx context.Context, clientID string, pm *websocket.PreparedMessage) {
	if err := server.wsWriteChanManager.WritePreparedMessage(clientID, pm); err != nil {
		slogctx.FromCtx(ctx).DebugContext(ctx, "frame dropped", "ws-conn-id", clientID, "err", err)
	}
}

// registerConnection claims the id a client announced when it is a UUID not already in
// use, and a fresh one otherwise. It returns the id conn is registered under.
func (server *server) registerConnection(r *http.Request, conn *websocket.Conn) string {
	announced := r.Header.Get(wsclient.ConnectionIDHeader)
	if id, err := uuid.Parse(announced); err == nil {
		if server.wsWriteChanManager.ClaimClientID(id.String(), conn) {
			return id.String()
		}
	}
	for {
		id := uuid.NewString()
		if server.wsWriteChanManager.ClaimClientID(id, conn) {
			return id
		}
	}
}

func (server *server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := server.upgrader.Upgrade(w, r, nil)
	if err != nil {
		server.logger.Warn("Upgrade error", "error", err, "origin", r.Header.Get("Origin"))
		return
	}

	wsConnID := server.registerConnection(r, conn)
	logger := server.logger.With("ws-conn-id", wsConnID)

	if server.metricsRegistry != nil {
		server.metricsRegistry.IncWsConnectionCount()
	}
	ctx, cancel := context.WithCancel(r.Context())
	ctx = slogctx.NewCtx(ctx, logger)
	logger.Debug("connection opened", "remote", r.RemoteAddr)

	defer func() {
		cancel()
		if err := server.roomTracker.LeaveAll(context.WithoutCancel(ctx), wsConnID); err != nil {
			logger.Warn("failed to leave rooms", "error", err)
		}
		server.wsWriteChanManager.DeleteClientID(wsConnID)
		conn.Close()
		if server.metricsRegistry != nil {
			server.metricsRegistry.DecWsConnectionCount()
		}
		logger.Debug("connection closed")
	}()

	bridge := server.wsBridgeFactory(server.roomTracker, wsConnID, conn)
	bridge.ProcessMessagesFromClient(ctx)
}
