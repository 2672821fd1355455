package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	nethttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kychandar/changecast/api"
	"github.com/kychandar/changecast/common"
	"github.com/kychandar/changecast/config"
	"github.com/kychandar/changecast/http"
	"github.com/kychandar/changecast/services"
	"github.com/kychandar/changecast/services/emitter"
	valkey "github.com/kychandar/changecast/services/inMemCache/valKey"
	metricsregistry "github.com/kychandar/changecast/services/metricsRegistry"
	natspubsub "github.com/kychandar/changecast/services/pubsub/nats"
	"github.com/kychandar/changecast/services/relay"
	gormstore "github.com/kychandar/changecast/services/resourceStore/gormStore"
	memstore "github.com/kychandar/changecast/services/resourceStore/memStore"
	roomtracker "github.com/kychandar/changecast/services/roomTracker"
	websocketbridge "github.com/kychandar/changecast/services/websocketBridge"
	wswritechannelmanager "github.com/kychandar/changecast/services/wsWriteChanManager"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	slogctx "github.com/veqryn/slog-context"
)

var serveCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the websocket server and the mutation API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if !config.IsDevelopment(cfg.Env) {
			gin.SetMode(gin.ReleaseMode)
		}

		logger, cleanup := SetupLogger(cfg)
		defer cleanup()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		ctx = slogctx.NewCtx(ctx, logger)

		return startServer(ctx, cfg, logger)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

type wsServer interface {
	services.RoomBroadcaster
	services.LocalDeliverer
	SetAPIHandler(h nethttp.Handler)
	Start(ctx context.Context) error
	Serve(ctx context.Context, ln net.Listener) error
	GetHealthChecker() *http.HealthChecker
}

// node is one fully wired server process.
type node struct {
	id      common.NodeID
	server  wsServer
	emitter *emitter.Emitter
	closers []func()
}

func (n *node) close() {
	for i := len(n.closers) - 1; i >= 0; i-- {
		n.closers[i]()
	}
	n.closers = nil
}

func startServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	n, err := buildNode(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer n.close()

	logger.InfoContext(ctx, "server starting", "node-id", n.id, "host", cfg.Server.Host, "port", cfg.Server.Port)
	if err := n.server.Start(ctx); err != nil {
		return err
	}
	logger.InfoContext(ctx, "server stopped", "node-id", n.id)
	return nil
}

func resolveNodeID(cfg *config.Config) (common.NodeID, error) {
	if cfg.Server.NodeID != "" {
		return common.NodeID(cfg.Server.NodeID), nil
	}
	hostName, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("resolve node id: %w", err)
	}
	return common.NodeID(hostName), nil
}

// buildNode wires every component. ctx bounds background loops (relay, room sync).
func buildNode(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *node, err error) {
	n := &node{}
	defer func() {
		if err != nil {
			n.close()
		}
	}()

	n.id, err = resolveNodeID(cfg)
	if err != nil {
		return nil, err
	}
	metrics := metricsregistry.New(string(n.id))

	var roomStore services.RoomStore
	if cfg.RoomStore.Enabled {
		roomStore, err = valkey.NewValkeyRoomStore(cfg.RoomStore.Addr)
		if err != nil {
			return nil, err
		}
		n.closers = append(n.closers, roomStore.Close)
	}
	tracker := roomtracker.New(n.id, roomStore, metrics)

	pingPeriod := time.Duration(cfg.Server.PingPeriod) * time.Second
	writers := wswritechannelmanager.NewClientWriterManager(logger, cfg.Server.WriteQueueSize, pingPeriod)
	n.server = http.New(tracker, websocketbridge.NewWsBridgeFactory(pingPeriod*10/9, metrics), writers, metrics, logger, cfg)
	health := n.server.GetHealthChecker()
	if roomStore != nil {
		health.AddCheck("room-store", roomStore.Ping)
	}

	var broadcaster services.Broadcaster = n.server
	if cfg.PubSub.Enabled {
		if cfg.PubSub.Provider != "nats" {
			return nil, fmt.Errorf("unsupported pubsub provider %q", cfg.PubSub.Provider)
		}
		opts, err := natsOptions(cfg)
		if err != nil {
			return nil, err
		}
		pubsub, err := natspubsub.NewNatsPubSub(cfg.PubSub.URL, "changecast-"+string(n.id), logger, opts...)
		if err != nil {
			return nil, err
		}
		n.closers = append(n.closers, func() { _ = pubsub.Close() })

		r := relay.New(n.id, pubsub, n.server, metrics)
		if err := r.Start(ctx); err != nil {
			return nil, err
		}
		n.closers = append(n.closers, func() { _ = r.Stop(context.WithoutCancel(ctx)) })
		go tracker.SyncLoop(ctx, r)

		health.AddCheck("pubsub", func(context.Context) error {
			if !r.Healthy() {
				return errors.New("pubsub disconnected")
			}
			return nil
		})
		broadcaster = r
	}

	n.emitter = emitter.New(common.NewEventRegistry(cfg.Channel.Entities...), metrics,
		emitter.WithStrictEventNames(cfg.Channel.StrictEventNames))
	if err := n.emitter.Initialize(broadcaster); err != nil {
		return nil, err
	}

	stores, err := buildStores(cfg, n, health)
	if err != nil {
		return nil, err
	}
	n.server.SetAPIHandler(api.NewRouter(api.Options{
		Logger:         logger,
		Notifier:       n.emitter,
		Stores:         stores,
		RoomStore:      roomStore,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}))
	return n, nil
}

// buildStores returns one store per configured entity kind, all sharing one backend.
func buildStores(cfg *config.Config, n *node, health *http.HealthChecker) (map[string]services.ResourceStore, error) {
	stores := make(map[string]services.ResourceStore, len(cfg.Channel.Entities))
	switch cfg.Database.Driver {
	case config.DriverMySQL:
		db, err := gormstore.Open(cfg.Database.DSN)
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		n.closers = append(n.closers, func() { _ = sqlDB.Close() })
		health.AddCheck("database", sqlDB.PingContext)
		for _, entity := range cfg.Channel.Entities {
			stores[entity] = gormstore.New(db, entity)
		}
	default:
		for _, entity := range cfg.Channel.Entities {
			stores[entity] = memstore.New(entity)
		}
	}
	return stores, nil
}

func natsOptions(cfg *config.Config) ([]nats.Option, error) {
	tls := cfg.PubSub.TLS
	if !tls.Enabled {
		return nil, nil
	}
	var opts []nats.Option
	if tls.CAFile != "" {
		opts = append(opts, nats.RootCAs(tls.CAFile))
	}
	switch {
	case tls.CertFile != "" && tls.KeyFile != "":
		opts = append(opts, nats.ClientCert(tls.CertFile, tls.KeyFile))
	case tls.CertFile != "" || tls.KeyFile != "":
		return nil, errors.New("pubsub.tls needs both cert_file and key_file")
	}
	return append(opts, nats.Secure()), nil
}
