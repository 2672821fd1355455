package cmd

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kychandar/changecast/common"
	"github.com/kychandar/changecast/config"
	"github.com/kychandar/changecast/services"
	subscriptionmanager "github.com/kychandar/changecast/services/subscriptionManager"
	"github.com/kychandar/changecast/services/transport/wsclient"
	"github.com/spf13/cobra"
	slogctx "github.com/veqryn/slog-context"
)

var listenEvents []string

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Subscribe to the change channel and log every received event",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := cfg.RequireChannelURL(); err != nil {
			return err
		}
		logger, cleanup := SetupLogger(cfg)
		defer cleanup()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		ctx = slogctx.NewCtx(ctx, logger)

		runListener(ctx, cfg, logger, listenEvents)
		return nil
	},
}

func init() {
	listenCmd.Flags().StringSliceVar(&listenEvents, "event", []string{
		string(common.ResourceCreated),
		string(common.ResourceUpdated),
		string(common.ResourceDeleted),
	}, "event to subscribe to, repeatable")
	rootCmd.AddCommand(listenCmd)
}

func newChannelTransport(cfg config.ChannelConfig, logger *slog.Logger) func() services.Transport {
	return func() services.Transport {
		return wsclient.New(wsclient.Options{
			URL:                  cfg.URL,
			ReconnectionAttempts: cfg.ReconnectionAttempts,
			ReconnectionDelay:    cfg.ReconnectionDelay(),
			ReconnectionDelayMax: cfg.ReconnectionDelayMax(),
			Timeout:              cfg.Timeout(),
			Logger:               logger,
		})
	}
}

// runListener blocks until ctx is done.
func runListener(ctx context.Context, cfg *config.Config, logger *slog.Logger, events []string) {
	manager := subscriptionmanager.New(logger, newChannelTransport(cfg.Channel, logger), nil, cfg.Channel.RoomNames()...)
	manager.Connect(ctx)
	defer manager.Disconnect()

	for _, e := range events {
		event := common.EventName(e)
		manager.On(event, func(data json.RawMessage) {
			logger.InfoContext(ctx, "change received", "event", event, "data", string(data))
		})
	}

	<-ctx.Done()
}
