package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kychandar/changecast/services"
	"github.com/nats-io/nats.go"
)

const closeTimeout = 5 * time.Second

var ErrAlreadySubscribed = errors.New("subject already subscribed")

// NatsPubSub relays frames over core NATS. Nothing is persisted: a node that is not
// subscribed when a frame is published never sees it.
type NatsPubSub struct {
	nc     *nats.Conn
	subs   map[string]*nats.Subscription
	mu     sync.Mutex
	logger *slog.Logger
}

// NewNatsPubSub connects to natsURL. extra options (TLS, credentials) are applied after
// the defaults.
func NewNatsPubSub(natsURL string, name string, logger *slog.Logger, extra ...nats.Option) (services.PubSubProvider, error) {
	logger = logger.With("component", "nats")
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrlRedacted())
		}),
	}
	nc, err := nats.Connect(natsURL, append(opts, extra...)...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	return &NatsPubSub{
		nc:     nc,
		subs:   make(map[string]*nats.Subscription),
		logger: logger,
	}, nil
}

func (n *NatsPubSub) Publish(ctx context.Context, subjectName string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := n.nc.Publish(subjectName, data); err != nil {
		return fmt.Errorf("publish %s: %w", subjectName, err)
	}
	return nil
}

// Subscribe registers callBack for subjectName. The subscription is flushed to the
// server before returning so publishes issued afterwards are seen.
func (n *NatsPubSub) Subscribe(subjectName string, callBack func(msg []byte)) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.subs[subjectName]; ok {
		return fmt.Errorf("%s: %w", subjectName, ErrAlreadySubscribed)
	}

	sub, err := n.nc.Subscribe(subjectName, func(m *nats.Msg) {
		callBack(m.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	if err := n.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("flush subscription: %w", err)
	}

	n.subs[subjectName] = sub
	return nil
}

func (n *NatsPubSub) UnSubscribe(subjectName string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	sub, ok := n.subs[subjectName]
	if !ok {
		return fmt.Errorf("no subscription for subject %s", subjectName)
	}

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("unsubscribe: %w", err)
	}
	delete(n.subs, subjectName)
	return nil
}

func (n *NatsPubSub) Connected() bool {
	return n.nc.IsConnected()
}

// Close drains subscriptions and waits for the connection to close.
func (n *NatsPubSub) Close() error {
	if n.nc.IsClosed() {
		return nil
	}
	done := make(chan struct{})

	n.nc.SetClosedHandler(func(_ *nats.Conn) {
		close(done) // signal that drain is done
	})

	if err := n.nc.Drain(); err != nil {
		return err
	}

	select {
	case <-done:
	case <-time.After(closeTimeout):
		n.nc.Close()
		return errors.New("nats drain timed out")
	}
	return nil
}
