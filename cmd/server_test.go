package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	nethttp "net/http"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/kychandar/changecast/api"
	"github.com/kychandar/changecast/common"
	"github.com/kychandar/changecast/config"
	subscriptionmanager "github.com/kychandar/changecast/services/subscriptionManager"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(nodeID string) *config.Config {
	cfg := &config.Config{Env: config.EnvDevelopment}
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.NodeID = nodeID
	cfg.Server.ShutdownTimeout = 1
	cfg.Server.WriteQueueSize = 16
	cfg.Server.PingPeriod = 25
	cfg.Channel = config.ChannelConfig{
		ReconnectionAttempts:   0,
		ReconnectionDelayMs:    50,
		ReconnectionDelayMaxMs: 100,
		TimeoutMs:              2000,
		Rooms:                  []string{string(common.RoomResources)},
		Entities:               common.DefaultEntities,
		StrictEventNames:       true,
	}
	cfg.PubSub.Provider = "nats"
	cfg.Database.Driver = config.DriverMemory
	cfg.Health.Enabled = true
	cfg.Health.ReadinessPath = "/health/ready"
	cfg.Health.LivenessPath = "/health/live"
	cfg.Metrics.Enabled = true
	cfg.Metrics.Path = "/metrics"
	return cfg
}

// serveNode builds a node from cfg and serves it on a random port. cfg.Channel.URL is
// pointed at the node.
func serveNode(t *testing.T, cfg *config.Config) (*node, string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	n, err := buildNode(ctx, cfg, testLogger())
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	cfg.Channel.URL = fmt.Sprintf("ws://%s/ws", addr)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = n.server.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		n.close()
	})
	return n, "http://" + addr
}

func connectClient(t *testing.T, cfg *config.Config) *subscriptionmanager.Manager {
	t.Helper()
	manager := subscriptionmanager.New(testLogger(), newChannelTransport(cfg.Channel, testLogger()), nil, cfg.Channel.RoomNames()...)
	manager.Connect(context.Background())
	t.Cleanup(manager.Disconnect)
	require.Eventually(t, manager.ConnectionStatus, 2*time.Second, 10*time.Millisecond)
	return manager
}

func subscribe(manager *subscriptionmanager.Manager, event common.EventName) <-chan json.RawMessage {
	got := make(chan json.RawMessage, 4)
	manager.On(event, func(data json.RawMessage) {
		got <- append(json.RawMessage(nil), data...)
	})
	return got
}

func waitPayload(t *testing.T, got <-chan json.RawMessage) map[string]any {
	t.Helper()
	select {
	case data := <-got:
		var out map[string]any
		require.NoError(t, json.Unmarshal(data, &out))
		return out
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func post(t *testing.T, url string, body string) *nethttp.Response {
	t.Helper()
	resp, err := nethttp.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := nethttp.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(b)
}

func TestBuildNode_MutationReachesSubscriber(t *testing.T) {
	cfg := testConfig("node-a")
	_, base := serveNode(t, cfg)

	manager := connectClient(t, cfg)
	created := subscribe(manager, common.ResourceCreated)
	deleted := subscribe(manager, common.ResourceDeleted)
	news := subscribe(manager, "news:created")

	resp := post(t, base+"/api/resources", `{"title":"x"}`)
	require.Equal(t, nethttp.StatusCreated, resp.StatusCode)
	assert.Equal(t, common.Delivered.String(), resp.Header.Get(api.OutcomeHeader))

	payload := waitPayload(t, created)
	resource, ok := payload["resource"].(map[string]any)
	require.True(t, ok, "payload %v", payload)
	assert.Equal(t, "x", resource["title"])
	assert.EqualValues(t, 1, resource["id"])

	req, err := nethttp.NewRequest(nethttp.MethodDelete, base+"/api/resources/1", nil)
	require.NoError(t, err)
	delResp, err := nethttp.DefaultClient.Do(req)
	require.NoError(t, err)
	delResp.Body.Close()
	require.Equal(t, nethttp.StatusNoContent, delResp.StatusCode)
	assert.EqualValues(t, 1, waitPayload(t, deleted)["resourceId"])

	require.Equal(t, nethttp.StatusCreated, post(t, base+"/api/news", `{"title":"headline"}`).StatusCode)
	item, ok := waitPayload(t, news)["news"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "headline", item["title"])
}

func TestBuildNode_HealthAndMetrics(t *testing.T) {
	cfg := testConfig("node-a")
	_, base := serveNode(t, cfg)

	code, _ := get(t, base+cfg.Health.ReadinessPath)
	assert.Equal(t, nethttp.StatusOK, code)
	code, _ = get(t, base+cfg.Health.LivenessPath)
	assert.Equal(t, nethttp.StatusOK, code)

	connectClient(t, cfg)
	code, body := get(t, base+cfg.Metrics.Path)
	assert.Equal(t, nethttp.StatusOK, code)
	assert.Contains(t, body, "go_goroutines")
}

func TestBuildNode_RoomStore(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig("node-a")
	cfg.RoomStore.Enabled = true
	cfg.RoomStore.Addr = []string{mr.Addr()}
	_, base := serveNode(t, cfg)

	connectClient(t, cfg)
	assert.Eventually(t, func() bool {
		code, body := get(t, base+"/api/rooms/resources/nodes")
		return code == nethttp.StatusOK && strings.Contains(body, `"node-a"`)
	}, 2*time.Second, 20*time.Millisecond)

	code, body := get(t, base+cfg.Health.ReadinessPath)
	assert.Equal(t, nethttp.StatusOK, code)
	assert.Contains(t, body, "room-store")

	mr.Close()
	code, _ = get(t, base+cfg.Health.ReadinessPath)
	assert.Equal(t, nethttp.StatusServiceUnavailable, code)
}

func runEmbeddedNATSServer(t *testing.T) *server.Server {
	s, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: -1})
	require.NoError(t, err)
	go s.Start()
	if !s.ReadyForConnections(2 * time.Second) {
		t.Fatal("nats-server not ready")
	}
	t.Cleanup(func() {
		s.Shutdown()
		s.WaitForShutdown()
	})
	return s
}

func TestBuildNode_RelaysAcrossNodes(t *testing.T) {
	s := runEmbeddedNATSServer(t)

	cfgA, cfgB := testConfig("node-a"), testConfig("node-b")
	for _, cfg := range []*config.Config{cfgA, cfgB} {
		cfg.PubSub.Enabled = true
		cfg.PubSub.URL = fmt.Sprintf("nats://%s", s.Addr().String())
	}
	_, baseA := serveNode(t, cfgA)
	_, baseB := serveNode(t, cfgB)

	code, body := get(t, baseB+cfgB.Health.ReadinessPath)
	assert.Equal(t, nethttp.StatusOK, code)
	assert.Contains(t, body, "pubsub")

	manager := connectClient(t, cfgB)
	updated := subscribe(manager, common.ResourceUpdated)

	require.Equal(t, nethttp.StatusCreated, post(t, baseA+"/api/resources", `{"title":"x"}`).StatusCode)
	req, err := nethttp.NewRequest(nethttp.MethodPut, baseA+"/api/resources/1", strings.NewReader(`{"title":"y"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := nethttp.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, nethttp.StatusOK, resp.StatusCode)

	resource, ok := waitPayload(t, updated)["resource"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "y", resource["title"])
}

func TestBuildNode_Errors(t *testing.T) {
	t.Run("unreachable room store", func(t *testing.T) {
		cfg := testConfig("node-a")
		cfg.RoomStore.Enabled = true
		cfg.RoomStore.Addr = []string{"127.0.0.1:1"}
		_, err := buildNode(context.Background(), cfg, testLogger())
		assert.Error(t, err)
	})

	t.Run("unknown pubsub provider", func(t *testing.T) {
		cfg := testConfig("node-a")
		cfg.PubSub.Enabled = true
		cfg.PubSub.Provider = "kafka"
		_, err := buildNode(context.Background(), cfg, testLogger())
		assert.ErrorContains(t, err, "unsupported pubsub provider")
	})

	t.Run("unreachable nats", func(t *testing.T) {
		cfg := testConfig("node-a")
		cfg.PubSub.Enabled = true
		cfg.PubSub.URL = "nats://127.0.0.1:1"
		_, err := buildNode(context.Background(), cfg, testLogger())
		assert.Error(t, err)
	})

	t.Run("unreachable database", func(t *testing.T) {
		cfg := testConfig("node-a")
		cfg.Database.Driver = config.DriverMySQL
		cfg.Database.DSN = "user:pass@tcp(127.0.0.1:1)/changecast?parseTime=true&timeout=1s"
		_, err := buildNode(context.Background(), cfg, testLogger())
		assert.Error(t, err)
	})
}

func TestResolveNodeID(t *testing.T) {
	cfg := testConfig("node-x")
	id, err := resolveNodeID(cfg)
	require.NoError(t, err)
	assert.Equal(t, common.NodeID("node-x"), id)

	cfg.Server.NodeID = ""
	host, err := os.Hostname()
	require.NoError(t, err)
	id, err = resolveNodeID(cfg)
	require.NoError(t, err)
	assert.Equal(t, common.NodeID(host), id)
}

func TestNatsOptions(t *testing.T) {
	cfg := testConfig("node-a")
	opts, err := natsOptions(cfg)
	require.NoError(t, err)
	assert.Empty(t, opts)

	cfg.PubSub.TLS.Enabled = true
	cfg.PubSub.TLS.CAFile = "ca.pem"
	opts, err = natsOptions(cfg)
	require.NoError(t, err)
	assert.Len(t, opts, 2)

	cfg.PubSub.TLS.CertFile = "cert.pem"
	_, err = natsOptions(cfg)
	assert.ErrorContains(t, err, "cert_file and key_file")

	cfg.PubSub.TLS.KeyFile = "key.pem"
	opts, err = natsOptions(cfg)
	require.NoError(t, err)
	assert.Len(t, opts, 3)
}

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func TestRunListener_LogsReceivedEvents(t *testing.T) {
	cfg := testConfig("node-a")
	_, base := serveNode(t, cfg)

	var buf syncBuffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		runListener(ctx, cfg, logger, []string{string(common.ResourceCreated)})
	}()

	require.Eventually(t, func() bool {
		return strings.Contains(buf.String(), `"msg":"connected"`)
	}, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, nethttp.StatusCreated, post(t, base+"/api/resources", `{"title":"logged"}`).StatusCode)
	assert.Eventually(t, func() bool {
		out := buf.String()
		return strings.Contains(out, "change received") && strings.Contains(out, "logged")
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop")
	}
}
