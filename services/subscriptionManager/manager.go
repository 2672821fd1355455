package subscriptionmanager

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/kychandar/changecast/common"
	"github.com/kychandar/changecast/services"
)

// Manager owns at most one live channel connection and gives consumers a subscribe
// surface that does not change across reconnects. It never panics or returns errors to
// callers; failures are visible through ConnectionStatus, Outcome values and logs.
//
// The transport reference is only swapped inside Connect, Disconnect, the terminal
// reconnect-failure path and the end of the ctx passed to Connect. Signals from a transport that has been replaced carry an old
// generation and are ignored.
type Manager struct {
	lock             sync.RWMutex
	newTransport     func() services.Transport
	transport        services.Transport
	generation       uint64
	state            common.ConnectionState
	reconnectAttempt int
	stopWatch        func() bool
	rooms            []common.RoomName
	listeners        *listenerRegistry
	logger           *slog.Logger
	metricsRegistry  services.MetricsRegistry
}

func New(
	logger *slog.Logger,
	newTransport func() services.Transport,
	metricsRegistry services.MetricsRegistry,
	rooms ...common.RoomName) *Manager {
	if len(rooms) == 0 {
		rooms = []common.RoomName{common.RoomResources}
	}
	return &Manager{
		newTransport:    newTransport,
		rooms:           append([]common.RoomName(nil), rooms...),
		listeners:       newListenerRegistry(),
		logger:          logger.With("component", "subscription-manager"),
		metricsRegistry: metricsRegistry,
	}
}

// Connect opens the channel if no connection is held yet. ctx bounds the lifetime of
// the underlying transport, not just the dial.
func (m *Manager) Connect(ctx context.Context) {
	if err := ctx.Err(); err != nil {
		m.logger.WarnContext(ctx, "connect skipped, context already done", "err", err)
		return
	}
	m.lock.Lock()
	if m.transport != nil {
		state := m.state
		m.lock.Unlock()
		m.logger.DebugContext(ctx, "connect skipped, connection already held", "state", state.String())
		return
	}
	t := m.newTransport()
	m.generation++
	gen := m.generation
	m.transport = t
	m.state = common.StateConnecting
	m.reconnectAttempt = 0
	m.lock.Unlock()

	m.logger.InfoContext(ctx, "connecting", "rooms", m.rooms)
	stop := context.AfterFunc(ctx, func() { m.handleContextDone(gen) })
	m.lock.Lock()
	if m.generation == gen {
		m.stopWatch = stop
	} else {
		stop()
	}
	m.lock.Unlock()

	if err := t.Open(ctx, &session{m: m, gen: gen}); err != nil {
		m.logger.ErrorContext(ctx, "failed to open channel transport", "err", err)
		m.lock.Lock()
		if m.generation == gen {
			m.transport = nil
			m.generation++
			m.state = common.StateDisconnected
			m.releaseWatch()
		}
		m.lock.Unlock()
		_ = t.Close()
	}
}

// Disconnect leaves every room, closes the transport and drops all listeners. It is
// safe to call at any point, including while a reconnect is in flight.
func (m *Manager) Disconnect() {
	m.lock.Lock()
	t := m.transport
	if t == nil {
		m.lock.Unlock()
		return
	}
	linkUp := m.state == common.StateConnected && t.Connected()
	m.transport = nil
	m.generation++
	m.state = common.StateDisconnected
	m.reconnectAttempt = 0
	m.listeners.clear()
	m.releaseWatch()
	m.lock.Unlock()

	if linkUp {
		for _, room := range m.rooms {
			if err := t.Send(common.LeaveEvent(room), nil); err != nil {
				m.logger.Warn("failed to leave room", "room", room, "err", err)
			}
		}
	}
	if err := t.Close(); err != nil {
		m.logger.Warn("error closing channel transport", "err", err)
	}
	m.logger.Info("disconnected")
}

// On registers cb for event. Before Connect it only logs and returns an inactive
// subscription whose Unsubscribe does nothing.
func (m *Manager) On(event common.EventName, cb Listener) Subscription {
	if cb == nil {
		m.logger.Warn("nil listener ignored", "event", event)
		return Subscription{Event: event}
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.transport == nil {
		m.logger.Warn("listener not registered, call Connect first", "event", event)
		return Subscription{Event: event}
	}
	h := m.listeners.add(event, cb)
	return Subscription{
		Event:  event,
		Handle: h,
		unsubscribe: func() {
			m.Off(event, h)
		},
	}
}

// Off removes the given registrations for event, or every listener for event when no
// handle is passed. It returns how many listeners were removed.
func (m *Manager) Off(event common.EventName, handles ...Handle) int {
	m.lock.Lock()
	defer m.lock.Unlock()
	if len(handles) == 0 {
		return m.listeners.removeAll(event)
	}
	removed := 0
	for _, h := range handles {
		if m.listeners.remove(event, h) {
			removed++
		}
	}
	return removed
}

// Emit sends event upstream when the link is established. Nothing is queued.
func (m *Manager) Emit(event common.EventName, data any) common.Outcome {
	m.lock.RLock()
	t := m.transport
	state := m.state
	m.lock.RUnlock()

	if t == nil || state != common.StateConnected || !t.Connected() {
		m.logger.Warn("not connected, dropping emit", "event", event, "state", state.String())
		return m.recordEmit(common.DroppedDisconnected)
	}
	if err := t.Send(event, data); err != nil {
		m.logger.Warn("emit failed", "event", event, "err", err)
		return m.recordEmit(common.Failed)
	}
	return m.recordEmit(common.Delivered)
}

// ConnectionStatus is true only when both the manager and the transport consider the
// link established.
func (m *Manager) ConnectionStatus() bool {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.transport != nil && m.state == common.StateConnected && m.transport.Connected()
}

func (m *Manager) State() common.ConnectionState {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.state
}

// ConnectionID returns the transport's id, or "" when no connection is held.
func (m *Manager) ConnectionID() string {
	m.lock.RLock()
	defer m.lock.RUnlock()
	if m.transport == nil {
		return ""
	}
	return m.transport.ID()
}

func (m *Manager) ReconnectAttempt() int {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.reconnectAttempt
}

func (m *Manager) ListenerCount(event common.EventName) int {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.listeners.count(event)
}

func (m *Manager) recordEmit(outcome common.Outcome) common.Outcome {
	if m.metricsRegistry != nil {
		m.metricsRegistry.IncClientEmit(outcome)
	}
	return outcome
}

func (m *Manager) recordSignal(signal string) {
	if m.metricsRegistry != nil {
		m.metricsRegistry.IncReconnect(signal)
	}
}

// releaseWatch drops the ctx watch of the live generation. Callers hold m.lock.
func (m *Manager) releaseWatch() {
	if m.stopWatch != nil {
		m.stopWatch()
		m.stopWatch = nil
	}
}

// current returns the transport if gen is still the live generation.
func (m *Manager) current(gen uint64) (services.Transport, bool) {
	if gen != m.generation || m.transport == nil {
		return nil, false
	}
	return m.transport, true
}

func (m *Manager) handleConnect(gen uint64) {
	m.lock.Lock()
	t, ok := m.current(gen)
	if !ok {
		m.lock.Unlock()
		return
	}
	previous := m.state
	m.state = common.StateConnected
	m.reconnectAttempt = 0
	m.lock.Unlock()

	m.recordSignal(common.SignalConnect)
	m.logger.Info("connected", "conn-id", t.ID(), "previous-state", previous.String())
	for _, room := range m.rooms {
		if err := t.Send(common.JoinEvent(room), nil); err != nil {
			m.logger.Warn("failed to join room", "room", room, "err", err)
		}
	}
}

func (m *Manager) handleDisconnect(gen uint64, reason string) {
	m.lock.Lock()
	if _, ok := m.current(gen); !ok {
		m.lock.Unlock()
		return
	}
	m.state = common.StateReconnecting
	m.lock.Unlock()

	m.recordSignal(common.SignalDisconnect)
	m.logger.Warn("connection lost", "reason", reason)
}

func (m *Manager) handleConnectError(gen uint64, err error) {
	m.lock.RLock()
	_, ok := m.current(gen)
	state := m.state
	m.lock.RUnlock()
	if !ok {
		return
	}
	m.recordSignal(common.SignalConnectError)
	m.logger.Warn("connection error", "err", err, "state", state.String())
}

func (m *Manager) handleReconnectAttempt(gen uint64, attempt int) {
	m.lock.Lock()
	if _, ok := m.current(gen); !ok {
		m.lock.Unlock()
		return
	}
	if m.state != common.StateConnecting {
		m.state = common.StateReconnecting
	}
	m.reconnectAttempt = attempt
	m.lock.Unlock()

	m.logger.Info("reconnect attempt", "attempt", attempt)
}

func (m *Manager) handleReconnect(gen uint64, attempt int) {
	m.lock.RLock()
	_, ok := m.current(gen)
	m.lock.RUnlock()
	if !ok {
		return
	}
	m.recordSignal(common.SignalReconnect)
	m.logger.Info("reconnected", "attempts", attempt)
}

// handleReconnectFailed tears the connection down after the transport gave up. The
// manager then waits for a new explicit Connect.
func (m *Manager) handleReconnectFailed(gen uint64) {
	m.lock.Lock()
	t, ok := m.current(gen)
	if !ok {
		m.lock.Unlock()
		return
	}
	attempts := m.reconnectAttempt
	m.transport = nil
	m.generation++
	m.state = common.StateDisconnected
	m.reconnectAttempt = 0
	m.listeners.clear()
	m.releaseWatch()
	m.lock.Unlock()

	m.recordSignal(common.SignalReconnectFailed)
	m.logger.Error("reconnect attempts exhausted, staying disconnected until Connect is called", "attempts", attempts)
	if err := t.Close(); err != nil {
		m.logger.Warn("error closing channel transport", "err", err)
	}
}

// handleContextDone tears the connection down once the ctx given to Connect is done.
// The transport stops on its own then and sends no terminal signal.
func (m *Manager) handleContextDone(gen uint64) {
	m.lock.Lock()
	t, ok := m.current(gen)
	if !ok {
		m.lock.Unlock()
		return
	}
	m.transport = nil
	m.generation++
	m.state = common.StateDisconnected
	m.reconnectAttempt = 0
	m.listeners.clear()
	m.stopWatch = nil
	m.lock.Unlock()

	m.logger.Info("connect context done, disconnected")
	if err := t.Close(); err != nil {
		m.logger.Warn("error closing channel transport", "err", err)
	}
}

func (m *Manager) handleEvent(gen uint64, event common.EventName, data json.RawMessage) {
	m.lock.RLock()
	if _, ok := m.current(gen); !ok {
		m.lock.RUnlock()
		return
	}
	listeners := m.listeners.snapshot(event)
	m.lock.RUnlock()

	for _, l := range listeners {
		m.invoke(event, l, data)
	}
}

func (m *Manager) invoke(event common.EventName, l Listener, data json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("listener panicked", "event", event, "panic", r)
		}
	}()
	l(data)
}

// session binds transport signals to the generation that opened it.
type session struct {
	m   *Manager
	gen uint64
}

func (s *session) OnConnect() {
	s.m.handleConnect(s.gen)
}

func (s *session) OnDisconnect(reason string) {
	s.m.handleDisconnect(s.gen, reason)
}

func (s *session) OnConnectError(err error) {
	s.m.handleConnectError(s.gen, err)
}

func (s *session) OnReconnectAttempt(attempt int) {
	s.m.handleReconnectAttempt(s.gen, attempt)
}

func (s *session) OnReconnect(attempt int) {
	s.m.handleReconnect(s.gen, attempt)
}

func (s *session) OnReconnectFailed() {
	s.m.handleReconnectFailed(s.gen)
}

func (s *session) OnEvent(event common.EventName, data json.RawMessage) {
	s.m.handleEvent(s.gen, event, data)
}
