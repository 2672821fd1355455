package mocks

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/kychandar/changecast/common"
	"github.com/kychandar/changecast/services"
)

var ErrFakeNotConnected = errors.New("fake transport not connected")

// SentFrame is one Send call recorded by FakeTransport.
type SentFrame struct {
	Event common.EventName
	Data  any
}

// FakeTransport is a hand-driven services.Transport. Tests flip its connected flag and
// fire lifecycle signals through the handler captured by Open.
type FakeTransport struct {
	mu        sync.Mutex
	handler   services.TransportHandler
	sent      []SentFrame
	id        string
	connected atomic.Bool
	opened    atomic.Int32
	closed    atomic.Int32

	OpenErr error
	SendErr error
}

func NewFakeTransport(id string) *FakeTransport {
	return &FakeTransport{id: id}
}

func (f *FakeTransport) Open(ctx context.Context, handler services.TransportHandler) error {
	f.opened.Add(1)
	if f.OpenErr != nil {
		return f.OpenErr
	}
	f.mu.Lock()
	f.handler = handler
	f.mu.Unlock()
	return nil
}

func (f *FakeTransport) Close() error {
	f.closed.Add(1)
	f.connected.Store(false)
	return nil
}

func (f *FakeTransport) Connected() bool {
	return f.connected.Load()
}

func (f *FakeTransport) ID() string {
	return f.id
}

func (f *FakeTransport) Send(event common.EventName, data any) error {
	if !f.connected.Load() {
		return ErrFakeNotConnected
	}
	if f.SendErr != nil {
		return f.SendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, SentFrame{Event: event, Data: data})
	return nil
}

// SetConnected flips the transport's own connected flag without raising a signal.
func (f *FakeTransport) SetConnected(v bool) {
	f.connected.Store(v)
}

func (f *FakeTransport) Handler() services.TransportHandler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handler
}

// FireConnect marks the link up and raises the connect signal.
func (f *FakeTransport) FireConnect() {
	f.connected.Store(true)
	f.Handler().OnConnect()
}

// FireDisconnect marks the link down and raises the disconnect signal.
func (f *FakeTransport) FireDisconnect(reason string) {
	f.connected.Store(false)
	f.Handler().OnDisconnect(reason)
}

func (f *FakeTransport) FireReconnect(attempt int) {
	f.connected.Store(true)
	f.Handler().OnReconnect(attempt)
	f.Handler().OnConnect()
}

func (f *FakeTransport) FireEvent(event common.EventName, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	f.Handler().OnEvent(event, raw)
	return nil
}

func (f *FakeTransport) Sent() []SentFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]SentFrame, len(f.sent))
	copy(out, f.sent)
	return out
}

// SentCount returns how many frames named event were sent.
func (f *FakeTransport) SentCount(event common.EventName) int {
	n := 0
	for _, s := range f.Sent() {
		if s.Event == event {
			n++
		}
	}
	return n
}

func (f *FakeTransport) Opened() int {
	return int(f.opened.Load())
}

func (f *FakeTransport) Closed() int {
	return int(f.closed.Load())
}
