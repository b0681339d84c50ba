package n2k

import (
	"context"
	"errors"
	"sync"
)

// mockConnector implements Connector for testing.
type mockConnector struct {
	mu        sync.Mutex
	sent      []Message
	onMessage func(Message)
	connected bool
	sendErr   error
	closed    bool
}

func newMockConnector() *mockConnector {
	return &mockConnector{connected: true}
}

func (m *mockConnector) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *mockConnector) SetOnMessage(cb func(Message)) {
	m.mu.Lock()
	m.onMessage = cb
	m.mu.Unlock()
}

// deliver simulates a message arriving from the gateway.
func (m *mockConnector) deliver(msg Message) {
	m.mu.Lock()
	cb := m.onMessage
	m.mu.Unlock()
	if cb != nil {
		cb(msg)
	}
}

func (m *mockConnector) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockConnector) Stats() GatewayStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return GatewayStats{MessagesTx: uint64(len(m.sent)), Connected: m.connected}
}

func (m *mockConnector) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockConnector) sentMessages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.sent...)
}

// recordingHandler implements WaypointHandler for testing.
type recordingHandler struct {
	mu    sync.Mutex
	calls []handlerCall
	err   error
}

type handlerCall struct {
	Lat, Lon float64
	Name     string
}

func (h *recordingHandler) OnBusWaypoint(_ context.Context, lat, lon float64, name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, handlerCall{Lat: lat, Lon: lon, Name: name})
	return h.err
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

var errMockSend = errors.New("mock send failure")

// mockPublisher implements HealthPublisher for testing.
type mockPublisher struct {
	mu        sync.Mutex
	topics    []string
	payloads  [][]byte
	retained  []bool
	connected bool
}

func (p *mockPublisher) Publish(topic string, payload []byte, _ byte, retained bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.payloads = append(p.payloads, payload)
	p.retained = append(p.retained, retained)
	return nil
}

func (p *mockPublisher) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *mockPublisher) last() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.payloads) == 0 {
		return nil
	}
	return p.payloads[len(p.payloads)-1]
}

func (p *mockPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.payloads)
}
