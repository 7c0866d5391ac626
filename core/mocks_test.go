package core

import (
	"context"
	"sync"
	"time"

	"github.com/BranchIntl/rmqworker/rabbitmq"
)

// Mock implementations for testing

// MockClock fires every After immediately and advances Now by the
// requested duration
type MockClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewMockClock() *MockClock {
	return &MockClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *MockClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	c.mu.Unlock()

	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

// MockMemoryProbe returns the configured readings in order and repeats
// the last one
type MockMemoryProbe struct {
	mu       sync.Mutex
	readings []uint64
	calls    int
}

func NewMockMemoryProbe(readings ...uint64) *MockMemoryProbe {
	return &MockMemoryProbe{readings: readings}
}

func (p *MockMemoryProbe) Probe() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls++
	if len(p.readings) == 0 {
		return 0
	}
	i := p.calls - 1
	if i >= len(p.readings) {
		i = len(p.readings) - 1
	}
	return p.readings[i]
}

func (p *MockMemoryProbe) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// MockListener records lifecycle notifications
type MockListener struct {
	mu         sync.Mutex
	processing []string
	processed  []string
	failed     []error
}

func NewMockListener() *MockListener {
	return &MockListener{}
}

func (l *MockListener) Processing(ctx context.Context, msg *rabbitmq.Message, queue string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.processing = append(l.processing, msg.MessageID())
}

func (l *MockListener) Processed(ctx context.Context, msg *rabbitmq.Message, queue string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.processed = append(l.processed, msg.MessageID())
}

func (l *MockListener) Failed(ctx context.Context, msg *rabbitmq.Message, queue string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failed = append(l.failed, err)
}

func (l *MockListener) GetProcessing() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.processing...)
}

func (l *MockListener) GetProcessed() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.processed...)
}

func (l *MockListener) GetFailed() []error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]error(nil), l.failed...)
}

// MockStatistics implements the Statistics interface for testing
type MockStatistics struct {
	*MockListener

	mu           sync.Mutex
	connectError error
	connected    bool
	closed       bool
}

func NewMockStatistics() *MockStatistics {
	return &MockStatistics{MockListener: NewMockListener()}
}

func (m *MockStatistics) SetConnectError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectError = err
}

func (m *MockStatistics) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connectError != nil {
		return m.connectError
	}
	m.connected = true
	return nil
}

func (m *MockStatistics) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MockStatistics) Health() error {
	return nil
}

func (m *MockStatistics) Type() string {
	return "mock"
}

func (m *MockStatistics) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockStatistics) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
