package ble

import (
	"context"
	"sync"
	"time"

	"github.com/op/go-logging"
	"github.com/pkg/errors"

	"github.com/a-liut/helmet-nav-go/pkg/helmet"
)

const (
	mockHelmetID   = "00:00:00:00:00:01"
	mockHelmetName = "DSD TECH (MOCK)"
	mockScanDelay  = 500 * time.Millisecond
)

// MockAdapter pretends a helmet is always in range. Writes are only logged.
type MockAdapter struct {
	log       *logging.Logger
	scanDelay time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	link   *mockLink
	closed bool
}

func NewMockAdapter(log *logging.Logger) *MockAdapter {
	if log == nil {
		log = logging.MustGetLogger("ble")
	}
	return &MockAdapter{log: log, scanDelay: mockScanDelay}
}

func (a *MockAdapter) Scan(ctx context.Context, fn func(helmet.Discovery)) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return errors.New("adapter closed")
	}

	scanCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	go func() {
		select {
		case <-time.After(a.scanDelay):
			fn(helmet.Discovery{ID: "11:22:33:44:55:66", Name: "Mi Smart Band 6", RSSI: -80})
			fn(helmet.Discovery{ID: mockHelmetID, Name: mockHelmetName, ServiceIDs: []string{"ffe0"}, RSSI: -42})
		case <-scanCtx.Done():
		}
	}()

	a.log.Info("mock: scanning")
	return nil
}

func (a *MockAdapter) StopScan() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	return nil
}

func (a *MockAdapter) Connect(ctx context.Context, d helmet.Discovery) (helmet.Link, error) {
	if d.ID != mockHelmetID {
		return nil, errors.Errorf("mock: unknown peripheral %s", d.ID)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, errors.New("adapter closed")
	}
	a.link = &mockLink{log: a.log, done: make(chan struct{})}
	a.log.Infof("mock: connected to %s", d.Name)
	return a.link, nil
}

func (a *MockAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	if a.cancel != nil {
		a.cancel()
	}
	if a.link != nil {
		a.link.close()
	}
	return nil
}

type mockLink struct {
	log  *logging.Logger
	done chan struct{}
	once sync.Once

	mu     sync.Mutex
	frames [][]byte
}

func (l *mockLink) Write(b []byte) error {
	select {
	case <-l.done:
		return errors.New("mock: not connected")
	default:
	}

	l.mu.Lock()
	l.frames = append(l.frames, append([]byte(nil), b...))
	l.mu.Unlock()
	l.log.Infof("mock: write %q", b)
	return nil
}

func (l *mockLink) Disconnect() error {
	l.close()
	return nil
}

func (l *mockLink) close() {
	l.once.Do(func() { close(l.done) })
}

func (l *mockLink) Done() <-chan struct{} {
	return l.done
}

func (l *mockLink) Capabilities() helmet.Capability {
	return helmet.CapWrite | helmet.CapWriteNoResponse
}
