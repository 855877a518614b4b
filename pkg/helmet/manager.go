package helmet

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/op/go-logging"
)

const (
	DefaultScanTimeout    = 10 * time.Second
	DefaultConnectTimeout = 10 * time.Second
)

// State is the connection state of a Manager.
type State string

const (
	StateIdle         State = "idle"
	StateScanning     State = "scanning"
	StateConnecting   State = "connecting"
	StateReady        State = "ready"
	StateDisconnected State = "disconnected"
	StateError        State = "error"
)

// Status is the snapshot observers read.
type Status struct {
	State     State             `json:"state"`
	Device    *PeripheralHandle `json:"device"`
	Scanning  bool              `json:"scanning"`
	Connected bool              `json:"connected"`
	Error     *Error            `json:"error"`
}

type Options struct {
	ScanTimeout    time.Duration
	ConnectTimeout time.Duration
	Matcher        *Matcher
	Logger         *logging.Logger
}

// Manager owns the adapter session and the single helmet connection.
//
// It is created once per process and released with Close. Every state change goes
// through mu; connectMu keeps at most one scan or connection attempt in flight.
type Manager struct {
	adapter        Adapter
	perms          PermissionProvider
	matcher        *Matcher
	scanTimeout    time.Duration
	connectTimeout time.Duration
	log            *logging.Logger

	connectMu sync.Mutex
	writeMu   sync.Mutex

	mu            sync.Mutex
	state         State
	handle        *PeripheralHandle
	link          Link
	lastErr       *Error
	cancelAttempt context.CancelFunc
	closed        bool
	subs          map[chan Status]struct{}
}

func NewManager(adapter Adapter, perms PermissionProvider, opts Options) *Manager {
	if perms == nil {
		perms = AlwaysGranted
	}
	if opts.ScanTimeout <= 0 {
		opts.ScanTimeout = DefaultScanTimeout
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.Matcher == nil {
		opts.Matcher = NewMatcher(nil, nil)
	}
	if opts.Logger == nil {
		opts.Logger = logging.MustGetLogger("helmet")
	}

	return &Manager{
		adapter:        adapter,
		perms:          perms,
		matcher:        opts.Matcher,
		scanTimeout:    opts.ScanTimeout,
		connectTimeout: opts.ConnectTimeout,
		log:            opts.Logger,
		state:          StateIdle,
		subs:           make(map[chan Status]struct{}),
	}
}

// ScanAndConnect scans for the helmet and connects to the first match. It is a no-op
// when already Ready and returns within the scan plus connect timeouts.
func (m *Manager) ScanAndConnect(ctx context.Context) error {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state == StateReady {
		m.mu.Unlock()
		m.log.Debug("helmet: already connected, skipping scan")
		return nil
	}
	// Disconnect and Close can cancel the attempt from here on, permission request included.
	m.cancelAttempt = cancel
	m.mu.Unlock()

	granted, err := m.perms.Request(attemptCtx)
	if cerr := m.attemptAborted(attemptCtx); cerr != nil {
		return cerr
	}
	if err != nil || !granted {
		e := newError(ErrPermissionDenied, err)
		m.transition(StateError, e, nil)
		return e
	}

	target, err := m.scan(attemptCtx)
	if err != nil {
		return err
	}
	return m.connect(attemptCtx, target)
}

// attemptAborted returns the error ending an attempt that was canceled or outlived Close.
func (m *Manager) attemptAborted(ctx context.Context) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()

	switch {
	case closed:
		m.transition(StateIdle, nil, nil)
		return ErrClosed
	case ctx.Err() != nil:
		m.transition(StateIdle, nil, nil)
		return ctx.Err()
	}
	return nil
}

func (m *Manager) scan(ctx context.Context) (Discovery, error) {
	scanCtx, cancel := context.WithTimeout(ctx, m.scanTimeout)
	defer cancel()

	m.transition(StateScanning, nil, cancel)
	if err := m.attemptAborted(ctx); err != nil {
		return Discovery{}, err
	}

	found := make(chan Discovery, 1)
	var stopOnce sync.Once
	stop := func() {
		stopOnce.Do(func() {
			if err := m.adapter.StopScan(); err != nil {
				m.log.Debugf("helmet: stop scan: %s", err)
			}
		})
	}

	err := m.adapter.Scan(scanCtx, func(d Discovery) {
		if !m.matcher.Matches(d.Name, d.ServiceIDs) {
			return
		}
		// First match wins; anything after that, including late callbacks, is dropped.
		select {
		case found <- d:
		default:
		}
	})
	if err != nil {
		e := newError(ErrScanFailure, err)
		m.transition(StateError, e, nil)
		return Discovery{}, e
	}

	select {
	case d := <-found:
		stop()
		m.log.Infof("helmet: found %s (%s)", d.Name, d.ID)
		return d, nil
	case <-scanCtx.Done():
		stop()
		if errors.Is(scanCtx.Err(), context.Canceled) {
			m.transition(StateIdle, nil, nil)
			return Discovery{}, scanCtx.Err()
		}
		m.transition(StateError, newError(ErrScanTimeout, nil), nil)
		return Discovery{}, ErrScanTimeout
	}
}

func (m *Manager) connect(ctx context.Context, target Discovery) error {
	connCtx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	defer cancel()

	m.transition(StateConnecting, nil, cancel)

	link, err := m.adapter.Connect(connCtx, target)
	if err != nil {
		if errors.Is(connCtx.Err(), context.Canceled) {
			m.transition(StateIdle, nil, nil)
			return connCtx.Err()
		}
		e := newError(ErrConnectFailure, err)
		m.transition(StateError, e, nil)
		return e
	}

	m.mu.Lock()
	if m.closed || errors.Is(connCtx.Err(), context.Canceled) {
		m.cancelAttempt = nil
		m.state = StateIdle
		m.publishLocked()
		m.mu.Unlock()
		_ = link.Disconnect()
		return context.Canceled
	}
	m.link = link
	m.handle = &PeripheralHandle{ID: target.ID, Name: target.Name, Capabilities: link.Capabilities()}
	m.state = StateReady
	m.lastErr = nil
	m.cancelAttempt = nil
	m.publishLocked()
	m.mu.Unlock()

	m.log.Noticef("helmet: connected to %s (%s)", target.Name, target.ID)
	go m.watch(link)
	return nil
}

// watch turns an unsolicited drop of link into Disconnected.
func (m *Manager) watch(link Link) {
	<-link.Done()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.link != link {
		return
	}
	m.link = nil
	m.handle = nil
	m.state = StateDisconnected
	m.lastErr = newError(ErrTransportDrop, nil)
	m.publishLocked()
	m.log.Warning("helmet: connection dropped")
}

// Disconnect releases the helmet, or cancels a scan or connection attempt in flight.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	cancel := m.cancelAttempt
	link := m.link
	m.link = nil
	m.handle = nil
	if link != nil {
		m.state = StateDisconnected
		m.publishLocked()
	}
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if link == nil {
		return nil
	}

	m.log.Info("helmet: disconnecting")
	if err := link.Disconnect(); err != nil {
		m.log.Warningf("helmet: disconnect: %s", err)
		return err
	}
	return nil
}

// Send writes one frame to the helmet. It does nothing unless the Manager is Ready.
func (m *Manager) Send(p []byte) error {
	m.mu.Lock()
	link, state := m.link, m.state
	m.mu.Unlock()

	if state != StateReady || link == nil {
		m.log.Debugf("helmet: %s, dropping %d byte frame", state, len(p))
		return nil
	}

	m.writeMu.Lock()
	err := link.Write(p)
	m.writeMu.Unlock()

	if err != nil {
		e := newError(ErrSendFailure, err)
		m.mu.Lock()
		if m.link == link {
			m.lastErr = e
			m.publishLocked()
		}
		m.mu.Unlock()
		m.log.Warningf("helmet: %s", e)
		return e
	}

	m.log.Debugf("helmet: sent %q", p)
	return nil
}

// SendText frames text as-is and sends it, bypassing the instruction encoder.
func (m *Manager) SendText(text string) error {
	return m.Send(Frame(text))
}

func (m *Manager) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateReady
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

// Subscribe returns a channel carrying the latest Status after every change.
// Slow readers only see the most recent snapshot. After Close the channel is
// already closed.
func (m *Manager) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, 1)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	m.subs[ch] = struct{}{}
	ch <- m.statusLocked()
	m.mu.Unlock()

	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.subs[ch]; ok {
			delete(m.subs, ch)
			close(ch)
		}
	}
}

// Close tears down the connection, waits for any attempt to unwind and releases the adapter.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	_ = m.Disconnect()

	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	m.mu.Lock()
	for ch := range m.subs {
		delete(m.subs, ch)
		close(ch)
	}
	m.mu.Unlock()

	return m.adapter.Close()
}

func (m *Manager) transition(s State, e *Error, cancel context.CancelFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.state
	m.state = s
	m.cancelAttempt = cancel
	switch {
	case e != nil:
		m.lastErr = e
	case s == StateScanning:
		m.lastErr = nil
	}
	m.publishLocked()

	if e != nil {
		m.log.Warningf("helmet: %s -> %s: %s", prev, s, e)
	} else {
		m.log.Infof("helmet: %s -> %s", prev, s)
	}
}

func (m *Manager) statusLocked() Status {
	st := Status{
		State:     m.state,
		Scanning:  m.state == StateScanning,
		Connected: m.state == StateReady,
		Error:     m.lastErr,
	}
	if m.handle != nil {
		h := *m.handle
		st.Device = &h
	}
	return st
}

func (m *Manager) publishLocked() {
	st := m.statusLocked()
	for ch := range m.subs {
		select {
		case ch <- st:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- st:
		default:
		}
	}
}
