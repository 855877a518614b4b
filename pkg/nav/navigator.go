package nav

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// Navigator owns the single active trip of the node.
type Navigator struct {
	conn Sender
	opts Options

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	current  *Session
	starting bool
}

func NewNavigator(conn Sender, opts Options) *Navigator {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	n := &Navigator{conn: conn, ctx: ctx, cancel: cancel}

	onEnd := opts.OnEnd
	opts.OnEnd = func(s *Session) {
		n.mu.Lock()
		if n.current == s {
			n.current = nil
		}
		n.mu.Unlock()

		info := s.Info()
		opts.Logger.Noticef("trip %s: ended (%s)", s.ID, info.EndReason)
		if onEnd != nil {
			onEnd(s)
		}
	}
	n.opts = opts
	return n
}

// Route fetches the route summary. It does not need the helmet.
func (n *Navigator) Route(ctx context.Context, origin Coordinate, destination string) (*Route, error) {
	if n.opts.Routes == nil {
		return nil, errors.New("no routing backend configured")
	}
	return n.opts.Routes.FetchRoute(ctx, origin, destination)
}

// Start begins a trip. It fails with ErrHelmetNotReady unless the helmet is
// connected and with ErrTripActive while another trip runs.
func (n *Navigator) Start(ctx context.Context, req TripRequest) (*Session, error) {
	if n.ctx.Err() != nil {
		return nil, errors.New("navigator closed")
	}

	n.mu.Lock()
	if n.current != nil || n.starting {
		n.mu.Unlock()
		return nil, ErrTripActive
	}
	if !n.conn.Ready() {
		n.mu.Unlock()
		return nil, ErrHelmetNotReady
	}
	n.starting = true
	n.mu.Unlock()

	defer func() {
		n.mu.Lock()
		n.starting = false
		n.mu.Unlock()
	}()

	var route *Route
	if n.opts.Routes != nil {
		r, err := n.opts.Routes.FetchRoute(ctx, req.Origin, req.Destination)
		if err != nil {
			return nil, errors.Wrap(err, "fetch route")
		}
		route = r
	}

	s, err := StartSession(n.ctx, n.conn, req, route, n.opts)
	if err != nil {
		return nil, err
	}

	n.mu.Lock()
	if !s.Ended() {
		n.current = s
	}
	n.mu.Unlock()
	return s, nil
}

// Current returns the active session, or nil.
func (n *Navigator) Current() *Session {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.current
}

func (n *Navigator) UpdatePosition(pos Coordinate) error {
	s := n.Current()
	if s == nil {
		return ErrNoTrip
	}
	return s.UpdatePosition(pos)
}

// Stop ends the active trip.
func (n *Navigator) Stop() error {
	s := n.Current()
	if s == nil {
		return ErrNoTrip
	}
	s.Stop()
	return nil
}

// Close stops any trip and refuses new ones.
func (n *Navigator) Close() {
	n.cancel()
	if s := n.Current(); s != nil {
		<-s.Done()
	}
}
