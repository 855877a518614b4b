package nav

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/op/go-logging"
)

var (
	ErrHelmetNotReady = errors.New("helmet is not connected")
	ErrTripActive     = errors.New("a trip is already active")
	ErrNoTrip         = errors.New("no active trip")
)

const DefaultReportTimeout = 5 * time.Second

// Reasons a session ended.
const (
	EndCompleted      = "completed"
	EndStopped        = "stopped"
	EndFeedTerminated = "feed_terminated"
	EndFeedFailed     = "feed_failed"
)

// Route is the summary the routing backend computes for a trip.
type Route struct {
	Distance    string       `json:"distance"`
	Duration    string       `json:"duration"`
	Coordinates []Coordinate `json:"coordinates"`
}

type RouteSource interface {
	FetchRoute(ctx context.Context, origin Coordinate, destination string) (*Route, error)
}

// InstructionFeed pushes instruction chains until ctx is done or the backend
// terminates the feed.
type InstructionFeed interface {
	Stream(ctx context.Context, origin Coordinate, destination string, fn func(*Instruction)) error
}

type PositionReporter interface {
	UpdatePosition(ctx context.Context, pos Coordinate) error
}

type TripRequest struct {
	Origin      Coordinate `json:"origin"`
	Destination string     `json:"destination"`
}

// Options configures sessions and the Navigator. Every collaborator is optional.
type Options struct {
	Pacer         PacerConfig
	Routes        RouteSource
	Feed          InstructionFeed
	Reporter      PositionReporter
	Distance      DistanceFunc
	ReportTimeout time.Duration
	Logger        *logging.Logger

	OnInstruction func(s *Session, in *Instruction)
	OnEnd         func(s *Session)
}

func (o *Options) setDefaults() {
	if o.Distance == nil {
		o.Distance = Haversine
	}
	if o.ReportTimeout <= 0 {
		o.ReportTimeout = DefaultReportTimeout
	}
	if o.Logger == nil {
		o.Logger = logging.MustGetLogger("nav")
	}
}

// TripInfo is a point-in-time view of a session.
type TripInfo struct {
	ID          string       `json:"id"`
	Destination string       `json:"destination"`
	Origin      Coordinate   `json:"origin"`
	StartedAt   time.Time    `json:"started_at"`
	Route       *Route       `json:"route,omitempty"`
	Current     *Instruction `json:"current"`
	LastSentAt  *time.Time   `json:"last_sent_at,omitempty"`
	Position    *Coordinate  `json:"position,omitempty"`
	Ended       bool         `json:"ended"`
	EndReason   string       `json:"end_reason,omitempty"`
}

// Session delivers the instructions of one trip to the helmet.
//
// It ends when the last instruction has been delivered and reached, once the last
// message of a closed feed has been delivered, when the feed fails or when stopped.
// The helmet connection is left as it is.
type Session struct {
	ID          string
	Destination string
	Origin      Coordinate
	StartedAt   time.Time

	route *Route
	pacer *Pacer
	opts  Options
	log   *logging.Logger

	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	position   *Coordinate
	feedClosed bool
	ended      bool
	endReason  string
	endErr     error
}

// StartSession starts a trip if the helmet is ready. The session runs until ctx is
// done or it ends on its own.
func StartSession(ctx context.Context, conn Sender, req TripRequest, route *Route, opts Options) (*Session, error) {
	if !conn.Ready() {
		return nil, ErrHelmetNotReady
	}
	opts.setDefaults()

	runCtx, cancel := context.WithCancel(ctx)
	s := &Session{
		ID:          uuid.New().String(),
		Destination: req.Destination,
		Origin:      req.Origin,
		StartedAt:   time.Now(),
		route:       route,
		pacer:       NewPacer(conn, opts.Pacer, opts.Logger),
		opts:        opts,
		log:         opts.Logger,
		cancel:      cancel,
		done:        make(chan struct{}),
	}

	s.log.Noticef("trip %s: started to %q", s.ID, s.Destination)
	go s.run(runCtx)
	return s, nil
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)

	var wg sync.WaitGroup
	if s.opts.Feed != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.consumeFeed(ctx)
		}()
	}

	s.pacer.Run(ctx, s.onTick)
	s.finish(EndStopped, nil)
	wg.Wait()

	if s.opts.OnEnd != nil {
		s.opts.OnEnd(s)
	}
}

func (s *Session) consumeFeed(ctx context.Context) {
	err := s.opts.Feed.Stream(ctx, s.Origin, s.Destination, s.SetInstruction)
	if ctx.Err() != nil {
		return
	}

	switch {
	case errors.Is(err, ErrFeedTerminated):
		s.log.Warningf("trip %s: %s", s.ID, err)
		s.finish(EndFeedTerminated, err)
	case err != nil:
		s.log.Errorf("trip %s: instruction feed: %s", s.ID, err)
		s.finish(EndFeedFailed, err)
	default:
		// The backend closes the feed after its last message; that one still has to
		// reach the helmet before the trip ends.
		s.log.Infof("trip %s: instruction feed closed", s.ID)
		s.mu.Lock()
		s.feedClosed = true
		s.mu.Unlock()
	}
}

func (s *Session) onTick(res TickResult) {
	if res.Advanced {
		s.notify(res.Current)
	}
	switch {
	case res.Exhausted:
		s.log.Noticef("trip %s: arrived", s.ID)
		s.finish(EndCompleted, nil)
	case s.isFeedClosed() && s.pacer.Delivered():
		s.log.Noticef("trip %s: feed closed, last instruction delivered", s.ID)
		s.finish(EndCompleted, nil)
	}
}

func (s *Session) isFeedClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.feedClosed
}

func (s *Session) notify(in *Instruction) {
	if s.opts.OnInstruction != nil && in != nil {
		s.opts.OnInstruction(s, in)
	}
}

// finish records the first end reason and stops the session.
func (s *Session) finish(reason string, err error) {
	s.mu.Lock()
	if !s.ended {
		s.ended = true
		s.endReason = reason
		s.endErr = err
	}
	s.mu.Unlock()

	s.cancel()
}

// SetInstruction replaces the instruction chain, as a new feed message does.
func (s *Session) SetInstruction(in *Instruction) {
	if in == nil || s.Ended() {
		return
	}
	s.pacer.SetInstruction(in)
	s.log.Debugf("trip %s: instruction %q", s.ID, in.Text)
	s.notify(in)
}

// UpdatePosition moves the rider: the distance to the current maneuver is recomputed
// and the position is reported to the routing backend without waiting for it.
func (s *Session) UpdatePosition(pos Coordinate) error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return ErrNoTrip
	}
	s.position = &pos
	s.mu.Unlock()

	if m, ok := s.pacer.UpdatePosition(pos, s.opts.Distance); ok {
		s.log.Debugf("trip %s: %.0fm to maneuver", s.ID, m)
	}

	if s.opts.Reporter != nil {
		go s.report(pos)
	}
	return nil
}

func (s *Session) report(pos Coordinate) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ReportTimeout)
	defer cancel()

	if err := s.opts.Reporter.UpdatePosition(ctx, pos); err != nil {
		s.log.Debugf("trip %s: position report failed: %s", s.ID, err)
	}
}

// Stop ends the session and waits for it to wind down.
func (s *Session) Stop() {
	s.finish(EndStopped, nil)
	<-s.done
}

func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// Err is the error that ended the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endErr
}

func (s *Session) Current() *Instruction {
	return s.pacer.Current()
}

func (s *Session) Info() TripInfo {
	info := TripInfo{
		ID:          s.ID,
		Destination: s.Destination,
		Origin:      s.Origin,
		StartedAt:   s.StartedAt,
		Route:       s.route,
		Current:     s.pacer.Current(),
	}
	if t := s.pacer.LastSentAt(); !t.IsZero() {
		info.LastSentAt = &t
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.position != nil {
		p := *s.position
		info.Position = &p
	}
	info.Ended = s.ended
	info.EndReason = s.endReason
	return info
}
