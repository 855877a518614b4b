package nav

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/a-liut/helmet-nav-go/pkg/helmet"
)

var fastPacer = PacerConfig{TickInterval: 5 * time.Millisecond, ThrottleWindow: 250 * time.Millisecond}

type fakeFeed struct {
	chains []*Instruction
	err    error
	// closes makes Stream return nil after the chains, as a backend closing the stream does
	closes bool
	// release, if set, holds the chains back until it is closed
	release chan struct{}
}

func (f *fakeFeed) Stream(ctx context.Context, origin Coordinate, destination string, fn func(*Instruction)) error {
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil
		}
	}
	for _, in := range f.chains {
		fn(in)
	}
	if f.err != nil {
		return f.err
	}
	if f.closes {
		return nil
	}
	<-ctx.Done()
	return nil
}

type fakeReporter struct {
	mu        sync.Mutex
	positions []Coordinate
}

func (r *fakeReporter) UpdatePosition(ctx context.Context, pos Coordinate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.positions = append(r.positions, pos)
	return errors.New("backend unreachable")
}

func (r *fakeReporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.positions)
}

type fakeRoutes struct {
	route *Route
	err   error
	calls int
}

func (r *fakeRoutes) FetchRoute(ctx context.Context, origin Coordinate, destination string) (*Route, error) {
	r.calls++
	return r.route, r.err
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func contains(frames []string, want string) bool {
	for _, f := range frames {
		if f == want {
			return true
		}
	}
	return false
}

func TestStartSessionRequiresHelmet(t *testing.T) {
	_, err := StartSession(context.Background(), &fakeSender{}, TripRequest{Destination: "Lingotto"}, nil, Options{})
	if err != ErrHelmetNotReady {
		t.Errorf("err = %v, want ErrHelmetNotReady", err)
	}
}

func TestSessionAdvancesOnPosition(t *testing.T) {
	maneuverA := Coordinate{Lat: 45.0, Lon: 7.0}
	b := &Instruction{Text: "Turn right", Arrow: helmet.ArrowRight, RemainingMeters: Meters(400)}
	a := &Instruction{Text: "Turn left now", Arrow: helmet.ArrowLeft, RemainingMeters: Meters(30), Maneuver: &maneuverA, Next: b}

	var mu sync.Mutex
	var notified []*Instruction

	s := &fakeSender{ready: true}
	reporter := &fakeReporter{}
	session, err := StartSession(context.Background(), s, TripRequest{Destination: "Lingotto"}, nil, Options{
		Pacer:    fastPacer,
		Feed:     &fakeFeed{chains: []*Instruction{a}},
		Reporter: reporter,
		OnInstruction: func(_ *Session, in *Instruction) {
			mu.Lock()
			notified = append(notified, in)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer session.Stop()

	waitFor(t, "A on the helmet", func() bool { return contains(s.sent(), "1|30|Turn left \n") })

	// About 15m south of the maneuver.
	if err := session.UpdatePosition(Coordinate{Lat: 44.999865, Lon: 7.0}); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "B on the helmet", func() bool { return contains(s.sent(), "0|400|Turn right\n") })
	if cur := session.Current(); cur != b {
		t.Errorf("current = %+v, want B", cur)
	}
	waitFor(t, "position report", func() bool { return reporter.count() == 1 })

	mu.Lock()
	defer mu.Unlock()
	if len(notified) != 2 || notified[0] != a || notified[1] != b {
		t.Errorf("notified %d instructions", len(notified))
	}
}

func TestSessionEndsAtLastManeuver(t *testing.T) {
	ended := make(chan *Session, 1)
	s := &fakeSender{ready: true}

	session, err := StartSession(context.Background(), s, TripRequest{Destination: "Lingotto"}, nil, Options{
		Pacer: fastPacer,
		Feed:  &fakeFeed{chains: []*Instruction{{Text: "Arrivo", RemainingMeters: Meters(0)}}},
		OnEnd: func(s *Session) { ended <- s },
	})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-ended:
		if got != session {
			t.Error("OnEnd got another session")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end")
	}

	info := session.Info()
	if !info.Ended || info.EndReason != EndCompleted {
		t.Errorf("unexpected info %+v", info)
	}
	if !s.Ready() {
		t.Error("connection must stay ready after the trip")
	}
	if err := session.UpdatePosition(Coordinate{}); err != ErrNoTrip {
		t.Errorf("UpdatePosition after end = %v", err)
	}
}

func TestSessionFeedTerminated(t *testing.T) {
	session, err := StartSession(context.Background(), &fakeSender{ready: true}, TripRequest{}, nil, Options{
		Pacer: fastPacer,
		Feed:  &fakeFeed{err: ErrFeedTerminated},
	})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case <-session.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end")
	}
	if session.Info().EndReason != EndFeedTerminated || !errors.Is(session.Err(), ErrFeedTerminated) {
		t.Errorf("reason = %s, err = %v", session.Info().EndReason, session.Err())
	}
}

func TestSessionFeedClosedDeliversLastMessage(t *testing.T) {
	s := &fakeSender{ready: true}
	release := make(chan struct{})
	session, err := StartSession(context.Background(), s, TripRequest{Destination: "Lingotto"}, nil, Options{
		Pacer: fastPacer,
		Feed:  &fakeFeed{chains: []*Instruction{{Text: "Percorso completato"}}, closes: true, release: release},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer session.Stop()

	// The helmet is away when the feed closes: the trip waits for it rather than drop the message.
	s.setReady(false)
	close(release)
	time.Sleep(50 * time.Millisecond)
	if session.Ended() {
		t.Fatalf("trip ended before the last message was delivered: %+v", session.Info())
	}

	s.setReady(true)
	select {
	case <-session.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end")
	}

	if got := s.sent(); len(got) != 1 || got[0] != "0|0|Percorso c\n" {
		t.Errorf("frames = %q", got)
	}
	if info := session.Info(); info.EndReason != EndCompleted || session.Err() != nil {
		t.Errorf("reason = %s, err = %v", info.EndReason, session.Err())
	}
}

func TestSessionFeedFailed(t *testing.T) {
	session, err := StartSession(context.Background(), &fakeSender{ready: true}, TripRequest{}, nil, Options{
		Pacer: fastPacer,
		Feed:  &fakeFeed{err: errors.New("connection reset")},
	})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case <-session.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end")
	}
	if session.Info().EndReason != EndFeedFailed || session.Err() == nil {
		t.Errorf("reason = %s, err = %v", session.Info().EndReason, session.Err())
	}
}

func TestSessionStop(t *testing.T) {
	s := &fakeSender{ready: true}
	session, err := StartSession(context.Background(), s, TripRequest{}, nil, Options{Pacer: fastPacer})
	if err != nil {
		t.Fatal(err)
	}
	session.SetInstruction(&Instruction{Text: "Go", RemainingMeters: Meters(300)})
	waitFor(t, "first frame", func() bool { return len(s.sent()) == 1 })

	session.Stop()
	if info := session.Info(); !info.Ended || info.EndReason != EndStopped {
		t.Errorf("unexpected info %+v", info)
	}

	session.SetInstruction(&Instruction{Text: "Late"})
	if cur := session.Current(); cur.Text != "Go" {
		t.Errorf("instruction replaced after stop: %q", cur.Text)
	}
}

func TestNavigator(t *testing.T) {
	s := &fakeSender{}
	routes := &fakeRoutes{route: &Route{Distance: "3.2 km", Duration: "9 min"}}
	n := NewNavigator(s, Options{Pacer: fastPacer, Routes: routes})
	defer n.Close()

	req := TripRequest{Origin: Coordinate{45.07, 7.68}, Destination: "Lingotto"}

	// The route can be viewed without a helmet.
	route, err := n.Route(context.Background(), req.Origin, req.Destination)
	if err != nil || route.Distance != "3.2 km" {
		t.Fatalf("Route = %+v, %v", route, err)
	}

	if _, err := n.Start(context.Background(), req); err != ErrHelmetNotReady {
		t.Fatalf("Start without helmet = %v", err)
	}
	if err := n.UpdatePosition(req.Origin); err != ErrNoTrip {
		t.Errorf("UpdatePosition without trip = %v", err)
	}

	s.setReady(true)
	session, err := n.Start(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if session.Info().Route != routes.route {
		t.Error("session lost the route")
	}
	if n.Current() != session {
		t.Error("session is not current")
	}

	if _, err := n.Start(context.Background(), req); err != ErrTripActive {
		t.Errorf("second Start = %v, want ErrTripActive", err)
	}

	if err := n.Stop(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "trip cleared", func() bool { return n.Current() == nil })
	if err := n.Stop(); err != ErrNoTrip {
		t.Errorf("Stop without trip = %v", err)
	}

	if _, err := n.Start(context.Background(), req); err != nil {
		t.Errorf("restart: %s", err)
	}
}

func TestNavigatorRouteFailure(t *testing.T) {
	n := NewNavigator(&fakeSender{ready: true}, Options{Routes: &fakeRoutes{err: errors.New("404")}})
	defer n.Close()

	if _, err := n.Start(context.Background(), TripRequest{Destination: "Atlantis"}); err == nil {
		t.Fatal("expected an error")
	}
	if n.Current() != nil {
		t.Error("failed start left a trip behind")
	}
}
