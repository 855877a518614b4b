package nav

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/a-liut/helmet-nav-go/pkg/helmet"
)

type fakeSender struct {
	mu     sync.Mutex
	ready  bool
	err    error
	frames []string
}

func (s *fakeSender) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *fakeSender) Send(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, string(p))
	return nil
}

func (s *fakeSender) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.frames...)
}

func (s *fakeSender) setReady(r bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = r
}

func nan() float64 { return math.NaN() }

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func at(ms int) time.Time {
	return t0.Add(time.Duration(ms) * time.Millisecond)
}

func chainAB() (*Instruction, *Instruction) {
	b := &Instruction{Text: "Turn right", Arrow: helmet.ArrowRight, RemainingMeters: Meters(400)}
	a := &Instruction{Text: "Turn left now", Arrow: helmet.ArrowLeft, RemainingMeters: Meters(30), Next: b}
	return a, b
}

func TestPacerFirstTickSends(t *testing.T) {
	s := &fakeSender{ready: true}
	p := NewPacer(s, DefaultPacerConfig(), nil)

	if res := p.Tick(at(0)); res.Sent {
		t.Fatal("sent with no instruction")
	}

	a, _ := chainAB()
	p.SetInstruction(a)
	res := p.Tick(at(100))
	if !res.Sent || res.Advanced {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := s.sent(); len(got) != 1 || got[0] != "1|30|Turn left \n" {
		t.Errorf("frames = %q", got)
	}
	if !p.LastSentAt().Equal(at(100)) {
		t.Errorf("last sent at %s", p.LastSentAt())
	}
}

func TestPacerThrottle(t *testing.T) {
	s := &fakeSender{ready: true}
	p := NewPacer(s, DefaultPacerConfig(), nil)
	p.SetInstruction(&Instruction{Text: "Go", Arrow: helmet.ArrowStraight, RemainingMeters: Meters(500)})

	var sentAt []int
	for ms := 0; ms <= 1000; ms += 100 {
		if p.Tick(at(ms)).Sent {
			sentAt = append(sentAt, ms)
		}
	}

	want := []int{0, 300, 600, 900}
	if len(sentAt) != len(want) {
		t.Fatalf("sent at %v, want %v", sentAt, want)
	}
	for i := range want {
		if sentAt[i] != want[i] {
			t.Errorf("sent at %v, want %v", sentAt, want)
			break
		}
	}
}

func TestPacerThrottlePairs(t *testing.T) {
	for gap := 1; gap < 250; gap += 37 {
		s := &fakeSender{ready: true}
		p := NewPacer(s, DefaultPacerConfig(), nil)
		p.SetInstruction(&Instruction{Text: "Go", RemainingMeters: Meters(500)})

		// Warm up so the pair starts at an arbitrary point of the window.
		p.Tick(at(0))
		for _, start := range []int{60, 180, 240, 250, 410} {
			first := p.Tick(at(start)).Sent
			second := p.Tick(at(start + gap)).Sent
			if first && second {
				t.Errorf("gap %dms at %dms: two sends", gap, start)
			}
		}
	}
}

func TestPacerExactWindow(t *testing.T) {
	s := &fakeSender{ready: true}
	p := NewPacer(s, DefaultPacerConfig(), nil)
	p.SetInstruction(&Instruction{Text: "Go", RemainingMeters: Meters(500)})

	p.Tick(at(0))
	if p.Tick(at(249)).Sent {
		t.Error("sent before the window elapsed")
	}
	if !p.Tick(at(250)).Sent {
		t.Error("did not send once the window elapsed")
	}
}

func TestPacerAdvance(t *testing.T) {
	s := &fakeSender{ready: true}
	p := NewPacer(s, DefaultPacerConfig(), nil)
	a, b := chainAB()
	p.SetInstruction(a)

	if res := p.Tick(at(0)); !res.Sent || res.Advanced {
		t.Fatalf("first tick: %+v", res)
	}
	if res := p.Tick(at(100)); res.Sent || res.Advanced {
		t.Fatalf("second tick: %+v", res)
	}

	if !p.UpdateRemaining(15) {
		t.Fatal("no current instruction")
	}

	// Still inside the window opened at 0ms: A is not resent but the chain advances.
	res := p.Tick(at(200))
	if res.Sent || !res.Advanced || res.Current != b {
		t.Fatalf("advance tick: %+v", res)
	}
	if !p.LastSentAt().IsZero() {
		t.Error("throttle was not reset")
	}

	res = p.Tick(at(210))
	if !res.Sent || res.Current != b {
		t.Fatalf("tick after advance: %+v", res)
	}

	frames := s.sent()
	if got := frames[len(frames)-1]; got != "0|400|Turn right\n" {
		t.Errorf("last frame = %q", got)
	}
}

func TestPacerAdvanceMissingDistance(t *testing.T) {
	s := &fakeSender{ready: true}
	p := NewPacer(s, DefaultPacerConfig(), nil)
	b := &Instruction{Text: "B", RemainingMeters: Meters(400)}
	p.SetInstruction(&Instruction{Text: "A", Next: b})

	res := p.Tick(at(0))
	if !res.Sent || !res.Advanced || res.Current != b {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := s.sent(); got[0] != "0|0|A\n" {
		t.Errorf("frame = %q", got[0])
	}
}

func TestPacerAdvancesWithoutConnection(t *testing.T) {
	s := &fakeSender{}
	p := NewPacer(s, DefaultPacerConfig(), nil)
	a, b := chainAB()
	p.SetInstruction(a)
	p.UpdateRemaining(10)

	res := p.Tick(at(0))
	if res.Sent || !res.Advanced || res.Current != b {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(s.sent()) != 0 {
		t.Error("sent while not ready")
	}

	// Nothing was queued: once ready, only the current instruction goes out.
	s.setReady(true)
	p.Tick(at(100))
	if got := s.sent(); len(got) != 1 || got[0] != "0|400|Turn right\n" {
		t.Errorf("frames = %q", got)
	}
}

func TestPacerSendFailureRetries(t *testing.T) {
	s := &fakeSender{ready: true, err: errors.New("busy")}
	p := NewPacer(s, DefaultPacerConfig(), nil)
	p.SetInstruction(&Instruction{Text: "Go", RemainingMeters: Meters(500)})

	if p.Tick(at(0)).Sent {
		t.Fatal("reported a failed send as sent")
	}

	s.mu.Lock()
	s.err = nil
	s.mu.Unlock()
	if !p.Tick(at(100)).Sent {
		t.Error("a failed send must not consume the window")
	}
}

func TestPacerEncodingError(t *testing.T) {
	s := &fakeSender{ready: true}
	p := NewPacer(s, DefaultPacerConfig(), nil)
	next := &Instruction{Text: "B", RemainingMeters: Meters(100)}
	p.SetInstruction(&Instruction{Text: "A", RemainingMeters: Meters(0), Next: next})
	p.UpdateRemaining(nan())

	res := p.Tick(at(0))
	if res.Sent {
		t.Error("sent an instruction that cannot be encoded")
	}
	if res.Advanced {
		t.Error("advanced on an unknown distance")
	}
	if p.Current().Text != "A" {
		t.Errorf("current = %q", p.Current().Text)
	}
}

func TestPacerExhausted(t *testing.T) {
	s := &fakeSender{ready: true}
	p := NewPacer(s, DefaultPacerConfig(), nil)
	p.SetInstruction(&Instruction{Text: "Arrivo", RemainingMeters: Meters(40)})

	if res := p.Tick(at(0)); res.Exhausted {
		t.Fatal("exhausted before reaching the maneuver")
	}
	p.UpdateRemaining(0)
	if res := p.Tick(at(100)); !res.Exhausted {
		t.Error("not exhausted at the last maneuver")
	}

	p.SetInstruction(&Instruction{Text: "Fine", Phase: PhaseComplete})
	if res := p.Tick(at(200)); !res.Sent || !res.Exhausted {
		t.Errorf("complete phase: %+v", res)
	}

	p.SetInstruction(&Instruction{Text: "Navigazione avviata"})
	if res := p.Tick(at(300)); res.Exhausted {
		t.Error("an instruction without distance ended the trip")
	}
}

func TestPacerRun(t *testing.T) {
	s := &fakeSender{ready: true}
	p := NewPacer(s, PacerConfig{TickInterval: 5 * time.Millisecond, ThrottleWindow: time.Hour}, nil)
	p.SetInstruction(&Instruction{Text: "Go", RemainingMeters: Meters(500)})

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	ticks := 0
	p.Run(ctx, func(TickResult) { ticks++ })

	if ticks < 2 {
		t.Errorf("only %d ticks", ticks)
	}
	if got := s.sent(); len(got) != 1 {
		t.Errorf("sent %d frames in one window", len(got))
	}
}
