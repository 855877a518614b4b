package nav

import (
	"context"
	"sync"
	"time"

	"github.com/op/go-logging"
	"golang.org/x/time/rate"
)

const (
	DefaultTickInterval   = 100 * time.Millisecond
	DefaultThrottleWindow = 250 * time.Millisecond
	DefaultAdvanceMeters  = 20.0
)

// Sender is the part of the helmet connection the pacer writes through.
type Sender interface {
	Ready() bool
	Send(p []byte) error
}

type PacerConfig struct {
	TickInterval   time.Duration
	ThrottleWindow time.Duration
	AdvanceMeters  float64
}

func DefaultPacerConfig() PacerConfig {
	return PacerConfig{
		TickInterval:   DefaultTickInterval,
		ThrottleWindow: DefaultThrottleWindow,
		AdvanceMeters:  DefaultAdvanceMeters,
	}
}

// TickResult describes what a single tick did.
type TickResult struct {
	Sent      bool
	Advanced  bool
	Exhausted bool
	Current   *Instruction
}

// Pacer forwards the current instruction to the helmet at most once per throttle
// window and moves along the chain as the rider reaches each maneuver.
//
// Missed sends are never queued: each tick looks at the latest instruction only.
type Pacer struct {
	sender Sender
	cfg    PacerConfig
	log    *logging.Logger

	mu          sync.Mutex
	limiter     *rate.Limiter
	current     *Instruction
	lastSentAt  time.Time
	sentCurrent bool
}

func NewPacer(sender Sender, cfg PacerConfig, log *logging.Logger) *Pacer {
	def := DefaultPacerConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.ThrottleWindow <= 0 {
		cfg.ThrottleWindow = def.ThrottleWindow
	}
	if cfg.AdvanceMeters <= 0 {
		cfg.AdvanceMeters = def.AdvanceMeters
	}
	if log == nil {
		log = logging.MustGetLogger("pacer")
	}

	p := &Pacer{sender: sender, cfg: cfg, log: log}
	p.resetThrottle()
	return p
}

// resetThrottle lets the next tick send immediately.
func (p *Pacer) resetThrottle() {
	p.limiter = rate.NewLimiter(rate.Every(p.cfg.ThrottleWindow), 1)
	p.lastSentAt = time.Time{}
}

// SetInstruction replaces the current instruction chain. The head goes out on the next tick.
func (p *Pacer) SetInstruction(in *Instruction) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.current = in
	p.sentCurrent = false
	p.resetThrottle()
}

// UpdateRemaining sets the distance to the current maneuver. It reports false when
// there is no current instruction.
func (p *Pacer) UpdateRemaining(meters float64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current == nil {
		return false
	}
	p.current = p.current.withRemaining(meters)
	return true
}

// UpdatePosition recomputes the distance to the current maneuver from pos. It reports
// false when the current instruction has no maneuver point.
func (p *Pacer) UpdatePosition(pos Coordinate, dist DistanceFunc) (float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current == nil || p.current.Maneuver == nil {
		return 0, false
	}
	m := dist(pos, *p.current.Maneuver)
	p.current = p.current.withRemaining(m)
	return m, true
}

func (p *Pacer) Current() *Instruction {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Delivered reports whether the current instruction reached the helmet at least once.
func (p *Pacer) Delivered() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current == nil || p.sentCurrent
}

// LastSentAt is the time of the last successful send, zero after a reset.
func (p *Pacer) LastSentAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSentAt
}

// Tick evaluates the current instruction at now: it sends it if the helmet is ready
// and the throttle window has passed, then advances if the maneuver is close enough.
func (p *Pacer) Tick(now time.Time) TickResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	var res TickResult
	cur := p.current
	if cur == nil {
		return res
	}

	if p.sender.Ready() && p.limiter.TokensAt(now) >= 1 {
		frame, err := cur.Encode()
		switch {
		case err != nil:
			p.log.Warningf("pacer: skipping %q: %s", cur.Text, err)
		case p.sender.Send(frame) != nil:
			// The connection records and logs the failure; retry on a later tick.
		default:
			p.limiter.AllowN(now, 1)
			p.lastSentAt = now
			p.sentCurrent = true
			res.Sent = true
			p.log.Debugf("pacer: sent %q", frame)
		}
	}

	if cur.Remaining() <= p.cfg.AdvanceMeters && cur.Next != nil {
		p.current = cur.Next
		p.sentCurrent = false
		p.resetThrottle()
		res.Advanced = true
		p.log.Infof("pacer: advancing to %q", p.current.Text)
	}

	res.Current = p.current
	res.Exhausted = p.exhaustedLocked()
	return res
}

// exhaustedLocked reports whether the last instruction has been delivered and reached.
func (p *Pacer) exhaustedLocked() bool {
	cur := p.current
	if cur == nil || cur.Next != nil || !p.sentCurrent {
		return false
	}
	if cur.Phase == PhaseComplete {
		return true
	}
	return cur.RemainingMeters != nil && *cur.RemainingMeters <= 0
}

// Run ticks every TickInterval until ctx is done. fn, if set, sees every result.
func (p *Pacer) Run(ctx context.Context, fn func(TickResult)) {
	ticker := time.NewTicker(p.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			res := p.Tick(now)
			if fn != nil {
				fn(res)
			}
		}
	}
}
