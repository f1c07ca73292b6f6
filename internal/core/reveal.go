package core

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"labelcheck-assistant/pkg"
)

// Timer is a scheduled callback that can be cancelled.
type Timer interface {
	Stop() bool
}

// Clock abstracts time so reveal timing can be driven by tests.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// RealClock is the wall clock.
var RealClock Clock = realClock{}

// RevealConfig controls how long an answer stays in the thinking phase.
type RevealConfig struct {
	Step         time.Duration `yaml:"step"`
	MinDelay     time.Duration `yaml:"min_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	MaxSteps     int           `yaml:"max_steps"`
	DefaultSteps int           `yaml:"default_steps"`
}

// DefaultRevealConfig returns one second per plan step, at least three and
// at most eight seconds, counting no more than five steps and assuming three
// when there is no plan.
func DefaultRevealConfig() RevealConfig {
	return RevealConfig{
		Step:         time.Second,
		MinDelay:     3 * time.Second,
		MaxDelay:     8 * time.Second,
		MaxSteps:     5,
		DefaultSteps: 3,
	}
}

// RevealDelay is how long after the backend resolves the results are shown.
// planSteps of zero means no plan was returned.
func RevealDelay(planSteps int, cfg RevealConfig) time.Duration {
	steps := planSteps
	if steps <= 0 {
		steps = cfg.DefaultSteps
	}
	if steps > cfg.MaxSteps {
		steps = cfg.MaxSteps
	}
	d := time.Duration(steps) * cfg.Step
	if d < cfg.MinDelay {
		d = cfg.MinDelay
	}
	if d > cfg.MaxDelay {
		d = cfg.MaxDelay
	}
	return d
}

// TurnState is the lifecycle of an agent turn as seen by the viewer.  States
// only move forward.
type TurnState int

const (
	StateUnknown TurnState = iota
	StateCreated
	StateAwaitingBackend
	StateBackendResolved
	StateRevealed
)

func (s TurnState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateAwaitingBackend:
		return "awaiting_backend"
	case StateBackendResolved:
		return "backend_resolved"
	case StateRevealed:
		return "revealed"
	default:
		return "unknown"
	}
}

// Phase maps a state to what is on screen: everything before Revealed shows
// the thinking indicator.
func (s TurnState) Phase() pkg.RevealPhase {
	if s == StateRevealed {
		return pkg.PhaseResults
	}
	return pkg.PhaseThinking
}

type revealEntry struct {
	state      TurnState
	resolvedAt time.Time
	timer      Timer
}

// RevealScheduler runs the two-phase disclosure of agent turns.  Results are
// held back for a delay derived from the plan length, measured from the
// moment the backend answered.  Close cancels every pending timer and makes
// any callback that still fires a no-op.
type RevealScheduler struct {
	mu     sync.Mutex
	cfg    RevealConfig
	clock  Clock
	turns  map[string]*revealEntry
	closed bool
	logger *zap.Logger
}

// NewRevealScheduler constructs a scheduler.  A nil clock means RealClock.
func NewRevealScheduler(cfg RevealConfig, clock Clock, logger *zap.Logger) *RevealScheduler {
	if clock == nil {
		clock = RealClock
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RevealScheduler{cfg: cfg, clock: clock, turns: make(map[string]*revealEntry), logger: logger}
}

// Begin registers a freshly created agent turn.
func (r *RevealScheduler) Begin(turnID string) {
	r.advance(turnID, StateCreated)
}

// Awaiting marks the turn's request as sent.
func (r *RevealScheduler) Awaiting(turnID string) {
	r.advance(turnID, StateAwaitingBackend)
}

// Resolve records that the backend answered and schedules the reveal.
// onReveal runs once, after the turn has moved to Revealed, unless the
// scheduler is closed first.  It returns the scheduled delay.
func (r *RevealScheduler) Resolve(turnID string, planSteps int, onReveal func()) time.Duration {
	delay := RevealDelay(planSteps, r.cfg)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0
	}
	e := r.entry(turnID)
	if e.state >= StateBackendResolved {
		return 0
	}
	e.state = StateBackendResolved
	e.resolvedAt = r.clock.Now()
	e.timer = r.clock.AfterFunc(delay, func() { r.fire(turnID, onReveal) })
	r.logger.Debug("reveal scheduled", zap.String("turn_id", turnID), zap.Duration("delay", delay))
	return delay
}

// RevealNow moves the turn straight to Revealed without a delay.
func (r *RevealScheduler) RevealNow(turnID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	e := r.entry(turnID)
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.state = StateRevealed
}

// State returns the turn's current state.
func (r *RevealScheduler) State(turnID string) TurnState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.turns[turnID]; ok {
		return e.state
	}
	return StateUnknown
}

// VisibleSteps is how many of total plan steps are on screen.  Once the
// backend has answered, steps appear one per Step interval; after the reveal
// all of them (up to MaxSteps) are shown.
func (r *RevealScheduler) VisibleSteps(turnID string, total int) int {
	if total > r.cfg.MaxSteps {
		total = r.cfg.MaxSteps
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.turns[turnID]
	if !ok {
		return 0
	}
	switch e.state {
	case StateRevealed:
		return total
	case StateBackendResolved:
		if r.cfg.Step <= 0 {
			return total
		}
		n := int(r.clock.Now().Sub(e.resolvedAt)/r.cfg.Step) + 1
		if n > total {
			n = total
		}
		return n
	default:
		return 0
	}
}

// Close stops every pending timer.  It is safe to call more than once.
func (r *RevealScheduler) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for id, e := range r.turns {
		if e.timer != nil && e.timer.Stop() {
			r.logger.Debug("reveal cancelled", zap.String("turn_id", id))
		}
		e.timer = nil
	}
}

func (r *RevealScheduler) fire(turnID string, onReveal func()) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	e, ok := r.turns[turnID]
	if !ok || e.state != StateBackendResolved {
		r.mu.Unlock()
		return
	}
	e.state = StateRevealed
	e.timer = nil
	r.mu.Unlock()

	if onReveal != nil {
		onReveal()
	}
}

func (r *RevealScheduler) advance(turnID string, next TurnState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	e := r.entry(turnID)
	if next > e.state {
		e.state = next
	}
}

func (r *RevealScheduler) entry(turnID string) *revealEntry {
	e, ok := r.turns[turnID]
	if !ok {
		e = &revealEntry{}
		r.turns[turnID] = e
	}
	return e
}
