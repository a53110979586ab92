// Package submission runs an intake form through scoring and persistence:
// Idle -> Submitting -> Completed after a fixed processing delay.
package submission

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/middec/middec/internal/domain/calculation"
	"github.com/middec/middec/internal/domain/risk"
	"github.com/middec/middec/internal/platform/notify"
)

// DefaultDelay is the simulated processing time between Submit and Completed.
const DefaultDelay = 2 * time.Second

// ErrSubmissionInProgress is returned by Submit while a submission is pending.
var ErrSubmissionInProgress = errors.New("submission already in progress")

// State is the workflow's phase. A new Submit after Completed passes
// through Idle before Submitting.
type State int

const (
	StateIdle State = iota
	StateSubmitting
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateSubmitting:
		return "submitting"
	case StateCompleted:
		return "completed"
	default:
		return "idle"
	}
}

// Persister accepts a finished record. Persist must not block; failures are
// the persister's to handle.
type Persister interface {
	Persist(rec *calculation.Record)
}

// PersisterFunc adapts a function to Persister.
type PersisterFunc func(rec *calculation.Record)

func (f PersisterFunc) Persist(rec *calculation.Record) { f(rec) }

// Navigation is what the result screen receives once a submission completes.
type Navigation struct {
	Score     int           `json:"score"`
	Category  risk.Category `json:"category"`
	ColorHint string        `json:"riskColor"`
}

func navigationFor(r risk.Result) Navigation {
	return Navigation{Score: r.Score, Category: r.Category, ColorHint: r.ColorHint}
}

// Option configures a Workflow.
type Option func(*Workflow)

// WithClock replaces the real clock, typically with a fake one in tests.
func WithClock(c clockwork.Clock) Option {
	return func(w *Workflow) { w.clock = c }
}

// WithDelay overrides DefaultDelay.
func WithDelay(d time.Duration) Option {
	return func(w *Workflow) { w.delay = d }
}

// Workflow drives one intake screen. Only one submission may be pending at
// a time.
type Workflow struct {
	scorer    risk.Scorer
	persister Persister
	clock     clockwork.Clock
	delay     time.Duration
	logger    zerolog.Logger

	mu      sync.Mutex
	state   State
	changes notify.Queue[State]
}

// NewWorkflow returns an Idle workflow that persists through persister.
func NewWorkflow(scorer risk.Scorer, persister Persister, logger zerolog.Logger, opts ...Option) *Workflow {
	w := &Workflow{
		scorer:    scorer,
		persister: persister,
		clock:     clockwork.NewRealClock(),
		delay:     DefaultDelay,
		logger:    logger.With().Str("component", "submission").Logger(),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// OnStateChange registers fn to be called on every transition, in order.
// fn may call Submit; the new transitions are delivered after fn returns.
func (w *Workflow) OnStateChange(fn func(State)) {
	w.changes.Listen(fn)
}

// State returns the current phase.
func (w *Workflow) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Submit moves to Submitting and schedules scoring after the delay. There is
// no way to cancel a submission once started. onDone may be nil.
func (w *Workflow) Submit(form calculation.FormData, onDone func(Navigation)) error {
	w.mu.Lock()
	if w.state == StateSubmitting {
		w.mu.Unlock()
		return ErrSubmissionInProgress
	}
	drain := false
	if w.state == StateCompleted {
		drain = w.setLocked(StateIdle)
	}
	drain = w.setLocked(StateSubmitting) || drain

	form.NeonatalComplications = append([]string{}, form.NeonatalComplications...)
	form.MaternalComplications = append([]string{}, form.MaternalComplications...)
	w.clock.AfterFunc(w.delay, func() { w.complete(form, onDone) })
	w.mu.Unlock()

	if drain {
		w.changes.Drain()
	}
	return nil
}

// Run submits form and waits for the result. Cancelling ctx stops the wait
// only; the submission itself still completes.
func (w *Workflow) Run(ctx context.Context, form calculation.FormData) (Navigation, error) {
	done := make(chan Navigation, 1)
	if err := w.Submit(form, func(n Navigation) { done <- n }); err != nil {
		return Navigation{}, err
	}
	select {
	case n := <-done:
		return n, nil
	case <-ctx.Done():
		return Navigation{}, ctx.Err()
	}
}

func (w *Workflow) complete(form calculation.FormData, onDone func(Navigation)) {
	result := w.scorer.Compute(form.ScoringInput())
	w.persister.Persist(calculation.NewRecord(form, result))
	w.logger.Debug().Int("score", result.Score).Str("category", string(result.Category)).Msg("submission scored")

	w.mu.Lock()
	drain := w.setLocked(StateCompleted)
	w.mu.Unlock()
	if drain {
		w.changes.Drain()
	}

	if onDone != nil {
		onDone(navigationFor(result))
	}
}

// setLocked records s and queues it for listeners. The caller must hold mu
// and call Drain after releasing it when setLocked returns true.
func (w *Workflow) setLocked(s State) bool {
	w.state = s
	return w.changes.Push(s)
}
