// Package feed keeps a screen's record list in sync with one live query.
package feed

import (
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/middec/middec/internal/domain/calculation"
	"github.com/middec/middec/internal/platform/notify"
)

// DefaultGuardTimeout bounds how long the feed stays in Loading.
const DefaultGuardTimeout = 4 * time.Second

// ErrClosed is returned once the controller has been unsubscribed.
var ErrClosed = errors.New("feed closed")

// Status is the feed's loading phase.
type Status string

const (
	StatusLoading Status = "loading"
	StatusReady   Status = "ready"
	StatusFailed  Status = "failed"
)

// State is a point-in-time copy of the feed.
type State struct {
	Status     Status
	Items      []*calculation.Record
	Refreshing bool
	// Err is the last store error while Status is Failed.
	Err error
}

// Subscriber opens live queries. calculation.Store implementations and the
// remote client both satisfy it.
type Subscriber interface {
	Subscribe(q calculation.Query, onSnapshot func([]*calculation.Record), onError func(error)) (calculation.Subscription, error)
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock replaces the real clock that drives the guard timer.
func WithClock(c clockwork.Clock) Option {
	return func(ctl *Controller) { ctl.clock = c }
}

// WithGuardTimeout overrides DefaultGuardTimeout.
func WithGuardTimeout(d time.Duration) Option {
	return func(ctl *Controller) { ctl.guardTimeout = d }
}

// Controller owns the feed state of one screen. It holds at most one live
// subscription; snapshots replace the item list wholesale.
type Controller struct {
	source       Subscriber
	clock        clockwork.Clock
	guardTimeout time.Duration
	logger       zerolog.Logger

	mu         sync.Mutex
	state      State
	query      calculation.Query
	subscribed bool
	closed     bool
	sub        calculation.Subscription
	guard      clockwork.Timer
	changes    notify.Queue[State]
}

// NewController returns a controller in Loading. Nothing is opened until
// Subscribe.
func NewController(source Subscriber, logger zerolog.Logger, opts ...Option) *Controller {
	c := &Controller{
		source:       source,
		clock:        clockwork.NewRealClock(),
		guardTimeout: DefaultGuardTimeout,
		logger:       logger.With().Str("component", "feed").Logger(),
		state:        State{Status: StatusLoading},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// OnChange registers fn for every state change. Calls are serialized and
// arrive in the order the changes were made. fn may call back into the
// controller; the resulting change is delivered after fn returns.
func (c *Controller) OnChange(fn func(State)) {
	c.changes.Listen(fn)
}

// State returns a copy of the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Subscribe opens the live query and arms the guard timer. A second call
// while subscribed opens nothing and behaves like Refresh.
func (c *Controller) Subscribe(q calculation.Query) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.subscribed {
		c.mu.Unlock()
		return c.Refresh()
	}
	c.subscribed = true
	c.query = q.Normalize()
	c.guard = c.clock.AfterFunc(c.guardTimeout, c.onGuard)
	c.mu.Unlock()

	sub, err := c.source.Subscribe(c.query, c.onSnapshot, c.onError)
	if err != nil {
		c.onError(err)
		c.mu.Lock()
		c.subscribed = false
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		sub.Unsubscribe()
		return ErrClosed
	}
	c.sub = sub
	c.mu.Unlock()
	return nil
}

// Refresh shows the refreshing indicator. The live query already pushes
// every change, so the next snapshot is what clears it.
func (c *Controller) Refresh() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state.Refreshing {
		c.mu.Unlock()
		return nil
	}
	c.state.Refreshing = true
	c.emitLocked()
	return nil
}

// Unsubscribe cancels the guard and closes the live query. It is idempotent;
// callbacks that arrive afterwards are discarded.
func (c *Controller) Unsubscribe() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.stopGuardLocked()
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
}

func (c *Controller) onSnapshot(recs []*calculation.Record) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.query.Limit > 0 && len(recs) > c.query.Limit {
		recs = recs[:c.query.Limit]
	}
	c.stopGuardLocked()
	c.state = State{Status: StatusReady, Items: recs}
	c.emitLocked()
}

func (c *Controller) onError(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.logger.Error().Err(err).Msg("live query failed")
	c.stopGuardLocked()
	c.state.Status = StatusFailed
	c.state.Refreshing = false
	c.state.Err = err
	c.emitLocked()
}

func (c *Controller) onGuard() {
	c.mu.Lock()
	if c.closed || c.state.Status != StatusLoading {
		c.mu.Unlock()
		return
	}
	c.guard = nil
	c.logger.Debug().Dur("timeout", c.guardTimeout).Msg("no snapshot before guard, showing empty feed")
	c.state.Status = StatusReady
	c.state.Items = []*calculation.Record{}
	c.emitLocked()
}

func (c *Controller) stopGuardLocked() {
	if c.guard != nil {
		c.guard.Stop()
		c.guard = nil
	}
}

func (c *Controller) snapshotLocked() State {
	s := c.state
	if s.Items != nil {
		s.Items = append([]*calculation.Record(nil), s.Items...)
	}
	return s
}

// emitLocked queues the current state for listeners. It must be called with
// mu held and returns with mu released.
func (c *Controller) emitLocked() {
	drain := c.changes.Push(c.snapshotLocked())
	c.mu.Unlock()
	if drain {
		c.changes.Drain()
	}
}
