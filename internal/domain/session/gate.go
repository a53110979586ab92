// Package session resolves whether a user is signed in, bounded by a guard
// timer so startup never waits on the identity provider forever.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/middec/middec/internal/platform/notify"
)

// DefaultGuardTimeout is how long the gate waits for the provider.
const DefaultGuardTimeout = 4 * time.Second

// User is the signed-in identity as the provider reports it.
type User struct {
	ID    string   `json:"id"`
	Name  string   `json:"name"`
	Email string   `json:"email"`
	Roles []string `json:"roles,omitempty"`
}

// Status is whether the gate knows who is signed in.
type Status int

const (
	StatusUnknown Status = iota
	StatusAuthenticated
	StatusAnonymous
)

func (s Status) String() string {
	switch s {
	case StatusAuthenticated:
		return "authenticated"
	case StatusAnonymous:
		return "anonymous"
	default:
		return "unknown"
	}
}

// Session is the gate's state. User is set only when Authenticated.
type Session struct {
	Status Status
	User   *User
}

// Provider is the identity provider. OnAuthStateChanged may call back at any
// time, from any goroutine, or never.
type Provider interface {
	OnAuthStateChanged(fn func(*User)) (unsubscribe func())
	SignOut(ctx context.Context) error
}

// Route is the first screen to show.
type Route string

const (
	RouteLoading Route = "loading"
	RouteMain    Route = "main"
	RouteEntry   Route = "entry"
)

// Option configures a Gate.
type Option func(*Gate)

// WithClock replaces the real clock that drives the guard timer.
func WithClock(c clockwork.Clock) Option {
	return func(g *Gate) { g.clock = c }
}

// WithGuardTimeout overrides DefaultGuardTimeout.
func WithGuardTimeout(d time.Duration) Option {
	return func(g *Gate) { g.guardTimeout = d }
}

// Gate races the provider's first answer against the guard timer. Whichever
// comes first decides the session; the other is ignored.
type Gate struct {
	provider     Provider
	clock        clockwork.Clock
	guardTimeout time.Duration
	logger       zerolog.Logger

	mu          sync.Mutex
	session     Session
	started     bool
	closed      bool
	guard       clockwork.Timer
	unsubscribe func()
	resolved    chan struct{}
	changes     notify.Queue[Session]
}

// NewGate returns a gate in Unknown. Nothing happens until Start.
func NewGate(provider Provider, logger zerolog.Logger, opts ...Option) *Gate {
	g := &Gate{
		provider:     provider,
		clock:        clockwork.NewRealClock(),
		guardTimeout: DefaultGuardTimeout,
		logger:       logger.With().Str("component", "session").Logger(),
		resolved:     make(chan struct{}),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// OnChange registers fn, called once per transition in transition order.
// fn may call SignOut; the resulting transition is delivered after fn
// returns.
func (g *Gate) OnChange(fn func(Session)) {
	g.changes.Listen(fn)
}

// Start arms the guard and subscribes to the provider. Later calls are no-ops.
func (g *Gate) Start() {
	g.mu.Lock()
	if g.started || g.closed {
		g.mu.Unlock()
		return
	}
	g.started = true
	g.guard = g.clock.AfterFunc(g.guardTimeout, g.onGuard)
	g.mu.Unlock()

	unsub := g.provider.OnAuthStateChanged(g.onProvider)

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		unsub()
		return
	}
	g.unsubscribe = unsub
	g.mu.Unlock()
}

// Session returns the current session.
func (g *Gate) Session() Session {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.session
}

// Route maps the current session to the initial screen.
func (g *Gate) Route() Route {
	switch g.Session().Status {
	case StatusAuthenticated:
		return RouteMain
	case StatusAnonymous:
		return RouteEntry
	default:
		return RouteLoading
	}
}

// Wait blocks until the session leaves Unknown or ctx is done.
func (g *Gate) Wait(ctx context.Context) (Session, error) {
	select {
	case <-g.resolved:
		return g.Session(), nil
	case <-ctx.Done():
		return Session{}, ctx.Err()
	}
}

// SignOut asks the provider to end the session and moves to Anonymous
// whatever the provider answers. Provider errors are logged, not returned.
func (g *Gate) SignOut(ctx context.Context) error {
	if err := g.provider.SignOut(ctx); err != nil {
		g.logger.Warn().Err(err).Msg("provider sign-out failed")
	}

	g.mu.Lock()
	if g.session.Status == StatusAnonymous {
		g.mu.Unlock()
		return nil
	}
	g.resolveLocked(Session{Status: StatusAnonymous})
	return nil
}

// Close cancels the guard and unsubscribes from the provider.
func (g *Gate) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	g.stopGuardLocked()
	unsub := g.unsubscribe
	g.unsubscribe = nil
	g.mu.Unlock()

	if unsub != nil {
		unsub()
	}
}

func (g *Gate) onProvider(u *User) {
	g.mu.Lock()
	if g.closed || g.session.Status != StatusUnknown {
		g.mu.Unlock()
		return
	}
	if u == nil {
		g.resolveLocked(Session{Status: StatusAnonymous})
		return
	}
	g.resolveLocked(Session{Status: StatusAuthenticated, User: u})
}

func (g *Gate) onGuard() {
	g.mu.Lock()
	if g.closed || g.session.Status != StatusUnknown {
		g.mu.Unlock()
		return
	}
	g.logger.Debug().Dur("timeout", g.guardTimeout).Msg("identity provider did not answer, continuing signed out")
	g.resolveLocked(Session{Status: StatusAnonymous})
}

// resolveLocked must be called with mu held; it releases mu.
func (g *Gate) resolveLocked(s Session) {
	g.stopGuardLocked()
	if g.session.Status == StatusUnknown {
		close(g.resolved)
	}
	g.session = s
	drain := g.changes.Push(s)
	g.mu.Unlock()
	if drain {
		g.changes.Drain()
	}
}

func (g *Gate) stopGuardLocked() {
	if g.guard != nil {
		g.guard.Stop()
		g.guard = nil
	}
}
