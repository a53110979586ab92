package submission

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/middec/middec/internal/domain/calculation"
	"github.com/middec/middec/internal/domain/risk"
	"github.com/middec/middec/internal/platform/auth"
)

// Handler runs the submission workflow server-side. Every request gets its
// own workflow; all of them share one outbox.
type Handler struct {
	scorer risk.Scorer
	outbox *Outbox
	delay  time.Duration
	clock  clockwork.Clock
	logger zerolog.Logger

	inflight sync.WaitGroup
	pending  atomic.Int64
}

func NewHandler(scorer risk.Scorer, outbox *Outbox, delay time.Duration, logger zerolog.Logger) *Handler {
	return &Handler{scorer: scorer, outbox: outbox, delay: delay, clock: clockwork.NewRealClock(), logger: logger}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/assessments", h.Assess, auth.RequireRole(auth.ClinicianRoles...))
	api.GET("/outbox/stats", h.Stats, auth.RequireRole(auth.RoleAdmin))
}

// Assess accepts a form, waits out the processing delay and returns the
// risk result. The record is persisted in the background.
func (h *Handler) Assess(c echo.Context) error {
	form := calculation.DefaultFormData()
	if err := c.Bind(&form); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	wf := NewWorkflow(h.scorer, h.outbox, h.logger, WithDelay(h.delay), WithClock(h.clock))
	h.inflight.Add(1)
	h.pending.Add(1)
	wf.OnStateChange(func(s State) {
		if s == StateCompleted {
			h.pending.Add(-1)
			h.inflight.Done()
		}
	})
	nav, err := wf.Run(c.Request().Context(), form)
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	return c.JSON(http.StatusOK, nav)
}

// Wait blocks until every accepted assessment has handed its record to the
// outbox, including those whose client has gone away, or until ctx is done.
func (h *Handler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InFlight is the number of assessments still waiting out the delay.
func (h *Handler) InFlight() int64 {
	return h.pending.Load()
}

func (h *Handler) Stats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.outbox.Stats())
}
