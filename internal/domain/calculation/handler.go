package calculation

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/middec/middec/internal/domain/risk"
	"github.com/middec/middec/internal/platform/auth"
	"github.com/middec/middec/internal/platform/websocket"
	"github.com/middec/middec/pkg/pagination"
)

// Live frame types.
const (
	FrameSnapshot = "snapshot"
	FrameError    = "error"
	// FrameClosing is broadcast when the server shuts down.
	FrameClosing = "closing"
)

// LiveFrame is one message on the live query WebSocket.
type LiveFrame struct {
	Type    string    `json:"type"`
	Records []*Record `json:"records"`
	Error   string    `json:"error,omitempty"`
}

type Handler struct {
	svc    *Service
	hub    *websocket.Hub
	logger zerolog.Logger
}

func NewHandler(svc *Service, hub *websocket.Hub, logger zerolog.Logger) *Handler {
	return &Handler{svc: svc, hub: hub, logger: logger}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole(auth.ClinicianRoles...))
	g.POST("/calculations", h.Create)
	g.GET("/calculations", h.List)
	g.GET("/calculations/live", h.Live)
	g.GET("/calculations/:id", h.Get)
}

func (h *Handler) Create(c echo.Context) error {
	var rec Record
	if err := c.Bind(&rec); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	id, err := h.svc.Create(c.Request().Context(), &rec)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, map[string]string{"id": id})
}

func (h *Handler) Get(c echo.Context) error {
	rec, err := h.svc.Get(c.Request().Context(), c.Param("id"))
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "calculation not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	params := ListParams{
		Category: risk.Category(c.QueryParam("category")),
		Search:   c.QueryParam("q"),
		Limit:    pg.Limit,
		Offset:   pg.Offset,
	}
	items, total, err := h.svc.List(c.Request().Context(), params)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if items == nil {
		items = []*Record{}
	}
	if link := pg.LinkHeader(c.Request().URL, total); link != "" {
		c.Response().Header().Set("Link", link)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

// Live upgrades to a WebSocket and streams a full snapshot of the query
// after every change until the client disconnects.
func (h *Handler) Live(c echo.Context) error {
	q, err := QueryFromValues(c.QueryParams())
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	client, err := h.hub.Upgrade(c, q.Topic())
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return nil
	}
	log := h.logger.With().Str("client", client.ID).Str("topic", client.Topic).Logger()

	sub, err := h.svc.Subscribe(q,
		func(recs []*Record) {
			client.Send(LiveFrame{Type: FrameSnapshot, Records: recs})
		},
		func(err error) {
			log.Error().Err(err).Msg("live query failed")
			client.Send(LiveFrame{Type: FrameError, Error: err.Error()})
		},
	)
	if err != nil {
		client.Finish(LiveFrame{Type: FrameError, Error: err.Error()})
		client.Serve(nil)
		return nil
	}
	defer sub.Unsubscribe()

	log.Debug().Msg("live query opened")
	client.Serve(nil)
	log.Debug().Msg("live query closed")
	return nil
}
