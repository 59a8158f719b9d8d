package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/imignatov/reservation-disputes/internal/model"
	"github.com/imignatov/reservation-disputes/internal/repository"
	"github.com/imignatov/reservation-disputes/internal/service"
)

// ProhibitionHandler exposes the prohibition lifecycle over HTTP. All
// methods assume that JWT authentication and privilege validation have
// already been performed by middleware; authorization beyond the
// privilege gate (participant scoping) is enforced by the service.
type ProhibitionHandler struct {
	Service *service.ProhibitionService
}

// NewProhibitionHandler constructs a ProhibitionHandler and panics if
// the service is nil.
func NewProhibitionHandler(svc *service.ProhibitionService) *ProhibitionHandler {
	if svc == nil {
		panic("nil service passed to NewProhibitionHandler")
	}
	return &ProhibitionHandler{Service: svc}
}

// Declare handles POST /v1/prohibitions. The request body must contain
// the incident id and the beginning and termination instants in RFC3339
// form. On success it returns 201 Created with the new prohibition id.
// A second declaration against the same incident, or a termination not
// after the beginning, yields 409 Conflict.
func (h *ProhibitionHandler) Declare(c echo.Context) error {
	var body struct {
		IncidentID  uint64 `json:"incident_id"`
		Beginning   string `json:"beginning"`
		Termination string `json:"termination"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if body.IncidentID == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "incident_id is required"})
	}
	beginning, err := time.Parse(time.RFC3339, body.Beginning)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "beginning must be RFC3339"})
	}
	termination, err := time.Parse(time.RFC3339, body.Termination)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "termination must be RFC3339"})
	}

	id, err := h.Service.DeclareProhibition(c.Request().Context(), body.IncidentID, beginning, termination)
	if err != nil {
		return respondServiceError(c, err)
	}
	return c.JSON(http.StatusCreated, echo.Map{
		"id":          id,
		"incident_id": body.IncidentID,
		"termination": termination.UTC().Format(time.RFC3339),
	})
}

// List handles GET /v1/prohibitions. Administrators may narrow the
// result with requester_id and provider_id query parameters; for other
// callers those parameters are ignored and the listing is scoped to
// their own participation. Supported parameters:
//
//	requester_id – admin-only filter on the requesting party
//	provider_id  – admin-only filter on the providing party
//	order        – "asc" (default) or "desc" by beginning
//	take         – positive result cap
func (h *ProhibitionHandler) List(c echo.Context) error {
	caller, err := getCaller(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}

	var f repository.ProhibitionFilter
	if raw := c.QueryParam("requester_id"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid requester_id"})
		}
		f.RequesterID = n
	}
	if raw := c.QueryParam("provider_id"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid provider_id"})
		}
		f.ProviderID = n
	}
	switch c.QueryParam("order") {
	case "", "asc":
	case "desc":
		f.Descending = true
	default:
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "order must be asc or desc"})
	}
	if raw := c.QueryParam("take"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "take must be a positive integer"})
		}
		f.Take = n
	}

	items, err := h.Service.ObtainProhibitions(c.Request().Context(), caller, f)
	if err != nil {
		return respondServiceError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"items": items})
}

// Get handles GET /v1/prohibitions/:id. Non-admin callers receive 403
// unless they participate in the prohibition's incident chain.
func (h *ProhibitionHandler) Get(c echo.Context) error {
	caller, err := getCaller(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid prohibition id"})
	}
	p, err := h.Service.GetProhibition(c.Request().Context(), caller, id)
	if err != nil {
		return respondServiceError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"item": prohibitionJSON(p)})
}

// AlterTimeframe handles PATCH /v1/prohibitions/:id/timeframe. The
// request body carries the new termination instant in RFC3339 form. A
// termination not after the prohibition's beginning yields 409; an
// instant already in the past is accepted and expires the prohibition
// immediately.
func (h *ProhibitionHandler) AlterTimeframe(c echo.Context) error {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid prohibition id"})
	}
	var body struct {
		Termination string `json:"termination"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	termination, err := time.Parse(time.RFC3339, body.Termination)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "termination must be RFC3339"})
	}
	if _, err := h.Service.AlterTimeframe(c.Request().Context(), id, termination); err != nil {
		return respondServiceError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"id":          id,
		"termination": termination.UTC().Format(time.RFC3339),
	})
}

// Disdeclare handles DELETE /v1/prohibitions/:id. It lifts the
// restriction before its automatic termination; the scheduled expiry is
// cancelled so no expired event follows.
func (h *ProhibitionHandler) Disdeclare(c echo.Context) error {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid prohibition id"})
	}
	if _, err := h.Service.DisdeclareProhibition(c.Request().Context(), id); err != nil {
		return respondServiceError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"id": id})
}

// prohibitionJSON renders a prohibition with RFC3339 timestamps.
func prohibitionJSON(p *model.Prohibition) echo.Map {
	return echo.Map{
		"id":          p.ID,
		"incident_id": p.IncidentID,
		"beginning":   p.Beginning.UTC().Format(time.RFC3339),
		"termination": p.Termination.UTC().Format(time.RFC3339),
		"created_at":  p.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// respondServiceError maps service sentinel errors onto HTTP statuses.
// Not-found and conflict responses carry the wrapped message, which
// names the offending ids; anything unrecognized is a 500 with a
// generic body so internal detail never leaks to clients.
func respondServiceError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, repository.ErrProhibitionNotFound),
		errors.Is(err, repository.ErrIncidentNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": err.Error()})
	case errors.Is(err, repository.ErrConflict):
		return c.JSON(http.StatusConflict, echo.Map{"error": err.Error()})
	case errors.Is(err, repository.ErrForbidden):
		return c.JSON(http.StatusForbidden, echo.Map{"error": "forbidden"})
	default:
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
	}
}
