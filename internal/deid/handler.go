package deid

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/docqa/deid/internal/platform/auth"
	"github.com/docqa/deid/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the API on a group rooted at /api/deid.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	write := api.Group("", auth.RequireRole(auth.RoleAnonymizer))
	write.POST("/anonymize", h.Anonymize)
	write.POST("/detect", h.Detect)

	// Mapping reads return original values.
	audit := api.Group("", auth.RequireRole(auth.RoleAuditor))
	audit.GET("/mappings/:documentId", h.GetMappings)
	audit.GET("/mappings", h.ListMappings)

	api.GET("/stats", h.Stats, auth.RequireRole(auth.RoleAnonymizer, auth.RoleAuditor))
}

type detectRequest struct {
	Text string `json:"text"`
}

type detectResponse struct {
	Entities []DetectionSpan `json:"entities"`
	Count    int             `json:"count"`
}

type mappingsResponse struct {
	Success bool `json:"success"`
	*MappingsResult
}

func (h *Handler) Anonymize(c echo.Context) error {
	var req AnonymizeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	doc, err := h.svc.Anonymize(c.Request().Context(), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, doc)
}

func (h *Handler) Detect(c echo.Context) error {
	var req detectRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	spans, err := h.svc.Detect(req.Text)
	if err != nil {
		return httpError(err)
	}
	if spans == nil {
		spans = []DetectionSpan{}
	}
	return c.JSON(http.StatusOK, detectResponse{Entities: spans, Count: len(spans)})
}

func (h *Handler) GetMappings(c echo.Context) error {
	res, err := h.svc.GetMappings(c.Request().Context(), c.Param("documentId"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, mappingsResponse{Success: true, MappingsResult: res})
}

func (h *Handler) ListMappings(c echo.Context) error {
	raw := strings.ToUpper(strings.TrimSpace(c.QueryParam("entity_type")))
	if raw == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "entity_type is required")
	}
	et := EntityType(raw)
	pg := pagination.FromContext(c)
	mappings, total, err := h.svc.ListByEntityType(c.Request().Context(), et, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	resp := pagination.NewResponse(mappings, total, pg)
	resp.Links = pg.Links(c.Request().URL.Path, url.Values{"entity_type": {raw}}, total)
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) Stats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.Stats())
}

// httpError maps domain errors to status codes. Detection and persistence
// details stay in the service log.
func httpError(err error) error {
	switch {
	case IsValidation(err):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case IsPersistence(err):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "mapping ledger unavailable")
	case IsDetection(err):
		return echo.NewHTTPError(http.StatusInternalServerError, "anonymization failed")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}
