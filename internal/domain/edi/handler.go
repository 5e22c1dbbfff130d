package edi

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/claimsedi/internal/domain/claim"
	"github.com/ehr/claimsedi/internal/platform/auth"
	"github.com/ehr/claimsedi/pkg/pagination"
)

type Handler struct {
	svc    *Service
	payers claim.PayerRepository
}

func NewHandler(svc *Service, payers claim.PayerRepository) *Handler {
	return &Handler{svc: svc, payers: payers}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole(auth.RoleBilling))
	g.GET("/claims/:id/edi/837d", h.Preview)
	g.GET("/edi/payers", h.ListPayers)
	g.POST("/claims/:id/edi/submit", h.Submit)
	g.POST("/edi/payers/:id/test-connection", h.TestConnection)
}

// StatusFor maps a failure kind to the HTTP status returned for it.
func StatusFor(kind FailureKind) int {
	switch kind {
	case FailureNone:
		return http.StatusOK
	case FailureNotFound:
		return http.StatusNotFound
	case FailureConfiguration, FailureValidation:
		return http.StatusUnprocessableEntity
	case FailureTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) Submit(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	res := h.svc.Submit(c.Request().Context(), id)
	status := http.StatusOK
	if !res.Success {
		status = StatusFor(res.FailureKind)
	}
	return c.JSON(status, res)
}

func (h *Handler) Preview(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	doc, err := h.svc.Preview(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(StatusFor(ErrorKind(err)), err.Error())
	}
	return c.String(http.StatusOK, doc)
}

func (h *Handler) ListPayers(c echo.Context) error {
	pg, err := pagination.FromContext(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ediOnly := true
	if v := c.QueryParam("edi_only"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid edi_only")
		}
		ediOnly = b
	}
	plans, total, err := h.payers.List(c.Request().Context(), ediOnly, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	items := make([]*claim.InsurancePlan, 0, len(plans))
	for _, p := range plans {
		items = append(items, p.Redacted())
	}
	return c.JSON(http.StatusOK, pagination.NewPage(items, total, pg).WithLinks(c.Request().URL))
}

type connectionResult struct {
	PayerID   uuid.UUID `json:"payer_id"`
	Connected bool      `json:"connected"`
}

func (h *Handler) TestConnection(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ok := h.svc.TestConnection(c.Request().Context(), id)
	return c.JSON(http.StatusOK, connectionResult{PayerID: id, Connected: ok})
}
