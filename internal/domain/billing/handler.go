package billing

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinic/emr/internal/platform/apperr"
	"github.com/clinic/emr/internal/platform/auth"
	"github.com/clinic/emr/pkg/pagination"
	"github.com/clinic/emr/pkg/queryparam"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes registers invoice routes. Only cashiers handle money.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole(auth.RoleCashier))
	g.POST("/invoices", h.Settle)
	g.GET("/invoices", h.ListInvoices)
	g.GET("/invoices/:id", h.GetInvoice)
	g.POST("/invoices/:id/cancel", h.CancelInvoice)
}

// Settle defaults the collector to the authenticated staff member.
func (h *Handler) Settle(c echo.Context) error {
	var req SettleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.CollectorID == uuid.Nil {
		if staffID, ok := auth.StaffIDFromContext(c.Request().Context()); ok {
			req.CollectorID = staffID
		}
	}
	if err := c.Validate(&req); err != nil {
		return apperr.HTTPError(err)
	}
	res, err := h.svc.Settle(c.Request().Context(), req)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) CancelInvoice(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req CancelRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
		if err := c.Validate(&req); err != nil {
			return apperr.HTTPError(err)
		}
	}
	inv, err := h.svc.Cancel(c.Request().Context(), id, req)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, inv)
}

func (h *Handler) GetInvoice(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	inv, err := h.svc.GetInvoice(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, inv)
}

func (h *Handler) ListInvoices(c echo.Context) error {
	pg := pagination.FromContext(c)
	var f InvoiceFilter
	var err error
	if f.MedicalRecordID, err = queryparam.UUID(c, "medical_record_id"); err != nil {
		return err
	}
	status, err := queryparam.Int(c, "status")
	if err != nil {
		return err
	}
	if status != nil {
		st := InvoiceStatus(*status)
		if st != InvoiceActive && st != InvoiceCancelled {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid status")
		}
		f.Status = &st
	}
	if f.From, err = queryparam.Time(c, "from", false); err != nil {
		return err
	}
	if f.To, err = queryparam.Time(c, "to", true); err != nil {
		return err
	}

	items, total, err := h.svc.ListInvoices(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}
