package workflow

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinic/emr/internal/domain/order"
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

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole(auth.RoleClinician, auth.RoleClerk, auth.RoleCashier, auth.RoleTechnician))
	g.GET("/service-orders", h.ListServiceOrders)
	g.GET("/service-orders/:id", h.GetServiceOrder)
	g.GET("/service-orders/:id/details", h.GetServiceOrderDetails)
}

func parseFilter(c echo.Context) (order.ListFilter, error) {
	var f order.ListFilter
	var err error
	if f.MedicalRecordID, err = queryparam.UUID(c, "medical_record_id"); err != nil {
		return f, err
	}
	status, err := queryparam.Int(c, "status")
	if err != nil {
		return f, err
	}
	if status != nil {
		st := order.Status(*status)
		if !st.Valid() {
			return f, echo.NewHTTPError(http.StatusBadRequest, "invalid status")
		}
		f.Status = &st
	}
	f.Code = c.QueryParam("code")
	if f.From, err = queryparam.Time(c, "from", false); err != nil {
		return f, err
	}
	if f.To, err = queryparam.Time(c, "to", true); err != nil {
		return f, err
	}
	if f.UnpaidOnly, err = queryparam.Bool(c, "unpaid_only"); err != nil {
		return f, err
	}
	if f.AwaitingResults, err = queryparam.Bool(c, "awaiting_results"); err != nil {
		return f, err
	}
	return f, nil
}

func (h *Handler) ListServiceOrders(c echo.Context) error {
	f, err := parseFilter(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListServiceOrders(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetServiceOrder(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	v, err := h.svc.GetServiceOrder(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) GetServiceOrderDetails(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	details, err := h.svc.GetServiceOrderDetails(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, details)
}
