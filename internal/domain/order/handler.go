package order

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinic/emr/internal/platform/apperr"
	"github.com/clinic/emr/internal/platform/auth"
)

// Handler serves the mutating service-order routes. Reads are served by the
// workflow package.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	write := api.Group("", auth.RequireRole(auth.RoleClinician, auth.RoleClerk))
	write.POST("/service-orders", h.CreateOrder)
	write.POST("/service-orders/:id/details", h.AddDetail)
	write.DELETE("/service-orders/:id", h.DeleteOrder)
	write.PUT("/service-order-details/:id", h.UpdateDetail)
	write.DELETE("/service-order-details/:id", h.DeleteDetail)

	api.PATCH("/service-orders/:id/status", h.UpdateStatus,
		auth.RequireRole(auth.RoleClinician, auth.RoleClerk, auth.RoleTechnician))
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func bind(c echo.Context, dst interface{}) error {
	if err := c.Bind(dst); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(dst); err != nil {
		return apperr.HTTPError(err)
	}
	return nil
}

func (h *Handler) CreateOrder(c echo.Context) error {
	var in CreateInput
	if err := bind(c, &in); err != nil {
		return err
	}
	o, err := h.svc.CreateOrder(c.Request().Context(), in)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, o)
}

func (h *Handler) AddDetail(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var in DetailInput
	if err := bind(c, &in); err != nil {
		return err
	}
	d, err := h.svc.AddDetail(c.Request().Context(), id, in)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, d)
}

func (h *Handler) UpdateDetail(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var in UpdateDetailInput
	if err := bind(c, &in); err != nil {
		return err
	}
	d, err := h.svc.UpdateDetail(c.Request().Context(), id, in)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) DeleteDetail(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteDetail(c.Request().Context(), id); err != nil {
		return apperr.HTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) DeleteOrder(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteOrder(c.Request().Context(), id); err != nil {
		return apperr.HTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) UpdateStatus(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var in StatusInput
	if err := bind(c, &in); err != nil {
		return err
	}
	o, err := h.svc.UpdateStatus(c.Request().Context(), id, *in.Status)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, o)
}
