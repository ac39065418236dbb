package catalog

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinic/emr/internal/platform/apperr"
	"github.com/clinic/emr/pkg/pagination"
)

type Handler struct {
	repo Repository
}

func NewHandler(repo Repository) *Handler {
	return &Handler{repo: repo}
}

// RegisterRoutes registers read-only catalog routes. Any authenticated staff
// member may read the catalog.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/services", h.ListServices)
	api.GET("/services/:id", h.GetService)
	api.GET("/service-groups", h.ListGroups)
	api.GET("/service-types", h.ListTypes)
	api.GET("/rooms", h.ListRooms)
}

func (h *Handler) GetService(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	s, err := h.repo.GetService(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, s)
}

func (h *Handler) ListServices(c echo.Context) error {
	pg := pagination.FromContext(c)
	var f ServiceFilter
	for name, dst := range map[string]**uuid.UUID{
		"group_id": &f.GroupID,
		"type_id":  &f.TypeID,
		"room_id":  &f.RoomID,
	} {
		raw := c.QueryParam(name)
		if raw == "" {
			continue
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
		}
		*dst = &id
	}
	f.Query = c.QueryParam("q")

	items, total, err := h.repo.ListServices(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) ListGroups(c echo.Context) error {
	items, err := h.repo.ListGroups(c.Request().Context())
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) ListTypes(c echo.Context) error {
	items, err := h.repo.ListTypes(c.Request().Context())
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) ListRooms(c echo.Context) error {
	items, err := h.repo.ListRooms(c.Request().Context())
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, items)
}
