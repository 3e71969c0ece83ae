package groups

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/fhirvault/fhirvault/internal/platform/search"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes wires the group-filter admin API.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/group-filter/preview", h.Preview)
	api.GET("/group-filter/keys", h.Keys)
}

func (h *Handler) Preview(c echo.Context) error {
	resourceType := c.QueryParam("type")
	if resourceType == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "type is required")
	}
	preview, err := h.svc.Preview(c.Request().Context(), resourceType, c.QueryParam("filter"))
	if err != nil {
		return echo.NewHTTPError(statusOf(err), err.Error())
	}
	return c.JSON(http.StatusOK, preview)
}

func (h *Handler) Keys(c echo.Context) error {
	resourceType := c.QueryParam("type")
	if resourceType == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "type is required")
	}
	keys, err := h.svc.Keys(c.Request().Context(), resourceType, c.QueryParam("filter"))
	if err != nil {
		return echo.NewHTTPError(statusOf(err), err.Error())
	}
	return c.JSON(http.StatusOK, keys)
}

// statusOf maps filter errors to HTTP statuses: bad input is the caller's
// fault, anything else is the store's.
func statusOf(err error) int {
	var unknown *search.UnknownParameterError
	var invalid *search.InvalidValueError
	var conflict *search.ConflictError
	switch {
	case errors.Is(err, ErrUnsupportedType),
		errors.As(err, &unknown),
		errors.As(err, &invalid),
		errors.As(err, &conflict):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
