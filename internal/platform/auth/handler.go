package auth

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
)

// ClientHandler exposes SMART app registration on the admin API.
type ClientHandler struct {
	repo ClientRepository
}

func NewClientHandler(repo ClientRepository) *ClientHandler {
	return &ClientHandler{repo: repo}
}

func (h *ClientHandler) RegisterRoutes(api *echo.Group) {
	api.POST("/oauth/clients", h.CreateClient)
	api.GET("/oauth/clients/:id", h.GetClient)
}

// CreateClient registers a SMART app. The response carries the generated
// secret exactly once.
func (h *ClientHandler) CreateClient(c echo.Context) error {
	var p RegisterClientParams
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	registered, err := RegisterClient(c.Request().Context(), h.repo, p)
	if errors.Is(err, ErrDuplicateClient) {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, registered)
}

func (h *ClientHandler) GetClient(c echo.Context) error {
	client, err := h.repo.FindByID(c.Request().Context(), c.Param("id"))
	if errors.Is(err, ErrClientNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "client not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, client)
}
