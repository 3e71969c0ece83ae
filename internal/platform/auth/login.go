package auth

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// LoginPage renders the credential form. It is reached by redirect from the
// authorization endpoint and keeps no OAuth parameters of its own; the
// pending request lives in the session.
func (s *Server) LoginPage(c echo.Context) error {
	c.Response().Header().Set("Cache-Control", "no-store")
	return s.render(c, http.StatusOK, "login", map[string]interface{}{
		"Error": "",
	})
}

// Login checks credentials and, on success, resumes the pending authorization
// request. Resuming always goes back through /oauth2/authorize so that one
// handler owns the picker and consent decisions.
func (s *Server) Login(c echo.Context) error {
	username := c.FormValue("username")
	password := c.FormValue("password")

	user, err := s.users.Authenticate(c.Request().Context(), username, password)
	if err != nil {
		s.logger.Warn().Str("username", username).Msg("login failed")
		return s.render(c, http.StatusUnauthorized, "login", map[string]interface{}{
			"Error": "Invalid username or password.",
		})
	}

	sess, err := s.ensureSession(c)
	if err != nil {
		return s.errorPage(c, http.StatusInternalServerError, "Session initialization failed.")
	}
	sess.Username = user.Username
	sess.Role = user.Role
	sess.FHIRUser = user.FHIRUser
	s.sessions.Save(sess)

	s.logger.Info().Str("username", user.Username).Str("role", user.Role).Msg("user logged in")

	if sess.Pending != nil {
		return c.Redirect(http.StatusFound, "/oauth2/authorize?"+sess.Pending.Query().Encode())
	}
	return c.Redirect(http.StatusFound, "/")
}
