package auth

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// UserInfo is the slice of the identity record the authorization server
// needs.
type UserInfo struct {
	Username string
	Role     string
	FHIRUser string
}

// IdentityProvider authenticates interactive users and resolves their FHIR
// principal at token-mint time.
type IdentityProvider interface {
	Authenticate(ctx context.Context, username, password string) (*UserInfo, error)
	Lookup(ctx context.Context, username string) (*UserInfo, error)
}

// RolePractitioner gates the patient picker; other roles never see it.
const RolePractitioner = "practitioner"

const (
	codeTTL           = 5 * time.Minute
	defaultAccessTTL  = time.Hour
	defaultRefreshTTL = 24 * time.Hour
)

// ServerParams wires the authorization server's collaborators.
type ServerParams struct {
	Clients  ClientRepository
	Records  RecordStore
	Sessions *SessionStore
	Keys     *KeyManager
	Users    IdentityProvider
	Patients *PatientDirectory

	// Issuer is the external base URL without the trailing /fhir segment.
	Issuer          string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	Logger          zerolog.Logger
}

// Server implements the OAuth 2.0 / SMART authorization endpoints and the
// interactive login, patient-picker and consent pages.
type Server struct {
	clients    ClientRepository
	records    RecordStore
	sessions   *SessionStore
	keys       *KeyManager
	users      IdentityProvider
	patients   *PatientDirectory
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	logger     zerolog.Logger
}

func NewServer(p ServerParams) *Server {
	if p.AccessTokenTTL <= 0 {
		p.AccessTokenTTL = defaultAccessTTL
	}
	if p.RefreshTokenTTL <= 0 {
		p.RefreshTokenTTL = defaultRefreshTTL
	}
	return &Server{
		clients:    p.Clients,
		records:    p.Records,
		sessions:   p.Sessions,
		keys:       p.Keys,
		users:      p.Users,
		patients:   p.Patients,
		issuer:     p.Issuer,
		accessTTL:  p.AccessTokenTTL,
		refreshTTL: p.RefreshTokenTTL,
		logger:     p.Logger.With().Str("component", "oauth").Logger(),
	}
}

// RegisterRoutes mounts the authorization endpoints on the root of the echo
// instance. All of them are public; protection comes from the flow itself.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.GET("/oauth2/authorize", s.Authorize)
	e.GET("/oauth2/login", s.LoginPage)
	e.POST("/oauth2/login", s.Login)
	e.GET("/patient-picker", s.PatientPickerPage)
	e.POST("/patient-picker", s.SelectPatient)
	e.GET("/consent", s.ConsentPage)
	e.POST("/consent", s.Consent)
	e.POST("/oauth2/token", s.Token)
	e.POST("/oauth2/introspect", s.Introspect)
	e.POST("/oauth2/revoke", s.Revoke)
	e.GET("/oauth2/jwks", s.JWKS)
	e.GET("/oauth2/userinfo", s.UserInfo)
	e.GET("/.well-known/oauth-authorization-server", s.Metadata)
	e.GET("/.well-known/smart-configuration", s.SMARTConfiguration)
	e.GET("/fhir/.well-known/smart-configuration", s.SMARTConfiguration)
}

// session returns the browser session, or nil.
func (s *Server) session(c echo.Context) *Session {
	return sessionFor(c, s.sessions)
}

// ensureSession returns the existing session or creates one and sets the
// cookie.
func (s *Server) ensureSession(c echo.Context) (*Session, error) {
	if sess := s.session(c); sess != nil {
		return sess, nil
	}
	sess, err := s.sessions.New()
	if err != nil {
		return nil, err
	}
	setSessionCookie(c, sess)
	return sess, nil
}

// render executes a page template. Rendering failures become plain 500s; the
// pages carry no state that could be recovered anyway.
func (s *Server) render(c echo.Context, status int, name string, data interface{}) error {
	var buf bytes.Buffer
	if err := pageTemplates.ExecuteTemplate(&buf, name, data); err != nil {
		s.logger.Error().Err(err).Str("template", name).Msg("render page")
		return echo.NewHTTPError(http.StatusInternalServerError, "page rendering failed")
	}
	return c.HTMLBlob(status, buf.Bytes())
}

// errorPage renders the standalone error page used when the request cannot be
// safely redirected back to the client.
func (s *Server) errorPage(c echo.Context, status int, message string) error {
	return s.render(c, status, "error", map[string]interface{}{"Message": message})
}
