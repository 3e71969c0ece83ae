package auth

import (
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// ScopeLaunchPatient asks the flow to establish a patient context before a
// token is issued.
const ScopeLaunchPatient = "launch/patient"

// Authorize runs the authorization-code front channel. Depending on session
// state it redirects to login, to the patient picker, or to consent. The
// picker and the login page both return here so this handler stays the single
// owner of flow decisions.
func (s *Server) Authorize(c echo.Context) error {
	ctx := c.Request().Context()
	req := ParseAuthorizeRequest(c.QueryParams())

	if req.ClientID == "" {
		return s.errorPage(c, http.StatusBadRequest, "Missing client_id.")
	}
	client, err := s.clients.FindByID(ctx, req.ClientID)
	if err != nil {
		s.logger.Warn().Str("client_id", req.ClientID).Msg("authorize for unknown client")
		return s.errorPage(c, http.StatusBadRequest, "Unknown client.")
	}

	// The redirect URI must be validated before anything is sent to it.
	if req.RedirectURI == "" && len(client.RedirectURIs) == 1 {
		req.RedirectURI = client.RedirectURIs[0]
	}
	if !validRedirectURI(client.RedirectURIs, req.RedirectURI) {
		return s.errorPage(c, http.StatusBadRequest, "Invalid redirect_uri.")
	}

	if req.ResponseType != "code" {
		return s.redirectError(c, req, ErrCodeUnsupportedResponse, "only response_type=code is supported")
	}
	if !client.AllowsGrant(GrantAuthorizationCode) {
		return s.redirectError(c, req, ErrCodeUnauthorizedClient, "client cannot use the authorization_code grant")
	}
	if req.CodeChallenge == "" {
		if client.Public {
			return s.redirectError(c, req, ErrCodeInvalidRequest, "public clients require a PKCE code_challenge")
		}
	} else if req.CodeChallengeMethod != "S256" {
		return s.redirectError(c, req, ErrCodeInvalidRequest, "code_challenge_method must be S256")
	}
	if len(client.NegotiateScopes(req.Scopes())) == 0 {
		return s.redirectError(c, req, ErrCodeInvalidScope, "no requested scope is registered for the client")
	}

	sess, err := s.ensureSession(c)
	if err != nil {
		return s.redirectError(c, req, ErrCodeServerError, "session initialization failed")
	}

	// The pending request survives login, picker and consent in the session.
	sess.Pending = req
	if !sess.Authenticated() {
		s.sessions.Save(sess)
		return c.Redirect(http.StatusFound, "/oauth2/login")
	}

	// The picker round-trips through this endpoint with the chosen patient.
	if pid := c.QueryParam(AttrPatientID); pid != "" {
		sess.SelectedPatientID = pid
	}
	s.sessions.Save(sess)

	if sess.Role == RolePractitioner && req.HasScope(ScopeLaunchPatient) && sess.SelectedPatientID == "" {
		return c.Redirect(http.StatusFound, "/patient-picker?"+req.Query().Encode())
	}

	return s.startConsent(c, sess, client, req)
}

// startConsent records the authorization attempt and sends the browser to the
// consent page. Saving through the decorated store attaches the selected
// patient to the record here, before any token exists.
func (s *Server) startConsent(c echo.Context, sess *Session, client *Client, req *AuthorizeRequest) error {
	consentState, err := randomToken(16)
	if err != nil {
		return s.redirectError(c, req, ErrCodeServerError, "could not create consent state")
	}
	rec := &Record{
		ID:                  uuid.NewString(),
		ClientID:            client.ID,
		Username:            sess.Username,
		GrantType:           GrantAuthorizationCode,
		RequestedScopes:     client.NegotiateScopes(req.Scopes()),
		ClientState:         req.State,
		RedirectURI:         req.RedirectURI,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		ConsentState:        consentState,
		Status:              StatusConsentPending,
		CreatedAt:           time.Now().UTC(),
	}
	ctx := ContextWithSession(c.Request().Context(), sess)
	if err := s.records.Save(ctx, rec); err != nil {
		s.logger.Error().Err(err).Msg("save authorization record")
		return s.redirectError(c, req, ErrCodeServerError, "could not record the authorization")
	}

	q := url.Values{}
	q.Set("consent_state", consentState)
	q.Set("client_id", client.ID)
	return c.Redirect(http.StatusFound, "/consent?"+q.Encode())
}

// ConsentPage renders the scope-approval form for a pending authorization.
func (s *Server) ConsentPage(c echo.Context) error {
	sess := s.session(c)
	if !sess.Authenticated() {
		return c.Redirect(http.StatusFound, "/oauth2/login")
	}
	ctx := c.Request().Context()

	rec, err := s.records.FindByConsentState(ctx, c.QueryParam("consent_state"))
	if err != nil || rec.Username != sess.Username {
		return s.errorPage(c, http.StatusBadRequest, "This authorization request has expired. Start over from the application.")
	}
	client, err := s.clients.FindByID(ctx, rec.ClientID)
	if err != nil {
		return s.errorPage(c, http.StatusBadRequest, "Unknown client.")
	}

	type scopeRow struct{ Scope, Description string }
	rows := make([]scopeRow, 0, len(rec.RequestedScopes))
	for _, sc := range rec.RequestedScopes {
		rows = append(rows, scopeRow{Scope: sc, Description: scopeDescription(sc)})
	}

	var patient *PatientSummary
	if pid := rec.Attributes[AttrPatientID]; pid != "" {
		patient, _ = s.patients.Get(ctx, pid)
	}

	c.Response().Header().Set("Cache-Control", "no-store")
	return s.render(c, http.StatusOK, "consent", map[string]interface{}{
		"Username":     sess.Username,
		"ClientName":   client.Name,
		"ClientID":     client.ID,
		"ConsentState": rec.ConsentState,
		"Scopes":       rows,
		"Patient":      patient,
	})
}

// Consent handles the approval form. The POST is recognized as a consent
// response by its one-time consent_state; it carries each approved scope as a
// separate scope field and none of the original authorize parameters.
func (s *Server) Consent(c echo.Context) error {
	sess := s.session(c)
	if !sess.Authenticated() {
		return c.Redirect(http.StatusFound, "/oauth2/login")
	}
	ctx := ContextWithSession(c.Request().Context(), sess)

	rec, err := s.records.FindByConsentState(ctx, c.FormValue("consent_state"))
	if err != nil || rec.Username != sess.Username {
		return s.errorPage(c, http.StatusBadRequest, "This authorization request has expired. Start over from the application.")
	}

	// The consent state is one-time; any outcome consumes it.
	rec.ConsentState = ""

	if c.FormValue("action") != "approve" {
		s.records.Remove(ctx, rec.ID)
		s.sessions.Save(sess)
		return s.redirectOutcome(c, rec, url.Values{"error": []string{ErrCodeAccessDenied}})
	}

	form, err := c.FormParams()
	if err != nil {
		return s.errorPage(c, http.StatusBadRequest, "Malformed consent response.")
	}
	granted := intersectScopes(rec.RequestedScopes, form["scope"])
	if len(granted) == 0 {
		s.records.Remove(ctx, rec.ID)
		return s.redirectOutcome(c, rec, url.Values{"error": []string{ErrCodeAccessDenied}})
	}

	code, err := randomToken(32)
	if err != nil {
		return s.redirectOutcome(c, rec, url.Values{"error": []string{ErrCodeServerError}})
	}
	rec.GrantedScopes = granted
	rec.Code = code
	rec.CodeExpiresAt = time.Now().Add(codeTTL)
	rec.Status = StatusCodeIssued
	if err := s.records.Save(ctx, rec); err != nil {
		s.logger.Error().Err(err).Msg("save authorization code")
		return s.redirectOutcome(c, rec, url.Values{"error": []string{ErrCodeServerError}})
	}

	s.logger.Info().
		Str("client_id", rec.ClientID).
		Str("user", rec.Username).
		Msg("authorization code issued")
	return s.redirectOutcome(c, rec, url.Values{"code": []string{code}})
}

// intersectScopes keeps the approved scopes that were actually requested,
// preserving request order.
func intersectScopes(requested, approved []string) []string {
	var out []string
	for _, want := range requested {
		if ContainsScope(approved, want) {
			out = append(out, want)
		}
	}
	return out
}

// redirectOutcome sends the browser back to the client's redirect URI with
// the given parameters plus the client's original state.
func (s *Server) redirectOutcome(c echo.Context, rec *Record, params url.Values) error {
	if rec.ClientState != "" {
		params.Set("state", rec.ClientState)
	}
	return c.Redirect(http.StatusFound, appendQuery(rec.RedirectURI, params))
}

// redirectError reports a validated-client error through the redirect URI per
// RFC 6749 section 4.1.2.1.
func (s *Server) redirectError(c echo.Context, req *AuthorizeRequest, code, description string) error {
	params := url.Values{}
	params.Set("error", code)
	if description != "" {
		params.Set("error_description", description)
	}
	if req.State != "" {
		params.Set("state", req.State)
	}
	return c.Redirect(http.StatusFound, appendQuery(req.RedirectURI, params))
}

func appendQuery(uri string, params url.Values) string {
	u, err := url.Parse(uri)
	if err != nil {
		return uri
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}
