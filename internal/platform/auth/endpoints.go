package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// Token is the RFC 6749 token endpoint. It supports authorization_code with
// PKCE, refresh_token, and client_credentials for the admin client.
func (s *Server) Token(c echo.Context) error {
	client, oerr := s.authenticateClient(c)
	if oerr != nil {
		c.Response().Header().Set("WWW-Authenticate", `Basic realm="oauth2"`)
		return c.JSON(http.StatusUnauthorized, oerr)
	}

	var (
		body map[string]interface{}
		err  *OAuthError
	)
	switch c.FormValue("grant_type") {
	case GrantAuthorizationCode:
		body, err = s.exchangeCode(c, client)
	case GrantRefreshToken:
		body, err = s.refreshGrant(c, client)
	case GrantClientCredentials:
		body, err = s.clientCredentialsGrant(c, client)
	default:
		err = oauthErr(ErrCodeUnsupportedGrant, "grant_type must be authorization_code, refresh_token or client_credentials")
	}
	if err != nil {
		return c.JSON(http.StatusBadRequest, err)
	}

	raw, merr := json.Marshal(body)
	if merr != nil {
		return c.JSON(http.StatusInternalServerError, oauthErr(ErrCodeServerError, "encode token response"))
	}
	c.Response().Header().Set("Cache-Control", "no-store")
	c.Response().Header().Set("Pragma", "no-cache")
	return c.JSONBlob(http.StatusOK, EnhanceTokenResponse(raw))
}

// authenticateClient resolves the caller from HTTP Basic or form credentials.
// Public clients present only their id; their proof is the PKCE verifier.
func (s *Server) authenticateClient(c echo.Context) (*Client, *OAuthError) {
	clientID, secret, basic := c.Request().BasicAuth()
	if !basic {
		clientID = c.FormValue("client_id")
		secret = c.FormValue("client_secret")
	}
	if clientID == "" {
		return nil, oauthErr(ErrCodeInvalidClient, "client authentication required")
	}
	client, err := s.clients.FindByID(c.Request().Context(), clientID)
	if err != nil {
		return nil, oauthErr(ErrCodeInvalidClient, "unknown client")
	}
	if client.Confidential() {
		if !VerifyClientSecret(client.SecretHash, secret) {
			return nil, oauthErr(ErrCodeInvalidClient, "invalid client credentials")
		}
	} else if secret != "" {
		return nil, oauthErr(ErrCodeInvalidClient, "public client must not send a secret")
	}
	return client, nil
}

func (s *Server) exchangeCode(c echo.Context, client *Client) (map[string]interface{}, *OAuthError) {
	ctx := c.Request().Context()

	rec, err := s.records.FindByCode(ctx, c.FormValue("code"))
	if err != nil {
		return nil, oauthErr(ErrCodeInvalidGrant, "authorization code is invalid or expired")
	}
	if rec.ClientID != client.ID {
		return nil, oauthErr(ErrCodeInvalidGrant, "authorization code was issued to another client")
	}
	if time.Now().After(rec.CodeExpiresAt) {
		s.records.Remove(ctx, rec.ID)
		return nil, oauthErr(ErrCodeInvalidGrant, "authorization code is invalid or expired")
	}
	if uri := c.FormValue("redirect_uri"); rec.RedirectURI != "" && uri != rec.RedirectURI {
		return nil, oauthErr(ErrCodeInvalidGrant, "redirect_uri does not match the authorization request")
	}
	if rec.CodeChallenge != "" {
		verifier := c.FormValue("code_verifier")
		if verifier == "" {
			return nil, oauthErr(ErrCodeInvalidGrant, "code_verifier is required")
		}
		if !VerifyPKCE(verifier, rec.CodeChallenge) {
			return nil, oauthErr(ErrCodeInvalidGrant, "PKCE verification failed")
		}
	}

	// One-time use: the code index entry dies with this save.
	rec.Code = ""

	user := s.lookupUser(c, rec.Username)
	return s.issueTokens(c, rec, user, rec.GrantedScopes)
}

func (s *Server) refreshGrant(c echo.Context, client *Client) (map[string]interface{}, *OAuthError) {
	ctx := c.Request().Context()

	rec, err := s.records.FindByRefreshToken(ctx, c.FormValue("refresh_token"))
	if err != nil {
		return nil, oauthErr(ErrCodeInvalidGrant, "refresh token is invalid or expired")
	}
	if rec.ClientID != client.ID {
		return nil, oauthErr(ErrCodeInvalidGrant, "refresh token was issued to another client")
	}
	if time.Now().After(rec.RefreshExpiresAt) {
		s.records.Remove(ctx, rec.ID)
		return nil, oauthErr(ErrCodeInvalidGrant, "refresh token is invalid or expired")
	}

	scopes := rec.GrantedScopes
	if requested := SplitScopes(c.FormValue("scope")); len(requested) > 0 {
		scopes = intersectScopes(rec.GrantedScopes, requested)
		if len(scopes) == 0 {
			return nil, oauthErr(ErrCodeInvalidScope, "requested scope exceeds the original grant")
		}
	}

	user := s.lookupUser(c, rec.Username)
	return s.issueTokens(c, rec, user, scopes)
}

func (s *Server) clientCredentialsGrant(c echo.Context, client *Client) (map[string]interface{}, *OAuthError) {
	if !client.Confidential() {
		return nil, oauthErr(ErrCodeUnauthorizedClient, "client_credentials requires a confidential client")
	}
	if !client.AllowsGrant(GrantClientCredentials) {
		return nil, oauthErr(ErrCodeUnauthorizedClient, "client cannot use the client_credentials grant")
	}
	scopes := client.NegotiateScopes(SplitScopes(c.FormValue("scope")))
	if len(scopes) == 0 {
		return nil, oauthErr(ErrCodeInvalidScope, "no requested scope is registered for the client")
	}
	rec := &Record{
		ID:            uuid.NewString(),
		ClientID:      client.ID,
		GrantType:     GrantClientCredentials,
		GrantedScopes: scopes,
		CreatedAt:     time.Now().UTC(),
	}
	return s.issueTokens(c, rec, nil, scopes)
}

// lookupUser resolves the user behind a grant for the fhirUser claim. Token
// requests proceed without the claim when the record has gone missing.
func (s *Server) lookupUser(c echo.Context, username string) *UserInfo {
	if username == "" {
		return nil
	}
	user, err := s.users.Lookup(c.Request().Context(), username)
	if err != nil {
		s.logger.Warn().Err(err).Str("username", username).Msg("token mint could not resolve user")
		return nil
	}
	return user
}

// issueTokens mints the access token (plus refresh and ID tokens where
// granted), persists them on the record and builds the RFC 6749 response
// body. The patient claim comes from the record's attributes, never from a
// session.
func (s *Server) issueTokens(c echo.Context, rec *Record, user *UserInfo, scopes []string) (map[string]interface{}, *OAuthError) {
	ctx := c.Request().Context()
	now := time.Now()

	subject := rec.Username
	if subject == "" {
		subject = rec.ClientID
	}
	patient := strings.TrimPrefix(rec.Attributes[AttrPatientID], "Patient/")
	fhirUser := ""
	if user != nil {
		fhirUser = user.FHIRUser
	}
	// A patient-role user is their own context when the picker set none.
	if patient == "" && strings.HasPrefix(fhirUser, "Patient/") {
		patient = strings.TrimPrefix(fhirUser, "Patient/")
	}

	claims := &TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{rec.ClientID},
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
		Scope:     strings.Join(scopes, " "),
		TokenType: "Bearer",
		ClientID:  rec.ClientID,
		Patient:   patient,
		FHIRUser:  fhirUser,
	}
	access, err := s.keys.Sign(ctx, claims)
	if err != nil {
		s.logger.Error().Err(err).Msg("sign access token")
		return nil, oauthErr(ErrCodeServerError, "token signing failed")
	}

	rec.GrantedScopes = scopes
	rec.AccessToken = access
	rec.AccessExpiresAt = now.Add(s.accessTTL)
	rec.Status = StatusTokenIssued

	body := map[string]interface{}{
		"access_token": access,
		"token_type":   "Bearer",
		"expires_in":   int(s.accessTTL.Seconds()),
		"scope":        strings.Join(scopes, " "),
	}

	if ContainsScope(scopes, "offline_access") && rec.GrantType == GrantAuthorizationCode {
		refresh, rerr := randomToken(32)
		if rerr != nil {
			return nil, oauthErr(ErrCodeServerError, "refresh token generation failed")
		}
		rec.RefreshToken = refresh
		if rec.RefreshExpiresAt.IsZero() {
			rec.RefreshExpiresAt = now.Add(s.refreshTTL)
		}
		body["refresh_token"] = refresh
	}

	if ContainsScope(scopes, "openid") && rec.Username != "" {
		idClaims := &TokenClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    s.issuer,
				Subject:   rec.Username,
				Audience:  jwt.ClaimStrings{rec.ClientID},
				ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
				IssuedAt:  jwt.NewNumericDate(now),
			},
			FHIRUser: fhirUser,
		}
		idToken, ierr := s.keys.Sign(ctx, idClaims)
		if ierr != nil {
			return nil, oauthErr(ErrCodeServerError, "token signing failed")
		}
		body["id_token"] = idToken
	}

	if err := s.records.Save(ctx, rec); err != nil {
		s.logger.Error().Err(err).Msg("save token record")
		return nil, oauthErr(ErrCodeServerError, "token persistence failed")
	}

	s.logger.Info().
		Str("client_id", rec.ClientID).
		Str("grant_type", rec.GrantType).
		Str("sub", subject).
		Bool("patient_context", patient != "").
		Msg("token issued")
	return body, nil
}

// Introspect implements RFC 7662 for confidential clients.
func (s *Server) Introspect(c echo.Context) error {
	client, oerr := s.authenticateClient(c)
	if oerr != nil || !client.Confidential() {
		c.Response().Header().Set("WWW-Authenticate", `Basic realm="oauth2"`)
		return c.JSON(http.StatusUnauthorized, oauthErr(ErrCodeInvalidClient, "introspection requires a confidential client"))
	}

	ctx := c.Request().Context()
	token := c.FormValue("token")

	rec, err := s.records.FindByAccessToken(ctx, token)
	expiry := time.Time{}
	if err == nil {
		expiry = rec.AccessExpiresAt
	} else {
		rec, err = s.records.FindByRefreshToken(ctx, token)
		if err == nil {
			expiry = rec.RefreshExpiresAt
		}
	}
	if err != nil || rec.Status != StatusTokenIssued || time.Now().After(expiry) {
		return c.JSON(http.StatusOK, map[string]interface{}{"active": false})
	}

	sub := rec.Username
	if sub == "" {
		sub = rec.ClientID
	}
	resp := map[string]interface{}{
		"active":     true,
		"scope":      strings.Join(rec.GrantedScopes, " "),
		"client_id":  rec.ClientID,
		"sub":        sub,
		"username":   rec.Username,
		"token_type": "Bearer",
		"exp":        expiry.Unix(),
		"iat":        rec.CreatedAt.Unix(),
		"iss":        s.issuer,
	}
	if pid := strings.TrimPrefix(rec.Attributes[AttrPatientID], "Patient/"); pid != "" {
		resp["patient"] = pid
	}
	return c.JSON(http.StatusOK, resp)
}

// Revoke implements RFC 7009. Per the RFC the endpoint answers 200 whether or
// not the token was known; revoking either token retires the whole grant.
func (s *Server) Revoke(c echo.Context) error {
	client, oerr := s.authenticateClient(c)
	if oerr != nil {
		c.Response().Header().Set("WWW-Authenticate", `Basic realm="oauth2"`)
		return c.JSON(http.StatusUnauthorized, oerr)
	}

	ctx := c.Request().Context()
	token := c.FormValue("token")

	rec, err := s.records.FindByAccessToken(ctx, token)
	if err != nil {
		rec, err = s.records.FindByRefreshToken(ctx, token)
	}
	if err == nil && rec.ClientID == client.ID {
		s.records.Remove(ctx, rec.ID)
		s.logger.Info().Str("client_id", client.ID).Msg("token revoked")
	}
	return c.NoContent(http.StatusOK)
}

// JWKS serves the public signing keys.
func (s *Server) JWKS(c echo.Context) error {
	s.keys.EnsurePersisted(c.Request().Context())
	return c.JSON(http.StatusOK, s.keys.PublicJWKS())
}

// UserInfo returns the OpenID Connect claims for the bearer token's user.
func (s *Server) UserInfo(c echo.Context) error {
	claims, err := s.verifyBearer(c)
	if err != nil {
		c.Response().Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		return c.JSON(http.StatusUnauthorized, oauthErr(ErrCodeInvalidRequest, "invalid bearer token"))
	}
	resp := map[string]interface{}{"sub": claims.Subject}
	if claims.FHIRUser != "" {
		resp["fhirUser"] = claims.FHIRUser
	}
	if claims.Patient != "" {
		resp["patient"] = claims.Patient
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) verifyBearer(c echo.Context) (*TokenClaims, error) {
	header := c.Request().Header.Get("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return nil, errors.New("missing bearer token")
	}
	claims := &TokenClaims{}
	token, err := jwt.ParseWithClaims(parts[1], claims, s.keys.Keyfunc,
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithIssuer(s.issuer),
	)
	if err != nil || !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}
