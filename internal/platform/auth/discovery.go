package auth

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

var supportedScopes = []string{
	"openid", "profile", "fhirUser",
	"launch/patient", "offline_access", "online_access",
	"patient/*.read", "patient/*.write", "patient/*.*",
	"user/*.read", "user/*.write", "user/*.*",
	"system/*.*",
}

// Metadata serves RFC 8414 authorization-server metadata.
func (s *Server) Metadata(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"issuer":                                s.issuer,
		"authorization_endpoint":                s.issuer + "/oauth2/authorize",
		"token_endpoint":                        s.issuer + "/oauth2/token",
		"jwks_uri":                              s.issuer + "/oauth2/jwks",
		"userinfo_endpoint":                     s.issuer + "/oauth2/userinfo",
		"introspection_endpoint":                s.issuer + "/oauth2/introspect",
		"revocation_endpoint":                   s.issuer + "/oauth2/revoke",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{GrantAuthorizationCode, GrantRefreshToken, GrantClientCredentials},
		"code_challenge_methods_supported":      []string{"S256"},
		"scopes_supported":                      supportedScopes,
		"token_endpoint_auth_methods_supported": []string{"client_secret_basic", "client_secret_post", "none"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
	})
}

// SMARTConfiguration serves the SMART App Launch discovery document, both at
// the server root and under /fhir for clients that resolve it against the
// FHIR base URL.
func (s *Server) SMARTConfiguration(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"issuer":                           s.issuer,
		"authorization_endpoint":           s.issuer + "/oauth2/authorize",
		"token_endpoint":                   s.issuer + "/oauth2/token",
		"jwks_uri":                         s.issuer + "/oauth2/jwks",
		"introspection_endpoint":           s.issuer + "/oauth2/introspect",
		"revocation_endpoint":              s.issuer + "/oauth2/revoke",
		"userinfo_endpoint":                s.issuer + "/oauth2/userinfo",
		"response_types_supported":         []string{"code"},
		"grant_types_supported":            []string{GrantAuthorizationCode, GrantRefreshToken, GrantClientCredentials},
		"code_challenge_methods_supported": []string{"S256"},
		"scopes_supported":                 supportedScopes,
		"token_endpoint_auth_methods_supported": []string{
			"client_secret_basic", "client_secret_post", "none",
		},
		"capabilities": []string{
			"launch-standalone",
			"client-public",
			"client-confidential-symmetric",
			"context-standalone-patient",
			"permission-patient",
			"permission-user",
			"permission-offline",
			"permission-v2",
			"sso-openid-connect",
		},
	})
}
