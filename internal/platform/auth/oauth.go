package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// OAuthError is an RFC 6749 error response. Handlers either serialize it as
// JSON or fold it into an error redirect, depending on where the flow failed.
type OAuthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func (e *OAuthError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func oauthErr(code, description string) *OAuthError {
	return &OAuthError{Code: code, Description: description}
}

// Standard OAuth 2.0 error codes used by the server.
const (
	ErrCodeInvalidRequest       = "invalid_request"
	ErrCodeInvalidClient        = "invalid_client"
	ErrCodeInvalidGrant         = "invalid_grant"
	ErrCodeInvalidScope         = "invalid_scope"
	ErrCodeUnauthorizedClient   = "unauthorized_client"
	ErrCodeUnsupportedGrant     = "unsupported_grant_type"
	ErrCodeUnsupportedResponse  = "unsupported_response_type"
	ErrCodeAccessDenied         = "access_denied"
	ErrCodeServerError          = "server_error"
)

// randomToken returns a cryptographically random hex string of n bytes.
func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// VerifyPKCE checks an S256 code_verifier against the recorded challenge.
func VerifyPKCE(verifier, challenge string) bool {
	hash := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(hash[:])
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

// HashClientSecret hashes a client secret for storage.
func HashClientSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// VerifyClientSecret compares a presented secret against a stored hash in
// constant time.
func VerifyClientSecret(hash, secret string) bool {
	computed := HashClientSecret(secret)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(hash)) == 1
}

// ContainsScope reports whether a scope list contains the exact scope.
func ContainsScope(scopes []string, target string) bool {
	for _, s := range scopes {
		if s == target {
			return true
		}
	}
	return false
}

// SplitScopes splits a space-separated scope string into its fields.
func SplitScopes(scope string) []string {
	return strings.Fields(scope)
}

// validRedirectURI reports whether uri is registered for the client. Exact
// string match only, per the SMART App Launch security requirements.
func validRedirectURI(registered []string, uri string) bool {
	for _, r := range registered {
		if r == uri {
			return true
		}
	}
	return false
}
