package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/fhirvault/fhirvault/internal/platform/fhir"
)

type contextKey string

const (
	UserIDKey   contextKey = "user_id"
	ClientIDKey contextKey = "client_id"
	ScopesKey   contextKey = "user_scopes"
	PatientKey  contextKey = "patient_context"
	FHIRUserKey contextKey = "fhir_user"
)

func UserIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(UserIDKey).(string)
	return v
}

func ClientIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ClientIDKey).(string)
	return v
}

func ScopesFromContext(ctx context.Context) []string {
	v, _ := ctx.Value(ScopesKey).([]string)
	return v
}

// PatientFromContext returns the patient id bound to the access token, if the
// authorization flow established one.
func PatientFromContext(ctx context.Context) string {
	v, _ := ctx.Value(PatientKey).(string)
	return v
}

func FHIRUserFromContext(ctx context.Context) string {
	v, _ := ctx.Value(FHIRUserKey).(string)
	return v
}

// JWTMiddleware validates locally issued RS256 bearer tokens and exposes the
// subject, client, scopes and patient context to downstream handlers.
func JWTMiddleware(keys *KeyManager, issuer string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get("Authorization")
			if header == "" {
				return unauthorized(c, "missing authorization header")
			}
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				return unauthorized(c, "authorization header is not a bearer token")
			}

			claims := &TokenClaims{}
			token, err := jwt.ParseWithClaims(parts[1], claims, keys.Keyfunc,
				jwt.WithValidMethods([]string{"RS256"}),
				jwt.WithIssuer(issuer),
			)
			if err != nil || !token.Valid {
				return unauthorized(c, "invalid or expired token")
			}

			c.Set("user_id", claims.Subject)
			c.Set("client_id", claims.ClientID)

			ctx := c.Request().Context()
			ctx = context.WithValue(ctx, UserIDKey, claims.Subject)
			ctx = context.WithValue(ctx, ClientIDKey, claims.ClientID)
			ctx = context.WithValue(ctx, ScopesKey, SplitScopes(claims.Scope))
			ctx = context.WithValue(ctx, PatientKey, claims.Patient)
			ctx = context.WithValue(ctx, FHIRUserKey, claims.FHIRUser)
			c.SetRequest(c.Request().WithContext(ctx))

			return next(c)
		}
	}
}

func unauthorized(c echo.Context, diagnostics string) error {
	c.Response().Header().Set("WWW-Authenticate", `Bearer realm="fhir"`)
	c.Response().Header().Set(echo.HeaderContentType, fhir.MIMEFHIRJSON)
	return c.JSON(http.StatusUnauthorized, fhir.SecurityOutcome(diagnostics))
}

// ScopeMiddleware enforces SMART resource scopes on the FHIR API. The
// resource type comes from the path, the operation from the method. Requests
// whose only matching grants are patient-context scopes are additionally
// pinned to the token's patient compartment.
func ScopeMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			path := c.Request().URL.Path
			if scopeExemptPath(path) {
				return next(c)
			}

			ctx := c.Request().Context()
			scopes := ParseSMARTScopes(ScopesFromContext(ctx))
			operation := methodToOperation(c.Request().Method, path)

			resourceType := pathResourceType(path)
			if resourceType == "" {
				// System-level request (transaction bundle): only wildcard
				// grants qualify.
				resourceType = "*"
			}

			contexts := scopeContextsAllowing(scopes, resourceType, operation)
			if len(contexts) == 0 {
				return scopeForbidden(c, resourceType, operation)
			}

			// Patient-limited tokens stay inside their compartment.
			patient := PatientFromContext(ctx)
			patientOnly := contexts[ScopeContextPatient] && !contexts[ScopeContextUser] && !contexts[ScopeContextSystem]
			if patientOnly && patient != "" && resourceType == "Patient" {
				if id := pathResourceID(path); id != "" && id != patient {
					return scopeForbidden(c, resourceType, operation)
				}
			}

			return next(c)
		}
	}
}

func scopeExemptPath(path string) bool {
	p := strings.TrimRight(path, "/")
	if p == "/fhir/metadata" {
		return true
	}
	return p == "/fhir/.well-known" || strings.HasPrefix(p, "/fhir/.well-known/")
}

// pathResourceType extracts the type segment from /fhir/<Type>/... paths.
func pathResourceType(path string) string {
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(parts) < 2 || parts[0] != "fhir" {
		return ""
	}
	candidate := parts[1]
	if candidate == "" || candidate == "metadata" ||
		strings.HasPrefix(candidate, "$") || strings.HasPrefix(candidate, ".") ||
		strings.HasPrefix(candidate, "_") {
		return ""
	}
	return candidate
}

// pathResourceID extracts the id segment from /fhir/<Type>/<id> paths,
// skipping interaction segments like _search and _history.
func pathResourceID(path string) string {
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(parts) < 3 || parts[0] != "fhir" {
		return ""
	}
	id := parts[2]
	if id == "" || strings.HasPrefix(id, "_") || strings.HasPrefix(id, "$") {
		return ""
	}
	return id
}

// methodToOperation maps the request to a scope operation. POST is a read
// when it targets _search, a write otherwise.
func methodToOperation(method, path string) string {
	switch method {
	case http.MethodGet, http.MethodHead:
		return "read"
	case http.MethodPost:
		if strings.HasSuffix(path, "/_search") {
			return "read"
		}
		return "write"
	case http.MethodPut, http.MethodPatch, http.MethodDelete:
		return "write"
	default:
		return "read"
	}
}

func scopeForbidden(c echo.Context, resourceType, operation string) error {
	c.Response().Header().Set(echo.HeaderContentType, fhir.MIMEFHIRJSON)
	return c.JSON(http.StatusForbidden,
		fhir.SecurityOutcome(fmt.Sprintf("insufficient scope: %s.%s access is not granted", resourceType, operation)))
}

// RequireSystemScope guards the admin API: only tokens carrying a system or
// user wildcard write grant pass.
func RequireSystemScope() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			scopes := ParseSMARTScopes(ScopesFromContext(c.Request().Context()))
			for _, s := range scopes {
				if s.Context == ScopeContextPatient {
					continue
				}
				if s.ResourceType == "*" && operationAllows(s.Operation, "write") {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden, "administrative scope required")
		}
	}
}
