package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func mintAccessToken(t *testing.T, km *KeyManager, mutate func(*TokenClaims)) string {
	t.Helper()
	claims := &TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Subject:   "dr-jones",
			Audience:  jwt.ClaimStrings{"growth-chart"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Scope:     "patient/*.rs",
		TokenType: "Bearer",
		ClientID:  "growth-chart",
		Patient:   "example",
		FHIRUser:  "Practitioner/dr-jones",
	}
	if mutate != nil {
		mutate(claims)
	}
	signed, err := km.Sign(context.Background(), claims)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestJWTMiddleware(t *testing.T) {
	km := NewKeyManager(newMemConfigStore(), zerolog.Nop())
	if err := km.Init(context.Background()); err != nil {
		t.Fatalf("key init: %v", err)
	}
	foreign := NewKeyManager(newMemConfigStore(), zerolog.Nop())
	if err := foreign.Init(context.Background()); err != nil {
		t.Fatalf("foreign key init: %v", err)
	}

	e := echo.New()
	g := e.Group("/fhir", JWTMiddleware(km, testIssuer))
	g.GET("/whoami", func(c echo.Context) error {
		ctx := c.Request().Context()
		return c.JSON(http.StatusOK, map[string]interface{}{
			"user":     UserIDFromContext(ctx),
			"client":   ClientIDFromContext(ctx),
			"patient":  PatientFromContext(ctx),
			"fhirUser": FHIRUserFromContext(ctx),
			"scopes":   ScopesFromContext(ctx),
		})
	})

	t.Run("valid token populates the request context", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/fhir/whoami", nil)
		req.Header.Set("Authorization", "Bearer "+mintAccessToken(t, km, nil))
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
		}
		var got map[string]interface{}
		json.Unmarshal(rec.Body.Bytes(), &got)
		if got["user"] != "dr-jones" || got["client"] != "growth-chart" {
			t.Errorf("principal = %v / %v", got["user"], got["client"])
		}
		if got["patient"] != "example" || got["fhirUser"] != "Practitioner/dr-jones" {
			t.Errorf("context = %v / %v", got["patient"], got["fhirUser"])
		}
	})

	rejections := []struct {
		name  string
		token string
	}{
		{"expired token", mintAccessToken(t, km, func(c *TokenClaims) {
			c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
		})},
		{"wrong issuer", mintAccessToken(t, km, func(c *TokenClaims) {
			c.Issuer = "https://other.example.com"
		})},
		{"foreign signing key", mintAccessToken(t, foreign, nil)},
		{"garbage", "not-a-jwt"},
	}
	for _, tt := range rejections {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/fhir/whoami", nil)
			req.Header.Set("Authorization", "Bearer "+tt.token)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status %d, want 401", rec.Code)
			}
			if rec.Header().Get("WWW-Authenticate") == "" {
				t.Error("401 without WWW-Authenticate header")
			}
			var outcome map[string]interface{}
			if err := json.Unmarshal(rec.Body.Bytes(), &outcome); err != nil {
				t.Fatalf("body is not JSON: %v", err)
			}
			if outcome["resourceType"] != "OperationOutcome" {
				t.Errorf("body resourceType = %v, want OperationOutcome", outcome["resourceType"])
			}
		})
	}

	t.Run("missing header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/fhir/whoami", nil)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status %d, want 401", rec.Code)
		}
	})

	t.Run("basic auth is not a bearer token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/fhir/whoami", nil)
		req.SetBasicAuth("dr-jones", "pw")
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status %d, want 401", rec.Code)
		}
	})
}

func injectTokenContext(scopes []string, patient string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			ctx = context.WithValue(ctx, ScopesKey, scopes)
			if patient != "" {
				ctx = context.WithValue(ctx, PatientKey, patient)
			}
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

func TestScopeMiddleware(t *testing.T) {
	ok := func(c echo.Context) error { return c.NoContent(http.StatusOK) }

	newServer := func(scopes []string, patient string) *echo.Echo {
		e := echo.New()
		g := e.Group("/fhir", injectTokenContext(scopes, patient), ScopeMiddleware())
		g.POST("", ok)
		g.GET("/metadata", ok)
		g.GET("/.well-known/smart-configuration", ok)
		g.GET("/:type", ok)
		g.POST("/:type", ok)
		g.POST("/:type/_search", ok)
		g.GET("/:type/:id", ok)
		g.PUT("/:type/:id", ok)
		g.DELETE("/:type/:id", ok)
		return e
	}

	tests := []struct {
		name    string
		method  string
		path    string
		scopes  []string
		patient string
		want    int
	}{
		{"patient wildcard read", http.MethodGet, "/fhir/Observation", []string{"patient/*.rs"}, "example", http.StatusOK},
		{"own patient record", http.MethodGet, "/fhir/Patient/example", []string{"patient/*.rs"}, "example", http.StatusOK},
		{"other patient record", http.MethodGet, "/fhir/Patient/other", []string{"patient/*.rs"}, "example", http.StatusForbidden},
		{"user context is not compartment-pinned", http.MethodGet, "/fhir/Patient/other", []string{"user/*.rs"}, "example", http.StatusOK},
		{"read-only scope rejects writes", http.MethodPut, "/fhir/Patient/example", []string{"patient/*.rs"}, "example", http.StatusForbidden},
		{"v2 write letters allow update", http.MethodPut, "/fhir/Patient/example", []string{"patient/Patient.cud"}, "example", http.StatusOK},
		{"v1 write allows delete", http.MethodDelete, "/fhir/Observation/o1", []string{"user/Observation.write"}, "", http.StatusOK},
		{"search via POST is a read", http.MethodPost, "/fhir/Observation/_search", []string{"patient/Observation.r"}, "example", http.StatusOK},
		{"scope for another type", http.MethodGet, "/fhir/Observation", []string{"patient/Patient.rs"}, "example", http.StatusForbidden},
		{"transaction needs a wildcard write", http.MethodPost, "/fhir", []string{"patient/*.rs"}, "example", http.StatusForbidden},
		{"system wildcard covers transactions", http.MethodPost, "/fhir", []string{"system/*.*"}, "", http.StatusOK},
		{"no scopes at all", http.MethodGet, "/fhir/Observation", nil, "", http.StatusForbidden},
		{"metadata is exempt", http.MethodGet, "/fhir/metadata", nil, "", http.StatusOK},
		{"smart configuration is exempt", http.MethodGet, "/fhir/.well-known/smart-configuration", nil, "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newServer(tt.scopes, tt.patient)
			req := httptest.NewRequest(tt.method, tt.path, nil)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status %d, want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
			if tt.want == http.StatusForbidden {
				var outcome map[string]interface{}
				if err := json.Unmarshal(rec.Body.Bytes(), &outcome); err != nil {
					t.Fatalf("403 body is not JSON: %v", err)
				}
				if outcome["resourceType"] != "OperationOutcome" {
					t.Errorf("403 body resourceType = %v", outcome["resourceType"])
				}
			}
		})
	}
}

func TestRequireSystemScope(t *testing.T) {
	ok := func(c echo.Context) error { return c.NoContent(http.StatusOK) }

	tests := []struct {
		name   string
		scopes []string
		want   int
	}{
		{"system wildcard", []string{"system/*.*"}, http.StatusOK},
		{"user wildcard", []string{"user/*.*"}, http.StatusOK},
		{"system v2 letters", []string{"system/*.cruds"}, http.StatusOK},
		{"patient wildcard", []string{"patient/*.*"}, http.StatusForbidden},
		{"system single type", []string{"system/Patient.*"}, http.StatusForbidden},
		{"system read-only", []string{"system/*.rs"}, http.StatusForbidden},
		{"no scopes", nil, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			g := e.Group("/api/v1", injectTokenContext(tt.scopes, ""), RequireSystemScope())
			g.GET("/users", ok)
			req := httptest.NewRequest(http.MethodGet, "/api/v1/users", nil)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status %d, want %d", rec.Code, tt.want)
			}
		})
	}
}
