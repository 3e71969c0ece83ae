package identity

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func newTestHandler() (*Handler, *mockRepo, *echo.Echo) {
	svc, repo := newTestService()
	return NewHandler(svc), repo, echo.New()
}

func TestHandler_CreateUser(t *testing.T) {
	h, repo, e := newTestHandler()

	body := `{"username":"admin","password":"password123","role":"admin"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/users", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.CreateUser(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}

	var got map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("response does not parse: %v", err)
	}
	if got["username"] != "admin" || got["role"] != "admin" {
		t.Errorf("unexpected response %v", got)
	}
	hash := repo.users["admin"].PasswordHash
	if strings.Contains(rec.Body.String(), hash) || strings.Contains(rec.Body.String(), "password123") {
		t.Error("response leaks password material")
	}
}

func TestHandler_CreateUser_Duplicate(t *testing.T) {
	h, _, e := newTestHandler()

	body := `{"username":"dup","password":"password123","role":"admin"}`
	for i, want := range []int{http.StatusCreated, http.StatusConflict} {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/users", strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)

		err := h.CreateUser(c)
		switch {
		case want == http.StatusCreated && err != nil:
			t.Fatalf("attempt %d: unexpected error: %v", i, err)
		case want == http.StatusConflict:
			var he *echo.HTTPError
			if !errors.As(err, &he) || he.Code != http.StatusConflict {
				t.Errorf("attempt %d: expected a 409, got %v", i, err)
			}
		}
	}
}

func TestHandler_CreateUser_BadRole(t *testing.T) {
	h, _, e := newTestHandler()

	body := `{"username":"u","password":"password123","role":"superuser"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/users", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := h.CreateUser(c)
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusBadRequest {
		t.Errorf("expected a 400, got %v", err)
	}
}

func TestHandler_GetUser(t *testing.T) {
	h, repo, e := newTestHandler()
	if err := repo.Create(context.Background(), &User{
		Username: "fhiruser", PasswordHash: "$2a$10$secret", Role: RoleSMARTUser,
		FHIRUser: "Patient/example", Status: StatusActive, AuthMethod: AuthMethodLocal,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/users/fhiruser", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("username")
	c.SetParamValues("fhiruser")

	if err := h.GetUser(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	var got map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("response does not parse: %v", err)
	}
	if got["fhirUser"] != "Patient/example" {
		t.Errorf("unexpected response %v", got)
	}
	if strings.Contains(rec.Body.String(), "$2a$10$secret") {
		t.Error("response leaks password hash")
	}
}

func TestHandler_GetUser_NotFound(t *testing.T) {
	h, _, e := newTestHandler()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/users/missing", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("username")
	c.SetParamValues("missing")

	err := h.GetUser(c)
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusNotFound {
		t.Errorf("expected a 404, got %v", err)
	}
}

func TestHandler_RegisterRoutes(t *testing.T) {
	h, _, e := newTestHandler()
	h.RegisterRoutes(e.Group("/api/v1"))

	routes := map[string]bool{}
	for _, r := range e.Routes() {
		routes[r.Method+":"+r.Path] = true
	}
	for _, want := range []string{
		"POST:/api/v1/users",
		"GET:/api/v1/users/:username",
	} {
		if !routes[want] {
			t.Errorf("missing route %s", want)
		}
	}
}
