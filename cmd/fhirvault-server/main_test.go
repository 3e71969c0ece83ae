package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/fhirvault/fhirvault/internal/domain/identity"
	"github.com/fhirvault/fhirvault/internal/domain/resources"
	"github.com/fhirvault/fhirvault/internal/platform/auth"
)

type fakeUserRepo struct {
	users map[string]*identity.User
}

func (r *fakeUserRepo) Create(ctx context.Context, u *identity.User) error {
	r.users[u.Username] = u
	return nil
}

func (r *fakeUserRepo) Get(ctx context.Context, username string) (*identity.User, error) {
	u, ok := r.users[username]
	if !ok {
		return nil, identity.ErrNotFound
	}
	return u, nil
}

func TestIdentityProviderAdapter(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("correct horse"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	repo := &fakeUserRepo{users: map[string]*identity.User{
		"dr-jones": {
			Username:     "dr-jones",
			PasswordHash: string(hash),
			Role:         identity.RolePractitioner,
			FHIRUser:     "Practitioner/dr-jones",
			Status:       identity.StatusActive,
			AuthMethod:   identity.AuthMethodLocal,
		},
	}}
	p := &identityProvider{svc: identity.NewService(repo, zerolog.Nop())}

	info, err := p.Authenticate(context.Background(), "dr-jones", "correct horse")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.Username != "dr-jones" || info.Role != identity.RolePractitioner || info.FHIRUser != "Practitioner/dr-jones" {
		t.Errorf("unexpected user info: %+v", info)
	}

	if _, err := p.Authenticate(context.Background(), "dr-jones", "wrong"); !errors.Is(err, identity.ErrInvalidCredentials) {
		t.Errorf("expected ErrInvalidCredentials, got %v", err)
	}

	info, err = p.Lookup(context.Background(), "dr-jones")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.FHIRUser != "Practitioner/dr-jones" {
		t.Errorf("Lookup fhirUser = %q", info.FHIRUser)
	}

	if _, err := p.Lookup(context.Background(), "nobody"); !errors.Is(err, identity.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestActorContext(t *testing.T) {
	tests := []struct {
		name      string
		userID    string
		clientID  string
		wantActor string
	}{
		{"user takes precedence", "dr-jones", "growth-chart", "dr-jones"},
		{"client credentials fall back to client id", "", "admin-ui", "admin-ui"},
		{"unauthenticated stays system", "", "", "system"},
	}

	e := echo.New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			ctx := req.Context()
			if tt.userID != "" {
				ctx = context.WithValue(ctx, auth.UserIDKey, tt.userID)
			}
			if tt.clientID != "" {
				ctx = context.WithValue(ctx, auth.ClientIDKey, tt.clientID)
			}
			req = req.WithContext(ctx)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			var got string
			handler := actorContext()(func(c echo.Context) error {
				got = resources.ActorFromContext(c.Request().Context())
				return nil
			})
			if err := handler(c); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.wantActor {
				t.Errorf("actor = %q, want %q", got, tt.wantActor)
			}
		})
	}
}
