package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/fhirvault/fhirvault/internal/platform/fhir"
)

type Service struct {
	repo   Repository
	logger zerolog.Logger
}

func NewService(repo Repository, logger zerolog.Logger) *Service {
	return &Service{repo: repo, logger: logger.With().Str("component", "identity").Logger()}
}

// CreateParams carries the fields accepted when registering a user. The
// password arrives in clear and is hashed before it touches the repository.
type CreateParams struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
	FHIRUser string `json:"fhirUser"`
}

func (s *Service) Create(ctx context.Context, p CreateParams) (*User, error) {
	if strings.TrimSpace(p.Username) == "" {
		return nil, fmt.Errorf("username is required")
	}
	if len(p.Password) < 8 {
		return nil, fmt.Errorf("password must be at least 8 characters")
	}
	if !ValidRole(p.Role) {
		return nil, fmt.Errorf("unknown role %q", p.Role)
	}
	if p.FHIRUser != "" {
		resourceType, id, ok := fhir.SplitKey(p.FHIRUser)
		if !ok || !fhir.IsKnownType(resourceType) || !fhir.IsValidID(id) {
			return nil, fmt.Errorf("fhirUser must be a Type/id reference")
		}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(p.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	u := &User{
		Username:     p.Username,
		PasswordHash: string(hash),
		Role:         p.Role,
		FHIRUser:     p.FHIRUser,
		Status:       StatusActive,
		AuthMethod:   AuthMethodLocal,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.repo.Create(ctx, u); err != nil {
		return nil, err
	}
	s.logger.Info().Str("username", u.Username).Str("role", u.Role).Msg("user created")
	return u, nil
}

// Authenticate verifies a username/password pair. Unknown users, disabled
// accounts, non-local auth methods and bad passwords all collapse into
// ErrInvalidCredentials so the response never reveals which check failed.
func (s *Service) Authenticate(ctx context.Context, username, password string) (*User, error) {
	u, err := s.repo.Get(ctx, username)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if u.Status != StatusActive || u.AuthMethod != AuthMethodLocal {
		return nil, ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}
	return u, nil
}

func (s *Service) Get(ctx context.Context, username string) (*User, error) {
	return s.repo.Get(ctx, username)
}
