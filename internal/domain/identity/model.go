package identity

import (
	"errors"
	"time"
)

// Roles assignable to users. Admin API access requires RoleAdmin or
// RoleDeveloper; the others exist for SMART app end users.
const (
	RoleAdmin        = "admin"
	RoleDeveloper    = "developer"
	RolePractitioner = "practitioner"
	RolePatient      = "patient"
	RoleSMARTUser    = "smart_user"
)

const (
	StatusActive   = "active"
	StatusDisabled = "disabled"
)

// AuthMethodLocal marks users who authenticate against a locally stored
// bcrypt hash. Federated methods would carry their own value.
const AuthMethodLocal = "local"

var (
	ErrNotFound           = errors.New("user not found")
	ErrDuplicateUser      = errors.New("username already taken")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// User maps to the admin.users table. The password hash never leaves the
// server in API responses.
type User struct {
	Username     string    `db:"username" json:"username"`
	PasswordHash string    `db:"password_hash" json:"-"`
	Role         string    `db:"role" json:"role"`
	FHIRUser     string    `db:"fhir_user" json:"fhirUser,omitempty"`
	Status       string    `db:"status" json:"status"`
	AuthMethod   string    `db:"auth_method" json:"authMethod"`
	CreatedAt    time.Time `db:"created_at" json:"createdAt"`
}

var roles = map[string]bool{
	RoleAdmin:        true,
	RoleDeveloper:    true,
	RolePractitioner: true,
	RolePatient:      true,
	RoleSMARTUser:    true,
}

func ValidRole(role string) bool {
	return roles[role]
}
