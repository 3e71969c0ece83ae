package identity

import "context"

type Repository interface {
	Create(ctx context.Context, u *User) error
	Get(ctx context.Context, username string) (*User, error)
}
