package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fhirvault/fhirvault/internal/platform/db"
)

const uniqueViolation = "23505"

type clientRepoPG struct {
	pool *pgxpool.Pool
}

// NewClientRepo returns a ClientRepository backed by admin.oauth_clients.
func NewClientRepo(pool *pgxpool.Pool) ClientRepository {
	return &clientRepoPG{pool: pool}
}

func (r *clientRepoPG) conn(ctx context.Context) db.Querier {
	return db.QuerierFromContext(ctx, r.pool)
}

func (r *clientRepoPG) FindByID(ctx context.Context, clientID string) (*Client, error) {
	var c Client
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT client_id, client_name, secret_hash, redirect_uris, scopes, grant_types, public, created_at
		FROM admin.oauth_clients WHERE client_id = $1`, clientID,
	).Scan(&c.ID, &c.Name, &c.SecretHash, &c.RedirectURIs, &c.Scopes, &c.GrantTypes, &c.Public, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", clientID, ErrClientNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get oauth client %s: %w", clientID, err)
	}
	return &c, nil
}

func (r *clientRepoPG) Create(ctx context.Context, c *Client) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO admin.oauth_clients (client_id, client_name, secret_hash, redirect_uris, scopes, grant_types, public, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		c.ID, c.Name, c.SecretHash, c.RedirectURIs, c.Scopes, c.GrantTypes, c.Public, c.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w", c.ID, ErrDuplicateClient)
	}
	if err != nil {
		return fmt.Errorf("create oauth client %s: %w", c.ID, err)
	}
	return nil
}
