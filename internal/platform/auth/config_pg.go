package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fhirvault/fhirvault/internal/platform/db"
)

type configStorePG struct {
	pool *pgxpool.Pool
}

// NewConfigStore returns a ConfigStore backed by admin.config. Values are
// stored as jsonb documents keyed by id.
func NewConfigStore(pool *pgxpool.Pool) ConfigStore {
	return &configStorePG{pool: pool}
}

func (s *configStorePG) conn(ctx context.Context) db.Querier {
	return db.QuerierFromContext(ctx, s.pool)
}

func (s *configStorePG) GetValue(ctx context.Context, id string) (string, error) {
	var value string
	err := s.conn(ctx).QueryRow(ctx,
		`SELECT value::text FROM admin.config WHERE id = $1`, id,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%s: %w", id, ErrConfigNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get config %s: %w", id, err)
	}
	return value, nil
}

func (s *configStorePG) PutValue(ctx context.Context, id, value string) error {
	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO admin.config (id, value, updated_at)
		VALUES ($1, $2::jsonb, now())
		ON CONFLICT (id) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		id, value,
	)
	if err != nil {
		return fmt.Errorf("put config %s: %w", id, err)
	}
	return nil
}
