package resources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fhirvault/fhirvault/internal/platform/db"
	"github.com/fhirvault/fhirvault/internal/platform/fhir"
)

const (
	versionsTable   = "resources.versions"
	tombstonesTable = "resources.tombstones"

	uniqueViolation = "23505"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.QuerierFromContext(ctx, r.pool)
}

// tableFor resolves the schema-qualified collection table for a type. Table
// names come from the registry, so building SQL with them is safe.
func tableFor(resourceType string) string {
	table, _ := CollectionFor(resourceType)
	return "resources." + table
}

func (r *repoPG) Get(ctx context.Context, resourceType, id string) (json.RawMessage, error) {
	return r.getDoc(ctx, resourceType, id, "")
}

func (r *repoPG) GetForUpdate(ctx context.Context, resourceType, id string) (json.RawMessage, error) {
	return r.getDoc(ctx, resourceType, id, " FOR UPDATE")
}

func (r *repoPG) getDoc(ctx context.Context, resourceType, id, lock string) (json.RawMessage, error) {
	key := fhir.Key(resourceType, id)
	var doc []byte
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT doc FROM `+tableFor(resourceType)+` WHERE key = $1`+lock, key,
	).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return doc, nil
}

func (r *repoPG) MultiGet(ctx context.Context, resourceType string, keys []string) ([]json.RawMessage, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT key, doc FROM `+tableFor(resourceType)+` WHERE key = ANY($1)`, keys)
	if err != nil {
		return nil, fmt.Errorf("multi-get %s: %w", resourceType, err)
	}
	defer rows.Close()

	byKey := make(map[string]json.RawMessage, len(keys))
	for rows.Next() {
		var key string
		var doc []byte
		if err := rows.Scan(&key, &doc); err != nil {
			return nil, fmt.Errorf("multi-get %s: %w", resourceType, err)
		}
		byKey[key] = doc
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("multi-get %s: %w", resourceType, err)
	}

	// Input order, minus keys deleted between the index hit and this fetch.
	docs := make([]json.RawMessage, 0, len(byKey))
	for _, key := range keys {
		if doc, ok := byKey[key]; ok {
			docs = append(docs, doc)
		}
	}
	return docs, nil
}

func (r *repoPG) Replace(ctx context.Context, resourceType, id string, doc json.RawMessage) error {
	key := fhir.Key(resourceType, id)
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO `+tableFor(resourceType)+` (key, resource_type, doc, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (key) DO UPDATE SET doc = EXCLUDED.doc, updated_at = now()`,
		key, resourceType, doc,
	)
	if err != nil {
		return fmt.Errorf("replace %s: %w", key, err)
	}
	return nil
}

func (r *repoPG) SnapshotVersion(ctx context.Context, resourceType, id string, version int, doc json.RawMessage) error {
	key := fhir.VersionKey(resourceType, id, version)
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO `+versionsTable+` (key, resource_type, doc)
		VALUES ($1, $2, $3)`,
		key, resourceType, doc,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("snapshot %s already written: %w", key, ErrVersionConflict)
	}
	if err != nil {
		return fmt.Errorf("snapshot %s: %w", key, err)
	}
	return nil
}

func (r *repoPG) DeleteCurrent(ctx context.Context, resourceType, id string) error {
	key := fhir.Key(resourceType, id)
	_, err := r.conn(ctx).Exec(ctx,
		`DELETE FROM `+tableFor(resourceType)+` WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (r *repoPG) Tombstone(ctx context.Context, resourceType, id string) (*Tombstone, error) {
	key := fhir.Key(resourceType, id)
	ts := Tombstone{Key: key}
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT deleted_at FROM `+tombstonesTable+` WHERE key = $1`, key,
	).Scan(&ts.DeletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("tombstone %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("tombstone %s: %w", key, err)
	}
	return &ts, nil
}

func (r *repoPG) InsertTombstone(ctx context.Context, resourceType, id string) error {
	key := fhir.Key(resourceType, id)
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO `+tombstonesTable+` (key, resource_type, deleted_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO NOTHING`,
		key, resourceType,
	)
	if err != nil {
		return fmt.Errorf("tombstone %s: %w", key, err)
	}
	return nil
}

func (r *repoPG) GetVersion(ctx context.Context, resourceType, id string, version int) (json.RawMessage, error) {
	key := fhir.VersionKey(resourceType, id, version)
	var doc []byte
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT doc FROM `+versionsTable+` WHERE key = $1`, key,
	).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get version %s: %w", key, err)
	}
	return doc, nil
}

func (r *repoPG) ListVersions(ctx context.Context, resourceType, id string) ([]Version, error) {
	prefix := fhir.Key(resourceType, id) + "/"
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT key, doc, created_at FROM `+versionsTable+`
		WHERE key LIKE $1 || '%'
		ORDER BY (doc#>>'{meta,versionId}')::int NULLS FIRST, created_at`,
		prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("list versions %s/%s: %w", resourceType, id, err)
	}
	defer rows.Close()

	var versions []Version
	for rows.Next() {
		var v Version
		var doc []byte
		var createdAt time.Time
		if err := rows.Scan(&v.Key, &doc, &createdAt); err != nil {
			return nil, fmt.Errorf("list versions %s/%s: %w", resourceType, id, err)
		}
		v.Doc = doc
		v.CreatedAt = createdAt
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list versions %s/%s: %w", resourceType, id, err)
	}
	return versions, nil
}
