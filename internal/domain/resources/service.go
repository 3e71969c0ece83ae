package resources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/fhirvault/fhirvault/internal/platform/db"
	"github.com/fhirvault/fhirvault/internal/platform/fhir"
	"github.com/fhirvault/fhirvault/internal/platform/search"
)

// TxRunner executes fn inside a store transaction. When the context already
// carries one, fn joins it and the outer caller commits.
type TxRunner func(ctx context.Context, fn func(ctx context.Context) error) error

// PoolTxRunner backs a TxRunner with the connection pool.
func PoolTxRunner(pool *pgxpool.Pool) TxRunner {
	return func(ctx context.Context, fn func(ctx context.Context) error) error {
		return db.RunInTx(ctx, pool, fn)
	}
}

const defaultStoreTimeout = 30 * time.Second

// Service is the resource pipeline: versioned writes, tombstoning deletes,
// reads, per-resource history, search orchestration and bundle processing.
type Service struct {
	repo    Repository
	search  *search.Service
	pre     *search.Preprocessor
	runTx   TxRunner
	timeout time.Duration
	logger  zerolog.Logger
}

func NewService(repo Repository, searchSvc *search.Service, pre *search.Preprocessor, runTx TxRunner, logger zerolog.Logger) *Service {
	return &Service{
		repo:    repo,
		search:  searchSvc,
		pre:     pre,
		runTx:   runTx,
		timeout: defaultStoreTimeout,
		logger:  logger,
	}
}

// SetStoreTimeout overrides the per-operation store timeout.
func (s *Service) SetStoreTimeout(d time.Duration) {
	s.timeout = d
}

func (s *Service) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// Create stores a new resource under a server-assigned id. A client-supplied
// id is ignored.
func (s *Service) Create(ctx context.Context, resourceType string, doc map[string]interface{}) (*Resource, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if err := s.checkDocType(resourceType, doc); err != nil {
		return nil, err
	}
	id := uuid.NewString()
	fhir.SetDocID(doc, id)
	if issues := fhir.ValidateResource(doc); len(issues) > 0 {
		return nil, &ValidationError{Issues: issues}
	}
	return s.upsert(ctx, resourceType, id, doc)
}

// Put stores the resource under the client-supplied id, creating version 1
// when the id is new and the next version otherwise. A tombstoned id is
// rejected with ErrVersionConflict.
func (s *Service) Put(ctx context.Context, resourceType, id string, doc map[string]interface{}) (*Resource, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if id == "" {
		return nil, invalidf(fhir.IssueTypeRequired, "an id is required for update")
	}
	if !fhir.IsValidID(id) {
		return nil, invalidf(fhir.IssueTypeValue, "invalid id %q", id)
	}
	if err := s.checkDocType(resourceType, doc); err != nil {
		return nil, err
	}
	if docID := fhir.DocID(doc); docID != "" && docID != id {
		return nil, invalidf(fhir.IssueTypeInvalid, "resource id %q does not match URL id %q", docID, id)
	}
	fhir.SetDocID(doc, id)
	if issues := fhir.ValidateResource(doc); len(issues) > 0 {
		return nil, &ValidationError{Issues: issues}
	}
	return s.upsert(ctx, resourceType, id, doc)
}

func (s *Service) checkDocType(resourceType string, doc map[string]interface{}) error {
	docType := fhir.DocType(doc)
	if docType == "" {
		return invalidf(fhir.IssueTypeRequired, "resourceType is required")
	}
	if docType != resourceType {
		return invalidf(fhir.IssueTypeInvalid, "resource type %q does not match URL type %q", docType, resourceType)
	}
	return nil
}

// upsert runs the versioned write: snapshot the current document into the
// versions table, stamp the next version and audit metadata, replace the
// current document. All of it commits or rolls back together.
func (s *Service) upsert(ctx context.Context, resourceType, id string, doc map[string]interface{}) (*Resource, error) {
	var out *Resource
	err := s.runTx(ctx, func(ctx context.Context) error {
		if _, err := s.repo.Tombstone(ctx, resourceType, id); err == nil {
			return fmt.Errorf("%s was deleted: %w", fhir.Key(resourceType, id), ErrVersionConflict)
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}

		next := 1
		operation := "create"
		current, err := s.repo.GetForUpdate(ctx, resourceType, id)
		switch {
		case err == nil:
			curVersion, derr := docVersionOf(current)
			if derr != nil {
				return fmt.Errorf("current %s: %w", fhir.Key(resourceType, id), derr)
			}
			if err := s.repo.SnapshotVersion(ctx, resourceType, id, curVersion, current); err != nil {
				return err
			}
			next = curVersion + 1
			operation = "update"
		case errors.Is(err, ErrNotFound):
		default:
			return err
		}

		now := time.Now().UTC()
		fhir.StampMeta(doc, next, now)
		fhir.StampAudit(doc, ActorFromContext(ctx), operation)
		raw, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("encode %s: %w", fhir.Key(resourceType, id), err)
		}
		if err := s.repo.Replace(ctx, resourceType, id, raw); err != nil {
			return err
		}
		out = &Resource{
			ResourceType: resourceType,
			ID:           id,
			VersionID:    next,
			LastUpdated:  now,
			Doc:          raw,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug().
		Str("key", fhir.Key(resourceType, id)).
		Int("version", out.VersionID).
		Msg("resource stored")
	return out, nil
}

// Delete snapshots the current document, removes it and writes a tombstone.
// Deleting an id that does not exist is a no-op.
func (s *Service) Delete(ctx context.Context, resourceType, id string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if !fhir.IsValidID(id) {
		return invalidf(fhir.IssueTypeValue, "invalid id %q", id)
	}
	err := s.runTx(ctx, func(ctx context.Context) error {
		current, err := s.repo.GetForUpdate(ctx, resourceType, id)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		curVersion, err := docVersionOf(current)
		if err != nil {
			return fmt.Errorf("current %s: %w", fhir.Key(resourceType, id), err)
		}
		if err := s.repo.SnapshotVersion(ctx, resourceType, id, curVersion, current); err != nil {
			return err
		}
		if err := s.repo.DeleteCurrent(ctx, resourceType, id); err != nil {
			return err
		}
		return s.repo.InsertTombstone(ctx, resourceType, id)
	})
	if err != nil {
		return err
	}
	s.logger.Debug().Str("key", fhir.Key(resourceType, id)).Msg("resource deleted")
	return nil
}

// Read returns the current document. A tombstoned id reports ErrGone so the
// REST layer can answer 410 instead of 404.
func (s *Service) Read(ctx context.Context, resourceType, id string) (*Resource, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	raw, err := s.repo.Get(ctx, resourceType, id)
	if errors.Is(err, ErrNotFound) {
		if _, terr := s.repo.Tombstone(ctx, resourceType, id); terr == nil {
			return nil, fmt.Errorf("%s: %w", fhir.Key(resourceType, id), ErrGone)
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	return resourceFromRaw(resourceType, raw)
}

// VRead returns one specific version, from the versions table or, for the
// latest version, the current document.
func (s *Service) VRead(ctx context.Context, resourceType, id string, version int) (*Resource, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	raw, err := s.repo.GetVersion(ctx, resourceType, id, version)
	if err == nil {
		return resourceFromRaw(resourceType, raw)
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	current, cerr := s.repo.Get(ctx, resourceType, id)
	if cerr != nil {
		if errors.Is(cerr, ErrNotFound) {
			return nil, err
		}
		return nil, cerr
	}
	res, rerr := resourceFromRaw(resourceType, current)
	if rerr != nil {
		return nil, rerr
	}
	if res.VersionID != version {
		return nil, fmt.Errorf("%s: %w", fhir.VersionKey(resourceType, id, version), ErrNotFound)
	}
	return res, nil
}

// History returns every version of the resource newest first: the current
// document, all snapshots, and the deletion event when the id is tombstoned.
func (s *Service) History(ctx context.Context, resourceType, id string) ([]fhir.HistoryEntry, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	versions, err := s.repo.ListVersions(ctx, resourceType, id)
	if err != nil {
		return nil, err
	}

	var entries []fhir.HistoryEntry
	maxVersion := 0
	for _, v := range versions {
		entry, err := historyEntryFromRaw(resourceType, id, v.Doc, v.CreatedAt)
		if err != nil {
			return nil, err
		}
		if entry.VersionID > maxVersion {
			maxVersion = entry.VersionID
		}
		entries = append(entries, entry)
	}

	current, err := s.repo.Get(ctx, resourceType, id)
	switch {
	case err == nil:
		entry, herr := historyEntryFromRaw(resourceType, id, current, time.Time{})
		if herr != nil {
			return nil, herr
		}
		if entry.VersionID > maxVersion {
			maxVersion = entry.VersionID
		}
		entries = append(entries, entry)
	case errors.Is(err, ErrNotFound):
	default:
		return nil, err
	}

	if ts, err := s.repo.Tombstone(ctx, resourceType, id); err == nil {
		entries = append(entries, fhir.HistoryEntry{
			ResourceType: resourceType,
			ResourceID:   id,
			VersionID:    maxVersion + 1,
			Deleted:      true,
			LastUpdated:  ts.DeletedAt,
		})
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if len(entries) == 0 {
		return nil, fmt.Errorf("%s: %w", fhir.Key(resourceType, id), ErrNotFound)
	}

	sortHistoryEntries(entries)
	return entries, nil
}

// compiled is the outcome of compiling raw parameters: the query to run, or
// the knowledge that a reverse-chaining criterion already matched nothing.
type compiled struct {
	query search.Query
	empty bool
}

func (s *Service) compile(ctx context.Context, resourceType string, params url.Values) (compiled, error) {
	crit, err := s.pre.Compile(resourceType, params)
	if err != nil {
		return compiled{}, err
	}

	var fragments []search.Query
	if crit.Query != nil {
		fragments = append(fragments, crit.Query)
	}
	for _, has := range crit.Has {
		ids, err := s.resolveHas(ctx, resourceType, has)
		if err != nil {
			return compiled{}, err
		}
		if len(ids) == 0 {
			return compiled{empty: true}, nil
		}
		terms := make([]search.Query, len(ids))
		for i, id := range ids {
			terms[i] = search.TermQuery{Term: id, Field: "id"}
		}
		fragments = append(fragments, search.Disjunction(terms...))
	}

	if len(fragments) == 0 {
		return compiled{}, nil
	}
	return compiled{query: search.Conjunction(fragments...)}, nil
}

// resolveHas evaluates one _has criterion: search the chained type, fetch
// the matches, and collect the distinct ids they reference. Chains deeper
// than one hop never reach here; the preprocessor rejects them.
func (s *Service) resolveHas(ctx context.Context, resourceType string, has search.HasParam) ([]string, error) {
	inner, err := s.pre.Compile(has.TargetType, url.Values{has.Param: {has.Value}})
	if err != nil {
		return nil, err
	}

	keys, _, err := s.search.AllKeys(ctx, TargetFor(has.TargetType), inner.Query)
	if err != nil {
		return nil, err
	}
	docs, err := s.repo.MultiGet(ctx, has.TargetType, keys)
	if err != nil {
		return nil, err
	}

	prefix := resourceType + "/"
	seen := make(map[string]bool)
	var ids []string
	for _, raw := range docs {
		var doc map[string]interface{}
		if err := json.Unmarshal(raw, &doc); err != nil {
			continue
		}
		for _, ref := range referencesIn(doc[has.RefField]) {
			if !strings.HasPrefix(ref, prefix) {
				continue
			}
			id := strings.TrimPrefix(ref, prefix)
			if id != "" && !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}

// referencesIn extracts Reference.reference strings from a field that may be
// a single reference object or an array of them.
func referencesIn(v interface{}) []string {
	switch t := v.(type) {
	case map[string]interface{}:
		if ref, ok := t["reference"].(string); ok && ref != "" {
			return []string{ref}
		}
	case []interface{}:
		var refs []string
		for _, item := range t {
			refs = append(refs, referencesIn(item)...)
		}
		return refs
	}
	return nil
}

// Search runs one page: compile, search for keys, fetch the documents.
func (s *Service) Search(ctx context.Context, resourceType string, params url.Values, from, size int) ([]json.RawMessage, int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	q, err := s.compile(ctx, resourceType, params)
	if err != nil {
		return nil, 0, err
	}
	if q.empty {
		return nil, 0, nil
	}
	res, err := s.search.Page(ctx, TargetFor(resourceType), q.query, from, size)
	if err != nil {
		return nil, 0, err
	}
	docs, err := s.repo.MultiGet(ctx, resourceType, res.Keys)
	if err != nil {
		return nil, 0, err
	}
	return docs, res.Total, nil
}

// AllKeys returns every matching key up to the configured cap, plus the
// accurate total.
func (s *Service) AllKeys(ctx context.Context, resourceType string, params url.Values) ([]string, int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	q, err := s.compile(ctx, resourceType, params)
	if err != nil {
		return nil, 0, err
	}
	if q.empty {
		return nil, 0, nil
	}
	return s.search.AllKeys(ctx, TargetFor(resourceType), q.query)
}

// Fetch bulk-loads documents by "<Type>/<id>" keys, preserving order and
// skipping keys that no longer exist.
func (s *Service) Fetch(ctx context.Context, resourceType string, keys []string) ([]json.RawMessage, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.repo.MultiGet(ctx, resourceType, keys)
}

// List returns the first n documents of a type, newest first. The patient
// picker uses it when no search term is given.
func (s *Service) List(ctx context.Context, resourceType string, n int) ([]json.RawMessage, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.search.Page(ctx, TargetFor(resourceType), nil, 0, n)
	if err != nil {
		return nil, err
	}
	return s.repo.MultiGet(ctx, resourceType, res.Keys)
}

func resourceFromRaw(resourceType string, raw json.RawMessage) (*Resource, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode %s document: %w", resourceType, err)
	}
	res := &Resource{
		ResourceType: resourceType,
		ID:           fhir.DocID(doc),
		VersionID:    fhir.DocVersion(doc),
		Doc:          raw,
	}
	if at, ok := fhir.DocLastUpdated(doc); ok {
		res.LastUpdated = at
	}
	return res, nil
}

// docVersionOf reads meta.versionId from a stored document, treating a
// missing version as 1 so legacy documents snapshot under their first key.
func docVersionOf(raw json.RawMessage) (int, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return 0, err
	}
	v := fhir.DocVersion(doc)
	if v < 1 {
		v = 1
	}
	return v, nil
}

func historyEntryFromRaw(resourceType, id string, raw json.RawMessage, fallback time.Time) (fhir.HistoryEntry, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fhir.HistoryEntry{}, fmt.Errorf("decode %s version: %w", fhir.Key(resourceType, id), err)
	}
	entry := fhir.HistoryEntry{
		ResourceType: resourceType,
		ResourceID:   id,
		VersionID:    fhir.DocVersion(doc),
		Resource:     raw,
		LastUpdated:  fallback,
	}
	if at, ok := fhir.DocLastUpdated(doc); ok {
		entry.LastUpdated = at
	}
	return entry, nil
}

func sortHistoryEntries(entries []fhir.HistoryEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].VersionID > entries[j].VersionID
	})
}
