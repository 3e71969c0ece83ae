package search

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Target identifies the collection a search runs against. Shared marks the
// mixed-type general collection, where every query needs a resourceType
// conjunct; dedicated per-type collections do not.
type Target struct {
	ResourceType string
	Collection   string
	Shared       bool
}

// Result carries the keys and the accurate total for one query.
type Result struct {
	Keys      []string
	Total     int64
	ElapsedMs int64
}

// Options control paging, sorting and scoring for one backend call.
type Options struct {
	From      int
	Size      int
	Sort      []string
	CountOnly bool
}

// Backend executes a compiled query against a collection. Two
// implementations exist: the full-text index HTTP client and the SQL
// query compiler.
type Backend interface {
	Search(ctx context.Context, target Target, q Query, opts Options) (*Result, error)
}

const (
	// DefaultSort orders newest-updated first.
	DefaultSort = "-meta.lastUpdated"

	// allKeysPageSize is the internal page size for unbounded key scans.
	allKeysPageSize = 1000
)

// Service fronts a Backend with the three search shapes the rest of the
// system needs: one page, every key up to a cap, and a bare count.
type Service struct {
	backend Backend
	maxKeys int
	logger  zerolog.Logger
}

func NewService(backend Backend, maxKeys int, logger zerolog.Logger) *Service {
	if maxKeys <= 0 {
		maxKeys = 10000
	}
	return &Service{backend: backend, maxKeys: maxKeys, logger: logger}
}

// Page runs one page of a search. A nil query matches everything.
func (s *Service) Page(ctx context.Context, target Target, q Query, from, size int) (*Result, error) {
	res, err := s.backend.Search(ctx, target, s.scope(target, q), Options{
		From: from,
		Size: size,
		Sort: []string{DefaultSort},
	})
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", target.ResourceType, err)
	}
	s.logger.Debug().
		Str("resource_type", target.ResourceType).
		Int("from", from).
		Int("size", size).
		Int64("total", res.Total).
		Int64("elapsed_ms", res.ElapsedMs).
		Msg("search page")
	return res, nil
}

// AllKeys scans pages of 1000 until a short page or the cap and returns
// every matching key plus the accurate total, which may exceed the number
// of keys returned.
func (s *Service) AllKeys(ctx context.Context, target Target, q Query) ([]string, int64, error) {
	scoped := s.scope(target, q)
	var keys []string
	var total int64
	for from := 0; ; from += allKeysPageSize {
		res, err := s.backend.Search(ctx, target, scoped, Options{
			From: from,
			Size: allKeysPageSize,
			Sort: []string{DefaultSort},
		})
		if err != nil {
			return nil, 0, fmt.Errorf("search %s: %w", target.ResourceType, err)
		}
		total = res.Total
		keys = append(keys, res.Keys...)
		if len(keys) >= s.maxKeys {
			keys = keys[:s.maxKeys]
			break
		}
		if len(res.Keys) < allKeysPageSize {
			break
		}
	}
	return keys, total, nil
}

// Count returns the number of matches without fetching keys: size zero with
// scoring off.
func (s *Service) Count(ctx context.Context, target Target, q Query) (int64, error) {
	res, err := s.backend.Search(ctx, target, s.scope(target, q), Options{
		Size:      0,
		CountOnly: true,
	})
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", target.ResourceType, err)
	}
	return res.Total, nil
}

// scope conjuncts the resourceType discriminator on shared collections and
// turns a nil query into match-all.
func (s *Service) scope(target Target, q Query) Query {
	if target.Shared {
		typeTerm := TermQuery{Term: target.ResourceType, Field: "resourceType"}
		if q == nil {
			return typeTerm
		}
		return Conjunction(typeTerm, q)
	}
	if q == nil {
		return MatchAllQuery{}
	}
	return q
}
