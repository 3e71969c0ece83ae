package search

import (
	"context"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
)

// fakeBackend records calls and serves canned pages.
type fakeBackend struct {
	calls   []Options
	queries []Query
	pages   [][]string
	total   int64
	err     error
}

func (f *fakeBackend) Search(_ context.Context, _ Target, q Query, opts Options) (*Result, error) {
	f.calls = append(f.calls, opts)
	f.queries = append(f.queries, q)
	if f.err != nil {
		return nil, f.err
	}
	page := []string{}
	idx := len(f.calls) - 1
	if idx < len(f.pages) {
		page = f.pages[idx]
	}
	return &Result{Keys: page, Total: f.total}, nil
}

func TestServicePage_DefaultSort(t *testing.T) {
	fb := &fakeBackend{pages: [][]string{{"Patient/a", "Patient/b"}}, total: 2}
	svc := NewService(fb, 10000, zerolog.Nop())

	res, err := svc.Page(context.Background(), Target{ResourceType: "Patient", Collection: "patient"}, TermQuery{Term: "female", Field: "gender"}, 0, 20)
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	if len(res.Keys) != 2 || res.Total != 2 {
		t.Errorf("got %+v", res)
	}
	if len(fb.calls) != 1 {
		t.Fatalf("calls = %d", len(fb.calls))
	}
	opts := fb.calls[0]
	if opts.From != 0 || opts.Size != 20 {
		t.Errorf("opts = %+v", opts)
	}
	if len(opts.Sort) != 1 || opts.Sort[0] != "-meta.lastUpdated" {
		t.Errorf("sort = %v", opts.Sort)
	}
}

func TestServicePage_SharedCollectionGetsTypeConjunct(t *testing.T) {
	fb := &fakeBackend{}
	svc := NewService(fb, 10000, zerolog.Nop())

	target := Target{ResourceType: "Basic", Collection: "general", Shared: true}
	if _, err := svc.Page(context.Background(), target, TermQuery{Term: "x", Field: "f"}, 0, 10); err != nil {
		t.Fatalf("page: %v", err)
	}

	conj, ok := fb.queries[0].(ConjunctionQuery)
	if !ok {
		t.Fatalf("expected ConjunctionQuery, got %#v", fb.queries[0])
	}
	first, ok := conj.Conjuncts[0].(TermQuery)
	if !ok || first.Field != "resourceType" || first.Term != "Basic" {
		t.Errorf("first conjunct = %#v", conj.Conjuncts[0])
	}
}

func TestServicePage_DedicatedCollectionNoConjunct(t *testing.T) {
	fb := &fakeBackend{}
	svc := NewService(fb, 10000, zerolog.Nop())

	target := Target{ResourceType: "Patient", Collection: "patient"}
	q := TermQuery{Term: "female", Field: "gender"}
	if _, err := svc.Page(context.Background(), target, q, 0, 10); err != nil {
		t.Fatalf("page: %v", err)
	}
	if fb.queries[0] != Query(q) {
		t.Errorf("query should pass through unchanged, got %#v", fb.queries[0])
	}
}

func TestServicePage_NilQueryMatchesAll(t *testing.T) {
	fb := &fakeBackend{}
	svc := NewService(fb, 10000, zerolog.Nop())

	if _, err := svc.Page(context.Background(), Target{ResourceType: "Patient", Collection: "patient"}, nil, 0, 10); err != nil {
		t.Fatalf("page: %v", err)
	}
	if _, ok := fb.queries[0].(MatchAllQuery); !ok {
		t.Errorf("expected MatchAllQuery, got %#v", fb.queries[0])
	}
}

func TestServiceAllKeys_PaginatesUntilShortPage(t *testing.T) {
	first := make([]string, 1000)
	for i := range first {
		first[i] = fmt.Sprintf("Patient/%d", i)
	}
	second := []string{"Patient/1000", "Patient/1001"}
	fb := &fakeBackend{pages: [][]string{first, second}, total: 1002}
	svc := NewService(fb, 10000, zerolog.Nop())

	keys, total, err := svc.AllKeys(context.Background(), Target{ResourceType: "Patient", Collection: "patient"}, nil)
	if err != nil {
		t.Fatalf("all keys: %v", err)
	}
	if len(keys) != 1002 || total != 1002 {
		t.Errorf("keys = %d, total = %d", len(keys), total)
	}
	if len(fb.calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(fb.calls))
	}
	if fb.calls[0].From != 0 || fb.calls[1].From != 1000 {
		t.Errorf("offsets = %d, %d", fb.calls[0].From, fb.calls[1].From)
	}
	if fb.calls[0].Size != 1000 {
		t.Errorf("page size = %d, want 1000", fb.calls[0].Size)
	}
}

func TestServiceAllKeys_StopsAtCap(t *testing.T) {
	page := make([]string, 1000)
	for i := range page {
		page[i] = fmt.Sprintf("Patient/%d", i)
	}
	fb := &fakeBackend{pages: [][]string{page, page, page}, total: 50000}
	svc := NewService(fb, 2500, zerolog.Nop())

	keys, total, err := svc.AllKeys(context.Background(), Target{ResourceType: "Patient", Collection: "patient"}, nil)
	if err != nil {
		t.Fatalf("all keys: %v", err)
	}
	if len(keys) != 2500 {
		t.Errorf("keys = %d, want cap 2500", len(keys))
	}
	if total != 50000 {
		t.Errorf("total = %d, want accurate 50000", total)
	}
	if len(fb.calls) != 3 {
		t.Errorf("calls = %d, want 3", len(fb.calls))
	}
}

func TestServiceCount_CountOnly(t *testing.T) {
	fb := &fakeBackend{total: 42}
	svc := NewService(fb, 10000, zerolog.Nop())

	n, err := svc.Count(context.Background(), Target{ResourceType: "Patient", Collection: "patient"}, nil)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 42 {
		t.Errorf("count = %d", n)
	}
	opts := fb.calls[0]
	if !opts.CountOnly || opts.Size != 0 {
		t.Errorf("opts = %+v", opts)
	}
}

func TestService_BackendErrorWrapped(t *testing.T) {
	fb := &fakeBackend{err: fmt.Errorf("index unreachable")}
	svc := NewService(fb, 10000, zerolog.Nop())

	if _, err := svc.Page(context.Background(), Target{ResourceType: "Patient", Collection: "patient"}, nil, 0, 10); err == nil {
		t.Error("expected error")
	}
}
