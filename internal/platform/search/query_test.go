package search

import (
	"encoding/json"
	"testing"
)

func mustJSON(t *testing.T, q Query) string {
	t.Helper()
	b, err := json.Marshal(q)
	if err != nil {
		t.Fatalf("marshal query: %v", err)
	}
	return string(b)
}

func TestQueryMarshal_Term(t *testing.T) {
	got := mustJSON(t, TermQuery{Term: "female", Field: "gender"})
	want := `{"term":"female","field":"gender"}`
	if got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestQueryMarshal_Prefix(t *testing.T) {
	got := mustJSON(t, PrefixQuery{Prefix: "smi", Field: "name.family"})
	want := `{"prefix":"smi","field":"name.family"}`
	if got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestQueryMarshal_Conjunction(t *testing.T) {
	q := ConjunctionQuery{Conjuncts: []Query{
		TermQuery{Term: "female", Field: "gender"},
		TermQuery{Term: "true", Field: "active"},
	}}
	got := mustJSON(t, q)
	want := `{"conjuncts":[{"term":"female","field":"gender"},{"term":"true","field":"active"}]}`
	if got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestQueryMarshal_DisjunctionMinDefaults(t *testing.T) {
	q := DisjunctionQuery{Disjuncts: []Query{
		TermQuery{Term: "a", Field: "f"},
		TermQuery{Term: "b", Field: "f"},
	}}
	got := mustJSON(t, q)
	want := `{"disjuncts":[{"term":"a","field":"f"},{"term":"b","field":"f"}],"min":1}`
	if got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestQueryMarshal_DateRangeOmitsOpenBounds(t *testing.T) {
	got := mustJSON(t, DateRangeQuery{Field: "birthDate", Start: "1990-01-01T00:00:00Z", InclusiveStart: true})
	want := `{"field":"birthDate","inclusive_start":true,"start":"1990-01-01T00:00:00Z"}`
	if got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestQueryMarshal_BooleanMustNot(t *testing.T) {
	q := BooleanQuery{MustNot: []Query{TermQuery{Term: "final", Field: "status"}}}
	got := mustJSON(t, q)
	want := `{"must_not":{"disjuncts":[{"term":"final","field":"status"}],"min":1}}`
	if got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestQueryMarshal_MatchAll(t *testing.T) {
	got := mustJSON(t, MatchAllQuery{})
	if got != `{"match_all":{}}` {
		t.Errorf("got %s", got)
	}
}

func TestQueryMarshal_ExistsRendersFieldWildcard(t *testing.T) {
	got := mustJSON(t, ExistsQuery{Field: "gender"})
	want := `{"wildcard":"*","field":"gender"}`
	if got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestConjunction_Collapses(t *testing.T) {
	if _, ok := Conjunction().(MatchAllQuery); !ok {
		t.Error("empty conjunction should collapse to match_all")
	}

	single := TermQuery{Term: "x", Field: "f"}
	if got := Conjunction(single); got != Query(single) {
		t.Errorf("single-child conjunction should collapse to the child, got %#v", got)
	}

	if got := Conjunction(nil, single, nil); got != Query(single) {
		t.Errorf("nil children should be dropped, got %#v", got)
	}

	multi := Conjunction(single, TermQuery{Term: "y", Field: "f"})
	if _, ok := multi.(ConjunctionQuery); !ok {
		t.Errorf("expected ConjunctionQuery, got %#v", multi)
	}
}

func TestDisjunction_Collapses(t *testing.T) {
	single := TermQuery{Term: "x", Field: "f"}
	if got := Disjunction(nil, single); got != Query(single) {
		t.Errorf("single-child disjunction should collapse to the child, got %#v", got)
	}
	multi := Disjunction(single, TermQuery{Term: "y", Field: "f"})
	d, ok := multi.(DisjunctionQuery)
	if !ok {
		t.Fatalf("expected DisjunctionQuery, got %#v", multi)
	}
	if d.Min != 1 {
		t.Errorf("min = %d, want 1", d.Min)
	}
}
