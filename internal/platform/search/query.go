package search

import (
	"encoding/json"
)

// Query is a node in the search query tree. The tree is built once by the
// parameter builders and rendered twice: MarshalJSON produces the JSON DSL
// sent to the full-text index, and the query backend compiles the same tree
// to SQL over the document column. Keeping one tree for both backends is what
// guarantees they answer searches identically.
type Query interface {
	isQuery()
}

// TermQuery matches documents whose field contains the exact term.
type TermQuery struct {
	Term  string
	Field string
}

func (TermQuery) isQuery() {}

func (q TermQuery) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Term  string `json:"term"`
		Field string `json:"field"`
	}{q.Term, q.Field})
}

// MatchQuery matches documents whose analyzed field matches the input text.
type MatchQuery struct {
	Match string
	Field string
}

func (MatchQuery) isQuery() {}

func (q MatchQuery) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Match string `json:"match"`
		Field string `json:"field"`
	}{q.Match, q.Field})
}

// PrefixQuery matches documents whose field starts with the given prefix.
// Values are lowercased by the builders to line up with the index analyzer.
type PrefixQuery struct {
	Prefix string
	Field  string
}

func (PrefixQuery) isQuery() {}

func (q PrefixQuery) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Prefix string `json:"prefix"`
		Field  string `json:"field"`
	}{q.Prefix, q.Field})
}

// WildcardQuery matches documents against a pattern where * spans any run of
// characters and ? a single one.
type WildcardQuery struct {
	Wildcard string
	Field    string
}

func (WildcardQuery) isQuery() {}

func (q WildcardQuery) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Wildcard string `json:"wildcard"`
		Field    string `json:"field"`
	}{q.Wildcard, q.Field})
}

// DateRangeQuery matches documents whose date field falls between Start and
// End. Either bound may be empty for an open interval. Bounds are ISO 8601
// strings computed by the date builder.
type DateRangeQuery struct {
	Field          string
	Start          string
	End            string
	InclusiveStart bool
	InclusiveEnd   bool
}

func (DateRangeQuery) isQuery() {}

func (q DateRangeQuery) MarshalJSON() ([]byte, error) {
	out := map[string]interface{}{"field": q.Field}
	if q.Start != "" {
		out["start"] = q.Start
		out["inclusive_start"] = q.InclusiveStart
	}
	if q.End != "" {
		out["end"] = q.End
		out["inclusive_end"] = q.InclusiveEnd
	}
	return json.Marshal(out)
}

// NumericRangeQuery matches documents whose numeric field falls between Min
// and Max. Nil bounds are open.
type NumericRangeQuery struct {
	Field        string
	Min          *float64
	Max          *float64
	InclusiveMin bool
	InclusiveMax bool
}

func (NumericRangeQuery) isQuery() {}

func (q NumericRangeQuery) MarshalJSON() ([]byte, error) {
	out := map[string]interface{}{"field": q.Field}
	if q.Min != nil {
		out["min"] = *q.Min
		out["inclusive_min"] = q.InclusiveMin
	}
	if q.Max != nil {
		out["max"] = *q.Max
		out["inclusive_max"] = q.InclusiveMax
	}
	return json.Marshal(out)
}

// ConjunctionQuery matches documents satisfying every child query.
type ConjunctionQuery struct {
	Conjuncts []Query
}

func (ConjunctionQuery) isQuery() {}

func (q ConjunctionQuery) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Conjuncts []Query `json:"conjuncts"`
	}{q.Conjuncts})
}

// DisjunctionQuery matches documents satisfying at least Min child queries
// (one when Min is zero).
type DisjunctionQuery struct {
	Disjuncts []Query
	Min       int
}

func (DisjunctionQuery) isQuery() {}

func (q DisjunctionQuery) MarshalJSON() ([]byte, error) {
	min := q.Min
	if min <= 0 {
		min = 1
	}
	return json.Marshal(struct {
		Disjuncts []Query `json:"disjuncts"`
		Min       int     `json:"min"`
	}{q.Disjuncts, min})
}

// BooleanQuery combines required and prohibited child queries. It is used
// for negations: ne prefixes and :missing modifiers.
type BooleanQuery struct {
	Must    []Query
	MustNot []Query
}

func (BooleanQuery) isQuery() {}

func (q BooleanQuery) MarshalJSON() ([]byte, error) {
	out := map[string]interface{}{}
	if len(q.Must) > 0 {
		out["must"] = ConjunctionQuery{Conjuncts: q.Must}
	}
	if len(q.MustNot) > 0 {
		out["must_not"] = DisjunctionQuery{Disjuncts: q.MustNot, Min: 1}
	}
	return json.Marshal(out)
}

// MatchAllQuery matches every document in the collection.
type MatchAllQuery struct{}

func (MatchAllQuery) isQuery() {}

func (q MatchAllQuery) MarshalJSON() ([]byte, error) {
	return []byte(`{"match_all":{}}`), nil
}

// ExistsQuery matches documents that have any value for the field. It renders
// as a field-scoped wildcard, which is how the index expresses presence.
type ExistsQuery struct {
	Field string
}

func (ExistsQuery) isQuery() {}

func (q ExistsQuery) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Wildcard string `json:"wildcard"`
		Field    string `json:"field"`
	}{"*", q.Field})
}

// Conjunction builds a conjunction, collapsing the single-child case.
func Conjunction(qs ...Query) Query {
	flat := make([]Query, 0, len(qs))
	for _, q := range qs {
		if q == nil {
			continue
		}
		flat = append(flat, q)
	}
	switch len(flat) {
	case 0:
		return MatchAllQuery{}
	case 1:
		return flat[0]
	}
	return ConjunctionQuery{Conjuncts: flat}
}

// Disjunction builds a disjunction, collapsing the single-child case.
func Disjunction(qs ...Query) Query {
	flat := make([]Query, 0, len(qs))
	for _, q := range qs {
		if q == nil {
			continue
		}
		flat = append(flat, q)
	}
	switch len(flat) {
	case 0:
		return MatchAllQuery{}
	case 1:
		return flat[0]
	}
	return DisjunctionQuery{Disjuncts: flat, Min: 1}
}
