package search

import (
	"fmt"
	"strings"
	"time"
)

var datePrefixes = map[string]bool{
	"eq": true, "ne": true, "gt": true, "lt": true,
	"ge": true, "le": true, "sa": true, "eb": true, "ap": true,
}

// dateValue is one parsed date search value: the prefix plus the half-open
// interval [Lo, Hi) the literal covers at its precision. Instant-precision
// values collapse to a point and set Instant.
type dateValue struct {
	Prefix  string
	Lo, Hi  time.Time
	Instant bool
}

// parseDateValue splits the optional two-letter prefix and expands the
// ISO-8601 literal to the interval it denotes: 2015 covers the whole year,
// 2015-03-14 the whole day, a full timestamp is a point.
func parseDateValue(param, raw string) (dateValue, error) {
	v := strings.TrimSpace(raw)
	prefix := "eq"
	if len(v) >= 2 && !isDigit(v[0]) {
		p := v[:2]
		if !datePrefixes[p] {
			return dateValue{}, &InvalidValueError{Param: param, Value: raw, Reason: fmt.Sprintf("unknown prefix %q", p)}
		}
		prefix = p
		v = v[2:]
	}
	if v == "" {
		return dateValue{}, &InvalidValueError{Param: param, Value: raw, Reason: "empty date value"}
	}

	type layoutSpan struct {
		layout string
		span   func(t time.Time) time.Time
	}
	spans := []layoutSpan{
		{"2006", func(t time.Time) time.Time { return t.AddDate(1, 0, 0) }},
		{"2006-01", func(t time.Time) time.Time { return t.AddDate(0, 1, 0) }},
		{"2006-01-02", func(t time.Time) time.Time { return t.AddDate(0, 0, 1) }},
		{"2006-01-02T15:04", func(t time.Time) time.Time { return t.Add(time.Minute) }},
	}
	for _, ls := range spans {
		if len(v) != len(ls.layout) {
			continue
		}
		t, err := time.ParseInLocation(ls.layout, v, time.UTC)
		if err != nil {
			return dateValue{}, &InvalidValueError{Param: param, Value: raw, Reason: "not a valid ISO-8601 date"}
		}
		return dateValue{Prefix: prefix, Lo: t, Hi: ls.span(t)}, nil
	}

	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02T15:04Z07:00"} {
		if t, err := time.ParseInLocation(layout, v, time.UTC); err == nil {
			t = t.UTC()
			return dateValue{Prefix: prefix, Lo: t, Hi: t, Instant: true}, nil
		}
	}
	return dateValue{}, &InvalidValueError{Param: param, Value: raw, Reason: "not a valid ISO-8601 date"}
}

// buildDate emits date-range fragments. Choice elements expand to their
// concrete dateTime/instant/Period fields, Periods further expand to
// .start/.end with prefix pruning. Multiple values on one parameter narrow
// a range, so they combine with AND.
func (b *Builder) buildDate(resourceType string, rp *ResolvedParam, values []string) (Query, error) {
	var perValue []Query
	for _, raw := range values {
		dv, err := parseDateValue(rp.Def.Name, raw)
		if err != nil {
			return nil, err
		}

		negate := dv.Prefix == "ne"
		if negate {
			dv.Prefix = "eq"
		}

		var perField []Query
		if rp.Expr.Extension {
			field := "extension." + rp.Expr.ExtensionValueField.JSONField()
			perField = append(perField, Conjunction(
				TermQuery{Term: rp.Expr.ExtensionURL, Field: "extension.url"},
				rangeForPrefix(field, dv),
			))
		} else {
			for _, fp := range rp.Expr.Fields {
				for _, target := range dateTargets(resourceType, fp) {
					if q := dateQueryForTarget(target, dv); q != nil {
						perField = append(perField, q)
					}
				}
			}
		}
		if len(perField) == 0 {
			return nil, &InvalidValueError{Param: rp.Def.Name, Value: raw, Reason: "parameter has no date-valued field"}
		}

		q := Disjunction(perField...)
		if negate {
			q = BooleanQuery{MustNot: []Query{q}}
		}
		perValue = append(perValue, q)
	}
	return Conjunction(perValue...), nil
}

func dateQueryForTarget(target dateTarget, dv dateValue) Query {
	if target.Period {
		return periodQuery(target.Field, dv)
	}
	return rangeForPrefix(target.Field, dv)
}

// rangeForPrefix maps a prefix to endpoint open/closedness over the value's
// interval [Lo, Hi). gt means after the whole interval, lt before it, ge/le
// admit any overlap on that side.
func rangeForPrefix(field string, dv dateValue) Query {
	lo, hi := formatDate(dv.Lo), formatDate(dv.Hi)
	switch dv.Prefix {
	case "eq", "ap":
		if dv.Instant {
			return DateRangeQuery{Field: field, Start: lo, End: lo, InclusiveStart: true, InclusiveEnd: true}
		}
		return DateRangeQuery{Field: field, Start: lo, End: hi, InclusiveStart: true, InclusiveEnd: false}
	case "lt", "eb":
		return DateRangeQuery{Field: field, End: lo, InclusiveEnd: false}
	case "le":
		if dv.Instant {
			return DateRangeQuery{Field: field, End: lo, InclusiveEnd: true}
		}
		return DateRangeQuery{Field: field, End: hi, InclusiveEnd: false}
	case "gt", "sa":
		if dv.Instant {
			return DateRangeQuery{Field: field, Start: lo, InclusiveStart: false}
		}
		return DateRangeQuery{Field: field, Start: hi, InclusiveStart: true}
	case "ge":
		return DateRangeQuery{Field: field, Start: lo, InclusiveStart: true}
	}
	return nil
}

// periodQuery expands a Period element to .start/.end. Only the bound the
// prefix actually constrains is kept: gt/ge look at start, lt/le at end,
// equality requires overlap so it needs both.
func periodQuery(field string, dv dateValue) Query {
	lo, hi := formatDate(dv.Lo), formatDate(dv.Hi)
	start, end := field+".start", field+".end"
	switch dv.Prefix {
	case "gt", "ge", "sa":
		return rangeForPrefix(start, dv)
	case "lt", "le", "eb":
		return rangeForPrefix(end, dv)
	case "eq", "ap":
		if dv.Instant {
			return Conjunction(
				DateRangeQuery{Field: start, End: lo, InclusiveEnd: true},
				DateRangeQuery{Field: end, Start: lo, InclusiveStart: true},
			)
		}
		return Conjunction(
			DateRangeQuery{Field: start, End: hi, InclusiveEnd: false},
			DateRangeQuery{Field: end, Start: lo, InclusiveStart: true},
		)
	}
	return nil
}

func formatDate(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }
