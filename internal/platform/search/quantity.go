package search

import (
	"strconv"
	"strings"
)

// quantityValue is one parsed value|system|code search value.
type quantityValue struct {
	Prefix string
	Value  float64
	System string
	Code   string
}

func parseQuantityValue(param, raw string) (quantityValue, error) {
	parts := strings.SplitN(strings.TrimSpace(raw), "|", 3)
	num := parts[0]

	qv := quantityValue{Prefix: "eq"}
	if len(num) >= 2 && !isDigit(num[0]) && num[0] != '-' && num[0] != '.' {
		p := num[:2]
		if !datePrefixes[p] {
			return quantityValue{}, &InvalidValueError{Param: param, Value: raw, Reason: "unknown prefix " + strconv.Quote(p)}
		}
		qv.Prefix = p
		num = num[2:]
	}

	v, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return quantityValue{}, &InvalidValueError{Param: param, Value: raw, Reason: "not a number"}
	}
	qv.Value = v

	if len(parts) > 1 {
		qv.System = parts[1]
	}
	if len(parts) > 2 {
		qv.Code = parts[2]
	}
	return qv, nil
}

// buildQuantity emits a numeric range on the .value sub-field conjoined with
// unit/system terms when the search value carries them.
func (b *Builder) buildQuantity(resourceType string, rp *ResolvedParam, values []string) (Query, error) {
	var perValue []Query
	for _, raw := range values {
		qv, err := parseQuantityValue(rp.Def.Name, raw)
		if err != nil {
			return nil, err
		}

		negate := qv.Prefix == "ne"
		if negate {
			qv.Prefix = "eq"
		}

		var perField []Query
		for _, fp := range rp.Expr.Fields {
			field := quantityField(resourceType, fp)
			var parts []Query
			parts = append(parts, numericRangeForPrefix(field+".value", qv))
			if qv.System != "" {
				parts = append(parts, TermQuery{Term: qv.System, Field: field + ".system"})
			}
			if qv.Code != "" {
				parts = append(parts, Disjunction(
					TermQuery{Term: qv.Code, Field: field + ".code"},
					TermQuery{Term: qv.Code, Field: field + ".unit"},
				))
			}
			perField = append(perField, Conjunction(parts...))
		}

		q := Disjunction(perField...)
		if negate {
			q = BooleanQuery{MustNot: []Query{q}}
		}
		perValue = append(perValue, q)
	}
	return Disjunction(perValue...), nil
}

// quantityField resolves the concrete Quantity-bearing field, preferring the
// cast's concretization for choice elements like (Observation.value as Quantity).
func quantityField(resourceType string, fp FieldPath) string {
	if fp.Cast != "" {
		return fp.JSONField()
	}
	if concretes, ok := choiceExpansions[resourceType+"."+fp.Path]; ok {
		prefixLen := strings.LastIndex(fp.Path, ".") + 1
		for _, concrete := range concretes {
			if concreteKind(concrete) == kindQuantity {
				return fp.Path[:prefixLen] + concrete
			}
		}
	}
	return fp.JSONField()
}

func numericRangeForPrefix(field string, qv quantityValue) Query {
	v := qv.Value
	switch qv.Prefix {
	case "eq":
		return NumericRangeQuery{Field: field, Min: &v, Max: &v, InclusiveMin: true, InclusiveMax: true}
	case "ap":
		lo, hi := v*0.9, v*1.1
		if v < 0 {
			lo, hi = hi, lo
		}
		return NumericRangeQuery{Field: field, Min: &lo, Max: &hi, InclusiveMin: true, InclusiveMax: true}
	case "gt", "sa":
		return NumericRangeQuery{Field: field, Min: &v}
	case "ge":
		return NumericRangeQuery{Field: field, Min: &v, InclusiveMin: true}
	case "lt", "eb":
		return NumericRangeQuery{Field: field, Max: &v}
	case "le":
		return NumericRangeQuery{Field: field, Max: &v, InclusiveMax: true}
	}
	return nil
}
