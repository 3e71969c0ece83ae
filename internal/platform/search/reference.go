package search

import (
	"regexp"
	"strings"
)

var fhirIDPattern = regexp.MustCompile(`^[A-Za-z0-9\-.]{1,64}$`)

// buildReference emits exact term matches against the .reference sub-field.
// Accepted shapes: Type/id, bare id (expanded over the parameter's target
// types) and absolute URLs, which are reduced to their trailing Type/id.
func (b *Builder) buildReference(resourceType string, rp *ResolvedParam, modifier string, values []string) (Query, error) {
	if modifier != "" && modifier != "identifier" {
		return nil, &InvalidValueError{Param: rp.Def.Name, Reason: "modifier :" + modifier + " is not supported for reference parameters"}
	}

	var perValue []Query
	for _, raw := range values {
		v := strings.TrimSpace(raw)
		if v == "" {
			return nil, &InvalidValueError{Param: rp.Def.Name, Value: raw, Reason: "empty reference value"}
		}

		if modifier == "identifier" {
			q, err := b.referenceIdentifierQuery(rp, v)
			if err != nil {
				return nil, err
			}
			perValue = append(perValue, q)
			continue
		}

		refs, err := normalizeReference(rp, v)
		if err != nil {
			return nil, err
		}

		var perField []Query
		for _, fp := range rp.Expr.Fields {
			field := fp.JSONField() + ".reference"
			for _, ref := range refs {
				perField = append(perField, TermQuery{Term: ref, Field: field})
			}
		}
		perValue = append(perValue, Disjunction(perField...))
	}
	return Disjunction(perValue...), nil
}

// normalizeReference reduces a raw value to the Type/id forms to match. A
// bare id fans out over the parameter's declared target types.
func normalizeReference(rp *ResolvedParam, v string) ([]string, error) {
	if strings.HasPrefix(v, "http://") || strings.HasPrefix(v, "https://") {
		segments := strings.Split(strings.TrimSuffix(v, "/"), "/")
		if len(segments) >= 2 {
			typ, id := segments[len(segments)-2], segments[len(segments)-1]
			if isTypeName(typ) && fhirIDPattern.MatchString(id) {
				return []string{typ + "/" + id}, nil
			}
		}
		return nil, &InvalidValueError{Param: rp.Def.Name, Value: v, Reason: "absolute reference does not end in Type/id"}
	}

	if i := strings.Index(v, "/"); i > 0 {
		typ, id := v[:i], v[i+1:]
		if !isTypeName(typ) || !fhirIDPattern.MatchString(id) {
			return nil, &InvalidValueError{Param: rp.Def.Name, Value: v, Reason: "expected Type/id"}
		}
		return []string{v}, nil
	}

	if !fhirIDPattern.MatchString(v) {
		return nil, &InvalidValueError{Param: rp.Def.Name, Value: v, Reason: "not a valid resource id"}
	}
	if len(rp.Def.Targets) == 0 {
		return []string{v}, nil
	}
	refs := make([]string, 0, len(rp.Def.Targets))
	for _, target := range rp.Def.Targets {
		refs = append(refs, target+"/"+v)
	}
	return refs, nil
}

// referenceIdentifierQuery implements :identifier, matching the logical
// identifier carried on the reference element rather than the literal id.
func (b *Builder) referenceIdentifierQuery(rp *ResolvedParam, v string) (Query, error) {
	tv := parseTokenValue(v)
	var perField []Query
	for _, fp := range rp.Expr.Fields {
		base := fp.JSONField() + ".identifier"
		switch {
		case tv.HasCode && tv.HasSystem && tv.System != "":
			perField = append(perField, Conjunction(
				TermQuery{Term: tv.System, Field: base + ".system"},
				TermQuery{Term: tv.Code, Field: base + ".value"},
			))
		case tv.HasCode:
			perField = append(perField, TermQuery{Term: tv.Code, Field: base + ".value"})
		case tv.HasSystem && tv.System != "":
			perField = append(perField, TermQuery{Term: tv.System, Field: base + ".system"})
		default:
			return nil, &InvalidValueError{Param: rp.Def.Name, Value: v, Reason: "empty identifier value"}
		}
	}
	return Disjunction(perField...), nil
}
