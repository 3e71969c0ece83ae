package search

import "strings"

// tokenValue is one parsed system|code search value. HasSystem distinguishes
// "code" from "|code" and "system|".
type tokenValue struct {
	System    string
	Code      string
	HasSystem bool
	HasCode   bool
}

func parseTokenValue(raw string) tokenValue {
	if i := strings.Index(raw, "|"); i >= 0 {
		return tokenValue{
			System:    raw[:i],
			Code:      raw[i+1:],
			HasSystem: true,
			HasCode:   raw[i+1:] != "",
		}
	}
	return tokenValue{Code: raw, HasCode: true}
}

// buildToken emits term matches against the concrete code/system sub-fields
// of the element. "code" matches the code field alone, "system|code" is an
// AND over system and code, "system|" matches any code within the system.
func (b *Builder) buildToken(resourceType string, rp *ResolvedParam, modifier string, values []string) (Query, error) {
	if modifier != "" && modifier != "not" {
		return nil, &InvalidValueError{Param: rp.Def.Name, Reason: "modifier :" + modifier + " is not supported for token parameters"}
	}

	var perValue []Query
	for _, raw := range values {
		raw = strings.TrimSpace(raw)
		if raw == "" || raw == "|" {
			return nil, &InvalidValueError{Param: rp.Def.Name, Value: raw, Reason: "empty token value"}
		}
		tv := parseTokenValue(raw)

		if rp.Expr.Extension {
			q, err := extensionTokenQuery(rp.Expr, tv)
			if err != nil {
				return nil, err
			}
			perValue = append(perValue, q)
			continue
		}

		var perField []Query
		for _, fp := range rp.Expr.Fields {
			for _, target := range tokenTargets(resourceType, fp) {
				q, err := tokenQueryForTarget(rp, target, tv)
				if err != nil {
					return nil, err
				}
				if q != nil {
					perField = append(perField, q)
				}
			}
		}
		if len(perField) == 0 {
			return nil, &InvalidValueError{Param: rp.Def.Name, Value: raw, Reason: "value cannot be matched against this element"}
		}
		perValue = append(perValue, Disjunction(perField...))
	}

	q := Disjunction(perValue...)
	if modifier == "not" {
		return BooleanQuery{MustNot: []Query{q}}, nil
	}
	return q, nil
}

// tokenQueryForTarget builds the fragment for a single concrete field. The
// datatype decides which sub-fields carry the code and system.
func tokenQueryForTarget(rp *ResolvedParam, target tokenTarget, tv tokenValue) (Query, error) {
	codeField, systemField := tokenSubFields(target)

	switch {
	case tv.HasCode && (!tv.HasSystem || tv.System == ""):
		// bare code or |code
		if target.Kind == kindUnknown {
			return Disjunction(
				TermQuery{Term: tv.Code, Field: target.Field},
				TermQuery{Term: tv.Code, Field: target.Field + ".coding.code"},
				TermQuery{Term: tv.Code, Field: target.Field + ".value"},
			), nil
		}
		code := tv.Code
		if target.Kind == kindBoolean {
			code = strings.ToLower(code)
		}
		return TermQuery{Term: code, Field: codeField}, nil

	case tv.HasCode && tv.HasSystem:
		if systemField == "" {
			// primitive codes carry no system, match the code alone
			return TermQuery{Term: tv.Code, Field: codeField}, nil
		}
		return Conjunction(
			TermQuery{Term: tv.System, Field: systemField},
			TermQuery{Term: tv.Code, Field: codeField},
		), nil

	case tv.HasSystem && !tv.HasCode:
		// system| matches any code in the system
		if systemField == "" {
			return nil, &InvalidValueError{Param: rp.Def.Name, Value: tv.System + "|", Reason: "element has no system to match"}
		}
		return TermQuery{Term: tv.System, Field: systemField}, nil
	}
	return nil, nil
}

// tokenSubFields maps a datatype to its code- and system-bearing sub-fields.
// An empty system field means the datatype cannot carry one.
func tokenSubFields(target tokenTarget) (code, system string) {
	switch target.Kind {
	case kindCodeableConcept:
		return target.Field + ".coding.code", target.Field + ".coding.system"
	case kindCoding:
		return target.Field + ".code", target.Field + ".system"
	case kindIdentifier, kindContactPoint:
		return target.Field + ".value", target.Field + ".system"
	default:
		return target.Field, ""
	}
}

// extensionTokenQuery matches extension('url').value[x] parameters by
// conjoining a term on the extension url with the value match.
func extensionTokenQuery(expr *Expression, tv tokenValue) (Query, error) {
	valueField := "extension." + expr.ExtensionValueField.JSONField()
	var parts []Query
	parts = append(parts, TermQuery{Term: expr.ExtensionURL, Field: "extension.url"})
	if tv.HasCode {
		parts = append(parts, Disjunction(
			TermQuery{Term: tv.Code, Field: valueField},
			TermQuery{Term: tv.Code, Field: valueField + ".coding.code"},
		))
	}
	if tv.HasSystem && tv.System != "" {
		parts = append(parts, TermQuery{Term: tv.System, Field: valueField + ".coding.system"})
	}
	return Conjunction(parts...), nil
}
