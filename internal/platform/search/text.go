package search

import "strings"

// buildString emits matches against normalized string fields. The default is
// a prefix match on the lowercased value, :exact is an exact phrase and
// :contains a substring.
func (b *Builder) buildString(resourceType string, rp *ResolvedParam, modifier string, values []string) (Query, error) {
	if modifier != "" && modifier != "exact" && modifier != "contains" {
		return nil, &InvalidValueError{Param: rp.Def.Name, Reason: "modifier :" + modifier + " is not supported for string parameters"}
	}

	var perValue []Query
	for _, raw := range values {
		v := strings.TrimSpace(raw)
		if v == "" {
			return nil, &InvalidValueError{Param: rp.Def.Name, Value: raw, Reason: "empty string value"}
		}

		if rp.Expr.Extension {
			field := "extension." + rp.Expr.ExtensionValueField.JSONField()
			perValue = append(perValue, Conjunction(
				TermQuery{Term: rp.Expr.ExtensionURL, Field: "extension.url"},
				stringQueryForField(field, v, modifier),
			))
			continue
		}

		var perField []Query
		for _, fp := range rp.Expr.Fields {
			for _, field := range stringFields(resourceType, fp) {
				perField = append(perField, stringQueryForField(field, v, modifier))
			}
		}
		perValue = append(perValue, Disjunction(perField...))
	}
	return Disjunction(perValue...), nil
}

func stringQueryForField(field, value, modifier string) Query {
	switch modifier {
	case "exact":
		return TermQuery{Term: value, Field: field}
	case "contains":
		return WildcardQuery{Wildcard: "*" + strings.ToLower(value) + "*", Field: field}
	default:
		return PrefixQuery{Prefix: strings.ToLower(value), Field: field}
	}
}

// stringFields fans a string search out to the text-bearing sub-fields of
// complex elements. A name=smith search has to look at family, given and the
// assembled text of every HumanName.
func stringFields(resourceType string, fp FieldPath) []string {
	f := fp.JSONField()
	switch kindOf(resourceType, fp.Path) {
	case kindHumanName:
		fields := make([]string, 0, len(humanNameFields))
		for _, sub := range humanNameFields {
			fields = append(fields, f+"."+sub)
		}
		return fields
	case kindAddress:
		fields := make([]string, 0, len(addressFields))
		for _, sub := range addressFields {
			fields = append(fields, f+"."+sub)
		}
		return fields
	}
	return []string{f}
}
