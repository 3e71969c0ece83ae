package search

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// Builder turns resolved parameters plus raw values into query fragments.
// One Build call handles one parameter instance; comma-separated values
// arrive as a list and combine with OR, except for dates where multiple
// prefixed values narrow a range and combine with AND.
type Builder struct {
	logger zerolog.Logger
}

func NewBuilder(logger zerolog.Logger) *Builder {
	return &Builder{logger: logger}
}

// Build dispatches on the parameter type. Unsupported types contribute
// nothing and log a warning so a stray IG parameter cannot sink the whole
// search.
func (b *Builder) Build(resourceType string, rp *ResolvedParam, modifier string, values []string) (Query, error) {
	if len(values) == 0 {
		return nil, &InvalidValueError{Param: rp.Def.Name, Reason: "no value supplied"}
	}

	if modifier == "missing" {
		return b.buildMissing(resourceType, rp, values)
	}

	switch rp.Def.Type {
	case ParamToken:
		return b.buildToken(resourceType, rp, modifier, values)
	case ParamString:
		return b.buildString(resourceType, rp, modifier, values)
	case ParamDate:
		return b.buildDate(resourceType, rp, values)
	case ParamReference:
		return b.buildReference(resourceType, rp, modifier, values)
	case ParamQuantity:
		return b.buildQuantity(resourceType, rp, values)
	case ParamNumber, ParamURI, ParamComposite:
		b.logger.Warn().
			Str("resource_type", resourceType).
			Str("param", rp.Def.Name).
			Str("type", string(rp.Def.Type)).
			Msg("search parameter type not supported, ignoring")
		return nil, nil
	default:
		b.logger.Warn().
			Str("resource_type", resourceType).
			Str("param", rp.Def.Name).
			Str("type", string(rp.Def.Type)).
			Msg("unrecognized search parameter type, ignoring")
		return nil, nil
	}
}

// buildMissing implements the :missing modifier for every parameter type by
// probing the primary concrete field for any indexed value.
func (b *Builder) buildMissing(resourceType string, rp *ResolvedParam, values []string) (Query, error) {
	want, err := parseBooleanValue(rp.Def.Name, values[0])
	if err != nil {
		return nil, err
	}

	var probes []Query
	if rp.Expr.Extension {
		probes = append(probes, TermQuery{Term: rp.Expr.ExtensionURL, Field: "extension.url"})
	}
	for _, fp := range rp.Expr.Fields {
		probes = append(probes, ExistsQuery{Field: missingProbeField(resourceType, fp, rp.Def.Type)})
	}
	exists := Disjunction(probes...)
	if want {
		return BooleanQuery{MustNot: []Query{exists}}, nil
	}
	return exists, nil
}

// missingProbeField picks the sub-field most likely to carry data for the
// element, since presence checks against a complex root are meaningless in
// a flattened index.
func missingProbeField(resourceType string, fp FieldPath, pt ParamType) string {
	f := fp.JSONField()
	switch pt {
	case ParamReference:
		return f + ".reference"
	case ParamToken:
		targets := tokenTargets(resourceType, fp)
		if len(targets) > 0 {
			t := targets[0]
			switch t.Kind {
			case kindCodeableConcept:
				return t.Field + ".coding.code"
			case kindCoding:
				return t.Field + ".code"
			case kindIdentifier, kindContactPoint:
				return t.Field + ".value"
			}
			return t.Field
		}
	case ParamString:
		switch kindOf(resourceType, fp.Path) {
		case kindHumanName:
			return f + ".family"
		case kindAddress:
			return f + ".city"
		}
	}
	return f
}

func parseBooleanValue(param, v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	return false, &InvalidValueError{Param: param, Value: v, Reason: fmt.Sprintf("expected true or false, got %q", v)}
}
