package search

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// controlParams are framework parameters the preprocessor passes through to
// the pagination and rendering layers untouched.
var controlParams = map[string]bool{
	"_count":    true,
	"_offset":   true,
	"_sort":     true,
	"_total":    true,
	"_format":   true,
	"_pretty":   true,
	"_summary":  true,
	"_elements": true,
}

// singleValuedTokens lists parameters whose element is semantically
// single-valued, so an OR list of distinct codes can never match.
var singleValuedTokens = map[string]bool{
	"gender":   true,
	"active":   true,
	"deceased": true,
	"status":   true,
}

// HasParam is one parsed _has:<Target>:<refField>:<param>=<value> criterion.
type HasParam struct {
	TargetType string
	RefField   string
	Param      string
	Value      string
}

// Criteria is a compiled search: the query over the resource's own elements
// plus any reverse-chaining criteria, which the caller resolves separately
// because they require fetching the chained resources.
type Criteria struct {
	Query Query
	Has   []HasParam
}

// Preprocessor validates raw query parameters and compiles them into a
// query. Invalid input never reaches a backend.
type Preprocessor struct {
	resolver *Resolver
	builder  *Builder
	logger   zerolog.Logger
}

func NewPreprocessor(resolver *Resolver, logger zerolog.Logger) *Preprocessor {
	return &Preprocessor{
		resolver: resolver,
		builder:  NewBuilder(logger),
		logger:   logger,
	}
}

// paramInstance is one name=value occurrence with the modifier split off and
// the value comma-exploded.
type paramInstance struct {
	name     string
	modifier string
	values   []string
}

// Compile validates and builds. Ordinary parameters AND together, comma
// lists within one parameter OR, and repeated date parameters narrow one
// range. Underscore parameters outside the resolver's scope are control
// parameters and pass through.
func (p *Preprocessor) Compile(resourceType string, raw url.Values) (*Criteria, error) {
	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)

	crit := &Criteria{}
	var fragments []Query

	for _, rawName := range names {
		if strings.HasPrefix(rawName, "_has:") {
			for _, v := range raw[rawName] {
				has, err := parseHasParam(rawName, v)
				if err != nil {
					return nil, err
				}
				crit.Has = append(crit.Has, *has)
			}
			continue
		}

		name, modifier := splitModifier(rawName)
		if controlParams[name] {
			continue
		}

		rp, err := p.resolver.Resolve(resourceType, name)
		if err != nil {
			if strings.HasPrefix(name, "_") {
				// unrecognized underscore parameters are framework noise
				p.logger.Debug().Str("param", rawName).Msg("ignoring control parameter")
				continue
			}
			return nil, err
		}

		instances := make([]paramInstance, 0, len(raw[rawName]))
		for _, v := range raw[rawName] {
			instances = append(instances, paramInstance{
				name:     name,
				modifier: modifier,
				values:   splitCommaValues(v),
			})
		}

		if rp.Def.Type == ParamDate && modifier != "missing" {
			q, err := p.compileDateParam(resourceType, rp, instances)
			if err != nil {
				return nil, err
			}
			fragments = appendFragment(fragments, q)
			continue
		}

		if rp.Def.Type == ParamToken && singleValuedTokens[name] {
			if err := checkSingleValuedToken(name, instances); err != nil {
				return nil, err
			}
		}

		for _, inst := range instances {
			q, err := p.builder.Build(resourceType, rp, inst.modifier, inst.values)
			if err != nil {
				return nil, err
			}
			fragments = appendFragment(fragments, q)
		}
	}

	if len(fragments) > 0 {
		crit.Query = Conjunction(fragments...)
	}
	return crit, nil
}

// compileDateParam merges every occurrence of one date parameter into a
// single range build. More than one value is only coherent when every value
// carries a prefix qualifier.
func (p *Preprocessor) compileDateParam(resourceType string, rp *ResolvedParam, instances []paramInstance) (Query, error) {
	var values []string
	unqualified := 0
	for _, inst := range instances {
		for _, v := range inst.values {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			if len(v) < 2 || isDigit(v[0]) || !datePrefixes[v[:2]] {
				unqualified++
			}
			values = append(values, v)
		}
	}
	if len(values) > 1 && unqualified > 0 {
		return nil, &ConflictError{
			Param:  rp.Def.Name,
			Reason: fmt.Sprintf("multiple date range parameters for the same param without a qualifier: %s", rp.Def.Name),
		}
	}
	if len(values) == 0 {
		return nil, &InvalidValueError{Param: rp.Def.Name, Reason: "no value supplied"}
	}
	return p.builder.Build(resourceType, rp, "", values)
}

// checkSingleValuedToken rejects OR lists of distinct codes on elements that
// hold exactly one value.
func checkSingleValuedToken(name string, instances []paramInstance) error {
	distinct := map[string]bool{}
	for _, inst := range instances {
		if inst.modifier == "missing" {
			continue
		}
		for _, v := range inst.values {
			distinct[parseTokenValue(strings.TrimSpace(v)).Code] = true
		}
	}
	if len(distinct) > 1 {
		return &ConflictError{
			Param:  name,
			Reason: fmt.Sprintf("parameter %q holds a single value and cannot match multiple distinct codes", name),
		}
	}
	return nil
}

// parseHasParam validates the _has:<Target>:<refField>:<param> shape. Chains
// are limited to one hop.
func parseHasParam(name, value string) (*HasParam, error) {
	parts := strings.Split(name, ":")
	if len(parts) >= 4 && parts[3] == "_has" {
		return nil, &InvalidValueError{Param: name, Value: value, Reason: "nested _has chains are not supported"}
	}
	if len(parts) != 4 || parts[1] == "" || parts[2] == "" || parts[3] == "" {
		return nil, &InvalidValueError{Param: name, Value: value, Reason: "expected _has:<Type>:<refField>:<param>"}
	}
	if !isTypeName(parts[1]) {
		return nil, &InvalidValueError{Param: name, Value: value, Reason: fmt.Sprintf("%q is not a resource type", parts[1])}
	}
	if strings.TrimSpace(value) == "" {
		return nil, &InvalidValueError{Param: name, Reason: "empty _has value"}
	}
	return &HasParam{
		TargetType: parts[1],
		RefField:   parts[2],
		Param:      parts[3],
		Value:      value,
	}, nil
}

func splitModifier(name string) (string, string) {
	if i := strings.Index(name, ":"); i >= 0 {
		return name[:i], name[i+1:]
	}
	return name, ""
}

func splitCommaValues(v string) []string {
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func appendFragment(fragments []Query, q Query) []Query {
	if q == nil {
		return fragments
	}
	return append(fragments, q)
}
