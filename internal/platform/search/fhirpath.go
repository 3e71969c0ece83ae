package search

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// FieldPath is one element path extracted from a search expression, relative
// to the resource root, plus the concrete type of an `as` cast when present.
type FieldPath struct {
	Path string
	Cast string
}

// JSONField returns the JSON property path the document actually stores. A
// cast on a choice element renames the trailing segment: value as Quantity
// becomes valueQuantity.
func (fp FieldPath) JSONField() string {
	if fp.Cast == "" {
		return fp.Path
	}
	segs := strings.Split(fp.Path, ".")
	segs[len(segs)-1] = segs[len(segs)-1] + upperFirst(fp.Cast)
	return strings.Join(segs, ".")
}

// Expression is the parsed form of a search parameter's FHIRPath expression.
// The parser covers the grammar that actually occurs in search parameter
// registries: dotted element paths, top-level unions, as-casts in both
// postfix and parenthesized form, where-filters (stripped), and extension
// value lookups.
type Expression struct {
	Raw    string
	Fields []FieldPath

	Extension           bool
	ExtensionURL        string
	ExtensionValueField FieldPath

	// Degraded is set when the expression used constructs outside the
	// supported grammar and the parser fell back to the trailing element.
	Degraded bool
}

// IsUnion reports whether the expression named several alternative paths.
func (e *Expression) IsUnion() bool { return len(e.Fields) > 1 }

// PrimaryField returns the first field path's JSON property name.
func (e *Expression) PrimaryField() string {
	if len(e.Fields) == 0 {
		return ""
	}
	return e.Fields[0].JSONField()
}

var identifierRun = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*`)

// ParseExpression parses a search parameter expression. It never fails hard
// on unknown constructs; it degrades to the trailing element path and flags
// the expression so the resolver can log it.
func ParseExpression(raw string) (*Expression, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("empty search expression")
	}

	expr := &Expression{Raw: raw}
	for _, part := range splitTopLevel(raw, '|') {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		parsePart(part, expr)
	}

	if len(expr.Fields) == 0 && !expr.Extension {
		return nil, fmt.Errorf("expression %q yields no field path", raw)
	}
	return expr, nil
}

// parsePart parses one union branch into the expression.
func parsePart(part string, expr *Expression) {
	part = stripOuterParens(part)

	// Postfix cast: "Observation.value as Quantity"
	cast := ""
	if idx := lastTopLevelIndex(part, " as "); idx > 0 {
		cast = strings.TrimSpace(part[idx+4:])
		part = strings.TrimSpace(part[:idx])
	}

	segments := splitTopLevel(part, '.')
	var path []string
	inExtension := false

	for i, seg := range segments {
		seg = strings.TrimSpace(seg)
		switch {
		case i == 0 && isTypeName(seg):
			// resource type prefix
			continue

		case strings.HasPrefix(seg, "extension(") || seg == "extension":
			url := extractExtensionURL(seg, segments, i)
			if url != "" {
				expr.Extension = true
				expr.ExtensionURL = url
				inExtension = true
				path = nil
				continue
			}
			// extension without a URL filter: treat as a plain element
			path = append(path, "extension")

		case strings.HasPrefix(seg, "where("):
			// filters do not change the element path
			continue

		case strings.HasPrefix(seg, "as("):
			cast = strings.TrimSuffix(strings.TrimPrefix(seg, "as("), ")")

		case isIdentifier(seg):
			path = append(path, seg)

		default:
			// Unsupported construct: fall back to the trailing identifier run.
			expr.Degraded = true
			if m := identifierRun.FindString(seg); m != "" {
				path = append(path, strings.Split(m, ".")...)
			}
		}
	}

	fp := FieldPath{Path: strings.Join(path, "."), Cast: cast}
	if inExtension {
		if fp.Path == "" {
			fp.Path = "value"
		}
		expr.ExtensionValueField = fp
		return
	}
	if fp.Path != "" {
		expr.Fields = append(expr.Fields, fp)
	} else {
		expr.Degraded = true
	}
}

// extractExtensionURL pulls the canonical URL out of extension('url') or the
// extension.where(url = 'url') form that registries also use.
func extractExtensionURL(seg string, segments []string, i int) string {
	if strings.HasPrefix(seg, "extension(") {
		inner := strings.TrimSuffix(strings.TrimPrefix(seg, "extension("), ")")
		return strings.Trim(inner, `'"`)
	}
	// "extension" followed by where(url = '...')
	if i+1 < len(segments) {
		next := strings.TrimSpace(segments[i+1])
		if strings.HasPrefix(next, "where(") {
			inner := strings.TrimSuffix(strings.TrimPrefix(next, "where("), ")")
			inner = strings.TrimSpace(inner)
			if strings.HasPrefix(inner, "url") {
				if eq := strings.Index(inner, "="); eq >= 0 {
					return strings.Trim(strings.TrimSpace(inner[eq+1:]), `'"`)
				}
			}
		}
	}
	return ""
}

// splitTopLevel splits s on sep, ignoring separators nested inside
// parentheses or quotes.
func splitTopLevel(s string, sep byte) []string {
	var parts []string
	depth := 0
	inQuote := byte(0)
	start := 0
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case inQuote != 0:
			if ch == inQuote {
				inQuote = 0
			}
		case ch == '\'' || ch == '"':
			inQuote = ch
		case ch == '(':
			depth++
		case ch == ')':
			depth--
		case ch == sep && depth == 0:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	return parts
}

// lastTopLevelIndex finds the last occurrence of sub outside parentheses.
func lastTopLevelIndex(s, sub string) int {
	depth := 0
	last := -1
	for i := 0; i+len(sub) <= len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
		}
		if depth == 0 && s[i:i+len(sub)] == sub {
			last = i
		}
	}
	return last
}

func stripOuterParens(s string) string {
	s = strings.TrimSpace(s)
	for strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		depth := 0
		balanced := true
		for i := 0; i < len(s)-1; i++ {
			switch s[i] {
			case '(':
				depth++
			case ')':
				depth--
			}
			if depth == 0 {
				balanced = false
				break
			}
		}
		if !balanced {
			return s
		}
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	return s
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if i == 0 && !unicode.IsLetter(r) && r != '_' {
			return false
		}
		if i > 0 && !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' {
			return false
		}
	}
	return true
}

// isTypeName reports whether a leading segment names a resource type rather
// than an element: types start with an uppercase letter.
func isTypeName(s string) bool {
	return isIdentifier(s) && s != "" && unicode.IsUpper(rune(s[0]))
}

func upperFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
