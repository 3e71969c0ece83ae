package search

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/fhirvault/fhirvault/internal/platform/db"
)

// QueryBackend compiles the query AST to SQL over the JSONB document tables
// instead of calling the index service. Selected by SEARCH_USE_QUERY_SERVICE;
// useful where the index service is not deployed, at the cost of sequential
// scans on large collections.
type QueryBackend struct {
	pool   *pgxpool.Pool
	schema string
	logger zerolog.Logger
}

func NewQueryBackend(pool *pgxpool.Pool, logger zerolog.Logger) *QueryBackend {
	return &QueryBackend{pool: pool, schema: "resources", logger: logger}
}

var identPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

func (b *QueryBackend) Search(ctx context.Context, target Target, q Query, opts Options) (*Result, error) {
	if !identPattern.MatchString(target.Collection) {
		return nil, fmt.Errorf("invalid collection name %q", target.Collection)
	}
	table := b.schema + "." + target.Collection

	c := &sqlCompiler{}
	where, err := c.compile(q)
	if err != nil {
		return nil, err
	}

	querier := db.QuerierFromContext(ctx, b.pool)
	start := time.Now()

	if opts.CountOnly {
		var total int64
		sql := fmt.Sprintf("SELECT count(*) FROM %s WHERE %s", table, where)
		if err := querier.QueryRow(ctx, sql, c.args...).Scan(&total); err != nil {
			return nil, fmt.Errorf("count %s: %w", target.Collection, err)
		}
		return &Result{Total: total, ElapsedMs: time.Since(start).Milliseconds()}, nil
	}

	orderBy, err := orderByClause(opts.Sort)
	if err != nil {
		return nil, err
	}
	limit := len(c.args) + 1
	offset := len(c.args) + 2
	sql := fmt.Sprintf(
		"SELECT key, count(*) OVER() AS total FROM %s WHERE %s %s LIMIT $%d OFFSET $%d",
		table, where, orderBy, limit, offset,
	)
	args := append(c.args, opts.Size, opts.From)

	rows, err := querier.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", target.Collection, err)
	}
	defer rows.Close()

	res := &Result{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key, &res.Total); err != nil {
			return nil, fmt.Errorf("scan %s: %w", target.Collection, err)
		}
		res.Keys = append(res.Keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query %s: %w", target.Collection, err)
	}

	// a page past the last match returns no rows, so the window total is
	// lost and needs a separate count
	if len(res.Keys) == 0 && opts.From > 0 {
		countSQL := fmt.Sprintf("SELECT count(*) FROM %s WHERE %s", table, where)
		if err := querier.QueryRow(ctx, countSQL, c.args...).Scan(&res.Total); err != nil {
			return nil, fmt.Errorf("count %s: %w", target.Collection, err)
		}
	}
	res.ElapsedMs = time.Since(start).Milliseconds()
	return res, nil
}

// orderByClause renders the sort list. Only dot-path document fields are
// accepted; a leading minus flips direction.
func orderByClause(sort []string) (string, error) {
	if len(sort) == 0 {
		return "", nil
	}
	clauses := make([]string, 0, len(sort))
	for _, s := range sort {
		dir := "ASC"
		if strings.HasPrefix(s, "-") {
			dir = "DESC"
			s = s[1:]
		}
		segments := strings.Split(s, ".")
		for _, seg := range segments {
			if !fieldSegmentPattern.MatchString(seg) {
				return "", fmt.Errorf("invalid sort field %q", s)
			}
		}
		clauses = append(clauses, fmt.Sprintf("doc#>>'{%s}' %s NULLS LAST", strings.Join(segments, ","), dir))
	}
	return "ORDER BY " + strings.Join(clauses, ", ") + ", key ASC", nil
}

var fieldSegmentPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9]*$`)

// sqlCompiler renders a query AST into one boolean SQL expression built from
// jsonb_path_exists predicates. Values travel as jsonpath vars arguments;
// regex patterns cannot be parameterized in SQL/JSON path, so they are
// escaped and inlined.
type sqlCompiler struct {
	args []any
}

func (c *sqlCompiler) compile(q Query) (string, error) {
	switch t := q.(type) {
	case MatchAllQuery:
		return "TRUE", nil
	case TermQuery:
		return c.filterPredicate(t.Field, "@ == $v", map[string]any{"v": t.Term})
	case MatchQuery:
		return c.regexPredicate(t.Field, "^"+escapeRegex(t.Match)+"$")
	case PrefixQuery:
		return c.regexPredicate(t.Field, "^"+escapeRegex(t.Prefix))
	case WildcardQuery:
		return c.regexPredicate(t.Field, wildcardToRegex(t.Wildcard))
	case ExistsQuery:
		return c.existsPredicate(t.Field)
	case DateRangeQuery:
		return c.rangePredicate(t.Field, rangeConds(
			t.Start, t.End, t.InclusiveStart, t.InclusiveEnd,
		))
	case NumericRangeQuery:
		var conds []rangeCond
		if t.Min != nil {
			conds = append(conds, rangeCond{op: boundOp(true, t.InclusiveMin), val: *t.Min})
		}
		if t.Max != nil {
			conds = append(conds, rangeCond{op: boundOp(false, t.InclusiveMax), val: *t.Max})
		}
		return c.rangePredicate(t.Field, conds)
	case ConjunctionQuery:
		return c.compileList(t.Conjuncts, " AND ")
	case DisjunctionQuery:
		return c.compileList(t.Disjuncts, " OR ")
	case BooleanQuery:
		return c.compileBoolean(t)
	case nil:
		return "TRUE", nil
	}
	return "", fmt.Errorf("unsupported query node %T", q)
}

func (c *sqlCompiler) compileList(qs []Query, sep string) (string, error) {
	if len(qs) == 0 {
		return "TRUE", nil
	}
	parts := make([]string, 0, len(qs))
	for _, q := range qs {
		p, err := c.compile(q)
		if err != nil {
			return "", err
		}
		parts = append(parts, p)
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	return "(" + strings.Join(parts, sep) + ")", nil
}

func (c *sqlCompiler) compileBoolean(q BooleanQuery) (string, error) {
	var parts []string
	if len(q.Must) > 0 {
		p, err := c.compileList(q.Must, " AND ")
		if err != nil {
			return "", err
		}
		parts = append(parts, p)
	}
	if len(q.MustNot) > 0 {
		p, err := c.compileList(q.MustNot, " OR ")
		if err != nil {
			return "", err
		}
		parts = append(parts, "NOT "+p)
	}
	if len(parts) == 0 {
		return "TRUE", nil
	}
	return "(" + strings.Join(parts, " AND ") + ")", nil
}

// filterPredicate emits jsonb_path_exists with a filter over the field path.
// Lax-mode jsonpath unwraps arrays at every step, which matches the
// flattened-field semantics of the index backend.
func (c *sqlCompiler) filterPredicate(field, filter string, vars map[string]any) (string, error) {
	path, err := jsonPath(field)
	if err != nil {
		return "", err
	}
	pathArg := c.bind(path + " ? (" + filter + ")")
	varsJSON, err := json.Marshal(vars)
	if err != nil {
		return "", fmt.Errorf("marshal jsonpath vars: %w", err)
	}
	varsArg := c.bind(string(varsJSON))
	return fmt.Sprintf("jsonb_path_exists(doc, $%d::jsonpath, $%d::jsonb)", pathArg, varsArg), nil
}

func (c *sqlCompiler) regexPredicate(field, pattern string) (string, error) {
	path, err := jsonPath(field)
	if err != nil {
		return "", err
	}
	// like_regex patterns cannot come from vars, inline with quoting
	quoted := strings.ReplaceAll(strings.ReplaceAll(pattern, `\`, `\\`), `"`, `\"`)
	pathArg := c.bind(fmt.Sprintf(`%s ? (@ like_regex "%s" flag "i")`, path, quoted))
	return fmt.Sprintf("jsonb_path_exists(doc, $%d::jsonpath)", pathArg), nil
}

func (c *sqlCompiler) existsPredicate(field string) (string, error) {
	path, err := jsonPath(field)
	if err != nil {
		return "", err
	}
	pathArg := c.bind(path)
	return fmt.Sprintf("jsonb_path_exists(doc, $%d::jsonpath)", pathArg), nil
}

type rangeCond struct {
	op  string
	val any
}

func rangeConds(start, end string, incStart, incEnd bool) []rangeCond {
	var conds []rangeCond
	if start != "" {
		conds = append(conds, rangeCond{op: boundOp(true, incStart), val: start})
	}
	if end != "" {
		conds = append(conds, rangeCond{op: boundOp(false, incEnd), val: end})
	}
	return conds
}

func boundOp(lower, inclusive bool) string {
	switch {
	case lower && inclusive:
		return ">="
	case lower:
		return ">"
	case inclusive:
		return "<="
	default:
		return "<"
	}
}

// rangePredicate renders bound conditions into one filter so both ends
// apply to the same element. Date bounds compare as ISO strings, numeric
// bounds as numbers.
func (c *sqlCompiler) rangePredicate(field string, conds []rangeCond) (string, error) {
	if len(conds) == 0 {
		return c.existsPredicate(field)
	}
	vars := map[string]any{}
	filters := make([]string, 0, len(conds))
	for i, cond := range conds {
		name := fmt.Sprintf("b%d", i)
		vars[name] = cond.val
		filters = append(filters, fmt.Sprintf("@ %s $%s", cond.op, name))
	}
	return c.filterPredicate(field, strings.Join(filters, " && "), vars)
}

func (c *sqlCompiler) bind(v any) int {
	c.args = append(c.args, v)
	return len(c.args)
}

// jsonPath renders a dot path as a jsonpath expression, validating each
// segment since paths become part of the statement.
func jsonPath(field string) (string, error) {
	segments := strings.Split(field, ".")
	for _, seg := range segments {
		if !fieldSegmentPattern.MatchString(seg) {
			return "", fmt.Errorf("invalid field path %q", field)
		}
	}
	return "$." + strings.Join(segments, "."), nil
}

var regexSpecials = `\.+*?()|[]{}^$`

func escapeRegex(s string) string {
	var sb strings.Builder
	for _, r := range s {
		if strings.ContainsRune(regexSpecials, r) {
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func wildcardToRegex(w string) string {
	var sb strings.Builder
	sb.WriteByte('^')
	for _, r := range w {
		switch r {
		case '*':
			sb.WriteString(".*")
		case '?':
			sb.WriteByte('.')
		default:
			if strings.ContainsRune(regexSpecials, r) {
				sb.WriteByte('\\')
			}
			sb.WriteRune(r)
		}
	}
	sb.WriteByte('$')
	return sb.String()
}
