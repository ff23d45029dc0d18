package query

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// validIdentifier matches SQL identifiers that may be interpolated.
var validIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// columns lists the queryable columns of each collection, in select order.
var columns = map[string][]string{
	"records": {"id", "partition", "double_value", "long_int", "medium_int"},
}

// Columns returns the columns selected for collection.
func Columns(collection string) ([]string, bool) {
	cols, ok := columns[collection]
	return slices.Clone(cols), ok
}

// SQLCompiler compiles queries to parameterized SQLite.
// Values are never interpolated; identifiers are checked against the
// collection's column list.
type SQLCompiler struct{}

// NewSQLCompiler creates a compiler.
func NewSQLCompiler() *SQLCompiler {
	return &SQLCompiler{}
}

// Compile returns the SELECT statement and its parameters.
func (c *SQLCompiler) Compile(q Query) (string, []any, error) {
	sel, err := asSelect(q)
	if err != nil {
		return "", nil, err
	}
	cols, where, params, order, err := c.parts(sel)
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("SELECT %s FROM %s%s ORDER BY %s",
		strings.Join(cols, ", "), sel.From, where, order), params, nil
}

// CompileCount returns a COUNT(*) statement over the rows q selects.
func (c *SQLCompiler) CompileCount(q Query) (string, []any, error) {
	sel, err := asSelect(q)
	if err != nil {
		return "", nil, err
	}
	_, where, params, _, err := c.parts(sel)
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("SELECT COUNT(*) FROM %s%s", sel.From, where), params, nil
}

func asSelect(q Query) (Select, error) {
	switch v := q.(type) {
	case nil:
		return Select{}, fmt.Errorf("cannot compile nil query")
	case Select:
		return v, nil
	case *Select:
		if v == nil {
			return Select{}, fmt.Errorf("cannot compile nil query")
		}
		return *v, nil
	default:
		return Select{}, fmt.Errorf("unsupported query type: %T", q)
	}
}

func (c *SQLCompiler) parts(sel Select) (cols []string, where string, params []any, order string, err error) {
	cols, ok := columns[sel.From]
	if !ok {
		return nil, "", nil, "", fmt.Errorf("unknown collection %q", sel.From)
	}
	if sel.Filter != nil {
		sql, p, err := c.compilePredicate(sel.From, sel.Filter)
		if err != nil {
			return nil, "", nil, "", fmt.Errorf("compile filter: %w", err)
		}
		where = " WHERE " + sql
		params = p
	}

	var keys []string
	for _, f := range sel.OrderBy {
		if err := checkField(sel.From, f); err != nil {
			return nil, "", nil, "", fmt.Errorf("order by: %w", err)
		}
		if f == "id" {
			continue
		}
		keys = append(keys, f+" ASC")
	}
	keys = append(keys, "id COLLATE BINARY ASC")
	return cols, where, params, strings.Join(keys, ", "), nil
}

func (c *SQLCompiler) compilePredicate(from string, p Predicate) (string, []any, error) {
	switch pred := p.(type) {
	case nil:
		return "1 = 1", nil, nil
	case Equals:
		return compileEquals(from, pred)
	case *Equals:
		return compileEquals(from, *pred)
	case And:
		return c.compileAnd(from, pred)
	case *And:
		return c.compileAnd(from, *pred)
	default:
		return "", nil, fmt.Errorf("unsupported predicate type: %T", p)
	}
}

func compileEquals(from string, eq Equals) (string, []any, error) {
	if err := checkField(from, eq.Field); err != nil {
		return "", nil, err
	}
	switch v := eq.Value.(type) {
	case string, int64, bool:
		return eq.Field + " = ?", []any{v}, nil
	case int:
		return eq.Field + " = ?", []any{int64(v)}, nil
	case nil:
		return "", nil, fmt.Errorf("null comparison on %q is not supported", eq.Field)
	default:
		return "", nil, fmt.Errorf("unsupported value type %T for %q", eq.Value, eq.Field)
	}
}

func (c *SQLCompiler) compileAnd(from string, and And) (string, []any, error) {
	if len(and.Predicates) == 0 {
		return "1 = 1", nil, nil
	}
	parts := make([]string, 0, len(and.Predicates))
	var params []any
	for _, pred := range and.Predicates {
		sql, p, err := c.compilePredicate(from, pred)
		if err != nil {
			return "", nil, err
		}
		parts = append(parts, sql)
		params = append(params, p...)
	}
	return strings.Join(parts, " AND "), params, nil
}

func checkField(from, field string) error {
	if !validIdentifier.MatchString(field) {
		return fmt.Errorf("invalid identifier %q", field)
	}
	if !slices.Contains(columns[from], field) {
		return fmt.Errorf("unknown field %q in %s", field, from)
	}
	return nil
}
