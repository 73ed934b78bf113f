package nullable

import "github.com/pgengine/pgengine/ast"

// Source is the catalog snapshot inference runs against: the known base
// tables (with their columns' catalog-declared nullability) and the
// nullability of each bind parameter the caller already knows, e.g. from
// a NOT NULL constraint on the column a parameter is compared against.
type Source struct {
	tables []Table
	params []*bool
}

// NewSource constructs a Source seeded with the given base tables.
func NewSource(tables []Table) Source {
	return Source{tables: tables}
}

// EmptySource returns a Source with no known tables or parameters.
func EmptySource() Source {
	return Source{}
}

// FindByOriginalName looks up a base table by its catalog name,
// returning a copy so callers can freely alias it without mutating the
// shared catalog snapshot.
func (s Source) FindByOriginalName(name []ast.Ident) (Table, bool) {
	for _, t := range s.tables {
		if identsEqual(t.OriginalName, name) {
			return t, true
		}
	}
	return Table{}, false
}

// Push adds a derived table (e.g. a CTE's result shape) to the source so
// later parts of the same statement can select from it by name.
func (s *Source) Push(table Table) {
	s.tables = append(s.tables, table)
}

// AddParams appends parameter nullability hints, in bind-position order.
func (s *Source) AddParams(params []*bool) {
	s.params = append(s.params, params...)
}

// ParamAt returns the nullability hint for the parameter at the given
// zero-based position, if the caller supplied one.
func (s Source) ParamAt(index int) *bool {
	if index < 0 || index >= len(s.params) {
		return nil
	}
	return s.params[index]
}
