package nullable

import "github.com/pgengine/pgengine/ast"

// Result is the inferred nullability of one projected value: true/false
// if inference reached a definite answer, nil if no rule applied and the
// caller should default to nullable.
type Result struct {
	ColumnName *ast.Ident
	Value      *bool
}

func boolPtr(b bool) *bool { return &b }

// Unnamed constructs a Result carrying no column name, used for
// expressions that aren't a plain column reference.
func Unnamed(value *bool) Result {
	return Result{Value: value}
}

// SetAlias overrides the result's column name when alias is non-nil,
// used when a projection item carries an explicit "AS alias".
func (r Result) SetAlias(alias *ast.Ident) Result {
	if alias != nil {
		r.ColumnName = alias
	}
	return r
}

// Combine ORs two results together: nullable if either side is, not
// nullable only if both sides agree, unknown if neither side knows.
func (r *Result) Combine(other Result) {
	switch {
	case r.Value != nil && other.Value != nil:
		r.Value = boolPtr(*r.Value || *other.Value)
	case r.Value != nil:
		// keep r.Value
	case other.Value != nil:
		r.Value = other.Value
	default:
		r.Value = nil
	}
}

// Row is an ordered sequence of Results, one per projected column of a
// single SELECT/VALUES row.
type Row struct {
	cols []Result
}

// NewRow wraps an existing slice of Results as a Row.
func NewRow(cols []Result) Row {
	return Row{cols: cols}
}

// EmptyRow returns a Row with no columns.
func EmptyRow() Row {
	return Row{}
}

// Push appends one Result.
func (r *Row) Push(res Result) {
	r.cols = append(r.cols, res)
}

// Append moves every Result out of other onto r, leaving other empty.
func (r *Row) Append(other *Row) {
	r.cols = append(r.cols, other.cols...)
	other.cols = nil
}

// Len reports how many columns are in the row.
func (r Row) Len() int {
	return len(r.cols)
}

// ToResult folds every column in the row into a single combined Result,
// used when an expression (e.g. an array literal or an IN list) depends
// on the nullability of several sub-expressions at once.
func (r Row) ToResult() (Result, bool) {
	if len(r.cols) == 0 {
		return Result{}, false
	}

	result := r.cols[len(r.cols)-1]
	for i := len(r.cols) - 2; i >= 0; i-- {
		result.Combine(r.cols[i])
	}

	return result, true
}

// NullableAt returns the nullability of the column at index, preferring
// a column-name match against both ends of the row (used when the same
// named column was projected on both sides of a join and its definite
// ends agree) over positional lookup.
func (r Row) NullableAt(colName string, index int) *bool {
	leftIdx, leftVal, leftOK := r.findFromLeft(colName)
	if leftOK {
		if rightIdx, _, rightOK := r.findFromRight(colName); rightOK && rightIdx == leftIdx {
			return leftVal
		}
	}

	if index < 0 || index >= len(r.cols) {
		return nil
	}
	return r.cols[index].Value
}

// NullableAtIndex returns the nullability of the column at a fixed
// position, with no name-based lookup.
func (r Row) NullableAtIndex(index int) *bool {
	if index < 0 || index >= len(r.cols) {
		return nil
	}
	return r.cols[index].Value
}

func (r Row) findFromLeft(colName string) (int, *bool, bool) {
	for i, res := range r.cols {
		if res.ColumnName != nil && res.ColumnName.Value == colName {
			return i, res.Value, true
		}
	}
	return 0, nil, false
}

func (r Row) findFromRight(colName string) (int, *bool, bool) {
	for i := len(r.cols) - 1; i >= 0; i-- {
		if r.cols[i].ColumnName != nil && r.cols[i].ColumnName.Value == colName {
			return i, r.cols[i].Value, true
		}
	}
	return 0, nil, false
}

// ToTable turns a projected row into a Table, one column per Result, so
// a derived FROM-clause subquery or CTE can be treated as an ordinary
// table by the rest of inference.
func (r Row) ToTable(name []ast.Ident) Table {
	table := NewTable(name)
	for _, res := range r.cols {
		nullable := true
		if res.Value != nil {
			nullable = *res.Value
		}
		table = table.PushColumn(res.ColumnName, nullable)
	}
	return table
}

// Statement is the accumulated set of row shapes produced while
// inferring a whole statement: one Row per SELECT branch of a UNION, one
// Row per tuple of a VALUES list, or a single Row for a plain SELECT.
type Statement struct {
	rows []Row
}

// NewStatement wraps a single Row as a one-branch Statement.
func NewStatement(row Row) Statement {
	return Statement{rows: []Row{row}}
}

// EmptyStatement returns a Statement with no rows, used for statements
// that project nothing (e.g. an INSERT with no RETURNING clause).
func EmptyStatement() Statement {
	return Statement{}
}

// Push appends one row shape, used to accumulate VALUES tuples.
func (s *Statement) Push(row Row) {
	s.rows = append(s.rows, row)
}

// Combine appends every row of other onto s, used to merge the two sides
// of a UNION/INTERSECT/EXCEPT.
func (s *Statement) Combine(other Statement) {
	s.rows = append(s.rows, other.rows...)
}

// Flatten merges every row shape into one, ORing nullability for columns
// that line up positionally and adopting whichever side names a column
// first. This is how a CTE or derived subquery's final column shape is
// computed from a statement that may have several row shapes (a UNION,
// several VALUES tuples).
func (s Statement) Flatten() Row {
	if len(s.rows) == 0 {
		return EmptyRow()
	}

	first := s.rows[0]
	for _, row := range s.rows[1:] {
		for i, col := range row.cols {
			if i >= len(first.cols) {
				first.cols = append(first.cols, col)
				continue
			}

			combined := first.cols[i]
			combined.Combine(col)

			first.cols[i].Value = combined.Value
			if first.cols[i].ColumnName == nil && col.ColumnName != nil {
				first.cols[i].ColumnName = col.ColumnName
			}
		}
	}

	return first
}

// GetNullable returns the final per-column nullability after folding
// every row shape together positionally.
func (s Statement) GetNullable() []*bool {
	if len(s.rows) == 0 {
		return nil
	}

	out := make([]*bool, len(s.rows[0].cols))
	for i, col := range s.rows[0].cols {
		out[i] = col.Value
	}

	for _, row := range s.rows[1:] {
		for i, col := range row.cols {
			if i >= len(out) {
				continue
			}
			switch {
			case out[i] != nil && col.Value != nil:
				out[i] = boolPtr(*out[i] || *col.Value)
			case out[i] != nil:
			case col.Value != nil:
				out[i] = col.Value
			}
		}
	}

	return out
}

// GetNullableFinal resolves every named output column against the
// flattened row shape, defaulting to nullable (the conservative answer)
// wherever inference reached no definite conclusion.
func (s Statement) GetNullableFinal(cols []string) []bool {
	flattened := s.Flatten()

	results := make([]bool, len(cols))
	for i, col := range cols {
		if v := flattened.NullableAt(col, i); v != nil {
			results[i] = *v
		} else {
			results[i] = true
		}
	}

	return results
}
