// Package nullable infers, for a parsed statement and a catalog snapshot
// of the tables it touches, whether each projected column can come back
// NULL. It walks a statement's ast.Statement tree the way the extended
// query protocol's RowDescription walks a prepared statement's result
// shape, except it reasons about join structure and WHERE-clause filters
// instead of reading the structure off the wire.
package nullable

import "github.com/pgengine/pgengine/ast"

// TableID identifies one table within a single inference run. IDs are
// assigned in the order tables are pushed into scope and are only
// meaningful within that run.
type TableID int

// ColumnID identifies a column's position within its table.
type ColumnID int

// TableColumn is one column of a Table as seen during inference: its
// catalog-declared nullability plus the identity needed to look up
// overrides recorded in a Wal.
type TableColumn struct {
	ColumnName      *ast.Ident
	CatalogNullable bool
	TableID         TableID
	ColumnID        ColumnID
}

// Table is a named relation in scope during inference, either a base
// table from the catalog Source or a derived relation built from a
// subquery, CTE, or UNNEST.
type Table struct {
	TableID      TableID
	OriginalName []ast.Ident
	TableName    []ast.Ident
	Columns      []TableColumn
}

// NewTable constructs a Table named by the given identifier path. A nil
// name produces an unnamed table, used for derived relations that have
// not yet been aliased.
func NewTable(name []ast.Ident) Table {
	return Table{OriginalName: name, TableName: name}
}

// PushColumn appends a column with the given catalog nullability,
// returning the updated Table to allow chaining during construction.
func (t Table) PushColumn(name *ast.Ident, catalogNullable bool) Table {
	t.Columns = append(t.Columns, TableColumn{
		ColumnName:      name,
		CatalogNullable: catalogNullable,
		TableID:         t.TableID,
		ColumnID:        ColumnID(len(t.Columns)),
	})
	return t
}

// Equals reports whether two tables would collide if both were pushed
// into the same scope, i.e. they share a table name.
func (t Table) Equals(other Table) bool {
	return identsEqual(t.TableName, other.TableName)
}

// AddAlias overrides the table's in-scope name, used when a FROM clause
// entry carries an alias.
func (t *Table) AddAlias(alias []ast.Ident) {
	if len(alias) > 0 {
		t.TableName = alias
	}
}

func identsEqual(a, b []ast.Ident) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Value != b[i].Value {
			return false
		}
	}
	return true
}

// Tables is the ordered set of relations currently in scope for one
// inference run.
type Tables struct {
	list []Table
}

// Push adds table to scope, assigning it the next TableID, unless a
// table with the same name is already present.
func (t *Tables) Push(table Table) {
	for _, cur := range t.list {
		if cur.Equals(table) {
			return
		}
	}

	table.TableID = TableID(len(t.list))
	for i := range table.Columns {
		table.Columns[i].TableID = table.TableID
	}

	t.list = append(t.list, table)
}

// Len reports how many tables are in scope.
func (t *Tables) Len() int {
	return len(t.list)
}

// All returns every table currently in scope, in push order.
func (t *Tables) All() []Table {
	return t.list
}

// FindByName returns the in-scope table with the given name (alias or
// original), if any.
func (t *Tables) FindByName(name []ast.Ident) (Table, bool) {
	for _, table := range t.list {
		if identsEqual(table.TableName, name) {
			return table, true
		}
	}
	return Table{}, false
}

// FindByFactor resolves a FROM-clause entry to the in-scope Table it
// refers to: by alias if one was given, otherwise by its dotted name.
func (t *Tables) FindByFactor(factor ast.TableFactor) (Table, bool) {
	if factor.Table == nil {
		return Table{}, false
	}

	if len(factor.Table.Alias.Value) > 0 {
		return t.FindByName([]ast.Ident{factor.Table.Alias})
	}

	return t.FindByName(factor.Table.Name)
}

// FindColumnByIdents resolves a (possibly qualified) column reference
// against every in-scope table: a bare name is matched against every
// table's columns, a qualified name is matched against the table whose
// alias or original name matches the qualifier.
func (t *Tables) FindColumnByIdents(name []ast.Ident) (TableColumn, Table, bool) {
	if len(name) == 1 {
		for _, table := range t.list {
			for _, col := range table.Columns {
				if col.ColumnName != nil && col.ColumnName.Value == name[0].Value {
					return col, table, true
				}
			}
		}
	}

	qualifier := name[:len(name)-1]
	colName := name[len(name)-1]

	for _, table := range t.list {
		if !identsEqual(table.TableName, qualifier) {
			continue
		}
		for _, col := range table.Columns {
			if col.ColumnName != nil && col.ColumnName.Value == colName.Value {
				return col, table, true
			}
		}
	}

	for _, table := range t.list {
		if !identsEqual(table.OriginalName, qualifier) {
			continue
		}
		for _, col := range table.Columns {
			if col.ColumnName != nil && col.ColumnName.Value == colName.Value {
				return col, table, true
			}
		}
	}

	return TableColumn{}, Table{}, false
}

// FindColumnsByIdents returns every in-scope (column, table) pair whose
// column matches the given bare name, used to resolve USING/NATURAL join
// columns that exist on more than one side.
func (t *Tables) FindColumnsByIdents(name ast.Ident) []struct {
	Column TableColumn
	Table  Table
} {
	var out []struct {
		Column TableColumn
		Table  Table
	}

	for _, table := range t.list {
		for _, col := range table.Columns {
			if col.ColumnName != nil && col.ColumnName.Value == name.Value {
				out = append(out, struct {
					Column TableColumn
					Table  Table
				}{col, table})
			}
		}
	}

	return out
}
