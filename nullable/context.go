package nullable

import (
	"fmt"

	"github.com/pgengine/pgengine/ast"
)

// context carries the state accumulated while inference walks one
// statement: which tables are currently in scope, the catalog Source
// they were pulled from, and the wal of nullability overrides learned
// from WHERE-clause predicates and join structure along the way.
type context struct {
	tables Tables
	source Source
	wal    *wal
}

func newContext(source Source) *context {
	return &context{source: source, wal: newWal()}
}

// addActiveTables brings a FROM-clause entry and every table it joins
// into scope.
func (c *context) addActiveTables(twj ast.TableWithJoins) error {
	if err := c.visitTableFactor(twj.Relation); err != nil {
		return err
	}
	for _, j := range twj.Joins {
		if err := c.visitTableFactor(j.Relation); err != nil {
			return err
		}
	}
	return nil
}

// visitTableFactor resolves one FROM-clause relation (a plain table, a
// derived subquery, or an UNNEST) into scope.
func (c *context) visitTableFactor(factor ast.TableFactor) error {
	switch {
	case factor.Table != nil:
		table, ok := c.source.FindByOriginalName(factor.Table.Name)
		if !ok {
			return fmt.Errorf("could not find table by original name: %s", factor.Table.Name.String())
		}
		if factor.Table.Alias.Value != "" {
			table.AddAlias([]ast.Ident{factor.Table.Alias})
		}
		c.push(table)
		return nil

	case factor.Derived != nil:
		nullables, err := c.nullableForQuery(factor.Derived.Subquery)
		if err != nil {
			return err
		}
		row := nullables.Flatten()
		table := row.ToTable([]ast.Ident{factor.Derived.Alias})
		c.push(table)
		return nil

	case factor.Unnest != nil:
		results, err := visitExpr(factor.Unnest.Expr, nil, c)
		if err != nil {
			return err
		}

		nullable := true
		if results.Value != nil {
			nullable = *results.Value
		}

		name := factor.Unnest.Alias
		if name.Value == "" {
			name = ast.Ident{Value: "unnest"}
		}

		table := NewTable(nil).PushColumn(&name, nullable)
		c.push(table)
		return nil
	}

	return fmt.Errorf("unsupported table factor")
}

// findTableByFactor resolves a FROM-clause relation to the in-scope
// Table it was pushed as, used once joins are being resolved and every
// table is already in scope.
func (c *context) findTableByFactor(factor ast.TableFactor) (Table, bool) {
	return c.tables.FindByFactor(factor)
}

func (c *context) findColumnByIdents(name []ast.Ident) (TableColumn, Table, error) {
	col, table, ok := c.tables.FindColumnByIdents(name)
	if !ok {
		return TableColumn{}, Table{}, fmt.Errorf("column not found: %s", (ast.ObjectName(name)).String())
	}
	return col, table, nil
}

// addWith brings every CTE's result shape into the source so the rest of
// the statement can select from it by name.
func (c *context) addWith(with *ast.With) error {
	if with == nil {
		return nil
	}
	for _, cte := range with.CTEs {
		statement, err := c.nullableForQuery(cte.Query)
		if err != nil {
			return err
		}
		row := statement.Flatten()
		table := row.ToTable([]ast.Ident{cte.Alias})
		c.source.Push(table)
	}
	return nil
}

func (c *context) iterTables() []Table {
	return c.tables.All()
}

func (c *context) findTableByName(name []ast.Ident) (Table, bool) {
	return c.tables.FindByName(name)
}

// nullableForTableCol resolves the effective nullability of one column:
// a column-level wal override wins, then a table-level wal override (if
// it says nullable), then the catalog's own declared nullability.
func (c *context) nullableForTableCol(table Table, col TableColumn) Result {
	colName := col.ColumnName

	if v, ok := c.wal.nullableForColumn(table.TableID, col.ColumnID); ok {
		return Result{Value: boolPtr(v), ColumnName: colName}
	}

	if v, ok := c.nullableForTable(table); ok && v {
		return Result{Value: boolPtr(v), ColumnName: colName}
	}

	return Result{Value: boolPtr(col.CatalogNullable), ColumnName: colName}
}

func (c *context) nullableForIdent(name []ast.Ident) (Result, error) {
	col, table, err := c.findColumnByIdents(name)
	if err != nil {
		return Result{}, err
	}
	return c.nullableForTableCol(table, col), nil
}

// push adds table to scope, ignoring it if a same-named table is already
// present.
func (c *context) push(table Table) {
	c.tables.Push(table)
}

func (c *context) nullableForTable(table Table) (bool, bool) {
	return c.wal.nullableForTable(table.TableID)
}
