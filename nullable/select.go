package nullable

import (
	"fmt"

	"github.com/pgengine/pgengine/ast"
)

func errTableNotFound(name string) error {
	return fmt.Errorf("table not found: %s", name)
}

// nullableForSelect infers the result row shape of one plain SELECT:
// bring its FROM-clause tables into scope, resolve join nullability and
// WHERE-clause predicates into the wal, then visit each projected item.
func (c *context) nullableForSelect(sel ast.Select) (Statement, error) {
	for _, twj := range sel.From {
		if err := c.addActiveTables(twj); err != nil {
			return Statement{}, err
		}
	}

	resolvers, err := c.updateFromJoin(sel)
	if err != nil {
		return Statement{}, err
	}

	if err := c.updateFromWhere(sel, resolvers); err != nil {
		return Statement{}, err
	}

	for _, resolver := range resolvers {
		for table, nullable := range resolver.getNullables() {
			c.wal.addTable(table, nullable)
		}
	}

	row := EmptyRow()
	for _, item := range sel.Projection {
		results, err := c.visitSelectItem(item)
		if err != nil {
			return Statement{}, err
		}
		for _, r := range results {
			row.Push(r)
		}
	}

	return NewStatement(row), nil
}

// updateFromWhere walks the WHERE clause, if any, looking for predicates
// that prove a column not-null within this statement's result.
func (c *context) updateFromWhere(sel ast.Select, resolvers []*joinResolver) error {
	if sel.Selection.IsZero() {
		return nil
	}
	return getNullableCol(sel.Selection, c, resolvers)
}

// visitSelectItem expands one projection entry into its Results: a
// single Result for a plain expression, or one Result per column for a
// wildcard.
func (c *context) visitSelectItem(item ast.SelectItem) ([]Result, error) {
	switch {
	case item.Wildcard && item.WildcardFrom.Value != "":
		table, ok := c.findTableByName([]ast.Ident{item.WildcardFrom})
		if !ok {
			return nil, errTableNotFound(item.WildcardFrom.Value)
		}
		var out []Result
		for _, col := range table.Columns {
			out = append(out, c.nullableForTableCol(table, col))
		}
		return out, nil

	case item.Wildcard:
		var out []Result
		for _, table := range c.iterTables() {
			for _, col := range table.Columns {
				out = append(out, c.nullableForTableCol(table, col))
			}
		}
		return out, nil

	default:
		var alias *ast.Ident
		if item.Alias.Value != "" {
			alias = &item.Alias
		}
		res, err := visitExpr(item.Expr, alias, c)
		if err != nil {
			return nil, err
		}
		return []Result{res}, nil
	}
}
