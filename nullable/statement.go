package nullable

import (
	"fmt"

	"github.com/pgengine/pgengine/ast"
)

// nullableForStatement infers a top-level statement's projected row
// shape. A plain SELECT/CTE/UNION projects its own columns; INSERT,
// UPDATE and DELETE only project anything when they carry a RETURNING
// clause, otherwise they produce no rows at all. Every other statement
// kind (DDL, SET, COPY, and similar) is opaque to nullability inference.
func (c *context) nullableForStatement(stmt ast.Statement) (Statement, error) {
	switch {
	case stmt.Query != nil:
		return c.nullableForQuery(stmt.Query)

	case stmt.Insert != nil:
		return c.nullableForInsert(*stmt.Insert)

	case stmt.Delete != nil:
		return c.nullableForDelete(*stmt.Delete)

	case stmt.Update != nil:
		return c.nullableForUpdate(*stmt.Update)

	case stmt.Opaque:
		return EmptyStatement(), nil

	default:
		return Statement{}, fmt.Errorf("unsupported statement shape")
	}
}

func (c *context) nullableForInsert(insert ast.Insert) (Statement, error) {
	if len(insert.Returning) == 0 {
		return EmptyStatement(), nil
	}

	table, ok := c.source.FindByOriginalName(insert.TableName)
	if !ok {
		return Statement{}, fmt.Errorf("could not find table: %s", ast.ObjectName(insert.TableName).String())
	}
	c.push(table)

	return c.nullableForReturning(insert.Returning)
}

func (c *context) nullableForDelete(del ast.Delete) (Statement, error) {
	for _, twj := range del.From {
		if err := c.addActiveTables(twj); err != nil {
			return Statement{}, err
		}
	}

	if len(del.Returning) == 0 {
		return EmptyStatement(), nil
	}

	return c.nullableForReturning(del.Returning)
}

func (c *context) nullableForUpdate(upd ast.Update) (Statement, error) {
	if len(upd.Returning) == 0 {
		return EmptyStatement(), nil
	}

	if err := c.addActiveTables(upd.Table); err != nil {
		return Statement{}, err
	}

	return c.nullableForReturning(upd.Returning)
}

// nullableForReturning resolves a RETURNING clause's items against the
// tables already pushed into scope by its owning INSERT/UPDATE/DELETE.
func (c *context) nullableForReturning(items []ast.SelectItem) (Statement, error) {
	row := EmptyRow()
	for _, item := range items {
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
