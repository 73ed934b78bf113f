package nullable

import (
	"fmt"

	"github.com/pgengine/pgengine/ast"
)

// visitExpr infers the nullability of a single scalar expression,
// tagging the result with alias (or the expression's own column name, if
// it refers to one directly) so later stages can resolve it by name.
func visitExpr(expr ast.Expr, alias *ast.Ident, c *context) (Result, error) {
	switch {
	case len(expr.CompoundIdentifier) > 0:
		res, err := c.nullableForIdent(expr.CompoundIdentifier)
		if err != nil {
			return Result{}, err
		}
		return res.SetAlias(alias), nil

	case expr.Identifier != nil:
		res, err := c.nullableForIdent([]ast.Ident{*expr.Identifier})
		if err != nil {
			return Result{}, err
		}
		return res.SetAlias(alias), nil

	case expr.Function != nil:
		res, err := visitFunc(*expr.Function, c)
		if err != nil {
			return Result{}, err
		}
		return res.SetAlias(alias), nil

	case expr.Exists != nil:
		return Unnamed(boolPtr(false)), nil

	case expr.Value != nil:
		if expr.Value.Null {
			return Unnamed(boolPtr(true)).SetAlias(alias), nil
		}
		return Unnamed(boolPtr(false)).SetAlias(alias), nil

	case expr.Placeholder != nil:
		nullable := c.source.ParamAt(expr.Placeholder.Index - 1)
		return Unnamed(nullable).SetAlias(alias), nil

	case expr.Cast != nil:
		return visitExpr(expr.Cast.Expr, alias, c)

	case expr.Tuple != nil:
		return Unnamed(boolPtr(false)).SetAlias(alias), nil

	case expr.Nested != nil:
		return visitExpr(*expr.Nested, alias, c)

	case expr.BinaryOp != nil:
		left, err := visitExpr(expr.BinaryOp.Left, alias, c)
		if err != nil {
			return Result{}, err
		}
		right, err := visitExpr(expr.BinaryOp.Right, alias, c)
		if err != nil {
			return Result{}, err
		}

		switch {
		case boolValEq(left.Value, false) && boolValEq(right.Value, false):
			return Unnamed(boolPtr(false)), nil
		case boolValEq(left.Value, true) || boolValEq(right.Value, true):
			return Unnamed(boolPtr(true)), nil
		default:
			return Unnamed(nil), nil
		}

	case expr.Subquery != nil:
		statement, err := c.nullableForQuery(expr.Subquery)
		if err != nil {
			return Result{}, err
		}
		anyNullable := false
		for _, v := range statement.GetNullable() {
			if v != nil && *v {
				anyNullable = true
				break
			}
		}
		return Unnamed(boolPtr(anyNullable)).SetAlias(alias), nil

	case expr.Array != nil:
		row := EmptyRow()
		for _, el := range expr.Array {
			res, err := visitExpr(el, nil, c)
			if err != nil {
				return Result{}, err
			}
			row.Push(res)
		}
		result, ok := row.ToResult()
		if !ok {
			return Result{}, fmt.Errorf("empty array expression")
		}
		return result, nil

	case expr.CompositeAccess != nil:
		return visitExpr(expr.CompositeAccess.Expr, &expr.CompositeAccess.Field, c)

	case expr.InList != nil:
		row := NewRow(nil)
		first, err := visitExpr(expr.InList.Expr, alias, c)
		if err != nil {
			return Result{}, err
		}
		row.Push(first)
		for _, el := range expr.InList.List {
			res, err := visitExpr(el, nil, c)
			if err != nil {
				return Result{}, err
			}
			row.Push(res)
		}
		result, ok := row.ToResult()
		if !ok {
			return Result{}, fmt.Errorf("empty in-list expression")
		}
		return result, nil

	case expr.InSubquery != nil:
		result, err := visitExpr(expr.InSubquery.Expr, alias, c)
		if err != nil {
			return Result{}, err
		}
		statement, err := c.nullableForQuery(expr.InSubquery.Subquery)
		if err != nil {
			return Result{}, err
		}
		row := statement.Flatten()
		row.Push(result)
		combined, ok := row.ToResult()
		if !ok {
			return Result{}, fmt.Errorf("empty subquery expression")
		}
		return combined, nil

	case expr.InUnnest != nil:
		first, err := visitExpr(expr.InUnnest.Expr, alias, c)
		if err != nil {
			return Result{}, err
		}
		second, err := visitExpr(expr.InUnnest.ArrayExpr, nil, c)
		if err != nil {
			return Result{}, err
		}
		row := NewRow([]Result{first, second})
		result, ok := row.ToResult()
		if !ok {
			return Result{}, fmt.Errorf("empty unnest expression")
		}
		return result, nil

	case expr.IsNull != nil, expr.IsNotNull != nil:
		return Unnamed(boolPtr(false)).SetAlias(alias), nil

	default:
		return Result{}, fmt.Errorf("unsupported expression shape")
	}
}

func boolValEq(v *bool, want bool) bool {
	return v != nil && *v == want
}

// getNullableCol walks a WHERE clause looking for predicates that prove
// a referenced column cannot be NULL in the result: `col IS NOT NULL`
// directly, or `col = <not-null expr>` (and its mirror), recursing
// through AND so every conjunct is considered. OR is not descended into,
// since a column excluded by only one branch of an OR isn't proven
// not-null overall.
func getNullableCol(expr ast.Expr, c *context, resolvers []*joinResolver) error {
	switch {
	case expr.IsNotNull != nil:
		col, ok, err := getColumn(*expr.IsNotNull, c)
		if err != nil {
			return err
		}
		if ok {
			c.wal.addColumn(col.TableID, col.ColumnID, false)
			for _, r := range resolvers {
				r.setNullable(col.TableID, boolPtr(false))
			}
		}
		return nil

	case expr.BinaryOp != nil:
		left := expr.BinaryOp.Left
		right := expr.BinaryOp.Right

		if leftCol, ok, err := getColumn(left, c); err != nil {
			return err
		} else if ok {
			rightRes, err := visitExpr(right, nil, c)
			if err != nil {
				return err
			}
			if boolValEq(rightRes.Value, false) {
				c.wal.addColumn(leftCol.TableID, leftCol.ColumnID, false)
				for _, r := range resolvers {
					r.setNullable(leftCol.TableID, boolPtr(false))
				}
			}
		}

		if rightCol, ok, err := getColumn(right, c); err != nil {
			return err
		} else if ok {
			leftRes, err := visitExpr(left, nil, c)
			if err != nil {
				return err
			}
			if boolValEq(leftRes.Value, false) {
				c.wal.addColumn(rightCol.TableID, rightCol.ColumnID, false)
				for _, r := range resolvers {
					r.setNullable(rightCol.TableID, boolPtr(false))
				}
			}
		}

		if expr.BinaryOp.Op != ast.OpAnd {
			return nil
		}

		if err := getNullableCol(left, c, resolvers); err != nil {
			return err
		}
		return getNullableCol(right, c, resolvers)

	case len(expr.CompoundIdentifier) > 0, expr.Identifier != nil, expr.Value != nil:
		return nil

	default:
		return nil
	}
}

func getColumn(expr ast.Expr, c *context) (TableColumn, bool, error) {
	switch {
	case len(expr.CompoundIdentifier) > 0:
		col, _, err := c.findColumnByIdents(expr.CompoundIdentifier)
		if err != nil {
			return TableColumn{}, false, nil
		}
		return col, true, nil
	case expr.Identifier != nil:
		col, _, err := c.findColumnByIdents([]ast.Ident{*expr.Identifier})
		if err != nil {
			return TableColumn{}, false, nil
		}
		return col, true, nil
	default:
		return TableColumn{}, false, nil
	}
}
