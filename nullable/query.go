package nullable

import "github.com/pgengine/pgengine/ast"

// nullableForQuery infers a Query's row shape: its WITH clause is
// resolved into scope first, then exactly one of its Select, SetOp or
// Values bodies is walked.
func (c *context) nullableForQuery(q *ast.Query) (Statement, error) {
	if err := c.addWith(q.With); err != nil {
		return Statement{}, err
	}

	switch {
	case q.Select != nil:
		return c.nullableForSelect(*q.Select)

	case q.SetOp != nil:
		return c.nullableForSetOp(*q.SetOp)

	case q.Values != nil:
		return c.nullableForValues(*q.Values)

	default:
		return EmptyStatement(), nil
	}
}

// nullableForSetOp combines the two branches of a UNION/INTERSECT/EXCEPT
// by appending both sides' row shapes: Flatten later ORs them together
// positionally, since a row in the combined result can come from either
// branch.
func (c *context) nullableForSetOp(op ast.SetOperation) (Statement, error) {
	right, err := c.nullableForQuery(op.Right)
	if err != nil {
		return Statement{}, err
	}
	left, err := c.nullableForQuery(op.Left)
	if err != nil {
		return Statement{}, err
	}

	combined := Statement{}
	combined.Combine(right)
	combined.Combine(left)
	return combined, nil
}

// nullableForValues infers a bare VALUES list: one row shape per tuple,
// later flattened the same way a UNION's branches are.
func (c *context) nullableForValues(values ast.Values) (Statement, error) {
	statement := EmptyStatement()

	for _, tupleRow := range values.Rows {
		row := EmptyRow()
		for _, col := range tupleRow {
			res, err := visitExpr(col, nil, c)
			if err != nil {
				return Statement{}, err
			}
			row.Push(res)
		}
		statement.Push(row)
	}

	return statement, nil
}
