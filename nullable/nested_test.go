package nullable

import (
	"testing"

	"github.com/pgengine/pgengine/ast"
	"github.com/stretchr/testify/assert"
)

func TestExistsIsAlwaysNotNull(t *testing.T) {
	stmt := selectStatement(ast.Select{
		Projection: []ast.SelectItem{item(ast.Expr{Exists: &ast.Query{Select: &ast.Select{
			Projection: []ast.SelectItem{wildcard()},
		}}}, "")},
	})

	got, err := Infer(stmt, EmptySource(), []string{"x"})
	assert.NoError(t, err)
	assert.Equal(t, []bool{false}, got)
}

func TestScalarSubqueryIsNullableIfAnyProjectedColumnIs(t *testing.T) {
	users := newTable("users", map[string]bool{"email": true}, []string{"email"})

	sub := &ast.Query{Select: &ast.Select{
		Projection: []ast.SelectItem{item(col("", "email"), "")},
		From:       []ast.TableWithJoins{plainFrom("users")},
	}}

	stmt := selectStatement(ast.Select{
		Projection: []ast.SelectItem{item(ast.Expr{Subquery: sub}, "")},
	})

	got, err := Infer(stmt, NewSource([]Table{users}), []string{"x"})
	assert.NoError(t, err)
	assert.Equal(t, []bool{true}, got)
}

func TestCompositeAccessRecursesIntoTheWholeExpression(t *testing.T) {
	addr := ident("address")
	composite := NewTable(name("users")).PushColumn(&addr, true)

	stmt := selectStatement(ast.Select{
		Projection: []ast.SelectItem{item(ast.Expr{CompositeAccess: &ast.CompositeAccess{
			Expr:  col("", "address"),
			Field: ident("city"),
		}}, "")},
		From: []ast.TableWithJoins{plainFrom("users")},
	})

	got, err := Infer(stmt, NewSource([]Table{composite}), []string{"city"})
	assert.NoError(t, err)
	assert.Equal(t, []bool{true}, got)
}

func TestInListIsNullableIfAnyMemberIs(t *testing.T) {
	users := newTable("users", map[string]bool{"status": false}, []string{"status"})

	stmt := selectStatement(ast.Select{
		Projection: []ast.SelectItem{item(ast.Expr{InList: &ast.InList{
			Expr: col("", "status"),
			List: []ast.Expr{{Value: &ast.Value{}}, {Value: &ast.Value{Null: true}}},
		}}, "")},
		From: []ast.TableWithJoins{plainFrom("users")},
	})

	got, err := Infer(stmt, NewSource([]Table{users}), []string{"x"})
	assert.NoError(t, err)
	assert.Equal(t, []bool{true}, got)
}

func TestArrayLiteralIsNotNullWhenEveryElementIs(t *testing.T) {
	stmt := selectStatement(ast.Select{
		Projection: []ast.SelectItem{item(ast.Expr{Array: []ast.Expr{
			{Value: &ast.Value{}}, {Value: &ast.Value{}},
		}}, "")},
	})

	got, err := Infer(stmt, EmptySource(), []string{"x"})
	assert.NoError(t, err)
	assert.Equal(t, []bool{false}, got)
}
