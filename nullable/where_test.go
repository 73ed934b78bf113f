package nullable

import (
	"testing"

	"github.com/pgengine/pgengine/ast"
	"github.com/stretchr/testify/assert"
)

func TestWhereIsNotNullProvesColumnNotNull(t *testing.T) {
	users := newTable("users", map[string]bool{"email": true}, []string{"email"})

	stmt := selectStatement(ast.Select{
		Projection: []ast.SelectItem{item(col("", "email"), "")},
		From:       []ast.TableWithJoins{plainFrom("users")},
		Selection:  ast.Expr{IsNotNull: ptrExpr(col("", "email"))},
	})

	got, err := Infer(stmt, NewSource([]Table{users}), []string{"email"})
	assert.NoError(t, err)
	assert.Equal(t, []bool{false}, got)
}

func TestWhereEqualsNotNullLiteralProvesColumnNotNull(t *testing.T) {
	users := newTable("users", map[string]bool{"status": true}, []string{"status"})

	stmt := selectStatement(ast.Select{
		Projection: []ast.SelectItem{item(col("", "status"), "")},
		From:       []ast.TableWithJoins{plainFrom("users")},
		Selection: ast.Expr{BinaryOp: &ast.BinaryOp{
			Left:  col("", "status"),
			Op:    ast.OpEq,
			Right: ast.Expr{Value: &ast.Value{}},
		}},
	})

	got, err := Infer(stmt, NewSource([]Table{users}), []string{"status"})
	assert.NoError(t, err)
	assert.Equal(t, []bool{false}, got)
}

func TestWhereOrDoesNotProveNotNull(t *testing.T) {
	users := newTable("users", map[string]bool{"status": true}, []string{"status"})

	stmt := selectStatement(ast.Select{
		Projection: []ast.SelectItem{item(col("", "status"), "")},
		From:       []ast.TableWithJoins{plainFrom("users")},
		Selection: ast.Expr{BinaryOp: &ast.BinaryOp{
			Left:  ast.Expr{IsNotNull: ptrExpr(col("", "status"))},
			Op:    ast.OpOr,
			Right: ast.Expr{Value: &ast.Value{Null: true}},
		}},
	})

	got, err := Infer(stmt, NewSource([]Table{users}), []string{"status"})
	assert.NoError(t, err)
	assert.Equal(t, []bool{true}, got)
}

func TestWhereAndRecursesThroughBothConjuncts(t *testing.T) {
	users := newTable("users", map[string]bool{
		"email": true,
		"name":  true,
	}, []string{"email", "name"})

	stmt := selectStatement(ast.Select{
		Projection: []ast.SelectItem{item(col("", "email"), ""), item(col("", "name"), "")},
		From:       []ast.TableWithJoins{plainFrom("users")},
		Selection: ast.Expr{BinaryOp: &ast.BinaryOp{
			Left:  ast.Expr{IsNotNull: ptrExpr(col("", "email"))},
			Op:    ast.OpAnd,
			Right: ast.Expr{IsNotNull: ptrExpr(col("", "name"))},
		}},
	})

	got, err := Infer(stmt, NewSource([]Table{users}), []string{"email", "name"})
	assert.NoError(t, err)
	assert.Equal(t, []bool{false, false}, got)
}

func ptrExpr(e ast.Expr) *ast.Expr { return &e }
