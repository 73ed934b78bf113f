package nullable

import (
	"testing"

	"github.com/pgengine/pgengine/ast"
	"github.com/stretchr/testify/assert"
)

func TestSelectPlainColumnsPassThroughCatalog(t *testing.T) {
	users := newTable("users", map[string]bool{
		"id":    false,
		"email": true,
	}, []string{"id", "email"})

	stmt := selectStatement(ast.Select{
		Projection: []ast.SelectItem{item(col("", "id"), ""), item(col("", "email"), "")},
		From:       []ast.TableWithJoins{plainFrom("users")},
	})

	got, err := Infer(stmt, NewSource([]Table{users}), []string{"id", "email"})
	assert.NoError(t, err)
	assert.Equal(t, []bool{false, true}, got)
}

func TestSelectUnknownColumnDefaultsNullable(t *testing.T) {
	users := newTable("users", map[string]bool{"id": false}, []string{"id"})

	stmt := selectStatement(ast.Select{
		Projection: []ast.SelectItem{item(ast.Expr{Function: &ast.FunctionCall{Name: ident("some_udf")}}, "x")},
		From:       []ast.TableWithJoins{plainFrom("users")},
	})

	got, err := Infer(stmt, NewSource([]Table{users}), []string{"x"})
	assert.NoError(t, err)
	assert.Equal(t, []bool{true}, got)
}
