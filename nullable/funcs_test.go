package nullable

import (
	"testing"

	"github.com/pgengine/pgengine/ast"
	"github.com/stretchr/testify/assert"
)

func fnCall(name string, args ...ast.Expr) ast.Expr {
	return ast.Expr{Function: &ast.FunctionCall{Name: ident(name), Args: args}}
}

func TestBuiltinFunctionsAreNeverNull(t *testing.T) {
	users := newTable("users", map[string]bool{"id": true}, []string{"id"})

	for _, fn := range []string{"count", "current_user", "now", "random", "version"} {
		stmt := selectStatement(ast.Select{
			Projection: []ast.SelectItem{item(fnCall(fn, col("", "id")), "")},
			From:       []ast.TableWithJoins{plainFrom("users")},
		})

		got, err := Infer(stmt, NewSource([]Table{users}), []string{"x"})
		assert.NoError(t, err, fn)
		assert.Equal(t, []bool{false}, got, fn)
	}
}

func TestLowerIsNotNullOnlyWhenArgumentIsNotNull(t *testing.T) {
	users := newTable("users", map[string]bool{
		"email":     true,
		"signed_up": false,
	}, []string{"email", "signed_up"})

	nullableStmt := selectStatement(ast.Select{
		Projection: []ast.SelectItem{item(fnCall("lower", col("", "email")), "")},
		From:       []ast.TableWithJoins{plainFrom("users")},
	})
	got, err := Infer(nullableStmt, NewSource([]Table{users}), []string{"x"})
	assert.NoError(t, err)
	assert.Equal(t, []bool{true}, got)

	notNullStmt := selectStatement(ast.Select{
		Projection: []ast.SelectItem{item(fnCall("lower", col("", "signed_up")), "")},
		From:       []ast.TableWithJoins{plainFrom("users")},
	})
	got, err = Infer(notNullStmt, NewSource([]Table{users}), []string{"x"})
	assert.NoError(t, err)
	assert.Equal(t, []bool{false}, got)
}

func TestCoalesceIsNotNullIfAnyArgumentIsNotNull(t *testing.T) {
	users := newTable("users", map[string]bool{
		"nickname": true,
		"username": false,
	}, []string{"nickname", "username"})

	stmt := selectStatement(ast.Select{
		Projection: []ast.SelectItem{item(fnCall("coalesce", col("", "nickname"), col("", "username")), "")},
		From:       []ast.TableWithJoins{plainFrom("users")},
	})

	got, err := Infer(stmt, NewSource([]Table{users}), []string{"x"})
	assert.NoError(t, err)
	assert.Equal(t, []bool{false}, got)
}

func TestCurrentTimestampIsNotNullOnlyWithoutArgs(t *testing.T) {
	users := newTable("users", map[string]bool{"id": false}, []string{"id"})

	noArgs := selectStatement(ast.Select{
		Projection: []ast.SelectItem{item(fnCall("current_timestamp"), "")},
		From:       []ast.TableWithJoins{plainFrom("users")},
	})
	got, err := Infer(noArgs, NewSource([]Table{users}), []string{"x"})
	assert.NoError(t, err)
	assert.Equal(t, []bool{false}, got)

	withArgs := selectStatement(ast.Select{
		Projection: []ast.SelectItem{item(fnCall("current_timestamp", col("", "id")), "")},
		From:       []ast.TableWithJoins{plainFrom("users")},
	})
	got, err = Infer(withArgs, NewSource([]Table{users}), []string{"x"})
	assert.NoError(t, err)
	assert.Equal(t, []bool{true}, got)
}

func TestUnknownFunctionDefaultsToNullableRatherThanErroring(t *testing.T) {
	users := newTable("users", map[string]bool{"id": false}, []string{"id"})

	stmt := selectStatement(ast.Select{
		Projection: []ast.SelectItem{item(fnCall("some_extension_fn", col("", "id")), "")},
		From:       []ast.TableWithJoins{plainFrom("users")},
	})

	got, err := Infer(stmt, NewSource([]Table{users}), []string{"x"})
	assert.NoError(t, err)
	assert.Equal(t, []bool{true}, got)
}
