package nullable

import (
	"testing"

	"github.com/pgengine/pgengine/ast"
	"github.com/stretchr/testify/assert"
)

func TestUnionCombinesBranchesWithOr(t *testing.T) {
	left := newTable("users", map[string]bool{"id": false}, []string{"id"})
	right := newTable("archived_users", map[string]bool{"id": true}, []string{"id"})

	leftQuery := &ast.Query{Select: &ast.Select{
		Projection: []ast.SelectItem{item(col("users", "id"), "")},
		From:       []ast.TableWithJoins{plainFrom("users")},
	}}
	rightQuery := &ast.Query{Select: &ast.Select{
		Projection: []ast.SelectItem{item(col("archived_users", "id"), "")},
		From:       []ast.TableWithJoins{plainFrom("archived_users")},
	}}

	stmt := &ast.Statement{Query: &ast.Query{SetOp: &ast.SetOperation{
		Op:    ast.SetOpUnion,
		Left:  leftQuery,
		Right: rightQuery,
	}}}

	got, err := Infer(stmt, NewSource([]Table{left, right}), []string{"id"})
	assert.NoError(t, err)
	assert.Equal(t, []bool{true}, got)
}

func TestUnionBothSidesNotNullStaysNotNull(t *testing.T) {
	left := newTable("users", map[string]bool{"id": false}, []string{"id"})
	right := newTable("other_users", map[string]bool{"id": false}, []string{"id"})

	leftQuery := &ast.Query{Select: &ast.Select{
		Projection: []ast.SelectItem{item(col("users", "id"), "")},
		From:       []ast.TableWithJoins{plainFrom("users")},
	}}
	rightQuery := &ast.Query{Select: &ast.Select{
		Projection: []ast.SelectItem{item(col("other_users", "id"), "")},
		From:       []ast.TableWithJoins{plainFrom("other_users")},
	}}

	stmt := &ast.Statement{Query: &ast.Query{SetOp: &ast.SetOperation{
		Op:    ast.SetOpUnionAll,
		Left:  leftQuery,
		Right: rightQuery,
	}}}

	got, err := Infer(stmt, NewSource([]Table{left, right}), []string{"id"})
	assert.NoError(t, err)
	assert.Equal(t, []bool{false}, got)
}
