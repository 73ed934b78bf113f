package nullable

import (
	"testing"

	"github.com/pgengine/pgengine/ast"
	"github.com/stretchr/testify/assert"
)

func TestValuesRowsOfLiteralsAreNotNull(t *testing.T) {
	stmt := &ast.Statement{Query: &ast.Query{Values: &ast.Values{
		Rows: [][]ast.Expr{
			{{Value: &ast.Value{}}, {Value: &ast.Value{}}},
			{{Value: &ast.Value{}}, {Value: &ast.Value{}}},
		},
	}}}

	got, err := Infer(stmt, EmptySource(), []string{"a", "b"})
	assert.NoError(t, err)
	assert.Equal(t, []bool{false, false}, got)
}

func TestValuesRowWithNullLiteralIsNullableAfterFlattening(t *testing.T) {
	stmt := &ast.Statement{Query: &ast.Query{Values: &ast.Values{
		Rows: [][]ast.Expr{
			{{Value: &ast.Value{}}},
			{{Value: &ast.Value{Null: true}}},
		},
	}}}

	got, err := Infer(stmt, EmptySource(), []string{"a"})
	assert.NoError(t, err)
	assert.Equal(t, []bool{true}, got)
}
