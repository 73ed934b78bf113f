package nullable

import (
	"testing"

	"github.com/pgengine/pgengine/ast"
	"github.com/stretchr/testify/assert"
)

func TestSelectQualifiedColumnResolvesThroughAlias(t *testing.T) {
	users := newTable("users", map[string]bool{
		"id":   false,
		"name": true,
	}, []string{"id", "name"})

	stmt := selectStatement(ast.Select{
		Projection: []ast.SelectItem{item(col("u", "id"), ""), item(col("u", "name"), "")},
		From:       []ast.TableWithJoins{aliasedFrom("users", "u")},
	})

	got, err := Infer(stmt, NewSource([]Table{users}), []string{"id", "name"})
	assert.NoError(t, err)
	assert.Equal(t, []bool{false, true}, got)
}

func TestSelectOriginalNameStillResolvesOnceAliased(t *testing.T) {
	users := newTable("users", map[string]bool{"id": false}, []string{"id"})

	stmt := selectStatement(ast.Select{
		Projection: []ast.SelectItem{item(col("users", "id"), "")},
		From:       []ast.TableWithJoins{aliasedFrom("users", "u")},
	})

	got, err := Infer(stmt, NewSource([]Table{users}), []string{"id"})
	assert.NoError(t, err)
	assert.Equal(t, []bool{false}, got)
}

func TestProjectionAliasRenamesOutputColumn(t *testing.T) {
	users := newTable("users", map[string]bool{"id": false}, []string{"id"})

	stmt := selectStatement(ast.Select{
		Projection: []ast.SelectItem{item(col("", "id"), "user_id")},
		From:       []ast.TableWithJoins{plainFrom("users")},
	})

	cols, err := InferColumns(stmt, NewSource([]Table{users}))
	assert.NoError(t, err)
	assert.Len(t, cols, 1)
	assert.Equal(t, "user_id", cols[0].ColumnName.Value)
	assert.False(t, *cols[0].Value)
}
