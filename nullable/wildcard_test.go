package nullable

import (
	"testing"

	"github.com/pgengine/pgengine/ast"
	"github.com/stretchr/testify/assert"
)

func TestBareWildcardExpandsEveryInScopeColumn(t *testing.T) {
	users := newTable("users", map[string]bool{
		"id":   false,
		"name": true,
	}, []string{"id", "name"})

	stmt := selectStatement(ast.Select{
		Projection: []ast.SelectItem{wildcard()},
		From:       []ast.TableWithJoins{plainFrom("users")},
	})

	got, err := Infer(stmt, NewSource([]Table{users}), []string{"id", "name"})
	assert.NoError(t, err)
	assert.Equal(t, []bool{false, true}, got)
}

func TestQualifiedWildcardExpandsOnlyThatTable(t *testing.T) {
	users := newTable("users", map[string]bool{"id": false}, []string{"id"})
	pets := newTable("pets", map[string]bool{"pet_name": true}, []string{"pet_name"})

	stmt := selectStatement(ast.Select{
		Projection: []ast.SelectItem{wildcardFrom("pets")},
		From: []ast.TableWithJoins{
			plainFrom("users"),
			plainFrom("pets"),
		},
	})

	got, err := Infer(stmt, NewSource([]Table{users, pets}), []string{"pet_name"})
	assert.NoError(t, err)
	assert.Equal(t, []bool{true}, got)
}
