package nullable

import (
	"testing"

	"github.com/pgengine/pgengine/ast"
	"github.com/stretchr/testify/assert"
)

func TestPlaceholderWithoutHintIsUnknownAndDefaultsNullable(t *testing.T) {
	stmt := selectStatement(ast.Select{
		Projection: []ast.SelectItem{item(ast.Expr{Placeholder: &ast.Placeholder{Index: 1}}, "")},
	})

	got, err := Infer(stmt, EmptySource(), []string{"x"})
	assert.NoError(t, err)
	assert.Equal(t, []bool{true}, got)
}

func TestPlaceholderWithCatalogHintIsHonored(t *testing.T) {
	source := EmptySource()
	notNull := false
	source.AddParams([]*bool{&notNull})

	stmt := selectStatement(ast.Select{
		Projection: []ast.SelectItem{item(ast.Expr{Placeholder: &ast.Placeholder{Index: 1}}, "")},
	})

	got, err := Infer(stmt, source, []string{"x"})
	assert.NoError(t, err)
	assert.Equal(t, []bool{false}, got)
}

func TestSecondPlaceholderResolvesIndependentlyOfFirst(t *testing.T) {
	source := EmptySource()
	notNull := false
	nullable := true
	source.AddParams([]*bool{&notNull, &nullable})

	stmt := selectStatement(ast.Select{
		Projection: []ast.SelectItem{
			item(ast.Expr{Placeholder: &ast.Placeholder{Index: 1}}, ""),
			item(ast.Expr{Placeholder: &ast.Placeholder{Index: 2}}, ""),
		},
	})

	got, err := Infer(stmt, source, []string{"a", "b"})
	assert.NoError(t, err)
	assert.Equal(t, []bool{false, true}, got)
}
