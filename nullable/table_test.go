package nullable

import (
	"testing"

	"github.com/pgengine/pgengine/ast"
	"github.com/stretchr/testify/assert"
)

func TestTablePushColumnAssignsSequentialColumnIDs(t *testing.T) {
	id := ident("id")
	email := ident("email")

	table := NewTable(name("users")).PushColumn(&id, false).PushColumn(&email, true)

	assert.Len(t, table.Columns, 2)
	assert.Equal(t, ColumnID(0), table.Columns[0].ColumnID)
	assert.Equal(t, ColumnID(1), table.Columns[1].ColumnID)
	assert.False(t, table.Columns[0].CatalogNullable)
	assert.True(t, table.Columns[1].CatalogNullable)
}

func TestTablesPushAssignsTableIDsAndDedupesByName(t *testing.T) {
	var tables Tables
	tables.Push(NewTable(name("users")))
	tables.Push(NewTable(name("pets")))
	tables.Push(NewTable(name("users")))

	assert.Equal(t, 2, tables.Len())

	found, ok := tables.FindByName(name("pets"))
	assert.True(t, ok)
	assert.Equal(t, TableID(1), found.TableID)
}

func TestTableAddAliasOnlyOverridesWhenNonEmpty(t *testing.T) {
	table := NewTable(name("users"))

	table.AddAlias(nil)
	assert.Equal(t, name("users"), table.TableName)

	table.AddAlias(name("u"))
	assert.Equal(t, name("u"), table.TableName)
	assert.Equal(t, name("users"), table.OriginalName)
}

func TestFindColumnByIdentsPrefersQualifiedOverBareAcrossTables(t *testing.T) {
	id := ident("id")
	users := NewTable(name("users")).PushColumn(&id, false)
	pets := NewTable(name("pets")).PushColumn(&id, true)

	var tables Tables
	tables.Push(users)
	tables.Push(pets)

	col, table, ok := tables.FindColumnByIdents(name("pets", "id"))
	assert.True(t, ok)
	assert.Equal(t, "pets", table.TableName[0].Value)
	assert.True(t, col.CatalogNullable)
}

func TestExprIsZeroDetectsAbsentExpression(t *testing.T) {
	assert.True(t, ast.Expr{}.IsZero())
	assert.False(t, ast.Expr{Identifier: &ast.Ident{Value: "x"}}.IsZero())
}
