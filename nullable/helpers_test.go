package nullable

import "github.com/pgengine/pgengine/ast"

func ident(s string) ast.Ident { return ast.Ident{Value: s} }

func name(parts ...string) []ast.Ident {
	out := make([]ast.Ident, len(parts))
	for i, p := range parts {
		out[i] = ident(p)
	}
	return out
}

func col(table string, column string) ast.Expr {
	if table == "" {
		return ast.Expr{Identifier: &ast.Ident{Value: column}}
	}
	return ast.Expr{CompoundIdentifier: name(table, column)}
}

func item(e ast.Expr, alias string) ast.SelectItem {
	return ast.SelectItem{Expr: e, Alias: ident(alias)}
}

func wildcard() ast.SelectItem {
	return ast.SelectItem{Wildcard: true}
}

func wildcardFrom(table string) ast.SelectItem {
	return ast.SelectItem{Wildcard: true, WildcardFrom: ident(table)}
}

func newTable(tableName string, cols map[string]bool, order []string) Table {
	t := NewTable(name(tableName))
	for _, c := range order {
		name := ident(c)
		t = t.PushColumn(&name, cols[c])
	}
	return t
}

func plainFrom(table string) ast.TableWithJoins {
	return ast.TableWithJoins{Relation: ast.TableFactor{Table: &ast.TableFactorTable{Name: name(table)}}}
}

func aliasedFrom(table, alias string) ast.TableWithJoins {
	return ast.TableWithJoins{Relation: ast.TableFactor{Table: &ast.TableFactorTable{Name: name(table), Alias: ident(alias)}}}
}

func selectStatement(sel ast.Select) *ast.Statement {
	return &ast.Statement{Query: &ast.Query{Select: &sel}}
}
