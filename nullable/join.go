package nullable

import (
	"fmt"

	"github.com/pgengine/pgengine/ast"
)

// updateFromJoin builds one joinResolver per FROM-clause entry that has
// joins, encoding each join operator's effect on which tables can come
// back as an all-NULL row: LEFT/RIGHT/FULL OUTER mark the appropriate
// side nullable, INNER and CROSS mark both sides not-null (since an
// INNER join drops any row without a match on both sides), per standard
// SQL join semantics.
func (c *context) updateFromJoin(sel ast.Select) ([]*joinResolver, error) {
	var resolvers []*joinResolver

	for _, twj := range sel.From {
		if len(twj.Joins) == 0 {
			continue
		}

		baseTable, ok := c.findTableByFactor(twj.Relation)
		if !ok {
			return nil, fmt.Errorf("could not find base table for join")
		}

		resolver := fromBase(baseTable.TableID)

		for _, join := range twj.Joins {
			leftTable, ok := c.findTableByFactor(join.Relation)
			if !ok {
				return nil, fmt.Errorf("could not find joined table")
			}

			switch join.Operator {
			case ast.JoinLeft:
				if err := c.handleJoinConstraint(resolver, join.Constraint, baseTable, leftTable,
					func(left TableID, right []TableID, r *joinResolver) {
						for _, rt := range right {
							r.addLeaf(rt, left, nil)
						}
						r.setNullable(left, boolPtr(true))
					}); err != nil {
					return nil, err
				}

			case ast.JoinInner:
				if err := c.handleJoinConstraint(resolver, join.Constraint, baseTable, leftTable,
					func(left TableID, right []TableID, r *joinResolver) {
						for _, rt := range right {
							r.addLeaf(rt, left, nil)
						}
						for _, rt := range right {
							if rt != left {
								r.setNullableIfBase(rt, false)
							}
						}
					}); err != nil {
					return nil, err
				}

			case ast.JoinCross:
				resolver.addLeaf(baseTable.TableID, leftTable.TableID, nil)
				resolver.setNullableIfBase(baseTable.TableID, false)

			case ast.JoinRight:
				if err := c.handleJoinConstraint(resolver, join.Constraint, baseTable, leftTable,
					func(left TableID, right []TableID, r *joinResolver) {
						*r = *r.setNewBase(left)
						for _, rt := range right {
							if rt != left {
								r.collapsingSetNullable(rt, true)
							}
						}
						r.setNullable(left, boolPtr(false))
					}); err != nil {
					return nil, err
				}

			case ast.JoinFull:
				if err := c.handleJoinConstraint(resolver, join.Constraint, baseTable, leftTable,
					func(left TableID, right []TableID, r *joinResolver) {
						for _, rt := range right {
							r.addLeaf(rt, left, nil)
						}
						for _, rt := range right {
							if rt != left {
								r.setNullable(rt, boolPtr(true))
							}
						}
						r.setNullable(left, boolPtr(true))
					}); err != nil {
					return nil, err
				}

			default:
				return nil, fmt.Errorf("unsupported join operator")
			}
		}

		resolvers = append(resolvers, resolver)
	}

	return resolvers, nil
}

// handleJoinConstraint resolves the ON/USING/NATURAL clause qualifying a
// join into the set of tables it relates, then hands the join operator's
// own effect (callback) the joined table and that set.
func (c *context) handleJoinConstraint(
	resolver *joinResolver,
	constraint ast.JoinConstraint,
	baseTable, leftJoinedTable Table,
	callback func(left TableID, right []TableID, r *joinResolver),
) error {
	switch {
	case constraint.OnSet:
		seen := map[TableID]bool{}
		c.recursiveFindJoinedTables(constraint.On, seen)

		rightTables := make([]TableID, 0, len(seen))
		for id := range seen {
			rightTables = append(rightTables, id)
		}

		if !containsID(rightTables, leftJoinedTable.TableID) {
			return fmt.Errorf("join condition does not reference joined table")
		}

		callback(leftJoinedTable.TableID, rightTables, resolver)
		return nil

	case len(constraint.Using) > 0:
		seen := map[TableID]bool{}
		for _, colName := range constraint.Using {
			for _, pair := range c.tables.FindColumnsByIdents(colName) {
				seen[pair.Table.TableID] = true
			}
		}

		rightTables := make([]TableID, 0, len(seen))
		for id := range seen {
			rightTables = append(rightTables, id)
		}

		if !containsID(rightTables, leftJoinedTable.TableID) {
			return fmt.Errorf("using clause does not reference joined table")
		}

		for _, rt := range rightTables {
			resolver.addLeaf(rt, leftJoinedTable.TableID, nil)
		}

		callback(leftJoinedTable.TableID, rightTables, resolver)
		return nil

	case constraint.Natural:
		rightTables := []TableID{baseTable.TableID, leftJoinedTable.TableID}

		for _, rt := range rightTables {
			resolver.addLeaf(rt, leftJoinedTable.TableID, nil)
		}

		callback(leftJoinedTable.TableID, rightTables, resolver)
		return nil

	default:
		return fmt.Errorf("join has no constraint")
	}
}

// recursiveFindJoinedTables collects every table referenced by an ON
// expression, walking through AND/OR/comparison operators and array
// subscripting to find the column references at the leaves.
func (c *context) recursiveFindJoinedTables(expr ast.Expr, tables map[TableID]bool) {
	switch {
	case len(expr.CompoundIdentifier) > 0:
		_, table, err := c.findColumnByIdents(expr.CompoundIdentifier)
		if err == nil {
			tables[table.TableID] = true
		}
	case expr.BinaryOp != nil:
		c.recursiveFindJoinedTables(expr.BinaryOp.Left, tables)
		c.recursiveFindJoinedTables(expr.BinaryOp.Right, tables)
	case expr.Value != nil:
	default:
	}
}

func containsID(ids []TableID, id TableID) bool {
	for _, i := range ids {
		if i == id {
			return true
		}
	}
	return false
}
