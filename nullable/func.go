package nullable

import (
	"strings"

	"github.com/pgengine/pgengine/ast"
)

// visitFunc infers a function call's nullability from a fixed table of
// known Postgres builtins: never-null functions (count, now, ...),
// functions that are not-null only if every argument is, coalesce (which
// is not-null as soon as any argument is), and null-propagating
// aggregates. A function not in the table is treated as unknown rather
// than erroring, since new builtins and user-defined functions are
// common and the conservative default (nullable) is always safe.
func visitFunc(fn ast.FunctionCall, c *context) (Result, error) {
	name := strings.ToLower(fn.Name.Value)

	switch name {
	case "count", "current_user", "now", "random", "version":
		return Unnamed(boolPtr(false)), nil

	case "lower", "upper", "concat", "length", "abs", "ceil", "ceiling",
		"floor", "round", "power", "sum", "avg", "min", "max":
		args, err := argsNullable(fn.Args, c)
		if err != nil {
			return Result{}, err
		}
		if len(args) > 0 && allNotNull(args) {
			return Unnamed(boolPtr(false)), nil
		}
		return Unnamed(nil), nil

	case "coalesce":
		args, err := argsNullable(fn.Args, c)
		if err != nil {
			return Result{}, err
		}
		if len(args) > 0 && anyNotNull(args) {
			return Unnamed(boolPtr(false)), nil
		}
		return Unnamed(nil), nil

	case "array_agg", "array_remove":
		args, err := argsNullable(fn.Args, c)
		if err != nil {
			return Result{}, err
		}
		if len(args) > 0 {
			return Unnamed(boolPtr(false)), nil
		}
		return Unnamed(nil), nil

	case "current_timestamp":
		args, err := argsNullable(fn.Args, c)
		if err != nil {
			return Result{}, err
		}
		if len(args) == 0 {
			return Unnamed(boolPtr(false)), nil
		}
		return Unnamed(nil), nil

	case "generate_series":
		return Unnamed(boolPtr(false)), nil

	default:
		return Unnamed(nil), nil
	}
}

func argsNullable(args []ast.Expr, c *context) ([]*bool, error) {
	out := make([]*bool, 0, len(args))
	for _, a := range args {
		res, err := visitExpr(a, nil, c)
		if err != nil {
			return nil, err
		}
		out = append(out, res.Value)
	}
	return out, nil
}

func allNotNull(vals []*bool) bool {
	for _, v := range vals {
		if !boolValEq(v, false) {
			return false
		}
	}
	return true
}

func anyNotNull(vals []*bool) bool {
	for _, v := range vals {
		if boolValEq(v, false) {
			return true
		}
	}
	return false
}
