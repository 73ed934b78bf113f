package nullable

import "github.com/pgengine/pgengine/ast"

// Infer computes, for every column name in cols (in RowDescription
// order), whether that column can come back NULL when stmt is executed
// against source. It is the single entry point the rest of this module
// is built around: executor.GetOrPrepareAnnotated calls it once per
// distinct prepared statement, caching the result the same way it
// caches the statement's other metadata, since inference only depends on
// the statement text and the catalog snapshot, not on parameter values.
func Infer(stmt *ast.Statement, source Source, cols []string) ([]bool, error) {
	c := newContext(source)

	result, err := c.nullableForStatement(*stmt)
	if err != nil {
		return nil, err
	}

	return result.GetNullableFinal(cols), nil
}

// InferColumns behaves like Infer but returns the full per-column
// Result set in projection order, for callers that want the inferred
// column names as well as their nullability (e.g. to cross-check against
// a RowDescription whose field order might differ).
func InferColumns(stmt *ast.Statement, source Source) ([]Result, error) {
	c := newContext(source)

	result, err := c.nullableForStatement(*stmt)
	if err != nil {
		return nil, err
	}

	row := result.Flatten()
	return row.cols, nil
}
