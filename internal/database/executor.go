package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/surrealdb/surrealdb.go"
)

// Query executes a SurrealQL statement and returns the result set of the
// last statement, decoded into T.
//
// Example:
//
//	rows, err := Query[map[string]any](ctx, db, "SELECT * FROM rooms WHERE name = $name", map[string]any{"name": "general"})
func Query[T any](ctx context.Context, db *surrealdb.DB, query string, params map[string]any) ([]T, error) {
	results, err := surrealdb.Query[[]T](ctx, db, query, params)
	if err != nil {
		return nil, NewDBError(err, ErrQueryFailed.Error()).WithQuery(query)
	}
	if results == nil || len(*results) == 0 {
		return nil, nil
	}
	last := (*results)[len(*results)-1]
	if last.Status != "OK" {
		return nil, NewDBError(fmt.Errorf("%w: status %s", ErrQueryFailed, last.Status), "statement rejected").WithQuery(query)
	}
	return last.Result, nil
}

// QueryOne executes a query and returns a single result, or nil when the
// result set is empty.
func QueryOne[T any](ctx context.Context, db *surrealdb.DB, query string, params map[string]any) (*T, error) {
	if strings.HasPrefix(strings.ToUpper(strings.TrimSpace(query)), "SELECT") && !hasLimitClause(query) {
		query += " LIMIT 1"
	}
	results, err := Query[T](ctx, db, query, params)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}
	return &results[0], nil
}

// Execute runs a statement whose result is not needed.
func Execute(ctx context.Context, db *surrealdb.DB, query string, params map[string]any) error {
	if _, err := surrealdb.Query[any](ctx, db, query, params); err != nil {
		return NewDBError(err, ErrQueryFailed.Error()).WithQuery(query)
	}
	return nil
}

func hasLimitClause(query string) bool {
	query = " " + strings.ToUpper(query) + " "
	return strings.Contains(query, " LIMIT ")
}
