package database

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nfrund/chatsync/internal/backend"
)

// Common database errors that can be checked using errors.Is().
var (
	// ErrNotConnected is returned when no healthy connection is available.
	ErrNotConnected = errors.New("database not connected")

	// ErrQueryFailed is returned when the server rejects a statement.
	ErrQueryFailed = errors.New("query execution failed")

	// ErrInvalidIdentifier is returned for table or field names that cannot be
	// safely interpolated into SurrealQL.
	ErrInvalidIdentifier = errors.New("invalid identifier")

	// ErrLiveQueryClosed is reported when the server side of a live query goes away.
	ErrLiveQueryClosed = errors.New("live query closed")
)

// DBError represents a database error with additional context.
type DBError struct {
	err     error
	context string
	query   string
	params  map[string]any
}

// NewDBError creates a new DBError with the given error and context.
func NewDBError(err error, context string) *DBError {
	return &DBError{err: err, context: context}
}

// WithQuery adds query information to the error.
func (e *DBError) WithQuery(query string) *DBError {
	e.query = query
	return e
}

// WithParams adds query parameters to the error.
func (e *DBError) WithParams(params map[string]any) *DBError {
	e.params = params
	return e
}

func (e *DBError) Error() string {
	msg := e.context
	if e.query != "" {
		msg = fmt.Sprintf("%s\nQuery: %s", msg, e.query)
	}
	if len(e.params) > 0 {
		msg = fmt.Sprintf("%s\nParams: %+v", msg, e.params)
	}
	if e.err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.err)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *DBError) Unwrap() error {
	return e.err
}

// Is matches backend.ErrConflict for unique index violations reported by the
// server, so callers never inspect driver messages themselves.
func (e *DBError) Is(target error) bool {
	if target == backend.ErrConflict {
		return isConflict(e.err)
	}
	return false
}

// WrapError wraps an error with additional context, extending an existing
// DBError rather than nesting it.
func WrapError(err error, context string) error {
	if err == nil {
		return nil
	}
	var dbErr *DBError
	if errors.As(err, &dbErr) {
		if dbErr.context != "" {
			context = fmt.Sprintf("%s: %s", context, dbErr.context)
		}
		dbErr.context = context
		return dbErr
	}
	return NewDBError(err, context)
}

func isConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already contains") || strings.Contains(msg, "already exists")
}
