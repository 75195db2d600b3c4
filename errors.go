package fluentdb

import (
	"errors"
	"fmt"
)

// ErrConfig is the root of all configuration failures: invalid query
// classification, malformed named-parameter usage, missing required settings.
// Every specialized configuration error below wraps it, so callers can match
// either the broad class or the precise cause with errors.Is.
var ErrConfig = errors.New("fluentdb: invalid configuration")

var (
	ErrParamMissing  = fmt.Errorf("%w: missing parameter", ErrConfig)
	ErrMixedMarkers  = fmt.Errorf("%w: named and positional markers mixed", ErrConfig)
	ErrParamConflict = fmt.Errorf("%w: parameter bound to conflicting values", ErrConfig)
	ErrEmptyList     = fmt.Errorf("%w: empty slice", ErrConfig)
)

var (
	// ErrDatabase wraps any failure surfaced by the underlying driver during
	// prepare/bind/execute/close. The causal chain is preserved via %w.
	ErrDatabase = errors.New("fluentdb: database error")

	// ErrMalformedScript reports unbalanced comment delimiters or an
	// unterminated string literal in a script blob.
	ErrMalformedScript = errors.New("fluentdb: malformed script")

	// ErrPastEnd is returned by Cursor.Next when the cursor has already
	// reported exhaustion.
	ErrPastEnd = errors.New("fluentdb: cursor advanced past end")

	// ErrTimeout is returned when a script run exceeds its time budget.
	ErrTimeout = errors.New("fluentdb: timed out")

	// ErrStatementClosed is returned on any use of a statement after Close.
	ErrStatementClosed = errors.New("fluentdb: statement already closed")
)

// wrapDB ties a driver error to ErrDatabase while keeping the original chain
// reachable through errors.Is/As.
func wrapDB(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrDatabase, op, err)
}
