package fluentdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Statement owns one prepared statement for its lifetime. It applies bound
// values positionally and is not reusable after Close; operations that permit
// re-execution build a fresh handle internally instead.
type Statement struct {
	stmt    *sql.Stmt
	text    string
	args    []any
	timeout time.Duration
	maxRows int
	onClose func()
	closed  bool
}

// newStatement prepares text on p. The onClose callback runs exactly once
// when the statement's lifecycle ends, on every path (success, error,
// cursor exhaustion).
func newStatement(ctx context.Context, p preparer, text string, opts Options, onClose func()) (*Statement, error) {
	if opts.Print != nil {
		opts.Print(text)
	}
	stmt, err := p.PrepareContext(ctx, text)
	if err != nil {
		if onClose != nil {
			onClose()
		}
		return nil, wrapDB("prepare", err)
	}
	return &Statement{
		stmt:    stmt,
		text:    text,
		timeout: opts.QueryTimeout,
		maxRows: opts.MaxRows,
		onClose: onClose,
	}, nil
}

// Bind appends values, bound positionally at execution. No type coercion is
// performed beyond the driver's own conversion rules.
func (s *Statement) Bind(values ...any) *Statement {
	s.args = append(s.args, values...)
	return s
}

// Exec runs the statement. On failure the statement closes itself before the
// error propagates; no handle leaks on the failure path.
func (s *Statement) Exec(ctx context.Context) (sql.Result, error) {
	return s.ExecWith(ctx, s.args...)
}

// ExecWith runs the statement with an explicit value set, leaving any bound
// values untouched. Batch execution re-runs one handle with many sets.
func (s *Statement) ExecWith(ctx context.Context, values ...any) (sql.Result, error) {
	if s.closed {
		return nil, ErrStatementClosed
	}
	ctx, cancel := s.deadline(ctx)
	defer cancel()

	res, err := s.stmt.ExecContext(ctx, values...)
	if err != nil {
		s.Close()
		return nil, execErr("exec", err)
	}
	return res, nil
}

// Query runs the statement and returns a cursor over its rows. The cursor
// takes ownership: it closes this statement on exhaustion or on Close.
func (s *Statement) Query(ctx context.Context) (*Cursor, error) {
	if s.closed {
		return nil, ErrStatementClosed
	}
	ctx, cancel := s.deadline(ctx)

	rows, err := s.stmt.QueryContext(ctx, s.args...)
	if err != nil {
		cancel()
		s.Close()
		return nil, execErr("query", err)
	}
	return &Cursor{rows: rows, owner: s, cancel: cancel, maxRows: s.maxRows}, nil
}

// Close closes the underlying prepared statement, which also closes any open
// cursor derived from it. Idempotent.
func (s *Statement) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.stmt.Close()
	if s.onClose != nil {
		s.onClose()
	}
	if err != nil {
		return wrapDB("close", err)
	}
	return nil
}

// deadline applies the per-statement timeout, if any.
func (s *Statement) deadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout > 0 {
		return context.WithTimeout(ctx, s.timeout)
	}
	return ctx, func() {}
}

// execErr classifies a driver failure: deadline overruns surface as
// ErrTimeout, everything else as an ErrDatabase chain.
func execErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %w", ErrTimeout, op, err)
	}
	return wrapDB(op, err)
}
