package fluentdb

import (
	"context"
	"database/sql"
)

// cursorState tracks the lifecycle of a Cursor:
// notStarted → positioned on first advance, positioned → exhausted when the
// underlying rows run out, exhausted → closed automatically, any → closed on
// explicit Close or error.
type cursorState uint8

const (
	curNotStarted cursorState = iota
	curPositioned
	curExhausted
	curClosed
)

// Cursor is a single-pass, forward-only sequence over result rows. It never
// holds two live positions and is not restartable or splittable. On natural
// exhaustion it closes its owning statement automatically; on early
// abandonment the consumer must call Close (or use ForEach, which scopes the
// whole traversal), otherwise the shared connection slot stays held.
type Cursor struct {
	rows    *sql.Rows
	owner   *Statement
	cancel  context.CancelFunc
	state   cursorState
	cached  bool
	more    bool
	seen    int
	maxRows int
	err     error
}

// HasNext reports whether another row is available, advancing the underlying
// cursor at most once per logical position: the result is cached until Next
// is called, so repeated calls are idempotent. When it first returns false
// the owning statement is closed.
func (c *Cursor) HasNext() bool {
	if c.state == curExhausted || c.state == curClosed {
		return false
	}
	if c.cached {
		return c.more
	}
	if c.maxRows > 0 && c.seen >= c.maxRows {
		c.more = false
	} else {
		c.more = c.rows.Next()
		if !c.more {
			if err := c.rows.Err(); err != nil {
				c.err = wrapDB("advance", err)
			}
		}
	}
	c.cached = true
	if !c.more {
		c.state = curExhausted
		c.close()
	}
	return c.more
}

// Next moves to the next row. Calling it without a preceding true HasNext
// fails with ErrPastEnd (or with the deferred driver error, if the advance
// itself failed).
func (c *Cursor) Next() (Row, error) {
	if !c.HasNext() {
		if c.err != nil {
			return Row{}, c.err
		}
		return Row{}, ErrPastEnd
	}
	c.cached = false
	c.state = curPositioned
	c.seen++
	return Row{rows: c.rows}, nil
}

// Err returns the first error encountered while advancing, if any.
func (c *Cursor) Err() error {
	return c.err
}

// Close releases the rows and the owning statement. Idempotent; safe from
// any state.
func (c *Cursor) Close() error {
	if c.state == curClosed {
		return nil
	}
	return c.close()
}

// ForEach consumes the remaining rows under scope, closing the cursor on
// every exit path. This is the leak-safe way to iterate.
func (c *Cursor) ForEach(fn func(Row) error) error {
	defer c.Close()
	for c.HasNext() {
		row, err := c.Next()
		if err != nil {
			return err
		}
		if err := fn(row); err != nil {
			return err
		}
	}
	return c.err
}

func (c *Cursor) close() error {
	c.state = curClosed
	var err error
	if c.rows != nil {
		if cerr := c.rows.Close(); cerr != nil {
			err = wrapDB("close rows", cerr)
		}
	}
	if c.cancel != nil {
		c.cancel()
	}
	if c.owner != nil {
		if cerr := c.owner.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// Row is the cursor's current position. It is valid until the next advance.
type Row struct {
	rows *sql.Rows
}

// Scan copies the current row's columns into dest, positionally.
func (r Row) Scan(dest ...any) error {
	if err := r.rows.Scan(dest...); err != nil {
		return wrapDB("scan", err)
	}
	return nil
}

// Columns returns the result column names.
func (r Row) Columns() ([]string, error) {
	cols, err := r.rows.Columns()
	if err != nil {
		return nil, wrapDB("columns", err)
	}
	return cols, nil
}

// Values returns the current row as a generic slice, one entry per column.
func (r Row) Values() ([]any, error) {
	cols, err := r.Columns()
	if err != nil {
		return nil, err
	}
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := r.Scan(ptrs...); err != nil {
		return nil, err
	}
	return vals, nil
}
