package fluentdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Batch executes one update statement repeatedly over ordered parameter sets.
// Sets run strictly in the order supplied, over a single prepared statement.
// In transactional mode the whole batch commits or rolls back as a unit.
type Batch struct {
	db    *DB
	query string
	sets  [][]any
	named []Params
	inTx  bool
	opts  Options
}

// Batch builds a batch update operation.
func (d *DB) Batch(query string, opts ...Options) *Batch {
	return &Batch{db: d, query: query, opts: mergeOptions(d.opts, opts)}
}

// Add appends one positional parameter set.
func (b *Batch) Add(args ...any) *Batch {
	b.sets = append(b.sets, args)
	return b
}

// AddNamed appends one named parameter set. Values are resolved against the
// query's markers per set; slice values are bound as scalars in batch mode.
func (b *Batch) AddNamed(ps ...Param) *Batch {
	b.named = append(b.named, Params(ps))
	return b
}

// AddNamedMap appends one named parameter set from a map.
func (b *Batch) AddNamedMap(m map[string]any) *Batch {
	b.named = append(b.named, NamedArgs(m))
	return b
}

// Transactional wraps the whole batch in one transaction at the configured
// isolation level. On any set failure every prior effect rolls back.
func (b *Batch) Transactional() *Batch {
	b.inTx = true
	return b
}

// Run executes all parameter sets in order and returns the affected-row
// count of each, in the same order.
func (b *Batch) Run(ctx context.Context) ([]int64, error) {
	if len(b.sets) > 0 && len(b.named) > 0 {
		return nil, fmt.Errorf("%w: batch mixes positional and named sets", ErrConfig)
	}

	text := b.query
	var names []string
	if len(b.named) > 0 || hasNamedMarkers(b.query) {
		var err error
		text, names, err = markerOrder(b.query)
		if err != nil {
			return nil, err
		}
		if len(names) > 0 && len(b.named) == 0 {
			return nil, fmt.Errorf("%w: query has named markers but sets are positional", ErrParamMissing)
		}
	}

	conn, release, err := b.db.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var p preparer = conn
	var tx *sql.Tx
	if b.inTx {
		tx, err = conn.BeginTx(ctx, &sql.TxOptions{Isolation: b.opts.Isolation})
		if err != nil {
			return nil, wrapDB("begin", err)
		}
		p = tx
	}
	rollback := func() {
		if tx != nil {
			if rerr := tx.Rollback(); rerr != nil && !errors.Is(rerr, sql.ErrTxDone) {
				_ = rerr // swallowed: the causal error is already propagating
			}
		}
	}

	st, err := newStatement(ctx, p, text, b.opts, nil)
	if err != nil {
		rollback()
		return nil, err
	}
	defer st.Close()

	counts := make([]int64, 0, len(b.sets)+len(b.named))
	run := func(args []any) error {
		res, err := st.ExecWith(ctx, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return wrapDB("rows affected", err)
		}
		counts = append(counts, n)
		return nil
	}

	for _, set := range b.sets {
		if err := run(set); err != nil {
			rollback()
			return nil, err
		}
	}
	for _, ps := range b.named {
		args, err := resolveSet(names, ps)
		if err != nil {
			rollback()
			return nil, err
		}
		if err := run(args); err != nil {
			rollback()
			return nil, err
		}
	}

	if tx != nil {
		if err := tx.Commit(); err != nil {
			return nil, wrapDB("commit", err)
		}
	}
	return counts, nil
}

// resolveSet orders one named set's values by marker position.
func resolveSet(names []string, ps Params) ([]any, error) {
	vals, err := ps.index()
	if err != nil {
		return nil, err
	}
	args := make([]any, 0, len(names))
	for _, name := range names {
		v, ok := vals[name]
		if !ok {
			return nil, fmt.Errorf("%w: :%s", ErrParamMissing, name)
		}
		args = append(args, v)
	}
	return args, nil
}
