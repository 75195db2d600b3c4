package fluentdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
)

// DB is the main entry point. It owns a single physical connection, obtained
// eagerly from a caller-supplied *sql.DB or lazily from a supplier function
// invoked on first use and cached. All operations created from one DB share
// that connection; access is single-flight, serialized by a mutex plus a
// condition variable so that transactional sections exclude concurrent
// queries. A DB is safe for concurrent use.
type DB struct {
	open func() (*sql.DB, error)
	opts Options

	mu   sync.Mutex
	cond *sync.Cond
	busy bool

	db     *sql.DB
	conn   *sql.Conn
	owned  bool // db came from the supplier, Close tears it down
	closed bool
}

// Options defines behavior shared across operation kinds. A single Options
// value is passed by value into each operation's constructor; zero fields
// inherit the DB-level defaults.
type Options struct {
	// QueryTimeout bounds each statement execution. Negative values are
	// clamped to zero, meaning no timeout.
	QueryTimeout time.Duration
	// MaxRows truncates a cursor after this many rows. Zero means unlimited.
	MaxRows int
	// Isolation applies to transactional script and batch runs.
	Isolation sql.IsolationLevel
	// SkipErrors routes per-statement script failures to ErrorHandler and
	// continues; when false the first failure aborts the run.
	SkipErrors bool
	// ErrorHandler receives skipped statement failures. Nil means discard.
	ErrorHandler func(stmt string, err error)
	// SkipWarnings drops errors classified as warnings by WarningFilter.
	// When false, warnings fall under the SkipErrors policy like any error.
	SkipWarnings bool
	// WarningFilter classifies a driver error as a warning. Nil classifies
	// nothing; database/sql exposes no separate warning channel.
	WarningFilter func(error) bool
	// Print, if set, receives the fully-substituted SQL text of every
	// statement just before execution. Diagnostics only.
	Print func(sql string)
}

// New returns a DB bound to an existing *sql.DB. The caller keeps ownership
// of db; Close releases only the cached connection.
func New(db *sql.DB, opts ...Options) *DB {
	d := &DB{db: db, opts: mergeOptions(Options{}, opts)}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// NewLazy returns a DB whose *sql.DB is produced by open on first use and
// cached for the DB's lifetime. Close tears the produced handle down.
func NewLazy(open func() (*sql.DB, error), opts ...Options) *DB {
	d := &DB{open: open, owned: true, opts: mergeOptions(Options{}, opts)}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// Close releases the cached connection and, for lazily-opened handles, the
// underlying *sql.DB. Idempotent.
func (d *DB) Close() error {
	d.mu.Lock()
	for d.busy {
		d.cond.Wait()
	}
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true

	var err error
	if d.conn != nil {
		err = d.conn.Close()
		d.conn = nil
	}
	if d.owned && d.db != nil {
		if cerr := d.db.Close(); cerr != nil && err == nil {
			err = cerr
		}
		d.db = nil
	}
	if err != nil {
		return wrapDB("close", err)
	}
	return nil
}

// acquire takes the single-flight slot and returns the shared connection plus
// a release callback. The callback is safe to invoke more than once. Only the
// slot holder touches d.conn, so the lazy dial below needs no extra locking.
func (d *DB) acquire(ctx context.Context) (*sql.Conn, func(), error) {
	d.mu.Lock()
	for d.busy {
		d.cond.Wait()
	}
	if d.closed {
		d.mu.Unlock()
		return nil, nil, ErrStatementClosed
	}
	d.busy = true
	d.mu.Unlock()

	conn, err := d.connection(ctx)
	if err != nil {
		d.release()
		return nil, nil, err
	}
	var once sync.Once
	return conn, func() { once.Do(d.release) }, nil
}

func (d *DB) release() {
	d.mu.Lock()
	d.busy = false
	d.cond.Signal()
	d.mu.Unlock()
}

// connection dials lazily and caches the single shared connection.
func (d *DB) connection(ctx context.Context) (*sql.Conn, error) {
	if d.conn != nil {
		return d.conn, nil
	}
	if d.db == nil {
		db, err := d.open()
		if err != nil {
			return nil, wrapDB("open", err)
		}
		d.db = db
	}
	conn, err := d.db.Conn(ctx)
	if err != nil {
		return nil, wrapDB("connect", err)
	}
	d.conn = conn
	return conn, nil
}

// --------------------------------
// Sessions
// --------------------------------

// preparer abstracts *sql.Conn and *sql.Tx statement preparation.
type preparer interface {
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

// session yields a preparer for one operation plus its release callback.
// The DB session takes the single-flight slot; the Tx session runs inside an
// already-held slot and releases nothing.
type session interface {
	begin(ctx context.Context) (preparer, func(), error)
}

func (d *DB) begin(ctx context.Context) (preparer, func(), error) {
	conn, release, err := d.acquire(ctx)
	if err != nil {
		return nil, nil, err
	}
	return conn, release, nil
}

// Tx is a transactional section. Operations created from it run on the
// transaction's connection without re-entering the single-flight gate.
type Tx struct {
	tx   *sql.Tx
	opts Options
}

func (t *Tx) begin(ctx context.Context) (preparer, func(), error) {
	return t.tx, func() {}, nil
}

// Exec runs a statement directly on the transaction.
func (t *Tx) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDB("exec", err)
	}
	return res, nil
}

// Select builds a row-returning operation bound to the transaction.
func (t *Tx) Select(query string, opts ...Options) *Select {
	return &Select{sess: t, query: query, opts: mergeOptions(t.opts, opts)}
}

// Update builds a row-count operation bound to the transaction.
func (t *Tx) Update(query string, opts ...Options) *Update {
	return &Update{sess: t, query: query, opts: mergeOptions(t.opts, opts)}
}

// Call builds a stored-procedure operation bound to the transaction.
func (t *Tx) Call(query string, opts ...Options) *Call {
	return &Call{sess: t, query: query, opts: mergeOptions(t.opts, opts)}
}

// Transact runs fn inside one transaction while holding the single-flight
// slot for the whole section. A nil return commits; any error (or panic)
// rolls back. Rollback failures on an already-failing path never mask the
// original error.
func (d *DB) Transact(ctx context.Context, fn func(*Tx) error) error {
	conn, release, err := d.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	tx, err := conn.BeginTx(ctx, &sql.TxOptions{Isolation: d.opts.Isolation})
	if err != nil {
		return wrapDB("begin", err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if rerr := tx.Rollback(); rerr != nil && !errors.Is(rerr, sql.ErrTxDone) {
			_ = rerr // swallowed: the causal error is already propagating
		}
	}()

	if err := fn(&Tx{tx: tx, opts: d.opts}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return wrapDB("commit", err)
	}
	committed = true
	return nil
}

// --------------------------------
// Select
// --------------------------------

// Select is a row-returning operation. It is single-use: one Fetch* call
// consumes it, and a later call builds a fresh statement handle internally.
type Select struct {
	sess   session
	query  string
	params Params
	args   []any
	opts   Options
}

// Select builds a row-returning operation. Non-select text is rejected with
// ErrConfig at fetch time.
func (d *DB) Select(query string, opts ...Options) *Select {
	return &Select{sess: d, query: query, opts: mergeOptions(d.opts, opts)}
}

// Bind appends positional arguments.
func (q *Select) Bind(args ...any) *Select {
	q.args = append(q.args, args...)
	return q
}

// Named appends named bindings.
func (q *Select) Named(ps ...Param) *Select {
	q.params = append(q.params, ps...)
	return q
}

// NamedMap appends named bindings from a map.
func (q *Select) NamedMap(m map[string]any) *Select {
	q.params = append(q.params, NamedArgs(m)...)
	return q
}

// Fetch executes the query and returns a single-pass cursor over its rows.
// The cursor owns the statement and the connection slot: it must be consumed
// to exhaustion or explicitly closed, or the shared connection stays busy.
// Prefer ForEach for scoped consumption.
func (q *Select) Fetch(ctx context.Context) (*Cursor, error) {
	text, args, err := buildQuery(q.query, q.params, q.args)
	if err != nil {
		return nil, err
	}
	if kw := firstKeyword(text); !selectKeyword[kw] {
		return nil, fmt.Errorf("%w: %q is not a row-returning statement", ErrConfig, kw)
	}

	p, release, err := q.sess.begin(ctx)
	if err != nil {
		return nil, err
	}
	st, err := newStatement(ctx, p, text, q.opts, release)
	if err != nil {
		return nil, err
	}
	return st.Bind(args...).Query(ctx)
}

// FetchEach fetches and consumes the cursor under scope, closing it on every
// exit path.
func (q *Select) FetchEach(ctx context.Context, fn func(Row) error) error {
	cur, err := q.Fetch(ctx)
	if err != nil {
		return err
	}
	return cur.ForEach(fn)
}

// FetchOne fetches exactly one row into dest. It returns sql.ErrNoRows when
// the result is empty and ErrConfig when more than one row comes back.
func (q *Select) FetchOne(ctx context.Context, dest ...any) error {
	cur, err := q.Fetch(ctx)
	if err != nil {
		return err
	}
	defer cur.Close()

	if !cur.HasNext() {
		if err := cur.Err(); err != nil {
			return err
		}
		return sql.ErrNoRows
	}
	row, err := cur.Next()
	if err != nil {
		return err
	}
	if err := row.Scan(dest...); err != nil {
		return err
	}
	if cur.HasNext() {
		return fmt.Errorf("%w: more than one row", ErrConfig)
	}
	return cur.Err()
}

// --------------------------------
// Update
// --------------------------------

// Update is an affected-row-count operation (INSERT/UPDATE/DELETE/DDL).
type Update struct {
	sess   session
	query  string
	params Params
	args   []any
	opts   Options
}

// Update builds a row-count operation.
func (d *DB) Update(query string, opts ...Options) *Update {
	return &Update{sess: d, query: query, opts: mergeOptions(d.opts, opts)}
}

// Bind appends positional arguments.
func (u *Update) Bind(args ...any) *Update {
	u.args = append(u.args, args...)
	return u
}

// Named appends named bindings.
func (u *Update) Named(ps ...Param) *Update {
	u.params = append(u.params, ps...)
	return u
}

// NamedMap appends named bindings from a map.
func (u *Update) NamedMap(m map[string]any) *Update {
	u.params = append(u.params, NamedArgs(m)...)
	return u
}

// Run executes the statement and returns the affected-row count.
func (u *Update) Run(ctx context.Context) (int64, error) {
	text, args, err := buildQuery(u.query, u.params, u.args)
	if err != nil {
		return 0, err
	}

	p, release, err := u.sess.begin(ctx)
	if err != nil {
		return 0, err
	}
	st, err := newStatement(ctx, p, text, u.opts, release)
	if err != nil {
		return 0, err
	}
	defer st.Close()

	res, err := st.Bind(args...).Exec(ctx)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrapDB("rows affected", err)
	}
	return n, nil
}

// --------------------------------
// Helpers
// --------------------------------

// buildQuery resolves named bindings when the text or the call uses them and
// passes positional calls through untouched. Supplying both named and
// positional data for one statement is an error.
func buildQuery(query string, params Params, args []any) (string, []any, error) {
	if len(params) == 0 && !hasNamedMarkers(query) {
		return query, args, nil
	}
	if len(args) > 0 {
		return "", nil, ErrMixedMarkers
	}
	return Rewrite(query, params)
}

var selectKeyword = map[string]bool{
	"select": true,
	"with":   true,
	"values": true,
}

// firstKeyword returns the first bare word of the statement, lowercased,
// skipping leading whitespace and comments.
func firstKeyword(q string) string {
	i := 0
	for i < len(q) {
		switch c := q[i]; {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == ';' || c == '(':
			i++
		case c == '-' && i+1 < len(q) && q[i+1] == '-':
			for i < len(q) && q[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < len(q) && q[i+1] == '*':
			i += 2
			for i+1 < len(q) && !(q[i] == '*' && q[i+1] == '/') {
				i++
			}
			i += 2
		default:
			j := i
			for j < len(q) && isAlphaUnderscore(q[j]) {
				j++
			}
			return lowerASCII(q[i:j])
		}
	}
	return ""
}

func lowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// mergeOptions lays per-operation overrides over the base; zero fields
// inherit.
func mergeOptions(base Options, opts []Options) Options {
	if len(opts) == 0 {
		return clampOptions(base)
	}
	o := opts[0]
	if o.QueryTimeout == 0 {
		o.QueryTimeout = base.QueryTimeout
	}
	if o.MaxRows == 0 {
		o.MaxRows = base.MaxRows
	}
	if o.Isolation == sql.LevelDefault {
		o.Isolation = base.Isolation
	}
	if !o.SkipErrors {
		o.SkipErrors = base.SkipErrors
	}
	if o.ErrorHandler == nil {
		o.ErrorHandler = base.ErrorHandler
	}
	if !o.SkipWarnings {
		o.SkipWarnings = base.SkipWarnings
	}
	if o.WarningFilter == nil {
		o.WarningFilter = base.WarningFilter
	}
	if o.Print == nil {
		o.Print = base.Print
	}
	return clampOptions(o)
}

// clampOptions normalizes out-of-range settings: a negative timeout means
// "no timeout".
func clampOptions(o Options) Options {
	if o.QueryTimeout < 0 {
		o.QueryTimeout = 0
	}
	if o.MaxRows < 0 {
		o.MaxRows = 0
	}
	return o
}
