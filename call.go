package fluentdb

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// callBody matches the unbraced call body: an optional "?=" return marker,
// the CALL keyword, a dot-qualified identifier, and an optional positional
// placeholder list.
var callBody = regexp.MustCompile(`(?i)^(?:\?\s*=\s*)?call\s+[A-Za-z_][A-Za-z0-9_$]*(?:\.[A-Za-z_][A-Za-z0-9_$]*)*\s*(?:\(\s*(?:\?(?:\s*,\s*\?)*\s*)?\))?$`)

// IsProcedureCall reports whether query matches the stored-procedure call
// grammar: {[?=]call name[(?[,?]*)]} or the equivalent unbraced form, with
// optional schema/package qualification. Braces must be balanced.
func IsProcedureCall(query string) bool {
	s := strings.TrimSpace(query)
	if strings.HasPrefix(s, "{") {
		if !strings.HasSuffix(s, "}") {
			return false
		}
		s = strings.TrimSpace(s[1 : len(s)-1])
	} else if strings.HasSuffix(s, "}") {
		return false
	}
	return callBody.MatchString(s)
}

// Call executes a stored procedure. The call text is passed to the driver
// as-is; out and in-out parameters follow the driver's convention
// (sql.Out values among the bound arguments).
type Call struct {
	sess   session
	query  string
	params Params
	args   []any
	opts   Options
}

// Call builds a stored-procedure operation. Text that does not match the
// call grammar is rejected with ErrConfig at run time.
func (d *DB) Call(query string, opts ...Options) *Call {
	return &Call{sess: d, query: query, opts: mergeOptions(d.opts, opts)}
}

// Bind appends positional arguments, including sql.Out values for output
// parameters.
func (c *Call) Bind(args ...any) *Call {
	c.args = append(c.args, args...)
	return c
}

// Named appends named bindings.
func (c *Call) Named(ps ...Param) *Call {
	c.params = append(c.params, ps...)
	return c
}

// NamedMap appends named bindings from a map.
func (c *Call) NamedMap(m map[string]any) *Call {
	c.params = append(c.params, NamedArgs(m)...)
	return c
}

// Run executes the call without reading a result set. Output parameters are
// populated by the driver in place.
func (c *Call) Run(ctx context.Context) error {
	text, args, err := c.build()
	if err != nil {
		return err
	}
	p, release, err := c.sess.begin(ctx)
	if err != nil {
		return err
	}
	st, err := newStatement(ctx, p, text, c.opts, release)
	if err != nil {
		return err
	}
	defer st.Close()

	_, err = st.Bind(args...).Exec(ctx)
	return err
}

// Fetch executes a result-set-returning procedure and returns a cursor over
// its rows.
func (c *Call) Fetch(ctx context.Context) (*Cursor, error) {
	text, args, err := c.build()
	if err != nil {
		return nil, err
	}
	p, release, err := c.sess.begin(ctx)
	if err != nil {
		return nil, err
	}
	st, err := newStatement(ctx, p, text, c.opts, release)
	if err != nil {
		return nil, err
	}
	return st.Bind(args...).Query(ctx)
}

// build resolves named bindings and validates the grammar on the rewritten
// text, so named markers inside the argument list classify after expansion.
func (c *Call) build() (string, []any, error) {
	text, args, err := buildQuery(c.query, c.params, c.args)
	if err != nil {
		return "", nil, err
	}
	if !IsProcedureCall(text) {
		return "", nil, fmt.Errorf("%w: not a procedure call: %q", ErrConfig, c.query)
	}
	return text, args, nil
}
