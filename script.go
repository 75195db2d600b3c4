package fluentdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const scriptSavepoint = "fluentdb_script"

// Script executes a multi-statement text blob: comments are stripped, the
// remainder is split on a delimiter, and each fragment runs sequentially,
// optionally inside one transaction. Statements execute strictly in textual
// order.
type Script struct {
	db         *DB
	text       string
	delim      string
	params     Params
	inTx       bool
	runTimeout time.Duration
	opts       Options
}

// Script builds a script run over text. The default statement delimiter
// is ";".
func (d *DB) Script(text string, opts ...Options) *Script {
	return &Script{db: d, text: text, delim: ";", opts: mergeOptions(d.opts, opts)}
}

// Delimiter overrides the statement delimiter.
func (s *Script) Delimiter(delim string) *Script {
	s.delim = delim
	return s
}

// Named supplies the shared named bindings applied to every fragment that
// carries markers.
func (s *Script) Named(ps ...Param) *Script {
	s.params = append(s.params, ps...)
	return s
}

// NamedMap supplies shared named bindings from a map.
func (s *Script) NamedMap(m map[string]any) *Script {
	s.params = append(s.params, NamedArgs(m)...)
	return s
}

// Transactional wraps the whole run in one transaction at the configured
// isolation level, with a savepoint taken before the first statement. On any
// unhandled failure the run rolls back to that savepoint and the transaction
// aborts; auto-commit is restored in all cases.
func (s *Script) Transactional() *Script {
	s.inTx = true
	return s
}

// Timeout sets the whole-run budget. On overrun the run is cancelled and
// ErrTimeout returned; effects already committed are not rolled back by this
// layer.
func (s *Script) Timeout(d time.Duration) *Script {
	if d < 0 {
		d = 0
	}
	s.runTimeout = d
	return s
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Run executes the script and returns the elapsed wall-clock time, on
// success and on failure alike.
func (s *Script) Run(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	elapsed := func() time.Duration { return time.Since(start) }

	clean, err := stripComments(s.text)
	if err != nil {
		return elapsed(), err
	}
	stmts := splitScript(clean, s.delim)

	if s.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.runTimeout)
		defer cancel()
	}

	conn, release, err := s.db.acquire(ctx)
	if err != nil {
		return elapsed(), err
	}
	defer release()

	var run execer = conn
	var tx *sql.Tx
	if s.inTx {
		tx, err = conn.BeginTx(ctx, &sql.TxOptions{Isolation: s.opts.Isolation})
		if err != nil {
			return elapsed(), wrapDB("begin", err)
		}
		if _, err := tx.ExecContext(ctx, "SAVEPOINT "+scriptSavepoint); err != nil {
			tx.Rollback()
			return elapsed(), wrapDB("savepoint", err)
		}
		run = tx
	}
	fail := func(err error) (time.Duration, error) {
		if tx != nil {
			// Cleanup failures on the failing path are swallowed so they
			// never mask the causal error.
			tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+scriptSavepoint)
			if rerr := tx.Rollback(); rerr != nil && !errors.Is(rerr, sql.ErrTxDone) {
				_ = rerr
			}
		}
		return elapsed(), err
	}

	for _, frag := range stmts {
		frag = strings.TrimSpace(frag)
		if frag == "" {
			continue
		}

		text, args := frag, []any(nil)
		if hasNamedMarkers(frag) {
			if len(s.params) == 0 {
				return fail(fmt.Errorf("%w: script has named markers but no parameters were supplied", ErrParamMissing))
			}
			var err error
			text, args, err = Rewrite(frag, s.params)
			if err != nil {
				return fail(err)
			}
		}
		if s.opts.Print != nil {
			s.opts.Print(text)
		}

		if _, err := run.ExecContext(ctx, text, args...); err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fail(fmt.Errorf("%w: script cancelled: %w", ErrTimeout, err))
			}
			if s.opts.WarningFilter != nil && s.opts.WarningFilter(err) && s.opts.SkipWarnings {
				continue
			}
			if s.opts.SkipErrors {
				if s.opts.ErrorHandler != nil {
					s.opts.ErrorHandler(text, wrapDB("script", err))
				}
				continue
			}
			return fail(wrapDB("script", err))
		}
	}

	if tx != nil {
		if err := tx.Commit(); err != nil {
			return fail(wrapDB("commit", err))
		}
	}
	return elapsed(), nil
}

// stripComments removes -- line comments and /* ... */ block comments,
// preserving string literals and quoted identifiers verbatim. Unbalanced
// block-comment delimiters and unterminated literals fail with
// ErrMalformedScript.
func stripComments(text string) (string, error) {
	const (
		sText = iota
		sSQ
		sDQ
		sBT
		sLC
		sBC
	)
	state := sText

	var buf strings.Builder
	buf.Grow(len(text))

	for i := 0; i < len(text); {
		c := text[i]

		switch state {
		case sText:
			if c == '-' && i+1 < len(text) && text[i+1] == '-' {
				state = sLC
				i += 2
				continue
			}
			if c == '/' && i+1 < len(text) && text[i+1] == '*' {
				state = sBC
				i += 2
				continue
			}
			if c == '*' && i+1 < len(text) && text[i+1] == '/' {
				return "", fmt.Errorf("%w: unbalanced comment delimiter */", ErrMalformedScript)
			}
			switch c {
			case '\'':
				state = sSQ
			case '"':
				state = sDQ
			case '`':
				state = sBT
			}
			buf.WriteByte(c)
			i++

		case sSQ, sDQ, sBT:
			quote := byte('\'')
			if state == sDQ {
				quote = '"'
			} else if state == sBT {
				quote = '`'
			}
			if c == '\\' && state == sSQ {
				buf.WriteByte(c)
				i++
				if i < len(text) {
					buf.WriteByte(text[i])
					i++
				}
				continue
			}
			buf.WriteByte(c)
			i++
			if c == quote {
				if i < len(text) && text[i] == quote {
					buf.WriteByte(text[i])
					i++
				} else {
					state = sText
				}
			}

		case sLC:
			i++
			if c == '\n' {
				buf.WriteByte('\n')
				state = sText
			}

		case sBC:
			if c == '*' && i+1 < len(text) && text[i+1] == '/' {
				i += 2
				state = sText
				continue
			}
			i++
		}
	}

	switch state {
	case sBC:
		return "", fmt.Errorf("%w: unterminated block comment", ErrMalformedScript)
	case sSQ, sDQ, sBT:
		return "", fmt.Errorf("%w: unterminated string literal", ErrMalformedScript)
	}
	return buf.String(), nil
}

// splitScript splits text on delim, ignoring delimiters inside string
// literals and quoted identifiers. Empty fragments are dropped.
func splitScript(text, delim string) []string {
	if delim == "" {
		delim = ";"
	}

	var out []string
	var buf strings.Builder

	flush := func() {
		if frag := strings.TrimSpace(buf.String()); frag != "" {
			out = append(out, frag)
		}
		buf.Reset()
	}

	var quote byte
	for i := 0; i < len(text); {
		c := text[i]

		if quote != 0 {
			if c == '\\' && quote == '\'' {
				buf.WriteByte(c)
				i++
				if i < len(text) {
					buf.WriteByte(text[i])
					i++
				}
				continue
			}
			buf.WriteByte(c)
			i++
			if c == quote {
				if i < len(text) && text[i] == quote {
					buf.WriteByte(text[i])
					i++
				} else {
					quote = 0
				}
			}
			continue
		}

		if c == '\'' || c == '"' || c == '`' {
			quote = c
			buf.WriteByte(c)
			i++
			continue
		}
		if strings.HasPrefix(text[i:], delim) {
			flush()
			i += len(delim)
			continue
		}
		buf.WriteByte(c)
		i++
	}
	flush()
	return out
}
