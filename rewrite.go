package fluentdb

import (
	"database/sql/driver"
	"fmt"
	"reflect"
	"strings"
)

// Param is a single named binding. Name may be given with or without the
// leading ':'; comparison is case-sensitive.
type Param struct {
	Name  string
	Value any
}

// P is a shorthand constructor for a Param.
func P(name string, value any) Param {
	return Param{Name: name, Value: value}
}

// Params is an ordered sequence of named bindings. The same name may appear
// more than once only when bound to the same value; conflicting rebinds fail
// with ErrParamConflict at rewrite time.
type Params []Param

// NamedArgs converts a plain map into a Params sequence. Iteration order is
// irrelevant: resolution is by name, ordering of the output args is dictated
// by marker position in the query text.
func NamedArgs(m map[string]any) Params {
	ps := make(Params, 0, len(m))
	for k, v := range m {
		ps = append(ps, Param{Name: k, Value: v})
	}
	return ps
}

// index builds the name → value lookup, normalizing names and rejecting
// empty names and conflicting duplicates.
func (ps Params) index() (map[string]any, error) {
	m := make(map[string]any, len(ps))
	for _, p := range ps {
		name := strings.TrimPrefix(p.Name, ":")
		if name == "" {
			return nil, fmt.Errorf("%w: empty parameter name", ErrConfig)
		}
		if prev, ok := m[name]; ok {
			if !reflect.DeepEqual(prev, p.Value) {
				return nil, fmt.Errorf("%w: :%s", ErrParamConflict, name)
			}
			continue
		}
		m[name] = p.Value
	}
	return m, nil
}

// Rewrite converts a query containing :name markers into one containing only
// positional ? markers plus the ordered argument list. Slice and array values
// (except []byte) expand into one placeholder per element, in source order;
// every occurrence of a repeated marker expands again. Markers found inside
// string literals, quoted identifiers, or comments are left untouched.
//
// Mixing :name and ? markers in the same query fails with ErrMixedMarkers.
// A marker without a binding fails with ErrParamMissing. The function is pure:
// it has no side effects on its inputs.
func Rewrite(query string, params Params) (string, []any, error) {
	vals, err := params.index()
	if err != nil {
		return "", nil, err
	}

	est := strings.Count(query, ":") - strings.Count(query, "::")
	if est < 0 {
		est = 0
	}
	args := make([]any, 0, est)

	var buf strings.Builder
	buf.Grow(len(query) + 16)

	named, positional := false, false
	err = scanSQL(query, &buf, func(b *strings.Builder, name string) error {
		named = true
		v, ok := vals[name]
		if !ok {
			return fmt.Errorf("%w: :%s", ErrParamMissing, name)
		}
		return expandValue(b, &args, name, v)
	}, func() { positional = true })
	if err != nil {
		return "", nil, err
	}
	if named && positional {
		return "", nil, ErrMixedMarkers
	}
	return buf.String(), args, nil
}

// markerOrder rewrites every :name marker to a single ? and returns the
// marker names in encounter order. It is the batch-mode variant of Rewrite:
// values are bound per parameter set later, so expansion is not performed.
func markerOrder(query string) (string, []string, error) {
	var names []string
	var buf strings.Builder
	buf.Grow(len(query))

	positional := false
	err := scanSQL(query, &buf, func(b *strings.Builder, name string) error {
		names = append(names, name)
		b.WriteByte('?')
		return nil
	}, func() { positional = true })
	if err != nil {
		return "", nil, err
	}
	if positional && len(names) > 0 {
		return "", nil, ErrMixedMarkers
	}
	return buf.String(), names, nil
}

// hasNamedMarkers reports whether the query contains at least one :name
// marker outside literals and comments.
func hasNamedMarkers(query string) bool {
	if !strings.Contains(query, ":") {
		return false
	}
	found := false
	var buf strings.Builder
	scanSQL(query, &buf, func(b *strings.Builder, name string) error {
		found = true
		b.WriteByte(':')
		b.WriteString(name)
		return nil
	}, nil)
	return found
}

// expandValue appends placeholders for v to b and the scalar expansion to args.
func expandValue(b *strings.Builder, args *[]any, name string, v any) error {
	// driver.Valuer and []byte are scalars even when slice-shaped.
	if _, ok := v.(driver.Valuer); ok {
		b.WriteByte('?')
		*args = append(*args, v)
		return nil
	}
	if bs, ok := v.([]byte); ok {
		b.WriteByte('?')
		*args = append(*args, bs)
		return nil
	}

	rv := reflect.ValueOf(v)
	if rv.IsValid() && (rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array) && rv.Type().Elem().Kind() != reflect.Uint8 {
		ln := rv.Len()
		if ln == 0 {
			return fmt.Errorf("%w: :%s", ErrEmptyList, name)
		}
		for i := 0; i < ln; i++ {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteByte('?')
			*args = append(*args, rv.Index(i).Interface())
		}
		return nil
	}

	b.WriteByte('?')
	*args = append(*args, v)
	return nil
}

// scanSQL walks the query byte by byte with a small state machine so that
// markers inside string literals, quoted identifiers, and comments are copied
// verbatim instead of substituted. Raw text is written to buf; onMarker is
// invoked for each :name in plain text (and must write its own replacement);
// onPositional, if non-nil, is invoked for each ? in plain text (the ? itself
// is still copied).
func scanSQL(q string, buf *strings.Builder, onMarker func(*strings.Builder, string) error, onPositional func()) error {
	const (
		sText = iota
		sSQ   // '...'
		sDQ   // "..."
		sBT   // `...`
		sLC   // line comment --
		sBC   // block comment /* ... */
	)
	state := sText

	for i := 0; i < len(q); {
		c := q[i]

		switch state {
		case sText:
			if c == '-' && i+1 < len(q) && q[i+1] == '-' {
				state = sLC
				buf.WriteString("--")
				i += 2
				continue
			}
			if c == '/' && i+1 < len(q) && q[i+1] == '*' {
				state = sBC
				buf.WriteString("/*")
				i += 2
				continue
			}
			if c == '\'' {
				state = sSQ
				buf.WriteByte(c)
				i++
				continue
			}
			if c == '"' {
				state = sDQ
				buf.WriteByte(c)
				i++
				continue
			}
			if c == '`' {
				state = sBT
				buf.WriteByte(c)
				i++
				continue
			}

			// :: is a cast, not a marker
			if c == ':' && i+1 < len(q) && q[i+1] == ':' {
				buf.WriteString("::")
				i += 2
				continue
			}
			if c == ':' && i+1 < len(q) && isAlphaUnderscore(q[i+1]) {
				k := i + 2
				for k < len(q) && isAlphaNumUnderscore(q[k]) {
					k++
				}
				if err := onMarker(buf, q[i+1:k]); err != nil {
					return err
				}
				i = k
				continue
			}
			if c == '?' && onPositional != nil {
				onPositional()
			}
			buf.WriteByte(c)
			i++

		case sSQ:
			if c == '\\' {
				buf.WriteByte(c)
				i++
				if i < len(q) {
					buf.WriteByte(q[i])
					i++
				}
				continue
			}
			buf.WriteByte(c)
			i++
			if c == '\'' {
				if i < len(q) && q[i] == '\'' {
					buf.WriteByte(q[i])
					i++
				} else {
					state = sText
				}
			}

		case sDQ:
			buf.WriteByte(c)
			i++
			if c == '"' {
				if i < len(q) && q[i] == '"' {
					buf.WriteByte(q[i])
					i++
				} else {
					state = sText
				}
			}

		case sBT:
			buf.WriteByte(c)
			i++
			if c == '`' {
				if i < len(q) && q[i] == '`' {
					buf.WriteByte(q[i])
					i++
				} else {
					state = sText
				}
			}

		case sLC:
			buf.WriteByte(c)
			i++
			if c == '\n' || c == '\r' {
				state = sText
			}

		case sBC:
			buf.WriteByte(c)
			i++
			if c == '*' && i < len(q) && q[i] == '/' {
				buf.WriteByte('/')
				i++
				state = sText
			}
		}
	}
	return nil
}

// isAlphaUnderscore reports whether b is [A-Za-z_] .
func isAlphaUnderscore(b byte) bool {
	return (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z') || b == '_'
}

// isAlphaNumUnderscore reports whether b is [A-Za-z0-9_] .
func isAlphaNumUnderscore(b byte) bool {
	return isAlphaUnderscore(b) || (b >= '0' && b <= '9')
}
