package processor

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/pat-rohn/go-dataroute/pkg/routeerr"
	"github.com/pat-rohn/go-dataroute/pkg/token"
	"github.com/pkg/errors"
)

// RefPrefix marks an operand value as a reference to a named node.
const RefPrefix = "$"

type values map[string]string

type scheme struct {
	// field name -> required
	fields map[string]bool
	build  func(v values) (Config, error)
}

var schemes = map[string]scheme{
	"math": {
		fields: map[string]bool{"operation": true, "rhs": false, "signed": false, "output": false},
		build: func(v values) (Config, error) {
			op, err := enumOf(v, "operation", mathOpNames)
			if err != nil {
				return nil, err
			}
			c := &Math{Op: op}
			if _, ok := v["rhs"]; !ok && op != MathSqrt && op != MathAbs {
				return nil, errors.Wrapf(routeerr.ErrMissingField, "math: rhs required for %s", op)
			}
			if c.RHS, err = v.operand("rhs"); err != nil {
				return nil, err
			}
			if c.Signed, err = v.boolPtr("signed"); err != nil {
				return nil, err
			}
			out, err := v.uint("output", 8)
			c.OutputLength = int(out)
			return c, err
		},
	},
	"comparison": {
		fields: map[string]bool{"operation": true, "reference": true, "signed": false},
		build: func(v values) (Config, error) {
			op, err := enumOf(v, "operation", compareOpNames)
			if err != nil {
				return nil, err
			}
			c := &Comparison{Op: op}
			if c.Reference, err = v.operand("reference"); err != nil {
				return nil, err
			}
			c.Signed, err = v.boolPtr("signed")
			return c, err
		},
	},
	"threshold": {
		fields: map[string]bool{"mode": false, "boundary": true, "hysteresis": false},
		build: func(v values) (Config, error) {
			mode, err := enumOf(v, "mode", thresholdModeNames)
			if err != nil {
				return nil, err
			}
			c := &Threshold{Mode: mode}
			if c.Boundary, err = v.operand("boundary"); err != nil {
				return nil, err
			}
			h, err := v.uint("hysteresis", 0xffff)
			c.Hysteresis = uint16(h)
			return c, err
		},
	},
	"time": {
		fields: map[string]bool{"period": true, "mode": false},
		build: func(v values) (Config, error) {
			mode, err := enumOf(v, "mode", timeModeNames)
			if err != nil {
				return nil, err
			}
			p, err := v.uint("period", 0xffffffff)
			return &Time{Period: uint32(p), Mode: mode}, err
		},
	},
	"delta": {
		fields: map[string]bool{"mode": false, "magnitude": true},
		build: func(v values) (Config, error) {
			mode, err := enumOf(v, "mode", deltaModeNames)
			if err != nil {
				return nil, err
			}
			c := &Delta{Mode: mode}
			c.Magnitude, err = v.operand("magnitude")
			return c, err
		},
	},
	"accumulate": {
		fields: map[string]bool{"output": false},
		build: func(v values) (Config, error) {
			out, err := v.uint("output", 4)
			return &Accumulate{OutputLength: int(out)}, err
		},
	},
	"count": {
		fields: map[string]bool{"output": false},
		build: func(v values) (Config, error) {
			out, err := v.uint("output", 4)
			return &Count{OutputLength: int(out)}, err
		},
	},
	"pulse": {
		fields: map[string]bool{"output": false, "threshold": true, "width": true},
		build: func(v values) (Config, error) {
			out, err := enumOf(v, "output", pulseOutputNames)
			if err != nil {
				return nil, err
			}
			c := &Pulse{Report: out}
			if c.Threshold, err = v.operand("threshold"); err != nil {
				return nil, err
			}
			w, err := v.uint("width", 0xffff)
			c.Width = uint16(w)
			return c, err
		},
	},
	"passthrough": {
		fields: map[string]bool{"mode": false, "value": false},
		build: func(v values) (Config, error) {
			mode, err := enumOf(v, "mode", passthroughModeNames)
			if err != nil {
				return nil, err
			}
			c := &Passthrough{Mode: mode}
			if c.Value, err = v.operand("value"); err != nil {
				return nil, err
			}
			if c.Value.Fixed {
				return nil, errors.Wrap(routeerr.ErrInvalidConfig, "passthrough: value must be an integer")
			}
			return c, nil
		},
	},
	"buffer": {
		fields: map[string]bool{},
		build:  func(v values) (Config, error) { return &Buffer{}, nil },
	},
	"pack": {
		fields: map[string]bool{"count": true},
		build: func(v values) (Config, error) {
			n, err := v.uint("count", 0x100)
			if err == nil && n < 2 {
				err = errors.Wrapf(routeerr.ErrInvalidConfig, "pack: count %d below 2", n)
			}
			return &Pack{Count: int(n)}, err
		},
	},
	"account": {
		fields: map[string]bool{"mode": false, "size": false},
		build: func(v values) (Config, error) {
			mode, err := enumOf(v, "mode", map[token.AccountKind]string{token.AccountCount: "count", token.AccountTime: "time"})
			if err != nil {
				return nil, err
			}
			if _, ok := v["mode"]; !ok {
				mode = token.AccountTime
			}
			size, err := v.uint("size", 4)
			return &Account{Mode: mode, Size: int(size)}, err
		},
	},
}

// Parse builds a config from its URI form `scheme?field=value&...`.
// Values holding a '.' take the fixed point path, other numbers the integer
// path, and values starting with RefPrefix name another node.
func Parse(uri string) (Config, error) {
	name, query, _ := strings.Cut(strings.TrimSpace(uri), "?")
	name = strings.ToLower(name)
	sc, ok := schemes[name]
	if !ok {
		return nil, errors.Wrapf(routeerr.ErrUnknownScheme, "%q", name)
	}
	q, err := url.ParseQuery(query)
	if err != nil {
		return nil, errors.Wrapf(routeerr.ErrInvalidConfig, "%s: %v", name, err)
	}
	v := values{}
	for k, vs := range q {
		if _, known := sc.fields[k]; !known {
			return nil, errors.Wrapf(routeerr.ErrUnknownField, "%s: %q", name, k)
		}
		if len(vs) != 1 {
			return nil, errors.Wrapf(routeerr.ErrInvalidConfig, "%s: field %q given %d times", name, k, len(vs))
		}
		v[k] = vs[0]
	}
	for f, required := range sc.fields {
		if _, set := v[f]; required && !set {
			return nil, errors.Wrapf(routeerr.ErrMissingField, "%s: %q", name, f)
		}
	}
	c, err := sc.build(v)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// MustParse is Parse for literals known to be valid.
func MustParse(uri string) Config {
	c, err := Parse(uri)
	if err != nil {
		panic(err)
	}
	return c
}

// ParseOperand applies the numeric rule: a '.' selects floating point,
// anything else must be an integer.
func ParseOperand(s string) (Operand, error) {
	s = strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(s, RefPrefix):
		if len(s) == len(RefPrefix) {
			return Operand{}, errors.Wrap(routeerr.ErrInvalidConfig, "empty reference")
		}
		return Ref(s[len(RefPrefix):]), nil
	case strings.Contains(s, "."):
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Operand{}, errors.Wrapf(routeerr.ErrInvalidConfig, "%q is not a number", s)
		}
		return Float(f), nil
	default:
		i, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return Operand{}, errors.Wrapf(routeerr.ErrInvalidConfig, "%q is not an integer", s)
		}
		return Int(i), nil
	}
}

func formatOperand(o Operand) string {
	switch {
	case o.IsRef():
		return RefPrefix + o.Ref
	case o.Fixed:
		s := strconv.FormatFloat(o.Float, 'f', -1, 64)
		if !strings.Contains(s, ".") {
			s += ".0"
		}
		return s
	default:
		return strconv.FormatInt(o.Int, 10)
	}
}

func (v values) operand(name string) (Operand, error) {
	s, ok := v[name]
	if !ok {
		return Operand{}, nil
	}
	op, err := ParseOperand(s)
	if err != nil {
		return Operand{}, errors.WithMessagef(err, "field %q", name)
	}
	return op, nil
}

func (v values) uint(name string, max uint64) (uint64, error) {
	s, ok := v[name]
	if !ok {
		return 0, nil
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil || n > max {
		return 0, errors.Wrapf(routeerr.ErrInvalidConfig, "field %q: %q is not an integer in 0..%d", name, s, max)
	}
	return n, nil
}

func (v values) boolPtr(name string) (*bool, error) {
	s, ok := v[name]
	if !ok {
		return nil, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return nil, errors.Wrapf(routeerr.ErrInvalidConfig, "field %q: %q is not a boolean", name, s)
	}
	return &b, nil
}

// enumOf maps the value of field name through names. A missing field yields
// the zero value.
func enumOf[T comparable](v values, name string, names map[T]string) (T, error) {
	var zero T
	s, ok := v[name]
	if !ok {
		return zero, nil
	}
	s = strings.ToLower(s)
	for k, n := range names {
		if n == s {
			return k, nil
		}
	}
	return zero, errors.Wrapf(routeerr.ErrInvalidConfig, "field %q: unknown value %q", name, s)
}
