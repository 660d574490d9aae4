package dispatch

import (
	"encoding/binary"
	"strconv"
	"strings"
	"time"

	"github.com/pat-rohn/go-dataroute/pkg/compiler"
	"github.com/pat-rohn/go-dataroute/pkg/routeerr"
	"github.com/pat-rohn/go-dataroute/pkg/token"
	"github.com/pkg/errors"
)

// ValueKind tags a decoded Value.
type ValueKind int

const (
	Int ValueKind = iota
	Uint
	Fused
	Packed
	Accounted
)

// Value is a decoded payload. Int and Uint are scalars; Fused and Packed
// hold Items; Accounted holds the accounting field and one inner item.
type Value struct {
	Kind    ValueKind
	Int     int64
	Uint    uint64
	Items   []Value
	Account uint64
}

// Float64 returns a scalar as float64, or false for composite values.
func (v Value) Float64() (float64, bool) {
	switch v.Kind {
	case Int:
		return float64(v.Int), true
	case Uint:
		return float64(v.Uint), true
	case Accounted:
		if len(v.Items) == 1 {
			return v.Items[0].Float64()
		}
	}
	return 0, false
}

// Scalars flattens v into its scalar values in payload order.
func (v Value) Scalars() []float64 {
	if f, ok := v.Float64(); ok && v.Kind != Accounted {
		return []float64{f}
	}
	var out []float64
	for _, it := range v.Items {
		out = append(out, it.Scalars()...)
	}
	return out
}

func (v Value) String() string {
	switch v.Kind {
	case Int:
		return strconv.FormatInt(v.Int, 10)
	case Uint:
		return strconv.FormatUint(v.Uint, 10)
	case Accounted:
		return strconv.FormatUint(v.Account, 10) + ":" + Value{Kind: Fused, Items: v.Items}.String()
	}
	parts := make([]string, 0, len(v.Items))
	for _, it := range v.Items {
		parts = append(parts, it.String())
	}
	if v.Kind == Packed {
		return "[" + strings.Join(parts, " ") + "]"
	}
	return "(" + strings.Join(parts, ",") + ")"
}

// Decode interprets b according to s. b must hold exactly s.Len() bytes.
func Decode(s token.Shape, b []byte) (Value, error) {
	if len(b) != s.Len() {
		return Value{}, errors.Wrapf(routeerr.ErrShortPayload, "shape %s needs %d bytes, got %d", s, s.Len(), len(b))
	}
	return decode(s, b), nil
}

func decode(s token.Shape, b []byte) Value {
	if s.Account != token.AccountNone {
		inner := s
		inner.Account = token.AccountNone
		inner.AccountSize = 0
		return Value{
			Kind:    Accounted,
			Account: le(b[:s.AccountSize]),
			Items:   []Value{decode(inner, b[s.AccountSize:])},
		}
	}
	if s.Count > 1 {
		el := s
		el.Count = 1
		n := el.Len()
		v := Value{Kind: Packed, Items: make([]Value, 0, s.Count)}
		for i := 0; i < s.Count; i++ {
			v.Items = append(v.Items, decode(el, b[i*n:(i+1)*n]))
		}
		return v
	}
	if len(s.Parts) > 0 {
		v := Value{Kind: Fused, Items: make([]Value, 0, len(s.Parts))}
		off := 0
		for _, p := range s.Parts {
			v.Items = append(v.Items, decode(p, b[off:off+p.Len()]))
			off += p.Len()
		}
		return v
	}
	u := le(b)
	if s.Token.Signed {
		shift := uint(64 - 8*len(b))
		return Value{Kind: Int, Int: int64(u<<shift) >> shift}
	}
	return Value{Kind: Uint, Uint: u}
}

// le reads up to 8 little endian bytes.
func le(b []byte) uint64 {
	var buf [8]byte
	copy(buf[:], b)
	return binary.LittleEndian.Uint64(buf[:])
}

// Data is one delivered sample.
type Data struct {
	Route     string
	Key       string
	Channel   compiler.Channel
	Timestamp time.Time
	// Account holds a top level count or tick prefix; AccountKind tells
	// which.
	Account     uint64
	AccountKind token.AccountKind
	Value       Value
	Raw         []byte
}

// Handler receives decoded samples of one key.
type Handler func(Data)

// Sink resolves the handler currently bound to a key.
type Sink interface {
	Handler(key string) (Handler, bool)
}

// NewData decodes raw for sub and lifts a top level accounting prefix.
func NewData(route string, sub compiler.Subscription, raw []byte, ts time.Time) (Data, error) {
	v, err := Decode(sub.Shape, raw)
	if err != nil {
		return Data{}, errors.WithMessagef(err, "key %q", sub.Key)
	}
	d := Data{Route: route, Key: sub.Key, Channel: sub.Channel, Timestamp: ts, Value: v, Raw: raw}
	if v.Kind == Accounted {
		d.Account = v.Account
		d.AccountKind = sub.Shape.Account
		d.Value = v.Items[0]
	}
	return d, nil
}
