// Package processor is the registry of on-device processing operations.
// Each config knows its fixed binary layout, the shape of what it emits and
// whether its operand is a literal or a named reference that the compiler
// turns into a feedback link.
package processor

import (
	"encoding/binary"
	"math"

	"github.com/pat-rohn/go-dataroute/pkg/routeerr"
	"github.com/pat-rohn/go-dataroute/pkg/token"
	"github.com/pkg/errors"
)

// Kind is the type id written as the first config byte.
type Kind byte

const (
	KindPassthrough Kind = 0x01
	KindAccumulator Kind = 0x02
	KindComparison  Kind = 0x06
	KindTime        Kind = 0x08
	KindMath        Kind = 0x09
	KindDelta       Kind = 0x0b
	KindPulse       Kind = 0x0c
	KindThreshold   Kind = 0x0d
	KindBuffer      Kind = 0x0f
	KindPack        Kind = 0x10
	KindAccount     Kind = 0x11
	KindFuse        Kind = 0x1b
)

// FixedPointScale converts floating point operands to the Q16.16 encoding.
const FixedPointScale = 1 << 16

// Config is one processor variant.
type Config interface {
	Kind() Kind
	Scheme() string
	// Serialize returns the config bytes for an input of the given token.
	Serialize(in token.Token) ([]byte, error)
	// Output returns the payload shape emitted for input shape in.
	Output(in token.Shape) (token.Shape, error)
	// Operand returns the right hand value, if the config has one.
	Operand() (Operand, bool)
	// OperandSlot is the byte offset and width of the operand inside the
	// serialized config.
	OperandSlot() (offset, width int)
	URI() string
}

// RequiresOperandResolution reports whether c's operand is a named
// reference the compiler must resolve.
func RequiresOperandResolution(c Config) bool {
	op, ok := c.Operand()
	return ok && op.IsRef()
}

// Operand is a literal integer, a literal floating point value or a
// reference to another node's output.
type Operand struct {
	Int   int64
	Float float64
	Fixed bool
	Ref   string
}

func Int(v int64) Operand       { return Operand{Int: v} }
func Float(v float64) Operand   { return Operand{Float: v, Fixed: true} }
func Ref(name string) Operand   { return Operand{Ref: name} }
func (o Operand) IsRef() bool   { return o.Ref != "" }
func (o Operand) Negative() bool { return (o.Fixed && o.Float < 0) || (!o.Fixed && o.Int < 0) }

// raw returns the 32 bit wire value and whether the fixed point path is used.
func (o Operand) raw() (int32, bool, error) {
	switch {
	case o.IsRef():
		return 0, false, nil
	case o.Fixed:
		v := math.Round(o.Float * FixedPointScale)
		if v > math.MaxInt32 || v < math.MinInt32 {
			return 0, true, errors.Wrapf(routeerr.ErrInvalidConfig, "operand %v out of fixed point range", o.Float)
		}
		return int32(v), true, nil
	default:
		if o.Int > math.MaxInt32 || o.Int < math.MinInt32 {
			return 0, false, errors.Wrapf(routeerr.ErrInvalidConfig, "operand %d out of range", o.Int)
		}
		return int32(o.Int), false, nil
	}
}

func operandFromWire(v int32, fixed bool) Operand {
	if fixed {
		return Float(float64(v) / FixedPointScale)
	}
	return Int(int64(v))
}

func putI32(b []byte, v int32) { binary.LittleEndian.PutUint32(b, uint32(v)) }
func getI32(b []byte) int32    { return int32(binary.LittleEndian.Uint32(b)) }

func flag(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// scalarIn requires a single plain token of at most max bytes.
func scalarIn(scheme string, in token.Shape, max int) (token.Token, error) {
	if !in.IsScalar() {
		return token.Token{}, errors.Wrapf(routeerr.ErrIncompatibleInput, "%s needs a single value, got %s", scheme, in)
	}
	if err := in.Token.Validate(); err != nil {
		return token.Token{}, err
	}
	if in.Token.Length > max {
		return token.Token{}, errors.Wrapf(routeerr.ErrIncompatibleInput, "%s accepts at most %d bytes, got %d", scheme, max, in.Token.Length)
	}
	return in.Token, nil
}

func checkLen(scheme string, in token.Token, max int) error {
	if in.Length < 1 || in.Length > max {
		return errors.Wrapf(routeerr.ErrIncompatibleInput, "%s input length %d outside 1..%d", scheme, in.Length, max)
	}
	return nil
}

func noOperand() (Operand, bool) { return Operand{}, false }

// Decode parses serialized config bytes back into a config.
func Decode(b []byte) (Config, error) {
	if len(b) == 0 {
		return nil, errors.Wrap(routeerr.ErrInvalidConfig, "empty config")
	}
	want := map[Kind]int{
		KindPassthrough: 4, KindAccumulator: 2, KindComparison: 7, KindTime: 6, KindMath: 7,
		KindDelta: 6, KindPulse: 8, KindThreshold: 8, KindBuffer: 2, KindPack: 3, KindAccount: 3,
	}
	k := Kind(b[0])
	if k == KindFuse {
		if len(b) < 2 || len(b) != 2+int(b[1]) {
			return nil, errors.Wrapf(routeerr.ErrInvalidConfig, "fuse config of %d bytes", len(b))
		}
		return &Fuse{BufferIDs: append([]byte(nil), b[2:]...)}, nil
	}
	n, ok := want[k]
	if !ok {
		return nil, errors.Wrapf(routeerr.ErrUnknownScheme, "type id 0x%02x", b[0])
	}
	if len(b) != n {
		return nil, errors.Wrapf(routeerr.ErrInvalidConfig, "type 0x%02x needs %d bytes, got %d", b[0], n, len(b))
	}
	switch k {
	case KindMath:
		return decodeMath(b), nil
	case KindAccumulator:
		return decodeAccumulator(b), nil
	case KindComparison:
		return decodeComparison(b), nil
	case KindThreshold:
		return decodeThreshold(b), nil
	case KindTime:
		return decodeTime(b), nil
	case KindDelta:
		return decodeDelta(b), nil
	case KindPulse:
		return decodePulse(b), nil
	case KindPassthrough:
		return decodePassthrough(b), nil
	case KindBuffer:
		return &Buffer{}, nil
	case KindPack:
		return &Pack{Count: int(b[2]) + 1}, nil
	default:
		return decodeAccount(b), nil
	}
}
