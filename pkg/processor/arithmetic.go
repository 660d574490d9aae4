package processor

import (
	"fmt"

	"github.com/pat-rohn/go-dataroute/pkg/routeerr"
	"github.com/pat-rohn/go-dataroute/pkg/token"
	"github.com/pkg/errors"
)

// MathOp is the arithmetic operation of a Math stage.
type MathOp byte

const (
	MathAdd MathOp = iota + 1
	MathMultiply
	MathDivide
	MathModulus
	MathExponent
	MathSqrt
	MathLeftShift
	MathRightShift
	MathSubtract
	MathAbs
	MathConstant
)

var mathOpNames = map[MathOp]string{
	MathAdd: "add", MathMultiply: "multiply", MathDivide: "divide", MathModulus: "modulus",
	MathExponent: "exponent", MathSqrt: "sqrt", MathLeftShift: "lshift", MathRightShift: "rshift",
	MathSubtract: "subtract", MathAbs: "abs", MathConstant: "constant",
}

func (op MathOp) String() string { return mathOpNames[op] }

// Math applies Op with right hand side RHS. The output keeps the input width
// unless OutputLength is set.
type Math struct {
	Op           MathOp
	RHS          Operand
	Signed       *bool
	OutputLength int
}

func (c *Math) Kind() Kind     { return KindMath }
func (c *Math) Scheme() string { return "math" }

func (c *Math) output(in token.Token) token.Token {
	out := token.Token{Length: in.Length, Signed: in.Signed}
	if c.OutputLength > 0 {
		out.Length = c.OutputLength
	}
	switch {
	case c.Signed != nil:
		out.Signed = *c.Signed
	case c.Op == MathSubtract:
		out.Signed = true
	case c.Op == MathAbs:
		out.Signed = false
	case !c.RHS.IsRef() && c.RHS.Negative():
		out.Signed = true
	}
	return out
}

func (c *Math) Serialize(in token.Token) ([]byte, error) {
	if _, ok := mathOpNames[c.Op]; !ok {
		return nil, errors.Wrapf(routeerr.ErrInvalidConfig, "math operation %d", c.Op)
	}
	if err := checkLen("math", in, token.MaxLength); err != nil {
		return nil, err
	}
	out := c.output(in)
	if err := out.Validate(); err != nil {
		return nil, err
	}
	rhs, fixed, err := c.RHS.raw()
	if err != nil {
		return nil, err
	}
	b := make([]byte, 7)
	b[0] = byte(KindMath)
	b[1] = byte(out.Length-1)&0x07 | flag(out.Signed)<<3 | flag(fixed)<<4
	b[2] = byte(c.Op)
	putI32(b[3:], rhs)
	return b, nil
}

func (c *Math) Output(in token.Shape) (token.Shape, error) {
	t, err := scalarIn("math", in, token.MaxLength)
	if err != nil {
		return token.Shape{}, err
	}
	return token.Scalar(c.output(t)), nil
}

func (c *Math) Operand() (Operand, bool)          { return c.RHS, true }
func (c *Math) OperandSlot() (offset, width int) { return 3, 4 }

func (c *Math) URI() string {
	u := fmt.Sprintf("math?operation=%s&rhs=%s", c.Op, formatOperand(c.RHS))
	if c.Signed != nil {
		u += fmt.Sprintf("&signed=%t", *c.Signed)
	}
	if c.OutputLength > 0 {
		u += fmt.Sprintf("&output=%d", c.OutputLength)
	}
	return u
}

func decodeMath(b []byte) *Math {
	signed := b[1]&0x08 != 0
	return &Math{
		Op:           MathOp(b[2]),
		RHS:          operandFromWire(getI32(b[3:]), b[1]&0x10 != 0),
		Signed:       &signed,
		OutputLength: int(b[1]&0x07) + 1,
	}
}

// Accumulate keeps a running sum of its input.
type Accumulate struct {
	OutputLength int
}

func (c *Accumulate) Kind() Kind     { return KindAccumulator }
func (c *Accumulate) Scheme() string { return "accumulate" }

func (c *Accumulate) outLen() int {
	if c.OutputLength > 0 {
		return c.OutputLength
	}
	return 4
}

func (c *Accumulate) Serialize(in token.Token) ([]byte, error) {
	return serializeAccumulator("accumulate", in, c.outLen(), false)
}

func (c *Accumulate) Output(in token.Shape) (token.Shape, error) {
	t, err := scalarIn("accumulate", in, token.MaxLength)
	if err != nil {
		return token.Shape{}, err
	}
	return token.Scalar(token.Token{Length: c.outLen(), Signed: t.Signed}), nil
}

func (c *Accumulate) Operand() (Operand, bool)          { return noOperand() }
func (c *Accumulate) OperandSlot() (offset, width int) { return 0, 0 }
func (c *Accumulate) URI() string                      { return fmt.Sprintf("accumulate?output=%d", c.outLen()) }

// Count emits how many values it has seen.
type Count struct {
	OutputLength int
}

func (c *Count) Kind() Kind     { return KindAccumulator }
func (c *Count) Scheme() string { return "count" }

func (c *Count) outLen() int {
	if c.OutputLength > 0 {
		return c.OutputLength
	}
	return 1
}

func (c *Count) Serialize(in token.Token) ([]byte, error) {
	return serializeAccumulator("count", in, c.outLen(), true)
}

func (c *Count) Output(in token.Shape) (token.Shape, error) {
	if in.Len() < 1 {
		return token.Shape{}, errors.Wrap(routeerr.ErrIncompatibleInput, "count of empty payload")
	}
	return token.Scalar(token.Token{Length: c.outLen()}), nil
}

func (c *Count) Operand() (Operand, bool)          { return noOperand() }
func (c *Count) OperandSlot() (offset, width int) { return 0, 0 }
func (c *Count) URI() string                      { return fmt.Sprintf("count?output=%d", c.outLen()) }

// [kind, (out-1) | (in-1)<<2 | counter<<5]
func serializeAccumulator(scheme string, in token.Token, out int, counter bool) ([]byte, error) {
	if err := checkLen(scheme, in, token.MaxLength); err != nil {
		return nil, err
	}
	if out < 1 || out > 4 {
		return nil, errors.Wrapf(routeerr.ErrInvalidConfig, "%s output length %d outside 1..4", scheme, out)
	}
	return []byte{byte(KindAccumulator), byte(out-1)&0x03 | byte(in.Length-1)&0x07<<2 | flag(counter)<<5}, nil
}

func decodeAccumulator(b []byte) Config {
	out := int(b[1]&0x03) + 1
	if b[1]&0x20 != 0 {
		return &Count{OutputLength: out}
	}
	return &Accumulate{OutputLength: out}
}
