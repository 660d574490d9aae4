package processor

import (
	"encoding/binary"
	"fmt"

	"github.com/pat-rohn/go-dataroute/pkg/routeerr"
	"github.com/pat-rohn/go-dataroute/pkg/token"
	"github.com/pkg/errors"
)

// CompareOp is the relation a Comparison stage tests.
type CompareOp byte

const (
	CompareEQ CompareOp = iota
	CompareNEQ
	CompareLT
	CompareLTE
	CompareGT
	CompareGTE
)

var compareOpNames = map[CompareOp]string{
	CompareEQ: "eq", CompareNEQ: "neq", CompareLT: "lt", CompareLTE: "lte", CompareGT: "gt", CompareGTE: "gte",
}

func (op CompareOp) String() string { return compareOpNames[op] }

// Comparison passes values for which `value Op Reference` holds.
type Comparison struct {
	Op        CompareOp
	Reference Operand
	Signed    *bool
}

func (c *Comparison) Kind() Kind     { return KindComparison }
func (c *Comparison) Scheme() string { return "comparison" }

// [0x06, signed | fixed<<1, op, reference i32]
func (c *Comparison) Serialize(in token.Token) ([]byte, error) {
	if _, ok := compareOpNames[c.Op]; !ok {
		return nil, errors.Wrapf(routeerr.ErrInvalidConfig, "comparison operation %d", c.Op)
	}
	if err := checkLen("comparison", in, 4); err != nil {
		return nil, err
	}
	ref, fixed, err := c.Reference.raw()
	if err != nil {
		return nil, err
	}
	signed := in.Signed
	if c.Signed != nil {
		signed = *c.Signed
	}
	b := make([]byte, 7)
	b[0] = byte(KindComparison)
	b[1] = flag(signed) | flag(fixed)<<1
	b[2] = byte(c.Op)
	putI32(b[3:], ref)
	return b, nil
}

func (c *Comparison) Output(in token.Shape) (token.Shape, error) {
	t, err := scalarIn("comparison", in, 4)
	if err != nil {
		return token.Shape{}, err
	}
	return token.Scalar(t), nil
}

func (c *Comparison) Operand() (Operand, bool)          { return c.Reference, true }
func (c *Comparison) OperandSlot() (offset, width int) { return 3, 4 }

func (c *Comparison) URI() string {
	u := fmt.Sprintf("comparison?operation=%s&reference=%s", c.Op, formatOperand(c.Reference))
	if c.Signed != nil {
		u += fmt.Sprintf("&signed=%t", *c.Signed)
	}
	return u
}

func decodeComparison(b []byte) *Comparison {
	signed := b[1]&0x01 != 0
	return &Comparison{
		Op:        CompareOp(b[2]),
		Reference: operandFromWire(getI32(b[3:]), b[1]&0x02 != 0),
		Signed:    &signed,
	}
}

// ThresholdMode selects what a Threshold stage emits on a crossing.
type ThresholdMode byte

const (
	ThresholdAbsolute ThresholdMode = iota
	ThresholdBinary
)

var thresholdModeNames = map[ThresholdMode]string{ThresholdAbsolute: "absolute", ThresholdBinary: "binary"}

// Threshold fires when the input crosses Boundary, with Hysteresis.
type Threshold struct {
	Mode       ThresholdMode
	Boundary   Operand
	Hysteresis uint16
}

func (c *Threshold) Kind() Kind     { return KindThreshold }
func (c *Threshold) Scheme() string { return "threshold" }

// [0x0d, (in-1) | signed<<2 | mode<<3 | fixed<<4, boundary i32, hysteresis u16]
func (c *Threshold) Serialize(in token.Token) ([]byte, error) {
	if err := checkLen("threshold", in, 4); err != nil {
		return nil, err
	}
	v, fixed, err := c.Boundary.raw()
	if err != nil {
		return nil, err
	}
	b := make([]byte, 8)
	b[0] = byte(KindThreshold)
	b[1] = byte(in.Length-1)&0x03 | flag(in.Signed)<<2 | byte(c.Mode)&0x01<<3 | flag(fixed)<<4
	putI32(b[2:], v)
	binary.LittleEndian.PutUint16(b[6:], c.Hysteresis)
	return b, nil
}

func (c *Threshold) Output(in token.Shape) (token.Shape, error) {
	t, err := scalarIn("threshold", in, 4)
	if err != nil {
		return token.Shape{}, err
	}
	if c.Mode == ThresholdBinary {
		return token.Scalar(token.Token{Length: 1, Signed: true}), nil
	}
	return token.Scalar(t), nil
}

func (c *Threshold) Operand() (Operand, bool)          { return c.Boundary, true }
func (c *Threshold) OperandSlot() (offset, width int) { return 2, 4 }

func (c *Threshold) URI() string {
	return fmt.Sprintf("threshold?mode=%s&boundary=%s&hysteresis=%d",
		thresholdModeNames[c.Mode], formatOperand(c.Boundary), c.Hysteresis)
}

func decodeThreshold(b []byte) *Threshold {
	return &Threshold{
		Mode:       ThresholdMode(b[1] >> 3 & 0x01),
		Boundary:   operandFromWire(getI32(b[2:]), b[1]&0x10 != 0),
		Hysteresis: binary.LittleEndian.Uint16(b[6:]),
	}
}

// TimeMode selects what a Time stage emits.
type TimeMode byte

const (
	TimeAbsolute TimeMode = iota
	TimeDifferential
)

var timeModeNames = map[TimeMode]string{TimeAbsolute: "absolute", TimeDifferential: "differential"}

// Time lets at most one value through per Period milliseconds.
type Time struct {
	Period uint32
	Mode   TimeMode
}

func (c *Time) Kind() Kind     { return KindTime }
func (c *Time) Scheme() string { return "time" }

// [0x08, (in-1) | mode<<3, period u32]
func (c *Time) Serialize(in token.Token) ([]byte, error) {
	if err := checkLen("time", in, token.MaxLength); err != nil {
		return nil, err
	}
	if c.Period == 0 {
		return nil, errors.Wrap(routeerr.ErrInvalidConfig, "time period must be positive")
	}
	b := make([]byte, 6)
	b[0] = byte(KindTime)
	b[1] = byte(in.Length-1)&0x07 | byte(c.Mode)&0x01<<3
	binary.LittleEndian.PutUint32(b[2:], c.Period)
	return b, nil
}

func (c *Time) Output(in token.Shape) (token.Shape, error) {
	t, err := scalarIn("time", in, token.MaxLength)
	if err != nil {
		return token.Shape{}, err
	}
	if c.Mode == TimeDifferential {
		t.Signed = true
	}
	return token.Scalar(t), nil
}

func (c *Time) Operand() (Operand, bool)          { return noOperand() }
func (c *Time) OperandSlot() (offset, width int) { return 0, 0 }

func (c *Time) URI() string {
	return fmt.Sprintf("time?period=%d&mode=%s", c.Period, timeModeNames[c.Mode])
}

func decodeTime(b []byte) *Time {
	return &Time{Mode: TimeMode(b[1] >> 3 & 0x01), Period: binary.LittleEndian.Uint32(b[2:])}
}

// DeltaMode selects what a Delta stage emits.
type DeltaMode byte

const (
	DeltaAbsolute DeltaMode = iota
	DeltaDifferential
	DeltaBinary
)

var deltaModeNames = map[DeltaMode]string{DeltaAbsolute: "absolute", DeltaDifferential: "differential", DeltaBinary: "binary"}

// Delta emits when the input moved by at least Magnitude since the last
// emitted value.
type Delta struct {
	Mode      DeltaMode
	Magnitude Operand
}

func (c *Delta) Kind() Kind     { return KindDelta }
func (c *Delta) Scheme() string { return "delta" }

// [0x0b, (in-1) | signed<<2 | mode<<3 | fixed<<5, magnitude i32]
func (c *Delta) Serialize(in token.Token) ([]byte, error) {
	if _, ok := deltaModeNames[c.Mode]; !ok {
		return nil, errors.Wrapf(routeerr.ErrInvalidConfig, "delta mode %d", c.Mode)
	}
	if err := checkLen("delta", in, 4); err != nil {
		return nil, err
	}
	v, fixed, err := c.Magnitude.raw()
	if err != nil {
		return nil, err
	}
	b := make([]byte, 6)
	b[0] = byte(KindDelta)
	b[1] = byte(in.Length-1)&0x03 | flag(in.Signed)<<2 | byte(c.Mode)&0x03<<3 | flag(fixed)<<5
	putI32(b[2:], v)
	return b, nil
}

func (c *Delta) Output(in token.Shape) (token.Shape, error) {
	t, err := scalarIn("delta", in, 4)
	if err != nil {
		return token.Shape{}, err
	}
	switch c.Mode {
	case DeltaDifferential:
		t.Signed = true
	case DeltaBinary:
		t = token.Token{Length: 1, Signed: true}
	}
	return token.Scalar(t), nil
}

func (c *Delta) Operand() (Operand, bool)          { return c.Magnitude, true }
func (c *Delta) OperandSlot() (offset, width int) { return 2, 4 }

func (c *Delta) URI() string {
	return fmt.Sprintf("delta?mode=%s&magnitude=%s", deltaModeNames[c.Mode], formatOperand(c.Magnitude))
}

func decodeDelta(b []byte) *Delta {
	return &Delta{Mode: DeltaMode(b[1] >> 3 & 0x03), Magnitude: operandFromWire(getI32(b[2:]), b[1]&0x20 != 0)}
}

// PulseOutput selects what a Pulse stage reports for a detected pulse.
type PulseOutput byte

const (
	PulseWidth PulseOutput = iota
	PulseArea
	PulsePeak
	PulseDetect
)

var pulseOutputNames = map[PulseOutput]string{PulseWidth: "width", PulseArea: "area", PulsePeak: "peak", PulseDetect: "detect"}

// Pulse detects runs of at least Width samples above Threshold.
type Pulse struct {
	Report    PulseOutput
	Threshold Operand
	Width     uint16
}

func (c *Pulse) Kind() Kind     { return KindPulse }
func (c *Pulse) Scheme() string { return "pulse" }

// [0x0c, (in-1) | output<<3 | fixed<<5, threshold i32, width u16]
func (c *Pulse) Serialize(in token.Token) ([]byte, error) {
	if _, ok := pulseOutputNames[c.Report]; !ok {
		return nil, errors.Wrapf(routeerr.ErrInvalidConfig, "pulse output %d", c.Report)
	}
	if err := checkLen("pulse", in, token.MaxLength); err != nil {
		return nil, err
	}
	v, fixed, err := c.Threshold.raw()
	if err != nil {
		return nil, err
	}
	b := make([]byte, 8)
	b[0] = byte(KindPulse)
	b[1] = byte(in.Length-1)&0x07 | byte(c.Report)&0x03<<3 | flag(fixed)<<5
	putI32(b[2:], v)
	binary.LittleEndian.PutUint16(b[6:], c.Width)
	return b, nil
}

func (c *Pulse) Output(in token.Shape) (token.Shape, error) {
	t, err := scalarIn("pulse", in, token.MaxLength)
	if err != nil {
		return token.Shape{}, err
	}
	switch c.Report {
	case PulseWidth:
		return token.Scalar(token.Token{Length: 2}), nil
	case PulseArea:
		return token.Scalar(token.Token{Length: 4, Signed: t.Signed}), nil
	case PulseDetect:
		return token.Scalar(token.Token{Length: 1}), nil
	default:
		return token.Scalar(t), nil
	}
}

func (c *Pulse) Operand() (Operand, bool)          { return c.Threshold, true }
func (c *Pulse) OperandSlot() (offset, width int) { return 2, 4 }

func (c *Pulse) URI() string {
	return fmt.Sprintf("pulse?output=%s&threshold=%s&width=%d", pulseOutputNames[c.Report], formatOperand(c.Threshold), c.Width)
}

func decodePulse(b []byte) *Pulse {
	return &Pulse{
		Report:    PulseOutput(b[1] >> 3 & 0x03),
		Threshold: operandFromWire(getI32(b[2:]), b[1]&0x20 != 0),
		Width:     binary.LittleEndian.Uint16(b[6:]),
	}
}

// PassthroughMode selects how a Passthrough gate uses its Value.
type PassthroughMode byte

const (
	PassAll PassthroughMode = iota
	PassConditional
	PassCount
)

var passthroughModeNames = map[PassthroughMode]string{PassAll: "all", PassConditional: "conditional", PassCount: "count"}

// Passthrough gates its input: all, only while Value is non zero, or the
// next Value samples.
type Passthrough struct {
	Mode  PassthroughMode
	Value Operand
}

func (c *Passthrough) Kind() Kind     { return KindPassthrough }
func (c *Passthrough) Scheme() string { return "passthrough" }

// [0x01, mode, value u16]
func (c *Passthrough) Serialize(in token.Token) ([]byte, error) {
	if _, ok := passthroughModeNames[c.Mode]; !ok {
		return nil, errors.Wrapf(routeerr.ErrInvalidConfig, "passthrough mode %d", c.Mode)
	}
	if c.Value.Fixed || c.Value.Int < 0 || c.Value.Int > 0xffff {
		return nil, errors.Wrap(routeerr.ErrInvalidConfig, "passthrough value must be an integer in 0..65535")
	}
	b := make([]byte, 4)
	b[0] = byte(KindPassthrough)
	b[1] = byte(c.Mode)
	binary.LittleEndian.PutUint16(b[2:], uint16(c.Value.Int))
	return b, nil
}

// Output passes any payload through unchanged.
func (c *Passthrough) Output(in token.Shape) (token.Shape, error) {
	return in, nil
}

func (c *Passthrough) Operand() (Operand, bool)          { return c.Value, true }
func (c *Passthrough) OperandSlot() (offset, width int) { return 2, 2 }

func (c *Passthrough) URI() string {
	return fmt.Sprintf("passthrough?mode=%s&value=%s", passthroughModeNames[c.Mode], formatOperand(c.Value))
}

func decodePassthrough(b []byte) *Passthrough {
	return &Passthrough{Mode: PassthroughMode(b[1]), Value: Int(int64(binary.LittleEndian.Uint16(b[2:])))}
}
