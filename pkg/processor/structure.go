package processor

import (
	"fmt"
	"strings"

	"github.com/pat-rohn/go-dataroute/pkg/routeerr"
	"github.com/pat-rohn/go-dataroute/pkg/token"
	"github.com/pkg/errors"
)

// MaxFuseInputs is the number of buffers a single fuse stage can join.
const MaxFuseInputs = 7

// Buffer keeps the latest input in device memory without emitting it.
type Buffer struct{}

func (c *Buffer) Kind() Kind     { return KindBuffer }
func (c *Buffer) Scheme() string { return "buffer" }

func (c *Buffer) Serialize(in token.Token) ([]byte, error) {
	if in.Length < 1 || in.Length > 0x100 {
		return nil, errors.Wrapf(routeerr.ErrIncompatibleInput, "buffer of %d bytes", in.Length)
	}
	return []byte{byte(KindBuffer), byte(in.Length - 1)}, nil
}

// Output is the shape of the stored value; a buffer has no forward output.
func (c *Buffer) Output(in token.Shape) (token.Shape, error) { return in, nil }

func (c *Buffer) Operand() (Operand, bool)          { return noOperand() }
func (c *Buffer) OperandSlot() (offset, width int) { return 0, 0 }
func (c *Buffer) URI() string                      { return "buffer" }

// Fuse joins the input with the contents of buffers. BufferIDs and Parts
// are filled in by the compiler once the buffer names are resolved.
type Fuse struct {
	Names     []string
	BufferIDs []byte
	Parts     []token.Shape
}

func (c *Fuse) Kind() Kind     { return KindFuse }
func (c *Fuse) Scheme() string { return "fuse" }

// [0x1b, n, ids...]
func (c *Fuse) Serialize(in token.Token) ([]byte, error) {
	if len(c.BufferIDs) == 0 || len(c.BufferIDs) > MaxFuseInputs {
		return nil, errors.Wrapf(routeerr.ErrInvalidConfig, "fuse of %d buffers", len(c.BufferIDs))
	}
	b := []byte{byte(KindFuse), byte(len(c.BufferIDs))}
	return append(b, c.BufferIDs...), nil
}

func (c *Fuse) Output(in token.Shape) (token.Shape, error) {
	if len(c.Parts) != len(c.BufferIDs) {
		return token.Shape{}, errors.Wrap(routeerr.ErrInvalidConfig, "fuse buffers not resolved")
	}
	return token.Fuse(append([]token.Shape{in}, c.Parts...)...), nil
}

func (c *Fuse) Operand() (Operand, bool)          { return noOperand() }
func (c *Fuse) OperandSlot() (offset, width int) { return 0, 0 }
func (c *Fuse) URI() string                      { return "fuse?buffers=" + strings.Join(c.Names, ",") }

// Pack collects Count inputs into one payload.
type Pack struct {
	Count int
}

func (c *Pack) Kind() Kind     { return KindPack }
func (c *Pack) Scheme() string { return "pack" }

// [0x10, in-1, count-1]
func (c *Pack) Serialize(in token.Token) ([]byte, error) {
	if c.Count < 2 || c.Count > 0x100 {
		return nil, errors.Wrapf(routeerr.ErrInvalidConfig, "pack count %d outside 2..256", c.Count)
	}
	if in.Length < 1 || in.Length > 0x100 {
		return nil, errors.Wrapf(routeerr.ErrIncompatibleInput, "pack input of %d bytes", in.Length)
	}
	return []byte{byte(KindPack), byte(in.Length - 1), byte(c.Count - 1)}, nil
}

func (c *Pack) Output(in token.Shape) (token.Shape, error) { return in.Pack(c.Count), nil }

func (c *Pack) Operand() (Operand, bool)          { return noOperand() }
func (c *Pack) OperandSlot() (offset, width int) { return 0, 0 }
func (c *Pack) URI() string                      { return fmt.Sprintf("pack?count=%d", c.Count) }

// Account prepends a counter or a device tick to every payload.
type Account struct {
	Mode token.AccountKind
	Size int
}

func (c *Account) Kind() Kind     { return KindAccount }
func (c *Account) Scheme() string { return "account" }

func (c *Account) size() int {
	if c.Size > 0 {
		return c.Size
	}
	return 4
}

// [0x11, mode, size]
func (c *Account) Serialize(in token.Token) ([]byte, error) {
	if c.Mode != token.AccountCount && c.Mode != token.AccountTime {
		return nil, errors.Wrapf(routeerr.ErrInvalidConfig, "account mode %d", c.Mode)
	}
	if c.size() > 4 {
		return nil, errors.Wrapf(routeerr.ErrInvalidConfig, "account size %d outside 1..4", c.size())
	}
	return []byte{byte(KindAccount), byte(c.Mode), byte(c.size())}, nil
}

func (c *Account) Output(in token.Shape) (token.Shape, error) {
	return in.WithAccount(c.Mode, c.size()), nil
}

func (c *Account) Operand() (Operand, bool)          { return noOperand() }
func (c *Account) OperandSlot() (offset, width int) { return 0, 0 }
func (c *Account) URI() string                      { return fmt.Sprintf("account?mode=%s&size=%d", c.Mode, c.size()) }

func decodeAccount(b []byte) *Account {
	return &Account{Mode: token.AccountKind(b[1]), Size: int(b[2])}
}
