// Package token describes where bytes come from on the device (Address) and
// what they look like (Token for a single value, Shape for a whole payload).
package token

import (
	"fmt"

	"github.com/pat-rohn/go-dataroute/pkg/command"
	"github.com/pat-rohn/go-dataroute/pkg/routeerr"
	"github.com/pkg/errors"
)

// MaxLength is the widest single value a processor can consume.
const MaxLength = 8

// Token is the shape of one value flowing out of a producer or processor.
type Token struct {
	Length int
	Signed bool
}

// Validate checks the length bounds.
func (t Token) Validate() error {
	if t.Length < 1 || t.Length > MaxLength {
		return errors.Wrapf(routeerr.ErrIncompatibleInput, "token length %d outside 1..%d", t.Length, MaxLength)
	}
	return nil
}

func (t Token) String() string {
	if t.Signed {
		return fmt.Sprintf("s%d", t.Length*8)
	}
	return fmt.Sprintf("u%d", t.Length*8)
}

// Kind tags an Address.
type Kind int

const (
	Physical Kind = iota
	Processor
	Named
)

func (k Kind) String() string {
	switch k {
	case Physical:
		return "physical"
	case Processor:
		return "processor"
	case Named:
		return "named"
	default:
		return "unknown"
	}
}

// Address is one of Physical{module, register, index, offset},
// Processor{id} or Named{name}.
type Address struct {
	Kind     Kind
	Module   command.Module
	Register byte
	HasIndex bool
	Index    byte
	Offset   int
	ID       byte
	Name     string
}

// PhysicalAt addresses a producer register without index.
func PhysicalAt(m command.Module, register byte) Address {
	return Address{Kind: Physical, Module: m, Register: register}
}

// ProcessorID addresses the output of processor id.
func ProcessorID(id byte) Address {
	return Address{Kind: Processor, Module: command.ModDataProcessor, Register: command.ProcNotify, HasIndex: true, Index: id, ID: id}
}

// NamedRef is an unresolved reference by user name.
func NamedRef(name string) Address {
	return Address{Kind: Named, Name: name}
}

// WithIndex returns a copy with the register index set.
func (a Address) WithIndex(i byte) Address {
	a.HasIndex = true
	a.Index = i
	return a
}

// WithOffset returns a copy reading from byte offset o of the register value.
func (a Address) WithOffset(o int) Address {
	a.Offset = o
	return a
}

// Header is the notification header the device uses for data from a.
func (a Address) Header() command.Header {
	return command.Header{Module: a.Module, Register: a.Register, HasIndex: a.HasIndex, Index: a.Index}
}

// Source encodes a as the 5 byte data source descriptor
// [module, register, index, offset, length].
func (a Address) Source(length int) ([]byte, error) {
	if a.Kind == Named {
		return nil, errors.Wrapf(routeerr.ErrUnresolvedReference, "%q", a.Name)
	}
	if length < 1 || length > 0xff || a.Offset < 0 || a.Offset > 0xff {
		return nil, errors.Wrapf(routeerr.ErrIncompatibleInput, "source %s offset %d length %d", a, a.Offset, length)
	}
	idx := command.NoIndex
	if a.HasIndex {
		idx = a.Index
	}
	return []byte{byte(a.Module), a.Register, idx, byte(a.Offset), byte(length)}, nil
}

func (a Address) String() string {
	switch a.Kind {
	case Processor:
		return fmt.Sprintf("processor[%d]", a.ID)
	case Named:
		return fmt.Sprintf("named[%s]", a.Name)
	default:
		s := fmt.Sprintf("%s/0x%02x", a.Module, a.Register)
		if a.HasIndex {
			s += fmt.Sprintf("/%d", a.Index)
		}
		if a.Offset > 0 {
			s += fmt.Sprintf("+%d", a.Offset)
		}
		return s
	}
}
