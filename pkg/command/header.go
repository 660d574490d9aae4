package command

import "fmt"

// Header identifies the origin of a notification: the module, the register
// and, for indexed registers, the index (a processor id for data processor
// notifications).
type Header struct {
	Module   Module
	Register byte
	HasIndex bool
	Index    byte
}

// ProcessorNotify is the header of data pushed by processor id.
func ProcessorNotify(id byte) Header {
	return Header{Module: ModDataProcessor, Register: ProcNotify, HasIndex: true, Index: id}
}

// Len is the number of header bytes on the wire.
func (h Header) Len() int {
	if h.HasIndex {
		return 3
	}
	return 2
}

// Bytes returns the header prefix of a notification frame.
func (h Header) Bytes() []byte {
	if h.HasIndex {
		return []byte{byte(h.Module), h.Register, h.Index}
	}
	return []byte{byte(h.Module), h.Register}
}

// Frame prepends the header to payload.
func (h Header) Frame(payload []byte) []byte {
	return append(h.Bytes(), payload...)
}

// Matches reports whether frame starts with this header.
func (h Header) Matches(frame []byte) bool {
	if len(frame) < h.Len() {
		return false
	}
	if Module(frame[0]) != h.Module || frame[1]&^ReadFlag != h.Register {
		return false
	}
	return !h.HasIndex || frame[2] == h.Index
}

// Candidates returns the indexed and the plain reading of frame's header,
// most specific first.
func Candidates(frame []byte) []Header {
	if len(frame) < 2 {
		return nil
	}
	plain := Header{Module: Module(frame[0]), Register: frame[1] &^ ReadFlag}
	if len(frame) < 3 {
		return []Header{plain}
	}
	indexed := plain
	indexed.HasIndex = true
	indexed.Index = frame[2]
	return []Header{indexed, plain}
}

func (h Header) String() string {
	if h.HasIndex {
		return fmt.Sprintf("%s/0x%02x/%d", h.Module, h.Register, h.Index)
	}
	return fmt.Sprintf("%s/0x%02x", h.Module, h.Register)
}
