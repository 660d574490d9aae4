package token

import (
	"strconv"
	"strings"
)

// AccountKind selects the metadata an accounting stage prepends.
type AccountKind byte

const (
	AccountNone AccountKind = iota
	AccountCount
	AccountTime
)

func (k AccountKind) String() string {
	switch k {
	case AccountCount:
		return "count"
	case AccountTime:
		return "time"
	default:
		return "none"
	}
}

// Shape is the byte layout of a whole payload: an optional accounting
// prefix followed by Count repetitions of an element. The element is either
// a single Token or the concatenation of Parts.
type Shape struct {
	Token       Token
	Parts       []Shape
	Count       int
	Account     AccountKind
	AccountSize int
}

// Scalar is the shape of a payload carrying exactly one token.
func Scalar(t Token) Shape {
	return Shape{Token: t, Count: 1}
}

// Fuse concatenates shapes in order.
func Fuse(parts ...Shape) Shape {
	return Shape{Parts: append([]Shape(nil), parts...), Count: 1}
}

// IsScalar reports whether s is a single plain token.
func (s Shape) IsScalar() bool {
	return len(s.Parts) == 0 && s.repeat() == 1 && s.Account == AccountNone
}

// ElementLen is the length of one repetition.
func (s Shape) ElementLen() int {
	if len(s.Parts) == 0 {
		return s.Token.Length
	}
	n := 0
	for _, p := range s.Parts {
		n += p.Len()
	}
	return n
}

// Len is the total payload length including accounting overhead.
func (s Shape) Len() int {
	n := s.repeat() * s.ElementLen()
	if s.Account != AccountNone {
		n += s.AccountSize
	}
	return n
}

// Pack repeats s n times.
func (s Shape) Pack(n int) Shape {
	if s.Account == AccountNone && s.repeat() == 1 {
		s.Count = n
		return s
	}
	return Shape{Parts: []Shape{s}, Count: n}
}

// WithAccount prepends an accounting field of size bytes.
func (s Shape) WithAccount(kind AccountKind, size int) Shape {
	if s.Account != AccountNone {
		s = Shape{Parts: []Shape{s}, Count: 1}
	}
	s.Account = kind
	s.AccountSize = size
	return s
}

// Flat returns the scalar token a processor sees when it treats the payload
// as one value.
func (s Shape) Flat() Token {
	if s.IsScalar() {
		return s.Token
	}
	return Token{Length: s.Len()}
}

func (s Shape) repeat() int {
	if s.Count < 1 {
		return 1
	}
	return s.Count
}

func (s Shape) String() string {
	var b strings.Builder
	if s.Account != AccountNone {
		b.WriteString(s.Account.String())
		b.WriteString("+")
	}
	if len(s.Parts) == 0 {
		b.WriteString(s.Token.String())
	} else {
		parts := make([]string, 0, len(s.Parts))
		for _, p := range s.Parts {
			parts = append(parts, p.String())
		}
		b.WriteString("(" + strings.Join(parts, ",") + ")")
	}
	if s.repeat() > 1 {
		b.WriteString("x")
		b.WriteString(strconv.Itoa(s.repeat()))
	}
	return b.String()
}

