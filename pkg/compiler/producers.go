package compiler

import (
	"github.com/pat-rohn/go-dataroute/pkg/command"
	"github.com/pat-rohn/go-dataroute/pkg/token"
)

// Producer describes a data source register. Multi channel producers
// (an accelerometer's x, y and z) report Channels values of Token each.
type Producer struct {
	Module   command.Module
	Register byte
	HasIndex bool
	Index    byte
	Token    token.Token
	Channels int
}

// Producers maps logical producer names to their registers.
type Producers map[string]Producer

// Address returns the physical address of the whole producer value.
func (p Producer) Address() token.Address {
	a := token.PhysicalAt(p.Module, p.Register)
	if p.HasIndex {
		a = a.WithIndex(p.Index)
	}
	return a
}

// Shape is the layout of one producer notification.
func (p Producer) Shape() token.Shape {
	s := token.Scalar(p.Token)
	if p.Channels > 1 {
		s = s.Pack(p.Channels)
	}
	return s
}
