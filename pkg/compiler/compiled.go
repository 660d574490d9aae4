package compiler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pat-rohn/go-dataroute/pkg/command"
	"github.com/pat-rohn/go-dataroute/pkg/routeerr"
	"github.com/pat-rohn/go-dataroute/pkg/token"
	"github.com/pkg/errors"
)

// Channel is how an endpoint delivers its data.
type Channel int

const (
	Stream Channel = iota
	Log
	React
)

func (c Channel) String() string {
	switch c {
	case Stream:
		return "stream"
	case Log:
		return "log"
	default:
		return "react"
	}
}

// Subscription describes where the data of one endpoint key arrives.
// Notifications with Header carry ExpectedLength payload bytes, of which
// the key owns Shape.Len() bytes starting at Offset.
type Subscription struct {
	Key            string
	Channel        Channel
	Address        token.Address
	Header         command.Header
	Shape          token.Shape
	Offset         int
	ExpectedLength int
	MultiPacket    bool
	LoggerIDs      []byte
	EventID        byte
}

// Enable returns the command switching notifications for a stream on or off.
func (s Subscription) Enable(on bool) (command.Command, bool) {
	if s.Channel != Stream {
		return command.Command{}, false
	}
	v := byte(0)
	if on {
		v = 1
	}
	h := s.Header
	switch {
	case h.Module == command.ModDataProcessor && h.Register == command.ProcNotify:
		return command.WriteAt(command.ModDataProcessor, command.ProcNotifyEnable, h.Index, v), true
	case h.HasIndex:
		return command.WriteAt(h.Module, h.Register, h.Index, v), true
	default:
		return command.Write(h.Module, h.Register, v), true
	}
}

// Slice cuts the key's bytes out of a complete notification payload.
func (s Subscription) Slice(payload []byte) ([]byte, error) {
	if len(payload) < s.ExpectedLength {
		return nil, errors.Wrapf(routeerr.ErrShortPayload, "%s: %d of %d bytes", s.Key, len(payload), s.ExpectedLength)
	}
	end := s.Offset + s.Shape.Len()
	if end > len(payload) {
		return nil, errors.Wrapf(routeerr.ErrShortPayload, "%s: slice %d..%d of %d bytes", s.Key, s.Offset, end, len(payload))
	}
	return payload[s.Offset:end], nil
}

// Compiled is the output of one compilation. It is never modified after
// Compile returns.
type Compiled struct {
	Commands      []command.Command
	NameIndex     map[string]token.Address
	Subscriptions map[string]Subscription
	Processors    []byte
	Loggers       []byte
	Events        []byte
}

// Keys returns the endpoint keys sorted.
func (c *Compiled) Keys() []string {
	keys := make([]string, 0, len(c.Subscriptions))
	for k := range c.Subscriptions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Teardown lists the commands removing everything the route installed:
// events first, then loggers, then processors youngest first.
func (c *Compiled) Teardown() []command.Command {
	var out []command.Command
	for _, id := range c.Events {
		out = append(out, command.WriteAt(command.ModEvent, command.EventRemove, id))
	}
	for _, id := range c.Loggers {
		out = append(out, command.WriteAt(command.ModLogging, command.LogRemove, id))
	}
	for i := len(c.Processors) - 1; i >= 0; i-- {
		out = append(out, command.WriteAt(command.ModDataProcessor, command.ProcRemove, c.Processors[i]))
	}
	return out
}

// Release hands every id back to a.
func (c *Compiled) Release(a *Allocator) {
	a.Release(ProcessorSlot, c.Processors...)
	a.Release(LoggerSlot, c.Loggers...)
	a.Release(EventSlot, c.Events...)
}

// String renders the command list and the subscription table.
func (c *Compiled) String() string {
	var b strings.Builder
	for i, cmd := range c.Commands {
		fmt.Fprintf(&b, "%3d %s\n", i, cmd)
	}
	for _, k := range c.Keys() {
		s := c.Subscriptions[k]
		fmt.Fprintf(&b, "%-16s %-6s %s shape=%s offset=%d expected=%d multipacket=%t\n",
			k, s.Channel, s.Header, s.Shape, s.Offset, s.ExpectedLength, s.MultiPacket)
	}
	return b.String()
}
