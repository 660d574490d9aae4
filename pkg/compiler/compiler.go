// Package compiler turns a route plan into the ordered device commands that
// install it, together with the subscription table the dispatcher needs to
// route the notifications that come back.
package compiler

import (
	"github.com/pat-rohn/go-dataroute/pkg/command"
	"github.com/pat-rohn/go-dataroute/pkg/processor"
	"github.com/pat-rohn/go-dataroute/pkg/route"
	"github.com/pat-rohn/go-dataroute/pkg/routeerr"
	"github.com/pat-rohn/go-dataroute/pkg/token"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// LoggerWidth is the number of bytes one logger slot records.
const LoggerWidth = 4

// Compiler compiles plans against one device.
type Compiler struct {
	producers Producers
	alloc     *Allocator
	limits    Limits
}

func New(producers Producers, alloc *Allocator, limits Limits) *Compiler {
	if alloc == nil {
		alloc = NewAllocator(limits)
	}
	return &Compiler{producers: producers, alloc: alloc, limits: limits}
}

// Allocator returns the slot allocator shared with the device session.
func (c *Compiler) Allocator() *Allocator { return c.alloc }

type resolved struct {
	addr  token.Address
	shape token.Shape
	// payload length of a complete notification at addr's header
	frame  int
	output bool
	config []byte
}

type build struct {
	*Compiler
	plan *route.Plan
	out  *Compiled
	res  []resolved
}

// Compile resolves every node of p, reserving device ids. Nothing is sent;
// on error every id reserved so far is released again.
func (c *Compiler) Compile(p *route.Plan) (*Compiled, error) {
	logFields := log.Fields{"fnct": "Compile", "nodes": len(p.Nodes)}
	b := &build{
		Compiler: c,
		plan:     p,
		out:      &Compiled{NameIndex: map[string]token.Address{}, Subscriptions: map[string]Subscription{}},
		res:      make([]resolved, len(p.Nodes)),
	}
	if err := b.run(); err != nil {
		b.out.Release(c.alloc)
		log.WithFields(logFields).Debugf("compile failed: %v", err)
		return nil, err
	}
	log.WithFields(logFields).Debugf("%d commands, %d processors, %d loggers, %d events",
		len(b.out.Commands), len(b.out.Processors), len(b.out.Loggers), len(b.out.Events))
	return b.out, nil
}

func (b *build) run() error {
	for i := range b.plan.Nodes {
		n := &b.plan.Nodes[i]
		if n.Parent >= n.Seq {
			return routeerr.At(n.Seq, n.Op.String(), label(n), errors.Wrap(routeerr.ErrInvalidReference, "parent after child"))
		}
		r, err := b.node(n)
		if err != nil {
			return routeerr.At(n.Seq, n.Op.String(), label(n), err)
		}
		b.res[i] = r
		if n.Name != "" {
			b.out.NameIndex[n.Name] = r.addr
		}
	}
	for i := range b.plan.Nodes {
		n := &b.plan.Nodes[i]
		if n.Op != route.OpProcess || !processor.RequiresOperandResolution(n.Config) {
			continue
		}
		if err := b.feedback(n); err != nil {
			return routeerr.At(n.Seq, n.Op.String(), label(n), err)
		}
	}
	return nil
}

func (b *build) node(n *route.Node) (resolved, error) {
	switch n.Op {
	case route.OpProducer:
		p, ok := b.producers[n.Producer]
		if !ok {
			return resolved{}, errors.Wrapf(routeerr.ErrUnknownProducer, "%q", n.Producer)
		}
		if err := p.Token.Validate(); err != nil {
			return resolved{}, err
		}
		s := p.Shape()
		return resolved{addr: p.Address(), shape: s, frame: s.Len(), output: true}, nil

	case route.OpSplit, route.OpMulticast:
		return b.res[n.Parent], nil

	case route.OpBranch:
		parent := b.res[n.Parent]
		if n.Channel == route.WholeValue {
			return parent, nil
		}
		off, s, err := channelOf(parent.shape, n.Channel)
		if err != nil {
			return resolved{}, err
		}
		r := parent
		r.addr = parent.addr.WithOffset(parent.addr.Offset + off)
		r.shape = s
		return r, nil

	case route.OpProcess:
		return b.install(b.res[n.Parent], n.Config)

	case route.OpBuffer:
		r, err := b.install(b.res[n.Parent], &processor.Buffer{})
		r.output = false
		return r, err

	case route.OpFuse:
		cfg, err := b.fuse(n)
		if err != nil {
			return resolved{}, err
		}
		return b.install(b.res[n.Parent], cfg)

	case route.OpStream, route.OpLog, route.OpReact:
		return resolved{}, b.endpoint(n, b.res[n.Parent])
	}
	return resolved{}, errors.Errorf("unknown node op %d", n.Op)
}

// install allocates a processor reading from parent and emits its add
// command.
func (b *build) install(parent resolved, cfg processor.Config) (resolved, error) {
	if !parent.output {
		return resolved{}, routeerr.ErrBufferNoOutput
	}
	shape, err := cfg.Output(parent.shape)
	if err != nil {
		return resolved{}, err
	}
	cfgBytes, err := cfg.Serialize(parent.shape.Flat())
	if err != nil {
		return resolved{}, err
	}
	src, err := parent.addr.Source(parent.shape.Len())
	if err != nil {
		return resolved{}, err
	}
	ids, err := b.alloc.Reserve(ProcessorSlot, 1)
	if err != nil {
		return resolved{}, err
	}
	id := ids[0]
	b.out.Processors = append(b.out.Processors, id)
	b.out.Commands = append(b.out.Commands,
		command.WriteAt(command.ModDataProcessor, command.ProcAdd, id, append(src, cfgBytes...)...))
	return resolved{
		addr:   token.ProcessorID(id),
		shape:  shape,
		frame:  shape.Len(),
		output: true,
		config: cfgBytes,
	}, nil
}

func (b *build) fuse(n *route.Node) (*processor.Fuse, error) {
	cfg := &processor.Fuse{Names: append([]string(nil), n.Buffers...)}
	for _, name := range n.Buffers {
		target, ok := b.plan.Named(name)
		if !ok {
			return nil, errors.Wrapf(routeerr.ErrUnresolvedReference, "buffer %q", name)
		}
		if target.Op != route.OpBuffer {
			return nil, errors.Wrapf(routeerr.ErrNotABuffer, "%q is a %s", name, target.Op)
		}
		if target.Seq > n.Seq {
			return nil, errors.Wrapf(routeerr.ErrInvalidReference, "buffer %q declared after the fuse", name)
		}
		r := b.res[target.Seq]
		cfg.BufferIDs = append(cfg.BufferIDs, r.addr.ID)
		cfg.Parts = append(cfg.Parts, r.shape)
	}
	return cfg, nil
}

func (b *build) endpoint(n *route.Node, parent resolved) error {
	if !parent.output {
		return routeerr.ErrBufferNoOutput
	}
	sub := Subscription{
		Key:            n.Key,
		Address:        parent.addr,
		Header:         parent.addr.Header(),
		Shape:          parent.shape,
		Offset:         parent.addr.Offset,
		ExpectedLength: parent.frame,
	}
	length := parent.shape.Len()
	src, err := parent.addr.Source(length)
	if err != nil {
		return err
	}

	switch n.Op {
	case route.OpStream:
		sub.Channel = Stream
		cmd, _ := sub.Enable(true)
		b.out.Commands = append(b.out.Commands, cmd)

	case route.OpLog:
		sub.Channel = Log
		sub.Offset = 0
		sub.ExpectedLength = length
		ids, err := b.alloc.Reserve(LoggerSlot, (length+LoggerWidth-1)/LoggerWidth)
		if err != nil {
			return err
		}
		b.out.Loggers = append(b.out.Loggers, ids...)
		sub.LoggerIDs = ids
		payload := append(src, byte(len(ids)))
		payload = append(payload, ids...)
		b.out.Commands = append(b.out.Commands, command.WriteAt(command.ModLogging, command.LogTrigger, ids[0], payload...))

	case route.OpReact:
		sub.Channel = React
		if n.Action == nil {
			return errors.Wrap(routeerr.ErrInvalidConfig, "react without action")
		}
		id, err := b.event(src, 0, 0, *n.Action)
		if err != nil {
			return err
		}
		sub.EventID = id
	}
	sub.MultiPacket = sub.ExpectedLength > b.limits.MaxPacketLen
	b.out.Subscriptions[n.Key] = sub
	return nil
}

// feedback wires the output of the node n's operand names into n's
// parameter register through an event.
func (b *build) feedback(n *route.Node) error {
	op, _ := n.Config.Operand()
	target, ok := b.plan.Named(op.Ref)
	if !ok {
		return errors.Wrapf(routeerr.ErrUnresolvedReference, "%q", op.Ref)
	}
	tr := b.res[target.Seq]
	if !tr.output || target.Op.IsEndpoint() {
		return errors.Wrapf(routeerr.ErrInvalidReference, "%q is a %s without output", op.Ref, target.Op)
	}
	if target.Seq != n.Seq && target.Config != nil && processor.RequiresOperandResolution(target.Config) {
		next, _ := target.Config.Operand()
		if t2, ok := b.plan.Named(next.Ref); !ok || t2.Seq != target.Seq {
			return errors.Wrapf(routeerr.ErrFeedbackChain, "%q itself reads %q", op.Ref, next.Ref)
		}
	}

	self := b.res[n.Seq]
	src, err := tr.addr.Source(tr.shape.Len())
	if err != nil {
		return err
	}
	off, width := n.Config.OperandSlot()
	length := tr.shape.Len()
	if length > width {
		length = width
	}
	action := command.WriteAt(command.ModDataProcessor, command.ProcParameter, self.addr.ID, self.config...)
	header := len(action.Bytes()) - len(action.Payload)
	_, err = b.event(src, byte(header+off), byte(length), action)
	return err
}

func (b *build) event(src []byte, destOffset, destLength byte, action command.Command) (byte, error) {
	ids, err := b.alloc.Reserve(EventSlot, 1)
	if err != nil {
		return 0, err
	}
	id := ids[0]
	b.out.Events = append(b.out.Events, id)
	payload := append(append([]byte(nil), src...), destOffset, destLength)
	payload = append(payload, action.Bytes()...)
	b.out.Commands = append(b.out.Commands, command.WriteAt(command.ModEvent, command.EventEntry, id, payload...))
	return id, nil
}

// channelOf locates channel i inside s: an element of a packed payload or a
// part of a fused one.
func channelOf(s token.Shape, i int) (int, token.Shape, error) {
	off := 0
	if s.Account != token.AccountNone {
		off = s.AccountSize
		s.Account = token.AccountNone
		s.AccountSize = 0
	}
	switch {
	case s.Count > 1:
		if i >= s.Count {
			return 0, token.Shape{}, errors.Wrapf(routeerr.ErrInvalidIndex, "channel %d of %d", i, s.Count)
		}
		el := s
		el.Count = 1
		return off + i*el.Len(), el, nil
	case len(s.Parts) > 0:
		if i >= len(s.Parts) {
			return 0, token.Shape{}, errors.Wrapf(routeerr.ErrInvalidIndex, "part %d of %d", i, len(s.Parts))
		}
		for _, p := range s.Parts[:i] {
			off += p.Len()
		}
		return off, s.Parts[i], nil
	case i == 0:
		return off, s, nil
	}
	return 0, token.Shape{}, errors.Wrapf(routeerr.ErrInvalidIndex, "channel %d of a single value", i)
}

func label(n *route.Node) string {
	if n.Name != "" {
		return n.Name
	}
	if n.Key != "" {
		return n.Key
	}
	return n.Producer
}
