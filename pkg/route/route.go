// Package route is the builder for on-device data routes. A Component is an
// immutable value: every method returns a new Component and leaves the
// receiver untouched, so partially built routes can be shared and extended
// in different directions. Nothing touches the device until the plan is
// compiled and committed.
package route

import (
	"github.com/pat-rohn/go-dataroute/pkg/command"
	"github.com/pat-rohn/go-dataroute/pkg/processor"
	"github.com/pat-rohn/go-dataroute/pkg/routeerr"
	"github.com/pat-rohn/go-dataroute/pkg/token"
	"github.com/pkg/errors"
)

// Op is the kind of a build node.
type Op int

const (
	OpProducer Op = iota
	OpProcess
	OpSplit
	OpMulticast
	OpBranch
	OpBuffer
	OpFuse
	OpStream
	OpLog
	OpReact
)

var opNames = [...]string{"producer", "process", "split", "multicast", "branch", "buffer", "fuse", "stream", "log", "react"}

func (o Op) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return "unknown"
}

// IsEndpoint reports whether o terminates a path at a host side key.
func (o Op) IsEndpoint() bool { return o == OpStream || o == OpLog || o == OpReact }

// WholeValue is the Channel of a branch that forwards the full parent value.
const WholeValue = -1

// Node is one authored stage. Parent is the Seq of the node it reads from,
// or -1 for producers.
type Node struct {
	Seq      int
	Op       Op
	Parent   int
	Name     string
	Producer string
	Config   processor.Config
	Channel  int
	Buffers  []string
	Key      string
	Action   *command.Command
}

type step struct {
	node *Node
	// set on naming steps
	target int
	name   string
	next   *step
}

type frame struct {
	point int
	next  *frame
}

// Component is a position inside a route under construction.
type Component struct {
	steps *step
	n     int
	cur   int
	ops   *opList
	stack *frame
	err   error
}

// opList remembers the op of every node so chaining rules can be checked
// without walking the step list.
type opList struct {
	seq    int
	op     Op
	parent int
	next   *opList
}

func (l *opList) find(seq int) (Op, int) {
	for ; l != nil; l = l.next {
		if l.seq == seq {
			return l.op, l.parent
		}
	}
	return OpProducer, -1
}

// Producer starts a route reading from the named producer.
func Producer(name string) Component {
	return Component{cur: -1}.Producer(name)
}

// Producer starts another chain inside the same route. The previous chain
// stays part of the route; names declared on it remain visible.
func (c Component) Producer(name string) Component {
	if c.err != nil {
		return c
	}
	if name == "" {
		return c.fail(OpProducer, errors.Wrap(routeerr.ErrMissingProducer, "empty producer name"))
	}
	return c.add(&Node{Op: OpProducer, Parent: -1, Producer: name}, true)
}

// Name labels the current node so other nodes can reference it.
func (c Component) Name(name string) Component {
	if c.err != nil {
		return c
	}
	if name == "" {
		return c.fail(OpProducer, errors.Wrap(routeerr.ErrInvalidConfig, "empty name"))
	}
	if c.cur < 0 {
		return c.fail(OpProducer, routeerr.ErrMissingProducer)
	}
	c.steps = &step{target: c.cur, name: name, next: c.steps}
	return c
}

// Process appends a processing stage.
func (c Component) Process(cfg processor.Config) Component {
	if c.err != nil {
		return c
	}
	if cfg == nil {
		return c.fail(OpProcess, errors.Wrap(routeerr.ErrInvalidConfig, "nil processor config"))
	}
	if err := c.chainable(); err != nil {
		return c.fail(OpProcess, err)
	}
	return c.add(&Node{Op: OpProcess, Parent: c.cur, Config: cfg}, true)
}

// ProcessURI appends a stage described as `scheme?field=value&...`.
func (c Component) ProcessURI(uri string) Component {
	if c.err != nil {
		return c
	}
	cfg, err := processor.Parse(uri)
	if err != nil {
		return c.fail(OpProcess, err)
	}
	return c.Process(cfg)
}

// Account prepends a counter or a device tick of 4 bytes to every payload.
func (c Component) Account(mode token.AccountKind) Component {
	return c.Process(&processor.Account{Mode: mode})
}

// Pack collects n values into one notification.
func (c Component) Pack(n int) Component {
	return c.Process(&processor.Pack{Count: n})
}

// Split opens a split of the current value into its channels. Select a
// channel with Index and return with End.
func (c Component) Split() Component {
	return c.open(OpSplit)
}

// Multicast opens a fan out of the current value. Each Branch (or To)
// starts a new path reading the full value.
func (c Component) Multicast() Component {
	return c.open(OpMulticast)
}

func (c Component) open(op Op) Component {
	if c.err != nil {
		return c
	}
	if err := c.chainable(); err != nil {
		return c.fail(op, err)
	}
	c = c.add(&Node{Op: op, Parent: c.cur}, true)
	c.stack = &frame{point: c.cur, next: c.stack}
	return c
}

// Index starts a path reading channel i of the innermost split.
func (c Component) Index(i int) Component {
	return c.branch(i)
}

// Branch starts a path reading the full value of the innermost split or
// multicast.
func (c Component) Branch() Component {
	return c.branch(WholeValue)
}

// To is Branch.
func (c Component) To() Component {
	return c.branch(WholeValue)
}

func (c Component) branch(channel int) Component {
	if c.err != nil {
		return c
	}
	if c.stack == nil {
		return c.fail(OpBranch, errors.Wrap(routeerr.ErrIndexOutsideSplit, "no open split or multicast"))
	}
	if channel < WholeValue {
		return c.fail(OpBranch, errors.Wrapf(routeerr.ErrInvalidIndex, "channel %d", channel))
	}
	return c.add(&Node{Op: OpBranch, Parent: c.stack.point, Channel: channel}, true)
}

// End closes the innermost split or multicast and continues from the node
// it was opened on.
func (c Component) End() Component {
	if c.err != nil {
		return c
	}
	if c.stack == nil {
		return c.fail(OpSplit, routeerr.ErrNothingToEnd)
	}
	_, parent := c.ops.find(c.stack.point)
	c.cur = parent
	c.stack = c.stack.next
	return c
}

// Buffer stores the current value in device memory. A buffer emits nothing;
// only Name, End, Branch, Index, To and Producer may follow it.
func (c Component) Buffer() Component {
	if c.err != nil {
		return c
	}
	if err := c.chainable(); err != nil {
		return c.fail(OpBuffer, err)
	}
	return c.add(&Node{Op: OpBuffer, Parent: c.cur, Config: &processor.Buffer{}}, true)
}

// Fuse joins the current value with the contents of the named buffers.
func (c Component) Fuse(buffers ...string) Component {
	if c.err != nil {
		return c
	}
	if len(buffers) == 0 || len(buffers) > processor.MaxFuseInputs {
		return c.fail(OpFuse, errors.Wrapf(routeerr.ErrInvalidConfig, "fuse of %d buffers", len(buffers)))
	}
	if err := c.chainable(); err != nil {
		return c.fail(OpFuse, err)
	}
	names := append([]string(nil), buffers...)
	return c.add(&Node{Op: OpFuse, Parent: c.cur, Buffers: names, Config: &processor.Fuse{Names: names}}, true)
}

// Stream delivers the current value live under key.
func (c Component) Stream(key string) Component {
	return c.endpoint(&Node{Op: OpStream, Key: key})
}

// Log records the current value in device memory for later download under
// key.
func (c Component) Log(key string) Component {
	return c.endpoint(&Node{Op: OpLog, Key: key})
}

// React runs action on the device every time the current node emits.
func (c Component) React(key string, action command.Command) Component {
	a := action
	a.Payload = append([]byte(nil), action.Payload...)
	return c.endpoint(&Node{Op: OpReact, Key: key, Action: &a})
}

func (c Component) endpoint(n *Node) Component {
	if c.err != nil {
		return c
	}
	if n.Key == "" {
		return c.fail(n.Op, errors.Wrap(routeerr.ErrInvalidConfig, "empty key"))
	}
	if err := c.chainable(); err != nil {
		return c.fail(n.Op, err)
	}
	n.Parent = c.cur
	return c.add(n, false)
}

// Err returns the first error recorded while building.
func (c Component) Err() error { return c.err }

func (c Component) chainable() error {
	if c.cur < 0 {
		return routeerr.ErrMissingProducer
	}
	if op, _ := c.ops.find(c.cur); op == OpBuffer {
		return routeerr.ErrBufferNoOutput
	}
	return nil
}

func (c Component) add(n *Node, advance bool) Component {
	n.Seq = c.n
	c.steps = &step{node: n, next: c.steps}
	c.ops = &opList{seq: n.Seq, op: n.Op, parent: n.Parent, next: c.ops}
	c.n++
	if advance {
		c.cur = n.Seq
	}
	return c
}

func (c Component) fail(op Op, err error) Component {
	c.err = routeerr.At(c.n, op.String(), "", err)
	return c
}
