package route

import (
	"github.com/pat-rohn/go-dataroute/pkg/routeerr"
	"github.com/pkg/errors"
)

// Plan is a finished build: nodes in construction order, every parent
// listed before its children.
type Plan struct {
	Nodes []Node
}

// Plan checks the route and returns its nodes. Build errors recorded while
// chaining are returned here, together with unbalanced splits and duplicate
// names or keys.
func (c Component) Plan() (*Plan, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.n == 0 {
		return nil, routeerr.ErrMissingProducer
	}
	if c.stack != nil {
		depth := 0
		for f := c.stack; f != nil; f = f.next {
			depth++
		}
		return nil, errors.Wrapf(routeerr.ErrUnbalancedSplit, "%d split(s) without end", depth)
	}

	steps := make([]*step, 0, c.n)
	for s := c.steps; s != nil; s = s.next {
		steps = append(steps, s)
	}
	p := &Plan{Nodes: make([]Node, 0, c.n)}
	names := map[string]int{}
	for i := len(steps) - 1; i >= 0; i-- {
		s := steps[i]
		if s.node != nil {
			n := *s.node
			n.Buffers = append([]string(nil), n.Buffers...)
			p.Nodes = append(p.Nodes, n)
			continue
		}
		n := &p.Nodes[s.target]
		if prev, ok := names[s.name]; ok && prev != s.target {
			return nil, routeerr.At(s.target, n.Op.String(), s.name,
				errors.Wrapf(routeerr.ErrDuplicateName, "already used by node %d", prev))
		}
		if n.Name != "" && n.Name != s.name {
			return nil, routeerr.At(s.target, n.Op.String(), s.name,
				errors.Wrapf(routeerr.ErrInvalidConfig, "node already named %q", n.Name))
		}
		names[s.name] = s.target
		n.Name = s.name
	}

	keys := map[string]int{}
	for _, n := range p.Nodes {
		if !n.Op.IsEndpoint() {
			continue
		}
		if prev, ok := keys[n.Key]; ok {
			return nil, routeerr.At(n.Seq, n.Op.String(), n.Key,
				errors.Wrapf(routeerr.ErrDuplicateKey, "already used by node %d", prev))
		}
		keys[n.Key] = n.Seq
	}
	return p, nil
}

// Named returns the node labelled name.
func (p *Plan) Named(name string) (*Node, bool) {
	for i := range p.Nodes {
		if p.Nodes[i].Name == name {
			return &p.Nodes[i], true
		}
	}
	return nil, false
}

// Endpoints returns the endpoint nodes in construction order.
func (p *Plan) Endpoints() []Node {
	var out []Node
	for _, n := range p.Nodes {
		if n.Op.IsEndpoint() {
			out = append(out, n)
		}
	}
	return out
}

// Keys lists the endpoint keys in construction order.
func (p *Plan) Keys() []string {
	var out []string
	for _, n := range p.Endpoints() {
		out = append(out, n.Key)
	}
	return out
}
