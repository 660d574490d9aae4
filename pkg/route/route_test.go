package route

import (
	"testing"

	"github.com/pat-rohn/go-dataroute/pkg/command"
	"github.com/pat-rohn/go-dataroute/pkg/processor"
	"github.com/pat-rohn/go-dataroute/pkg/routeerr"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLinearChain(t *testing.T) {
	p, err := Producer("temperature").
		ProcessURI("math?operation=multiply&rhs=18").
		ProcessURI("math?operation=divide&rhs=10").
		ProcessURI("math?operation=add&rhs=32").
		Stream("tempF").
		Plan()
	require.NoError(t, err)
	require.Len(t, p.Nodes, 5)
	for i, n := range p.Nodes {
		assert.Equal(t, i, n.Seq)
		assert.Equal(t, i-1, n.Parent)
	}
	assert.Equal(t, OpStream, p.Nodes[4].Op)
	assert.Equal(t, []string{"tempF"}, p.Keys())
}

func TestSplitEndReturnsToProducer(t *testing.T) {
	p, err := Producer("accelerometer").
		Split().
		Index(0).Stream("x").
		Index(1).Stream("y").
		End().
		Stream("xyz").
		Plan()
	require.NoError(t, err)

	// producer, split, branch x, stream x, branch y, stream y, stream xyz
	require.Len(t, p.Nodes, 7)
	assert.Equal(t, OpSplit, p.Nodes[1].Op)
	assert.Equal(t, 1, p.Nodes[2].Parent)
	assert.Equal(t, 0, p.Nodes[2].Channel)
	assert.Equal(t, 1, p.Nodes[4].Parent)
	assert.Equal(t, 1, p.Nodes[4].Channel)
	assert.Equal(t, 0, p.Nodes[6].Parent, "stream after end reads the producer")
}

func TestMulticastBranches(t *testing.T) {
	p, err := Producer("temperature").
		Multicast().
		To().ProcessURI("time?period=1000").Stream("slow").
		To().Log("history").
		End().
		Plan()
	require.NoError(t, err)
	branches := 0
	for _, n := range p.Nodes {
		if n.Op == OpBranch {
			branches++
			assert.Equal(t, WholeValue, n.Channel)
			assert.Equal(t, 1, n.Parent)
		}
	}
	assert.Equal(t, 2, branches)
	assert.Equal(t, []string{"slow", "history"}, p.Keys())
}

func TestNestedSplits(t *testing.T) {
	p, err := Producer("accelerometer").
		Split().
		Index(0).
		Multicast().
		Branch().Stream("a").
		Branch().ProcessURI("delta?magnitude=5").Stream("b").
		End().
		Index(2).Stream("c").
		End().
		Plan()
	require.NoError(t, err)
	c := p.Nodes[len(p.Nodes)-1]
	assert.Equal(t, "c", c.Key)
	branch := p.Nodes[c.Parent]
	assert.Equal(t, OpBranch, branch.Op)
	assert.Equal(t, 2, branch.Channel)
	assert.Equal(t, OpSplit, p.Nodes[branch.Parent].Op)
}

func TestImmutableBuilder(t *testing.T) {
	base := Producer("temperature").ProcessURI("math?operation=add&rhs=1")
	a := base.Stream("a")
	b := base.ProcessURI("math?operation=add&rhs=2").Stream("b")

	pa, err := a.Plan()
	require.NoError(t, err)
	pb, err := b.Plan()
	require.NoError(t, err)
	assert.Len(t, pa.Nodes, 3)
	assert.Len(t, pb.Nodes, 4)

	pbase, err := base.Plan()
	require.NoError(t, err)
	assert.Len(t, pbase.Nodes, 2)
}

func TestNamesResolvedAtPlan(t *testing.T) {
	p, err := Producer("temperature").Name("raw").
		Process(&processor.Comparison{Op: processor.CompareGT, Reference: processor.Ref("max")}).
		Stream("above").
		Producer("temperature").ProcessURI("accumulate").Name("max").
		Plan()
	require.NoError(t, err)
	raw, ok := p.Named("raw")
	require.True(t, ok)
	assert.Equal(t, 0, raw.Seq)
	mx, ok := p.Named("max")
	require.True(t, ok)
	assert.Equal(t, OpProcess, mx.Op)
}

func TestBuildErrors(t *testing.T) {
	act := command.Write(command.ModLED, 0x01, 1)
	cases := map[string]struct {
		c    Component
		want error
	}{
		"duplicate name": {
			Producer("temperature").Name("t").ProcessURI("count").Name("t").Stream("s"),
			routeerr.ErrDuplicateName,
		},
		"duplicate key": {
			Producer("temperature").Stream("s").Log("s"),
			routeerr.ErrDuplicateKey,
		},
		"split without end": {
			Producer("accelerometer").Split().Index(0).Stream("x"),
			routeerr.ErrUnbalancedSplit,
		},
		"end without split": {
			Producer("temperature").Stream("s").End(),
			routeerr.ErrNothingToEnd,
		},
		"index outside split": {
			Producer("accelerometer").Index(1),
			routeerr.ErrIndexOutsideSplit,
		},
		"chain after buffer": {
			Producer("temperature").Buffer().ProcessURI("count"),
			routeerr.ErrBufferNoOutput,
		},
		"endpoint after buffer": {
			Producer("temperature").Buffer().React("r", act),
			routeerr.ErrBufferNoOutput,
		},
		"bad uri": {
			Producer("temperature").ProcessURI("math?operation=add&rhs=1&x=2"),
			routeerr.ErrUnknownField,
		},
		"missing field": {
			Producer("temperature").ProcessURI("comparison?operation=eq"),
			routeerr.ErrMissingField,
		},
		"empty fuse": {
			Producer("temperature").Fuse(),
			routeerr.ErrInvalidConfig,
		},
		"empty producer": {
			Producer(""),
			routeerr.ErrMissingProducer,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := tc.c.Plan()
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
			assert.True(t, routeerr.IsBuild(err), "got %v", err)
		})
	}
}

func TestErrorIsSticky(t *testing.T) {
	c := Producer("temperature").ProcessURI("nope").Stream("s").Split().End().End()
	err := c.Err()
	require.Error(t, err)
	assert.True(t, errors.Is(err, routeerr.ErrUnknownScheme))

	var ne *routeerr.NodeError
	require.True(t, errors.As(err, &ne))
	assert.Equal(t, 1, ne.Seq)
	assert.Equal(t, "process", ne.Op)
}

func TestBufferAllowsReturn(t *testing.T) {
	p, err := Producer("accelerometer").
		Multicast().
		To().Buffer().Name("acc").
		To().ProcessURI("count").Stream("n").
		End().
		Producer("gyro").Fuse("acc").Stream("both").
		Plan()
	require.NoError(t, err)
	n, ok := p.Named("acc")
	require.True(t, ok)
	assert.Equal(t, OpBuffer, n.Op)
	last := p.Nodes[len(p.Nodes)-1]
	assert.Equal(t, []string{"acc"}, p.Nodes[last.Parent].Buffers)
}

func TestReactCopiesAction(t *testing.T) {
	act := command.Write(command.ModLED, 0x01, 1, 2)
	c := Producer("switch").React("led", act)
	act.Payload[0] = 9
	p, err := c.Plan()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, p.Nodes[1].Action.Payload)
}
