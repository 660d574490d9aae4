package compiler

import (
	"testing"

	"github.com/pat-rohn/go-dataroute/pkg/command"
	"github.com/pat-rohn/go-dataroute/pkg/route"
	"github.com/pat-rohn/go-dataroute/pkg/routeerr"
	"github.com/pat-rohn/go-dataroute/pkg/token"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testProducers = Producers{
	"temperature":   {Module: command.ModTemperature, Register: 0x01, HasIndex: true, Index: 0, Token: token.Token{Length: 2, Signed: true}},
	"accelerometer": {Module: command.ModAccelerometer, Register: 0x04, Token: token.Token{Length: 2, Signed: true}, Channels: 3},
	"humidity":      {Module: command.ModHumidity, Register: 0x01, Token: token.Token{Length: 4}},
	"switch":        {Module: command.ModSwitch, Register: 0x01, Token: token.Token{Length: 1}},
}

func compile(t *testing.T, c route.Component, limits Limits) (*Compiled, *Allocator, error) {
	t.Helper()
	p, err := c.Plan()
	require.NoError(t, err)
	alloc := NewAllocator(limits)
	out, err := New(testProducers, alloc, limits).Compile(p)
	return out, alloc, err
}

func TestCompileFahrenheit(t *testing.T) {
	out, _, err := compile(t, route.Producer("temperature").
		ProcessURI("math?operation=multiply&rhs=18").
		ProcessURI("math?operation=divide&rhs=10").
		ProcessURI("math?operation=add&rhs=32").
		Stream("tempF"), DefaultLimits)
	require.NoError(t, err)

	require.Len(t, out.Commands, 4)
	adds := 0
	for _, c := range out.Commands[:3] {
		assert.Equal(t, command.ModDataProcessor, c.Module)
		assert.Equal(t, command.ProcAdd, c.Register)
		adds++
	}
	assert.Equal(t, 3, adds)
	assert.Equal(t, []byte{0x09, 0x02, 0x00, 0x04, 0x01, 0x00, 0x00, 0x02, 0x09, 0x09, 0x02, 18, 0, 0, 0},
		out.Commands[0].Bytes())
	assert.Equal(t, []byte{0x09, 0x03, 0x00, 0x00, 0x02}, out.Commands[1].Payload[:5], "second stage reads the first")
	assert.Equal(t, []byte{0x09, 0x07, 0x02, 0x01}, out.Commands[3].Bytes())

	sub := out.Subscriptions["tempF"]
	assert.Equal(t, 2, sub.ExpectedLength)
	assert.False(t, sub.MultiPacket)
	assert.Equal(t, command.ProcessorNotify(2), sub.Header)
	assert.Equal(t, Stream, sub.Channel)
	assert.Equal(t, []byte{0, 1, 2}, out.Processors)
}

func TestCompileSplitSharesProducer(t *testing.T) {
	out, alloc, err := compile(t, route.Producer("accelerometer").
		Split().
		Index(0).Stream("x").
		Index(1).Stream("y").
		End().
		Stream("xyz"), DefaultLimits)
	require.NoError(t, err)

	assert.Empty(t, out.Processors)
	assert.Equal(t, 0, alloc.InUse(ProcessorSlot))
	require.Len(t, out.Commands, 3)
	for _, c := range out.Commands {
		assert.Equal(t, []byte{0x03, 0x04, 0x01}, c.Bytes())
	}
	want := command.Header{Module: command.ModAccelerometer, Register: 0x04}
	x, y, xyz := out.Subscriptions["x"], out.Subscriptions["y"], out.Subscriptions["xyz"]
	for _, s := range []Subscription{x, y, xyz} {
		assert.Equal(t, want, s.Header)
		assert.Equal(t, 6, s.ExpectedLength)
	}
	assert.Equal(t, 0, x.Offset)
	assert.Equal(t, 2, y.Offset)
	assert.Equal(t, 2, y.Shape.Len())
	assert.Equal(t, 6, xyz.Shape.Len())

	payload := []byte{1, 0, 2, 0, 3, 0}
	b, err := y.Slice(payload)
	require.NoError(t, err)
	assert.Equal(t, []byte{2, 0}, b)
}

func TestCompileMulticastBranches(t *testing.T) {
	out, _, err := compile(t, route.Producer("temperature").
		Multicast().
		Branch().Stream("a").
		Branch().ProcessURI("delta?magnitude=4").Stream("b").
		End().
		Stream("c"), DefaultLimits)
	require.NoError(t, err)
	assert.Len(t, out.Processors, 1)
	assert.Equal(t, out.Subscriptions["a"].Header, out.Subscriptions["c"].Header)
	assert.Equal(t, command.ProcessorNotify(0), out.Subscriptions["b"].Header)
}

func TestCompileUnresolvedReference(t *testing.T) {
	out, alloc, err := compile(t, route.Producer("temperature").
		ProcessURI("math?operation=add&rhs=1").
		ProcessURI("comparison?operation=gt&reference=$missing").
		Stream("s"), DefaultLimits)
	require.Error(t, err)
	assert.Nil(t, out)
	assert.True(t, errors.Is(err, routeerr.ErrUnresolvedReference))
	assert.True(t, routeerr.IsCompile(err))
	assert.Equal(t, 0, alloc.InUse(ProcessorSlot))

	var ne *routeerr.NodeError
	require.True(t, errors.As(err, &ne))
	assert.Equal(t, 2, ne.Seq)
}

func TestCompileResourceExhausted(t *testing.T) {
	limits := DefaultLimits
	limits.MaxProcessors = 2
	_, alloc, err := compile(t, route.Producer("temperature").
		ProcessURI("math?operation=add&rhs=1").
		ProcessURI("math?operation=add&rhs=2").
		ProcessURI("math?operation=add&rhs=3").
		Stream("s"), limits)
	require.Error(t, err)
	assert.True(t, errors.Is(err, routeerr.ErrResourceExhausted))
	assert.Equal(t, 0, alloc.InUse(ProcessorSlot), "partial reservations released")
}

func TestCompileSharedAllocator(t *testing.T) {
	alloc := NewAllocator(DefaultLimits)
	c := New(testProducers, alloc, DefaultLimits)
	plan := func(rhs string) *route.Plan {
		p, err := route.Producer("temperature").ProcessURI("math?operation=add&rhs=" + rhs).Stream("s").Plan()
		require.NoError(t, err)
		return p
	}
	a, err := c.Compile(plan("1"))
	require.NoError(t, err)
	b, err := c.Compile(plan("2"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0}, a.Processors)
	assert.Equal(t, []byte{1}, b.Processors)

	a.Release(alloc)
	again, err := c.Compile(plan("3"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0}, again.Processors)
}

func TestCompileSelfFeedback(t *testing.T) {
	out, _, err := compile(t, route.Producer("temperature").
		ProcessURI("math?operation=add&rhs=$acc").Name("acc").
		Stream("s"), DefaultLimits)
	require.NoError(t, err)
	require.Len(t, out.Commands, 3)
	assert.Equal(t, []byte{0}, out.Events)

	add := out.Commands[0]
	assert.Equal(t, []byte{0, 0, 0, 0}, add.Payload[5+3:5+7], "operand zeroed")

	ev := out.Commands[2]
	assert.Equal(t, command.ModEvent, ev.Module)
	assert.Equal(t, command.EventEntry, ev.Register)
	assert.Equal(t, []byte{0x09, 0x03, 0x00, 0x00, 0x02}, ev.Payload[:5])
	assert.Equal(t, byte(6), ev.Payload[5], "operand offset inside the parameter command")
	assert.Equal(t, byte(2), ev.Payload[6])
	assert.Equal(t, []byte{0x09, 0x05, 0x00}, ev.Payload[7:10])
	assert.Equal(t, add.Payload[5:], ev.Payload[10:])
}

func TestCompileForwardReference(t *testing.T) {
	out, _, err := compile(t, route.Producer("temperature").
		ProcessURI("comparison?operation=gt&reference=$peak").Stream("above").
		Producer("temperature").ProcessURI("pulse?output=peak&threshold=0&width=1").Name("peak"),
		DefaultLimits)
	require.NoError(t, err)
	assert.Equal(t, token.ProcessorID(1), out.NameIndex["peak"])
	ev := out.Commands[len(out.Commands)-1]
	assert.Equal(t, command.ModEvent, ev.Module)
	assert.Equal(t, []byte{0x09, 0x03, 0x01, 0x00, 0x02}, ev.Payload[:5])
}

func TestCompileFeedbackChain(t *testing.T) {
	_, alloc, err := compile(t, route.Producer("temperature").Name("raw").
		ProcessURI("math?operation=add&rhs=$raw").Name("b").
		ProcessURI("comparison?operation=gt&reference=$b").
		Stream("s"), DefaultLimits)
	require.Error(t, err)
	assert.True(t, errors.Is(err, routeerr.ErrFeedbackChain))
	assert.Equal(t, 0, alloc.InUse(EventSlot))
}

func TestCompileReferenceToBuffer(t *testing.T) {
	_, _, err := compile(t, route.Producer("temperature").
		Multicast().
		To().Buffer().Name("buf").
		To().ProcessURI("math?operation=add&rhs=$buf").Stream("s").
		End(), DefaultLimits)
	assert.True(t, errors.Is(err, routeerr.ErrInvalidReference))
}

func TestCompileFuse(t *testing.T) {
	out, _, err := compile(t, route.Producer("temperature").Buffer().Name("t").
		Producer("humidity").Fuse("t").Stream("th"), DefaultLimits)
	require.NoError(t, err)
	require.Len(t, out.Commands, 3)
	assert.Equal(t, []byte{0x04, 0x01, 0x00, 0x00, 0x02, 0x0f, 0x01}, out.Commands[0].Payload)
	assert.Equal(t, []byte{0x16, 0x01, 0xff, 0x00, 0x04, 0x1b, 0x01, 0x00}, out.Commands[1].Payload)

	sub := out.Subscriptions["th"]
	assert.Equal(t, 6, sub.ExpectedLength)
	assert.Equal(t, 6, sub.Shape.Len())
}

func TestCompileFuseErrors(t *testing.T) {
	_, _, err := compile(t, route.Producer("humidity").Fuse("t").Stream("th").
		Producer("temperature").Buffer().Name("t"), DefaultLimits)
	assert.True(t, errors.Is(err, routeerr.ErrInvalidReference), "buffer after fuse: %v", err)

	_, _, err = compile(t, route.Producer("temperature").Name("t").
		Producer("humidity").Fuse("t").Stream("th"), DefaultLimits)
	assert.True(t, errors.Is(err, routeerr.ErrNotABuffer))

	_, _, err = compile(t, route.Producer("humidity").Fuse("nope").Stream("th"), DefaultLimits)
	assert.True(t, errors.Is(err, routeerr.ErrUnresolvedReference))
}

func TestCompileAccountedPackMultiPacket(t *testing.T) {
	limits := DefaultLimits
	limits.MaxPacketLen = 8
	out, _, err := compile(t, route.Producer("temperature").
		Pack(4).
		Account(token.AccountTime).
		Stream("p"), limits)
	require.NoError(t, err)
	sub := out.Subscriptions["p"]
	assert.Equal(t, 12, sub.ExpectedLength)
	assert.True(t, sub.MultiPacket)
	assert.Equal(t, token.AccountTime, sub.Shape.Account)
}

func TestCompileSplitAfterAccount(t *testing.T) {
	out, _, err := compile(t, route.Producer("accelerometer").
		Account(token.AccountCount).
		Split().Index(2).Stream("z").End(), DefaultLimits)
	require.NoError(t, err)
	z := out.Subscriptions["z"]
	assert.Equal(t, 4+4, z.Offset)
	assert.Equal(t, 10, z.ExpectedLength)
	assert.Equal(t, 2, z.Shape.Len())
}

func TestCompileInvalidIndex(t *testing.T) {
	_, _, err := compile(t, route.Producer("temperature").Split().Index(1).Stream("s").End(), DefaultLimits)
	assert.True(t, errors.Is(err, routeerr.ErrInvalidIndex))
}

func TestCompileUnknownProducer(t *testing.T) {
	_, _, err := compile(t, route.Producer("pressure").Stream("s"), DefaultLimits)
	assert.True(t, errors.Is(err, routeerr.ErrUnknownProducer))
}

func TestCompileLog(t *testing.T) {
	out, _, err := compile(t, route.Producer("accelerometer").Log("acc"), DefaultLimits)
	require.NoError(t, err)
	require.Len(t, out.Commands, 1)
	assert.Equal(t, []byte{0x0b, 0x02, 0x00, 0x03, 0x04, 0xff, 0x00, 0x06, 0x02, 0x00, 0x01}, out.Commands[0].Bytes())
	sub := out.Subscriptions["acc"]
	assert.Equal(t, Log, sub.Channel)
	assert.Equal(t, []byte{0, 1}, sub.LoggerIDs)
	assert.Equal(t, 6, sub.ExpectedLength)
}

func TestCompileLoggerExhausted(t *testing.T) {
	limits := DefaultLimits
	limits.MaxLoggers = 1
	_, alloc, err := compile(t, route.Producer("accelerometer").Log("acc"), limits)
	assert.True(t, errors.Is(err, routeerr.ErrResourceExhausted))
	assert.Equal(t, 0, alloc.InUse(LoggerSlot))
}

func TestCompileReact(t *testing.T) {
	action := command.Write(command.ModLED, 0x01, 0x02)
	out, _, err := compile(t, route.Producer("switch").React("led", action), DefaultLimits)
	require.NoError(t, err)
	require.Len(t, out.Commands, 1)
	assert.Equal(t, []byte{0x0a, 0x02, 0x00, 0x01, 0x01, 0xff, 0x00, 0x01, 0x00, 0x00, 0x02, 0x01, 0x02},
		out.Commands[0].Bytes())
	_, ok := out.Subscriptions["led"].Enable(true)
	assert.False(t, ok)
}

func TestTeardownOrder(t *testing.T) {
	out, _, err := compile(t, route.Producer("temperature").
		ProcessURI("math?operation=add&rhs=$a").Name("a").
		ProcessURI("count").
		Log("l"), DefaultLimits)
	require.NoError(t, err)
	var got [][]byte
	for _, c := range out.Teardown() {
		got = append(got, c.Bytes())
	}
	assert.Equal(t, [][]byte{
		{0x0a, 0x04, 0x00},
		{0x0b, 0x03, 0x00},
		{0x09, 0x06, 0x01},
		{0x09, 0x06, 0x00},
	}, got)
}

func TestAllocatorAllOrNothing(t *testing.T) {
	a := NewAllocator(Limits{MaxProcessors: 3})
	ids, err := a.Reserve(ProcessorSlot, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1}, ids)

	_, err = a.Reserve(ProcessorSlot, 2)
	assert.True(t, errors.Is(err, routeerr.ErrResourceExhausted))
	assert.Equal(t, 2, a.InUse(ProcessorSlot))

	a.Release(ProcessorSlot, 0)
	ids, err = a.Reserve(ProcessorSlot, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 2}, ids)
}

func TestAllocatorClaimSkipsTaken(t *testing.T) {
	a := NewAllocator(Limits{MaxProcessors: 4})
	_, err := a.Reserve(ProcessorSlot, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{2, 3}, a.Claim(ProcessorSlot, 1, 2, 3))
	assert.Equal(t, 4, a.InUse(ProcessorSlot))
	assert.Empty(t, a.Claim(ProcessorSlot, 0))
}
