package dispatch

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pat-rohn/go-dataroute/pkg/command"
	"github.com/pat-rohn/go-dataroute/pkg/compiler"
	"github.com/pat-rohn/go-dataroute/pkg/token"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sinkMap struct {
	mu sync.Mutex
	m  map[string]Handler
}

func (s *sinkMap) Handler(key string) (Handler, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.m[key]
	return h, ok
}

func collect(keys ...string) (*sinkMap, chan Data) {
	ch := make(chan Data, 32)
	s := &sinkMap{m: map[string]Handler{}}
	for _, k := range keys {
		s.m[k] = func(d Data) { ch <- d }
	}
	return s, ch
}

func newDispatcher(t *testing.T, clk clock.Clock) (*Dispatcher, *Metrics) {
	t.Helper()
	m, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	d, err := New(Config{Workers: 2, QueueLen: 8, Clock: clk, Metrics: m})
	require.NoError(t, err)
	t.Cleanup(d.Close)
	return d, m
}

func packedSub(key string, id byte, maxPacket int) compiler.Subscription {
	shape := token.Scalar(token.Token{Length: 2}).Pack(6)
	return compiler.Subscription{
		Key:            key,
		Channel:        compiler.Stream,
		Header:         command.ProcessorNotify(id),
		Shape:          shape,
		ExpectedLength: shape.Len(),
		MultiPacket:    shape.Len() > maxPacket,
	}
}

func frame(id byte, payload ...byte) []byte {
	return command.ProcessorNotify(id).Frame(payload)
}

func expectNone(t *testing.T, ch chan Data) {
	t.Helper()
	select {
	case d := <-ch:
		t.Fatalf("unexpected delivery %+v", d)
	case <-time.After(50 * time.Millisecond):
	}
}

func receive(t *testing.T, ch chan Data) Data {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(time.Second):
		t.Fatal("no delivery")
	}
	return Data{}
}

func TestReassemblyDispatchesOnce(t *testing.T) {
	d, m := newDispatcher(t, clock.NewMock())
	sink, ch := collect("p")
	d.Register("r1", map[string]compiler.Subscription{"p": packedSub("p", 5, 8)}, sink)

	require.True(t, d.Notify(frame(5, 1, 0, 2, 0, 3, 0, 4, 0)))
	require.True(t, d.Notify(frame(5, 5, 0, 6, 0)))

	got := receive(t, ch)
	assert.Equal(t, []byte{1, 0, 2, 0, 3, 0, 4, 0, 5, 0, 6, 0}, got.Raw)
	assert.Equal(t, Packed, got.Value.Kind)
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6}, got.Value.Scalars())
	assert.Equal(t, "r1", got.Route)
	expectNone(t, ch)
	assert.Equal(t, 0, d.Pending())

	// a third packet starts a fresh payload instead of growing the completed one
	require.True(t, d.Notify(frame(5, 7, 0, 8, 0, 9, 0, 10, 0)))
	require.Eventually(t, func() bool { return d.Pending() == 1 }, time.Second, 5*time.Millisecond)
	expectNone(t, ch)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reassembled))
}

func TestReassemblyOverrunDrops(t *testing.T) {
	d, m := newDispatcher(t, clock.NewMock())
	sink, ch := collect("p")
	d.Register("r1", map[string]compiler.Subscription{"p": packedSub("p", 1, 8)}, sink)

	d.Notify(frame(1, 1, 0, 2, 0, 3, 0, 4, 0))
	d.Notify(frame(1, 1, 0, 2, 0, 3, 0, 4, 0))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.drops.WithLabelValues("overrun")) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, d.Pending())
	expectNone(t, ch)
}

func TestReassemblyTimeout(t *testing.T) {
	mock := clock.NewMock()
	d, _ := newDispatcher(t, mock)
	sink, ch := collect("p")
	d.Register("r1", map[string]compiler.Subscription{"p": packedSub("p", 2, 8)}, sink)

	d.Notify(frame(2, 1, 0, 2, 0, 3, 0, 4, 0))
	require.Eventually(t, func() bool { return d.Pending() == 1 }, time.Second, 5*time.Millisecond)
	mock.Add(3 * time.Second)
	d.Expire()
	assert.Equal(t, 0, d.Pending())

	// the stale head is gone, so a tail alone cannot complete a payload
	d.Notify(frame(2, 1, 0, 2, 0, 3, 0, 4, 0))
	require.Eventually(t, func() bool { return d.Pending() == 1 }, time.Second, 5*time.Millisecond)
	mock.Add(3 * time.Second)
	d.Notify(frame(2, 5, 0, 6, 0))
	expectNone(t, ch)
}

func TestSinglePacketLengthMismatch(t *testing.T) {
	d, m := newDispatcher(t, clock.NewMock())
	sink, ch := collect("t")
	sub := compiler.Subscription{
		Key: "t", Channel: compiler.Stream, Header: command.ProcessorNotify(0),
		Shape: token.Scalar(token.Token{Length: 2, Signed: true}), ExpectedLength: 2,
	}
	d.Register("r", map[string]compiler.Subscription{"t": sub}, sink)

	d.Notify(frame(0, 1, 2, 3))
	d.Notify(frame(0, 0xfe, 0xff))
	got := receive(t, ch)
	assert.Equal(t, int64(-2), got.Value.Int)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.drops.WithLabelValues("payload_overrun")))
}

func TestUnknownHeaderDropped(t *testing.T) {
	d, m := newDispatcher(t, clock.NewMock())
	assert.False(t, d.Notify(frame(9, 1, 2)))
	assert.False(t, d.Notify([]byte{0x09}))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.drops.WithLabelValues("no_subscription")))
}

func TestSharedPhysicalHeader(t *testing.T) {
	d, _ := newDispatcher(t, clock.NewMock())
	h := command.Header{Module: command.ModAccelerometer, Register: 0x04}
	s16 := token.Scalar(token.Token{Length: 2, Signed: true})
	x := compiler.Subscription{Key: "x", Channel: compiler.Stream, Header: h, Shape: s16, ExpectedLength: 6}
	z := compiler.Subscription{Key: "z", Channel: compiler.Stream, Header: h, Shape: s16, Offset: 4, ExpectedLength: 6}
	s1, ch1 := collect("x")
	s2, ch2 := collect("z")
	d.Register("a", map[string]compiler.Subscription{"x": x}, s1)
	d.Register("b", map[string]compiler.Subscription{"z": z}, s2)
	assert.Equal(t, 2, d.Subscribers(h))

	d.Notify(h.Frame([]byte{1, 0, 2, 0, 0xfd, 0xff}))
	assert.Equal(t, int64(1), receive(t, ch1).Value.Int)
	assert.Equal(t, int64(-3), receive(t, ch2).Value.Int)

	d.Unregister("a")
	assert.Equal(t, 1, d.Subscribers(h))
	d.Notify(h.Frame([]byte{1, 0, 2, 0, 3, 0}))
	assert.Equal(t, int64(3), receive(t, ch2).Value.Int)
	expectNone(t, ch1)
}

func TestUnboundKeyAndPanickingHandler(t *testing.T) {
	d, m := newDispatcher(t, clock.NewMock())
	ch := make(chan Data, 4)
	calls := 0
	sink := &sinkMap{m: map[string]Handler{"t": func(d Data) {
		calls++
		if calls == 1 {
			panic("boom")
		}
		ch <- d
	}}}
	sub := compiler.Subscription{
		Key: "t", Channel: compiler.Stream, Header: command.ProcessorNotify(3),
		Shape: token.Scalar(token.Token{Length: 1}), ExpectedLength: 1,
	}
	unbound := sub
	unbound.Key = "u"
	unbound.Header = command.ProcessorNotify(4)
	d.Register("r", map[string]compiler.Subscription{"t": sub, "u": unbound}, sink)

	d.Notify(frame(3, 1))
	d.Notify(frame(3, 2))
	d.Notify(frame(4, 9))
	assert.Equal(t, uint64(2), receive(t, ch).Value.Uint)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.handlerErrs))
	expectNone(t, ch)
}

func TestRegisterSkipsLogKeys(t *testing.T) {
	d, _ := newDispatcher(t, clock.NewMock())
	sink, _ := collect("l")
	h := command.ProcessorNotify(7)
	d.Register("r", map[string]compiler.Subscription{
		"l": {Key: "l", Channel: compiler.Log, Header: h, Shape: token.Scalar(token.Token{Length: 1}), ExpectedLength: 1},
	}, sink)
	assert.Equal(t, 0, d.Subscribers(h))
}
