package dispatch

import (
	"testing"
	"time"

	"github.com/pat-rohn/go-dataroute/pkg/compiler"
	"github.com/pat-rohn/go-dataroute/pkg/routeerr"
	"github.com/pat-rohn/go-dataroute/pkg/token"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func logSubs() map[string]compiler.Subscription {
	acc := token.Scalar(token.Token{Length: 2, Signed: true}).Pack(3)
	temp := token.Scalar(token.Token{Length: 2, Signed: true}).WithAccount(token.AccountTime, 4)
	return map[string]compiler.Subscription{
		"acc":  {Key: "acc", Channel: compiler.Log, Shape: acc, ExpectedLength: 6, LoggerIDs: []byte{0, 1}},
		"temp": {Key: "temp", Channel: compiler.Log, Shape: temp, ExpectedLength: 6, LoggerIDs: []byte{2, 3}},
		"live": {Key: "live", Channel: compiler.Stream, Shape: acc, ExpectedLength: 6},
	}
}

func TestParseLogEntries(t *testing.T) {
	entries, err := ParseLogEntries([]byte{
		1, 0x10, 0, 0, 0, 1, 2, 3, 4,
		0, 0x11, 0, 0, 0, 5, 6, 7, 8,
	})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, LogEntry{Logger: 1, Tick: 16, Data: [4]byte{1, 2, 3, 4}}, entries[0])
	assert.Equal(t, uint32(17), entries[1].Tick)

	_, err = ParseLogEntries(make([]byte, 10))
	assert.True(t, errors.Is(err, routeerr.ErrShortPayload))
}

func TestTickRef(t *testing.T) {
	base := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	ref := TickRef{Tick: 1000, Time: base, Period: time.Millisecond}
	assert.Equal(t, base.Add(24*time.Millisecond), ref.At(1024))
	assert.Equal(t, base.Add(-1000*time.Millisecond), ref.At(0))

	wrapped := TickRef{Tick: 0xfffffff0, Time: base, Period: time.Millisecond}
	assert.Equal(t, base.Add(32*time.Millisecond), wrapped.At(0x10))
}

func TestAssemblerJoinsLoggers(t *testing.T) {
	base := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	a := NewLogAssembler(TickRef{Tick: 100, Time: base, Period: time.Millisecond})
	a.Add("r", logSubs())

	_, ok, err := a.Entry(LogEntry{Logger: 1, Tick: 150, Data: [4]byte{3, 0, 0, 0}})
	require.NoError(t, err)
	assert.False(t, ok)

	d, ok, err := a.Entry(LogEntry{Logger: 0, Tick: 150, Data: [4]byte{1, 0, 0xfe, 0xff}})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "acc", d.Key)
	assert.Equal(t, compiler.Log, d.Channel)
	assert.Equal(t, []float64{1, -2, 3}, d.Value.Scalars())
	assert.Equal(t, base.Add(50*time.Millisecond), d.Timestamp)

	_, _, err = a.Entry(LogEntry{Logger: 7, Tick: 1})
	assert.True(t, errors.Is(err, routeerr.ErrNoSubscription))
}

func TestAssemblerKeepsRoutesApart(t *testing.T) {
	acc := token.Scalar(token.Token{Length: 2, Signed: true}).Pack(3)
	sub := func(ids ...byte) map[string]compiler.Subscription {
		return map[string]compiler.Subscription{
			"accel": {Key: "accel", Channel: compiler.Log, Shape: acc, ExpectedLength: 6, LoggerIDs: ids},
		}
	}
	a := NewLogAssembler(TickRef{Tick: 5, Time: time.Now()})
	a.Add("A", sub(0, 1))
	a.Add("B", sub(2, 3))

	var out []Data
	for _, e := range []LogEntry{
		{Logger: 0, Tick: 5, Data: [4]byte{1, 0, 2, 0}},
		{Logger: 2, Tick: 5, Data: [4]byte{9, 0, 9, 0}},
		{Logger: 1, Tick: 5, Data: [4]byte{3, 0}},
		{Logger: 3, Tick: 5, Data: [4]byte{9, 0}},
	} {
		d, ok, err := a.Entry(e)
		require.NoError(t, err)
		if ok {
			out = append(out, d)
		}
	}
	require.Len(t, out, 2)
	assert.Equal(t, "A", out[0].Route)
	assert.Equal(t, []float64{1, 2, 3}, out[0].Value.Scalars())
	assert.Equal(t, "B", out[1].Route)
	assert.Equal(t, []float64{9, 9, 9}, out[1].Value.Scalars())
	assert.Equal(t, 0, a.Incomplete())
}

func TestAssemblerTimeAccountOverridesTick(t *testing.T) {
	base := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	ref := TickRef{Tick: 100, Time: base, Period: time.Millisecond}
	out := Assemble(ref, "r", logSubs(), []LogEntry{
		{Logger: 2, Tick: 300, Data: [4]byte{200, 0, 0, 0}},
		{Logger: 3, Tick: 300, Data: [4]byte{0x2a, 0, 0, 0}},
		{Logger: 2, Tick: 310, Data: [4]byte{140, 0, 0, 0}},
		{Logger: 3, Tick: 310, Data: [4]byte{0x2b, 0, 0, 0}},
		{Logger: 0, Tick: 400, Data: [4]byte{1, 0, 1, 0}},
	})
	require.Len(t, out, 2)
	assert.Equal(t, base.Add(40*time.Millisecond), out[0].Timestamp)
	assert.Equal(t, int64(0x2b), out[0].Value.Int)
	assert.Equal(t, base.Add(100*time.Millisecond), out[1].Timestamp)
	assert.Equal(t, uint64(200), out[1].Account)
}
