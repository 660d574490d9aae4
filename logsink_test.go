package dataroute

import (
	"testing"
	"time"

	"github.com/pat-rohn/go-dataroute/pkg/compiler"
	"github.com/pat-rohn/go-dataroute/pkg/dispatch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToTimeseries(t *testing.T) {
	at := time.Date(2026, 5, 6, 7, 8, 9, 123e6, time.UTC)
	samples := []dispatch.Data{
		{Route: "r1", Key: "temp", Channel: compiler.Log, Timestamp: at, Value: dispatch.Value{Kind: dispatch.Int, Int: -4}},
		{Route: "r2", Key: "acc", Channel: compiler.Stream, Timestamp: at, Value: dispatch.Value{Kind: dispatch.Packed, Items: []dispatch.Value{
			{Kind: dispatch.Int, Int: 1}, {Kind: dispatch.Int, Int: 2}, {Kind: dispatch.Uint, Uint: 3},
		}}},
		{Route: "r1", Key: "temp", Channel: compiler.Log, Timestamp: at.Add(time.Second), Value: dispatch.Value{Kind: dispatch.Uint, Uint: 7}},
	}
	names := map[string]string{"r1": "kitchen"}
	out := toTimeseries(samples, func(id string) string {
		if n, ok := names[id]; ok {
			return n
		}
		return id
	})
	require.Len(t, out, 2)
	assert.Equal(t, "kitchen/temp", out[0].Tag)
	assert.Equal(t, []string{"2026-05-06 07:08:09.123", "2026-05-06 07:08:10.123"}, out[0].Timestamps)
	assert.Equal(t, []string{"-4", "7"}, out[0].Values)
	assert.Equal(t, []string{"log", "log"}, out[0].Comments)
	assert.Equal(t, "r2/acc", out[1].Tag)
	assert.Equal(t, []string{"1;2;3"}, out[1].Values)

	plain := toTimeseries(samples[:1], nil)
	assert.Equal(t, "r1/temp", plain[0].Tag)
}

func TestFormatValue(t *testing.T) {
	assert.Equal(t, "1099511627776", formatValue(dispatch.Value{Kind: dispatch.Uint, Uint: 1 << 40}))
	accounted := dispatch.Value{Kind: dispatch.Accounted, Account: 9, Items: []dispatch.Value{{Kind: dispatch.Int, Int: 5}}}
	assert.Equal(t, "5", formatValue(accounted))
	assert.Equal(t, "2.5", formatFloat(2.5))
}
