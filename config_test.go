package dataroute

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pat-rohn/go-dataroute/pkg/command"
	"github.com/pat-rohn/go-dataroute/pkg/compiler"
	"github.com/pat-rohn/go-dataroute/pkg/routeerr"
	"github.com/pat-rohn/go-dataroute/pkg/token"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dataroute.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestReadConfigDefaults(t *testing.T) {
	cfg, err := ReadConfig(writeConfig(t, `{"Port": 4000, "Queue": {"Depth": 8}}`))
	require.NoError(t, err)
	def := DefaultConfig()
	assert.Equal(t, 4000, cfg.Port)
	assert.Equal(t, 8, cfg.Queue.Depth)
	assert.Equal(t, def.Queue.CommandTimeout, cfg.Queue.CommandTimeout)
	assert.Equal(t, def.Limits, cfg.Limits)
	assert.Equal(t, def.Device.ServiceUUID, cfg.Device.ServiceUUID)
	assert.Equal(t, def.TimeseriesDBConfig.TableName, cfg.TimeseriesDBConfig.TableName)
	assert.Equal(t, time.Duration(defaultTickPeriod), cfg.Log.TickPeriod)
}

func TestReadConfigDurations(t *testing.T) {
	cfg, err := ReadConfig(writeConfig(t, `{"Log": {"IdleTimeout": "250ms"}, "Dispatch": {"ReassemblyTimeout": "3s"}}`))
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, cfg.Log.IdleTimeout)
	assert.Equal(t, 3*time.Second, cfg.Dispatch.ReassemblyTimeout)
}

func TestReadConfigMissing(t *testing.T) {
	_, err := ReadConfig(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestProducerTable(t *testing.T) {
	cfg, err := ReadConfig(writeConfig(t, `{"Producers": {
		"probe": {"Module": 32, "Register": 1, "Index": 2, "Length": 2, "Signed": true, "Channels": 1},
		"switch": {"Module": 1, "Register": 1, "Index": -1, "Length": 2, "Channels": 1}
	}}`))
	require.NoError(t, err)
	table, err := cfg.ProducerTable()
	require.NoError(t, err)

	probe := table["probe"]
	assert.Equal(t, command.Module(0x20), probe.Module)
	assert.True(t, probe.HasIndex)
	assert.Equal(t, byte(2), probe.Index)
	assert.Equal(t, token.Token{Length: 2, Signed: true}, probe.Token)

	assert.Equal(t, 2, table["switch"].Token.Length, "overrides the default")
	assert.False(t, table["switch"].HasIndex)
	assert.Contains(t, table, "accelerometer")
}

func TestProducerTableInvalid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Producers = map[string]ProducerConfig{"bad": {Module: 1, Register: 1, Index: -1, Length: 0, Channels: 1}}
	_, err := cfg.ProducerTable()
	require.Error(t, err)
	assert.True(t, errors.Is(err, routeerr.ErrIncompatibleInput))
	assert.Contains(t, err.Error(), `producer "bad"`)

	cfg.Producers = map[string]ProducerConfig{"bad": {Module: 0, Register: 1, Index: -1, Length: 1, Channels: 1}}
	_, err = cfg.ProducerTable()
	assert.True(t, errors.Is(err, routeerr.ErrInvalidConfig))
}

func TestLimitsFollowTransport(t *testing.T) {
	l := limitsWithDefaults(compiler.Limits{MaxProcessors: 4}, 244)
	assert.Equal(t, 4, l.MaxProcessors)
	assert.Equal(t, 244, l.MaxPacketLen)
	assert.Equal(t, compiler.DefaultLimits.MaxLoggers, l.MaxLoggers)
}
