package command

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandBytes(t *testing.T) {
	add := WriteAt(ModDataProcessor, ProcAdd, 3, 0x04, 0x01, 0x00, 0x00, 0x02)
	assert.Equal(t, []byte{0x09, 0x02, 0x03, 0x04, 0x01, 0x00, 0x00, 0x02}, add.Bytes())

	rd := ReadOf(ModLogging, LogTime)
	assert.Equal(t, []byte{0x0b, 0x84}, rd.Bytes())
	assert.Equal(t, Header{Module: ModLogging, Register: LogTime}, rd.Response())
}

func TestParseRoundTrip(t *testing.T) {
	orig := WriteAt(ModEvent, EventRemove, 7)
	c, err := Parse(orig.Bytes(), true)
	require.NoError(t, err)
	assert.Equal(t, orig.Module, c.Module)
	assert.Equal(t, orig.Register, c.Register)
	assert.Equal(t, byte(7), c.Index)
	assert.Empty(t, c.Payload)

	_, err = Parse([]byte{0x09}, false)
	assert.Error(t, err)
}

func TestHeaderCandidates(t *testing.T) {
	frame := ProcessorNotify(5).Frame([]byte{0x10, 0x20})
	cands := Candidates(frame)
	require.Len(t, cands, 2)
	assert.Equal(t, ProcessorNotify(5), cands[0])
	assert.Equal(t, Header{Module: ModDataProcessor, Register: ProcNotify}, cands[1])
	assert.True(t, ProcessorNotify(5).Matches(frame))
	assert.False(t, ProcessorNotify(6).Matches(frame))
	assert.Nil(t, Candidates([]byte{0x09}))
}
