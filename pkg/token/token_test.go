package token

import (
	"testing"

	"github.com/pat-rohn/go-dataroute/pkg/command"
	"github.com/pat-rohn/go-dataroute/pkg/routeerr"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenValidate(t *testing.T) {
	assert.NoError(t, Token{Length: 2, Signed: true}.Validate())
	assert.NoError(t, Token{Length: 8}.Validate())
	assert.True(t, errors.Is(Token{Length: 9}.Validate(), routeerr.ErrIncompatibleInput))
	assert.Error(t, Token{}.Validate())
	assert.Equal(t, "s16", Token{Length: 2, Signed: true}.String())
}

func TestAddressSource(t *testing.T) {
	acc := PhysicalAt(command.ModAccelerometer, 0x04).WithOffset(2)
	src, err := acc.Source(2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x03, 0x04, 0xff, 0x02, 0x02}, src)

	temp := PhysicalAt(command.ModTemperature, 0x01).WithIndex(1)
	src, err = temp.Source(2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x04, 0x01, 0x01, 0x00, 0x02}, src)
	assert.Equal(t, command.Header{Module: command.ModTemperature, Register: 0x01, HasIndex: true, Index: 1}, temp.Header())

	p := ProcessorID(4)
	src, err = p.Source(4)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x09, 0x03, 0x04, 0x00, 0x04}, src)
	assert.Equal(t, command.ProcessorNotify(4), p.Header())

	_, err = NamedRef("max").Source(2)
	assert.True(t, errors.Is(err, routeerr.ErrUnresolvedReference))
}

func TestShapeLengths(t *testing.T) {
	s16 := Scalar(Token{Length: 2, Signed: true})
	assert.True(t, s16.IsScalar())
	assert.Equal(t, 2, s16.Len())

	fused := Fuse(s16, Scalar(Token{Length: 4}), Scalar(Token{Length: 6}))
	assert.Equal(t, 12, fused.Len())
	assert.False(t, fused.IsScalar())

	packed := s16.Pack(3)
	assert.Equal(t, 6, packed.Len())

	accounted := packed.WithAccount(AccountTime, 4)
	assert.Equal(t, 10, accounted.Len())

	// packing accounted payloads keeps one prefix per element
	repacked := s16.WithAccount(AccountCount, 4).Pack(2)
	assert.Equal(t, 12, repacked.Len())
	assert.Equal(t, Token{Length: 12}, repacked.Flat())
}
