package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sourceperl/gomodbustcp/common"
)

func TestReadCoilsRequest(t *testing.T) {
	codec := NewCodec()

	data, err := codec.ReadCoilsRequest(100, 10)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x64, 0x00, 0x0A}, data)

	_, err = codec.ReadCoilsRequest(100, 0)
	assert.ErrorIs(t, err, common.ErrInvalidQuantity)

	_, err = codec.ReadCoilsRequest(100, common.MaxReadBits+1)
	assert.ErrorIs(t, err, common.ErrInvalidQuantity)
}

func TestReadHoldingRegistersRequest(t *testing.T) {
	codec := NewCodec()

	data, err := codec.ReadHoldingRegistersRequest(0, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x04}, data)

	_, err = codec.ReadHoldingRegistersRequest(0, common.MaxReadRegisters+1)
	assert.ErrorIs(t, err, common.ErrInvalidQuantity)
}

func TestReadCoilsResponse(t *testing.T) {
	codec := NewCodec()

	// 10 coils over 2 bytes, LSB of the first byte is coil 0.
	values, err := codec.ReadCoilsResponse([]byte{0x02, 0xB5, 0x02}, 10)
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false, true, false, true, true, false, true, false, true}, values)

	// Byte count not matching the quantity.
	_, err = codec.ReadCoilsResponse([]byte{0x01, 0xB5}, 10)
	assert.ErrorIs(t, err, common.ErrInvalidResponseLength)

	_, err = codec.ReadCoilsResponse(nil, 1)
	assert.ErrorIs(t, err, common.ErrEmptyResponse)
}

func TestReadHoldingRegistersResponse(t *testing.T) {
	codec := NewCodec()

	// Four registers [0, 111, 0, 0].
	data := []byte{0x08, 0x00, 0x00, 0x00, 0x6F, 0x00, 0x00, 0x00, 0x00}
	values, err := codec.ReadHoldingRegistersResponse(data, 4)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0, 111, 0, 0}, values)

	// Truncated payload.
	_, err = codec.ReadHoldingRegistersResponse(data[:5], 4)
	assert.ErrorIs(t, err, common.ErrInvalidResponseLength)
}

func TestWriteSingleCoilRequest(t *testing.T) {
	codec := NewCodec()

	data, err := codec.WriteSingleCoilRequest(10, true)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x0A, 0xFF, 0x00}, data)

	data, err = codec.WriteSingleCoilRequest(10, false)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x0A, 0x00, 0x00}, data)
}

func TestWriteSingleCoilResponse(t *testing.T) {
	codec := NewCodec()

	address, value, err := codec.WriteSingleCoilResponse([]byte{0x00, 0x0A, 0xFF, 0x00})
	require.NoError(t, err)
	assert.Equal(t, common.Address(10), address)
	assert.True(t, value)

	_, _, err = codec.WriteSingleCoilResponse([]byte{0x00, 0x0A, 0x12, 0x34})
	assert.ErrorIs(t, err, common.ErrInvalidValue)

	_, _, err = codec.WriteSingleCoilResponse([]byte{0x00, 0x0A})
	assert.ErrorIs(t, err, common.ErrInvalidResponseLength)
}

func TestWriteSingleRegisterRoundTrip(t *testing.T) {
	codec := NewCodec()

	data, err := codec.WriteSingleRegisterRequest(2, 0xABCD)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x02, 0xAB, 0xCD}, data)

	address, value, err := codec.WriteSingleRegisterResponse(data)
	require.NoError(t, err)
	assert.Equal(t, common.Address(2), address)
	assert.Equal(t, uint16(0xABCD), value)
}

func TestWriteMultipleCoilsRequest(t *testing.T) {
	codec := NewCodec()

	data, err := codec.WriteMultipleCoilsRequest(0, []bool{true, false, true})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x03, 0x01, 0x05}, data)

	_, err = codec.WriteMultipleCoilsRequest(0, nil)
	assert.ErrorIs(t, err, common.ErrInvalidQuantity)

	_, err = codec.WriteMultipleCoilsRequest(0, make([]bool, int(common.MaxWriteBits)+1))
	assert.ErrorIs(t, err, common.ErrInvalidQuantity)
}

func TestWriteMultipleRegistersRequest(t *testing.T) {
	codec := NewCodec()

	data, err := codec.WriteMultipleRegistersRequest(10, []uint16{44, 55})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x0A, 0x00, 0x02, 0x04, 0x00, 0x2C, 0x00, 0x37}, data)

	address, qty, err := codec.WriteMultipleRegistersResponse([]byte{0x00, 0x0A, 0x00, 0x02})
	require.NoError(t, err)
	assert.Equal(t, common.Address(10), address)
	assert.Equal(t, common.Quantity(2), qty)

	_, err = codec.WriteMultipleRegistersRequest(0, make([]uint16, int(common.MaxWriteRegisters)+1))
	assert.ErrorIs(t, err, common.ErrInvalidQuantity)
}

func TestReadWriteMultipleRegistersRequest(t *testing.T) {
	codec := NewCodec()

	data, err := codec.ReadWriteMultipleRegistersRequest(0, 2, 5, []uint16{7})
	require.NoError(t, err)
	assert.Equal(t, []byte{
		0x00, 0x00, 0x00, 0x02, // read start, read quantity
		0x00, 0x05, 0x00, 0x01, // write start, write quantity
		0x02, 0x00, 0x07, // byte count, value
	}, data)

	_, err = codec.ReadWriteMultipleRegistersRequest(0, common.MaxReadWriteReadRegisters+1, 0, []uint16{1})
	assert.ErrorIs(t, err, common.ErrInvalidQuantity)

	_, err = codec.ReadWriteMultipleRegistersRequest(0, 1, 0, make([]uint16, int(common.MaxReadWriteWriteRegisters)+1))
	assert.ErrorIs(t, err, common.ErrInvalidQuantity)
}

func TestPackBitsRoundTrip(t *testing.T) {
	// With zero padding bits, unpack then pack reproduces the input bytes.
	raw := []byte{0xA7, 0x35, 0x01}
	qty := common.Quantity(17) // bit 16 set, bits 17..23 zero

	bits, err := UnpackBits(raw, qty)
	require.NoError(t, err)
	assert.Equal(t, raw, PackBits(bits))
}

func TestBitByteCount(t *testing.T) {
	assert.Equal(t, 1, BitByteCount(1))
	assert.Equal(t, 1, BitByteCount(8))
	assert.Equal(t, 2, BitByteCount(9))
	assert.Equal(t, 250, BitByteCount(2000))
}
