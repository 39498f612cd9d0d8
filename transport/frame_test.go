package transport

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sourceperl/gomodbustcp/common"
)

func TestFrameEncode(t *testing.T) {
	frame := Frame{
		TransactionID: 0xE753,
		UnitID:        1,
		PDU:           common.NewPDU(common.FuncReadHoldingRegisters, []byte{0x00, 0x00, 0x00, 0x04}),
	}
	data, err := frame.Encode()
	require.NoError(t, err)
	assert.Equal(t, []byte{0xE7, 0x53, 0x00, 0x00, 0x00, 0x06, 0x01, 0x03, 0x00, 0x00, 0x00, 0x04}, data)
}

func TestFrameEncodeTooLarge(t *testing.T) {
	frame := Frame{
		PDU: common.NewPDU(common.FuncWriteMultipleRegisters, make([]byte, common.MaxPDULength)),
	}
	_, err := frame.Encode()
	assert.ErrorIs(t, err, common.ErrPDUTooLarge)
}

func TestFrameRoundTrip(t *testing.T) {
	in := Frame{
		TransactionID: 0x1234,
		UnitID:        0xFF,
		PDU:           common.NewPDU(common.FuncWriteSingleCoil, []byte{0x00, 0x0A, 0xFF, 0x00}),
	}
	data, err := in.Encode()
	require.NoError(t, err)

	out, n, err := TakeFrame(data)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Equal(t, in.TransactionID, out.TransactionID)
	assert.Equal(t, in.UnitID, out.UnitID)
	assert.Equal(t, in.PDU.FunctionCode, out.PDU.FunctionCode)
	assert.Equal(t, in.PDU.Data, out.PDU.Data)
}

func TestTakeFrameNeedsMore(t *testing.T) {
	full := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01, 0x03, 0x00, 0x00, 0x00, 0x04}

	// Anything short of the complete frame yields no frame and no error.
	for cut := 0; cut < len(full); cut++ {
		frame, n, err := TakeFrame(full[:cut])
		require.NoError(t, err)
		assert.Nil(t, frame)
		assert.Zero(t, n)
	}

	// With trailing bytes of the next frame, only one frame is consumed.
	frame, n, err := TakeFrame(append(append([]byte{}, full...), 0xAA, 0xBB))
	require.NoError(t, err)
	require.NotNil(t, frame)
	assert.Equal(t, len(full), n)
}

func TestTakeFrameBadProtocolID(t *testing.T) {
	data := []byte{0x00, 0x01, 0x00, 0x01, 0x00, 0x06, 0x01, 0x03, 0x00, 0x00, 0x00, 0x04}
	_, _, err := TakeFrame(data)
	assert.ErrorIs(t, err, common.ErrBadFrame)
}

func TestTakeFrameBadLength(t *testing.T) {
	// Length 1 cannot even hold a function code.
	short := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x01, 0x01}
	_, _, err := TakeFrame(short)
	assert.ErrorIs(t, err, common.ErrBadFrame)

	// Length beyond the maximum PDU size.
	long := []byte{0x00, 0x01, 0x00, 0x00, 0x01, 0x00, 0x01}
	_, _, err = TakeFrame(long)
	assert.ErrorIs(t, err, common.ErrBadFrame)
}

func TestReadFrame(t *testing.T) {
	wire := []byte{0xE7, 0x53, 0x00, 0x00, 0x00, 0x06, 0x01, 0x03, 0x00, 0x00, 0x00, 0x04}
	frame, err := ReadFrame(bytes.NewReader(wire))
	require.NoError(t, err)
	assert.Equal(t, common.TransactionID(0xE753), frame.TransactionID)
	assert.Equal(t, common.UnitID(1), frame.UnitID)
	assert.Equal(t, common.FuncReadHoldingRegisters, frame.PDU.FunctionCode)
}

func TestReadFrameTruncated(t *testing.T) {
	// Header promises 5 PDU bytes but the stream ends early.
	wire := []byte{0xE7, 0x53, 0x00, 0x00, 0x00, 0x06, 0x01, 0x03, 0x00}
	_, err := ReadFrame(bytes.NewReader(wire))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
