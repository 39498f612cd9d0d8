package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sourceperl/gomodbustcp/common"
)

func TestReadDeviceIdentificationRequest(t *testing.T) {
	codec := NewCodec()

	data, err := codec.ReadDeviceIdentificationRequest(common.ReadDeviceIDBasicStream, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x0E, 0x01, 0x00}, data)

	_, err = codec.ReadDeviceIdentificationRequest(0x05, 0)
	assert.ErrorIs(t, err, common.ErrInvalidValue)
}

func TestReadDeviceIdentificationResponse(t *testing.T) {
	codec := NewCodec()

	data := []byte{
		0x0E, 0x01, 0x81, // MEI type, read code, conformity
		0x00, 0x00, 0x02, // more follows, next object, count
		0x00, 0x04, 'A', 'c', 'm', 'e', // VendorName = "Acme"
		0x02, 0x03, '1', '.', '0', // Revision = "1.0"
	}
	ident, err := codec.ReadDeviceIdentificationResponse(data)
	require.NoError(t, err)
	assert.Equal(t, common.ReadDeviceIDBasicStream, ident.ReadDeviceIDCode)
	assert.Equal(t, byte(0x81), ident.ConformityLevel)
	assert.False(t, ident.MoreFollows)
	require.Len(t, ident.Objects, 2)
	assert.Equal(t, "Acme", ident.VendorName())
	assert.Equal(t, "1.0", ident.Revision())
	assert.Equal(t, "", ident.ProductName())
}

func TestReadDeviceIdentificationResponseMalformed(t *testing.T) {
	codec := NewCodec()

	// Too short for the fixed part.
	_, err := codec.ReadDeviceIdentificationResponse([]byte{0x0E, 0x01})
	assert.ErrorIs(t, err, common.ErrInvalidResponseLength)

	// Wrong MEI type.
	_, err = codec.ReadDeviceIdentificationResponse([]byte{0x0D, 0x01, 0x81, 0x00, 0x00, 0x00})
	assert.ErrorIs(t, err, common.ErrInvalidValue)

	// Object value truncated.
	_, err = codec.ReadDeviceIdentificationResponse([]byte{
		0x0E, 0x01, 0x81, 0x00, 0x00, 0x01,
		0x00, 0x08, 'x',
	})
	assert.ErrorIs(t, err, common.ErrInvalidResponseFormat)
}
