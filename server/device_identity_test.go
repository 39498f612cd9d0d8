package server

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sourceperl/gomodbustcp/common"
)

func TestDeviceIdentityBasicStream(t *testing.T) {
	ctx := context.Background()
	identity := NewDeviceIdentity(
		WithVendorName("Acme"),
		WithProductCode("X1"),
		WithRevision("2.1"),
	)
	handler := NewDataHandler(NewDataBank(), WithHandlerIdentity(identity))

	pdu, err := handler.HandleReadDeviceIdentification(ctx,
		newTestRequest(common.FuncReadDeviceIdentification, []byte{0x0E, 0x01, 0x00}))
	require.NoError(t, err)

	assert.Equal(t, byte(0x0E), pdu.Data[0])
	assert.Equal(t, byte(0x01), pdu.Data[1])
	assert.Equal(t, byte(0), pdu.Data[3], "no continuation expected")
	assert.Equal(t, byte(3), pdu.Data[5], "three basic objects")

	// First object is VendorName = "Acme".
	assert.Equal(t, byte(0x00), pdu.Data[6])
	assert.Equal(t, byte(4), pdu.Data[7])
	assert.Equal(t, "Acme", string(pdu.Data[8:12]))
}

func TestDeviceIdentitySpecificObject(t *testing.T) {
	ctx := context.Background()
	handler := NewDataHandler(NewDataBank(),
		WithHandlerIdentity(NewDeviceIdentity(WithIdentityObject(common.DeviceIDProductName, "Gadget"))))

	pdu, err := handler.HandleReadDeviceIdentification(ctx,
		newTestRequest(common.FuncReadDeviceIdentification, []byte{0x0E, 0x04, 0x04}))
	require.NoError(t, err)
	assert.Equal(t, byte(1), pdu.Data[5])
	assert.Equal(t, "Gadget", string(pdu.Data[8:14]))

	// Asking for an absent object is an address error.
	_, err = handler.HandleReadDeviceIdentification(ctx,
		newTestRequest(common.FuncReadDeviceIdentification, []byte{0x0E, 0x04, 0x7F}))
	requireException(t, err, common.ExceptionIllegalDataAddress)
}

func TestDeviceIdentityBadRequest(t *testing.T) {
	ctx := context.Background()
	handler := NewDataHandler(NewDataBank())

	// Unknown MEI type.
	_, err := handler.HandleReadDeviceIdentification(ctx,
		newTestRequest(common.FuncReadDeviceIdentification, []byte{0x0D, 0x01, 0x00}))
	requireException(t, err, common.ExceptionIllegalFunction)

	// Unknown read code.
	_, err = handler.HandleReadDeviceIdentification(ctx,
		newTestRequest(common.FuncReadDeviceIdentification, []byte{0x0E, 0x07, 0x00}))
	requireException(t, err, common.ExceptionIllegalDataValue)

	// Wrong shape.
	_, err = handler.HandleReadDeviceIdentification(ctx,
		newTestRequest(common.FuncReadDeviceIdentification, []byte{0x0E, 0x01}))
	requireException(t, err, common.ExceptionIllegalDataValue)
}

func TestDeviceIdentityStreamPaging(t *testing.T) {
	ctx := context.Background()
	// An extended object too large to share a PDU with the basic objects
	// forces a continuation.
	identity := NewDeviceIdentity(
		WithIdentityObject(common.DeviceIDExtendedBase, strings.Repeat("x", 200)),
		WithIdentityObject(common.DeviceIDExtendedBase+1, strings.Repeat("y", 200)),
	)
	handler := NewDataHandler(NewDataBank(), WithHandlerIdentity(identity))

	pdu, err := handler.HandleReadDeviceIdentification(ctx,
		newTestRequest(common.FuncReadDeviceIdentification, []byte{0x0E, 0x03, 0x00}))
	require.NoError(t, err)
	assert.Equal(t, byte(1), pdu.Data[3], "more follows")
	assert.Equal(t, byte(common.DeviceIDExtendedBase+1), pdu.Data[4])

	// Resuming at the announced object completes the stream.
	pdu, err = handler.HandleReadDeviceIdentification(ctx,
		newTestRequest(common.FuncReadDeviceIdentification, []byte{0x0E, 0x03, pdu.Data[4]}))
	require.NoError(t, err)
	assert.Equal(t, byte(0), pdu.Data[3])
}
