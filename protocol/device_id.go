package protocol

import (
	"fmt"

	"github.com/sourceperl/gomodbustcp/common"
)

// ReadDeviceIdentificationRequest builds the data field of a Read Device
// Identification (0x2B / MEI 0x0E) request.
// Ref: Modbus_Application_Protocol_V1_1b3.pdf, Section 6.21
func (c *Codec) ReadDeviceIdentificationRequest(readCode common.ReadDeviceIDCode, objectID common.DeviceIDObjectCode) ([]byte, error) {
	if readCode < common.ReadDeviceIDBasicStream || readCode > common.ReadDeviceIDSpecificObject {
		return nil, fmt.Errorf("%w: read device id code 0x%02X", common.ErrInvalidValue, byte(readCode))
	}
	return []byte{byte(common.MEIReadDeviceID), byte(readCode), byte(objectID)}, nil
}

// ReadDeviceIdentificationResponse parses a Read Device Identification
// response into its object list and stream-continuation state.
//
// Response layout after the function code:
//
//	MEI type (1) | read code (1) | conformity (1) | more follows (1) |
//	next object id (1) | object count (1) | count x { id (1), len (1), value }
func (c *Codec) ReadDeviceIdentificationResponse(data []byte) (*common.DeviceIdentification, error) {
	if len(data) < 6 {
		return nil, common.ErrInvalidResponseLength
	}
	if common.MEIType(data[0]) != common.MEIReadDeviceID {
		return nil, fmt.Errorf("%w: MEI type 0x%02X", common.ErrInvalidValue, data[0])
	}

	count := int(data[5])
	ident := &common.DeviceIdentification{
		ReadDeviceIDCode: common.ReadDeviceIDCode(data[1]),
		ConformityLevel:  data[2],
		MoreFollows:      data[3] != 0,
		NextObjectID:     common.DeviceIDObjectCode(data[4]),
		Objects:          make([]common.DeviceIDObject, 0, count),
	}

	offset := 6
	for i := 0; i < count; i++ {
		if offset+2 > len(data) {
			return nil, common.ErrInvalidResponseFormat
		}
		id := common.DeviceIDObjectCode(data[offset])
		length := int(data[offset+1])
		offset += 2
		if offset+length > len(data) {
			return nil, common.ErrInvalidResponseFormat
		}
		ident.Objects = append(ident.Objects, common.DeviceIDObject{
			ID:    id,
			Value: string(data[offset : offset+length]),
		})
		offset += length
	}

	return ident, nil
}
