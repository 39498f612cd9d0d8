package server

import (
	"sort"
	"sync"

	"github.com/sourceperl/gomodbustcp/common"
)

// DeviceIdentity holds the identification objects a server exposes through
// Read Device Identification (0x2B / MEI 0x0E).
// Ref: Modbus_Application_Protocol_V1_1b3.pdf, Section 6.21
type DeviceIdentity struct {
	mu      sync.RWMutex
	objects map[common.DeviceIDObjectCode]string
}

// DeviceIdentityOption configures a DeviceIdentity.
type DeviceIdentityOption func(*DeviceIdentity)

// WithVendorName sets object 0x00.
func WithVendorName(s string) DeviceIdentityOption {
	return func(d *DeviceIdentity) {
		d.objects[common.DeviceIDVendorName] = s
	}
}

// WithProductCode sets object 0x01.
func WithProductCode(s string) DeviceIdentityOption {
	return func(d *DeviceIdentity) {
		d.objects[common.DeviceIDProductCode] = s
	}
}

// WithRevision sets object 0x02.
func WithRevision(s string) DeviceIdentityOption {
	return func(d *DeviceIdentity) {
		d.objects[common.DeviceIDMajorMinorRevision] = s
	}
}

// WithIdentityObject sets any identification object, including the
// vendor-specific extended range (0x80-0xFF).
func WithIdentityObject(id common.DeviceIDObjectCode, value string) DeviceIdentityOption {
	return func(d *DeviceIdentity) {
		d.objects[id] = value
	}
}

// NewDeviceIdentity creates an identity pre-populated with the three
// mandatory basic objects.
func NewDeviceIdentity(options ...DeviceIdentityOption) *DeviceIdentity {
	d := &DeviceIdentity{
		objects: map[common.DeviceIDObjectCode]string{
			common.DeviceIDVendorName:         "gomodbustcp",
			common.DeviceIDProductCode:        "GMT-1",
			common.DeviceIDMajorMinorRevision: "1.0",
		},
	}
	for _, option := range options {
		option(d)
	}
	return d
}

// SetObject sets or replaces one identification object.
func (d *DeviceIdentity) SetObject(id common.DeviceIDObjectCode, value string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.objects[id] = value
}

// Object returns one identification object value.
func (d *DeviceIdentity) Object(id common.DeviceIDObjectCode) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	value, ok := d.objects[id]
	return value, ok
}

// conformityLevel reflects the richest object category present, with the
// "both stream and individual access" bit set.
func (d *DeviceIdentity) conformityLevel() byte {
	level := byte(0x81)
	for id := range d.objects {
		if id >= common.DeviceIDExtendedBase {
			return 0x83
		}
		if id > common.DeviceIDMajorMinorRevision {
			level = 0x82
		}
	}
	return level
}

// categoryEnd returns the last object ID included in a stream access code.
func categoryEnd(readCode common.ReadDeviceIDCode) common.DeviceIDObjectCode {
	switch readCode {
	case common.ReadDeviceIDBasicStream:
		return common.DeviceIDMajorMinorRevision
	case common.ReadDeviceIDRegularStream:
		return common.DeviceIDUserAppName
	default:
		return 0xFF
	}
}

// response builds the PDU data field for one identification request,
// including stream paging: objects are emitted in ascending ID order
// starting at objectID, and when they do not all fit into one PDU the
// response flags MoreFollows with the next object to request.
func (d *DeviceIdentity) response(fc common.FunctionCode, readCode common.ReadDeviceIDCode, objectID common.DeviceIDObjectCode) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var ids []common.DeviceIDObjectCode
	switch readCode {
	case common.ReadDeviceIDBasicStream, common.ReadDeviceIDRegularStream, common.ReadDeviceIDExtendedStream:
		end := categoryEnd(readCode)
		for id := range d.objects {
			if id >= objectID && id <= end {
				ids = append(ids, id)
			}
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		if len(ids) == 0 {
			// An unknown starting object restarts the stream at the front.
			for id := range d.objects {
				if id <= end {
					ids = append(ids, id)
				}
			}
			sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		}
	case common.ReadDeviceIDSpecificObject:
		if _, ok := d.objects[objectID]; !ok {
			return nil, common.NewModbusError(fc, common.ExceptionIllegalDataAddress)
		}
		ids = []common.DeviceIDObjectCode{objectID}
	default:
		return nil, common.NewModbusError(fc, common.ExceptionIllegalDataValue)
	}

	// Fixed part after the function code: MEI type, read code, conformity,
	// more follows, next object ID, object count.
	data := []byte{
		byte(common.MEIReadDeviceID),
		byte(readCode),
		d.conformityLevel(),
		0, // more follows, patched below
		0, // next object ID, patched below
		0, // object count, patched below
	}

	count := 0
	budget := common.MaxPDULength - 1 - len(data) // minus the function code byte
	for i, id := range ids {
		value := d.objects[id]
		need := 2 + len(value)
		if need > budget {
			data[3] = 1
			data[4] = byte(ids[i])
			break
		}
		data = append(data, byte(id), byte(len(value)))
		data = append(data, value...)
		budget -= need
		count++
	}
	data[5] = byte(count)

	return data, nil
}
