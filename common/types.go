package common

import "fmt"

// TransactionID is the request/response correlator carried in the MBAP header.
// Ref: Modbus_Messaging_Implementation_Guide_V1_0b.pdf, Section 3.1.1
type TransactionID uint16

// ProtocolID identifies the carried protocol; always 0 for Modbus.
// Ref: Modbus_Messaging_Implementation_Guide_V1_0b.pdf, Section 3.1.1
type ProtocolID uint16

// UnitID addresses a device behind the server endpoint.
// Ref: Modbus_Messaging_Implementation_Guide_V1_0b.pdf, Section 3.1.1
type UnitID byte

// FunctionCode is the first byte of every PDU.
// Ref: Modbus_Application_Protocol_V1_1b3.pdf, Section 6
type FunctionCode byte

// ExceptionCode is the payload of an exception response.
// Ref: Modbus_Application_Protocol_V1_1b3.pdf, Section 7
type ExceptionCode byte

// Address is an offset into one of the four Modbus data tables (0-65535).
// Ref: Modbus_Application_Protocol_V1_1b3.pdf, Section 4.4
type Address uint16

// Quantity is a count of coils or registers in a single request.
type Quantity uint16

// Supported function codes.
// Ref: Modbus_Application_Protocol_V1_1b3.pdf, Section 6
const (
	FuncReadCoils                  FunctionCode = 0x01
	FuncReadDiscreteInputs         FunctionCode = 0x02
	FuncReadHoldingRegisters       FunctionCode = 0x03
	FuncReadInputRegisters         FunctionCode = 0x04
	FuncWriteSingleCoil            FunctionCode = 0x05
	FuncWriteSingleRegister        FunctionCode = 0x06
	FuncWriteMultipleCoils         FunctionCode = 0x0F
	FuncWriteMultipleRegisters     FunctionCode = 0x10
	FuncReadWriteMultipleRegisters FunctionCode = 0x17
	FuncReadDeviceIdentification   FunctionCode = 0x2B // MEI transport
)

// Exception codes a server may return.
// Ref: Modbus_Application_Protocol_V1_1b3.pdf, Section 7
const (
	ExceptionIllegalFunction         ExceptionCode = 0x01
	ExceptionIllegalDataAddress      ExceptionCode = 0x02
	ExceptionIllegalDataValue        ExceptionCode = 0x03
	ExceptionServerDeviceFailure     ExceptionCode = 0x04
	ExceptionAcknowledge             ExceptionCode = 0x05
	ExceptionServerDeviceBusy        ExceptionCode = 0x06
	ExceptionNegativeAcknowledge     ExceptionCode = 0x07
	ExceptionMemoryParityError       ExceptionCode = 0x08
	ExceptionGatewayPathUnavailable  ExceptionCode = 0x0A
	ExceptionGatewayTargetNoResponse ExceptionCode = 0x0B
)

// MEIType selects the sub-function of the 0x2B encapsulated interface.
// Ref: Modbus_Application_Protocol_V1_1b3.pdf, Section 6.21
type MEIType byte

// MEIReadDeviceID is the only MEI type handled by this stack.
const MEIReadDeviceID MEIType = 0x0E

// ReadDeviceIDCode selects which identification objects to read.
// Ref: Modbus_Application_Protocol_V1_1b3.pdf, Section 6.21, Table 73
type ReadDeviceIDCode byte

const (
	ReadDeviceIDBasicStream    ReadDeviceIDCode = 0x01
	ReadDeviceIDRegularStream  ReadDeviceIDCode = 0x02
	ReadDeviceIDExtendedStream ReadDeviceIDCode = 0x03
	ReadDeviceIDSpecificObject ReadDeviceIDCode = 0x04
)

// DeviceIDObjectCode identifies one identification object.
// Ref: Modbus_Application_Protocol_V1_1b3.pdf, Section 6.21, Table 72
type DeviceIDObjectCode byte

const (
	// Basic objects (mandatory).
	DeviceIDVendorName         DeviceIDObjectCode = 0x00
	DeviceIDProductCode        DeviceIDObjectCode = 0x01
	DeviceIDMajorMinorRevision DeviceIDObjectCode = 0x02

	// Regular objects (optional).
	DeviceIDVendorURL   DeviceIDObjectCode = 0x03
	DeviceIDProductName DeviceIDObjectCode = 0x04
	DeviceIDModelName   DeviceIDObjectCode = 0x05
	DeviceIDUserAppName DeviceIDObjectCode = 0x06

	// 0x80-0xFF are vendor-specific extended objects.
	DeviceIDExtendedBase DeviceIDObjectCode = 0x80
)

// Framing constants.
// Ref: Modbus_Messaging_Implementation_Guide_V1_0b.pdf, Section 3.1
const (
	MBAPHeaderLength = 7   // Transaction ID (2) + Protocol ID (2) + Length (2) + Unit ID (1)
	MaxPDULength     = 253 // Maximum PDU length
	MaxADULength     = 260 // MBAP header + maximum PDU
	DefaultTCPPort   = 502
)

// TCPProtocolIdentifier is the fixed Protocol ID value of Modbus TCP frames.
const TCPProtocolIdentifier = ProtocolID(0)

// Per-function quantity limits.
// Ref: Modbus_Application_Protocol_V1_1b3.pdf, Sections 6.1, 6.3, 6.11, 6.12, 6.17
const (
	MaxReadBits                Quantity = 2000 // FC 0x01 / 0x02
	MaxWriteBits               Quantity = 1968 // FC 0x0F
	MaxReadRegisters           Quantity = 125  // FC 0x03 / 0x04
	MaxWriteRegisters          Quantity = 123  // FC 0x10
	MaxReadWriteReadRegisters  Quantity = 125  // FC 0x17, read side
	MaxReadWriteWriteRegisters Quantity = 121  // FC 0x17, write side
)

// Single-coil wire encodings.
// Ref: Modbus_Application_Protocol_V1_1b3.pdf, Section 6.5
// "A value of FF00 hex requests the coil to be ON. A value of 0000 requests
// it to be OFF. All other values are illegal and will not affect the coil."
const (
	CoilOnU16  uint16 = 0xFF00
	CoilOffU16 uint16 = 0x0000
)

// ExceptionBit is set in the function code of an exception response.
// Ref: Modbus_Application_Protocol_V1_1b3.pdf, Section 7
const ExceptionBit byte = 0x80

// IsExceptionCode reports whether a raw function code byte marks an exception.
func IsExceptionCode(fc byte) bool {
	return fc&ExceptionBit != 0
}

// Base strips the exception bit, recovering the requested function code.
func (f FunctionCode) Base() FunctionCode {
	return f &^ FunctionCode(ExceptionBit)
}

// IsException reports whether the function code marks an exception response.
func (f FunctionCode) IsException() bool {
	return IsExceptionCode(byte(f))
}

// String returns the symbolic name of the function code.
func (f FunctionCode) String() string {
	switch f {
	case FuncReadCoils:
		return "ReadCoils"
	case FuncReadDiscreteInputs:
		return "ReadDiscreteInputs"
	case FuncReadHoldingRegisters:
		return "ReadHoldingRegisters"
	case FuncReadInputRegisters:
		return "ReadInputRegisters"
	case FuncWriteSingleCoil:
		return "WriteSingleCoil"
	case FuncWriteSingleRegister:
		return "WriteSingleRegister"
	case FuncWriteMultipleCoils:
		return "WriteMultipleCoils"
	case FuncWriteMultipleRegisters:
		return "WriteMultipleRegisters"
	case FuncReadWriteMultipleRegisters:
		return "ReadWriteMultipleRegisters"
	case FuncReadDeviceIdentification:
		return "ReadDeviceIdentification"
	default:
		if f.IsException() {
			return fmt.Sprintf("Exception(%s)", f.Base())
		}
		return fmt.Sprintf("Unknown(0x%02X)", byte(f))
	}
}

// String returns the symbolic name of the exception code.
func (e ExceptionCode) String() string {
	switch e {
	case ExceptionIllegalFunction:
		return "IllegalFunction"
	case ExceptionIllegalDataAddress:
		return "IllegalDataAddress"
	case ExceptionIllegalDataValue:
		return "IllegalDataValue"
	case ExceptionServerDeviceFailure:
		return "ServerDeviceFailure"
	case ExceptionAcknowledge:
		return "Acknowledge"
	case ExceptionServerDeviceBusy:
		return "ServerDeviceBusy"
	case ExceptionNegativeAcknowledge:
		return "NegativeAcknowledge"
	case ExceptionMemoryParityError:
		return "MemoryParityError"
	case ExceptionGatewayPathUnavailable:
		return "GatewayPathUnavailable"
	case ExceptionGatewayTargetNoResponse:
		return "GatewayTargetNoResponse"
	default:
		return fmt.Sprintf("Unknown(0x%02X)", byte(e))
	}
}

// String returns the symbolic name of a read device ID code.
func (c ReadDeviceIDCode) String() string {
	switch c {
	case ReadDeviceIDBasicStream:
		return "BasicStream"
	case ReadDeviceIDRegularStream:
		return "RegularStream"
	case ReadDeviceIDExtendedStream:
		return "ExtendedStream"
	case ReadDeviceIDSpecificObject:
		return "SpecificObject"
	default:
		return fmt.Sprintf("UnknownReadDeviceIDCode(0x%02X)", byte(c))
	}
}

// String returns the symbolic name of a device identification object.
func (c DeviceIDObjectCode) String() string {
	switch c {
	case DeviceIDVendorName:
		return "VendorName"
	case DeviceIDProductCode:
		return "ProductCode"
	case DeviceIDMajorMinorRevision:
		return "MajorMinorRevision"
	case DeviceIDVendorURL:
		return "VendorURL"
	case DeviceIDProductName:
		return "ProductName"
	case DeviceIDModelName:
		return "ModelName"
	case DeviceIDUserAppName:
		return "UserApplicationName"
	default:
		if c >= DeviceIDExtendedBase {
			return fmt.Sprintf("ExtendedObject(0x%02X)", byte(c))
		}
		return fmt.Sprintf("UnknownObject(0x%02X)", byte(c))
	}
}
