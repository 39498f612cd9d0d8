// Package protocol implements the client-side PDU codec: request builders
// and response parsers for every supported function code. All multi-byte
// fields are big-endian.
// Ref: Modbus_Application_Protocol_V1_1b3.pdf, Section 4.3 (Data Encoding)
package protocol

import (
	"encoding/binary"
	"fmt"

	"go.uber.org/zap"

	"github.com/sourceperl/gomodbustcp/common"
	"github.com/sourceperl/gomodbustcp/logging"
)

// Codec builds request PDU data fields and parses response data fields.
// The function code byte itself is handled by the transport layer.
type Codec struct {
	logger *zap.Logger
}

// Option configures a Codec.
type Option func(*Codec)

// WithLogger sets the logger for the codec.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Codec) {
		c.logger = logger
	}
}

// NewCodec creates a Codec.
func NewCodec(options ...Option) *Codec {
	c := &Codec{logger: logging.NewNop()}
	for _, option := range options {
		option(c)
	}
	return c
}

// PackBits packs booleans into bytes, LSB of the first byte holding the
// lowest-indexed value. Unused high bits of the last byte stay zero.
// Ref: Modbus_Application_Protocol_V1_1b3.pdf, Section 6.1 (Response)
func PackBits(values []bool) []byte {
	out := make([]byte, (len(values)+7)/8)
	for i, v := range values {
		if v {
			out[i/8] |= 1 << uint(i%8)
		}
	}
	return out
}

// UnpackBits extracts quantity booleans from packed bytes.
func UnpackBits(data []byte, quantity common.Quantity) ([]bool, error) {
	if len(data) < (int(quantity)+7)/8 {
		return nil, common.ErrInvalidResponseLength
	}
	values := make([]bool, quantity)
	for i := range values {
		values[i] = data[i/8]>>uint(i%8)&0x01 == 1
	}
	return values, nil
}

// BitByteCount returns the packed size of quantity bits.
func BitByteCount(quantity common.Quantity) int {
	return (int(quantity) + 7) / 8
}

// readRequest covers the common start/quantity request shape of FC 0x01-0x04.
func (c *Codec) readRequest(address common.Address, quantity, max common.Quantity) ([]byte, error) {
	if quantity == 0 || quantity > max {
		return nil, fmt.Errorf("%w: %d not in 1..%d", common.ErrInvalidQuantity, quantity, max)
	}
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], uint16(address))
	binary.BigEndian.PutUint16(data[2:4], uint16(quantity))
	return data, nil
}

// bitResponse parses the byte-count + packed-bits shape of FC 0x01/0x02.
func (c *Codec) bitResponse(data []byte, quantity common.Quantity) ([]bool, error) {
	if len(data) == 0 {
		return nil, common.ErrEmptyResponse
	}
	byteCount := int(data[0])
	if len(data) != byteCount+1 || byteCount != BitByteCount(quantity) {
		c.logger.Debug("bit response length mismatch",
			zap.Int("byte_count", byteCount), zap.Int("data_len", len(data)))
		return nil, common.ErrInvalidResponseLength
	}
	return UnpackBits(data[1:], quantity)
}

// registerResponse parses the byte-count + words shape of FC 0x03/0x04/0x17.
func (c *Codec) registerResponse(data []byte, quantity common.Quantity) ([]uint16, error) {
	if len(data) == 0 {
		return nil, common.ErrEmptyResponse
	}
	byteCount := int(data[0])
	if len(data) != byteCount+1 || byteCount != int(quantity)*2 {
		c.logger.Debug("register response length mismatch",
			zap.Int("byte_count", byteCount), zap.Int("data_len", len(data)))
		return nil, common.ErrInvalidResponseLength
	}
	values := make([]uint16, quantity)
	for i := range values {
		values[i] = binary.BigEndian.Uint16(data[1+i*2 : 3+i*2])
	}
	return values, nil
}

// echoResponse parses the 4-byte address/value echo of FC 0x05/0x06.
func (c *Codec) echoResponse(data []byte) (common.Address, uint16, error) {
	if len(data) != 4 {
		return 0, 0, common.ErrInvalidResponseLength
	}
	return common.Address(binary.BigEndian.Uint16(data[0:2])),
		binary.BigEndian.Uint16(data[2:4]), nil
}

// writeMultipleResponse parses the address/quantity acknowledgement of
// FC 0x0F/0x10.
func (c *Codec) writeMultipleResponse(data []byte) (common.Address, common.Quantity, error) {
	if len(data) != 4 {
		return 0, 0, common.ErrInvalidResponseLength
	}
	return common.Address(binary.BigEndian.Uint16(data[0:2])),
		common.Quantity(binary.BigEndian.Uint16(data[2:4])), nil
}

// ReadCoilsRequest builds the data field of a Read Coils (0x01) request.
// Quantity must be in 1..2000.
func (c *Codec) ReadCoilsRequest(address common.Address, quantity common.Quantity) ([]byte, error) {
	return c.readRequest(address, quantity, common.MaxReadBits)
}

// ReadCoilsResponse parses a Read Coils (0x01) response.
func (c *Codec) ReadCoilsResponse(data []byte, quantity common.Quantity) ([]bool, error) {
	return c.bitResponse(data, quantity)
}

// ReadDiscreteInputsRequest builds the data field of a Read Discrete Inputs
// (0x02) request. Quantity must be in 1..2000.
func (c *Codec) ReadDiscreteInputsRequest(address common.Address, quantity common.Quantity) ([]byte, error) {
	return c.readRequest(address, quantity, common.MaxReadBits)
}

// ReadDiscreteInputsResponse parses a Read Discrete Inputs (0x02) response.
func (c *Codec) ReadDiscreteInputsResponse(data []byte, quantity common.Quantity) ([]bool, error) {
	return c.bitResponse(data, quantity)
}

// ReadHoldingRegistersRequest builds the data field of a Read Holding
// Registers (0x03) request. Quantity must be in 1..125.
func (c *Codec) ReadHoldingRegistersRequest(address common.Address, quantity common.Quantity) ([]byte, error) {
	return c.readRequest(address, quantity, common.MaxReadRegisters)
}

// ReadHoldingRegistersResponse parses a Read Holding Registers (0x03) response.
func (c *Codec) ReadHoldingRegistersResponse(data []byte, quantity common.Quantity) ([]uint16, error) {
	return c.registerResponse(data, quantity)
}

// ReadInputRegistersRequest builds the data field of a Read Input Registers
// (0x04) request. Quantity must be in 1..125.
func (c *Codec) ReadInputRegistersRequest(address common.Address, quantity common.Quantity) ([]byte, error) {
	return c.readRequest(address, quantity, common.MaxReadRegisters)
}

// ReadInputRegistersResponse parses a Read Input Registers (0x04) response.
func (c *Codec) ReadInputRegistersResponse(data []byte, quantity common.Quantity) ([]uint16, error) {
	return c.registerResponse(data, quantity)
}

// WriteSingleCoilRequest builds the data field of a Write Single Coil (0x05)
// request.
func (c *Codec) WriteSingleCoilRequest(address common.Address, value bool) ([]byte, error) {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], uint16(address))
	if value {
		binary.BigEndian.PutUint16(data[2:4], common.CoilOnU16)
	}
	return data, nil
}

// WriteSingleCoilResponse parses the echo of a Write Single Coil (0x05)
// request.
func (c *Codec) WriteSingleCoilResponse(data []byte) (common.Address, bool, error) {
	address, raw, err := c.echoResponse(data)
	if err != nil {
		return 0, false, err
	}
	switch raw {
	case common.CoilOnU16:
		return address, true, nil
	case common.CoilOffU16:
		return address, false, nil
	default:
		return address, false, fmt.Errorf("%w: coil value 0x%04X", common.ErrInvalidValue, raw)
	}
}

// WriteSingleRegisterRequest builds the data field of a Write Single Register
// (0x06) request.
func (c *Codec) WriteSingleRegisterRequest(address common.Address, value uint16) ([]byte, error) {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], uint16(address))
	binary.BigEndian.PutUint16(data[2:4], value)
	return data, nil
}

// WriteSingleRegisterResponse parses the echo of a Write Single Register
// (0x06) request.
func (c *Codec) WriteSingleRegisterResponse(data []byte) (common.Address, uint16, error) {
	return c.echoResponse(data)
}

// WriteMultipleCoilsRequest builds the data field of a Write Multiple Coils
// (0x0F) request. The value count must be in 1..1968.
func (c *Codec) WriteMultipleCoilsRequest(address common.Address, values []bool) ([]byte, error) {
	if len(values) == 0 || len(values) > int(common.MaxWriteBits) {
		return nil, fmt.Errorf("%w: %d coils not in 1..%d",
			common.ErrInvalidQuantity, len(values), common.MaxWriteBits)
	}
	packed := PackBits(values)
	data := make([]byte, 5, 5+len(packed))
	binary.BigEndian.PutUint16(data[0:2], uint16(address))
	binary.BigEndian.PutUint16(data[2:4], uint16(len(values)))
	data[4] = byte(len(packed))
	return append(data, packed...), nil
}

// WriteMultipleCoilsResponse parses a Write Multiple Coils (0x0F) response.
func (c *Codec) WriteMultipleCoilsResponse(data []byte) (common.Address, common.Quantity, error) {
	return c.writeMultipleResponse(data)
}

// WriteMultipleRegistersRequest builds the data field of a Write Multiple
// Registers (0x10) request. The value count must be in 1..123.
func (c *Codec) WriteMultipleRegistersRequest(address common.Address, values []uint16) ([]byte, error) {
	if len(values) == 0 || len(values) > int(common.MaxWriteRegisters) {
		return nil, fmt.Errorf("%w: %d registers not in 1..%d",
			common.ErrInvalidQuantity, len(values), common.MaxWriteRegisters)
	}
	data := make([]byte, 5+len(values)*2)
	binary.BigEndian.PutUint16(data[0:2], uint16(address))
	binary.BigEndian.PutUint16(data[2:4], uint16(len(values)))
	data[4] = byte(len(values) * 2)
	for i, v := range values {
		binary.BigEndian.PutUint16(data[5+i*2:7+i*2], v)
	}
	return data, nil
}

// WriteMultipleRegistersResponse parses a Write Multiple Registers (0x10)
// response.
func (c *Codec) WriteMultipleRegistersResponse(data []byte) (common.Address, common.Quantity, error) {
	return c.writeMultipleResponse(data)
}

// ReadWriteMultipleRegistersRequest builds the data field of a Read/Write
// Multiple Registers (0x17) request. The read quantity must be in 1..125 and
// the write value count in 1..121.
// Ref: Modbus_Application_Protocol_V1_1b3.pdf, Section 6.17
func (c *Codec) ReadWriteMultipleRegistersRequest(readAddress common.Address, readQuantity common.Quantity, writeAddress common.Address, writeValues []uint16) ([]byte, error) {
	if readQuantity == 0 || readQuantity > common.MaxReadWriteReadRegisters {
		return nil, fmt.Errorf("%w: read %d not in 1..%d",
			common.ErrInvalidQuantity, readQuantity, common.MaxReadWriteReadRegisters)
	}
	if len(writeValues) == 0 || len(writeValues) > int(common.MaxReadWriteWriteRegisters) {
		return nil, fmt.Errorf("%w: write %d not in 1..%d",
			common.ErrInvalidQuantity, len(writeValues), common.MaxReadWriteWriteRegisters)
	}
	data := make([]byte, 9+len(writeValues)*2)
	binary.BigEndian.PutUint16(data[0:2], uint16(readAddress))
	binary.BigEndian.PutUint16(data[2:4], uint16(readQuantity))
	binary.BigEndian.PutUint16(data[4:6], uint16(writeAddress))
	binary.BigEndian.PutUint16(data[6:8], uint16(len(writeValues)))
	data[8] = byte(len(writeValues) * 2)
	for i, v := range writeValues {
		binary.BigEndian.PutUint16(data[9+i*2:11+i*2], v)
	}
	return data, nil
}

// ReadWriteMultipleRegistersResponse parses a Read/Write Multiple Registers
// (0x17) response; the shape matches a Read Holding Registers response.
func (c *Codec) ReadWriteMultipleRegistersResponse(data []byte, readQuantity common.Quantity) ([]uint16, error) {
	return c.registerResponse(data, readQuantity)
}
