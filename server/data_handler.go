package server

import (
	"context"
	"encoding/binary"
	"errors"

	"go.uber.org/zap"

	"github.com/sourceperl/gomodbustcp/common"
	"github.com/sourceperl/gomodbustcp/logging"
	"github.com/sourceperl/gomodbustcp/protocol"
)

// Request is the unit of work handed to a function-code handler: the decoded
// MBAP identity plus the request PDU and the origin of the driving
// connection.
type Request struct {
	TransactionID common.TransactionID
	UnitID        common.UnitID
	PDU           *common.PDU
	Origin        Origin
}

// HandlerFunc processes one request and returns a response PDU. Returning a
// *common.ModbusError produces the corresponding exception response; any
// other error produces a ServerDeviceFailure exception.
type HandlerFunc func(ctx context.Context, req *Request) (*common.PDU, error)

// DataHandler is the policy layer between the wire protocol and the
// DataBank: it parses each request PDU, validates quantity bounds, maps the
// operation onto bank accesses, and selects the exception code on failure.
// Its per-function methods satisfy HandlerFunc, so any of them can be
// replaced or wrapped via TCPServer.SetHandler to implement write
// protection, per-unit address spaces, or command routing.
type DataHandler struct {
	logger   *zap.Logger
	bank     *DataBank
	identity *DeviceIdentity
}

// DataHandlerOption configures a DataHandler.
type DataHandlerOption func(*DataHandler)

// WithHandlerLogger sets the logger for the handler.
func WithHandlerLogger(logger *zap.Logger) DataHandlerOption {
	return func(h *DataHandler) {
		h.logger = logger
	}
}

// WithHandlerIdentity sets the device identity served for FC 0x2B.
func WithHandlerIdentity(identity *DeviceIdentity) DataHandlerOption {
	return func(h *DataHandler) {
		h.identity = identity
	}
}

// NewDataHandler creates a handler backed by the given bank.
func NewDataHandler(bank *DataBank, options ...DataHandlerOption) *DataHandler {
	h := &DataHandler{
		logger:   logging.NewNop(),
		bank:     bank,
		identity: NewDeviceIdentity(),
	}
	for _, option := range options {
		option(h)
	}
	return h
}

// Bank returns the backing DataBank.
func (h *DataHandler) Bank() *DataBank {
	return h.bank
}

// bankError maps a DataBank failure to the matching Modbus exception.
func bankError(fc common.FunctionCode, err error) error {
	if errors.Is(err, common.ErrBadAddress) {
		return common.NewModbusError(fc, common.ExceptionIllegalDataAddress)
	}
	return common.NewModbusError(fc, common.ExceptionServerDeviceFailure)
}

// readStartQuantity parses the start/quantity shape shared by FC 0x01-0x04.
func readStartQuantity(pdu *common.PDU, max common.Quantity) (common.Address, common.Quantity, error) {
	if len(pdu.Data) != 4 {
		return 0, 0, common.NewModbusError(pdu.FunctionCode, common.ExceptionIllegalDataValue)
	}
	start := common.Address(binary.BigEndian.Uint16(pdu.Data[0:2]))
	qty := common.Quantity(binary.BigEndian.Uint16(pdu.Data[2:4]))
	if qty == 0 || qty > max {
		return 0, 0, common.NewModbusError(pdu.FunctionCode, common.ExceptionIllegalDataValue)
	}
	return start, qty, nil
}

// handleReadBits serves FC 0x01 and 0x02.
func (h *DataHandler) handleReadBits(req *Request, read func(common.Address, common.Quantity) ([]bool, error)) (*common.PDU, error) {
	start, qty, err := readStartQuantity(req.PDU, common.MaxReadBits)
	if err != nil {
		return nil, err
	}
	values, err := read(start, qty)
	if err != nil {
		return nil, bankError(req.PDU.FunctionCode, err)
	}
	packed := protocol.PackBits(values)
	data := make([]byte, 1, 1+len(packed))
	data[0] = byte(len(packed))
	return common.NewPDU(req.PDU.FunctionCode, append(data, packed...)), nil
}

// handleReadRegisters serves FC 0x03 and 0x04.
func (h *DataHandler) handleReadRegisters(req *Request, read func(common.Address, common.Quantity) ([]uint16, error)) (*common.PDU, error) {
	start, qty, err := readStartQuantity(req.PDU, common.MaxReadRegisters)
	if err != nil {
		return nil, err
	}
	values, err := read(start, qty)
	if err != nil {
		return nil, bankError(req.PDU.FunctionCode, err)
	}
	data := make([]byte, 1+len(values)*2)
	data[0] = byte(len(values) * 2)
	for i, v := range values {
		binary.BigEndian.PutUint16(data[1+i*2:3+i*2], v)
	}
	return common.NewPDU(req.PDU.FunctionCode, data), nil
}

// HandleReadCoils serves Read Coils (0x01).
func (h *DataHandler) HandleReadCoils(ctx context.Context, req *Request) (*common.PDU, error) {
	return h.handleReadBits(req, h.bank.Coils)
}

// HandleReadDiscreteInputs serves Read Discrete Inputs (0x02).
func (h *DataHandler) HandleReadDiscreteInputs(ctx context.Context, req *Request) (*common.PDU, error) {
	return h.handleReadBits(req, h.bank.DiscreteInputs)
}

// HandleReadHoldingRegisters serves Read Holding Registers (0x03).
func (h *DataHandler) HandleReadHoldingRegisters(ctx context.Context, req *Request) (*common.PDU, error) {
	return h.handleReadRegisters(req, h.bank.HoldingRegisters)
}

// HandleReadInputRegisters serves Read Input Registers (0x04).
func (h *DataHandler) HandleReadInputRegisters(ctx context.Context, req *Request) (*common.PDU, error) {
	return h.handleReadRegisters(req, h.bank.InputRegisters)
}

// HandleWriteSingleCoil serves Write Single Coil (0x05). Only 0xFF00 and
// 0x0000 are legal coil values; anything else answers IllegalDataValue.
// Ref: Modbus_Application_Protocol_V1_1b3.pdf, Section 6.5
func (h *DataHandler) HandleWriteSingleCoil(ctx context.Context, req *Request) (*common.PDU, error) {
	pdu := req.PDU
	if len(pdu.Data) != 4 {
		return nil, common.NewModbusError(pdu.FunctionCode, common.ExceptionIllegalDataValue)
	}
	address := common.Address(binary.BigEndian.Uint16(pdu.Data[0:2]))
	raw := binary.BigEndian.Uint16(pdu.Data[2:4])

	var value bool
	switch raw {
	case common.CoilOnU16:
		value = true
	case common.CoilOffU16:
		value = false
	default:
		h.logger.Debug("illegal single coil value", zap.Uint16("value", raw))
		return nil, common.NewModbusError(pdu.FunctionCode, common.ExceptionIllegalDataValue)
	}

	if err := h.bank.SetCoils(address, []bool{value}, req.Origin); err != nil {
		return nil, bankError(pdu.FunctionCode, err)
	}
	// The normal response echoes the request.
	return common.NewPDU(pdu.FunctionCode, pdu.Data), nil
}

// HandleWriteSingleRegister serves Write Single Register (0x06).
func (h *DataHandler) HandleWriteSingleRegister(ctx context.Context, req *Request) (*common.PDU, error) {
	pdu := req.PDU
	if len(pdu.Data) != 4 {
		return nil, common.NewModbusError(pdu.FunctionCode, common.ExceptionIllegalDataValue)
	}
	address := common.Address(binary.BigEndian.Uint16(pdu.Data[0:2]))
	value := binary.BigEndian.Uint16(pdu.Data[2:4])

	if err := h.bank.SetHoldingRegisters(address, []uint16{value}, req.Origin); err != nil {
		return nil, bankError(pdu.FunctionCode, err)
	}
	return common.NewPDU(pdu.FunctionCode, pdu.Data), nil
}

// HandleWriteMultipleCoils serves Write Multiple Coils (0x0F). The byte
// count must match the packed size of the announced quantity.
// Ref: Modbus_Application_Protocol_V1_1b3.pdf, Section 6.11
func (h *DataHandler) HandleWriteMultipleCoils(ctx context.Context, req *Request) (*common.PDU, error) {
	pdu := req.PDU
	if len(pdu.Data) < 5 {
		return nil, common.NewModbusError(pdu.FunctionCode, common.ExceptionIllegalDataValue)
	}
	start := common.Address(binary.BigEndian.Uint16(pdu.Data[0:2]))
	qty := common.Quantity(binary.BigEndian.Uint16(pdu.Data[2:4]))
	byteCount := int(pdu.Data[4])

	if qty == 0 || qty > common.MaxWriteBits {
		return nil, common.NewModbusError(pdu.FunctionCode, common.ExceptionIllegalDataValue)
	}
	if byteCount != protocol.BitByteCount(qty) || len(pdu.Data) != 5+byteCount {
		return nil, common.NewModbusError(pdu.FunctionCode, common.ExceptionIllegalDataValue)
	}

	values, err := protocol.UnpackBits(pdu.Data[5:], qty)
	if err != nil {
		return nil, common.NewModbusError(pdu.FunctionCode, common.ExceptionIllegalDataValue)
	}
	if err := h.bank.SetCoils(start, values, req.Origin); err != nil {
		return nil, bankError(pdu.FunctionCode, err)
	}

	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], uint16(start))
	binary.BigEndian.PutUint16(data[2:4], uint16(qty))
	return common.NewPDU(pdu.FunctionCode, data), nil
}

// HandleWriteMultipleRegisters serves Write Multiple Registers (0x10). The
// byte count must be exactly twice the announced quantity.
// Ref: Modbus_Application_Protocol_V1_1b3.pdf, Section 6.12
func (h *DataHandler) HandleWriteMultipleRegisters(ctx context.Context, req *Request) (*common.PDU, error) {
	pdu := req.PDU
	if len(pdu.Data) < 5 {
		return nil, common.NewModbusError(pdu.FunctionCode, common.ExceptionIllegalDataValue)
	}
	start := common.Address(binary.BigEndian.Uint16(pdu.Data[0:2]))
	qty := common.Quantity(binary.BigEndian.Uint16(pdu.Data[2:4]))
	byteCount := int(pdu.Data[4])

	if qty == 0 || qty > common.MaxWriteRegisters {
		return nil, common.NewModbusError(pdu.FunctionCode, common.ExceptionIllegalDataValue)
	}
	if byteCount != int(qty)*2 || len(pdu.Data) != 5+byteCount {
		return nil, common.NewModbusError(pdu.FunctionCode, common.ExceptionIllegalDataValue)
	}

	values := make([]uint16, qty)
	for i := range values {
		values[i] = binary.BigEndian.Uint16(pdu.Data[5+i*2 : 7+i*2])
	}
	if err := h.bank.SetHoldingRegisters(start, values, req.Origin); err != nil {
		return nil, bankError(pdu.FunctionCode, err)
	}

	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], uint16(start))
	binary.BigEndian.PutUint16(data[2:4], uint16(qty))
	return common.NewPDU(pdu.FunctionCode, data), nil
}

// HandleReadWriteMultipleRegisters serves Read/Write Multiple Registers
// (0x17). The write is applied before the read, so an overlapping read
// observes the just-written values.
// Ref: Modbus_Application_Protocol_V1_1b3.pdf, Section 6.17
func (h *DataHandler) HandleReadWriteMultipleRegisters(ctx context.Context, req *Request) (*common.PDU, error) {
	pdu := req.PDU
	if len(pdu.Data) < 9 {
		return nil, common.NewModbusError(pdu.FunctionCode, common.ExceptionIllegalDataValue)
	}
	readStart := common.Address(binary.BigEndian.Uint16(pdu.Data[0:2]))
	readQty := common.Quantity(binary.BigEndian.Uint16(pdu.Data[2:4]))
	writeStart := common.Address(binary.BigEndian.Uint16(pdu.Data[4:6]))
	writeQty := common.Quantity(binary.BigEndian.Uint16(pdu.Data[6:8]))
	byteCount := int(pdu.Data[8])

	if readQty == 0 || readQty > common.MaxReadWriteReadRegisters ||
		writeQty == 0 || writeQty > common.MaxReadWriteWriteRegisters {
		return nil, common.NewModbusError(pdu.FunctionCode, common.ExceptionIllegalDataValue)
	}
	if byteCount != int(writeQty)*2 || len(pdu.Data) != 9+byteCount {
		return nil, common.NewModbusError(pdu.FunctionCode, common.ExceptionIllegalDataValue)
	}

	writeValues := make([]uint16, writeQty)
	for i := range writeValues {
		writeValues[i] = binary.BigEndian.Uint16(pdu.Data[9+i*2 : 11+i*2])
	}
	if err := h.bank.SetHoldingRegisters(writeStart, writeValues, req.Origin); err != nil {
		return nil, bankError(pdu.FunctionCode, err)
	}

	readValues, err := h.bank.HoldingRegisters(readStart, readQty)
	if err != nil {
		return nil, bankError(pdu.FunctionCode, err)
	}

	data := make([]byte, 1+len(readValues)*2)
	data[0] = byte(len(readValues) * 2)
	for i, v := range readValues {
		binary.BigEndian.PutUint16(data[1+i*2:3+i*2], v)
	}
	return common.NewPDU(pdu.FunctionCode, data), nil
}

// HandleReadDeviceIdentification serves Read Device Identification
// (0x2B / MEI 0x0E) from the configured DeviceIdentity.
// Ref: Modbus_Application_Protocol_V1_1b3.pdf, Section 6.21
func (h *DataHandler) HandleReadDeviceIdentification(ctx context.Context, req *Request) (*common.PDU, error) {
	pdu := req.PDU
	if len(pdu.Data) != 3 {
		return nil, common.NewModbusError(pdu.FunctionCode, common.ExceptionIllegalDataValue)
	}
	if common.MEIType(pdu.Data[0]) != common.MEIReadDeviceID {
		return nil, common.NewModbusError(pdu.FunctionCode, common.ExceptionIllegalFunction)
	}
	readCode := common.ReadDeviceIDCode(pdu.Data[1])
	objectID := common.DeviceIDObjectCode(pdu.Data[2])

	data, err := h.identity.response(pdu.FunctionCode, readCode, objectID)
	if err != nil {
		return nil, err
	}
	return common.NewPDU(pdu.FunctionCode, data), nil
}
