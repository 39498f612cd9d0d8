package common

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the stack.
var (
	// Codec errors (pre-flight, no I/O involved).
	ErrInvalidQuantity       = errors.New("invalid quantity")
	ErrInvalidValue          = errors.New("invalid value")
	ErrEmptyResponse         = errors.New("empty response")
	ErrInvalidResponseLength = errors.New("invalid response length")
	ErrInvalidResponseFormat = errors.New("invalid response format")
	ErrPDUTooLarge           = errors.New("pdu exceeds maximum length")

	// Data bank access errors.
	// Ref: Modbus_Application_Protocol_V1_1b3.pdf, Section 7.2
	ErrBadAddress = errors.New("address out of range") // maps to exception 0x02

	// Transport errors.
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyConnected = errors.New("already connected")
	ErrBadFrame         = errors.New("bad frame")
	ErrBadCorrelation   = errors.New("response does not match request")
	ErrSendFailed       = errors.New("send failed")
	ErrRecvFailed       = errors.New("recv failed")
)

// ModbusError carries an exception response back to the caller as an error.
// Ref: Modbus_Application_Protocol_V1_1b3.pdf, Section 7
type ModbusError struct {
	FunctionCode  FunctionCode  // requested function code (exception bit stripped)
	ExceptionCode ExceptionCode // reason the server could not serve it
}

// NewModbusError builds a ModbusError for a function code and exception code.
func NewModbusError(fc FunctionCode, code ExceptionCode) *ModbusError {
	return &ModbusError{FunctionCode: fc.Base(), ExceptionCode: code}
}

// Error implements the error interface.
func (e *ModbusError) Error() string {
	return fmt.Sprintf("modbus exception: function %s, code %#x (%s)",
		e.FunctionCode, byte(e.ExceptionCode), e.ExceptionCode)
}

// AsModbusError unwraps a ModbusError from an error chain.
func AsModbusError(err error) (*ModbusError, bool) {
	var me *ModbusError
	ok := errors.As(err, &me)
	return me, ok
}

// IsException reports whether err is a ModbusError with the given code.
func IsException(err error, code ExceptionCode) bool {
	me, ok := AsModbusError(err)
	return ok && me.ExceptionCode == code
}
