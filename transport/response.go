package transport

import (
	"github.com/sourceperl/gomodbustcp/common"
)

// Response is a decoded Modbus TCP response frame.
type Response struct {
	TransactionID common.TransactionID
	UnitID        common.UnitID
	PDU           *common.PDU
}

// responseFromFrame wraps a received frame as a response.
func responseFromFrame(f *Frame) *Response {
	return &Response{
		TransactionID: f.TransactionID,
		UnitID:        f.UnitID,
		PDU:           f.PDU,
	}
}

// IsException reports whether the response carries an exception PDU.
func (r *Response) IsException() bool {
	return r.PDU.IsException()
}

// ExceptionCode returns the carried exception code, or 0.
func (r *Response) ExceptionCode() common.ExceptionCode {
	return r.PDU.ExceptionCode()
}

// ToError converts an exception response into a *common.ModbusError, or nil
// for a normal response.
func (r *Response) ToError() error {
	if r.IsException() {
		return common.NewModbusError(r.PDU.FunctionCode, r.ExceptionCode())
	}
	return nil
}
