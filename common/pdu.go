package common

// PDU is the transport-independent Modbus message: one function code byte
// followed by function-specific data.
// Ref: Modbus_Application_Protocol_V1_1b3.pdf, Section 4.1
type PDU struct {
	FunctionCode FunctionCode
	Data         []byte
}

// NewPDU builds a PDU from a function code and its data field.
func NewPDU(fc FunctionCode, data []byte) *PDU {
	return &PDU{FunctionCode: fc, Data: data}
}

// NewExceptionPDU builds the exception response for a request's function code.
// Ref: Modbus_Application_Protocol_V1_1b3.pdf, Section 7
func NewExceptionPDU(fc FunctionCode, code ExceptionCode) *PDU {
	return &PDU{
		FunctionCode: fc | FunctionCode(ExceptionBit),
		Data:         []byte{byte(code)},
	}
}

// Length returns the encoded PDU size in bytes.
func (p *PDU) Length() int {
	return 1 + len(p.Data)
}

// Bytes returns the wire encoding: function code followed by the data field.
func (p *PDU) Bytes() []byte {
	out := make([]byte, 0, p.Length())
	out = append(out, byte(p.FunctionCode))
	return append(out, p.Data...)
}

// IsException reports whether the PDU is an exception response.
func (p *PDU) IsException() bool {
	return p.FunctionCode.IsException()
}

// ExceptionCode returns the carried exception code, or 0 for a normal PDU.
func (p *PDU) ExceptionCode() ExceptionCode {
	if p.IsException() && len(p.Data) > 0 {
		return ExceptionCode(p.Data[0])
	}
	return 0
}

// PDUFromBytes splits a raw PDU into function code and data.
// An empty input yields nil: every PDU carries at least a function code.
func PDUFromBytes(raw []byte) *PDU {
	if len(raw) == 0 {
		return nil
	}
	return &PDU{FunctionCode: FunctionCode(raw[0]), Data: raw[1:]}
}
