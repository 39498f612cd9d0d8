package transport

import (
	"github.com/sourceperl/gomodbustcp/common"
)

// Request is an outgoing Modbus TCP request. The transaction ID is assigned
// by the transport just before the frame is written.
type Request struct {
	TransactionID common.TransactionID
	UnitID        common.UnitID
	PDU           *common.PDU
}

// NewRequest creates a request for a function code and its data field.
func NewRequest(unitID common.UnitID, fc common.FunctionCode, data []byte) *Request {
	return &Request{
		UnitID: unitID,
		PDU:    common.NewPDU(fc, data),
	}
}

// Encode serializes the request as an MBAP frame.
func (r *Request) Encode() ([]byte, error) {
	frame := Frame{TransactionID: r.TransactionID, UnitID: r.UnitID, PDU: r.PDU}
	return frame.Encode()
}
