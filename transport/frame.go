// Package transport implements Modbus TCP framing (the MBAP header) and the
// client-side socket transport.
package transport

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/sourceperl/gomodbustcp/common"
)

// Frame is one Modbus TCP application data unit: the MBAP header fields plus
// the carried PDU.
// Ref: Modbus_Messaging_Implementation_Guide_V1_0b.pdf, Section 3.1.1
type Frame struct {
	TransactionID common.TransactionID
	UnitID        common.UnitID
	PDU           *common.PDU
}

// Encode serializes the frame: 7-byte MBAP header followed by the PDU.
// The Length field counts the unit ID plus the PDU bytes.
func (f *Frame) Encode() ([]byte, error) {
	if f.PDU == nil || f.PDU.Length() == 0 {
		return nil, fmt.Errorf("%w: empty pdu", common.ErrBadFrame)
	}
	if f.PDU.Length() > common.MaxPDULength {
		return nil, common.ErrPDUTooLarge
	}
	out := make([]byte, common.MBAPHeaderLength, common.MBAPHeaderLength+f.PDU.Length())
	binary.BigEndian.PutUint16(out[0:2], uint16(f.TransactionID))
	binary.BigEndian.PutUint16(out[2:4], uint16(common.TCPProtocolIdentifier))
	binary.BigEndian.PutUint16(out[4:6], uint16(1+f.PDU.Length()))
	out[6] = byte(f.UnitID)
	return append(out, f.PDU.Bytes()...), nil
}

// headerFields are the raw MBAP fields before the PDU body is available.
type headerFields struct {
	transactionID common.TransactionID
	protocolID    common.ProtocolID
	length        uint16
	unitID        common.UnitID
}

// parseHeader validates the fixed part of an MBAP header. The Length field
// must be at least 2 (unit ID + function code) and at most 1 + the maximum
// PDU size; anything else means the stream cannot be trusted.
func parseHeader(header []byte) (headerFields, error) {
	h := headerFields{
		transactionID: common.TransactionID(binary.BigEndian.Uint16(header[0:2])),
		protocolID:    common.ProtocolID(binary.BigEndian.Uint16(header[2:4])),
		length:        binary.BigEndian.Uint16(header[4:6]),
		unitID:        common.UnitID(header[6]),
	}
	if h.protocolID != common.TCPProtocolIdentifier {
		return h, fmt.Errorf("%w: protocol id %d", common.ErrBadFrame, h.protocolID)
	}
	if h.length < 2 || h.length > 1+common.MaxPDULength {
		return h, fmt.Errorf("%w: length field %d", common.ErrBadFrame, h.length)
	}
	return h, nil
}

// TakeFrame attempts to decode one frame from the front of buf. It returns
// the frame and the number of bytes consumed, or (nil, 0, nil) when buf does
// not yet hold a complete frame. A malformed header returns an error wrapping
// common.ErrBadFrame; the caller must drop the connection, since nothing past
// a broken header can be re-synchronized.
func TakeFrame(buf []byte) (*Frame, int, error) {
	if len(buf) < common.MBAPHeaderLength {
		return nil, 0, nil
	}
	h, err := parseHeader(buf[:common.MBAPHeaderLength])
	if err != nil {
		return nil, 0, err
	}
	total := common.MBAPHeaderLength + int(h.length) - 1
	if len(buf) < total {
		return nil, 0, nil
	}
	pdu := make([]byte, int(h.length)-1)
	copy(pdu, buf[common.MBAPHeaderLength:total])
	return &Frame{
		TransactionID: h.transactionID,
		UnitID:        h.unitID,
		PDU:           common.PDUFromBytes(pdu),
	}, total, nil
}

// ReadFrame reads exactly one frame from r, blocking until the header and the
// announced PDU body have arrived. The stream is never consumed past
// Length - 1 PDU bytes. I/O failures are returned as-is so callers can
// classify timeouts and closed sockets; framing violations wrap
// common.ErrBadFrame.
func ReadFrame(r io.Reader) (*Frame, error) {
	header := make([]byte, common.MBAPHeaderLength)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	h, err := parseHeader(header)
	if err != nil {
		return nil, err
	}
	pdu := make([]byte, int(h.length)-1)
	if _, err := io.ReadFull(r, pdu); err != nil {
		return nil, err
	}
	return &Frame{
		TransactionID: h.transactionID,
		UnitID:        h.unitID,
		PDU:           common.PDUFromBytes(pdu),
	}, nil
}
