package client

import (
	"errors"
	"io"
	"net"
	"os"

	"github.com/sourceperl/gomodbustcp/common"
)

// ErrCode classifies the failure of the most recent request. It is the
// client-side mirror of the transport error tiers: argument errors never
// reach the socket and never set a code; transport failures and exception
// responses do.
type ErrCode int

const (
	// ErrNone means the last request succeeded.
	ErrNone ErrCode = iota
	// ErrResolve means the host name did not resolve.
	ErrResolve
	// ErrConnect means the TCP connection could not be established.
	ErrConnect
	// ErrSend means a socket write failed.
	ErrSend
	// ErrRecv means the response could not be read or did not match the
	// request.
	ErrRecv
	// ErrTimeout means the response did not arrive within the configured
	// timeout.
	ErrTimeout
	// ErrFrame means the peer sent a malformed MBAP frame.
	ErrFrame
	// ErrException means the server answered with a Modbus exception; the
	// code is available through LastException.
	ErrException
	// ErrSockClose means the socket was closed when the request needed it.
	ErrSockClose
)

// String returns the human-readable description of the error code.
func (e ErrCode) String() string {
	switch e {
	case ErrNone:
		return "no error"
	case ErrResolve:
		return "name resolve error"
	case ErrConnect:
		return "connection error"
	case ErrSend:
		return "socket send error"
	case ErrRecv:
		return "socket recv error"
	case ErrTimeout:
		return "recv timeout occur"
	case ErrFrame:
		return "frame error"
	case ErrException:
		return "modbus exception occur"
	case ErrSockClose:
		return "socket is closed"
	default:
		return "unknown error"
	}
}

// isTimeout reports whether err is a socket deadline expiry.
func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// classifyOpen maps a dial failure onto an error code.
func classifyOpen(err error) ErrCode {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ErrResolve
	}
	return ErrConnect
}

// classifyExchange maps a transport round-trip failure onto an error code.
func classifyExchange(err error) ErrCode {
	switch {
	case errors.Is(err, common.ErrSendFailed):
		return ErrSend
	case errors.Is(err, common.ErrBadFrame):
		return ErrFrame
	case errors.Is(err, common.ErrBadCorrelation):
		return ErrRecv
	case errors.Is(err, common.ErrNotConnected):
		return ErrSockClose
	case errors.Is(err, common.ErrRecvFailed):
		switch {
		case isTimeout(err):
			return ErrTimeout
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
			return ErrSockClose
		default:
			return ErrRecv
		}
	default:
		return ErrRecv
	}
}
