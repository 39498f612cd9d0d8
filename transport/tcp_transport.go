package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sourceperl/gomodbustcp/common"
	"github.com/sourceperl/gomodbustcp/logging"
)

// DefaultTimeout bounds every socket operation when no option overrides it.
const DefaultTimeout = 30 * time.Second

// TCPTransport is the client-side socket transport. It runs exactly one
// transaction at a time: a request is framed with a fresh transaction ID,
// written, and its response read back before the next request may start.
// Disconnect may be called from any goroutine; closing the socket aborts an
// in-flight read.
type TCPTransport struct {
	logger  *zap.Logger
	timeout time.Duration

	reqMu sync.Mutex // serializes round trips (one in-flight transaction)

	mu        sync.Mutex // guards connection state; never held across I/O
	host      string
	port      int
	conn      net.Conn
	connected bool
	nextTxID  uint16
}

// TCPTransportOption configures a TCPTransport.
type TCPTransportOption func(*TCPTransport)

// WithPort sets the TCP port (default 502).
func WithPort(port int) TCPTransportOption {
	return func(t *TCPTransport) {
		t.port = port
	}
}

// WithTimeout sets the per-operation socket timeout.
func WithTimeout(timeout time.Duration) TCPTransportOption {
	return func(t *TCPTransport) {
		if timeout > 0 {
			t.timeout = timeout
		}
	}
}

// WithLogger sets the logger for the transport.
func WithLogger(logger *zap.Logger) TCPTransportOption {
	return func(t *TCPTransport) {
		t.logger = logger
	}
}

// NewTCPTransport creates a transport for the given host.
func NewTCPTransport(host string, options ...TCPTransportOption) *TCPTransport {
	t := &TCPTransport{
		logger:  logging.NewNop(),
		host:    host,
		port:    common.DefaultTCPPort,
		timeout: DefaultTimeout,
	}
	for _, option := range options {
		option(t)
	}
	return t
}

// Connect dials the configured endpoint. Name resolution happens here; a DNS
// failure is distinguishable from a refused connection through the wrapped
// *net.DNSError.
func (t *TCPTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected {
		return common.ErrAlreadyConnected
	}

	addr := net.JoinHostPort(t.host, strconv.Itoa(t.port))
	dialer := net.Dialer{Timeout: t.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		t.logger.Debug("dial failed", zap.String("addr", addr), zap.Error(err))
		return err
	}

	t.conn = conn
	t.connected = true
	t.logger.Info("connected", zap.String("addr", addr))
	return nil
}

// Disconnect closes the connection. Closing an already-closed transport is a
// no-op. Safe to call from any goroutine: an in-flight read is aborted by
// the socket close.
func (t *TCPTransport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeLocked()
}

// IsConnected returns true while the transport holds an open socket.
func (t *TCPTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// SetEndpoint changes the target host and port, closing any open connection
// first so that no request can go to the old endpoint.
func (t *TCPTransport) SetEndpoint(host string, port int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeLocked()
	t.host = host
	t.port = port
}

// acquire snapshots the open connection and allocates the next transaction
// ID, without holding the state lock across the caller's I/O.
func (t *TCPTransport) acquire() (net.Conn, common.TransactionID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return nil, 0, common.ErrNotConnected
	}
	t.nextTxID++
	return t.conn, common.TransactionID(t.nextTxID), nil
}

// dropConn closes the given connection if it is still the current one.
func (t *TCPTransport) dropConn(conn net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connected && t.conn == conn {
		t.closeLocked()
	}
}

// Probe checks whether the peer has silently closed the connection since the
// last request. A closed peer surfaces as an immediate EOF on a read with a
// one-millisecond deadline; a healthy idle connection times out. Unsolicited
// data also drops the connection, since it would desynchronize framing.
func (t *TCPTransport) Probe() error {
	t.reqMu.Lock()
	defer t.reqMu.Unlock()

	conn, _, err := t.acquire()
	if err != nil {
		return err
	}
	// The deadline must still lie in the future when Read starts: an
	// already-expired deadline fails the read before the socket is looked at.
	if err := conn.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
		t.dropConn(conn)
		return fmt.Errorf("%w: %w", common.ErrRecvFailed, err)
	}
	one := make([]byte, 1)
	_, err = conn.Read(one)
	if err == nil {
		t.dropConn(conn)
		return fmt.Errorf("%w: unsolicited data from peer", common.ErrBadFrame)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		// Nothing pending: the connection is alive.
		conn.SetReadDeadline(time.Time{})
		return nil
	}
	t.logger.Debug("probe found dead connection", zap.Error(err))
	t.dropConn(conn)
	return fmt.Errorf("%w: %w", common.ErrRecvFailed, err)
}

// Send performs one request/response round trip. The request gets a fresh
// transaction ID; the response must carry the same transaction ID and unit
// ID or the connection is closed and an error wrapping
// common.ErrBadCorrelation returned. Any socket error also closes the
// connection so that the next request starts from a clean frame boundary.
func (t *TCPTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	t.reqMu.Lock()
	defer t.reqMu.Unlock()

	conn, txID, err := t.acquire()
	if err != nil {
		return nil, err
	}

	req.TransactionID = txID
	data, err := req.Encode()
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(t.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	t.logger.Debug("sending request",
		zap.Uint16("tx_id", uint16(txID)),
		zap.Stringer("function", req.PDU.FunctionCode))

	if err := conn.SetWriteDeadline(deadline); err != nil {
		t.dropConn(conn)
		return nil, fmt.Errorf("%w: %w", common.ErrSendFailed, err)
	}
	if _, err := conn.Write(data); err != nil {
		t.dropConn(conn)
		return nil, fmt.Errorf("%w: %w", common.ErrSendFailed, err)
	}

	if err := conn.SetReadDeadline(deadline); err != nil {
		t.dropConn(conn)
		return nil, fmt.Errorf("%w: %w", common.ErrRecvFailed, err)
	}
	frame, err := ReadFrame(conn)
	if err != nil {
		t.dropConn(conn)
		if errors.Is(err, common.ErrBadFrame) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", common.ErrRecvFailed, err)
	}

	if frame.TransactionID != txID || frame.UnitID != req.UnitID {
		t.logger.Debug("correlation mismatch",
			zap.Uint16("want_tx", uint16(txID)),
			zap.Uint16("got_tx", uint16(frame.TransactionID)))
		t.dropConn(conn)
		return nil, fmt.Errorf("%w: tx %d/%d unit %d/%d", common.ErrBadCorrelation,
			txID, frame.TransactionID, req.UnitID, frame.UnitID)
	}

	return responseFromFrame(frame), nil
}

// closeLocked closes the socket if open. Caller must hold mu.
func (t *TCPTransport) closeLocked() error {
	if !t.connected {
		return nil
	}
	t.connected = false
	err := t.conn.Close()
	t.logger.Info("disconnected")
	return err
}
