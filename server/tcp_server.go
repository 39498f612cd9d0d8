// Package server implements the Modbus TCP server engine: a multi-connection
// acceptor dispatching decoded requests to a pluggable handler layer backed
// by an in-memory DataBank.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sourceperl/gomodbustcp/common"
	"github.com/sourceperl/gomodbustcp/logging"
	"github.com/sourceperl/gomodbustcp/transport"
)

// writeTimeout bounds each response write so a stalled client cannot pin a
// worker forever.
const writeTimeout = 10 * time.Second

// State is the server lifecycle state.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// TCPServer is a Modbus TCP server. One goroutine accepts connections; each
// connection gets a worker reading frames, dispatching them to the handler
// layer and writing responses. The DataBank is the only shared mutable
// state; it synchronizes internally.
type TCPServer struct {
	logger     *zap.Logger
	host       string
	port       int
	ipv6       bool
	bank       *DataBank
	identity   *DeviceIdentity
	unitFilter func(common.UnitID) bool

	handlersMu sync.RWMutex
	handlers   map[common.FunctionCode]HandlerFunc

	mu       sync.Mutex
	state    State
	listener net.Listener
	stopChan chan struct{}
	group    *errgroup.Group

	clientsMu sync.RWMutex
	clients   map[string]*clientConn
}

// TCPServerOption configures a TCPServer.
type TCPServerOption func(*TCPServer)

// WithServerPort sets the listening port (default 502).
func WithServerPort(port int) TCPServerOption {
	return func(s *TCPServer) {
		s.port = port
	}
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *zap.Logger) TCPServerOption {
	return func(s *TCPServer) {
		s.logger = logger
	}
}

// WithServerIPv6 makes the server listen on an IPv6 endpoint.
func WithServerIPv6() TCPServerOption {
	return func(s *TCPServer) {
		s.ipv6 = true
	}
}

// WithServerDataBank sets the data bank backing the default handlers.
func WithServerDataBank(bank *DataBank) TCPServerOption {
	return func(s *TCPServer) {
		s.bank = bank
	}
}

// WithServerIdentity sets the device identity served for FC 0x2B.
func WithServerIdentity(identity *DeviceIdentity) TCPServerOption {
	return func(s *TCPServer) {
		s.identity = identity
	}
}

// WithUnitFilter installs a unit ID acceptance predicate. The default
// accepts every unit; a rejected unit answers ServerDeviceFailure.
func WithUnitFilter(accept func(common.UnitID) bool) TCPServerOption {
	return func(s *TCPServer) {
		s.unitFilter = accept
	}
}

// NewTCPServer creates a server listening on host (default all interfaces)
// once started.
func NewTCPServer(host string, options ...TCPServerOption) *TCPServer {
	s := &TCPServer{
		logger:   logging.NewNop(),
		host:     host,
		port:     common.DefaultTCPPort,
		bank:     NewDataBank(),
		identity: NewDeviceIdentity(),
		handlers: make(map[common.FunctionCode]HandlerFunc),
		clients:  make(map[string]*clientConn),
	}
	for _, option := range options {
		option(s)
	}

	handler := NewDataHandler(s.bank,
		WithHandlerLogger(s.logger),
		WithHandlerIdentity(s.identity),
	)
	s.handlers[common.FuncReadCoils] = handler.HandleReadCoils
	s.handlers[common.FuncReadDiscreteInputs] = handler.HandleReadDiscreteInputs
	s.handlers[common.FuncReadHoldingRegisters] = handler.HandleReadHoldingRegisters
	s.handlers[common.FuncReadInputRegisters] = handler.HandleReadInputRegisters
	s.handlers[common.FuncWriteSingleCoil] = handler.HandleWriteSingleCoil
	s.handlers[common.FuncWriteSingleRegister] = handler.HandleWriteSingleRegister
	s.handlers[common.FuncWriteMultipleCoils] = handler.HandleWriteMultipleCoils
	s.handlers[common.FuncWriteMultipleRegisters] = handler.HandleWriteMultipleRegisters
	s.handlers[common.FuncReadWriteMultipleRegisters] = handler.HandleReadWriteMultipleRegisters
	s.handlers[common.FuncReadDeviceIdentification] = handler.HandleReadDeviceIdentification

	return s
}

// SetHandler replaces the handler for one function code. This is the
// customization point for write protection, per-unit address spaces or
// command routing; installing nil removes the function code, which then
// answers IllegalFunction.
func (s *TCPServer) SetHandler(fc common.FunctionCode, handler HandlerFunc) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	if handler == nil {
		delete(s.handlers, fc)
		return
	}
	s.handlers[fc] = handler
}

// DataBank returns the bank backing the default handlers.
func (s *TCPServer) DataBank() *DataBank {
	return s.bank
}

// Addr returns the bound listener address, or nil when not running.
func (s *TCPServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// State returns the current lifecycle state.
func (s *TCPServer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsRunning reports whether the server is accepting connections.
func (s *TCPServer) IsRunning() bool {
	return s.State() == StateRunning
}

// Start binds the listener and begins accepting connections in the
// background. Calling Start on a running server is a no-op.
func (s *TCPServer) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateRunning {
		s.mu.Unlock()
		return nil
	}
	if s.state != StateStopped {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("cannot start server while %s", state)
	}
	s.state = StateStarting

	network := "tcp4"
	if s.ipv6 {
		network = "tcp6"
	}
	listener, err := net.Listen(network, net.JoinHostPort(s.host, strconv.Itoa(s.port)))
	if err != nil {
		s.state = StateStopped
		s.mu.Unlock()
		return err
	}

	s.listener = listener
	s.stopChan = make(chan struct{})
	s.group = &errgroup.Group{}
	s.state = StateRunning
	s.mu.Unlock()

	s.logger.Info("server listening", zap.String("addr", listener.Addr().String()))
	s.group.Go(func() error {
		s.acceptLoop(ctx)
		return nil
	})

	return nil
}

// ServeForever starts the server and blocks until Stop is called or ctx is
// cancelled.
func (s *TCPServer) ServeForever(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	stop := s.stopChan
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		s.Stop(context.Background())
		return ctx.Err()
	case <-stop:
		return nil
	}
}

// Stop closes the listener, signals workers and waits for each of them to
// finish at most one in-flight frame. Calling Stop on a stopped server is a
// no-op.
func (s *TCPServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopping
	close(s.stopChan)
	s.listener.Close()
	group := s.group
	s.mu.Unlock()

	// Interrupt workers blocked between frames; a worker processing a frame
	// finishes it before noticing the stop signal.
	s.clientsMu.RLock()
	for _, cc := range s.clients {
		cc.conn.SetReadDeadline(time.Now())
	}
	s.clientsMu.RUnlock()

	group.Wait()

	s.mu.Lock()
	s.listener = nil
	s.state = StateStopped
	s.mu.Unlock()

	s.logger.Info("server stopped")
	return nil
}

// acceptLoop hands each accepted connection to a worker until the listener
// closes.
func (s *TCPServer) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopChan:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", zap.Error(err))
			continue
		}

		cc := newClientConn(conn)
		s.clientsMu.Lock()
		s.clients[cc.remoteAddr] = cc
		s.clientsMu.Unlock()

		s.logger.Info("client connected", zap.String("remote", cc.remoteAddr))
		s.group.Go(func() error {
			s.handleConnection(ctx, cc)
			return nil
		})
	}
}

// handleConnection runs the per-connection receive/dispatch loop. Any
// malformed frame, read error or write error ends the connection: once
// framing is in doubt no reliable transaction ID remains to answer with.
func (s *TCPServer) handleConnection(ctx context.Context, cc *clientConn) {
	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, cc.remoteAddr)
		s.clientsMu.Unlock()
		cc.conn.Close()
		s.logger.Info("client disconnected", zap.String("remote", cc.remoteAddr))
	}()

	origin := Origin{RemoteAddr: cc.remoteAddr}

	for {
		select {
		case <-s.stopChan:
			return
		default:
		}

		frame, err := transport.ReadFrame(cc.conn)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				// Normal peer close.
			case errors.Is(err, common.ErrBadFrame):
				s.logger.Warn("closing connection on bad frame",
					zap.String("remote", cc.remoteAddr), zap.Error(err))
			default:
				s.logger.Debug("read ended", zap.String("remote", cc.remoteAddr), zap.Error(err))
			}
			return
		}

		cc.noteRx(frame.PDU.FunctionCode)

		response := s.dispatch(ctx, &Request{
			TransactionID: frame.TransactionID,
			UnitID:        frame.UnitID,
			PDU:           frame.PDU,
			Origin:        origin,
		})

		// The response reuses the request's transaction ID and unit ID.
		out := transport.Frame{
			TransactionID: frame.TransactionID,
			UnitID:        frame.UnitID,
			PDU:           response,
		}
		data, err := out.Encode()
		if err != nil {
			s.logger.Error("response encoding failed", zap.Error(err))
			return
		}
		cc.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if _, err := cc.conn.Write(data); err != nil {
			s.logger.Debug("write failed", zap.String("remote", cc.remoteAddr), zap.Error(err))
			return
		}
		cc.noteTx()
	}
}

// dispatch routes one request to its function code handler and converts
// errors into exception responses.
func (s *TCPServer) dispatch(ctx context.Context, req *Request) *common.PDU {
	fc := req.PDU.FunctionCode

	if s.unitFilter != nil && !s.unitFilter(req.UnitID) {
		s.logger.Debug("unit rejected", zap.Uint8("unit", uint8(req.UnitID)))
		return common.NewExceptionPDU(fc, common.ExceptionServerDeviceFailure)
	}

	s.handlersMu.RLock()
	handler, ok := s.handlers[fc]
	s.handlersMu.RUnlock()
	if !ok {
		return common.NewExceptionPDU(fc, common.ExceptionIllegalFunction)
	}

	response, err := handler(ctx, req)
	if err != nil {
		if me, ok := common.AsModbusError(err); ok {
			s.logger.Debug("exception response",
				zap.Stringer("function", fc), zap.Stringer("exception", me.ExceptionCode))
			return common.NewExceptionPDU(fc, me.ExceptionCode)
		}
		s.logger.Error("handler failed", zap.Stringer("function", fc), zap.Error(err))
		return common.NewExceptionPDU(fc, common.ExceptionServerDeviceFailure)
	}
	return response
}
