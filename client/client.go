// Package client implements the Modbus TCP client engine: connection
// lifecycle with auto-open / auto-close, synchronous request/response with
// transaction correlation, and a typed API for every supported function
// code. A Client instance serializes its requests internally; independent
// instances are fully independent.
package client

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sourceperl/gomodbustcp/common"
	"github.com/sourceperl/gomodbustcp/logging"
	"github.com/sourceperl/gomodbustcp/protocol"
	"github.com/sourceperl/gomodbustcp/transport"
)

// hostnameRE matches RFC 1123 host names; IP literals are checked separately.
var hostnameRE = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?` +
	`(\.[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*$`)

func validHost(host string) bool {
	if net.ParseIP(host) != nil {
		return true
	}
	return hostnameRE.MatchString(host)
}

func validPort(port int) bool {
	return port >= 1 && port <= 65535
}

// Client is a Modbus TCP client.
type Client struct {
	logger *zap.Logger
	codec  *protocol.Codec

	mu           sync.Mutex // serializes requests and guards config + error state
	transport    *transport.TCPTransport
	host         string
	port         int
	unitID       common.UnitID
	timeout      time.Duration
	autoOpen     bool
	autoClose    bool
	explicitOpen bool
	lastError    ErrCode
	lastExcept   common.ExceptionCode
}

// Option configures a Client.
type Option func(*Client)

// WithPort sets the server port (default 502).
func WithPort(port int) Option {
	return func(c *Client) {
		c.port = port
	}
}

// WithUnitID sets the unit ID sent with every request (default 1).
func WithUnitID(unitID common.UnitID) Option {
	return func(c *Client) {
		c.unitID = unitID
	}
}

// WithTimeout sets the per-operation socket timeout (default 30s).
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.timeout = timeout
	}
}

// WithAutoOpen controls whether a request on a closed client opens the
// connection first (default true).
func WithAutoOpen(enabled bool) Option {
	return func(c *Client) {
		c.autoOpen = enabled
	}
}

// WithAutoClose makes the client close the connection after every request
// unless the caller holds an explicit Open (default false).
func WithAutoClose(enabled bool) Option {
	return func(c *Client) {
		c.autoClose = enabled
	}
}

// WithLogger sets the logger for the client and its transport.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a client for the given host (name or IP literal, v4 or
// v6). The host and port are validated here; a malformed host never reaches
// the resolver.
func NewClient(host string, options ...Option) (*Client, error) {
	c := &Client{
		logger:   logging.NewNop(),
		host:     host,
		port:     common.DefaultTCPPort,
		unitID:   1,
		timeout:  transport.DefaultTimeout,
		autoOpen: true,
	}
	for _, option := range options {
		option(c)
	}

	if !validHost(host) {
		return nil, fmt.Errorf("%w: host %q", common.ErrInvalidValue, host)
	}
	if !validPort(c.port) {
		return nil, fmt.Errorf("%w: port %d", common.ErrInvalidValue, c.port)
	}
	if c.timeout <= 0 {
		return nil, fmt.Errorf("%w: timeout %s", common.ErrInvalidValue, c.timeout)
	}

	c.codec = protocol.NewCodec(protocol.WithLogger(c.logger))
	c.transport = transport.NewTCPTransport(host,
		transport.WithPort(c.port),
		transport.WithTimeout(c.timeout),
		transport.WithLogger(c.logger),
	)
	return c, nil
}

// Host returns the configured host.
func (c *Client) Host() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.host
}

// Port returns the configured port.
func (c *Client) Port() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.port
}

// UnitID returns the configured unit ID.
func (c *Client) UnitID() common.UnitID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unitID
}

// SetHost changes the target host. A connected client is closed first so no
// request can go to the old endpoint.
func (c *Client) SetHost(host string) error {
	if !validHost(host) {
		return fmt.Errorf("%w: host %q", common.ErrInvalidValue, host)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.host = host
	c.explicitOpen = false
	c.transport.SetEndpoint(host, c.port)
	return nil
}

// SetPort changes the target port. A connected client is closed first.
func (c *Client) SetPort(port int) error {
	if !validPort(port) {
		return fmt.Errorf("%w: port %d", common.ErrInvalidValue, port)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.port = port
	c.explicitOpen = false
	c.transport.SetEndpoint(c.host, port)
	return nil
}

// SetUnitID changes the unit ID used for subsequent requests.
func (c *Client) SetUnitID(unitID common.UnitID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unitID = unitID
}

// Open connects explicitly. While an explicit open is held, auto-close does
// not apply.
func (c *Client) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transport.IsConnected() {
		c.explicitOpen = true
		return nil
	}
	if err := c.transport.Connect(ctx); err != nil {
		c.lastError = classifyOpen(err)
		return err
	}
	c.explicitOpen = true
	return nil
}

// Close disconnects. Safe to call at any time, including concurrently with a
// request: the in-flight read is aborted by the socket close.
func (c *Client) Close(ctx context.Context) error {
	// Intentionally not taking c.mu: Close must be able to interrupt a
	// request blocked inside the transport.
	err := c.transport.Disconnect(ctx)
	c.mu.Lock()
	c.explicitOpen = false
	c.mu.Unlock()
	return err
}

// IsOpen reports whether the client holds an open connection.
func (c *Client) IsOpen() bool {
	return c.transport.IsConnected()
}

// LastError returns the classification of the most recent request's failure,
// or ErrNone.
func (c *Client) LastError() ErrCode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

// LastException returns the exception code of the most recent exception
// response, or 0.
func (c *Client) LastException() common.ExceptionCode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastExcept
}

// request performs one round trip: ensure the connection (auto-open), send,
// correlate, classify failures and record last-error / last-exception state.
// Pre-flight argument errors never reach here.
func (c *Client) request(ctx context.Context, fc common.FunctionCode, data []byte) (*transport.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	defer func() {
		if c.autoClose && !c.explicitOpen {
			c.transport.Disconnect(ctx)
		}
	}()

	// A peer may have dropped the connection since the last request; probing
	// here lets auto-open transparently redial instead of failing one
	// request against a dead socket.
	if c.transport.IsConnected() {
		if err := c.transport.Probe(); err != nil {
			c.logger.Debug("dropping stale connection", zap.Error(err))
		}
	}
	if !c.transport.IsConnected() {
		if !c.autoOpen {
			c.lastError = ErrSockClose
			return nil, common.ErrNotConnected
		}
		if err := c.transport.Connect(ctx); err != nil {
			c.lastError = classifyOpen(err)
			return nil, err
		}
	}

	resp, err := c.transport.Send(ctx, transport.NewRequest(c.unitID, fc, data))
	if err != nil {
		c.lastError = classifyExchange(err)
		return nil, err
	}
	if resp.IsException() {
		c.lastError = ErrException
		c.lastExcept = resp.ExceptionCode()
		return nil, resp.ToError()
	}

	c.lastError = ErrNone
	c.lastExcept = 0
	return resp, nil
}

// fail records a classification for a failure detected after the round trip
// (a malformed response payload).
func (c *Client) fail(code ErrCode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastError = code
}

// ReadCoils reads qty coils starting at start (FC 0x01).
func (c *Client) ReadCoils(ctx context.Context, start common.Address, qty common.Quantity) ([]bool, error) {
	data, err := c.codec.ReadCoilsRequest(start, qty)
	if err != nil {
		return nil, err
	}
	resp, err := c.request(ctx, common.FuncReadCoils, data)
	if err != nil {
		return nil, err
	}
	values, err := c.codec.ReadCoilsResponse(resp.PDU.Data, qty)
	if err != nil {
		c.fail(ErrRecv)
		return nil, err
	}
	return values, nil
}

// ReadDiscreteInputs reads qty discrete inputs starting at start (FC 0x02).
func (c *Client) ReadDiscreteInputs(ctx context.Context, start common.Address, qty common.Quantity) ([]bool, error) {
	data, err := c.codec.ReadDiscreteInputsRequest(start, qty)
	if err != nil {
		return nil, err
	}
	resp, err := c.request(ctx, common.FuncReadDiscreteInputs, data)
	if err != nil {
		return nil, err
	}
	values, err := c.codec.ReadDiscreteInputsResponse(resp.PDU.Data, qty)
	if err != nil {
		c.fail(ErrRecv)
		return nil, err
	}
	return values, nil
}

// ReadHoldingRegisters reads qty holding registers starting at start
// (FC 0x03).
func (c *Client) ReadHoldingRegisters(ctx context.Context, start common.Address, qty common.Quantity) ([]uint16, error) {
	data, err := c.codec.ReadHoldingRegistersRequest(start, qty)
	if err != nil {
		return nil, err
	}
	resp, err := c.request(ctx, common.FuncReadHoldingRegisters, data)
	if err != nil {
		return nil, err
	}
	values, err := c.codec.ReadHoldingRegistersResponse(resp.PDU.Data, qty)
	if err != nil {
		c.fail(ErrRecv)
		return nil, err
	}
	return values, nil
}

// ReadInputRegisters reads qty input registers starting at start (FC 0x04).
func (c *Client) ReadInputRegisters(ctx context.Context, start common.Address, qty common.Quantity) ([]uint16, error) {
	data, err := c.codec.ReadInputRegistersRequest(start, qty)
	if err != nil {
		return nil, err
	}
	resp, err := c.request(ctx, common.FuncReadInputRegisters, data)
	if err != nil {
		return nil, err
	}
	values, err := c.codec.ReadInputRegistersResponse(resp.PDU.Data, qty)
	if err != nil {
		c.fail(ErrRecv)
		return nil, err
	}
	return values, nil
}

// WriteSingleCoil writes one coil (FC 0x05).
func (c *Client) WriteSingleCoil(ctx context.Context, address common.Address, value bool) error {
	data, err := c.codec.WriteSingleCoilRequest(address, value)
	if err != nil {
		return err
	}
	resp, err := c.request(ctx, common.FuncWriteSingleCoil, data)
	if err != nil {
		return err
	}
	if _, _, err := c.codec.WriteSingleCoilResponse(resp.PDU.Data); err != nil {
		c.fail(ErrRecv)
		return err
	}
	return nil
}

// WriteSingleRegister writes one holding register (FC 0x06).
func (c *Client) WriteSingleRegister(ctx context.Context, address common.Address, value uint16) error {
	data, err := c.codec.WriteSingleRegisterRequest(address, value)
	if err != nil {
		return err
	}
	resp, err := c.request(ctx, common.FuncWriteSingleRegister, data)
	if err != nil {
		return err
	}
	if _, _, err := c.codec.WriteSingleRegisterResponse(resp.PDU.Data); err != nil {
		c.fail(ErrRecv)
		return err
	}
	return nil
}

// WriteMultipleCoils writes a run of coils starting at start (FC 0x0F).
func (c *Client) WriteMultipleCoils(ctx context.Context, start common.Address, values []bool) error {
	data, err := c.codec.WriteMultipleCoilsRequest(start, values)
	if err != nil {
		return err
	}
	resp, err := c.request(ctx, common.FuncWriteMultipleCoils, data)
	if err != nil {
		return err
	}
	if _, _, err := c.codec.WriteMultipleCoilsResponse(resp.PDU.Data); err != nil {
		c.fail(ErrRecv)
		return err
	}
	return nil
}

// WriteMultipleRegisters writes a run of holding registers starting at start
// (FC 0x10).
func (c *Client) WriteMultipleRegisters(ctx context.Context, start common.Address, values []uint16) error {
	data, err := c.codec.WriteMultipleRegistersRequest(start, values)
	if err != nil {
		return err
	}
	resp, err := c.request(ctx, common.FuncWriteMultipleRegisters, data)
	if err != nil {
		return err
	}
	if _, _, err := c.codec.WriteMultipleRegistersResponse(resp.PDU.Data); err != nil {
		c.fail(ErrRecv)
		return err
	}
	return nil
}

// ReadWriteMultipleRegisters writes writeValues at writeStart and reads
// readQty registers from readStart in one transaction (FC 0x17). The server
// applies the write before the read.
func (c *Client) ReadWriteMultipleRegisters(ctx context.Context, readStart common.Address, readQty common.Quantity, writeStart common.Address, writeValues []uint16) ([]uint16, error) {
	data, err := c.codec.ReadWriteMultipleRegistersRequest(readStart, readQty, writeStart, writeValues)
	if err != nil {
		return nil, err
	}
	resp, err := c.request(ctx, common.FuncReadWriteMultipleRegisters, data)
	if err != nil {
		return nil, err
	}
	values, err := c.codec.ReadWriteMultipleRegistersResponse(resp.PDU.Data, readQty)
	if err != nil {
		c.fail(ErrRecv)
		return nil, err
	}
	return values, nil
}

// ReadDeviceIdentification reads identification objects (FC 0x2B / MEI 0x0E).
func (c *Client) ReadDeviceIdentification(ctx context.Context, readCode common.ReadDeviceIDCode, objectID common.DeviceIDObjectCode) (*common.DeviceIdentification, error) {
	data, err := c.codec.ReadDeviceIdentificationRequest(readCode, objectID)
	if err != nil {
		return nil, err
	}
	resp, err := c.request(ctx, common.FuncReadDeviceIdentification, data)
	if err != nil {
		return nil, err
	}
	ident, err := c.codec.ReadDeviceIdentificationResponse(resp.PDU.Data)
	if err != nil {
		c.fail(ErrRecv)
		return nil, err
	}
	return ident, nil
}

// CustomRequest sends a raw PDU (function code byte included) and returns
// the raw response PDU. Exception responses are surfaced as errors, like any
// other request.
func (c *Client) CustomRequest(ctx context.Context, pdu []byte) (*common.PDU, error) {
	if len(pdu) == 0 || len(pdu) > common.MaxPDULength {
		return nil, fmt.Errorf("%w: pdu length %d", common.ErrInvalidValue, len(pdu))
	}
	resp, err := c.request(ctx, common.FunctionCode(pdu[0]), pdu[1:])
	if err != nil {
		return nil, err
	}
	return resp.PDU, nil
}
