package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sourceperl/gomodbustcp/common"
)

// startMockServer runs handle on every accepted connection until the test
// ends.
func startMockServer(t *testing.T, handle func(net.Conn)) int {
	t.Helper()
	listener, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go handle(conn)
		}
	}()
	return listener.Addr().(*net.TCPAddr).Port
}

// echoFrames answers every request with an identically-addressed frame.
func echoFrames(conn net.Conn) {
	defer conn.Close()
	for {
		frame, err := ReadFrame(conn)
		if err != nil {
			return
		}
		data, err := frame.Encode()
		if err != nil {
			return
		}
		if _, err := conn.Write(data); err != nil {
			return
		}
	}
}

func newTestTransport(t *testing.T, port int) *TCPTransport {
	t.Helper()
	tr := NewTCPTransport("127.0.0.1", WithPort(port), WithTimeout(2*time.Second))
	t.Cleanup(func() { tr.Disconnect(context.Background()) })
	return tr
}

func TestSendEcho(t *testing.T) {
	port := startMockServer(t, echoFrames)
	tr := newTestTransport(t, port)

	ctx := context.Background()
	require.NoError(t, tr.Connect(ctx))
	assert.True(t, tr.IsConnected())
	assert.ErrorIs(t, tr.Connect(ctx), common.ErrAlreadyConnected)

	req := NewRequest(1, common.FuncWriteSingleRegister, []byte{0x00, 0x01, 0x00, 0x02})
	resp, err := tr.Send(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, req.TransactionID, resp.TransactionID)
	assert.Equal(t, common.UnitID(1), resp.UnitID)
	assert.Equal(t, req.PDU.Data, resp.PDU.Data)
	assert.False(t, resp.IsException())

	// Transaction IDs differ between consecutive requests.
	first := req.TransactionID
	req2 := NewRequest(1, common.FuncWriteSingleRegister, []byte{0x00, 0x01, 0x00, 0x02})
	_, err = tr.Send(ctx, req2)
	require.NoError(t, err)
	assert.NotEqual(t, first, req2.TransactionID)
}

func TestSendNotConnected(t *testing.T) {
	tr := NewTCPTransport("127.0.0.1", WithPort(1502))
	_, err := tr.Send(context.Background(), NewRequest(1, common.FuncReadCoils, []byte{0, 0, 0, 1}))
	assert.ErrorIs(t, err, common.ErrNotConnected)
}

func TestSendCorrelationMismatch(t *testing.T) {
	port := startMockServer(t, func(conn net.Conn) {
		defer conn.Close()
		for {
			frame, err := ReadFrame(conn)
			if err != nil {
				return
			}
			frame.TransactionID++
			data, _ := frame.Encode()
			if _, err := conn.Write(data); err != nil {
				return
			}
		}
	})
	tr := newTestTransport(t, port)

	ctx := context.Background()
	require.NoError(t, tr.Connect(ctx))

	_, err := tr.Send(ctx, NewRequest(1, common.FuncReadCoils, []byte{0, 0, 0, 1}))
	assert.ErrorIs(t, err, common.ErrBadCorrelation)
	// The socket is closed to resynchronize framing.
	assert.False(t, tr.IsConnected())
}

func TestSendTimeout(t *testing.T) {
	port := startMockServer(t, func(conn net.Conn) {
		defer conn.Close()
		// Swallow the request, never answer.
		buf := make([]byte, 256)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	})
	tr := NewTCPTransport("127.0.0.1", WithPort(port), WithTimeout(100*time.Millisecond))
	t.Cleanup(func() { tr.Disconnect(context.Background()) })

	ctx := context.Background()
	require.NoError(t, tr.Connect(ctx))

	_, err := tr.Send(ctx, NewRequest(1, common.FuncReadCoils, []byte{0, 0, 0, 1}))
	require.ErrorIs(t, err, common.ErrRecvFailed)
	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout())
	assert.False(t, tr.IsConnected())
}

func TestSendBadFrame(t *testing.T) {
	port := startMockServer(t, func(conn net.Conn) {
		defer conn.Close()
		if _, err := ReadFrame(conn); err != nil {
			return
		}
		// Non-zero protocol ID.
		conn.Write([]byte{0x00, 0x01, 0x00, 0x01, 0x00, 0x03, 0x01, 0x83, 0x02})
	})
	tr := newTestTransport(t, port)

	ctx := context.Background()
	require.NoError(t, tr.Connect(ctx))

	_, err := tr.Send(ctx, NewRequest(1, common.FuncReadCoils, []byte{0, 0, 0, 1}))
	assert.ErrorIs(t, err, common.ErrBadFrame)
	assert.False(t, tr.IsConnected())
}

func TestProbeDetectsPeerClose(t *testing.T) {
	port := startMockServer(t, func(conn net.Conn) {
		conn.Close()
	})
	tr := newTestTransport(t, port)

	ctx := context.Background()
	require.NoError(t, tr.Connect(ctx))

	// Give the FIN time to arrive on loopback.
	time.Sleep(50 * time.Millisecond)

	err := tr.Probe()
	assert.Error(t, err)
	assert.False(t, tr.IsConnected())
}

func TestProbeAliveConnection(t *testing.T) {
	port := startMockServer(t, echoFrames)
	tr := newTestTransport(t, port)

	ctx := context.Background()
	require.NoError(t, tr.Connect(ctx))
	assert.NoError(t, tr.Probe())
	assert.True(t, tr.IsConnected())
}

func TestSetEndpointClosesConnection(t *testing.T) {
	port := startMockServer(t, echoFrames)
	tr := newTestTransport(t, port)

	require.NoError(t, tr.Connect(context.Background()))
	tr.SetEndpoint("127.0.0.1", port+1)
	assert.False(t, tr.IsConnected())
}
