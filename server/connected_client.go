package server

import (
	"fmt"
	"net"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sourceperl/gomodbustcp/common"
)

// clientConn is the per-connection tracking state. It holds atomics and a
// net.Conn, so it must not be copied.
type clientConn struct {
	remoteAddr  string
	connectedAt time.Time
	conn        net.Conn
	rxCount     atomic.Uint64
	txCount     atomic.Uint64
	fcCount     [256]atomic.Uint64
}

func newClientConn(conn net.Conn) *clientConn {
	return &clientConn{
		remoteAddr:  conn.RemoteAddr().String(),
		connectedAt: time.Now(),
		conn:        conn,
	}
}

func (c *clientConn) noteRx(fc common.FunctionCode) {
	c.rxCount.Add(1)
	c.fcCount[byte(fc)].Add(1)
}

func (c *clientConn) noteTx() {
	c.txCount.Add(1)
}

// snapshot copies the counters into an exportable value.
func (c *clientConn) snapshot() ConnectedClient {
	stats := make(map[common.FunctionCode]uint64)
	for i := range c.fcCount {
		if v := c.fcCount[i].Load(); v > 0 {
			stats[common.FunctionCode(i)] = v
		}
	}
	return ConnectedClient{
		RemoteAddr:        c.remoteAddr,
		ConnectedAt:       c.connectedAt,
		RxTransactions:    c.rxCount.Load(),
		TxTransactions:    c.txCount.Load(),
		FunctionCodeStats: stats,
	}
}

// ConnectedClient is a point-in-time snapshot of one connection's state.
// Returned by TCPServer.ConnectedClients; safe to copy and store.
type ConnectedClient struct {
	// RemoteAddr is the peer's ip:port.
	RemoteAddr string

	// ConnectedAt is when the connection was accepted.
	ConnectedAt time.Time

	// RxTransactions counts requests received on this connection.
	RxTransactions uint64

	// TxTransactions counts responses sent on this connection.
	TxTransactions uint64

	// FunctionCodeStats counts received requests per function code; only
	// non-zero entries are present.
	FunctionCodeStats map[common.FunctionCode]uint64
}

// String returns a one-line summary of the connection.
func (c ConnectedClient) String() string {
	s := fmt.Sprintf("%s | connected %s | rx: %d tx: %d",
		c.RemoteAddr, time.Since(c.ConnectedAt).Truncate(time.Second),
		c.RxTransactions, c.TxTransactions)
	if len(c.FunctionCodeStats) > 0 {
		codes := make([]common.FunctionCode, 0, len(c.FunctionCodeStats))
		for fc := range c.FunctionCodeStats {
			codes = append(codes, fc)
		}
		sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })
		parts := make([]string, 0, len(codes))
		for _, fc := range codes {
			parts = append(parts, fmt.Sprintf("%s=%d", fc, c.FunctionCodeStats[fc]))
		}
		s += " | fc: " + strings.Join(parts, " ")
	}
	return s
}

// ConnectedClients returns a snapshot of every live connection.
func (s *TCPServer) ConnectedClients() []ConnectedClient {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	out := make([]ConnectedClient, 0, len(s.clients))
	for _, cc := range s.clients {
		out = append(out, cc.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RemoteAddr < out[j].RemoteAddr })
	return out
}
