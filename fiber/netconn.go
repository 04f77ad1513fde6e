package fiber

import (
	"fmt"
	"net"
	"time"
)

// netConn thinly wraps a *Fiber so it looks enough like net.Conn to satisfy
// APIs that insist on one (armon/go-socks5's ServeConn, a nested L2 TLS
// handshake dialed over a circuit hop). Grounded on sammck-go-wstunnel's
// channelWrapper (share/channel_conn_to_net_conn.go), which does exactly
// this for the same reason: deadlines are no-ops and the address methods
// return the wrapper itself, since a fiber has no real network address.
type netConn struct {
	*Fiber
}

// NewNetConn adapts fib to net.Conn.
func NewNetConn(fib *Fiber) net.Conn {
	return &netConn{Fiber: fib}
}

func (c *netConn) LocalAddr() net.Addr  { return c }
func (c *netConn) RemoteAddr() net.Addr { return c }
func (c *netConn) Network() string      { return "fiber" }
func (c *netConn) String() string {
	return fmt.Sprintf("fiber:%d<->%d", c.Fiber.LocalPort(), c.Fiber.RemotePort())
}

func (c *netConn) SetDeadline(t time.Time) error      { return nil }
func (c *netConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *netConn) SetWriteDeadline(t time.Time) error { return nil }
