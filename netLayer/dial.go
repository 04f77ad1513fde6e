package netLayer

import (
	"net"
	"syscall"
	"time"
)

// Dial opens a plain TCP connection to addr. Higher layers (httpproxy,
// tlslayer) wrap the returned net.Conn rather than this method knowing
// about them.
func (addr *Addr) Dial() (net.Conn, error) {
	if addr.Network == "" {
		addr.Network = "tcp"
	}

	if addr.IP != nil {
		if addr.IP.To4() == nil {
			if !machineCanConnectToIpv6 {
				return nil, ErrMachineCantConnectToIpv6
			}
			return net.DialTCP("tcp6", nil, &net.TCPAddr{IP: addr.IP, Port: addr.Port})
		}
		return net.DialTCP("tcp4", nil, &net.TCPAddr{IP: addr.IP, Port: addr.Port})
	}

	return net.DialTimeout("tcp", addr.String(), 15*time.Second)
}

// DialWithOpt dials while applying the given socket options (mark, bind
// device, BBR congestion control) via the connection's Control callback.
func (addr Addr) DialWithOpt(sockopt *Sockopt) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: 8 * time.Second}
	dialer.Control = func(network, address string, c syscall.RawConn) error {
		return c.Control(func(fd uintptr) {
			SetSockOpt(int(fd), sockopt, false, addr.IP.To4() == nil)
		})
	}

	return dialer.Dial("tcp", addr.String())
}
