// Package socksproxy implements the L1-alt outbound layer: dialing the next
// hop through a SOCKS4 or SOCKS5 proxy, per config section ssf.socks_proxy.
// It sits at the same place in the stack as httpproxy and is mutually
// exclusive with it (a stack descriptor selects one or the other).
package socksproxy

import (
	"fmt"
	"net"

	"github.com/5l1v3r1/ssf/sserr"
	"golang.org/x/net/proxy"
)

// Conf mirrors config section ssf.socks_proxy.
type Conf struct {
	Version int // 4 or 5
	Host    string
	Port    int
}

// Layer dials targetHost:targetPort through the configured SOCKS proxy.
type Layer struct {
	conf   Conf
	target string
}

func NewLayer(conf Conf, targetHost string, targetPort int) *Layer {
	return &Layer{conf: conf, target: net.JoinHostPort(targetHost, fmt.Sprint(targetPort))}
}

// Connect dials through the proxy, replacing underlay: unlike httpproxy and
// tlsLayer, a SOCKS proxy handshake fully owns the TCP connect (the proxy
// dials the target, not us), so this layer is given the proxy address
// directly instead of an already-open underlay connection.
func (l *Layer) Connect() (net.Conn, error) {
	proxyAddr := net.JoinHostPort(l.conf.Host, fmt.Sprint(l.conf.Port))

	switch l.conf.Version {
	case 5, 0:
		dialer, err := proxy.SOCKS5("tcp", proxyAddr, nil, proxy.Direct)
		if err != nil {
			return nil, sserr.ErrInvalidArgument
		}
		conn, err := dialer.Dial("tcp", l.target)
		if err != nil {
			return nil, sserr.ErrConnectionRefused
		}
		return conn, nil
	case 4:
		return dialSocks4(proxyAddr, l.target)
	default:
		return nil, sserr.ErrInvalidArgument
	}
}

// dialSocks4 speaks the minimal SOCKS4 CONNECT handshake (no auth, no
// domain-name variant) since x/net/proxy only implements SOCKS5.
func dialSocks4(proxyAddr, target string) (net.Conn, error) {
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return nil, sserr.ErrInvalidArgument
	}
	var port int
	fmt.Sscanf(portStr, "%d", &port)

	ip := net.ParseIP(host)
	if ip == nil {
		addrs, rErr := net.LookupIP(host)
		if rErr != nil || len(addrs) == 0 {
			return nil, sserr.ErrConnectionRefused
		}
		ip = addrs[0]
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return nil, sserr.ErrInvalidArgument // SOCKS4 has no IPv6 form
	}

	conn, err := net.Dial("tcp", proxyAddr)
	if err != nil {
		return nil, sserr.ErrConnectionRefused
	}

	req := make([]byte, 0, 9)
	req = append(req, 0x04, 0x01)
	req = append(req, byte(port>>8), byte(port))
	req = append(req, ip4...)
	req = append(req, 0x00) // empty user-id, null-terminated

	if _, err := conn.Write(req); err != nil {
		conn.Close()
		return nil, err
	}

	resp := make([]byte, 8)
	if _, err := readFull(conn, resp); err != nil {
		conn.Close()
		return nil, err
	}
	if resp[1] != 0x5a { // 90 = request granted
		conn.Close()
		return nil, sserr.ErrProxyRejected
	}
	return conn, nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
