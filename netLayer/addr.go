package netLayer

import (
	"net"
	"net/netip"
	"net/url"
	"strconv"
	"strings"

	"github.com/5l1v3r1/ssf/utils"
)

// Addr represents a destination reachable over TCP: either Name (domain) or
// IP is set, never both. Network records the transport: "tcp" for addresses
// built from host:port strings, or the scheme of a URL parsed by
// NewAddrByURL. The dial paths in this package always use TCP.
type Addr struct {
	Network string
	Name    string
	IP      net.IP
	Port    int
}

type HashableAddr struct {
	Network, Name string
	netip.AddrPort
}

func NewAddrFromTCPAddr(addr *net.TCPAddr) Addr {
	return Addr{
		IP:      addr.IP,
		Port:    addr.Port,
		Network: "tcp",
	}
}

// NewAddrFromNetAddr converts a net.Addr (as returned by Conn.RemoteAddr /
// LocalAddr) into an Addr.
func NewAddrFromNetAddr(na net.Addr) (Addr, error) {
	if ta, ok := na.(*net.TCPAddr); ok {
		return NewAddrFromTCPAddr(ta), nil
	}
	host, portStr, err := net.SplitHostPort(na.String())
	if err != nil {
		return Addr{}, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Addr{}, err
	}
	a := Addr{Port: port, Network: "tcp"}
	if ip := net.ParseIP(host); ip != nil {
		a.IP = ip
	} else {
		a.Name = host
	}
	return a, nil
}

// NewAddr parses "host:port"; a bare string with no colon is treated as a
// domain name with no port.
func NewAddr(addrStr string) (Addr, error) {
	if !strings.Contains(addrStr, ":") {
		return Addr{Name: addrStr}, nil
	}
	return NewAddrByHostPort(addrStr)
}

func NewAddrByHostPort(hostPortStr string) (Addr, error) {
	host, portStr, err := net.SplitHostPort(hostPortStr)
	if err != nil {
		return Addr{}, err
	}
	if host == "" {
		host = "127.0.0.1"
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Addr{}, err
	}

	a := Addr{Port: port, Network: "tcp"}
	if ip := net.ParseIP(host); ip != nil {
		a.IP = ip
	} else {
		a.Name = host
	}
	return a, nil
}

// NewAddrByURL parses e.g. "tcp://127.0.0.1:443". A unix:// URL keeps its
// socket path in Name.
func NewAddrByURL(addrStr string) (Addr, error) {
	u, err := url.Parse(addrStr)
	if err != nil {
		return Addr{}, err
	}
	if u.Scheme == "unix" {
		return Addr{Network: u.Scheme, Name: u.Host + u.Path}, nil
	}

	// An IPv6 literal without brackets ("::1:443"): the last colon starts
	// the port.
	host := u.Host
	if i := strings.LastIndex(host, ":"); i > 0 && strings.Count(host, ":") > 1 && !strings.HasPrefix(host, "[") {
		host = net.JoinHostPort(host[:i], host[i+1:])
	}

	a, err := NewAddrByHostPort(host)
	if err != nil {
		return Addr{}, err
	}
	if u.Scheme != "" {
		a.Network = u.Scheme
	}
	return a, nil
}

func (a *Addr) GetHashable() (ha HashableAddr) {
	theip := a.IP
	if i4 := a.IP.To4(); i4 != nil {
		theip = i4
	}
	ip, _ := netip.AddrFromSlice(theip)

	ha.AddrPort = netip.AddrPortFrom(ip, uint16(a.Port))
	ha.Network = a.Network
	ha.Name = a.Name
	return
}

// String returns a host:port string.
func (a *Addr) String() string {
	port := strconv.Itoa(a.Port)
	if a.IP == nil {
		return net.JoinHostPort(a.Name, port)
	}
	return net.JoinHostPort(a.IP.String(), port)
}

func (a *Addr) UrlString() string {
	network := a.Network
	if network == "" {
		network = "tcp"
	}
	return network + "://" + a.String()
}

func (a *Addr) IsEmpty() bool {
	return a.Name == "" && len(a.IP) == 0 && a.Network == "" && a.Port == 0
}

func (a *Addr) IsIpv6() bool {
	return a.IP != nil && a.IP.To4() == nil
}

func (a *Addr) GetNetIPAddr() (na netip.Addr) {
	if len(a.IP) < 1 {
		return
	}
	na, _ = netip.AddrFromSlice(a.IP)
	return
}

func (a *Addr) ToTCPAddr() *net.TCPAddr {
	ta, err := net.ResolveTCPAddr("tcp", a.String())
	if err != nil {
		return nil
	}
	return ta
}

// HostStr returns just the host portion, IP or domain.
func (a *Addr) HostStr() string {
	if a.IP == nil {
		return a.Name
	}
	return a.IP.String()
}

// RandPort returns a port in the dynamic range, optionally verified free by
// actually binding and releasing a listener.
func RandPort(mustValid bool, depth int) (p int) {
	p = int(utils.RandomEphemeralPort())
	if !mustValid {
		return
	}

	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(0, 0, 0, 0), Port: p})
	if listener != nil {
		listener.Close()
	}
	if err != nil {
		if depth < 20 {
			return RandPort(mustValid, depth+1)
		}
	}
	return
}

func RandPortStr(mustValid bool) string {
	return strconv.Itoa(RandPort(mustValid, 0))
}

func GetRandLocalAddr(mustValid bool) string {
	return "0.0.0.0:" + RandPortStr(mustValid)
}
