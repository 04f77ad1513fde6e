// Package netLayer implements the L0 physical layer: plain TCP dial/listen
// and socket option tuning. PROXY protocol framing on inbound connections is
// handled by machine, which wraps the listener with
// github.com/pires/go-proxyproto.
package netLayer

import (
	"io"
	"log"
	"net"
	"syscall"

	"github.com/5l1v3r1/ssf/utils"
	"go.uber.org/zap"
)

var (
	machineCanConnectToIpv6 bool

	ErrMachineCantConnectToIpv6 = utils.NumErr{Prefix: "ErrMachineCantConnectToIpv6"}
)

// Prepare caches whether this host has a usable IPv6 interface, so dial
// failures against IPv6 literals can be rejected quickly.
func Prepare() {
	machineCanConnectToIpv6 = HasIpv6Interface()
}

func HasIpv6Interface() bool {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		if ce := utils.CanLogErr("call net.InterfaceAddrs failed"); ce != nil {
			ce.Write(zap.Error(err))
		} else {
			log.Println("call net.InterfaceAddrs failed", err)
		}
		return false
	}

	for _, address := range addrs {
		if ipnet, ok := address.(*net.IPNet); ok && !ipnet.IP.IsLoopback() && !ipnet.IP.IsPrivate() && !ipnet.IP.IsLinkLocalUnicast() {
			if ipnet.IP.To4() == nil {
				return true
			}
		}
	}
	return false
}

func IsBasicConn(r interface{}) bool {
	_, ok := r.(syscall.Conn)
	return ok
}

func GetRawConn(reader io.Reader) syscall.RawConn {
	sc, ok := reader.(syscall.Conn)
	if !ok {
		return nil
	}
	rawConn, err := sc.SyscallConn()
	if err != nil {
		if ce := utils.CanLogDebug("can't convert syscall.Conn to syscall.RawConn"); ce != nil {
			ce.Write(zap.Any("reader", reader), zap.Error(err))
		}
		return nil
	}
	return rawConn
}
