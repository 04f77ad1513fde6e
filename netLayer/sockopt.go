package netLayer

import (
	"net"
	"os"
)

// Sockopt carries low-level dial/listen tuning knobs, set per hop from
// config.
type Sockopt struct {
	TProxy bool   `json:"tproxy,omitempty"`
	Somark int    `json:"mark,omitempty"`
	Device string `json:"device,omitempty"`
	BBR    bool   `json:"bbr,omitempty"`
}

// ListenerWithFile is satisfied by *net.TCPListener.
type ListenerWithFile interface {
	net.Listener
	File() (f *os.File, err error)
}

// ConnWithFile is satisfied by *net.TCPConn.
type ConnWithFile interface {
	net.Conn
	File() (f *os.File, err error)
}

func SetSockOptForListener(tcplistener ListenerWithFile, sockopt *Sockopt, isudp bool, isipv6 bool) {
	fileDescriptorSource, err := tcplistener.File()
	if err != nil {
		return
	}
	defer fileDescriptorSource.Close()
	SetSockOpt(int(fileDescriptorSource.Fd()), sockopt, isudp, isipv6)
}

// SetSockOpt is platform-specific; see sockopt_linux.go, sockopt_darwin.go,
// sockopt_windows.go.
