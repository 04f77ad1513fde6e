package machine

import (
	"net"
	"strconv"

	"github.com/5l1v3r1/ssf/config"
	"github.com/5l1v3r1/ssf/httpproxy"
	"github.com/5l1v3r1/ssf/netLayer"
	"github.com/5l1v3r1/ssf/socksproxy"
	"github.com/5l1v3r1/ssf/tlsLayer"
)

func certConfFromConfig(conf *config.Root) tlsLayer.CertConf {
	return tlsLayer.CertConf{
		CA:       conf.SSF.TLS.CACertPath,
		CertFile: conf.SSF.TLS.CertPath,
		KeyFile:  conf.SSF.TLS.KeyPath,
	}
}

// tlsConfFromConfig builds a tlsLayer.Conf from ssf.tls. CipherAlg is
// accepted by config but left unmapped: no corpus repo ties a named cipher
// string to a concrete cipher-suite list, so the default (stdlib's own
// vetted suite set) is used instead of inventing a mapping table.
func tlsConfFromConfig(conf *config.Root) tlsLayer.Conf {
	cc := certConfFromConfig(conf)
	return tlsLayer.Conf{
		CertConf: &cc,
	}
}

// sockoptFromConfig maps ssf.sockopt onto netLayer.Sockopt. TProxy is a
// listener-side knob (transparent-proxy interception) with nothing in the
// config schema to drive it — this engine's inbound stack is always a plain
// TLS listener (§4.1), never a TPROXY redirect target — so it's left unset.
func sockoptFromConfig(conf *config.Root) *netLayer.Sockopt {
	so := conf.SSF.Sockopt
	if so == nil {
		return nil
	}
	return &netLayer.Sockopt{
		Somark: so.Mark,
		Device: so.Device,
		BBR:    so.BBR,
	}
}

// dialAddr dials addr plainly, or through sockopt's tuning (mark, bind
// device, BBR congestion control) when ssf.sockopt is configured.
func dialAddr(addr netLayer.Addr, sockopt *netLayer.Sockopt) (net.Conn, error) {
	if sockopt != nil {
		return addr.DialWithOpt(sockopt)
	}
	return addr.Dial()
}

// dialUnderlay establishes the L0/L1 connection to ssf.dial_addr: plain TCP,
// or through whichever of ssf.http_proxy/ssf.socks_proxy is configured
// (§4.1's "connect next layer" contract; the two proxy sections are
// validated mutually exclusive by config.Validate). ssf.sockopt, when set,
// tunes the plain TCP and HTTP-proxy dials (§5's "TCP socket buffers"
// back-pressure level); on the SOCKS path socksproxy dials the proxy itself,
// without it. A circuit's first hop is dialed through this function; later
// hops are tunnelled through the previous one rather than dialed.
func dialUnderlay(conf *config.Root) (net.Conn, error) {
	targetAddr, err := netLayer.NewAddrByHostPort(conf.SSF.DialAddr)
	if err != nil {
		return nil, err
	}
	sockopt := sockoptFromConfig(conf)

	if hp := conf.SSF.HTTPProxy; hp != nil {
		proxyAddr, err := netLayer.NewAddrByHostPort(net.JoinHostPort(hp.Host, strconv.Itoa(hp.Port)))
		if err != nil {
			return nil, err
		}
		underlay, err := dialAddr(proxyAddr, sockopt)
		if err != nil {
			return nil, err
		}
		layer := httpproxy.NewLayer(httpproxy.Conf{
			Host:                     hp.Host,
			Port:                     hp.Port,
			Username:                 hp.Username,
			Domain:                   hp.Domain,
			Password:                 hp.Password,
			UserAgent:                hp.UserAgent,
			ReuseNTLMCredentials:     hp.ReuseNTLMCredentials,
			ReuseKerberosCredentials: hp.ReuseKerberosCredentials,
		}, targetAddr.HostStr(), targetAddr.Port)
		return layer.Connect(underlay)
	}

	if sp := conf.SSF.SocksProxy; sp != nil {
		layer := socksproxy.NewLayer(socksproxy.Conf{
			Version: sp.Version,
			Host:    sp.Host,
			Port:    sp.Port,
		}, targetAddr.HostStr(), targetAddr.Port)
		return layer.Connect()
	}

	return dialAddr(targetAddr, sockopt)
}
