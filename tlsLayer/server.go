package tlsLayer

import (
	"crypto/tls"
	"crypto/x509"
	"net"
	"slices"

	"github.com/5l1v3r1/ssf/utils"
)

// Server performs the L2 server-side handshake. Mutual authentication
// (client certificate required) is enabled whenever Conf.CertConf.CA is set,
// per §1's "authentication of users beyond mutual X.509" non-goal: X.509 is
// the only auth this layer provides.
type Server struct {
	tlsConfig *tls.Config
}

func NewServer(conf Conf) *Server {
	if conf.AlpnList == nil {
		conf.AlpnList = []string{"http/1.1", "h2"}
	} else {
		if !slices.Contains(conf.AlpnList, "http/1.1") {
			conf.AlpnList = append(conf.AlpnList, "http/1.1")
		}
		if !slices.Contains(conf.AlpnList, "h2") {
			conf.AlpnList = append(conf.AlpnList, "h2")
		}
	}

	return &Server{tlsConfig: GetTlsConfig(true, conf)}
}

func (s *Server) Handshake(underlay net.Conn) (result *Conn, err error) {
	rawTlsConn := tls.Server(underlay, s.tlsConfig)
	if err = rawTlsConn.Handshake(); err != nil {
		err = utils.ErrInErr{ErrDesc: "tls handshake failed", ErrDetail: err}
		return
	}

	result = &Conn{
		Conn:    rawTlsConn,
		tlsType: Tls_t,
		peerCert: func() *x509.Certificate {
			certs := rawTlsConn.ConnectionState().PeerCertificates
			if len(certs) == 0 {
				return nil
			}
			return certs[0]
		},
	}
	return
}
