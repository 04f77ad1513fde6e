package tlsLayer

import (
	"crypto/tls"
	"crypto/x509"
	"net"
	"strings"

	"github.com/5l1v3r1/ssf/utils"
	utls "github.com/refraction-networking/utls"
	"go.uber.org/zap"
)

// Client performs the L2 client-side handshake. By default it uses stdlib
// crypto/tls; when Conf.Tls_type is UTls_t it instead drives a
// github.com/refraction-networking/utls handshake with a chosen ClientHello
// fingerprint, for operators who need the outer TLS record to resemble a
// particular browser rather than Go's own default fingerprint.
type Client struct {
	tlsConfig *tls.Config

	uTlsConfig      utls.Config
	tlsType         int
	utlsFingerprint utls.ClientHelloID
}

func NewClient(conf Conf) *Client {
	c := &Client{tlsType: conf.Tls_type}

	switch conf.Tls_type {
	case UTls_t:
		c.uTlsConfig = GetUTlsConfig(conf)
		c.utlsFingerprint = utlsFingerprintByName(conf.UtlsFingerprint)

		if ce := utils.CanLogInfo("using utls for fingerprint camouflage"); ce != nil {
			ce.Write(zap.String("host", conf.Host), zap.String("fingerprint", conf.UtlsFingerprint))
		}
	default:
		c.tlsConfig = GetTlsConfig(false, conf)
	}

	return c
}

func utlsFingerprintByName(name string) utls.ClientHelloID {
	switch strings.ToLower(name) {
	case "firefox":
		return utls.HelloFirefox_Auto
	case "ios":
		return utls.HelloIOS_Auto
	case "safari":
		return utls.HelloSafari_Auto
	case "golang":
		return utls.HelloGolang
	case "android":
		return utls.HelloAndroid_11_OkHttp
	case "360":
		return utls.Hello360_Auto
	case "edge":
		return utls.HelloEdge_Auto
	case "random":
		return utls.HelloRandomized
	case "chrome", "":
		fallthrough
	default:
		return utls.HelloChrome_Auto
	}
}

// GetUTlsConfig copies Insecure, Host and AlpnList into a utls.Config; the
// certificate, CA and version settings that GetTlsConfig applies are not
// carried over.
func GetUTlsConfig(conf Conf) utls.Config {
	return utls.Config{
		InsecureSkipVerify: conf.Insecure,
		ServerName:         conf.Host,
		NextProtos:         conf.AlpnList,
	}
}

// Handshake performs the TLS handshake over underlay and returns the
// resulting Conn. The caller already established the next (TCP or HTTP
// proxy) layer connection per §4.1's "connect next layer, then handshake"
// contract.
func (c *Client) Handshake(underlay net.Conn) (result *Conn, err error) {
	switch c.tlsType {
	case UTls_t:
		// utls.Config can't be reused across handshakes (it mutates on use),
		// so each Handshake gets its own copy.
		configCopy := c.uTlsConfig.Clone()
		fp := c.utlsFingerprint
		if (fp == utls.ClientHelloID{}) {
			fp = utls.HelloChrome_Auto
		}

		utlsConn := utls.UClient(underlay, configCopy, fp)
		if err = utlsConn.Handshake(); err != nil {
			err = utils.ErrInErr{ErrDesc: "utls handshake failed", ErrDetail: err}
			return
		}
		result = &Conn{
			Conn:    utlsConn,
			tlsType: UTls_t,
			peerCert: func() *x509.Certificate {
				certs := utlsConn.ConnectionState().PeerCertificates
				if len(certs) == 0 {
					return nil
				}
				return certs[0]
			},
		}
		return result, nil
	default:
		officialConn := tls.Client(underlay, c.tlsConfig)
		if err = officialConn.Handshake(); err != nil {
			err = utils.ErrInErr{ErrDesc: "tls handshake failed", ErrDetail: err}
			return
		}
		result = &Conn{
			Conn:    officialConn,
			tlsType: Tls_t,
			peerCert: func() *x509.Certificate {
				certs := officialConn.ConnectionState().PeerCertificates
				if len(certs) == 0 {
					return nil
				}
				return certs[0]
			},
		}
		return result, nil
	}
}
