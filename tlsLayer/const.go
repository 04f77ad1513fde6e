package tlsLayer

import "crypto/tls"

// Tls_type selects the client-side handshake implementation.
const (
	Tls_t  = iota // stdlib crypto/tls
	UTls_t        // github.com/refraction-networking/utls, for fingerprint camouflage
)

// Conf gathers everything GetTlsConfig needs to build a *tls.Config for
// either role. Host is the SNI/verification name on the client side; the
// server side does not use it.
type Conf struct {
	Host     string
	Insecure bool
	AlpnList []string

	CertConf *CertConf

	MinVersion   uint16
	CipherSuites []uint16

	Tls_type        int
	UtlsFingerprint string // "chrome", "firefox", "ios", "safari", "golang", "android", "360", "edge", "random"
}

// GetTlsConfig builds a *tls.Config for the given role. When conf.CertConf
// names a CA file, mutual authentication is turned on: a server requires and
// verifies a client certificate, and a client trusts only that CA and
// presents its own leaf certificate.
func GetTlsConfig(isServer bool, conf Conf) *tls.Config {
	tConf := &tls.Config{
		InsecureSkipVerify: conf.Insecure,
		NextProtos:         conf.AlpnList,
		MinVersion:         conf.MinVersion,
		CipherSuites:       conf.CipherSuites,
	}
	if tConf.MinVersion == 0 {
		tConf.MinVersion = tls.VersionTLS12
	}

	var certConf CertConf
	if conf.CertConf != nil {
		certConf = *conf.CertConf
	}

	certArray, err := GetCertArrayFromFile(certConf.CertFile, certConf.KeyFile)
	if err == nil {
		tConf.Certificates = certArray
	}

	if certConf.CA != "" {
		cp, caErr := LoadCA(certConf.CA)
		if caErr == nil {
			if isServer {
				tConf.ClientCAs = cp
				tConf.ClientAuth = tls.RequireAndVerifyClientCert
			} else {
				tConf.RootCAs = cp
			}
		}
	}

	if !isServer {
		tConf.ServerName = conf.Host
	}

	return tConf
}
