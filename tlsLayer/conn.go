package tlsLayer

import (
	"crypto/sha256"
	"crypto/x509"
	"net"
)

// Conn wraps a handshaken TLS connection, stdlib crypto/tls or utls. The two
// libraries expose incompatible ConnectionState types, so Conn carries a
// peerCert closure instead of embedding either concrete type directly.
type Conn struct {
	net.Conn
	tlsType  int
	peerCert func() *x509.Certificate
}

// PeerFingerprint returns the SHA-256 fingerprint of the peer's leaf
// certificate. Both sides of a mutually authenticated connection always have
// one once the handshake has completed; it is used to break simultaneous-SYN
// ties in the fiber layer (§4.4).
func (c *Conn) PeerFingerprint() [32]byte {
	if c.peerCert == nil {
		return [32]byte{}
	}
	cert := c.peerCert()
	if cert == nil {
		return [32]byte{}
	}
	return sha256.Sum256(cert.Raw)
}

// LocalFingerprint returns the SHA-256 fingerprint of this side's own leaf
// certificate, loaded straight from certConf rather than from the live
// connection (a side always knows its own cert before it dials/accepts).
// Used together with PeerFingerprint for the simultaneous-SYN tie-break.
func LocalFingerprint(certConf CertConf) [32]byte {
	certArray, err := GetCertArrayFromFile(certConf.CertFile, certConf.KeyFile)
	if err != nil || len(certArray) == 0 || len(certArray[0].Certificate) == 0 {
		return [32]byte{}
	}
	return sha256.Sum256(certArray[0].Certificate[0])
}
