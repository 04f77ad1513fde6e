package tlsLayer

import (
	"errors"
	"io/ioutil"
	mathrand "math/rand"

	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"time"

	"github.com/biter777/countries"
	"github.com/5l1v3r1/ssf/utils"
	"go.uber.org/zap"
)

var ErrCAFileWrong = errors.New("ca file is somehow wrong")

// CertConf names the files behind a peer's TLS identity. CA, when set, is
// the bundle the far side's certificate is verified against (see
// GetTlsConfig); without it a server asks for no client certificate and a
// client verifies against the system roots. Leaf fingerprints are used
// only for the fiber layer's simultaneous-SYN tie-break (§4.4).
type CertConf struct {
	CA                string
	CertFile, KeyFile string
}

func LoadCA(caFile string) (cp *x509.CertPool, err error) {
	if caFile == "" {
		err = utils.ErrNilParameter
		return
	}
	cp = x509.NewCertPool()
	data, err := ioutil.ReadFile(caFile)
	if err != nil {
		return nil, err
	}
	if !cp.AppendCertsFromPEM(data) {
		return nil, ErrCAFileWrong
	}
	return
}

// generateRandomLeafCertKey mints a self-signed ECDSA P-256 leaf, good for a
// year, with no relation to any real identity. A fresh demux peer that
// wasn't handed an explicit cert/key pair gets one of these: its only job is
// to hand the handshake something to hash into a fingerprint, so the subject
// fields just need to look like a plausible cert rather than identify
// anything.
func generateRandomLeafCertKey() (certPEM []byte, keyPEM []byte) {
	clist := countries.All()
	country := clist[mathrand.Intn(len(clist))]

	orgName := utils.GetRandomWord()

	if ce := utils.CanLogInfo("generating random self-signed peer identity"); ce != nil {
		ce.Write(zap.String("country", country.Info().Name), zap.String("org", orgName))
	}

	subject := pkix.Name{
		Country:            []string{country.Alpha2()},
		Province:           []string{country.Capital().String()},
		Organization:       []string{orgName},
		OrganizationalUnit: []string{""},
		CommonName:         orgName + ".ssf.local",
	}

	max := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, _ := rand.Int(rand.Reader, max)
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject:      subject,
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}

	rootKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		panic(err)
	}

	b, err := x509.MarshalECPrivateKey(rootKey)
	if err != nil {
		panic(err)
	}
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: b})
	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &rootKey.PublicKey, rootKey)
	if err != nil {
		panic(err)
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	return
}

// GenerateRandomTLSCert mints a random self-signed identity and returns it
// ready to install on a tls.Config.
func GenerateRandomTLSCert() []tls.Certificate {
	tlsCert, err := tls.X509KeyPair(generateRandomLeafCertKey())
	if err != nil {
		panic(err)
	}
	return []tls.Certificate{tlsCert}
}

// GenerateRandomCertKeyFiles mints a random self-signed identity and writes
// it to cfn/kfn, for callers (tests, first-run bootstrapping) that want a
// stable identity across restarts instead of a fresh one every handshake.
func GenerateRandomCertKeyFiles(cfn, kfn string) error {
	cb, kb := generateRandomLeafCertKey()

	certOut, err := os.Create(cfn)
	if err != nil {
		return err
	}
	defer certOut.Close()
	if _, err := certOut.Write(cb); err != nil {
		return err
	}

	kOut, err := os.Create(kfn)
	if err != nil {
		return err
	}
	defer kOut.Close()
	_, err = kOut.Write(kb)
	return err
}

// GetCertArrayFromFile loads certFile/keyFile if both are given, falling
// back to a freshly generated random identity otherwise (or if loading
// fails).
func GetCertArrayFromFile(certFile, keyFile string) (certArray []tls.Certificate, err error) {
	if certFile != "" && keyFile != "" {

		certFile = utils.GetFilePath(certFile)
		keyFile = utils.GetFilePath(keyFile)

		cert, err := tls.LoadX509KeyPair(utils.GetFilePath(certFile), utils.GetFilePath(keyFile))
		if err != nil {

			if ce := utils.CanLogErr("GetCertArrayFromFile failed, will use generated random cert in memory"); ce != nil {
				ce.Write(zap.Error(err))
			}

			certArray = GenerateRandomTLSCert()
			err = nil

		} else {
			certArray = []tls.Certificate{cert}

		}
	} else {
		if ce := utils.CanLogDebug("GetCertArrayFromFile generating random cert in memory"); ce != nil {
			ce.Write()
		}
		certArray = GenerateRandomTLSCert()
	}

	return
}
