package machine

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/5l1v3r1/ssf/config"
	"github.com/5l1v3r1/ssf/fiber"
	"github.com/5l1v3r1/ssf/netLayer"
	"github.com/5l1v3r1/ssf/tlsLayer"
)

// genIdentity writes a fresh self-signed cert/key pair to dir and returns
// the cert and key file paths plus the raw cert PEM bytes (for building CA
// trust bundles out of other identities' certs).
func genIdentity(t *testing.T, dir, name string) (certPath, keyPath string, certPEM []byte) {
	t.Helper()
	certPath = filepath.Join(dir, name+".cert.pem")
	keyPath = filepath.Join(dir, name+".key.pem")
	if err := tlsLayer.GenerateRandomCertKeyFiles(certPath, keyPath); err != nil {
		t.Fatalf("GenerateRandomCertKeyFiles(%s): %v", name, err)
	}
	data, err := os.ReadFile(certPath)
	if err != nil {
		t.Fatalf("ReadFile(%s): %v", certPath, err)
	}
	return certPath, keyPath, data
}

func writeCABundle(t *testing.T, dir, name string, certsPEM ...[]byte) string {
	t.Helper()
	path := filepath.Join(dir, name+".ca.pem")
	var bundle []byte
	for _, c := range certsPEM {
		bundle = append(bundle, c...)
	}
	if err := os.WriteFile(path, bundle, 0o600); err != nil {
		t.Fatalf("WriteFile(%s): %v", path, err)
	}
	return path
}

// waitListener polls m's internal listener field until StartServer has bound
// it, so the test can learn the ephemeral port a "host:0" ListenAddr resolved
// to. In-package test, so direct field access is fine.
func waitListener(t *testing.T, m *M) net.Listener {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		ln := m.listener
		m.mu.Unlock()
		if ln != nil {
			return ln.(net.Listener)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("server never bound its listener")
	return nil
}

func localAddrWithPort(ln net.Listener) string {
	_, port, _ := net.SplitHostPort(ln.Addr().String())
	return net.JoinHostPort("127.0.0.1", port)
}

// TestServerClientEchoRoundTrip drives a real server and client machine over
// real TCP and mutual TLS: the client asks the server to start an echo
// microservice, then opens a fiber to it and confirms bytes round-trip
// unchanged (§8 scenario 1, exercised through the full L0-L4 stack rather
// than fiber in isolation).
func TestServerClientEchoRoundTrip(t *testing.T) {
	dir := t.TempDir()
	serverCert, serverKey, serverPEM := genIdentity(t, dir, "server")
	clientCert, clientKey, clientPEM := genIdentity(t, dir, "client")
	serverCA := writeCABundle(t, dir, "server-trusts", clientPEM)
	clientCA := writeCABundle(t, dir, "client-trusts", serverPEM)

	serverConf := &config.Root{SSF: config.SSFSection{
		AdminPort:  1,
		ListenAddr: netLayer.GetRandLocalAddr(true),
		TLS:        config.TLSConf{CertPath: serverCert, KeyPath: serverKey, CACertPath: serverCA},
	}}

	server := New()
	server.LoadConfig(serverConf)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.StartServer(ctx) }()
	defer server.Stop()

	ln := waitListener(t, server)

	clientConf := &config.Root{SSF: config.SSFSection{
		AdminPort: 1,
		DialAddr:  localAddrWithPort(ln),
		TLS:       config.TLSConf{CertPath: clientCert, KeyPath: clientKey, CACertPath: clientCA},
		Services:  []config.ServiceConf{{FactoryID: "echo", Port: 7}},
	}}

	client := New()
	client.LoadConfig(clientConf)

	initDone := make(chan struct{})
	client.OnInitialization = func() { close(initDone) }

	if err := client.StartClient(ctx); err != nil {
		t.Fatalf("StartClient: %v", err)
	}
	defer client.Stop()

	select {
	case <-initDone:
	case <-time.After(5 * time.Second):
		t.Fatal("client never finished creating configured services")
	}

	client.mu.Lock()
	demux := client.clientDemux.(*fiber.Demux)
	client.mu.Unlock()

	connectCtx, connectCancel := context.WithTimeout(ctx, 5*time.Second)
	defer connectCancel()
	fib, err := demux.Connect(connectCtx, 7)
	if err != nil {
		t.Fatalf("Connect to echo service: %v", err)
	}
	defer fib.Close()

	want := make([]byte, 8192)
	rand.Read(want)
	if _, err := fib.Write(want); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got := make([]byte, len(want))
	if _, err := io.ReadFull(fib, got); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatal("bytes did not round-trip through the server-side echo service")
	}

	select {
	case err := <-serverErr:
		t.Fatalf("StartServer returned early: %v", err)
	default:
	}
}

// TestCircuitRelaysThroughOneHop chains the client through one relay hop to
// reach the real target, exercising dialCircuit end to end: hop1 runs an
// ordinary SSF server session and is asked to run "forward" toward the
// target; the target runs an ordinary SSF server session with an echo
// service (§3 Circuit).
func TestCircuitRelaysThroughOneHop(t *testing.T) {
	dir := t.TempDir()
	clientCert, clientKey, clientPEM := genIdentity(t, dir, "client")
	hopCert, hopKey, hopPEM := genIdentity(t, dir, "hop")
	targetCert, targetKey, targetPEM := genIdentity(t, dir, "target")

	clientCA := writeCABundle(t, dir, "client-trusts", hopPEM, targetPEM)
	hopCA := writeCABundle(t, dir, "hop-trusts", clientPEM)
	targetCA := writeCABundle(t, dir, "target-trusts", clientPEM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hopConf := &config.Root{SSF: config.SSFSection{
		AdminPort:  1,
		ListenAddr: netLayer.GetRandLocalAddr(true),
		TLS:        config.TLSConf{CertPath: hopCert, KeyPath: hopKey, CACertPath: hopCA},
	}}
	hop := New()
	hop.LoadConfig(hopConf)
	go hop.StartServer(ctx)
	defer hop.Stop()
	hopLn := waitListener(t, hop)

	targetConf := &config.Root{SSF: config.SSFSection{
		AdminPort:  1,
		ListenAddr: netLayer.GetRandLocalAddr(true),
		TLS:        config.TLSConf{CertPath: targetCert, KeyPath: targetKey, CACertPath: targetCA},
	}}
	target := New()
	target.LoadConfig(targetConf)
	go target.StartServer(ctx)
	defer target.Stop()
	targetLn := waitListener(t, target)

	_, hopPort, _ := net.SplitHostPort(hopLn.Addr().String())
	hopPortInt, err := strconv.Atoi(hopPort)
	if err != nil {
		t.Fatalf("parse hop port: %v", err)
	}

	clientConf := &config.Root{SSF: config.SSFSection{
		AdminPort: 1,
		DialAddr:  localAddrWithPort(targetLn),
		TLS:       config.TLSConf{CertPath: clientCert, KeyPath: clientKey, CACertPath: clientCA},
		Circuit:   []config.CircuitHop{{Host: "127.0.0.1", Port: hopPortInt}},
		Services:  []config.ServiceConf{{FactoryID: "echo", Port: 7}},
	}}

	client := New()
	client.LoadConfig(clientConf)

	initDone := make(chan struct{})
	client.OnInitialization = func() { close(initDone) }

	if err := client.StartClient(ctx); err != nil {
		t.Fatalf("StartClient: %v", err)
	}
	defer client.Stop()

	select {
	case <-initDone:
	case <-time.After(10 * time.Second):
		t.Fatal("client never finished creating configured services through the circuit")
	}

	client.mu.Lock()
	demux := client.clientDemux.(*fiber.Demux)
	client.mu.Unlock()

	connectCtx, connectCancel := context.WithTimeout(ctx, 5*time.Second)
	defer connectCancel()
	fib, err := demux.Connect(connectCtx, 7)
	if err != nil {
		t.Fatalf("Connect to echo service through circuit: %v", err)
	}
	defer fib.Close()

	want := []byte("through one relay hop to the real target")
	if _, err := fib.Write(want); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got := make([]byte, len(want))
	if _, err := io.ReadFull(fib, got); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatal("bytes did not round-trip through the circuit")
	}
}
