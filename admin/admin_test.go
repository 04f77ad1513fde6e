package admin

import (
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/5l1v3r1/ssf/sserr"
)

type fakeServiceManager struct {
	created map[string]string // instanceID -> factoryID
}

func newFakeServiceManager() *fakeServiceManager {
	return &fakeServiceManager{created: make(map[string]string)}
}

func (f *fakeServiceManager) CreateService(factoryID string, params map[string]interface{}) (string, error) {
	if factoryID == "nope" {
		return "", errFakeFactoryNotFound
	}
	id := factoryID + "-1"
	f.created[id] = factoryID
	return id, nil
}

func (f *fakeServiceManager) StopService(instanceID string) error {
	delete(f.created, instanceID)
	return nil
}

func (f *fakeServiceManager) ServiceStatus(instanceID string) (string, error) {
	if _, ok := f.created[instanceID]; !ok {
		return "", errFakeFactoryNotFound
	}
	return "RUNNING", nil
}

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

const errFakeFactoryNotFound = fakeErr("not found")

func newPipeAdminPair(t *testing.T, mgr ServiceManager) (*Admin, *Admin) {
	t.Helper()
	serverConn, clientConn := net.Pipe()

	server := NewServer(serverConn, mgr)
	client := NewClient(clientConn)

	go func() {
		if err := server.SendHello(); err != nil {
			t.Logf("server SendHello: %v", err)
		}
	}()

	if err := client.Hello(); err != nil {
		t.Fatalf("client Hello: %v", err)
	}

	return server, client
}

func TestHelloHandshake(t *testing.T) {
	server, client := newPipeAdminPair(t, newFakeServiceManager())
	defer server.Close()
	defer client.Close()
}

func TestCreateServiceRoundTrip(t *testing.T) {
	mgr := newFakeServiceManager()
	server, client := newPipeAdminPair(t, mgr)
	defer server.Close()
	defer client.Close()

	id, status, err := client.CreateService("echo", map[string]interface{}{"port": float64(7)})
	if err != nil {
		t.Fatalf("CreateService: %v", err)
	}
	if status != "RUNNING" {
		t.Fatalf("status = %q, want RUNNING", status)
	}
	if mgr.created[id] != "echo" {
		t.Fatalf("server-side manager never recorded instance %q", id)
	}
}

func TestCreateServiceFailurePropagatesError(t *testing.T) {
	server, client := newPipeAdminPair(t, newFakeServiceManager())
	defer server.Close()
	defer client.Close()

	_, status, err := client.CreateService("nope", nil)
	if err == nil {
		t.Fatal("expected error for a factory the manager rejects")
	}
	if status != "FAILED" {
		t.Fatalf("status = %q, want FAILED", status)
	}
}

func TestTeardownCompletesOutstandingHandlers(t *testing.T) {
	server, client := newPipeAdminPair(t, newFakeServiceManager())
	defer client.Close()

	server.Close()

	done := make(chan struct{})
	go func() {
		client.CreateService("echo", nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("CreateService never returned after the admin session tore down")
	}
}

// blackholeTransport accepts every write and never produces a reply,
// simulating §8 scenario 6's "block the server from replying" without
// tearing the connection down via a read error (which would mask the
// keepalive-timeout logic actually under test).
type blackholeTransport struct {
	closed    chan struct{}
	closeOnce sync.Once
}

func newBlackholeTransport() *blackholeTransport {
	return &blackholeTransport{closed: make(chan struct{})}
}

func (b *blackholeTransport) Read(p []byte) (int, error) {
	<-b.closed
	return 0, io.EOF
}

func (b *blackholeTransport) Write(p []byte) (int, error) { return len(p), nil }

func (b *blackholeTransport) Close() error {
	b.closeOnce.Do(func() { close(b.closed) })
	return nil
}

func TestKeepaliveTimeoutTearsDownConnection(t *testing.T) {
	origInterval := KeepaliveInterval
	KeepaliveInterval = 20 * time.Millisecond
	defer func() { KeepaliveInterval = origInterval }()

	client := NewClient(newBlackholeTransport())
	defer client.Close()

	tornDown := make(chan error, 1)
	client.OnTeardown = func(err error) { tornDown <- err }

	go client.RunKeepalive()

	select {
	case err := <-tornDown:
		if err != sserr.ErrPeerTimeout {
			t.Fatalf("teardown reason = %v, want ErrPeerTimeout", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RunKeepalive never tore down the connection after missed keepalives")
	}
}
