// Package machine composes the L0-L4 layers described by a config.Root into
// a running server or client, the way the teacher's own machine package
// wraps "all the code needed to run a proxy" behind one black-box type with
// no package-level state (every machine.v2ray_simple instance owns its own
// fields instead of using globals).
package machine

import (
	"context"
	"sync"

	"github.com/5l1v3r1/ssf/admin"
	"github.com/5l1v3r1/ssf/config"
	"github.com/5l1v3r1/ssf/service"
	"github.com/5l1v3r1/ssf/utils"
	"go.uber.org/zap"
)

// M is a running instance of either the server or client role. Exactly one
// of StartServer/StartClient should be called on a given M.
type M struct {
	conf *config.Root

	mu      sync.Mutex
	running bool

	// server role
	listener   netListener
	serverConn []*serverSession

	// client role
	clientAdmin *admin.Admin
	clientDemux demuxCloser

	// circuitLegs holds one entry per intermediate hop dialed by
	// dialCircuit (§3 Circuit), closed alongside clientDemux on Stop.
	circuitLegs []demuxCloser

	cancel context.CancelFunc

	// OnUserService fires once per configured service, as its CREATE_SERVICE
	// outcome is learned (§4.6). OnInitialization fires once every
	// configured service has been attempted.
	OnUserService    func(instanceID, status string, err error)
	OnInitialization func()
}

// netListener and demuxCloser narrow the concrete net.Listener/*fiber.Demux
// types to just what M itself touches, so this file stays free of the
// fiber/net imports that server.go and client.go already carry.
type netListener interface {
	Close() error
}

type demuxCloser interface {
	Close() error
}

func New() *M {
	return &M{}
}

// LoadConfig stores the parsed, validated config this machine will run.
// Call once before StartServer/StartClient.
func (m *M) LoadConfig(conf *config.Root) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conf = conf
}

func (m *M) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Stop tears down whichever role is running. Idempotent.
func (m *M) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.running = false

	if m.cancel != nil {
		m.cancel()
	}
	if m.listener != nil {
		m.listener.Close()
	}
	for _, sess := range m.serverConn {
		sess.close()
	}
	if m.clientAdmin != nil {
		m.clientAdmin.Close()
	}
	if m.clientDemux != nil {
		m.clientDemux.Close()
	}
	for _, leg := range m.circuitLegs {
		leg.Close()
	}

	if ce := utils.CanLogInfo("machine stopped"); ce != nil {
		ce.Write(zap.Bool("running", m.running))
	}
}

// registerBuiltinFactories wires the reference microservices (§4.5) into
// mgr, which already owns the per-connection demux they'll open fibers on.
func registerBuiltinFactories(mgr *service.Manager) {
	mgr.Register("echo", service.EchoFactory{})
	mgr.Register("dgramecho", service.DgramEchoFactory{})
	mgr.Register("forward", service.ForwardFactory{})
	mgr.Register("socks", service.SocksFactory{})
}
