package machine

import (
	"context"
	"net"

	"github.com/5l1v3r1/ssf/admin"
	"github.com/5l1v3r1/ssf/fiber"
	"github.com/5l1v3r1/ssf/netLayer"
	"github.com/5l1v3r1/ssf/service"
	"github.com/5l1v3r1/ssf/tlsLayer"
	"github.com/5l1v3r1/ssf/utils"
	"github.com/pires/go-proxyproto"
	"go.uber.org/zap"
)

// serverSession is everything one accepted, handshaken connection owns:
// the fiber demux, the admin server riding its reserved fiber, and the
// per-connection microservice registry that admin's CREATE_SERVICE handler
// drives (§4.5, §4.6).
type serverSession struct {
	demux  *fiber.Demux
	admin  *admin.Admin
	svcMgr *service.Manager
}

func (s *serverSession) close() {
	if s.admin != nil {
		s.admin.Close()
	}
	if s.demux != nil {
		s.demux.Close()
	}
}

// StartServer listens on ssf.listen_addr, and for every inbound connection
// runs the L0(TCP)->L2(TLS)->L3(fiber)->L4(admin) stack (§2 layer table).
// Mirrors the teacher's M.Start, generalized from "listen then call
// v2ray_simple.ListenSer per configured server" to this engine's fixed
// layer stack.
func (m *M) StartServer(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	conf := m.conf
	m.mu.Unlock()

	addr, err := netLayer.NewAddrByHostPort(conf.SSF.ListenAddr)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", addr.String())
	if err != nil {
		return err
	}

	var acceptor net.Listener = ln
	if conf.SSF.ProxyProtocol {
		// Require a PROXY protocol header ahead of every connection, so the
		// real client address survives a TCP load balancer placed in front
		// of ssfs (grounded on the teacher's netLayer/proxyProtocol.go,
		// which speaks this protocol by hand; here the library that file's
		// own go.mod already carries does the parsing instead).
		acceptor = &proxyproto.Listener{Listener: ln}
	}

	ctx, cancel := context.WithCancel(ctx)

	m.mu.Lock()
	m.listener = ln
	m.cancel = cancel
	m.running = true
	m.mu.Unlock()

	tlsServer := tlsLayer.NewServer(tlsConfFromConfig(conf))
	localFP := tlsLayer.LocalFingerprint(certConfFromConfig(conf))

	if ce := utils.CanLogInfo("ssf server listening"); ce != nil {
		ce.Write(zap.String("addr", addr.String()))
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	adminPort := conf.SSF.AdminPort

	netLayer.AcceptLoop(acceptor, func(rawConn net.Conn) {
		m.handleServerConn(ctx, rawConn, tlsServer, localFP, adminPort)
	})
	return nil
}

func (m *M) handleServerConn(ctx context.Context, rawConn net.Conn, tlsServer *tlsLayer.Server, localFP [32]byte, adminPort uint32) {
	tlsConn, err := tlsServer.Handshake(rawConn)
	if err != nil {
		if ce := utils.CanLogWarn("server TLS handshake failed"); ce != nil {
			ce.Write(zap.Error(err))
		}
		rawConn.Close()
		return
	}

	buffered := tlsLayer.NewReadAheadBuffer(tlsConn)
	demux := fiber.NewDemux(buffered, localFP, tlsConn.PeerFingerprint())

	svcMgr := service.NewManager(demux)
	registerBuiltinFactories(svcMgr)

	adminFiber, err := demux.Listen(adminPort)
	if err != nil {
		if ce := utils.CanLogErr("server could not reserve admin port"); ce != nil {
			ce.Write(zap.Error(err))
		}
		demux.Close()
		return
	}

	fib, err := adminFiber.Accept(ctx)
	if err != nil {
		demux.Close()
		return
	}

	a := admin.NewServer(fib, svcMgr)
	session := &serverSession{demux: demux, admin: a, svcMgr: svcMgr}

	m.mu.Lock()
	m.serverConn = append(m.serverConn, session)
	m.mu.Unlock()

	a.OnTeardown = func(err error) {
		demux.Close()
		if ce := utils.CanLogInfo("admin session ended"); ce != nil {
			ce.Write(zap.Error(err))
		}
	}

	if err := a.SendHello(); err != nil {
		if ce := utils.CanLogWarn("admin HELLO failed"); ce != nil {
			ce.Write(zap.Error(err))
		}
		session.close()
	}
}
