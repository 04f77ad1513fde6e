package machine

import (
	"context"
	"net"

	"github.com/5l1v3r1/ssf/admin"
	"github.com/5l1v3r1/ssf/config"
	"github.com/5l1v3r1/ssf/fiber"
	"github.com/5l1v3r1/ssf/tlsLayer"
	"github.com/5l1v3r1/ssf/utils"
	"go.uber.org/zap"
)

// StartClient dials ssf.dial_addr through the configured L1 layer, performs
// the L2 TLS handshake, opens the reserved admin fiber, and once HELLO
// completes asks the server to create every service listed in
// ssf.services (§4.5, §4.6). M's own OnUserService/OnInitialization report
// progress the way the caller would display it.
func (m *M) StartClient(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	conf := m.conf
	m.mu.Unlock()

	var underlay net.Conn
	var err error
	if len(conf.SSF.Circuit) > 0 {
		underlay, err = m.dialCircuit(ctx, conf)
	} else {
		underlay, err = dialUnderlay(conf)
	}
	if err != nil {
		return err
	}

	tlsClient := tlsLayer.NewClient(tlsConfFromConfig(conf))
	tlsConn, err := tlsClient.Handshake(underlay)
	if err != nil {
		underlay.Close()
		return err
	}

	localFP := tlsLayer.LocalFingerprint(certConfFromConfig(conf))
	buffered := tlsLayer.NewReadAheadBuffer(tlsConn)
	demux := fiber.NewDemux(buffered, localFP, tlsConn.PeerFingerprint())

	ctx, cancel := context.WithCancel(ctx)

	m.mu.Lock()
	m.clientDemux = demux
	m.cancel = cancel
	m.running = true
	m.mu.Unlock()

	adminConn, err := admin.DialWithRetry(admin.MaxDialAttempts, func() (admin.Transport, error) {
		return demux.Connect(ctx, conf.SSF.AdminPort)
	})
	if err != nil {
		demux.Close()
		return err
	}

	a := admin.NewClient(adminConn)
	a.OnTeardown = func(err error) {
		demux.Close()
		if ce := utils.CanLogInfo("admin connection ended"); ce != nil {
			ce.Write(zap.Error(err))
		}
	}

	m.mu.Lock()
	m.clientAdmin = a
	m.mu.Unlock()

	if err := a.Hello(); err != nil {
		demux.Close()
		return err
	}

	go a.RunKeepalive()
	go m.createConfiguredServices(a, conf)

	return nil
}

// createConfiguredServices asks the server to start every ssf.services
// entry, reporting each one's outcome via OnUserService and firing
// OnInitialization once all have been attempted (§4.6: "report each
// service's eventual running status").
func (m *M) createConfiguredServices(a *admin.Admin, conf *config.Root) {
	for _, svc := range conf.SSF.Services {
		params := svc.Params
		if params == nil {
			params = make(map[string]interface{})
		}
		params["port"] = svc.Port

		instanceID, status, err := a.CreateService(svc.FactoryID, params)
		if ce := utils.CanLogInfo("configured service started"); ce != nil {
			ce.Write(zap.String("factory", svc.FactoryID), zap.String("instance", instanceID),
				zap.String("status", status), zap.Error(err))
		}
		if m.OnUserService != nil {
			m.OnUserService(instanceID, status, err)
		}
	}

	if m.OnInitialization != nil {
		m.OnInitialization()
	}
}
