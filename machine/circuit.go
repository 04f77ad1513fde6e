package machine

import (
	"context"
	"fmt"
	"net"

	"github.com/5l1v3r1/ssf/admin"
	"github.com/5l1v3r1/ssf/config"
	"github.com/5l1v3r1/ssf/fiber"
	"github.com/5l1v3r1/ssf/netLayer"
	"github.com/5l1v3r1/ssf/tlsLayer"
)

// circuitForwardPort is the fiber port every circuit hop's forward service
// listens on. Fixed rather than negotiated, the same way admin.ReservedPort
// is a fixed, agreed-upon constant rather than something dialed out-of-band.
const circuitForwardPort = 2

// dialCircuit walks ssf.circuit in order, establishing a full TLS+admin
// session with each hop and asking it to run the forward microservice
// (§4.5) toward the next hop, or toward ssf.dial_addr for the last one.
// Each leg's fiber, wrapped as a net.Conn by fiber.NewNetConn, becomes the
// raw connection the next leg's TLS handshake runs over - exactly the
// "nested stack" SPEC_FULL.md §3 describes. The returned net.Conn is the
// tunnel all the way to ssf.dial_addr; the caller still performs its own
// TLS handshake to the real target over it.
func (m *M) dialCircuit(ctx context.Context, conf *config.Root) (net.Conn, error) {
	hops := conf.SSF.Circuit

	raw, err := dialFirstHopUnderlay(conf, hops[0])
	if err != nil {
		return nil, err
	}

	var legs []demuxCloser

	for i := range hops {
		tlsClient := tlsLayer.NewClient(tlsConfFromConfig(conf))
		tlsConn, err := tlsClient.Handshake(raw)
		if err != nil {
			raw.Close()
			closeAll(legs)
			return nil, err
		}

		localFP := tlsLayer.LocalFingerprint(certConfFromConfig(conf))
		buffered := tlsLayer.NewReadAheadBuffer(tlsConn)
		demux := fiber.NewDemux(buffered, localFP, tlsConn.PeerFingerprint())
		legs = append(legs, demux)

		adminConn, err := admin.DialWithRetry(admin.MaxDialAttempts, func() (admin.Transport, error) {
			return demux.Connect(ctx, conf.SSF.AdminPort)
		})
		if err != nil {
			closeAll(legs)
			return nil, err
		}

		a := admin.NewClient(adminConn)
		if err := a.Hello(); err != nil {
			closeAll(legs)
			return nil, err
		}

		nextHost, nextPort := nextCircuitTarget(hops, i, conf.SSF.DialAddr)
		params := map[string]interface{}{
			"port":        float64(circuitForwardPort),
			"target_host": nextHost,
			"target_port": float64(nextPort),
		}
		if _, _, err := a.CreateService("forward", params); err != nil {
			closeAll(legs)
			return nil, err
		}

		tunnelFib, err := demux.Connect(ctx, circuitForwardPort)
		if err != nil {
			closeAll(legs)
			return nil, err
		}

		raw = fiber.NewNetConn(tunnelFib)
	}

	m.mu.Lock()
	m.circuitLegs = append(m.circuitLegs, legs...)
	m.mu.Unlock()

	return raw, nil
}

// nextCircuitTarget is hops[i+1] if it exists, otherwise the circuit's
// final destination (the real ssf.dial_addr).
func nextCircuitTarget(hops []config.CircuitHop, i int, dialAddr string) (host string, port int) {
	if i+1 < len(hops) {
		return hops[i+1].Host, hops[i+1].Port
	}
	addr, err := netLayer.NewAddrByHostPort(dialAddr)
	if err != nil {
		return "", 0
	}
	return addr.HostStr(), addr.Port
}

// dialFirstHopUnderlay reaches the first circuit hop the same way a direct
// dial would reach ssf.dial_addr: plain TCP, or through ssf.http_proxy /
// ssf.socks_proxy if configured. Every hop past the first is reached by
// tunneling through the previous one, so only the first leg needs the
// local egress proxy.
func dialFirstHopUnderlay(conf *config.Root, hop config.CircuitHop) (net.Conn, error) {
	hopAsDialAddr := *conf
	hopAsDialAddr.SSF.DialAddr = fmt.Sprintf("%s:%d", hop.Host, hop.Port)
	return dialUnderlay(&hopAsDialAddr)
}

func closeAll(legs []demuxCloser) {
	for _, leg := range legs {
		leg.Close()
	}
}
