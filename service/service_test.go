package service

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/5l1v3r1/ssf/fiber"
)

func newDemuxPair(t *testing.T) (client, server *fiber.Demux) {
	t.Helper()
	c, s := net.Pipe()
	var fpA, fpB [32]byte
	fpA[0] = 1
	fpB[0] = 2
	client = fiber.NewDemux(c, fpA, fpB)
	server = fiber.NewDemux(s, fpB, fpA)
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func connectCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func splitHostPort(hostPort string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}

func TestManagerCreateServiceStartsEchoAndRoundTrips(t *testing.T) {
	client, server := newDemuxPair(t)

	mgr := NewManager(server)
	mgr.Register("echo", EchoFactory{})

	id, err := mgr.CreateService("echo", map[string]interface{}{"port": float64(7)})
	if err != nil {
		t.Fatalf("CreateService: %v", err)
	}

	status, err := mgr.ServiceStatus(id)
	if err != nil {
		t.Fatalf("ServiceStatus: %v", err)
	}
	if status != string(StatusRunning) {
		t.Fatalf("status = %q, want RUNNING", status)
	}

	ctx, cancel := connectCtx()
	defer cancel()
	fib, err := client.Connect(ctx, 7)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer fib.Close()

	want := []byte("round trip through a microservice")
	if _, err := fib.Write(want); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got := make([]byte, len(want))
	if _, err := io.ReadFull(fib, got); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}

	if err := mgr.StopService(id); err != nil {
		t.Fatalf("StopService: %v", err)
	}
	if status, _ := mgr.ServiceStatus(id); status != string(StatusStopped) {
		t.Fatalf("status after stop = %q, want STOPPED", status)
	}
}

func TestManagerCreateServiceUnknownFactory(t *testing.T) {
	_, server := newDemuxPair(t)
	mgr := NewManager(server)

	if _, err := mgr.CreateService("nope", nil); err == nil {
		t.Fatal("expected error for an unregistered factory-id")
	}
}

func TestManagerStopServiceIsIdempotent(t *testing.T) {
	_, server := newDemuxPair(t)
	mgr := NewManager(server)
	mgr.Register("echo", EchoFactory{})

	id, err := mgr.CreateService("echo", map[string]interface{}{"port": float64(7)})
	if err != nil {
		t.Fatalf("CreateService: %v", err)
	}
	if err := mgr.StopService(id); err != nil {
		t.Fatalf("first StopService: %v", err)
	}
	if err := mgr.StopService(id); err != nil {
		t.Fatalf("second StopService (idempotent) failed: %v", err)
	}
	if err := mgr.StopService("never-existed"); err != nil {
		t.Fatalf("StopService on unknown id: %v", err)
	}
}

// TestDgramEchoFactoryBouncesDatagramBack drives DgramEchoFactory as a real
// caller of fiber.Demux.SendDgram/SetDgramHandler through the same
// Manager.CreateService path §4.5's other factories use, rather than
// exercising the demux's send/receive plumbing directly.
func TestDgramEchoFactoryBouncesDatagramBack(t *testing.T) {
	client, server := newDemuxPair(t)

	mgr := NewManager(server)
	mgr.Register("dgramecho", DgramEchoFactory{})

	if _, err := mgr.CreateService("dgramecho", nil); err != nil {
		t.Fatalf("CreateService: %v", err)
	}

	received := make(chan []byte, 1)
	client.SetDgramHandler(func(srcPort, dstPort uint32, payload []byte) {
		received <- append([]byte(nil), payload...)
	})

	if err := client.SendDgram(4000, 5000, []byte("ping")); err != nil {
		t.Fatalf("SendDgram: %v", err)
	}

	select {
	case got := <-received:
		if string(got) != "ping" {
			t.Fatalf("got %q, want %q", got, "ping")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("dgramecho never bounced the datagram back")
	}
}

func TestForwardFactoryRelaysToDialedTarget(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn)
	}()

	host, port, err := splitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("splitHostPort: %v", err)
	}

	client, server := newDemuxPair(t)
	mgr := NewManager(server)
	mgr.Register("forward", ForwardFactory{})

	_, err = mgr.CreateService("forward", map[string]interface{}{
		"port":        float64(8),
		"target_host": host,
		"target_port": float64(port),
	})
	if err != nil {
		t.Fatalf("CreateService: %v", err)
	}

	ctx, cancel := connectCtx()
	defer cancel()
	fib, err := client.Connect(ctx, 8)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer fib.Close()

	want := make([]byte, 4096)
	rand.Read(want)
	if _, err := fib.Write(want); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got := make([]byte, len(want))
	if _, err := io.ReadFull(fib, got); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatal("forwarded bytes did not round-trip through the dialed target")
	}
}

// dialSocks5Connect performs a no-auth SOCKS5 CONNECT handshake by hand over
// conn (armon/go-socks5 ships a server only, no client) and leaves conn
// positioned to carry the relayed stream afterward.
func dialSocks5Connect(conn net.Conn, host string, port int) error {
	if _, err := conn.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		return err
	}
	methodResp := make([]byte, 2)
	if _, err := io.ReadFull(conn, methodResp); err != nil {
		return err
	}
	if methodResp[0] != 0x05 || methodResp[1] != 0x00 {
		return fmt.Errorf("unexpected method-selection reply %v", methodResp)
	}

	ip := net.ParseIP(host)
	var req []byte
	if ip4 := ip.To4(); ip != nil && ip4 != nil {
		req = append([]byte{0x05, 0x01, 0x00, 0x01}, ip4...)
	} else {
		req = append([]byte{0x05, 0x01, 0x00, 0x03, byte(len(host))}, []byte(host)...)
	}
	portBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(portBuf, uint16(port))
	req = append(req, portBuf...)
	if _, err := conn.Write(req); err != nil {
		return err
	}

	head := make([]byte, 4)
	if _, err := io.ReadFull(conn, head); err != nil {
		return err
	}
	if head[1] != 0x00 {
		return fmt.Errorf("SOCKS5 CONNECT failed, reply code %d", head[1])
	}
	switch head[3] {
	case 0x01: // IPv4
		if _, err := io.ReadFull(conn, make([]byte, 4+2)); err != nil {
			return err
		}
	case 0x03: // domain
		lenBuf := make([]byte, 1)
		if _, err := io.ReadFull(conn, lenBuf); err != nil {
			return err
		}
		if _, err := io.ReadFull(conn, make([]byte, int(lenBuf[0])+2)); err != nil {
			return err
		}
	case 0x04: // IPv6
		if _, err := io.ReadFull(conn, make([]byte, 16+2)); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unexpected bind address type %d", head[3])
	}
	return nil
}

func TestSocksFactoryRelaysConnectToDialedTarget(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn)
	}()

	host, port, err := splitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("splitHostPort: %v", err)
	}

	client, server := newDemuxPair(t)
	mgr := NewManager(server)
	mgr.Register("socks", SocksFactory{})

	if _, err := mgr.CreateService("socks", map[string]interface{}{"port": float64(9)}); err != nil {
		t.Fatalf("CreateService: %v", err)
	}

	ctx, cancel := connectCtx()
	defer cancel()
	fib, err := client.Connect(ctx, 9)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer fib.Close()

	socksConn := fiber.NewNetConn(fib)
	if err := dialSocks5Connect(socksConn, host, port); err != nil {
		t.Fatalf("socks5 CONNECT handshake: %v", err)
	}

	want := make([]byte, 1024)
	rand.Read(want)
	if _, err := socksConn.Write(want); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got := make([]byte, len(want))
	if _, err := io.ReadFull(socksConn, got); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatal("bytes did not round-trip through the SOCKS5-relayed target")
	}
}
