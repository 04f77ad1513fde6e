package httpproxy

import (
	"bufio"
	"encoding/base64"
	"net"
	"net/http"
	"testing"
	"time"
)

// stubBasicProxy mimics an HTTP proxy that demands Basic auth: the first
// CONNECT gets a 407 with a Basic challenge, the second is checked against
// wantUser/wantPass and gets 200 only if they match (§8 scenario 4).
func stubBasicProxy(t *testing.T, server net.Conn, wantUser, wantPass string) {
	t.Helper()
	br := bufio.NewReader(server)

	req, err := http.ReadRequest(br)
	if err != nil {
		t.Errorf("stub proxy: first ReadRequest: %v", err)
		return
	}
	req.Body.Close()
	resp := "HTTP/1.1 407 Proxy Authentication Required\r\n" +
		"Proxy-Authenticate: Basic realm=\"proxy\"\r\n" +
		"Content-Length: 0\r\n\r\n"
	if _, err := server.Write([]byte(resp)); err != nil {
		t.Errorf("stub proxy: write 407: %v", err)
		return
	}

	req, err = http.ReadRequest(br)
	if err != nil {
		t.Errorf("stub proxy: second ReadRequest: %v", err)
		return
	}
	req.Body.Close()

	auth := req.Header.Get("Proxy-Authorization")
	want := "Basic " + base64.StdEncoding.EncodeToString([]byte(wantUser+":"+wantPass))
	if auth == want {
		server.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))
	} else {
		server.Write([]byte("HTTP/1.1 407 Proxy Authentication Required\r\n" +
			"Proxy-Authenticate: Basic realm=\"proxy\"\r\nContent-Length: 0\r\n\r\n"))
	}
}

func TestConnectSucceedsAfterBasicChallenge(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		stubBasicProxy(t, server, "alice", "s3cret")
	}()

	conf := Conf{Host: "proxy.example.com", Port: 8080, Username: "alice", Password: "s3cret"}
	layer := NewLayer(conf, "dest.example.com", 443)

	got, err := layer.Connect(client)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got != client {
		t.Fatal("Connect should return the same net.Conn on success")
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stub proxy goroutine never finished")
	}
}

func TestConnectFailsWithWrongCredentials(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		stubBasicProxy(t, server, "alice", "s3cret")
	}()

	conf := Conf{Host: "proxy.example.com", Port: 8080, Username: "alice", Password: "wrong"}
	layer := NewLayer(conf, "dest.example.com", 443)

	if _, err := layer.Connect(client); err == nil {
		t.Fatal("expected an error for mismatched Basic credentials")
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stub proxy goroutine never finished")
	}
}

func TestConnectSucceedsWithNoAuthRequired(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		br := bufio.NewReader(server)
		req, err := http.ReadRequest(br)
		if err != nil {
			t.Errorf("ReadRequest: %v", err)
			return
		}
		req.Body.Close()
		server.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))
	}()

	conf := Conf{Host: "proxy.example.com", Port: 8080}
	layer := NewLayer(conf, "dest.example.com", 443)

	if _, err := layer.Connect(client); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stub proxy goroutine never finished")
	}
}
