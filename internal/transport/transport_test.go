package transport

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"
)

// echoHandler records inbound bytes and echoes them back through the
// Conn it was built for.
type echoHandler struct {
	conn Conn

	mu     sync.Mutex
	read   []byte
	closed bool
}

func (h *echoHandler) OnRead(p []byte) {
	h.mu.Lock()
	h.read = append(h.read, p...)
	h.mu.Unlock()
	h.conn.Send(p)
}

func (h *echoHandler) OnClose() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
}

func (h *echoHandler) snapshot() ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]byte(nil), h.read...), h.closed
}

func TestTCPServerRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu       sync.Mutex
		handlers []*echoHandler
	)
	srv := NewTCPServer("127.0.0.1:0", func(c Conn) Handler {
		h := &echoHandler{conn: c}
		mu.Lock()
		handlers = append(handlers, h)
		mu.Unlock()
		return h
	})

	// Bind manually so the test knows the chosen port before Run.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	srv.addr = addr

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx) }()

	// Give the listener a moment to come up, then connect.
	var conn net.Conn
	deadline := time.Now().Add(2 * time.Second)
	for {
		conn, err = net.Dial("tcp", addr)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("dial: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	defer conn.Close()

	msg := []byte("framed bytes pass through verbatim")
	if _, err := conn.Write(msg); err != nil {
		t.Fatalf("write: %v", err)
	}

	echo := make([]byte, len(msg))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := readFull(conn, echo); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(echo) != string(msg) {
		t.Fatalf("echo mismatch: %q", echo)
	}

	// Closing the client fires the handler's close notification.
	conn.Close()
	deadline = time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(handlers)
		mu.Unlock()
		if n == 1 {
			if _, closed := handlers[0].snapshot(); closed {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("handler OnClose not invoked")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("server: %v", err)
	}
}

func readFull(conn net.Conn, p []byte) (int, error) {
	total := 0
	for total < len(p) {
		n, err := conn.Read(p[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func TestGatewayTLSConfig(t *testing.T) {
	cfg, fingerprint, err := GatewayTLSConfig(time.Hour, "chat.example.com:20100", "10.1.2.3:20200")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(cfg.Certificates) != 1 {
		t.Fatalf("expected 1 certificate, got %d", len(cfg.Certificates))
	}
	// 32 hex byte pairs joined by colons.
	if len(fingerprint) != 32*3-1 {
		t.Fatalf("fingerprint length: got %d, want %d", len(fingerprint), 32*3-1)
	}

	leaf := cfg.Certificates[0].Leaf
	if leaf == nil {
		t.Fatal("leaf not populated")
	}
	sans := map[string]bool{}
	for _, name := range leaf.DNSNames {
		sans[name] = true
	}
	if !sans["chat.example.com"] || !sans["localhost"] {
		t.Fatalf("DNS SANs incomplete: %v", leaf.DNSNames)
	}
	var ipFound bool
	for _, ip := range leaf.IPAddresses {
		if ip.String() == "10.1.2.3" {
			ipFound = true
		}
	}
	if !ipFound {
		t.Fatalf("configured IP missing from SANs: %v", leaf.IPAddresses)
	}
	if leaf.Subject.CommonName != "chat.example.com" {
		t.Fatalf("common name: got %q", leaf.Subject.CommonName)
	}
	if leaf.IsCA {
		t.Fatal("gateway certificate must be a leaf, not a CA")
	}
}

func TestGatewayTLSConfigWildcardBind(t *testing.T) {
	cfg, _, err := GatewayTLSConfig(time.Hour, ":20100", "0.0.0.0:20200")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	leaf := cfg.Certificates[0].Leaf
	if len(leaf.DNSNames) != 1 || leaf.DNSNames[0] != "localhost" {
		t.Fatalf("wildcard binds should yield loopback-only DNS SANs: %v", leaf.DNSNames)
	}
	if leaf.Subject.CommonName != "localhost" {
		t.Fatalf("common name: got %q", leaf.Subject.CommonName)
	}
}

func TestGatewayTLSConfigRejectsNonPositiveValidity(t *testing.T) {
	if _, _, err := GatewayTLSConfig(0, ":20100"); err == nil {
		t.Fatal("expected error for zero validity")
	}
}
