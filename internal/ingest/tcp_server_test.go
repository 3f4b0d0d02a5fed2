package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"sentinel-siem/internal/config"
	"sentinel-siem/internal/queue"
	"sentinel-siem/internal/schema"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestIntake(size int) (*Intake, *queue.RingBuffer[*schema.Event]) {
	q := queue.NewRingBuffer[*schema.Event](size)
	return NewIntake(schema.NewValidator(), q, testLogger()), q
}

// validLine returns a newline-terminated sshd line that parses and validates.
func validLine() string {
	return "sshd[1]: Failed password for root from 45.155.205.10 port 4242 ssh2\n"
}

// startTestTCPServer runs a TCPServer on a random localhost port until the
// test ends.
func startTestTCPServer(t *testing.T, overrides ...func(*TCPServerConfig)) (*TCPServer, *queue.RingBuffer[*schema.Event], string) {
	t.Helper()

	intake, q := newTestIntake(1000)
	cfg := DefaultTCPServerConfig()
	cfg.Address = "127.0.0.1:0" // kernel-assigned port
	for _, fn := range overrides {
		fn(&cfg)
	}
	srv := NewTCPServer(cfg, intake, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("Serve() did not return after cancel")
		}
	})

	if !waitForCondition(2*time.Second, func() bool { return srv.Addr() != nil }) {
		t.Fatal("server did not start listening")
	}
	return srv, q, srv.Addr().String()
}

// waitForCondition polls until fn returns true or the timeout elapses.
func waitForCondition(timeout time.Duration, fn func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

func TestDefaultTCPServerConfig(t *testing.T) {
	cfg := DefaultTCPServerConfig()

	if cfg.Address != ":5515" {
		t.Errorf("Address = %q, want %q", cfg.Address, ":5515")
	}
	if cfg.TLSEnabled {
		t.Error("TLSEnabled = true, want false")
	}
	if cfg.MaxConnections <= 0 || cfg.IdleTimeout <= 0 || cfg.MaxLineLength <= 0 {
		t.Errorf("defaults must be positive: %+v", cfg)
	}
}

func TestTCPServer_ServeStopsOnCancel(t *testing.T) {
	intake, _ := newTestIntake(10)
	cfg := DefaultTCPServerConfig()
	cfg.Address = "127.0.0.1:0"
	srv := NewTCPServer(cfg, intake, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	if !waitForCondition(2*time.Second, func() bool { return srv.Addr() != nil }) {
		t.Fatal("server did not start listening")
	}

	// An open idle connection must not hold up shutdown.
	conn, err := net.DialTimeout("tcp", srv.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	defer conn.Close()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve() error = %v, want context.Canceled", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Serve() did not return after cancel")
	}
}

func TestTCPServer_ListenError(t *testing.T) {
	intake, _ := newTestIntake(10)
	cfg := DefaultTCPServerConfig()
	cfg.Address = "127.0.0.1:-1"
	srv := NewTCPServer(cfg, intake, testLogger())

	if err := srv.Serve(context.Background()); err == nil {
		t.Error("Serve() with invalid address should fail")
	}
}

func TestTCPServer_AcceptsLines(t *testing.T) {
	srv, q, addr := startTestTCPServer(t)

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	defer conn.Close()

	payload := validLine() +
		"sshd[2]: Invalid user admin from 45.155.205.11\n" +
		"NOT AN AUTH LINE\n" +
		"sshd[3]: Accepted password for alice from 10.0.0.2 port 22 ssh2\n"
	if _, err := conn.Write([]byte(payload)); err != nil {
		t.Fatalf("Write() error: %v", err)
	}

	if !waitForCondition(2*time.Second, func() bool { return srv.Metrics().Received == 4 }) {
		t.Fatalf("Received = %d, want 4", srv.Metrics().Received)
	}

	m := srv.Metrics()
	if m.Queued != 3 {
		t.Errorf("Queued = %d, want 3", m.Queued)
	}
	if m.Errors != 1 {
		t.Errorf("Errors = %d, want 1", m.Errors)
	}
	if m.Connections != 1 {
		t.Errorf("Connections = %d, want 1", m.Connections)
	}

	want := []schema.EventType{schema.EventFailedLogin, schema.EventInvalidUser, schema.EventSuccessLogin}
	for i, wt := range want {
		e, err := q.Pop()
		if err != nil {
			t.Fatalf("Pop() #%d error: %v", i, err)
		}
		if e.Type != wt {
			t.Errorf("event %d Type = %v, want %v", i, e.Type, wt)
		}
	}
}

func TestTCPServer_MultipleConnections(t *testing.T) {
	srv, q, addr := startTestTCPServer(t)

	const numConns = 5
	for i := 0; i < numConns; i++ {
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err != nil {
			t.Fatalf("Dial() #%d error: %v", i, err)
		}
		if _, err := conn.Write([]byte(validLine())); err != nil {
			t.Fatalf("Write() #%d error: %v", i, err)
		}
		conn.Close()
	}

	if !waitForCondition(2*time.Second, func() bool { return srv.Metrics().Queued == numConns }) {
		t.Fatalf("Queued = %d, want %d", srv.Metrics().Queued, numConns)
	}
	if q.Len() != numConns {
		t.Errorf("queue Len() = %d, want %d", q.Len(), numConns)
	}
}

func TestTCPServer_LineTooLong(t *testing.T) {
	srv, q, addr := startTestTCPServer(t, func(cfg *TCPServerConfig) {
		cfg.MaxLineLength = 64
	})

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	defer conn.Close()

	long := "sshd[1]: Failed password for root from 45.155.205.10 " + strings.Repeat("x", 200) + "\n"
	if _, err := conn.Write([]byte(long)); err != nil {
		t.Fatalf("Write() error: %v", err)
	}

	if !waitForCondition(2*time.Second, func() bool { return srv.Metrics().Errors == 1 }) {
		t.Fatalf("Errors = %d, want 1", srv.Metrics().Errors)
	}
	if q.Len() != 0 {
		t.Errorf("queue Len() = %d, want 0", q.Len())
	}
}

func TestTCPServer_MaxConnections(t *testing.T) {
	const maxConns = 2

	srv, _, addr := startTestTCPServer(t, func(cfg *TCPServerConfig) {
		cfg.MaxConnections = maxConns
	})

	conns := make([]net.Conn, 0, maxConns)
	for i := 0; i < maxConns; i++ {
		c, err := net.DialTimeout("tcp", addr, time.Second)
		if err != nil {
			t.Fatalf("Dial() error for connection %d: %v", i, err)
		}
		if _, err := c.Write([]byte(validLine())); err != nil {
			t.Fatalf("Write() error for connection %d: %v", i, err)
		}
		conns = append(conns, c)
	}

	if !waitForCondition(2*time.Second, func() bool { return srv.ActiveConnections() >= maxConns }) {
		t.Fatalf("ActiveConnections() = %d, want %d", srv.ActiveConnections(), maxConns)
	}

	// The server accepts then immediately closes the extra connection.
	extra, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("Dial() error for extra connection: %v", err)
	}
	defer extra.Close()

	extra.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := extra.Read(buf); err == nil {
		t.Error("expected error when reading from rejected connection, got nil")
	}
	if srv.ActiveConnections() > maxConns {
		t.Errorf("ActiveConnections() = %d, should not exceed %d", srv.ActiveConnections(), maxConns)
	}

	for _, c := range conns {
		c.Close()
	}
	if !waitForCondition(2*time.Second, func() bool { return srv.ActiveConnections() == 0 }) {
		t.Errorf("ActiveConnections() = %d after all clients closed, want 0", srv.ActiveConnections())
	}
}

func TestTCPServer_IdleTimeout(t *testing.T) {
	srv, _, addr := startTestTCPServer(t, func(cfg *TCPServerConfig) {
		cfg.IdleTimeout = 100 * time.Millisecond
	})

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	defer conn.Close()

	if !waitForCondition(2*time.Second, func() bool { return srv.Metrics().Connections == 1 }) {
		t.Fatal("connection was not registered")
	}
	if !waitForCondition(2*time.Second, func() bool { return srv.ActiveConnections() == 0 }) {
		t.Errorf("idle connection was not closed, active = %d", srv.ActiveConnections())
	}
}

func TestTCPServerConfigFrom(t *testing.T) {
	cfg := TCPServerConfigFrom(config.TCPConfig{Address: ":6000", TLSEnabled: true})
	if cfg.Address != ":6000" {
		t.Errorf("Address = %q, want %q", cfg.Address, ":6000")
	}
	if cfg.MaxConnections != DefaultTCPServerConfig().MaxConnections {
		t.Errorf("MaxConnections = %d, want default", cfg.MaxConnections)
	}
	if !cfg.TLSEnabled {
		t.Error("TLSEnabled = false, want true")
	}
}
