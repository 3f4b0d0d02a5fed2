package ingest

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/dtls/v2"

	"sentinel-siem/internal/config"
)

// Common errors for DTLS server.
var (
	ErrDTLSCertRequired       = errors.New("DTLS requires certificate and key")
	ErrDTLSClientCertRequired = errors.New("mutual TLS requires CA certificate")
)

// DTLSServerConfig holds configuration for the DTLS server.
type DTLSServerConfig struct {
	// Address to listen on (e.g., ":5516")
	Address string

	// Certificate and key for DTLS
	CertFile string
	KeyFile  string

	// Optional: CA certificate for mutual TLS (client certificate validation)
	CAFile string

	// RequireClientCert enforces mutual TLS
	RequireClientCert bool

	// Workers for line processing
	Workers int

	// MaxMessageSize is the maximum datagram size
	MaxMessageSize int

	// ConnectionTimeout is the timeout for DTLS handshake
	ConnectionTimeout time.Duration

	// IdleTimeout is the timeout for idle connections
	IdleTimeout time.Duration

	// AllowInsecure allows fallback to plain UDP (NOT RECOMMENDED)
	AllowInsecure bool
}

// DefaultDTLSServerConfig returns secure default configuration.
func DefaultDTLSServerConfig() DTLSServerConfig {
	return DTLSServerConfig{
		Address:           ":5516",
		Workers:           8,
		MaxMessageSize:    65535,
		ConnectionTimeout: 30 * time.Second,
		IdleTimeout:       5 * time.Minute,
		AllowInsecure:     false,
		RequireClientCert: false,
	}
}

// DTLSServerConfigFrom maps the YAML listener section.
func DTLSServerConfigFrom(c config.DTLSConfig) DTLSServerConfig {
	cfg := DefaultDTLSServerConfig()
	if c.Address != "" {
		cfg.Address = c.Address
	}
	if c.MaxMessageSize > 0 {
		cfg.MaxMessageSize = c.MaxMessageSize
	}
	if c.ConnectionTimeout > 0 {
		cfg.ConnectionTimeout = c.ConnectionTimeout
	}
	if c.IdleTimeout > 0 {
		cfg.IdleTimeout = c.IdleTimeout
	}
	cfg.CertFile = c.CertFile
	cfg.KeyFile = c.KeyFile
	cfg.CAFile = c.CAFile
	cfg.RequireClientCert = c.RequireClientCert
	cfg.AllowInsecure = c.AllowInsecure
	return cfg
}

// DTLSServerMetrics holds metrics for the DTLS server.
type DTLSServerMetrics struct {
	Connections    uint64
	HandshakeErrs  uint64
	Received       uint64
	Lines          uint64
	Queued         uint64
	Errors         uint64
	InsecureWarned bool
}

type dtlsMessage struct {
	data   []byte
	remote string
}

// DTLSServer receives auth-log lines over DTLS (secure UDP). A datagram
// may carry several newline-separated lines.
type DTLSServer struct {
	config DTLSServerConfig
	intake *Intake
	logger *slog.Logger

	mu     sync.Mutex
	addr   net.Addr
	secure bool

	connections    atomic.Uint64
	handshakeErrs  atomic.Uint64
	received       atomic.Uint64
	lines          atomic.Uint64
	queued         atomic.Uint64
	errors         atomic.Uint64
	insecureWarned atomic.Bool
}

// NewDTLSServer creates a new DTLS line listener.
func NewDTLSServer(cfg DTLSServerConfig, intake *Intake, logger *slog.Logger) (*DTLSServer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.AllowInsecure && (cfg.CertFile == "" || cfg.KeyFile == "") {
		return nil, ErrDTLSCertRequired
	}
	if cfg.RequireClientCert && cfg.CAFile == "" {
		return nil, ErrDTLSClientCertRequired
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}

	return &DTLSServer{
		config: cfg,
		intake: intake,
		logger: logger.With("component", "dtls-listener"),
	}, nil
}

func (s *DTLSServer) insecure() bool {
	return s.config.AllowInsecure && (s.config.CertFile == "" || s.config.KeyFile == "")
}

// Serve receives until ctx is cancelled.
func (s *DTLSServer) Serve(ctx context.Context) error {
	messages := make(chan dtlsMessage, s.config.Workers*100)

	var workers sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for msg := range messages {
				s.processMessage(msg)
			}
		}()
	}

	var err error
	if s.insecure() {
		err = s.serveInsecure(ctx, messages)
	} else {
		err = s.serveSecure(ctx, messages)
	}
	close(messages)
	workers.Wait()

	s.logger.Info("DTLS server stopped",
		"connections", s.connections.Load(),
		"handshake_errors", s.handshakeErrs.Load(),
		"received", s.received.Load(),
		"queued", s.queued.Load(),
		"errors", s.errors.Load(),
	)
	return err
}

func (s *DTLSServer) dtlsConfig(ctx context.Context) (*dtls.Config, error) {
	cert, err := tls.LoadX509KeyPair(s.config.CertFile, s.config.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load DTLS certificate: %w", err)
	}

	cfg := &dtls.Config{
		Certificates:         []tls.Certificate{cert},
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
		ConnectContextMaker: func() (context.Context, func()) {
			return context.WithTimeout(ctx, s.config.ConnectionTimeout)
		},
	}

	if s.config.RequireClientCert {
		caData, err := os.ReadFile(s.config.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load CA certificate: %w", err)
		}
		caPool := x509.NewCertPool()
		if !caPool.AppendCertsFromPEM(caData) {
			return nil, errors.New("failed to parse CA certificate")
		}
		cfg.ClientCAs = caPool
		cfg.ClientAuth = dtls.RequireAndVerifyClientCert
	}
	return cfg, nil
}

// serveSecure accepts DTLS sessions and reads datagrams from each.
func (s *DTLSServer) serveSecure(ctx context.Context, messages chan<- dtlsMessage) error {
	dtlsConfig, err := s.dtlsConfig(ctx)
	if err != nil {
		return err
	}
	addr, err := net.ResolveUDPAddr("udp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to resolve address: %w", err)
	}
	listener, err := dtls.Listen("udp", addr, dtlsConfig)
	if err != nil {
		return fmt.Errorf("failed to start DTLS listener: %w", err)
	}
	s.bound(listener.Addr(), true)

	s.logger.Info("DTLS server started",
		"address", listener.Addr().String(),
		"mutual_tls", s.config.RequireClientCert,
	)

	stop := context.AfterFunc(ctx, func() { listener.Close() })
	defer stop()

	var conns sync.WaitGroup
	defer conns.Wait()
	defer listener.Close()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.handshakeErrs.Add(1)
			s.logger.Debug("DTLS accept error", "error", err)
			continue
		}

		s.connections.Add(1)
		conns.Add(1)
		go func() {
			defer conns.Done()
			s.handleConnection(ctx, conn, messages)
		}()
	}
}

// handleConnection reads datagrams from one DTLS session.
func (s *DTLSServer) handleConnection(ctx context.Context, conn net.Conn, messages chan<- dtlsMessage) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	remote := conn.RemoteAddr().String()
	s.logger.Debug("new DTLS connection", "remote", remote)

	buffer := make([]byte, s.config.MaxMessageSize)
	for {
		conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))
		n, err := conn.Read(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				s.logger.Debug("DTLS connection idle timeout", "remote", remote)
			}
			return
		}
		s.enqueue(messages, buffer[:n], remote)
	}
}

// serveInsecure reads plain UDP datagrams (NOT RECOMMENDED).
func (s *DTLSServer) serveInsecure(ctx context.Context, messages chan<- dtlsMessage) error {
	s.logger.Warn("SECURITY WARNING: Starting UDP server WITHOUT encryption",
		"address", s.config.Address,
		"recommendation", "Use DTLS with certificates for production",
	)
	s.insecureWarned.Store(true)

	addr, err := net.ResolveUDPAddr("udp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to resolve address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to start UDP listener: %w", err)
	}
	defer conn.Close()
	s.bound(conn.LocalAddr(), false)

	s.logger.Info("UDP server started (INSECURE)", "address", conn.LocalAddr().String())

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	buffer := make([]byte, s.config.MaxMessageSize)
	for {
		n, remote, err := conn.ReadFromUDP(buffer)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.logger.Debug("UDP read error", "error", err)
			continue
		}
		s.enqueue(messages, buffer[:n], remote.String())
	}
}

func (s *DTLSServer) enqueue(messages chan<- dtlsMessage, data []byte, remote string) {
	s.received.Add(1)
	msg := dtlsMessage{data: bytes.Clone(data), remote: remote}
	select {
	case messages <- msg:
	default:
		s.errors.Add(1)
		s.logger.Debug("message channel full, dropping datagram", "remote", remote)
	}
}

// processMessage submits every non-blank line of a datagram.
func (s *DTLSServer) processMessage(msg dtlsMessage) {
	for _, line := range bytes.Split(msg.data, []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		s.lines.Add(1)
		if _, err := s.intake.Submit(string(line), TransportDTLS); err != nil {
			s.errors.Add(1)
			continue
		}
		s.queued.Add(1)
	}
}

func (s *DTLSServer) bound(addr net.Addr, secure bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addr = addr
	s.secure = secure
}

// Addr returns the bound address, or nil before Serve has started.
func (s *DTLSServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Metrics returns the current server metrics.
func (s *DTLSServer) Metrics() DTLSServerMetrics {
	return DTLSServerMetrics{
		Connections:    s.connections.Load(),
		HandshakeErrs:  s.handshakeErrs.Load(),
		Received:       s.received.Load(),
		Lines:          s.lines.Load(),
		Queued:         s.queued.Load(),
		Errors:         s.errors.Load(),
		InsecureWarned: s.insecureWarned.Load(),
	}
}

// IsSecure returns true if the server is running with DTLS encryption.
func (s *DTLSServer) IsSecure() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr != nil && s.secure
}

// String names the listener for supervisor logs.
func (s *DTLSServer) String() string {
	return "dtls-listener(" + s.config.Address + ")"
}
