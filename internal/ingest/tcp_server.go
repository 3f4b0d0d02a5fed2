package ingest

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"sentinel-siem/internal/config"
)

// TCPServerConfig holds configuration for the TCP line listener.
type TCPServerConfig struct {
	Address        string
	TLSEnabled     bool
	TLSCertFile    string
	TLSKeyFile     string
	MaxConnections int
	IdleTimeout    time.Duration
	MaxLineLength  int
}

// DefaultTCPServerConfig returns the default TCP server configuration.
func DefaultTCPServerConfig() TCPServerConfig {
	return TCPServerConfig{
		Address:        ":5515",
		TLSEnabled:     false,
		MaxConnections: 1000,
		IdleTimeout:    5 * time.Minute,
		MaxLineLength:  65535,
	}
}

// TCPServerConfigFrom maps the YAML listener section.
func TCPServerConfigFrom(c config.TCPConfig) TCPServerConfig {
	cfg := DefaultTCPServerConfig()
	if c.Address != "" {
		cfg.Address = c.Address
	}
	if c.MaxConnections > 0 {
		cfg.MaxConnections = c.MaxConnections
	}
	if c.IdleTimeout > 0 {
		cfg.IdleTimeout = c.IdleTimeout
	}
	if c.MaxLineLength > 0 {
		cfg.MaxLineLength = c.MaxLineLength
	}
	cfg.TLSEnabled = c.TLSEnabled
	cfg.TLSCertFile = c.TLSCertFile
	cfg.TLSKeyFile = c.TLSKeyFile
	return cfg
}

// TCPServerMetrics holds metrics for the TCP server.
type TCPServerMetrics struct {
	Connections uint64
	Received    uint64
	Queued      uint64
	Errors      uint64
}

// TCPServer receives newline-delimited auth-log lines over TCP, as shipped
// by rsyslog or a tail pipe.
type TCPServer struct {
	config TCPServerConfig
	intake *Intake
	logger *slog.Logger

	mu       sync.Mutex
	listener net.Listener

	connCount   atomic.Int32
	connections atomic.Uint64
	received    atomic.Uint64
	queued      atomic.Uint64
	errors      atomic.Uint64
}

// NewTCPServer creates a new TCP line listener.
func NewTCPServer(cfg TCPServerConfig, intake *Intake, logger *slog.Logger) *TCPServer {
	return &TCPServer{
		config: cfg,
		intake: intake,
		logger: logger.With("component", "tcp-listener"),
	}
}

func (s *TCPServer) listen() (net.Listener, error) {
	if !s.config.TLSEnabled {
		return net.Listen("tcp", s.config.Address)
	}

	cert, err := tls.LoadX509KeyPair(s.config.TLSCertFile, s.config.TLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("load TLS certificate: %w", err)
	}
	return tls.Listen("tcp", s.config.Address, &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	})
}

// Serve listens until ctx is cancelled, then waits for open connections
// to finish.
func (s *TCPServer) Serve(ctx context.Context) error {
	ln, err := s.listen()
	if err != nil {
		return fmt.Errorf("tcp listen %s: %w", s.config.Address, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("TCP server started", "address", ln.Addr().String(), "tls", s.config.TLSEnabled)

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer func() {
		ln.Close()
		wg.Wait()
		s.logger.Info("TCP server stopped",
			"connections", s.connections.Load(),
			"received", s.received.Load(),
			"queued", s.queued.Load(),
			"errors", s.errors.Load(),
		)
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.logger.Debug("TCP accept error", "error", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		if s.connCount.Load() >= int32(s.config.MaxConnections) {
			s.logger.Warn("max connections reached, rejecting", "remote", conn.RemoteAddr().String())
			conn.Close()
			continue
		}

		s.connCount.Add(1)
		s.connections.Add(1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.connCount.Add(-1)
			s.handleConnection(ctx, conn)
		}()
	}
}

func (s *TCPServer) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	remote := conn.RemoteAddr().String()
	s.logger.Debug("new TCP connection", "remote", remote)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), s.config.MaxLineLength)

	for {
		conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))
		if !scanner.Scan() {
			break
		}
		s.received.Add(1)
		if _, err := s.intake.Submit(scanner.Text(), TransportTCP); err != nil {
			s.errors.Add(1)
			continue
		}
		s.queued.Add(1)
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		var netErr net.Error
		switch {
		case errors.As(err, &netErr) && netErr.Timeout():
			s.logger.Debug("TCP connection idle timeout", "remote", remote)
		case errors.Is(err, bufio.ErrTooLong):
			s.errors.Add(1)
			s.logger.Warn("line exceeds maximum length, closing connection", "remote", remote, "max", s.config.MaxLineLength)
		default:
			s.logger.Debug("TCP read error", "remote", remote, "error", err)
		}
	}
}

// Addr returns the bound address, or nil before Serve has started.
func (s *TCPServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Metrics returns the current server metrics.
func (s *TCPServer) Metrics() TCPServerMetrics {
	return TCPServerMetrics{
		Connections: s.connections.Load(),
		Received:    s.received.Load(),
		Queued:      s.queued.Load(),
		Errors:      s.errors.Load(),
	}
}

// ActiveConnections returns the number of currently active connections.
func (s *TCPServer) ActiveConnections() int {
	return int(s.connCount.Load())
}

// String names the listener for supervisor logs.
func (s *TCPServer) String() string {
	return "tcp-listener(" + s.config.Address + ")"
}
