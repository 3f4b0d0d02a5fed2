// Package startup runs pre-flight diagnostics before the detector starts.
package startup

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"sentinel-siem/internal/config"
	"sentinel-siem/internal/encryption"
)

// DiagnosticResult represents the result of a diagnostic check
type DiagnosticResult struct {
	Name    string
	Status  Status
	Message string
	Details map[string]string
}

// Status represents the status of a diagnostic check
type Status int

const (
	StatusOK Status = iota
	StatusWarning
	StatusError
	StatusSkipped
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusWarning:
		return "WARNING"
	case StatusError:
		return "ERROR"
	case StatusSkipped:
		return "SKIPPED"
	default:
		return "UNKNOWN"
	}
}

// DefaultDialTimeout bounds each dependency reachability probe.
const DefaultDialTimeout = 3 * time.Second

// Diagnostics runs all startup diagnostics
type Diagnostics struct {
	cfg         *config.Config
	results     []DiagnosticResult
	logger      *slog.Logger
	dialTimeout time.Duration
}

// NewDiagnostics creates a new diagnostics runner
func NewDiagnostics(cfg *config.Config, logger *slog.Logger) *Diagnostics {
	if logger == nil {
		logger = slog.Default()
	}
	return &Diagnostics{
		cfg:         cfg,
		logger:      logger,
		dialTimeout: DefaultDialTimeout,
	}
}

// RunAll runs all diagnostic checks
func (d *Diagnostics) RunAll(ctx context.Context) []DiagnosticResult {
	d.logger.Info("running startup diagnostics")

	d.checkSystem()
	d.checkConfiguration()
	d.checkPorts()
	d.checkSecurityConfiguration()
	d.checkFiles()
	d.checkModules()
	d.checkDependencies(ctx)

	d.printSummary()

	return d.results
}

// Results returns the results collected so far.
func (d *Diagnostics) Results() []DiagnosticResult {
	return d.results
}

func (d *Diagnostics) addResult(result DiagnosticResult) {
	d.results = append(d.results, result)

	attrs := []any{
		"check", result.Name,
		"status", result.Status.String(),
	}
	if result.Message != "" {
		attrs = append(attrs, "message", result.Message)
	}
	for k, v := range result.Details {
		attrs = append(attrs, k, v)
	}

	switch result.Status {
	case StatusOK:
		d.logger.Info("diagnostic check passed", attrs...)
	case StatusWarning:
		d.logger.Warn("diagnostic check warning", attrs...)
	case StatusError:
		d.logger.Error("diagnostic check failed", attrs...)
	case StatusSkipped:
		d.logger.Debug("diagnostic check skipped", attrs...)
	}
}

func (d *Diagnostics) checkSystem() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	d.addResult(DiagnosticResult{
		Name:    "runtime",
		Status:  StatusOK,
		Message: "Go runtime detected",
		Details: map[string]string{
			"go_version": runtime.Version(),
			"os":         runtime.GOOS,
			"arch":       runtime.GOARCH,
			"cpus":       fmt.Sprintf("%d", runtime.NumCPU()),
			"sys_mb":     fmt.Sprintf("%.2f", float64(m.Sys)/1024/1024),
		},
	})

	if workers := d.cfg.Consumer.Workers; workers > runtime.NumCPU()*4 {
		d.addResult(DiagnosticResult{
			Name:    "consumer_workers",
			Status:  StatusWarning,
			Message: "Consumer workers far exceed available CPUs",
			Details: map[string]string{
				"workers": fmt.Sprintf("%d", workers),
				"cpus":    fmt.Sprintf("%d", runtime.NumCPU()),
			},
		})
	}
}

func (d *Diagnostics) checkConfiguration() {
	configPath := os.Getenv("SIEM_CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	if fileExists(configPath) {
		d.addResult(DiagnosticResult{
			Name:    "config_file",
			Status:  StatusOK,
			Message: "Config file found",
			Details: map[string]string{"path": configPath},
		})
	} else {
		d.addResult(DiagnosticResult{
			Name:    "config_file",
			Status:  StatusWarning,
			Message: "Config file not found, using defaults",
			Details: map[string]string{"path": configPath},
		})
	}

	if err := d.cfg.Validate(); err != nil {
		d.addResult(DiagnosticResult{
			Name:    "config_validation",
			Status:  StatusError,
			Message: fmt.Sprintf("Configuration validation failed: %s", err),
		})
		return
	}
	d.addResult(DiagnosticResult{
		Name:    "config_validation",
		Status:  StatusOK,
		Message: "Configuration is valid",
	})
}

type listener struct {
	name    string
	network string
	address string
	enabled bool
}

func (d *Diagnostics) checkPorts() {
	listeners := []listener{
		{"http", "tcp", fmt.Sprintf(":%d", d.cfg.Server.HTTPPort), true},
		{"tcp_ingest", "tcp", d.cfg.Ingest.TCP.Address, d.cfg.Ingest.TCP.Enabled},
		{"dtls_ingest", "udp", d.cfg.Ingest.DTLS.Address, d.cfg.Ingest.DTLS.Enabled},
	}

	for _, l := range listeners {
		name := "port_" + l.name
		if !l.enabled {
			d.addResult(DiagnosticResult{
				Name:    name,
				Status:  StatusSkipped,
				Message: "Listener disabled",
			})
			continue
		}

		if err := probeBind(l.network, l.address); err != nil {
			d.addResult(DiagnosticResult{
				Name:    name,
				Status:  StatusError,
				Message: fmt.Sprintf("Address %s is not available: %s", l.address, err),
				Details: map[string]string{"address": l.address, "network": l.network},
			})
			continue
		}
		d.addResult(DiagnosticResult{
			Name:    name,
			Status:  StatusOK,
			Message: fmt.Sprintf("Address %s is available", l.address),
			Details: map[string]string{"address": l.address, "network": l.network},
		})
	}
}

// probeBind briefly binds address to confirm it is free.
func probeBind(network, address string) error {
	if network == "udp" {
		pc, err := net.ListenPacket("udp", address)
		if err != nil {
			return err
		}
		return pc.Close()
	}
	ln, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return ln.Close()
}

func (d *Diagnostics) checkSecurityConfiguration() {
	tcp := d.cfg.Ingest.TCP
	if tcp.Enabled {
		switch {
		case !tcp.TLSEnabled:
			d.addResult(DiagnosticResult{
				Name:    "tcp_ingest_security",
				Status:  StatusWarning,
				Message: "TCP line listener is running WITHOUT TLS",
				Details: map[string]string{"recommendation": "Set ingest.tcp.tls_enabled=true"},
			})
		case !fileExists(tcp.TLSCertFile) || !fileExists(tcp.TLSKeyFile):
			d.addResult(DiagnosticResult{
				Name:    "tcp_ingest_security",
				Status:  StatusError,
				Message: "TLS enabled but certificate files missing",
				Details: map[string]string{
					"cert_file": tcp.TLSCertFile,
					"key_file":  tcp.TLSKeyFile,
				},
			})
		default:
			d.addResult(DiagnosticResult{
				Name:    "tcp_ingest_security",
				Status:  StatusOK,
				Message: "TCP TLS is configured",
			})
		}
	}

	dtls := d.cfg.Ingest.DTLS
	if dtls.Enabled {
		switch {
		case dtls.CertFile == "" && dtls.AllowInsecure:
			d.addResult(DiagnosticResult{
				Name:    "dtls_ingest_security",
				Status:  StatusWarning,
				Message: "Datagram listener is running as plain UDP",
				Details: map[string]string{"risk": "Lines may be intercepted or spoofed"},
			})
		case !fileExists(dtls.CertFile) || !fileExists(dtls.KeyFile):
			d.addResult(DiagnosticResult{
				Name:    "dtls_ingest_security",
				Status:  StatusError,
				Message: "DTLS enabled but certificate files missing",
				Details: map[string]string{
					"cert_file": dtls.CertFile,
					"key_file":  dtls.KeyFile,
				},
			})
		default:
			d.addResult(DiagnosticResult{
				Name:    "dtls_ingest_security",
				Status:  StatusOK,
				Message: "DTLS is configured",
			})
		}
	}

	if !d.cfg.RateLimit.Enabled {
		d.addResult(DiagnosticResult{
			Name:    "rate_limiting",
			Status:  StatusWarning,
			Message: "Rate limiting is DISABLED",
			Details: map[string]string{"recommendation": "Enable rate limiting for production"},
		})
	} else {
		d.addResult(DiagnosticResult{
			Name:    "rate_limiting",
			Status:  StatusOK,
			Message: "Rate limiting is enabled",
			Details: map[string]string{
				"requests_per_second": fmt.Sprintf("%.1f", d.cfg.RateLimit.RequestsPerSecond),
				"burst":               fmt.Sprintf("%d", d.cfg.RateLimit.BurstSize),
			},
		})
	}

	if !d.cfg.Server.SecurityHeaders.Enabled {
		d.addResult(DiagnosticResult{
			Name:    "security_headers",
			Status:  StatusWarning,
			Message: "Security headers are DISABLED",
		})
	}

	snap := d.cfg.Anomaly.Snapshot
	if d.cfg.Anomaly.Enabled && snap.Backend != "none" {
		switch {
		case snap.EncryptionKey == "":
			d.addResult(DiagnosticResult{
				Name:    "snapshot_encryption",
				Status:  StatusWarning,
				Message: "Model snapshots are stored unencrypted",
				Details: map[string]string{"recommendation": "Set anomaly.snapshot.encryption_key"},
			})
		default:
			if _, err := encryption.ParseKey(snap.EncryptionKey); err != nil {
				d.addResult(DiagnosticResult{
					Name:    "snapshot_encryption",
					Status:  StatusError,
					Message: fmt.Sprintf("Invalid snapshot encryption key: %s", err),
				})
				return
			}
			d.addResult(DiagnosticResult{
				Name:    "snapshot_encryption",
				Status:  StatusOK,
				Message: "Model snapshots are encrypted",
				Details: map[string]string{"key_version": fmt.Sprintf("%d", snap.KeyVersion)},
			})
		}
	}
}

func (d *Diagnostics) checkFiles() {
	geo := d.cfg.Integrations.GeoIP
	for name, path := range map[string]string{"geoip_city": geo.CityDBPath, "geoip_asn": geo.ASNDBPath} {
		if path == "" {
			continue
		}
		if fileExists(path) {
			d.addResult(DiagnosticResult{
				Name:    name,
				Status:  StatusOK,
				Message: "Database found",
				Details: map[string]string{"path": path},
			})
		} else {
			d.addResult(DiagnosticResult{
				Name:    name,
				Status:  StatusError,
				Message: "Database file missing",
				Details: map[string]string{"path": path},
			})
		}
	}

	snap := d.cfg.Anomaly.Snapshot
	if d.cfg.Anomaly.Enabled && snap.Backend == "file" {
		dir := filepath.Dir(snap.Path)
		if err := os.MkdirAll(dir, 0o750); err != nil {
			d.addResult(DiagnosticResult{
				Name:    "snapshot_directory",
				Status:  StatusError,
				Message: fmt.Sprintf("Failed to create snapshot directory: %s", err),
				Details: map[string]string{"path": dir},
			})
			return
		}
		d.addResult(DiagnosticResult{
			Name:    "snapshot_directory",
			Status:  StatusOK,
			Message: "Snapshot directory ready",
			Details: map[string]string{"path": dir},
		})
	}
}

func (d *Diagnostics) checkModules() {
	modules := []struct {
		name    string
		enabled bool
	}{
		{"http_api", true},
		{"tcp_ingest", d.cfg.Ingest.TCP.Enabled},
		{"dtls_ingest", d.cfg.Ingest.DTLS.Enabled},
		{"kafka_lines", d.cfg.Integrations.Kafka.ConsumeLines},
		{"clickhouse_storage", d.cfg.Storage.Backend == "clickhouse"},
		{"redis_state", d.cfg.State.Backend == "redis"},
		{"anomaly_model", d.cfg.Anomaly.Enabled},
		{"websocket_alerts", d.cfg.Alerting.WebSocketEnabled},
		{"kafka_alerts", d.cfg.Alerting.KafkaEnabled},
		{"threat_intel", d.cfg.Integrations.ThreatIntel.APIKey != ""},
	}

	enabled := 0
	for _, m := range modules {
		status := StatusSkipped
		message := "Disabled"
		if m.enabled {
			status = StatusOK
			message = "Enabled"
			enabled++
		}
		d.addResult(DiagnosticResult{
			Name:    "module_" + m.name,
			Status:  status,
			Message: message,
		})
	}

	d.logger.Info("modules summary", "enabled", enabled, "total", len(modules))
}

// checkDependencies dials every configured backend once.
func (d *Diagnostics) checkDependencies(ctx context.Context) {
	if d.cfg.Storage.Backend == "clickhouse" {
		for _, host := range d.cfg.Storage.ClickHouse.Hosts {
			d.probe(ctx, "clickhouse_connectivity", "ClickHouse", host)
		}
	}
	if d.cfg.State.Backend == "redis" {
		d.probe(ctx, "redis_connectivity", "Redis", d.cfg.State.Redis.Addr)
	}
	if d.cfg.Alerting.KafkaEnabled || d.cfg.Integrations.Kafka.ConsumeLines {
		for _, broker := range d.cfg.Integrations.Kafka.Brokers {
			d.probe(ctx, "kafka_connectivity", "Kafka", broker)
		}
	}
}

func (d *Diagnostics) probe(ctx context.Context, name, label, address string) {
	dialer := net.Dialer{Timeout: d.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		d.addResult(DiagnosticResult{
			Name:    name,
			Status:  StatusError,
			Message: fmt.Sprintf("Cannot connect to %s: %s", label, err),
			Details: map[string]string{"address": address},
		})
		return
	}
	conn.Close()
	d.addResult(DiagnosticResult{
		Name:    name,
		Status:  StatusOK,
		Message: label + " is reachable",
		Details: map[string]string{"address": address},
	})
}

func (d *Diagnostics) printSummary() {
	var ok, warnings, errors, skipped int
	for _, r := range d.results {
		switch r.Status {
		case StatusOK:
			ok++
		case StatusWarning:
			warnings++
		case StatusError:
			errors++
		case StatusSkipped:
			skipped++
		}
	}

	d.logger.Info("diagnostics summary",
		"passed", ok,
		"warnings", warnings,
		"errors", errors,
		"skipped", skipped,
	)

	if errors > 0 {
		d.logger.Error("startup diagnostics found critical errors")
	} else if warnings > 0 {
		d.logger.Warn("startup diagnostics found warnings - review for production readiness")
	}
}

// HasErrors returns true if any diagnostic check failed
func (d *Diagnostics) HasErrors() bool {
	for _, r := range d.results {
		if r.Status == StatusError {
			return true
		}
	}
	return false
}

// HasWarnings returns true if any diagnostic check has warnings
func (d *Diagnostics) HasWarnings() bool {
	for _, r := range d.results {
		if r.Status == StatusWarning {
			return true
		}
	}
	return false
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
