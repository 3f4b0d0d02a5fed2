package startup

import (
	"bytes"
	"context"
	"encoding/base64"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"sentinel-siem/internal/config"
)

// ---------- helpers ----------

// newTestDiagnostics creates a Diagnostics with a default config and a
// buffer-backed logger. The caller can tweak cfg before running checks.
func newTestDiagnostics() (*Diagnostics, *config.Config, *bytes.Buffer) {
	cfg := config.DefaultConfig()
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	d := NewDiagnostics(cfg, logger)
	d.dialTimeout = 500 * time.Millisecond
	return d, cfg, &buf
}

// freeAddr returns a loopback address nothing is listening on.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// freePort returns a free TCP port on all interfaces.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func findResult(results []DiagnosticResult, name string) *DiagnosticResult {
	for i := range results {
		if results[i].Name == name {
			return &results[i]
		}
	}
	return nil
}

func findResultsPrefix(results []DiagnosticResult, prefix string) []DiagnosticResult {
	var out []DiagnosticResult
	for _, r := range results {
		if strings.HasPrefix(r.Name, prefix) {
			out = append(out, r)
		}
	}
	return out
}

// ---------- Status ----------

func TestStatusString(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{StatusOK, "OK"},
		{StatusWarning, "WARNING"},
		{StatusError, "ERROR"},
		{StatusSkipped, "SKIPPED"},
		{Status(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.status.String(); got != tt.want {
			t.Errorf("Status(%d).String() = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestNewDiagnostics_NilLogger(t *testing.T) {
	d := NewDiagnostics(config.DefaultConfig(), nil)
	if d.logger == nil {
		t.Fatal("logger should default to slog.Default()")
	}
	if d.dialTimeout != DefaultDialTimeout {
		t.Errorf("dialTimeout = %v, want %v", d.dialTimeout, DefaultDialTimeout)
	}
}

// ---------- addResult / HasErrors / HasWarnings ----------

func TestAddResult_Logs(t *testing.T) {
	d, _, buf := newTestDiagnostics()
	d.addResult(DiagnosticResult{
		Name:    "probe",
		Status:  StatusWarning,
		Message: "something odd",
		Details: map[string]string{"host": "ch-1"},
	})

	if len(d.Results()) != 1 {
		t.Fatalf("len(Results()) = %d, want 1", len(d.Results()))
	}
	out := buf.String()
	for _, want := range []string{"diagnostic check warning", "check=probe", "host=ch-1"} {
		if !strings.Contains(out, want) {
			t.Errorf("log missing %q: %s", want, out)
		}
	}
}

func TestHasErrorsAndWarnings(t *testing.T) {
	tests := []struct {
		name         string
		statuses     []Status
		wantErrors   bool
		wantWarnings bool
	}{
		{"empty", nil, false, false},
		{"all ok", []Status{StatusOK, StatusSkipped}, false, false},
		{"warning", []Status{StatusOK, StatusWarning}, false, true},
		{"error", []Status{StatusError}, true, false},
		{"both", []Status{StatusWarning, StatusError}, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, _, _ := newTestDiagnostics()
			for _, s := range tt.statuses {
				d.addResult(DiagnosticResult{Name: "x", Status: s})
			}
			if got := d.HasErrors(); got != tt.wantErrors {
				t.Errorf("HasErrors() = %v, want %v", got, tt.wantErrors)
			}
			if got := d.HasWarnings(); got != tt.wantWarnings {
				t.Errorf("HasWarnings() = %v, want %v", got, tt.wantWarnings)
			}
		})
	}
}

func TestFileExists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "present")
	if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	if !fileExists(path) {
		t.Error("fileExists(present) = false")
	}
	if fileExists(path + ".missing") {
		t.Error("fileExists(missing) = true")
	}
	if fileExists("") {
		t.Error("fileExists(\"\") = true")
	}
}

// ---------- checks ----------

func TestCheckSystem(t *testing.T) {
	d, cfg, _ := newTestDiagnostics()
	cfg.Consumer.Workers = 100000
	d.checkSystem()

	r := findResult(d.Results(), "runtime")
	if r == nil || r.Status != StatusOK {
		t.Fatalf("runtime result = %+v", r)
	}
	for _, key := range []string{"go_version", "os", "arch", "cpus"} {
		if r.Details[key] == "" {
			t.Errorf("runtime detail %q missing", key)
		}
	}
	if w := findResult(d.Results(), "consumer_workers"); w == nil || w.Status != StatusWarning {
		t.Errorf("consumer_workers result = %+v, want warning", w)
	}
}

func TestCheckConfiguration(t *testing.T) {
	t.Run("missing file, valid config", func(t *testing.T) {
		t.Setenv("SIEM_CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))
		d, _, _ := newTestDiagnostics()
		d.checkConfiguration()

		if r := findResult(d.Results(), "config_file"); r == nil || r.Status != StatusWarning {
			t.Errorf("config_file = %+v, want warning", r)
		}
		if r := findResult(d.Results(), "config_validation"); r == nil || r.Status != StatusOK {
			t.Errorf("config_validation = %+v, want ok", r)
		}
	})

	t.Run("file present, invalid config", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		if err := os.WriteFile(path, []byte("queue:\n  size: 10\n"), 0o600); err != nil {
			t.Fatal(err)
		}
		t.Setenv("SIEM_CONFIG_PATH", path)
		d, cfg, _ := newTestDiagnostics()
		cfg.Queue.Size = 0
		d.checkConfiguration()

		if r := findResult(d.Results(), "config_file"); r == nil || r.Status != StatusOK {
			t.Errorf("config_file = %+v, want ok", r)
		}
		if r := findResult(d.Results(), "config_validation"); r == nil || r.Status != StatusError {
			t.Errorf("config_validation = %+v, want error", r)
		}
	})
}

func TestCheckPorts(t *testing.T) {
	d, cfg, _ := newTestDiagnostics()
	cfg.Server.HTTPPort = freePort(t)

	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer busy.Close()
	cfg.Ingest.TCP.Enabled = true
	cfg.Ingest.TCP.Address = busy.Addr().String()
	cfg.Ingest.DTLS.Enabled = false

	d.checkPorts()

	if r := findResult(d.Results(), "port_http"); r == nil || r.Status != StatusOK {
		t.Errorf("port_http = %+v, want ok", r)
	}
	if r := findResult(d.Results(), "port_tcp_ingest"); r == nil || r.Status != StatusError {
		t.Errorf("port_tcp_ingest = %+v, want error for a bound address", r)
	}
	if r := findResult(d.Results(), "port_dtls_ingest"); r == nil || r.Status != StatusSkipped {
		t.Errorf("port_dtls_ingest = %+v, want skipped", r)
	}
}

func TestCheckPorts_UDP(t *testing.T) {
	d, cfg, _ := newTestDiagnostics()
	cfg.Server.HTTPPort = freePort(t)
	cfg.Ingest.DTLS.Enabled = true
	cfg.Ingest.DTLS.Address = "127.0.0.1:0"

	d.checkPorts()

	if r := findResult(d.Results(), "port_dtls_ingest"); r == nil || r.Status != StatusOK {
		t.Errorf("port_dtls_ingest = %+v, want ok", r)
	}
}

func TestCheckSecurityConfiguration(t *testing.T) {
	dir := t.TempDir()
	cert := filepath.Join(dir, "server.crt")
	key := filepath.Join(dir, "server.key")
	for _, p := range []string{cert, key} {
		if err := os.WriteFile(p, []byte("pem"), 0o600); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name   string
		modify func(*config.Config)
		check  string
		want   Status
	}{
		{"tcp without tls", func(c *config.Config) {
			c.Ingest.TCP.Enabled = true
			c.Ingest.TCP.TLSEnabled = false
		}, "tcp_ingest_security", StatusWarning},
		{"tcp tls missing certs", func(c *config.Config) {
			c.Ingest.TCP.Enabled = true
			c.Ingest.TCP.TLSEnabled = true
			c.Ingest.TCP.TLSCertFile = filepath.Join(dir, "absent.crt")
			c.Ingest.TCP.TLSKeyFile = key
		}, "tcp_ingest_security", StatusError},
		{"tcp tls configured", func(c *config.Config) {
			c.Ingest.TCP.Enabled = true
			c.Ingest.TCP.TLSEnabled = true
			c.Ingest.TCP.TLSCertFile = cert
			c.Ingest.TCP.TLSKeyFile = key
		}, "tcp_ingest_security", StatusOK},
		{"plain udp", func(c *config.Config) {
			c.Ingest.DTLS.Enabled = true
			c.Ingest.DTLS.CertFile = ""
			c.Ingest.DTLS.AllowInsecure = true
		}, "dtls_ingest_security", StatusWarning},
		{"dtls missing certs", func(c *config.Config) {
			c.Ingest.DTLS.Enabled = true
			c.Ingest.DTLS.CertFile = ""
			c.Ingest.DTLS.AllowInsecure = false
		}, "dtls_ingest_security", StatusError},
		{"dtls configured", func(c *config.Config) {
			c.Ingest.DTLS.Enabled = true
			c.Ingest.DTLS.CertFile = cert
			c.Ingest.DTLS.KeyFile = key
		}, "dtls_ingest_security", StatusOK},
		{"rate limiting off", func(c *config.Config) {
			c.RateLimit.Enabled = false
		}, "rate_limiting", StatusWarning},
		{"security headers off", func(c *config.Config) {
			c.Server.SecurityHeaders.Enabled = false
		}, "security_headers", StatusWarning},
		{"plain snapshots", func(c *config.Config) {
			c.Anomaly.Enabled = true
			c.Anomaly.Snapshot.Backend = "file"
		}, "snapshot_encryption", StatusWarning},
		{"bad snapshot key", func(c *config.Config) {
			c.Anomaly.Enabled = true
			c.Anomaly.Snapshot.Backend = "file"
			c.Anomaly.Snapshot.EncryptionKey = "not-base64!"
		}, "snapshot_encryption", StatusError},
		{"sealed snapshots", func(c *config.Config) {
			c.Anomaly.Enabled = true
			c.Anomaly.Snapshot.Backend = "s3"
			c.Anomaly.Snapshot.EncryptionKey = base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
		}, "snapshot_encryption", StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, cfg, _ := newTestDiagnostics()
			tt.modify(cfg)
			d.checkSecurityConfiguration()

			r := findResult(d.Results(), tt.check)
			if r == nil {
				t.Fatalf("no %s result in %+v", tt.check, d.Results())
			}
			if r.Status != tt.want {
				t.Errorf("%s = %s (%s), want %s", tt.check, r.Status, r.Message, tt.want)
			}
		})
	}
}

func TestCheckFiles(t *testing.T) {
	dir := t.TempDir()
	city := filepath.Join(dir, "GeoLite2-City.mmdb")
	if err := os.WriteFile(city, []byte("mmdb"), 0o600); err != nil {
		t.Fatal(err)
	}

	d, cfg, _ := newTestDiagnostics()
	cfg.Integrations.GeoIP.CityDBPath = city
	cfg.Integrations.GeoIP.ASNDBPath = filepath.Join(dir, "absent.mmdb")
	cfg.Anomaly.Enabled = true
	cfg.Anomaly.Snapshot.Backend = "file"
	cfg.Anomaly.Snapshot.Path = filepath.Join(dir, "models", "forest.json")

	d.checkFiles()

	if r := findResult(d.Results(), "geoip_city"); r == nil || r.Status != StatusOK {
		t.Errorf("geoip_city = %+v, want ok", r)
	}
	if r := findResult(d.Results(), "geoip_asn"); r == nil || r.Status != StatusError {
		t.Errorf("geoip_asn = %+v, want error", r)
	}
	if r := findResult(d.Results(), "snapshot_directory"); r == nil || r.Status != StatusOK {
		t.Errorf("snapshot_directory = %+v, want ok", r)
	}
	if info, err := os.Stat(filepath.Join(dir, "models")); err != nil || !info.IsDir() {
		t.Errorf("snapshot directory not created: %v", err)
	}
}

func TestCheckModules(t *testing.T) {
	d, cfg, _ := newTestDiagnostics()
	cfg.Storage.Backend = "clickhouse"
	cfg.Alerting.KafkaEnabled = false
	d.checkModules()

	modules := findResultsPrefix(d.Results(), "module_")
	if len(modules) != 10 {
		t.Fatalf("got %d module results, want 10", len(modules))
	}
	if r := findResult(d.Results(), "module_clickhouse_storage"); r == nil || r.Status != StatusOK {
		t.Errorf("module_clickhouse_storage = %+v, want ok", r)
	}
	if r := findResult(d.Results(), "module_kafka_alerts"); r == nil || r.Status != StatusSkipped {
		t.Errorf("module_kafka_alerts = %+v, want skipped", r)
	}
}

func TestCheckDependencies(t *testing.T) {
	up, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer up.Close()
	go func() {
		for {
			conn, err := up.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	d, cfg, _ := newTestDiagnostics()
	cfg.Storage.Backend = "clickhouse"
	cfg.Storage.ClickHouse.Hosts = []string{up.Addr().String()}
	cfg.State.Backend = "redis"
	cfg.State.Redis.Addr = freeAddr(t)
	cfg.Alerting.KafkaEnabled = false
	cfg.Integrations.Kafka.ConsumeLines = false

	d.checkDependencies(context.Background())

	if r := findResult(d.Results(), "clickhouse_connectivity"); r == nil || r.Status != StatusOK {
		t.Errorf("clickhouse_connectivity = %+v, want ok", r)
	}
	if r := findResult(d.Results(), "redis_connectivity"); r == nil || r.Status != StatusError {
		t.Errorf("redis_connectivity = %+v, want error", r)
	}
	if r := findResult(d.Results(), "kafka_connectivity"); r != nil {
		t.Errorf("kafka probed while disabled: %+v", r)
	}
}

func TestCheckDependencies_MemoryBackends(t *testing.T) {
	d, _, _ := newTestDiagnostics()
	d.checkDependencies(context.Background())
	if len(d.Results()) != 0 {
		t.Errorf("memory backends should not be probed: %+v", d.Results())
	}
}

func TestRunAll_Defaults(t *testing.T) {
	t.Setenv("SIEM_CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))
	d, cfg, buf := newTestDiagnostics()
	cfg.Server.HTTPPort = freePort(t)
	cfg.Ingest.TCP.Address = "127.0.0.1:0"
	cfg.Anomaly.Snapshot.Backend = "none"

	results := d.RunAll(context.Background())
	if len(results) == 0 {
		t.Fatal("RunAll() returned no results")
	}
	if d.HasErrors() {
		for _, r := range results {
			if r.Status == StatusError {
				t.Errorf("unexpected error result: %+v", r)
			}
		}
	}
	if !strings.Contains(buf.String(), "diagnostics summary") {
		t.Error("summary was not logged")
	}
}
