// Package config handles configuration loading for sentinel-siem.
package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete application configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Ingest       IngestConfig       `yaml:"ingest"`
	Queue        QueueConfig        `yaml:"queue"`
	Validation   ValidationConfig   `yaml:"validation"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`
	Logging      LoggingConfig      `yaml:"logging"`
	Storage      StorageConfig      `yaml:"storage"`
	State        StateConfig        `yaml:"state"`
	Consumer     ConsumerConfig     `yaml:"consumer"`
	Detection    DetectionConfig    `yaml:"detection"`
	Anomaly      AnomalyConfig      `yaml:"anomaly"`
	Alerting     AlertingConfig     `yaml:"alerting"`
	Supervisor   SupervisorConfig   `yaml:"supervisor"`
	Integrations IntegrationsConfig `yaml:"integrations"`
	Secrets      SecretsConfig      `yaml:"secrets"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	SecurityHeaders SecurityHeadersConfig `yaml:"security_headers"`
}

// SecurityHeadersConfig controls the response headers added to every API
// response.
type SecurityHeadersConfig struct {
	Enabled bool `yaml:"enabled"`
	// HSTSMaxAge in seconds; zero omits Strict-Transport-Security.
	HSTSMaxAge    int               `yaml:"hsts_max_age"`
	CustomHeaders map[string]string `yaml:"custom_headers"`
}

// IngestConfig holds ingestion settings.
type IngestConfig struct {
	MaxBatchSize   int        `yaml:"max_batch_size"`
	MaxPayloadSize int        `yaml:"max_payload_size"`
	TCP            TCPConfig  `yaml:"tcp"`
	DTLS           DTLSConfig `yaml:"dtls"`
	// SyncDetection allows POST /v1/ingest?wait=true to run detection inline.
	SyncDetection bool `yaml:"sync_detection"`
}

// TCPConfig holds the plain TCP line listener settings.
type TCPConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Address        string        `yaml:"address"`
	MaxConnections int           `yaml:"max_connections"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	MaxLineLength  int           `yaml:"max_line_length"`
	TLSEnabled     bool          `yaml:"tls_enabled"`
	TLSCertFile    string        `yaml:"tls_cert_file"`
	TLSKeyFile     string        `yaml:"tls_key_file"`
}

// DTLSConfig holds the DTLS (secure UDP) line listener settings.
type DTLSConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Address           string        `yaml:"address"`
	CertFile          string        `yaml:"cert_file"`
	KeyFile           string        `yaml:"key_file"`
	CAFile            string        `yaml:"ca_file"`
	RequireClientCert bool          `yaml:"require_client_cert"`
	MaxMessageSize    int           `yaml:"max_message_size"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	// AllowInsecure falls back to plain UDP when no certificate is set.
	AllowInsecure bool `yaml:"allow_insecure"`
}

// QueueConfig holds queue settings.
type QueueConfig struct {
	Size int `yaml:"size"`
}

// ValidationConfig holds event validation settings.
type ValidationConfig struct {
	MaxEventAge time.Duration `yaml:"max_event_age"`
	MaxFuture   time.Duration `yaml:"max_future"`
}

// RateLimitConfig holds per-client ingest rate limiting settings.
type RateLimitConfig struct {
	Enabled           bool          `yaml:"enabled"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	BurstSize         int           `yaml:"burst_size"`
	CleanupPeriod     time.Duration `yaml:"cleanup_period"`
	ExemptPaths       []string      `yaml:"exempt_paths"`
	TrustProxy        bool          `yaml:"trust_proxy"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StorageConfig holds event/alert/session store settings.
type StorageConfig struct {
	// Backend is "memory" or "clickhouse".
	Backend     string            `yaml:"backend"`
	ClickHouse  ClickHouseConfig  `yaml:"clickhouse"`
	BatchWriter BatchWriterConfig `yaml:"batch_writer"`
	Retention   RetentionConfig   `yaml:"retention"`
}

// RetentionConfig holds per-table TTLs. MemoryEvents bounds the in-memory
// event log and must cover the longest detector window.
type RetentionConfig struct {
	Events       time.Duration `yaml:"events"`
	Alerts       time.Duration `yaml:"alerts"`
	Sessions     time.Duration `yaml:"sessions"`
	Quarantine   time.Duration `yaml:"quarantine"`
	MemoryEvents time.Duration `yaml:"memory_events"`
}

// ClickHouseConfig holds ClickHouse connection settings.
type ClickHouseConfig struct {
	Hosts           []string      `yaml:"hosts"`
	Database        string        `yaml:"database"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	TLSEnabled      bool          `yaml:"tls_enabled"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
}

// BatchWriterConfig holds batch writer settings.
type BatchWriterConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// StateConfig holds profile and incident store settings.
type StateConfig struct {
	// Backend is "memory" or "redis".
	Backend string      `yaml:"backend"`
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	KeyPrefix   string        `yaml:"key_prefix"`
	PoolSize    int           `yaml:"pool_size"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	// MaxTxRetries bounds optimistic-lock retries per update.
	MaxTxRetries int `yaml:"max_tx_retries"`
}

// ConsumerConfig holds queue consumer settings.
type ConsumerConfig struct {
	Workers      int           `yaml:"workers"`
	PollInterval time.Duration `yaml:"poll_interval"`
	ShutdownWait time.Duration `yaml:"shutdown_wait"`
}

// DetectionConfig holds detector windows and thresholds.
type DetectionConfig struct {
	// QueryTimeout bounds store access for one detector on one event.
	QueryTimeout time.Duration     `yaml:"query_timeout"`
	Correlation  CorrelationConfig `yaml:"correlation"`
	UEBA         UEBAConfig        `yaml:"ueba"`
	Incident     IncidentConfig    `yaml:"incident"`
}

// CorrelationConfig holds the sliding window rule settings.
type CorrelationConfig struct {
	Window              time.Duration `yaml:"window"`
	BruteForceThreshold int           `yaml:"brute_force_threshold"`
	SweepInterval       time.Duration `yaml:"sweep_interval"`
}

// UEBAConfig holds behavioral profiling settings.
type UEBAConfig struct {
	Window               time.Duration `yaml:"window"`
	Cooldown             time.Duration `yaml:"cooldown"`
	SessionGap           time.Duration `yaml:"session_gap"`
	FailedThreshold      int           `yaml:"failed_threshold"`
	InvalidThreshold     int           `yaml:"invalid_threshold"`
	EnumFailedThreshold  int           `yaml:"enum_failed_threshold"`
	BurstThreshold       int           `yaml:"burst_threshold"`
	BurstMultiplier      float64       `yaml:"burst_multiplier"`
	MultiSourceThreshold int           `yaml:"multi_source_threshold"`
	EMAAlpha             float64       `yaml:"ema_alpha"`
	RiskFloor            int           `yaml:"risk_floor"`
	RareEntityRisk       int           `yaml:"rare_entity_risk"`
}

// IncidentConfig holds aggregation settings.
type IncidentConfig struct {
	Cooldown time.Duration `yaml:"cooldown"`
	// DecayPerMinute is subtracted from the stored risk per elapsed minute.
	DecayPerMinute float64 `yaml:"decay_per_minute"`
	// RiskFloor is the lowest risk a stored incident decays to.
	RiskFloor float64 `yaml:"risk_floor"`
}

// AnomalyConfig holds isolation forest and retraining settings.
type AnomalyConfig struct {
	Enabled       bool           `yaml:"enabled"`
	Trees         int            `yaml:"trees"`
	SampleSize    int            `yaml:"sample_size"`
	Contamination float64        `yaml:"contamination"`
	Seed          int64          `yaml:"seed"`
	TrainInterval time.Duration  `yaml:"train_interval"`
	LookbackDays  int            `yaml:"lookback_days"`
	SampleLimit   int            `yaml:"sample_limit"`
	TrainWorkers  int            `yaml:"train_workers"`
	Snapshot      SnapshotConfig `yaml:"snapshot"`
}

// SnapshotConfig selects where trained models are persisted.
type SnapshotConfig struct {
	// Backend is "none", "file" or "s3".
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
	// EncryptionKey is base64 key material, usually a secret reference.
	// When set, snapshots are sealed with AES-256-GCM.
	EncryptionKey string `yaml:"encryption_key"`
	KeyVersion    int    `yaml:"key_version"`
}

// AlertingConfig holds alert fan-out settings.
type AlertingConfig struct {
	WebSocketEnabled bool            `yaml:"websocket_enabled"`
	KafkaEnabled     bool            `yaml:"kafka_enabled"`
	PublishTimeout   time.Duration   `yaml:"publish_timeout"`
	// PublishQueueSize bounds the alerts waiting for each publisher.
	PublishQueueSize int             `yaml:"publish_queue_size"`
	Webhooks         []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig is an HTTP endpoint that receives every emitted alert.
type WebhookConfig struct {
	Name    string            `yaml:"name"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
}

// SecretsConfig selects where credential references are resolved. A
// credential written as "env:NAME", "file:NAME" or "vault:PATH" is
// replaced at startup; any other value is used as is.
type SecretsConfig struct {
	FileDir  string            `yaml:"file_dir"`
	CacheTTL time.Duration     `yaml:"cache_ttl"`
	Vault    VaultSecretConfig `yaml:"vault"`
}

// VaultSecretConfig holds HashiCorp Vault settings.
type VaultSecretConfig struct {
	Enabled bool          `yaml:"enabled"`
	Address string        `yaml:"address"`
	Token   string        `yaml:"token"`
	Path    string        `yaml:"path"`
	Timeout time.Duration `yaml:"timeout"`
}

// SupervisorConfig holds service supervision settings.
type SupervisorConfig struct {
	FailureThreshold float64       `yaml:"failure_threshold"`
	FailureDecay     float64       `yaml:"failure_decay"`
	FailureBackoff   time.Duration `yaml:"failure_backoff"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:        8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			SecurityHeaders: SecurityHeadersConfig{
				Enabled: true,
			},
		},
		Ingest: IngestConfig{
			MaxBatchSize:   1000,
			MaxPayloadSize: 10 * 1024 * 1024,
			TCP: TCPConfig{
				Enabled:        true,
				Address:        ":5515",
				MaxConnections: 1000,
				IdleTimeout:    5 * time.Minute,
				MaxLineLength:  65535,
			},
			DTLS: DTLSConfig{
				Enabled:           false,
				Address:           ":5516",
				MaxMessageSize:    65535,
				ConnectionTimeout: 30 * time.Second,
				IdleTimeout:       5 * time.Minute,
			},
		},
		Queue: QueueConfig{
			Size: 100000,
		},
		Validation: ValidationConfig{
			MaxEventAge: 7 * 24 * time.Hour,
			MaxFuture:   5 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: 50,
			BurstSize:         100,
			CleanupPeriod:     5 * time.Minute,
			ExemptPaths:       []string{"/health", "/metrics"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Storage: StorageConfig{
			Backend: "memory",
			ClickHouse: ClickHouseConfig{
				Hosts:           []string{"localhost:9000"},
				Database:        "siem",
				Username:        "default",
				MaxOpenConns:    10,
				MaxIdleConns:    5,
				ConnMaxLifetime: time.Hour,
				DialTimeout:     10 * time.Second,
			},
			BatchWriter: BatchWriterConfig{
				BatchSize:     500,
				FlushInterval: time.Second,
				MaxRetries:    3,
				RetryDelay:    time.Second,
			},
			Retention: RetentionConfig{
				Events:       30 * 24 * time.Hour,
				Alerts:       180 * 24 * time.Hour,
				Sessions:     90 * 24 * time.Hour,
				Quarantine:   14 * 24 * time.Hour,
				MemoryEvents: 8 * 24 * time.Hour,
			},
		},
		State: StateConfig{
			Backend: "memory",
			Redis: RedisConfig{
				Addr:         "localhost:6379",
				KeyPrefix:    "siem:",
				PoolSize:     20,
				DialTimeout:  5 * time.Second,
				MaxTxRetries: 10,
			},
		},
		Consumer: ConsumerConfig{
			Workers:      4,
			PollInterval: 10 * time.Millisecond,
			ShutdownWait: 30 * time.Second,
		},
		Detection: DetectionConfig{
			QueryTimeout: 2 * time.Second,
			Correlation: CorrelationConfig{
				Window:              2 * time.Minute,
				BruteForceThreshold: 5,
				SweepInterval:       time.Minute,
			},
			UEBA: UEBAConfig{
				Window:               10 * time.Minute,
				Cooldown:             5 * time.Minute,
				SessionGap:           5 * time.Minute,
				FailedThreshold:      8,
				InvalidThreshold:     3,
				EnumFailedThreshold:  3,
				BurstThreshold:       25,
				BurstMultiplier:      3,
				MultiSourceThreshold: 2,
				EMAAlpha:             0.2,
				RiskFloor:            5,
				RareEntityRisk:       5,
			},
			Incident: IncidentConfig{
				Cooldown:       5 * time.Minute,
				DecayPerMinute: 0.1,
				RiskFloor:      1,
			},
		},
		Anomaly: AnomalyConfig{
			Enabled:       true,
			Trees:         100,
			SampleSize:    256,
			Contamination: 0.05,
			Seed:          42,
			TrainInterval: 6 * time.Hour,
			LookbackDays:  7,
			SampleLimit:   1000,
			TrainWorkers:  8,
			Snapshot: SnapshotConfig{
				Backend:    "none",
				Path:       "data/anomaly_model.json",
				KeyVersion: 1,
			},
		},
		Alerting: AlertingConfig{
			WebSocketEnabled: true,
			KafkaEnabled:     false,
			PublishTimeout:   5 * time.Second,
			PublishQueueSize: 1024,
		},
		Supervisor: SupervisorConfig{
			FailureThreshold: 5,
			FailureDecay:     30,
			FailureBackoff:   15 * time.Second,
			ShutdownTimeout:  10 * time.Second,
		},
		Integrations: DefaultIntegrationsConfig(),
		Secrets: SecretsConfig{
			FileDir:  "/run/secrets",
			CacheTTL: 5 * time.Minute,
			Vault: VaultSecretConfig{
				Path:    "secret/data/siem",
				Timeout: 10 * time.Second,
			},
		},
	}
}

// Load loads configuration from SIEM_CONFIG_PATH (default
// configs/config.yaml) or returns defaults when the file is absent.
func Load() (*Config, error) {
	configPath := os.Getenv("SIEM_CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from configPath, then applies environment
// overrides. A missing file yields defaults.
func LoadFile(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if port := os.Getenv("SIEM_HTTP_PORT"); port != "" {
		fmt.Sscanf(port, "%d", &c.Server.HTTPPort)
	}

	if level := os.Getenv("SIEM_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}

	if backend := os.Getenv("SIEM_STORAGE_BACKEND"); backend != "" {
		c.Storage.Backend = backend
	}

	if host := os.Getenv("CLICKHOUSE_HOST"); host != "" {
		c.Storage.ClickHouse.Hosts = []string{host}
	}

	if db := os.Getenv("CLICKHOUSE_DATABASE"); db != "" {
		c.Storage.ClickHouse.Database = db
	}

	if user := os.Getenv("CLICKHOUSE_USER"); user != "" {
		c.Storage.ClickHouse.Username = user
	}

	if pass := os.Getenv("CLICKHOUSE_PASSWORD"); pass != "" {
		c.Storage.ClickHouse.Password = pass
	}

	if backend := os.Getenv("SIEM_STATE_BACKEND"); backend != "" {
		c.State.Backend = backend
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.State.Redis.Addr = addr
	}

	if pass := os.Getenv("REDIS_PASSWORD"); pass != "" {
		c.State.Redis.Password = pass
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		c.Integrations.Kafka.Brokers = splitAndTrim(brokers, ",")
	}

	if key := os.Getenv("ABUSEIPDB_API_KEY"); key != "" {
		c.Integrations.ThreatIntel.APIKey = key
	}

	if bucket := os.Getenv("SIEM_S3_BUCKET"); bucket != "" {
		c.Integrations.S3.Bucket = bucket
	}

	if addr := os.Getenv("VAULT_ADDR"); addr != "" {
		c.Secrets.Vault.Address = addr
	}

	if token := os.Getenv("VAULT_TOKEN"); token != "" {
		c.Secrets.Vault.Token = token
	}

	if enabled := os.Getenv("SIEM_RATELIMIT_ENABLED"); enabled == "false" {
		c.RateLimit.Enabled = false
	}
}

// splitAndTrim splits s by sep and drops empty parts.
func splitAndTrim(s, sep string) []string {
	parts := make([]string, 0)
	for _, part := range strings.Split(s, sep) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port: %d", c.Server.HTTPPort)
	}

	if c.Queue.Size <= 0 {
		return fmt.Errorf("queue size must be positive")
	}

	if c.Ingest.MaxBatchSize <= 0 {
		return fmt.Errorf("max_batch_size must be positive")
	}

	switch c.Storage.Backend {
	case "memory", "clickhouse":
	default:
		return fmt.Errorf("invalid storage backend: %q", c.Storage.Backend)
	}

	if c.Storage.Backend == "memory" && c.Storage.Retention.MemoryEvents > 0 &&
		c.Storage.Retention.MemoryEvents < 24*time.Hour {
		return fmt.Errorf("retention.memory_events must cover 24h: %v", c.Storage.Retention.MemoryEvents)
	}

	switch c.State.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("invalid state backend: %q", c.State.Backend)
	}

	if c.Consumer.Workers <= 0 {
		return fmt.Errorf("consumer workers must be positive")
	}

	if c.Detection.QueryTimeout <= 0 {
		return fmt.Errorf("detection query_timeout must be positive")
	}

	if c.Detection.Correlation.Window <= 0 || c.Detection.UEBA.Window <= 0 {
		return fmt.Errorf("detection windows must be positive")
	}

	if a := c.Detection.UEBA.EMAAlpha; a <= 0 || a > 1 {
		return fmt.Errorf("ema_alpha must be in (0, 1]: %v", a)
	}

	if f := c.Detection.UEBA.RiskFloor; f < 1 || f > 10 {
		return fmt.Errorf("risk_floor must be in [1, 10]: %d", f)
	}
	if f := c.Detection.Incident.RiskFloor; f < 1 || f > 10 {
		return fmt.Errorf("incident risk_floor must be in [1, 10]: %v", f)
	}

	if c.Anomaly.Enabled {
		if c.Anomaly.Trees <= 0 || c.Anomaly.SampleSize <= 1 {
			return fmt.Errorf("anomaly trees and sample_size must be positive")
		}
		if ct := c.Anomaly.Contamination; ct <= 0 || ct >= 0.5 {
			return fmt.Errorf("contamination must be in (0, 0.5): %v", ct)
		}
		switch c.Anomaly.Snapshot.Backend {
		case "none", "file", "s3":
		default:
			return fmt.Errorf("invalid snapshot backend: %q", c.Anomaly.Snapshot.Backend)
		}
		if c.Anomaly.Snapshot.Backend == "s3" && c.Integrations.S3.Bucket == "" {
			return fmt.Errorf("s3 snapshot backend requires integrations.s3.bucket")
		}
		if v := c.Anomaly.Snapshot.KeyVersion; c.Anomaly.Snapshot.EncryptionKey != "" && (v < 1 || v > 255) {
			return fmt.Errorf("snapshot key_version must be in [1, 255]: %d", v)
		}
	}

	for i, wh := range c.Alerting.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("alerting.webhooks[%d]: url is required", i)
		}
	}

	if c.Alerting.KafkaEnabled || c.Integrations.Kafka.ConsumeLines {
		if len(c.Integrations.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka brokers are required when kafka is enabled")
		}
	}

	if v := c.Secrets.Vault; v.Enabled && (v.Address == "" || v.Token == "") {
		return fmt.Errorf("secrets.vault requires address and token when enabled")
	}

	return nil
}

// ResolveCredentials replaces every credential field with the value
// resolve returns for it. Empty fields are left alone.
func (c *Config) ResolveCredentials(ctx context.Context, resolve func(context.Context, string) (string, error)) error {
	fields := []struct {
		name string
		ref  *string
	}{
		{"storage.clickhouse.password", &c.Storage.ClickHouse.Password},
		{"state.redis.password", &c.State.Redis.Password},
		{"integrations.kafka.sasl_password", &c.Integrations.Kafka.SASLPassword},
		{"integrations.threat_intel.api_key", &c.Integrations.ThreatIntel.APIKey},
		{"integrations.s3.access_key_id", &c.Integrations.S3.AccessKeyID},
		{"integrations.s3.secret_access_key", &c.Integrations.S3.SecretAccessKey},
		{"anomaly.snapshot.encryption_key", &c.Anomaly.Snapshot.EncryptionKey},
	}

	for _, f := range fields {
		if *f.ref == "" {
			continue
		}
		value, err := resolve(ctx, *f.ref)
		if err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
		*f.ref = value
	}

	for i := range c.Alerting.Webhooks {
		wh := &c.Alerting.Webhooks[i]
		for k, v := range wh.Headers {
			value, err := resolve(ctx, v)
			if err != nil {
				return fmt.Errorf("alerting.webhooks[%d].headers.%s: %w", i, k, err)
			}
			wh.Headers[k] = value
		}
	}
	return nil
}
