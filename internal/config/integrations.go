package config

import (
	"time"
)

// IntegrationsConfig holds configuration for external systems.
type IntegrationsConfig struct {
	Kafka       KafkaConfig       `yaml:"kafka"`
	ThreatIntel ThreatIntelConfig `yaml:"threat_intel"`
	GeoIP       GeoIPConfig       `yaml:"geoip"`
	S3          S3Config          `yaml:"s3"`
}

// KafkaConfig holds broker settings for line intake and alert publishing.
type KafkaConfig struct {
	Brokers          []string `yaml:"brokers"`
	ConsumeLines     bool     `yaml:"consume_lines"`
	LinesTopic       string   `yaml:"lines_topic"`
	AlertsTopic      string   `yaml:"alerts_topic"`
	ConsumerGroup    string   `yaml:"consumer_group"`
	SecurityProtocol string   `yaml:"security_protocol"`
	SASLMechanism    string   `yaml:"sasl_mechanism"`
	SASLUsername     string   `yaml:"sasl_username"`
	SASLPassword     string   `yaml:"sasl_password"`
	TLSCAFile        string   `yaml:"tls_ca_file"`
}

// ThreatIntelConfig holds the IP reputation client settings.
type ThreatIntelConfig struct {
	APIKey            string        `yaml:"api_key"`
	BaseURL           string        `yaml:"base_url"`
	MaxAgeDays        int           `yaml:"max_age_days"`
	Timeout           time.Duration `yaml:"timeout"`
	CacheTTL          time.Duration `yaml:"cache_ttl"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	BreakerFailures   uint32        `yaml:"breaker_failures"`
	BreakerTimeout    time.Duration `yaml:"breaker_timeout"`
}

// GeoIPConfig points at MaxMind databases used for incident enrichment.
type GeoIPConfig struct {
	CityDBPath string `yaml:"city_db_path"`
	ASNDBPath  string `yaml:"asn_db_path"`
}

// S3Config holds object storage settings for model snapshots.
type S3Config struct {
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Prefix          string        `yaml:"prefix"`
	Endpoint        string        `yaml:"endpoint"`
	UsePathStyle    bool          `yaml:"use_path_style"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	Timeout         time.Duration `yaml:"timeout"`
}

// DefaultIntegrationsConfig returns defaults with every integration idle.
func DefaultIntegrationsConfig() IntegrationsConfig {
	return IntegrationsConfig{
		Kafka: KafkaConfig{
			LinesTopic:       "siem.auth-lines",
			AlertsTopic:      "siem.alerts",
			ConsumerGroup:    "siem-detect",
			SecurityProtocol: "PLAINTEXT",
		},
		ThreatIntel: ThreatIntelConfig{
			BaseURL:           "https://api.abuseipdb.com/api/v2/check",
			MaxAgeDays:        90,
			Timeout:           10 * time.Second,
			CacheTTL:          time.Hour,
			RequestsPerMinute: 30,
			BreakerFailures:   5,
			BreakerTimeout:    time.Minute,
		},
		S3: S3Config{
			Region:  "us-east-1",
			Prefix:  "models/",
			Timeout: 30 * time.Second,
		},
	}
}
