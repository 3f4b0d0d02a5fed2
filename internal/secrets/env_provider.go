package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// envPrefix is tried before the bare key.
const envPrefix = "SIEM_"

// EnvProvider retrieves secrets from environment variables.
type EnvProvider struct {
	logger *slog.Logger
}

// NewEnvProvider creates a new environment variable provider.
func NewEnvProvider(logger *slog.Logger) *EnvProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &EnvProvider{logger: logger}
}

// Name returns the provider name.
func (e *EnvProvider) Name() string {
	return ProviderEnv
}

// Get looks up the normalized, SIEM_-prefixed form of key and then key
// itself. For either name, a companion <NAME>_FILE variable pointing at a
// file is honoured when the variable itself is unset.
func (e *EnvProvider) Get(_ context.Context, key string) (*Secret, error) {
	for _, name := range []string{normalizeEnvKey(key), key} {
		if value := os.Getenv(name); value != "" {
			return &Secret{
				Value:    value,
				Version:  1,
				Metadata: map[string]string{"source": "environment", "variable": name},
			}, nil
		}

		path := os.Getenv(name + "_FILE")
		if path == "" {
			continue
		}
		value, err := readSecretFile(path)
		if err != nil {
			return nil, fmt.Errorf("%s_FILE: %w", name, err)
		}
		return &Secret{
			Value:    value,
			Version:  1,
			Metadata: map[string]string{"source": "environment", "variable": name + "_FILE", "path": path},
		}, nil
	}
	return nil, ErrSecretNotFound
}

// Close is a no-op for environment variables.
func (e *EnvProvider) Close() error {
	return nil
}

// HealthCheck always returns nil.
func (e *EnvProvider) HealthCheck(context.Context) error {
	return nil
}

// normalizeEnvKey converts a key to environment variable form.
//   - "redis.password" -> "SIEM_REDIS_PASSWORD"
//   - "SIEM_REDIS_PASSWORD" -> "SIEM_REDIS_PASSWORD"
func normalizeEnvKey(key string) string {
	normalized := strings.ToUpper(key)
	normalized = strings.ReplaceAll(normalized, ".", "_")
	normalized = strings.ReplaceAll(normalized, "-", "_")

	if !strings.HasPrefix(normalized, envPrefix) {
		normalized = envPrefix + normalized
	}
	return normalized
}
