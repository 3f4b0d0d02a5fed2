// Package secrets resolves credential references from the environment,
// mounted secret files or HashiCorp Vault. Resolved values are cached.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

var (
	// ErrSecretNotFound is returned when a secret is not found in any provider.
	ErrSecretNotFound = errors.New("secret not found")

	// ErrUnknownProvider is returned when a reference names a provider that
	// is not configured.
	ErrUnknownProvider = errors.New("secret provider not configured")
)

// Provider names used in references such as "env:REDIS_PASSWORD".
const (
	ProviderEnv   = "env"
	ProviderFile  = "file"
	ProviderVault = "vault"
)

// Secret represents a retrieved secret with metadata.
type Secret struct {
	Value    string
	Version  int
	Metadata map[string]string
}

// Provider is a read-only source of secrets.
type Provider interface {
	Name() string
	Get(ctx context.Context, key string) (*Secret, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

// Config holds configuration for the secrets manager. The environment
// provider is always enabled; the file provider needs FileDir and the
// Vault provider needs Vault.Address.
type Config struct {
	FileDir  string
	CacheTTL time.Duration
	Vault    VaultConfig
	Logger   *slog.Logger
}

// Manager routes references to providers and caches the results.
type Manager struct {
	providers map[string]Provider
	order     []string

	cacheMu  sync.RWMutex
	cache    map[string]cachedSecret
	cacheTTL time.Duration
	now      func() time.Time

	logger *slog.Logger
}

type cachedSecret struct {
	secret    *Secret
	fetchedAt time.Time
}

// NewManager creates a manager with the providers cfg enables. A Vault
// provider that fails its startup health check is an error.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	m := &Manager{
		providers: make(map[string]Provider),
		cache:     make(map[string]cachedSecret),
		cacheTTL:  cfg.CacheTTL,
		now:       time.Now,
		logger:    cfg.Logger,
	}

	if cfg.Vault.Address != "" {
		if cfg.Vault.Logger == nil {
			cfg.Vault.Logger = cfg.Logger
		}
		vault, err := NewVaultProvider(cfg.Vault)
		if err != nil {
			return nil, err
		}
		m.register(vault)
	}
	m.register(NewEnvProvider(cfg.Logger))
	if cfg.FileDir != "" {
		m.register(NewFileProvider(cfg.FileDir, cfg.Logger))
	}

	cfg.Logger.Info("secret providers initialized", "providers", m.order)
	return m, nil
}

func (m *Manager) register(p Provider) {
	m.providers[p.Name()] = p
	m.order = append(m.order, p.Name())
}

// Get retrieves key from the first provider that has it.
func (m *Manager) Get(ctx context.Context, key string) (string, error) {
	var lastErr error = ErrSecretNotFound
	for _, name := range m.order {
		value, err := m.getFrom(ctx, name, key)
		if err == nil {
			return value, nil
		}
		if !errors.Is(err, ErrSecretNotFound) {
			m.logger.Warn("provider error", "provider", name, "key", key, "error", err)
		}
		lastErr = err
	}
	return "", fmt.Errorf("failed to get secret %q: %w", key, lastErr)
}

// Resolve returns the value ref stands for. References have the form
// "env:KEY", "file:KEY" or "vault:KEY"; anything else, including the
// empty string, is a literal and returned unchanged.
func (m *Manager) Resolve(ctx context.Context, ref string) (string, error) {
	provider, key := ParseRef(ref)
	if provider == "" {
		return ref, nil
	}
	if _, ok := m.providers[provider]; !ok {
		return "", fmt.Errorf("resolve %s reference: %w", provider, ErrUnknownProvider)
	}
	value, err := m.getFrom(ctx, provider, key)
	if err != nil {
		return "", fmt.Errorf("resolve %s:%s: %w", provider, key, err)
	}
	return value, nil
}

func (m *Manager) getFrom(ctx context.Context, provider, key string) (string, error) {
	cacheKey := provider + ":" + key
	if s := m.getFromCache(cacheKey); s != nil {
		return s.Value, nil
	}

	secret, err := m.providers[provider].Get(ctx, key)
	if err != nil {
		return "", err
	}
	m.cacheSecret(cacheKey, secret)
	m.logger.Debug("secret retrieved", "key", key, "provider", provider)
	return secret.Value, nil
}

// HealthCheck verifies all providers are accessible.
func (m *Manager) HealthCheck(ctx context.Context) error {
	var errs []error
	for _, name := range m.order {
		if err := m.providers[name].HealthCheck(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Close shuts down all providers and clears the cache.
func (m *Manager) Close() error {
	m.ClearCache()

	var errs []error
	for _, name := range m.order {
		if err := m.providers[name].Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Providers returns the configured provider names in lookup order.
func (m *Manager) Providers() []string {
	return append([]string(nil), m.order...)
}

func (m *Manager) getFromCache(key string) *Secret {
	if m.cacheTTL <= 0 {
		return nil
	}

	m.cacheMu.RLock()
	defer m.cacheMu.RUnlock()

	cached, ok := m.cache[key]
	if !ok || m.now().Sub(cached.fetchedAt) > m.cacheTTL {
		return nil
	}
	return cached.secret
}

func (m *Manager) cacheSecret(key string, secret *Secret) {
	if m.cacheTTL <= 0 {
		return
	}

	m.cacheMu.Lock()
	m.cache[key] = cachedSecret{secret: secret, fetchedAt: m.now()}
	m.cacheMu.Unlock()
}

// ClearCache clears all cached secrets.
func (m *Manager) ClearCache() {
	m.cacheMu.Lock()
	m.cache = make(map[string]cachedSecret)
	m.cacheMu.Unlock()
}

// ParseRef splits a reference into provider and key. Values without a
// known provider prefix return an empty provider.
//   - "env:REDIS_PASSWORD" -> ("env", "REDIS_PASSWORD")
//   - "vault:siem/clickhouse" -> ("vault", "siem/clickhouse")
//   - "p@ss:word" -> ("", "p@ss:word")
func ParseRef(ref string) (provider, key string) {
	prefix, rest, ok := strings.Cut(ref, ":")
	if !ok || rest == "" {
		return "", ref
	}
	switch prefix {
	case ProviderEnv, ProviderFile, ProviderVault:
		return prefix, rest
	}
	return "", ref
}
