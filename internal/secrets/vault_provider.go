package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// VaultProvider retrieves secrets from a HashiCorp Vault KV v2 engine.
type VaultProvider struct {
	address    string
	token      string
	basePath   string
	httpClient *http.Client
	logger     *slog.Logger
}

// VaultConfig holds configuration for the Vault provider.
type VaultConfig struct {
	Address string // e.g. "https://vault.example.com:8200"
	Token   string
	Path    string // e.g. "secret/data/siem"
	Timeout time.Duration
	Logger  *slog.Logger
}

// NewVaultProvider creates a Vault provider and checks that the server is
// reachable.
func NewVaultProvider(cfg VaultConfig) (*VaultProvider, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("vault address is required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("vault token is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	vp := &VaultProvider{
		address:    strings.TrimSuffix(cfg.Address, "/"),
		token:      cfg.Token,
		basePath:   strings.Trim(cfg.Path, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     cfg.Logger,
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	if err := vp.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("vault health check failed: %w", err)
	}
	return vp, nil
}

// Name returns the provider name.
func (vp *VaultProvider) Name() string {
	return ProviderVault
}

// Get reads key from Vault. A "path#field" key selects one field of the
// secret; otherwise the "value" field is preferred, then the first string
// field.
func (vp *VaultProvider) Get(ctx context.Context, key string) (*Secret, error) {
	key, field, _ := strings.Cut(key, "#")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, vp.address+vp.secretPath(key), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-Vault-Token", vp.token)

	resp, err := vp.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vault request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrSecretNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("vault returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var vaultResp vaultReadResponse
	if err := json.NewDecoder(resp.Body).Decode(&vaultResp); err != nil {
		return nil, fmt.Errorf("failed to decode vault response: %w", err)
	}
	if vaultResp.Data.Data == nil {
		return nil, ErrSecretNotFound
	}

	value, err := pickField(vaultResp.Data.Data, field)
	if err != nil {
		return nil, fmt.Errorf("secret %q: %w", key, err)
	}
	vp.logger.Debug("vault secret read", "key", key, "field", field, "version", vaultResp.Data.Metadata.Version)

	return &Secret{
		Value:    value,
		Version:  vaultResp.Data.Metadata.Version,
		Metadata: vaultResp.Data.Metadata.CustomMetadata,
	}, nil
}

// Close releases idle connections.
func (vp *VaultProvider) Close() error {
	vp.httpClient.CloseIdleConnections()
	return nil
}

// HealthCheck verifies the Vault connection. Active and standby nodes both
// count as healthy.
func (vp *VaultProvider) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, vp.address+"/v1/sys/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := vp.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case 200, 429, 472, 473:
		return nil
	}
	return fmt.Errorf("vault unhealthy: status %d", resp.StatusCode)
}

func pickField(data map[string]any, field string) (string, error) {
	if field != "" {
		v, ok := data[field].(string)
		if !ok {
			return "", fmt.Errorf("%w: no string field %q", ErrSecretNotFound, field)
		}
		return v, nil
	}
	if v, ok := data["value"].(string); ok {
		return v, nil
	}

	// Map order is random; take the lexically first field so the choice is
	// stable across reads.
	var first string
	for name, v := range data {
		if _, ok := v.(string); ok && (first == "" || name < first) {
			first = name
		}
	}
	if first == "" {
		return "", errors.New("no string value field")
	}
	return data[first].(string), nil
}

// secretPath builds the KV v2 read path for key.
//   - base "" -> /v1/secret/data/<key>
//   - base "secret/data/siem" -> /v1/secret/data/siem/<key>
//   - base "kv/siem" -> /v1/kv/data/siem/<key>
func (vp *VaultProvider) secretPath(key string) string {
	key = strings.TrimPrefix(key, "/")
	if vp.basePath == "" {
		return "/v1/secret/data/" + key
	}
	if strings.Contains(vp.basePath, "/data/") || strings.HasSuffix(vp.basePath, "/data") {
		return "/v1/" + vp.basePath + "/" + key
	}

	mount, rest, ok := strings.Cut(vp.basePath, "/")
	if ok {
		return "/v1/" + mount + "/data/" + rest + "/" + key
	}
	return "/v1/" + vp.basePath + "/data/" + key
}

type vaultReadResponse struct {
	Data struct {
		Data     map[string]any `json:"data"`
		Metadata struct {
			Version        int               `json:"version"`
			CreatedTime    string            `json:"created_time"`
			CustomMetadata map[string]string `json:"custom_metadata"`
		} `json:"metadata"`
	} `json:"data"`
}
