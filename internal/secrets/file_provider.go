package secrets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// FileProvider reads secrets from files in a directory, such as Docker or
// Kubernetes secrets mounted under /run/secrets.
type FileProvider struct {
	baseDir string
	logger  *slog.Logger
}

// NewFileProvider creates a new file-based secret provider.
func NewFileProvider(baseDir string, logger *slog.Logger) *FileProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileProvider{baseDir: baseDir, logger: logger}
}

// Name returns the provider name.
func (f *FileProvider) Name() string {
	return ProviderFile
}

// Get reads the file named after key. Trailing newlines are trimmed.
// World-readable secret files are served but logged.
func (f *FileProvider) Get(_ context.Context, key string) (*Secret, error) {
	fullPath := filepath.Join(f.baseDir, f.keyToFilename(key))

	info, err := os.Stat(fullPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrSecretNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat secret file: %w", err)
	}
	if info.Mode().Perm()&0o004 != 0 {
		f.logger.Warn("secret file is world-readable", "path", fullPath, "mode", info.Mode().Perm().String())
	}

	value, err := readSecretFile(fullPath)
	if err != nil {
		return nil, err
	}
	return &Secret{
		Value:    value,
		Version:  1,
		Metadata: map[string]string{"source": "file", "path": fullPath},
	}, nil
}

// maxSecretFileSize bounds reads so a misconfigured path cannot pull a
// large file into memory.
const maxSecretFileSize = 64 << 10

func readSecretFile(path string) (string, error) {
	file, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", ErrSecretNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read secret file: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxSecretFileSize+1))
	if err != nil {
		return "", fmt.Errorf("failed to read secret file: %w", err)
	}
	if len(data) > maxSecretFileSize {
		return "", fmt.Errorf("secret file %s exceeds %d bytes", path, maxSecretFileSize)
	}
	return strings.TrimRight(string(data), "\n\r"), nil
}

// Close is a no-op for file provider.
func (f *FileProvider) Close() error {
	return nil
}

// HealthCheck verifies the base directory exists.
func (f *FileProvider) HealthCheck(context.Context) error {
	info, err := os.Stat(f.baseDir)
	if err != nil {
		return fmt.Errorf("cannot access secrets directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("secrets path is not a directory: %s", f.baseDir)
	}
	return nil
}

// keyToFilename converts a secret key to a safe filename.
//   - "clickhouse/password" -> "clickhouse_password"
//   - "abuseipdb.api-key" -> "abuseipdb_api_key"
func (f *FileProvider) keyToFilename(key string) string {
	filename := strings.ReplaceAll(key, "/", "_")
	filename = strings.ReplaceAll(filename, ".", "_")
	filename = strings.ReplaceAll(filename, "-", "_")
	return strings.ToLower(filename)
}
