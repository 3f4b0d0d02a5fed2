// Package encryption provides AES-256-GCM encryption for data at rest.
package encryption

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/crypto/hkdf"
)

var (
	// ErrInvalidKey is returned when the encryption key is invalid.
	ErrInvalidKey = errors.New("invalid encryption key")

	// ErrInvalidCiphertext is returned when sealed data is malformed.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")

	// ErrUnknownKeyVersion is returned when sealed data names a key version
	// the engine does not hold.
	ErrUnknownKeyVersion = errors.New("unknown key version")

	// ErrDecryptionFailed is returned when authentication fails.
	ErrDecryptionFailed = errors.New("decryption failed")
)

// magic prefixes every sealed payload so plaintext written before
// encryption was enabled can be told apart.
var magic = []byte("SSE1")

// MinKeyLength is the shortest master key accepted.
const MinKeyLength = 16

const hkdfInfo = "sentinel-siem data at rest"

// Config holds encryption configuration.
type Config struct {
	// MasterKey is the key material for the current version. The AES key
	// is derived from it with HKDF-SHA256.
	MasterKey []byte

	// KeyVersion is stored in every sealed payload, 1 to 255.
	KeyVersion int

	// OldKeys holds retired key material by version, for reading data
	// sealed before a rotation.
	OldKeys map[int][]byte

	Logger *slog.Logger
}

// Engine seals and opens payloads.
type Engine struct {
	mu      sync.RWMutex
	key     []byte
	version int
	oldKeys map[int][]byte
	logger  *slog.Logger
}

// NewEngine creates a new encryption engine.
func NewEngine(cfg Config) (*Engine, error) {
	if len(cfg.MasterKey) < MinKeyLength {
		return nil, fmt.Errorf("%w: master key must be at least %d bytes", ErrInvalidKey, MinKeyLength)
	}
	if cfg.KeyVersion < 1 || cfg.KeyVersion > 255 {
		return nil, fmt.Errorf("%w: key version must be in [1, 255]: %d", ErrInvalidKey, cfg.KeyVersion)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	key, err := deriveKey(cfg.MasterKey)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		key:     key,
		version: cfg.KeyVersion,
		oldKeys: make(map[int][]byte),
		logger:  logger,
	}
	for v, material := range cfg.OldKeys {
		if v == cfg.KeyVersion {
			continue
		}
		old, err := deriveKey(material)
		if err != nil {
			return nil, fmt.Errorf("old key %d: %w", v, err)
		}
		e.oldKeys[v] = old
	}

	logger.Info("encryption engine initialized",
		"key_version", cfg.KeyVersion,
		"old_keys", len(e.oldKeys),
		"algorithm", "AES-256-GCM")
	return e, nil
}

func deriveKey(master []byte) ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("%w: derive key: %v", ErrInvalidKey, err)
	}
	return key, nil
}

// Seal encrypts plaintext. The result is
// magic | version (1 byte) | nonce | ciphertext+tag.
func (e *Engine) Seal(plaintext []byte) ([]byte, error) {
	e.mu.RLock()
	key, version := e.key, e.version
	e.mu.RUnlock()

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	out := make([]byte, 0, len(magic)+1+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, magic...)
	out = append(out, byte(version))
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plaintext, magic), nil
}

// Open decrypts data produced by Seal with the current or a retired key.
func (e *Engine) Open(data []byte) ([]byte, error) {
	if !IsSealed(data) {
		return nil, fmt.Errorf("%w: missing header", ErrInvalidCiphertext)
	}
	version := int(data[len(magic)])
	body := data[len(magic)+1:]

	e.mu.RLock()
	key, ok := e.key, version == e.version
	if !ok {
		key, ok = e.oldKeys[version]
	}
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKeyVersion, version)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(body) < gcm.NonceSize()+gcm.Overhead() {
		return nil, fmt.Errorf("%w: data too short", ErrInvalidCiphertext)
	}

	nonce, ciphertext := body[:gcm.NonceSize()], body[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, magic)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return cipher.NewGCM(block)
}

// IsSealed reports whether data carries the sealed payload header.
func IsSealed(data []byte) bool {
	return len(data) > len(magic) && bytes.HasPrefix(data, magic)
}

// RotateKey makes newMaster the current key under newVersion. The previous
// key is retained for Open.
func (e *Engine) RotateKey(newMaster []byte, newVersion int) error {
	if len(newMaster) < MinKeyLength {
		return fmt.Errorf("%w: master key must be at least %d bytes", ErrInvalidKey, MinKeyLength)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if newVersion <= e.version || newVersion > 255 {
		return fmt.Errorf("new version (%d) must be greater than current version (%d) and at most 255",
			newVersion, e.version)
	}

	key, err := deriveKey(newMaster)
	if err != nil {
		return err
	}

	e.oldKeys[e.version] = e.key
	oldVersion := e.version
	e.key, e.version = key, newVersion

	e.logger.Info("encryption key rotated",
		"old_version", oldVersion,
		"new_version", newVersion,
		"old_keys_retained", len(e.oldKeys))
	return nil
}

// KeyVersion returns the current key version.
func (e *Engine) KeyVersion() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.version
}

// ParseKey decodes base64 key material, as produced by GenerateKeyBase64.
func ParseKey(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: not base64", ErrInvalidKey)
	}
	if len(key) < MinKeyLength {
		return nil, fmt.Errorf("%w: master key must be at least %d bytes", ErrInvalidKey, MinKeyLength)
	}
	return key, nil
}

// GenerateKey generates a random 32-byte encryption key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// GenerateKeyBase64 generates a random key and returns it as base64.
func GenerateKeyBase64() (string, error) {
	key, err := GenerateKey()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
