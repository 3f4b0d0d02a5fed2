package encryption

import (
	"bytes"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(Config{MasterKey: testKey, KeyVersion: 1})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	return e
}

func TestNewEngine(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", Config{MasterKey: testKey, KeyVersion: 1}, false},
		{"short key", Config{MasterKey: []byte("short"), KeyVersion: 1}, true},
		{"no key", Config{KeyVersion: 1}, true},
		{"version zero", Config{MasterKey: testKey}, true},
		{"version too large", Config{MasterKey: testKey, KeyVersion: 256}, true},
		{"bad old key", Config{MasterKey: testKey, KeyVersion: 2, OldKeys: map[int][]byte{1: []byte("x")}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEngine(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewEngine() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidKey) {
				t.Errorf("error = %v, want ErrInvalidKey", err)
			}
		})
	}
}

func TestSealOpen(t *testing.T) {
	e := newTestEngine(t)

	tests := []struct {
		name      string
		plaintext []byte
	}{
		{"empty", []byte{}},
		{"model", []byte(`{"trees":100,"sample_size":256}`)},
		{"binary", []byte{0x00, 0xff, 0x10, 0x80}},
		{"large", bytes.Repeat([]byte("x"), 1<<16)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sealed, err := e.Seal(tt.plaintext)
			if err != nil {
				t.Fatalf("Seal() error = %v", err)
			}
			if !IsSealed(sealed) {
				t.Fatal("sealed payload should carry the header")
			}
			if len(tt.plaintext) > 8 && bytes.Contains(sealed, tt.plaintext) {
				t.Error("sealed payload contains the plaintext")
			}

			opened, err := e.Open(sealed)
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			if !bytes.Equal(opened, tt.plaintext) {
				t.Errorf("Open() = %q, want %q", opened, tt.plaintext)
			}
		})
	}
}

func TestSeal_UniqueNonces(t *testing.T) {
	e := newTestEngine(t)
	a, _ := e.Seal([]byte("same"))
	b, _ := e.Seal([]byte("same"))
	if bytes.Equal(a, b) {
		t.Error("two seals of the same plaintext should differ")
	}
}

func TestOpen_Invalid(t *testing.T) {
	e := newTestEngine(t)
	sealed, err := e.Seal([]byte("payload"))
	if err != nil {
		t.Fatal(err)
	}

	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-1] ^= 0x01

	wrongVersion := append([]byte(nil), sealed...)
	wrongVersion[len(magic)] = 9

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"plaintext", []byte(`{"trees":1}`), ErrInvalidCiphertext},
		{"header only", append(append([]byte(nil), magic...), 1), ErrInvalidCiphertext},
		{"tampered", tampered, ErrDecryptionFailed},
		{"unknown version", wrongVersion, ErrUnknownKeyVersion},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := e.Open(tt.data); !errors.Is(err, tt.want) {
				t.Errorf("Open() error = %v, want %v", err, tt.want)
			}
		})
	}

	other, err := NewEngine(Config{MasterKey: []byte("another-key-material-32-bytes!!!"), KeyVersion: 1})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := other.Open(sealed); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("Open() with the wrong key error = %v, want ErrDecryptionFailed", err)
	}
}

func TestKeyRotation(t *testing.T) {
	e := newTestEngine(t)
	before, err := e.Seal([]byte("v1 data"))
	if err != nil {
		t.Fatal(err)
	}

	newKey := []byte("fedcba9876543210fedcba9876543210")
	if err := e.RotateKey(newKey, 2); err != nil {
		t.Fatalf("RotateKey() error = %v", err)
	}
	if e.KeyVersion() != 2 {
		t.Errorf("KeyVersion() = %d, want 2", e.KeyVersion())
	}

	after, err := e.Seal([]byte("v2 data"))
	if err != nil {
		t.Fatal(err)
	}
	if after[len(magic)] != 2 {
		t.Errorf("new payload version byte = %d, want 2", after[len(magic)])
	}

	for _, sealed := range [][]byte{before, after} {
		if _, err := e.Open(sealed); err != nil {
			t.Errorf("Open() after rotation error = %v", err)
		}
	}

	if err := e.RotateKey(newKey, 2); err == nil {
		t.Error("rotating to the same version should fail")
	}
	if err := e.RotateKey([]byte("short"), 3); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("short key error = %v", err)
	}

	// A fresh engine configured with the retired key can still read old data.
	restarted, err := NewEngine(Config{MasterKey: newKey, KeyVersion: 2, OldKeys: map[int][]byte{1: testKey}})
	if err != nil {
		t.Fatal(err)
	}
	if got, err := restarted.Open(before); err != nil || string(got) != "v1 data" {
		t.Errorf("Open() with configured old key = %q, %v", got, err)
	}
}

func TestParseKey(t *testing.T) {
	s, err := GenerateKeyBase64()
	if err != nil {
		t.Fatal(err)
	}
	key, err := ParseKey(s)
	if err != nil {
		t.Fatalf("ParseKey() error = %v", err)
	}
	if len(key) != 32 {
		t.Errorf("key length = %d, want 32", len(key))
	}

	if _, err := ParseKey("not base64!"); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("error = %v, want ErrInvalidKey", err)
	}
	if _, err := ParseKey(base64.StdEncoding.EncodeToString([]byte("short"))); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("error = %v, want ErrInvalidKey", err)
	}
}

func TestGenerateKey(t *testing.T) {
	a, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	b, _ := GenerateKey()
	if len(a) != 32 || bytes.Equal(a, b) {
		t.Error("GenerateKey() should return distinct 32-byte keys")
	}
}

func TestConcurrentSealOpen(t *testing.T) {
	e := newTestEngine(t)

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg := []byte{byte(i)}
			sealed, err := e.Seal(msg)
			if err != nil {
				errs <- err
				return
			}
			got, err := e.Open(sealed)
			if err != nil {
				errs <- err
				return
			}
			if !bytes.Equal(got, msg) {
				errs <- errors.New("round trip mismatch")
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}
