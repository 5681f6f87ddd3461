package vault

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/openfroyo/conveyor/pkg/engine"
)

const (
	envelopeVersion = 1
	saltSize        = 16
	kdfTime         = uint32(2)
	kdfMemoryKB     = uint32(64 * 1024)
	kdfThreads      = uint8(1)
)

// ErrAuthFailed is returned when the vault file cannot be opened with the passphrase.
var ErrAuthFailed = errors.New("vault authentication failed")

// envelope is the on-disk form of a sealed vault.
type envelope struct {
	Version     uint32 `json:"version"`
	KDF         string `json:"kdf"`
	KDFTime     uint32 `json:"kdf_time"`
	KDFMemoryKB uint32 `json:"kdf_memory_kb"`
	KDFThreads  uint8  `json:"kdf_threads"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Ciphertext  []byte `json:"ciphertext"`
}

// FileVault keeps secrets in a file sealed with XChaCha20-Poly1305 under an
// argon2id key. Every change rewrites the whole file.
type FileVault struct {
	path string

	mu      sync.RWMutex
	key     []byte
	salt    []byte
	secrets map[string]string
}

var _ engine.Vault = (*FileVault)(nil)

// OpenFileVault opens the vault at path, creating an empty one when the file
// does not exist.
func OpenFileVault(path, passphrase string) (*FileVault, error) {
	if path == "" {
		return nil, fmt.Errorf("vault path is required")
	}
	if passphrase == "" {
		return nil, fmt.Errorf("vault passphrase is required")
	}

	v := &FileVault{path: path, secrets: make(map[string]string)}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		v.salt = make([]byte, saltSize)
		if _, err := rand.Read(v.salt); err != nil {
			return nil, fmt.Errorf("failed to generate salt: %w", err)
		}
		v.key = deriveKey(passphrase, v.salt, kdfTime, kdfMemoryKB, kdfThreads)
		return v, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read vault: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to parse vault: %w", err)
	}
	if env.Version != envelopeVersion || env.KDF != "argon2id" {
		return nil, fmt.Errorf("unsupported vault format: version %d, kdf %s", env.Version, env.KDF)
	}

	v.salt = env.Salt
	v.key = deriveKey(passphrase, env.Salt, env.KDFTime, env.KDFMemoryKB, env.KDFThreads)

	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return nil, ErrAuthFailed
	}
	if err := json.Unmarshal(plaintext, &v.secrets); err != nil {
		return nil, fmt.Errorf("failed to decode vault contents: %w", err)
	}
	return v, nil
}

// Store implements engine.Vault.
func (v *FileVault) Store(_ context.Context, key, secret string) error {
	if key == "" {
		return errEmptyKey()
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	previous, existed := v.secrets[key]
	v.secrets[key] = secret
	if err := v.flush(); err != nil {
		if existed {
			v.secrets[key] = previous
		} else {
			delete(v.secrets, key)
		}
		return engine.NewTransientError("failed to write vault", err)
	}
	return nil
}

// Resolve implements engine.Vault.
func (v *FileVault) Resolve(_ context.Context, key string) (string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	secret, ok := v.secrets[key]
	if !ok {
		return "", errNotFound(key)
	}
	return secret, nil
}

// Delete implements engine.Vault.
func (v *FileVault) Delete(_ context.Context, key string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	previous, ok := v.secrets[key]
	if !ok {
		return errNotFound(key)
	}
	delete(v.secrets, key)
	if err := v.flush(); err != nil {
		v.secrets[key] = previous
		return engine.NewTransientError("failed to write vault", err)
	}
	return nil
}

// flush seals the secrets and replaces the file. Callers hold v.mu.
func (v *FileVault) flush() error {
	plaintext, err := json.Marshal(v.secrets)
	if err != nil {
		return err
	}
	defer zeroBytes(plaintext)

	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return err
	}

	raw, err := json.Marshal(envelope{
		Version:     envelopeVersion,
		KDF:         "argon2id",
		KDFTime:     kdfTime,
		KDFMemoryKB: kdfMemoryKB,
		KDFThreads:  kdfThreads,
		Salt:        v.salt,
		Nonce:       nonce,
		Ciphertext:  aead.Seal(nil, nonce, plaintext, nil),
	})
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(v.path), 0o700); err != nil {
		return err
	}
	tmp := v.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, v.path)
}

func deriveKey(passphrase string, salt []byte, time, memoryKB uint32, threads uint8) []byte {
	return argon2.IDKey([]byte(passphrase), salt, time, memoryKB, threads, chacha20poly1305.KeySize)
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
