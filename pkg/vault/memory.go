package vault

import (
	"context"
	"sync"

	"github.com/openfroyo/conveyor/pkg/engine"
)

// MemoryVault keeps secrets in process memory.
type MemoryVault struct {
	mu      sync.RWMutex
	secrets map[string]string
}

var _ engine.Vault = (*MemoryVault)(nil)

// NewMemoryVault creates an empty in-memory vault.
func NewMemoryVault() *MemoryVault {
	return &MemoryVault{secrets: make(map[string]string)}
}

// Store implements engine.Vault.
func (v *MemoryVault) Store(_ context.Context, key, secret string) error {
	if key == "" {
		return errEmptyKey()
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.secrets[key] = secret
	return nil
}

// Resolve implements engine.Vault.
func (v *MemoryVault) Resolve(_ context.Context, key string) (string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	secret, ok := v.secrets[key]
	if !ok {
		return "", errNotFound(key)
	}
	return secret, nil
}

// Delete implements engine.Vault.
func (v *MemoryVault) Delete(_ context.Context, key string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.secrets[key]; !ok {
		return errNotFound(key)
	}
	delete(v.secrets, key)
	return nil
}

// Len returns the number of stored secrets.
func (v *MemoryVault) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.secrets)
}

func errNotFound(key string) error {
	return engine.NewPermanentError("secret not found", nil).
		WithCode(engine.ErrCodeNotFound).
		WithDetail("key", key)
}

func errEmptyKey() error {
	return engine.NewPermanentError("secret key is empty", nil).WithCode(engine.ErrCodeValidation)
}
