package auth

import (
	"context"
	"sync"
)

// KeyDirectory resolves the base64-encoded ed25519 public key registered for
// a user. The user/profile store owning the keys lives outside this service.
type KeyDirectory interface {
	PublicKey(ctx context.Context, userID string) (string, error)
}

// StaticKeyDirectory is an in-memory KeyDirectory used in tests and
// single-node deployments where keys are provisioned out of band.
type StaticKeyDirectory struct {
	mu   sync.RWMutex
	keys map[string]string
}

// NewStaticKeyDirectory builds a directory from a userID -> base64 key map.
func NewStaticKeyDirectory(keys map[string]string) *StaticKeyDirectory {
	cloned := make(map[string]string, len(keys))
	for k, v := range keys {
		cloned[k] = v
	}
	return &StaticKeyDirectory{keys: cloned}
}

// PublicKey implements KeyDirectory.
func (d *StaticKeyDirectory) PublicKey(_ context.Context, userID string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	key, ok := d.keys[userID]
	if !ok {
		return "", ErrInvalidPublicKey
	}
	return key, nil
}

// Put registers or replaces a user's public key.
func (d *StaticKeyDirectory) Put(userID, publicKeyB64 string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.keys[userID] = publicKeyB64
}
