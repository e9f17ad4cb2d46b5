package broker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"trading-riskengine/internal/model"
)

// CredentialSource looks up a user's broker account.
type CredentialSource interface {
	BrokerCredentials(ctx context.Context, userID string) (model.BrokerCredentials, error)
}

// Factory builds a gateway for one set of credentials.
type Factory func(creds model.BrokerCredentials) model.Broker

// Registry hands out one broker gateway per account, keyed by client code
// and a hash of the credentials. Rotated credentials get a fresh client and
// the stale one is dropped. It implements model.BrokerResolver.
type Registry struct {
	src     CredentialSource
	factory Factory

	mu      sync.Mutex
	clients map[string]model.Broker
	current map[string]string // client code -> key
}

// NewRegistry creates an empty registry.
func NewRegistry(src CredentialSource, factory Factory) *Registry {
	return &Registry{
		src:     src,
		factory: factory,
		clients: make(map[string]model.Broker),
		current: make(map[string]string),
	}
}

// Key identifies a credential set.
func Key(c model.BrokerCredentials) string {
	h := sha256.New()
	for _, part := range []string{c.ClientCode, c.APIKey, c.AccessToken, c.Password, c.TOTPSecret} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return c.ClientCode + ":" + hex.EncodeToString(h.Sum(nil))[:16]
}

// ForUser returns the gateway for the user's broker account.
func (r *Registry) ForUser(ctx context.Context, userID string) (model.Broker, error) {
	creds, err := r.src.BrokerCredentials(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("broker: credentials for %s: %w", userID, err)
	}
	if creds.ClientCode == "" || creds.APIKey == "" {
		return nil, fmt.Errorf("broker: user %s has no broker account: %w", userID, model.ErrNotFound)
	}
	key := Key(creds)

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.clients[key]; ok {
		return b, nil
	}
	if old, ok := r.current[creds.ClientCode]; ok {
		delete(r.clients, old)
	}
	b := r.factory(creds)
	r.clients[key] = b
	r.current[creds.ClientCode] = key
	return b, nil
}

// Len returns the number of live clients.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}
