package e2e

import (
	"crypto/rsa"
	"sync"

	"github.com/aeolun/cipherchat/pkg/protocol"
)

// KeyExchange caches peers' public keys and builds the request/response
// envelopes that move them. It never blocks on the network; callers send the
// envelopes it returns.
type KeyExchange struct {
	mu      sync.RWMutex
	keys    map[string]*rsa.PublicKey
	pending map[string]struct{}
}

// NewKeyExchange creates an empty key cache
func NewKeyExchange() *KeyExchange {
	return &KeyExchange{
		keys:    make(map[string]*rsa.PublicKey),
		pending: make(map[string]struct{}),
	}
}

// RequestKey records target as pending and returns the request to send
func (k *KeyExchange) RequestKey(requester, target string) *protocol.KeyRequest {
	k.mu.Lock()
	k.pending[target] = struct{}{}
	k.mu.Unlock()

	return &protocol.KeyRequest{Requester: requester, Target: target}
}

// HandleKeyRequest builds the response carrying our public key to requester
func (k *KeyExchange) HandleKeyRequest(local string, pub *rsa.PublicKey, requester string) (*protocol.KeyResponse, error) {
	pemKey, err := PublicKeyPEM(pub)
	if err != nil {
		return nil, err
	}
	return &protocol.KeyResponse{
		Sender:    local,
		Recipient: requester,
		PublicKey: pemKey,
	}, nil
}

// HandleKeyResponse parses and caches sender's key, replacing any previous
// one. On error the cache is left unchanged.
func (k *KeyExchange) HandleKeyResponse(sender, publicKeyPEM string) (*rsa.PublicKey, error) {
	pub, err := ParsePublicKeyPEM(publicKeyPEM)
	if err != nil {
		return nil, err
	}

	k.mu.Lock()
	k.keys[sender] = pub
	delete(k.pending, sender)
	k.mu.Unlock()

	return pub, nil
}

// CachedKey returns the last key received from username
func (k *KeyExchange) CachedKey(username string) (*rsa.PublicKey, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	pub, ok := k.keys[username]
	return pub, ok
}

// Pending reports whether a request to username is still unanswered
func (k *KeyExchange) Pending(username string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	_, ok := k.pending[username]
	return ok
}

// Forget drops everything known about username
func (k *KeyExchange) Forget(username string) {
	k.mu.Lock()
	delete(k.keys, username)
	delete(k.pending, username)
	k.mu.Unlock()
}
