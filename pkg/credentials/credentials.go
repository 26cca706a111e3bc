// Package credentials is the extension host's credential store: a
// process-wide table of API key entries plus a persisted-secret cache.
// Resolution order is master-key equality, then the extension key
// table, then the persisted-secret resolver.
package credentials

import (
	"context"
	"crypto/rand"
	"sync"
	"time"

	"github.com/corvidlabs/pixolith/pkg/clock"
	"github.com/corvidlabs/pixolith/pkg/hostkit"
	"github.com/corvidlabs/pixolith/pkg/hosterrors"
	"github.com/corvidlabs/pixolith/pkg/store"
)

const keyAlphabet = "abcdefghijklmnopqrstuvwxyz"
const keyLength = 36

// ScopeAll is the master key's only scope.
const ScopeAll = "all"

// ExtensionScopes is the fixed scope set assigned to every extension
// key.
var ExtensionScopes = []string{
	"extension:chrome:install",
	"extension:run",
	"extension:settings:read",
	"extension:settings:write",
	"image:attachment:write",
	"image:embeddings:write",
	"image:feature:write",
	"image:read",
	"image:tag:write",
	"repository:ensure",
	"repository:read",
	"repository:image:store",
}

// Resolved is what resolve(key) returns: the scopes granted to the caller
// and, for an extension key, the owning extensionId.
type Resolved struct {
	Scopes      []string
	ExtensionID hostkit.ExtensionID
	IsMaster    bool
}

type secretCacheEntry struct {
	scopes      []string
	extensionID hostkit.ExtensionID
	expiresAt   time.Time
}

// AuditLogger records credential lifecycle decisions. *audit.Logger
// satisfies it.
type AuditLogger interface {
	LogCredentialEvent(action string, extensionID string)
}

// Store is the process-wide credential table.
type Store struct {
	mu sync.RWMutex

	masterKey string

	// extensionKeys maps extensionId -> its current API key.
	extensionKeys map[hostkit.ExtensionID]string
	// keyToExtension is the reverse index for resolve(key).
	keyToExtension map[string]hostkit.ExtensionID

	// secretCache caches persisted-secret resolutions by raw value.
	secretCache map[string]secretCacheEntry

	resolver store.SecretResolver
	clock    clock.Clock
	audit    AuditLogger
}

// New creates an empty credential store. resolver and audit may be nil.
func New(resolver store.SecretResolver, c clock.Clock, audit AuditLogger) *Store {
	if c == nil {
		c = clock.Real{}
	}
	return &Store{
		extensionKeys:  make(map[hostkit.ExtensionID]string),
		keyToExtension: make(map[string]hostkit.ExtensionID),
		secretCache:    make(map[string]secretCacheEntry),
		resolver:       resolver,
		clock:          c,
		audit:          audit,
	}
}

// generateKey returns a 36-char lowercase alphabetic string.
func generateKey() (string, error) {
	buf := make([]byte, keyLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = keyAlphabet[int(b)%len(keyAlphabet)]
	}
	return string(buf), nil
}

// setMasterKey records the master key value.
func (s *Store) setMasterKey(value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.masterKey = value
}

// SetMasterKey is the exported form of setMasterKey.
func (s *Store) SetMasterKey(value string) {
	s.setMasterKey(value)
}

// RegisterExtensionKey issues a fresh key for extensionId, replacing any
// prior key. Idempotent per extensionId: calling it twice simply rotates
// the key, it never errors on a pre-existing registration.
func (s *Store) RegisterExtensionKey(extensionID hostkit.ExtensionID) (hostkit.ExtensionID, string, error) {
	key, err := generateKey()
	if err != nil {
		return "", "", hosterrors.InternalError(err)
	}

	s.mu.Lock()
	if old, ok := s.extensionKeys[extensionID]; ok {
		delete(s.keyToExtension, old)
	}
	s.extensionKeys[extensionID] = key
	s.keyToExtension[key] = extensionID
	s.mu.Unlock()

	if s.audit != nil {
		s.audit.LogCredentialEvent("registered", string(extensionID))
	}
	return extensionID, key, nil
}

// Unregister removes extensionId's key entirely.
func (s *Store) Unregister(extensionID hostkit.ExtensionID) {
	s.mu.Lock()
	if key, ok := s.extensionKeys[extensionID]; ok {
		delete(s.keyToExtension, key)
		delete(s.extensionKeys, extensionID)
	}
	s.mu.Unlock()

	if s.audit != nil {
		s.audit.LogCredentialEvent("unregistered", string(extensionID))
	}
}

// Resolve resolves an API key to its scopes, consulting master equality,
// the extension key table, then a persisted-secret lookup in that order.
func (s *Store) Resolve(ctx context.Context, key string) (Resolved, error) {
	if key == "" {
		return Resolved{}, hosterrors.Unauthorized("missing api key")
	}

	s.mu.RLock()
	master := s.masterKey
	extID, isExtensionKey := s.keyToExtension[key]
	s.mu.RUnlock()

	if master != "" && key == master {
		return Resolved{IsMaster: true, Scopes: []string{ScopeAll}}, nil
	}
	if isExtensionKey {
		return Resolved{ExtensionID: extID, Scopes: append([]string(nil), ExtensionScopes...)}, nil
	}

	return s.resolveSecret(ctx, key)
}

func (s *Store) resolveSecret(ctx context.Context, value string) (Resolved, error) {
	s.mu.RLock()
	cached, ok := s.secretCache[value]
	s.mu.RUnlock()
	if ok {
		if s.clock.Now().After(cached.expiresAt) {
			s.Forget(value)
			return Resolved{}, hosterrors.Unauthorized("api key expired")
		}
		return Resolved{Scopes: cached.scopes, ExtensionID: cached.extensionID}, nil
	}

	if s.resolver == nil {
		return Resolved{}, hosterrors.Unauthorized("unknown api key")
	}
	scopes, extID, expiresAt, found, err := s.resolver.Resolve(ctx, value)
	if err != nil {
		return Resolved{}, hosterrors.InternalError(err)
	}
	if !found {
		return Resolved{}, hosterrors.Unauthorized("unknown api key")
	}
	if s.clock.Now().After(expiresAt) {
		return Resolved{}, hosterrors.Unauthorized("api key expired")
	}

	s.mu.Lock()
	s.secretCache[value] = secretCacheEntry{scopes: scopes, extensionID: extID, expiresAt: expiresAt}
	s.mu.Unlock()

	return Resolved{Scopes: scopes, ExtensionID: extID}, nil
}

// Forget invalidates a cached persisted-secret entry, used when the
// secret has been revoked upstream.
func (s *Store) Forget(value string) {
	s.mu.Lock()
	delete(s.secretCache, value)
	s.mu.Unlock()
}

// KeyFor returns the currently registered key for extensionId, if any.
func (s *Store) KeyFor(extensionID hostkit.ExtensionID) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.extensionKeys[extensionID]
	return key, ok
}
