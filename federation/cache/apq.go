package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// ErrPersistedQueryNotFound is returned by APQStore.Lookup when a client
// sends a hash with no registered document and no document to register
// it with — the gateway's usual reply is PersistedQueryNotFound, asking
// the client to resend the hash alongside the full document.
var ErrPersistedQueryNotFound = errors.New("federation cache: persisted query not found")

// APQStore implements automatic persisted queries: clients first send
// just a sha256 hash of their query; on a miss the gateway asks for the
// full document, which it registers under that hash for next time.
type APQStore struct {
	store Store
	ttl   time.Duration
}

// NewAPQStore wraps a Store (typically a RedisStore, so the registry is
// shared across gateway replicas) with the automatic persisted queries
// protocol.
func NewAPQStore(store Store, ttl time.Duration) *APQStore {
	return &APQStore{store: store, ttl: ttl}
}

// HashOf returns the sha256 hex digest of a query document, the value
// clients are expected to send as the persisted query's "sha256Hash".
func HashOf(document string) string {
	sum := sha256.Sum256([]byte(document))
	return hex.EncodeToString(sum[:])
}

// Lookup resolves a persisted query hash to its document. If document is
// non-empty and its hash matches, it is registered under hash (the
// client-provided-hash-plus-document form of the APQ protocol) and
// returned as-is; otherwise the store is consulted for a document
// previously registered under hash.
func (a *APQStore) Lookup(ctx context.Context, hash, document string) (string, error) {
	if document != "" {
		if HashOf(document) != hash {
			return "", errors.New("federation cache: persisted query hash mismatch")
		}
		if err := a.store.Set(ctx, hash, []byte(document), a.ttl); err != nil {
			return "", err
		}
		return document, nil
	}

	data, ok, err := a.store.Get(ctx, hash)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrPersistedQueryNotFound
	}
	return string(data), nil
}
