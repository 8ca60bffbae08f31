// Package cache provides the result cache consulted before every handler
// dispatch. Entries are keyed by a fingerprint of the normalized input and
// the handler name, so cross-handler collisions are impossible. Failed
// invocations are never cached.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// ResultCache is the store of successful invocation results. get on an
// expired entry counts as a miss and removes the entry.
type ResultCache interface {
	Get(ctx context.Context, fingerprint string) (any, bool)
	Put(ctx context.Context, fingerprint string, value any, ttl time.Duration)
	Len() int
	Close() error
}

// Fingerprint derives the cache key for one (normalized input, handler)
// pair. The handler name participates in the hash so two handlers never
// share an entry for the same input.
func Fingerprint(normalizedInput, handlerName string) string {
	h := sha256.New()
	h.Write([]byte(handlerName))
	h.Write([]byte{0})
	h.Write([]byte(normalizedInput))
	return hex.EncodeToString(h.Sum(nil))
}
