// Package cache provides the phase-versioned key-value store every
// pipeline phase consults before doing billable or expensive work.
//
// Entries are write-once: a Set on an existing key is a no-op, so
// concurrent idempotent writes need no locking beyond the backend's own
// per-key atomicity. Recomputation happens only when a phase's versioned
// prompt/config changes, which changes the key.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/incidentmap/pipeline/internal/metrics"
)

type Store interface {
	// Get returns the stored value and whether the key exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores the value unless the key already exists.
	Set(ctx context.Context, key string, value []byte) error
	Close() error
}

// Key derives the cache key for one phase result.
func Key(phase, version, inputHash string) string {
	return fmt.Sprintf("%s:%s:%s", phase, version, inputHash)
}

func phaseOf(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return "unknown"
}

// GetJSON reads a cached value into out. A hit skips the external call the
// caller was about to make; both outcomes are counted per phase.
func GetJSON(ctx context.Context, s Store, key string, out any) (bool, error) {
	data, ok, err := s.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if !ok {
		metrics.CacheMisses.WithLabelValues(phaseOf(key)).Inc()
		return false, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("failed to decode cache entry %s: %w", key, err)
	}
	metrics.CacheHits.WithLabelValues(phaseOf(key)).Inc()
	return true, nil
}

func SetJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry %s: %w", key, err)
	}
	return s.Set(ctx, key, data)
}
