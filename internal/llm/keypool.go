package llm

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	"arcbot/internal/domain"
)

// KeyPool manages a pool of API keys with round-robin rotation and cooldown support.
// When a key receives a rate-limit (429) error, it can be marked as "cooldown" and
// subsequent calls to Next will skip it until the cooldown period expires.
// KeyPool is safe for concurrent use.
type KeyPool struct {
	keys        []string
	mu          sync.Mutex
	nextIdx     int
	cooldowns   []time.Time   // parallel to keys; zero value means no cooldown
	cooldownDur time.Duration // how long a key stays in cooldown
	nowFunc     func() time.Time
}

// NewKeyPool creates a KeyPool from the given keys with the specified cooldown duration.
// Returns an error if keys is empty or nil.
func NewKeyPool(keys []string, cooldownDur time.Duration) (*KeyPool, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("keypool: at least one key is required")
	}
	return &KeyPool{
		keys:        keys,
		cooldowns:   make([]time.Time, len(keys)),
		cooldownDur: cooldownDur,
		nowFunc:     time.Now,
	}, nil
}

// Next returns the next available key using round-robin, skipping keys in cooldown.
// Returns the key, its index, and an error if all keys are in cooldown.
func (kp *KeyPool) Next() (string, int, error) {
	kp.mu.Lock()
	defer kp.mu.Unlock()

	now := kp.nowFunc()
	n := len(kp.keys)

	// Try each key starting from nextIdx, wrapping around
	for i := 0; i < n; i++ {
		idx := (kp.nextIdx + i) % n
		if kp.cooldowns[idx].IsZero() || now.After(kp.cooldowns[idx]) {
			// This key is available
			kp.nextIdx = (idx + 1) % n
			return kp.keys[idx], idx, nil
		}
	}

	return "", -1, fmt.Errorf("keypool: all %d keys are in cooldown", n)
}

// MarkCooldown puts the key at the given index into cooldown for the configured duration.
// Out-of-range indices are silently ignored.
func (kp *KeyPool) MarkCooldown(idx int) {
	kp.mu.Lock()
	defer kp.mu.Unlock()

	if idx < 0 || idx >= len(kp.keys) {
		return
	}
	kp.cooldowns[idx] = kp.nowFunc().Add(kp.cooldownDur)
}

// Len returns the total number of keys in the pool.
func (kp *KeyPool) Len() int {
	return len(kp.keys)
}

// Available returns the number of keys not currently in cooldown.
func (kp *KeyPool) Available() int {
	kp.mu.Lock()
	defer kp.mu.Unlock()

	now := kp.nowFunc()
	count := 0
	for _, cd := range kp.cooldowns {
		if cd.IsZero() || now.After(cd) {
			count++
		}
	}
	return count
}

// =============================================================================
// Rate-limit detection
// =============================================================================

// isRateLimitError returns true when the error indicates a 429 / rate-limit response.
func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") || strings.Contains(msg, "rate limit")
}

// =============================================================================
// KeyPoolProvider (StreamingProvider decorator)
// =============================================================================

// KeyPoolProvider wraps one StreamingProvider per API key and rotates between
// them using a KeyPool. When a stream fails with a rate-limit error before
// producing any text, the key is put in cooldown and the request is
// replayed once on the next available key. Once text has been yielded the
// error is passed through; a partial reply cannot be taken back.
type KeyPoolProvider struct {
	pool      *KeyPool
	providers []domain.StreamingProvider
}

// NewKeyPoolProvider creates a KeyPoolProvider. The pool and providers must have matching lengths.
func NewKeyPoolProvider(pool *KeyPool, providers []domain.StreamingProvider) (*KeyPoolProvider, error) {
	if pool == nil {
		return nil, fmt.Errorf("keypool provider: pool must not be nil")
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("keypool provider: at least one provider is required")
	}
	if pool.Len() != len(providers) {
		return nil, fmt.Errorf("keypool provider: pool size (%d) must match providers count (%d)", pool.Len(), len(providers))
	}
	return &KeyPoolProvider{
		pool:      pool,
		providers: providers,
	}, nil
}

func (kpp *KeyPoolProvider) Name() string { return kpp.providers[0].Name() }

// Stream implements domain.StreamingProvider.
func (kpp *KeyPoolProvider) Stream(ctx context.Context, turns []domain.Turn) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		_, idx, err := kpp.pool.Next()
		if err != nil {
			yield("", err)
			return
		}
		genErr, produced, stopped := forward(kpp.providers[idx].Stream(ctx, turns), yield)
		if stopped || genErr == nil {
			return
		}
		if produced || !isRateLimitError(genErr) {
			yield("", genErr)
			return
		}

		kpp.pool.MarkCooldown(idx)
		_, idx2, err := kpp.pool.Next()
		if err != nil {
			yield("", fmt.Errorf("all keys in cooldown after rate limit: %w", genErr))
			return
		}
		genErr, _, stopped = forward(kpp.providers[idx2].Stream(ctx, turns), yield)
		if !stopped && genErr != nil {
			yield("", genErr)
		}
	}
}

// forward passes deltas from seq to yield until seq ends or fails. It
// returns the stream error (not yielded), whether any delta was forwarded
// and whether the consumer stopped early.
func forward(seq iter.Seq2[string, error], yield func(string, error) bool) (err error, produced, stopped bool) {
	for delta, e := range seq {
		if e != nil {
			return e, produced, false
		}
		produced = true
		if !yield(delta, nil) {
			return nil, produced, true
		}
	}
	return nil, produced, false
}

// Compile-time check that KeyPoolProvider implements StreamingProvider.
var _ domain.StreamingProvider = (*KeyPoolProvider)(nil)
