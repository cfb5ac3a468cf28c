package llm

import (
	"context"
	"errors"
	"iter"
	"strings"
	"testing"
	"time"

	"arcbot/internal/domain"
)

// scriptedStream yields deltas and then, optionally, an error.
type scriptedStream struct {
	name   string
	deltas []string
	err    error
	calls  int
}

func (s *scriptedStream) Name() string { return s.name }

func (s *scriptedStream) Stream(_ context.Context, _ []domain.Turn) iter.Seq2[string, error] {
	s.calls++
	return func(yield func(string, error) bool) {
		for _, d := range s.deltas {
			if !yield(d, nil) {
				return
			}
		}
		if s.err != nil {
			yield("", s.err)
		}
	}
}

func collect(seq iter.Seq2[string, error]) (string, error) {
	var b strings.Builder
	for d, err := range seq {
		if err != nil {
			return b.String(), err
		}
		b.WriteString(d)
	}
	return b.String(), nil
}

var errRateLimited = errors.New("POST /chat/completions: 429 Too Many Requests")

// =============================================================================
// KeyPool
// =============================================================================

func TestKeyPool_Next_ShouldRotateAndSkipCooldown(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	pool, err := NewKeyPool([]string{"a", "b", "c"}, time.Minute)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	pool.nowFunc = func() time.Time { return now }

	k, _, _ := pool.Next()
	if k != "a" {
		t.Fatalf("want a first, got %s", k)
	}
	pool.MarkCooldown(1)
	k, _, _ = pool.Next()
	if k != "c" {
		t.Errorf("want c after skipping b, got %s", k)
	}
	if pool.Available() != 2 {
		t.Errorf("want 2 available, got %d", pool.Available())
	}

	now = now.Add(2 * time.Minute)
	k, _, _ = pool.Next()
	k2, _, _ := pool.Next()
	if k != "a" || k2 != "b" {
		t.Errorf("want a,b after cooldown expiry, got %s,%s", k, k2)
	}
}

func TestKeyPool_Next_WhenAllInCooldown_ShouldReturnError(t *testing.T) {
	pool, _ := NewKeyPool([]string{"a"}, time.Hour)
	pool.MarkCooldown(0)
	pool.MarkCooldown(7)
	if _, idx, err := pool.Next(); err == nil || idx != -1 {
		t.Fatalf("want error and -1, got idx=%d err=%v", idx, err)
	}
}

func TestNewKeyPool_WhenNoKeys_ShouldReturnError(t *testing.T) {
	if _, err := NewKeyPool(nil, time.Minute); err == nil {
		t.Fatal("expected error")
	}
}

// =============================================================================
// KeyPoolProvider
// =============================================================================

func newPoolProvider(t *testing.T, providers ...domain.StreamingProvider) *KeyPoolProvider {
	t.Helper()
	keys := make([]string, len(providers))
	for i := range keys {
		keys[i] = "k" + string(rune('a'+i))
	}
	pool, _ := NewKeyPool(keys, time.Minute)
	kpp, err := NewKeyPoolProvider(pool, providers)
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	return kpp
}

func TestKeyPoolProvider_Stream_ShouldRotateProviders(t *testing.T) {
	a := &scriptedStream{name: "a", deltas: []string{"A"}}
	b := &scriptedStream{name: "b", deltas: []string{"B"}}
	kpp := newPoolProvider(t, a, b)

	first, _ := collect(kpp.Stream(context.Background(), nil))
	second, _ := collect(kpp.Stream(context.Background(), nil))
	if first != "A" || second != "B" {
		t.Errorf("want A then B, got %s then %s", first, second)
	}
}

func TestKeyPoolProvider_Stream_WhenRateLimitedBeforeText_ShouldReplayOnNextKey(t *testing.T) {
	a := &scriptedStream{name: "a", err: errRateLimited}
	b := &scriptedStream{name: "b", deltas: []string{"hello", " world"}}
	kpp := newPoolProvider(t, a, b)

	got, err := collect(kpp.Stream(context.Background(), nil))
	if err != nil || got != "hello world" {
		t.Fatalf("want replay on b, got %q err=%v", got, err)
	}
	if kpp.pool.Available() != 1 {
		t.Errorf("want rate-limited key in cooldown")
	}
}

func TestKeyPoolProvider_Stream_WhenRateLimitedAfterText_ShouldPassErrorThrough(t *testing.T) {
	a := &scriptedStream{name: "a", deltas: []string{"par"}, err: errRateLimited}
	b := &scriptedStream{name: "b", deltas: []string{"other"}}
	kpp := newPoolProvider(t, a, b)

	got, err := collect(kpp.Stream(context.Background(), nil))
	if !errors.Is(err, errRateLimited) || got != "par" {
		t.Fatalf("want partial text and rate-limit error, got %q err=%v", got, err)
	}
	if b.calls != 0 {
		t.Error("a partial reply must not be replayed")
	}
}

func TestKeyPoolProvider_Stream_WhenOtherError_ShouldNotCooldown(t *testing.T) {
	authErr := errors.New("401 Unauthorized")
	a := &scriptedStream{name: "a", err: authErr}
	b := &scriptedStream{name: "b", deltas: []string{"B"}}
	kpp := newPoolProvider(t, a, b)

	_, err := collect(kpp.Stream(context.Background(), nil))
	if !errors.Is(err, authErr) {
		t.Fatalf("want auth error, got %v", err)
	}
	if kpp.pool.Available() != 2 {
		t.Error("non-rate-limit errors must not trigger cooldown")
	}
}

func TestKeyPoolProvider_Stream_WhenAllKeysRateLimited_ShouldReturnCooldownError(t *testing.T) {
	a := &scriptedStream{name: "a", err: errRateLimited}
	kpp := newPoolProvider(t, a)

	_, err := collect(kpp.Stream(context.Background(), nil))
	if err == nil || !strings.Contains(err.Error(), "cooldown") {
		t.Fatalf("want cooldown error, got %v", err)
	}
}

func TestNewKeyPoolProvider_WhenMismatchedLengths_ShouldReturnError(t *testing.T) {
	pool, _ := NewKeyPool([]string{"a", "b"}, time.Minute)
	if _, err := NewKeyPoolProvider(pool, []domain.StreamingProvider{&scriptedStream{}}); err == nil {
		t.Fatal("expected error")
	}
	if _, err := NewKeyPoolProvider(nil, []domain.StreamingProvider{&scriptedStream{}}); err == nil {
		t.Fatal("expected error for nil pool")
	}
}
