package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"arcbot/internal/domain"
)

func chatKey(id string) domain.ChatKey {
	return domain.ChatKey{ChatID: id, Kind: domain.ChatGroup}
}

func noop(context.Context) error { return nil }

// =============================================================================
// Do: execution
// =============================================================================

func TestDo_WhenWorkProvided_ShouldExecuteIt(t *testing.T) {
	q := NewChatQueue()
	executed := false
	err := q.Do(context.Background(), chatKey("1"), func(context.Context) error {
		executed = true
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if !executed {
		t.Error("expected work function to be executed")
	}
}

func TestDo_WhenWorkReturnsError_ShouldPropagateError(t *testing.T) {
	q := NewChatQueue()
	expected := errors.New("work failed")
	err := q.Do(context.Background(), chatKey("1"), func(context.Context) error { return expected })
	if !errors.Is(err, expected) {
		t.Errorf("want %v, got %v", expected, err)
	}
}

func TestDo_WhenChatIDEmpty_ShouldRejectWithoutRunning(t *testing.T) {
	q := NewChatQueue()
	executed := false
	err := q.Do(context.Background(), domain.ChatKey{Kind: domain.ChatPrivate}, func(context.Context) error {
		executed = true
		return nil
	})
	if !errors.Is(err, ErrEmptyChatID) {
		t.Errorf("want ErrEmptyChatID, got %v", err)
	}
	if executed {
		t.Error("work should not execute without a chat id")
	}
}

func TestDo_WhenWorkPanics_ShouldRecoverAndKeepLaneUsable(t *testing.T) {
	q := NewChatQueue()
	err := q.Do(context.Background(), chatKey("1"), func(context.Context) error { panic("boom") })
	if err == nil {
		t.Fatal("expected error when work panics")
	}
	if err := q.Do(context.Background(), chatKey("1"), noop); err != nil {
		t.Errorf("lane should be usable after panic, got: %v", err)
	}
}

// =============================================================================
// Do: ordering
// =============================================================================

func TestDo_WhenSameChat_ShouldRunOneAtATimeInOrder(t *testing.T) {
	q := NewChatQueue()
	gate := make(chan struct{})
	started := make(chan struct{})

	var running, maxRunning int64
	var mu sync.Mutex
	var order []int

	track := func(i int) func(context.Context) error {
		return func(context.Context) error {
			cur := atomic.AddInt64(&running, 1)
			defer atomic.AddInt64(&running, -1)
			for {
				old := atomic.LoadInt64(&maxRunning)
				if cur <= old || atomic.CompareAndSwapInt64(&maxRunning, old, cur) {
					break
				}
			}
			if i == 0 {
				close(started)
				<-gate
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = q.Do(context.Background(), chatKey("1"), track(0))
	}()
	<-started

	// Submit the rest one by one so their arrival order is fixed.
	for i := 1; i <= 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = q.Do(context.Background(), chatKey("1"), track(i))
		}()
		time.Sleep(5 * time.Millisecond)
	}

	close(gate)
	wg.Wait()

	if maxRunning != 1 {
		t.Errorf("max concurrent was %d, expected 1", maxRunning)
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("expected FIFO order, got %v", order)
		}
	}
}

func TestDo_WhenDifferentChats_ShouldRunConcurrently(t *testing.T) {
	q := NewChatQueue()
	var running, maxRunning int64
	barrier := make(chan struct{})
	var wg sync.WaitGroup

	for i := range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = q.Do(context.Background(), chatKey(fmt.Sprint(i)), func(context.Context) error {
				cur := atomic.AddInt64(&running, 1)
				defer atomic.AddInt64(&running, -1)
				for {
					old := atomic.LoadInt64(&maxRunning)
					if cur <= old || atomic.CompareAndSwapInt64(&maxRunning, old, cur) {
						break
					}
				}
				<-barrier
				return nil
			})
		}()
	}

	time.Sleep(100 * time.Millisecond)
	close(barrier)
	wg.Wait()

	if atomic.LoadInt64(&maxRunning) < 2 {
		t.Errorf("max concurrent was %d, expected cross-chat parallelism", maxRunning)
	}
}

func TestDo_WhenSameIDDifferentKind_ShouldUseSeparateLanes(t *testing.T) {
	q := NewChatQueue()
	_ = q.Do(context.Background(), domain.ChatKey{ChatID: "5", Kind: domain.ChatGroup}, noop)
	_ = q.Do(context.Background(), domain.ChatKey{ChatID: "5", Kind: domain.ChatPrivate}, noop)
	if q.LaneCount() != 2 {
		t.Errorf("expected 2 lanes, got %d", q.LaneCount())
	}
}

// =============================================================================
// Do: cancellation
// =============================================================================

func TestDo_WhenContextCancelledWhileWaiting_ShouldReturnContextError(t *testing.T) {
	q := NewChatQueue()
	gate := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = q.Do(context.Background(), chatKey("1"), func(context.Context) error {
			close(started)
			<-gate
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	ran := make(chan struct{}, 1)
	err := q.Do(ctx, chatKey("1"), func(context.Context) error {
		ran <- struct{}{}
		return nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("want DeadlineExceeded, got %v", err)
	}

	close(gate)
	// The skipped item must not run once the lane frees up.
	if err := q.Do(context.Background(), chatKey("1"), noop); err != nil {
		t.Fatalf("Do: %v", err)
	}
	select {
	case <-ran:
		t.Error("expired work should be skipped")
	default:
	}
}

func TestDo_WhenBufferFullAndContextCancelled_ShouldReturnContextError(t *testing.T) {
	old := defaultLaneBufferSize
	defaultLaneBufferSize = 1
	defer func() { defaultLaneBufferSize = old }()

	q := NewChatQueue()
	gate := make(chan struct{})
	started := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = q.Do(context.Background(), chatKey("1"), func(context.Context) error {
			close(started)
			<-gate
			return nil
		})
	}()
	<-started
	go func() {
		defer wg.Done()
		_ = q.Do(context.Background(), chatKey("1"), noop)
	}()
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := q.Do(ctx, chatKey("1"), func(context.Context) error {
		t.Error("work should not execute when context is cancelled and buffer is full")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("want context.Canceled, got %v", err)
	}

	close(gate)
	wg.Wait()
}

// =============================================================================
// Lane lifecycle
// =============================================================================

func TestLaneCount_WhenIdle_ShouldRetireLane(t *testing.T) {
	q := NewChatQueue(WithIdleTimeout(10 * time.Millisecond))
	_ = q.Do(context.Background(), chatKey("1"), noop)

	deadline := time.Now().Add(2 * time.Second)
	for q.LaneCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected idle lane to retire")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := q.Do(context.Background(), chatKey("1"), noop); err != nil {
		t.Errorf("retired chat should get a fresh lane, got %v", err)
	}
}

func TestLaneCount_WhenWorkOutlastsIdleTimeout_ShouldKeepLane(t *testing.T) {
	q := NewChatQueue(WithIdleTimeout(5 * time.Millisecond))
	err := q.Do(context.Background(), chatKey("1"), func(context.Context) error {
		time.Sleep(30 * time.Millisecond)
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
}

func TestDo_WhenManyConcurrentSubmitters_ShouldRunEveryItem(t *testing.T) {
	q := NewChatQueue(WithIdleTimeout(time.Millisecond))
	const n = 200
	var total int64
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = q.Do(context.Background(), chatKey(fmt.Sprint(i%7)), func(context.Context) error {
				atomic.AddInt64(&total, 1)
				return nil
			})
		}()
	}
	wg.Wait()
	if total != n {
		t.Errorf("expected %d executions, got %d", n, total)
	}
}
