// Package queue serializes work per chat. Requests of one chat run one at
// a time in arrival order; different chats run concurrently. This is the
// per-chat serialization the output parser's side effects rely on.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"arcbot/internal/domain"
)

// ErrEmptyChatID is returned when Do is called for a chat without an id.
var ErrEmptyChatID = errors.New("queue: chat ID must not be empty")

// DefaultIdleTimeout is how long a lane worker waits for more work before
// it exits and frees its lane.
const DefaultIdleTimeout = time.Minute

// defaultLaneBufferSize is the capacity of each lane's work channel.
// Tests in this package may override it to exercise full-buffer paths.
var defaultLaneBufferSize = 256

// workItem is a unit of work submitted to a lane.
type workItem struct {
	ctx  context.Context
	fn   func(context.Context) error
	done chan error
}

// lane processes work items sequentially via a single goroutine. pending
// counts submitted items not yet finished and is guarded by ChatQueue.mu.
type lane struct {
	work    chan workItem
	pending int
}

// Option configures a ChatQueue.
type Option func(*ChatQueue)

// WithIdleTimeout overrides DefaultIdleTimeout. Non-positive values are
// ignored.
func WithIdleTimeout(d time.Duration) Option {
	return func(q *ChatQueue) {
		if d > 0 {
			q.idle = d
		}
	}
}

// ChatQueue serializes work per chat. Each live lane has one worker
// goroutine; a lane with no pending work retires after the idle timeout.
type ChatQueue struct {
	mu    sync.Mutex
	lanes map[domain.ChatKey]*lane
	idle  time.Duration
}

func NewChatQueue(opts ...Option) *ChatQueue {
	q := &ChatQueue{
		lanes: make(map[domain.ChatKey]*lane),
		idle:  DefaultIdleTimeout,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Do executes fn serially within the lane of key. It blocks until the work
// completes or ctx is cancelled, and returns the error from fn or ctx.Err().
// Work whose ctx is already done when its turn comes is skipped.
func (q *ChatQueue) Do(ctx context.Context, key domain.ChatKey, fn func(context.Context) error) error {
	if key.ChatID == "" {
		return ErrEmptyChatID
	}

	l := q.acquire(key)
	item := workItem{ctx: ctx, fn: fn, done: make(chan error, 1)}

	select {
	case l.work <- item:
	case <-ctx.Done():
		q.release(l)
		return ctx.Err()
	}

	select {
	case err := <-item.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// acquire returns the lane of key with its pending count raised, starting
// a worker if the lane is new.
func (q *ChatQueue) acquire(key domain.ChatKey) *lane {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.lanes[key]
	if !ok {
		l = &lane{work: make(chan workItem, defaultLaneBufferSize)}
		q.lanes[key] = l
		go q.run(key, l)
	}
	l.pending++
	return l
}

func (q *ChatQueue) release(l *lane) {
	q.mu.Lock()
	l.pending--
	q.mu.Unlock()
}

// run is the lane's worker loop. It processes items in FIFO order and
// exits once the lane has been idle with nothing pending.
func (q *ChatQueue) run(key domain.ChatKey, l *lane) {
	timer := time.NewTimer(q.idle)
	defer timer.Stop()
	for {
		select {
		case item := <-l.work:
			if err := item.ctx.Err(); err != nil {
				item.done <- err
			} else {
				item.done <- safeExec(item.ctx, item.fn)
			}
			q.release(l)
			timer.Reset(q.idle)
		case <-timer.C:
			if q.retire(key, l) {
				return
			}
			timer.Reset(q.idle)
		}
	}
}

// retire removes the lane if no work is pending. A submitter that already
// holds the lane keeps it alive.
func (q *ChatQueue) retire(key domain.ChatKey, l *lane) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if l.pending > 0 {
		return false
	}
	delete(q.lanes, key)
	return true
}

// safeExec runs fn and recovers from panics, converting them to errors.
func safeExec(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("queue: panic: %v", r)
		}
	}()
	return fn(ctx)
}

// LaneCount returns the number of live lanes.
func (q *ChatQueue) LaneCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.lanes)
}
