package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lontar-ai/lontar/pkg/observability"
	"golang.org/x/sync/semaphore"
)

// ConversationLocks serializes requests per conversation id. The
// weighted semaphore queues waiters FIFO, so two concurrent requests on
// one conversation run in arrival order and turns interleave cleanly.
// Entries are refcounted and dropped when the last holder releases, so
// the map does not grow with conversation history.
type ConversationLocks struct {
	mu      sync.Mutex
	locks   map[string]*conversationLock
	timeout time.Duration
}

type conversationLock struct {
	sem  *semaphore.Weighted
	refs int
}

// NewConversationLocks builds the lock table. timeout bounds how long a
// request waits for its turn; the request context's own deadline still
// applies when tighter.
func NewConversationLocks(timeout time.Duration) *ConversationLocks {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &ConversationLocks{
		locks:   make(map[string]*conversationLock),
		timeout: timeout,
	}
}

// Acquire blocks until the conversation is free, the timeout passes, or
// ctx is cancelled. On success the returned release function must be
// called exactly once; it is safe to call from a deferred statement.
func (l *ConversationLocks) Acquire(ctx context.Context, conversationID string) (func(), error) {
	if conversationID == "" {
		return nil, fmt.Errorf("conversation id cannot be empty")
	}

	l.mu.Lock()
	entry, ok := l.locks[conversationID]
	if !ok {
		entry = &conversationLock{sem: semaphore.NewWeighted(1)}
		l.locks[conversationID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	start := time.Now()
	err := entry.sem.Acquire(ctx, 1)
	observability.GetGlobalMetrics().RecordLockWait(ctx, time.Since(start))
	if err != nil {
		l.release(conversationID, entry, false)
		return nil, fmt.Errorf("conversation %s is busy: %w", conversationID, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(conversationID, entry, true) })
	}, nil
}

func (l *ConversationLocks) release(conversationID string, entry *conversationLock, held bool) {
	if held {
		entry.sem.Release(1)
	}
	l.mu.Lock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.locks, conversationID)
	}
	l.mu.Unlock()
}
