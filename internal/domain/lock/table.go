// Package lock provides keyed critical sections with bounded waits.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/shivay/dispatch-service/internal/domain/model"
)

const shardCount = 64

// Locker serializes work per key.
type Locker interface {
	Acquire(ctx context.Context, key string, timeout time.Duration) (release func(), err error)
}

var _ Locker = (*Table)(nil)

// Table is a sharded map of per-key semaphores. Entries exist only while a
// key is held or awaited, so memory tracks live contention, not history.
type Table struct {
	shards [shardCount]shard
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	sem  chan struct{}
	refs int
}

func NewTable() *Table {
	t := &Table{}
	for i := range t.shards {
		t.shards[i].entries = make(map[string]*entry)
	}
	return t
}

func (t *Table) shardFor(key string) *shard {
	return &t.shards[xxhash.Sum64String(key)%shardCount]
}

// Acquire blocks until key is free, timeout elapses or ctx is done.
// Contention past the timeout returns model.ErrBusy so callers may retry.
func (t *Table) Acquire(ctx context.Context, key string, timeout time.Duration) (func(), error) {
	s := t.shardFor(key)

	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		s.entries[key] = e
	}
	e.refs++
	s.mu.Unlock()

	// [FAST_PATH] Uncontended keys never allocate a timer.
	select {
	case e.sem <- struct{}{}:
		return t.releaser(s, key, e), nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case e.sem <- struct{}{}:
		return t.releaser(s, key, e), nil
	case <-timer.C:
		t.drop(s, key, e)
		return nil, model.Busyf("%s is locked, retry later", key)
	case <-ctx.Done():
		t.drop(s, key, e)
		return nil, model.Busyf("%s: %v", key, ctx.Err())
	}
}

func (t *Table) releaser(s *shard, key string, e *entry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			t.drop(s, key, e)
		})
	}
}

func (t *Table) drop(s *shard, key string, e *entry) {
	s.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(s.entries, key)
	}
	s.mu.Unlock()
}

// Held reports the number of keys currently held or awaited.
func (t *Table) Held() int {
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}
