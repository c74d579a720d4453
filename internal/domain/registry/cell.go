package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shivay/dispatch-service/internal/domain/event"
	"github.com/shivay/dispatch-service/internal/domain/model"
)

// cursorTracker is implemented by connectors that keep per-topic state.
type cursorTracker interface {
	resetCursor(topic event.Topic, seq uint64)
	markAttached(topic event.Topic, on bool)
}

// Cell implements [ISOLATED_DELIVERY] for a single topic.
type Cell struct {
	// [IDENTITY]
	topic event.Topic

	// [SEQUENCE]
	// Owned by the Hub so it survives eviction of the cell.
	seq *atomic.Uint64

	// [CONCURRENCY_CONTROL]
	// Serializes stamping, retention and fan-out so every subscriber sees
	// envelopes in sequence order. Fan-out never blocks, so the critical
	// section is bounded by the subscriber count.
	mu sync.Mutex

	ring     *retention
	sessions map[uuid.UUID]Connector

	// evicted is set by the janitor; publishers and subscribers that raced
	// with eviction retry on a fresh cell.
	evicted bool

	// lastActivityAt records the last time an event was processed for this cell.
	lastActivityAt time.Time
}

func NewCell(topic event.Topic, seq *atomic.Uint64, retain int) *Cell {
	return &Cell{
		topic:          topic,
		seq:            seq,
		ring:           newRetention(retain),
		sessions:       make(map[uuid.UUID]Connector),
		lastActivityAt: time.Now(),
	}
}

// publish stamps the next sequence number, retains and fans out.
// Returns ok=false if the cell was evicted concurrently.
func (c *Cell) publish(ch event.Change) (env *event.Envelope, dropped int, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.evicted {
		return nil, 0, false
	}

	env = event.NewEnvelope(ch, c.topic, c.seq.Add(1))
	c.ring.push(env)
	c.lastActivityAt = time.Now()

	for _, conn := range c.sessions {
		if !conn.Send(env) {
			dropped++
		}
	}
	return env, dropped, true
}

// attach registers conn and replays retained envelopes after the cursor in
// the same critical section as live fan-out, so nothing is skipped or doubled.
func (c *Cell) attach(conn Connector, cursor uint64, hasCursor bool) (gap *model.Gap, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.evicted {
		return nil, false
	}

	c.sessions[conn.GetID()] = conn
	c.lastActivityAt = time.Now()
	tracker, _ := conn.(cursorTracker)
	if tracker != nil {
		tracker.markAttached(c.topic, true)
	}

	if !hasCursor {
		return nil, true
	}

	head := c.seq.Load()
	oldest := c.ring.oldest()

	switch {
	case cursor > head:
		// The observer saw sequence numbers this node never issued.
		gap = &model.Gap{Topic: string(c.topic), Requested: cursor, Oldest: oldest, Head: head}
		if tracker != nil {
			tracker.resetCursor(c.topic, 0)
		}
	case cursor < head && (oldest == 0 || cursor+1 < oldest):
		gap = &model.Gap{Topic: string(c.topic), Requested: cursor, Oldest: oldest, Head: head}
	}

	for _, ev := range c.ring.since(cursor) {
		conn.Send(ev)
	}
	return gap, true
}

func (c *Cell) detach(connID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.sessions[connID]; ok {
		if tracker, ok := conn.(cursorTracker); ok {
			tracker.markAttached(c.topic, false)
		}
		delete(c.sessions, connID)
	}
	c.lastActivityAt = time.Now()
}

// tryEvict marks the cell evicted when it has no sessions and has been quiet
// longer than timeout.
func (c *Cell) tryEvict(timeout time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sessions) > 0 || time.Since(c.lastActivityAt) <= timeout {
		return false
	}
	c.evicted = true
	return true
}

func (c *Cell) stats() model.TopicStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return model.TopicStats{
		Topic:       string(c.topic),
		Head:        c.seq.Load(),
		Oldest:      c.ring.oldest(),
		Subscribers: len(c.sessions),
	}
}
