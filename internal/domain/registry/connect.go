package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shivay/dispatch-service/internal/domain/event"
)

// Interface guard
var _ Connector = (*connect)(nil)

// [CONNECTOR] THE INTERFACE FOR EXTERNAL LAYERS (HUB/TRANSPORTS)
type Connector interface {
	GetID() uuid.UUID
	GetObserverID() string
	// Send offers a sequenced event. It never blocks; a full buffer drops the
	// event and the observer detects the gap from the next sequence number.
	Send(ev event.Eventer) bool
	// Notify delivers an unsequenced system event on the same channel.
	Notify(ev event.Eventer) bool
	Recv() <-chan event.Eventer
	Topics() []event.Topic
	Dropped() uint64
	Done() <-chan struct{}
	Close() // Terminate connection and release resources
}

// [METADATA] EXPORTED FOR TRANSPORT AND ANALYTICS LAYERS
type ConnectMetadata struct {
	Transport string
	RemoteIP  string
	UserAgent string
}

// [CONNECT] CONCRETE IMPLEMENTATION (UNEXPORTED TO FORCE INTERFACE USAGE)
type connect struct {
	id         uuid.UUID
	observerID string
	metadata   ConnectMetadata
	createdAt  time.Time
	ctx        context.Context
	cancelFn   context.CancelFunc

	// mu guards sendCh against close and the per-topic high-water marks.
	mu       sync.Mutex
	closed   bool
	sendCh   chan event.Eventer
	lastSeq  map[event.Topic]uint64
	attached map[event.Topic]struct{}

	closeOnce      sync.Once // [PROTECTION]
	lastActivityAt int64     // [ATOMIC_FIELD]
	droppedCount   uint64    // [ATOMIC_FIELD]
}

// NewConnector creates a subscriber bound to ctx; cancelling ctx closes it.
func NewConnector(ctx context.Context, observerID string, bufferSize int, md ConnectMetadata) Connector {
	childCtx, cancel := context.WithCancel(ctx)
	return &connect{
		id:             uuid.New(),
		observerID:     observerID,
		metadata:       md,
		createdAt:      time.Now(),
		ctx:            childCtx,
		cancelFn:       cancel,
		sendCh:         make(chan event.Eventer, bufferSize),
		lastSeq:        make(map[event.Topic]uint64),
		attached:       make(map[event.Topic]struct{}),
		lastActivityAt: time.Now().UnixNano(),
	}
}

// --- IMPLEMENTATION OF CONNECTOR INTERFACE ---

func (c *connect) GetID() uuid.UUID           { return c.id }
func (c *connect) GetObserverID() string      { return c.observerID }
func (c *connect) Recv() <-chan event.Eventer { return c.sendCh }
func (c *connect) Done() <-chan struct{}      { return c.ctx.Done() }
func (c *connect) Dropped() uint64            { return atomic.LoadUint64(&c.droppedCount) }

func (c *connect) Send(ev event.Eventer) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	// [MONOTONIC_GATE] Replays may overlap with live delivery; anything at
	// or below the high-water mark has already been handed over.
	topic, seq := ev.GetTopic(), ev.GetSeq()
	if seq <= c.lastSeq[topic] {
		return true
	}
	if !c.offer(ev) {
		return false
	}
	c.lastSeq[topic] = seq
	return true
}

func (c *connect) Notify(ev event.Eventer) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offer(ev)
}

// offer must be called with c.mu held.
func (c *connect) offer(ev event.Eventer) bool {
	if c.closed || c.ctx.Err() != nil {
		return false
	}
	select {
	case c.sendCh <- ev:
		atomic.StoreInt64(&c.lastActivityAt, time.Now().UnixNano())
		return true
	default:
		// [BACKPRESSURE] Slow consumers lose events instead of stalling the topic.
		atomic.AddUint64(&c.droppedCount, 1)
		return false
	}
}

// resetCursor rewinds the high-water mark of a topic whose sequence was
// restarted (e.g. after a node restart) so new events are not filtered out.
func (c *connect) resetCursor(topic event.Topic, seq uint64) {
	c.mu.Lock()
	c.lastSeq[topic] = seq
	c.mu.Unlock()
}

func (c *connect) markAttached(topic event.Topic, on bool) {
	c.mu.Lock()
	if on {
		c.attached[topic] = struct{}{}
	} else {
		delete(c.attached, topic)
		delete(c.lastSeq, topic)
	}
	c.mu.Unlock()
}

func (c *connect) Topics() []event.Topic {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]event.Topic, 0, len(c.attached))
	for t := range c.attached {
		out = append(out, t)
	}
	return out
}

// Close terminates the session. Safe to call from the Hub (shutdown) and
// the transport handler (defer) concurrently.
func (c *connect) Close() {
	// [IDEMPOTENCY_SHIELD]
	c.closeOnce.Do(func() {
		// 1. [SIGNAL_ABORT] Stop transport loops waiting on Done().
		c.cancelFn()

		// 2. [UPSTREAM_NOTIFY] Closing the channel signals the stream handler (via !ok).
		c.mu.Lock()
		c.closed = true
		close(c.sendCh)
		c.mu.Unlock()
	})
}
