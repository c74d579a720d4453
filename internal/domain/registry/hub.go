/*
Package registry implements the Broadcast Hub: sequenced, replayable fan-out of
committed domain changes to observers.

Key Architectural Concepts:
  - Topic Cells: every topic ("cases", "resources", "case:<id>") is an isolated
    Cell owning its retention window and attached subscribers.
  - Sequencing: each topic has a counter that survives cell eviction; envelopes
    are stamped, retained and fanned out inside one critical section, so all
    subscribers observe the same order.
  - Decoupling & Backpressure: fan-out never blocks. A subscriber whose buffer
    is full loses the envelope and re-syncs from the gap it observes.
  - Computational Efficiency: envelopes are shared by all subscribers of a topic
    and marshalled into the wire format once.
*/
package registry

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shivay/dispatch-service/internal/domain/event"
	"github.com/shivay/dispatch-service/internal/domain/model"
)

// Cursors maps a topic to the last sequence number an observer has seen.
type Cursors map[event.Topic]uint64

// Hubber defines the gateway for subscriptions and event routing.
type Hubber interface {
	Publish(ch event.Change) []*event.Envelope
	Connect(ctx context.Context, observerID string, md ConnectMetadata) Connector
	Subscribe(conn Connector, topics []event.Topic, cursors Cursors) []model.Gap
	Unsubscribe(conn Connector, topics []event.Topic)
	Disconnect(conn Connector)
	Head(topic event.Topic) uint64
	Stats() model.HubStats
	Shutdown()
}

var _ Hubber = (*Hub)(nil)

type hubConfig struct {
	evictionInterval time.Duration
	idleTimeout      time.Duration
	retention        int
	subscriberBuffer int
}

// Hub implements a [SCALABLE_REGISTRY] using the topic Cell pattern.
type Hub struct {
	// cells stores Map[event.Topic]*Cell. Optimized for [READ_HEAVY] workloads.
	cells sync.Map
	// seqs stores Map[event.Topic]*atomic.Uint64.
	seqs sync.Map
	// conns stores Map[uuid.UUID]Connector for shutdown and stats.
	conns sync.Map

	config    hubConfig
	startedAt time.Time

	published atomic.Uint64
	dropped   atomic.Uint64

	doneCh       chan struct{}
	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		config: hubConfig{
			evictionInterval: 5 * time.Minute,
			idleTimeout:      15 * time.Minute,
			retention:        256,
			subscriberBuffer: 1024,
		},
		startedAt: time.Now(),
		doneCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}

	if h.config.evictionInterval > 0 {
		h.wg.Add(1)
		go h.janitor()
	}
	return h
}

func (h *Hub) counter(topic event.Topic) *atomic.Uint64 {
	if v, ok := h.seqs.Load(topic); ok {
		return v.(*atomic.Uint64)
	}
	v, _ := h.seqs.LoadOrStore(topic, new(atomic.Uint64))
	return v.(*atomic.Uint64)
}

func (h *Hub) cell(topic event.Topic) *Cell {
	if v, ok := h.cells.Load(topic); ok {
		return v.(*Cell)
	}
	// [LAZY_INIT] Create the cell on first publish or subscribe.
	v, _ := h.cells.LoadOrStore(topic, NewCell(topic, h.counter(topic), h.config.retention))
	return v.(*Cell)
}

// Publish stamps one envelope per topic of the change and fans it out.
// Envelopes are returned in the order of ch.Topics.
func (h *Hub) Publish(ch event.Change) []*event.Envelope {
	out := make([]*event.Envelope, 0, len(ch.Topics))
	for _, topic := range ch.Topics {
		for {
			env, dropped, ok := h.cell(topic).publish(ch)
			if !ok {
				continue // [EVICTION_RACE] retry on a fresh cell
			}
			h.published.Add(1)
			h.dropped.Add(uint64(dropped))
			out = append(out, env)
			break
		}
	}
	return out
}

// Connect creates a subscriber that is not yet attached to any topic.
func (h *Hub) Connect(ctx context.Context, observerID string, md ConnectMetadata) Connector {
	conn := NewConnector(ctx, observerID, h.config.subscriberBuffer, md)
	h.conns.Store(conn.GetID(), conn)
	return conn
}

// Subscribe attaches conn to topics. Topics present in cursors are replayed
// from the retention window; a cursor the window cannot satisfy yields a Gap.
func (h *Hub) Subscribe(conn Connector, topics []event.Topic, cursors Cursors) []model.Gap {
	var gaps []model.Gap
	for _, topic := range topics {
		cursor, hasCursor := cursors[topic]
		for {
			gap, ok := h.cell(topic).attach(conn, cursor, hasCursor)
			if !ok {
				continue
			}
			if gap != nil {
				gaps = append(gaps, *gap)
			}
			break
		}
	}
	return gaps
}

func (h *Hub) Unsubscribe(conn Connector, topics []event.Topic) {
	for _, topic := range topics {
		if v, ok := h.cells.Load(topic); ok {
			v.(*Cell).detach(conn.GetID())
		}
	}
}

// Disconnect performs [GRACEFUL_RECLAMATION]: detach from every topic first so
// no cell can send to a closed channel, then close.
func (h *Hub) Disconnect(conn Connector) {
	h.Unsubscribe(conn, conn.Topics())
	h.conns.Delete(conn.GetID())
	conn.Close()
}

// Head returns the last sequence number issued on topic.
func (h *Hub) Head(topic event.Topic) uint64 {
	if v, ok := h.seqs.Load(topic); ok {
		return v.(*atomic.Uint64).Load()
	}
	return 0
}

func (h *Hub) Stats() model.HubStats {
	stats := model.HubStats{
		Published: h.published.Load(),
		Dropped:   h.dropped.Load(),
		Uptime:    time.Since(h.startedAt),
	}
	h.cells.Range(func(_, v any) bool {
		ts := v.(*Cell).stats()
		stats.TotalTopics++
		stats.Topics = append(stats.Topics, ts)
		return true
	})
	h.conns.Range(func(_, _ any) bool {
		stats.TotalSubscribers++
		return true
	})
	sort.Slice(stats.Topics, func(i, j int) bool { return stats.Topics[i].Topic < stats.Topics[j].Topic })
	return stats
}

// janitor reclaims cells of quiet topics without subscribers.
func (h *Hub) janitor() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.config.evictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.doneCh:
			return
		case <-ticker.C:
			h.evictIdle()
		}
	}
}

func (h *Hub) evictIdle() int {
	n := 0
	h.cells.Range(func(k, v any) bool {
		cell := v.(*Cell)
		if cell.tryEvict(h.config.idleTimeout) {
			h.cells.CompareAndDelete(k, cell)
			n++
		}
		return true
	})
	return n
}

// Shutdown stops the janitor and closes every subscriber with a final notice.
func (h *Hub) Shutdown() {
	h.shutdownOnce.Do(func() {
		close(h.doneCh)
		h.wg.Wait()

		h.conns.Range(func(k, v any) bool {
			conn := v.(Connector)
			conn.Notify(event.NewSystemEvent("", event.Disconnected, event.PriorityHigh, &model.DisconnectedPayload{
				Reason: "server_shutdown",
				Code:   "SHUTDOWN",
			}))
			h.Unsubscribe(conn, conn.Topics())
			conn.Close()
			h.conns.Delete(k.(uuid.UUID))
			return true
		})
	})
}
