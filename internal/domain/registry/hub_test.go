package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shivay/dispatch-service/internal/domain/event"
	"github.com/shivay/dispatch-service/internal/domain/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHub(t *testing.T, opts ...Option) *Hub {
	t.Helper()
	h := NewHub(append([]Option{WithEvictionInterval(0)}, opts...)...)
	t.Cleanup(h.Shutdown)
	return h
}

func caseChange(id string, sev model.Severity) event.Change {
	return event.NewCaseChange(event.CaseUpdated, &model.EmergencyCase{
		ID:        id,
		Severity:  sev,
		Status:    model.StatusOpen,
		UpdatedAt: time.Now(),
	}, "", "test")
}

func drain(conn Connector) []event.Eventer {
	var out []event.Eventer
	for {
		select {
		case ev := <-conn.Recv():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func seqsOf(events []event.Eventer, topic event.Topic) []uint64 {
	var out []uint64
	for _, ev := range events {
		if ev.GetTopic() == topic {
			out = append(out, ev.GetSeq())
		}
	}
	return out
}

func TestHub_PublishStampsPerTopicSequences(t *testing.T) {
	h := newTestHub(t)

	envs := h.Publish(caseChange("CASE-1", model.SeverityHigh))
	require.Len(t, envs, 2)
	assert.Equal(t, event.TopicCases, envs[0].GetTopic())
	assert.Equal(t, uint64(1), envs[0].GetSeq())
	assert.Equal(t, event.CaseTopic("CASE-1"), envs[1].GetTopic())
	assert.Equal(t, uint64(1), envs[1].GetSeq())

	envs = h.Publish(caseChange("CASE-2", model.SeverityLow))
	assert.Equal(t, uint64(2), envs[0].GetSeq(), "global feed continues")
	assert.Equal(t, uint64(1), envs[1].GetSeq(), "new case topic starts at 1")

	assert.Equal(t, uint64(2), h.Head(event.TopicCases))
	assert.Equal(t, uint64(0), h.Head(event.TopicResources))
}

func TestHub_LiveDeliveryInOrder(t *testing.T) {
	h := newTestHub(t)
	conn := h.Connect(context.Background(), "observer", ConnectMetadata{})
	defer h.Disconnect(conn)

	gaps := h.Subscribe(conn, []event.Topic{event.TopicCases}, nil)
	assert.Empty(t, gaps)

	for range 5 {
		h.Publish(caseChange("CASE-1", model.SeverityHigh))
	}

	got := drain(conn)
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, seqsOf(got, event.TopicCases))
	for _, ev := range got {
		assert.Equal(t, event.TopicCases, ev.GetTopic(), "only subscribed topics are delivered")
	}
}

func TestHub_ReplayFromCursor(t *testing.T) {
	h := newTestHub(t)
	for range 10 {
		h.Publish(caseChange("CASE-1", model.SeverityHigh))
	}

	conn := h.Connect(context.Background(), "observer", ConnectMetadata{})
	defer h.Disconnect(conn)

	gaps := h.Subscribe(conn, []event.Topic{event.TopicCases}, Cursors{event.TopicCases: 7})
	assert.Empty(t, gaps)

	h.Publish(caseChange("CASE-1", model.SeverityHigh))
	assert.Equal(t, []uint64{8, 9, 10, 11}, seqsOf(drain(conn), event.TopicCases))
}

func TestHub_ReplayBeyondRetentionReportsGap(t *testing.T) {
	h := newTestHub(t, WithRetention(4))
	for range 10 {
		h.Publish(caseChange("CASE-1", model.SeverityHigh))
	}

	conn := h.Connect(context.Background(), "observer", ConnectMetadata{})
	defer h.Disconnect(conn)

	gaps := h.Subscribe(conn, []event.Topic{event.TopicCases}, Cursors{event.TopicCases: 2})
	require.Len(t, gaps, 1)
	assert.Equal(t, model.Gap{Topic: "cases", Requested: 2, Oldest: 7, Head: 10}, gaps[0])

	// whatever is still retained is replayed
	assert.Equal(t, []uint64{7, 8, 9, 10}, seqsOf(drain(conn), event.TopicCases))
}

func TestHub_CursorAheadOfHeadReportsGap(t *testing.T) {
	h := newTestHub(t)
	h.Publish(caseChange("CASE-1", model.SeverityHigh))

	conn := h.Connect(context.Background(), "observer", ConnectMetadata{})
	defer h.Disconnect(conn)

	gaps := h.Subscribe(conn, []event.Topic{event.TopicCases}, Cursors{event.TopicCases: 50})
	require.Len(t, gaps, 1)
	assert.Equal(t, uint64(1), gaps[0].Head)

	h.Publish(caseChange("CASE-1", model.SeverityHigh))
	assert.Equal(t, []uint64{2}, seqsOf(drain(conn), event.TopicCases))
}

func TestHub_ResubscribeDoesNotDuplicate(t *testing.T) {
	h := newTestHub(t)
	conn := h.Connect(context.Background(), "observer", ConnectMetadata{})
	defer h.Disconnect(conn)

	h.Subscribe(conn, []event.Topic{event.TopicCases}, nil)
	for range 3 {
		h.Publish(caseChange("CASE-1", model.SeverityHigh))
	}
	// same topic again with an older cursor: already delivered envelopes are filtered
	h.Subscribe(conn, []event.Topic{event.TopicCases}, Cursors{event.TopicCases: 0})
	h.Publish(caseChange("CASE-1", model.SeverityHigh))

	assert.Equal(t, []uint64{1, 2, 3, 4}, seqsOf(drain(conn), event.TopicCases))
}

func TestHub_SlowSubscriberDropsWithoutBlocking(t *testing.T) {
	h := newTestHub(t, WithSubscriberBuffer(2))
	slow := h.Connect(context.Background(), "slow", ConnectMetadata{})
	fast := h.Connect(context.Background(), "fast", ConnectMetadata{})
	defer h.Disconnect(slow)
	defer h.Disconnect(fast)

	h.Subscribe(slow, []event.Topic{event.TopicResources}, nil)
	h.Subscribe(fast, []event.Topic{event.TopicResources}, nil)

	received := make(chan []uint64)
	go func() {
		var seqs []uint64
		for ev := range fast.Recv() {
			seqs = append(seqs, ev.GetSeq())
			if len(seqs) == 5 {
				break
			}
		}
		received <- seqs
	}()

	for range 5 {
		h.Publish(event.NewAmbulanceChange(&model.Ambulance{ID: "AMB-1", Status: model.AmbulanceAvailable}))
		time.Sleep(20 * time.Millisecond)
	}

	select {
	case seqs := <-received:
		assert.Equal(t, []uint64{1, 2, 3, 4, 5}, seqs)
	case <-time.After(2 * time.Second):
		t.Fatal("fast subscriber starved by slow one")
	}

	assert.Equal(t, []uint64{1, 2}, seqsOf(drain(slow), event.TopicResources))
	assert.Equal(t, uint64(3), slow.Dropped())
	assert.GreaterOrEqual(t, h.Stats().Dropped, uint64(3))
}

func TestHub_UnsubscribeStopsDelivery(t *testing.T) {
	h := newTestHub(t)
	conn := h.Connect(context.Background(), "observer", ConnectMetadata{})
	defer h.Disconnect(conn)

	topic := event.CaseTopic("CASE-1")
	h.Subscribe(conn, []event.Topic{topic}, nil)
	h.Publish(caseChange("CASE-1", model.SeverityHigh))
	h.Unsubscribe(conn, []event.Topic{topic})
	h.Publish(caseChange("CASE-1", model.SeverityHigh))

	assert.Equal(t, []uint64{1}, seqsOf(drain(conn), topic))
	assert.Empty(t, conn.Topics())
}

func TestHub_EvictionKeepsSequence(t *testing.T) {
	h := newTestHub(t, WithIdleTimeout(0))
	topic := event.CaseTopic("CASE-1")
	h.Publish(caseChange("CASE-1", model.SeverityHigh))
	h.Publish(caseChange("CASE-1", model.SeverityHigh))

	time.Sleep(time.Millisecond)
	assert.GreaterOrEqual(t, h.evictIdle(), 1)

	envs := h.Publish(caseChange("CASE-1", model.SeverityHigh))
	assert.Equal(t, uint64(3), envs[1].GetSeq())
	assert.Equal(t, topic, envs[1].GetTopic())

	// the retention window went with the evicted cell
	conn := h.Connect(context.Background(), "observer", ConnectMetadata{})
	defer h.Disconnect(conn)
	gaps := h.Subscribe(conn, []event.Topic{topic}, Cursors{topic: 0})
	require.Len(t, gaps, 1)
	assert.Equal(t, uint64(3), gaps[0].Oldest)
}

func TestHub_ConcurrentPublishersKeepOrderPerSubscriber(t *testing.T) {
	h := newTestHub(t, WithSubscriberBuffer(4096))
	conns := make([]Connector, 4)
	for i := range conns {
		conns[i] = h.Connect(context.Background(), "observer", ConnectMetadata{})
		h.Subscribe(conns[i], []event.Topic{event.TopicCases}, nil)
	}

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				h.Publish(caseChange("CASE-1", model.SeverityHigh))
			}
		}()
	}
	wg.Wait()

	for _, conn := range conns {
		seqs := seqsOf(drain(conn), event.TopicCases)
		require.Len(t, seqs, 400)
		for i, s := range seqs {
			assert.Equal(t, uint64(i+1), s)
		}
		h.Disconnect(conn)
	}
}

func TestHub_ShutdownClosesSubscribers(t *testing.T) {
	h := NewHub(WithEvictionInterval(time.Hour))
	conn := h.Connect(context.Background(), "observer", ConnectMetadata{})
	h.Subscribe(conn, []event.Topic{event.TopicCases}, nil)

	h.Shutdown()
	h.Shutdown()

	ev, ok := <-conn.Recv()
	require.True(t, ok)
	assert.Equal(t, event.Disconnected, ev.GetKind())
	_, ok = <-conn.Recv()
	assert.False(t, ok)
	assert.Equal(t, 0, h.Stats().TotalSubscribers)
}
