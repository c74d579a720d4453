package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shivay/dispatch-service/internal/domain/event"
	"github.com/shivay/dispatch-service/internal/domain/model"
	"github.com/shivay/dispatch-service/internal/domain/registry"
)

func publishCases(hub registry.Hubber, n int) {
	for range n {
		hub.Publish(event.NewCaseChange(event.CaseUpdated, &model.EmergencyCase{
			ID:        "CASE-0000000A",
			Severity:  model.SeverityHigh,
			Status:    model.StatusOpen,
			UpdatedAt: time.Now(),
		}, "", "test"))
	}
}

func recvAll(conn registry.Connector) []event.Eventer {
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

func TestDelivery_ReplayBeyondRetentionRequiresResync(t *testing.T) {
	hub := registry.NewHub(registry.WithEvictionInterval(0), registry.WithRetention(4))
	t.Cleanup(hub.Shutdown)
	svc := NewDeliveryService(hub, testLogger())

	publishCases(hub, 15)

	conn := svc.Connect(context.Background(), "console-1", registry.ConnectMetadata{Transport: "test"})
	defer svc.Disconnect(conn)

	ack, err := svc.Subscribe(conn, SubscribeRequest{Topics: []string{"cases"}, FromSequence: ptr(uint64(9))})
	require.NoError(t, err)
	require.Len(t, ack.Gaps, 1)
	assert.Equal(t, model.Gap{Topic: "cases", Requested: 9, Oldest: 12, Head: 15}, ack.Gaps[0])

	events := recvAll(conn)
	require.Len(t, events, 7)
	assert.Equal(t, event.Connected, events[0].GetKind())
	assert.Equal(t, event.Subscribed, events[1].GetKind())

	var seqs []uint64
	for _, ev := range events[2:6] {
		seqs = append(seqs, ev.GetSeq())
	}
	assert.Equal(t, []uint64{12, 13, 14, 15}, seqs, "what is retained is still replayed")
	assert.Equal(t, event.ResyncRequired, events[6].GetKind())
}

func TestDelivery_CursorsOverrideFromSequence(t *testing.T) {
	req := SubscribeRequest{
		Topics:       []string{"cases", "resources", "case:CASE-0000000A", "cases"},
		FromSequence: ptr(uint64(3)),
		Cursors:      map[string]uint64{"resources": 7},
	}
	topics, cursors, err := req.Resolve()
	require.NoError(t, err)
	assert.Len(t, topics, 3, "duplicates collapse")
	assert.Equal(t, registry.Cursors{
		event.TopicCases:                  3,
		event.TopicResources:              7,
		event.CaseTopic("CASE-0000000A"): 3,
	}, cursors)

	_, _, err = SubscribeRequest{Topics: []string{"everything"}}.Resolve()
	assert.ErrorIs(t, err, model.ErrValidation)

	_, _, err = SubscribeRequest{}.Resolve()
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestDelivery_LiveEventsAfterUnsubscribeStop(t *testing.T) {
	f := newFixture(t)
	conn := f.delivery.Connect(context.Background(), "console-2", registry.ConnectMetadata{})
	defer f.delivery.Disconnect(conn)

	_, err := f.delivery.Subscribe(conn, SubscribeRequest{Topics: []string{"cases"}})
	require.NoError(t, err)
	recvAll(conn)

	f.createCase(t, model.EmergencyFire, model.SeverityLow)
	live := recvAll(conn)
	require.Len(t, live, 1)
	assert.Equal(t, event.CaseCreated, live[0].GetKind())
	assert.Equal(t, uint64(1), live[0].GetSeq())

	_, err = f.delivery.Unsubscribe(conn, []string{"cases"})
	require.NoError(t, err)
	f.createCase(t, model.EmergencyFire, model.SeverityLow)

	rest := recvAll(conn)
	require.Len(t, rest, 1)
	assert.Equal(t, event.Unsubscribed, rest[0].GetKind())
	assert.Equal(t, uint64(2), f.delivery.Head(event.TopicCases))
}
