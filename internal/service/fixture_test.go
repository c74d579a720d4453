package service

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shivay/dispatch-service/config"
	"github.com/shivay/dispatch-service/internal/adapter/store"
	"github.com/shivay/dispatch-service/internal/domain/event"
	"github.com/shivay/dispatch-service/internal/domain/lock"
	"github.com/shivay/dispatch-service/internal/domain/model"
	"github.com/shivay/dispatch-service/internal/domain/registry"
	"github.com/shivay/dispatch-service/internal/domain/resource"
)

var (
	downtown = model.Location{Latitude: 40.7128, Longitude: -74.0060}
	brooklyn = model.Location{Latitude: 40.6782, Longitude: -73.9442}
	newark   = model.Location{Latitude: 40.7357, Longitude: -74.1724}
)

func ptr[T any](v T) *T { return &v }

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testAssignmentConfig() config.AssignmentConfig {
	return config.AssignmentConfig{
		StarvationThreshold:  10 * time.Minute,
		CaseBudget:           time.Second,
		RetryAttempts:        3,
		RetryInitialInterval: time.Millisecond,
		ReevaluateInterval:   time.Hour,
		MaxCandidates:        5,
	}
}

type fixture struct {
	store     store.Store
	registry  *resource.Registry
	hub       *registry.Hub
	cases     *CaseService
	engine    *Engine
	resources *ResourceService
	delivery  *DeliveryService
	observer  registry.Connector
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWithStore(t, store.NewMemoryStore())
}

func newFixtureWithStore(t *testing.T, st store.Store) *fixture {
	t.Helper()
	logger := testLogger()

	hub := registry.NewHub(registry.WithEvictionInterval(0))
	t.Cleanup(hub.Shutdown)

	reg := resource.NewRegistry()
	em := NewEmitter(hub, nil, logger)
	locks := lock.NewTable()
	cases := NewCaseService(st, reg, locks, em, nil, logger, time.Second)
	engine := NewEngine(cases, st, reg, hub, em, nil, logger, testAssignmentConfig(), time.Second)

	f := &fixture{
		store:     st,
		registry:  reg,
		hub:       hub,
		cases:     cases,
		engine:    engine,
		resources: NewResourceService(st, reg, locks, engine, em, nil, logger, time.Second),
		delivery:  NewDeliveryService(hub, logger),
	}

	f.observer = hub.Connect(context.Background(), "test-observer", registry.ConnectMetadata{Transport: "test"})
	hub.Subscribe(f.observer, []event.Topic{event.TopicCases, event.TopicResources}, nil)
	return f
}

func (f *fixture) createCase(t *testing.T, typ model.EmergencyType, sev model.Severity) *model.EmergencyCase {
	t.Helper()
	c, err := f.cases.Create(context.Background(), model.NewCase{
		Type:        typ,
		Severity:    sev,
		Location:    downtown,
		Description: "caller reports an emergency",
	}, "operator-1")
	require.NoError(t, err)
	return c
}

func (f *fixture) addAmbulance(t *testing.T, id string, loc model.Location) {
	t.Helper()
	_, err := f.resources.UpdateAmbulance(context.Background(), model.AmbulanceUpdate{
		ID:       id,
		Status:   model.AmbulanceAvailable,
		Location: loc,
	}, "test")
	require.NoError(t, err)
}

func (f *fixture) addHospital(t *testing.T, id string, loc model.Location, capacity int) {
	t.Helper()
	_, err := f.resources.UpdateHospital(context.Background(), model.HospitalUpdate{
		ID:            id,
		TotalCapacity: ptr(capacity),
		Location:      ptr(loc),
	}, "test")
	require.NoError(t, err)
}

func (f *fixture) records(t *testing.T, caseID string, outcome model.AssignmentOutcome) []*model.AssignmentRecord {
	t.Helper()
	all, err := f.store.ListAssignments(context.Background(), caseID)
	require.NoError(t, err)
	var out []*model.AssignmentRecord
	for _, r := range all {
		if r.Outcome == outcome {
			out = append(out, r)
		}
	}
	return out
}

// drain returns what the observer has received so far.
func (f *fixture) drain() []event.Eventer {
	var out []event.Eventer
	for {
		select {
		case ev := <-f.observer.Recv():
			out = append(out, ev)
		default:
			return out
		}
	}
}

// feedEngine replays what the observer saw into the engine's trigger filter,
// standing in for the hub subscription Start sets up.
func (f *fixture) feedEngine() {
	for _, ev := range f.drain() {
		f.engine.wants(ev)
	}
}

func kindsOn(events []event.Eventer, topic event.Topic) []event.EventKind {
	var out []event.EventKind
	for _, ev := range events {
		if ev.GetTopic() == topic {
			out = append(out, ev.GetKind())
		}
	}
	return out
}

func countKind(events []event.Eventer, topic event.Topic, kind event.EventKind) int {
	n := 0
	for _, k := range kindsOn(events, topic) {
		if k == kind {
			n++
		}
	}
	return n
}

// flakyStore fails selected operations with ErrUnavailable.
type flakyStore struct {
	*store.MemoryStore
	appendFailures int // remaining failures; negative fails forever
}

func (s *flakyStore) AppendAssignment(ctx context.Context, r *model.AssignmentRecord) error {
	if s.appendFailures != 0 {
		if s.appendFailures > 0 {
			s.appendFailures--
		}
		return model.Unavailablef("store is down")
	}
	return s.MemoryStore.AppendAssignment(ctx, r)
}
