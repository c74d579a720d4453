package service

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shivay/dispatch-service/internal/adapter/store"
	"github.com/shivay/dispatch-service/internal/domain/event"
	"github.com/shivay/dispatch-service/internal/domain/lock"
	"github.com/shivay/dispatch-service/internal/domain/model"
)

// gatedStore parks the next ambulance upsert once armed, until gate closes.
type gatedStore struct {
	*store.MemoryStore
	armed   atomic.Bool
	entered chan struct{}
	gate    chan struct{}
}

func (s *gatedStore) UpsertAmbulance(ctx context.Context, a *model.Ambulance) error {
	if s.armed.CompareAndSwap(true, false) {
		close(s.entered)
		<-s.gate
	}
	return s.MemoryStore.UpsertAmbulance(ctx, a)
}

// busyAssigner answers Supersede with ErrBusy a number of times.
type busyAssigner struct {
	Assigner
	busy      int // remaining busy replies; negative never succeeds
	fail      error
	calls     int
	triggered int
}

func (a *busyAssigner) Supersede(context.Context, string, string, string) error {
	a.calls++
	if a.fail != nil {
		return a.fail
	}
	if a.busy != 0 {
		if a.busy > 0 {
			a.busy--
		}
		return model.Busyf("case is locked")
	}
	return nil
}

func (a *busyAssigner) Trigger() { a.triggered++ }

func lastAmbulanceStatus(t *testing.T, events []event.Eventer, id string) model.AmbulanceStatus {
	t.Helper()
	var status model.AmbulanceStatus
	for _, ev := range events {
		if ev.GetTopic() != event.TopicResources {
			continue
		}
		if p, ok := ev.GetPayload().(*model.ResourceChange); ok && p.Ambulance != nil && p.Ambulance.ID == id {
			status = p.Ambulance.Status
		}
	}
	require.NotEmpty(t, status, "no resource event for %s", id)
	return status
}

func TestResourceService_SameAmbulanceUpdatesPersistInCommitOrder(t *testing.T) {
	ctx := context.Background()
	st := &gatedStore{MemoryStore: store.NewMemoryStore(), entered: make(chan struct{}), gate: make(chan struct{})}
	f := newFixtureWithStore(t, st)
	f.addAmbulance(t, "AMB-1", brooklyn)
	f.drain()

	st.armed.Store(true)
	first := make(chan error, 1)
	go func() {
		_, err := f.resources.UpdateAmbulance(ctx, model.AmbulanceUpdate{
			ID: "AMB-1", Status: model.AmbulanceOutOfService, Location: brooklyn,
		}, "redis")
		first <- err
	}()
	<-st.entered

	second := make(chan error, 1)
	go func() {
		_, err := f.resources.UpdateAmbulance(ctx, model.AmbulanceUpdate{
			ID: "AMB-1", Status: model.AmbulanceAvailable, Location: newark,
		}, "redis")
		second <- err
	}()

	select {
	case err := <-second:
		t.Fatalf("second update finished while the first was persisting: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	close(st.gate)
	require.NoError(t, <-first)
	require.NoError(t, <-second)

	inRegistry, err := f.registry.Ambulance("AMB-1")
	require.NoError(t, err)
	assert.Equal(t, model.AmbulanceAvailable, inRegistry.Status)

	stored, err := st.ListAmbulances(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, inRegistry.Status, stored[0].Status)
	assert.Equal(t, newark, stored[0].Location)

	assert.Equal(t, model.AmbulanceAvailable, lastAmbulanceStatus(t, f.drain(), "AMB-1"))
}

func TestResourceService_SupersedeRetriesWhileCaseIsBusy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	setup := func(t *testing.T, assigner *busyAssigner) *ResourceService {
		t.Helper()
		_, err := f.registry.UpdateAmbulance(model.AmbulanceUpdate{ID: "AMB-1", Status: model.AmbulanceAvailable, Location: brooklyn})
		require.NoError(t, err)
		_, err = f.registry.ReserveAmbulance("AMB-1", "CASE-0000000A")
		require.NoError(t, err)
		return NewResourceService(f.store, f.registry, lock.NewTable(), assigner, NewEmitter(f.hub, nil, testLogger()), nil, testLogger(), time.Second)
	}
	withdraw := func(t *testing.T, svc *ResourceService) {
		t.Helper()
		_, err := svc.UpdateAmbulance(ctx, model.AmbulanceUpdate{ID: "AMB-1", Status: model.AmbulanceOutOfService, Location: brooklyn}, "amqp")
		require.NoError(t, err)
	}

	t.Run("succeeds after contention", func(t *testing.T) {
		a := &busyAssigner{busy: 2}
		withdraw(t, setup(t, a))
		assert.Equal(t, 3, a.calls)
		assert.Zero(t, a.triggered)
	})

	t.Run("exhausted hands over to the next pass", func(t *testing.T) {
		a := &busyAssigner{busy: -1}
		withdraw(t, setup(t, a))
		assert.Equal(t, supersedeAttempts, a.calls)
		assert.Equal(t, 1, a.triggered)
	})

	t.Run("domain errors are final", func(t *testing.T) {
		a := &busyAssigner{fail: model.NotFoundf("case CASE-0000000A")}
		withdraw(t, setup(t, a))
		assert.Equal(t, 1, a.calls)
		assert.Equal(t, 1, a.triggered)
	})
}

func TestEngine_StrandedDispatchedCaseIsRematched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addAmbulance(t, "AMB-1", brooklyn)
	c := f.createCase(t, model.EmergencyFire, model.SeverityHigh)
	require.Equal(t, 1, f.engine.RunPass(ctx).Committed)

	// The crew leaves but the supersede never reaches the case.
	_, err := f.registry.UpdateAmbulance(model.AmbulanceUpdate{ID: "AMB-1", Status: model.AmbulanceOutOfService, Location: brooklyn})
	require.NoError(t, err)

	got, err := f.cases.Get(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, "AMB-1", got.AssignedAmbulanceID)

	f.addAmbulance(t, "AMB-2", newark)
	require.Equal(t, 1, f.engine.RunPass(ctx).Committed)

	got, err = f.cases.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDispatched, got.Status)
	assert.Equal(t, "AMB-2", got.AssignedAmbulanceID)

	amb, err := f.registry.Ambulance("AMB-2")
	require.NoError(t, err)
	assert.Equal(t, c.ID, amb.AssignedCaseID)
}

func TestEngine_CrewFinishingInProgressCaseIsNotSuperseded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addAmbulance(t, "AMB-1", brooklyn)
	c := f.createCase(t, model.EmergencyCrime, model.SeverityHigh)
	require.Equal(t, 1, f.engine.RunPass(ctx).Committed)

	_, err := f.cases.Transition(ctx, TransitionRequest{CaseID: c.ID, Target: model.StatusInProgress})
	require.NoError(t, err)

	for _, status := range []model.AmbulanceStatus{model.AmbulanceTransporting, model.AmbulanceAvailable} {
		_, err := f.resources.UpdateAmbulance(ctx, model.AmbulanceUpdate{ID: "AMB-1", Status: status, Location: brooklyn}, "redis")
		require.NoError(t, err)
	}

	assert.Empty(t, f.records(t, c.ID, model.OutcomeSuperseded))

	got, err := f.cases.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusInProgress, got.Status)
	assert.Equal(t, "AMB-1", got.AssignedAmbulanceID)

	amb, err := f.registry.Ambulance("AMB-1")
	require.NoError(t, err)
	assert.Equal(t, model.AmbulanceAvailable, amb.Status)
	assert.Empty(t, amb.AssignedCaseID)

	assert.Zero(t, f.engine.RunPass(ctx).Committed)
}
