package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shivay/dispatch-service/internal/adapter/store"
	"github.com/shivay/dispatch-service/internal/domain/event"
	"github.com/shivay/dispatch-service/internal/domain/model"
)

func TestEngine_NoResourcesLeavesCaseOpen(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.createCase(t, model.EmergencyMedical, model.SeverityCritical)
	f.drain()

	report := f.engine.RunPass(ctx)
	assert.Equal(t, 1, report.Rejected)
	assert.Zero(t, report.Committed)

	// A second pass over the same pool does not repeat the failure.
	report = f.engine.RunPass(ctx)
	assert.Zero(t, report.Rejected)
	assert.Equal(t, 1, report.Skipped)

	got, err := f.cases.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusOpen, got.Status)

	events := f.drain()
	assert.Equal(t, []event.EventKind{event.AssignmentFailed}, kindsOn(events, event.CaseTopic(c.ID)))
	assert.Empty(t, f.records(t, c.ID, model.OutcomeCommitted))

	rejected := f.records(t, c.ID, model.OutcomeRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, ReasonNoAmbulance, rejected[0].Reason)
}

func TestEngine_CommitsNearestAmbulance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addAmbulance(t, "AMB-NWK", newark)
	f.addAmbulance(t, "AMB-BKN", brooklyn)
	c := f.createCase(t, model.EmergencyAccident, model.SeverityHigh)
	f.drain()

	report := f.engine.RunPass(ctx)
	assert.Equal(t, 1, report.Committed)

	got, err := f.cases.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDispatched, got.Status)
	assert.Equal(t, "AMB-BKN", got.AssignedAmbulanceID)
	assert.Empty(t, got.AssignedHospitalID, "high severity needs no bed")

	amb, err := f.registry.Ambulance("AMB-BKN")
	require.NoError(t, err)
	assert.Equal(t, model.AmbulanceEnRoute, amb.Status)
	assert.Equal(t, c.ID, amb.AssignedCaseID)

	persisted, err := f.store.ListAmbulances(ctx)
	require.NoError(t, err)
	for _, a := range persisted {
		if a.ID == "AMB-BKN" {
			assert.Equal(t, model.AmbulanceEnRoute, a.Status)
		}
	}

	committed := f.records(t, c.ID, model.OutcomeCommitted)
	require.Len(t, committed, 1)
	assert.Equal(t, "AMB-BKN", committed[0].AmbulanceID)

	events := f.drain()
	assert.Equal(t,
		[]event.EventKind{event.CaseUpdated, event.AssignmentCommitted},
		kindsOn(events, event.CaseTopic(c.ID)),
	)
	assert.Equal(t, 1, countKind(events, event.TopicResources, event.ResourceUpdated))
}

func TestEngine_CriticalMedicalReservesBedAndCancelReleasesIt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addAmbulance(t, "AMB-1", brooklyn)
	f.addHospital(t, "HOSP-FAR", newark, 10)
	f.addHospital(t, "HOSP-NEAR", brooklyn, 2)
	c := f.createCase(t, model.EmergencyMedical, model.SeverityCritical)

	require.Equal(t, 1, f.engine.RunPass(ctx).Committed)

	got, err := f.cases.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "HOSP-NEAR", got.AssignedHospitalID)

	h, err := f.registry.Hospital("HOSP-NEAR")
	require.NoError(t, err)
	assert.Equal(t, 1, h.Occupied)

	amb, err := f.registry.Ambulance("AMB-1")
	require.NoError(t, err)
	assert.Equal(t, "HOSP-NEAR", amb.DestinationHospitalID)

	cancelled, err := f.cases.Transition(ctx, TransitionRequest{CaseID: c.ID, Target: model.StatusCancelled, Actor: "officer-2"})
	require.NoError(t, err)
	assert.Empty(t, cancelled.AssignedAmbulanceID)
	assert.Empty(t, cancelled.AssignedHospitalID)

	amb, err = f.registry.Ambulance("AMB-1")
	require.NoError(t, err)
	assert.Equal(t, model.AmbulanceAvailable, amb.Status)
	assert.Empty(t, amb.AssignedCaseID)

	h, err = f.registry.Hospital("HOSP-NEAR")
	require.NoError(t, err)
	assert.Equal(t, 0, h.Occupied)
}

func TestEngine_ResolveKeepsBed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addAmbulance(t, "AMB-1", brooklyn)
	f.addHospital(t, "HOSP-1", brooklyn, 1)
	c := f.createCase(t, model.EmergencyAccident, model.SeverityCritical)
	require.Equal(t, 1, f.engine.RunPass(ctx).Committed)

	for _, target := range []model.CaseStatus{model.StatusInProgress, model.StatusResolved} {
		_, err := f.cases.Transition(ctx, TransitionRequest{CaseID: c.ID, Target: target})
		require.NoError(t, err)
	}

	amb, err := f.registry.Ambulance("AMB-1")
	require.NoError(t, err)
	assert.Equal(t, model.AmbulanceAvailable, amb.Status)

	h, err := f.registry.Hospital("HOSP-1")
	require.NoError(t, err)
	assert.Equal(t, 1, h.Occupied, "the admitted patient keeps the bed")
}

func TestEngine_NoBedRollsBackAmbulance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addAmbulance(t, "AMB-1", brooklyn)
	f.addHospital(t, "HOSP-FULL", brooklyn, 0)
	c := f.createCase(t, model.EmergencyMedical, model.SeverityCritical)

	assert.Equal(t, 1, f.engine.RunPass(ctx).Rejected)

	amb, err := f.registry.Ambulance("AMB-1")
	require.NoError(t, err)
	assert.Equal(t, model.AmbulanceAvailable, amb.Status)
	assert.Empty(t, amb.AssignedCaseID)

	rejected := f.records(t, c.ID, model.OutcomeRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, ReasonNoHospital, rejected[0].Reason)

	// Added capacity reaches the engine as a resource event and the case is matched.
	f.drain()
	_, err = f.resources.UpdateHospital(ctx, model.HospitalUpdate{ID: "HOSP-FULL", TotalCapacity: ptr(1)}, "test")
	require.NoError(t, err)
	f.feedEngine()

	assert.Equal(t, 1, f.engine.RunPass(ctx).Committed)
	assert.Len(t, f.records(t, c.ID, model.OutcomeCommitted), 1)
}

func TestEngine_SeverityThenAgeOrdering(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mk := func(id string, sev model.Severity, created time.Time) *model.EmergencyCase {
		return &model.EmergencyCase{ID: id, Severity: sev, Status: model.StatusOpen, CreatedAt: created}
	}
	ids := func(cs []*model.EmergencyCase) []string {
		out := make([]string, len(cs))
		for i, c := range cs {
			out[i] = c.ID
		}
		return out
	}

	cases := []*model.EmergencyCase{
		mk("CASE-MED-OLD", model.SeverityMedium, t0),
		mk("CASE-HIGH", model.SeverityHigh, t0.Add(5*time.Minute)),
		mk("CASE-CRIT", model.SeverityCritical, t0.Add(6*time.Minute)),
		mk("CASE-LOW-B", model.SeverityLow, t0.Add(time.Minute)),
		mk("CASE-LOW-A", model.SeverityLow, t0.Add(time.Minute)),
	}

	fresh := t0.Add(7 * time.Minute)
	sortPending(cases, fresh, 10*time.Minute)
	assert.Equal(t, []string{"CASE-CRIT", "CASE-HIGH", "CASE-MED-OLD", "CASE-LOW-A", "CASE-LOW-B"}, ids(cases))

	// After 12 minutes the medium case has waited past the threshold and
	// ties with the high one, which it predates.
	later := t0.Add(12 * time.Minute)
	sortPending(cases, later, 10*time.Minute)
	assert.Equal(t, []string{"CASE-CRIT", "CASE-MED-OLD", "CASE-HIGH", "CASE-LOW-A", "CASE-LOW-B"}, ids(cases))
	assert.Equal(t, model.SeverityMedium, cases[1].Severity, "promotion never rewrites severity")
}

func TestEngine_MostSevereServedFirst(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	low := f.createCase(t, model.EmergencyFire, model.SeverityLow)
	crit := f.createCase(t, model.EmergencyFire, model.SeverityCritical)
	f.addAmbulance(t, "AMB-ONLY", brooklyn)

	report := f.engine.RunPass(ctx)
	assert.Equal(t, 1, report.Committed)
	assert.Equal(t, 1, report.Rejected)

	got, err := f.cases.Get(ctx, crit.ID)
	require.NoError(t, err)
	assert.Equal(t, "AMB-ONLY", got.AssignedAmbulanceID)

	got, err = f.cases.Get(ctx, low.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusOpen, got.Status)
}

func TestEngine_WithdrawnAmbulanceIsSupersededAndReplaced(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addAmbulance(t, "AMB-1", brooklyn)
	c := f.createCase(t, model.EmergencyCrime, model.SeverityHigh)
	require.Equal(t, 1, f.engine.RunPass(ctx).Committed)
	f.drain()

	// External override pulls the crew off the case.
	_, err := f.resources.UpdateAmbulance(ctx, model.AmbulanceUpdate{
		ID:       "AMB-1",
		Status:   model.AmbulanceOutOfService,
		Location: brooklyn,
	}, "amqp")
	require.NoError(t, err)

	got, err := f.cases.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDispatched, got.Status)
	assert.True(t, got.IsOrphaned())

	superseded := f.records(t, c.ID, model.OutcomeSuperseded)
	require.Len(t, superseded, 1)
	assert.Equal(t, ReasonAmbulanceWithdrawn, superseded[0].Reason)
	assert.Equal(t, "AMB-1", superseded[0].AmbulanceID)

	f.addAmbulance(t, "AMB-2", newark)
	require.Equal(t, 1, f.engine.RunPass(ctx).Committed)

	got, err = f.cases.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDispatched, got.Status)
	assert.Equal(t, "AMB-2", got.AssignedAmbulanceID)

	trail, err := f.cases.Assignments(ctx, c.ID)
	require.NoError(t, err)
	outcomes := make([]model.AssignmentOutcome, len(trail))
	for i, r := range trail {
		outcomes[i] = r.Outcome
	}
	assert.Equal(t, []model.AssignmentOutcome{
		model.OutcomeCommitted,
		model.OutcomeSuperseded,
		model.OutcomeCommitted,
	}, outcomes)
}

func TestEngine_BusyAmbulanceWithoutCaseIsRejected(t *testing.T) {
	f := newFixture(t)
	f.addAmbulance(t, "AMB-1", brooklyn)

	_, err := f.resources.UpdateAmbulance(context.Background(), model.AmbulanceUpdate{
		ID:       "AMB-1",
		Status:   model.AmbulanceAtScene,
		Location: brooklyn,
	}, "test")
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestEngine_RetriesTransientStoreFailures(t *testing.T) {
	ctx := context.Background()
	st := &flakyStore{MemoryStore: store.NewMemoryStore(), appendFailures: 2}
	f := newFixtureWithStore(t, st)
	f.addAmbulance(t, "AMB-1", brooklyn)
	c := f.createCase(t, model.EmergencyOther, model.SeverityMedium)

	assert.Equal(t, 1, f.engine.RunPass(ctx).Committed)
	assert.Len(t, f.records(t, c.ID, model.OutcomeCommitted), 1)
}

func TestEngine_ExhaustedRetriesRollBack(t *testing.T) {
	ctx := context.Background()
	st := &flakyStore{MemoryStore: store.NewMemoryStore(), appendFailures: -1}
	f := newFixtureWithStore(t, st)
	f.addAmbulance(t, "AMB-1", brooklyn)
	c := f.createCase(t, model.EmergencyOther, model.SeverityMedium)
	f.drain()

	assert.Equal(t, 1, f.engine.RunPass(ctx).Rejected)

	amb, err := f.registry.Ambulance("AMB-1")
	require.NoError(t, err)
	assert.Equal(t, model.AmbulanceAvailable, amb.Status, "reservation is undone")

	got, err := f.cases.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusOpen, got.Status)
	assert.Equal(t, 1, countKind(f.drain(), event.CaseTopic(c.ID), event.AssignmentFailed))
}

func TestEngine_ConcurrentPassesNeverDoubleBook(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for i := range 4 {
		f.addAmbulance(t, fmt.Sprintf("AMB-%d", i), brooklyn)
	}
	var created []*model.EmergencyCase
	for range 10 {
		created = append(created, f.createCase(t, model.EmergencyFire, model.SeverityHigh))
	}

	var wg sync.WaitGroup
	for i := range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				f.engine.RunPass(ctx)
				return
			}
			// Dispatchers cancel cases while passes run.
			_, _ = f.cases.Transition(ctx, TransitionRequest{CaseID: created[i].ID, Target: model.StatusCancelled})
		}()
	}
	wg.Wait()

	holders := map[string]string{}
	for _, c := range created {
		got, err := f.cases.Get(ctx, c.ID)
		require.NoError(t, err)
		if got.AssignedAmbulanceID == "" {
			continue
		}
		prev, dup := holders[got.AssignedAmbulanceID]
		assert.False(t, dup, "ambulance %s held by %s and %s", got.AssignedAmbulanceID, prev, got.ID)
		holders[got.AssignedAmbulanceID] = got.ID

		amb, err := f.registry.Ambulance(got.AssignedAmbulanceID)
		require.NoError(t, err)
		assert.Equal(t, got.ID, amb.AssignedCaseID)
		assert.True(t, amb.Status.IsBusy())
	}
	for _, a := range f.registry.Ambulances() {
		assert.Equal(t, a.Status.IsBusy(), a.AssignedCaseID != "", a.ID)
	}
}

func TestEngine_StartMatchesNewCases(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.engine.Start(ctx))
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		assert.NoError(t, f.engine.Stop(stopCtx))
	})

	c := f.createCase(t, model.EmergencyMedical, model.SeverityHigh)

	// No ambulance yet: the failure is announced and the case waits.
	require.Eventually(t, func() bool {
		return len(f.records(t, c.ID, model.OutcomeRejected)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// The crew coming on shift is the trigger.
	f.addAmbulance(t, "AMB-1", brooklyn)
	require.Eventually(t, func() bool {
		got, err := f.cases.Get(ctx, c.ID)
		return err == nil && got.Status == model.StatusDispatched
	}, 2*time.Second, 10*time.Millisecond)
}
