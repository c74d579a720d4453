package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shivay/dispatch-service/internal/domain/event"
	"github.com/shivay/dispatch-service/internal/domain/model"
)

func TestCaseService_CreateAnnouncesOnBothTopics(t *testing.T) {
	f := newFixture(t)
	c := f.createCase(t, model.EmergencyFire, model.SeverityHigh)

	assert.Regexp(t, `^CASE-[0-9A-F]{8}$`, c.ID)
	assert.Equal(t, model.StatusOpen, c.Status)
	assert.Equal(t, int64(1), c.Version)
	assert.Equal(t, c.CreatedAt, c.UpdatedAt)

	events := f.drain()
	assert.Equal(t, []event.EventKind{event.CaseCreated}, kindsOn(events, event.TopicCases))
	assert.Equal(t, []event.EventKind{event.CaseCreated}, kindsOn(events, event.CaseTopic(c.ID)))

	stored, err := f.cases.Get(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, c, stored)
}

func TestCaseService_CreateRejectsMalformedInput(t *testing.T) {
	f := newFixture(t)

	_, err := f.cases.Create(context.Background(), model.NewCase{
		Type:     "earthquake",
		Severity: model.SeverityHigh,
		Location: downtown,
	}, "")
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = f.cases.Create(context.Background(), model.NewCase{
		Type:     model.EmergencyMedical,
		Severity: model.SeverityHigh,
		Location: model.Location{Latitude: 91, Longitude: 0},
	}, "")
	assert.ErrorIs(t, err, model.ErrValidation)

	assert.Empty(t, f.drain(), "rejected input emits nothing")
}

func TestCaseService_CreateRegeneratesCollidingID(t *testing.T) {
	f := newFixture(t)
	first := f.createCase(t, model.EmergencyMedical, model.SeverityLow)
	f.drain()

	ids := []string{first.ID, first.ID, "CASE-0000BEEF"}
	f.cases.newID = func() string {
		id := ids[0]
		ids = ids[1:]
		return id
	}

	c, err := f.cases.Create(context.Background(), model.NewCase{
		Type:     model.EmergencyFire,
		Severity: model.SeverityHigh,
		Location: downtown,
	}, "operator-1")
	require.NoError(t, err)
	assert.Equal(t, "CASE-0000BEEF", c.ID)
	assert.Empty(t, ids)
	assert.Equal(t, 1, countKind(f.drain(), event.TopicCases, event.CaseCreated))

	kept, err := f.cases.Get(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, model.EmergencyMedical, kept.Type)
}

func TestCaseService_CreateGivesUpAfterRepeatedCollisions(t *testing.T) {
	f := newFixture(t)
	first := f.createCase(t, model.EmergencyMedical, model.SeverityLow)
	f.cases.newID = func() string { return first.ID }

	_, err := f.cases.Create(context.Background(), model.NewCase{
		Type:     model.EmergencyFire,
		Severity: model.SeverityHigh,
		Location: downtown,
	}, "")
	assert.ErrorIs(t, err, model.ErrConflict)
}

func TestCaseService_TransitionEdges(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.createCase(t, model.EmergencyCrime, model.SeverityMedium)

	_, err := f.cases.Transition(ctx, TransitionRequest{CaseID: c.ID, Target: model.StatusInProgress})
	assert.ErrorIs(t, err, model.ErrInvalidTransition, "open cannot skip dispatch")

	_, err = f.cases.Transition(ctx, TransitionRequest{CaseID: c.ID, Target: model.StatusDispatched})
	assert.ErrorIs(t, err, model.ErrPrecondition, "dispatch needs a committed assignment")

	_, err = f.cases.Transition(ctx, TransitionRequest{CaseID: c.ID, Target: model.StatusOpen})
	assert.ErrorIs(t, err, model.ErrInvalidTransition, "no self edges")

	_, err = f.cases.Transition(ctx, TransitionRequest{CaseID: "CASE-00000000", Target: model.StatusCancelled})
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = f.cases.Transition(ctx, TransitionRequest{CaseID: c.ID, Target: "closed"})
	assert.ErrorIs(t, err, model.ErrValidation)

	cancelled, err := f.cases.Transition(ctx, TransitionRequest{CaseID: c.ID, Target: model.StatusCancelled, Actor: "officer-7"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, cancelled.Status)
	assert.NotNil(t, cancelled.ResolvedAt)
	assert.True(t, cancelled.UpdatedAt.After(c.UpdatedAt))
	assert.Equal(t, c.Version+1, cancelled.Version)

	_, err = f.cases.Transition(ctx, TransitionRequest{CaseID: c.ID, Target: model.StatusOpen})
	assert.ErrorIs(t, err, model.ErrInvalidTransition, "terminal states have no exits")
}

func TestCaseService_DispatchCopiesCommittedAssignment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.createCase(t, model.EmergencyMedical, model.SeverityHigh)

	rec := model.NewAssignmentRecord(c.ID, model.OutcomeCommitted, "", time.Now())
	rec.AmbulanceID = "AMB-1"
	rec.HospitalID = "HOSP-1"
	require.NoError(t, f.store.AppendAssignment(ctx, rec))

	got, err := f.cases.Transition(ctx, TransitionRequest{CaseID: c.ID, Target: model.StatusDispatched})
	require.NoError(t, err)
	assert.Equal(t, "AMB-1", got.AssignedAmbulanceID)
	assert.Equal(t, "HOSP-1", got.AssignedHospitalID)
}

func TestCaseService_RepeatedPatchIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.createCase(t, model.EmergencyOther, model.SeverityLow)
	f.drain()

	req := TransitionRequest{CaseID: c.ID, Target: model.StatusCancelled, ExpectedPrior: ptr(model.StatusOpen)}
	first, err := f.cases.Transition(ctx, req)
	require.NoError(t, err)

	_, err = f.cases.Transition(ctx, req)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)

	final, err := f.cases.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, first, final)
	assert.Equal(t, 1, countKind(f.drain(), event.CaseTopic(c.ID), event.CaseUpdated))
}

func TestCaseService_UpdateSeverity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.createCase(t, model.EmergencyAccident, model.SeverityMedium)
	f.drain()

	same, err := f.cases.UpdateSeverity(ctx, c.ID, model.SeverityMedium, "officer-1")
	require.NoError(t, err)
	assert.Equal(t, c.Version, same.Version)
	assert.Empty(t, f.drain(), "unchanged severity is a no-op")

	up, err := f.cases.UpdateSeverity(ctx, c.ID, model.SeverityCritical, "officer-1")
	require.NoError(t, err)
	assert.Equal(t, model.SeverityCritical, up.Severity)
	assert.Equal(t, model.StatusOpen, up.Status)
	assert.Equal(t, 1, countKind(f.drain(), event.TopicCases, event.CaseUpdated))

	_, err = f.cases.UpdateSeverity(ctx, c.ID, "urgent", "officer-1")
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = f.cases.Transition(ctx, TransitionRequest{CaseID: c.ID, Target: model.StatusCancelled})
	require.NoError(t, err)
	_, err = f.cases.UpdateSeverity(ctx, c.ID, model.SeverityLow, "officer-1")
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
}

func TestCaseService_ConcurrentDispatchAndCancel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.createCase(t, model.EmergencyMedical, model.SeverityHigh)

	rec := model.NewAssignmentRecord(c.ID, model.OutcomeCommitted, "", time.Now())
	rec.AmbulanceID = "AMB-1"
	require.NoError(t, f.store.AppendAssignment(ctx, rec))

	targets := []model.CaseStatus{model.StatusDispatched, model.StatusCancelled}
	results := make([]*model.EmergencyCase, len(targets))
	errs := make([]error, len(targets))

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i, target := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			results[i], errs[i] = f.cases.Transition(ctx, TransitionRequest{
				CaseID:        c.ID,
				Target:        target,
				ExpectedPrior: ptr(model.StatusOpen),
			})
		}()
	}
	close(start)
	wg.Wait()

	var winner *model.EmergencyCase
	failures := 0
	for i := range targets {
		if errs[i] == nil {
			winner = results[i]
			continue
		}
		failures++
		assert.True(t, errors.Is(errs[i], model.ErrInvalidTransition) || errors.Is(errs[i], model.ErrBusy), errs[i])
	}
	require.NotNil(t, winner)
	assert.Equal(t, 1, failures)

	final, err := f.cases.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, winner.Status, final.Status)
	assert.Equal(t, winner.Version, final.Version)
}

func TestCaseService_ListFiltersAndPages(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for range 3 {
		f.createCase(t, model.EmergencyFire, model.SeverityHigh)
	}
	f.createCase(t, model.EmergencyFire, model.SeverityLow)

	got, total, err := f.cases.List(ctx, model.CaseFilter{Severity: model.SeverityHigh, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, got, 2)

	_, _, err = f.cases.List(ctx, model.CaseFilter{Skip: -1})
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = f.cases.Assignments(ctx, "CASE-FFFFFFFF")
	assert.ErrorIs(t, err, model.ErrNotFound)
}
