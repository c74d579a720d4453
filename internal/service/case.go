package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/shivay/dispatch-service/infra/observability"
	"github.com/shivay/dispatch-service/internal/adapter/store"
	"github.com/shivay/dispatch-service/internal/domain/event"
	"github.com/shivay/dispatch-service/internal/domain/lock"
	"github.com/shivay/dispatch-service/internal/domain/model"
	"github.com/shivay/dispatch-service/internal/domain/resource"
)

// SystemActor is recorded on changes made by the service itself.
const SystemActor = "system"

// createAttempts bounds id regeneration when a fresh case id collides.
const createAttempts = 3

var tracer = otel.Tracer("github.com/shivay/dispatch-service/internal/service")

// CaseManager is the request surface of the case state machine.
type CaseManager interface {
	Create(ctx context.Context, in model.NewCase, actor string) (*model.EmergencyCase, error)
	Transition(ctx context.Context, req TransitionRequest) (*model.EmergencyCase, error)
	UpdateSeverity(ctx context.Context, caseID string, severity model.Severity, actor string) (*model.EmergencyCase, error)
	Get(ctx context.Context, caseID string) (*model.EmergencyCase, error)
	List(ctx context.Context, f model.CaseFilter) ([]*model.EmergencyCase, int, error)
	Assignments(ctx context.Context, caseID string) ([]*model.AssignmentRecord, error)
}

// TransitionRequest asks for a status change. ExpectedPrior, when set, makes
// the request conditional on the status the caller last observed.
type TransitionRequest struct {
	CaseID        string
	Target        model.CaseStatus
	Actor         string
	ExpectedPrior *model.CaseStatus
}

var _ CaseManager = (*CaseService)(nil)

type CaseService struct {
	store    store.Store
	registry resource.Registrar
	locks    lock.Locker
	emitter  Emitter
	metrics  *observability.Metrics
	logger   *slog.Logger

	lockTimeout time.Duration
	now         func() time.Time
	newID       func() string
}

func NewCaseService(
	st store.Store,
	reg resource.Registrar,
	locks lock.Locker,
	em Emitter,
	metrics *observability.Metrics,
	logger *slog.Logger,
	lockTimeout time.Duration,
) *CaseService {
	return &CaseService{
		store:       st,
		registry:    reg,
		locks:       locks,
		emitter:     em,
		metrics:     metrics,
		logger:      logger,
		lockTimeout: lockTimeout,
		now:         time.Now,
		newID:       model.NewCaseID,
	}
}

// Lock keys. A holder of several takes them in case, ambulance, hospital order.
func caseLockKey(id string) string      { return "case:" + id }
func ambulanceLockKey(id string) string { return "ambulance:" + id }
func hospitalLockKey(id string) string  { return "hospital:" + id }

// lockCase enters the per-case critical section.
func (s *CaseService) lockCase(ctx context.Context, id string, timeout time.Duration) (func(), error) {
	return s.locks.Acquire(ctx, caseLockKey(id), timeout)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (s *CaseService) Create(ctx context.Context, in model.NewCase, actor string) (_ *model.EmergencyCase, err error) {
	ctx, span := tracer.Start(ctx, "CaseService.Create")
	defer func() { endSpan(span, err) }()

	if err := in.Validate(); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	c := &model.EmergencyCase{
		Type:        in.Type,
		Severity:    in.Severity,
		Status:      model.StatusOpen,
		Location:    in.Location,
		Description: in.Description,
		CallerID:    in.CallerID,
		CreatedAt:   now,
		UpdatedAt:   now,
		Version:     1,
	}

	for attempt := 1; ; attempt++ {
		c.ID = s.newID()
		err = s.insert(ctx, c, actor)
		if model.KindOf(err) == model.ErrConflict && attempt < createAttempts {
			s.logger.Warn("CASE_ID_COLLISION", "case_id", c.ID, "attempt", attempt)
			continue
		}
		if err != nil {
			return nil, err
		}
		span.SetAttributes(attribute.String("case.id", c.ID), attribute.String("case.severity", string(c.Severity)))
		return c.Clone(), nil
	}
}

func (s *CaseService) insert(ctx context.Context, c *model.EmergencyCase, actor string) error {
	// The id is fresh, but holding the lock keeps the created event ahead of
	// any change racing in from an engine pass.
	release, err := s.lockCase(ctx, c.ID, s.lockTimeout)
	if err != nil {
		return err
	}
	defer release()

	if err := s.store.CreateCase(ctx, c); err != nil {
		return fmt.Errorf("create case: %w", err)
	}
	s.metrics.CaseCreated()
	s.emitter.Emit(ctx, event.NewCaseChange(event.CaseCreated, c, "", actorOr(actor)))
	return nil
}

func (s *CaseService) Transition(ctx context.Context, req TransitionRequest) (_ *model.EmergencyCase, err error) {
	ctx, span := tracer.Start(ctx, "CaseService.Transition", trace.WithAttributes(
		attribute.String("case.id", req.CaseID),
		attribute.String("case.target", string(req.Target)),
	))
	defer func() { endSpan(span, err) }()

	if !req.Target.Valid() {
		return nil, model.Validationf("unknown status %q", req.Target)
	}

	release, err := s.lockCase(ctx, req.CaseID, s.lockTimeout)
	if err != nil {
		return nil, err
	}
	defer release()

	c, err := s.store.GetCase(ctx, req.CaseID)
	if err != nil {
		return nil, err
	}
	if req.ExpectedPrior != nil && *req.ExpectedPrior != c.Status {
		return nil, model.InvalidTransitionf("case %s is %s, not %s", c.ID, c.Status, *req.ExpectedPrior)
	}
	return s.transitionLocked(ctx, c, req.Target, actorOr(req.Actor))
}

// transitionLocked applies target to c. The caller holds the case lock and
// c is the current persisted state.
func (s *CaseService) transitionLocked(ctx context.Context, c *model.EmergencyCase, target model.CaseStatus, actor string) (*model.EmergencyCase, error) {
	prev := c.Status
	if !prev.CanTransition(target) {
		return nil, model.InvalidTransitionf("case %s cannot move from %s to %s", c.ID, prev, target)
	}

	next := c.Clone()
	next.Status = target

	if target == model.StatusDispatched {
		// [PRECONDITION] Dispatch follows a committed assignment; the record
		// is the source of the assigned resources.
		rec, err := s.store.LatestAssignment(ctx, c.ID)
		if err != nil && model.KindOf(err) != model.ErrNotFound {
			return nil, err
		}
		if rec == nil || rec.Outcome != model.OutcomeCommitted {
			return nil, model.Preconditionf("case %s has no committed assignment", c.ID)
		}
		next.AssignedAmbulanceID = rec.AmbulanceID
		next.AssignedHospitalID = rec.HospitalID
	}

	now := s.now().UTC()
	if target.IsTerminal() {
		next.AssignedAmbulanceID = ""
		next.AssignedHospitalID = ""
		at := now
		next.ResolvedAt = &at
	}
	next.Touch(now)

	if err := s.store.UpdateCase(ctx, next, prev); err != nil {
		return nil, fmt.Errorf("update case %s: %w", c.ID, err)
	}
	s.metrics.CaseTransition(prev, target)

	s.emitter.Emit(ctx, event.NewCaseChange(event.CaseUpdated, next, prev, actor))
	if target.IsTerminal() {
		s.releaseResources(ctx, c, target)
	}

	s.logger.Debug("CASE_TRANSITIONED", "case_id", c.ID, "from", prev, "to", target, "actor", actor)
	return next.Clone(), nil
}

// releaseResources frees what a terminal case held. Cancel returns the bed;
// resolve keeps it since the patient was admitted. Failures are logged: the
// case is already terminal and the registry stays authoritative.
func (s *CaseService) releaseResources(ctx context.Context, c *model.EmergencyCase, target model.CaseStatus) {
	if c.AssignedAmbulanceID != "" {
		err := s.withResource(ctx, ambulanceLockKey(c.AssignedAmbulanceID), func() error {
			amb, err := s.registry.ReleaseAmbulance(c.AssignedAmbulanceID, c.ID)
			if err != nil || amb == nil {
				return err
			}
			if err := s.store.UpsertAmbulance(ctx, amb); err != nil {
				s.logger.Error("AMBULANCE_PERSIST_FAILED", "ambulance_id", amb.ID, "err", err)
			}
			s.emitter.Emit(ctx, event.NewAmbulanceChange(amb))
			return nil
		})
		if err != nil {
			s.logger.Warn("AMBULANCE_RELEASE_FAILED", "case_id", c.ID, "ambulance_id", c.AssignedAmbulanceID, "err", err)
		}
	}

	if target == model.StatusCancelled && c.AssignedHospitalID != "" {
		err := s.withResource(ctx, hospitalLockKey(c.AssignedHospitalID), func() error {
			h, err := s.registry.ReleaseBed(c.AssignedHospitalID)
			if err != nil {
				return err
			}
			if err := s.store.UpsertHospital(ctx, h); err != nil {
				s.logger.Error("HOSPITAL_PERSIST_FAILED", "hospital_id", h.ID, "err", err)
			}
			s.emitter.Emit(ctx, event.NewHospitalChange(h))
			return nil
		})
		if err != nil {
			s.logger.Warn("BED_RELEASE_FAILED", "case_id", c.ID, "hospital_id", c.AssignedHospitalID, "err", err)
		}
	}
}

// withResource runs fn inside the critical section of one ambulance or
// hospital, so its registry change, store write and event stay in order.
func (s *CaseService) withResource(ctx context.Context, key string, fn func() error) error {
	release, err := s.locks.Acquire(ctx, key, s.lockTimeout)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

func (s *CaseService) UpdateSeverity(ctx context.Context, caseID string, severity model.Severity, actor string) (_ *model.EmergencyCase, err error) {
	ctx, span := tracer.Start(ctx, "CaseService.UpdateSeverity", trace.WithAttributes(
		attribute.String("case.id", caseID),
		attribute.String("case.severity", string(severity)),
	))
	defer func() { endSpan(span, err) }()

	if !severity.Valid() {
		return nil, model.Validationf("unknown severity %q", severity)
	}

	release, err := s.lockCase(ctx, caseID, s.lockTimeout)
	if err != nil {
		return nil, err
	}
	defer release()

	c, err := s.store.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if c.Status.IsTerminal() {
		return nil, model.InvalidTransitionf("case %s is %s; severity is frozen", c.ID, c.Status)
	}
	if c.Severity == severity {
		return c, nil
	}

	next := c.Clone()
	next.Severity = severity
	next.Touch(s.now().UTC())
	if err := s.store.UpdateCase(ctx, next, c.Status); err != nil {
		return nil, fmt.Errorf("update case %s: %w", c.ID, err)
	}
	s.emitter.Emit(ctx, event.NewCaseChange(event.CaseUpdated, next, c.Status, actorOr(actor)))
	return next.Clone(), nil
}

func (s *CaseService) Get(ctx context.Context, caseID string) (*model.EmergencyCase, error) {
	return s.store.GetCase(ctx, caseID)
}

func (s *CaseService) List(ctx context.Context, f model.CaseFilter) ([]*model.EmergencyCase, int, error) {
	if err := f.Normalize(); err != nil {
		return nil, 0, err
	}
	return s.store.QueryCases(ctx, f)
}

func (s *CaseService) Assignments(ctx context.Context, caseID string) ([]*model.AssignmentRecord, error) {
	if _, err := s.store.GetCase(ctx, caseID); err != nil {
		return nil, err
	}
	return s.store.ListAssignments(ctx, caseID)
}

func actorOr(actor string) string {
	if actor == "" {
		return SystemActor
	}
	return actor
}
