package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/shivay/dispatch-service/infra/observability"
	"github.com/shivay/dispatch-service/internal/adapter/store"
	"github.com/shivay/dispatch-service/internal/domain/event"
	"github.com/shivay/dispatch-service/internal/domain/lock"
	"github.com/shivay/dispatch-service/internal/domain/model"
	"github.com/shivay/dispatch-service/internal/domain/resource"
)

// ReasonAmbulanceWithdrawn supersedes a commitment whose ambulance reported
// itself out of the busy set.
const ReasonAmbulanceWithdrawn = "ambulance_withdrawn"

const (
	supersedeAttempts        = 4
	supersedeInitialInterval = 100 * time.Millisecond
)

// ResourceManager ingests ambulance and hospital reports from any transport.
// source labels the transport in logs and metrics.
type ResourceManager interface {
	UpdateAmbulance(ctx context.Context, u model.AmbulanceUpdate, source string) (*model.Ambulance, error)
	UpdateHospital(ctx context.Context, u model.HospitalUpdate, source string) (*model.Hospital, error)
	Ambulances(ctx context.Context) []*model.Ambulance
	Hospitals(ctx context.Context) []*model.Hospital
	Warm(ctx context.Context) error
}

var _ ResourceManager = (*ResourceService)(nil)

type ResourceService struct {
	store    store.Store
	registry resource.Registrar
	locks    lock.Locker
	assigner Assigner
	emitter  Emitter
	metrics  *observability.Metrics
	logger   *slog.Logger

	lockTimeout time.Duration
}

func NewResourceService(
	st store.Store,
	reg resource.Registrar,
	locks lock.Locker,
	assigner Assigner,
	em Emitter,
	metrics *observability.Metrics,
	logger *slog.Logger,
	lockTimeout time.Duration,
) *ResourceService {
	return &ResourceService{
		store:       st,
		registry:    reg,
		locks:       locks,
		assigner:    assigner,
		emitter:     em,
		metrics:     metrics,
		logger:      logger,
		lockTimeout: lockTimeout,
	}
}

// Warm seeds the registry with the persisted resources.
func (s *ResourceService) Warm(ctx context.Context) error {
	ambulances, err := s.store.ListAmbulances(ctx)
	if err != nil {
		return fmt.Errorf("warm ambulances: %w", err)
	}
	hospitals, err := s.store.ListHospitals(ctx)
	if err != nil {
		return fmt.Errorf("warm hospitals: %w", err)
	}
	s.registry.Load(ambulances, hospitals)
	s.logger.Info("RESOURCES_WARMED", "ambulances", len(ambulances), "hospitals", len(hospitals))
	return nil
}

func (s *ResourceService) UpdateAmbulance(ctx context.Context, u model.AmbulanceUpdate, source string) (_ *model.Ambulance, err error) {
	ctx, span := tracer.Start(ctx, "ResourceService.UpdateAmbulance", trace.WithAttributes(
		attribute.String("ambulance.id", u.ID),
		attribute.String("ingress.source", source),
	))
	defer func() { endSpan(span, err) }()

	res, err := s.applyAmbulance(ctx, u)
	if err != nil {
		return nil, err
	}
	s.metrics.ResourceUpdate("ambulance", source)

	if res.OrphanedCaseID != "" {
		// [ORPHAN] The crew left its case; the commitment no longer holds.
		// Taken after the ambulance section closes: case locks come first.
		s.supersede(ctx, res.OrphanedCaseID, u.ID)
	}

	s.logger.Debug("AMBULANCE_UPDATED", "ambulance_id", u.ID, "status", u.Status, "source", source)
	return res.Ambulance, nil
}

// applyAmbulance mutates, persists and announces inside the ambulance's
// critical section.
func (s *ResourceService) applyAmbulance(ctx context.Context, u model.AmbulanceUpdate) (resource.AmbulanceResult, error) {
	release, err := s.locks.Acquire(ctx, ambulanceLockKey(u.ID), s.lockTimeout)
	if err != nil {
		return resource.AmbulanceResult{}, err
	}
	defer release()

	res, err := s.registry.UpdateAmbulance(u)
	if err != nil {
		return res, err
	}
	if err := s.store.UpsertAmbulance(ctx, res.Ambulance); err != nil {
		return res, fmt.Errorf("persist ambulance %s: %w", u.ID, err)
	}
	s.emitter.Emit(ctx, event.NewAmbulanceChange(res.Ambulance))
	return res, nil
}

// supersede retries while the case is locked by an engine pass. When it
// still fails the next pass finds the case stranded and re-matches it.
func (s *ResourceService) supersede(ctx context.Context, caseID, ambulanceID string) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = supersedeInitialInterval
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := s.assigner.Supersede(ctx, caseID, ambulanceID, ReasonAmbulanceWithdrawn)
		if kind := model.KindOf(err); kind != nil && kind != model.ErrBusy && kind != model.ErrUnavailable {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(supersedeAttempts))
	if err != nil {
		s.logger.Error("ASSIGNMENT_SUPERSEDE_FAILED",
			"case_id", caseID,
			"ambulance_id", ambulanceID,
			"err", err,
		)
		s.assigner.Trigger()
	}
}

func (s *ResourceService) UpdateHospital(ctx context.Context, u model.HospitalUpdate, source string) (_ *model.Hospital, err error) {
	ctx, span := tracer.Start(ctx, "ResourceService.UpdateHospital", trace.WithAttributes(
		attribute.String("hospital.id", u.ID),
		attribute.String("ingress.source", source),
	))
	defer func() { endSpan(span, err) }()

	release, err := s.locks.Acquire(ctx, hospitalLockKey(u.ID), s.lockTimeout)
	if err != nil {
		return nil, err
	}
	defer release()

	h, err := s.registry.UpdateHospital(u)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpsertHospital(ctx, h); err != nil {
		return nil, fmt.Errorf("persist hospital %s: %w", u.ID, err)
	}
	s.metrics.ResourceUpdate("hospital", source)
	s.emitter.Emit(ctx, event.NewHospitalChange(h))

	s.logger.Debug("HOSPITAL_UPDATED", "hospital_id", h.ID, "occupied", h.Occupied, "total", h.TotalCapacity, "source", source)
	return h, nil
}

func (s *ResourceService) Ambulances(context.Context) []*model.Ambulance { return s.registry.Ambulances() }

func (s *ResourceService) Hospitals(context.Context) []*model.Hospital { return s.registry.Hospitals() }
