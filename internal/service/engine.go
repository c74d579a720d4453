package service

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/shivay/dispatch-service/config"
	"github.com/shivay/dispatch-service/infra/observability"
	"github.com/shivay/dispatch-service/internal/adapter/store"
	"github.com/shivay/dispatch-service/internal/domain/event"
	"github.com/shivay/dispatch-service/internal/domain/model"
	"github.com/shivay/dispatch-service/internal/domain/registry"
	"github.com/shivay/dispatch-service/internal/domain/resource"
)

// Rejection reasons recorded on AssignmentRecord and AssignmentFailure.
const (
	ReasonNoAmbulance      = "no_ambulance_available"
	ReasonNoHospital       = "no_hospital_capacity"
	ReasonBudgetExceeded   = "budget_exceeded"
	ReasonStoreUnavailable = "store_unavailable"
	ReasonCommitFailed     = "commit_failed"
)

const engineObserverID = "assignment-engine"

// candidateLockWait bounds the wait for a resource a concurrent report is
// updating; the candidate is skipped past it.
const candidateLockWait = 250 * time.Millisecond

// Assigner is the contract of the assignment engine.
type Assigner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	// Trigger requests a matching pass; concurrent requests coalesce.
	Trigger()
	RunPass(ctx context.Context) PassReport
	// Supersede invalidates the ambulance a case held and re-runs matching.
	Supersede(ctx context.Context, caseID, ambulanceID, reason string) error
}

// PassReport summarizes one ordered pass over the pending cases.
type PassReport struct {
	Committed int           `json:"committed"`
	Rejected  int           `json:"rejected"`
	Skipped   int           `json:"skipped"`
	Duration  time.Duration `json:"duration"`
}

type caseOutcome int

const (
	outcomeSkipped caseOutcome = iota
	outcomeCommitted
	outcomeRejected
)

// rejection remembers the last failure of a case so repeated passes over an
// unchanged resource pool do not flood the audit trail.
type rejection struct {
	reason string
	epoch  uint64
}

// reservation holds the critical sections of the reserved resources until
// the commit is persisted and announced, or rolled back.
type reservation struct {
	ambulance *model.Ambulance
	hospital  *model.Hospital // nil when no new bed was taken
	attempts  int
	unlock    []func()
}

func (r *reservation) release() {
	for i := len(r.unlock) - 1; i >= 0; i-- {
		r.unlock[i]()
	}
	r.unlock = nil
}

var _ Assigner = (*Engine)(nil)

type Engine struct {
	cases    *CaseService
	store    store.Store
	registry resource.Registrar
	hub      registry.Hubber
	emitter  Emitter
	metrics  *observability.Metrics
	logger   *slog.Logger

	settings    atomic.Pointer[config.AssignmentConfig]
	lockTimeout time.Duration
	now         func() time.Time

	// [SINGLE_FLIGHT] one pass at a time; kick coalesces triggers.
	passMu sync.Mutex
	kick   chan struct{}

	// epoch advances whenever the resource pool may have grown.
	epoch    atomic.Uint64
	rejected sync.Map // case id -> rejection

	stop context.CancelFunc
	done chan struct{}
}

func NewEngine(
	cases *CaseService,
	st store.Store,
	reg resource.Registrar,
	hub registry.Hubber,
	em Emitter,
	metrics *observability.Metrics,
	logger *slog.Logger,
	cfg config.AssignmentConfig,
	lockTimeout time.Duration,
) *Engine {
	e := &Engine{
		cases:       cases,
		store:       st,
		registry:    reg,
		hub:         hub,
		emitter:     em,
		metrics:     metrics,
		logger:      logger,
		lockTimeout: lockTimeout,
		now:         time.Now,
		kick:        make(chan struct{}, 1),
	}
	e.Configure(cfg)
	return e
}

// Configure swaps the tuning used by subsequent passes.
func (e *Engine) Configure(cfg config.AssignmentConfig) {
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = 5
	}
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = 1
	}
	e.settings.Store(&cfg)
}

func (e *Engine) config() config.AssignmentConfig { return *e.settings.Load() }

func (e *Engine) Trigger() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// Start subscribes the engine to the hub as an internal observer and starts
// the pass worker.
func (e *Engine) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.stop = cancel
	e.done = make(chan struct{})

	conn := e.hub.Connect(runCtx, engineObserverID, registry.ConnectMetadata{Transport: "internal"})
	e.hub.Subscribe(conn, []event.Topic{event.TopicCases, event.TopicResources}, nil)

	g, gCtx := errgroup.WithContext(runCtx)
	g.Go(func() error { return e.watch(gCtx, conn) })
	g.Go(func() error { return e.work(gCtx) })

	go func() {
		defer close(e.done)
		_ = g.Wait()
		e.hub.Disconnect(conn)
	}()

	// Whatever was pending before the restart.
	e.Trigger()
	e.logger.Info("ASSIGNMENT_ENGINE_STARTED")
	return nil
}

func (e *Engine) Stop(ctx context.Context) error {
	if e.stop == nil {
		return nil
	}
	e.stop()
	select {
	case <-e.done:
		e.logger.Info("ASSIGNMENT_ENGINE_STOPPED")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// watch turns hub events into triggers.
func (e *Engine) watch(ctx context.Context, conn registry.Connector) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-conn.Recv():
			if !ok {
				return nil
			}
			if e.wants(ev) {
				e.Trigger()
			}
		}
	}
}

func (e *Engine) wants(ev event.Eventer) bool {
	switch ev.GetKind() {
	case event.CaseCreated:
		return true
	case event.CaseUpdated:
		p, ok := ev.GetPayload().(*model.CaseChange)
		return ok && p.Case.IsOrphaned()
	case event.ResourceUpdated:
		p, ok := ev.GetPayload().(*model.ResourceChange)
		if !ok {
			return false
		}
		if p.Hospital != nil || (p.Ambulance != nil && p.Ambulance.Status == model.AmbulanceAvailable) {
			e.epoch.Add(1)
			return true
		}
	}
	return false
}

// work runs passes on triggers and on the re-evaluation tick.
func (e *Engine) work(ctx context.Context) error {
	interval := e.config().ReevaluateInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.kick:
		case <-ticker.C:
			if next := e.config().ReevaluateInterval; next > 0 && next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
		report := e.RunPass(ctx)
		if report.Committed+report.Rejected > 0 {
			e.logger.Info("ASSIGNMENT_PASS_COMPLETED",
				"committed", report.Committed,
				"rejected", report.Rejected,
				"skipped", report.Skipped,
				"duration_ms", report.Duration.Milliseconds(),
			)
		}
	}
}

// RunPass walks the pending cases once in priority order.
func (e *Engine) RunPass(ctx context.Context) PassReport {
	e.passMu.Lock()
	defer e.passMu.Unlock()

	ctx, span := tracer.Start(ctx, "Engine.RunPass")
	defer span.End()

	start := time.Now()
	cfg := e.config()
	report := PassReport{}

	pending, err := e.pending(ctx)
	if err != nil {
		e.logger.Error("ASSIGNMENT_PENDING_LOAD_FAILED", "err", err)
		return report
	}
	sortPending(pending, e.now(), cfg.StarvationThreshold)

	for _, c := range pending {
		if ctx.Err() != nil {
			break
		}
		switch e.assign(ctx, c, cfg) {
		case outcomeCommitted:
			report.Committed++
		case outcomeRejected:
			report.Rejected++
		default:
			report.Skipped++
		}
	}

	report.Duration = time.Since(start)
	e.metrics.PassDuration(report.Duration)
	span.SetAttributes(
		attribute.Int("pass.committed", report.Committed),
		attribute.Int("pass.rejected", report.Rejected),
		attribute.Int("pass.skipped", report.Skipped),
	)
	return report
}

// pending lists open cases and dispatched cases that lost their ambulance.
func (e *Engine) pending(ctx context.Context) ([]*model.EmergencyCase, error) {
	var out []*model.EmergencyCase
	f := model.CaseFilter{
		Statuses: []model.CaseStatus{model.StatusOpen, model.StatusDispatched},
		Limit:    model.MaxListLimit,
	}
	for {
		page, total, err := e.store.QueryCases(ctx, f)
		if err != nil {
			return nil, err
		}
		for _, c := range page {
			if c.Status == model.StatusOpen || e.stranded(c) {
				out = append(out, c)
			}
		}
		f.Skip += len(page)
		if len(page) == 0 || f.Skip >= total {
			return out, nil
		}
	}
}

// stranded reports a dispatched case that lost its ambulance, including one
// whose ambulance moved on before the supersede reached the case.
func (e *Engine) stranded(c *model.EmergencyCase) bool {
	if c.IsOrphaned() {
		return true
	}
	if c.Status != model.StatusDispatched {
		return false
	}
	amb, err := e.registry.Ambulance(c.AssignedAmbulanceID)
	return err != nil || amb.AssignedCaseID != c.ID
}

// effectiveRank promotes a case open longer than threshold by one rank for
// ordering only; the stored severity never changes.
func effectiveRank(c *model.EmergencyCase, now time.Time, threshold time.Duration) int {
	rank := c.Severity.Rank()
	if c.Status == model.StatusOpen && threshold > 0 && now.Sub(c.CreatedAt) > threshold {
		rank++
	}
	return rank
}

func sortPending(cases []*model.EmergencyCase, now time.Time, threshold time.Duration) {
	slices.SortStableFunc(cases, func(a, b *model.EmergencyCase) int {
		ra, rb := effectiveRank(a, now, threshold), effectiveRank(b, now, threshold)
		if ra != rb {
			return rb - ra
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Compare(b.CreatedAt)
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
}

// assign tries to commit one case within the per-case budget.
func (e *Engine) assign(ctx context.Context, pending *model.EmergencyCase, cfg config.AssignmentConfig) caseOutcome {
	budget := cfg.CaseBudget
	if budget <= 0 {
		budget = 3 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	ctx, span := tracer.Start(ctx, "Engine.assign", trace.WithAttributes(attribute.String("case.id", pending.ID)))
	defer span.End()

	release, err := e.cases.lockCase(ctx, pending.ID, min(e.lockTimeout, budget))
	if err != nil {
		// [CONTENTION] A dispatcher is editing the case; next pass retries.
		return outcomeSkipped
	}
	defer release()

	c, err := retryValue(ctx, cfg, func() (*model.EmergencyCase, error) { return e.store.GetCase(ctx, pending.ID) })
	if err != nil {
		if model.KindOf(err) == model.ErrNotFound {
			return outcomeSkipped
		}
		return e.reject(ctx, pending, ReasonStoreUnavailable, 0, cfg)
	}
	if c.Status != model.StatusOpen && !e.stranded(c) {
		return outcomeSkipped
	}
	if c.Status == model.StatusDispatched && !c.IsOrphaned() {
		e.logger.Warn("ASSIGNMENT_STRANDED", "case_id", c.ID, "ambulance_id", c.AssignedAmbulanceID)
	}

	res, reason := e.reserve(ctx, c, cfg)
	defer res.release()
	if reason != "" {
		return e.reject(ctx, c, reason, res.attempts, cfg)
	}
	if reason, err := e.commit(ctx, c, res, cfg); err != nil {
		e.logger.Warn("ASSIGNMENT_COMMIT_FAILED", "case_id", c.ID, "reason", reason, "err", err)
		return e.reject(ctx, c, reason, res.attempts, cfg)
	}
	return outcomeCommitted
}

// reserve takes the nearest capable ambulance and, when the case needs one,
// the nearest bed. Lost races move on to the next candidate. A non-empty
// reason means nothing stays reserved; the caller still releases res.
func (e *Engine) reserve(ctx context.Context, c *model.EmergencyCase, cfg config.AssignmentConfig) (*reservation, string) {
	res := &reservation{}
	for amb := range e.registry.FindCandidates(c.Location, c.Type) {
		if ctx.Err() != nil {
			return res, ReasonBudgetExceeded
		}
		if res.attempts >= cfg.MaxCandidates {
			break
		}
		res.attempts++
		unlock, err := e.cases.locks.Acquire(ctx, ambulanceLockKey(amb.ID), candidateLockWait)
		if err != nil {
			continue
		}
		reserved, err := e.registry.ReserveAmbulance(amb.ID, c.ID)
		if err != nil {
			unlock()
			continue
		}
		res.ambulance = reserved
		res.unlock = append(res.unlock, unlock)
		break
	}
	if res.ambulance == nil {
		if ctx.Err() != nil {
			return res, ReasonBudgetExceeded
		}
		return res, ReasonNoAmbulance
	}

	if c.RequiresHospital() && c.AssignedHospitalID == "" {
		for h := range e.registry.NearestHospitals(c.Location) {
			if ctx.Err() != nil {
				break
			}
			unlock, err := e.cases.locks.Acquire(ctx, hospitalLockKey(h.ID), candidateLockWait)
			if err != nil {
				continue
			}
			bed, err := e.registry.ReserveBed(h.ID)
			if err != nil {
				unlock()
				continue
			}
			res.hospital = bed
			res.unlock = append(res.unlock, unlock)
			break
		}
		if res.hospital == nil {
			e.rollback(c, res)
			res.ambulance = nil
			if ctx.Err() != nil {
				return res, ReasonBudgetExceeded
			}
			return res, ReasonNoHospital
		}
	}

	hospitalID := c.AssignedHospitalID
	if res.hospital != nil {
		hospitalID = res.hospital.ID
	}
	if hospitalID != "" {
		amb, err := e.registry.SetDestination(res.ambulance.ID, c.ID, hospitalID)
		if err != nil {
			e.rollback(c, res)
			res.ambulance, res.hospital = nil, nil
			return res, ReasonCommitFailed
		}
		res.ambulance = amb
	}
	return res, ""
}

// rollback undoes registry reservations in reverse order.
func (e *Engine) rollback(c *model.EmergencyCase, res *reservation) {
	if res.hospital != nil {
		if _, err := e.registry.ReleaseBed(res.hospital.ID); err != nil {
			e.logger.Error("ROLLBACK_BED_FAILED", "case_id", c.ID, "hospital_id", res.hospital.ID, "err", err)
		}
	}
	if res.ambulance != nil {
		if _, err := e.registry.ReleaseAmbulance(res.ambulance.ID, c.ID); err != nil {
			e.logger.Error("ROLLBACK_AMBULANCE_FAILED", "case_id", c.ID, "ambulance_id", res.ambulance.ID, "err", err)
		}
	}
}

// commit writes the committed record and moves the case, in that order.
// On failure the reservation is rolled back and a superseded record closes
// the committed one.
func (e *Engine) commit(ctx context.Context, c *model.EmergencyCase, res *reservation, cfg config.AssignmentConfig) (string, error) {
	now := e.now().UTC()
	rec := model.NewAssignmentRecord(c.ID, model.OutcomeCommitted, "", now)
	rec.AmbulanceID = res.ambulance.ID
	rec.HospitalID = c.AssignedHospitalID
	if res.hospital != nil {
		rec.HospitalID = res.hospital.ID
	}

	if err := retry(ctx, cfg, func() error { return e.store.AppendAssignment(ctx, rec) }); err != nil {
		e.rollback(c, res)
		return ReasonStoreUnavailable, err
	}

	var (
		next *model.EmergencyCase
		err  error
	)
	if c.Status == model.StatusOpen {
		next, err = e.cases.transitionLocked(ctx, c, model.StatusDispatched, SystemActor)
	} else {
		next, err = e.rematch(ctx, c, rec, cfg)
	}
	if err != nil {
		e.rollback(c, res)
		sup := model.NewAssignmentRecord(c.ID, model.OutcomeSuperseded, ReasonCommitFailed, e.now().UTC())
		sup.AmbulanceID = rec.AmbulanceID
		sup.HospitalID = rec.HospitalID
		actx, cancel := e.detached(ctx, cfg)
		if aerr := retry(actx, cfg, func() error { return e.store.AppendAssignment(actx, sup) }); aerr != nil {
			e.logger.Error("SUPERSEDE_RECORD_FAILED", "case_id", c.ID, "err", aerr)
		}
		cancel()
		e.metrics.Assignment(model.OutcomeSuperseded)
		return ReasonCommitFailed, err
	}

	e.rejected.Delete(c.ID)
	e.metrics.Assignment(model.OutcomeCommitted)

	changes := []event.Change{event.NewAssignmentCommitted(rec, next)}
	if err := retry(ctx, cfg, func() error { return e.store.UpsertAmbulance(ctx, res.ambulance) }); err != nil {
		e.logger.Error("AMBULANCE_PERSIST_FAILED", "ambulance_id", res.ambulance.ID, "err", err)
	}
	changes = append(changes, event.NewAmbulanceChange(res.ambulance))
	if res.hospital != nil {
		if err := retry(ctx, cfg, func() error { return e.store.UpsertHospital(ctx, res.hospital) }); err != nil {
			e.logger.Error("HOSPITAL_PERSIST_FAILED", "hospital_id", res.hospital.ID, "err", err)
		}
		changes = append(changes, event.NewHospitalChange(res.hospital))
	}
	e.emitter.Emit(ctx, changes...)

	e.logger.Info("ASSIGNMENT_COMMITTED",
		"case_id", c.ID,
		"ambulance_id", rec.AmbulanceID,
		"hospital_id", rec.HospitalID,
		"severity", c.Severity,
	)
	return "", nil
}

// rematch gives an orphaned dispatched case its replacement ambulance
// without a status change.
func (e *Engine) rematch(ctx context.Context, c *model.EmergencyCase, rec *model.AssignmentRecord, cfg config.AssignmentConfig) (*model.EmergencyCase, error) {
	next := c.Clone()
	next.AssignedAmbulanceID = rec.AmbulanceID
	next.AssignedHospitalID = rec.HospitalID
	next.Touch(e.now().UTC())
	if err := retry(ctx, cfg, func() error { return e.store.UpdateCase(ctx, next, c.Status) }); err != nil {
		return nil, fmt.Errorf("rematch case %s: %w", c.ID, err)
	}
	e.emitter.Emit(ctx, event.NewCaseChange(event.CaseUpdated, next, c.Status, SystemActor))
	return next, nil
}

// reject records a failed attempt and announces it, once per case per
// resource epoch and reason.
func (e *Engine) reject(ctx context.Context, c *model.EmergencyCase, reason string, attempts int, cfg config.AssignmentConfig) caseOutcome {
	key := rejection{reason: reason, epoch: e.epoch.Load()}
	if prev, ok := e.rejected.Load(c.ID); ok && prev.(rejection) == key {
		return outcomeSkipped
	}

	now := e.now().UTC()
	rec := model.NewAssignmentRecord(c.ID, model.OutcomeRejected, reason, now)
	actx, cancel := e.detached(ctx, cfg)
	defer cancel()
	if err := retry(actx, cfg, func() error { return e.store.AppendAssignment(actx, rec) }); err != nil {
		e.logger.Error("REJECTION_RECORD_FAILED", "case_id", c.ID, "err", err)
	}
	e.rejected.Store(c.ID, key)
	e.metrics.Assignment(model.OutcomeRejected)

	e.emitter.Emit(ctx, event.NewAssignmentFailed(&model.AssignmentFailure{
		CaseID:   c.ID,
		Reason:   reason,
		Attempts: attempts,
		FailedAt: now,
	}))
	e.logger.Info("ASSIGNMENT_REJECTED", "case_id", c.ID, "reason", reason, "attempts", attempts)
	return outcomeRejected
}

// detached outlives an exhausted case budget so the audit record still lands.
func (e *Engine) detached(ctx context.Context, cfg config.AssignmentConfig) (context.Context, context.CancelFunc) {
	if ctx.Err() == nil {
		return ctx, func() {}
	}
	budget := cfg.CaseBudget
	if budget <= 0 {
		budget = time.Second
	}
	return context.WithTimeout(context.WithoutCancel(ctx), budget)
}

func (e *Engine) Supersede(ctx context.Context, caseID, ambulanceID, reason string) (err error) {
	ctx, span := tracer.Start(ctx, "Engine.Supersede", trace.WithAttributes(
		attribute.String("case.id", caseID),
		attribute.String("ambulance.id", ambulanceID),
	))
	defer func() { endSpan(span, err) }()

	cfg := e.config()
	release, err := e.cases.lockCase(ctx, caseID, e.lockTimeout)
	if err != nil {
		return err
	}
	defer release()

	c, err := e.store.GetCase(ctx, caseID)
	if err != nil {
		return err
	}
	if c.Status != model.StatusDispatched {
		// [CREW_DONE] Past dispatch the crew finishing or leaving does not
		// reopen matching; the case keeps its ambulance for the record.
		e.logger.Debug("ASSIGNMENT_CREW_RELEASED", "case_id", caseID, "ambulance_id", ambulanceID, "status", c.Status)
		return nil
	}

	now := e.now().UTC()
	rec := model.NewAssignmentRecord(caseID, model.OutcomeSuperseded, reason, now)
	rec.AmbulanceID = ambulanceID
	rec.HospitalID = c.AssignedHospitalID
	if err := retry(ctx, cfg, func() error { return e.store.AppendAssignment(ctx, rec) }); err != nil {
		return fmt.Errorf("supersede %s: %w", caseID, err)
	}
	e.metrics.Assignment(model.OutcomeSuperseded)

	if c.AssignedAmbulanceID == ambulanceID {
		next := c.Clone()
		next.AssignedAmbulanceID = ""
		next.Touch(now)
		if err := e.store.UpdateCase(ctx, next, c.Status); err != nil {
			return fmt.Errorf("supersede %s: %w", caseID, err)
		}
		e.emitter.Emit(ctx, event.NewCaseChange(event.CaseUpdated, next, c.Status, SystemActor))
	}

	e.logger.Warn("ASSIGNMENT_SUPERSEDED", "case_id", caseID, "ambulance_id", ambulanceID, "reason", reason)
	e.epoch.Add(1)
	e.Trigger()
	return nil
}

// retry runs op with exponential backoff. Domain errors other than
// unavailability are final.
func retry(ctx context.Context, cfg config.AssignmentConfig, op func() error) error {
	_, err := retryValue(ctx, cfg, func() (struct{}, error) { return struct{}{}, op() })
	return err
}

func retryValue[T any](ctx context.Context, cfg config.AssignmentConfig, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	if cfg.RetryInitialInterval > 0 {
		b.InitialInterval = cfg.RetryInitialInterval
	}
	attempts := cfg.RetryAttempts
	if attempts == 0 {
		attempts = 1
	}
	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if kind := model.KindOf(err); kind != nil && kind != model.ErrUnavailable {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(attempts))
}
