package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/shivay/dispatch-service/internal/domain/model"
)

var _ Store = (*BreakerStore)(nil)

// BreakerStore trips after consecutive backend failures so callers fail fast
// with model.ErrUnavailable instead of piling up on a dead database.
// Domain outcomes (not found, conflict) count as successes.
type BreakerStore struct {
	next Store
	cb   *gobreaker.CircuitBreaker
}

func NewBreakerStore(next Store, maxFailures uint32, openTimeout time.Duration, logger *slog.Logger) *BreakerStore {
	if maxFailures == 0 {
		maxFailures = 5
	}
	settings := gobreaker.Settings{
		Name:    "store",
		Timeout: openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || model.KindOf(err) != nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if logger != nil {
				logger.Warn("STORE_BREAKER_STATE_CHANGED", "breaker", name, "from", from.String(), "to", to.String())
			}
		},
	}
	return &BreakerStore{next: next, cb: gobreaker.NewCircuitBreaker(settings)}
}

func (s *BreakerStore) State() gobreaker.State { return s.cb.State() }

func (s *BreakerStore) call(fn func() (any, error)) (any, error) {
	v, err := s.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, model.Unavailablef("store: %v", err)
	}
	return v, err
}

func (s *BreakerStore) exec(fn func() error) error {
	_, err := s.call(func() (any, error) { return nil, fn() })
	return err
}

func (s *BreakerStore) CreateCase(ctx context.Context, c *model.EmergencyCase) error {
	return s.exec(func() error { return s.next.CreateCase(ctx, c) })
}

func (s *BreakerStore) GetCase(ctx context.Context, id string) (*model.EmergencyCase, error) {
	v, err := s.call(func() (any, error) { return s.next.GetCase(ctx, id) })
	if err != nil {
		return nil, err
	}
	return v.(*model.EmergencyCase), nil
}

func (s *BreakerStore) UpdateCase(ctx context.Context, c *model.EmergencyCase, expectedPrior model.CaseStatus) error {
	return s.exec(func() error { return s.next.UpdateCase(ctx, c, expectedPrior) })
}

func (s *BreakerStore) QueryCases(ctx context.Context, f model.CaseFilter) ([]*model.EmergencyCase, int, error) {
	var total int
	v, err := s.call(func() (any, error) {
		out, n, err := s.next.QueryCases(ctx, f)
		total = n
		return out, err
	})
	if err != nil {
		return nil, 0, err
	}
	return v.([]*model.EmergencyCase), total, nil
}

func (s *BreakerStore) UpsertAmbulance(ctx context.Context, a *model.Ambulance) error {
	return s.exec(func() error { return s.next.UpsertAmbulance(ctx, a) })
}

func (s *BreakerStore) ListAmbulances(ctx context.Context) ([]*model.Ambulance, error) {
	v, err := s.call(func() (any, error) { return s.next.ListAmbulances(ctx) })
	if err != nil {
		return nil, err
	}
	return v.([]*model.Ambulance), nil
}

func (s *BreakerStore) UpsertHospital(ctx context.Context, h *model.Hospital) error {
	return s.exec(func() error { return s.next.UpsertHospital(ctx, h) })
}

func (s *BreakerStore) ListHospitals(ctx context.Context) ([]*model.Hospital, error) {
	v, err := s.call(func() (any, error) { return s.next.ListHospitals(ctx) })
	if err != nil {
		return nil, err
	}
	return v.([]*model.Hospital), nil
}

func (s *BreakerStore) AppendAssignment(ctx context.Context, r *model.AssignmentRecord) error {
	return s.exec(func() error { return s.next.AppendAssignment(ctx, r) })
}

func (s *BreakerStore) ListAssignments(ctx context.Context, caseID string) ([]*model.AssignmentRecord, error) {
	v, err := s.call(func() (any, error) { return s.next.ListAssignments(ctx, caseID) })
	if err != nil {
		return nil, err
	}
	return v.([]*model.AssignmentRecord), nil
}

func (s *BreakerStore) LatestAssignment(ctx context.Context, caseID string) (*model.AssignmentRecord, error) {
	v, err := s.call(func() (any, error) { return s.next.LatestAssignment(ctx, caseID) })
	if err != nil {
		return nil, err
	}
	return v.(*model.AssignmentRecord), nil
}

func (s *BreakerStore) Close() error { return s.next.Close() }
