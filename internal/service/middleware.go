package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/shivay/dispatch-service/internal/domain/model"
)

// caseMiddleware implements [DECORATOR_PATTERN] to add audit logging to the
// case state machine without touching business logic.
type caseMiddleware struct {
	next   CaseManager
	logger *slog.Logger
}

// NewCaseMiddleware creates a logging decorator for the CaseManager.
func NewCaseMiddleware(next CaseManager, logger *slog.Logger) CaseManager {
	return &caseMiddleware{next: next, logger: logger}
}

func (m *caseMiddleware) Create(ctx context.Context, in model.NewCase, actor string) (*model.EmergencyCase, error) {
	start := time.Now()
	c, err := m.next.Create(ctx, in, actor)
	if err != nil {
		m.logger.Warn("CASE_CREATE_REJECTED",
			"err", err,
			"emergency_type", in.Type,
			"severity", in.Severity,
			"actor", actor,
		)
		return nil, err
	}

	m.logger.Info("CASE_CREATED",
		"case_id", c.ID,
		"emergency_type", c.Type,
		"severity", c.Severity,
		"actor", actor,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return c, nil
}

func (m *caseMiddleware) Transition(ctx context.Context, req TransitionRequest) (*model.EmergencyCase, error) {
	start := time.Now()
	c, err := m.next.Transition(ctx, req)
	if err != nil {
		m.logger.Warn("CASE_TRANSITION_REJECTED",
			"err", err,
			"case_id", req.CaseID,
			"target", req.Target,
			"actor", req.Actor,
		)
		return nil, err
	}

	m.logger.Info("CASE_TRANSITION_ACCEPTED",
		"case_id", c.ID,
		"status", c.Status,
		"version", c.Version,
		"actor", req.Actor,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return c, nil
}

func (m *caseMiddleware) UpdateSeverity(ctx context.Context, caseID string, severity model.Severity, actor string) (*model.EmergencyCase, error) {
	c, err := m.next.UpdateSeverity(ctx, caseID, severity, actor)
	if err != nil {
		m.logger.Warn("CASE_SEVERITY_REJECTED", "err", err, "case_id", caseID, "severity", severity, "actor", actor)
		return nil, err
	}
	m.logger.Info("CASE_SEVERITY_UPDATED", "case_id", caseID, "severity", severity, "version", c.Version, "actor", actor)
	return c, nil
}

// Reads pass through.

func (m *caseMiddleware) Get(ctx context.Context, caseID string) (*model.EmergencyCase, error) {
	return m.next.Get(ctx, caseID)
}

func (m *caseMiddleware) List(ctx context.Context, f model.CaseFilter) ([]*model.EmergencyCase, int, error) {
	return m.next.List(ctx, f)
}

func (m *caseMiddleware) Assignments(ctx context.Context, caseID string) ([]*model.AssignmentRecord, error) {
	return m.next.Assignments(ctx, caseID)
}
