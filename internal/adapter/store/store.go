// Package store persists cases, resources and the assignment audit trail.
//
// Every implementation honours the same contract:
//   - reads return copies the caller may mutate;
//   - UpdateCase is a compare-and-set on (case_id, expected prior status) and
//     fails with model.ErrConflict when another writer got there first;
//   - assignment records are append-only and LatestAssignment returns the
//     most recently appended record of a case.
package store

import (
	"context"

	"github.com/shivay/dispatch-service/internal/domain/model"
)

type Store interface {
	CreateCase(ctx context.Context, c *model.EmergencyCase) error
	GetCase(ctx context.Context, id string) (*model.EmergencyCase, error)
	UpdateCase(ctx context.Context, c *model.EmergencyCase, expectedPrior model.CaseStatus) error
	QueryCases(ctx context.Context, f model.CaseFilter) ([]*model.EmergencyCase, int, error)

	UpsertAmbulance(ctx context.Context, a *model.Ambulance) error
	ListAmbulances(ctx context.Context) ([]*model.Ambulance, error)
	UpsertHospital(ctx context.Context, h *model.Hospital) error
	ListHospitals(ctx context.Context) ([]*model.Hospital, error)

	AppendAssignment(ctx context.Context, r *model.AssignmentRecord) error
	ListAssignments(ctx context.Context, caseID string) ([]*model.AssignmentRecord, error)
	LatestAssignment(ctx context.Context, caseID string) (*model.AssignmentRecord, error)

	Close() error
}
