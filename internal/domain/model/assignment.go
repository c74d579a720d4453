package model

import (
	"time"

	"github.com/google/uuid"
)

type AssignmentOutcome string

const (
	OutcomeCommitted  AssignmentOutcome = "committed"
	OutcomeRejected   AssignmentOutcome = "rejected"
	OutcomeSuperseded AssignmentOutcome = "superseded"
)

// AssignmentRecord is an immutable audit entry written for every matching attempt.
type AssignmentRecord struct {
	ID          string            `json:"assignment_id"`
	CaseID      string            `json:"case_id"`
	AmbulanceID string            `json:"ambulance_id,omitempty"`
	HospitalID  string            `json:"hospital_id,omitempty"`
	DecidedAt   time.Time         `json:"decided_at"`
	Outcome     AssignmentOutcome `json:"outcome"`
	Reason      string            `json:"reason,omitempty"`
}

func NewAssignmentRecord(caseID string, outcome AssignmentOutcome, reason string, at time.Time) *AssignmentRecord {
	return &AssignmentRecord{
		ID:        uuid.NewString(),
		CaseID:    caseID,
		DecidedAt: at,
		Outcome:   outcome,
		Reason:    reason,
	}
}

// AssignmentFailure is the payload of an assignment_failed event.
type AssignmentFailure struct {
	CaseID   string    `json:"case_id"`
	Reason   string    `json:"reason"`
	Attempts int       `json:"attempts"`
	FailedAt time.Time `json:"failed_at"`
}
