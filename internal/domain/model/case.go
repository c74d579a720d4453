package model

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"
)

const caseIDPrefix = "CASE-"

type EmergencyType string

const (
	EmergencyAccident        EmergencyType = "accident"
	EmergencyMedical         EmergencyType = "medical"
	EmergencyFire            EmergencyType = "fire"
	EmergencyCrime           EmergencyType = "crime"
	EmergencyNaturalDisaster EmergencyType = "natural_disaster"
	EmergencyOther           EmergencyType = "other"
)

func (t EmergencyType) Valid() bool {
	switch t {
	case EmergencyAccident, EmergencyMedical, EmergencyFire,
		EmergencyCrime, EmergencyNaturalDisaster, EmergencyOther:
		return true
	}
	return false
}

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Rank orders severities for matching. Unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

func (s Severity) Valid() bool { return s.Rank() > 0 }

type CaseStatus string

const (
	StatusOpen       CaseStatus = "open"
	StatusDispatched CaseStatus = "dispatched"
	StatusInProgress CaseStatus = "in_progress"
	StatusResolved   CaseStatus = "resolved"
	StatusCancelled  CaseStatus = "cancelled"
)

// [TRANSITION_GRAPH]
// Every accepted status change must be an edge of this table.
// Terminal states have no outgoing edges and there are no self-edges.
var caseTransitions = map[CaseStatus][]CaseStatus{
	StatusOpen:       {StatusDispatched, StatusCancelled},
	StatusDispatched: {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusResolved, StatusCancelled},
}

func (s CaseStatus) Valid() bool {
	switch s {
	case StatusOpen, StatusDispatched, StatusInProgress, StatusResolved, StatusCancelled:
		return true
	}
	return false
}

func (s CaseStatus) IsTerminal() bool {
	return s == StatusResolved || s == StatusCancelled
}

// CanTransition reports whether s -> to is an edge of the case lifecycle.
func (s CaseStatus) CanTransition(to CaseStatus) bool {
	for _, next := range caseTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// HoldsResources reports whether a case in this status may carry assigned resources.
func (s CaseStatus) HoldsResources() bool {
	return s == StatusDispatched || s == StatusInProgress
}

type EmergencyCase struct {
	ID                  string        `json:"case_id"`
	Type                EmergencyType `json:"emergency_type"`
	Severity            Severity      `json:"severity_level"`
	Status              CaseStatus    `json:"status"`
	Location            Location      `json:"location"`
	Description         string        `json:"description,omitempty"`
	CallerID            string        `json:"caller_id,omitempty"`
	AssignedAmbulanceID string        `json:"assigned_ambulance_id,omitempty"`
	AssignedHospitalID  string        `json:"assigned_hospital_id,omitempty"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
	ResolvedAt          *time.Time    `json:"resolved_at,omitempty"`
	Version             int64         `json:"version"`
}

// Clone returns a deep copy safe to hand out across goroutines.
func (c *EmergencyCase) Clone() *EmergencyCase {
	if c == nil {
		return nil
	}
	cp := *c
	if c.ResolvedAt != nil {
		t := *c.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

// RequiresHospital reports whether matching must also reserve a hospital bed.
func (c *EmergencyCase) RequiresHospital() bool {
	return c.Severity == SeverityCritical &&
		(c.Type == EmergencyMedical || c.Type == EmergencyAccident)
}

// IsOrphaned is true for a dispatched case that lost its ambulance.
func (c *EmergencyCase) IsOrphaned() bool {
	return c.Status == StatusDispatched && c.AssignedAmbulanceID == ""
}

// Touch advances UpdatedAt to now, or 1ns past the previous value when the
// clock has not moved, and bumps the version.
func (c *EmergencyCase) Touch(now time.Time) {
	if !now.After(c.UpdatedAt) {
		now = c.UpdatedAt.Add(time.Nanosecond)
	}
	c.UpdatedAt = now
	c.Version++
}

// NewCase carries the caller-supplied fields of a case report.
type NewCase struct {
	Type        EmergencyType
	Severity    Severity
	Location    Location
	Description string
	CallerID    string
}

const maxDescriptionLen = 4096

func (n NewCase) Validate() error {
	if !n.Type.Valid() {
		return Validationf("unknown emergency_type %q", n.Type)
	}
	if !n.Severity.Valid() {
		return Validationf("unknown severity_level %q", n.Severity)
	}
	if err := n.Location.Validate(); err != nil {
		return err
	}
	if len(n.Description) > maxDescriptionLen {
		return Validationf("description exceeds %d characters", maxDescriptionLen)
	}
	return nil
}

// NewCaseID returns an identifier of the form CASE-XXXXXXXX.
func NewCaseID() string {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return caseIDPrefix + strings.ToUpper(hex.EncodeToString(b[:]))
}

// CaseFilter narrows case listings. Zero values mean "any".
type CaseFilter struct {
	Statuses []CaseStatus
	Severity Severity
	Type     EmergencyType
	Skip     int
	Limit    int
}

const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// Normalize clamps paging and validates enum filters.
func (f *CaseFilter) Normalize() error {
	for _, s := range f.Statuses {
		if !s.Valid() {
			return Validationf("unknown status %q", s)
		}
	}
	if f.Severity != "" && !f.Severity.Valid() {
		return Validationf("unknown severity_level %q", f.Severity)
	}
	if f.Type != "" && !f.Type.Valid() {
		return Validationf("unknown emergency_type %q", f.Type)
	}
	if f.Skip < 0 {
		return Validationf("skip must be >= 0")
	}
	switch {
	case f.Limit < 0:
		return Validationf("limit must be >= 0")
	case f.Limit == 0:
		f.Limit = DefaultListLimit
	case f.Limit > MaxListLimit:
		f.Limit = MaxListLimit
	}
	return nil
}

// Match applies the filter to a single case.
func (f CaseFilter) Match(c *EmergencyCase) bool {
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if c.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Severity != "" && c.Severity != f.Severity {
		return false
	}
	if f.Type != "" && c.Type != f.Type {
		return false
	}
	return true
}
