package model

import (
	"slices"
	"time"
)

type AmbulanceStatus string

const (
	AmbulanceAvailable    AmbulanceStatus = "available"
	AmbulanceEnRoute      AmbulanceStatus = "en_route"
	AmbulanceAtScene      AmbulanceStatus = "at_scene"
	AmbulanceTransporting AmbulanceStatus = "transporting"
	AmbulanceOutOfService AmbulanceStatus = "out_of_service"
)

func (s AmbulanceStatus) Valid() bool {
	switch s {
	case AmbulanceAvailable, AmbulanceEnRoute, AmbulanceAtScene,
		AmbulanceTransporting, AmbulanceOutOfService:
		return true
	}
	return false
}

// IsBusy reports the statuses in which an ambulance serves a case.
func (s AmbulanceStatus) IsBusy() bool {
	return s == AmbulanceEnRoute || s == AmbulanceAtScene || s == AmbulanceTransporting
}

type Ambulance struct {
	ID                    string          `json:"ambulance_id"`
	Status                AmbulanceStatus `json:"status"`
	Location              Location        `json:"location"`
	AssignedCaseID        string          `json:"assigned_case_id,omitempty"`
	DestinationHospitalID string          `json:"destination_hospital_id,omitempty"`
	Capabilities          []EmergencyType `json:"capabilities,omitempty"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

// CanServe reports whether the crew is equipped for the emergency type.
// An empty capability list serves every type.
func (a *Ambulance) CanServe(t EmergencyType) bool {
	return len(a.Capabilities) == 0 || slices.Contains(a.Capabilities, t)
}

func (a *Ambulance) Clone() *Ambulance {
	if a == nil {
		return nil
	}
	cp := *a
	cp.Capabilities = slices.Clone(a.Capabilities)
	return &cp
}

type Hospital struct {
	ID            string    `json:"hospital_id"`
	Name          string    `json:"name,omitempty"`
	Active        bool      `json:"is_active"`
	TotalCapacity int       `json:"total_capacity"`
	Occupied      int       `json:"occupied"`
	Location      Location  `json:"location"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (h *Hospital) Spare() int { return h.TotalCapacity - h.Occupied }

func (h *Hospital) Clone() *Hospital {
	if h == nil {
		return nil
	}
	cp := *h
	return &cp
}

// AmbulanceUpdate is a telemetry or dispatcher report about an ambulance.
type AmbulanceUpdate struct {
	ID           string
	Status       AmbulanceStatus
	Location     Location
	Capabilities []EmergencyType
}

func (u AmbulanceUpdate) Validate() error {
	if u.ID == "" {
		return Validationf("ambulance_id is required")
	}
	if !u.Status.Valid() {
		return Validationf("unknown ambulance status %q", u.Status)
	}
	for _, t := range u.Capabilities {
		if !t.Valid() {
			return Validationf("unknown capability %q", t)
		}
	}
	return u.Location.Validate()
}

// HospitalUpdate adjusts occupancy and, optionally, registration fields.
// TotalCapacity is mandatory the first time a hospital is seen.
type HospitalUpdate struct {
	ID            string
	OccupiedDelta int
	Active        *bool
	TotalCapacity *int
	Name          *string
	Location      *Location
}

func (u HospitalUpdate) Validate() error {
	if u.ID == "" {
		return Validationf("hospital_id is required")
	}
	if u.TotalCapacity != nil && *u.TotalCapacity < 0 {
		return Validationf("total_capacity must be >= 0")
	}
	if u.Location != nil {
		return u.Location.Validate()
	}
	return nil
}
