package rest

import (
	"github.com/shivay/dispatch-service/internal/domain/model"
)

type LocationDTO struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Address   string   `json:"address,omitempty"`
}

func (l *LocationDTO) toModel() (model.Location, error) {
	if l == nil {
		return model.Location{}, model.Validationf("location is required")
	}
	if l.Latitude == nil || l.Longitude == nil {
		return model.Location{}, model.Validationf("location needs latitude and longitude")
	}
	loc := model.Location{Latitude: *l.Latitude, Longitude: *l.Longitude, Address: l.Address}
	return loc, loc.Validate()
}

type CreateCaseRequest struct {
	EmergencyType model.EmergencyType `json:"emergency_type"`
	SeverityLevel model.Severity      `json:"severity_level"`
	Location      *LocationDTO        `json:"location"`
	Description   string              `json:"description"`
	CallerID      string              `json:"caller_id,omitempty"`
}

func (r CreateCaseRequest) toModel() (model.NewCase, error) {
	loc, err := r.Location.toModel()
	if err != nil {
		return model.NewCase{}, err
	}
	n := model.NewCase{
		Type:        r.EmergencyType,
		Severity:    r.SeverityLevel,
		Location:    loc,
		Description: r.Description,
		CallerID:    r.CallerID,
	}
	return n, n.Validate()
}

// PatchCaseRequest changes severity, status or both. Severity applies first.
type PatchCaseRequest struct {
	TargetStatus   *model.CaseStatus `json:"target_status,omitempty"`
	SeverityLevel  *model.Severity   `json:"severity_level,omitempty"`
	ExpectedStatus *model.CaseStatus `json:"expected_status,omitempty"`
}

func (r PatchCaseRequest) validate() error {
	if r.TargetStatus == nil && r.SeverityLevel == nil {
		return model.Validationf("target_status or severity_level is required")
	}
	if r.TargetStatus != nil && r.SeverityLevel != nil {
		return model.Validationf("target_status and severity_level must be sent in separate requests")
	}
	if r.ExpectedStatus != nil && !r.ExpectedStatus.Valid() {
		return model.Validationf("unknown expected_status %q", *r.ExpectedStatus)
	}
	return nil
}

type AmbulanceRequest struct {
	Status       model.AmbulanceStatus `json:"status"`
	Location     *LocationDTO          `json:"location"`
	Capabilities []model.EmergencyType `json:"capabilities,omitempty"`
}

func (r AmbulanceRequest) toModel(id string) (model.AmbulanceUpdate, error) {
	loc, err := r.Location.toModel()
	if err != nil {
		return model.AmbulanceUpdate{}, err
	}
	u := model.AmbulanceUpdate{ID: id, Status: r.Status, Location: loc, Capabilities: r.Capabilities}
	return u, u.Validate()
}

type HospitalRequest struct {
	OccupiedDelta int          `json:"occupied_delta"`
	Active        *bool        `json:"active,omitempty"`
	TotalCapacity *int         `json:"total_capacity,omitempty"`
	Name          *string      `json:"name,omitempty"`
	Location      *LocationDTO `json:"location,omitempty"`
}

func (r HospitalRequest) toModel(id string) (model.HospitalUpdate, error) {
	u := model.HospitalUpdate{
		ID:            id,
		OccupiedDelta: r.OccupiedDelta,
		Active:        r.Active,
		TotalCapacity: r.TotalCapacity,
		Name:          r.Name,
	}
	if r.Location != nil {
		loc, err := r.Location.toModel()
		if err != nil {
			return model.HospitalUpdate{}, err
		}
		u.Location = &loc
	}
	return u, u.Validate()
}

type CaseListResponse struct {
	Items []*model.EmergencyCase `json:"items"`
	Total int                    `json:"total"`
	Skip  int                    `json:"skip"`
	Limit int                    `json:"limit"`
}

type AssignmentListResponse struct {
	CaseID string                    `json:"case_id"`
	Items  []*model.AssignmentRecord `json:"items"`
}

type AmbulanceListResponse struct {
	Items []*model.Ambulance `json:"items"`
}

type HospitalListResponse struct {
	Items []*model.Hospital `json:"items"`
}
