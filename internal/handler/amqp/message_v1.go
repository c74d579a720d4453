package amqp

import (
	"strings"

	"github.com/shivay/dispatch-service/internal/domain/model"
)

// CaseReportV1 is published by call intake when an operator files a report.
// ReportID makes redelivery safe: one report creates at most one case.
type CaseReportV1 struct {
	ReportID      string  `json:"report_id"`
	EmergencyType string  `json:"emergency_type"`
	SeverityLevel string  `json:"severity_level"`
	Latitude      float64 `json:"latitude"`
	Longitude     float64 `json:"longitude"`
	Address       string  `json:"address,omitempty"`
	Description   string  `json:"description"`
	CallerID      string  `json:"caller_id,omitempty"`
	OperatorID    string  `json:"operator_id,omitempty"`
}

func (r *CaseReportV1) ToDomain() (model.NewCase, error) {
	if strings.TrimSpace(r.ReportID) == "" {
		return model.NewCase{}, model.Validationf("report_id is required")
	}
	n := model.NewCase{
		Type:     model.EmergencyType(r.EmergencyType),
		Severity: model.Severity(r.SeverityLevel),
		Location: model.Location{
			Latitude:  r.Latitude,
			Longitude: r.Longitude,
			Address:   r.Address,
		},
		Description: r.Description,
		CallerID:    r.CallerID,
	}
	return n, n.Validate()
}

// AmbulanceOverrideV1 is an external CAD correction of an ambulance state.
type AmbulanceOverrideV1 struct {
	AmbulanceID  string   `json:"ambulance_id"`
	Status       string   `json:"status"`
	Latitude     float64  `json:"latitude"`
	Longitude    float64  `json:"longitude"`
	Capabilities []string `json:"capabilities,omitempty"`
	Reason       string   `json:"reason,omitempty"`
}

func (o *AmbulanceOverrideV1) ToDomain() (model.AmbulanceUpdate, error) {
	u := model.AmbulanceUpdate{
		ID:       o.AmbulanceID,
		Status:   model.AmbulanceStatus(o.Status),
		Location: model.Location{Latitude: o.Latitude, Longitude: o.Longitude},
	}
	for _, c := range o.Capabilities {
		u.Capabilities = append(u.Capabilities, model.EmergencyType(c))
	}
	return u, u.Validate()
}
