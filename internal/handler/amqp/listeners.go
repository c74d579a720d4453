package amqp

import (
	"context"
	"fmt"
)

// [ON_CASE_REPORTED]
// Opens a case from a call-intake report. A report already turned into a
// case is acknowledged without creating another one.
func (h *IngressHandler) OnCaseReportedV1(ctx context.Context, raw *CaseReportV1) error {
	in, err := raw.ToDomain()
	if err != nil {
		return err
	}

	h.reportsMu.Lock()
	defer h.reportsMu.Unlock()

	if caseID, ok := h.reports.Get(raw.ReportID); ok {
		h.logger.Debug("CASE_REPORT_DUPLICATE", "report_id", raw.ReportID, "case_id", caseID)
		return nil
	}

	actor := raw.OperatorID
	if actor == "" {
		actor = SourceIntake
	}
	c, err := h.cases.Create(ctx, in, actor)
	if err != nil {
		return fmt.Errorf("create case for report %s: %w", raw.ReportID, err)
	}
	h.reports.Add(raw.ReportID, c.ID)

	h.logger.Info("CASE_REPORT_ACCEPTED", "report_id", raw.ReportID, "case_id", c.ID)
	return nil
}

// [ON_AMBULANCE_OVERRIDE]
// Applies a CAD correction. Taking a busy ambulance away re-queues its case
// through the resource service.
func (h *IngressHandler) OnAmbulanceOverrideV1(ctx context.Context, raw *AmbulanceOverrideV1) error {
	u, err := raw.ToDomain()
	if err != nil {
		return err
	}
	a, err := h.resources.UpdateAmbulance(ctx, u, SourceCAD)
	if err != nil {
		return fmt.Errorf("override ambulance %s: %w", raw.AmbulanceID, err)
	}

	h.logger.Info("AMBULANCE_OVERRIDE_APPLIED",
		"ambulance_id", a.ID,
		"status", a.Status,
		"reason", raw.Reason,
	)
	return nil
}
