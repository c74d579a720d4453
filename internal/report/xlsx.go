package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/shivay/dispatch-service/internal/domain/model"
)

const (
	SheetCases      = "Cases"
	SheetAmbulances = "Ambulances"
	SheetHospitals  = "Hospitals"

	timeLayout = "2006-01-02 15:04:05"
)

var (
	caseHeader = []string{
		"Case ID", "Type", "Severity", "Status", "Latitude", "Longitude", "Address",
		"Ambulance", "Hospital", "Created", "Resolved", "Version",
	}
	ambulanceHeader = []string{
		"Ambulance ID", "Status", "Latitude", "Longitude", "Case", "Destination", "Capabilities", "Updated",
	}
	hospitalHeader = []string{
		"Hospital ID", "Name", "Active", "Occupied", "Capacity", "Spare", "Latitude", "Longitude", "Updated",
	}
)

// Snapshot is the state captured into one workbook.
type Snapshot struct {
	TakenAt    time.Time
	Cases      []*model.EmergencyCase
	Ambulances []*model.Ambulance
	Hospitals  []*model.Hospital
}

// Write renders s as an xlsx workbook with one sheet per resource kind.
func Write(w io.Writer, s Snapshot) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetCases); err != nil {
		return err
	}
	if _, err := f.NewSheet(SheetAmbulances); err != nil {
		return err
	}
	if _, err := f.NewSheet(SheetHospitals); err != nil {
		return err
	}

	header, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
	})
	if err != nil {
		return fmt.Errorf("header style: %w", err)
	}

	cases := make([][]any, 0, len(s.Cases))
	for _, c := range s.Cases {
		cases = append(cases, []any{
			c.ID, string(c.Type), string(c.Severity), string(c.Status),
			c.Location.Latitude, c.Location.Longitude, c.Location.Address,
			c.AssignedAmbulanceID, c.AssignedHospitalID,
			stamp(c.CreatedAt), stampPtr(c.ResolvedAt), c.Version,
		})
	}
	ambulances := make([][]any, 0, len(s.Ambulances))
	for _, a := range s.Ambulances {
		caps := make([]string, len(a.Capabilities))
		for i, t := range a.Capabilities {
			caps[i] = string(t)
		}
		ambulances = append(ambulances, []any{
			a.ID, string(a.Status), a.Location.Latitude, a.Location.Longitude,
			a.AssignedCaseID, a.DestinationHospitalID, strings.Join(caps, ","), stamp(a.UpdatedAt),
		})
	}
	hospitals := make([][]any, 0, len(s.Hospitals))
	for _, h := range s.Hospitals {
		hospitals = append(hospitals, []any{
			h.ID, h.Name, h.Active, h.Occupied, h.TotalCapacity, h.Spare(),
			h.Location.Latitude, h.Location.Longitude, stamp(h.UpdatedAt),
		})
	}

	for _, sheet := range []struct {
		name   string
		header []string
		rows   [][]any
	}{
		{SheetCases, caseHeader, cases},
		{SheetAmbulances, ambulanceHeader, ambulances},
		{SheetHospitals, hospitalHeader, hospitals},
	} {
		if err := writeSheet(f, sheet.name, sheet.header, sheet.rows, header); err != nil {
			return fmt.Errorf("sheet %s: %w", sheet.name, err)
		}
	}

	if !s.TakenAt.IsZero() {
		if err := f.SetDocProps(&excelize.DocProperties{
			Title:   "Dispatch snapshot",
			Created: s.TakenAt.UTC().Format(time.RFC3339),
		}); err != nil {
			return err
		}
	}

	_, err = f.WriteTo(w)
	return err
}

func writeSheet(f *excelize.File, sheet string, header []string, rows [][]any, style int) error {
	cells := make([]any, len(header))
	for i, h := range header {
		cells[i] = h
	}
	if err := f.SetSheetRow(sheet, "A1", &cells); err != nil {
		return err
	}
	last, err := excelize.CoordinatesToCellName(len(header), 1)
	if err != nil {
		return err
	}
	if err := f.SetCellStyle(sheet, "A1", last, style); err != nil {
		return err
	}

	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return err
		}
	}

	lastCol, err := excelize.ColumnNumberToName(len(header))
	if err != nil {
		return err
	}
	return f.SetColWidth(sheet, "A", lastCol, 18)
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func stampPtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return stamp(*t)
}
