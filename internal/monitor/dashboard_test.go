package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shivay/dispatch-service/internal/domain/model"
)

type stubSource struct {
	stats    *model.HubStats
	cases    []*model.EmergencyCase
	statsErr error
	asked    []model.CaseStatus
}

func (s *stubSource) HubStats(context.Context) (*model.HubStats, error) { return s.stats, s.statsErr }

func (s *stubSource) AllCases(_ context.Context, st []model.CaseStatus) ([]*model.EmergencyCase, error) {
	s.asked = st
	return s.cases, nil
}

func (s *stubSource) Ambulances(context.Context) ([]*model.Ambulance, error) {
	return []*model.Ambulance{
		{ID: "AMB-1", Status: model.AmbulanceAvailable},
		{ID: "AMB-2", Status: model.AmbulanceAvailable},
		{ID: "AMB-3", Status: model.AmbulanceEnRoute},
	}, nil
}

func (s *stubSource) Hospitals(context.Context) ([]*model.Hospital, error) {
	return []*model.Hospital{{ID: "HOSP-1", TotalCapacity: 5, Occupied: 5}}, nil
}

func TestFetch(t *testing.T) {
	src := &stubSource{stats: &model.HubStats{TotalTopics: 2}}
	f := Fetch(context.Background(), src)

	require.NoError(t, f.Err)
	assert.Equal(t, activeStatuses, src.asked)
	assert.Len(t, f.Ambulances, 3)
	assert.Len(t, f.Hospitals, 1)

	src.statsErr = errors.New("connection refused")
	f = Fetch(context.Background(), src)
	assert.Error(t, f.Err)
	assert.Contains(t, SummaryText(f), "connection refused")
}

func TestCaseRows_SeverityThenAge(t *testing.T) {
	now := time.Now()
	rows := CaseRows([]*model.EmergencyCase{
		{ID: "c-low", Severity: model.SeverityLow, CreatedAt: now.Add(-time.Hour)},
		{ID: "c-crit-new", Severity: model.SeverityCritical, CreatedAt: now},
		{ID: "c-crit-old", Severity: model.SeverityCritical, CreatedAt: now.Add(-time.Minute)},
	})

	require.Len(t, rows, 4)
	assert.Equal(t, "case", rows[0][0])
	assert.Equal(t, "c-crit-old", rows[1][0])
	assert.Equal(t, "c-crit-new", rows[2][0])
	assert.Equal(t, "c-low", rows[3][0])
	assert.Equal(t, "-", rows[1][4])
}

func TestFleetBars(t *testing.T) {
	src := &stubSource{}
	ambulances, _ := src.Ambulances(context.Background())

	labels, data := FleetBars(ambulances)
	require.Len(t, labels, 5)
	assert.Equal(t, "available", labels[0])
	assert.Equal(t, []float64{2, 1, 0, 0, 0}, data)
}

func TestHospitalRows(t *testing.T) {
	rows := HospitalRows([]*model.Hospital{{ID: "HOSP-1", TotalCapacity: 5, Occupied: 5}})
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"HOSP-1", "-", "false", "5", "5", "0"}, rows[1])
}
