package model

import (
	"errors"
	"math"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCaseStatus_Transitions(t *testing.T) {
	all := []CaseStatus{StatusOpen, StatusDispatched, StatusInProgress, StatusResolved, StatusCancelled}
	allowed := map[[2]CaseStatus]bool{
		{StatusOpen, StatusDispatched}:       true,
		{StatusOpen, StatusCancelled}:        true,
		{StatusDispatched, StatusInProgress}: true,
		{StatusDispatched, StatusCancelled}:  true,
		{StatusInProgress, StatusResolved}:   true,
		{StatusInProgress, StatusCancelled}:  true,
	}

	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, allowed[[2]CaseStatus{from, to}], from.CanTransition(to), "%s -> %s", from, to)
		}
	}
	assert.True(t, StatusResolved.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
	assert.False(t, StatusInProgress.IsTerminal())
}

func TestSeverity_Rank(t *testing.T) {
	assert.Greater(t, SeverityCritical.Rank(), SeverityHigh.Rank())
	assert.Greater(t, SeverityHigh.Rank(), SeverityMedium.Rank())
	assert.Greater(t, SeverityMedium.Rank(), SeverityLow.Rank())
	assert.False(t, Severity("urgent").Valid())
}

func TestNewCase_Validate(t *testing.T) {
	ok := NewCase{Type: EmergencyMedical, Severity: SeverityHigh, Location: Location{Latitude: 1, Longitude: 2}}
	require.NoError(t, ok.Validate())

	cases := map[string]NewCase{
		"type":      {Type: "alien", Severity: SeverityHigh},
		"severity":  {Type: EmergencyFire, Severity: "urgent"},
		"latitude":  {Type: EmergencyFire, Severity: SeverityLow, Location: Location{Latitude: -91}},
		"longitude": {Type: EmergencyFire, Severity: SeverityLow, Location: Location{Longitude: 181}},
		"nan":       {Type: EmergencyFire, Severity: SeverityLow, Location: Location{Latitude: math.NaN()}},
	}
	for name, nc := range cases {
		t.Run(name, func(t *testing.T) {
			err := nc.Validate()
			require.ErrorIs(t, err, ErrValidation)
			var de *Error
			require.True(t, errors.As(err, &de))
		})
	}
}

func TestNewCaseID_Format(t *testing.T) {
	re := regexp.MustCompile(`^CASE-[0-9A-F]{8}$`)
	seen := map[string]bool{}
	for range 100 {
		id := NewCaseID()
		assert.Regexp(t, re, id)
		seen[id] = true
	}
	assert.Greater(t, len(seen), 95)
}

func TestEmergencyCase_TouchIsStrictlyIncreasing(t *testing.T) {
	now := time.Now()
	c := &EmergencyCase{UpdatedAt: now}

	c.Touch(now) // clock did not move
	assert.True(t, c.UpdatedAt.After(now))
	first := c.UpdatedAt

	c.Touch(now.Add(-time.Second)) // clock went backwards
	assert.True(t, c.UpdatedAt.After(first))
	assert.Equal(t, int64(2), c.Version)
}

func TestEmergencyCase_RequiresHospital(t *testing.T) {
	assert.True(t, (&EmergencyCase{Type: EmergencyMedical, Severity: SeverityCritical}).RequiresHospital())
	assert.True(t, (&EmergencyCase{Type: EmergencyAccident, Severity: SeverityCritical}).RequiresHospital())
	assert.False(t, (&EmergencyCase{Type: EmergencyMedical, Severity: SeverityHigh}).RequiresHospital())
	assert.False(t, (&EmergencyCase{Type: EmergencyFire, Severity: SeverityCritical}).RequiresHospital())
}

func TestCaseFilter_Normalize(t *testing.T) {
	f := CaseFilter{}
	require.NoError(t, f.Normalize())
	assert.Equal(t, DefaultListLimit, f.Limit)

	f = CaseFilter{Limit: 5000}
	require.NoError(t, f.Normalize())
	assert.Equal(t, MaxListLimit, f.Limit)

	f = CaseFilter{Statuses: []CaseStatus{"closed"}}
	require.ErrorIs(t, f.Normalize(), ErrValidation)

	f = CaseFilter{Skip: -1}
	require.ErrorIs(t, f.Normalize(), ErrValidation)
}

func TestDistanceKm(t *testing.T) {
	nyc := Location{Latitude: 40.7128, Longitude: -74.0060}
	london := Location{Latitude: 51.5074, Longitude: -0.1278}

	assert.InDelta(t, 5570, DistanceKm(nyc, london), 15)
	assert.Zero(t, DistanceKm(nyc, nyc))
	assert.InDelta(t, DistanceKm(nyc, london), DistanceKm(london, nyc), 1e-9)
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, ErrBusy, KindOf(Busyf("x")))
	assert.Nil(t, KindOf(errors.New("plain")))
}
