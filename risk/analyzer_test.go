package risk

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otwatch/correlate"
	"otwatch/models"
)

type fakeTopology struct {
	devices map[string]models.Device
	conns   map[string][]models.Connection
}

func (f *fakeTopology) View() correlate.TopologyView {
	v := correlate.TopologyView{}
	for _, d := range f.devices {
		v.Devices = append(v.Devices, d)
	}
	return v
}

func (f *fakeTopology) Device(id string) (models.Device, bool) {
	d, ok := f.devices[id]
	return d, ok
}

func (f *fakeTopology) ConnectionsFor(id string) []models.Connection {
	return f.conns[id]
}

type fakeRiskStore struct {
	mu          sync.Mutex
	assessments []models.RiskAssessment
	alerts      []models.Alert
}

func (f *fakeRiskStore) SaveAssessment(_ context.Context, a *models.RiskAssessment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assessments = append(f.assessments, *a)
	return nil
}

func (f *fakeRiskStore) CreateAlert(_ context.Context, a *models.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, *a)
	return nil
}

func newAnalyzer(t *testing.T, topo Topology, store Store) *Analyzer {
	t.Helper()
	a, err := New(Options{
		Topology: topo,
		Store:    store,
		Interval: time.Hour,
		Now:      func() time.Time { return time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC) },
	})
	require.NoError(t, err)
	return a
}

func TestOverallScoreWeightedSum(t *testing.T) {
	factors := []models.RiskFactor{
		{Category: models.RiskVulnerability, Score: 80, Weight: 0.35},
		{Category: models.RiskConfiguration, Score: 60, Weight: 0.25},
		{Category: models.RiskExposure, Score: 40, Weight: 0.25},
		{Category: models.RiskCompliance, Score: 20, Weight: 0.15},
	}
	// round(28 + 15 + 10 + 3) = 56
	assert.Equal(t, 56, OverallScore(factors))
	assert.Equal(t, models.SeverityMedium, SeverityFor(56))
}

func TestSeverityBands(t *testing.T) {
	assert.Equal(t, models.SeverityCritical, SeverityFor(90))
	assert.Equal(t, models.SeverityCritical, SeverityFor(100))
	assert.Equal(t, models.SeverityHigh, SeverityFor(70))
	assert.Equal(t, models.SeverityHigh, SeverityFor(89))
	assert.Equal(t, models.SeverityMedium, SeverityFor(40))
	assert.Equal(t, models.SeverityLow, SeverityFor(20))
	assert.Equal(t, models.AlertSeverity(""), SeverityFor(19))
	assert.Equal(t, models.AlertSeverity(""), SeverityFor(0))
}

func TestAssessWeightsSumToOne(t *testing.T) {
	topo := &fakeTopology{devices: map[string]models.Device{
		"d1": {ID: "d1", Name: "plc-1", Type: models.TypePLC,
			PurdueLevel: models.Level1, Zone: models.ZoneControl},
	}}
	a := newAnalyzer(t, topo, &fakeRiskStore{})

	assessment := a.Assess(topo.devices["d1"])
	require.NoError(t, assessment.Validate())

	sum := 0.0
	weighted := 0.0
	for _, f := range assessment.Factors {
		sum += f.Weight
		weighted += f.Score * f.Weight
	}
	assert.InDelta(t, 1.0, sum, 0.01)
	assert.InDelta(t, float64(assessment.OverallScore), weighted, 0.5)
}

func TestInsecureIndustrialConnectionsRaiseConfigScore(t *testing.T) {
	plc := models.Device{ID: "d1", Type: models.TypePLC, PurdueLevel: models.Level1, Zone: models.ZoneControl}
	plain := []models.Connection{{
		SourceID: "d1", TargetID: "d2",
		Metadata: models.ConnectionMetadata{IsIndustrial: true, IndustrialProtocol: "Modbus"},
	}}
	scorePlain, _ := configurationScore(plc, plain)
	scoreNone, _ := configurationScore(plc, nil)
	assert.Greater(t, scorePlain, scoreNone)

	secured := []models.Connection{{
		SourceID: "d1", TargetID: "d2", IsSecure: true, Encryption: "TLS",
		Metadata: models.ConnectionMetadata{IsIndustrial: true},
	}}
	scoreSecured, _ := configurationScore(plc, secured)
	assert.Less(t, scoreSecured, scorePlain)
}

func TestExposureScoreCountsCrossZone(t *testing.T) {
	plc := models.Device{ID: "d1", Type: models.TypePLC, PurdueLevel: models.Level1, Zone: models.ZoneControl}
	erp := models.Device{ID: "d2", Type: models.TypeUnknown, PurdueLevel: models.Level5, Zone: models.ZoneEnterprise}
	lookup := func(id string) (models.Device, bool) {
		if id == "d2" {
			return erp, true
		}
		return models.Device{}, false
	}
	isolated, _ := exposureScore(plc, nil, lookup)
	exposed, _ := exposureScore(plc, []models.Connection{
		{SourceID: "d2", TargetID: "d1", Port: 80},
	}, lookup)
	assert.Greater(t, exposed, isolated)
	// Cross-zone + inbound-from-higher-trust + enterprise path all fire.
	assert.GreaterOrEqual(t, exposed-isolated, 45.0)
}

func TestKnownVulnerableFamilyFloorsAt90(t *testing.T) {
	d := models.Device{Type: models.TypePLC, Vendor: "Siemens", Model: "SIMATIC S7-300"}
	score, desc := vulnerabilityScore(d)
	assert.GreaterOrEqual(t, score, 90.0)
	assert.Contains(t, desc, "known vulnerable")
}

func TestAlertOnlyOnBandChange(t *testing.T) {
	topo := &fakeTopology{
		devices: map[string]models.Device{
			"d1": {ID: "d1", Name: "plc-1", Type: models.TypePLC,
				PurdueLevel: models.Level1, Zone: models.ZoneControl},
		},
	}
	store := &fakeRiskStore{}
	a := newAnalyzer(t, topo, store)

	d := topo.devices["d1"]
	a.assessAndRecord(context.Background(), d)
	a.assessAndRecord(context.Background(), d)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Len(t, store.assessments, 2, "every pass persists an assessment")
	assert.LessOrEqual(t, len(store.alerts), 1, "same band must not re-alert")
}
