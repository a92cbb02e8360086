// Package risk scores each device across vulnerability, configuration,
// exposure, and compliance, emitting security alerts when the weighted
// overall score crosses the severity thresholds.
package risk

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"otwatch/correlate"
	"otwatch/models"
	"otwatch/telemetry/events"
	"otwatch/telemetry/logging"
	"otwatch/telemetry/metrics"
)

// Topology is the read surface the analyzer needs; the correlation
// engine satisfies it.
type Topology interface {
	View() correlate.TopologyView
	Device(id string) (models.Device, bool)
	ConnectionsFor(id string) []models.Connection
}

// Store persists assessments and the alerts they raise.
type Store interface {
	SaveAssessment(ctx context.Context, a *models.RiskAssessment) error
	CreateAlert(ctx context.Context, a *models.Alert) error
}

// Options wires the analyzer.
type Options struct {
	Topology Topology
	Store    Store
	Zones    []models.ZoneDefinition
	Interval time.Duration
	Log      logging.Logger
	Bus      events.Bus
	Metrics  metrics.Provider
	OnAlert  func(models.Alert)
	Now      func() time.Time
}

// Analyzer recomputes assessments on a fixed cadence and on demand
// when a device changes.
type Analyzer struct {
	opts  Options
	queue chan string

	mu        sync.Mutex
	lastBand  map[string]models.AlertSeverity
	lastScore map[string]int

	mScore metrics.Gauge
}

// New builds the analyzer.
func New(opts Options) (*Analyzer, error) {
	if opts.Topology == nil || opts.Store == nil {
		return nil, models.E(models.KindConfiguration, "risk.new",
			fmt.Errorf("topology and store are required"))
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Hour
	}
	if opts.Log == nil {
		opts.Log = logging.Nop()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	a := &Analyzer{
		opts:      opts,
		queue:     make(chan string, 1024),
		lastBand:  make(map[string]models.AlertSeverity),
		lastScore: make(map[string]int),
	}
	if opts.Metrics != nil {
		a.mScore = opts.Metrics.NewGauge(metrics.GaugeOpts{CommonOpts: metrics.CommonOpts{
			Namespace: metrics.Namespace, Subsystem: "risk", Name: "score",
			Help: "Latest overall risk score per device", Labels: []string{"device"}}})
	}
	return a, nil
}

// Reassess queues one device for immediate reassessment; used by the
// correlation engine's device-change hook. Never blocks the caller.
func (a *Analyzer) Reassess(deviceID string) {
	select {
	case a.queue <- deviceID:
	default:
		// Full queue is fine: the periodic sweep will catch the device.
	}
}

// Run drives the fixed-cadence sweep plus on-change reassessments
// until ctx cancels.
func (a *Analyzer) Run(ctx context.Context) {
	ticker := time.NewTicker(a.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-a.queue:
			if d, ok := a.opts.Topology.Device(id); ok {
				a.assessAndRecord(ctx, d)
			}
		case <-ticker.C:
			view := a.opts.Topology.View()
			for _, d := range view.Devices {
				if ctx.Err() != nil {
					return
				}
				a.assessAndRecord(ctx, d)
			}
		}
	}
}

// Assess computes the weighted assessment for one device without
// persisting it.
func (a *Analyzer) Assess(d models.Device) models.RiskAssessment {
	conns := a.opts.Topology.ConnectionsFor(d.ID)
	lookup := a.opts.Topology.Device

	vulnScore, vulnDesc := vulnerabilityScore(d)
	confScore, confDesc := configurationScore(d, conns)
	expoScore, expoDesc := exposureScore(d, conns, lookup)
	compScore, compDesc := complianceScore(d, conns, a.opts.Zones, lookup)

	factors := []models.RiskFactor{
		{Name: "vulnerability", Category: models.RiskVulnerability, Score: vulnScore, Weight: weightVulnerability, Description: vulnDesc},
		{Name: "configuration", Category: models.RiskConfiguration, Score: confScore, Weight: weightConfiguration, Description: confDesc},
		{Name: "exposure", Category: models.RiskExposure, Score: expoScore, Weight: weightExposure, Description: expoDesc},
		{Name: "compliance", Category: models.RiskCompliance, Score: compScore, Weight: weightCompliance, Description: compDesc},
	}
	return models.RiskAssessment{
		DeviceID:        d.ID,
		OverallScore:    OverallScore(factors),
		Factors:         factors,
		Recommendations: recommendations(d, factors),
		LastAssessedAt:  a.opts.Now(),
	}
}

// OverallScore is the rounded weighted sum of the factors.
func OverallScore(factors []models.RiskFactor) int {
	sum := 0.0
	for _, f := range factors {
		sum += f.Score * f.Weight
	}
	return int(math.Round(sum))
}

func (a *Analyzer) assessAndRecord(ctx context.Context, d models.Device) {
	assessment := a.Assess(d)
	if err := assessment.Validate(); err != nil {
		a.opts.Log.ErrorCtx(ctx, "assessment invariant breach", "device", d.ID, "error", err)
		return
	}
	if err := a.opts.Store.SaveAssessment(ctx, &assessment); err != nil {
		a.opts.Log.ErrorCtx(ctx, "assessment persist failed", "device", d.ID, "error", err)
	}
	if a.mScore != nil {
		a.mScore.Set(float64(assessment.OverallScore), d.ID)
	}

	band := SeverityFor(assessment.OverallScore)
	a.mu.Lock()
	prev, seen := a.lastBand[d.ID]
	a.lastBand[d.ID] = band
	a.lastScore[d.ID] = assessment.OverallScore
	a.mu.Unlock()

	if band == "" || (seen && prev == band) {
		return
	}
	alert := models.Alert{
		Type:     models.AlertSecurity,
		Severity: band,
		Title:    fmt.Sprintf("Risk score %d for %s", assessment.OverallScore, d.Name),
		Description: fmt.Sprintf("Overall risk %d/100: vulnerability %.0f, configuration %.0f, exposure %.0f, compliance %.0f",
			assessment.OverallScore,
			assessment.Factors[0].Score, assessment.Factors[1].Score,
			assessment.Factors[2].Score, assessment.Factors[3].Score),
		DeviceID:    d.ID,
		Remediation: firstRecommendation(assessment.Recommendations),
		Details:     map[string]string{"score": fmt.Sprintf("%d", assessment.OverallScore)},
		CreatedAt:   a.opts.Now(),
	}
	if err := a.opts.Store.CreateAlert(ctx, &alert); err != nil {
		a.opts.Log.ErrorCtx(ctx, "risk alert persist failed", "device", d.ID, "error", err)
	}
	if a.opts.OnAlert != nil {
		a.opts.OnAlert(alert)
	}
	if a.opts.Bus != nil {
		_ = a.opts.Bus.Publish(events.Event{
			Category: events.CategoryRisk, Type: "risk_band_change", Severity: string(band),
			Labels: map[string]string{"device": d.ID},
			Fields: map[string]interface{}{"score": assessment.OverallScore},
		})
	}
}

// SeverityFor maps an overall score onto the alert severity bands;
// scores under 20 raise no alert.
func SeverityFor(score int) models.AlertSeverity {
	switch {
	case score >= 90:
		return models.SeverityCritical
	case score >= 70:
		return models.SeverityHigh
	case score >= 40:
		return models.SeverityMedium
	case score >= 20:
		return models.SeverityLow
	}
	return ""
}

func recommendations(d models.Device, factors []models.RiskFactor) []string {
	var out []string
	for _, f := range factors {
		if f.Score < 60 {
			continue
		}
		switch f.Category {
		case models.RiskVulnerability:
			out = append(out, "Schedule a firmware update window and verify the current version against vendor advisories.")
		case models.RiskConfiguration:
			out = append(out, "Replace plaintext industrial protocols with TLS-wrapped variants or tunnel them through a VPN.")
		case models.RiskExposure:
			out = append(out, "Restrict cross-zone reachability; place a firewall at the zone boundary.")
		case models.RiskCompliance:
			out = append(out, "Document the device subnet in a zone definition and add explicit boundary rules.")
		}
	}
	return out
}

func firstRecommendation(recs []string) string {
	if len(recs) == 0 {
		return ""
	}
	return recs[0]
}
