package collector

import (
	"context"
	"fmt"
	"time"

	"otwatch/models"
)

// Status is the health surface every collector exposes.
type Status struct {
	Name        string                 `json:"name"`
	Source      models.TelemetrySource `json:"source"`
	Running     bool                   `json:"running"`
	LastSuccess time.Time              `json:"last_success"`
	ErrorCount  uint64                 `json:"error_count"`
	TargetCount int                    `json:"target_count"`
}

// Collector is the capability surface of one telemetry source. All
// implementations compose a Runner for polling, batching, and retry
// rather than inheriting shared behavior.
type Collector interface {
	Name() string
	Source() models.TelemetrySource
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Status() Status
}

// Sink receives flushed record batches from collectors. The pipeline
// implements Sink; Emit must respect ctx cancellation.
type Sink interface {
	Emit(ctx context.Context, source models.TelemetrySource, recs []models.TelemetryRecord)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, source models.TelemetrySource, recs []models.TelemetryRecord)

func (f SinkFunc) Emit(ctx context.Context, source models.TelemetrySource, recs []models.TelemetryRecord) {
	f(ctx, source, recs)
}

// Settings bounds shared collector behavior. Limits follow the
// operational envelope: polling 1s-1h, timeout 1-60s, retries 0-10,
// batch 1-1000, concurrency 1-100.
type Settings struct {
	PollInterval  time.Duration
	FlushInterval time.Duration
	Timeout       time.Duration
	Retries       int
	BatchSize     int
	MaxConcurrent int
	Enabled       bool
}

// Validate rejects settings outside the operational envelope.
func (s Settings) Validate() error {
	if s.PollInterval < time.Second || s.PollInterval > time.Hour {
		return models.E(models.KindConfiguration, "collector.settings",
			fmt.Errorf("poll interval %s out of range 1s-1h", s.PollInterval))
	}
	if s.Timeout < time.Second || s.Timeout > 60*time.Second {
		return models.E(models.KindConfiguration, "collector.settings",
			fmt.Errorf("timeout %s out of range 1s-60s", s.Timeout))
	}
	if s.Retries < 0 || s.Retries > 10 {
		return models.E(models.KindConfiguration, "collector.settings",
			fmt.Errorf("retries %d out of range 0-10", s.Retries))
	}
	if s.BatchSize < 1 || s.BatchSize > 1000 {
		return models.E(models.KindConfiguration, "collector.settings",
			fmt.Errorf("batch size %d out of range 1-1000", s.BatchSize))
	}
	if s.MaxConcurrent < 1 || s.MaxConcurrent > 100 {
		return models.E(models.KindConfiguration, "collector.settings",
			fmt.Errorf("max concurrent %d out of range 1-100", s.MaxConcurrent))
	}
	return nil
}

func (s Settings) withDefaults() Settings {
	if s.FlushInterval <= 0 {
		s.FlushInterval = 5 * time.Second
	}
	return s
}
