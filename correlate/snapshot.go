package correlate

import (
	"context"
	"time"

	"otwatch/models"
	"otwatch/telemetry/events"
	"otwatch/telemetry/logging"
)

// SnapshotStore captures a consistent topology snapshot inside a
// single serializable database transaction.
type SnapshotStore interface {
	CreateSnapshot(ctx context.Context, zones []models.ZoneDefinition) (*models.TopologySnapshot, error)
}

// checkPeriod bounds how quickly the change-count trigger reacts.
const checkPeriod = 10 * time.Second

// Snapshotter produces topology snapshots on a fixed cadence and
// whenever enough changes accumulate since the last one.
type Snapshotter struct {
	engine    *Engine
	store     SnapshotStore
	zones     []models.ZoneDefinition
	interval  time.Duration
	threshold int
	log       logging.Logger
	bus       events.Bus
}

// NewSnapshotter wires the snapshot loop.
func NewSnapshotter(engine *Engine, store SnapshotStore, zones []models.ZoneDefinition, interval time.Duration, threshold int, log logging.Logger, bus events.Bus) *Snapshotter {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if threshold <= 0 {
		threshold = 50
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Snapshotter{
		engine:    engine,
		store:     store,
		zones:     zones,
		interval:  interval,
		threshold: threshold,
		log:       log,
		bus:       bus,
	}
}

// Run blocks until ctx cancels, capturing snapshots on cadence and on
// the change threshold.
func (s *Snapshotter) Run(ctx context.Context) {
	cadence := time.NewTicker(s.interval)
	defer cadence.Stop()
	check := time.NewTicker(checkPeriod)
	defer check.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-cadence.C:
			s.capture(ctx, "cadence")
		case <-check.C:
			if s.engine.PendingChanges() >= s.threshold {
				s.capture(ctx, "threshold")
			}
		}
	}
}

// Capture takes a snapshot immediately. Exposed for shutdown flushes
// and tests.
func (s *Snapshotter) Capture(ctx context.Context) error {
	return s.capture(ctx, "manual")
}

func (s *Snapshotter) capture(ctx context.Context, trigger string) error {
	start := time.Now()
	snap, err := s.store.CreateSnapshot(ctx, s.zones)
	if err != nil {
		s.log.ErrorCtx(ctx, "snapshot failed", "trigger", trigger, "error", err)
		return err
	}
	s.engine.ResetChanges()
	s.log.InfoCtx(ctx, "topology snapshot captured",
		"trigger", trigger,
		"devices", snap.Summary.DeviceCount,
		"connections", snap.Summary.ConnectionCount,
		"took", time.Since(start).String())
	if s.bus != nil {
		_ = s.bus.Publish(events.Event{
			Category: events.CategoryCorrelation,
			Type:     "snapshot",
			Labels:   map[string]string{"trigger": trigger, "id": snap.ID},
			Fields: map[string]interface{}{
				"devices":     snap.Summary.DeviceCount,
				"connections": snap.Summary.ConnectionCount,
			},
		})
	}
	return nil
}
