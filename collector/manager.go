package collector

import (
	"context"
	"fmt"
	"time"

	"otwatch/models"
	"otwatch/telemetry/events"
	"otwatch/telemetry/logging"
	"otwatch/transport"
)

const healthCheckInterval = 30 * time.Second

// Manager owns the collector set and the shared transport session. It
// starts collectors sequentially, rolls back on partial failure, runs
// the periodic health check, and drives bounded graceful shutdown.
type Manager struct {
	transport  *transport.Client
	collectors []Collector
	log        logging.Logger
	bus        events.Bus
	drain      time.Duration

	started []Collector
}

// NewManager wires the manager. The collectors slice order is the
// start order; stop order is its reverse.
func NewManager(tc *transport.Client, collectors []Collector, drain time.Duration, log logging.Logger, bus events.Bus) *Manager {
	if drain <= 0 {
		drain = 30 * time.Second
	}
	return &Manager{transport: tc, collectors: collectors, log: log, bus: bus, drain: drain}
}

// Start connects the transport, then starts each collector in order.
// When any collector fails to start, the already-started ones are
// stopped in reverse order and the error is surfaced.
func (m *Manager) Start(ctx context.Context) error {
	if m.transport != nil {
		if err := m.transport.Connect(ctx); err != nil {
			return err
		}
	}
	for _, c := range m.collectors {
		if err := c.Start(ctx); err != nil {
			m.log.ErrorCtx(ctx, "collector failed to start; rolling back",
				"collector", c.Name(), "error", err)
			m.stopStarted(ctx)
			return models.E(models.KindCollector, "manager.start",
				fmt.Errorf("start %s: %w", c.Name(), err))
		}
		m.started = append(m.started, c)
		m.log.InfoCtx(ctx, "collector started", "collector", c.Name(), "source", string(c.Source()))
	}
	return nil
}

// Run blocks on the periodic health check until ctx is cancelled, then
// performs the bounded graceful shutdown.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return m.Shutdown()
		case <-ticker.C:
			m.healthCheck(ctx)
		}
	}
}

func (m *Manager) healthCheck(ctx context.Context) {
	stale := 3 * healthCheckInterval
	now := time.Now()
	for _, c := range m.collectors {
		st := c.Status()
		if !st.Running {
			continue
		}
		if !st.LastSuccess.IsZero() && now.Sub(st.LastSuccess) > stale {
			m.log.WarnCtx(ctx, "collector stale",
				"collector", st.Name, "last_success", st.LastSuccess, "errors", st.ErrorCount)
			if m.bus != nil {
				_ = m.bus.Publish(events.Event{
					Category: events.CategoryCollector,
					Type:     "collector_stale",
					Severity: "warn",
					Labels:   map[string]string{"collector": st.Name},
					Fields:   map[string]interface{}{"errors": st.ErrorCount},
				})
			}
		}
	}
}

// Shutdown drains collectors within the drain window, then closes the
// transport. On window expiry remaining work is abandoned.
func (m *Manager) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), m.drain)
	defer cancel()
	m.stopStarted(ctx)
	if m.transport != nil {
		_ = m.transport.Close()
	}
	return nil
}

func (m *Manager) stopStarted(ctx context.Context) {
	for i := len(m.started) - 1; i >= 0; i-- {
		c := m.started[i]
		if err := c.Stop(ctx); err != nil {
			m.log.WarnCtx(ctx, "collector stop failed", "collector", c.Name(), "error", err)
		}
	}
	m.started = nil
}

// Statuses reports every collector's health surface.
func (m *Manager) Statuses() []Status {
	out := make([]Status, 0, len(m.collectors))
	for _, c := range m.collectors {
		out = append(out, c.Status())
	}
	return out
}
