// Package otwatch composes the topology-discovery pipeline behind a
// single facade: transport, collectors, parsing, correlation,
// classification, risk analysis, and persistence, constructed from one
// validated configuration and torn down with one bounded shutdown.
package otwatch

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"otwatch/classify"
	"otwatch/collector"
	"otwatch/collector/arp"
	"otwatch/collector/modbus"
	"otwatch/collector/netflow"
	"otwatch/collector/opcua"
	"otwatch/collector/routing"
	"otwatch/collector/snmp"
	"otwatch/collector/syslog"
	"otwatch/config"
	"otwatch/correlate"
	"otwatch/models"
	"otwatch/pipeline"
	"otwatch/risk"
	"otwatch/storage"
	"otwatch/telemetry/events"
	"otwatch/telemetry/health"
	"otwatch/telemetry/logging"
	"otwatch/telemetry/metrics"
	"otwatch/telemetry/tracing"
	"otwatch/transport"
)

// Engine owns every subsystem. Construct with New, drive with Start
// and Run, tear down with Stop.
type Engine struct {
	cfg config.Config
	log logging.Logger

	provider   metrics.Provider
	bus        events.Bus
	tracer     tracing.Tracer
	healthEval *health.Evaluator

	store      *storage.Store
	transport  *transport.Client
	correlator *correlate.Engine
	analyzer   *risk.Analyzer
	snapshots  *correlate.Snapshotter
	pipe       *pipeline.Pipeline
	manager    *collector.Manager

	cancel context.CancelFunc
}

// Snapshot is the engine's unified state view.
type Snapshot struct {
	StartedAt  time.Time          `json:"started_at"`
	Uptime     time.Duration      `json:"uptime"`
	Transport  transport.State    `json:"transport"`
	Collectors []collector.Status `json:"collectors"`
	Devices    int                `json:"devices"`
}

var startedAt = time.Now()

// New wires the engine. Configuration errors are fatal here, before
// anything starts.
func New(ctx context.Context, cfg config.Config) (*Engine, error) {
	log := logging.New(logging.Options{Level: cfg.App.LogLevel, Format: logFormat(cfg.App.Env)})

	e := &Engine{cfg: cfg, log: log}
	e.provider = selectMetricsProvider(cfg.Telemetry)
	e.bus = events.NewBus(e.provider)
	e.tracer = tracing.NewAdaptiveTracer(func() float64 { return cfg.Telemetry.TraceSample })

	store, err := storage.Open(ctx, cfg.Database, log, e.provider)
	if err != nil {
		return nil, err
	}
	e.store = store

	tc, err := transport.NewClient(cfg.Broker, cfg.App.Name,
		transport.TLSVersion(cfg.Security.TLSMinVersion), log, e.provider)
	if err != nil {
		store.Close()
		return nil, err
	}
	e.transport = tc

	classifier, err := classify.New(cfg.SubnetHints)
	if err != nil {
		store.Close()
		return nil, err
	}

	e.correlator, err = correlate.New(correlate.Options{
		Classifier:  classifier,
		Store:       store,
		Log:         log,
		Bus:         e.bus,
		Metrics:     e.provider,
		IPCacheSize: cfg.Correlation.IPCacheSize,
		OnAlert:     e.fanOutAlert,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	e.analyzer, err = risk.New(risk.Options{
		Topology: e.correlator,
		Store:    store,
		Zones:    cfg.Zones,
		Interval: cfg.Risk.Interval,
		Log:      log,
		Bus:      e.bus,
		Metrics:  e.provider,
		OnAlert:  e.fanOutAlert,
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	// Risk reassessment follows every device mutation.
	e.correlator.SetOnDeviceChange(e.analyzer.Reassess)

	e.snapshots = correlate.NewSnapshotter(e.correlator, store, cfg.Zones,
		cfg.Correlation.SnapshotInterval, cfg.Correlation.SnapshotThreshold, log, e.bus)

	e.pipe, err = pipeline.New(pipeline.Options{
		Correlator:  e.correlator,
		Store:       store,
		Transport:   tc,
		CollectorID: tc.ClientID(),
		Log:         log,
		Bus:         e.bus,
		Metrics:     e.provider,
		BufferSize:  cfg.Collector.BatchSize,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	collectors, err := e.buildCollectors()
	if err != nil {
		store.Close()
		return nil, err
	}
	e.manager = collector.NewManager(tc, collectors, cfg.Collector.DrainWindow, log, e.bus)

	e.healthEval = health.NewEvaluator(5*time.Second, e.healthProbes()...)
	return e, nil
}

func (e *Engine) buildCollectors() ([]collector.Collector, error) {
	settings := collector.Settings{
		PollInterval:  e.cfg.Collector.PollInterval,
		FlushInterval: e.cfg.Collector.FlushInterval,
		Timeout:       e.cfg.Collector.Timeout,
		Retries:       e.cfg.Collector.Retries,
		BatchSize:     e.cfg.Collector.BatchSize,
		MaxConcurrent: e.cfg.Collector.MaxConcurrent,
	}
	sink := e.pipe.Sink()

	var out []collector.Collector
	if e.cfg.SNMP.Enabled {
		c, err := snmp.New(e.cfg.SNMP, settings, sink, e.log, e.provider)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if e.cfg.ARP.Enabled {
		c, err := arp.New(e.cfg.ARP, settings, sink, e.log, e.provider)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if e.cfg.NetFlow.Enabled {
		c, err := netflow.New(e.cfg.NetFlow, settings, sink, e.log, e.provider)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if e.cfg.Syslog.Enabled {
		c, err := syslog.New(e.cfg.Syslog, settings, sink, e.log, e.provider)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if e.cfg.OPCUA.Enabled {
		c, err := opcua.New(e.cfg.OPCUA, settings, sink, e.log, e.provider)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if e.cfg.Modbus.Enabled {
		c, err := modbus.New(e.cfg.Modbus, settings, sink, e.log, e.provider)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if e.cfg.Routing.Enabled {
		c, err := routing.New(settings, sink, e.log, e.provider)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// Start launches the pipeline stages and collectors. The returned
// error is fatal; partial starts are rolled back by the manager.
func (e *Engine) Start(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	e.cancel = cancel

	e.pipe.Start(ctx)
	go e.analyzer.Run(ctx)
	go e.snapshots.Run(ctx)
	go e.watchTransport(ctx)

	if err := e.manager.Start(ctx); err != nil {
		cancel()
		e.pipe.Stop()
		return err
	}
	e.log.InfoCtx(ctx, "engine started",
		"collectors", len(e.manager.Statuses()), "client_id", e.transport.ClientID())
	return nil
}

// Run blocks on the manager's supervision loop until ctx cancels,
// then performs the bounded drain.
func (e *Engine) Run(ctx context.Context) error {
	return e.manager.Run(ctx)
}

// Stop tears the engine down: collectors drain, a final topology
// snapshot is captured, stages stop, the pool closes.
func (e *Engine) Stop() error {
	if e.cancel != nil {
		e.cancel()
	}
	_ = e.manager.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = e.snapshots.Capture(shutdownCtx)
	e.pipe.Stop()
	e.store.Close()
	return nil
}

// watchTransport mirrors session state changes onto the event bus.
func (e *Engine) watchTransport(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-e.transport.Events():
			if !ok {
				return
			}
			busEv := events.Event{
				Category: events.CategoryTransport,
				Type:     string(ev.Type),
				Fields:   map[string]interface{}{"attempt": ev.Attempt},
			}
			if ev.Err != nil {
				busEv.Fields["error"] = ev.Err.Error()
				busEv.Severity = "warn"
			}
			_ = e.bus.Publish(busEv)
			if ev.Type == transport.EventDisconnected {
				e.log.ErrorCtx(ctx, "transport permanently disconnected", "error", ev.Err)
			}
		}
	}
}

// fanOutAlert publishes a persisted alert to the broker at QoS 2.
func (e *Engine) fanOutAlert(a models.Alert) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.transport.PublishAlert(ctx, a); err != nil {
		e.log.WarnCtx(ctx, "alert publish failed", "alert", a.ID, "error", err)
	}
}

// Snapshot returns the unified state view.
func (e *Engine) Snapshot() Snapshot {
	return Snapshot{
		StartedAt:  startedAt,
		Uptime:     time.Since(startedAt),
		Transport:  e.transport.State(),
		Collectors: e.manager.Statuses(),
		Devices:    e.correlator.DeviceCount(),
	}
}

// HealthSnapshot evaluates subsystem health.
func (e *Engine) HealthSnapshot(ctx context.Context) health.Snapshot {
	return e.healthEval.Evaluate(ctx)
}

// MetricsHandler exposes the Prometheus endpoint when that backend is
// active, nil otherwise.
func (e *Engine) MetricsHandler() http.Handler {
	if hp, ok := e.provider.(interface{ MetricsHandler() http.Handler }); ok {
		return hp.MetricsHandler()
	}
	return nil
}

// Bus exposes the telemetry event stream for embedders.
func (e *Engine) Bus() events.Bus { return e.bus }

func (e *Engine) healthProbes() []health.Probe {
	transportProbe := health.ProbeFunc(func(ctx context.Context) health.ProbeResult {
		switch e.transport.State() {
		case transport.StateConnected:
			return health.Healthy("transport")
		case transport.StateReconnecting:
			return health.Degraded("transport", "session reconnecting")
		case transport.StateClosed:
			return health.Unhealthy("transport", "session closed")
		}
		return health.Unknown("transport", "not yet connected")
	})
	collectorProbe := health.ProbeFunc(func(ctx context.Context) health.ProbeResult {
		stale := 0
		running := 0
		for _, st := range e.manager.Statuses() {
			if !st.Running {
				continue
			}
			running++
			if !st.LastSuccess.IsZero() && time.Since(st.LastSuccess) > 5*time.Minute {
				stale++
			}
		}
		switch {
		case running == 0:
			return health.Unknown("collectors", "none running")
		case stale == 0:
			return health.Healthy("collectors")
		case stale < running:
			return health.Degraded("collectors", fmt.Sprintf("%d of %d stale", stale, running))
		default:
			return health.Unhealthy("collectors", "all collectors stale")
		}
	})
	storageProbe := health.ProbeFunc(func(ctx context.Context) health.ProbeResult {
		if err := e.store.Health(ctx); err != nil {
			return health.Unhealthy("storage", err.Error())
		}
		return health.Healthy("storage")
	})
	return []health.Probe{transportProbe, collectorProbe, storageProbe}
}

func selectMetricsProvider(cfg config.TelemetryConfig) metrics.Provider {
	if !cfg.MetricsEnabled {
		return metrics.NewNoopProvider()
	}
	switch strings.ToLower(cfg.MetricsBackend) {
	case "otel", "opentelemetry":
		return metrics.NewOTelProvider(metrics.OTelProviderOptions{})
	case "noop":
		return metrics.NewNoopProvider()
	default:
		return metrics.NewPrometheusProvider(metrics.PrometheusProviderOptions{})
	}
}

func logFormat(env string) string {
	if env == "development" {
		return "text"
	}
	return "json"
}
