// Package opcua samples monitored nodes on OPC-UA endpoints and emits
// value changes as telemetry.
package opcua

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"

	"otwatch/collector"
	"otwatch/config"
	"otwatch/models"
	"otwatch/telemetry/logging"
	"otwatch/telemetry/metrics"
)

// Collector samples each endpoint's node list at its configured
// interval, emitting only values that changed since the last sample.
type Collector struct {
	runner *collector.Runner
	cfg    config.OPCUAConfig
	log    logging.Logger

	mu   sync.Mutex
	last map[string]string // endpoint|node -> last value
}

// New builds the collector.
func New(cfg config.OPCUAConfig, settings collector.Settings, sink collector.Sink, log logging.Logger, provider metrics.Provider) (*Collector, error) {
	runner, err := collector.NewRunner("opcua", models.SourceOPCUA, settings, sink, log, provider)
	if err != nil {
		return nil, err
	}
	runner.SetTargetCount(len(cfg.Endpoints))
	return &Collector{runner: runner, cfg: cfg, log: log, last: make(map[string]string)}, nil
}

func (c *Collector) Name() string                   { return "opcua" }
func (c *Collector) Source() models.TelemetrySource { return models.SourceOPCUA }
func (c *Collector) Status() collector.Status       { return c.runner.Status() }

// Start launches one sampling loop per endpoint; each loop runs at the
// endpoint's own sampling interval.
func (c *Collector) Start(ctx context.Context) error {
	if err := c.runner.Start(ctx, nil); err != nil {
		return err
	}
	for _, ep := range c.cfg.Endpoints {
		ep := ep
		c.runner.Go(ctx, func(ctx context.Context) {
			c.sampleLoop(ctx, ep)
		})
	}
	return nil
}

func (c *Collector) Stop(ctx context.Context) error {
	return c.runner.Stop(ctx)
}

func (c *Collector) sampleLoop(ctx context.Context, ep config.OPCUAEndpoint) {
	interval := ep.SamplingInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var client *opcua.Client
	defer func() {
		if client != nil {
			_ = client.Close(ctx)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if client == nil {
				var err error
				client, err = c.connect(ctx, ep)
				if err != nil {
					c.runner.RecordError(ctx, err)
					continue
				}
			}
			if err := c.sample(ctx, client, ep); err != nil {
				c.runner.RecordError(ctx, err)
				_ = client.Close(ctx)
				client = nil
			}
		}
	}
}

func (c *Collector) connect(ctx context.Context, ep config.OPCUAEndpoint) (*opcua.Client, error) {
	opts := []opcua.Option{opcua.SecurityMode(securityMode(ep.SecurityMode))}
	if ep.SecurityPolicy != "" {
		opts = append(opts, opcua.SecurityPolicy(ep.SecurityPolicy))
	}
	client, err := opcua.NewClient(ep.URL, opts...)
	if err != nil {
		return nil, models.E(models.KindCollector, "opcua.client",
			fmt.Errorf("endpoint %s: %w", ep.URL, err))
	}
	if err := client.Connect(ctx); err != nil {
		return nil, models.E(models.KindCollector, "opcua.connect",
			fmt.Errorf("endpoint %s: %w", ep.URL, err))
	}
	return client, nil
}

// sample reads every monitored node once, emitting a payload holding
// only the values that changed.
func (c *Collector) sample(ctx context.Context, client *opcua.Client, ep config.OPCUAEndpoint) error {
	ids := make([]*ua.ReadValueID, 0, len(ep.Nodes))
	for _, n := range ep.Nodes {
		id, err := ua.ParseNodeID(n.NodeID)
		if err != nil {
			c.log.WarnCtx(ctx, "bad node id", "endpoint", ep.URL, "node", n.NodeID, "error", err)
			continue
		}
		ids = append(ids, &ua.ReadValueID{NodeID: id, AttributeID: ua.AttributeIDValue})
	}
	if len(ids) == 0 {
		return nil
	}
	resp, err := client.Read(ctx, &ua.ReadRequest{
		NodesToRead:        ids,
		TimestampsToReturn: ua.TimestampsToReturnSource,
	})
	if err != nil {
		return models.E(models.KindCollector, "opcua.read", err)
	}

	payload := &models.OPCUAPayload{Endpoint: ep.URL}
	now := time.Now().UTC()
	for i, dv := range resp.Results {
		if i >= len(ids) {
			break
		}
		nodeID := ids[i].NodeID.String()
		value := ""
		if dv.Value != nil {
			value = fmt.Sprint(dv.Value.Value())
		}
		key := ep.URL + "|" + nodeID
		c.mu.Lock()
		changed := c.last[key] != value
		if changed {
			c.last[key] = value
		}
		c.mu.Unlock()
		if !changed {
			continue
		}
		sample := models.OPCUASample{
			NodeID:  nodeID,
			Value:   value,
			Quality: dv.Status.Error(),
		}
		if dv.Value != nil {
			sample.DataType = dv.Value.Type().String()
		}
		if !dv.SourceTimestamp.IsZero() {
			sample.SourceTimestamp = dv.SourceTimestamp.UTC()
		}
		payload.Samples = append(payload.Samples, sample)
	}
	if len(payload.Samples) == 0 {
		c.runner.MarkSuccess()
		return nil
	}
	rec, err := models.NewRecord(payload, now)
	if err != nil {
		return err
	}
	c.runner.MarkSuccess()
	c.runner.Emit(ctx, rec)
	return nil
}

func securityMode(s string) ua.MessageSecurityMode {
	switch s {
	case "Sign":
		return ua.MessageSecurityModeSign
	case "SignAndEncrypt":
		return ua.MessageSecurityModeSignAndEncrypt
	default:
		return ua.MessageSecurityModeNone
	}
}
