// Package netflow listens for NetFlow v5 and v9 datagrams, resolves v9
// templates, and aggregates flows over a fixed window keyed by the
// 5-tuple before emitting telemetry.
package netflow

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"otwatch/collector"
	"otwatch/config"
	"otwatch/models"
	"otwatch/telemetry/logging"
	"otwatch/telemetry/metrics"
)

// Collector owns the UDP socket, the v9 template cache, and the
// aggregation window.
type Collector struct {
	runner *collector.Runner
	cfg    config.NetFlowConfig
	log    logging.Logger

	conn      *net.UDPConn
	templates *templateCache
	pending   *pendingQueue

	mu     sync.Mutex
	window map[string]*models.FlowRecord

	mDatagrams metrics.Counter
	mDropped   metrics.Counter
}

// New builds the collector; the socket opens on Start.
func New(cfg config.NetFlowConfig, settings collector.Settings, sink collector.Sink, log logging.Logger, provider metrics.Provider) (*Collector, error) {
	runner, err := collector.NewRunner("netflow", models.SourceNetFlow, settings, sink, log, provider)
	if err != nil {
		return nil, err
	}
	c := &Collector{
		runner:    runner,
		cfg:       cfg,
		log:       log,
		templates: newTemplateCache(cfg.TemplateExpiry),
		pending:   newPendingQueue(cfg.PendingQueueSize, cfg.TemplateExpiry),
		window:    make(map[string]*models.FlowRecord),
	}
	if provider != nil {
		c.mDatagrams = provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: metrics.Namespace, Subsystem: "netflow", Name: "datagrams_total",
			Help: "NetFlow datagrams received", Labels: []string{"version"}}})
		c.mDropped = provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: metrics.Namespace, Subsystem: "netflow", Name: "dropped_total",
			Help: "Flows dropped", Labels: []string{"reason"}}})
	}
	return c, nil
}

func (c *Collector) Name() string                   { return "netflow" }
func (c *Collector) Source() models.TelemetrySource { return models.SourceNetFlow }
func (c *Collector) Status() collector.Status       { return c.runner.Status() }

// Start opens the UDP socket and launches the receive and window-flush
// loops. NetFlow is listener-driven; there is no poll function.
func (c *Collector) Start(ctx context.Context) error {
	addr := &net.UDPAddr{Port: c.cfg.Port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return models.E(models.KindCollector, "netflow.listen", err)
	}
	c.conn = conn
	if err := c.runner.Start(ctx, nil); err != nil {
		_ = conn.Close()
		return err
	}
	c.runner.Go(ctx, c.receiveLoop)
	c.runner.Go(ctx, c.windowLoop)
	c.log.InfoCtx(ctx, "netflow listening", "port", c.cfg.Port)
	return nil
}

// Stop closes the socket and flushes the final window.
func (c *Collector) Stop(ctx context.Context) error {
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.flushWindow(ctx)
	return c.runner.Stop(ctx)
}

func (c *Collector) receiveLoop(ctx context.Context) {
	buf := make([]byte, 65535)
	for {
		if ctx.Err() != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, remote, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			c.runner.RecordError(ctx, models.E(models.KindCollector, "netflow.read", err))
			continue
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		c.handleDatagram(ctx, remote.IP.String(), pkt)
	}
}

func (c *Collector) handleDatagram(ctx context.Context, exporter string, pkt []byte) {
	if len(pkt) < 2 {
		return
	}
	version := int(pkt[0])<<8 | int(pkt[1])
	if c.mDatagrams != nil {
		c.mDatagrams.Inc(1, fmt.Sprintf("v%d", version))
	}
	var (
		flows []models.FlowRecord
		err   error
	)
	switch version {
	case 5:
		flows, err = decodeV5(pkt)
	case 9:
		flows, err = c.decodeV9(exporter, pkt)
	default:
		c.drop("unsupported_version", 1)
		return
	}
	if err != nil {
		c.runner.RecordError(ctx, err)
		return
	}
	c.runner.MarkSuccess()
	c.aggregate(flows)
}

// aggregate folds flows into the live window: bytes and packets sum,
// the time range extends. Flows failing validation are dropped.
func (c *Collector) aggregate(flows []models.FlowRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range flows {
		tagIndustrial(&f)
		if err := validateFlow(f); err != nil {
			c.drop("invalid", 1)
			continue
		}
		key := f.Key()
		agg, ok := c.window[key]
		if !ok {
			cp := f
			c.window[key] = &cp
			continue
		}
		agg.Bytes += f.Bytes
		agg.Packets += f.Packets
		if f.Start.Before(agg.Start) {
			agg.Start = f.Start
		}
		if f.End.After(agg.End) {
			agg.End = f.End
		}
		agg.TCPFlags |= f.TCPFlags
	}
}

func validateFlow(f models.FlowRecord) error {
	if net.ParseIP(f.SrcIP) == nil || net.ParseIP(f.DstIP) == nil {
		return fmt.Errorf("bad endpoints")
	}
	if f.SrcPort < 1 || f.SrcPort > 65535 || f.DstPort < 1 || f.DstPort > 65535 {
		return fmt.Errorf("bad ports")
	}
	if f.Protocol < 0 || f.Protocol > 255 {
		return fmt.Errorf("bad protocol")
	}
	return nil
}

func (c *Collector) windowLoop(ctx context.Context) {
	window := c.cfg.AggregationWindow
	if window <= 0 {
		window = 60 * time.Second
	}
	ticker := time.NewTicker(window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.flushWindow(ctx)
			expired := c.pending.expire(time.Now())
			if expired > 0 {
				c.drop("template_timeout", expired)
			}
		}
	}
}

func (c *Collector) flushWindow(ctx context.Context) {
	c.mu.Lock()
	if len(c.window) == 0 {
		c.mu.Unlock()
		return
	}
	flows := make([]models.FlowRecord, 0, len(c.window))
	for _, f := range c.window {
		flows = append(flows, *f)
	}
	c.window = make(map[string]*models.FlowRecord)
	c.mu.Unlock()

	rec, err := models.NewRecord(&models.FlowPayload{Flows: flows}, time.Now().UTC())
	if err != nil {
		c.runner.RecordError(ctx, err)
		return
	}
	c.runner.Emit(ctx, rec)
}

func (c *Collector) drop(reason string, n int) {
	if c.mDropped != nil && n > 0 {
		c.mDropped.Inc(float64(n), reason)
	}
}
