// Package pipeline wires collector output through parsing,
// correlation, and persistence. Each source gets its own serial parse
// lane so per-source arrival order is preserved; cross-source ordering
// is deliberately unspecified.
package pipeline

import (
	"context"
	"fmt"
	"sync"

	"otwatch/collector"
	"otwatch/correlate"
	"otwatch/models"
	"otwatch/parser"
	"otwatch/telemetry/events"
	"otwatch/telemetry/logging"
	"otwatch/telemetry/metrics"
	"otwatch/transport"
)

// TelemetryStore is the persistence slice the pipeline needs.
type TelemetryStore interface {
	CreateTelemetryBatch(ctx context.Context, recs []models.TelemetryRecord) error
	MarkTelemetryProcessed(ctx context.Context, ids []string) error
}

// Options wires the pipeline.
type Options struct {
	Correlator  *correlate.Engine
	Store       TelemetryStore
	Transport   *transport.Client // nil disables broker publication
	CollectorID string

	Log     logging.Logger
	Bus     events.Bus
	Metrics metrics.Provider

	PersistWorkers int
	BufferSize     int
}

type batch struct {
	source models.TelemetrySource
	recs   []models.TelemetryRecord
}

// Pipeline moves telemetry batches from collectors to the correlation
// actor and the persistence workers.
type Pipeline struct {
	opts Options

	mu    sync.Mutex
	lanes map[models.TelemetrySource]chan batch

	persistQ chan batch

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mBatches metrics.Counter
	mRecords metrics.Counter
	mFailed  metrics.Counter
}

// New builds the pipeline; Start launches the workers.
func New(opts Options) (*Pipeline, error) {
	if opts.Correlator == nil || opts.Store == nil {
		return nil, models.E(models.KindConfiguration, "pipeline.new",
			fmt.Errorf("correlator and store are required"))
	}
	if opts.PersistWorkers <= 0 {
		opts.PersistWorkers = 4
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 128
	}
	if opts.Log == nil {
		opts.Log = logging.Nop()
	}
	p := &Pipeline{
		opts:     opts,
		lanes:    make(map[models.TelemetrySource]chan batch),
		persistQ: make(chan batch, opts.BufferSize),
	}
	if opts.Metrics != nil {
		p.mBatches = opts.Metrics.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: metrics.Namespace, Subsystem: "pipeline", Name: "batches_total",
			Help: "Telemetry batches accepted", Labels: []string{"source"}}})
		p.mRecords = opts.Metrics.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: metrics.Namespace, Subsystem: "pipeline", Name: "records_total",
			Help: "Telemetry records accepted", Labels: []string{"source"}}})
		p.mFailed = opts.Metrics.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: metrics.Namespace, Subsystem: "pipeline", Name: "failures_total",
			Help: "Stage failures", Labels: []string{"stage"}}})
	}
	return p, nil
}

// Start launches the correlation actor and the persistence workers.
func (p *Pipeline) Start(parent context.Context) {
	p.ctx, p.cancel = context.WithCancel(parent)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.opts.Correlator.Run(p.ctx)
	}()

	for i := 0; i < p.opts.PersistWorkers; i++ {
		p.wg.Add(1)
		go p.persistWorker()
	}
}

// Stop cancels all stages and waits for them to drain.
func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// Sink adapts the pipeline to the collector sink contract.
func (p *Pipeline) Sink() collector.Sink {
	return collector.SinkFunc(p.Emit)
}

// Emit accepts one flushed batch from a collector. Dispatches onto the
// source's serial lane, creating it on first use.
func (p *Pipeline) Emit(ctx context.Context, source models.TelemetrySource, recs []models.TelemetryRecord) {
	if len(recs) == 0 || p.ctx == nil {
		return
	}
	if p.mBatches != nil {
		p.mBatches.Inc(1, string(source))
	}
	if p.mRecords != nil {
		p.mRecords.Inc(float64(len(recs)), string(source))
	}
	lane := p.lane(source)
	select {
	case lane <- batch{source: source, recs: recs}:
	case <-p.ctx.Done():
	case <-ctx.Done():
	}
}

func (p *Pipeline) lane(source models.TelemetrySource) chan batch {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ch, ok := p.lanes[source]; ok {
		return ch
	}
	ch := make(chan batch, p.opts.BufferSize)
	p.lanes[source] = ch
	p.wg.Add(1)
	go p.parseLane(ch)
	return ch
}

// parseLane processes one source's batches in arrival order: publish
// to the broker, parse, hand to the correlation actor, queue for
// persistence.
func (p *Pipeline) parseLane(in chan batch) {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case b := <-in:
			p.process(b)
		}
	}
}

func (p *Pipeline) process(b batch) {
	ctx := p.ctx

	if p.opts.Transport != nil {
		if err := p.opts.Transport.PublishTelemetryBatch(ctx, p.opts.CollectorID, b.source, b.recs); err != nil {
			// Broker publication is best-effort: local correlation and
			// persistence still proceed while the session reconnects.
			p.stageFailed("publish")
			p.opts.Log.WarnCtx(ctx, "telemetry publish failed",
				"source", string(b.source), "error", err)
		}
	}

	for _, rec := range b.recs {
		res, err := parser.Parse(rec)
		if err != nil {
			// Validation failures drop the single record, never the batch.
			p.stageFailed("parse")
			p.opts.Log.WarnCtx(ctx, "record rejected",
				"source", string(b.source), "record", rec.ID, "error", err)
			continue
		}
		if err := p.opts.Correlator.Submit(ctx, res); err != nil {
			p.stageFailed("correlate")
			return
		}
	}

	select {
	case p.persistQ <- b:
	case <-ctx.Done():
	}
}

func (p *Pipeline) persistWorker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case b := <-p.persistQ:
			p.persist(b)
		}
	}
}

func (p *Pipeline) persist(b batch) {
	ctx := p.ctx
	if err := p.opts.Store.CreateTelemetryBatch(ctx, b.recs); err != nil {
		p.stageFailed("persist")
		p.opts.Log.ErrorCtx(ctx, "telemetry persist failed",
			"source", string(b.source), "count", len(b.recs), "error", err)
		return
	}
	ids := make([]string, 0, len(b.recs))
	for _, rec := range b.recs {
		ids = append(ids, rec.ID)
	}
	if err := p.opts.Store.MarkTelemetryProcessed(ctx, ids); err != nil {
		p.stageFailed("persist")
		p.opts.Log.ErrorCtx(ctx, "telemetry mark processed failed",
			"source", string(b.source), "error", err)
	}
	if p.opts.Bus != nil {
		_ = p.opts.Bus.Publish(events.Event{
			Category: events.CategoryPipeline, Type: "batch_persisted",
			Labels: map[string]string{"source": string(b.source)},
			Fields: map[string]interface{}{"count": len(b.recs)},
		})
	}
}

func (p *Pipeline) stageFailed(stage string) {
	if p.mFailed != nil {
		p.mFailed.Inc(1, stage)
	}
}
