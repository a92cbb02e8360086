package collector

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"otwatch/models"
	"otwatch/telemetry/logging"
	"otwatch/telemetry/metrics"
)

const (
	retryBaseDelay = time.Second
	retryMaxDelay  = 30 * time.Second
)

// Runner is the shared helper composed by every collector: fixed-rate
// single-flight polling, size-or-interval batching, exponential-backoff
// retry, and health counters. Collectors own their protocol logic;
// the Runner owns everything else.
type Runner struct {
	name     string
	source   models.TelemetrySource
	settings Settings
	sink     Sink
	log      logging.Logger

	mu      sync.Mutex
	buffer  []models.TelemetryRecord
	running bool
	cancel  context.CancelFunc

	inFlight atomic.Bool
	wg       sync.WaitGroup
	sem      chan struct{}

	lastSuccess atomic.Int64 // unix nanos
	errorCount  atomic.Uint64
	targetCount atomic.Int64

	mRecords metrics.Counter
	mErrors  metrics.Counter
	mSkipped metrics.Counter
	mPollDur func() metrics.Timer
}

// NewRunner validates settings and builds a runner for one collector.
func NewRunner(name string, source models.TelemetrySource, settings Settings, sink Sink, log logging.Logger, provider metrics.Provider) (*Runner, error) {
	settings = settings.withDefaults()
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		return nil, models.E(models.KindConfiguration, "collector.runner", fmt.Errorf("nil sink"))
	}
	r := &Runner{
		name:     name,
		source:   source,
		settings: settings,
		sink:     sink,
		log:      log,
		sem:      make(chan struct{}, settings.MaxConcurrent),
	}
	if provider != nil {
		r.mRecords = provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: metrics.Namespace, Subsystem: "collector", Name: "records_total",
			Help: "Telemetry records emitted", Labels: []string{"collector"}}})
		r.mErrors = provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: metrics.Namespace, Subsystem: "collector", Name: "errors_total",
			Help: "Collection errors", Labels: []string{"collector"}}})
		r.mSkipped = provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: metrics.Namespace, Subsystem: "collector", Name: "ticks_skipped_total",
			Help: "Poll ticks skipped because the previous poll overran", Labels: []string{"collector"}}})
		r.mPollDur = provider.NewTimer(metrics.HistogramOpts{CommonOpts: metrics.CommonOpts{
			Namespace: metrics.Namespace, Subsystem: "collector", Name: "poll_duration_seconds",
			Help: "Poll cycle duration", Labels: []string{"collector"}}})
	}
	return r, nil
}

// Start launches the poll loop (when poll is non-nil) and the flush
// loop. Listener-style collectors pass a nil poll and drive Emit from
// their own accept loops registered via Go.
func (r *Runner) Start(parent context.Context, poll func(ctx context.Context) error) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return models.E(models.KindInternal, "collector.start", fmt.Errorf("%s already running", r.name))
	}
	ctx, cancel := context.WithCancel(parent)
	r.cancel = cancel
	r.running = true
	r.mu.Unlock()

	if poll != nil {
		r.wg.Add(1)
		go r.pollLoop(ctx, poll)
	}
	r.wg.Add(1)
	go r.flushLoop(ctx)
	return nil
}

// Go tracks an auxiliary goroutine (UDP listener, TCP accept loop)
// under the runner lifecycle.
func (r *Runner) Go(ctx context.Context, fn func(ctx context.Context)) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if p := recover(); p != nil {
				r.log.ErrorCtx(ctx, "collector task panicked", "collector", r.name, "panic", fmt.Sprint(p))
			}
		}()
		fn(ctx)
	}()
}

// Stop cancels all work, waits for in-flight tasks bounded by ctx, and
// flushes whatever is buffered.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	cancel := r.cancel
	r.mu.Unlock()
	cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return models.E(models.KindTimeout, "collector.stop",
			fmt.Errorf("%s drain window expired", r.name))
	}
	r.flush(ctx)
	return nil
}

func (r *Runner) pollLoop(ctx context.Context, poll func(ctx context.Context) error) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.settings.PollInterval)
	defer ticker.Stop()

	// First poll fires immediately rather than waiting a full interval.
	r.runPoll(ctx, poll)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.inFlight.Load() {
				// Previous poll overran; skip this tick.
				if r.mSkipped != nil {
					r.mSkipped.Inc(1, r.name)
				}
				continue
			}
			r.runPoll(ctx, poll)
		}
	}
}

func (r *Runner) runPoll(ctx context.Context, poll func(ctx context.Context) error) {
	if !r.inFlight.CompareAndSwap(false, true) {
		return
	}
	defer r.inFlight.Store(false)

	var timer metrics.Timer
	if r.mPollDur != nil {
		timer = r.mPollDur()
	}
	pollCtx, cancel := context.WithTimeout(ctx, r.settings.Timeout)
	err := poll(pollCtx)
	cancel()
	if timer != nil {
		timer.ObserveDuration(r.name)
	}
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		r.RecordError(ctx, err)
		return
	}
	r.MarkSuccess()
}

// Retry runs fn with exponential backoff (1s base, doubling, 30s cap)
// up to the configured retry budget. Permanent failures return
// immediately without retrying.
func (r *Runner) Retry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !models.Retryable(err) || attempt >= r.settings.Retries {
			return err
		}
		delay := retryBaseDelay << attempt
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
		r.log.DebugCtx(ctx, "retrying after transient failure",
			"collector", r.name, "op", op, "attempt", attempt+1, "delay", delay.String(), "error", err)
		select {
		case <-ctx.Done():
			return models.E(models.KindTimeout, op, ctx.Err())
		case <-time.After(delay):
		}
	}
}

// Acquire limits per-target fan-out to MaxConcurrent. Release by
// calling the returned function.
func (r *Runner) Acquire(ctx context.Context) (func(), error) {
	select {
	case r.sem <- struct{}{}:
		return func() { <-r.sem }, nil
	case <-ctx.Done():
		return nil, models.E(models.KindTimeout, "collector.acquire", ctx.Err())
	}
}

// Emit buffers one record, flushing when the batch fills.
func (r *Runner) Emit(ctx context.Context, rec models.TelemetryRecord) {
	r.mu.Lock()
	r.buffer = append(r.buffer, rec)
	full := len(r.buffer) >= r.settings.BatchSize
	r.mu.Unlock()
	if r.mRecords != nil {
		r.mRecords.Inc(1, r.name)
	}
	if full {
		r.flush(ctx)
	}
}

func (r *Runner) flushLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.settings.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.flush(ctx)
		}
	}
}

func (r *Runner) flush(ctx context.Context) {
	r.mu.Lock()
	if len(r.buffer) == 0 {
		r.mu.Unlock()
		return
	}
	batch := r.buffer
	r.buffer = nil
	r.mu.Unlock()
	r.sink.Emit(ctx, r.source, batch)
}

// RecordError bumps the error counter and logs.
func (r *Runner) RecordError(ctx context.Context, err error) {
	r.errorCount.Add(1)
	if r.mErrors != nil {
		r.mErrors.Inc(1, r.name)
	}
	r.log.WarnCtx(ctx, "collection failed", "collector", r.name, "error", err)
}

// MarkSuccess records a completed collection cycle.
func (r *Runner) MarkSuccess() {
	r.lastSuccess.Store(time.Now().UnixNano())
}

// SetTargetCount records how many targets the collector currently polls.
func (r *Runner) SetTargetCount(n int) { r.targetCount.Store(int64(n)) }

// Status assembles the health view.
func (r *Runner) Status() Status {
	r.mu.Lock()
	running := r.running
	r.mu.Unlock()
	var last time.Time
	if ns := r.lastSuccess.Load(); ns > 0 {
		last = time.Unix(0, ns)
	}
	return Status{
		Name:        r.name,
		Source:      r.source,
		Running:     running,
		LastSuccess: last,
		ErrorCount:  r.errorCount.Load(),
		TargetCount: int(r.targetCount.Load()),
	}
}

// Settings returns the runner's effective settings.
func (r *Runner) Settings() Settings { return r.settings }
