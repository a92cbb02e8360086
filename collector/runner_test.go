package collector

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otwatch/models"
	"otwatch/telemetry/logging"
)

type batchSink struct {
	mu      sync.Mutex
	batches [][]models.TelemetryRecord
}

func (s *batchSink) Emit(_ context.Context, _ models.TelemetrySource, recs []models.TelemetryRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]models.TelemetryRecord, len(recs))
	copy(cp, recs)
	s.batches = append(s.batches, cp)
}

func (s *batchSink) count() (batches, records int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.batches {
		records += len(b)
	}
	return len(s.batches), records
}

func validSettings() Settings {
	return Settings{
		PollInterval:  time.Second,
		FlushInterval: 50 * time.Millisecond,
		Timeout:       time.Second,
		Retries:       2,
		BatchSize:     3,
		MaxConcurrent: 2,
	}
}

func record(t *testing.T) models.TelemetryRecord {
	t.Helper()
	rec, err := models.NewRecord(&models.ManualPayload{Fields: map[string]string{"k": "v"}}, time.Now())
	require.NoError(t, err)
	return rec
}

func TestSettingsValidation(t *testing.T) {
	good := validSettings()
	assert.NoError(t, good.Validate())

	cases := []func(*Settings){
		func(s *Settings) { s.PollInterval = 500 * time.Millisecond },
		func(s *Settings) { s.PollInterval = 2 * time.Hour },
		func(s *Settings) { s.Timeout = 0 },
		func(s *Settings) { s.Timeout = 2 * time.Minute },
		func(s *Settings) { s.Retries = -1 },
		func(s *Settings) { s.Retries = 11 },
		func(s *Settings) { s.BatchSize = 0 },
		func(s *Settings) { s.BatchSize = 1001 },
		func(s *Settings) { s.MaxConcurrent = 0 },
		func(s *Settings) { s.MaxConcurrent = 101 },
	}
	for i, mutate := range cases {
		s := validSettings()
		mutate(&s)
		assert.Error(t, s.Validate(), "case %d", i)
	}
}

func TestBatchFlushesAtSize(t *testing.T) {
	sink := &batchSink{}
	r, err := NewRunner("test", models.SourceManual, validSettings(), sink, logging.Nop(), nil)
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		r.Emit(ctx, record(t))
	}
	batches, records := sink.count()
	assert.Equal(t, 1, batches, "flush at batch size without waiting for the interval")
	assert.Equal(t, 3, records)
}

func TestBatchFlushesOnInterval(t *testing.T) {
	sink := &batchSink{}
	r, err := NewRunner("test", models.SourceManual, validSettings(), sink, logging.Nop(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, r.Start(ctx, nil))

	r.Emit(ctx, record(t)) // below batch size
	require.Eventually(t, func() bool {
		batches, records := sink.count()
		return batches == 1 && records == 1
	}, 2*time.Second, 10*time.Millisecond, "interval flush must deliver partial batches")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	require.NoError(t, r.Stop(stopCtx))
}

func TestStopFlushesRemainder(t *testing.T) {
	sink := &batchSink{}
	s := validSettings()
	s.FlushInterval = time.Hour // only Stop can flush
	r, err := NewRunner("test", models.SourceManual, s, sink, logging.Nop(), nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, r.Start(ctx, nil))
	r.Emit(ctx, record(t))

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.Stop(stopCtx))
	_, records := sink.count()
	assert.Equal(t, 1, records)
}

func TestRetryBacksOffTransientOnly(t *testing.T) {
	r, err := NewRunner("test", models.SourceManual, validSettings(), &batchSink{}, logging.Nop(), nil)
	require.NoError(t, err)

	// Permanent failures never retry.
	permanent := models.E(models.KindValidation, "op", errors.New("bad record"))
	calls := 0
	err = r.Retry(context.Background(), "op", func(context.Context) error {
		calls++
		return permanent
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)

	// Transient failures retry up to the budget.
	calls = 0
	transient := models.E(models.KindTimeout, "op", errors.New("slow"))
	start := time.Now()
	err = r.Retry(context.Background(), "op", func(context.Context) error {
		calls++
		return transient
	})
	assert.Error(t, err)
	assert.Equal(t, 3, calls, "initial attempt plus two retries")
	assert.GreaterOrEqual(t, time.Since(start), 3*time.Second, "1s + 2s backoff")

	// Success stops the retry loop.
	calls = 0
	err = r.Retry(context.Background(), "op", func(context.Context) error {
		calls++
		if calls < 2 {
			return transient
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestSingleFlightSkipsOverrunTicks(t *testing.T) {
	s := validSettings()
	s.PollInterval = time.Second // validation floor; first poll fires immediately
	sink := &batchSink{}
	r, err := NewRunner("test", models.SourceManual, s, sink, logging.Nop(), nil)
	require.NoError(t, err)

	var concurrent atomic.Int32
	var max atomic.Int32
	block := make(chan struct{})
	poll := func(ctx context.Context) error {
		cur := concurrent.Add(1)
		if cur > max.Load() {
			max.Store(cur)
		}
		defer concurrent.Add(-1)
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, r.Start(ctx, poll))
	time.Sleep(150 * time.Millisecond)
	close(block)
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	require.NoError(t, r.Stop(stopCtx))
	assert.LessOrEqual(t, max.Load(), int32(1), "at most one poll in flight per collector")
}

func TestStatusCounters(t *testing.T) {
	r, err := NewRunner("test", models.SourceManual, validSettings(), &batchSink{}, logging.Nop(), nil)
	require.NoError(t, err)

	st := r.Status()
	assert.Equal(t, "test", st.Name)
	assert.False(t, st.Running)
	assert.True(t, st.LastSuccess.IsZero())

	r.SetTargetCount(4)
	r.MarkSuccess()
	r.RecordError(context.Background(), errors.New("boom"))
	r.RecordError(context.Background(), errors.New("boom"))

	st = r.Status()
	assert.Equal(t, 4, st.TargetCount)
	assert.Equal(t, uint64(2), st.ErrorCount)
	assert.False(t, st.LastSuccess.IsZero())
}

func TestAcquireBoundsConcurrency(t *testing.T) {
	r, err := NewRunner("test", models.SourceManual, validSettings(), &batchSink{}, logging.Nop(), nil)
	require.NoError(t, err)

	ctx := context.Background()
	rel1, err := r.Acquire(ctx)
	require.NoError(t, err)
	rel2, err := r.Acquire(ctx)
	require.NoError(t, err)

	// Third acquire blocks until a release.
	blocked, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = r.Acquire(blocked)
	assert.Error(t, err)

	rel1()
	rel3, err := r.Acquire(ctx)
	require.NoError(t, err)
	rel2()
	rel3()
}
