package health

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOverallRollup(t *testing.T) {
	e := NewEvaluator(time.Millisecond,
		ProbeFunc(func(context.Context) ProbeResult { return Healthy("a") }),
		ProbeFunc(func(context.Context) ProbeResult { return Degraded("b", "lagging") }),
	)
	snap := e.Evaluate(context.Background())
	assert.Equal(t, StatusDegraded, snap.Overall)
	assert.Len(t, snap.Probes, 2)

	e.Register(ProbeFunc(func(context.Context) ProbeResult { return Unhealthy("c", "down") }))
	e.ForceInvalidate()
	snap = e.Evaluate(context.Background())
	assert.Equal(t, StatusUnhealthy, snap.Overall)
}

func TestNoProbesIsUnknown(t *testing.T) {
	e := NewEvaluator(time.Second)
	assert.Equal(t, StatusUnknown, e.Evaluate(context.Background()).Overall)
}

func TestTTLCaching(t *testing.T) {
	var calls atomic.Int32
	e := NewEvaluator(time.Hour, ProbeFunc(func(context.Context) ProbeResult {
		calls.Add(1)
		return Healthy("x")
	}))
	_ = e.Evaluate(context.Background())
	_ = e.Evaluate(context.Background())
	assert.Equal(t, int32(1), calls.Load(), "second evaluation served from cache")

	e.ForceInvalidate()
	_ = e.Evaluate(context.Background())
	assert.Equal(t, int32(2), calls.Load())
}
