package syslog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otwatch/collector"
	"otwatch/config"
	"otwatch/models"
	"otwatch/telemetry/logging"
)

type captureSink struct {
	mu   sync.Mutex
	recs []models.TelemetryRecord
}

func (s *captureSink) Emit(_ context.Context, _ models.TelemetrySource, recs []models.TelemetryRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, recs...)
}

func (s *captureSink) payloads() []*models.SyslogPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.SyslogPayload
	for _, r := range s.recs {
		out = append(out, r.Data.(*models.SyslogPayload))
	}
	return out
}

func newTestCollector(t *testing.T, sink collector.Sink) *Collector {
	t.Helper()
	c, err := New(config.SyslogConfig{Port: 514, Protocol: "udp"}, collector.Settings{
		PollInterval:  time.Minute,
		FlushInterval: time.Second,
		Timeout:       5 * time.Second,
		BatchSize:     1,
		MaxConcurrent: 4,
	}, sink, logging.Nop(), nil)
	require.NoError(t, err)
	return c
}

func TestParseRFC5424(t *testing.T) {
	sink := &captureSink{}
	c := newTestCollector(t, sink)

	raw := []byte(`<34>1 2025-06-01T12:00:00.000Z hmi-2 sshd 4321 ID47 - unauthorized access denied for user operator`)
	c.handleMessage(context.Background(), raw)

	payloads := sink.payloads()
	require.Len(t, payloads, 1)
	p := payloads[0]
	assert.Equal(t, 4, p.Facility)
	assert.Equal(t, 2, p.Severity)
	assert.Equal(t, "hmi-2", p.Hostname)
	assert.Equal(t, "sshd", p.AppName)
	assert.Equal(t, "4321", p.ProcID)
	assert.Contains(t, p.Message, "unauthorized access denied")
	assert.True(t, p.SecurityEvent)
}

func TestParseRFC3164Fallback(t *testing.T) {
	sink := &captureSink{}
	c := newTestCollector(t, sink)

	raw := []byte(`<13>Jun  1 12:00:00 scada-main app: operator logged in`)
	c.handleMessage(context.Background(), raw)

	payloads := sink.payloads()
	require.Len(t, payloads, 1)
	p := payloads[0]
	assert.Equal(t, 1, p.Facility)
	assert.Equal(t, 5, p.Severity)
	assert.Equal(t, "scada-main", p.Hostname)
}

func TestUnparseableDropped(t *testing.T) {
	sink := &captureSink{}
	c := newTestCollector(t, sink)
	c.handleMessage(context.Background(), []byte("not syslog at all"))
	assert.Empty(t, sink.payloads())
	assert.Equal(t, uint64(1), c.Status().ErrorCount)
}

func TestIsSecurityEvent(t *testing.T) {
	// Severity at error level or worse always qualifies.
	assert.True(t, IsSecurityEvent(0, "system boot"))
	assert.True(t, IsSecurityEvent(3, "disk warning"))
	assert.False(t, IsSecurityEvent(4, "routine heartbeat"))

	// Keyword matching is case-insensitive.
	for _, msg := range []string{
		"login FAILED for root",
		"access Denied by policy",
		"policy VIOLATION on port 502",
		"Unauthorized write attempt",
		"possible attack detected",
		"malware signature match",
	} {
		assert.True(t, IsSecurityEvent(6, msg), msg)
	}
	assert.False(t, IsSecurityEvent(6, "interface up"))
}

func TestAlertSeverityMapping(t *testing.T) {
	assert.Equal(t, models.SeverityCritical, AlertSeverity(0))
	assert.Equal(t, models.SeverityCritical, AlertSeverity(1))
	assert.Equal(t, models.SeverityHigh, AlertSeverity(2))
	assert.Equal(t, models.SeverityMedium, AlertSeverity(3))
	assert.Equal(t, models.SeverityLow, AlertSeverity(4))
	assert.Equal(t, models.SeverityLow, AlertSeverity(7))
}

func TestReceptionTimeUsedWhenTimestampAbsent(t *testing.T) {
	sink := &captureSink{}
	c := newTestCollector(t, sink)
	before := time.Now().UTC()
	c.handleMessage(context.Background(), []byte(`<34>1 - host app - - - message without timestamp`))
	payloads := sink.payloads()
	require.Len(t, payloads, 1)
	assert.False(t, payloads[0].Timestamp.Before(before.Truncate(time.Second)))
}
