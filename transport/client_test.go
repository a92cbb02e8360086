package transport

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otwatch/models"
)

func TestMatchTopic(t *testing.T) {
	cases := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"scada/telemetry", "scada/telemetry", true},
		{"scada/telemetry", "scada/alerts", false},
		{"scada/+", "scada/telemetry", true},
		{"scada/+", "scada/telemetry/extra", false},
		{"scada/+/status", "scada/plc1/status", true},
		{"scada/+/status", "scada/plc1/health", false},
		{"scada/#", "scada/telemetry", true},
		{"scada/#", "scada/a/b/c", true},
		{"#", "anything/at/all", true},
		{"scada/telemetry", "scada", false},
		{"scada/+", "scada", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, MatchTopic(tc.pattern, tc.topic),
			"pattern %q topic %q", tc.pattern, tc.topic)
	}
}

func TestValidatePattern(t *testing.T) {
	assert.NoError(t, validatePattern("scada/+/status"))
	assert.NoError(t, validatePattern("scada/#"))
	assert.NoError(t, validatePattern("#"))

	// '#' only as the final whole level.
	assert.Error(t, validatePattern("scada/#/more"))
	assert.Error(t, validatePattern("scada/x#"))
	// '+' must occupy a whole level.
	assert.Error(t, validatePattern("scada/x+/y"))
	assert.Error(t, validatePattern(""))
}

func TestTelemetryEnvelopeShape(t *testing.T) {
	rec, err := models.NewRecord(&models.ARPPayload{Entries: []models.ARPEntry{
		{IP: "10.0.0.1", MAC: "00:90:e8:01:02:03"},
	}}, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	env := TelemetryEnvelope{
		Collector: "otwatch-abcd1234",
		Source:    models.SourceARP,
		Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 500_000_000, time.UTC).Format(wireTimeFormat),
		Count:     1,
		Data:      []models.TelemetryRecord{rec},
	}
	raw, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "otwatch-abcd1234", decoded["collector"])
	assert.Equal(t, "arp", decoded["source"])
	assert.Equal(t, "2025-06-01T12:00:00.500Z", decoded["timestamp"])
	assert.Equal(t, float64(1), decoded["count"])
	assert.Len(t, decoded["data"], 1)
}

func TestTLSVersionMapping(t *testing.T) {
	assert.Equal(t, uint16(0x0304), TLSVersion("1.3"))
	assert.Equal(t, uint16(0x0303), TLSVersion("1.2"))
	assert.Equal(t, uint16(0x0304), TLSVersion(""), "default is 1.3")
}

func TestShortIDShape(t *testing.T) {
	a, b := shortID(), shortID()
	assert.Len(t, a, 8)
	assert.NotEqual(t, a, b)
}
