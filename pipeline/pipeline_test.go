package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otwatch/classify"
	"otwatch/correlate"
	"otwatch/models"
)

type memoryStore struct {
	mu        sync.Mutex
	created   []models.TelemetryRecord
	processed []string

	devices map[string]models.Device
	alerts  []models.Alert
}

func newMemoryStore() *memoryStore {
	return &memoryStore{devices: make(map[string]models.Device)}
}

func (m *memoryStore) CreateTelemetryBatch(_ context.Context, recs []models.TelemetryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created = append(m.created, recs...)
	return nil
}

func (m *memoryStore) MarkTelemetryProcessed(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed = append(m.processed, ids...)
	return nil
}

func (m *memoryStore) UpsertDevice(_ context.Context, d *models.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[d.ID] = *d
	return nil
}

func (m *memoryStore) UpsertConnection(context.Context, *models.Connection) error { return nil }

func (m *memoryStore) CreateAlert(_ context.Context, a *models.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, *a)
	return nil
}

func (m *memoryStore) RecordAudit(context.Context, string, map[string]string) error { return nil }

func (m *memoryStore) counts() (created, processed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.created), len(m.processed)
}

func TestBatchFlowsThroughToCorrelationAndPersistence(t *testing.T) {
	store := newMemoryStore()
	classifier, err := classify.New(nil)
	require.NoError(t, err)
	correlator, err := correlate.New(correlate.Options{Classifier: classifier, Store: store})
	require.NoError(t, err)

	p, err := New(Options{Correlator: correlator, Store: store})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	rec, err := models.NewRecord(&models.ARPPayload{Entries: []models.ARPEntry{
		{IP: "10.0.0.9", MAC: "00:90:e8:01:02:03"},
	}}, time.Now().UTC())
	require.NoError(t, err)

	p.Emit(ctx, models.SourceARP, []models.TelemetryRecord{rec})

	require.Eventually(t, func() bool {
		created, processed := store.counts()
		return created == 1 && processed == 1 && correlator.DeviceCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestInvalidRecordDroppedWithoutHaltingBatch(t *testing.T) {
	store := newMemoryStore()
	classifier, err := classify.New(nil)
	require.NoError(t, err)
	correlator, err := correlate.New(correlate.Options{Classifier: classifier, Store: store})
	require.NoError(t, err)

	p, err := New(Options{Correlator: correlator, Store: store})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	good, err := models.NewRecord(&models.ARPPayload{Entries: []models.ARPEntry{
		{IP: "10.0.0.10", MAC: "00:90:e8:01:02:04"},
	}}, time.Now().UTC())
	require.NoError(t, err)
	// A record whose payload type cannot be parsed.
	bad := models.TelemetryRecord{ID: "bad", Source: models.SourceARP}

	p.Emit(ctx, models.SourceARP, []models.TelemetryRecord{bad, good})

	require.Eventually(t, func() bool {
		return correlator.DeviceCount() == 1
	}, 2*time.Second, 10*time.Millisecond, "good record still correlates")
	created, _ := store.counts()
	assert.Equal(t, 2, created, "the whole batch still persists")
}
