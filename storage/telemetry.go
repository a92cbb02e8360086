package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"otwatch/models"
)

// CreateTelemetryBatch appends a batch of records in one transaction.
// Payloads serialize through the record's tagged JSON form.
func (s *Store) CreateTelemetryBatch(ctx context.Context, recs []models.TelemetryRecord) error {
	if len(recs) == 0 {
		return nil
	}
	return s.run(ctx, "telemetry.create_batch", func(ctx context.Context) error {
		batch := &pgx.Batch{}
		for i := range recs {
			data, err := json.Marshal(recs[i].Data)
			if err != nil {
				return err
			}
			meta, err := json.Marshal(recs[i].Metadata)
			if err != nil {
				return err
			}
			batch.Queue(`
				INSERT INTO telemetry (id, source, timestamp, data, raw, processed, metadata)
				VALUES ($1,$2,$3,$4,$5,$6,$7)
				ON CONFLICT (id) DO NOTHING`,
				recs[i].ID, string(recs[i].Source), recs[i].Timestamp,
				data, recs[i].Raw, recs[i].Processed, meta)
		}
		br := s.pool.SendBatch(ctx, batch)
		defer func() { _ = br.Close() }()
		for range recs {
			if _, err := br.Exec(); err != nil {
				return err
			}
		}
		return nil
	})
}

// MarkTelemetryProcessed flips the processed flag; records become
// read-only from the pipeline's perspective afterwards.
func (s *Store) MarkTelemetryProcessed(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.run(ctx, "telemetry.mark_processed", func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx,
			`UPDATE telemetry SET processed = true WHERE id = ANY($1)`, ids)
		return err
	})
}

// DeleteTelemetryBefore prunes processed records older than the cutoff
// and returns the true removed-row count.
func (s *Store) DeleteTelemetryBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := s.run(ctx, "telemetry.delete_before", func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx,
			`DELETE FROM telemetry WHERE processed AND timestamp < $1`, cutoff)
		if err != nil {
			return err
		}
		n = tag.RowsAffected()
		return nil
	})
	return n, err
}
