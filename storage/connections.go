package storage

import (
	"context"
	"encoding/json"

	"otwatch/models"
)

// UpsertConnection writes one directed edge, unique on
// (source_device_id, target_device_id, protocol, port).
func (s *Store) UpsertConnection(ctx context.Context, c *models.Connection) error {
	if err := c.Validate(); err != nil {
		return err
	}
	return s.run(ctx, "connection.upsert", func(ctx context.Context) error {
		meta, err := json.Marshal(c.Metadata)
		if err != nil {
			return err
		}
		_, err = s.pool.Exec(ctx, `
			INSERT INTO connections (id, source_device_id, target_device_id, type, protocol,
				port, vlan, bandwidth_mbps, latency_ms, is_secure, encryption, metadata,
				first_seen_at, last_seen_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
			ON CONFLICT (source_device_id, target_device_id, protocol, port) DO UPDATE SET
				type = EXCLUDED.type,
				vlan = EXCLUDED.vlan,
				bandwidth_mbps = EXCLUDED.bandwidth_mbps,
				latency_ms = EXCLUDED.latency_ms,
				is_secure = EXCLUDED.is_secure,
				encryption = EXCLUDED.encryption,
				metadata = EXCLUDED.metadata,
				last_seen_at = GREATEST(connections.last_seen_at, EXCLUDED.last_seen_at)`,
			c.ID, c.SourceID, c.TargetID, string(c.Type), c.Protocol,
			zeroNull(c.Port), zeroNull(c.VLAN), c.BandwidthMbps, c.LatencyMs,
			c.IsSecure, nullable(c.Encryption), meta, c.FirstSeenAt, c.LastSeenAt)
		return err
	})
}

// ConnectionsForDevice loads every edge touching the device.
func (s *Store) ConnectionsForDevice(ctx context.Context, deviceID string) ([]models.Connection, error) {
	var out []models.Connection
	err := s.run(ctx, "connection.for_device", func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, `
			SELECT id, source_device_id, target_device_id, type, protocol,
				COALESCE(port,0), COALESCE(vlan,0), bandwidth_mbps, latency_ms,
				is_secure, COALESCE(encryption,''), metadata, first_seen_at, last_seen_at
			FROM connections
			WHERE source_device_id = $1 OR target_device_id = $1`, deviceID)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			c, err := scanConnection(rows)
			if err != nil {
				return err
			}
			out = append(out, c)
		}
		return rows.Err()
	})
	return out, err
}

// DeleteConnection removes one edge, returning the true removed-row
// count from a single execution.
func (s *Store) DeleteConnection(ctx context.Context, id string) (int64, error) {
	var n int64
	err := s.run(ctx, "connection.delete", func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, `DELETE FROM connections WHERE id = $1`, id)
		if err != nil {
			return err
		}
		n = tag.RowsAffected()
		return nil
	})
	return n, err
}

func scanConnection(row rowScanner) (models.Connection, error) {
	var (
		c    models.Connection
		typ  string
		meta []byte
	)
	if err := row.Scan(&c.ID, &c.SourceID, &c.TargetID, &typ, &c.Protocol,
		&c.Port, &c.VLAN, &c.BandwidthMbps, &c.LatencyMs,
		&c.IsSecure, &c.Encryption, &meta, &c.FirstSeenAt, &c.LastSeenAt); err != nil {
		return c, err
	}
	c.Type = models.ConnectionType(typ)
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &c.Metadata)
	}
	return c, nil
}
