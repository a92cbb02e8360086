package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"otwatch/models"
)

// CreateSnapshot captures a consistent topology snapshot: devices and
// connections are read and the snapshot row written inside one
// serializable transaction, so the snapshot never references a device
// it does not contain.
func (s *Store) CreateSnapshot(ctx context.Context, zones []models.ZoneDefinition) (*models.TopologySnapshot, error) {
	var snap *models.TopologySnapshot
	err := s.run(ctx, "snapshot.create", func(ctx context.Context) error {
		start := time.Now()
		tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback(ctx) }()

		devices, err := readAllDevices(ctx, tx)
		if err != nil {
			return err
		}
		connections, err := readAllConnections(ctx, tx)
		if err != nil {
			return err
		}

		out := &models.TopologySnapshot{
			ID:          uuid.NewString(),
			Timestamp:   time.Now().UTC(),
			Devices:     devices,
			Connections: connections,
			Zones:       zones,
			Summary: models.SnapshotSummary{
				DeviceCount:     len(devices),
				ConnectionCount: len(connections),
				ZoneCount:       len(zones),
				Duration:        time.Since(start),
			},
		}
		devBlob, err := json.Marshal(out.Devices)
		if err != nil {
			return err
		}
		connBlob, err := json.Marshal(out.Connections)
		if err != nil {
			return err
		}
		zoneBlob, err := json.Marshal(out.Zones)
		if err != nil {
			return err
		}
		summary, err := json.Marshal(out.Summary)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO topology_snapshots (id, timestamp, devices, connections, zones, summary)
			VALUES ($1,$2,$3,$4,$5,$6)`,
			out.ID, out.Timestamp, devBlob, connBlob, zoneBlob, summary); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
		snap = out
		return nil
	})
	return snap, err
}

func readAllDevices(ctx context.Context, tx pgx.Tx) ([]models.Device, error) {
	rows, err := tx.Query(ctx, `SELECT `+deviceColumns+` FROM devices ORDER BY discovered_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	ifRows, err := tx.Query(ctx, `
		SELECT device_id, name, mac, COALESCE(ipv4,''), COALESCE(netmask,''),
			COALESCE(gateway,''), COALESCE(vlan,0), speed_mbps, COALESCE(duplex,''),
			COALESCE(admin_status,''), COALESCE(oper_status,'')
		FROM interfaces ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer ifRows.Close()
	byDevice := map[string][]models.NetworkInterface{}
	for ifRows.Next() {
		var (
			deviceID string
			ni       models.NetworkInterface
		)
		if err := ifRows.Scan(&deviceID, &ni.Name, &ni.MAC, &ni.IPv4, &ni.Netmask,
			&ni.Gateway, &ni.VLAN, &ni.SpeedMbps, &ni.Duplex,
			&ni.AdminStatus, &ni.OperStatus); err != nil {
			return nil, err
		}
		byDevice[deviceID] = append(byDevice[deviceID], ni)
	}
	if err := ifRows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Interfaces = byDevice[out[i].ID]
	}
	return out, nil
}

func readAllConnections(ctx context.Context, tx pgx.Tx) ([]models.Connection, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, source_device_id, target_device_id, type, protocol,
			COALESCE(port,0), COALESCE(vlan,0), bandwidth_mbps, latency_ms,
			is_secure, COALESCE(encryption,''), metadata, first_seen_at, last_seen_at
		FROM connections ORDER BY first_seen_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
