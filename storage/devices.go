package storage

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"otwatch/models"
)

const deviceColumns = `id, name, hostname, type, vendor, model, firmware, serial,
	purdue_level, security_zone, status, location, metadata, discovered_at, last_seen_at`

// UpsertDevice writes the device and replaces its interface rows in
// one transaction. Safe under concurrent writers: the id conflict
// target makes the upsert race-free.
func (s *Store) UpsertDevice(ctx context.Context, d *models.Device) error {
	return s.run(ctx, "device.upsert", func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			meta, err := json.Marshal(d.Metadata)
			if err != nil {
				return err
			}
			_, err = tx.Exec(ctx, `
				INSERT INTO devices (`+deviceColumns+`)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
				ON CONFLICT (id) DO UPDATE SET
					name = EXCLUDED.name,
					hostname = EXCLUDED.hostname,
					type = EXCLUDED.type,
					vendor = EXCLUDED.vendor,
					model = EXCLUDED.model,
					firmware = EXCLUDED.firmware,
					serial = EXCLUDED.serial,
					purdue_level = EXCLUDED.purdue_level,
					security_zone = EXCLUDED.security_zone,
					status = EXCLUDED.status,
					location = EXCLUDED.location,
					metadata = EXCLUDED.metadata,
					last_seen_at = GREATEST(devices.last_seen_at, EXCLUDED.last_seen_at)`,
				d.ID, d.Name, d.Hostname, string(d.Type), d.Vendor, d.Model, d.Firmware, d.Serial,
				string(d.PurdueLevel), string(d.Zone), string(d.Status), d.Location, meta,
				d.DiscoveredAt, d.LastSeenAt)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `DELETE FROM interfaces WHERE device_id = $1`, d.ID); err != nil {
				return err
			}
			for _, ni := range d.Interfaces {
				_, err := tx.Exec(ctx, `
					INSERT INTO interfaces (device_id, name, mac, ipv4, netmask, gateway, vlan,
						speed_mbps, duplex, admin_status, oper_status)
					VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
					d.ID, ni.Name, ni.MAC, nullable(ni.IPv4), nullable(ni.Netmask), nullable(ni.Gateway),
					zeroNull(ni.VLAN), ni.SpeedMbps, nullable(ni.Duplex),
					nullable(ni.AdminStatus), nullable(ni.OperStatus))
				if err != nil {
					return err
				}
			}
			return nil
		})
	})
}

// FindDeviceByID loads one device with its interfaces.
func (s *Store) FindDeviceByID(ctx context.Context, id string) (*models.Device, error) {
	var d *models.Device
	err := s.run(ctx, "device.find_by_id", func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = $1`, id)
		dev, err := scanDevice(row)
		if err != nil {
			return err
		}
		if err := s.loadInterfaces(ctx, dev); err != nil {
			return err
		}
		d = dev
		return nil
	})
	return d, err
}

// FindDeviceByIP resolves a device through its interface addresses.
func (s *Store) FindDeviceByIP(ctx context.Context, ip string) (*models.Device, error) {
	return s.findDeviceVia(ctx, "device.find_by_ip",
		`SELECT `+qualified(deviceColumns)+` FROM devices d
		 JOIN interfaces i ON i.device_id = d.id WHERE i.ipv4 = $1 LIMIT 1`, ip)
}

// FindDeviceByMAC resolves a device through a canonical MAC.
func (s *Store) FindDeviceByMAC(ctx context.Context, mac string) (*models.Device, error) {
	canon, err := models.CanonicalMAC(mac)
	if err != nil {
		return nil, err
	}
	return s.findDeviceVia(ctx, "device.find_by_mac",
		`SELECT `+qualified(deviceColumns)+` FROM devices d
		 JOIN interfaces i ON i.device_id = d.id WHERE i.mac = $1 LIMIT 1`, canon)
}

// SearchDevices filters on free text over name, hostname, and vendor.
func (s *Store) SearchDevices(ctx context.Context, query string, limit int) ([]models.Device, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []models.Device
	err := s.run(ctx, "device.search", func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, `
			SELECT `+deviceColumns+` FROM devices
			WHERE name ILIKE '%' || $1 || '%'
			   OR hostname ILIKE '%' || $1 || '%'
			   OR vendor ILIKE '%' || $1 || '%'
			ORDER BY last_seen_at DESC
			LIMIT $2`, query, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			d, err := scanDevice(rows)
			if err != nil {
				return err
			}
			out = append(out, *d)
		}
		return rows.Err()
	})
	return out, err
}

// UpdateLastSeen advances last_seen_at without touching identity.
func (s *Store) UpdateLastSeen(ctx context.Context, id string, lastSeen time.Time, status models.DeviceStatus) error {
	return s.run(ctx, "device.update_last_seen", func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			UPDATE devices SET last_seen_at = GREATEST(last_seen_at, $2), status = $3
			WHERE id = $1`, id, lastSeen, string(status))
		return err
	})
}

// DeleteDevice removes one device and returns the true removed-row
// count: the statement executes exactly once.
func (s *Store) DeleteDevice(ctx context.Context, id string) (int64, error) {
	var n int64
	err := s.run(ctx, "device.delete", func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, `DELETE FROM devices WHERE id = $1`, id)
		if err != nil {
			return err
		}
		n = tag.RowsAffected()
		return nil
	})
	return n, err
}

// SaveAssessment stores the risk outcome on the device row.
func (s *Store) SaveAssessment(ctx context.Context, a *models.RiskAssessment) error {
	return s.run(ctx, "device.save_assessment", func(ctx context.Context) error {
		factors, err := json.Marshal(a.Factors)
		if err != nil {
			return err
		}
		recs, err := json.Marshal(a.Recommendations)
		if err != nil {
			return err
		}
		_, err = s.pool.Exec(ctx, `
			UPDATE devices SET risk_score = $2, risk_factors = $3,
				risk_recommendations = $4, risk_assessed_at = $5
			WHERE id = $1`,
			a.DeviceID, a.OverallScore, factors, recs, a.LastAssessedAt)
		return err
	})
}

func (s *Store) findDeviceVia(ctx context.Context, op, query string, arg any) (*models.Device, error) {
	var d *models.Device
	err := s.run(ctx, op, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, query, arg)
		dev, err := scanDevice(row)
		if err != nil {
			return err
		}
		if err := s.loadInterfaces(ctx, dev); err != nil {
			return err
		}
		d = dev
		return nil
	})
	return d, err
}

func (s *Store) loadInterfaces(ctx context.Context, d *models.Device) error {
	rows, err := s.pool.Query(ctx, `
		SELECT name, mac, COALESCE(ipv4,''), COALESCE(netmask,''), COALESCE(gateway,''),
			COALESCE(vlan,0), speed_mbps, COALESCE(duplex,''),
			COALESCE(admin_status,''), COALESCE(oper_status,'')
		FROM interfaces WHERE device_id = $1 ORDER BY id`, d.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	d.Interfaces = nil
	for rows.Next() {
		var ni models.NetworkInterface
		if err := rows.Scan(&ni.Name, &ni.MAC, &ni.IPv4, &ni.Netmask, &ni.Gateway,
			&ni.VLAN, &ni.SpeedMbps, &ni.Duplex, &ni.AdminStatus, &ni.OperStatus); err != nil {
			return err
		}
		d.Interfaces = append(d.Interfaces, ni)
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*models.Device, error) {
	var (
		d    models.Device
		meta []byte
		typ  string
		lvl  string
		zone string
		stat string
	)
	if err := row.Scan(&d.ID, &d.Name, &d.Hostname, &typ, &d.Vendor, &d.Model, &d.Firmware,
		&d.Serial, &lvl, &zone, &stat, &d.Location, &meta, &d.DiscoveredAt, &d.LastSeenAt); err != nil {
		return nil, err
	}
	d.Type = models.DeviceType(typ)
	d.PurdueLevel = models.PurdueLevel(lvl)
	d.Zone = models.SecurityZone(zone)
	d.Status = models.DeviceStatus(stat)
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &d.Metadata)
	}
	return &d, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func zeroNull(n int) any {
	if n == 0 {
		return nil
	}
	return n
}

// qualified prefixes each column with the devices alias for joined
// queries.
func qualified(cols string) string {
	parts := strings.Split(cols, ",")
	for i, c := range parts {
		parts[i] = "d." + strings.TrimSpace(c)
	}
	return strings.Join(parts, ", ")
}
