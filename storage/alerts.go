package storage

import (
	"context"
	"encoding/json"
	"time"

	"otwatch/models"
)

// CreateAlert appends one alert. Alerts are append-only from the
// pipeline; acknowledgement and resolution come from user actions.
func (s *Store) CreateAlert(ctx context.Context, a *models.Alert) error {
	return s.run(ctx, "alert.create", func(ctx context.Context) error {
		details, err := json.Marshal(a.Details)
		if err != nil {
			return err
		}
		_, err = s.pool.Exec(ctx, `
			INSERT INTO alerts (id, type, severity, title, description, device_id,
				connection_id, details, remediation, acknowledged, resolved, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,false,false,$10)`,
			a.ID, string(a.Type), string(a.Severity), a.Title, a.Description,
			nullable(a.DeviceID), nullable(a.ConnectionID), details, a.Remediation, a.CreatedAt)
		return err
	})
}

// AcknowledgeAlert records who acknowledged and when.
func (s *Store) AcknowledgeAlert(ctx context.Context, id, by string) error {
	return s.run(ctx, "alert.acknowledge", func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			UPDATE alerts SET acknowledged = true, acknowledged_by = $2, acknowledged_at = $3
			WHERE id = $1 AND NOT acknowledged`, id, by, time.Now().UTC())
		return err
	})
}

// ResolveAlert records who resolved and when.
func (s *Store) ResolveAlert(ctx context.Context, id, by string) error {
	return s.run(ctx, "alert.resolve", func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			UPDATE alerts SET resolved = true, resolved_by = $2, resolved_at = $3
			WHERE id = $1 AND NOT resolved`, id, by, time.Now().UTC())
		return err
	})
}

// FindUnresolvedAlerts lists open alerts newest first.
func (s *Store) FindUnresolvedAlerts(ctx context.Context, limit int) ([]models.Alert, error) {
	if limit <= 0 {
		limit = 200
	}
	var out []models.Alert
	err := s.run(ctx, "alert.find_unresolved", func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, `
			SELECT id, type, severity, title, description,
				COALESCE(device_id,''), COALESCE(connection_id,''), details,
				COALESCE(remediation,''), acknowledged, COALESCE(acknowledged_by,''),
				acknowledged_at, resolved, created_at
			FROM alerts WHERE NOT resolved
			ORDER BY created_at DESC LIMIT $1`, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			var (
				a       models.Alert
				typ     string
				sev     string
				details []byte
			)
			if err := rows.Scan(&a.ID, &typ, &sev, &a.Title, &a.Description,
				&a.DeviceID, &a.ConnectionID, &details, &a.Remediation,
				&a.Acknowledged, &a.AcknowledgedBy, &a.AcknowledgedAt,
				&a.Resolved, &a.CreatedAt); err != nil {
				return err
			}
			a.Type = models.AlertType(typ)
			a.Severity = models.AlertSeverity(sev)
			if len(details) > 0 {
				_ = json.Unmarshal(details, &a.Details)
			}
			out = append(out, a)
		}
		return rows.Err()
	})
	return out, err
}

// RecordAudit appends one audit-log row (merge events, operator
// actions).
func (s *Store) RecordAudit(ctx context.Context, action string, details map[string]string) error {
	return s.run(ctx, "audit.record", func(ctx context.Context) error {
		blob, err := json.Marshal(details)
		if err != nil {
			return err
		}
		_, err = s.pool.Exec(ctx, `
			INSERT INTO audit_logs (action, details, created_at)
			VALUES ($1, $2, $3)`, action, blob, time.Now().UTC())
		return err
	})
}
