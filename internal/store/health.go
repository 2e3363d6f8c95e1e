package store

import (
	"context"
	"fmt"
	"time"
)

// Health status values.
const (
	HealthOK      = "ok"
	HealthNG      = "ng"
	HealthUnknown = "unknown"
)

// HealthStatus is the latest probe result for one configuration. ModelCount
// is how many models the upstream advertised during the probe, when the
// probe lists models at all.
type HealthStatus struct {
	ConfigID       int64
	Status         string
	CheckedAt      time.Time
	ResponseTimeMS int64
	ModelCount     int
	ErrorMessage   string
}

// UpsertHealthStatus records the latest probe result for a configuration.
func (s *Store) UpsertHealthStatus(ctx context.Context, h HealthStatus) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO health_status
			(config_id, status, checked_at, response_time_ms, model_count, error_message)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (config_id) DO UPDATE SET
			status = excluded.status,
			checked_at = excluded.checked_at,
			response_time_ms = excluded.response_time_ms,
			model_count = excluded.model_count,
			error_message = excluded.error_message`,
		h.ConfigID, h.Status, formatTime(h.CheckedAt),
		h.ResponseTimeMS, h.ModelCount, h.ErrorMessage)
	if err != nil {
		return fmt.Errorf("store: upsert health status: %w", err)
	}
	return nil
}

// ListHealthStatus returns the latest probe result per configuration.
func (s *Store) ListHealthStatus(ctx context.Context) ([]HealthStatus, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT config_id, status, checked_at, response_time_ms, model_count, error_message
		FROM health_status
		ORDER BY config_id`)
	if err != nil {
		return nil, fmt.Errorf("store: list health status: %w", err)
	}
	defer rows.Close()

	var statuses []HealthStatus
	for rows.Next() {
		var h HealthStatus
		var checkedAt string
		if err := rows.Scan(&h.ConfigID, &h.Status, &checkedAt,
			&h.ResponseTimeMS, &h.ModelCount, &h.ErrorMessage); err != nil {
			return nil, fmt.Errorf("store: scan health status: %w", err)
		}
		if h.CheckedAt, err = parseTime(checkedAt); err != nil {
			return nil, err
		}
		statuses = append(statuses, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list health status: %w", err)
	}
	return statuses, nil
}
