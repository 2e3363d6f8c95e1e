package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Usage record status values. A record is written for every request,
// including ones that failed before resolving a configuration.
const (
	UsageSuccess       = "success"
	UsageClientError   = "client_error"
	UsageUpstreamError = "upstream_error"
	UsageTimeout       = "timeout"
)

// UsageRecord is one proxied request, successful or not. ConfigID is nil when
// the request failed before the public name resolved to a configuration.
// ErrorMessage is empty on success.
type UsageRecord struct {
	ID               int64
	Timestamp        time.Time
	ClientIP         string
	ModelName        string
	ConfigID         *int64
	Endpoint         string
	RequestType      string
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
	DurationMS       int64
	Status           string
	ErrorMessage     string
}

// InsertUsageBatch writes all records in a single transaction. An empty batch
// is a no-op.
func (s *Store) InsertUsageBatch(ctx context.Context, records []UsageRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin usage batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO usage_records
			(timestamp, client_ip, model_name, config_id, endpoint, request_type,
			 prompt_tokens, completion_tokens, total_tokens, duration_ms, status,
			 error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("store: prepare usage insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		var configID any
		if r.ConfigID != nil {
			configID = *r.ConfigID
		}
		if _, err := stmt.ExecContext(ctx,
			formatTime(r.Timestamp), r.ClientIP, r.ModelName, configID,
			r.Endpoint, r.RequestType,
			r.PromptTokens, r.CompletionTokens, r.TotalTokens, r.DurationMS,
			r.Status, r.ErrorMessage,
		); err != nil {
			return fmt.Errorf("store: insert usage record: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit usage batch: %w", err)
	}
	return nil
}

// UsageTotals aggregates the window [since, until).
type UsageTotals struct {
	Requests         int64
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
	AvgDurationMS    float64
	ByStatus         map[string]int64
}

// Totals returns aggregate counters for the window [since, until).
func (s *Store) Totals(ctx context.Context, since, until time.Time) (UsageTotals, error) {
	t := UsageTotals{ByStatus: make(map[string]int64)}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(prompt_tokens), 0),
		       COALESCE(SUM(completion_tokens), 0),
		       COALESCE(SUM(total_tokens), 0),
		       COALESCE(AVG(duration_ms), 0)
		FROM usage_records
		WHERE timestamp >= ? AND timestamp < ?`,
		formatTime(since), formatTime(until),
	).Scan(&t.Requests, &t.PromptTokens, &t.CompletionTokens, &t.TotalTokens, &t.AvgDurationMS)
	if err != nil {
		return UsageTotals{}, fmt.Errorf("store: usage totals: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*)
		FROM usage_records
		WHERE timestamp >= ? AND timestamp < ?
		GROUP BY status`,
		formatTime(since), formatTime(until))
	if err != nil {
		return UsageTotals{}, fmt.Errorf("store: usage status counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return UsageTotals{}, fmt.Errorf("store: scan status count: %w", err)
		}
		t.ByStatus[status] = n
	}
	if err := rows.Err(); err != nil {
		return UsageTotals{}, fmt.Errorf("store: usage status counts: %w", err)
	}
	return t, nil
}

// ClientStat is one row of the client leaderboard.
type ClientStat struct {
	ClientIP    string
	Requests    int64
	TotalTokens int64
}

// TopClients returns up to limit clients in the window [since, until),
// heaviest token consumers first. Ties break on request count, then on the
// IP string so the ordering is deterministic.
func (s *Store) TopClients(ctx context.Context, since, until time.Time, limit int) ([]ClientStat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT client_ip, COUNT(*) AS requests, COALESCE(SUM(total_tokens), 0) AS tokens
		FROM usage_records
		WHERE timestamp >= ? AND timestamp < ?
		GROUP BY client_ip
		ORDER BY tokens DESC, requests DESC, client_ip ASC
		LIMIT ?`,
		formatTime(since), formatTime(until), limit)
	if err != nil {
		return nil, fmt.Errorf("store: top clients: %w", err)
	}
	defer rows.Close()

	var stats []ClientStat
	for rows.Next() {
		var c ClientStat
		if err := rows.Scan(&c.ClientIP, &c.Requests, &c.TotalTokens); err != nil {
			return nil, fmt.Errorf("store: scan client stat: %w", err)
		}
		stats = append(stats, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: top clients: %w", err)
	}
	return stats, nil
}

// ModelStat is one row of the model leaderboard.
type ModelStat struct {
	ModelName   string
	Requests    int64
	TotalTokens int64
}

// TopModels mirrors TopClients keyed by public model name.
func (s *Store) TopModels(ctx context.Context, since, until time.Time, limit int) ([]ModelStat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT model_name, COUNT(*) AS requests, COALESCE(SUM(total_tokens), 0) AS tokens
		FROM usage_records
		WHERE timestamp >= ? AND timestamp < ?
		GROUP BY model_name
		ORDER BY tokens DESC, requests DESC, model_name ASC
		LIMIT ?`,
		formatTime(since), formatTime(until), limit)
	if err != nil {
		return nil, fmt.Errorf("store: top models: %w", err)
	}
	defer rows.Close()

	var stats []ModelStat
	for rows.Next() {
		var m ModelStat
		if err := rows.Scan(&m.ModelName, &m.Requests, &m.TotalTokens); err != nil {
			return nil, fmt.Errorf("store: scan model stat: %w", err)
		}
		stats = append(stats, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: top models: %w", err)
	}
	return stats, nil
}

// Granularity selects the time-series bucket width.
type Granularity string

const (
	GranularityMinute Granularity = "minute"
	GranularityHour   Granularity = "hour"
	GranularityDay    Granularity = "day"
)

// TimeBucket is one point of the usage time series. Start is the UTC-aligned
// bucket boundary.
type TimeBucket struct {
	Start         time.Time
	Requests      int64
	TotalTokens   int64
	AvgDurationMS float64
}

// TimeSeries buckets requests in [since, until) by minute, hour, or day,
// aligned to UTC boundaries. Buckets with no traffic are present with zero counts, so
// the series always covers the full window.
func (s *Store) TimeSeries(ctx context.Context, since, until time.Time, g Granularity) ([]TimeBucket, error) {
	var format string
	var step func(time.Time) time.Time
	var truncate func(time.Time) time.Time

	switch g {
	case GranularityMinute:
		format = "%Y-%m-%d %H:%M:00"
		step = func(t time.Time) time.Time { return t.Add(time.Minute) }
		truncate = func(t time.Time) time.Time { return t.UTC().Truncate(time.Minute) }
	case GranularityHour:
		format = "%Y-%m-%d %H:00:00"
		step = func(t time.Time) time.Time { return t.Add(time.Hour) }
		truncate = func(t time.Time) time.Time { return t.UTC().Truncate(time.Hour) }
	case GranularityDay:
		format = "%Y-%m-%d 00:00:00"
		step = func(t time.Time) time.Time { return t.AddDate(0, 0, 1) }
		truncate = func(t time.Time) time.Time {
			u := t.UTC()
			return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
		}
	default:
		return nil, fmt.Errorf("store: invalid granularity %q", g)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT strftime(?, timestamp) AS bucket,
		       COUNT(*),
		       COALESCE(SUM(total_tokens), 0),
		       COALESCE(AVG(duration_ms), 0)
		FROM usage_records
		WHERE timestamp >= ? AND timestamp < ?
		GROUP BY bucket`,
		format, formatTime(since), formatTime(until))
	if err != nil {
		return nil, fmt.Errorf("store: time series: %w", err)
	}
	defer rows.Close()

	filled := make(map[time.Time]TimeBucket)
	for rows.Next() {
		var bucket string
		var b TimeBucket
		if err := rows.Scan(&bucket, &b.Requests, &b.TotalTokens, &b.AvgDurationMS); err != nil {
			return nil, fmt.Errorf("store: scan time bucket: %w", err)
		}
		if b.Start, err = parseTime(bucket); err != nil {
			return nil, err
		}
		filled[b.Start] = b
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: time series: %w", err)
	}

	var series []TimeBucket
	for t := truncate(since); t.Before(until); t = step(t) {
		if b, ok := filled[t]; ok {
			series = append(series, b)
			continue
		}
		series = append(series, TimeBucket{Start: t})
	}
	return series, nil
}

// RecentUsage returns the newest records first, up to limit.
func (s *Store) RecentUsage(ctx context.Context, limit int) ([]UsageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, client_ip, model_name, config_id, endpoint, request_type,
		       prompt_tokens, completion_tokens, total_tokens, duration_ms, status,
		       error_message
		FROM usage_records
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent usage: %w", err)
	}
	defer rows.Close()

	var records []UsageRecord
	for rows.Next() {
		var r UsageRecord
		var ts string
		var configID sql.NullInt64
		if err := rows.Scan(&r.ID, &ts, &r.ClientIP, &r.ModelName, &configID,
			&r.Endpoint, &r.RequestType, &r.PromptTokens, &r.CompletionTokens,
			&r.TotalTokens, &r.DurationMS, &r.Status, &r.ErrorMessage); err != nil {
			return nil, fmt.Errorf("store: scan usage record: %w", err)
		}
		if configID.Valid {
			r.ConfigID = &configID.Int64
		}
		if r.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: recent usage: %w", err)
	}
	return records, nil
}

// PruneUsage deletes records older than the cutoff and reports how many went.
func (s *Store) PruneUsage(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM usage_records WHERE timestamp < ?`, formatTime(olderThan))
	if err != nil {
		return 0, fmt.Errorf("store: prune usage: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: prune usage: %w", err)
	}
	return n, nil
}
