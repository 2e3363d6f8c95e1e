package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrDuplicateModelName is returned when an insert or update would give two
// enabled rows the same public model name. Disabled duplicates are allowed.
var ErrDuplicateModelName = errors.New("store: model name already exists")

// LLMConfig is one row of the configuration catalogue. APIKey holds the
// encrypted ciphertext; the store never sees plaintext keys.
type LLMConfig struct {
	ID            int64
	ModelName     string
	ServiceType   string
	APIBaseURL    string
	APIKey        string
	ModelID       string
	Enabled       bool
	ShowOnGeneral bool
	ShowOnSpecial bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

const configColumns = `id, model_name, service_type, api_base_url, api_key, model_id,
	enabled, show_on_general_endpoint, show_on_special_endpoint, created_at, updated_at`

func scanConfig(row interface{ Scan(...any) error }) (LLMConfig, error) {
	var (
		c                     LLMConfig
		enabled, gen, special int
		createdAt, updatedAt  string
	)
	if err := row.Scan(&c.ID, &c.ModelName, &c.ServiceType, &c.APIBaseURL, &c.APIKey,
		&c.ModelID, &enabled, &gen, &special, &createdAt, &updatedAt); err != nil {
		return LLMConfig{}, err
	}
	c.Enabled = enabled != 0
	c.ShowOnGeneral = gen != 0
	c.ShowOnSpecial = special != 0

	var err error
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return LLMConfig{}, err
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return LLMConfig{}, err
	}
	return c, nil
}

// ListConfigs returns every catalogue row ordered by id.
func (s *Store) ListConfigs(ctx context.Context) ([]LLMConfig, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+configColumns+` FROM llm_configs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: list configs: %w", err)
	}
	defer rows.Close()

	var configs []LLMConfig
	for rows.Next() {
		c, err := scanConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan config: %w", err)
		}
		configs = append(configs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list configs: %w", err)
	}
	return configs, nil
}

// GetConfig returns the row with the given id, or ErrNotFound.
func (s *Store) GetConfig(ctx context.Context, id int64) (LLMConfig, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+configColumns+` FROM llm_configs WHERE id = ?`, id)
	c, err := scanConfig(row)
	if errors.Is(err, sql.ErrNoRows) {
		return LLMConfig{}, ErrNotFound
	}
	if err != nil {
		return LLMConfig{}, fmt.Errorf("store: get config %d: %w", id, err)
	}
	return c, nil
}

// InsertConfig adds a new row and returns its id. Created/updated timestamps
// are set here.
func (s *Store) InsertConfig(ctx context.Context, c LLMConfig) (int64, error) {
	now := formatTime(time.Now())
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO llm_configs
			(model_name, service_type, api_base_url, api_key, model_id,
			 enabled, show_on_general_endpoint, show_on_special_endpoint,
			 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ModelName, c.ServiceType, c.APIBaseURL, c.APIKey, c.ModelID,
		boolInt(c.Enabled), boolInt(c.ShowOnGeneral), boolInt(c.ShowOnSpecial),
		now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrDuplicateModelName
		}
		return 0, fmt.Errorf("store: insert config: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: insert config id: %w", err)
	}
	return id, nil
}

// UpdateConfig rewrites the row identified by c.ID. Returns ErrNotFound when
// the row does not exist.
func (s *Store) UpdateConfig(ctx context.Context, c LLMConfig) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE llm_configs SET
			model_name = ?, service_type = ?, api_base_url = ?, api_key = ?,
			model_id = ?, enabled = ?, show_on_general_endpoint = ?,
			show_on_special_endpoint = ?, updated_at = ?
		WHERE id = ?`,
		c.ModelName, c.ServiceType, c.APIBaseURL, c.APIKey, c.ModelID,
		boolInt(c.Enabled), boolInt(c.ShowOnGeneral), boolInt(c.ShowOnSpecial),
		formatTime(time.Now()), c.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateModelName
		}
		return fmt.Errorf("store: update config %d: %w", c.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: update config %d: %w", c.ID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteConfig removes the row and, through the FK cascade, its health row.
func (s *Store) DeleteConfig(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM llm_configs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete config %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: delete config %d: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountConfigs returns the number of catalogue rows.
func (s *Store) CountConfigs(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM llm_configs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count configs: %w", err)
	}
	return n, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueViolation detects a UNIQUE constraint failure without depending on
// driver-specific error types.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
