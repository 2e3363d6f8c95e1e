package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
)

// SchemaVersion is the schema this build requires. Migrate upgrades older
// databases to it; databases reporting a NEWER version are refused so an old
// binary never writes into a future schema.
const SchemaVersion = 2

// ErrMigration wraps any failure during schema migration. The process maps
// it to a dedicated exit code so operators can tell a bad schema from a bad
// configuration.
var ErrMigration = errors.New("store: migration failed")

// ErrSchemaTooNew is returned when the database was created by a newer build.
var ErrSchemaTooNew = errors.New("store: database schema is newer than this build")

type migration struct {
	version int
	name    string
	apply   func(*sql.Tx) error
}

// Migrations run in order inside individual transactions. A fresh database
// starts at version 0 and replays all of them, so the initial schema is just
// migration 1.
var migrations = []migration{
	{1, "initial schema", migrateInitialSchema},
	{2, "per-endpoint visibility flags", migrateEndpointVisibility},
}

// Migrate brings the database up to SchemaVersion. Each pending migration
// runs in its own transaction together with the version bump, so a failure
// leaves the database at the last fully applied version.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("%w: create version table: %v", ErrMigration, err)
	}

	current, err := s.Version(ctx)
	if err != nil {
		return fmt.Errorf("%w: read version: %v", ErrMigration, err)
	}
	if current > SchemaVersion {
		return fmt.Errorf("%w: %w: database at v%d, binary supports v%d",
			ErrMigration, ErrSchemaTooNew, current, SchemaVersion)
	}
	if current == SchemaVersion {
		return nil
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return err
		}
		s.log.Info("applied schema migration",
			slog.Int("version", m.version),
			slog.String("name", m.name))
	}
	return nil
}

func (s *Store) applyMigration(ctx context.Context, m migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin v%d: %v", ErrMigration, m.version, err)
	}
	defer tx.Rollback()

	if err := m.apply(tx); err != nil {
		return fmt.Errorf("%w: v%d (%s): %v", ErrMigration, m.version, m.name, err)
	}
	if err := setVersion(tx, m.version); err != nil {
		return fmt.Errorf("%w: record v%d: %v", ErrMigration, m.version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit v%d: %v", ErrMigration, m.version, err)
	}
	return nil
}

// Version returns the current schema version, 0 for a fresh database.
func (s *Store) Version(ctx context.Context) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx, `SELECT version FROM schema_version LIMIT 1`).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return v, nil
}

func setVersion(tx *sql.Tx, v int) error {
	res, err := tx.Exec(`UPDATE schema_version SET version = ?`, v)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		_, err = tx.Exec(`INSERT INTO schema_version (version) VALUES (?)`, v)
	}
	return err
}

func migrateInitialSchema(tx *sql.Tx) error {
	_, err := tx.Exec(`
	CREATE TABLE IF NOT EXISTS llm_configs (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		model_name    TEXT    NOT NULL,
		service_type  TEXT    NOT NULL DEFAULT 'openai_compatible',
		api_base_url  TEXT    NOT NULL DEFAULT '',
		api_key       TEXT    NOT NULL DEFAULT '',
		model_id      TEXT    NOT NULL DEFAULT '',
		enabled       INTEGER NOT NULL DEFAULT 1,
		created_at    TEXT    NOT NULL,
		updated_at    TEXT    NOT NULL
	);

	-- Public names only need to be unique among enabled rows; a disabled
	-- duplicate may sit alongside an enabled one.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_configs_enabled_name
		ON llm_configs(model_name) WHERE enabled = 1;

	CREATE TABLE IF NOT EXISTS usage_records (
		id                INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp         TEXT    NOT NULL,
		client_ip         TEXT    NOT NULL,
		model_name        TEXT    NOT NULL,
		config_id         INTEGER,
		endpoint          TEXT    NOT NULL,
		request_type      TEXT    NOT NULL,
		prompt_tokens     INTEGER NOT NULL DEFAULT 0 CHECK (prompt_tokens >= 0),
		completion_tokens INTEGER NOT NULL DEFAULT 0 CHECK (completion_tokens >= 0),
		total_tokens      INTEGER NOT NULL DEFAULT 0 CHECK (total_tokens >= 0),
		duration_ms       INTEGER NOT NULL DEFAULT 0,
		status            TEXT    NOT NULL
			CHECK (status IN ('success', 'client_error', 'upstream_error', 'timeout')),
		error_message     TEXT    NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_usage_timestamp ON usage_records(timestamp);
	CREATE INDEX IF NOT EXISTS idx_usage_client_ip ON usage_records(client_ip, timestamp);
	CREATE INDEX IF NOT EXISTS idx_usage_model     ON usage_records(model_name, timestamp);

	CREATE TABLE IF NOT EXISTS health_status (
		config_id        INTEGER PRIMARY KEY REFERENCES llm_configs(id) ON DELETE CASCADE,
		status           TEXT    NOT NULL DEFAULT 'unknown'
			CHECK (status IN ('ok', 'ng', 'unknown')),
		checked_at       TEXT    NOT NULL,
		response_time_ms INTEGER NOT NULL DEFAULT 0,
		model_count      INTEGER NOT NULL DEFAULT 0,
		error_message    TEXT    NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS auth_config (
		id             INTEGER PRIMARY KEY CHECK (id = 1),
		password_hash  TEXT NOT NULL,
		session_secret TEXT NOT NULL DEFAULT '',
		updated_at     TEXT NOT NULL
	);
	`)
	return err
}

// migrateEndpointVisibility adds per-endpoint visibility flags. Both default
// to visible so pre-existing models keep appearing everywhere after upgrade.
func migrateEndpointVisibility(tx *sql.Tx) error {
	stmts := []string{
		`ALTER TABLE llm_configs ADD COLUMN show_on_general_endpoint INTEGER NOT NULL DEFAULT 1`,
		`ALTER TABLE llm_configs ADD COLUMN show_on_special_endpoint INTEGER NOT NULL DEFAULT 1`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
