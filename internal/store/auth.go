package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PasswordHash returns the stored admin password hash, or ErrNotFound when
// no password has been set yet.
func (s *Store) PasswordHash(ctx context.Context) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx,
		`SELECT password_hash FROM auth_config WHERE id = 1`).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: read password hash: %w", err)
	}
	return hash, nil
}

// SessionSecret returns the stored session-signing secret, or ErrNotFound
// when auth has not been seeded yet.
func (s *Store) SessionSecret(ctx context.Context) (string, error) {
	var secret string
	err := s.db.QueryRowContext(ctx,
		`SELECT session_secret FROM auth_config WHERE id = 1`).Scan(&secret)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: read session secret: %w", err)
	}
	return secret, nil
}

// SeedPasswordHash stores the hash and session secret only when no password
// exists yet. Returns true when the seed was applied, false when a password
// was already set.
func (s *Store) SeedPasswordHash(ctx context.Context, hash, sessionSecret string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_config (id, password_hash, session_secret, updated_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		hash, sessionSecret, formatTime(time.Now()))
	if err != nil {
		return false, fmt.Errorf("store: seed password hash: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: seed password hash: %w", err)
	}
	return n > 0, nil
}

// SetPasswordHash overwrites the admin password hash.
func (s *Store) SetPasswordHash(ctx context.Context, hash string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_config (id, password_hash, updated_at)
		VALUES (1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			password_hash = excluded.password_hash,
			updated_at = excluded.updated_at`,
		hash, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("store: set password hash: %w", err)
	}
	return nil
}
