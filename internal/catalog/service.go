// Package catalog manages the model configuration catalogue: persistent CRUD
// over the store, API key encryption at rest, and an immutable in-memory
// snapshot that the proxy resolves requests against.
//
// Writes are serialised and every successful write rebuilds the snapshot, so
// admin changes become visible to new requests atomically. In-flight requests
// keep the snapshot they started with.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/nulpointcorp/llm-bridge/internal/secrets"
	"github.com/nulpointcorp/llm-bridge/internal/store"
)

// MaxConfigs caps the catalogue size.
const MaxConfigs = 20

var (
	// ErrLimitExceeded is returned when creating a configuration beyond MaxConfigs.
	ErrLimitExceeded = errors.New("catalog: configuration limit reached")

	// ErrNotFound is returned for unknown configuration ids.
	ErrNotFound = errors.New("catalog: configuration not found")

	// ErrDuplicateName is returned when a write reuses an existing public name.
	ErrDuplicateName = errors.New("catalog: model name already in use")
)

// ValidationError describes a rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("catalog: invalid %s: %s", e.Field, e.Reason)
}

// Input carries the writable fields of a configuration. APIKey semantics on
// update: empty keeps the stored key, anything else replaces it.
type Input struct {
	Name          string
	ServiceType   ServiceType
	BaseURL       string
	APIKey        string
	UpstreamID    string
	Enabled       bool
	ShowOnGeneral bool
	ShowOnSpecial bool
}

func (in *Input) normalize() {
	in.Name = strings.TrimSpace(in.Name)
	in.BaseURL = strings.TrimSpace(in.BaseURL)
	in.UpstreamID = strings.TrimSpace(in.UpstreamID)
}

func (in Input) validate() error {
	if in.Name == "" {
		return &ValidationError{Field: "model_name", Reason: "must not be empty"}
	}
	if !in.ServiceType.Valid() {
		return &ValidationError{Field: "service_type",
			Reason: fmt.Sprintf("unknown value %q", in.ServiceType)}
	}
	if in.ServiceType == ServiceOpenAICompatible && in.BaseURL == "" {
		return &ValidationError{Field: "api_base_url",
			Reason: "required for openai_compatible services"}
	}
	if in.Enabled && !in.ShowOnGeneral && !in.ShowOnSpecial {
		return &ValidationError{Field: "is_enabled",
			Reason: "enabled configurations must be visible on at least one endpoint"}
	}
	return nil
}

// ReloadFailure names a configuration the loader had to skip.
type ReloadFailure struct {
	ID     int64  `json:"id"`
	Reason string `json:"reason"`
}

// ReloadResult summarises one catalogue load.
type ReloadResult struct {
	Loaded int             `json:"loaded"`
	Failed []ReloadFailure `json:"failed"`
}

// Service owns the catalogue. Safe for concurrent use.
type Service struct {
	store  *store.Store
	cipher *secrets.Cipher
	log    *slog.Logger

	mu      sync.Mutex // serialises writes and reloads
	version atomic.Uint64
	snap    atomic.Pointer[Snapshot]
}

// New builds a Service. Call Load before serving traffic.
func New(st *store.Store, cipher *secrets.Cipher, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		store:  st,
		cipher: cipher,
		log:    log.With(slog.String("component", "catalog")),
	}
	s.snap.Store(newSnapshot(0, nil))
	return s
}

// Snapshot returns the current immutable catalogue view.
func (s *Service) Snapshot() *Snapshot {
	return s.snap.Load()
}

// Load re-reads the catalogue from the store and swaps in a fresh snapshot.
// Rows with an unknown service type are skipped and counted as failed; rows
// whose key cannot be decrypted load with an empty key so one lost key file
// does not take down the rest of the catalogue.
func (s *Service) Load(ctx context.Context) (ReloadResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reloadLocked(ctx)
}

func (s *Service) reloadLocked(ctx context.Context) (ReloadResult, error) {
	rows, err := s.store.ListConfigs(ctx)
	if err != nil {
		return ReloadResult{}, fmt.Errorf("catalog: load: %w", err)
	}

	res := ReloadResult{Failed: []ReloadFailure{}}
	models := make([]Model, 0, len(rows))
	for _, row := range rows {
		st := ServiceType(row.ServiceType)
		if !st.Valid() {
			s.log.Warn("skipping configuration with unknown service type",
				slog.Int64("id", row.ID),
				slog.String("model", row.ModelName),
				slog.String("service_type", row.ServiceType))
			res.Failed = append(res.Failed, ReloadFailure{
				ID:     row.ID,
				Reason: fmt.Sprintf("unknown service type %q", row.ServiceType),
			})
			continue
		}

		key, err := s.cipher.Decrypt(row.APIKey)
		if err != nil {
			s.log.Warn("api key decryption failed, treating as empty",
				slog.Int64("id", row.ID),
				slog.String("model", row.ModelName),
				slog.String("error", err.Error()))
			key = ""
		}

		models = append(models, Model{
			ID:            row.ID,
			Name:          row.ModelName,
			ServiceType:   st,
			BaseURL:       row.APIBaseURL,
			APIKey:        key,
			UpstreamID:    row.ModelID,
			Enabled:       row.Enabled,
			ShowOnGeneral: row.ShowOnGeneral,
			ShowOnSpecial: row.ShowOnSpecial,
			CreatedAt:     row.CreatedAt,
			UpdatedAt:     row.UpdatedAt,
		})
		res.Loaded++
	}

	snap := newSnapshot(s.version.Add(1), models)
	s.snap.Store(snap)
	s.log.Info("catalogue loaded",
		slog.Int("loaded", res.Loaded),
		slog.Int("failed", len(res.Failed)),
		slog.Uint64("version", snap.Version()))
	return res, nil
}

// Get returns one configuration with its key decrypted.
func (s *Service) Get(_ context.Context, id int64) (Model, error) {
	m, ok := s.Snapshot().Get(id)
	if !ok {
		return Model{}, ErrNotFound
	}
	return m, nil
}

// Create validates and persists a new configuration, then reloads the
// snapshot. The catalogue is capped at MaxConfigs rows.
func (s *Service) Create(ctx context.Context, in Input) (Model, error) {
	in.normalize()
	if err := in.validate(); err != nil {
		return Model{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.store.CountConfigs(ctx)
	if err != nil {
		return Model{}, fmt.Errorf("catalog: create: %w", err)
	}
	if n >= MaxConfigs {
		return Model{}, ErrLimitExceeded
	}

	encrypted, err := s.cipher.Encrypt(in.APIKey)
	if err != nil {
		return Model{}, fmt.Errorf("catalog: encrypt key: %w", err)
	}

	id, err := s.store.InsertConfig(ctx, store.LLMConfig{
		ModelName:     in.Name,
		ServiceType:   string(in.ServiceType),
		APIBaseURL:    in.BaseURL,
		APIKey:        encrypted,
		ModelID:       in.UpstreamID,
		Enabled:       in.Enabled,
		ShowOnGeneral: in.ShowOnGeneral,
		ShowOnSpecial: in.ShowOnSpecial,
	})
	if errors.Is(err, store.ErrDuplicateModelName) {
		return Model{}, ErrDuplicateName
	}
	if err != nil {
		return Model{}, fmt.Errorf("catalog: create: %w", err)
	}

	if _, err := s.reloadLocked(ctx); err != nil {
		return Model{}, err
	}
	m, ok := s.Snapshot().Get(id)
	if !ok {
		return Model{}, fmt.Errorf("catalog: created configuration %d missing after reload", id)
	}
	return m, nil
}

// Update rewrites the configuration with the given id, then reloads the
// snapshot. An empty APIKey keeps the stored ciphertext.
func (s *Service) Update(ctx context.Context, id int64, in Input) (Model, error) {
	in.normalize()
	if err := in.validate(); err != nil {
		return Model{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.store.GetConfig(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return Model{}, ErrNotFound
	}
	if err != nil {
		return Model{}, fmt.Errorf("catalog: update: %w", err)
	}

	encrypted := existing.APIKey
	if in.APIKey != "" {
		if encrypted, err = s.cipher.Encrypt(in.APIKey); err != nil {
			return Model{}, fmt.Errorf("catalog: encrypt key: %w", err)
		}
	}

	err = s.store.UpdateConfig(ctx, store.LLMConfig{
		ID:            id,
		ModelName:     in.Name,
		ServiceType:   string(in.ServiceType),
		APIBaseURL:    in.BaseURL,
		APIKey:        encrypted,
		ModelID:       in.UpstreamID,
		Enabled:       in.Enabled,
		ShowOnGeneral: in.ShowOnGeneral,
		ShowOnSpecial: in.ShowOnSpecial,
	})
	if errors.Is(err, store.ErrDuplicateModelName) {
		return Model{}, ErrDuplicateName
	}
	if errors.Is(err, store.ErrNotFound) {
		return Model{}, ErrNotFound
	}
	if err != nil {
		return Model{}, fmt.Errorf("catalog: update: %w", err)
	}

	if _, err := s.reloadLocked(ctx); err != nil {
		return Model{}, err
	}
	m, ok := s.Snapshot().Get(id)
	if !ok {
		return Model{}, fmt.Errorf("catalog: updated configuration %d missing after reload", id)
	}
	return m, nil
}

// Delete removes a configuration and reloads the snapshot.
func (s *Service) Delete(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.store.DeleteConfig(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("catalog: delete: %w", err)
	}

	_, err = s.reloadLocked(ctx)
	return err
}

// MaskedKey renders a configuration's key for display.
func MaskedKey(m Model) string {
	return secrets.Mask(m.APIKey)
}
