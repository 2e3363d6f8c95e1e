package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nulpointcorp/llm-bridge/internal/catalog"
	"github.com/nulpointcorp/llm-bridge/internal/store"
	"github.com/valyala/fasthttp"
)

const timeFormat = "2006-01-02 15:04:05"

// configJSON is the wire view of one configuration. api_key is masked unless
// the request carries ?reveal=true.
type configJSON struct {
	ID            int64  `json:"id"`
	ModelName     string `json:"model_name"`
	ServiceType   string `json:"service_type"`
	APIBaseURL    string `json:"api_base_url"`
	APIKey        string `json:"api_key"`
	ModelID       string `json:"model_id"`
	Enabled       bool   `json:"is_enabled"`
	ShowOnGeneral bool   `json:"show_on_general_endpoint"`
	ShowOnSpecial bool   `json:"show_on_special_endpoint"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}

func renderConfig(m catalog.Model, reveal bool) configJSON {
	key := catalog.MaskedKey(m)
	if reveal {
		key = m.APIKey
	}
	return configJSON{
		ID:            m.ID,
		ModelName:     m.Name,
		ServiceType:   string(m.ServiceType),
		APIBaseURL:    m.BaseURL,
		APIKey:        key,
		ModelID:       m.UpstreamID,
		Enabled:       m.Enabled,
		ShowOnGeneral: m.ShowOnGeneral,
		ShowOnSpecial: m.ShowOnSpecial,
		CreatedAt:     m.CreatedAt.UTC().Format(timeFormat),
		UpdatedAt:     m.UpdatedAt.UTC().Format(timeFormat),
	}
}

// configInput is the writable wire shape. Boolean pointers distinguish
// "absent" from "false": absent flags default to enabled/visible.
type configInput struct {
	ModelName     string `json:"model_name"`
	ServiceType   string `json:"service_type"`
	APIBaseURL    string `json:"api_base_url"`
	APIKey        string `json:"api_key"`
	ModelID       string `json:"model_id"`
	Enabled       *bool  `json:"is_enabled"`
	ShowOnGeneral *bool  `json:"show_on_general_endpoint"`
	ShowOnSpecial *bool  `json:"show_on_special_endpoint"`
}

func (in configInput) toCatalogInput() catalog.Input {
	boolOr := func(p *bool, def bool) bool {
		if p == nil {
			return def
		}
		return *p
	}
	return catalog.Input{
		Name:          in.ModelName,
		ServiceType:   catalog.ServiceType(in.ServiceType),
		BaseURL:       in.APIBaseURL,
		APIKey:        in.APIKey,
		UpstreamID:    in.ModelID,
		Enabled:       boolOr(in.Enabled, true),
		ShowOnGeneral: boolOr(in.ShowOnGeneral, true),
		ShowOnSpecial: boolOr(in.ShowOnSpecial, true),
	}
}

func revealRequested(ctx *fasthttp.RequestCtx) bool {
	return string(ctx.QueryArgs().Peek("reveal")) == "true"
}

func pathID(ctx *fasthttp.RequestCtx) (int64, bool) {
	raw, _ := ctx.UserValue("id").(string)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 1 {
		return 0, false
	}
	return id, true
}

func (s *Server) handleListConfigs(ctx *fasthttp.RequestCtx) {
	reveal := revealRequested(ctx)
	models := s.catalog.Snapshot().Models()

	out := make([]configJSON, 0, len(models))
	for _, m := range models {
		out = append(out, renderConfig(m, reveal))
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"configs": out})
}

func (s *Server) handleGetConfig(ctx *fasthttp.RequestCtx) {
	id, ok := pathID(ctx)
	if !ok {
		writeError(ctx, fasthttp.StatusBadRequest, "invalid configuration id")
		return
	}
	m, err := s.catalog.Get(ctx, id)
	if err != nil {
		writeCatalogError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, renderConfig(m, revealRequested(ctx)))
}

func (s *Server) handleCreateConfig(ctx *fasthttp.RequestCtx) {
	var in configInput
	if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err))
		return
	}

	m, err := s.catalog.Create(ctx, in.toCatalogInput())
	if err != nil {
		writeCatalogError(ctx, err)
		return
	}
	s.log.Info("configuration created",
		slog.Int64("id", m.ID), slog.String("model", m.Name))
	writeJSON(ctx, fasthttp.StatusCreated, renderConfig(m, false))
}

func (s *Server) handleUpdateConfig(ctx *fasthttp.RequestCtx) {
	id, ok := pathID(ctx)
	if !ok {
		writeError(ctx, fasthttp.StatusBadRequest, "invalid configuration id")
		return
	}
	var in configInput
	if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err))
		return
	}

	m, err := s.catalog.Update(ctx, id, in.toCatalogInput())
	if err != nil {
		writeCatalogError(ctx, err)
		return
	}
	s.log.Info("configuration updated",
		slog.Int64("id", m.ID), slog.String("model", m.Name))
	writeJSON(ctx, fasthttp.StatusOK, renderConfig(m, false))
}

func (s *Server) handleDeleteConfig(ctx *fasthttp.RequestCtx) {
	id, ok := pathID(ctx)
	if !ok {
		writeError(ctx, fasthttp.StatusBadRequest, "invalid configuration id")
		return
	}
	if err := s.catalog.Delete(ctx, id); err != nil {
		writeCatalogError(ctx, err)
		return
	}
	s.models.Invalidate(id)
	s.log.Info("configuration deleted", slog.Int64("id", id))
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

func writeCatalogError(ctx *fasthttp.RequestCtx, err error) {
	var verr *catalog.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(ctx, fasthttp.StatusBadRequest, verr.Error())
	case errors.Is(err, catalog.ErrNotFound):
		writeError(ctx, fasthttp.StatusNotFound, "configuration not found")
	case errors.Is(err, catalog.ErrDuplicateName):
		writeError(ctx, fasthttp.StatusConflict, "model name already in use")
	case errors.Is(err, catalog.ErrLimitExceeded):
		writeError(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("configuration limit reached (%d)", catalog.MaxConfigs))
	default:
		writeError(ctx, fasthttp.StatusInternalServerError, "internal error")
	}
}

// ── Upstream probes and model discovery ───────────────────────────────────────

// handleTestConfig probes the configuration's upstream and persists the
// result to health_status.
func (s *Server) handleTestConfig(ctx *fasthttp.RequestCtx) {
	id, ok := pathID(ctx)
	if !ok {
		writeError(ctx, fasthttp.StatusBadRequest, "invalid configuration id")
		return
	}
	m, err := s.catalog.Get(ctx, id)
	if err != nil {
		writeCatalogError(ctx, err)
		return
	}

	h := s.probe(ctx, m)
	if err := s.store.UpsertHealthStatus(ctx, h); err != nil {
		s.log.Error("health status upsert failed",
			slog.Int64("config_id", id), slog.String("error", err.Error()))
	}
	if s.metrics != nil {
		s.metrics.SetUpstreamHealth(m.Name, h.Status == store.HealthOK)
	}

	writeJSON(ctx, fasthttp.StatusOK, map[string]any{
		"config_id":        h.ConfigID,
		"status":           h.Status,
		"response_time_ms": h.ResponseTimeMS,
		"model_count":      h.ModelCount,
		"error":            h.ErrorMessage,
		"checked_at":       h.CheckedAt.UTC().Format(timeFormat),
	})
}

// probe lists the upstream's models, measuring round trip and model count in
// one call.
func (s *Server) probe(ctx context.Context, m catalog.Model) store.HealthStatus {
	probeCtx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	defer cancel()

	h := store.HealthStatus{
		ConfigID:  m.ID,
		Status:    store.HealthOK,
		CheckedAt: time.Now().UTC(),
	}

	start := time.Now()
	prov, err := s.adapters.For(probeCtx, m)
	if err == nil {
		list, lerr := prov.ListModels(probeCtx)
		if lerr != nil {
			err = lerr
		} else {
			h.ModelCount = len(list)
		}
	}
	h.ResponseTimeMS = time.Since(start).Milliseconds()

	if err != nil {
		h.Status = store.HealthNG
		h.ErrorMessage = err.Error()
	}
	return h
}

func (s *Server) handleHealthStatus(ctx *fasthttp.RequestCtx) {
	rows, err := s.store.ListHealthStatus(ctx)
	if err != nil {
		writeError(ctx, fasthttp.StatusInternalServerError, "failed to read health status")
		return
	}

	out := make([]map[string]any, 0, len(rows))
	for _, h := range rows {
		out = append(out, map[string]any{
			"config_id":        h.ConfigID,
			"status":           h.Status,
			"response_time_ms": h.ResponseTimeMS,
			"model_count":      h.ModelCount,
			"error":            h.ErrorMessage,
			"checked_at":       h.CheckedAt.UTC().Format(timeFormat),
		})
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"statuses": out})
}

// handleDiscoverModels lists the upstream's models for one configuration,
// cached for ModelCacheTTL.
func (s *Server) handleDiscoverModels(ctx *fasthttp.RequestCtx) {
	id, ok := pathID(ctx)
	if !ok {
		writeError(ctx, fasthttp.StatusBadRequest, "invalid configuration id")
		return
	}
	m, err := s.catalog.Get(ctx, id)
	if err != nil {
		writeCatalogError(ctx, err)
		return
	}

	// Revision tracks UpdatedAt so edits invalidate the cached listing.
	rev := m.UpdatedAt.Unix()
	if body, ok := s.models.Get(m.ID, rev); ok {
		ctx.SetContentType("application/json")
		ctx.SetBody(body)
		return
	}

	prov, err := s.adapters.For(ctx, m)
	if err != nil {
		writeError(ctx, fasthttp.StatusBadGateway, "upstream configuration error")
		return
	}
	listCtx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	defer cancel()
	list, err := prov.ListModels(listCtx)
	if err != nil {
		writeError(ctx, fasthttp.StatusBadGateway, fmt.Sprintf("model discovery failed: %s", err))
		return
	}

	items := make([]map[string]any, 0, len(list))
	for _, info := range list {
		items = append(items, map[string]any{
			"id":       info.ID,
			"object":   "model",
			"created":  info.Created,
			"owned_by": info.OwnedBy,
		})
	}
	body, _ := json.Marshal(map[string]any{"object": "list", "data": items})
	s.models.Put(m.ID, rev, body)

	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}
