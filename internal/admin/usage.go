package admin

import (
	"strconv"
	"time"

	"github.com/nulpointcorp/llm-bridge/internal/store"
	"github.com/valyala/fasthttp"
)

const (
	defaultLeaderboardLimit = 10
	maxLeaderboardLimit     = 100
)

// queryWindow derives [since, until) from the "days"/"hours" query
// parameters, falling back to def when neither is given.
func queryWindow(ctx *fasthttp.RequestCtx, def time.Duration) (time.Time, time.Time) {
	until := time.Now().UTC()
	window := def

	if raw := string(ctx.QueryArgs().Peek("days")); raw != "" {
		if d, err := strconv.Atoi(raw); err == nil && d > 0 {
			window = time.Duration(d) * 24 * time.Hour
		}
	} else if raw := string(ctx.QueryArgs().Peek("hours")); raw != "" {
		if h, err := strconv.Atoi(raw); err == nil && h > 0 {
			window = time.Duration(h) * time.Hour
		}
	}
	return until.Add(-window), until
}

func queryLimit(ctx *fasthttp.RequestCtx) int {
	raw := string(ctx.QueryArgs().Peek("limit"))
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return defaultLeaderboardLimit
	}
	if n > maxLeaderboardLimit {
		return maxLeaderboardLimit
	}
	return n
}

func (s *Server) handleUsageStats(ctx *fasthttp.RequestCtx) {
	since, until := queryWindow(ctx, 30*24*time.Hour)

	totals, err := s.store.Totals(ctx, since, until)
	if err != nil {
		writeError(ctx, fasthttp.StatusInternalServerError, "failed to aggregate usage")
		return
	}

	successRate := 0.0
	if totals.Requests > 0 {
		successRate = float64(totals.ByStatus[store.UsageSuccess]) / float64(totals.Requests)
	}

	writeJSON(ctx, fasthttp.StatusOK, map[string]any{
		"since":                since.Format(timeFormat),
		"until":                until.Format(timeFormat),
		"requests":             totals.Requests,
		"prompt_tokens":        totals.PromptTokens,
		"completion_tokens":    totals.CompletionTokens,
		"total_tokens":         totals.TotalTokens,
		"avg_response_time_ms": totals.AvgDurationMS,
		"success_rate":         successRate,
		"by_status":            totals.ByStatus,
	})
}

func (s *Server) handleUsageClients(ctx *fasthttp.RequestCtx) {
	since, until := queryWindow(ctx, 30*24*time.Hour)

	stats, err := s.store.TopClients(ctx, since, until, queryLimit(ctx))
	if err != nil {
		writeError(ctx, fasthttp.StatusInternalServerError, "failed to aggregate usage")
		return
	}

	out := make([]map[string]any, 0, len(stats))
	for _, c := range stats {
		out = append(out, map[string]any{
			"client_ip":    c.ClientIP,
			"requests":     c.Requests,
			"total_tokens": c.TotalTokens,
		})
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"clients": out})
}

func (s *Server) handleUsageModels(ctx *fasthttp.RequestCtx) {
	since, until := queryWindow(ctx, 30*24*time.Hour)

	stats, err := s.store.TopModels(ctx, since, until, queryLimit(ctx))
	if err != nil {
		writeError(ctx, fasthttp.StatusInternalServerError, "failed to aggregate usage")
		return
	}

	out := make([]map[string]any, 0, len(stats))
	for _, m := range stats {
		out = append(out, map[string]any{
			"model_name":   m.ModelName,
			"requests":     m.Requests,
			"total_tokens": m.TotalTokens,
		})
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"models": out})
}

func (s *Server) handleUsageTimeseries(ctx *fasthttp.RequestCtx) {
	granularity := store.GranularityHour
	defWindow := 24 * time.Hour
	switch string(ctx.QueryArgs().Peek("granularity")) {
	case "minute":
		granularity = store.GranularityMinute
		defWindow = time.Hour
	case "day":
		granularity = store.GranularityDay
		defWindow = 30 * 24 * time.Hour
	}
	since, until := queryWindow(ctx, defWindow)

	buckets, err := s.store.TimeSeries(ctx, since, until, granularity)
	if err != nil {
		writeError(ctx, fasthttp.StatusInternalServerError, "failed to aggregate usage")
		return
	}

	points := make([]map[string]any, 0, len(buckets))
	for _, b := range buckets {
		points = append(points, map[string]any{
			"start":                b.Start.UTC().Format(time.RFC3339),
			"requests":             b.Requests,
			"total_tokens":         b.TotalTokens,
			"avg_response_time_ms": b.AvgDurationMS,
		})
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{
		"granularity": string(granularity),
		"points":      points,
	})
}
