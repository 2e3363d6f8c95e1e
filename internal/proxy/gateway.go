// Package proxy is the OpenAI-compatible request relay.
//
// One Gateway serves both proxy listeners; each route closure captures which
// endpoint (general or special) it belongs to, because the two differ only in
// model visibility. The pipeline per request: resolve the public model name
// against the current catalogue snapshot, gate on endpoint visibility and the
// per-configuration breaker, bound concurrency with a weighted semaphore,
// relay to the upstream adapter, and enqueue a usage record — for failures as
// much as for successes.
//
// Clients may send an Authorization header; it is accepted and discarded.
// Upstream credentials come exclusively from the catalogue.
package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nulpointcorp/llm-bridge/internal/catalog"
	"github.com/nulpointcorp/llm-bridge/internal/config"
	"github.com/nulpointcorp/llm-bridge/internal/metrics"
	"github.com/nulpointcorp/llm-bridge/internal/providers"
	"github.com/nulpointcorp/llm-bridge/internal/store"
	"github.com/nulpointcorp/llm-bridge/pkg/apierr"
	"github.com/tidwall/sjson"
	"github.com/valyala/fasthttp"
	"golang.org/x/sync/semaphore"
)

const (
	routeChat        = "chat_completions"
	routeCompletions = "completions"
	routeModels      = "models"

	requestTypeChat       = "chat"
	requestTypeCompletion = "completion"
)

// SnapshotSource yields the current catalogue snapshot.
type SnapshotSource interface {
	Snapshot() *catalog.Snapshot
}

// AdapterSource builds or returns the cached adapter for a configuration.
type AdapterSource interface {
	For(ctx context.Context, m catalog.Model) (providers.Provider, error)
}

// UsageSink receives one record per proxied request and exposes queue
// statistics for health reporting.
type UsageSink interface {
	Record(rec store.UsageRecord)
	QueueDepth() int
	Dropped() int64
}

// Options configures a Gateway. Snapshots and Adapters are required; the rest
// is optional and nil/zero-safe.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Registry
	Usage   UsageSink

	// DBPing, when set, backs the "db" check in GET /health.
	DBPing func(ctx context.Context) error

	// Timeout is the total per-request upstream deadline. Default 120s.
	Timeout time.Duration

	// TTFB bounds the wait for the first chunk of a streaming response.
	// Default 30s. Non-streaming requests are bounded by Timeout alone.
	TTFB time.Duration

	// MaxInflight caps concurrently dispatched upstream requests across both
	// endpoints. Default 256.
	MaxInflight int64

	Breaker config.CircuitBreakerConfig

	// Listener ports, used verbatim in the endpoint-visibility error message.
	GeneralPort int
	SpecialPort int

	CORSOrigins []string
	Version     string
}

// Gateway relays OpenAI-compatible traffic to the configured upstreams.
type Gateway struct {
	snapshots SnapshotSource
	adapters  AdapterSource
	breaker   *Breaker
	sem       *semaphore.Weighted
	usage     UsageSink
	metrics   *metrics.Registry
	log       *slog.Logger
	dbPing    func(ctx context.Context) error

	timeout time.Duration
	ttfb    time.Duration

	generalPort int
	specialPort int

	corsOrigins []string
	version     string

	inFlight atomic.Int64
}

// NewGateway creates a Gateway. Both proxy listeners share the returned value.
func NewGateway(snapshots SnapshotSource, adapters AdapterSource, opts Options) *Gateway {
	if snapshots == nil || adapters == nil {
		panic("proxy: snapshot and adapter sources must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "proxy"))

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	ttfb := opts.TTFB
	if ttfb <= 0 {
		ttfb = 30 * time.Second
	}
	maxInflight := opts.MaxInflight
	if maxInflight < 1 {
		maxInflight = 256
	}
	generalPort := opts.GeneralPort
	if generalPort == 0 {
		generalPort = 4321
	}
	specialPort := opts.SpecialPort
	if specialPort == 0 {
		specialPort = 4333
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}

	var onState func(name string, state int64)
	if opts.Metrics != nil {
		onState = opts.Metrics.SetBreakerState
	}

	return &Gateway{
		snapshots:   snapshots,
		adapters:    adapters,
		breaker:     NewBreaker(opts.Breaker, onState),
		sem:         semaphore.NewWeighted(maxInflight),
		usage:       opts.Usage,
		metrics:     opts.Metrics,
		log:         log,
		dbPing:      opts.DBPing,
		timeout:     timeout,
		ttfb:        ttfb,
		generalPort: generalPort,
		specialPort: specialPort,
		corsOrigins: opts.CORSOrigins,
		version:     version,
	}
}

// InFlight returns the number of requests currently dispatched upstream.
func (g *Gateway) InFlight() int64 { return g.inFlight.Load() }

// Breaker exposes the failure tracker (admin health reporting).
func (g *Gateway) Breaker() *Breaker { return g.breaker }

// ── Inbound request parsing ───────────────────────────────────────────────────

type (
	inboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	inboundChatRequest struct {
		Model       string           `json:"model"`
		Messages    []inboundMessage `json:"messages"`
		Stream      bool             `json:"stream"`
		Temperature float64          `json:"temperature"`
		TopP        float64          `json:"top_p"`
		MaxTokens   int              `json:"max_tokens"`
		Stop        json.RawMessage  `json:"stop"`
	}

	inboundCompletionRequest struct {
		Model       string          `json:"model"`
		Prompt      json.RawMessage `json:"prompt"`
		Stream      bool            `json:"stream"`
		Temperature float64         `json:"temperature"`
		TopP        float64         `json:"top_p"`
		MaxTokens   int             `json:"max_tokens"`
		Stop        json.RawMessage `json:"stop"`
	}
)

// parseStop accepts the OpenAI "stop" field: a bare string or an array.
func parseStop(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil {
		return arr, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []string{s}, nil
	}
	return nil, fmt.Errorf("'stop' must be a string or array of strings")
}

// parsePrompt accepts the legacy "prompt" field: a bare string or an array,
// joined with newlines when it is a list.
func parsePrompt(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", fmt.Errorf("'prompt' is required")
	}
	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil {
		return strings.Join(arr, "\n"), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	return "", fmt.Errorf("'prompt' must be a string or array of strings")
}

// clientIP returns the first X-Forwarded-For hop when present, else the peer
// address.
func clientIP(ctx *fasthttp.RequestCtx) string {
	if xff := string(ctx.Request.Header.Peek("X-Forwarded-For")); xff != "" {
		first := strings.TrimSpace(strings.SplitN(xff, ",", 2)[0])
		if first != "" {
			return first
		}
	}
	return ctx.RemoteIP().String()
}

// ── Dispatch ──────────────────────────────────────────────────────────────────

// dispatchChat handles POST /v1/chat/completions for one endpoint.
func (g *Gateway) dispatchChat(ctx *fasthttp.RequestCtx, ep catalog.Endpoint) {
	var req inboundChatRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		g.rejectParse(ctx, ep, routeChat, requestTypeChat, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	if req.Model == "" {
		g.rejectParse(ctx, ep, routeChat, requestTypeChat, "field 'model' is required")
		return
	}
	if len(req.Messages) == 0 {
		g.rejectParse(ctx, ep, routeChat, requestTypeChat, "field 'messages' must not be empty")
		return
	}
	stop, err := parseStop(req.Stop)
	if err != nil {
		g.rejectParse(ctx, ep, routeChat, requestTypeChat, err.Error())
		return
	}

	msgs := make([]providers.Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = providers.Message{Role: m.Role, Content: m.Content}
	}

	g.relay(ctx, ep, relayParams{
		route:       routeChat,
		requestType: requestTypeChat,
		publicName:  req.Model,
		stream:      req.Stream,
		upstream: providers.ChatRequest{
			Messages:    msgs,
			Stream:      req.Stream,
			Temperature: req.Temperature,
			TopP:        req.TopP,
			MaxTokens:   req.MaxTokens,
			Stop:        stop,
		},
	})
}

// dispatchCompletions handles the legacy POST /v1/completions by translating
// the prompt into a single-user-message chat request and rendering the
// response as a text_completion envelope.
func (g *Gateway) dispatchCompletions(ctx *fasthttp.RequestCtx, ep catalog.Endpoint) {
	var req inboundCompletionRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		g.rejectParse(ctx, ep, routeCompletions, requestTypeCompletion, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	if req.Model == "" {
		g.rejectParse(ctx, ep, routeCompletions, requestTypeCompletion, "field 'model' is required")
		return
	}
	prompt, err := parsePrompt(req.Prompt)
	if err != nil {
		g.rejectParse(ctx, ep, routeCompletions, requestTypeCompletion, err.Error())
		return
	}
	stop, err := parseStop(req.Stop)
	if err != nil {
		g.rejectParse(ctx, ep, routeCompletions, requestTypeCompletion, err.Error())
		return
	}

	g.relay(ctx, ep, relayParams{
		route:       routeCompletions,
		requestType: requestTypeCompletion,
		publicName:  req.Model,
		stream:      req.Stream,
		textEnvelope: true,
		upstream: providers.ChatRequest{
			Messages:    []providers.Message{{Role: "user", Content: prompt}},
			Stream:      req.Stream,
			Temperature: req.Temperature,
			TopP:        req.TopP,
			MaxTokens:   req.MaxTokens,
			Stop:        stop,
		},
	})
}

type relayParams struct {
	route        string
	requestType  string
	publicName   string
	stream       bool
	textEnvelope bool // render text_completion instead of chat.completion
	upstream     providers.ChatRequest
}

// relay runs the common pipeline: resolve, gate, dispatch, render, meter.
func (g *Gateway) relay(ctx *fasthttp.RequestCtx, ep catalog.Endpoint, p relayParams) {
	start := time.Now()
	ip := clientIP(ctx)
	reqID, _ := ctx.UserValue("request_id").(string)

	snap := g.snapshots.Snapshot()
	m, ok := snap.Resolve(p.publicName)
	if !ok {
		apierr.WriteModelNotFound(ctx, p.publicName)
		g.finish(ctx, ep, p, nil, providers.Usage{}, start,
			store.UsageClientError, fmt.Sprintf("Model '%s' not found", p.publicName), ip, "")
		return
	}
	cfgID := m.ID
	if !m.VisibleOn(ep) {
		msg := g.endpointDeniedMessage(p.publicName, ep)
		apierr.Write(ctx, fasthttp.StatusForbidden, msg,
			apierr.TypePermissionDenied, apierr.CodeModelNotOnEndpoint)
		g.finish(ctx, ep, p, &cfgID, providers.Usage{}, start,
			store.UsageClientError, msg, ip, string(m.ServiceType))
		return
	}

	if !g.breaker.Allow(m.ID, m.Name) {
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable,
			fmt.Sprintf("Model '%s' is temporarily unavailable", p.publicName),
			apierr.TypeUpstreamError, apierr.CodeServiceUnavailable)
		g.finish(ctx, ep, p, &cfgID, providers.Usage{}, start,
			store.UsageUpstreamError, "upstream temporarily unavailable", ip, string(m.ServiceType))
		return
	}

	if err := g.sem.Acquire(ctx, 1); err != nil {
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable,
			"too many concurrent requests",
			apierr.TypeUpstreamError, apierr.CodeServiceUnavailable)
		g.finish(ctx, ep, p, &cfgID, providers.Usage{}, start,
			store.UsageUpstreamError, "concurrency limit reached", ip, string(m.ServiceType))
		return
	}
	g.inFlight.Add(1)
	// Released exactly once per acquired slot. Streaming hands ownership to
	// the body stream writer, which runs after this handler returns.
	release := sync.OnceFunc(func() {
		g.inFlight.Add(-1)
		g.sem.Release(1)
	})

	prov, err := g.adapters.For(ctx, m)
	if err != nil {
		release()
		g.log.Error("adapter_build_failed",
			slog.String("request_id", reqID),
			slog.Int64("config_id", m.ID),
			slog.String("error", err.Error()),
		)
		apierr.Write(ctx, fasthttp.StatusBadGateway,
			"upstream configuration error", apierr.TypeUpstreamError, apierr.CodeUpstreamError)
		g.finish(ctx, ep, p, &cfgID, providers.Usage{}, start,
			store.UsageUpstreamError, err.Error(), ip, string(m.ServiceType))
		return
	}

	upReq := p.upstream
	upReq.Model = m.ResolvedUpstreamID()

	upCtx, cancel := context.WithTimeout(ctx, g.timeout)

	resp, err := prov.Chat(upCtx, &upReq)
	if err != nil {
		cancel()
		release()
		status := g.writeUpstreamError(ctx, err)
		g.recordBreakerOutcome(m, status, ctx.Response.StatusCode())
		g.finish(ctx, ep, p, &cfgID, providers.Usage{}, start, status, err.Error(), ip, string(m.ServiceType))
		return
	}

	if p.stream && resp.Stream != nil {
		g.relayStream(ctx, ep, p, m, resp, cancel, release, start, ip, reqID)
		return
	}
	defer cancel()
	defer release()

	usage := providers.SumUsage(resp.Usage)
	body := g.renderResponse(p, resp, usage)

	g.breaker.RecordSuccess(m.ID, m.Name)
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
	g.finish(ctx, ep, p, &cfgID, usage, start, store.UsageSuccess, "", ip, string(m.ServiceType))
}

// endpointDeniedMessage names the listener that does serve the model.
func (g *Gateway) endpointDeniedMessage(model string, ep catalog.Endpoint) string {
	other, port := "special", g.specialPort
	if ep == catalog.EndpointSpecial {
		other, port = "general", g.generalPort
	}
	return fmt.Sprintf(
		"Model '%s' is not available on this endpoint. Please use the %s endpoint (%d).",
		model, other, port)
}

// rejectParse answers a malformed request and meters it as a client error.
func (g *Gateway) rejectParse(ctx *fasthttp.RequestCtx, ep catalog.Endpoint, route, reqType, msg string) {
	apierr.Write(ctx, fasthttp.StatusBadRequest, msg,
		apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
	g.finish(ctx, ep, relayParams{route: route, requestType: reqType}, nil,
		providers.Usage{}, time.Now(), store.UsageClientError, msg, clientIP(ctx), "")
}

// writeUpstreamError maps an adapter error onto the client-facing taxonomy
// and returns the usage status class.
func (g *Gateway) writeUpstreamError(ctx *fasthttp.RequestCtx, err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		apierr.WriteTimeout(ctx)
		return store.UsageTimeout
	}
	var sc providers.StatusCoder
	if errors.As(err, &sc) {
		apierr.WriteUpstreamStatus(ctx, sc.HTTPStatus(), errorMessage(err))
		if ctx.Response.StatusCode() == fasthttp.StatusGatewayTimeout {
			return store.UsageTimeout
		}
		return store.UsageUpstreamError
	}
	apierr.Write(ctx, fasthttp.StatusBadGateway, errorMessage(err),
		apierr.TypeUpstreamError, apierr.CodeUpstreamError)
	return store.UsageUpstreamError
}

// errorMessage prefers the adapter's upstream message over the wrapped chain.
func errorMessage(err error) string {
	var pe *providers.Error
	if errors.As(err, &pe) && pe.Message != "" {
		return pe.Message
	}
	return err.Error()
}

// recordBreakerOutcome counts timeouts and 5xx-class failures against the
// configuration; upstream 4xx means the upstream is reachable and resets it.
func (g *Gateway) recordBreakerOutcome(m catalog.Model, usageStatus string, httpStatus int) {
	if usageStatus == store.UsageTimeout || httpStatus >= 500 {
		g.breaker.RecordFailure(m.ID, m.Name)
		return
	}
	g.breaker.RecordSuccess(m.ID, m.Name)
}

// finish emits metrics, the request log line, and the usage record. Streaming
// requests call it from the stream writer once the relay drains.
func (g *Gateway) finish(
	ctx *fasthttp.RequestCtx,
	ep catalog.Endpoint,
	p relayParams,
	cfgID *int64,
	usage providers.Usage,
	start time.Time,
	status, errMsg, ip, serviceType string,
) {
	dur := time.Since(start)
	httpStatus := ctx.Response.StatusCode()

	if g.metrics != nil {
		g.metrics.ObserveHTTP(p.route, string(ep), httpStatus, dur)
		if serviceType != "" {
			g.metrics.RecordRequest(serviceType, httpStatus)
		}
		if p.publicName != "" {
			g.metrics.AddTokens(p.publicName, usage.PromptTokens, usage.CompletionTokens)
		}
	}

	reqID, _ := ctx.UserValue("request_id").(string)
	g.log.Info("request",
		slog.String("request_id", reqID),
		slog.String("endpoint", string(ep)),
		slog.String("route", p.route),
		slog.String("model", p.publicName),
		slog.String("client_ip", ip),
		slog.Int("status", httpStatus),
		slog.Int64("response_time_ms", dur.Milliseconds()),
		slog.Int("input_tokens", usage.PromptTokens),
		slog.Int("output_tokens", usage.CompletionTokens),
	)
	if status != store.UsageSuccess && errMsg != "" {
		g.log.Error("request_failed",
			slog.String("request_id", reqID),
			slog.String("model", p.publicName),
			slog.String("kind", status),
			slog.String("error", errMsg),
		)
	}

	if g.usage == nil {
		return
	}
	g.usage.Record(store.UsageRecord{
		Timestamp:        time.Now().UTC(),
		ClientIP:         ip,
		ModelName:        p.publicName,
		ConfigID:         cfgID,
		Endpoint:         string(ep),
		RequestType:      p.requestType,
		PromptTokens:     int64(usage.PromptTokens),
		CompletionTokens: int64(usage.CompletionTokens),
		TotalTokens:      int64(usage.TotalTokens),
		DurationMS:       dur.Milliseconds(),
		Status:           status,
		ErrorMessage:     errMsg,
	})
}

// ── Response rendering ────────────────────────────────────────────────────────

type (
	outboundUsage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	outboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	outboundChatChoice struct {
		Index        int             `json:"index"`
		Message      outboundMessage `json:"message"`
		FinishReason string          `json:"finish_reason"`
	}

	outboundTextChoice struct {
		Text         string `json:"text"`
		Index        int    `json:"index"`
		Logprobs     any    `json:"logprobs"`
		FinishReason string `json:"finish_reason"`
	}

	outboundResponse struct {
		ID      string        `json:"id"`
		Object  string        `json:"object"`
		Created int64         `json:"created"`
		Model   string        `json:"model"`
		Choices any           `json:"choices"`
		Usage   outboundUsage `json:"usage"`
	}
)

// renderResponse builds the non-streaming envelope with the public name as
// the model, never the upstream identifier.
func (g *Gateway) renderResponse(p relayParams, resp *providers.ChatResponse, usage providers.Usage) []byte {
	finish := resp.FinishReason
	if finish == "" {
		finish = "stop"
	}

	out := outboundResponse{
		ID:      responseID(p, resp.ID),
		Created: time.Now().Unix(),
		Model:   p.publicName,
		Usage: outboundUsage{
			PromptTokens:     usage.PromptTokens,
			CompletionTokens: usage.CompletionTokens,
			TotalTokens:      usage.TotalTokens,
		},
	}
	if p.textEnvelope {
		out.Object = "text_completion"
		out.Choices = []outboundTextChoice{{Text: resp.Content, FinishReason: finish}}
	} else {
		out.Object = "chat.completion"
		out.Choices = []outboundChatChoice{{
			Message:      outboundMessage{Role: "assistant", Content: resp.Content},
			FinishReason: finish,
		}}
	}

	body, _ := json.Marshal(out)
	return body
}

func responseID(p relayParams, upstreamID string) string {
	if upstreamID != "" {
		return upstreamID
	}
	if p.textEnvelope {
		return "cmpl-" + uuid.NewString()
	}
	return "chatcmpl-" + uuid.NewString()
}

// ── Streaming relay ───────────────────────────────────────────────────────────

// relayStream waits for the first chunk under the TTFB deadline, then commits
// to SSE and relays frames until the upstream closes. Provider frames in the
// OpenAI dialect pass through with only the model field rewritten to the
// public name; everything else is synthesized.
func (g *Gateway) relayStream(
	ctx *fasthttp.RequestCtx,
	ep catalog.Endpoint,
	p relayParams,
	m catalog.Model,
	resp *providers.ChatResponse,
	cancel context.CancelFunc,
	release func(),
	start time.Time,
	ip, reqID string,
) {
	ttfb := time.NewTimer(g.ttfb)
	var first providers.StreamChunk
	var okFirst bool
	select {
	case first, okFirst = <-resp.Stream:
		ttfb.Stop()
	case <-ttfb.C:
		cancel()
		release()
		go drain(resp.Stream)
		apierr.WriteTimeout(ctx)
		g.breaker.RecordFailure(m.ID, m.Name)
		cfgID := m.ID
		g.finish(ctx, ep, p, &cfgID, providers.Usage{}, start,
			store.UsageTimeout, "time to first byte exceeded", ip, string(m.ServiceType))
		return
	}

	if okFirst && first.Err != nil {
		cancel()
		release()
		go drain(resp.Stream)
		status := g.writeUpstreamError(ctx, first.Err)
		g.recordBreakerOutcome(m, status, ctx.Response.StatusCode())
		cfgID := m.ID
		g.finish(ctx, ep, p, &cfgID, providers.Usage{}, start,
			status, first.Err.Error(), ip, string(m.ServiceType))
		return
	}

	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	streamID := responseID(p, first.ID)
	created := time.Now().Unix()
	promptEstimate := 0
	for _, msg := range p.upstream.Messages {
		promptEstimate += providers.EstimateTokens(msg.Content)
	}

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // client may drop mid-stream
		defer release()
		defer cancel()

		var usage providers.Usage
		var contentLen int
		status := store.UsageSuccess
		errMsg := ""

		// writeChunk reports false once the client stops accepting bytes.
		writeChunk := func(chunk providers.StreamChunk) bool {
			contentLen += len(chunk.Content)
			if chunk.Usage != nil {
				usage = *chunk.Usage
			}

			var frame []byte
			if !p.textEnvelope && len(chunk.Raw) > 0 {
				rewritten, err := sjson.SetBytes(chunk.Raw, "model", p.publicName)
				if err == nil {
					frame = rewritten
				}
			}
			if frame == nil {
				frame = g.synthesizeFrame(p, streamID, created, chunk)
			}
			if frame == nil {
				return true // nothing renderable in this chunk
			}
			fmt.Fprintf(w, "data: %s\n\n", frame)
			return w.Flush() == nil
		}

		if okFirst {
			clientOK := writeChunk(first)
			for clientOK {
				chunk, more := <-resp.Stream
				if !more {
					break
				}
				if chunk.Err != nil {
					// Already committed to SSE; log and terminate with [DONE].
					status = store.UsageUpstreamError
					errMsg = chunk.Err.Error()
					g.log.Error("stream_error",
						slog.String("request_id", reqID),
						slog.String("model", p.publicName),
						slog.String("error", chunk.Err.Error()),
					)
					break
				}
				clientOK = writeChunk(chunk)
			}
			if !clientOK {
				// Partial record with whatever arrived before the drop.
				status = store.UsageClientError
				errMsg = "client disconnected mid-stream"
				cancel()
				go drain(resp.Stream)
			}
		}

		if status != store.UsageClientError {
			fmt.Fprint(w, "data: [DONE]\n\n")
			w.Flush() //nolint:errcheck
		}

		if usage.TotalTokens == 0 {
			completion := contentLen / 4
			if contentLen > 0 && completion < 1 {
				completion = 1
			}
			usage = providers.SumUsage(providers.Usage{
				PromptTokens:     promptEstimate,
				CompletionTokens: completion,
			})
		}

		// A dropped client says nothing about upstream health.
		if status == store.UsageUpstreamError {
			g.breaker.RecordFailure(m.ID, m.Name)
		} else {
			g.breaker.RecordSuccess(m.ID, m.Name)
		}
		cfgID := m.ID
		g.finish(ctx, ep, p, &cfgID, usage, start, status, errMsg, ip, string(m.ServiceType))
	})
}

// synthesizeFrame builds an SSE frame for chunks without a pass-through Raw
// payload. Returns nil when the chunk carries nothing worth a frame.
func (g *Gateway) synthesizeFrame(p relayParams, id string, created int64, chunk providers.StreamChunk) []byte {
	if chunk.Content == "" && chunk.FinishReason == "" && chunk.Usage == nil {
		return nil
	}

	var finish any
	if chunk.FinishReason != "" {
		finish = chunk.FinishReason
	}

	frame := map[string]any{
		"id":      id,
		"created": created,
		"model":   p.publicName,
	}
	if p.textEnvelope {
		frame["object"] = "text_completion"
		frame["choices"] = []map[string]any{{
			"text":          chunk.Content,
			"index":         0,
			"logprobs":      nil,
			"finish_reason": finish,
		}}
	} else {
		frame["object"] = "chat.completion.chunk"
		delta := map[string]any{}
		if chunk.Content != "" {
			delta["content"] = chunk.Content
		}
		frame["choices"] = []map[string]any{{
			"index":         0,
			"delta":         delta,
			"finish_reason": finish,
		}}
	}
	if chunk.Usage != nil {
		u := providers.SumUsage(*chunk.Usage)
		frame["usage"] = outboundUsage{
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
			TotalTokens:      u.TotalTokens,
		}
	}

	body, _ := json.Marshal(frame)
	return body
}

func drain(ch <-chan providers.StreamChunk) {
	if ch == nil {
		return
	}
	for range ch {
	}
}

// ── Model listing and health ──────────────────────────────────────────────────

type modelItem struct {
	ID         string `json:"id"`
	Object     string `json:"object"`
	Created    int64  `json:"created"`
	OwnedBy    string `json:"owned_by"`
	Permission []any  `json:"permission"`
	Root       string `json:"root"`
	Parent     any    `json:"parent"`
}

// handleModels serves GET /v1/models: the catalogue entries visible on this
// endpoint, not upstream discovery.
func (g *Gateway) handleModels(ctx *fasthttp.RequestCtx, ep catalog.Endpoint) {
	start := time.Now()
	snap := g.snapshots.Snapshot()

	visible := snap.VisibleOn(ep)
	items := make([]modelItem, 0, len(visible))
	for _, m := range visible {
		items = append(items, modelItem{
			ID:         m.Name,
			Object:     "model",
			Created:    m.CreatedAt.Unix(),
			OwnedBy:    string(m.ServiceType),
			Permission: []any{},
			Root:       m.Name,
		})
	}

	writeJSON(ctx, map[string]any{"object": "list", "data": items})

	if g.metrics != nil {
		g.metrics.ObserveHTTP(routeModels, string(ep), fasthttp.StatusOK, time.Since(start))
	}
}

// handleHealth serves the shallow per-listener health probe.
func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx, ep catalog.Endpoint) {
	checks := map[string]any{
		"in_flight": g.inFlight.Load(),
	}
	if g.usage != nil {
		checks["queue_depth"] = g.usage.QueueDepth()
		checks["dropped"] = g.usage.Dropped()
	}

	status := "ok"
	if g.dbPing != nil {
		if err := g.dbPing(ctx); err != nil {
			status = "degraded"
			checks["db"] = "ng"
		} else {
			checks["db"] = "ok"
		}
	}

	writeJSON(ctx, map[string]any{
		"status":   status,
		"endpoint": string(ep),
		"version":  g.version,
		"checks":   checks,
	})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
