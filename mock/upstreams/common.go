package main

import (
	"encoding/json"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

// lexicon feeds the completion text generator. Deliberately bland so mock
// output is recognisable in logs.
var lexicon = strings.Fields(`
	alpha bravo charlie delta echo foxtrot golf hotel india juliet kilo lima
	mike november oscar papa quebec romeo sierra tango uniform victor whiskey
	responding with simulated completion text from a local stand-in upstream
`)

// lorem produces n space-separated words of filler text.
func lorem(n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(lexicon[rand.IntN(len(lexicon))])
	}
	b.WriteByte('.')
	return b.String()
}

// errWriter renders a failure in the upstream's native error envelope.
type errWriter func(w http.ResponseWriter, status int, msg string)

// withChaos wraps a handler with the configured fault injection: fixed added
// latency on every call, and a fraction of calls failed with HTTP 500 in the
// upstream's own error format.
func withChaos(cfg Config, fail errWriter, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.LatencyMS > 0 {
			time.Sleep(time.Duration(cfg.LatencyMS) * time.Millisecond)
		}
		if cfg.ErrorRate > 0 && rand.Float64() < cfg.ErrorRate {
			fail(w, http.StatusInternalServerError, "injected upstream failure")
			return
		}
		next(w, r)
	}
}

// reply encodes v as a JSON response body.
func reply(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// openaiFail writes the OpenAI error envelope; the OpenAI-compatible and
// vscode stand-ins share it.
func openaiFail(w http.ResponseWriter, status int, msg string) {
	reply(w, status, map[string]any{
		"error": map[string]string{
			"message": msg,
			"type":    "server_error",
			"code":    "mock_failure",
		},
	})
}

// sseWriter streams SSE frames, flushing after every write when the
// underlying ResponseWriter supports it.
type sseWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	f, _ := w.(http.Flusher)
	return &sseWriter{w: w, f: f}
}

// event writes one frame. name may be empty for bare data frames.
func (s *sseWriter) event(name string, v any) {
	if name != "" {
		_, _ = s.w.Write([]byte("event: " + name + "\n"))
	}
	data, _ := json.Marshal(v)
	_, _ = s.w.Write([]byte("data: "))
	_, _ = s.w.Write(data)
	_, _ = s.w.Write([]byte("\n\n"))
	if s.f != nil {
		s.f.Flush()
	}
}

// raw writes a literal SSE data line, e.g. the [DONE] sentinel.
func (s *sseWriter) raw(line string) {
	_, _ = s.w.Write([]byte("data: " + line + "\n\n"))
	if s.f != nil {
		s.f.Flush()
	}
}
