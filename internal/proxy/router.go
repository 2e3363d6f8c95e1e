package proxy

import (
	"time"

	"github.com/fasthttp/router"
	"github.com/nulpointcorp/llm-bridge/internal/catalog"
	"github.com/nulpointcorp/llm-bridge/internal/middleware"
	"github.com/valyala/fasthttp"
)

// Handler builds the request handler for one proxy listener. The general and
// special endpoints run the same routes; only model visibility differs.
func (g *Gateway) Handler(ep catalog.Endpoint) fasthttp.RequestHandler {
	r := router.New()

	r.GET("/v1/models", func(ctx *fasthttp.RequestCtx) { g.handleModels(ctx, ep) })
	r.POST("/v1/chat/completions", func(ctx *fasthttp.RequestCtx) { g.dispatchChat(ctx, ep) })
	r.POST("/v1/completions", func(ctx *fasthttp.RequestCtx) { g.dispatchCompletions(ctx, ep) })
	r.GET("/health", func(ctx *fasthttp.RequestCtx) { g.handleHealth(ctx, ep) })

	return middleware.Chain(r.Handler,
		middleware.Recovery(g.log),
		middleware.RequestID,
		middleware.Timing,
		middleware.CORS(g.corsOrigins),
		middleware.SecurityHeaders,
	)
}

// Server wraps the handler in a fasthttp server tuned for long-lived
// streaming responses. The caller binds the listener so bind failures can be
// reported before serving starts.
func (g *Gateway) Server(ep catalog.Endpoint) *fasthttp.Server {
	return &fasthttp.Server{
		Handler:     g.Handler(ep),
		Name:        "llm-bridge",
		ReadTimeout: 60 * time.Second,
		// No WriteTimeout: SSE responses legitimately outlive any fixed value;
		// the upstream deadline bounds them instead.
		StreamRequestBody: true,
	}
}
