package proxy

import (
	"encoding/json"
	"time"

	"github.com/agenthub/gateway/internal/webhook"
	"github.com/fasthttp/router"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional management API handler functions
// that are registered alongside the proxy routes.
type ManagementRoutes struct {
	Metrics RouteHandler
}

// Start starts the HTTP server on addr (e.g. ":8080").
// Pass nil for routes to start in proxy-only mode.
func (g *Gateway) Start(addr string) error {
	return g.StartWithRoutes(addr, nil)
}

// StartWithRoutes starts the HTTP server with optional management routes.
func (g *Gateway) StartWithRoutes(addr string, mgmt *ManagementRoutes) error {
	r := router.New()

	r.POST("/v1/chat/completions", g.handleChatCompletions)
	r.POST("/v1/completions", g.handleCompletions)
	r.POST("/v1/embeddings", g.handleEmbeddings)
	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)
	r.POST("/v1/webhooks", g.handleRegisterWebhook)
	r.DELETE("/v1/webhooks/{id}", g.handleUnregisterWebhook)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	handler := applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)

	srv := &fasthttp.Server{
		Handler:      handler,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	return srv.ListenAndServe(addr)
}

func (g *Gateway) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	g.dispatchChat(ctx)
}

func (g *Gateway) handleCompletions(ctx *fasthttp.RequestCtx) {
	g.dispatchChat(ctx)
}

func (g *Gateway) handleEmbeddings(ctx *fasthttp.RequestCtx) {
	g.dispatchEmbeddings(ctx)
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	if g.health == nil {
		writeJSON(ctx, map[string]any{"status": "ok", "version": "0.1.0"})
		return
	}
	snap := g.health.Snapshot()
	writeJSON(ctx, snap)
}

func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.health == nil || g.health.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

// registerWebhookRequest is the body accepted by POST /v1/webhooks.
type registerWebhookRequest struct {
	URL    string `json:"url"`
	Secret string `json:"secret"`
	Event  string `json:"event"`
}

// handleRegisterWebhook adds a subscription to the gateway's in-memory
// webhook registry. A no-op 503 when no dispatcher/registry is configured.
func (g *Gateway) handleRegisterWebhook(ctx *fasthttp.RequestCtx) {
	if g.webhookRegistry == nil {
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
		writeJSON(ctx, map[string]string{"error": "webhooks not configured"})
		return
	}

	var req registerWebhookRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		ctx.SetStatusCode(fasthttp.StatusBadRequest)
		writeJSON(ctx, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	if req.URL == "" || req.Event == "" {
		ctx.SetStatusCode(fasthttp.StatusBadRequest)
		writeJSON(ctx, map[string]string{"error": "fields 'url' and 'event' are required"})
		return
	}

	sub := webhook.Subscription{
		ID:     uuid.NewString(),
		URL:    req.URL,
		Secret: req.Secret,
		Event:  req.Event,
	}
	g.webhookRegistry.Register(sub)

	ctx.SetStatusCode(fasthttp.StatusCreated)
	writeJSON(ctx, sub)
}

// handleUnregisterWebhook removes a subscription by ID.
func (g *Gateway) handleUnregisterWebhook(ctx *fasthttp.RequestCtx) {
	if g.webhookRegistry == nil {
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
		writeJSON(ctx, map[string]string{"error": "webhooks not configured"})
		return
	}
	id, _ := ctx.UserValue("id").(string)
	g.webhookRegistry.Unregister(id)
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
