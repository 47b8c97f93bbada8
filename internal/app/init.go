package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/agenthub/gateway/internal/access"
	npCache "github.com/agenthub/gateway/internal/cache"
	"github.com/agenthub/gateway/internal/cost"
	"github.com/agenthub/gateway/internal/metrics"
	"github.com/agenthub/gateway/internal/proxy"
	"github.com/agenthub/gateway/internal/ratelimit"
	"github.com/agenthub/gateway/internal/session"
	"github.com/agenthub/gateway/internal/usage"
	"github.com/agenthub/gateway/internal/webhook"
)

// initInfra establishes optional external connections.
// Redis is only required when CACHE_MODE=redis.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Cache.Mode == "redis" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initProviders builds the LLM provider map and fails if it ends up empty.
// config.Load's validation already rejects a config with no provider key
// unless ALLOW_CLIENT_API_KEYS is set; this check covers that case too.
func (a *App) initProviders(_ context.Context) error {
	a.provs = buildProviders(a.baseCtx, a.cfg)
	if len(a.provs) == 0 {
		return fmt.Errorf("no provider API keys configured")
	}

	names := make([]string, 0, len(a.provs))
	for n := range a.provs {
		names = append(names, n)
	}
	a.log.Info("providers loaded", slog.Any("providers", names))

	return nil
}

// initServices creates the cache backend and Prometheus metrics registry.
func (a *App) initServices(ctx context.Context) error {
	switch a.cfg.Cache.Mode {
	case "redis":
		// ExactCache wraps the already-connected Redis client.
		a.log.Info("cache backend: redis")

	case "memory":
		// MemoryCache — zero external dependencies, not shared across replicas.
		a.memCache = npCache.NewMemoryCache(ctx)
		a.log.Info("cache backend: memory (in-process)")

	case "none":
		a.log.Info("cache backend: disabled")

	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	// Usage recorder — only when CLICKHOUSE_ADDR is configured. Cost is
	// always tracked in Prometheus metrics regardless; this only adds
	// durable per-request rows.
	var sink cost.Sink
	if a.cfg.ClickHouse.Addr != "" {
		rec, err := usage.New(ctx, a.cfg.ClickHouse.Addr, a.cfg.ClickHouse.Database, a.cfg.ClickHouse.Username, a.cfg.ClickHouse.Password)
		if err != nil {
			a.log.Warn("usage recorder disabled: clickhouse connect failed", slog.String("error", err.Error()))
		} else {
			a.usageRecorder = rec
			sink = rec
			a.log.Info("usage recorder enabled", slog.String("addr", a.cfg.ClickHouse.Addr))
		}
	}
	a.costTracker = cost.New(a.prom, sink)

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	// ── Determine cache implementation ────────────────────────────────────────
	var cacheImpl npCache.Cache
	var cacheReady func() bool

	switch a.cfg.Cache.Mode {
	case "redis":
		cacheImpl = npCache.NewExactCacheFromClient(a.rdb)
		cacheReady = redisPinger(a.baseCtx, a.rdb)
	case "memory":
		cacheImpl = a.memCache
		cacheReady = func() bool { return true }
	case "none":
		// nil cache — gateway handles nil gracefully (no caching)
	}

	// ── Build the gateway ────────────────────────────────────────────────────
	opts := proxy.GatewayOptions{
		Logger:                    a.log,
		MaxRetries:                a.cfg.Failover.MaxRetries,
		ProviderTimeout:           a.cfg.Failover.ProviderTimeout,
		CacheTTL:                  a.cfg.Cache.TTL,
		Metrics:                   a.prom,
		AllowClientAPIKeys:        a.cfg.AllowClientAPIKeys,
		CacheTemperatureCutoff:    a.cfg.Cache.TemperatureCutoff,
		CacheExcludeFinishReasons: a.cfg.Cache.ExcludeFinishReasons,
		CBConfig: proxy.CBConfig{
			ErrorThreshold:  a.cfg.CircuitBreaker.ErrorThreshold,
			TimeWindow:      a.cfg.CircuitBreaker.TimeWindow,
			HalfOpenTimeout: a.cfg.CircuitBreaker.HalfOpenTimeout,
		},
	}

	gw := proxy.NewGatewayWithOptions(a.baseCtx, a.provs, cacheImpl, cacheReady, opts)

	// ── Optional subsystems ──────────────────────────────────────────────────

	// Rate limiting — only when Redis is available.
	if a.rdb != nil && a.cfg.RateLimit.RPMLimit > 0 {
		gw.SetRateLimiters(ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit))
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}

	// Async request logger — not wired in the open-source build.
	// In the managed version this connects to ClickHouse for analytics.
	// Request metadata is still written via slog (see gateway.go logRequest).

	// Cost tracking — always on; ClickHouse persistence is optional
	// (see initServices).
	gw.SetCostTracker(a.costTracker)

	// Workspace access control — kill-switch always available, quota only
	// when Redis is configured (the quota is a Redis sliding window).
	killSwitch := access.NewMemoryKillSwitch(a.cfg.Access.DisabledWorkspaces...)
	var quota *access.Quota
	if a.rdb != nil && a.cfg.Access.WorkspaceRPMLimit > 0 {
		quota = access.NewQuota(a.rdb)
	}
	a.accessCtrl = access.New(killSwitch, quota, a.cfg.Access.WorkspaceRPMLimit)
	gw.SetAccessController(a.accessCtrl)

	// Webhook dispatcher — always available; subscriptions are registered
	// at runtime via POST /v1/webhooks (see router.go).
	a.webhooks = webhook.New(a.log, a.prom)
	a.webhooks.SetMaxAttempts(a.cfg.Webhook.MaxAttempts)
	a.webhooks.SetBackoffMax(a.cfg.Webhook.BackoffMax)
	webhookRegistry := webhook.NewRegistry()
	gw.SetWebhooks(a.webhooks, webhookRegistry)

	// Session store + reaper — only when Redis is configured, since
	// RedisStore is its only Store implementation today. Without Redis the
	// gateway still serves requests, it just can't track session activity.
	if a.rdb != nil {
		store := session.NewRedisStore(a.rdb)
		gw.SetSessionStore(store)
		a.reaper = session.New(a.baseCtx, store, session.WithLogger(a.log), session.WithMetrics(a.prom))
		a.log.Info("session reaper started")
	}

	// CORS.
	gw.SetCORSOrigins(a.cfg.CORSOrigins)

	// Cache exclusions.
	if len(a.cfg.Cache.ExcludeExact) > 0 || len(a.cfg.Cache.ExcludePatterns) > 0 {
		el, err := npCache.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
		if err != nil {
			return fmt.Errorf("cache exclusions: %w", err)
		}
		gw.SetCacheExclusions(el)
		a.log.Info("cache exclusions loaded", slog.Int("rules", el.Len()))
	}

	// ── Management routes ────────────────────────────────────────────────────
	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	a.gw = gw

	return nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
