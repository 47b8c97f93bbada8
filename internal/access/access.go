// Package access implements the Access Controller: a per-workspace
// kill-switch and requests-per-minute quota, checked before a request is
// allowed to reach the Provider Chain Executor. The quota half reuses
// ratelimit.RPMLimiter's sliding-window script keyed per workspace instead of
// globally; the kill-switch half is a narrow allow/deny lookup with no
// teacher equivalent.
package access

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/agenthub/gateway/internal/ratelimit"
)

// KillSwitch reports whether a workspace has been administratively
// disabled. A real implementation backs this with a database flag or a
// small Redis set; tests and local development can use an in-memory map.
type KillSwitch interface {
	IsDisabled(ctx context.Context, workspaceID string) (bool, error)
}

// MemoryKillSwitch is an in-process KillSwitch for tests and single-instance
// deployments.
type MemoryKillSwitch struct {
	disabled map[string]bool
}

// NewMemoryKillSwitch creates a MemoryKillSwitch with the given initially
// disabled workspace IDs.
func NewMemoryKillSwitch(disabledWorkspaces ...string) *MemoryKillSwitch {
	m := &MemoryKillSwitch{disabled: make(map[string]bool, len(disabledWorkspaces))}
	for _, id := range disabledWorkspaces {
		m.disabled[id] = true
	}
	return m
}

func (m *MemoryKillSwitch) IsDisabled(_ context.Context, workspaceID string) (bool, error) {
	return m.disabled[workspaceID], nil
}

// Disable marks workspaceID as disabled.
func (m *MemoryKillSwitch) Disable(workspaceID string) {
	m.disabled[workspaceID] = true
}

// Enable clears workspaceID's disabled flag.
func (m *MemoryKillSwitch) Enable(workspaceID string) {
	delete(m.disabled, workspaceID)
}

// Quota checks a per-workspace requests-per-minute limit, delegating the
// actual sliding-window accounting to ratelimit.RPMLimiter.AllowKey so the
// Lua script and its graceful-Redis-degradation behavior exist in one place.
type Quota struct {
	limiter *ratelimit.RPMLimiter
}

// NewQuota creates a Quota backed by rdb. rpmLimit passed to NewRPMLimiter
// here is unused by AllowKey (each call supplies its own limit) — 0 is fine.
func NewQuota(rdb *redis.Client) *Quota {
	return &Quota{limiter: ratelimit.NewRPMLimiter(rdb, 0)}
}

// Allow reports whether workspaceID is within its per-minute limit.
func (q *Quota) Allow(ctx context.Context, workspaceID string, rpmLimit int) (bool, error) {
	if rpmLimit <= 0 {
		return false, nil
	}
	return q.limiter.AllowKey(ctx, "access:quota:"+workspaceID, rpmLimit)
}

// Decision is the outcome of an access check.
type Decision int

const (
	Allowed Decision = iota
	DeniedKillSwitch
	DeniedQuota
)

// Controller combines the kill-switch and quota checks into a single
// per-request gate.
type Controller struct {
	killSwitch KillSwitch
	quota      *Quota
	rpmLimit   int
}

// New creates a Controller. killSwitch may be nil (no kill-switch
// configured, always allowed); quota may be nil (no RPM limiting).
func New(killSwitch KillSwitch, quota *Quota, rpmLimit int) *Controller {
	return &Controller{killSwitch: killSwitch, quota: quota, rpmLimit: rpmLimit}
}

// Check runs the kill-switch check before the quota check, since a
// disabled workspace should never consume quota capacity.
func (c *Controller) Check(ctx context.Context, workspaceID string) (Decision, error) {
	if c.killSwitch != nil {
		disabled, err := c.killSwitch.IsDisabled(ctx, workspaceID)
		if err != nil {
			return Allowed, err
		}
		if disabled {
			return DeniedKillSwitch, nil
		}
	}

	if c.quota != nil {
		allowed, err := c.quota.Allow(ctx, workspaceID, c.rpmLimit)
		if err != nil {
			return Allowed, err
		}
		if !allowed {
			return DeniedQuota, nil
		}
	}

	return Allowed, nil
}
