// Package session implements the background sweep that marks idle sessions
// completed, the way the teacher's internal/logger and internal/proxy
// healthchecker packages run their own ticker-driven background loops.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrNotFound is returned by Store.Get when no session exists for the given
// ID — the Router turns this into a client-facing validation error rather
// than minting a session the caller didn't ask for.
var ErrNotFound = errors.New("session: not found")

// Status is the lifecycle state of a Session. The reaper is the only writer
// of the Active → Completed transition. StatusFailed is a recognised value,
// but no code in the gateway sets it.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Session is the persisted record a Router resolves or creates once per
// request and appends messages to as the conversation continues.
type Session struct {
	ID         string
	Kind       Kind
	ProjectID  string
	Status     Status
	AgentSlug  string
	ExternalID string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Message is one turn in a session's ordered message log.
type Message struct {
	Role      string
	Content   string
	CreatedAt time.Time
}

// Kind identifies the category of work a session represents. Each kind has
// its own idle timeout, since a chat session and a long-running roundtable
// discussion go stale at very different rates.
type Kind string

const (
	Completion      Kind = "completion"
	Chat            Kind = "chat"
	Roundtable      Kind = "roundtable"
	ImageGeneration Kind = "image_generation"
	Agent           Kind = "agent"
)

// AllKinds lists every session kind the reaper sweeps, in a fixed order so
// sweep logging and metrics are stable across runs.
var AllKinds = []Kind{Completion, Chat, Roundtable, ImageGeneration, Agent}

// Timeouts maps each Kind to its idle timeout.
type Timeouts map[Kind]time.Duration

// DefaultTimeouts mirrors the original per-kind settings (session_timeout_*
// minutes), expressed as durations.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Completion:      30 * time.Minute,
		Chat:            60 * time.Minute,
		Roundtable:      120 * time.Minute,
		ImageGeneration: 15 * time.Minute,
		Agent:           240 * time.Minute,
	}
}

// Store is the persistence boundary the reaper sweeps through. A real
// implementation batches the update as a single statement
// (`UPDATE ... WHERE id IN (...)`), matching the original task's
// `update(Session).where(Session.id.in_(session_ids))` shape.
type Store interface {
	// Touch records sessionID as active for kind as of now, creating it if
	// this is its first activity.
	Touch(ctx context.Context, kind Kind, sessionID string, now time.Time) error
	// StaleSessionIDs returns the IDs of active sessions of kind whose last
	// activity is older than cutoff.
	StaleSessionIDs(ctx context.Context, kind Kind, cutoff time.Time) ([]string, error)
	// CompleteSessions marks every session in ids as completed in one batch.
	CompleteSessions(ctx context.Context, ids []string) error

	// Get returns the session record for id, or ErrNotFound if no session
	// has ever been created under that ID.
	Get(ctx context.Context, id string) (*Session, error)
	// Create persists a new, active session. It does not check for an
	// existing one: a later Create for the same ID overwrites its fields.
	Create(ctx context.Context, id string, kind Kind, projectID string, now time.Time) (*Session, error)
	// AppendMessage adds msg to the end of the session's ordered message
	// log and bumps its last-activity timestamp. Callers must serialize
	// appends per session themselves (e.g. via a per-session mutex) — the
	// store only guarantees the single append is atomic, not ordering
	// across concurrent callers.
	AppendMessage(ctx context.Context, id string, msg Message) error
	// Messages returns every message appended to the session, in arrival
	// order.
	Messages(ctx context.Context, id string) ([]Message, error)
}

// MetricsRecorder is the subset of the metrics registry the reaper uses.
type MetricsRecorder interface {
	RecordSessionsReaped(kind string, count int)
}

const defaultSweepInterval = 5 * time.Minute

// Reaper periodically sweeps every session Kind for stale, still-active
// sessions and marks them completed.
type Reaper struct {
	store    Store
	timeouts Timeouts
	interval time.Duration
	log      *slog.Logger
	metrics  MetricsRecorder

	done chan struct{}
	wg   sync.WaitGroup
}

// Option configures a Reaper.
type Option func(*Reaper)

// WithInterval overrides the default 5-minute sweep interval.
func WithInterval(d time.Duration) Option {
	return func(r *Reaper) { r.interval = d }
}

// WithTimeouts overrides the default per-kind timeouts.
func WithTimeouts(t Timeouts) Option {
	return func(r *Reaper) { r.timeouts = t }
}

// WithLogger sets the structured logger used for sweep results.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reaper) { r.log = l }
}

// WithMetrics wires a metrics recorder for per-kind reap counts.
func WithMetrics(m MetricsRecorder) Option {
	return func(r *Reaper) { r.metrics = m }
}

// New creates a Reaper and starts its background sweep loop, stopped by
// cancelling ctx or calling Close.
func New(ctx context.Context, store Store, opts ...Option) *Reaper {
	r := &Reaper{
		store:    store,
		timeouts: DefaultTimeouts(),
		interval: defaultSweepInterval,
		log:      slog.Default(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.wg.Add(1)
	go r.run(ctx)

	return r
}

func (r *Reaper) run(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Sweep(ctx)
		case <-ctx.Done():
			return
		case <-r.done:
			return
		}
	}
}

// Sweep runs one pass over every session kind, marking stale active
// sessions completed, and returns the total number reaped. It can be
// called directly (e.g. from a management endpoint) in addition to the
// background loop.
func (r *Reaper) Sweep(ctx context.Context) int {
	now := time.Now()
	total := 0

	for _, kind := range AllKinds {
		timeout, ok := r.timeouts[kind]
		if !ok {
			continue
		}
		cutoff := now.Add(-timeout)

		ids, err := r.store.StaleSessionIDs(ctx, kind, cutoff)
		if err != nil {
			r.log.ErrorContext(ctx, "session_reap_query_failed",
				slog.String("kind", string(kind)),
				slog.String("error", err.Error()),
			)
			continue
		}
		if len(ids) == 0 {
			continue
		}

		if err := r.store.CompleteSessions(ctx, ids); err != nil {
			r.log.ErrorContext(ctx, "session_reap_update_failed",
				slog.String("kind", string(kind)),
				slog.Int("count", len(ids)),
				slog.String("error", err.Error()),
			)
			continue
		}

		r.log.InfoContext(ctx, "session_reap",
			slog.String("kind", string(kind)),
			slog.Int("count", len(ids)),
			slog.Duration("timeout", timeout),
		)
		if r.metrics != nil {
			r.metrics.RecordSessionsReaped(string(kind), len(ids))
		}
		total += len(ids)
	}

	if total == 0 {
		r.log.DebugContext(ctx, "session_reap_none_found")
	}

	return total
}

// Close stops the background sweep loop.
func (r *Reaper) Close() {
	close(r.done)
	r.wg.Wait()
}
