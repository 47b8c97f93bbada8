package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// activeSetKey is the sorted set of session IDs for kind, scored by their
// last-activity unix timestamp — the same sorted-set-as-timeline pattern the
// teacher's RPM limiter uses for its sliding window, just keyed by session
// ID instead of a request nonce.
func activeSetKey(kind Kind) string {
	return "session:active:" + string(kind)
}

// dataKey is the Redis hash holding a session's fields.
func dataKey(id string) string {
	return "session:data:" + id
}

// messagesKey is the Redis list holding a session's ordered message log.
func messagesKey(id string) string {
	return "session:msgs:" + id
}

// RedisStore is a Store backed by one Redis sorted set per Kind. Touch
// records or refreshes a session's last-activity score; the reaper reads
// stale IDs straight off the low end of the set and removes them once
// completed.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore creates a RedisStore backed by rdb.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// Touch records sessionID as active for kind as of now. Call this whenever a
// session receives a new turn.
func (s *RedisStore) Touch(ctx context.Context, kind Kind, sessionID string, now time.Time) error {
	return s.rdb.ZAdd(ctx, activeSetKey(kind), redis.Z{
		Score:  float64(now.Unix()),
		Member: sessionID,
	}).Err()
}

// StaleSessionIDs returns every session of kind whose last Touch predates
// cutoff.
func (s *RedisStore) StaleSessionIDs(ctx context.Context, kind Kind, cutoff time.Time) ([]string, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, activeSetKey(kind), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("session: stale lookup: %w", err)
	}
	return ids, nil
}

// CompleteSessions removes every ID in ids from all kinds' active sets and
// flips each session's stored status to completed, in one pipelined call,
// matching the original's single batched UPDATE.
func (s *RedisStore) CompleteSessions(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = id
	}

	pipe := s.rdb.Pipeline()
	for _, kind := range AllKinds {
		pipe.ZRem(ctx, activeSetKey(kind), members...)
	}
	for _, id := range ids {
		pipe.HSet(ctx, dataKey(id), "status", string(StatusCompleted))
	}
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("session: complete sessions: %w", err)
	}
	return nil
}

// Get returns the persisted session record for id, or ErrNotFound if the
// hash at dataKey(id) doesn't exist.
func (s *RedisStore) Get(ctx context.Context, id string) (*Session, error) {
	vals, err := s.rdb.HGetAll(ctx, dataKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("session: get %s: %w", id, err)
	}
	if len(vals) == 0 {
		return nil, ErrNotFound
	}

	createdUnix, _ := strconv.ParseInt(vals["created_at"], 10, 64)
	updatedUnix, _ := strconv.ParseInt(vals["updated_at"], 10, 64)

	return &Session{
		ID:         id,
		Kind:       Kind(vals["kind"]),
		ProjectID:  vals["project_id"],
		Status:     Status(vals["status"]),
		AgentSlug:  vals["agent_slug"],
		ExternalID: vals["external_id"],
		CreatedAt:  time.Unix(createdUnix, 0).UTC(),
		UpdatedAt:  time.Unix(updatedUnix, 0).UTC(),
	}, nil
}

// Create persists a new active session under id. Called after Get has
// already confirmed the session doesn't exist, so this is a plain HSet
// rather than a SETNX-guarded write — matching the store's existing
// best-effort-not-strict-CAS style used throughout the rest of the package.
func (s *RedisStore) Create(ctx context.Context, id string, kind Kind, projectID string, now time.Time) (*Session, error) {
	sess := &Session{
		ID:        id,
		Kind:      kind,
		ProjectID: projectID,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := s.rdb.HSet(ctx, dataKey(id), map[string]interface{}{
		"kind":       string(kind),
		"project_id": projectID,
		"status":     string(StatusActive),
		"created_at": now.Unix(),
		"updated_at": now.Unix(),
	}).Err()
	if err != nil {
		return nil, fmt.Errorf("session: create %s: %w", id, err)
	}

	if err := s.Touch(ctx, kind, id, now); err != nil {
		return nil, err
	}

	return sess, nil
}

// AppendMessage adds msg to the session's ordered log and refreshes its
// last-activity timestamp in the same pipeline.
func (s *RedisStore) AppendMessage(ctx context.Context, id string, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("session: marshal message for %s: %w", id, err)
	}

	pipe := s.rdb.Pipeline()
	pipe.RPush(ctx, messagesKey(id), data)
	pipe.HSet(ctx, dataKey(id), "updated_at", msg.CreatedAt.Unix())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: append message for %s: %w", id, err)
	}
	return nil
}

// Messages returns every message appended to the session, in arrival order.
func (s *RedisStore) Messages(ctx context.Context, id string) ([]Message, error) {
	raw, err := s.rdb.LRange(ctx, messagesKey(id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("session: messages for %s: %w", id, err)
	}

	msgs := make([]Message, 0, len(raw))
	for _, r := range raw {
		var m Message
		if err := json.Unmarshal([]byte(r), &m); err != nil {
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}
