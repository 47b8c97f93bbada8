// Package webhook delivers gateway events to subscriber callback URLs with
// HMAC-SHA256 signing and exponential-backoff retry, the way the teacher's
// internal/logger package delivers request logs: a buffered channel feeding
// a background worker so the request hot path never blocks on an outbound
// HTTP call.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const (
	queueBuffer        = 1000
	defaultMaxAttempts = 5
	// backoffMax mirrors Celery's retry_backoff_max=300 (seconds) from the
	// task this dispatcher replaces.
	backoffMax = 300 * time.Second
)

// Subscription is a single webhook destination.
type Subscription struct {
	ID     string
	URL    string
	Secret string
	Event  string // event type this subscription listens for, e.g. "session.completed"
}

// Event is a payload to deliver to every Subscription matching Event.Type.
type Event struct {
	Type      string
	Payload   map[string]any
	CreatedAt time.Time
}

// MetricsRecorder is the subset of the metrics registry the dispatcher uses.
type MetricsRecorder interface {
	RecordWebhookDelivery(result string)
	RecordWebhookQueueDropped(subscription string)
}

// delivery is one queued attempt: a subscription paired with the event to
// send it.
type delivery struct {
	sub Subscription
	evt Event
}

// Dispatcher delivers events to subscriptions asynchronously. Each
// subscription gets its own bounded queue so one slow or down endpoint
// cannot starve deliveries to the others; only one delivery per
// subscription is ever in flight at a time, preserving ordering.
type Dispatcher struct {
	client      *http.Client
	log         *slog.Logger
	metrics     MetricsRecorder
	maxAttempts int
	backoffMax  time.Duration

	mu     sync.Mutex
	queues map[string]chan delivery // subscription ID -> bounded queue
	wg     sync.WaitGroup

	done chan struct{}
}

// New creates a Dispatcher. metrics may be nil.
func New(log *slog.Logger, metrics MetricsRecorder) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		client:      &http.Client{Timeout: 30 * time.Second},
		log:         log,
		metrics:     metrics,
		maxAttempts: defaultMaxAttempts,
		backoffMax:  backoffMax,
		queues:      make(map[string]chan delivery),
		done:        make(chan struct{}),
	}
}

// SetMaxAttempts overrides the default delivery attempt count. n must be ≥ 1.
func (d *Dispatcher) SetMaxAttempts(n int) {
	if n < 1 {
		return
	}
	d.maxAttempts = n
}

// SetBackoffMax overrides the default retry backoff cap. d must be positive.
func (d *Dispatcher) SetBackoffMax(max time.Duration) {
	if max <= 0 {
		return
	}
	d.backoffMax = max
}

// Dispatch enqueues evt for delivery to sub. Never blocks the caller: if
// the subscription's queue is full the event is dropped and counted.
func (d *Dispatcher) Dispatch(sub Subscription, evt Event) {
	q := d.queueFor(sub)

	select {
	case q <- delivery{sub: sub, evt: evt}:
	default:
		if d.metrics != nil {
			d.metrics.RecordWebhookQueueDropped(sub.ID)
		}
		d.log.Warn("webhook_queue_dropped",
			slog.String("subscription_id", sub.ID),
			slog.String("event_type", evt.Type),
		)
	}
}

// queueFor returns the bounded queue for sub, starting its worker goroutine
// the first time the subscription is seen.
func (d *Dispatcher) queueFor(sub Subscription) chan delivery {
	d.mu.Lock()
	defer d.mu.Unlock()

	q, ok := d.queues[sub.ID]
	if ok {
		return q
	}

	q = make(chan delivery, queueBuffer)
	d.queues[sub.ID] = q

	d.wg.Add(1)
	go d.worker(q)

	return q
}

// worker serially drains one subscription's queue so deliveries to it never
// race each other.
func (d *Dispatcher) worker(q chan delivery) {
	defer d.wg.Done()
	for {
		select {
		case item := <-q:
			d.deliverWithRetry(item)
		case <-d.done:
			return
		}
	}
}

// deliverWithRetry attempts delivery up to maxAttempts times with capped
// exponential backoff between attempts, mirroring the Celery task's
// retry_backoff_max=300 / max_retries=5 configuration.
func (d *Dispatcher) deliverWithRetry(item delivery) {
	var lastErr error
	for attempt := 0; attempt < d.maxAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(d.backoff(attempt))
		}

		err := d.deliverOnce(item.sub, item.evt, attempt)
		if err == nil {
			if d.metrics != nil {
				d.metrics.RecordWebhookDelivery("success")
			}
			return
		}
		lastErr = err
		d.log.Warn("webhook_delivery_failed",
			slog.String("subscription_id", item.sub.ID),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}

	if d.metrics != nil {
		d.metrics.RecordWebhookDelivery("failed")
	}
	d.log.Error("webhook_delivery_exhausted",
		slog.String("subscription_id", item.sub.ID),
		slog.String("url", item.sub.URL),
		slog.String("error", lastErr.Error()),
	)
}

// deliverOnce performs a single signed HTTP POST.
func (d *Dispatcher) deliverOnce(sub Subscription, evt Event, attempt int) error {
	body, err := json.Marshal(evt.Payload)
	if err != nil {
		return fmt.Errorf("webhook: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", Sign(body, sub.Secret))
	req.Header.Set("X-Webhook-Id", sub.ID)
	req.Header.Set("User-Agent", "AgentHub-Webhook/1.0")

	d.log.Info("webhook_sending",
		slog.String("subscription_id", sub.ID),
		slog.String("url", sub.URL),
		slog.Int("attempt", attempt+1),
	)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: non-2xx response: %d", resp.StatusCode)
	}
	return nil
}

// Sign computes the hex-encoded HMAC-SHA256 signature of body using secret.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature is the correct HMAC-SHA256 signature of
// body under secret, using a constant-time comparison.
func Verify(body []byte, secret, signature string) bool {
	want := Sign(body, secret)
	return hmac.Equal([]byte(want), []byte(signature))
}

// backoff returns the delay before retry attempt n (1-indexed), capped at
// backoffMax — the same ceiling Celery's retry_backoff_max=300 enforced.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	dur := time.Duration(1<<uint(attempt)) * time.Second
	if dur > d.backoffMax {
		return d.backoffMax
	}
	return dur
}

// Close signals every worker to stop and waits for them to exit. A worker
// first finishes the delivery it is running, including its remaining retry
// attempts and backoff waits; deliveries still queued may be sent or dropped.
func (d *Dispatcher) Close() {
	close(d.done)
	d.wg.Wait()
}
