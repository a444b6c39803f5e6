// Package webhook delivers signed event notifications to configured HTTP
// endpoints. Payloads are signed with HMAC-SHA256 and failed deliveries are
// retried with backoff on a small background worker pool.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrQueueFull = errors.New("webhook queue full")
	ErrClosed    = errors.New("webhook dispatcher closed")
)

// Endpoint is a delivery destination. An empty Events list subscribes to
// every event.
type Endpoint struct {
	URL    string
	Secret string
	Events []string
}

// Event is the envelope POSTed to endpoints.
type Event struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id"`
	TenantID     string          `json:"tenant_id,omitempty"`
	Payload      json.RawMessage `json:"payload"`
	Timestamp    time.Time       `json:"timestamp"`
}

// DeliveryResult summarises delivery of one event to one endpoint.
type DeliveryResult struct {
	URL        string
	Success    bool
	StatusCode int
	Attempts   int
	Error      string
}

// Metrics counts delivery outcomes.
type Metrics interface {
	ObserveWebhookDelivery(event, outcome string)
}

type Option func(*Dispatcher)

func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// WithRetryDelays sets the waits between attempts; the number of attempts
// is len(delays)+1.
func WithRetryDelays(delays ...time.Duration) Option {
	return func(d *Dispatcher) { d.retryDelays = delays }
}

func WithMetrics(m Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

func WithWorkers(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

func WithQueueSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queueSize = n
		}
	}
}

// Dispatcher fans events out to endpoints.
type Dispatcher struct {
	endpoints   []Endpoint
	client      *http.Client
	retryDelays []time.Duration
	metrics     Metrics
	logger      zerolog.Logger
	workers     int
	queueSize   int

	mu     sync.RWMutex
	queue  chan Event
	closed bool
	wg     sync.WaitGroup
}

func NewDispatcher(endpoints []Endpoint, logger zerolog.Logger, opts ...Option) (*Dispatcher, error) {
	for _, ep := range endpoints {
		if err := validateURL(ep.URL); err != nil {
			return nil, fmt.Errorf("webhook endpoint %q: %w", ep.URL, err)
		}
	}
	d := &Dispatcher{
		endpoints:   endpoints,
		client:      &http.Client{Timeout: 10 * time.Second},
		retryDelays: []time.Duration{time.Second, 5 * time.Second, 30 * time.Second},
		logger:      logger.With().Str("component", "webhook").Logger(),
		workers:     2,
		queueSize:   256,
	}
	for _, o := range opts {
		o(d)
	}
	d.queue = make(chan Event, d.queueSize)
	return d, nil
}

// Start launches the delivery workers. They exit when ctx is cancelled or
// after Close has drained the queue.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-d.queue:
					if !ok {
						return
					}
					d.Deliver(ctx, ev)
				}
			}
		}()
	}
}

// Enqueue schedules ev for asynchronous delivery without blocking.
func (d *Dispatcher) Enqueue(ev Event) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	select {
	case d.queue <- ev:
		return nil
	default:
		if d.metrics != nil {
			d.metrics.ObserveWebhookDelivery(ev.Type, "dropped")
		}
		return ErrQueueFull
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

// Deliver sends ev to every subscribed endpoint, retrying transient failures.
func (d *Dispatcher) Deliver(ctx context.Context, ev Event) []DeliveryResult {
	payload, err := json.Marshal(ev)
	if err != nil {
		d.logger.Error().Err(err).Str("event_id", ev.ID).Msg("marshal webhook event")
		return nil
	}

	var results []DeliveryResult
	for _, ep := range d.endpoints {
		if !subscribed(ep, ev.Type) {
			continue
		}
		res := d.deliverWithRetry(ctx, ep, ev, payload)
		outcome := "success"
		if !res.Success {
			outcome = "failed"
			d.logger.Warn().
				Str("event_id", ev.ID).
				Str("event", ev.Type).
				Str("url", ep.URL).
				Int("status", res.StatusCode).
				Int("attempts", res.Attempts).
				Str("error", res.Error).
				Msg("webhook delivery failed")
		}
		if d.metrics != nil {
			d.metrics.ObserveWebhookDelivery(ev.Type, outcome)
		}
		results = append(results, res)
	}
	return results
}

func (d *Dispatcher) deliverWithRetry(ctx context.Context, ep Endpoint, ev Event, payload []byte) DeliveryResult {
	res := DeliveryResult{URL: ep.URL}
	for attempt := 0; ; attempt++ {
		res.Attempts = attempt + 1
		status, err := d.post(ctx, ep, ev, payload)
		res.StatusCode = status
		if err == nil {
			res.Success = true
			res.Error = ""
			return res
		}
		res.Error = err.Error()

		if !retryable(status) || attempt >= len(d.retryDelays) {
			return res
		}
		select {
		case <-ctx.Done():
			res.Error = ctx.Err().Error()
			return res
		case <-time.After(d.retryDelays[attempt]):
		}
	}
}

func (d *Dispatcher) post(ctx context.Context, ep Endpoint, ev Event, payload []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-ID", ev.ID)
	req.Header.Set("X-Webhook-Event", ev.Type)
	req.Header.Set("X-Webhook-Timestamp", time.Now().UTC().Format(time.RFC3339))
	if ep.Secret != "" {
		req.Header.Set("X-Webhook-Signature", "sha256="+SignPayload(payload, ep.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("non-2xx response: %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// retryable reports whether a failed attempt may succeed later. Status 0
// means a transport error.
func retryable(status int) bool {
	return status == 0 || status == http.StatusTooManyRequests || status >= 500
}

// SignPayload returns the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature produced by SignPayload. A "sha256="
// prefix is accepted.
func VerifySignature(payload []byte, secret, signature string) bool {
	signature = strings.TrimPrefix(signature, "sha256=")
	return hmac.Equal([]byte(SignPayload(payload, secret)), []byte(signature))
}

// eventMatches reports whether eventType matches a subscription pattern.
// Patterns are exact ("clinical_note.signed") or wildcards ("*.signed",
// "clinical_note.*", "*").
func eventMatches(pattern, eventType string) bool {
	switch {
	case pattern == "*" || pattern == eventType:
		return true
	case strings.HasPrefix(pattern, "*."):
		return strings.HasSuffix(eventType, pattern[1:])
	case strings.HasSuffix(pattern, ".*"):
		return strings.HasPrefix(eventType, pattern[:len(pattern)-1])
	}
	return false
}

func subscribed(ep Endpoint, eventType string) bool {
	if len(ep.Events) == 0 {
		return true
	}
	for _, p := range ep.Events {
		if eventMatches(p, eventType) {
			return true
		}
	}
	return false
}

func validateURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if s := strings.ToLower(u.Scheme); s != "http" && s != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("url host is required")
	}
	return nil
}
