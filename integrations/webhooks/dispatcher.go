// Package webhooks forwards committed ledger events to an external indexer.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"moneymarket/core/events"
	"moneymarket/core/types"
)

const (
	// EventHeader carries the event type of a delivery.
	EventHeader = "X-MM-Event"
	// SignatureHeader carries "sha256=<hex hmac of body>".
	SignatureHeader = "X-MM-Signature"
	// DeliveryHeader carries the delivery id, stable across retries.
	DeliveryHeader = "X-MM-Delivery"

	defaultMaxAttempts = 5
	defaultMinBackoff  = 2 * time.Second
	defaultMaxBackoff  = 30 * time.Second
	defaultQueueSize   = 256
)

var errClosed = errors.New("webhook: dispatcher closed")

// Payload is the JSON body of one delivery.
type Payload struct {
	DeliveryID string            `json:"deliveryId"`
	Type       string            `json:"type"`
	Tick       uint64            `json:"tick"`
	Attributes map[string]string `json:"attributes"`
	SentAt     time.Time         `json:"sentAt"`
}

// Dispatcher delivers events with retry and exponential backoff. It implements
// events.Emitter; Emit never blocks and drops events when the queue is full.
type Dispatcher struct {
	endpoint    string
	secret      []byte
	client      *http.Client
	logger      *slog.Logger
	maxAttempts int
	minBackoff  time.Duration
	maxBackoff  time.Duration
	queueSize   int

	ctx     context.Context
	cancel  context.CancelFunc
	queue   chan delivery
	wg      sync.WaitGroup
	dropped atomic.Uint64
	failed  atomic.Uint64
}

type delivery struct {
	id        string
	eventType string
	body      []byte
}

var _ events.Emitter = (*Dispatcher)(nil)

// Option mutates dispatcher configuration.
type Option func(*Dispatcher)

// WithHTTPClient overrides the HTTP client used for deliveries.
func WithHTTPClient(client *http.Client) Option {
	return func(d *Dispatcher) {
		if client != nil {
			d.client = client
		}
	}
}

// WithRetryPolicy overrides the retry configuration.
func WithRetryPolicy(maxAttempts int, minBackoff, maxBackoff time.Duration) Option {
	return func(d *Dispatcher) {
		if maxAttempts > 0 {
			d.maxAttempts = maxAttempts
		}
		if minBackoff > 0 {
			d.minBackoff = minBackoff
		}
		if maxBackoff >= minBackoff && maxBackoff > 0 {
			d.maxBackoff = maxBackoff
		}
	}
}

// WithQueueSize bounds the number of undelivered events held in memory.
func WithQueueSize(size int) Option {
	return func(d *Dispatcher) {
		if size > 0 {
			d.queueSize = size
		}
	}
}

// WithLogger sets the logger for failed deliveries.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDispatcher constructs a dispatcher and spawns the worker goroutine.
func NewDispatcher(endpoint string, secret []byte, opts ...Option) (*Dispatcher, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("webhook: endpoint required")
	}
	if len(secret) == 0 {
		return nil, errors.New("webhook: secret required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		endpoint:    endpoint,
		secret:      append([]byte(nil), secret...),
		client:      &http.Client{Timeout: 15 * time.Second},
		logger:      slog.Default(),
		maxAttempts: defaultMaxAttempts,
		minBackoff:  defaultMinBackoff,
		maxBackoff:  defaultMaxBackoff,
		queueSize:   defaultQueueSize,
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.queue = make(chan delivery, d.queueSize)
	d.wg.Add(1)
	go d.worker()
	return d, nil
}

// Close stops the dispatcher and waits for the in-flight delivery to finish.
// Queued events that were not yet sent are discarded.
func (d *Dispatcher) Close() error {
	if d == nil {
		return nil
	}
	d.cancel()
	d.wg.Wait()
	return nil
}

// Emit implements events.Emitter.
func (d *Dispatcher) Emit(e events.Event) {
	flat, ok := e.(events.Flattener)
	if !ok {
		return
	}
	if err := d.Enqueue(flat.Event()); err != nil {
		d.dropped.Add(1)
		d.logger.Warn("webhook event dropped", "type", e.EventType(), "error", err)
	}
}

// Enqueue schedules evt for delivery without blocking.
func (d *Dispatcher) Enqueue(evt *types.Event) error {
	if d == nil {
		return errors.New("webhook: dispatcher not initialised")
	}
	if evt == nil {
		return nil
	}
	payload := Payload{
		DeliveryID: uuid.NewString(),
		Type:       evt.Type,
		Tick:       evt.Tick,
		Attributes: evt.Attributes,
		SentAt:     time.Now().UTC(),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if d.ctx.Err() != nil {
		return errClosed
	}
	select {
	case d.queue <- delivery{id: payload.DeliveryID, eventType: evt.Type, body: data}:
		return nil
	default:
		return fmt.Errorf("webhook: queue full (%d)", d.queueSize)
	}
}

// Dropped counts events rejected because the queue was full or closed.
func (d *Dispatcher) Dropped() uint64 { return d.dropped.Load() }

// Failed counts deliveries abandoned after the last retry.
func (d *Dispatcher) Failed() uint64 { return d.failed.Load() }

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case job := <-d.queue:
			d.process(job)
		case <-d.ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) process(job delivery) {
	backoff := d.minBackoff
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(d.ctx, d.client.Timeout)
		err := d.send(ctx, job)
		cancel()
		if err == nil {
			return
		}
		if attempt >= d.maxAttempts || d.ctx.Err() != nil {
			d.failed.Add(1)
			d.logger.Error("webhook delivery abandoned",
				"delivery", job.id, "type", job.eventType, "attempts", attempt, "error", err)
			return
		}
		select {
		case <-time.After(backoff):
		case <-d.ctx.Done():
			d.failed.Add(1)
			return
		}
		backoff = nextBackoff(backoff, d.maxBackoff)
	}
}

func (d *Dispatcher) send(ctx context.Context, job delivery) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(job.body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, job.eventType)
	req.Header.Set(DeliveryHeader, job.id)
	req.Header.Set(SignatureHeader, Sign(d.secret, job.body))
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("webhook: delivery failed with status %d", resp.StatusCode)
}

// Sign returns the signature header value for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches body under secret.
func Verify(secret, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(strings.TrimSpace(signature)))
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max || next < current {
		return max
	}
	return next
}
