package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"github.com/supportcrm/backend/internal/db"
	"github.com/supportcrm/backend/internal/models"
)

type Store interface {
	ListEvents(ctx context.Context, f db.EventFilter) ([]models.AIWebhookEvent, error)
	MarkEventProcessed(ctx context.Context, id string) error
	DeferEvent(ctx context.Context, id string, until time.Time) error
	ListActiveWebhooks(ctx context.Context) ([]models.WebhookSubscription, error)
	ListDeliveries(ctx context.Context, eventID string) ([]models.WebhookDelivery, error)
	SaveDelivery(ctx context.Context, d models.WebhookDelivery) error
}

// Delivery is the body POSTed to subscribers.
type Delivery struct {
	ID             string          `json:"id"`
	EventType      string          `json:"event_type"`
	AgentID        *string         `json:"agent_id,omitempty"`
	ConversationID *string         `json:"conversation_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Dispatcher drains unprocessed events oldest first. Each (event,
// subscription) pair is delivered until it succeeds or is dead-lettered, so a
// subscriber that already accepted an event is not sent it again. An event is
// marked processed once every subscribed endpoint is settled; until then it is
// deferred with backoff and later events keep flowing.
type Dispatcher struct {
	Store           Store
	Client          *http.Client
	Interval        time.Duration
	BatchSize       int
	SignatureHeader string
	Logger          zerolog.Logger

	// MaxAttempts dead-letters a delivery after that many failures.
	MaxAttempts int
	RetryBase   time.Duration
	RetryMax    time.Duration
	Now         func() time.Time
}

func NewDispatcher(store Store, interval time.Duration, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		Store:           store,
		Client:          &http.Client{Timeout: 10 * time.Second},
		Interval:        interval,
		BatchSize:       100,
		SignatureHeader: SignatureHeader,
		Logger:          logger.With().Str("component", "webhook").Logger(),
		MaxAttempts:     8,
		RetryBase:       30 * time.Second,
		RetryMax:        time.Hour,
		Now:             func() time.Time { return time.Now().UTC() },
	}
}

// Run dispatches on every tick until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	interval := d.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := d.DispatchOnce(ctx); err != nil && ctx.Err() == nil {
				d.Logger.Error().Err(err).Msg("webhook dispatch pass failed")
			}
		}
	}
}

// DispatchOnce runs a single pass over due events and returns how many were
// marked processed.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	now := d.now()
	unprocessed := false
	pending, err := d.Store.ListEvents(ctx, db.EventFilter{
		Processed: &unprocessed,
		DueAt:     &now,
		Ascending: true,
		Limit:     d.BatchSize,
	})
	if err != nil {
		return 0, fmt.Errorf("list pending events: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}
	subs, err := d.Store.ListActiveWebhooks(ctx)
	if err != nil {
		return 0, fmt.Errorf("list webhooks: %w", err)
	}

	done := 0
	for _, ev := range pending {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		retryAt, settled := d.deliverAll(ctx, ev, subs, now)
		if !settled {
			if err := d.Store.DeferEvent(ctx, ev.ID, retryAt); err != nil {
				d.Logger.Error().Err(err).Str("event_id", ev.ID).Msg("defer event failed")
			}
			continue
		}
		if err := d.Store.MarkEventProcessed(ctx, ev.ID); err != nil {
			d.Logger.Error().Err(err).Str("event_id", ev.ID).Msg("mark processed failed")
			continue
		}
		done++
	}
	return done, nil
}

// deliverAll attempts every subscription that still owes ev a delivery. It
// reports whether all of them are settled and, if not, when ev is next due.
func (d *Dispatcher) deliverAll(ctx context.Context, ev models.AIWebhookEvent, subs []models.WebhookSubscription, now time.Time) (time.Time, bool) {
	retryAt := now.Add(d.backoff(1))
	body, err := json.Marshal(Delivery{
		ID:             ev.ID,
		EventType:      ev.EventType,
		AgentID:        ev.AgentID,
		ConversationID: ev.ConversationID,
		Payload:        ev.Payload,
		CreatedAt:      ev.CreatedAt,
	})
	if err != nil {
		d.Logger.Error().Err(err).Str("event_id", ev.ID).Msg("encode delivery")
		return retryAt, false
	}
	records, err := d.Store.ListDeliveries(ctx, ev.ID)
	if err != nil {
		d.Logger.Error().Err(err).Str("event_id", ev.ID).Msg("list deliveries")
		return retryAt, false
	}
	byWebhook := make(map[string]models.WebhookDelivery, len(records))
	for _, r := range records {
		byWebhook[r.WebhookID] = r
	}

	settled := true
	var next time.Time
	for _, sub := range subs {
		if !Subscribed(sub, ev.EventType) {
			continue
		}
		rec, ok := byWebhook[sub.ID]
		if !ok {
			rec = models.WebhookDelivery{EventID: ev.ID, WebhookID: sub.ID}
		}
		if rec.Delivered || rec.DeadLettered {
			continue
		}
		if rec.NextAttemptAt == nil || !rec.NextAttemptAt.After(now) {
			rec = d.attempt(ctx, sub, ev, body, rec, now)
			if err := d.Store.SaveDelivery(ctx, rec); err != nil {
				d.Logger.Error().Err(err).Str("event_id", ev.ID).Str("webhook_id", sub.ID).Msg("save delivery")
				// Without the record a success would be resent, so retry soon.
				rec.Delivered, rec.DeadLettered = false, false
				due := now.Add(d.backoff(1))
				rec.NextAttemptAt = &due
			}
			if rec.Delivered || rec.DeadLettered {
				continue
			}
		}
		settled = false
		if next.IsZero() || rec.NextAttemptAt.Before(next) {
			next = *rec.NextAttemptAt
		}
	}
	if settled {
		return time.Time{}, true
	}
	return next, false
}

func (d *Dispatcher) attempt(ctx context.Context, sub models.WebhookSubscription, ev models.AIWebhookEvent, body []byte, rec models.WebhookDelivery, now time.Time) models.WebhookDelivery {
	rec.Attempts++
	rec.UpdatedAt = now
	err := d.deliver(ctx, sub, ev, body)
	if err == nil {
		rec.Delivered = true
		rec.LastError = ""
		rec.NextAttemptAt = nil
		return rec
	}
	rec.LastError = err.Error()
	log := d.Logger.Warn().Err(err).
		Str("event_id", ev.ID).
		Str("webhook_id", sub.ID).
		Int("attempts", rec.Attempts)

	var perm *permanentError
	if errors.As(err, &perm) || (d.MaxAttempts > 0 && rec.Attempts >= d.MaxAttempts) {
		rec.DeadLettered = true
		rec.NextAttemptAt = nil
		log.Msg("webhook delivery dead-lettered")
		return rec
	}
	due := now.Add(d.backoff(rec.Attempts))
	rec.NextAttemptAt = &due
	log.Time("next_attempt_at", due).Msg("webhook delivery failed")
	return rec
}

// backoff doubles from RetryBase per failed attempt, capped at RetryMax.
func (d *Dispatcher) backoff(attempts int) time.Duration {
	base, ceiling := d.RetryBase, d.RetryMax
	if base <= 0 {
		base = 30 * time.Second
	}
	if ceiling < base {
		ceiling = base
	}
	wait := base
	for i := 1; i < attempts && wait < ceiling; i++ {
		wait *= 2
	}
	if wait > ceiling {
		wait = ceiling
	}
	return wait
}

func (d *Dispatcher) now() time.Time {
	if d.Now == nil {
		return time.Now().UTC()
	}
	return d.Now().UTC()
}

// permanentError is a rejection that retrying cannot fix.
type permanentError struct {
	status int
}

func (e *permanentError) Error() string {
	return fmt.Sprintf("subscriber rejected delivery with %d", e.status)
}

func (d *Dispatcher) deliver(ctx context.Context, sub models.WebhookSubscription, ev models.AIWebhookEvent, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	header := d.SignatureHeader
	if header == "" {
		header = SignatureHeader
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(header, Sign(sub.SecretKey, body))
	req.Header.Set(EventHeader, ev.EventType)
	req.Header.Set(IDHeader, ev.ID)

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	switch code := resp.StatusCode; {
	case code >= 200 && code <= 299:
		return nil
	case code >= 400 && code <= 499 && code != http.StatusRequestTimeout && code != http.StatusTooManyRequests:
		return &permanentError{status: code}
	default:
		return fmt.Errorf("subscriber returned %d", code)
	}
}

// Subscribed reports whether the subscription wants eventType. An empty event
// list subscribes to everything.
func Subscribed(sub models.WebhookSubscription, eventType string) bool {
	return len(sub.Events) == 0 || slices.Contains(sub.Events, eventType)
}
