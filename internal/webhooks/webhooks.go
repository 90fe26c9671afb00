// Package webhooks delivers lifecycle and policy events to tenant-registered
// HTTP endpoints.
//
// A Dispatcher is an audit sink: each recorded event is matched against the
// tenant's active webhooks and POSTed, signed with HMAC-SHA256, in the
// background. Webhooks that keep failing are deactivated.
package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/dogan/internal/audit"
	"github.com/mbd888/dogan/internal/clock"
	"github.com/mbd888/dogan/internal/retry"
)

var (
	ErrNotFound     = errors.New("webhooks: not found")
	ErrInvalidInput = errors.New("webhooks: invalid input")
)

// Delivery headers.
const (
	HeaderEvent     = "X-Dogan-Event"
	HeaderTimestamp = "X-Dogan-Timestamp"
	HeaderSignature = "X-Dogan-Signature"
)

// DefaultMaxFailures is the number of consecutive failed deliveries after
// which a webhook is deactivated.
const DefaultMaxFailures = 10

var (
	deliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dogan",
		Subsystem: "webhook",
		Name:      "deliveries_total",
		Help:      "Webhook deliveries by result.",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(deliveriesTotal)
}

// Webhook is a tenant's registration for event delivery.
type Webhook struct {
	ID                  string     `json:"id"`
	TenantID            string     `json:"tenantId"`
	URL                 string     `json:"url"`
	Secret              string     `json:"-"`
	Events              []string   `json:"events"`
	Active              bool       `json:"active"`
	CreatedAt           time.Time  `json:"createdAt"`
	LastSuccess         *time.Time `json:"lastSuccess,omitempty"`
	LastError           string     `json:"lastError,omitempty"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
}

// Matches reports whether the webhook wants events of type eventType.
// Patterns are exact types, "<entity>.*", or "*".
func (w *Webhook) Matches(eventType string) bool {
	for _, p := range w.Events {
		switch {
		case p == "*" || p == eventType:
			return true
		case strings.HasSuffix(p, ".*") && strings.HasPrefix(eventType, strings.TrimSuffix(p, "*")):
			return true
		}
	}
	return false
}

var patternRE = regexp.MustCompile(`^(\*|(tenant|subscription|agent|policy)\.(\*|[a-z_]+))$`)

// ValidatePatterns checks event patterns such as "tenant.suspended",
// "agent.*" or "*".
func ValidatePatterns(patterns []string) error {
	if len(patterns) == 0 {
		return fmt.Errorf("%w: at least one event pattern required", ErrInvalidInput)
	}
	for _, p := range patterns {
		if !patternRE.MatchString(p) {
			return fmt.Errorf("%w: unknown event pattern %q", ErrInvalidInput, p)
		}
	}
	return nil
}

// EventType names an audit event for delivery: "<entity>.<to status>" for
// transitions and "policy.<decision>" for decisions.
func EventType(ev audit.Event) string {
	if ev.Kind == audit.KindDecision {
		return "policy." + ev.Decision
	}
	return ev.EntityType + "." + ev.ToStatus
}

// Payload is the delivered JSON body.
type Payload struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	TenantID  string      `json:"tenantId"`
	Timestamp time.Time   `json:"timestamp"`
	Data      audit.Event `json:"data"`
}

// Store persists webhooks.
type Store interface {
	Create(ctx context.Context, w *Webhook) error
	Get(ctx context.Context, id string) (*Webhook, error)
	ListByTenant(ctx context.Context, tenantID string) ([]*Webhook, error)
	Delete(ctx context.Context, tenantID, id string) error
	// RecordDelivery stores a delivery outcome and deactivates the webhook
	// once consecutive failures reach maxFailures.
	RecordDelivery(ctx context.Context, id string, success bool, errMsg string, at time.Time, maxFailures int) error
}

// Dispatcher sends audit events to matching webhooks.
type Dispatcher struct {
	store       Store
	http        *resty.Client
	clock       clock.Clock
	logger      *slog.Logger
	attempts    int
	backoff     time.Duration
	maxFailures int
	wg          sync.WaitGroup
}

// NewDispatcher creates a dispatcher with the given per-request timeout.
func NewDispatcher(store Store, timeout time.Duration) *Dispatcher {
	return &Dispatcher{
		store:       store,
		http:        resty.New().SetTimeout(timeout),
		clock:       clock.Real{},
		logger:      slog.Default(),
		attempts:    3,
		backoff:     500 * time.Millisecond,
		maxFailures: DefaultMaxFailures,
	}
}

// WithRetry sets delivery attempts and the initial backoff.
func (d *Dispatcher) WithRetry(attempts int, backoff time.Duration) *Dispatcher {
	d.attempts = attempts
	d.backoff = backoff
	return d
}

// WithMaxFailures sets the deactivation threshold.
func (d *Dispatcher) WithMaxFailures(n int) *Dispatcher {
	d.maxFailures = n
	return d
}

// WithClock sets the clock used for delivery timestamps.
func (d *Dispatcher) WithClock(c clock.Clock) *Dispatcher {
	d.clock = c
	return d
}

// WithLogger sets the logger.
func (d *Dispatcher) WithLogger(l *slog.Logger) *Dispatcher {
	d.logger = l
	return d
}

// Record queues ev for every active webhook of its tenant that matches.
// Delivery happens in the background; only lookup errors are returned.
func (d *Dispatcher) Record(ctx context.Context, ev audit.Event) error {
	if ev.TenantID == "" {
		return nil
	}
	hooks, err := d.store.ListByTenant(ctx, ev.TenantID)
	if err != nil {
		return fmt.Errorf("list webhooks: %w", err)
	}

	p := Payload{ID: ev.ID, Type: EventType(ev), TenantID: ev.TenantID, Timestamp: ev.At, Data: ev}
	bgCtx := context.WithoutCancel(ctx)
	for _, w := range hooks {
		if !w.Active || !w.Matches(p.Type) {
			continue
		}
		d.wg.Add(1)
		go func(w *Webhook) {
			defer d.wg.Done()
			d.deliver(bgCtx, w, p)
		}(w)
	}
	return nil
}

var _ audit.Sink = (*Dispatcher)(nil)

// Wait blocks until in-flight deliveries finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

type statusError struct{ code int }

func (e *statusError) Error() string { return "status " + strconv.Itoa(e.code) }

func (d *Dispatcher) deliver(ctx context.Context, w *Webhook, p Payload) {
	body, err := json.Marshal(p)
	if err == nil {
		err = retry.Do(ctx, d.attempts, d.backoff, func() error {
			req := d.http.R().
				SetContext(ctx).
				SetHeader("Content-Type", "application/json").
				SetHeader(HeaderEvent, p.Type).
				SetHeader(HeaderTimestamp, strconv.FormatInt(p.Timestamp.Unix(), 10)).
				SetBody(body)
			if w.Secret != "" {
				req.SetHeader(HeaderSignature, Sign(body, w.Secret))
			}
			resp, err := req.Post(w.URL)
			if err != nil {
				return err
			}
			code := resp.StatusCode()
			if code >= 200 && code < 300 {
				return nil
			}
			if code >= 400 && code < 500 && code != http.StatusTooManyRequests {
				return retry.Permanent(&statusError{code: code})
			}
			return &statusError{code: code}
		})
	}

	result, msg := "delivered", ""
	if err != nil {
		result, msg = "failed", err.Error()
		d.logger.Warn("webhook delivery failed",
			"webhook_id", w.ID, "tenant_id", w.TenantID, "event", p.Type, "error", err)
	}
	deliveriesTotal.WithLabelValues(result).Inc()

	if rerr := d.store.RecordDelivery(ctx, w.ID, err == nil, msg, d.clock.Now(), d.maxFailures); rerr != nil && !errors.Is(rerr, ErrNotFound) {
		d.logger.Error("webhook delivery state not saved", "webhook_id", w.ID, "error", rerr)
	}
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
