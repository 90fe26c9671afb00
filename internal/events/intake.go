package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/dogan/internal/agent"
	"github.com/mbd888/dogan/internal/clock"
	"github.com/mbd888/dogan/internal/metrics"
	"github.com/mbd888/dogan/internal/retry"
	"github.com/mbd888/dogan/internal/subscription"
)

// Intake decodes bus payloads and applies them, retrying optimistic
// conflicts with backoff.
type Intake struct {
	billing    BillingRecorder
	heartbeats HeartbeatRecorder
	attempts   int
	backoff    time.Duration
	clock      clock.Clock
	logger     *slog.Logger
}

// NewIntake creates an intake. Either recorder may be nil to ignore that feed.
func NewIntake(billing BillingRecorder, heartbeats HeartbeatRecorder, logger *slog.Logger) *Intake {
	return &Intake{
		billing:    billing,
		heartbeats: heartbeats,
		attempts:   5,
		backoff:    20 * time.Millisecond,
		clock:      clock.Real{},
		logger:     logger,
	}
}

// WithRetry sets the attempt count and initial backoff for conflicts.
func (in *Intake) WithRetry(attempts int, backoff time.Duration) *Intake {
	in.attempts = attempts
	in.backoff = backoff
	return in
}

// WithClock sets the clock that stamps heartbeats sent without lastSeenAt.
func (in *Intake) WithClock(clk clock.Clock) *Intake {
	in.clock = clk
	return in
}

var errMalformed = errors.New("events: malformed payload")

// HandleBilling applies one billing.outcome payload. Duplicate deliveries,
// unknown subscriptions and terminal subscriptions are acknowledged
// without error; redelivery would not change the outcome.
func (in *Intake) HandleBilling(ctx context.Context, data []byte) error {
	if in.billing == nil {
		return nil
	}
	var msg BillingOutcome
	if err := json.Unmarshal(data, &msg); err != nil || msg.SubscriptionID == "" || msg.BillingDate.IsZero() {
		metrics.EventMessagesTotal.WithLabelValues(SubjectBillingOutcome, "malformed").Inc()
		return errMalformed
	}

	err := retry.DoIf(ctx, in.attempts, in.backoff, retry.IsAny(subscription.ErrConflict), func() error {
		_, err := in.billing.RecordBillingOutcome(ctx, subscription.BillingEvent{
			SubscriptionID: msg.SubscriptionID,
			BillingDate:    msg.BillingDate,
			Success:        msg.Success,
		})
		return err
	})
	switch {
	case err == nil:
		metrics.EventMessagesTotal.WithLabelValues(SubjectBillingOutcome, "applied").Inc()
		return nil
	case errors.Is(err, subscription.ErrNotFound), errors.Is(err, subscription.ErrAlreadyTerminal):
		metrics.EventMessagesTotal.WithLabelValues(SubjectBillingOutcome, "ignored").Inc()
		in.logger.Warn("billing outcome ignored", "subscription_id", msg.SubscriptionID, "reason", err)
		return nil
	}
	metrics.EventMessagesTotal.WithLabelValues(SubjectBillingOutcome, "failed").Inc()
	return fmt.Errorf("events: billing outcome for %s: %w", msg.SubscriptionID, err)
}

// HandleHeartbeat applies one agents.heartbeat payload. A missing
// lastSeenAt means now. Unknown agents are acknowledged and dropped.
func (in *Intake) HandleHeartbeat(ctx context.Context, data []byte) error {
	if in.heartbeats == nil {
		return nil
	}
	var msg Heartbeat
	if err := json.Unmarshal(data, &msg); err != nil || msg.AgentID == "" {
		metrics.EventMessagesTotal.WithLabelValues(SubjectHeartbeat, "malformed").Inc()
		return errMalformed
	}
	if msg.LastSeenAt.IsZero() {
		msg.LastSeenAt = in.clock.Now().UTC()
	}

	err := retry.DoIf(ctx, in.attempts, in.backoff, retry.IsAny(agent.ErrConflict), func() error {
		_, err := in.heartbeats.RecordHeartbeat(ctx, msg.AgentID, msg.LastSeenAt)
		return err
	})
	switch {
	case err == nil:
		metrics.EventMessagesTotal.WithLabelValues(SubjectHeartbeat, "applied").Inc()
		return nil
	case errors.Is(err, agent.ErrNotFound):
		metrics.EventMessagesTotal.WithLabelValues(SubjectHeartbeat, "ignored").Inc()
		return nil
	}
	metrics.EventMessagesTotal.WithLabelValues(SubjectHeartbeat, "failed").Inc()
	return fmt.Errorf("events: heartbeat for %s: %w", msg.AgentID, err)
}
