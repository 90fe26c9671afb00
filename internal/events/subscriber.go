package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Connect dials NATS with reconnect logging.
func Connect(url, name string, logger *slog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("nats error", "subject", subject, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("events: connect nats: %w", err)
	}
	return nc, nil
}

// Subscriber feeds bus messages into an Intake. With a queue group set,
// replicas share the load.
type Subscriber struct {
	nc      *nats.Conn
	queue   string
	intake  *Intake
	timeout time.Duration
	logger  *slog.Logger
}

// NewSubscriber creates a subscriber.
func NewSubscriber(nc *nats.Conn, queue string, intake *Intake, logger *slog.Logger) *Subscriber {
	return &Subscriber{nc: nc, queue: queue, intake: intake, timeout: 10 * time.Second, logger: logger}
}

type ack struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Start subscribes and blocks until ctx is done.
func (s *Subscriber) Start(ctx context.Context) error {
	handlers := map[string]func(context.Context, []byte) error{
		SubjectBillingOutcome: s.intake.HandleBilling,
		SubjectHeartbeat:      s.intake.HandleHeartbeat,
	}
	var subs []*nats.Subscription
	for subject, handle := range handlers {
		sub, err := s.nc.QueueSubscribe(subject, s.queue, s.dispatch(ctx, handle))
		if err != nil {
			for _, prev := range subs {
				_ = prev.Unsubscribe()
			}
			return fmt.Errorf("events: subscribe %s: %w", subject, err)
		}
		subs = append(subs, sub)
	}
	s.logger.Info("nats subscriber started", "subscriptions", len(subs), "queue", s.queue)

	<-ctx.Done()
	for _, sub := range subs {
		_ = sub.Drain()
	}
	return ctx.Err()
}

func (s *Subscriber) dispatch(ctx context.Context, handle func(context.Context, []byte) error) nats.MsgHandler {
	return func(msg *nats.Msg) {
		hctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		err := handle(hctx, msg.Data)
		if err != nil {
			s.logger.Error("event handling failed", "subject", msg.Subject, "error", err)
		}
		if msg.Reply == "" {
			return
		}
		reply := ack{OK: err == nil}
		if err != nil {
			reply.Error = err.Error()
		}
		data, _ := json.Marshal(reply)
		if err := msg.Respond(data); err != nil {
			s.logger.Warn("event ack failed", "subject", msg.Subject, "error", err)
		}
	}
}
