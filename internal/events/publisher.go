package events

import (
	"context"
	"encoding/json"

	"github.com/mbd888/dogan/internal/audit"
)

// Publisher is the part of *nats.Conn the audit sink needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// AuditSink publishes audit events to "audit.<kind>".
type AuditSink struct {
	pub Publisher
}

// NewAuditSink creates an audit sink over pub.
func NewAuditSink(pub Publisher) *AuditSink {
	return &AuditSink{pub: pub}
}

func (s *AuditSink) Record(_ context.Context, ev audit.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.pub.Publish(SubjectAuditPrefix+string(ev.Kind), data)
}

var _ audit.Sink = (*AuditSink)(nil)
