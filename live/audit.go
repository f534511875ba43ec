package live

import (
	"context"
	"encoding/json"

	"github.com/interviewpilot/devicesync/internal"
	"github.com/interviewpilot/devicesync/pubsub"
	"github.com/interviewpilot/devicesync/state"
)

const auditQueueSize = 256

// Auditor publishes audit events onto the pubsub bus. Publishing is
// best-effort: the engine must never fail, or stall, a client operation
// because the audit log is behind. Log therefore only enqueues onto a bounded
// in-process queue; a single forwarding goroutine does the (possibly blocking)
// bus publish, and events that arrive while the queue is full are dropped.
type Auditor struct {
	notifier pubsub.Notifier
	pending  chan *pubsub.AuditEvent
}

func NewAuditor(notifier pubsub.Notifier) *Auditor {
	if notifier == nil {
		return &Auditor{}
	}
	a := &Auditor{
		notifier: notifier,
		pending:  make(chan *pubsub.AuditEvent, auditQueueSize),
	}
	go a.forward()
	return a
}

// Log records an audit event without ever blocking the caller.
func (a *Auditor) Log(sessionID, deviceID, eventType string, data interface{}) {
	if a == nil || a.pending == nil {
		return
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		logger.Err(err).Str("event", eventType).Msg("Auditor: failed to marshal event data")
		return
	}
	ev := &pubsub.AuditEvent{
		SessionID: sessionID,
		DeviceID:  deviceID,
		EventType: eventType,
		Data:      encoded,
	}
	select {
	case a.pending <- ev:
	default:
		logger.Warn().Str("event", eventType).Msg("Auditor: queue full, dropping event")
	}
}

func (a *Auditor) forward() {
	for ev := range a.pending {
		if err := a.notifier.Notify(pubsub.ChanAudit, ev); err != nil {
			logger.Err(err).Str("event", ev.EventType).Msg("Auditor: failed to publish event")
		}
	}
}

// AuditWriter drains the audit channel into the sync events table. It runs on
// its own goroutine so a slow insert never blocks the broadcast path.
type AuditWriter struct {
	listener pubsub.Listener
	table    *state.SyncEventsTable
}

func NewAuditWriter(listener pubsub.Listener, table *state.SyncEventsTable) *AuditWriter {
	return &AuditWriter{
		listener: listener,
		table:    table,
	}
}

// Run blocks, persisting audit events until the listener closes.
func (w *AuditWriter) Run() error {
	return w.listener.Listen(pubsub.ChanAudit, func(p pubsub.Payload) {
		ev, ok := p.(*pubsub.AuditEvent)
		if !ok {
			return
		}
		if err := w.table.Insert(ev.SessionID, ev.DeviceID, ev.EventType, ev.Data); err != nil {
			logger.Err(err).Str("event", ev.EventType).Msg("AuditWriter: failed to persist event")
			internal.GetSentryHubFromContextOrDefault(context.Background()).CaptureException(err)
		}
	})
}

func (w *AuditWriter) Close() error {
	return w.listener.Close()
}
