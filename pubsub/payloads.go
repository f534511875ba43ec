package pubsub

import "encoding/json"

// The channel which carries audit events from the sync engine to the event log
// writer. Writes to the sync-event log are best-effort by design: the writer
// consumes this channel on its own goroutine so a slow or failing database
// cannot stall a connection's request path.
const ChanAudit = "audit"

// AuditEvent is one append-only sync-event log entry.
type AuditEvent struct {
	SessionID string
	DeviceID  string
	EventType string
	Data      json.RawMessage
}

func (*AuditEvent) Type() string { return "AuditEvent" }
