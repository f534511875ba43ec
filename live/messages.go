package live

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"github.com/interviewpilot/devicesync/state"
)

// Wire message types. Clients and server exchange JSON frames tagged with one
// of these.
const (
	MsgConnected        = "CONNECTED"
	MsgDeviceJoined     = "DEVICE_JOINED"
	MsgDeviceLeft       = "DEVICE_LEFT"
	MsgDeviceStale      = "DEVICE_STALE"
	MsgAnswerStream     = "ANSWER_STREAM"
	MsgAnswerComplete   = "ANSWER_COMPLETE"
	MsgStateChanged     = "STATE_CHANGED"
	MsgStateUpdateAck   = "STATE_UPDATE_ACK"
	MsgSyncRequired     = "SYNC_REQUIRED"
	MsgSyncRequest      = "SYNC_REQUEST"
	MsgFullSync         = "FULL_SYNC"
	MsgHeartbeat        = "HEARTBEAT"
	MsgHeartbeatAck     = "HEARTBEAT_ACK"
	MsgOfflineQueueSync = "OFFLINE_QUEUE_SYNC"
	MsgOfflineQueueAck  = "OFFLINE_QUEUE_ACK"
	MsgError            = "ERROR"
)

// InboundMessage is the closed set of client-to-server messages. The read loop
// switches over the concrete types exhaustively, so adding a variant without
// handling it is a compile-time-visible change rather than a missing entry in a
// string-keyed table.
type InboundMessage interface {
	isInbound()
}

type AnswerStreamMessage struct {
	Chunk       string `json:"chunk"`
	ChunkIndex  int    `json:"chunkIndex"`
	TotalChunks int    `json:"totalChunks"`
}

type AnswerCompleteMessage struct {
	FullAnswer string `json:"fullAnswer"`
}

type StateChangedMessage struct {
	Updates state.StateUpdate `json:"updates"`
}

type SyncRequestMessage struct{}

type HeartbeatMessage struct {
	NetworkType  string   `json:"networkType,omitempty"`
	BatteryLevel *float64 `json:"batteryLevel,omitempty"`
}

// QueueItem is one offline mutation as submitted over the wire. Items arrive
// pre-sorted by the device's local sequence number.
type QueueItem struct {
	ID             int64           `json:"id"`
	SequenceNumber int64           `json:"sequenceNumber"`
	Action         string          `json:"action"`
	EntityType     string          `json:"entityType"`
	EntityID       string          `json:"entityId,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	Timestamp      int64           `json:"timestamp"`
}

type OfflineQueueSyncMessage struct {
	Queue []QueueItem `json:"queue"`
}

func (*AnswerStreamMessage) isInbound()     {}
func (*AnswerCompleteMessage) isInbound()   {}
func (*StateChangedMessage) isInbound()     {}
func (*SyncRequestMessage) isInbound()      {}
func (*HeartbeatMessage) isInbound()        {}
func (*OfflineQueueSyncMessage) isInbound() {}

// ParseInbound decodes a client frame into its typed variant. Unknown or
// malformed frames return an error; the connection handler replies with an
// ERROR frame and keeps the connection open.
func ParseInbound(data []byte) (InboundMessage, error) {
	parsed := gjson.ParseBytes(data)
	if !parsed.IsObject() {
		return nil, fmt.Errorf("frame is not a JSON object")
	}
	msgType := parsed.Get("type").Str
	var msg InboundMessage
	switch msgType {
	case MsgAnswerStream:
		msg = &AnswerStreamMessage{}
	case MsgAnswerComplete:
		msg = &AnswerCompleteMessage{}
	case MsgStateChanged:
		msg = &StateChangedMessage{}
	case MsgSyncRequest:
		return &SyncRequestMessage{}, nil
	case MsgHeartbeat:
		msg = &HeartbeatMessage{}
	case MsgOfflineQueueSync:
		msg = &OfflineQueueSyncMessage{}
	default:
		return nil, fmt.Errorf("unknown message type %q", msgType)
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("malformed %s frame: %w", msgType, err)
	}
	return msg, nil
}

// Outbound frames. Every frame carries its type tag and a server timestamp in
// milliseconds.

type ConnectedFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	DeviceID  string `json:"deviceId"`
	Timestamp int64  `json:"timestamp"`
}

// PresenceFrame announces DEVICE_JOINED / DEVICE_LEFT / DEVICE_STALE.
type PresenceFrame struct {
	Type       string `json:"type"`
	DeviceID   string `json:"deviceId"`
	DeviceType string `json:"deviceType,omitempty"`
	DeviceName string `json:"deviceName,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

type AnswerStreamFrame struct {
	Type        string `json:"type"`
	Chunk       string `json:"chunk"`
	ChunkIndex  int    `json:"chunkIndex"`
	TotalChunks int    `json:"totalChunks"`
	Timestamp   int64  `json:"timestamp"`
}

type AnswerCompleteFrame struct {
	Type      string `json:"type"`
	Answer    string `json:"answer"`
	Timestamp int64  `json:"timestamp"`
}

type StateChangedFrame struct {
	Type         string                 `json:"type"`
	State        *state.SessionStateRow `json:"state"`
	SourceDevice string                 `json:"sourceDevice"`
	Timestamp    int64                  `json:"timestamp"`
}

// AckFrame covers STATE_UPDATE_ACK and SYNC_REQUIRED.
type AckFrame struct {
	Type      string `json:"type"`
	Reason    string `json:"reason,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// FullState is the complete session snapshot shipped in FULL_SYNC.
type FullState struct {
	State            *state.SessionStateRow   `json:"state"`
	Questions        []state.QuestionRow      `json:"questions"`
	ConnectedDevices []state.DeviceSessionRow `json:"connectedDevices"`
	Timestamp        int64                    `json:"timestamp"`
}

type FullSyncFrame struct {
	Type      string     `json:"type"`
	Data      *FullState `json:"data"`
	Reason    string     `json:"reason,omitempty"`
	Timestamp int64      `json:"timestamp"`
}

type HeartbeatAckFrame struct {
	Type       string `json:"type"`
	ServerTime int64  `json:"serverTime"`
	Timestamp  int64  `json:"timestamp"`
}

// Replay outcome statuses.
const (
	StatusSynced    = "synced"
	StatusRejected  = "rejected"
	StatusDuplicate = "duplicate"
	StatusError     = "error"
)

type QueueItemResult struct {
	ID             int64  `json:"id"`
	SequenceNumber int64  `json:"sequenceNumber"`
	Status         string `json:"status"`
	Error          string `json:"error,omitempty"`
	Timestamp      int64  `json:"timestamp"`
}

type OfflineQueueAckFrame struct {
	Type      string            `json:"type"`
	Results   []QueueItemResult `json:"results"`
	Timestamp int64             `json:"timestamp"`
}

type ErrorFrame struct {
	Type      string `json:"type"`
	Error     string `json:"error"`
	Timestamp int64  `json:"timestamp"`
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
