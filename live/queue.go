package live

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tidwall/sjson"

	"github.com/interviewpilot/devicesync/internal"
	"github.com/interviewpilot/devicesync/state"
)

// Offline queue actions and entity types accepted by Replay.
const (
	ActionCreate = "create"
	ActionUpdate = "update"

	EntityState  = "state"
	EntityAnswer = "answer"
)

// QueueProcessor replays a device's offline mutation queue. Items are applied
// in the order submitted; each gets an independent outcome and a failure never
// aborts the batch.
type QueueProcessor struct {
	store  *state.Storage
	engine *Engine
	router *Router
	audit  *Auditor
}

func NewQueueProcessor(store *state.Storage, engine *Engine, router *Router, audit *Auditor) *QueueProcessor {
	return &QueueProcessor{
		store:  store,
		engine: engine,
		router: router,
		audit:  audit,
	}
}

// Replay applies each queued item and returns a result per item, in order.
// Ownership is checked per item: a device that was never registered on the
// session gets every item rejected. Items at or below the device's
// highest-applied sequence number are duplicates from a resubmitted batch and
// are acknowledged without reapplying.
//
// After the batch, every device in the session (the submitter included) gets
// a fresh FULL_SYNC so nobody is left deriving state from incremental frames
// that interleaved with the replay.
func (p *QueueProcessor) Replay(ctx context.Context, userID, sessionID, deviceID string, items []QueueItem) []QueueItemResult {
	ctx, task := internal.StartTask(ctx, "QueueProcessor.Replay")
	defer task.End()

	registered, err := p.store.DeviceSessions.IsRegistered(userID, sessionID, deviceID)
	if err != nil {
		logger.Err(err).Str("device", deviceID).Msg("Replay: ownership check failed")
		registered = false
	}
	maxApplied, err := p.store.SyncQueue.MaxAppliedSequence(sessionID, deviceID)
	if err != nil {
		logger.Err(err).Str("device", deviceID).Msg("Replay: failed to read applied sequence, treating all items as new")
		maxApplied = 0
	}

	results := make([]QueueItemResult, 0, len(items))
	counts := map[string]int{}
	for i := range items {
		item := &items[i]
		result := QueueItemResult{
			ID:             item.ID,
			SequenceNumber: item.SequenceNumber,
			Timestamp:      nowMillis(),
		}
		switch {
		case !registered:
			result.Status = StatusRejected
			result.Error = "device is not registered on this session"
		case item.SequenceNumber > 0 && item.SequenceNumber <= maxApplied:
			result.Status = StatusDuplicate
		default:
			if err := p.applyItem(ctx, sessionID, deviceID, item); err != nil {
				result.Status = StatusError
				result.Error = err.Error()
			} else {
				result.Status = StatusSynced
				p.markApplied(sessionID, deviceID, item)
				if item.SequenceNumber > maxApplied {
					maxApplied = item.SequenceNumber
				}
			}
		}
		counts[result.Status]++
		results = append(results, result)
	}

	p.broadcastFullSync(ctx, sessionID)
	p.audit.Log(sessionID, deviceID, state.EventSyncFulfilled, map[string]interface{}{
		"items":     len(items),
		"synced":    counts[StatusSynced],
		"rejected":  counts[StatusRejected],
		"duplicate": counts[StatusDuplicate],
		"errors":    counts[StatusError],
	})
	return results
}

func (p *QueueProcessor) applyItem(ctx context.Context, sessionID, deviceID string, item *QueueItem) error {
	switch {
	case item.Action == ActionUpdate && item.EntityType == EntityState:
		var update state.StateUpdate
		if err := json.Unmarshal(item.Payload, &update); err != nil {
			return fmt.Errorf("malformed state update payload: %w", err)
		}
		_, err := p.engine.ApplyUpdate(ctx, sessionID, &update, deviceID)
		return err
	case item.Action == ActionCreate && item.EntityType == EntityAnswer:
		var payload struct {
			QuestionText   string `json:"questionText"`
			AnswerText     string `json:"answerText"`
			ResponseTimeMS int64  `json:"responseTimeMs"`
		}
		if err := json.Unmarshal(item.Payload, &payload); err != nil {
			return fmt.Errorf("malformed answer payload: %w", err)
		}
		return p.store.Questions.Insert(&state.QuestionRow{
			SessionID:      sessionID,
			QuestionText:   payload.QuestionText,
			AnswerText:     payload.AnswerText,
			ResponseTimeMS: payload.ResponseTimeMS,
		})
	default:
		return fmt.Errorf("unsupported queue item %s/%s", item.Action, item.EntityType)
	}
}

// markApplied records the durable applied marker. Best-effort: failing to
// record it means the item may be reported as a duplicate-free retry later,
// which the version check or append-only insert tolerates.
func (p *QueueProcessor) markApplied(sessionID, deviceID string, item *QueueItem) {
	err := p.store.SyncQueue.MarkApplied(&state.SyncQueueRow{
		SessionID:      sessionID,
		DeviceID:       deviceID,
		SequenceNumber: item.SequenceNumber,
		Action:         item.Action,
		EntityType:     item.EntityType,
		EntityID:       item.EntityID,
		Payload:        item.Payload,
		ClientTS:       item.Timestamp,
	})
	if err != nil {
		logger.Err(err).Str("device", deviceID).Int64("seq", item.SequenceNumber).Msg("Replay: failed to mark item applied")
	}
}

func (p *QueueProcessor) broadcastFullSync(ctx context.Context, sessionID string) {
	full, err := p.engine.FullState(ctx, sessionID)
	if err != nil {
		logger.Err(err).Str("session", sessionID).Msg("Replay: failed to assemble full sync")
		return
	}
	data, err := json.Marshal(&FullSyncFrame{
		Type:      MsgFullSync,
		Data:      full,
		Timestamp: nowMillis(),
	})
	if err != nil {
		logger.Err(err).Str("session", sessionID).Msg("Replay: failed to marshal full sync")
		return
	}
	// stamp why this sync happened so clients can distinguish it from one they
	// asked for
	data, err = sjson.SetBytes(data, "reason", "offline queue replay")
	if err != nil {
		logger.Err(err).Msg("Replay: failed to stamp sync reason")
	}
	p.router.BroadcastBytes(sessionID, data, "")
}
