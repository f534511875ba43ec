package live

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/interviewpilot/devicesync/internal"
	"github.com/interviewpilot/devicesync/state"
)

// Engine applies state mutations and fans the results out. It is the only
// path between the wire protocol and the session state table, so the
// broadcast-after-persist ordering lives here and nowhere else.
type Engine struct {
	store  *state.Storage
	router *Router
	audit  *Auditor

	updatesApplied *prometheus.CounterVec
}

func NewEngine(store *state.Storage, router *Router, audit *Auditor, enablePrometheus bool) *Engine {
	e := &Engine{
		store:  store,
		router: router,
		audit:  audit,
	}
	if enablePrometheus {
		e.addPrometheusMetrics()
	}
	return e
}

func (e *Engine) addPrometheusMetrics() {
	e.updatesApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "devicesync",
		Subsystem: "live",
		Name:      "state_updates_total",
		Help:      "Number of state mutation attempts, by outcome.",
	}, []string{"outcome"})
	prometheus.MustRegister(e.updatesApplied)
}

// ApplyUpdate persists a partial state update and, on success, broadcasts the
// new authoritative state to every device except the source. A version
// conflict is returned to the caller untouched: the source device must resync,
// the server never retries on its behalf.
func (e *Engine) ApplyUpdate(ctx context.Context, sessionID string, update *state.StateUpdate, sourceDeviceID string) (*state.SessionStateRow, error) {
	ctx, task := internal.StartTask(ctx, "Engine.ApplyUpdate")
	defer task.End()
	row, err := e.store.SessionState.ApplyUpdate(sessionID, update, sourceDeviceID)
	if err != nil {
		if internal.IsConflict(err) {
			internal.Logf(ctx, "state", "update conflict on session %s from device %s", sessionID, sourceDeviceID)
			e.count("conflict")
		} else {
			e.count("error")
			internal.GetSentryHubFromContextOrDefault(ctx).CaptureException(err)
		}
		return nil, err
	}
	e.count("ok")
	e.router.Broadcast(sessionID, &StateChangedFrame{
		Type:         MsgStateChanged,
		State:        row,
		SourceDevice: sourceDeviceID,
		Timestamp:    nowMillis(),
	}, sourceDeviceID)
	return row, nil
}

// ForwardStream relays an in-flight answer chunk to the session's other
// devices. Chunks are ephemeral: nothing is persisted and the state version
// does not move until ANSWER_COMPLETE.
func (e *Engine) ForwardStream(sessionID, sourceDeviceID string, msg *AnswerStreamMessage) {
	e.router.Broadcast(sessionID, &AnswerStreamFrame{
		Type:        MsgAnswerStream,
		Chunk:       msg.Chunk,
		ChunkIndex:  msg.ChunkIndex,
		TotalChunks: msg.TotalChunks,
		Timestamp:   nowMillis(),
	}, sourceDeviceID)
	if msg.ChunkIndex == 0 {
		e.audit.Log(sessionID, sourceDeviceID, state.EventAnswerStreaming, map[string]interface{}{
			"totalChunks": msg.TotalChunks,
		})
	}
}

// CompleteAnswer persists the finished answer through the versioned update
// path, then announces completion. The STATE_CHANGED broadcast happens inside
// ApplyUpdate; ANSWER_COMPLETE follows so devices rendering the stream know to
// finalise it.
func (e *Engine) CompleteAnswer(ctx context.Context, sessionID, sourceDeviceID, fullAnswer string) (*state.SessionStateRow, error) {
	streaming := false
	row, err := e.ApplyUpdate(ctx, sessionID, &state.StateUpdate{
		CurrentAnswer: &fullAnswer,
		IsStreaming:   &streaming,
	}, sourceDeviceID)
	if err != nil {
		return nil, err
	}
	e.router.Broadcast(sessionID, &AnswerCompleteFrame{
		Type:      MsgAnswerComplete,
		Answer:    fullAnswer,
		Timestamp: nowMillis(),
	}, sourceDeviceID)
	e.audit.Log(sessionID, sourceDeviceID, state.EventAnswerComplete, map[string]interface{}{
		"answerLength": len(fullAnswer),
	})
	return row, nil
}

// FullState assembles the complete session snapshot for FULL_SYNC: current
// state (zero-version default if untouched), all captured questions, and every
// device session ever registered.
func (e *Engine) FullState(ctx context.Context, sessionID string) (*FullState, error) {
	_, task := internal.StartTask(ctx, "Engine.FullState")
	defer task.End()
	stateRow, err := e.store.SessionState.SelectOrDefault(sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session state: %w", err)
	}
	questions, err := e.store.Questions.SelectForSession(sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load questions: %w", err)
	}
	devices, err := e.store.DeviceSessions.SelectForSession(sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load device sessions: %w", err)
	}
	return &FullState{
		State:            stateRow,
		Questions:        questions,
		ConnectedDevices: devices,
		Timestamp:        nowMillis(),
	}, nil
}

func (e *Engine) count(outcome string) {
	if e.updatesApplied != nil {
		e.updatesApplied.WithLabelValues(outcome).Inc()
	}
}
