package live

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/interviewpilot/devicesync/state"
)

func newQueueFixture(t *testing.T, sessionID string) (*state.Storage, *Registry, *QueueProcessor) {
	t.Helper()
	store := newTestStorage(t)
	resetSession(t, store, sessionID)
	reg := NewRegistry()
	router := NewRouter(reg, false)
	engine := NewEngine(store, router, nil, false)
	return store, reg, NewQueueProcessor(store, engine, router, nil)
}

func registerDevice(t *testing.T, store *state.Storage, userID, sessionID, deviceID string) {
	t.Helper()
	_, err := store.DeviceSessions.Register(&state.DeviceSessionRow{
		UserID: userID, SessionID: sessionID, DeviceID: deviceID, DeviceType: "mobile",
	})
	assertNoError(t, err)
}

func TestReplayAppliesInOrderAndIsolatesFailures(t *testing.T) {
	sessionID := "sess_replay_order"
	store, reg, queue := newQueueFixture(t, sessionID)
	registerDevice(t, store, "user_q", sessionID, "device_m")

	connPeer, clientPeer := wsPair(t, sessionID, "device_w")
	connSub, clientSub := wsPair(t, sessionID, "device_m")
	reg.Register(connPeer)
	reg.Register(connSub)

	items := []QueueItem{
		{ID: 1, SequenceNumber: 1, Action: ActionUpdate, EntityType: EntityState,
			Payload: json.RawMessage(`{"currentQuestion":"Q1 from offline"}`)},
		{ID: 2, SequenceNumber: 2, Action: "delete", EntityType: "unknown",
			Payload: json.RawMessage(`{}`)},
		{ID: 3, SequenceNumber: 3, Action: ActionCreate, EntityType: EntityAnswer,
			Payload: json.RawMessage(`{"questionText":"Q1 from offline","answerText":"A1","responseTimeMs":1500}`)},
	}
	results := queue.Replay(context.Background(), "user_q", sessionID, "device_m", items)

	wantStatus := []string{StatusSynced, StatusError, StatusSynced}
	if len(results) != len(wantStatus) {
		t.Fatalf("got %d results, want %d", len(results), len(wantStatus))
	}
	for i, want := range wantStatus {
		if results[i].Status != want {
			t.Errorf("item %d: status %q, want %q (%s)", i, results[i].Status, want, results[i].Error)
		}
	}
	if results[1].Error == "" {
		t.Errorf("failed item carries no error message")
	}

	// the state update applied, the answer row exists
	row, err := store.SessionState.SelectOrDefault(sessionID)
	assertNoError(t, err)
	if row.CurrentQuestionText != "Q1 from offline" || row.Version != 1 {
		t.Fatalf("state after replay: %+v", row)
	}
	questions, err := store.Questions.SelectForSession(sessionID)
	assertNoError(t, err)
	if len(questions) != 1 || questions[0].AnswerText != "A1" {
		t.Fatalf("questions after replay: %+v", questions)
	}

	// everyone, the submitter included, gets a FULL_SYNC stamped with why
	peerSync := readFrameOfType(t, clientPeer, MsgFullSync)
	if peerSync.Get("reason").Str != "offline queue replay" {
		t.Errorf("peer FULL_SYNC reason: %q", peerSync.Get("reason").Str)
	}
	if peerSync.Get("data.state.version").Int() != 1 {
		t.Errorf("peer FULL_SYNC version: %d", peerSync.Get("data.state.version").Int())
	}
	subSync := readFrameOfType(t, clientSub, MsgFullSync)
	if len(subSync.Get("data.questions").Array()) != 1 {
		t.Errorf("submitter FULL_SYNC questions: %s", subSync.Get("data.questions").Raw)
	}
}

func TestReplayRejectsUnregisteredDevice(t *testing.T) {
	sessionID := "sess_replay_unreg"
	store, _, queue := newQueueFixture(t, sessionID)

	results := queue.Replay(context.Background(), "user_q", sessionID, "device_ghost", []QueueItem{
		{ID: 1, SequenceNumber: 1, Action: ActionUpdate, EntityType: EntityState,
			Payload: json.RawMessage(`{"isRecording":true}`)},
		{ID: 2, SequenceNumber: 2, Action: ActionUpdate, EntityType: EntityState,
			Payload: json.RawMessage(`{"isRecording":false}`)},
	})
	for i, r := range results {
		if r.Status != StatusRejected {
			t.Errorf("item %d: status %q, want rejected", i, r.Status)
		}
	}
	// nothing was applied
	row, err := store.SessionState.SelectOrDefault(sessionID)
	assertNoError(t, err)
	if row.Version != 0 {
		t.Fatalf("rejected replay mutated state to version %d", row.Version)
	}
}

// a device replaying the same batch twice (e.g. it crashed before receiving
// the ack) must not double-apply.
func TestReplayDeduplicatesResubmittedBatch(t *testing.T) {
	sessionID := "sess_replay_dupe"
	store, _, queue := newQueueFixture(t, sessionID)
	registerDevice(t, store, "user_q", sessionID, "device_m")

	batch := []QueueItem{
		{ID: 1, SequenceNumber: 1, Action: ActionUpdate, EntityType: EntityState,
			Payload: json.RawMessage(`{"isRecording":true}`)},
		{ID: 2, SequenceNumber: 2, Action: ActionUpdate, EntityType: EntityState,
			Payload: json.RawMessage(`{"isAnswerHidden":true}`)},
	}
	results := queue.Replay(context.Background(), "user_q", sessionID, "device_m", batch)
	for i, r := range results {
		if r.Status != StatusSynced {
			t.Fatalf("first replay item %d: %q (%s)", i, r.Status, r.Error)
		}
	}

	// resubmit with one genuinely new item appended
	batch = append(batch, QueueItem{
		ID: 3, SequenceNumber: 3, Action: ActionUpdate, EntityType: EntityState,
		Payload: json.RawMessage(`{"isRecording":false}`),
	})
	results = queue.Replay(context.Background(), "user_q", sessionID, "device_m", batch)
	wantStatus := []string{StatusDuplicate, StatusDuplicate, StatusSynced}
	for i, want := range wantStatus {
		if results[i].Status != want {
			t.Errorf("resubmit item %d: status %q, want %q", i, results[i].Status, want)
		}
	}

	// 2 applies from the first batch + 1 from the second; duplicates are free
	row, err := store.SessionState.SelectOrDefault(sessionID)
	assertNoError(t, err)
	if row.Version != 3 {
		t.Fatalf("version after dedupe: got %d want 3", row.Version)
	}
	if row.IsRecording {
		t.Fatalf("final item did not apply")
	}
	if !row.IsAnswerHidden {
		t.Fatalf("duplicate pass reverted an applied item")
	}

	maxSeq, err := store.SyncQueue.MaxAppliedSequence(sessionID, "device_m")
	assertNoError(t, err)
	if maxSeq != 3 {
		t.Fatalf("max applied sequence: got %d want 3", maxSeq)
	}
}

// items from different devices never dedupe against each other
func TestReplaySequencesArePerDevice(t *testing.T) {
	sessionID := "sess_replay_perdevice"
	store, _, queue := newQueueFixture(t, sessionID)
	registerDevice(t, store, "user_q", sessionID, "device_m1")
	registerDevice(t, store, "user_q", sessionID, "device_m2")

	item := QueueItem{ID: 1, SequenceNumber: 1, Action: ActionUpdate, EntityType: EntityState,
		Payload: json.RawMessage(`{"isRecording":true}`)}
	r1 := queue.Replay(context.Background(), "user_q", sessionID, "device_m1", []QueueItem{item})
	r2 := queue.Replay(context.Background(), "user_q", sessionID, "device_m2", []QueueItem{item})
	if r1[0].Status != StatusSynced || r2[0].Status != StatusSynced {
		t.Fatalf("per-device replays: %q / %q", r1[0].Status, r2[0].Status)
	}
	row, err := store.SessionState.SelectOrDefault(sessionID)
	assertNoError(t, err)
	if row.Version != 2 {
		t.Fatalf("version: got %d want 2", row.Version)
	}
}
