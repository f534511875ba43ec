package live

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/interviewpilot/devicesync/internal"
	"github.com/interviewpilot/devicesync/pubsub"
	"github.com/interviewpilot/devicesync/state"
)

// SyncHandler owns one websocket endpoint and everything behind it: the
// connection registry, broadcast router, mutation engine and offline replay.
// One handler serves every session; per-connection protocol state lives on the
// connection's goroutine.
type SyncHandler struct {
	Store    *state.Storage
	Registry *Registry
	Router   *Router
	Engine   *Engine
	Queue    *QueueProcessor
	Audit    *Auditor

	tokens   TokenVerifier
	upgrader websocket.Upgrader
}

func NewSyncHandler(store *state.Storage, tokens TokenVerifier, notifier pubsub.Notifier, enablePrometheus bool) *SyncHandler {
	registry := NewRegistry()
	router := NewRouter(registry, enablePrometheus)
	audit := NewAuditor(notifier)
	engine := NewEngine(store, router, audit, enablePrometheus)
	return &SyncHandler{
		Store:    store,
		Registry: registry,
		Router:   router,
		Engine:   engine,
		Queue:    NewQueueProcessor(store, engine, router, audit),
		Audit:    audit,
		tokens:   tokens,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// cross-origin is enforced by the token, not the Origin header
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request and runs the connection's protocol loop until
// the peer goes away. Handshake failures upgrade first and then close with
// policy violation (1008) so the client sees a websocket close frame rather
// than an opaque HTTP error.
func (h *SyncHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	sessionID := mux.Vars(req)["sessionID"]
	token := bearerToken(req)
	deviceID := req.Header.Get("X-Device-ID")
	deviceType := req.Header.Get("X-Device-Type")

	ws, err := h.upgrader.Upgrade(w, req, nil)
	if err != nil {
		logger.Err(err).Msg("failed to upgrade websocket")
		return
	}
	if sessionID == "" || token == "" || deviceID == "" || deviceType == "" {
		closePolicyViolation(ws, "missing session id, token, device id or device type")
		return
	}
	userID, err := h.tokens.VerifyToken(token)
	if err != nil {
		closePolicyViolation(ws, "invalid token")
		return
	}

	if _, err = h.Store.DeviceSessions.Register(&state.DeviceSessionRow{
		UserID:     userID,
		SessionID:  sessionID,
		DeviceID:   deviceID,
		DeviceType: deviceType,
		DeviceName: req.Header.Get("X-Device-Name"),
	}); err != nil {
		logger.Err(err).Str("device", deviceID).Msg("failed to register device session")
		msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "registration failed")
		ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		ws.Close()
		return
	}

	conn := NewConn(sessionID, deviceID, deviceType, ws)
	if replaced := h.Registry.Register(conn); replaced != nil {
		// same device reconnected; the old socket is dead weight
		replaced.Close()
	}
	logger.Info().Str("session", sessionID).Str("device", deviceID).Str("type", deviceType).Msg("device connected")

	conn.Push(&ConnectedFrame{
		Type:      MsgConnected,
		SessionID: sessionID,
		DeviceID:  deviceID,
		Timestamp: nowMillis(),
	})
	h.Router.Broadcast(sessionID, &PresenceFrame{
		Type:       MsgDeviceJoined,
		DeviceID:   deviceID,
		DeviceType: deviceType,
		Timestamp:  nowMillis(),
	}, deviceID)
	h.Audit.Log(sessionID, deviceID, state.EventDeviceJoined, map[string]interface{}{
		"deviceType": deviceType,
	})

	h.readLoop(req.Context(), conn, userID)
}

func (h *SyncHandler) readLoop(ctx context.Context, conn *Conn, userID string) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error().Interface("panic", rec).Str("device", conn.DeviceID).Msg("panic in connection handler")
			internal.GetSentryHubFromContextOrDefault(ctx).RecoverWithContext(ctx, rec)
		}
		h.teardown(ctx, conn, userID)
	}()
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := ParseInbound(data)
		if err != nil {
			// a bad frame is the client's problem, not grounds to drop the link
			conn.Push(&ErrorFrame{Type: MsgError, Error: err.Error(), Timestamp: nowMillis()})
			continue
		}
		h.dispatch(ctx, conn, userID, msg)
	}
}

func (h *SyncHandler) dispatch(ctx context.Context, conn *Conn, userID string, msg InboundMessage) {
	switch m := msg.(type) {
	case *AnswerStreamMessage:
		h.Engine.ForwardStream(conn.SessionID, conn.DeviceID, m)

	case *AnswerCompleteMessage:
		_, err := h.Engine.CompleteAnswer(ctx, conn.SessionID, conn.DeviceID, m.FullAnswer)
		h.ackMutation(conn, err)

	case *StateChangedMessage:
		if m.Updates.Empty() {
			conn.Push(&ErrorFrame{Type: MsgError, Error: "empty state update", Timestamp: nowMillis()})
			return
		}
		_, err := h.Engine.ApplyUpdate(ctx, conn.SessionID, &m.Updates, conn.DeviceID)
		h.ackMutation(conn, err)

	case *SyncRequestMessage:
		full, err := h.Engine.FullState(ctx, conn.SessionID)
		if err != nil {
			conn.Push(&ErrorFrame{Type: MsgError, Error: "failed to assemble full sync", Timestamp: nowMillis()})
			return
		}
		conn.Push(&FullSyncFrame{Type: MsgFullSync, Data: full, Timestamp: nowMillis()})
		h.Audit.Log(conn.SessionID, conn.DeviceID, state.EventSyncFulfilled, map[string]interface{}{
			"requested": true,
		})

	case *HeartbeatMessage:
		found, err := h.Store.DeviceSessions.Heartbeat(userID, conn.SessionID, conn.DeviceID, heartbeatTelemetry(m))
		if err != nil {
			logger.Err(err).Str("device", conn.DeviceID).Msg("failed to record heartbeat")
		}
		if found {
			conn.Push(&HeartbeatAckFrame{Type: MsgHeartbeatAck, ServerTime: nowMillis(), Timestamp: nowMillis()})
		}

	case *OfflineQueueSyncMessage:
		results := h.Queue.Replay(ctx, userID, conn.SessionID, conn.DeviceID, m.Queue)
		conn.Push(&OfflineQueueAckFrame{Type: MsgOfflineQueueAck, Results: results, Timestamp: nowMillis()})

	default:
		// ParseInbound is the gatekeeper; reaching here means a variant was
		// added without a dispatch arm
		internal.Assert("inbound message has a dispatch arm", false)
	}
}

// ackMutation converts a mutation outcome into the wire reply: success acks,
// a lost version race tells the device to resync, anything else is an error
// frame. All three leave the connection open.
func (h *SyncHandler) ackMutation(conn *Conn, err error) {
	switch {
	case err == nil:
		conn.Push(&AckFrame{Type: MsgStateUpdateAck, Timestamp: nowMillis()})
	case internal.IsConflict(err):
		conn.Push(&AckFrame{Type: MsgSyncRequired, Reason: "version conflict", Timestamp: nowMillis()})
	default:
		conn.Push(&ErrorFrame{Type: MsgError, Error: "failed to apply update", Timestamp: nowMillis()})
	}
}

func (h *SyncHandler) teardown(ctx context.Context, conn *Conn, userID string) {
	conn.Close()
	// only the registered handle disconnects the device; a stale socket that
	// lost to a reconnect must not announce the replacement's departure
	if !h.Registry.Unregister(conn.SessionID, conn.DeviceID, conn) {
		return
	}
	if err := h.Store.DeviceSessions.Disconnect(userID, conn.SessionID, conn.DeviceID); err != nil {
		logger.Err(err).Str("device", conn.DeviceID).Msg("failed to mark device disconnected")
		internal.GetSentryHubFromContextOrDefault(ctx).CaptureException(err)
	}
	logger.Info().Str("session", conn.SessionID).Str("device", conn.DeviceID).Msg("device disconnected")
	h.Router.Broadcast(conn.SessionID, &PresenceFrame{
		Type:      MsgDeviceLeft,
		DeviceID:  conn.DeviceID,
		Timestamp: nowMillis(),
	}, conn.DeviceID)
	h.Audit.Log(conn.SessionID, conn.DeviceID, state.EventDeviceLeft, map[string]interface{}{})
}

func heartbeatTelemetry(m *HeartbeatMessage) json.RawMessage {
	telemetry := map[string]interface{}{}
	if m.NetworkType != "" {
		telemetry["networkType"] = m.NetworkType
	}
	if m.BatteryLevel != nil {
		telemetry["batteryLevel"] = *m.BatteryLevel
	}
	if len(telemetry) == 0 {
		return nil
	}
	data, err := json.Marshal(telemetry)
	if err != nil {
		return nil
	}
	return data
}

func bearerToken(req *http.Request) string {
	ah := req.Header.Get("Authorization")
	if strings.HasPrefix(ah, "Bearer ") {
		return strings.TrimPrefix(ah, "Bearer ")
	}
	// browsers cannot set headers on websocket upgrades from all contexts
	return req.URL.Query().Get("access_token")
}

