package live

import (
	"encoding/json"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tidwall/gjson"
)

// Router fans frames out to every live connection in a session. Frames are
// marshalled once and the same bytes pushed to each device.
type Router struct {
	registry *Registry

	framesSent *prometheus.CounterVec
}

func NewRouter(registry *Registry, enablePrometheus bool) *Router {
	r := &Router{
		registry: registry,
	}
	if enablePrometheus {
		r.addPrometheusMetrics()
	}
	return r
}

func (r *Router) addPrometheusMetrics() {
	r.framesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "devicesync",
		Subsystem: "live",
		Name:      "frames_sent_total",
		Help:      "Number of frames fanned out to live connections, by frame type and outcome.",
	}, []string{"type", "outcome"})
	prometheus.MustRegister(r.framesSent)
}

// Broadcast sends frame to every live device in the session except
// excludeDeviceID (pass "" to include everyone). Returns the number of
// connections the frame was queued on.
func (r *Router) Broadcast(sessionID string, frame interface{}, excludeDeviceID string) int {
	data, err := json.Marshal(frame)
	if err != nil {
		logger.Err(err).Str("session", sessionID).Msg("Router.Broadcast: failed to marshal frame")
		return 0
	}
	return r.BroadcastBytes(sessionID, data, excludeDeviceID)
}

// BroadcastBytes is Broadcast for a pre-marshalled frame.
func (r *Router) BroadcastBytes(sessionID string, data []byte, excludeDeviceID string) int {
	frameType := gjson.GetBytes(data, "type").Str
	delivered := 0
	for _, conn := range r.registry.snapshot(sessionID, excludeDeviceID) {
		if conn.PushBytes(data) {
			delivered++
			r.count(frameType, "sent")
		} else {
			r.count(frameType, "dropped")
		}
	}
	return delivered
}

// Send delivers a frame to one specific device, if it is connected.
func (r *Router) Send(sessionID, deviceID string, frame interface{}) bool {
	conn := r.registry.Conn(sessionID, deviceID)
	if conn == nil {
		return false
	}
	return conn.Push(frame)
}

func (r *Router) count(frameType, outcome string) {
	if r.framesSent != nil {
		r.framesSent.WithLabelValues(frameType, outcome).Inc()
	}
}
