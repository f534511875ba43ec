package live

import (
	"context"
	"testing"
	"time"

	"github.com/interviewpilot/devicesync/state"
)

func TestSweepEvictsStaleDevices(t *testing.T) {
	sessionID := "sess_monitor"
	store := newTestStorage(t)
	resetSession(t, store, sessionID)
	reg := NewRegistry()
	router := NewRouter(reg, false)
	monitor := NewLivenessMonitor(store, reg, router, nil, 0, DefaultStaleAfter, false)
	defer monitor.Stop()

	registerDevice(t, store, "user_m", sessionID, "device_stale")
	registerDevice(t, store, "user_m", sessionID, "device_fresh")
	// age one device's heartbeat past the threshold
	_, err := store.DB.Exec(
		`UPDATE devicesync_device_sessions SET last_heartbeat = NOW() - interval '10 minutes'
		WHERE session_id = $1 AND device_id = $2`, sessionID, "device_stale")
	assertNoError(t, err)

	connStale, clientStale := wsPair(t, sessionID, "device_stale")
	connFresh, clientFresh := wsPair(t, sessionID, "device_fresh")
	reg.Register(connStale)
	reg.Register(connFresh)

	if n := monitor.Sweep(context.Background()); n < 1 {
		t.Fatalf("sweep evicted %d devices, want at least 1", n)
	}

	// the stale device's row is inactive, the fresh one untouched
	devices, err := store.DeviceSessions.SelectForSession(sessionID)
	assertNoError(t, err)
	byID := map[string]state.DeviceSessionRow{}
	for _, d := range devices {
		byID[d.DeviceID] = d
	}
	if byID["device_stale"].IsActive {
		t.Fatalf("stale device still active")
	}
	if byID["device_stale"].DisconnectedAt == nil {
		t.Fatalf("stale device has no disconnect timestamp")
	}
	if !byID["device_fresh"].IsActive {
		t.Fatalf("fresh device was evicted")
	}

	// the survivor hears about the eviction
	frame := readFrameOfType(t, clientFresh, MsgDeviceStale)
	if frame.Get("deviceId").Str != "device_stale" {
		t.Fatalf("DEVICE_STALE names %q", frame.Get("deviceId").Str)
	}

	// the evicted connection is closed and deregistered
	if !connStale.Closed() {
		t.Fatalf("evicted connection not closed")
	}
	if reg.Conn(sessionID, "device_stale") != nil {
		t.Fatalf("evicted device still registered")
	}
	clientStale.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		if _, _, err := clientStale.ReadMessage(); err != nil {
			break // socket torn down
		}
	}

	// a second sweep finds nothing new for this session
	before := len(byID)
	if n := monitor.Sweep(context.Background()); n != 0 {
		t.Logf("second sweep evicted %d devices from other sessions", n)
	}
	devices, err = store.DeviceSessions.SelectForSession(sessionID)
	assertNoError(t, err)
	if len(devices) != before {
		t.Fatalf("sweep deleted rows: %d -> %d", before, len(devices))
	}
}

func TestSweepWithNothingStaleIsQuiet(t *testing.T) {
	sessionID := "sess_monitor_quiet"
	store := newTestStorage(t)
	resetSession(t, store, sessionID)
	reg := NewRegistry()
	monitor := NewLivenessMonitor(store, reg, NewRouter(reg, false), nil, 0, DefaultStaleAfter, false)
	defer monitor.Stop()

	registerDevice(t, store, "user_m", sessionID, "device_live")
	monitor.Sweep(context.Background())

	devices, err := store.DeviceSessions.SelectForSession(sessionID)
	assertNoError(t, err)
	if len(devices) != 1 || !devices[0].IsActive {
		t.Fatalf("quiet sweep touched a live device: %+v", devices)
	}
}
