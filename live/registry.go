package live

import (
	"sort"
	"sync"
)

// Registry tracks the live websocket connection for each (session, device)
// pair. The outer lock only guards the session map; each session carries its
// own lock so broadcast traffic in one interview never contends with another.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*sessionConns
}

type sessionConns struct {
	mu    sync.Mutex
	conns map[string]*Conn
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*sessionConns),
	}
}

// Register installs conn as the live handle for its device, returning the
// previous handle if the device was already connected. The caller owns closing
// the replaced connection.
func (r *Registry) Register(conn *Conn) (replaced *Conn) {
	r.mu.Lock()
	sc := r.sessions[conn.SessionID]
	if sc == nil {
		sc = &sessionConns{conns: make(map[string]*Conn)}
		r.sessions[conn.SessionID] = sc
	}
	r.mu.Unlock()

	sc.mu.Lock()
	defer sc.mu.Unlock()
	replaced = sc.conns[conn.DeviceID]
	sc.conns[conn.DeviceID] = conn
	return replaced
}

// Unregister removes the device's handle, but only if it is still conn: a
// teardown racing a reconnect must not evict the replacement connection.
// Passing a nil conn removes unconditionally. Returns whether a handle was
// removed.
func (r *Registry) Unregister(sessionID, deviceID string, conn *Conn) bool {
	r.mu.Lock()
	sc := r.sessions[sessionID]
	r.mu.Unlock()
	if sc == nil {
		return false
	}

	sc.mu.Lock()
	current, ok := sc.conns[deviceID]
	if !ok || (conn != nil && current != conn) {
		sc.mu.Unlock()
		return false
	}
	delete(sc.conns, deviceID)
	empty := len(sc.conns) == 0
	sc.mu.Unlock()

	if empty {
		r.mu.Lock()
		// re-check under the outer lock, a register may have raced us
		sc.mu.Lock()
		if len(sc.conns) == 0 && r.sessions[sessionID] == sc {
			delete(r.sessions, sessionID)
		}
		sc.mu.Unlock()
		r.mu.Unlock()
	}
	return true
}

// Conn returns the live handle for a device, or nil.
func (r *Registry) Conn(sessionID, deviceID string) *Conn {
	r.mu.RLock()
	sc := r.sessions[sessionID]
	r.mu.RUnlock()
	if sc == nil {
		return nil
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.conns[deviceID]
}

// ListDevices returns the device IDs currently connected to a session, sorted.
func (r *Registry) ListDevices(sessionID string) []string {
	r.mu.RLock()
	sc := r.sessions[sessionID]
	r.mu.RUnlock()
	if sc == nil {
		return nil
	}
	sc.mu.Lock()
	devices := make([]string, 0, len(sc.conns))
	for deviceID := range sc.conns {
		devices = append(devices, deviceID)
	}
	sc.mu.Unlock()
	sort.Strings(devices)
	return devices
}

// snapshot copies the session's connections so callers can fan out without
// holding any lock.
func (r *Registry) snapshot(sessionID, excludeDeviceID string) []*Conn {
	r.mu.RLock()
	sc := r.sessions[sessionID]
	r.mu.RUnlock()
	if sc == nil {
		return nil
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	conns := make([]*Conn, 0, len(sc.conns))
	for deviceID, conn := range sc.conns {
		if deviceID == excludeDeviceID {
			continue
		}
		conns = append(conns, conn)
	}
	return conns
}

// NumSessions returns the number of sessions with at least one live device.
func (r *Registry) NumSessions() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
