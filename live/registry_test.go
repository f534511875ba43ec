package live

import (
	"fmt"
	"reflect"
	"sync"
	"testing"
)

func TestRegistryRegisterAndList(t *testing.T) {
	reg := NewRegistry()
	a := bareConn("sess_reg", "device_a")
	b := bareConn("sess_reg", "device_b")
	other := bareConn("sess_reg_other", "device_a")

	if replaced := reg.Register(a); replaced != nil {
		t.Fatalf("fresh register returned a replaced conn")
	}
	reg.Register(b)
	reg.Register(other)

	got := reg.ListDevices("sess_reg")
	want := []string{"device_a", "device_b"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ListDevices: got %v want %v", got, want)
	}
	// sessions are isolated
	if got := reg.ListDevices("sess_reg_other"); len(got) != 1 {
		t.Fatalf("other session has %v devices, want 1", got)
	}
	if reg.Conn("sess_reg", "device_a") != a {
		t.Fatalf("Conn returned the wrong handle")
	}
	if reg.Conn("sess_reg", "device_missing") != nil {
		t.Fatalf("Conn for unknown device should be nil")
	}
}

func TestRegistryReconnectReplacesHandle(t *testing.T) {
	reg := NewRegistry()
	old := bareConn("sess_replace", "device_a")
	reg.Register(old)

	fresh := bareConn("sess_replace", "device_a")
	replaced := reg.Register(fresh)
	if replaced != old {
		t.Fatalf("expected the old handle back, got %v", replaced)
	}
	if reg.Conn("sess_replace", "device_a") != fresh {
		t.Fatalf("registry still holds the old handle")
	}

	// the old connection's teardown must not evict the replacement
	if reg.Unregister("sess_replace", "device_a", old) {
		t.Fatalf("stale handle unregistered the replacement")
	}
	if reg.Conn("sess_replace", "device_a") != fresh {
		t.Fatalf("replacement handle lost after stale unregister")
	}

	if !reg.Unregister("sess_replace", "device_a", fresh) {
		t.Fatalf("current handle failed to unregister")
	}
	if reg.NumSessions() != 0 {
		t.Fatalf("empty session not reaped, have %d sessions", reg.NumSessions())
	}
}

func TestRegistryUnregisterUnknownIsNoOp(t *testing.T) {
	reg := NewRegistry()
	if reg.Unregister("sess_nope", "device_nope", nil) {
		t.Fatalf("unregistering an unknown device reported success")
	}
}

func TestRegistrySnapshotExcludes(t *testing.T) {
	reg := NewRegistry()
	for _, id := range []string{"device_a", "device_b", "device_c"} {
		reg.Register(bareConn("sess_snap", id))
	}
	conns := reg.snapshot("sess_snap", "device_b")
	if len(conns) != 2 {
		t.Fatalf("snapshot returned %d conns, want 2", len(conns))
	}
	for _, c := range conns {
		if c.DeviceID == "device_b" {
			t.Fatalf("snapshot included the excluded device")
		}
	}
	if len(reg.snapshot("sess_snap", "")) != 3 {
		t.Fatalf("empty exclusion should return everyone")
	}
}

// concurrent registers/unregisters across many sessions must not race; run
// with -race to get value out of this.
func TestRegistryConcurrentAccess(t *testing.T) {
	reg := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			sessionID := fmt.Sprintf("sess_conc_%d", i%2)
			for j := 0; j < 50; j++ {
				c := bareConn(sessionID, fmt.Sprintf("device_%d_%d", i, j))
				reg.Register(c)
				reg.ListDevices(sessionID)
				reg.Unregister(sessionID, c.DeviceID, c)
			}
		}()
	}
	wg.Wait()
	if reg.NumSessions() != 0 {
		t.Fatalf("expected all sessions reaped, have %d", reg.NumSessions())
	}
}
