package live

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/interviewpilot/devicesync/internal"
	"github.com/interviewpilot/devicesync/state"
)

// DefaultStaleAfter is how long a device may go without a heartbeat before a
// sweep evicts it.
const DefaultStaleAfter = 5 * time.Minute

// LivenessMonitor periodically evicts device sessions whose heartbeats have
// gone quiet. Eviction fan-out runs on a bounded worker pool so a sweep over
// many sessions cannot spawn unbounded goroutines.
type LivenessMonitor struct {
	store      *state.Storage
	registry   *Registry
	router     *Router
	audit      *Auditor
	staleAfter time.Duration
	interval   time.Duration

	pool     *internal.WorkerPool
	done     chan struct{}
	stopOnce sync.Once

	devicesEvicted prometheus.Counter
}

// NewLivenessMonitor creates a monitor sweeping every interval. An interval of
// 0 disables the background ticker; tests drive Sweep directly.
func NewLivenessMonitor(store *state.Storage, registry *Registry, router *Router, audit *Auditor, interval, staleAfter time.Duration, enablePrometheus bool) *LivenessMonitor {
	m := &LivenessMonitor{
		store:      store,
		registry:   registry,
		router:     router,
		audit:      audit,
		staleAfter: staleAfter,
		interval:   interval,
		pool:       internal.NewWorkerPool(16),
		done:       make(chan struct{}),
	}
	m.pool.Start()
	if enablePrometheus {
		m.devicesEvicted = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devicesync",
			Subsystem: "live",
			Name:      "devices_evicted_total",
			Help:      "Number of device sessions evicted for missing heartbeats.",
		})
		prometheus.MustRegister(m.devicesEvicted)
	}
	return m
}

// Run blocks, sweeping until Stop is called. No-op when interval is 0.
func (m *LivenessMonitor) Run() {
	if m.interval == 0 {
		return
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.Sweep(context.Background())
		}
	}
}

func (m *LivenessMonitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.done)
		m.pool.Stop()
	})
}

// Sweep runs one eviction pass and returns how many devices were evicted. The
// conditional UPDATE in MarkStale decides staleness; a heartbeat landing
// mid-sweep keeps its device alive. For each evicted device the live
// connection (if any) is closed, the remaining devices are told via
// DEVICE_STALE, and an audit event is recorded.
func (m *LivenessMonitor) Sweep(ctx context.Context) int {
	ctx, task := internal.StartTask(ctx, "LivenessMonitor.Sweep")
	defer task.End()
	evicted, err := m.store.DeviceSessions.MarkStale(time.Now().Add(-m.staleAfter))
	if err != nil {
		logger.Err(err).Msg("LivenessMonitor: sweep failed")
		internal.GetSentryHubFromContextOrDefault(ctx).CaptureException(err)
		return 0
	}
	if len(evicted) == 0 {
		return 0
	}

	var wg sync.WaitGroup
	for _, key := range evicted {
		key := key
		wg.Add(1)
		m.pool.Queue(func() {
			defer wg.Done()
			m.evict(key)
		})
	}
	wg.Wait()
	if m.devicesEvicted != nil {
		m.devicesEvicted.Add(float64(len(evicted)))
	}
	return len(evicted)
}

func (m *LivenessMonitor) evict(key state.DeviceKey) {
	logger.Info().Str("session", key.SessionID).Str("device", key.DeviceID).Msg("evicting stale device")
	if conn := m.registry.Conn(key.SessionID, key.DeviceID); conn != nil {
		m.registry.Unregister(key.SessionID, key.DeviceID, conn)
		conn.Close()
	}
	m.router.Broadcast(key.SessionID, &PresenceFrame{
		Type:      MsgDeviceStale,
		DeviceID:  key.DeviceID,
		Reason:    "no heartbeat",
		Timestamp: nowMillis(),
	}, key.DeviceID)
	m.audit.Log(key.SessionID, key.DeviceID, state.EventStaleDisconnect, map[string]interface{}{
		"staleAfterSeconds": int(m.staleAfter / time.Second),
	})
}
