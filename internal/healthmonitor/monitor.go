package healthmonitor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dsa110/contimg/internal/external"
	"github.com/dsa110/contimg/internal/fsutil"
	"github.com/dsa110/contimg/internal/obslog"
	"github.com/dsa110/contimg/internal/store"
	"github.com/dsa110/contimg/internal/timeutil"
)

// defaultAlertBufferSize bounds the alert channel Monitor publishes onto;
// once full, the oldest unconsumed alert is dropped to make room for the
// newest, so a slow sink can never stall the monitor (spec §9's
// message-passing redesign note).
const defaultAlertBufferSize = 64

// Config controls one Monitor instance.
type Config struct {
	// SnapshotPath is where the JSON status snapshot is written every
	// Interval (spec §4.12, default status_snapshot_path).
	SnapshotPath string
	// Interval is the snapshot/alert-evaluation cadence (default 30s).
	Interval time.Duration
	// TmpfsRoot and DiskRoot are the filesystems the headroom gauges
	// statfs each tick.
	TmpfsRoot string
	DiskRoot  string
	// StuckThreshold marks an acquired group as "stuck" for the gauge
	// once held this long (mirrors queue.Watchdog's T_stuck, duplicated
	// here since the monitor observes state rather than owning the
	// reclaim decision).
	StuckThreshold time.Duration
	// AlertBufferSize overrides defaultAlertBufferSize when positive.
	AlertBufferSize int
}

// Monitor is the health-monitor's ticker-driven snapshot writer,
// grounded on the teacher's BackgroundFlusher
// (internal/lidar/background_flusher.go): a Run/Stop lifecycle around a
// ticker goroutine, generalized here to also evaluate alert rules and
// fan alerts out to every configured channel.
type Monitor struct {
	st       *store.Store
	metrics  *Metrics
	fs       fsutil.FileSystem
	clock    timeutil.Clock
	cfg      Config
	rules    []AlertRule
	channels []external.AlertChannel

	alertCh chan external.Alert

	stop chan struct{}
	done chan struct{}
}

// NewMonitor creates a Monitor. fs and clock default to
// fsutil.OSFileSystem{} and timeutil.RealClock{} when nil.
func NewMonitor(st *store.Store, metrics *Metrics, fs fsutil.FileSystem, clock timeutil.Clock, cfg Config, rules []AlertRule, channels []external.AlertChannel) *Monitor {
	if fs == nil {
		fs = fsutil.OSFileSystem{}
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	bufSize := cfg.AlertBufferSize
	if bufSize <= 0 {
		bufSize = defaultAlertBufferSize
	}
	return &Monitor{
		st:       st,
		metrics:  metrics,
		fs:       fs,
		clock:    clock,
		cfg:      cfg,
		rules:    rules,
		channels: channels,
		alertCh:  make(chan external.Alert, bufSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run ticks on cfg.Interval until ctx is cancelled or Stop is called,
// taking a snapshot, writing it to cfg.SnapshotPath, and evaluating every
// alert rule each time. Call Run in its own goroutine.
func (m *Monitor) Run(ctx context.Context) {
	defer close(m.done)
	go m.deliverAlerts(ctx)

	ticker := m.clock.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.tick(ctx)
			return
		case <-m.stop:
			m.tick(ctx)
			return
		case <-ticker.C():
			m.tick(ctx)
		}
	}
}

// Stop requests Run to stop after its current tick.
func (m *Monitor) Stop() {
	close(m.stop)
	<-m.done
}

// tick gathers store-derived gauges, writes the JSON snapshot, and
// evaluates alert rules. Exported indirectly via SnapshotNow for tests
// and the `status` CLI subcommand that want a synchronous read without
// waiting on the ticker.
func (m *Monitor) tick(ctx context.Context) {
	now := m.clock.Now()
	if err := m.refreshStoreGauges(ctx, now); err != nil {
		obslog.Logf("healthmonitor: refresh store gauges: %v", err)
	}
	m.refreshDiskGauges()

	snap := m.metrics.Snapshot(now)
	if err := m.writeSnapshot(snap); err != nil {
		obslog.Logf("healthmonitor: write snapshot: %v", err)
	}
	m.evaluateRules(snap, now)
}

// SnapshotNow performs one synchronous gather-and-write cycle outside the
// ticker loop, returning the resulting Snapshot.
func (m *Monitor) SnapshotNow(ctx context.Context) Snapshot {
	now := m.clock.Now()
	if err := m.refreshStoreGauges(ctx, now); err != nil {
		obslog.Logf("healthmonitor: refresh store gauges: %v", err)
	}
	m.refreshDiskGauges()
	snap := m.metrics.Snapshot(now)
	if err := m.writeSnapshot(snap); err != nil {
		obslog.Logf("healthmonitor: write snapshot: %v", err)
	}
	return snap
}

var queueStates = []store.GroupState{
	store.GroupQueued, store.GroupAcquired, store.GroupConverted,
	store.GroupCalibrated, store.GroupApplied, store.GroupImaged,
	store.GroupDone, store.GroupQuarantined, store.GroupAbandoned,
}

func (m *Monitor) refreshStoreGauges(ctx context.Context, now time.Time) error {
	for _, state := range queueStates {
		n, err := m.st.CountGroupsByState(ctx, state)
		if err != nil {
			return err
		}
		m.metrics.SetGauge("queue_depth."+string(state), float64(n))
	}

	if m.cfg.StuckThreshold > 0 {
		acquired, err := m.st.ListGroupsByState(ctx, store.GroupAcquired)
		if err != nil {
			return err
		}
		stuck := 0
		for _, g := range acquired {
			if g.AcquiredAt != nil && now.Sub(*g.AcquiredAt) >= m.cfg.StuckThreshold {
				stuck++
			}
		}
		m.metrics.SetGauge("stuck_jobs", float64(stuck))
	}
	return nil
}

func (m *Monitor) refreshDiskGauges() {
	if m.cfg.TmpfsRoot != "" {
		if free, err := diskFreeBytes(m.cfg.TmpfsRoot); err == nil {
			if total, err := diskTotalBytes(m.cfg.TmpfsRoot); err == nil && total > 0 {
				m.metrics.SetGauge("tmpfs_utilization_frac", 1.0-float64(free)/float64(total))
			}
		} else {
			obslog.Logf("healthmonitor: statfs tmpfs root %s: %v", m.cfg.TmpfsRoot, err)
		}
	}
	if m.cfg.DiskRoot != "" {
		if free, err := diskFreeBytes(m.cfg.DiskRoot); err == nil {
			m.metrics.SetGauge("disk_headroom_bytes", float64(free))
		} else {
			obslog.Logf("healthmonitor: statfs disk root %s: %v", m.cfg.DiskRoot, err)
		}
	}
}

func (m *Monitor) writeSnapshot(snap Snapshot) error {
	if m.cfg.SnapshotPath == "" {
		return nil
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return m.fs.WriteFile(m.cfg.SnapshotPath, data, 0o644)
}

func (m *Monitor) evaluateRules(snap Snapshot, now time.Time) {
	for _, rule := range m.rules {
		alert, fires := rule(snap, now)
		if !fires {
			continue
		}
		obslog.Logf("healthmonitor: alert fired severity=%s message=%q", alert.Severity, alert.Message)
		m.publish(alert)
	}
}

// publish enqueues a onto the alert channel, dropping the oldest queued
// alert to make room if the buffer is full, so a burst of firing rules
// never blocks tick.
func (m *Monitor) publish(a external.Alert) {
	select {
	case m.alertCh <- a:
		return
	default:
	}
	select {
	case <-m.alertCh:
	default:
	}
	select {
	case m.alertCh <- a:
	default:
	}
}

// deliverAlerts drains alertCh and fans each alert out to every
// configured channel. A channel whose Send fails or is slow only delays
// its own delivery; it never blocks the others or the monitor's own
// ticking, since each Send runs synchronously within this dedicated
// goroutine rather than on the tick path.
func (m *Monitor) deliverAlerts(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case a, ok := <-m.alertCh:
			if !ok {
				return
			}
			for _, ch := range m.channels {
				sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
				if err := ch.Send(sendCtx, a); err != nil {
					obslog.Logf("healthmonitor: deliver alert via %s: %v", ch.Name(), err)
				}
				cancel()
			}
		}
	}
}
