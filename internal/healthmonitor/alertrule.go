package healthmonitor

import (
	"fmt"
	"time"

	"github.com/dsa110/contimg/internal/external"
)

// AlertRule is a pure predicate over a Snapshot: given the current
// snapshot and now, it reports whether it fires and, if so, the alert to
// deliver. Rules never mutate state and never perform I/O themselves —
// delivery is Monitor's job, over the buffered alert channel (spec §9's
// message-passing redesign note).
type AlertRule func(snap Snapshot, now time.Time) (external.Alert, bool)

// QueueDepthRule fires when the named state's queue depth gauge exceeds
// threshold, at the given severity (spec §4.12's "queue depth exceeds N
// for M minutes" — this implementation checks depth at snapshot time and
// fires on every snapshot whose depth exceeds threshold; how long the
// depth has been exceeded is not tracked, here or in Monitor).
func QueueDepthRule(state string, threshold float64, severity external.Severity) AlertRule {
	gauge := "queue_depth." + state
	return func(snap Snapshot, now time.Time) (external.Alert, bool) {
		depth, ok := snap.Gauges[gauge]
		if !ok || depth <= threshold {
			return external.Alert{}, false
		}
		return external.Alert{
			Severity: severity,
			Message:  fmt.Sprintf("queue depth for state %q is %.0f (threshold %.0f)", state, depth, threshold),
			Context:  map[string]interface{}{"state": state, "depth": depth, "threshold": threshold},
		}, true
	}
}

// TmpfsUtilizationRule fires when the tmpfs_utilization_frac gauge
// exceeds threshold (spec §4.12's "tmpfs > 95%").
func TmpfsUtilizationRule(threshold float64, severity external.Severity) AlertRule {
	return func(snap Snapshot, now time.Time) (external.Alert, bool) {
		frac, ok := snap.Gauges["tmpfs_utilization_frac"]
		if !ok || frac <= threshold {
			return external.Alert{}, false
		}
		return external.Alert{
			Severity: severity,
			Message:  fmt.Sprintf("tmpfs utilization %.1f%% exceeds %.1f%%", frac*100, threshold*100),
			Context:  map[string]interface{}{"utilization_frac": frac, "threshold": threshold},
		}, true
	}
}

// DiskHeadroomRule fires when the disk_headroom_bytes gauge falls below
// minFreeBytes (spec §6.9's min_free_disk_bytes guard and §4.12's
// critical "disk free < min_free_disk_bytes" rule).
func DiskHeadroomRule(minFreeBytes float64, severity external.Severity) AlertRule {
	return func(snap Snapshot, now time.Time) (external.Alert, bool) {
		free, ok := snap.Gauges["disk_headroom_bytes"]
		if !ok || free >= minFreeBytes {
			return external.Alert{}, false
		}
		return external.Alert{
			Severity: severity,
			Message:  fmt.Sprintf("disk headroom %.0f bytes below minimum %.0f", free, minFreeBytes),
			Context:  map[string]interface{}{"free_bytes": free, "min_free_bytes": minFreeBytes},
		}, true
	}
}

// StaleCalibrationRule fires when the most recent calibration publish is
// older than maxAge (spec §4.12's "no new calibration solutions in > 6h").
func StaleCalibrationRule(maxAge time.Duration, severity external.Severity) AlertRule {
	return func(snap Snapshot, now time.Time) (external.Alert, bool) {
		if snap.LastCalibrationPublish.IsZero() {
			return external.Alert{}, false
		}
		age := now.Sub(snap.LastCalibrationPublish)
		if age <= maxAge {
			return external.Alert{}, false
		}
		return external.Alert{
			Severity: severity,
			Message:  fmt.Sprintf("no new calibration solution published in %s (max %s)", age, maxAge),
			Context:  map[string]interface{}{"age_seconds": age.Seconds(), "max_age_seconds": maxAge.Seconds()},
		}, true
	}
}

// FailureRateRule fires when the ratio of failures-to-attempts for stage
// over the snapshot's lifetime exceeds threshold (spec §4.12 / §6.9's
// "conversion failure rate > 20% over 1h"). The rule reads the Metrics
// counters stage+".attempts" and stage+".failures" (e.g.
// "convert.attempts", "convert.failures"), which the caller maintains.
func FailureRateRule(stage string, threshold float64, severity external.Severity) AlertRule {
	attemptsKey := stage + ".attempts"
	failuresKey := stage + ".failures"
	return func(snap Snapshot, now time.Time) (external.Alert, bool) {
		attempts := snap.Counters[attemptsKey]
		failures := snap.Counters[failuresKey]
		if attempts == 0 {
			return external.Alert{}, false
		}
		rate := float64(failures) / float64(attempts)
		if rate <= threshold {
			return external.Alert{}, false
		}
		return external.Alert{
			Severity: severity,
			Message:  fmt.Sprintf("%s failure rate %.1f%% exceeds %.1f%% (%d/%d)", stage, rate*100, threshold*100, failures, attempts),
			Context:  map[string]interface{}{"stage": stage, "rate": rate, "threshold": threshold, "failures": failures, "attempts": attempts},
		}, true
	}
}
