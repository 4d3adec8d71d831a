package bridge

import (
	"context"
	"time"
)

// Metrics is a snapshot of the reconciler and dispatcher counters.
type Metrics struct {
	EventsReceived   uint64
	EventsApplied    uint64
	EventsSuppressed uint64
	EventsDropped    uint64
	EventsUnknown    uint64

	WritesAccepted  uint64
	WritesRejected  uint64
	WritesDiscarded uint64

	DispatchSucceeded uint64
	DispatchFailed    uint64
	DispatchPanicked  uint64
	DispatchQueued    int

	Devices int
}

// Metrics returns the current counters.
func (r *Reconciler) Metrics() Metrics {
	ds := r.dispatcher.Stats()
	return Metrics{
		EventsReceived:    r.stats.eventsReceived.Load(),
		EventsApplied:     r.stats.eventsApplied.Load(),
		EventsSuppressed:  r.stats.eventsSuppressed.Load(),
		EventsDropped:     r.stats.eventsDropped.Load(),
		EventsUnknown:     r.stats.eventsUnknown.Load(),
		WritesAccepted:    r.stats.writesAccepted.Load(),
		WritesRejected:    r.stats.writesRejected.Load(),
		WritesDiscarded:   r.stats.writesDiscarded.Load(),
		DispatchSucceeded: r.stats.dispatchSucceeded.Load(),
		DispatchFailed:    r.stats.dispatchFailed.Load(),
		DispatchPanicked:  ds.Panicked,
		DispatchQueued:    ds.Queued,
		Devices:           r.dir.Len(),
	}
}

// Counters flattens m into named fields for a time-series point.
func (m Metrics) Counters() map[string]uint64 {
	return map[string]uint64{
		"events_received":    m.EventsReceived,
		"events_applied":     m.EventsApplied,
		"events_suppressed":  m.EventsSuppressed,
		"events_dropped":     m.EventsDropped,
		"events_unknown":     m.EventsUnknown,
		"writes_accepted":    m.WritesAccepted,
		"writes_rejected":    m.WritesRejected,
		"writes_discarded":   m.WritesDiscarded,
		"dispatch_succeeded": m.DispatchSucceeded,
		"dispatch_failed":    m.DispatchFailed,
		"dispatch_panicked":  m.DispatchPanicked,
		"dispatch_queued":    uint64(m.DispatchQueued), // #nosec G115 -- channel length is never negative
		"devices":            uint64(m.Devices),        // #nosec G115 -- map length is never negative
	}
}

// MetricsWriter stores periodic counter snapshots. influxdb.Client
// implements it.
type MetricsWriter interface {
	WriteBridgeMetrics(bridge string, counters map[string]uint64)
}

// ReportMetrics writes a Metrics snapshot every interval until ctx is
// cancelled, then writes one final snapshot.
func (r *Reconciler) ReportMetrics(ctx context.Context, bridgeName string, interval time.Duration, w MetricsWriter) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.WriteBridgeMetrics(bridgeName, r.Metrics().Counters())
			return nil
		case <-ticker.C:
			w.WriteBridgeMetrics(bridgeName, r.Metrics().Counters())
		}
	}
}
