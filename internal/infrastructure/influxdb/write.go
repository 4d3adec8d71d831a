package influxdb

import (
	"strconv"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names written by the bridge.
const (
	MeasurementBridge       = "bridge_metrics"
	MeasurementDispatch     = "dispatch"
	MeasurementReachability = "reachability"
)

// WriteBridgeMetrics records a snapshot of the bridge's counters, one field
// per counter.
//
//	client.WriteBridgeMetrics("wemobridge", map[string]uint64{
//	    "events_received": 120,
//	    "events_suppressed": 4,
//	})
func (c *Client) WriteBridgeMetrics(bridge string, counters map[string]uint64) {
	if !c.IsConnected() || len(counters) == 0 {
		return
	}

	fields := make(map[string]any, len(counters))
	for k, v := range counters {
		fields[k] = v
	}
	c.writePoint(MeasurementBridge, map[string]string{"bridge": bridge}, fields, time.Now())
}

// WriteDispatch records the outcome of one command sent to the engine.
func (c *Client) WriteDispatch(udn string, handle uint16, attribute string, ok bool, latency time.Duration) {
	if !c.IsConnected() {
		return
	}

	c.writePoint(MeasurementDispatch,
		map[string]string{
			"udn":       udn,
			"handle":    strconv.Itoa(int(handle)),
			"attribute": attribute,
		},
		map[string]any{
			"ok":         ok,
			"latency_ms": latency.Milliseconds(),
		},
		time.Now(),
	)
}

// WriteReachability records a device going online or offline.
func (c *Client) WriteReachability(udn string, handle uint16, online bool) {
	if !c.IsConnected() {
		return
	}

	c.writePoint(MeasurementReachability,
		map[string]string{
			"udn":    udn,
			"handle": strconv.Itoa(int(handle)),
		},
		map[string]any{"online": online},
		time.Now(),
	)
}

func (c *Client) writePoint(measurement string, tags map[string]string, fields map[string]any, ts time.Time) {
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, ts))
}
