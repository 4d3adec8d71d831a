// Package influxdb writes bridge metrics to InfluxDB.
//
// It wraps the official influxdb-client-go v2 library with connection
// management, batched non-blocking writes and health checks.
//
// # Measurements
//
//   - bridge_metrics: periodic snapshot of reconciler and dispatcher counters
//   - dispatch: one point per command sent to the engine (ok, latency)
//   - reachability: device online/offline transitions
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteDispatch("uuid:Socket-1_0-X", 2, "on_off", true, 40*time.Millisecond)
//
// # Error Handling
//
// Writes never return errors; batch failures are delivered to the callback
// set with SetOnError. Connection and health check errors are returned
// directly.
package influxdb
