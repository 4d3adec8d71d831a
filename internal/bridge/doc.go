// Package bridge exposes engine devices to an upstream controller.
//
// The Directory holds the published devices, each with a durable handle
// from the endpoint registry. The Reconciler is the single writer of
// device state: it applies controller writes, dispatches the matching
// engine commands through a bounded Dispatcher pool, and filters engine
// events against a settle window so a device's stale state does not
// overwrite a write that is still in flight. MQTTFront carries writes in
// and attribute changes out over MQTT.
//
// Levels are held on the 0..254 controller scale; the engine uses 0..100.
// See LevelToPercent and PercentToLevel.
package bridge
