// Package mqtt provides MQTT client connectivity for the WeMo bridge.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for offline detection
//
// # Architecture
//
// MQTT is the bridge's upstream protocol boundary. Controllers write
// attributes on command topics and observe retained state topics; the
// bridge never talks to them directly.
//
//	Controllers ↔ MQTT Broker ↔ wemobridge ↔ WeMo engine
//
// # Topic tree
//
//	{prefix}/command/{handle}   attribute writes (in)
//	{prefix}/ack/{handle}       write results (out)
//	{prefix}/state/{handle}     attribute state, retained (out)
//	{prefix}/system/status      online/offline, LWT, retained
//	{prefix}/system/health      periodic health report
//	{prefix}/system/devices     published device list, retained
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	err = client.Subscribe(client.Topics().AllCommands(), 1, handler)
package mqtt
