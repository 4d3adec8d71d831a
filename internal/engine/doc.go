// Package engine talks to the WeMo device engine, the process that owns the
// devices on the LAN.
//
// The engine is reached two ways:
//   - An IPC socket carrying newline-delimited JSON requests, responses and
//     unsolicited state events (Client).
//   - Its SQLite device and state databases, read-only, for the device
//     snapshot (DBSnapshot).
//
// WemoAdapter combines both behind the Adapter interface and owns the
// UDN to engine id cache. Daemon optionally runs the engine as a supervised
// child process.
//
// Engine ids are not durable. Anything that must survive an engine restart
// is keyed by UDN.
package engine
