// Package endpoint persists the mapping from device UDN to the small numeric
// endpoint identifier published on the upstream protocol.
//
// Identifiers are allocated from a counter stored next to the mapping in the
// same SQLite database. Allocation inserts the mapping and advances the
// counter in one BEGIN IMMEDIATE transaction, so a crash leaves either both
// changes or neither, and two processes sharing the file cannot hand the same
// identifier to different devices.
//
// The counter is also cross-checked against the mapping table: the next
// identifier is never lower than max(endpoint_id)+1, so a lost or stale
// counter row cannot reissue an identifier that is already taken. The counter
// never moves backwards.
//
// Rows are never deleted. A device that disappears keeps its identifier and
// gets it back if it returns.
package endpoint
