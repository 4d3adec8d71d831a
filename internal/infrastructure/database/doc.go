// Package database provides SQLite connectivity for the WeMo bridge.
//
// Two kinds of connection are used:
//   - Open: the bridge's own endpoint registry, read-write, WAL mode,
//     BEGIN IMMEDIATE transactions and embedded schema migrations.
//   - OpenReadOnly: the device engine's device and state databases, which
//     the engine owns and writes; the bridge only reads snapshots.
//
// All queries use parameterised statements. The registry file is chmod 0600.
//
// Usage:
//
//	db, err := database.Open(ctx, database.Config{Path: "/var/lib/wemo-matter/endpoints.db", WALMode: true, BusyTimeout: 5})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
package database
