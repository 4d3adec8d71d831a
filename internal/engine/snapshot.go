package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/nerrad567/wemo-matter-bridge/internal/infrastructure/database"
)

// SnapshotSource returns the engine's current device table.
type SnapshotSource interface {
	Snapshot(ctx context.Context) ([]Device, error)
}

// DBSnapshot reads devices from the engine's own SQLite files. Both files
// are opened read-only for each snapshot, since the engine may recreate them.
type DBSnapshot struct {
	DeviceDBPath string
	StateDBPath  string

	// BusyTimeout is how long to wait on the engine's write lock, in seconds.
	BusyTimeout int
}

var _ SnapshotSource = (*DBSnapshot)(nil)

// Snapshot returns every device in the device database, merged with the
// state database. A missing or unreadable state database leaves devices
// offline with default state rather than failing the snapshot.
func (s *DBSnapshot) Snapshot(ctx context.Context) ([]Device, error) {
	devices, err := s.readDevices(ctx)
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return devices, nil
	}

	if err := s.readState(ctx, devices); err != nil && !errors.Is(err, database.ErrNotFound) {
		return devices, fmt.Errorf("reading engine state: %w", err)
	}
	return devices, nil
}

func (s *DBSnapshot) readDevices(ctx context.Context) ([]Device, error) {
	db, err := database.OpenReadOnly(ctx, s.DeviceDBPath, s.BusyTimeout)
	if err != nil {
		return nil, fmt.Errorf("opening engine device database: %w", err)
	}
	defer db.Close() //nolint:errcheck // Read-only handle

	rows, err := db.QueryContext(ctx,
		"SELECT wemo_id, UDN, device_type, friendly_name FROM wemo_device ORDER BY wemo_id")
	if err != nil {
		return nil, fmt.Errorf("querying engine devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		var (
			d          Device
			udn, name  sql.NullString
			deviceType sql.NullInt64
		)
		if err := rows.Scan(&d.EngineID, &udn, &deviceType, &name); err != nil {
			return nil, fmt.Errorf("scanning engine device: %w", err)
		}
		if !udn.Valid || udn.String == "" {
			continue // not yet identified by the engine
		}
		d.UDN = udn.String
		d.FriendlyName = name.String
		d.SupportsLevel = deviceType.Valid && deviceType.Int64 == deviceTypeDimmer
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating engine devices: %w", err)
	}
	return devices, nil
}

// readState fills reachability, on/off and level. A level capability row
// implies the device supports level even if its type is not a dimmer.
func (s *DBSnapshot) readState(ctx context.Context, devices []Device) error {
	db, err := database.OpenReadOnly(ctx, s.StateDBPath, s.BusyTimeout)
	if err != nil {
		return err
	}
	defer db.Close() //nolint:errcheck // Read-only handle

	index := make(map[int]*Device, len(devices))
	for i := range devices {
		index[devices[i].EngineID] = &devices[i]
	}

	rows, err := db.QueryContext(ctx, "SELECT wemo_id, is_online FROM state")
	if err != nil {
		return fmt.Errorf("querying state: %w", err)
	}
	for rows.Next() {
		var id, online int
		if err := rows.Scan(&id, &online); err != nil {
			rows.Close() //nolint:errcheck // Returning scan error
			return fmt.Errorf("scanning state: %w", err)
		}
		if d, ok := index[id]; ok {
			d.IsOnline = online != 0
		}
	}
	rows.Close() //nolint:errcheck // Iteration complete
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating state: %w", err)
	}

	rows, err = db.QueryContext(ctx,
		"SELECT wemo_id, cap, value FROM state_capability WHERE cap IN (?, ?)", capBinary, capLevel)
	if err != nil {
		return fmt.Errorf("querying state capabilities: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, capID, value int
		if err := rows.Scan(&id, &capID, &value); err != nil {
			return fmt.Errorf("scanning state capability: %w", err)
		}
		d, ok := index[id]
		if !ok {
			continue
		}
		switch capID {
		case capBinary:
			d.OnOff = value != 0
		case capLevel:
			d.LevelPercent = min(max(value, 0), 100)
			d.SupportsLevel = true
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating state capabilities: %w", err)
	}
	return nil
}
