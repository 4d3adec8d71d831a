package endpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync"
)

const (
	// MaxID is the highest identifier handed out. 0xFFFF is reserved as
	// "no endpoint" on the upstream protocol.
	MaxID = 0xFFFE

	// DefaultFirstID is the first dynamic identifier. Lower ids belong to
	// the bridge's own root and aggregator endpoints.
	DefaultFirstID = 2

	counterKey = "next_endpoint_id"
)

// Identifier is one persisted UDN to endpoint id assignment.
type Identifier struct {
	UDN string
	ID  uint16
}

// Logger is the logging interface used by the registry.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any) {}
func (noopLogger) Warn(string, ...any) {}

// Registry is the SQLite-backed identifier registry.
//
// The database must be opened with immediate transaction locking
// (database.Open does this) for allocation to be safe across processes.
// Within one process, allocations are additionally serialised by a mutex.
type Registry struct {
	db      *sql.DB
	firstID uint16
	logger  Logger
	mu      sync.Mutex
}

// NewRegistry creates a registry over an already-migrated database and
// repairs the allocation counter if it is missing or behind the mapping table.
func NewRegistry(ctx context.Context, db *sql.DB, firstID uint16, logger Logger) (*Registry, error) {
	if firstID == 0 || firstID > MaxID {
		return nil, fmt.Errorf("%w: %d", ErrInvalidFirstID, firstID)
	}
	if logger == nil {
		logger = noopLogger{}
	}

	r := &Registry{db: db, firstID: firstID, logger: logger}
	if _, err := r.Repair(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Lookup returns the identifier for udn without allocating.
// The bool is false when udn has never been assigned.
func (r *Registry) Lookup(ctx context.Context, udn string) (uint16, bool, error) {
	if udn == "" {
		return 0, false, ErrInvalidUDN
	}

	var id int64
	err := r.db.QueryRowContext(ctx, "SELECT endpoint_id FROM endpoint_map WHERE udn = ?", udn).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("looking up endpoint for %s: %w", udn, err)
	}
	return uint16(id), true, nil //nolint:gosec // CHECK constraint bounds endpoint_id to 16 bits
}

// GetOrAssign returns the identifier for udn, allocating the next free one
// on first sighting. Failures are returned as-is and never retried.
func (r *Registry) GetOrAssign(ctx context.Context, udn string) (uint16, error) {
	if udn == "" {
		return 0, ErrInvalidUDN
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("starting allocation for %s: %w", udn, err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	var existing int64
	err = tx.QueryRowContext(ctx, "SELECT endpoint_id FROM endpoint_map WHERE udn = ?", udn).Scan(&existing)
	switch {
	case err == nil:
		return uint16(existing), nil //nolint:gosec // CHECK constraint bounds endpoint_id to 16 bits
	case !errors.Is(err, sql.ErrNoRows):
		return 0, fmt.Errorf("looking up endpoint for %s: %w", udn, err)
	}

	next, _, err := r.nextID(ctx, tx)
	if err != nil {
		return 0, err
	}
	if next > MaxID {
		return 0, ErrIdentifiersExhausted
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO endpoint_map (udn, endpoint_id) VALUES (?, ?)", udn, next,
	); err != nil {
		return 0, fmt.Errorf("inserting endpoint %d for %s: %w", next, udn, err)
	}
	if err := writeCounter(ctx, tx, next+1); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing endpoint %d for %s: %w", next, udn, err)
	}

	r.logger.Info("endpoint assigned", "udn", udn, "endpoint_id", next)
	return uint16(next), nil //nolint:gosec // Checked against MaxID above
}

// All returns every assignment ordered by identifier.
func (r *Registry) All(ctx context.Context) ([]Identifier, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT udn, endpoint_id FROM endpoint_map ORDER BY endpoint_id")
	if err != nil {
		return nil, fmt.Errorf("querying endpoints: %w", err)
	}
	defer rows.Close()

	var ids []Identifier
	for rows.Next() {
		var ident Identifier
		var id int64
		if err := rows.Scan(&ident.UDN, &id); err != nil {
			return nil, fmt.Errorf("scanning endpoint row: %w", err)
		}
		ident.ID = uint16(id) //nolint:gosec // CHECK constraint bounds endpoint_id to 16 bits
		ids = append(ids, ident)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating endpoints: %w", err)
	}
	return ids, nil
}

// NextID returns the identifier the next allocation would receive.
func (r *Registry) NextID(ctx context.Context) (int64, error) {
	next, _, err := r.nextID(ctx, r.db)
	return next, err
}

// Repair rewrites the stored counter when it is missing, unparseable or
// lower than max(endpoint_id)+1. It reports whether a write happened.
func (r *Registry) Repair(ctx context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("starting counter repair: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	next, stored, err := r.nextID(ctx, tx)
	if err != nil {
		return false, err
	}
	if stored == next {
		return false, nil
	}

	if err := writeCounter(ctx, tx, next); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing counter repair: %w", err)
	}

	r.logger.Warn("endpoint counter repaired", "stored", stored, "next_endpoint_id", next)
	return true, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// nextID computes max(stored counter, max(endpoint_id)+1, firstID).
// stored is -1 when the counter row is missing or corrupt.
func (r *Registry) nextID(ctx context.Context, q querier) (next, stored int64, err error) {
	stored = -1
	var raw string
	err = q.QueryRowContext(ctx, "SELECT value FROM bridge_meta WHERE key = ?", counterKey).Scan(&raw)
	switch {
	case err == nil:
		if n, convErr := strconv.ParseInt(raw, 10, 64); convErr == nil && n > 0 {
			stored = n
		}
	case !errors.Is(err, sql.ErrNoRows):
		return 0, 0, fmt.Errorf("reading endpoint counter: %w", err)
	}

	var maxID int64
	if err := q.QueryRowContext(ctx, "SELECT COALESCE(MAX(endpoint_id), 0) FROM endpoint_map").Scan(&maxID); err != nil {
		return 0, 0, fmt.Errorf("reading highest endpoint: %w", err)
	}

	next = max(stored, maxID+1, int64(r.firstID))
	return next, stored, nil
}

func writeCounter(ctx context.Context, tx *sql.Tx, next int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO bridge_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, counterKey, strconv.FormatInt(next, 10))
	if err != nil {
		return fmt.Errorf("writing endpoint counter: %w", err)
	}
	return nil
}
