// Package accessory persists per-beacon settings (display name and
// debounce thresholds) so beacons discovered at runtime survive a
// restart, along with the ids an operator has permanently removed.
package accessory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Accessory is the persisted configuration of one beacon.
type Accessory struct {
	ID                string    `json:"id"`
	DisplayName       string    `json:"display_name"`
	TriggerThreshold  int       `json:"trigger_threshold"`
	MaintainThreshold int       `json:"maintain_threshold"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Store manages accessory persistence.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a new accessory store, creating its tables if needed.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate accessories: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS accessories (
			id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			trigger_threshold INTEGER NOT NULL,
			maintain_threshold INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS ignored_beacons (
			id TEXT PRIMARY KEY,
			ignored_at TEXT NOT NULL
		);
	`)
	return err
}

// Times are stored as RFC 3339 text so the file reads the same under
// either SQLite driver.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Upsert inserts a or updates the stored name and thresholds. CreatedAt
// is preserved for existing rows. On return a carries the stored
// timestamps.
func (s *Store) Upsert(ctx context.Context, a *Accessory) error {
	if a.ID == "" {
		return errors.New("accessory id is required")
	}
	now := s.now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accessories (id, display_name, trigger_threshold, maintain_threshold, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			trigger_threshold = excluded.trigger_threshold,
			maintain_threshold = excluded.maintain_threshold,
			updated_at = excluded.updated_at
	`, a.ID, a.DisplayName, a.TriggerThreshold, a.MaintainThreshold, formatTime(a.CreatedAt), formatTime(a.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert accessory %s: %w", a.ID, err)
	}

	// Reflect the surviving created_at when the row already existed.
	if stored, err := s.Get(ctx, a.ID); err == nil && stored != nil {
		a.CreatedAt = stored.CreatedAt
	}
	return nil
}

// Get returns the accessory with the given id, or nil if none exists.
func (s *Store) Get(ctx context.Context, id string) (*Accessory, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, trigger_threshold, maintain_threshold, created_at, updated_at
		FROM accessories
		WHERE id = ?
	`, id)

	a, err := scanAccessory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get accessory %s: %w", id, err)
	}
	return a, nil
}

// List returns every accessory in creation order.
func (s *Store) List(ctx context.Context) ([]*Accessory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, display_name, trigger_threshold, maintain_threshold, created_at, updated_at
		FROM accessories
		ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list accessories: %w", err)
	}
	defer rows.Close()

	var out []*Accessory
	for rows.Next() {
		a, err := scanAccessory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan accessory: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Delete removes an accessory. It reports whether a row existed.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM accessories WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete accessory %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Ignore records id as permanently removed.
func (s *Store) Ignore(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ignored_beacons (id, ignored_at) VALUES (?, ?)
		ON CONFLICT(id) DO NOTHING
	`, id, formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("ignore beacon %s: %w", id, err)
	}
	return nil
}

// Unignore forgets a permanent removal.
func (s *Store) Unignore(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM ignored_beacons WHERE id = ?`, id); err != nil {
		return fmt.Errorf("unignore beacon %s: %w", id, err)
	}
	return nil
}

// IgnoredIDs returns every permanently removed id.
func (s *Store) IgnoredIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM ignored_beacons ORDER BY ignored_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list ignored beacons: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccessory(row scanner) (*Accessory, error) {
	a := &Accessory{}
	var created, updated string
	if err := row.Scan(&a.ID, &a.DisplayName, &a.TriggerThreshold, &a.MaintainThreshold, &created, &updated); err != nil {
		return nil, err
	}
	a.CreatedAt = parseTime(created)
	a.UpdatedAt = parseTime(updated)
	return a, nil
}
