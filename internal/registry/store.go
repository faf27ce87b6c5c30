// Package registry is the durable mapping from stable unique ids to live
// entity registrations. The reconciler creates and removes registrations
// through it; rows survive restarts and entry unloads so the daemon can
// tell a sub-device that vanished from one that is merely unavailable.
package registry

import (
	"database/sql"
	"strings"
	"sync"
	"time"

	"github.com/dermotduffy/rosterd/internal/roster"
)

// Row is one persisted registration.
type Row struct {
	UniqueID  roster.UniqueID
	EntryID   string
	Domain    string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store persists registration rows.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewStore creates a Store using the provided database connection.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Upsert inserts a registration row or refreshes its name and timestamp.
func (s *Store) Upsert(row Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Unix()

	_, err := s.db.Exec(`
		INSERT INTO entity_registry (scope, remote_id, entry_id, domain, name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(scope, remote_id) DO UPDATE SET
			entry_id = excluded.entry_id,
			domain = excluded.domain,
			name = excluded.name,
			updated_at = excluded.updated_at
	`, row.UniqueID.Scope, row.UniqueID.RemoteID, row.EntryID, row.Domain, row.Name, now, now)

	return err
}

// Delete removes a registration row.
func (s *Store) Delete(uniqueID roster.UniqueID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		DELETE FROM entity_registry WHERE scope = ? AND remote_id = ?
	`, uniqueID.Scope, uniqueID.RemoteID)
	return err
}

// Purge removes every registration row. Entities are rediscovered from
// the server rosters on the next reconciliation.
func (s *Store) Purge() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM entity_registry`)
	return err
}

// UpdateUniqueID re-keys one registration row.
func (s *Store) UpdateUniqueID(oldID, newID roster.UniqueID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Unix()

	_, err := s.db.Exec(`
		UPDATE entity_registry SET scope = ?, remote_id = ?, updated_at = ?
		WHERE scope = ? AND remote_id = ?
	`, newID.Scope, newID.RemoteID, now, oldID.Scope, oldID.RemoteID)
	return err
}

// UpdateScope re-keys every row under a scope. Used once per entry when a
// provisional host:port scope learns the server's stable id.
func (s *Store) UpdateScope(oldScope, newScope string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Unix()

	result, err := s.db.Exec(`
		UPDATE entity_registry SET scope = ?, updated_at = ?
		WHERE scope = ?
	`, newScope, now, oldScope)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// ListByEntry returns every persisted row for one config entry.
func (s *Store) ListByEntry(entryID string) ([]Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT scope, remote_id, entry_id, domain, name, created_at, updated_at
		FROM entity_registry
		WHERE entry_id = ?
		ORDER BY scope, remote_id
	`, entryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRows(rows)
}

// List returns every persisted row.
func (s *Store) List() ([]Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT scope, remote_id, entry_id, domain, name, created_at, updated_at
		FROM entity_registry
		ORDER BY scope, remote_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRows(rows)
}

// DeleteAbsent removes rows of one entry and scope whose remote id is not
// in the present set, returning the deleted rows. This prunes sub-devices
// that disappeared while the daemon was not watching.
func (s *Store) DeleteAbsent(entryID, scope string, present []string) ([]Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		SELECT scope, remote_id, entry_id, domain, name, created_at, updated_at
		FROM entity_registry
		WHERE entry_id = ? AND scope = ?
	`
	args := []interface{}{entryID, scope}
	if len(present) > 0 {
		query += ` AND remote_id NOT IN (?` + strings.Repeat(",?", len(present)-1) + `)`
		for _, id := range present {
			args = append(args, id)
		}
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	stale, err := scanRows(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	for _, row := range stale {
		if _, err := s.db.Exec(`
			DELETE FROM entity_registry WHERE scope = ? AND remote_id = ?
		`, row.UniqueID.Scope, row.UniqueID.RemoteID); err != nil {
			return nil, err
		}
	}

	return stale, nil
}

func scanRows(rows *sql.Rows) ([]Row, error) {
	var result []Row
	for rows.Next() {
		var row Row
		var createdAt, updatedAt int64

		err := rows.Scan(
			&row.UniqueID.Scope, &row.UniqueID.RemoteID, &row.EntryID,
			&row.Domain, &row.Name, &createdAt, &updatedAt,
		)
		if err != nil {
			return nil, err
		}

		row.CreatedAt = time.Unix(createdAt, 0).UTC()
		row.UpdatedAt = time.Unix(updatedAt, 0).UTC()
		result = append(result, row)
	}

	return result, rows.Err()
}
