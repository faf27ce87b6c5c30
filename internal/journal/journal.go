// Package journal provides an append-only history of reconciliation
// actions and entry lifecycle transitions, for the status API and
// auditing.
package journal

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog/log"
)

// EventType represents the type of event in the journal
type EventType string

const (
	EventEntityAdded    EventType = "entity_added"
	EventEntityRemoved  EventType = "entity_removed"
	EventEntityPruned   EventType = "entity_pruned"
	EventEntryStarted   EventType = "entry_started"
	EventEntryStopped   EventType = "entry_stopped"
	EventReauthRequired EventType = "reauth_required"
)

// Entry represents a single event in the journal
type Entry struct {
	ID        int64
	EntryID   string
	EventType EventType
	UniqueID  string
	Detail    string
	Timestamp time.Time
}

// Journal provides append-only event logging
type Journal struct {
	db *sql.DB
}

// New creates a new Journal using the provided database connection
func New(db *sql.DB) *Journal {
	return &Journal{db: db}
}

// Append adds a new event to the journal
func (j *Journal) Append(entryID string, eventType EventType, uniqueID, detail string) error {
	now := time.Now().UTC().Unix()

	_, err := j.db.Exec(`
		INSERT INTO journal (entry_id, event_type, unique_id, detail, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`, entryID, string(eventType), uniqueID, detail, now)

	return err
}

// Recent returns the newest entries across all config entries
func (j *Journal) Recent(limit int) ([]*Entry, error) {
	rows, err := j.db.Query(`
		SELECT id, entry_id, event_type, unique_id, detail, timestamp
		FROM journal
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return j.scanEntries(rows)
}

// ByEntry returns the newest entries for one config entry
func (j *Journal) ByEntry(entryID string, limit int) ([]*Entry, error) {
	rows, err := j.db.Query(`
		SELECT id, entry_id, event_type, unique_id, detail, timestamp
		FROM journal
		WHERE entry_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, entryID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return j.scanEntries(rows)
}

// DeleteOlderThan removes entries older than the specified duration (retention policy)
func (j *Journal) DeleteOlderThan(retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).Unix()
	result, err := j.db.Exec(`
		DELETE FROM journal WHERE timestamp < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// RunRetention applies the retention policy on a fixed interval until ctx
// is cancelled.
func (j *Journal) RunRetention(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := j.DeleteOlderThan(retention)
			if err != nil {
				log.Error().Err(err).Msg("Journal retention cleanup failed")
				continue
			}
			if deleted > 0 {
				log.Debug().Int64("deleted", deleted).Msg("Journal retention cleanup")
			}
		}
	}
}

func (j *Journal) scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		var entry Entry
		var uniqueID, detail sql.NullString
		var timestamp int64

		err := rows.Scan(
			&entry.ID, &entry.EntryID, &entry.EventType, &uniqueID, &detail, &timestamp,
		)
		if err != nil {
			return nil, err
		}

		entry.Timestamp = time.Unix(timestamp, 0).UTC()
		if uniqueID.Valid {
			entry.UniqueID = uniqueID.String
		}
		if detail.Valid {
			entry.Detail = detail.String
		}

		entries = append(entries, &entry)
	}

	return entries, rows.Err()
}
