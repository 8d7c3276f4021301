package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"calsync/internal/models"
	"calsync/internal/storage"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id              TEXT PRIMARY KEY,
	external_id     TEXT,
	calendar_id     TEXT NOT NULL DEFAULT '',
	title           TEXT NOT NULL DEFAULT '',
	description     TEXT NOT NULL DEFAULT '',
	location        TEXT NOT NULL DEFAULT '',
	start_at        TEXT NOT NULL,
	end_at          TEXT NOT NULL,
	start_ns        INTEGER NOT NULL,
	end_ns          INTEGER NOT NULL,
	all_day         INTEGER NOT NULL DEFAULT 0,
	recurrence_rule TEXT NOT NULL DEFAULT '',
	origin          TEXT NOT NULL,
	updated_at      TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_events_external_id ON events(external_id) WHERE external_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_events_range ON events(start_ns, end_ns);
CREATE INDEX IF NOT EXISTS idx_events_origin ON events(origin);

CREATE TABLE IF NOT EXISTS sync_state (
	account      TEXT PRIMARY KEY,
	last_sync_at TEXT,
	enabled      INTEGER NOT NULL DEFAULT 1
);
`

const eventColumns = `id, external_id, calendar_id, title, description, location,
	start_at, end_at, all_day, recurrence_rule, origin, updated_at`

// Storage is the SQLite-backed local event store and sync state tracker.
type Storage struct {
	db *sql.DB
}

// New opens (creating if needed) the database at storagePath and applies the schema.
func New(storagePath string) (*Storage, error) {
	const op = "storage.sqlite.New"

	if dir := filepath.Dir(storagePath); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}

	db, err := sql.Open("sqlite", storagePath)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	// SQLite doesn't support multiple writers
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%s: apply schema: %w", op, err)
	}

	return &Storage{db: db}, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// EventsInRange returns events overlapping [start, end), ordered by start time.
func (s *Storage) EventsInRange(ctx context.Context, start, end time.Time) ([]models.Event, error) {
	const op = "storage.sqlite.EventsInRange"

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+eventColumns+" FROM events WHERE start_ns < ? AND end_ns > ? ORDER BY start_ns, id",
		end.UnixNano(), start.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	events, err := scanEvents(rows)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return events, nil
}

// EventsByOrigin returns all events carrying the given origin tag.
func (s *Storage) EventsByOrigin(ctx context.Context, origin models.Origin) ([]models.Event, error) {
	const op = "storage.sqlite.EventsByOrigin"

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+eventColumns+" FROM events WHERE origin = ? ORDER BY start_ns, id",
		string(origin))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	events, err := scanEvents(rows)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return events, nil
}

// Event returns a single event by local id.
func (s *Storage) Event(ctx context.Context, id string) (models.Event, error) {
	const op = "storage.sqlite.Event"

	rows, err := s.db.QueryContext(ctx, "SELECT "+eventColumns+" FROM events WHERE id = ?", id)
	if err != nil {
		return models.Event{}, fmt.Errorf("%s: %w", op, err)
	}

	events, err := scanEvents(rows)
	if err != nil {
		return models.Event{}, fmt.Errorf("%s: %w", op, err)
	}
	if len(events) == 0 {
		return models.Event{}, fmt.Errorf("%s: %w", op, storage.ErrEventNotFound)
	}
	return events[0], nil
}

// Commit applies inserts, updates and deletes in one transaction.
func (s *Storage) Commit(ctx context.Context, changes storage.ChangeSet) error {
	const op = "storage.sqlite.Commit"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer tx.Rollback()

	for _, ev := range changes.Inserts {
		if err := insertEvent(ctx, tx, ev); err != nil {
			return fmt.Errorf("%s: insert %s: %w", op, ev.ID, err)
		}
	}
	for _, ev := range changes.Updates {
		if err := updateEvent(ctx, tx, ev); err != nil {
			return fmt.Errorf("%s: update %s: %w", op, ev.ID, err)
		}
	}
	for _, id := range changes.Deletes {
		if _, err := tx.ExecContext(ctx, "DELETE FROM events WHERE id = ?", id); err != nil {
			return fmt.Errorf("%s: delete %s: %w", op, id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// SyncState returns the state of account, or the default state if it has never synced.
func (s *Storage) SyncState(ctx context.Context, account string) (models.SyncState, error) {
	const op = "storage.sqlite.SyncState"

	var (
		lastSync sql.NullString
		enabled  bool
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT last_sync_at, enabled FROM sync_state WHERE account = ?", account).
		Scan(&lastSync, &enabled)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.DefaultSyncState(), nil
		}
		return models.SyncState{}, fmt.Errorf("%s: %w", op, err)
	}

	state := models.SyncState{Enabled: enabled}
	if lastSync.Valid {
		t, err := time.Parse(time.RFC3339Nano, lastSync.String)
		if err != nil {
			return models.SyncState{}, fmt.Errorf("%s: parse last_sync_at: %w", op, err)
		}
		state.LastSyncAt = &t
	}
	return state, nil
}

// SaveSyncState writes the state of account.
func (s *Storage) SaveSyncState(ctx context.Context, account string, state models.SyncState) error {
	const op = "storage.sqlite.SaveSyncState"

	var lastSync sql.NullString
	if state.LastSyncAt != nil {
		lastSync = sql.NullString{String: state.LastSyncAt.Format(time.RFC3339Nano), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state(account, last_sync_at, enabled) VALUES(?, ?, ?)
		ON CONFLICT(account) DO UPDATE SET last_sync_at = excluded.last_sync_at, enabled = excluded.enabled`,
		account, lastSync, state.Enabled)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// SetEnabled toggles syncing for account, keeping its watermark.
func (s *Storage) SetEnabled(ctx context.Context, account string, enabled bool) error {
	state, err := s.SyncState(ctx, account)
	if err != nil {
		return err
	}
	state.Enabled = enabled
	return s.SaveSyncState(ctx, account, state)
}

func insertEvent(ctx context.Context, tx *sql.Tx, ev models.Event) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO events(id, external_id, calendar_id, title, description, location,
			start_at, end_at, start_ns, end_ns, all_day, recurrence_rule, origin, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, externalID(ev), ev.CalendarID, ev.Title, ev.Description, ev.Location,
		formatTime(ev.Start), formatTime(ev.End), ev.Start.UnixNano(), ev.End.UnixNano(),
		ev.AllDay, ev.RecurrenceRule, string(ev.Origin), formatTime(ev.UpdatedAt))
	return mapConstraint(err)
}

func updateEvent(ctx context.Context, tx *sql.Tx, ev models.Event) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE events SET external_id = ?, calendar_id = ?, title = ?, description = ?, location = ?,
			start_at = ?, end_at = ?, start_ns = ?, end_ns = ?, all_day = ?, recurrence_rule = ?,
			origin = ?, updated_at = ?
		WHERE id = ?`,
		externalID(ev), ev.CalendarID, ev.Title, ev.Description, ev.Location,
		formatTime(ev.Start), formatTime(ev.End), ev.Start.UnixNano(), ev.End.UnixNano(),
		ev.AllDay, ev.RecurrenceRule, string(ev.Origin), formatTime(ev.UpdatedAt), ev.ID)
	if err != nil {
		return mapConstraint(err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrEventNotFound
	}
	return nil
}

func scanEvents(rows *sql.Rows) ([]models.Event, error) {
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		var (
			ev                        models.Event
			extID                     sql.NullString
			startAt, endAt, updatedAt string
			origin                    string
		)
		if err := rows.Scan(&ev.ID, &extID, &ev.CalendarID, &ev.Title, &ev.Description, &ev.Location,
			&startAt, &endAt, &ev.AllDay, &ev.RecurrenceRule, &origin, &updatedAt); err != nil {
			return nil, err
		}

		var err error
		if ev.Start, err = time.Parse(time.RFC3339Nano, startAt); err != nil {
			return nil, fmt.Errorf("parse start of %s: %w", ev.ID, err)
		}
		if ev.End, err = time.Parse(time.RFC3339Nano, endAt); err != nil {
			return nil, fmt.Errorf("parse end of %s: %w", ev.ID, err)
		}
		if ev.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
			return nil, fmt.Errorf("parse updated_at of %s: %w", ev.ID, err)
		}
		ev.ExternalID = extID.String
		ev.Origin = models.Origin(origin)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func externalID(ev models.Event) sql.NullString {
	return sql.NullString{String: ev.ExternalID, Valid: ev.ExternalID != ""}
}

// formatTime keeps the original offset so reads return what was written.
func formatTime(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}

func mapConstraint(err error) error {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE {
		return storage.ErrEventExists
	}
	return err
}
