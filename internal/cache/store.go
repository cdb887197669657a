// Package cache is the local replica: a SQLite database holding calendars,
// items, tombstones and the sync checkpoint.
//
// Only this package may open or query the database. All other packages receive
// a [*Store] and call its methods.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/njoerd114/taskmirror/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS calendars (
    url        TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    components TEXT NOT NULL DEFAULT 'VTODO'
);

CREATE TABLE IF NOT EXISTS items (
    calendar_url  TEXT    NOT NULL REFERENCES calendars (url) ON DELETE CASCADE,
    id            TEXT    NOT NULL,
    kind          INTEGER NOT NULL DEFAULT 0,
    name          TEXT    NOT NULL,
    description   TEXT    NOT NULL DEFAULT '',
    priority      INTEGER NOT NULL DEFAULT 0,
    completed     INTEGER NOT NULL DEFAULT 0,
    created       TEXT    NOT NULL DEFAULT '',
    due           TEXT    NOT NULL DEFAULT '',
    last_modified TEXT    NOT NULL DEFAULT '',
    PRIMARY KEY (calendar_url, id)
);

CREATE TABLE IF NOT EXISTS tombstones (
    calendar_url TEXT NOT NULL REFERENCES calendars (url) ON DELETE CASCADE,
    id           TEXT NOT NULL,
    deleted_at   TEXT NOT NULL,
    PRIMARY KEY (calendar_url, id)
);

CREATE TABLE IF NOT EXISTS sync_state (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS aliases (
    calendar_url TEXT NOT NULL,
    remote_uid   TEXT NOT NULL,
    item_id      TEXT NOT NULL,
    PRIMARY KEY (calendar_url, remote_uid)
);
`

const (
	keyLastSync         = "last_sync"
	keyCalendarSyncPref = "last_sync:"
)

// Store is the SQLite-backed local replica. It implements the sync package's
// LocalSource, Committer, CalendarCreator and CalendarCheckpointer interfaces.
type Store struct {
	db *sql.DB
}

// DefaultDBPath returns the default path for the cache database:
// ~/.local/share/taskmirror/cache.db
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "taskmirror", "cache.db"), nil
}

// Open opens (or creates) the SQLite database at path, applies the schema, and
// configures WAL mode for better concurrent read performance.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}

	// Single writer to avoid SQLITE_BUSY under WAL.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies the schema DDL idempotently (CREATE IF NOT EXISTS).
func migrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

// --- calendars ---------------------------------------------------------------

// Calendars loads every calendar with its items and tombstones.
func (s *Store) Calendars(ctx context.Context) ([]*model.Calendar, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT url, name, components FROM calendars ORDER BY url`)
	if err != nil {
		return nil, fmt.Errorf("querying calendars: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var cals []*model.Calendar
	for rows.Next() {
		cal, err := scanCalendar(rows)
		if err != nil {
			return nil, err
		}
		cals = append(cals, cal)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating calendars: %w", err)
	}
	_ = rows.Close()

	for _, cal := range cals {
		if err := s.loadContents(ctx, cal); err != nil {
			return nil, err
		}
	}
	return cals, nil
}

// Calendar loads the calendar with the given URL, or returns (nil, nil) if
// no such calendar exists.
func (s *Store) Calendar(ctx context.Context, url string) (*model.Calendar, error) {
	row := s.db.QueryRowContext(ctx, `SELECT url, name, components FROM calendars WHERE url = ?`, url)
	cal, err := scanCalendar(row)
	if err != nil || cal == nil {
		return nil, err
	}
	if err := s.loadContents(ctx, cal); err != nil {
		return nil, err
	}
	return cal, nil
}

// CreateCalendar inserts an empty calendar. It fails if the URL is taken.
func (s *Store) CreateCalendar(ctx context.Context, name, url string, components model.SupportedComponents) (*model.Calendar, error) {
	const q = `INSERT INTO calendars (url, name, components) VALUES (?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, q, url, name, components.String()); err != nil {
		return nil, fmt.Errorf("creating calendar %s: %w", url, err)
	}
	return model.NewCalendar(name, url, components), nil
}

// DeleteCalendar removes a calendar with its items, tombstones, aliases and
// checkpoint.
func (s *Store) DeleteCalendar(ctx context.Context, url string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM sync_state WHERE key = ?`, keyCalendarSyncPref+url); err != nil {
			return fmt.Errorf("deleting checkpoint of %s: %w", url, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM aliases WHERE calendar_url = ?`, url); err != nil {
			return fmt.Errorf("deleting aliases of %s: %w", url, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM calendars WHERE url = ?`, url); err != nil {
			return fmt.Errorf("deleting calendar %s: %w", url, err)
		}
		return nil
	})
}

// Commit replaces the stored contents of cal with its in-memory state. The
// calendar row is created if it does not exist yet.
func (s *Store) Commit(ctx context.Context, cal *model.Calendar) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		const upsertCal = `
			INSERT INTO calendars (url, name, components) VALUES (?, ?, ?)
			ON CONFLICT(url) DO UPDATE SET
			    name       = excluded.name,
			    components = excluded.components`
		if _, err := tx.ExecContext(ctx, upsertCal, cal.URL(), cal.Name(), cal.SupportedComponents().String()); err != nil {
			return fmt.Errorf("upserting calendar %s: %w", cal.URL(), err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM items WHERE calendar_url = ?`, cal.URL()); err != nil {
			return fmt.Errorf("clearing items of %s: %w", cal.URL(), err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM tombstones WHERE calendar_url = ?`, cal.URL()); err != nil {
			return fmt.Errorf("clearing tombstones of %s: %w", cal.URL(), err)
		}

		const insertItem = `
			INSERT INTO items
			    (calendar_url, id, kind, name, description, priority,
			     completed, created, due, last_modified)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
		for _, item := range cal.Items() {
			var due time.Time
			if item.Due != nil {
				due = *item.Due
			}
			_, err := tx.ExecContext(ctx, insertItem,
				cal.URL(),
				string(item.ID),
				int(item.Kind),
				item.Name,
				item.Description,
				int(item.Priority),
				item.Completed,
				formatTime(item.Created),
				formatTime(due),
				formatTime(item.LastModified),
			)
			if err != nil {
				return fmt.Errorf("writing item %q: %w", item.Name, err)
			}
		}

		const insertTombstone = `INSERT INTO tombstones (calendar_url, id, deleted_at) VALUES (?, ?, ?)`
		for id, at := range cal.Tombstones() {
			if _, err := tx.ExecContext(ctx, insertTombstone, cal.URL(), string(id), formatTime(at)); err != nil {
				return fmt.Errorf("writing tombstone %s: %w", id, err)
			}
		}
		return nil
	})
}

func (s *Store) loadContents(ctx context.Context, cal *model.Calendar) error {
	const qItems = `
		SELECT id, kind, name, description, priority, completed,
		       created, due, last_modified
		FROM items WHERE calendar_url = ?`
	rows, err := s.db.QueryContext(ctx, qItems, cal.URL())
	if err != nil {
		return fmt.Errorf("querying items of %s: %w", cal.URL(), err)
	}
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			_ = rows.Close()
			return err
		}
		if err := cal.AddItem(item); err != nil {
			_ = rows.Close()
			return fmt.Errorf("loading %s: %w", cal.URL(), err)
		}
	}
	err = rows.Err()
	_ = rows.Close()
	if err != nil {
		return fmt.Errorf("iterating items of %s: %w", cal.URL(), err)
	}

	rows, err = s.db.QueryContext(ctx, `SELECT id, deleted_at FROM tombstones WHERE calendar_url = ?`, cal.URL())
	if err != nil {
		return fmt.Errorf("querying tombstones of %s: %w", cal.URL(), err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var id, deletedAt string
		if err := rows.Scan(&id, &deletedAt); err != nil {
			return fmt.Errorf("scanning tombstone row: %w", err)
		}
		at, err := parseTime(deletedAt)
		if err != nil {
			return fmt.Errorf("parsing tombstone time %q: %w", deletedAt, err)
		}
		cal.RestoreTombstone(model.ItemID(id), at)
	}
	return rows.Err()
}

// --- checkpoint --------------------------------------------------------------

// LastSync returns the checkpoint, or the zero time if none was recorded.
func (s *Store) LastSync(ctx context.Context) (time.Time, error) {
	return s.syncState(ctx, keyLastSync)
}

// SetLastSync records the checkpoint.
func (s *Store) SetLastSync(ctx context.Context, t time.Time) error {
	return s.setSyncState(ctx, keyLastSync, t)
}

// CalendarSync returns the checkpoint of one calendar, or the zero time if
// that calendar has never been synced.
func (s *Store) CalendarSync(ctx context.Context, url string) (time.Time, error) {
	return s.syncState(ctx, keyCalendarSyncPref+url)
}

// SetCalendarSync records the checkpoint of one calendar.
func (s *Store) SetCalendarSync(ctx context.Context, url string, t time.Time) error {
	return s.setSyncState(ctx, keyCalendarSyncPref+url, t)
}

func (s *Store) syncState(ctx context.Context, key string) (time.Time, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("reading checkpoint %s: %w", key, err)
	}
	return parseTime(v)
}

func (s *Store) setSyncState(ctx context.Context, key string, t time.Time) error {
	const q = `
		INSERT INTO sync_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	if _, err := s.db.ExecContext(ctx, q, key, formatTime(t)); err != nil {
		return fmt.Errorf("writing checkpoint %s: %w", key, err)
	}
	return nil
}

// --- aliases -----------------------------------------------------------------

// Aliases returns the remote UID to item ID map recorded for a calendar.
// Remotes that assign their own identifiers use it to keep item identity
// stable across passes.
func (s *Store) Aliases(ctx context.Context, calendarURL string) (map[string]model.ItemID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT remote_uid, item_id FROM aliases WHERE calendar_url = ?`, calendarURL)
	if err != nil {
		return nil, fmt.Errorf("querying aliases of %s: %w", calendarURL, err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]model.ItemID)
	for rows.Next() {
		var uid, id string
		if err := rows.Scan(&uid, &id); err != nil {
			return nil, fmt.Errorf("scanning alias row: %w", err)
		}
		out[uid] = model.ItemID(id)
	}
	return out, rows.Err()
}

// SetAliases replaces the alias map of a calendar.
func (s *Store) SetAliases(ctx context.Context, calendarURL string, aliases map[string]model.ItemID) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM aliases WHERE calendar_url = ?`, calendarURL); err != nil {
			return fmt.Errorf("clearing aliases of %s: %w", calendarURL, err)
		}
		const q = `INSERT INTO aliases (calendar_url, remote_uid, item_id) VALUES (?, ?, ?)`
		for uid, id := range aliases {
			if _, err := tx.ExecContext(ctx, q, calendarURL, uid, string(id)); err != nil {
				return fmt.Errorf("writing alias %s: %w", uid, err)
			}
		}
		return nil
	})
}

// --- helpers -----------------------------------------------------------------

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// scanner matches both *sql.Row and *sql.Rows so the scan helpers can be reused.
type scanner interface {
	Scan(dest ...any) error
}

func scanCalendar(s scanner) (*model.Calendar, error) {
	var url, name, components string
	err := s.Scan(&url, &name, &components)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("scanning calendar row: %w", err)
	}
	comps, err := model.ParseSupportedComponents(components)
	if err != nil {
		return nil, fmt.Errorf("calendar %s: %w", url, err)
	}
	return model.NewCalendar(name, url, comps), nil
}

func scanItem(s scanner) (*model.Item, error) {
	var item model.Item
	var id, created, due, modified string
	var kind, priority int

	err := s.Scan(
		&id,
		&kind,
		&item.Name,
		&item.Description,
		&priority,
		&item.Completed,
		&created,
		&due,
		&modified,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning item row: %w", err)
	}

	item.ID = model.ItemID(id)
	item.Kind = model.Kind(kind)
	item.Priority = model.Priority(priority)
	item.Created, _ = parseTime(created)
	item.LastModified, _ = parseTime(modified)
	if d, _ := parseTime(due); !d.IsZero() {
		item.Due = &d
	}
	return &item, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
