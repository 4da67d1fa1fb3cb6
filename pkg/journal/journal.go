// Package journal keeps an append-only SQLite log of relay events: logins,
// logouts, rejected logins and block list changes. Chat content is never stored.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)
)

const dbTimeLayout = "2006-01-02 15:04:05.000"

// EventKind classifies a journal entry.
type EventKind string

const (
	EventLogin    EventKind = "login"
	EventLogout   EventKind = "logout"
	EventRejected EventKind = "rejected"
	EventBlock    EventKind = "block"
	EventUnblock  EventKind = "unblock"
)

// Valid reports whether k is a known kind.
func (k EventKind) Valid() bool {
	switch k {
	case EventLogin, EventLogout, EventRejected, EventBlock, EventUnblock:
		return true
	}
	return false
}

// ErrInvalidKind is returned by Record for an unknown event kind.
var ErrInvalidKind = errors.New("journal: invalid event kind")

// Event is one journal row.
type Event struct {
	ID        int64     `yaml:"id"`
	Kind      EventKind `yaml:"kind"`
	User      string    `yaml:"user"`
	Target    string    `yaml:"target,omitempty"` // block/unblock target
	Detail    string    `yaml:"detail,omitempty"` // remote address or rejection reason
	CreatedAt time.Time `yaml:"created_at"`
}

// Filter narrows List. Zero values match everything; Limit defaults to 100.
type Filter struct {
	User  string
	Kind  EventKind
	Limit int
}

// Journal is a SQLite-backed event log. It is safe for concurrent use.
type Journal struct {
	db *sql.DB
}

// Open opens (or creates) the journal database at path and applies migrations.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("journal: open db: %w", err)
	}

	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)

	j := &Journal{db: db}
	if err := j.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}

	slog.Info("journal opened", "path", path)
	return j, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

var migrations = []struct {
	version int
	stmts   []string
}{
	{
		version: 1,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS events (
				id         INTEGER PRIMARY KEY AUTOINCREMENT,
				kind       TEXT NOT NULL,
				username   TEXT NOT NULL,
				target     TEXT NOT NULL DEFAULT '',
				detail     TEXT NOT NULL DEFAULT '',
				created_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_events_username ON events(username)`,
		},
	},
	{
		version: 2,
		stmts: []string{
			`CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind)`,
		},
	},
}

func (j *Journal) migrate(ctx context.Context) error {
	if _, err := j.db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL)"); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	var count int
	if err := j.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		return fmt.Errorf("check schema_migrations: %w", err)
	}
	if count == 0 {
		if _, err := j.db.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (0)"); err != nil {
			return fmt.Errorf("init schema_migrations: %w", err)
		}
	}

	var current int
	if err := j.db.QueryRowContext(ctx, "SELECT version FROM schema_migrations LIMIT 1").Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		for _, stmt := range m.stmts {
			if _, err := j.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("version %d: %w", m.version, err)
			}
		}
		if _, err := j.db.ExecContext(ctx, "UPDATE schema_migrations SET version = ?", m.version); err != nil {
			return fmt.Errorf("update schema version: %w", err)
		}
	}
	return nil
}

// SchemaVersion returns the applied migration version.
func (j *Journal) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := j.db.QueryRowContext(ctx, "SELECT version FROM schema_migrations LIMIT 1").Scan(&version); err != nil {
		return 0, fmt.Errorf("journal: read schema version: %w", err)
	}
	return version, nil
}

// Record appends ev. A zero CreatedAt is set to now.
func (j *Journal) Record(ctx context.Context, ev Event) error {
	if !ev.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidKind, ev.Kind)
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	_, err := j.db.ExecContext(ctx,
		"INSERT INTO events (kind, username, target, detail, created_at) VALUES (?, ?, ?, ?, ?)",
		string(ev.Kind), ev.User, ev.Target, ev.Detail, formatDBTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("journal: record %s: %w", ev.Kind, err)
	}
	return nil
}

// List returns matching events, oldest first.
func (j *Journal) List(ctx context.Context, f Filter) ([]Event, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	var user, kind any
	if f.User != "" {
		user = f.User
	}
	if f.Kind != "" {
		kind = string(f.Kind)
	}

	rows, err := j.db.QueryContext(ctx, `
		SELECT id, kind, username, target, detail, created_at FROM (
			SELECT * FROM events
			WHERE (? IS NULL OR username = ? COLLATE NOCASE)
			AND (? IS NULL OR kind = ?)
			ORDER BY id DESC
			LIMIT ?
		) ORDER BY id ASC`,
		user, user, kind, kind, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		var ev Event
		var k, createdAt string
		if err := rows.Scan(&ev.ID, &k, &ev.User, &ev.Target, &ev.Detail, &createdAt); err != nil {
			return nil, fmt.Errorf("journal: scan event: %w", err)
		}
		ev.Kind = EventKind(k)
		parsed, err := parseDBTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("journal: scan event: %w", err)
		}
		ev.CreatedAt = parsed
		events = append(events, ev)
	}
	return events, rows.Err()
}

func formatDBTime(t time.Time) string {
	return t.UTC().Format(dbTimeLayout)
}

func parseDBTime(value string) (time.Time, error) {
	return time.ParseInLocation(dbTimeLayout, value, time.UTC)
}
