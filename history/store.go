// Package history keeps a local log of tunnel changes made or observed by
// xvpnctl in a SQLite database.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	mathrand "math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// Kind classifies an event.
type Kind string

const (
	KindConnect    Kind = "connect"
	KindDisconnect Kind = "disconnect"
	KindSelect     Kind = "select"
	KindState      Kind = "state"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindConnect, KindDisconnect, KindSelect, KindState:
		return true
	}
	return false
}

// Event is one history row.
type Event struct {
	ID           string    `json:"id" yaml:"id"`
	SessionID    string    `json:"session_id" yaml:"session_id"`
	Kind         Kind      `json:"kind" yaml:"kind"`
	LocationID   string    `json:"location_id,omitempty" yaml:"location_id,omitempty"`
	LocationName string    `json:"location_name,omitempty" yaml:"location_name,omitempty"`
	Detail       string    `json:"detail,omitempty" yaml:"detail,omitempty"`
	Time         time.Time `json:"time" yaml:"time"`
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// NewEventID generates a ULID for a new event.
func NewEventID(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// Store owns the history database.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the database at path. Call Init before use.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Pragmas are per connection.
	db.SetMaxOpenConns(1)
	return &Store{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Init applies pragmas and the schema.
func (s *Store) Init(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("nil store")
	}
	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, stmt := range pragmas {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply pragma %q: %w", stmt, err)
		}
	}

	ddl := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`INSERT OR IGNORE INTO meta(key,value) VALUES ('schemaVersion','1');`,
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			kind TEXT NOT NULL CHECK (kind IN ('connect','disconnect','select','state')),
			location_id TEXT,
			location_name TEXT,
			detail TEXT,
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at);`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// Record stores ev. A zero Time becomes now and an empty ID a new ULID;
// the stored event is returned.
func (s *Store) Record(ctx context.Context, ev Event) (Event, error) {
	if !ev.Kind.Valid() {
		return Event{}, fmt.Errorf("unknown event kind %q", ev.Kind)
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	if ev.ID == "" {
		ev.ID = NewEventID(ev.Time)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events(id, session_id, kind, location_id, location_name, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?);
	`, ev.ID, ev.SessionID, string(ev.Kind), nullable(ev.LocationID), nullable(ev.LocationName), nullable(ev.Detail), ev.Time.UnixMilli())
	if err != nil {
		return Event{}, fmt.Errorf("record %s event: %w", ev.Kind, err)
	}
	return ev, nil
}

// Recent returns up to limit events, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, kind, location_id, location_name, detail, created_at
		FROM events
		ORDER BY created_at DESC, id DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			ev                   Event
			kind                 string
			locID, locName, note sql.NullString
			created              int64
		)
		if err := rows.Scan(&ev.ID, &ev.SessionID, &kind, &locID, &locName, &note, &created); err != nil {
			return nil, err
		}
		ev.Kind = Kind(kind)
		ev.LocationID = locID.String
		ev.LocationName = locName.String
		ev.Detail = note.String
		ev.Time = time.UnixMilli(created)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
