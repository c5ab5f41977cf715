// Package joplin provides strictly read-only access to a Joplin desktop
// SQLite database.
//
// Joplin owns the database; this package never writes to it. The connection
// is opened with query_only=ON so even a bug here cannot corrupt the user's
// notes. Eligibility rules applied on every scan:
//
//   - is_conflict = 0 (sync conflicts are duplicates of a live note)
//   - deleted_time = 0 (soft-deleted notes stay in the table)
//   - trim(body) != '' (title-only notes carry no searchable content)
package joplin

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a note ID does not resolve to a live note.
var ErrNotFound = errors.New("joplin: note not found")

// Note is a full note record as stored by Joplin. UpdatedTime is a Unix
// timestamp in milliseconds.
type Note struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Body        string `json:"body"`
	UpdatedTime int64  `json:"updated_time"`
}

// NoteMetadata is the body-less projection of a Note kept in the in-memory
// cache. Bodies are dropped so a large collection does not pin all note
// content in RAM.
type NoteMetadata struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	UpdatedTime int64  `json:"updated_time"`
}

// Metadata returns the body-less projection of n.
func (n Note) Metadata() NoteMetadata {
	return NoteMetadata{ID: n.ID, Title: n.Title, UpdatedTime: n.UpdatedTime}
}

// ValidID reports whether id is a 32-character lowercase hex string, the
// format Joplin uses for note IDs.
func ValidID(id string) bool {
	if len(id) != 32 {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// DetectDBPath probes the standard Joplin desktop install locations and
// returns the first database file that exists. Returns ("", false) when none
// is found, in which case the caller should ask the user for a path.
func DetectDBPath() (string, bool) {
	var candidates []string
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates,
			filepath.Join(home, ".config", "joplin-desktop", "database.sqlite"),
			filepath.Join(home, ".config", "joplin", "database.sqlite"),
		)
	}
	// Older/portable Windows installs keep the profile under APPDATA.
	if appData := os.Getenv("APPDATA"); appData != "" {
		candidates = append(candidates, filepath.Join(appData, "Joplin", "database.sqlite"))
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path, true
		}
	}
	return "", false
}

// ModTime returns the most recent modification time of the database file or
// its WAL sidecar. Joplin runs SQLite in WAL mode: note saves land in
// database.sqlite-wal first and the main file's mtime only moves on a WAL
// checkpoint, so watching the main file alone misses most saves.
func ModTime(dbPath string) (time.Time, bool) {
	var best time.Time
	found := false
	for _, p := range []string{dbPath, dbPath + "-wal"} {
		if info, err := os.Stat(p); err == nil {
			if mt := info.ModTime(); !found || mt.After(best) {
				best = mt
				found = true
			}
		}
	}
	return best, found
}

// Store is a read-only handle to a Joplin database.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens the Joplin database at path in read-only mode.
//
// The pragmas go in the DSN so every pooled connection gets them, not just
// the first. journal_mode must come before query_only: journal_mode writes a
// flag to the file, and query_only blocks all writes including pragma
// writes, so the order matters.
func Open(path string) (*Store, error) {
	dsn := "file:" + path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=query_only(ON)" +
		"&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open joplin db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open joplin db: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Path returns the database file path this store was opened with.
func (s *Store) Path() string {
	return s.path
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

const noteColumns = "id, title, body, updated_time"

func scanNotes(rows *sql.Rows) ([]Note, error) {
	defer rows.Close()
	var notes []Note
	for rows.Next() {
		var n Note
		var title, body sql.NullString
		if err := rows.Scan(&n.ID, &title, &body, &n.UpdatedTime); err != nil {
			// Skip malformed rows rather than failing the whole scan;
			// one corrupt note should not take search offline.
			continue
		}
		n.Title = title.String
		n.Body = body.String
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

// AllNotes returns every eligible note, newest first. Used for the initial
// index build.
func (s *Store) AllNotes(ctx context.Context) ([]Note, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+noteColumns+`
		FROM notes
		WHERE is_conflict = 0
		  AND deleted_time = 0
		  AND trim(body) != ''
		ORDER BY updated_time DESC`)
	if err != nil {
		return nil, fmt.Errorf("query all notes: %w", err)
	}
	return scanNotes(rows)
}

// AllNoteMetadata returns the body-less projection of every eligible note.
// Used by the warm-start path, which repopulates the metadata cache from a
// persisted index without pulling note bodies into memory.
func (s *Store) AllNoteMetadata(ctx context.Context) ([]NoteMetadata, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, updated_time
		FROM notes
		WHERE is_conflict = 0
		  AND deleted_time = 0
		  AND trim(body) != ''
		ORDER BY updated_time DESC`)
	if err != nil {
		return nil, fmt.Errorf("query note metadata: %w", err)
	}
	defer rows.Close()

	var metas []NoteMetadata
	for rows.Next() {
		var m NoteMetadata
		var title sql.NullString
		if err := rows.Scan(&m.ID, &title, &m.UpdatedTime); err != nil {
			continue
		}
		m.Title = title.String
		metas = append(metas, m)
	}
	return metas, rows.Err()
}

// NotesSince returns eligible notes with updated_time > sinceMS, newest
// first. Used by the delta update path to embed only changed notes.
func (s *Store) NotesSince(ctx context.Context, sinceMS int64) ([]Note, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+noteColumns+`
		FROM notes
		WHERE is_conflict = 0
		  AND deleted_time = 0
		  AND trim(body) != ''
		  AND updated_time > ?
		ORDER BY updated_time DESC`, sinceMS)
	if err != nil {
		return nil, fmt.Errorf("query notes since %d: %w", sinceMS, err)
	}
	return scanNotes(rows)
}

// NoteByID fetches a single live note including its body. Returns
// ErrNotFound for unknown, conflicted, or soft-deleted IDs.
func (s *Store) NoteByID(ctx context.Context, id string) (Note, error) {
	var n Note
	var title, body sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT `+noteColumns+`
		FROM notes
		WHERE id = ?
		  AND is_conflict = 0
		  AND deleted_time = 0`, id).
		Scan(&n.ID, &title, &body, &n.UpdatedTime)
	if errors.Is(err, sql.ErrNoRows) {
		return Note{}, ErrNotFound
	}
	if err != nil {
		return Note{}, fmt.Errorf("query note %s: %w", id, err)
	}
	n.Title = title.String
	n.Body = body.String
	return n, nil
}

// HasChangesSince cheaply reports whether any note was updated or
// soft-deleted after sinceMS. The watcher calls this before committing to a
// full re-embed pass.
func (s *Store) HasChangesSince(ctx context.Context, sinceMS int64) (bool, error) {
	var changed int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM notes
		WHERE is_conflict = 0
		  AND deleted_time = 0
		  AND updated_time > ?`, sinceMS).Scan(&changed)
	if err != nil {
		return false, fmt.Errorf("count changed notes: %w", err)
	}
	if changed > 0 {
		return true, nil
	}

	var deleted int64
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM notes
		WHERE is_conflict = 0
		  AND deleted_time > ?`, sinceMS).Scan(&deleted)
	if err != nil {
		return false, fmt.Errorf("count deleted notes: %w", err)
	}
	return deleted > 0, nil
}

// DeletedIDsSince returns IDs of notes soft-deleted after sinceMS. Joplin
// sets deleted_time to a non-zero Unix ms timestamp on soft-delete.
func (s *Store) DeletedIDsSince(ctx context.Context, sinceMS int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM notes
		WHERE is_conflict = 0
		  AND deleted_time > ?`, sinceMS)
	if err != nil {
		return nil, fmt.Errorf("query deleted notes: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
