package joplin

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testNote is a row to seed into a fixture database.
type testNote struct {
	id          string
	title       string
	body        string
	updatedTime int64
	isConflict  int64
	deletedTime int64
}

func testID(c byte) string {
	return strings.Repeat(string(c), 32)
}

func newFixtureDB(t *testing.T, notes []testNote) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "database.sqlite")

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`
		CREATE TABLE notes (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			body TEXT NOT NULL DEFAULT '',
			updated_time INTEGER NOT NULL DEFAULT 0,
			is_conflict INTEGER NOT NULL DEFAULT 0,
			deleted_time INTEGER NOT NULL DEFAULT 0
		)`)
	require.NoError(t, err)

	for _, n := range notes {
		_, err = db.Exec(
			`INSERT INTO notes (id, title, body, updated_time, is_conflict, deleted_time)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			n.id, n.title, n.body, n.updatedTime, n.isConflict, n.deletedTime)
		require.NoError(t, err)
	}
	return path
}

func openFixture(t *testing.T, notes []testNote) *Store {
	t.Helper()
	store, err := Open(newFixtureDB(t, notes))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestValidID(t *testing.T) {
	assert.True(t, ValidID(testID('a')))
	assert.True(t, ValidID("0123456789abcdef0123456789abcdef"))

	assert.False(t, ValidID(""))
	assert.False(t, ValidID("short"))
	assert.False(t, ValidID(strings.Repeat("a", 33)))
	assert.False(t, ValidID(strings.Repeat("A", 32))) // uppercase
	assert.False(t, ValidID(strings.Repeat("g", 32))) // not hex
}

func TestAllNotes(t *testing.T) {
	store := openFixture(t, []testNote{
		{id: testID('a'), title: "Cooking", body: "pasta recipe", updatedTime: 100},
		{id: testID('b'), title: "Conflict", body: "dup", updatedTime: 200, isConflict: 1},
		{id: testID('c'), title: "Deleted", body: "gone", updatedTime: 300, deletedTime: 400},
		{id: testID('d'), title: "Title only", body: "   ", updatedTime: 500},
		{id: testID('e'), title: "Recent", body: "newer note", updatedTime: 600},
	})

	notes, err := store.AllNotes(context.Background())
	require.NoError(t, err)

	// Conflicts, soft-deletes, and whitespace-only bodies are all excluded.
	require.Len(t, notes, 2)
	// Ordered newest first.
	assert.Equal(t, testID('e'), notes[0].ID)
	assert.Equal(t, testID('a'), notes[1].ID)
}

func TestAllNoteMetadata(t *testing.T) {
	store := openFixture(t, []testNote{
		{id: testID('a'), title: "Cooking", body: "pasta recipe", updatedTime: 100},
		{id: testID('b'), title: "Deleted", body: "gone", updatedTime: 300, deletedTime: 400},
		{id: testID('c'), title: "Recent", body: "newer note", updatedTime: 600},
	})

	metas, err := store.AllNoteMetadata(context.Background())
	require.NoError(t, err)

	require.Len(t, metas, 2)
	assert.Equal(t, testID('c'), metas[0].ID)
	assert.Equal(t, "Recent", metas[0].Title)
	assert.EqualValues(t, 600, metas[0].UpdatedTime)
	assert.Equal(t, testID('a'), metas[1].ID)
}

func TestNotesSince(t *testing.T) {
	store := openFixture(t, []testNote{
		{id: testID('a'), title: "Old", body: "old body", updatedTime: 100},
		{id: testID('b'), title: "New", body: "new body", updatedTime: 200},
	})

	notes, err := store.NotesSince(context.Background(), 100)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, testID('b'), notes[0].ID)

	notes, err = store.NotesSince(context.Background(), 200)
	require.NoError(t, err)
	assert.Empty(t, notes)
}

func TestNoteByID(t *testing.T) {
	store := openFixture(t, []testNote{
		{id: testID('a'), title: "Cooking", body: "pasta recipe", updatedTime: 100},
		{id: testID('b'), title: "Deleted", body: "gone", updatedTime: 100, deletedTime: 200},
	})

	note, err := store.NoteByID(context.Background(), testID('a'))
	require.NoError(t, err)
	assert.Equal(t, "Cooking", note.Title)
	assert.Equal(t, "pasta recipe", note.Body)

	_, err = store.NoteByID(context.Background(), testID('b'))
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.NoteByID(context.Background(), testID('f'))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHasChangesSince(t *testing.T) {
	store := openFixture(t, []testNote{
		{id: testID('a'), title: "Note", body: "body", updatedTime: 100},
		{id: testID('b'), title: "Deleted later", body: "body", updatedTime: 50, deletedTime: 300},
	})

	ctx := context.Background()

	changed, err := store.HasChangesSince(ctx, 50)
	require.NoError(t, err)
	assert.True(t, changed)

	// No updates after 100, but a soft-delete at 300 still counts.
	changed, err = store.HasChangesSince(ctx, 100)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = store.HasChangesSince(ctx, 300)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestDeletedIDsSince(t *testing.T) {
	store := openFixture(t, []testNote{
		{id: testID('a'), title: "Live", body: "body", updatedTime: 100},
		{id: testID('b'), title: "Deleted", body: "body", updatedTime: 100, deletedTime: 200},
	})

	ids, err := store.DeletedIDsSince(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, []string{testID('b')}, ids)

	ids, err = store.DeletedIDsSince(context.Background(), 200)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestStoreIsReadOnly(t *testing.T) {
	store := openFixture(t, []testNote{
		{id: testID('a'), title: "Note", body: "body", updatedTime: 100},
	})

	// query_only=ON must reject any write through this handle.
	_, err := store.db.Exec(`DELETE FROM notes`)
	assert.Error(t, err)
}

func TestMetadata(t *testing.T) {
	n := Note{ID: testID('a'), Title: "T", Body: "B", UpdatedTime: 7}
	meta := n.Metadata()
	assert.Equal(t, n.ID, meta.ID)
	assert.Equal(t, n.Title, meta.Title)
	assert.Equal(t, n.UpdatedTime, meta.UpdatedTime)
}
