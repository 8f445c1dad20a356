package archive

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/go-go-golems/docassist/pkg/conversation"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time {
	c.t = c.t.Add(time.Minute)
	return c.t
}

type storeFactory func(t *testing.T, clock *fakeClock) Store

func fileStoreFactory(t *testing.T, clock *fakeClock) Store {
	s, err := NewFileStore(t.TempDir(), WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sqliteStoreFactory(t *testing.T, clock *fakeClock) Store {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "archive.db"), WithSQLiteClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

var factories = map[string]storeFactory{
	"files":  fileStoreFactory,
	"sqlite": sqliteStoreFactory,
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func sampleConversation(t *testing.T, title string) *conversation.Conversation {
	c := conversation.New("openai/gpt-4o", conversation.WithTitle(title), conversation.WithContext("doc text"))
	require.NoError(t, c.AppendTurn(conversation.RoleUser, "what is in the doc?"))
	require.NoError(t, c.AppendTurn(conversation.RoleAssistant, "a summary"))
	return c
}

func TestStoreRoundTrip(t *testing.T) {
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t, newClock())

			c := sampleConversation(t, "Doc questions")
			require.NoError(t, s.Save(ctx, c))
			require.True(t, c.Saved())

			loaded, err := s.Load(ctx, c.ID())
			require.NoError(t, err)
			assert.Equal(t, c.ID(), loaded.ID())
			assert.Equal(t, c.Title(), loaded.Title())
			assert.Equal(t, c.Model(), loaded.Model())
			assert.Equal(t, c.Context(), loaded.Context())
			assert.Equal(t, c.Turns(), loaded.Turns())
			assert.True(t, c.LastSavedAt().Equal(loaded.LastSavedAt()))
		})
	}
}

func TestStoreSaveIsIdempotentOverwrite(t *testing.T) {
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t, newClock())

			c := sampleConversation(t, "first")
			require.NoError(t, s.Save(ctx, c))
			require.NoError(t, c.SetTitle("second"))
			require.NoError(t, c.AppendTurn(conversation.RoleUser, "more"))
			require.NoError(t, s.Save(ctx, c))
			require.NoError(t, s.Save(ctx, c))

			listing, err := s.List(ctx)
			require.NoError(t, err)
			require.Len(t, listing.Entries, 1)
			assert.Equal(t, "second", listing.Entries[0].Title)
			assert.Equal(t, 3, listing.Entries[0].Turns)
		})
	}
}

func TestStoreListOrder(t *testing.T) {
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t, newClock())

			a := sampleConversation(t, "a")
			b := sampleConversation(t, "b")
			c := sampleConversation(t, "c")
			require.NoError(t, s.Save(ctx, a))
			require.NoError(t, s.Save(ctx, b))
			require.NoError(t, s.Save(ctx, c))
			// saving a again makes it the most recent
			require.NoError(t, s.Save(ctx, a))

			listing, err := s.List(ctx)
			require.NoError(t, err)
			require.Empty(t, listing.Problems)

			var titles []string
			for _, e := range listing.Entries {
				titles = append(titles, e.Title)
			}
			assert.Equal(t, []string{"a", "c", "b"}, titles)

			e, ok := listing.Find(b.ID())
			require.True(t, ok)
			assert.Equal(t, "b", e.Title)
		})
	}
}

func TestStoreUnknownAndInvalidIDs(t *testing.T) {
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t, newClock())

			_, err := s.Load(ctx, "does-not-exist")
			assert.ErrorIs(t, err, ErrNotFound)

			for _, id := range []string{"", "..", "../escape", "a/b", `a\b`} {
				_, err := s.Load(ctx, id)
				assert.ErrorIs(t, err, ErrInvalidID, id)
			}

			assert.ErrorIs(t, s.Delete(ctx, "does-not-exist"), ErrNotFound)
		})
	}
}

func TestStoreDelete(t *testing.T) {
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t, newClock())

			c := sampleConversation(t, "gone")
			require.NoError(t, s.Save(ctx, c))
			require.NoError(t, s.Delete(ctx, c.ID()))

			_, err := s.Load(ctx, c.ID())
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestFileStoreFormat(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir, WithClock(newClock().Now))
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	c := conversation.New("openai/gpt-4o", conversation.WithID("abc-123"), conversation.WithTitle("T"))
	require.NoError(t, c.AppendTurn(conversation.RoleUser, "hi"))
	require.NoError(t, s.Save(context.Background(), c))

	data, err := os.ReadFile(filepath.Join(dir, "abc-123.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"id": "abc-123",
		"title": "T",
		"messages": [{"role": "user", "content": "hi"}],
		"timestamp": "2024-03-01T10:01:00Z",
		"model": "openai/gpt-4o",
		"document_context": ""
	}`, string(data))
}

func TestFileStoreListSkipsCorruptFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir, WithClock(newClock().Now))
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	good := sampleConversation(t, "good")
	require.NoError(t, s.Save(ctx, good))

	write := func(name, content string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
	}
	write("broken.json", `{"id": "broken", "messages": [`)
	write("badrole.json", `{"id": "badrole", "model": "m", "messages": [{"role": "system", "content": "x"}]}`)
	write("mismatch.json", `{"id": "other", "model": "m", "messages": []}`)
	write("notes.txt", "ignored")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.json"), 0o755))

	listing, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, listing.Entries, 1)
	assert.Equal(t, good.ID(), listing.Entries[0].ID)

	var sources []string
	for _, p := range listing.Problems {
		sources = append(sources, p.Source)
	}
	assert.ElementsMatch(t, []string{"broken.json", "badrole.json", "mismatch.json"}, sources)

	_, err = s.Load(ctx, "mismatch")
	assert.ErrorIs(t, err, ErrInvalidRecord)
}

func TestFileStoreRecordWithoutModel(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nomodel.json"),
		[]byte(`{"id": "nomodel", "title": "t", "messages": [{"role": "user", "content": "hi"}]}`), 0o600))
	ctx := context.Background()

	s, err := NewFileStore(dir, WithDefaultModel("openai/gpt-4o"))
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	listing, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, listing.Problems)
	require.Len(t, listing.Entries, 1)

	c, err := s.Load(ctx, "nomodel")
	require.NoError(t, err)
	assert.Equal(t, "openai/gpt-4o", c.Model())
	assert.Equal(t, 1, c.Len())

	bare, err := NewFileStore(dir)
	require.NoError(t, err)
	defer func() { _ = bare.Close() }()
	_, err = bare.Load(ctx, "nomodel")
	assert.ErrorIs(t, err, conversation.ErrMissingModel)
}

func TestSQLiteStoreRowWithoutModel(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "archive.db"), WithSQLiteDefaultModel("openai/gpt-4o"))
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	require.NoError(t, s.db.Create(&conversationRow{ID: "nomodel", Title: "t", Messages: "[]"}).Error)

	listing, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, listing.Problems)
	require.Len(t, listing.Entries, 1)

	c, err := s.Load(ctx, "nomodel")
	require.NoError(t, err)
	assert.Equal(t, "openai/gpt-4o", c.Model())
}

func TestFileStoreReadsLegacyTimestamps(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir, WithClock(newClock().Now))
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	write := func(id, ts string) {
		content := `{"id": "` + id + `", "title": "` + id + `", "model": "m", "messages": [], "document_context": ""` + ts + `}`
		require.NoError(t, os.WriteFile(filepath.Join(dir, id+".json"), []byte(content), 0o600))
	}
	write("old", `, "timestamp": "2023-01-01T09:30:00.123456"`)
	write("newer", `, "timestamp": "2023-06-01T09:30:00Z"`)
	write("missing", ``)
	write("null", `, "timestamp": null`)

	listing, err := s.List(ctx)
	require.NoError(t, err)
	require.Empty(t, listing.Problems)
	require.Len(t, listing.Entries, 4)

	assert.Equal(t, "newer", listing.Entries[0].ID)
	assert.Equal(t, "old", listing.Entries[1].ID)
	assert.ElementsMatch(t, []string{"missing", "null"}, []string{listing.Entries[2].ID, listing.Entries[3].ID})
	assert.True(t, listing.Entries[2].SavedAt.IsZero())

	old, err := s.Load(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, 123456000, old.LastSavedAt().Nanosecond())
}

func TestNormalizeKeepsNewestPerID(t *testing.T) {
	t1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)
	entries := normalize([]Entry{
		{ID: "x", Title: "old", SavedAt: t1},
		{ID: "y", Title: "undated"},
		{ID: "x", Title: "new", SavedAt: t2},
	})
	require.Len(t, entries, 2)
	assert.Equal(t, "new", entries[0].Title)
	assert.Equal(t, "y", entries[1].ID)
}

func TestRecordSchemaRequiresCoreFields(t *testing.T) {
	v, err := newRecordValidator()
	require.NoError(t, err)

	_, err = v.decode([]byte(`{"id": "a", "model": "m", "messages": [], "extra": true}`))
	assert.NoError(t, err)

	_, err = v.decode([]byte(`{"id": "a", "messages": []}`))
	assert.NoError(t, err, "model is optional")

	_, err = v.decode([]byte(`{"model": "m", "messages": []}`))
	assert.ErrorIs(t, err, ErrInvalidRecord)

	_, err = v.decode([]byte(`{"id": "a", "model": "m", "messages": [], "timestamp": 12}`))
	assert.ErrorIs(t, err, ErrInvalidRecord)
}

type failingCloseFile struct {
	bytes.Buffer
}

func (f *failingCloseFile) Close() error {
	return errors.New("flush failed")
}

func TestFileStoreSaveReportsCloseError(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	s.create = func(string) (io.WriteCloser, error) { return &failingCloseFile{}, nil }

	c := sampleConversation(t, "unsaved")
	err = s.Save(context.Background(), c)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "flush failed")
	assert.True(t, c.LastSavedAt().IsZero())
}

func TestSQLiteStoreMigrationFailureClosesDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.db")
	setup, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, setup.Exec("CREATE VIEW archived_conversations AS SELECT 1 AS id").Error)
	setupDB, err := setup.DB()
	require.NoError(t, err)
	require.NoError(t, setupDB.Close())

	_, err = NewSQLiteStore(path)
	require.Error(t, err)

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	require.NoError(t, err)
	require.Error(t, migrate(db))
	sqlDB, err := db.DB()
	require.NoError(t, err)
	assert.Error(t, sqlDB.Ping(), "database is closed after a failed migration")
}
