package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"examprep-server/models"
	"examprep-server/session"
)

func sampleSnapshot() models.Snapshot {
	return models.Snapshot{
		Mode:    models.ModeExam,
		Phase:   models.PhaseInProgress,
		Section: "",
		Questions: []models.Question{
			{ID: "1", Question: "q1", Options: []string{"a", "b"}, Correct: 1},
			{ID: "2", Question: "q2", Options: []string{"a", "b", "c"}, Correct: 2},
		},
		Position:  1,
		Answers:   map[models.QuestionID]int{"1": 0},
		Remaining: 3590,
		SavedAt:   time.Now().UTC().Truncate(time.Second),
	}
}

// exercise runs the common contract against one backend.
func exercise(t *testing.T, s session.SnapshotStore) {
	t.Helper()
	ctx := context.Background()

	got, err := s.Load(ctx, "u1:exam")
	require.NoError(t, err)
	assert.Nil(t, got, "missing snapshot must load as nil")

	want := sampleSnapshot()
	require.NoError(t, s.Save(ctx, "u1:exam", want))

	got, err = s.Load(ctx, "u1:exam")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want.Questions, got.Questions)
	assert.Equal(t, want.Answers, got.Answers)
	assert.Equal(t, want.Position, got.Position)
	assert.Equal(t, want.Remaining, got.Remaining)

	other, err := s.Load(ctx, "u2:exam")
	require.NoError(t, err)
	assert.Nil(t, other, "keys must not leak across owners")

	require.NoError(t, s.Clear(ctx, "u1:exam"))
	got, err = s.Load(ctx, "u1:exam")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, s.Clear(ctx, "u1:exam"), "clearing twice is fine")
}

func TestMemory(t *testing.T) {
	exercise(t, NewMemory(0))
}

func TestMemoryCopiesValues(t *testing.T) {
	m := NewMemory(0)
	snap := sampleSnapshot()
	require.NoError(t, m.Save(context.Background(), "k", snap))
	snap.Answers["2"] = 1

	got, err := m.Load(context.Background(), "k")
	require.NoError(t, err)
	assert.NotContains(t, got.Answers, models.QuestionID("2"))
}

func TestMemoryTTL(t *testing.T) {
	m := NewMemory(time.Hour)
	snap := sampleSnapshot()
	snap.SavedAt = time.Now().Add(-2 * time.Hour)
	require.NoError(t, m.Save(context.Background(), "k", snap))

	got, err := m.Load(context.Background(), "k")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, 0, m.Len())
}

func TestFile(t *testing.T) {
	f, err := NewFile(filepath.Join(t.TempDir(), "snapshots"), 0)
	require.NoError(t, err)
	exercise(t, f)
}

func TestFileMalformed(t *testing.T) {
	f, err := NewFile(t.TempDir(), 0)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(f.Path("u1:demo"), []byte("{not json"), 0o600))

	_, err = f.Load(context.Background(), "u1:demo")
	assert.ErrorIs(t, err, session.ErrMalformedSnapshot)

	require.NoError(t, os.WriteFile(f.Path("u1:demo"), []byte(`{"questions":[]}`), 0o600))
	_, err = f.Load(context.Background(), "u1:demo")
	assert.ErrorIs(t, err, session.ErrMalformedSnapshot)
}

func TestSQLite(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "db", "snapshots.db"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	exercise(t, s)
}

func TestSQLiteOverwrite(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "snapshots.db"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	snap := sampleSnapshot()
	require.NoError(t, s.Save(ctx, "k", snap))
	snap.Position = 0
	snap.Answers["2"] = 2
	require.NoError(t, s.Save(ctx, "k", snap))

	got, err := s.Load(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 0, got.Position)
	assert.Len(t, got.Answers, 2)
}

func TestRedis(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available for testing: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	exercise(t, NewRedis(client, time.Minute))
}

func TestPostgres(t *testing.T) {
	url := os.Getenv("EXAMPREP_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("EXAMPREP_TEST_DATABASE_URL not set")
	}
	pool, err := pgxpool.New(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	_, err = pool.Exec(context.Background(), `CREATE TABLE IF NOT EXISTS session_snapshots (
		key TEXT PRIMARY KEY, mode VARCHAR(20) NOT NULL, data JSONB NOT NULL, saved_at TIMESTAMPTZ NOT NULL)`)
	require.NoError(t, err)
	exercise(t, NewPostgres(pool, 0))
}
