package sqlite_test

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patchplacebreak/ppb-server/internal/domain"
	domainerrors "github.com/patchplacebreak/ppb-server/internal/errors"
	"github.com/patchplacebreak/ppb-server/internal/logger"
	"github.com/patchplacebreak/ppb-server/internal/store"
	"github.com/patchplacebreak/ppb-server/internal/store/sqlite"
	"github.com/patchplacebreak/ppb-server/internal/store/storetest"
)

const table = "patch_place_break_tag"

func openStore(t *testing.T, path string) *sqlite.Store {
	t.Helper()
	s := sqlite.New(path, table, 5*time.Second, logger.Discard().Logger)
	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, store.InitializeSchema(context.Background(), s, logger.Discard().Logger))
	return s
}

func newStore(t *testing.T) storetest.Store {
	t.Helper()
	s := openStore(t, filepath.Join(t.TempDir(), "tags.db"))
	t.Cleanup(func() { s.Disconnect() })
	return s
}

func TestStore_Contract(t *testing.T) {
	storetest.Run(t, newStore)
}

func TestStore_Lifecycle(t *testing.T) {
	storetest.RunLifecycle(t, func(t *testing.T) storetest.Store {
		return sqlite.New(filepath.Join(t.TempDir(), "tags.db"), table, time.Second, nil)
	})
}

func TestStore_SurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tags.db")

	s := openStore(t, path)
	tag := storetest.NewTag("world", 1, 2, 3, true)
	require.NoError(t, s.Put(ctx, tag))
	require.NoError(t, s.Disconnect())

	reopened := openStore(t, path)
	defer reopened.Disconnect()

	got, err := reopened.FindByLocation(ctx, tag.Location)
	require.NoError(t, err)
	storetest.AssertSameTag(t, tag, got)
}

func TestSchema_CreatesFileAndTable(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "dir", "tags.db")
	s := sqlite.New(path, table, time.Second, nil)

	exists, err := s.DatabaseExists(ctx)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, s.CreateDatabase(ctx))
	_, err = os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, s.Connect(ctx))
	defer s.Disconnect()

	exists, err = s.TableExists(ctx)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, store.InitializeSchema(ctx, s, logger.Discard().Logger))
	exists, err = s.TableExists(ctx)
	require.NoError(t, err)
	assert.True(t, exists)

	// Idempotent.
	require.NoError(t, store.InitializeSchema(ctx, s, logger.Discard().Logger))
}

func TestSchema_ConnectOnMissingFileCreatesDatabase(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tags.db")
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))

	s := sqlite.New(path, table, time.Second, log)
	require.NoError(t, s.Connect(ctx))
	exists, err := s.DatabaseExists(ctx)
	require.NoError(t, err)
	assert.False(t, exists, "file created by Connect is not an existing database")

	require.NoError(t, store.InitializeSchema(ctx, s, log))
	assert.Contains(t, buf.String(), "creating database")
	exists, err = s.DatabaseExists(ctx)
	require.NoError(t, err)
	assert.True(t, exists)
	require.NoError(t, s.Disconnect())

	reopened := sqlite.New(path, table, time.Second, log)
	require.NoError(t, reopened.Connect(ctx))
	defer reopened.Disconnect()
	exists, err = reopened.DatabaseExists(ctx)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestSchema_CreateDatabaseUnsupportedPath(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))

	s := sqlite.New(filepath.Join(blocker, "tags.db"), table, time.Second, nil)

	err := s.CreateDatabase(context.Background())
	assert.ErrorIs(t, err, domainerrors.ErrUnsupported)
}

func TestStore_UniqueLocationIndex(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, filepath.Join(t.TempDir(), "tags.db"))
	defer s.Disconnect()

	insert := `INSERT INTO "` + table + `" (tag_uuid, init_timestamp, is_ephemeral, world_name, location_x, location_y, location_z)
		VALUES (?, '2024-01-01T00:00:00Z', 0, 'world', 1, 2, 3)`
	require.NoError(t, s.Exec(ctx, insert, "00000000-0000-0000-0000-000000000001"))

	err := s.Exec(ctx, insert, "00000000-0000-0000-0000-000000000002")
	assert.Error(t, err)
}

func TestStore_DuplicateRowsWarn(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))

	// A table created before the location index existed.
	s := sqlite.New(filepath.Join(t.TempDir(), "legacy.db"), table, time.Second, log)
	require.NoError(t, s.Connect(ctx))
	defer s.Disconnect()
	require.NoError(t, s.Exec(ctx, `CREATE TABLE "`+table+`" (
		tag_uuid TEXT PRIMARY KEY, init_timestamp TEXT, is_ephemeral INTEGER,
		world_name TEXT, location_x INTEGER, location_y INTEGER, location_z INTEGER)`))

	insert := `INSERT INTO "` + table + `" VALUES (?, ?, 0, 'world', 1, 2, 3)`
	require.NoError(t, s.Exec(ctx, insert, "00000000-0000-0000-0000-000000000001", "2024-01-01T00:00:00Z"))
	// Zone-less timestamp written by older versions.
	require.NoError(t, s.Exec(ctx, insert, "00000000-0000-0000-0000-000000000002", "2024-01-02T00:00:00"))

	got, err := s.FindByLocation(ctx, domain.NewBlockLocation("world", 1, 2, 3))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Contains(t, buf.String(), "multiple tags found at one location")
}

func TestStore_OperationTimeout(t *testing.T) {
	ctx := context.Background()
	s := sqlite.New(filepath.Join(t.TempDir(), "tags.db"), table, time.Nanosecond, nil)

	// Even Connect is bounded by the timeout.
	err := s.Connect(ctx)
	if err == nil {
		defer s.Disconnect()
		_, err = s.FindByLocation(ctx, domain.NewBlockLocation("world", 0, 0, 0))
		require.Error(t, err)
		assert.True(t, domainerrors.IsRetryable(err))
		return
	}
	assert.ErrorIs(t, err, domainerrors.ErrConnection)
}
