package badgerstore_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/patchplacebreak/ppb-server/internal/logger"
	"github.com/patchplacebreak/ppb-server/internal/store"
	"github.com/patchplacebreak/ppb-server/internal/store/badgerstore"
	"github.com/patchplacebreak/ppb-server/internal/store/storetest"
)

func openStore(t *testing.T, opts badgerstore.Options) *badgerstore.Store {
	t.Helper()
	opts.Prefix = "patch_place_break_tag"
	opts.Timeout = 5 * time.Second
	opts.Logger = logger.Discard().Logger

	s := badgerstore.New(opts)
	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, store.InitializeSchema(context.Background(), s, opts.Logger))
	return s
}

func TestStore_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Store {
		s := openStore(t, badgerstore.Options{InMemory: true})
		t.Cleanup(func() { s.Disconnect() })
		return s
	})
}

func TestStore_Lifecycle(t *testing.T) {
	storetest.RunLifecycle(t, func(t *testing.T) storetest.Store {
		return badgerstore.New(badgerstore.Options{Dir: t.TempDir(), Prefix: "tags", Timeout: time.Second})
	})
}

func TestStore_SurvivesRestart(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "badger")

	s := openStore(t, badgerstore.Options{Dir: dir})
	tag := storetest.NewTag("world", -4, 70, 12, false)
	require.NoError(t, s.Put(ctx, tag))
	require.NoError(t, s.Disconnect())

	reopened := openStore(t, badgerstore.Options{Dir: dir})
	defer reopened.Disconnect()

	got, err := reopened.FindByLocation(ctx, tag.Location)
	require.NoError(t, err)
	storetest.AssertSameTag(t, tag, got)
}

func TestStore_PrefixesAreIsolated(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	a := badgerstore.New(badgerstore.Options{Dir: dir, Prefix: "a", Timeout: time.Second})
	require.NoError(t, a.Connect(ctx))
	tag := storetest.NewTag("world", 1, 1, 1, false)
	require.NoError(t, a.Put(ctx, tag))
	require.NoError(t, a.Disconnect())

	b := badgerstore.New(badgerstore.Options{Dir: dir, Prefix: "b", Timeout: time.Second})
	require.NoError(t, b.Connect(ctx))
	defer b.Disconnect()

	got, err := b.FindByLocation(ctx, tag.Location)
	require.NoError(t, err)
	require.Nil(t, got)
}
