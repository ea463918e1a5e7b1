// internal/storage/sqlite/store_test.go
package sqlite_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/familysync/internal/storage"
	"github.com/relves/familysync/internal/storage/sqlite"
)

func openStore(t *testing.T) (*sqlite.Store, string) {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "sqlite-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := sqlite.Open(tmpDir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, tmpDir
}

func TestStore_OpenCreatesFile(t *testing.T) {
	store, dir := openStore(t)
	assert.Equal(t, filepath.Join(dir, sqlite.FileName), store.DBPath())
	_, err := os.Stat(store.DBPath())
	assert.NoError(t, err, "database file should exist")
}

func TestStore_CursorsSurviveReopen(t *testing.T) {
	store, dir := openStore(t)
	ctx := context.Background()

	cursors, err := store.LoadCursors(ctx)
	require.NoError(t, err)
	assert.Empty(t, cursors)

	require.NoError(t, store.SaveCursors(ctx, map[string]uint64{"g1": 4, "g2": 9}))
	require.NoError(t, store.SaveCursors(ctx, map[string]uint64{"g1": 7, "g2": 9}))
	require.NoError(t, store.Close())

	reopened, err := sqlite.Open(dir)
	require.NoError(t, err)
	defer reopened.Close()

	cursors, err = reopened.LoadCursors(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]uint64{"g1": 7, "g2": 9}, cursors)
}

func TestStore_MediaLifecycle(t *testing.T) {
	store, _ := openStore(t)
	ctx := context.Background()
	shared := time.Unix(1_700_000_000, 0).UTC()

	rec := storage.MediaRecord{
		ItemID:     "V1",
		GroupID:    "g1",
		Owner:      "owner",
		Signer:     "signer",
		Status:     storage.MediaAvailable,
		Title:      "first steps",
		BlobURL:    "https://blobs.test/v1",
		BlobMIME:   "video/mp4",
		BlobLength: 2048,
		Descriptor: []byte(`{"item_id":"V1"}`),
		Digest:     "QmDigest",
		SharedAt:   shared,
	}
	require.NoError(t, store.UpsertMedia(ctx, rec))
	require.NoError(t, store.SetCachedBlobs(ctx, "V1", "/cache/v1.mp4", "/cache/v1.jpg"))

	got, err := store.Media(ctx, "V1")
	require.NoError(t, err)
	assert.Equal(t, storage.MediaAvailable, got.Status)
	assert.Equal(t, "first steps", got.Title)
	assert.Equal(t, int64(2048), got.BlobLength)
	assert.Equal(t, shared, got.SharedAt)
	assert.Equal(t, "/cache/v1.mp4", got.CachedBlob)
	assert.Equal(t, rec.Descriptor, got.Descriptor)

	require.NoError(t, store.SetMediaStatus(ctx, "V1", "g1", "owner", storage.MediaDeleted, "removed"))
	require.NoError(t, store.ClearCachedBlobs(ctx, "V1", "g1"))

	got, err = store.Media(ctx, "V1")
	require.NoError(t, err)
	assert.Equal(t, storage.MediaDeleted, got.Status)
	assert.Equal(t, "removed", got.Reason)
	assert.Empty(t, got.CachedBlob)
	assert.Empty(t, got.CachedThumbnail)

	// A late share does not resurrect a deleted item, nor does a revoke.
	require.NoError(t, store.UpsertMedia(ctx, rec))
	require.NoError(t, store.SetMediaStatus(ctx, "V1", "g1", "owner", storage.MediaRevoked, ""))
	got, err = store.Media(ctx, "V1")
	require.NoError(t, err)
	assert.Equal(t, storage.MediaDeleted, got.Status)
}

func TestStore_StatusBeforeShareLeavesPlaceholder(t *testing.T) {
	store, _ := openStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetMediaStatus(ctx, "V2", "g1", "owner", storage.MediaRevoked, "early"))
	got, err := store.Media(ctx, "V2")
	require.NoError(t, err)
	assert.Equal(t, storage.MediaRevoked, got.Status)

	list, err := store.ListMedia(ctx, "g1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
	list, err = store.ListMedia(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestStore_StatusScopedToGroup(t *testing.T) {
	store, _ := openStore(t)
	ctx := context.Background()
	rec := storage.MediaRecord{ItemID: "V1", GroupID: "g1", Owner: "alice", Status: storage.MediaAvailable, Descriptor: []byte(`{}`)}
	require.NoError(t, store.UpsertMedia(ctx, rec))
	require.NoError(t, store.SetCachedBlobs(ctx, "V1", "/cache/v1", "/cache/v1.jpg"))

	require.NoError(t, store.SetMediaStatus(ctx, "V1", "g2", "mallory", storage.MediaDeleted, "gone"))
	require.NoError(t, store.ClearCachedBlobs(ctx, "V1", "g2"))

	got, err := store.Media(ctx, "V1")
	require.NoError(t, err)
	assert.Equal(t, storage.MediaAvailable, got.Status)
	assert.Equal(t, "alice", got.Owner)
	assert.Equal(t, "/cache/v1", got.CachedBlob)
}

func TestStore_PlaceholderOnlyBlocksItsOwner(t *testing.T) {
	store, _ := openStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetMediaStatus(ctx, "V1", "g2", "mallory", storage.MediaDeleted, "gone"))
	require.NoError(t, store.UpsertMedia(ctx, storage.MediaRecord{ItemID: "V1", GroupID: "g1", Owner: "alice", Status: storage.MediaAvailable}))
	got, err := store.Media(ctx, "V1")
	require.NoError(t, err)
	assert.Equal(t, storage.MediaAvailable, got.Status)
	assert.Equal(t, "g1", got.GroupID)

	require.NoError(t, store.SetMediaStatus(ctx, "V2", "g1", "", storage.MediaDeleted, "admin"))
	require.NoError(t, store.UpsertMedia(ctx, storage.MediaRecord{ItemID: "V2", GroupID: "g1", Owner: "alice", Status: storage.MediaAvailable}))
	got, err = store.Media(ctx, "V2")
	require.NoError(t, err)
	assert.Equal(t, storage.MediaDeleted, got.Status)
}

func TestStore_MediaNotFound(t *testing.T) {
	store, _ := openStore(t)
	ctx := context.Background()

	_, err := store.Media(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, store.SetCachedBlobs(ctx, "missing", "a", "b"), storage.ErrNotFound)
	assert.NoError(t, store.ClearCachedBlobs(ctx, "missing", "g1"))
}

func TestStore_ReactionsIdempotent(t *testing.T) {
	store, _ := openStore(t)
	ctx := context.Background()
	r := storage.Reaction{ItemID: "V1", GroupID: "g1", Viewer: "alice", Signer: "alice", EventID: "e1", At: time.Now()}

	require.NoError(t, store.AddReaction(ctx, r))
	require.NoError(t, store.AddReaction(ctx, r))
	r.Viewer, r.EventID = "bob", "e2"
	require.NoError(t, store.AddReaction(ctx, r))

	got, err := store.Reactions(ctx, "V1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "alice", got[0].Viewer)
	assert.Equal(t, "bob", got[1].Viewer)
}

func TestStore_ReportsIdempotentPerEvent(t *testing.T) {
	store, _ := openStore(t)
	ctx := context.Background()
	r := storage.Report{
		ID:         "r1",
		ItemID:     "V1",
		GroupID:    "g1",
		Subject:    "someone",
		Reason:     "spam",
		Reporter:   "alice",
		EventID:    "e1",
		Status:     storage.ReportPending,
		ReceivedAt: time.Now(),
	}
	require.NoError(t, store.AddReport(ctx, r))
	r.ID = "r2"
	require.NoError(t, store.AddReport(ctx, r))

	got, err := store.Reports(ctx, storage.ReportPending)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "r1", got[0].ID)
	assert.Equal(t, "spam", got[0].Reason)

	all, err := store.Reports(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 1)

	assert.Error(t, store.AddReport(ctx, storage.Report{ID: "r3"}))
}
