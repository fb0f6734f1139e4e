package history

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"
)

func openTestStore(t *testing.T, maxEvents int) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	store, err := Open(dsn, maxEvents)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreAppendAndRecent(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, 0)

	require.NoError(t, store.Append(ctx, Event{Type: EventPost, IntentID: "a", Actor: "p1"}))
	require.NoError(t, store.Append(ctx, Event{Type: EventMatch, IntentID: "a", CounterID: "b", TradeID: "t"}))

	recent, err := store.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	require.Equal(t, EventMatch, recent[0].Type)
	require.False(t, recent[1].At.IsZero())

	related, err := store.ForIntent(ctx, "b")
	require.NoError(t, err)
	require.Len(t, related, 1)
	require.Equal(t, "t", related[0].TradeID)
}

func TestStorePrunesBeyondRetention(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, 3)
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Append(ctx, Event{Type: EventPost, IntentID: fmt.Sprintf("i%d", i)}))
	}
	all, err := store.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "i2", all[0].IntentID)
}

func TestFileDSN(t *testing.T) {
	_, err := FileDSN("  ")
	require.ErrorIs(t, err, ErrPathRequired)

	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "history.db"), 0)
	require.NoError(t, err)
	require.NoError(t, store.Append(context.Background(), Event{Type: EventCancel, IntentID: "x"}))
	require.NoError(t, store.Close())
}

func TestMemoryRetention(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory(2)
	for i := 0; i < 4; i++ {
		require.NoError(t, mem.Append(ctx, Event{Type: EventPost, IntentID: fmt.Sprintf("i%d", i)}))
	}
	recent, err := mem.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	require.Equal(t, "i3", recent[0].IntentID)
	require.EqualValues(t, 4, recent[0].ID)
}

func TestExportParquet(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory(0)
	require.NoError(t, mem.Append(ctx, Event{Type: EventPost, IntentID: "a"}))
	require.NoError(t, mem.Append(ctx, Event{Type: EventMatch, IntentID: "a", CounterID: "b"}))
	events, err := mem.All(ctx)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "history.parquet")
	require.NoError(t, ExportParquet(path, events))

	fr, err := local.NewLocalFileReader(path)
	require.NoError(t, err)
	defer fr.Close()
	pr, err := reader.NewParquetReader(fr, new(parquetRow), 1)
	require.NoError(t, err)
	defer pr.ReadStop()
	require.EqualValues(t, 2, pr.GetNumRows())
}
