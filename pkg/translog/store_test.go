package translog

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "translog"), false)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAppend_AssignsMonotonicSequence(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	var last uint64
	for i := 0; i < 5; i++ {
		entry, err := store.Append(ctx, Entry{Alias: "ana", Operation: OpList, Outcome: OutcomeOK})
		require.NoError(t, err)
		if i > 0 {
			assert.Greater(t, entry.Seq, last)
		}
		assert.False(t, entry.Timestamp.IsZero())
		last = entry.Seq
	}
}

func TestQuery_InsertionOrder(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	ops := []Operation{OpConnect, OpPut, OpGet, OpRemove, OpDisconnect}
	for _, op := range ops {
		_, err := store.Append(ctx, Entry{Alias: "bo", Operation: op, Outcome: OutcomeOK})
		require.NoError(t, err)
	}

	entries, err := store.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, entries, len(ops))
	for i, entry := range entries {
		assert.Equal(t, ops[i], entry.Operation)
		if i > 0 {
			assert.Greater(t, entry.Seq, entries[i-1].Seq)
		}
	}
}

func TestQuery_Filters(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.Append(ctx, Entry{Alias: "ana", Operation: OpPut, TargetPath: "/a", Outcome: OutcomeOK})
	require.NoError(t, err)
	_, err = store.Append(ctx, Entry{Alias: "bo", Operation: OpPut, TargetPath: "/b", Outcome: OutcomeFailed})
	require.NoError(t, err)
	_, err = store.Append(ctx, Entry{Alias: "ana", Operation: OpRemove, TargetPath: "/a", Outcome: OutcomeOK})
	require.NoError(t, err)

	byAlias, err := store.Query(ctx, Filter{Alias: "ana"})
	require.NoError(t, err)
	assert.Len(t, byAlias, 2)

	byOp, err := store.Query(ctx, Filter{Operation: OpRemove})
	require.NoError(t, err)
	require.Len(t, byOp, 1)
	assert.Equal(t, "/a", byOp[0].TargetPath)

	limited, err := store.Query(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	future, err := store.Query(ctx, Filter{Since: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	assert.Empty(t, future)
}

func TestAppend_ConcurrentWritersKeepTotalOrder(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	const writers = 8
	const perWriter = 25

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := store.Append(ctx, Entry{Alias: "conc", Operation: OpGet, Outcome: OutcomeOK})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	entries, err := store.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, entries, writers*perWriter)

	seen := make(map[uint64]bool, len(entries))
	for i, entry := range entries {
		assert.False(t, seen[entry.Seq], "duplicate sequence %d", entry.Seq)
		seen[entry.Seq] = true
		if i > 0 {
			assert.Greater(t, entry.Seq, entries[i-1].Seq)
		}
	}
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "translog")
	ctx := context.Background()

	store, err := Open(path, false)
	require.NoError(t, err)
	first, err := store.Append(ctx, Entry{Alias: "ana", Operation: OpPut, Outcome: OutcomeOK})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = Open(path, false)
	require.NoError(t, err)
	defer store.Close()

	entries, err := store.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, first.Seq, entries[0].Seq)

	second, err := store.Append(ctx, Entry{Alias: "ana", Operation: OpRemove, Outcome: OutcomeOK})
	require.NoError(t, err)
	assert.Greater(t, second.Seq, first.Seq)
}
