package kvstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sushant-115/pagekv/core/storage_engine/common"
	flushmanager "github.com/sushant-115/pagekv/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/pagekv/core/write_engine/page_manager"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
)

// --- Test Helpers ---

func openTestStore(t *testing.T, path string, poolSize int) *Store {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	s, err := Open(path, Options{PoolSize: poolSize, Logger: logger, Meter: noop.NewMeterProvider().Meter("test")})
	require.NoError(t, err)
	return s
}

func mustGet(t *testing.T, s *Store, key string) string {
	t.Helper()
	v, ok, err := s.Get([]byte(key))
	require.NoError(t, err)
	require.True(t, ok, "key %q not found", key)
	return string(v)
}

// --- Test Cases ---

// TestStore_ReopenScenario inserts three keys, checks lookups, then
// simulates a restart and reads one back.
func TestStore_ReopenScenario(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenario.db")
	s := openTestStore(t, path, DefaultOptions().PoolSize)
	require.NotEmpty(t, s.SessionID())

	require.NoError(t, s.Insert([]byte("k1"), []byte("v1")))
	require.NoError(t, s.Insert([]byte("k22"), []byte("v22")))
	require.NoError(t, s.Insert([]byte("k3"), []byte("v3")))
	require.Equal(t, "v3", mustGet(t, s, "k3"))

	_, ok, err := s.Get([]byte("missing"))
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, s.Close())

	s2 := openTestStore(t, path, DefaultOptions().PoolSize)
	defer s2.Close()
	require.Equal(t, "v1", mustGet(t, s2, "k1"))
	require.Equal(t, "v22", mustGet(t, s2, "k22"))
	n, err := s2.Len()
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

func TestStore_Stats(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "stats.db"), 32)
	defer s.Close()

	st, err := s.Stats()
	require.NoError(t, err)
	require.Equal(t, pagemanager.InvalidPageID, st.RootPageID)
	require.Equal(t, pagemanager.FreeListPageID, st.NextPageID)

	require.NoError(t, s.Insert([]byte("k"), []byte("v")))
	st, err = s.Stats()
	require.NoError(t, err)
	assert.Equal(t, 32, st.PoolSize)
	assert.Equal(t, pagemanager.FirstClientPageID, st.RootPageID)
	assert.Equal(t, pagemanager.PageID(3), st.NextPageID)
	assert.Equal(t, uint32(0), st.GlobalDepth)
	assert.Equal(t, 2, st.ResidentPages)
	assert.Equal(t, 0, st.PinnedPages)
	assert.Zero(t, st.FreePageIDs)
}

// TestStore_SmallPoolManyKeys forces evictions and splits, then checks every
// key survives a reopen.
func TestStore_SmallPoolManyKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "many.db")
	s := openTestStore(t, path, 8)

	const numKeys = 1500
	for i := 0; i < numKeys; i++ {
		require.NoError(t, s.Insert([]byte(fmt.Sprintf("key-%05d", i)), []byte(fmt.Sprintf("value-%05d", i))))
	}
	st, err := s.Stats()
	require.NoError(t, err)
	require.Greater(t, st.Evictions, uint64(0))
	require.Greater(t, st.GlobalDepth, uint32(0))
	require.NoError(t, s.Close())

	s2 := openTestStore(t, path, 8)
	defer s2.Close()
	for i := 0; i < numKeys; i++ {
		require.Equal(t, fmt.Sprintf("value-%05d", i), mustGet(t, s2, fmt.Sprintf("key-%05d", i)))
	}
}

func TestStore_ConcurrentInserts(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "concurrent.db"), 16)
	defer s.Close()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("w%d-%03d", w, i)
				assert.NoError(t, s.Insert([]byte(key), []byte(key)))
			}
		}(w)
	}
	wg.Wait()

	n, err := s.Len()
	require.NoError(t, err)
	require.Equal(t, 800, n)
	require.Equal(t, "w3-199", mustGet(t, s, "w3-199"))
}

// TestStore_BackupIsConsistentCopy checks the reported checksum and that the
// copy opens as a store with the same contents.
func TestStore_BackupIsConsistentCopy(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, filepath.Join(dir, "live.db"), 16)
	defer s.Close()
	require.NoError(t, s.Insert([]byte("k1"), []byte("v1")))
	require.NoError(t, s.Insert([]byte("k2"), []byte("v2")))

	dst := filepath.Join(dir, "backup.db")
	sum, err := s.Backup(context.Background(), dst, 0)
	require.NoError(t, err)

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	want := sha256.Sum256(data)
	require.Equal(t, want[:], sum)

	b := openTestStore(t, dst, 16)
	defer b.Close()
	require.Equal(t, "v1", mustGet(t, b, "k1"))
	require.Equal(t, "v2", mustGet(t, b, "k2"))

	// The live store keeps working after a backup.
	require.NoError(t, s.Insert([]byte("k3"), []byte("v3")))
	require.Equal(t, "v3", mustGet(t, s, "k3"))
}

// TestStore_BackupToOwnFileIsRejected checks that a backup naming the live
// file, under any spelling, fails without touching the store.
func TestStore_BackupToOwnFileIsRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "live.db")
	s := openTestStore(t, path, 16)
	for i := 0; i < 50; i++ {
		require.NoError(t, s.Insert([]byte(fmt.Sprintf("k%d", i)), []byte(fmt.Sprintf("v%d", i))))
	}

	for _, dst := range []string{path, dir + "/./live.db", filepath.Join(dir, "sub", "..", "live.db")} {
		_, err := s.Backup(context.Background(), dst, 0)
		require.ErrorIs(t, err, common.ErrSameFile, dst)
		require.False(t, flushmanager.IsFatal(err))
	}

	link := filepath.Join(dir, "alias.db")
	require.NoError(t, os.Link(path, link))
	_, err := s.Backup(context.Background(), link, 0)
	require.ErrorIs(t, err, common.ErrSameFile)

	require.Equal(t, "v1", mustGet(t, s, "k1"))
	require.NoError(t, s.Close())

	r := openTestStore(t, path, 16)
	defer r.Close()
	n, err := r.Len()
	require.NoError(t, err)
	require.Equal(t, 50, n)
	require.Equal(t, "v49", mustGet(t, r, "k49"))
}

func TestStore_CheckpointPersistsWithoutClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.db")
	s := openTestStore(t, path, 16)
	require.NoError(t, s.Insert([]byte("k1"), []byte("v1")))
	require.NoError(t, s.Checkpoint())

	// A second handle on the same file sees checkpointed state.
	r := openTestStore(t, path, 16)
	require.Equal(t, "v1", mustGet(t, r, "k1"))
	require.NoError(t, r.Close())
	require.NoError(t, s.Close())
}

func TestStore_ClosedStore(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "closed.db"), 16)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, _, err := s.Get([]byte("k"))
	require.ErrorIs(t, err, flushmanager.ErrClosed)
	require.ErrorIs(t, s.Insert([]byte("k"), []byte("v")), flushmanager.ErrClosed)
	_, err = s.Stats()
	require.ErrorIs(t, err, flushmanager.ErrClosed)
}

func injectFatal(t *testing.T, s *Store) {
	t.Helper()
	s.mu.Lock()
	err := s.noteErrLocked(fmt.Errorf("%w: injected", flushmanager.ErrIO))
	s.mu.Unlock()
	require.ErrorIs(t, err, flushmanager.ErrIO)
}

// TestStore_FatalErrorPoisonsStore checks that after a fatal error every
// call fails fast and Close leaves the file as it was before the session.
func TestStore_FatalErrorPoisonsStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fatal.db")
	s := openTestStore(t, path, 16)
	require.NoError(t, s.Insert([]byte("k"), []byte("v")))
	injectFatal(t, s)

	_, _, err := s.Get([]byte("k"))
	require.ErrorIs(t, err, flushmanager.ErrIO)
	require.True(t, flushmanager.IsFatal(s.Insert([]byte("k2"), []byte("v"))))
	require.NoError(t, s.Close())

	r := openTestStore(t, path, 16)
	defer r.Close()
	_, ok, err := r.Get([]byte("k"))
	require.NoError(t, err)
	require.False(t, ok, "nothing was checkpointed")
	require.NoError(t, r.Insert([]byte("k"), []byte("v2")))
	require.Equal(t, "v2", mustGet(t, r, "k"))
}

// TestStore_FatalErrorKeepsLastCheckpoint checks that work done after the
// last checkpoint, including bucket splits that free pages, is dropped on
// close after a fatal error while the checkpointed keys stay readable.
func TestStore_FatalErrorKeepsLastCheckpoint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fatal-checkpoint.db")
	s := openTestStore(t, path, DefaultOptions().PoolSize)
	for i := 0; i < 20; i++ {
		require.NoError(t, s.Insert([]byte(fmt.Sprintf("base-%d", i)), []byte("v")))
	}
	require.NoError(t, s.Checkpoint())
	before, err := s.Stats()
	require.NoError(t, err)

	value := bytes.Repeat([]byte("x"), 200)
	for i := 0; i < 200; i++ {
		require.NoError(t, s.Insert([]byte(fmt.Sprintf("late-%d", i)), value))
	}
	after, err := s.Stats()
	require.NoError(t, err)
	require.Greater(t, after.GlobalDepth, before.GlobalDepth, "late inserts split buckets")
	require.Zero(t, after.Evictions)

	injectFatal(t, s)
	require.NoError(t, s.Close())

	r := openTestStore(t, path, DefaultOptions().PoolSize)
	defer r.Close()
	n, err := r.Len()
	require.NoError(t, err)
	require.Equal(t, 20, n)
	for i := 0; i < 20; i++ {
		require.Equal(t, "v", mustGet(t, r, fmt.Sprintf("base-%d", i)))
	}
	_, ok, err := r.Get([]byte("late-0"))
	require.NoError(t, err)
	require.False(t, ok)

	st, err := r.Stats()
	require.NoError(t, err)
	require.Equal(t, before.RootPageID, st.RootPageID)
	require.Equal(t, before.NextPageID, st.NextPageID)
	require.Equal(t, before.FreePageIDs, st.FreePageIDs)
}

func TestStore_RecoverableErrorsDoNotPoison(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "recoverable.db"), 16)
	defer s.Close()

	err := s.Insert([]byte("k"), make([]byte, pagemanager.PageSize))
	require.ErrorIs(t, err, flushmanager.ErrEntryTooLarge)
	require.NoError(t, s.Insert([]byte("k"), []byte("v")))
	require.Equal(t, "v", mustGet(t, s, "k"))
}

func TestOpen_RejectsForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "foreign.db")
	junk := bytes.Repeat([]byte("not a pagekv file "), pagemanager.PageSize/16)
	require.NoError(t, os.WriteFile(path, junk, 0644))

	_, err := Open(path, DefaultOptions())
	require.ErrorIs(t, err, flushmanager.ErrCorruptMetadata)
}
