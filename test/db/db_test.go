package db_test

import (
	"fmt"
	"testing"

	"hammersbald/pkg/config"
	"hammersbald/pkg/db"
	"hammersbald/pkg/dberr"
	"hammersbald/test/utils"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// openStore opens a store with the scenario defaults (cache 16, target 2).
func openStore(t *testing.T, name string) *db.DB {
	store, err := db.Open(name, 16, 2)
	require.NoError(t, err, "open store")
	utils.EnsureCleanup(t, func() {
		_ = store.Close()
	})
	return store
}

func TestDB(t *testing.T) {
	t.Run("RoundTrip", testRoundTrip)
	t.Run("Overwrite", testOverwrite)
	t.Run("ManyKeysReopen", testManyKeysReopen)
	t.Run("BatchVisibility", testBatchVisibility)
	t.Run("UnkeyedLargePayload", testUnkeyedLargePayload)
	t.Run("EmptyKey", testEmptyKey)
	t.Run("TooLarge", testTooLarge)
	t.Run("Locked", testLocked)
	t.Run("Rebuild", testRebuild)
	t.Run("ConcurrentReaders", testConcurrentReaders)
}

/*
S1: two keys put and batched read back their payloads.
*/
func testRoundTrip(t *testing.T) {
	t.Parallel()
	store := openStore(t, utils.GetTempStoreName(t))
	_, err := store.Put([]byte("a"), []byte("1"))
	require.NoError(t, err)
	_, err = store.Put([]byte("b"), []byte("2"))
	require.NoError(t, err)
	require.NoError(t, store.Batch())

	_, v, found, err := store.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("1"), v)

	_, v, found, err = store.Get([]byte("b"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("2"), v)
}

/*
S2: the second put under a key wins the get; the first put's reference still
resolves to the old record.
*/
func testOverwrite(t *testing.T) {
	t.Parallel()
	store := openStore(t, utils.GetTempStoreName(t))
	first, err := store.Put([]byte("k"), []byte("v1"))
	require.NoError(t, err)
	_, err = store.Put([]byte("k"), []byte("v2"))
	require.NoError(t, err)
	require.NoError(t, store.Batch())

	_, v, found, err := store.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v2"), v)

	key, v, err := store.GetAt(first)
	require.NoError(t, err)
	require.Equal(t, []byte("k"), key)
	require.Equal(t, []byte("v1"), v)
}

/*
S3: a thousand keys with random payloads survive a batch and a reopen, and
the table has grown.
*/
func testManyKeysReopen(t *testing.T) {
	t.Parallel()
	name := utils.GetTempStoreName(t)
	store := openStore(t, name)
	payloads := make(map[string][]byte, 1000)
	for i := 0; i < 1000; i++ {
		key := fmt.Sprintf("key_%04d", i)
		payloads[key] = utils.RandomPayload(100)
		_, err := store.Put([]byte(key), payloads[key])
		require.NoError(t, err)
	}
	require.NoError(t, store.Batch())
	stats, err := store.Stats()
	require.NoError(t, err)
	require.Greater(t, stats.Index.Buckets, uint64(512), "table should have split")
	require.NoError(t, store.Close())

	reopened := openStore(t, name)
	for key, payload := range payloads {
		_, v, found, err := reopened.Get([]byte(key))
		require.NoError(t, err)
		require.True(t, found, "key %s after reopen", key)
		require.Equal(t, payload, v)
	}
}

/*
A get inside the open batch sees the put that preceded it.
*/
func testBatchVisibility(t *testing.T) {
	t.Parallel()
	store := openStore(t, utils.GetTempStoreName(t))
	_, err := store.Put([]byte("pending"), []byte("here"))
	require.NoError(t, err)
	_, v, found, err := store.Get([]byte("pending"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("here"), v)
}

/*
S5: a megabyte of unkeyed payload reads back byte for byte at its reference.
*/
func testUnkeyedLargePayload(t *testing.T) {
	t.Parallel()
	store := openStore(t, utils.GetTempStoreName(t))
	payload := utils.RandomPayload(1_000_000)
	ref, err := store.PutUnkeyed(payload)
	require.NoError(t, err)
	require.NoError(t, store.Batch())

	key, v, err := store.GetAt(ref)
	require.NoError(t, err)
	require.Empty(t, key)
	require.Equal(t, payload, v)
}

/*
The empty key is a valid key.
*/
func testEmptyKey(t *testing.T) {
	t.Parallel()
	store := openStore(t, utils.GetTempStoreName(t))
	_, err := store.Put([]byte{}, []byte("empty"))
	require.NoError(t, err)
	_, v, found, err := store.Get([]byte{})
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("empty"), v)
}

/*
Oversized keys are rejected with TooLarge.
*/
func testTooLarge(t *testing.T) {
	t.Parallel()
	store := openStore(t, utils.GetTempStoreName(t))
	_, err := store.Put(utils.RandomPayload(256), []byte("v"))
	require.ErrorIs(t, err, dberr.ErrTooLarge)
}

/*
S6: a second opener of a held store fails with Locked.
*/
func testLocked(t *testing.T) {
	t.Parallel()
	name := utils.GetTempStoreName(t)
	store := openStore(t, name)
	_, err := db.Open(name, 16, 2)
	require.ErrorIs(t, err, dberr.ErrLocked)
	require.NoError(t, store.Close())

	// Releasing the lock lets the next opener in.
	reopened, err := db.Open(name, 16, 2)
	require.NoError(t, err)
	require.NoError(t, reopened.Close())
}

/*
Rebuilding the table from the data file answers every surviving key exactly
as before, overwrites included.
*/
func testRebuild(t *testing.T) {
	t.Parallel()
	name := utils.GetTempStoreName(t)
	store := openStore(t, name)
	for i := 0; i < 300; i++ {
		_, err := store.Put([]byte(fmt.Sprintf("key_%03d", i)), []byte(fmt.Sprint(i)))
		require.NoError(t, err)
	}
	// Overwrite a slice of them so shadowing must be replayed in order.
	for i := 0; i < 100; i++ {
		_, err := store.Put([]byte(fmt.Sprintf("key_%03d", i)), []byte("new"))
		require.NoError(t, err)
	}
	unkeyed, err := store.PutUnkeyed([]byte("loose"))
	require.NoError(t, err)
	require.NoError(t, store.Batch())
	require.NoError(t, store.Close())

	rebuilt, err := db.Rebuild(name, config.DefaultCachePages, config.DefaultBucketFillTarget)
	require.NoError(t, err)
	utils.EnsureCleanup(t, func() {
		_ = rebuilt.Close()
	})
	for i := 0; i < 300; i++ {
		want := fmt.Sprint(i)
		if i < 100 {
			want = "new"
		}
		_, v, found, err := rebuilt.Get([]byte(fmt.Sprintf("key_%03d", i)))
		require.NoError(t, err)
		require.True(t, found, "key_%03d after rebuild", i)
		require.Equal(t, []byte(want), v)
	}
	_, v, err := rebuilt.GetAt(unkeyed)
	require.NoError(t, err)
	require.Equal(t, []byte("loose"), v)
}

/*
Readers keep getting consistent answers while the writer inserts.
*/
func testConcurrentReaders(t *testing.T) {
	t.Parallel()
	store := openStore(t, utils.GetTempStoreName(t))
	for i := 0; i < 100; i++ {
		_, err := store.Put([]byte(fmt.Sprintf("base_%03d", i)), []byte(fmt.Sprint(i)))
		require.NoError(t, err)
	}
	require.NoError(t, store.Batch())

	var g errgroup.Group
	for r := 0; r < 4; r++ {
		g.Go(func() error {
			for pass := 0; pass < 50; pass++ {
				for i := 0; i < 100; i++ {
					key := fmt.Sprintf("base_%03d", i)
					_, v, found, err := store.Get([]byte(key))
					if err != nil {
						return err
					}
					if !found {
						return fmt.Errorf("key %s went missing", key)
					}
					if string(v) != fmt.Sprint(i) {
						return fmt.Errorf("key %s holds %q", key, v)
					}
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		for i := 0; i < 2000; i++ {
			if _, err := store.Put([]byte(fmt.Sprintf("extra_%04d", i)), []byte("x")); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, g.Wait())
	require.NoError(t, store.Batch())
}
