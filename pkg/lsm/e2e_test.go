package lsm_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsmkv/lsmkv/internal/logging"
	"github.com/lsmkv/lsmkv/pkg/lsm"
)

func testConfig(t *testing.T) lsm.Config {
	t.Helper()
	cfg := lsm.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.MemtableSizeLimit = 1000
	cfg.BackgroundCompaction = false
	return cfg
}

func mustOpen(t *testing.T, cfg lsm.Config) *lsm.Engine {
	t.Helper()
	e, err := lsm.OpenWithLogger(cfg, logging.NewNopLogger())
	require.NoError(t, err)
	return e
}

// Scenario 1: open an empty directory, put a couple of keys, get them back;
// a never-put key reports not found.
func TestScenarioBasicPutGet(t *testing.T) {
	cfg := testConfig(t)
	e := mustOpen(t, cfg)
	defer e.Close()

	require.NoError(t, e.Put([]byte("a"), []byte("1")))
	require.NoError(t, e.Put([]byte("b"), []byte("2")))

	v, found, err := e.Get([]byte("a"))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("1"), v)

	_, found, err = e.Get([]byte("c"))
	require.NoError(t, err)
	assert.False(t, found)
}

// Scenario 2: with memtable_size_limit=2, three puts produce exactly one L0
// SST holding the first two keys, leaving only the third in the MemTable.
func TestScenarioFlushAtSizeLimit(t *testing.T) {
	cfg := testConfig(t)
	cfg.MemtableSizeLimit = 2
	e := mustOpen(t, cfg)
	defer e.Close()

	require.NoError(t, e.Put([]byte("k1"), []byte("v1")))
	require.NoError(t, e.Put([]byte("k2"), []byte("v2")))
	require.NoError(t, e.Put([]byte("k3"), []byte("v3")))

	for _, want := range []struct {
		key, value string
	}{{"k1", "v1"}, {"k2", "v2"}, {"k3", "v3"}} {
		v, found, err := e.Get([]byte(want.key))
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, want.value, string(v))
	}
}

// Scenario 3: scenario 2's writes, then a close without an explicit Flush
// call (Close itself flushes k3 from the MemTable into an SST and truncates
// the WAL); after reopening, k3 and k1 are still readable.
func TestScenarioReopenAfterCloseWithoutFlush(t *testing.T) {
	cfg := testConfig(t)
	cfg.MemtableSizeLimit = 2
	cfg.EnableWAL = true

	e := mustOpen(t, cfg)
	require.NoError(t, e.Put([]byte("k1"), []byte("v1")))
	require.NoError(t, e.Put([]byte("k2"), []byte("v2")))
	require.NoError(t, e.Put([]byte("k3"), []byte("v3")))
	require.NoError(t, e.Close())

	e2 := mustOpen(t, cfg)
	defer e2.Close()

	v, found, err := e2.Get([]byte("k3"))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v3", string(v))

	v, found, err = e2.Get([]byte("k1"))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v1", string(v))
}

// Scenario 4: 1000 distinct keys with memtable_size_limit=50 and
// l0_file_limit=4 eventually settles with no more than 4 L0 files, and
// every key remains readable.
func TestScenarioBoundedL0UnderLoad(t *testing.T) {
	cfg := testConfig(t)
	cfg.MemtableSizeLimit = 50
	cfg.L0FileLimit = 4

	e := mustOpen(t, cfg)
	defer e.Close()

	const n = 1000
	for i := 0; i < n; i++ {
		key := []byte{byte(i >> 8), byte(i)}
		require.NoError(t, e.Put(key, key))
	}

	for round := 0; round < 60 && e.L0FileCount() > cfg.L0FileLimit; round++ {
		require.NoError(t, e.CompactNow())
	}
	assert.LessOrEqual(t, e.L0FileCount(), cfg.L0FileLimit)

	for i := 0; i < n; i++ {
		key := []byte{byte(i >> 8), byte(i)}
		v, found, err := e.Get(key)
		require.NoError(t, err)
		require.True(t, found, "key %d", i)
		assert.Equal(t, key, v)
	}
}

// Scenario 5: a put followed by a delete, compacted down to the bottom
// level, leaves no record for the key at all.
func TestScenarioTombstoneDroppedAtBottomLevel(t *testing.T) {
	cfg := testConfig(t)
	cfg.L0FileLimit = 2 // the two flushes below make L0 due for compaction
	e := mustOpen(t, cfg)
	defer e.Close()

	require.NoError(t, e.Put([]byte("x"), []byte("1")))
	require.NoError(t, e.Flush())
	require.NoError(t, e.Delete([]byte("x")))
	require.NoError(t, e.Flush())

	require.NoError(t, e.CompactNow())

	_, found, err := e.Get([]byte("x"))
	require.NoError(t, err)
	assert.False(t, found)
}

// Scenario 6: overwriting a key across two flushes, then compacting, still
// returns the newest value.
func TestScenarioCompactionPreservesNewestValue(t *testing.T) {
	cfg := testConfig(t)
	cfg.L0FileLimit = 2 // the two flushes below make L0 due for compaction
	e := mustOpen(t, cfg)
	defer e.Close()

	require.NoError(t, e.Put([]byte("k"), []byte("1")))
	require.NoError(t, e.Flush())
	require.NoError(t, e.Put([]byte("k"), []byte("2")))
	require.NoError(t, e.Flush())

	v, found, err := e.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "2", string(v))

	require.NoError(t, e.CompactNow())

	v, found, err = e.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "2", string(v))
}

func TestDeleteOfAbsentKeyIsNotAnError(t *testing.T) {
	cfg := testConfig(t)
	e := mustOpen(t, cfg)
	defer e.Close()

	require.NoError(t, e.Delete([]byte("never-existed")))
	require.NoError(t, e.Delete([]byte("never-existed")))
	_, found, err := e.Get([]byte("never-existed"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestEmptyKeyRejected(t *testing.T) {
	cfg := testConfig(t)
	e := mustOpen(t, cfg)
	defer e.Close()

	assert.Error(t, e.Put(nil, []byte("v")))
	assert.Error(t, e.Delete(nil))
	_, _, err := e.Get(nil)
	assert.Error(t, err)
}

func TestFlushOfEmptyMemTableIsNoOp(t *testing.T) {
	cfg := testConfig(t)
	e := mustOpen(t, cfg)
	defer e.Close()
	require.NoError(t, e.Flush())
	require.NoError(t, e.Flush())
}

func TestCloseFlushesPendingWrites(t *testing.T) {
	cfg := testConfig(t)
	e := mustOpen(t, cfg)
	require.NoError(t, e.Put([]byte("a"), []byte("1")))
	require.NoError(t, e.Close())

	e2 := mustOpen(t, cfg)
	defer e2.Close()
	v, found, err := e2.Get([]byte("a"))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "1", string(v))
}
