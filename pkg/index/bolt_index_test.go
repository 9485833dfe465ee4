package index

import (
	"path/filepath"
	"testing"

	"github.com/arkfield/fdb/pkg/key"
	"github.com/arkfield/fdb/pkg/location"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestIndex(t *testing.T) *BoltIndex {
	t.Helper()
	path := filepath.Join(t.TempDir(), "index.bolt")
	idx, err := OpenBoltIndex(path)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestBoltIndexPutGetRoundTrip(t *testing.T) {
	idx := openTestIndex(t)

	datumKey := key.FromPairs("param", "2t", "levelist", "850")
	loc := location.NewFile("/data/unit.data", 10, 20)

	require.NoError(t, idx.Put(datumKey, loc))

	got, ok, err := idx.Get(datumKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, loc.URI(), got.URI())
	assert.Equal(t, loc.Length(), got.Length())
}

func TestBoltIndexGetMissingReturnsNotFoundFalse(t *testing.T) {
	idx := openTestIndex(t)
	_, ok, err := idx.Get(key.FromPairs("param", "2t"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBoltIndexMayContainIsSound(t *testing.T) {
	idx := openTestIndex(t)
	require.NoError(t, idx.Put(key.FromPairs("param", "2t", "levelist", "850"), location.NewFile("/data/a", 0, 1)))

	present := key.NewRequest()
	present.Insert("param", "2t")
	assert.True(t, idx.MayContain(present))

	absent := key.NewRequest()
	absent.Insert("param", "tp")
	assert.False(t, idx.MayContain(absent))

	unknown := key.NewRequest()
	unknown.Insert("step", "0")
	assert.True(t, idx.MayContain(unknown), "a keyword no entry carries is undecided, not a mismatch")

	assert.True(t, idx.MayContain(key.NewRequest()), "an unconstrained request always may-contain")
}

func TestBoltIndexAxesReturnsObservedValues(t *testing.T) {
	idx := openTestIndex(t)
	require.NoError(t, idx.Put(key.FromPairs("param", "2t"), location.NewFile("/data/a", 0, 1)))
	require.NoError(t, idx.Put(key.FromPairs("param", "tp"), location.NewFile("/data/b", 0, 1)))

	axes := idx.Axes("param")
	assert.ElementsMatch(t, []string{"2t", "tp"}, axes)
	assert.Nil(t, idx.Axes("nonexistent"))
}

func TestBoltIndexVisitEnumeratesAllEntries(t *testing.T) {
	idx := openTestIndex(t)
	require.NoError(t, idx.Put(key.FromPairs("param", "2t"), location.NewFile("/data/a", 0, 1)))
	require.NoError(t, idx.Put(key.FromPairs("param", "tp"), location.NewFile("/data/b", 0, 1)))

	seen := map[string]bool{}
	err := idx.Visit(func(datumKey *key.Key, loc location.FieldLocation) error {
		v, _ := datumKey.Get("param")
		seen[v] = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, seen["2t"])
	assert.True(t, seen["tp"])
}

func TestBoltIndexReopenPreservesAxesAndEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.bolt")
	idx, err := OpenBoltIndex(path)
	require.NoError(t, err)

	require.NoError(t, idx.Put(key.FromPairs("param", "2t"), location.NewFile("/data/a", 0, 1)))
	require.NoError(t, idx.Close())

	reopened, err := OpenBoltIndex(path)
	require.NoError(t, err)
	defer reopened.Close()

	_, ok, err := reopened.Get(key.FromPairs("param", "2t"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"2t"}, reopened.Axes("param"))
}
