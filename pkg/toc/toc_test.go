package toc

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/arkfield/fdb/pkg/key"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWriter(t *testing.T, name string) *Writer {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	w, err := CreateWriter(path, LatestVersion, key.FromPairs("class", "od"), "schemahash", "uid-1")
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w
}

func TestTOCAppendIndexThenList(t *testing.T) {
	w := newTestWriter(t, "toc")

	indexKey := key.FromPairs("step", "0")
	_, err := w.AppendIndex(indexKey, "0000.idx", 0, Axes{"step": {"0"}}, time.Now())
	require.NoError(t, err)

	r, err := OpenReader(w.path)
	require.NoError(t, err)
	entries, err := r.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	v, _ := entries[0].IndexKey.Get("step")
	assert.Equal(t, "0", v)
}

func TestTOCMaskingWithClear(t *testing.T) {
	w := newTestWriter(t, "toc")

	offA, err := w.AppendIndex(key.FromPairs("step", "0"), "a.idx", 0, nil, time.Now())
	require.NoError(t, err)
	_, err = w.AppendIndex(key.FromPairs("step", "6"), "b.idx", 0, nil, time.Now())
	require.NoError(t, err)

	_, err = w.AppendClear(offA)
	require.NoError(t, err)

	r, err := OpenReader(w.path)
	require.NoError(t, err)
	entries, err := r.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	v, _ := entries[0].IndexKey.Get("step")
	assert.Equal(t, "6", v)
}

func TestTOCClearAllMasksEverythingBefore(t *testing.T) {
	w := newTestWriter(t, "toc")

	_, err := w.AppendIndex(key.FromPairs("step", "0"), "a.idx", 0, nil, time.Now())
	require.NoError(t, err)
	_, err = w.AppendClearAll()
	require.NoError(t, err)
	_, err = w.AppendIndex(key.FromPairs("step", "12"), "c.idx", 0, nil, time.Now())
	require.NoError(t, err)

	r, err := OpenReader(w.path)
	require.NoError(t, err)
	entries, err := r.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	v, _ := entries[0].IndexKey.Get("step")
	assert.Equal(t, "12", v)
}

func TestTOCSubTocMountAndUnmount(t *testing.T) {
	db1 := newTestWriter(t, "db1.toc")
	for i := 0; i < 6; i++ {
		step := string(rune('0' + i))
		_, err := db1.AppendIndex(key.FromPairs("step", step), "f.idx", 0, nil, time.Now())
		require.NoError(t, err)
	}

	db2 := newTestWriter(t, "db2.toc")
	mountOffset, err := db2.AppendSubToc(db1.path, nil)
	require.NoError(t, err)

	r, err := OpenReader(db2.path)
	require.NoError(t, err)
	entries, err := r.List()
	require.NoError(t, err)
	assert.Len(t, entries, 6)

	_, err = db2.AppendSubTocClear(mountOffset)
	require.NoError(t, err)

	r2, err := OpenReader(db2.path)
	require.NoError(t, err)
	entries2, err := r2.List()
	require.NoError(t, err)
	assert.Len(t, entries2, 0)
}

func TestTOCSubTocCycleIsRejected(t *testing.T) {
	db1 := newTestWriter(t, "db1.toc")
	db2 := newTestWriter(t, "db2.toc")

	_, err := db1.AppendSubToc(db2.path, nil)
	require.NoError(t, err)
	_, err = db2.AppendSubToc(db1.path, nil)
	require.NoError(t, err)

	r, err := OpenReader(db1.path)
	require.NoError(t, err)
	_, err = r.List()
	require.Error(t, err)
}

func TestTOCInitReturnsDBKey(t *testing.T) {
	w := newTestWriter(t, "toc")
	r, err := OpenReader(w.path)
	require.NoError(t, err)

	dbKey, schemaHash, uid, err := r.Init()
	require.NoError(t, err)
	v, _ := dbKey.Get("class")
	assert.Equal(t, "od", v)
	assert.Equal(t, "schemahash", schemaHash)
	assert.Equal(t, "uid-1", uid)
}

func TestWriterCloseIsIdempotent(t *testing.T) {
	w := newTestWriter(t, "toc")
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
}

func TestOpenWriterResumesAtEOF(t *testing.T) {
	w := newTestWriter(t, "toc")
	_, err := w.AppendIndex(key.FromPairs("step", "0"), "a.idx", 0, nil, time.Now())
	require.NoError(t, err)
	offsetBeforeClose := w.Offset()
	require.NoError(t, w.Close())

	resumed, err := OpenWriter(w.path, LatestVersion)
	require.NoError(t, err)
	defer resumed.Close()
	assert.Equal(t, offsetBeforeClose, resumed.Offset())

	_, err = resumed.AppendIndex(key.FromPairs("step", "6"), "b.idx", 0, nil, time.Now())
	require.NoError(t, err)

	r, err := OpenReader(w.path)
	require.NoError(t, err)
	entries, err := r.List()
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}
