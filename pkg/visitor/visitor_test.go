package visitor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/arkfield/fdb/pkg/catalogue"
	"github.com/arkfield/fdb/pkg/config"
	"github.com/arkfield/fdb/pkg/engine"
	"github.com/arkfield/fdb/pkg/fdberr"
	"github.com/arkfield/fdb/pkg/key"
	"github.com/arkfield/fdb/pkg/schema"
	"github.com/arkfield/fdb/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSetup(t *testing.T) (*engine.Engine, store.Store, string) {
	t.Helper()
	root := t.TempDir()
	cfg := &config.Config{Roots: []string{root}}
	sch := schema.New([]string{"class", "type"}, []string{"step"}, []string{"param"})
	e := engine.New(cfg, sch)
	st, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	return e, st, root
}

func archiveOne(t *testing.T, ctx context.Context, e *engine.Engine, st store.Store, dbKey, indexKey, datumKey *key.Key, payload []byte) {
	t.Helper()
	cat, err := e.WriterFor(dbKey)
	require.NoError(t, err)
	require.NoError(t, cat.SelectIndex(indexKey))

	res := <-st.Archive(ctx, indexKey, payload)
	require.NoError(t, res.Err)
	require.NoError(t, cat.Archive(datumKey, res.Location))
	require.NoError(t, cat.Flush(1))
}

func TestWalkListCollectsMatchingDatums(t *testing.T) {
	ctx := context.Background()
	e, st, _ := testSetup(t)
	defer e.Close()
	defer st.Close()

	dbKey := key.FromPairs("class", "od", "type", "fc")
	archiveOne(t, ctx, e, st, dbKey, key.FromPairs("step", "0"),
		key.FromPairs("class", "od", "type", "fc", "step", "0", "param", "2t"), []byte("aaaa"))
	archiveOne(t, ctx, e, st, dbKey, key.FromPairs("step", "6"),
		key.FromPairs("class", "od", "type", "fc", "step", "6", "param", "2t"), []byte("bbbb"))

	req := key.NewRequest()
	req.Insert("class", "od")
	req.Insert("type", "fc")

	l := NewList(false)
	require.NoError(t, Walk(e, req, catalogue.ControlList, l))
	assert.Len(t, l.Entries(), 2)
}

func TestWalkStatsCountsDatumsAndIndexes(t *testing.T) {
	ctx := context.Background()
	e, st, _ := testSetup(t)
	defer e.Close()
	defer st.Close()

	dbKey := key.FromPairs("class", "od", "type", "fc")
	archiveOne(t, ctx, e, st, dbKey, key.FromPairs("step", "0"),
		key.FromPairs("class", "od", "type", "fc", "step", "0", "param", "2t"), []byte("aaaa"))

	req := key.NewRequest()
	req.Insert("class", "od")
	req.Insert("type", "fc")

	s := NewStats()
	require.NoError(t, Walk(e, req, catalogue.ControlList, s))
	require.Len(t, s.Results, 1)
	assert.Equal(t, 1, s.Results[0].IndexCount)
	assert.Equal(t, 1, s.Results[0].DatumCount)
}

func TestWipeMasksMixedIndexAndKeepsItsUnits(t *testing.T) {
	ctx := context.Background()
	e, st, _ := testSetup(t)
	defer e.Close()
	defer st.Close()

	dbKey := key.FromPairs("class", "od", "type", "fc")
	archiveOne(t, ctx, e, st, dbKey, key.FromPairs("step", "0"),
		key.FromPairs("class", "od", "type", "fc", "step", "0", "param", "2t"), []byte("aaaa"))
	archiveOne(t, ctx, e, st, dbKey, key.FromPairs("step", "0"),
		key.FromPairs("class", "od", "type", "fc", "step", "0", "param", "msl"), []byte("bbbb"))
	archiveOne(t, ctx, e, st, dbKey, key.FromPairs("step", "6"),
		key.FromPairs("class", "od", "type", "fc", "step", "6", "param", "2t"), []byte("cccc"))

	req := key.NewRequest()
	req.Insert("class", "od")
	req.Insert("type", "fc")
	req.Insert("step", "0")
	req.Insert("param", "2t")

	result, err := Wipe(ctx, e, st, dbKey, req, true, false)
	require.NoError(t, err)
	assert.Contains(t, result.MaskedIndex, key.FromPairs("step", "0").Canonical())
	assert.Empty(t, result.DeletedURIs)
	assert.NotEmpty(t, result.SafeURIs)
}

func TestWipeFullWipeWhenEverythingMatches(t *testing.T) {
	ctx := context.Background()
	e, st, root := testSetup(t)
	defer st.Close()

	dbKey := key.FromPairs("class", "od", "type", "fc")
	archiveOne(t, ctx, e, st, dbKey, key.FromPairs("step", "0"),
		key.FromPairs("class", "od", "type", "fc", "step", "0", "param", "2t"), []byte("aaaa"))

	req := key.NewRequest()
	req.Insert("class", "od")
	req.Insert("type", "fc")
	req.Insert("step", "0")
	req.Insert("param", "2t")

	result, err := Wipe(ctx, e, st, dbKey, req, true, false)
	require.NoError(t, err)
	assert.True(t, result.FullWipe)
	assert.Empty(t, result.SafeURIs)
	assert.NotEmpty(t, result.DeletedURIs)

	// The container is gone: index files, TOC, lock file, everything.
	dbRoot := filepath.Join(root, dbKey.Canonical())
	_, statErr := os.Stat(dbRoot)
	assert.True(t, os.IsNotExist(statErr), "DB container must be deleted by a full wipe")

	// And the Engine no longer knows the DB.
	_, err = e.ReaderFor(dbKey)
	assert.True(t, fdberr.Is(err, fdberr.NotFound), "wiped DB must read as NotFound, got %v", err)
}

func TestWipeDryRunTouchesNothing(t *testing.T) {
	ctx := context.Background()
	e, st, _ := testSetup(t)
	defer e.Close()
	defer st.Close()

	dbKey := key.FromPairs("class", "od", "type", "fc")
	archiveOne(t, ctx, e, st, dbKey, key.FromPairs("step", "0"),
		key.FromPairs("class", "od", "type", "fc", "step", "0", "param", "2t"), []byte("aaaa"))

	req := key.NewRequest()
	req.Insert("class", "od")
	req.Insert("type", "fc")
	req.Insert("step", "0")
	req.Insert("param", "2t")

	result, err := Wipe(ctx, e, st, dbKey, req, false, false)
	require.NoError(t, err)
	assert.NotEmpty(t, result.DeletedURIs, "dry run still reports what it would delete")

	uris, err := st.StoreUnitURIs(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, uris, "dry run must not remove any store unit")
}

func TestWalkPurgeFindsShadowedDuplicates(t *testing.T) {
	ctx := context.Background()
	e, st, _ := testSetup(t)
	defer e.Close()
	defer st.Close()

	dbKey := key.FromPairs("class", "od", "type", "fc")
	datumKey := key.FromPairs("class", "od", "type", "fc", "param", "2t")
	archiveOne(t, ctx, e, st, dbKey, key.FromPairs("step", "0"), datumKey, []byte("old!"))
	archiveOne(t, ctx, e, st, dbKey, key.FromPairs("step", "6"), datumKey, []byte("new!"))

	req := key.NewRequest()
	req.Insert("class", "od")
	req.Insert("type", "fc")

	p := NewPurge()
	require.NoError(t, Walk(e, req, catalogue.ControlList, p))

	dups := p.Duplicates()
	require.Len(t, dups, 1)
	assert.Equal(t, datumKey.Canonical(), dups[0].Key.Canonical())
}
