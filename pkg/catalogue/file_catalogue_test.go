package catalogue

import (
	"path/filepath"
	"testing"

	"github.com/arkfield/fdb/pkg/key"
	"github.com/arkfield/fdb/pkg/location"
	"github.com/arkfield/fdb/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSchema() *schema.RuleSchema {
	return schema.New([]string{"class", "type"}, []string{"step"}, []string{"param"})
}

func TestFileCatalogueArchiveFlushRetrieveRoundTrip(t *testing.T) {
	root := filepath.Join(t.TempDir(), "db1")
	dbKey := key.FromPairs("class", "od", "type", "fc")

	c, err := CreateWriterCatalogue(root, dbKey, testSchema(), "schemahash", "uid-1")
	require.NoError(t, err)
	defer c.Close()

	indexKey := key.FromPairs("step", "0")
	require.NoError(t, c.SelectIndex(indexKey))

	datumKey := key.FromPairs("class", "od", "type", "fc", "step", "0", "param", "2t")
	loc := location.NewFile(filepath.Join(root, "data"), 0, 4)
	require.NoError(t, c.Archive(datumKey, loc))
	require.NoError(t, c.Flush(1))

	got, ok, err := c.Retrieve(datumKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, loc.URI(), got.URI())
}

func TestFileCatalogueFlushRejectsCountMismatch(t *testing.T) {
	root := filepath.Join(t.TempDir(), "db1")
	c, err := CreateWriterCatalogue(root, key.FromPairs("class", "od", "type", "fc"), testSchema(), "h", "u")
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.SelectIndex(key.FromPairs("step", "0")))
	require.NoError(t, c.Archive(key.FromPairs("param", "2t"), location.NewFile("x", 0, 1)))

	err = c.Flush(2)
	assert.Error(t, err)
}

func TestFileCatalogueArchiveWithoutSelectIndexIsUsageError(t *testing.T) {
	root := filepath.Join(t.TempDir(), "db1")
	c, err := CreateWriterCatalogue(root, key.FromPairs("class", "od", "type", "fc"), testSchema(), "h", "u")
	require.NoError(t, err)
	defer c.Close()

	err = c.Archive(key.FromPairs("param", "2t"), location.NewFile("x", 0, 1))
	assert.Error(t, err)
}

func TestFileCatalogueControlPersistsAcrossReopen(t *testing.T) {
	root := filepath.Join(t.TempDir(), "db1")
	c, err := CreateWriterCatalogue(root, key.FromPairs("class", "od", "type", "fc"), testSchema(), "h", "u")
	require.NoError(t, err)

	require.NoError(t, c.Control(Disable, ControlRetrieve))
	assert.False(t, c.Enabled(ControlRetrieve))
	require.NoError(t, c.Close())

	reopened, err := OpenWriterCatalogue(root, testSchema())
	require.NoError(t, err)
	defer reopened.Close()
	assert.False(t, reopened.Enabled(ControlRetrieve))
	assert.True(t, reopened.Enabled(ControlArchive))
}

func TestFileCatalogueOverlayMountAndUnmount(t *testing.T) {
	base := filepath.Join(t.TempDir(), "base")
	mounted := filepath.Join(t.TempDir(), "mounted")

	baseCat, err := CreateWriterCatalogue(base, key.FromPairs("class", "od", "type", "fc"), testSchema(), "h", "u")
	require.NoError(t, err)
	defer baseCat.Close()

	mountedCat, err := CreateWriterCatalogue(mounted, key.FromPairs("class", "od", "type", "fc"), testSchema(), "h", "u2")
	require.NoError(t, err)
	defer mountedCat.Close()

	require.NoError(t, mountedCat.SelectIndex(key.FromPairs("step", "0")))
	require.NoError(t, mountedCat.Archive(key.FromPairs("param", "2t"), location.NewFile("x", 0, 1)))
	require.NoError(t, mountedCat.Flush(1))

	require.NoError(t, baseCat.OverlayDB(mountedCat, nil, false))
	require.NoError(t, baseCat.OverlayDB(mountedCat, nil, true))
}

func TestFileCatalogueSecondWriterIsRejected(t *testing.T) {
	root := filepath.Join(t.TempDir(), "db1")
	c, err := CreateWriterCatalogue(root, key.FromPairs("class", "od", "type", "fc"), testSchema(), "h", "u")
	require.NoError(t, err)
	defer c.Close()

	_, err = OpenWriterCatalogue(root, testSchema())
	assert.Error(t, err)
}

func TestFileCatalogueCloseIsIdempotent(t *testing.T) {
	root := filepath.Join(t.TempDir(), "db1")
	c, err := CreateWriterCatalogue(root, key.FromPairs("class", "od", "type", "fc"), testSchema(), "h", "u")
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
}
