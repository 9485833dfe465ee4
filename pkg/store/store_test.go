package store

import (
	"context"
	"io"
	"testing"

	"github.com/arkfield/fdb/pkg/fdberr"
	"github.com/arkfield/fdb/pkg/key"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreArchiveFlushRetrieve(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	indexKey := key.FromPairs("class", "od", "type", "fc", "step", "0")
	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}

	res := <-s.Archive(ctx, indexKey, payload)
	require.NoError(t, res.Err)
	require.NotNil(t, res.Location)
	assert.Equal(t, uint64(4), res.Location.Length())

	require.NoError(t, s.Flush(ctx))

	rc, err := s.Retrieve(ctx, res.Location)
	require.NoError(t, err)
	defer rc.Close()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestFileStoreMultipleArchivesSameUnitAreSequential(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	indexKey := key.FromPairs("class", "od", "type", "fc")

	first := <-s.Archive(ctx, indexKey, []byte("hello"))
	require.NoError(t, first.Err)
	second := <-s.Archive(ctx, indexKey, []byte("world"))
	require.NoError(t, second.Err)

	require.NoError(t, s.Flush(ctx))

	assert.Equal(t, first.Location.URI(), second.Location.URI(), "both archives land in the same Index-Key unit")

	rc1, err := s.Retrieve(ctx, first.Location)
	require.NoError(t, err)
	data1, _ := io.ReadAll(rc1)
	rc1.Close()
	assert.Equal(t, "hello", string(data1))

	rc2, err := s.Retrieve(ctx, second.Location)
	require.NoError(t, err)
	data2, _ := io.ReadAll(rc2)
	rc2.Close()
	assert.Equal(t, "world", string(data2))
}

func TestFileStoreURIBelongsAndStoreUnitURIs(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	indexKey := key.FromPairs("class", "od")
	res := <-s.Archive(ctx, indexKey, []byte("x"))
	require.NoError(t, res.Err)
	require.NoError(t, s.Flush(ctx))

	assert.True(t, s.URIBelongs(res.Location.URI()))
	assert.False(t, s.URIBelongs("/somewhere/else.data"))

	uris, err := s.StoreUnitURIs(ctx)
	require.NoError(t, err)
	require.Len(t, uris, 1)
}

func TestFileStoreRemoveDryRunDoesNotDelete(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	indexKey := key.FromPairs("class", "od")
	res := <-s.Archive(ctx, indexKey, []byte("x"))
	require.NoError(t, res.Err)
	require.NoError(t, s.Flush(ctx))

	require.NoError(t, s.Remove(ctx, res.Location.URI(), false))
	uris, err := s.StoreUnitURIs(ctx)
	require.NoError(t, err)
	assert.Len(t, uris, 1)

	require.NoError(t, s.Remove(ctx, res.Location.URI(), true))
	uris, err = s.StoreUnitURIs(ctx)
	require.NoError(t, err)
	assert.Len(t, uris, 0)
}

func TestFileStoreCloseIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}

func TestOpenDispatchesOnScheme(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()
	_, ok := s.(*FileStore)
	assert.True(t, ok)

	s3, err := Open("s3://bucket/prefix")
	require.NoError(t, err)
	defer s3.Close()

	_, archiveErr := readArchiveErr(s3)
	require.Error(t, archiveErr)
	assert.True(t, fdberr.Is(archiveErr, fdberr.Transport))
}

func TestOpenRejectsUnknownScheme(t *testing.T) {
	_, err := Open("quantum://foo")
	require.Error(t, err)
	assert.True(t, fdberr.Is(err, fdberr.UsageError))
}

func readArchiveErr(s Store) (any, error) {
	res := <-s.Archive(context.Background(), key.FromPairs("a", "b"), []byte("x"))
	return nil, res.Err
}
