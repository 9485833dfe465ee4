package location

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileLocationRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "unit.data")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0o644))

	loc := NewFile(path, 2, 5)

	h, err := loc.DataHandle(context.Background())
	require.NoError(t, err)
	defer h.Close()

	data, err := io.ReadAll(h)
	require.NoError(t, err)
	assert.Equal(t, "23456", string(data))
}

func TestFileLocationTruncatedIsCorruption(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "unit.data")
	require.NoError(t, os.WriteFile(path, []byte("short"), 0o644))

	loc := NewFile(path, 0, 100)
	_, err := loc.DataHandle(context.Background())
	require.Error(t, err)
}

func TestEncodeDecodeEveryVariant(t *testing.T) {
	variants := []FieldLocation{
		NewFile("/data/a.grib", 0, 4),
		&DaosLocation{Common: Common{Uri: "daos://pool/cont", Offset: 8, Len: 16}, ArrayOID: "oid-1"},
		&FamLocation{Common: Common{Uri: "fam://pool", Offset: 0, Len: 4}, PoolID: "pool-1"},
		&S3Location{Common: Common{Uri: "s3://bucket/key", Offset: 0, Len: 4}, Bucket: "bucket", Key: "key"},
		&RadosLocation{Common: Common{Uri: "rados://pool/obj", Offset: 0, Len: 4}, Pool: "pool"},
	}

	for _, v := range variants {
		var buf bytes.Buffer
		require.NoError(t, Encode(&buf, v))

		decoded, err := Decode(&buf)
		require.NoError(t, err)
		assert.Equal(t, v.TypeTag(), decoded.TypeTag())
		assert.Equal(t, v.URI(), decoded.URI())
		assert.Equal(t, v.Length(), decoded.Length())
	}
}

func TestDecodeUnknownTypeTag(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeString(&buf, "quantum-foam"))
	_, err := Decode(&buf)
	require.Error(t, err)
}

func TestRemoteLocationResolvesOnce(t *testing.T) {
	calls := 0
	inner := NewFile("/data/a.grib", 0, 4)
	remote := NewRemote("server:7654", inner, func(ctx context.Context, endpoint string, in FieldLocation) (FieldLocation, error) {
		calls++
		return in, nil
	})

	_, err := remote.StableLocation(context.Background())
	require.NoError(t, err)
	_, err = remote.StableLocation(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, calls, "the second StableLocation call reuses the resolved location")
}

func TestRemoteLocationEncodeDecode(t *testing.T) {
	inner := NewFile("/data/a.grib", 1, 2)
	remote := NewRemote("server:7654", inner, nil)

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, remote))

	decoded, err := Decode(&buf)
	require.NoError(t, err)
	rl, ok := decoded.(*RemoteLocation)
	require.True(t, ok)
	assert.Equal(t, "server:7654", rl.Endpoint)
	assert.Equal(t, inner.URI(), rl.URI())
}
