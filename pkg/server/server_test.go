package server_test

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/arkfield/fdb/pkg/client"
	"github.com/arkfield/fdb/pkg/config"
	"github.com/arkfield/fdb/pkg/engine"
	"github.com/arkfield/fdb/pkg/key"
	"github.com/arkfield/fdb/pkg/location"
	"github.com/arkfield/fdb/pkg/schema"
	"github.com/arkfield/fdb/pkg/server"
	"github.com/arkfield/fdb/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSchema() *schema.RuleSchema {
	return schema.New([]string{"class", "type"}, []string{"step"}, []string{"param"})
}

// startServer brings up a Server on an ephemeral control port over a
// fresh root and returns its control address.
func startServer(t *testing.T, dataPortStart int) (string, *config.Config) {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default()
	cfg.Roots = []string{root}
	cfg.ServerHost = "127.0.0.1"
	cfg.ServerPort = 0
	cfg.DataPortStart = dataPortStart
	cfg.DataPortCount = 16

	eng := engine.New(cfg, testSchema())
	srv, err := server.New(cfg, eng, nil)
	require.NoError(t, err)
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		srv.Close()
		<-done
		eng.Close()
	})
	return srv.Addr().String(), cfg
}

func TestPortListLeaseExhaustRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ports")
	pl, err := server.OpenPortList(path, 40000, 2)
	require.NoError(t, err)

	now := time.Now()
	p1, err := pl.Lease(now)
	require.NoError(t, err)
	p2, err := pl.Lease(now)
	require.NoError(t, err)
	assert.NotEqual(t, p1, p2)

	// Range exhausted: both ports held by this live process.
	_, err = pl.Lease(now)
	assert.Error(t, err)

	require.NoError(t, pl.Release(p1))
	p3, err := pl.Lease(now)
	require.NoError(t, err)
	assert.Equal(t, p1, p3)
}

func TestRemoteArchiveFlushRetrieve(t *testing.T) {
	addr, cfg := startServer(t, 39750)

	ctx := context.Background()
	conn, err := client.Dial(ctx, addr, client.DialOptions{})
	require.NoError(t, err)
	defer conn.Close()

	storeRoot := filepath.Join(cfg.Roots[0], "bulk")
	rs, err := client.OpenStore(ctx, conn, storeRoot, nil)
	require.NoError(t, err)

	dbKey := key.FromPairs("class", "od", "type", "fc")
	rc, err := client.Open(ctx, conn, dbKey, true)
	require.NoError(t, err)

	indexKey := key.FromPairs("step", "0")
	require.NoError(t, rc.SelectIndex(indexKey))

	const n = 100
	payloads := make([][]byte, n)
	datumKeys := make([]*key.Key, n)
	for i := 0; i < n; i++ {
		data := make([]byte, 1024)
		for j := range data {
			data[j] = byte(i)
		}
		payloads[i] = data
		datumKeys[i] = key.FromPairs("param", fmt.Sprintf("p%d", i))

		res := <-rs.Archive(ctx, indexKey, data)
		require.NoError(t, res.Err)
		require.NotNil(t, res.Location)
		require.NoError(t, rc.Archive(datumKeys[i], res.Location))
	}

	require.NoError(t, rs.Flush(ctx))
	require.NoError(t, rc.Flush(n))

	for i := 0; i < n; i++ {
		loc, found, err := rc.Retrieve(datumKeys[i])
		require.NoError(t, err)
		require.True(t, found, "datum %d", i)
		assert.Equal(t, uint64(1024), loc.Length())

		rd, err := rs.Retrieve(ctx, loc)
		require.NoError(t, err)
		got, err := io.ReadAll(rd)
		require.NoError(t, err)
		require.NoError(t, rd.Close())
		assert.Equal(t, payloads[i], got, "datum %d", i)
	}

	// The control connection survives the whole exchange.
	_, found, err := rc.Retrieve(key.FromPairs("param", "absent"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRemoteListStreamsArchivedEntries(t *testing.T) {
	addr, cfg := startServer(t, 39800)

	ctx := context.Background()
	conn, err := client.Dial(ctx, addr, client.DialOptions{})
	require.NoError(t, err)
	defer conn.Close()

	rs, err := client.OpenStore(ctx, conn, filepath.Join(cfg.Roots[0], "bulk"), nil)
	require.NoError(t, err)

	dbKey := key.FromPairs("class", "od", "type", "fc")
	rc, err := client.Open(ctx, conn, dbKey, true)
	require.NoError(t, err)

	indexKey := key.FromPairs("step", "0")
	require.NoError(t, rc.SelectIndex(indexKey))

	for i := 0; i < 6; i++ {
		res := <-rs.Archive(ctx, indexKey, []byte{byte(i)})
		require.NoError(t, res.Err)
		require.NoError(t, rc.Archive(key.FromPairs("param", fmt.Sprintf("p%d", i)), res.Location))
	}
	require.NoError(t, rs.Flush(ctx))
	require.NoError(t, rc.Flush(6))

	entries, err := rc.Indexes(true)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	seen := 0
	err = entries[0].Index.Visit(func(datumKey *key.Key, loc location.FieldLocation) error {
		seen++
		assert.Equal(t, uint64(1), loc.Length())
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 6, seen)
}

func TestSessionMismatchRejectsDataSocket(t *testing.T) {
	addr, _ := startServer(t, 39850)

	cc, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer cc.Close()

	cs, err := wire.NewSessionID()
	require.NoError(t, err)

	startup := wire.ControlStartup{
		ClientSession:   cs,
		Endpoint:        cc.LocalAddr().String(),
		ProtocolVersion: wire.CurrentVersion,
	}
	payload, err := startup.Encode()
	require.NoError(t, err)
	require.NoError(t, wire.WriteFrame(cc, wire.Header{
		Version:  wire.CurrentVersion,
		Kind:     wire.KindStartup,
		ClientID: wire.EncodeClientID(0, true),
	}, payload))

	cr := bufio.NewReader(cc)
	resp, err := wire.ReadFrame(cr)
	require.NoError(t, err)
	require.Equal(t, wire.KindStartup, resp.Header.Kind)
	reply, err := wire.DecodeControlStartup(resp.Payload)
	require.NoError(t, err)
	require.True(t, reply.ClientSession.Equal(cs))

	dc, err := net.Dial("tcp", reply.Endpoint)
	require.NoError(t, err)
	defer dc.Close()

	wrongServer, err := wire.NewSessionID()
	require.NoError(t, err)
	ds := wire.DataStartup{ClientSession: cs, ServerSession: wrongServer}
	dpayload, err := ds.Encode()
	require.NoError(t, err)
	require.NoError(t, wire.WriteFrame(dc, wire.Header{
		Version:  wire.CurrentVersion,
		Kind:     wire.KindStartup,
		ClientID: wire.EncodeClientID(0, false),
	}, dpayload))

	// The server closes the data socket without admitting it.
	dc.SetReadDeadline(time.Now().Add(5 * time.Second))
	dr := bufio.NewReader(dc)
	_, err = wire.ReadFrame(dr)
	assert.Error(t, err)

	// And the control socket carries the consistency error.
	cc.SetReadDeadline(time.Now().Add(5 * time.Second))
	f, err := wire.ReadFrame(cr)
	require.NoError(t, err)
	require.Equal(t, wire.KindError, f.Header.Kind)
	ep, err := wire.DecodeErrorPayload(f.Payload)
	require.NoError(t, err)
	assert.Equal(t, "consistency", ep.Kind)
}

func TestSingleChannelNegotiation(t *testing.T) {
	addr, cfg := startServer(t, 39900)

	ctx := context.Background()
	conn, err := client.Dial(ctx, addr, client.DialOptions{Single: true})
	require.NoError(t, err)
	defer conn.Close()

	rs, err := client.OpenStore(ctx, conn, filepath.Join(cfg.Roots[0], "bulk"), nil)
	require.NoError(t, err)

	indexKey := key.FromPairs("step", "0")
	res := <-rs.Archive(ctx, indexKey, []byte{1, 2, 3})
	require.NoError(t, res.Err)
	require.NoError(t, rs.Flush(ctx))

	rd, err := rs.Retrieve(ctx, res.Location)
	require.NoError(t, err)
	got, err := io.ReadAll(rd)
	require.NoError(t, err)
	require.NoError(t, rd.Close())
	assert.Equal(t, []byte{1, 2, 3}, got)
}
