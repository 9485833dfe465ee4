package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/arkfield/fdb/pkg/fdberr"
	"github.com/arkfield/fdb/pkg/key"
	"github.com/arkfield/fdb/pkg/location"
	"github.com/arkfield/fdb/pkg/store"
	"github.com/arkfield/fdb/pkg/wire"
)

// RemoteStore forwards the store.Store contract across a Connection to
// the server holding the bulk bytes for one DB.
type RemoteStore struct {
	conn        *Connection
	clientID    uint32
	uriPrefix   string
	limiter     *ReadLimiter
	outstanding sync.WaitGroup

	// archiveSlots bounds how many archive futures may be in flight at
	// once; Archive blocks when the pipeline is full, which is the
	// client-side backpressure point.
	archiveSlots chan struct{}
}

// OpenStore binds a new logical client on conn to the Store rooted at
// uri. limiter may be nil, in which case Retrieve reserves no budget.
func OpenStore(ctx context.Context, conn *Connection, uri string, limiter *ReadLimiter) (*RemoteStore, error) {
	rs := &RemoteStore{
		conn:         conn,
		clientID:     conn.NextLogicalClient(),
		uriPrefix:    uri,
		limiter:      limiter,
		archiveSlots: make(chan struct{}, archiveQueueLength()),
	}

	var buf bytes.Buffer
	if err := wire.WriteString(&buf, uri); err != nil {
		return nil, err
	}
	payload := wire.EncodeCtl(wire.CtlBindStore, buf.Bytes())
	if _, err := conn.call(ctx, rs.clientID, wire.KindControl, payload); err != nil {
		return nil, err
	}
	return rs, nil
}

func (rs *RemoteStore) Archive(ctx context.Context, indexKey *key.Key, data []byte) <-chan store.ArchiveResult {
	out := make(chan store.ArchiveResult, 1)

	select {
	case rs.archiveSlots <- struct{}{}:
	case <-ctx.Done():
		out <- store.ArchiveResult{Err: fdberr.New(fdberr.Transport, "client.RemoteStore.Archive", ctx.Err())}
		close(out)
		return out
	}
	release := func() { <-rs.archiveSlots }

	var buf bytes.Buffer
	if err := indexKey.Encode(&buf); err != nil {
		release()
		out <- store.ArchiveResult{Err: err}
		close(out)
		return out
	}
	if err := wire.WriteUint32(&buf, uint32(len(data))); err != nil {
		release()
		out <- store.ArchiveResult{Err: err}
		close(out)
		return out
	}
	buf.Write(data)

	id, ch := rs.conn.newRequest(1)
	h := wire.Header{Version: rs.conn.wireVersion(), Kind: wire.KindStore, ClientID: wire.EncodeClientID(rs.clientID, false), RequestID: id}
	rs.outstanding.Add(1)
	if err := rs.conn.writeData(h, buf.Bytes()); err != nil {
		rs.conn.forget(id)
		rs.outstanding.Done()
		release()
		out <- store.ArchiveResult{Err: err}
		close(out)
		return out
	}

	go func() {
		defer rs.outstanding.Done()
		defer close(out)
		defer release()
		select {
		case f, ok := <-ch:
			if !ok {
				out <- store.ArchiveResult{Err: fdberr.New(fdberr.Transport, "client.RemoteStore.Archive", rs.conn.Err())}
				return
			}
			if f.Header.Kind == wire.KindError {
				ep, _ := wire.DecodeErrorPayload(f.Payload)
				out <- store.ArchiveResult{Err: fdberr.Newf(fdberr.Kind(ep.Kind), "client.RemoteStore.Archive", "%s", ep.Message)}
				return
			}
			loc, err := location.Decode(bytes.NewReader(f.Payload))
			out <- store.ArchiveResult{Location: loc, Err: err}
		case <-ctx.Done():
			rs.conn.forget(id)
			out <- store.ArchiveResult{Err: fdberr.New(fdberr.Transport, "client.RemoteStore.Archive", ctx.Err())}
		}
	}()
	return out
}

// Flush waits for every outstanding Archive future this client has
// issued to resolve, then asks the server to make them durable — a
// barrier in both directions.
func (rs *RemoteStore) Flush(ctx context.Context) error {
	waited := make(chan struct{})
	go func() { rs.outstanding.Wait(); close(waited) }()
	select {
	case <-waited:
	case <-ctx.Done():
		return fdberr.New(fdberr.Transport, "client.RemoteStore.Flush", ctx.Err())
	}
	_, err := rs.conn.call(ctx, rs.clientID, wire.KindFlush, nil)
	return err
}

func (rs *RemoteStore) Retrieve(ctx context.Context, loc location.FieldLocation) (io.ReadCloser, error) {
	if rs.limiter != nil {
		if err := rs.limiter.Reserve(ctx, int64(loc.Length())); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	if err := location.Encode(&buf, loc); err != nil {
		if rs.limiter != nil {
			rs.limiter.Release(int64(loc.Length()))
		}
		return nil, err
	}
	id, ch, err := rs.conn.stream(rs.clientID, wire.KindRead, buf.Bytes(), retrieveQueueLength())
	if err != nil {
		if rs.limiter != nil {
			rs.limiter.Release(int64(loc.Length()))
		}
		return nil, err
	}

	return &streamReader{conn: rs.conn, requestID: id, frames: ch, limiter: rs.limiter, size: int64(loc.Length())}, nil
}

func (rs *RemoteStore) URIBelongs(uri string) bool {
	return len(uri) >= len(rs.uriPrefix) && uri[:len(rs.uriPrefix)] == rs.uriPrefix
}

func (rs *RemoteStore) StoreUnitURIs(ctx context.Context) ([]string, error) {
	resp, err := rs.conn.call(ctx, rs.clientID, wire.KindStores, nil)
	if err != nil {
		return nil, err
	}
	var uris []string
	if err := json.Unmarshal(resp.Payload, &uris); err != nil {
		return nil, fdberr.New(fdberr.Corruption, "client.RemoteStore.StoreUnitURIs", err)
	}
	return uris, nil
}

func (rs *RemoteStore) Remove(ctx context.Context, uri string, doit bool) error {
	var buf bytes.Buffer
	if err := wire.WriteString(&buf, uri); err != nil {
		return err
	}
	if err := wire.WriteBool(&buf, doit); err != nil {
		return err
	}
	_, err := rs.conn.call(ctx, rs.clientID, wire.KindWipe, buf.Bytes())
	return err
}

func (rs *RemoteStore) Close() error {
	_, err := rs.conn.call(context.Background(), rs.clientID, wire.KindExit, nil)
	return err
}

// streamReader adapts a sequence of Blob frames, terminated by Complete
// or Error, into an io.ReadCloser, releasing its read-limiter budget
// exactly once on Close. Read blocks while the receive queue is empty.
type streamReader struct {
	conn      *Connection
	requestID uint32
	frames    <-chan wire.Frame
	buf       []byte
	err       error
	done      bool

	limiter *ReadLimiter
	size    int64
	once    sync.Once
}

func (s *streamReader) Read(p []byte) (int, error) {
	for len(s.buf) == 0 && !s.done {
		f, ok := <-s.frames
		if !ok {
			s.done = true
			if s.err == nil {
				s.err = fdberr.New(fdberr.Transport, "client.streamReader.Read", s.conn.Err())
			}
			break
		}
		switch f.Header.Kind {
		case wire.KindBlob:
			s.buf = f.Payload
		case wire.KindComplete:
			s.done = true
		case wire.KindError:
			ep, _ := wire.DecodeErrorPayload(f.Payload)
			s.err = fdberr.Newf(fdberr.Kind(ep.Kind), "client.streamReader.Read", "%s", ep.Message)
			s.done = true
		}
	}
	if len(s.buf) == 0 {
		if s.err != nil {
			return 0, s.err
		}
		return 0, io.EOF
	}
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

func (s *streamReader) Close() error {
	s.once.Do(func() {
		if !s.done {
			s.conn.drain(s.frames)
		}
		if s.limiter != nil {
			s.limiter.Release(s.size)
		}
	})
	return nil
}
