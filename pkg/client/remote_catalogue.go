package client

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/arkfield/fdb/pkg/catalogue"
	"github.com/arkfield/fdb/pkg/fdberr"
	"github.com/arkfield/fdb/pkg/index"
	"github.com/arkfield/fdb/pkg/key"
	"github.com/arkfield/fdb/pkg/location"
	"github.com/arkfield/fdb/pkg/schema"
	"github.com/arkfield/fdb/pkg/wire"
)

// RemoteCatalogue forwards the catalogue.Catalogue contract across a
// Connection to the fdb server that actually owns dbKey's TOC and
// Indexes.
type RemoteCatalogue struct {
	conn     *Connection
	clientID uint32
	dbKey    *key.Key
	writer   bool

	mu          sync.Mutex
	currentKey  *key.Key
	archived    int
	closed      bool

	schOnce sync.Once
	sch     schema.Schema
	schErr  error
}

// Open binds a new logical client on conn to dbKey, asking the server
// to open it for writing (writer=true) or as a read snapshot.
func Open(ctx context.Context, conn *Connection, dbKey *key.Key, writer bool) (*RemoteCatalogue, error) {
	rc := &RemoteCatalogue{conn: conn, clientID: conn.NextLogicalClient(), dbKey: dbKey, writer: writer}

	var buf bytes.Buffer
	if err := wire.WriteBool(&buf, writer); err != nil {
		return nil, err
	}
	if err := dbKey.Encode(&buf); err != nil {
		return nil, err
	}
	payload := wire.EncodeCtl(wire.CtlBindCatalogue, buf.Bytes())
	if _, err := conn.call(ctx, rc.clientID, wire.KindControl, payload); err != nil {
		return nil, err
	}
	return rc, nil
}

func (rc *RemoteCatalogue) DBKey() *key.Key { return rc.dbKey }

func (rc *RemoteCatalogue) SelectIndex(indexKey *key.Key) error {
	rc.mu.Lock()
	if rc.currentKey != nil && rc.currentKey.Canonical() == indexKey.Canonical() {
		rc.mu.Unlock()
		return nil
	}
	rc.mu.Unlock()

	var buf bytes.Buffer
	if err := indexKey.Encode(&buf); err != nil {
		return err
	}
	payload := wire.EncodeCtl(wire.CtlSelectIndex, buf.Bytes())
	ctx := context.Background()
	if _, err := rc.conn.call(ctx, rc.clientID, wire.KindControl, payload); err != nil {
		return err
	}

	rc.mu.Lock()
	rc.currentKey = indexKey
	rc.mu.Unlock()
	return nil
}

func (rc *RemoteCatalogue) DeselectIndex() {
	payload := wire.EncodeCtl(wire.CtlDeselectIndex, nil)
	_, _ = rc.conn.call(context.Background(), rc.clientID, wire.KindControl, payload)
	rc.mu.Lock()
	rc.currentKey = nil
	rc.mu.Unlock()
}

// Archive sends (datumKey, loc) on the data connection without waiting
// for a reply; the server acknowledges ingestion in bulk when Flush is
// called with the matching count.
func (rc *RemoteCatalogue) Archive(datumKey *key.Key, loc location.FieldLocation) error {
	var buf bytes.Buffer
	if err := datumKey.Encode(&buf); err != nil {
		return err
	}
	if err := location.Encode(&buf, loc); err != nil {
		return err
	}
	h := wire.Header{Version: rc.conn.wireVersion(), Kind: wire.KindArchive, ClientID: wire.EncodeClientID(rc.clientID, false)}
	if err := rc.conn.writeData(h, buf.Bytes()); err != nil {
		return err
	}
	rc.mu.Lock()
	rc.archived++
	rc.mu.Unlock()
	return nil
}

func (rc *RemoteCatalogue) Retrieve(datumKey *key.Key) (location.FieldLocation, bool, error) {
	var buf bytes.Buffer
	if err := datumKey.Encode(&buf); err != nil {
		return nil, false, err
	}
	resp, err := rc.conn.call(context.Background(), rc.clientID, wire.KindRetrieve, buf.Bytes())
	if err != nil {
		return nil, false, err
	}
	r := bytes.NewReader(resp.Payload)
	found, err := wire.ReadBool(r)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	loc, err := location.Decode(r)
	if err != nil {
		return nil, false, err
	}
	return loc, true, nil
}

func (rc *RemoteCatalogue) Flush(expectedArchivedCount int) error {
	rc.mu.Lock()
	if expectedArchivedCount != rc.archived {
		count := rc.archived
		rc.mu.Unlock()
		return fdberr.Newf(fdberr.Consistency, "client.RemoteCatalogue.Flush",
			"expected %d archives, observed %d locally", expectedArchivedCount, count)
	}
	rc.mu.Unlock()

	var buf bytes.Buffer
	if err := wire.WriteUint32(&buf, uint32(expectedArchivedCount)); err != nil {
		return err
	}
	if _, err := rc.conn.call(context.Background(), rc.clientID, wire.KindFlush, buf.Bytes()); err != nil {
		return err
	}
	rc.mu.Lock()
	rc.archived = 0
	rc.mu.Unlock()
	return nil
}

type wireIndexSummary struct {
	Pairs     [][2]string
	Axes      map[string][]string
	Timestamp int64
}

func (rc *RemoteCatalogue) Indexes(sorted bool) ([]catalogue.IndexEntry, error) {
	resp, err := rc.conn.call(context.Background(), rc.clientID, wire.KindAxes, nil)
	if err != nil {
		return nil, err
	}
	var summaries []wireIndexSummary
	if err := json.Unmarshal(resp.Payload, &summaries); err != nil {
		return nil, fdberr.New(fdberr.Corruption, "client.RemoteCatalogue.Indexes", err)
	}

	out := make([]catalogue.IndexEntry, 0, len(summaries))
	for _, s := range summaries {
		k := key.New()
		for _, p := range s.Pairs {
			k.Insert(p[0], p[1])
		}
		out = append(out, catalogue.IndexEntry{
			Key: k,
			Index: &remoteIndex{
				cat:       rc,
				indexKey:  k,
				axes:      s.Axes,
				timestamp: time.Unix(s.Timestamp, 0).UTC(),
			},
		})
	}
	if sorted {
		sort.Slice(out, func(i, j int) bool { return out[i].Key.Canonical() < out[j].Key.Canonical() })
	}
	return out, nil
}

func (rc *RemoteCatalogue) Schema() schema.Schema {
	rc.schOnce.Do(func() {
		resp, err := rc.conn.call(context.Background(), rc.clientID, wire.KindSchema, nil)
		if err != nil {
			rc.schErr = err
			return
		}
		rc.sch, rc.schErr = schema.Load(resp.Payload)
	})
	if rc.schErr != nil {
		return nil
	}
	return rc.sch
}

func (rc *RemoteCatalogue) Control(action catalogue.ControlAction, ids catalogue.ControlIdentifier) error {
	var buf bytes.Buffer
	if err := wire.WriteUint32(&buf, uint32(action)); err != nil {
		return err
	}
	if err := wire.WriteUint32(&buf, uint32(ids)); err != nil {
		return err
	}
	payload := wire.EncodeCtl(wire.CtlSetControlBits, buf.Bytes())
	_, err := rc.conn.call(context.Background(), rc.clientID, wire.KindControl, payload)
	return err
}

func (rc *RemoteCatalogue) Enabled(id catalogue.ControlIdentifier) bool {
	resp, err := rc.conn.call(context.Background(), rc.clientID, wire.KindExists, nil)
	if err != nil {
		return false
	}
	r := bytes.NewReader(resp.Payload)
	var bits uint32
	if bits, err = wire.ReadUint32(r); err != nil {
		return false
	}
	return catalogue.ControlIdentifier(bits)&id != 0
}

func (rc *RemoteCatalogue) Mask(indexKey *key.Key) error {
	var buf bytes.Buffer
	if err := indexKey.Encode(&buf); err != nil {
		return err
	}
	payload := wire.EncodeCtl(wire.CtlMask, buf.Bytes())
	_, err := rc.conn.call(context.Background(), rc.clientID, wire.KindControl, payload)
	return err
}

func (rc *RemoteCatalogue) Close() error {
	rc.mu.Lock()
	if rc.closed {
		rc.mu.Unlock()
		return nil
	}
	rc.closed = true
	rc.mu.Unlock()
	_, err := rc.conn.call(context.Background(), rc.clientID, wire.KindExit, nil)
	return err
}

// remoteIndex is the lazy index.Index handed back by
// RemoteCatalogue.Indexes: axes and timestamp were fetched eagerly
// (they're small), but Visit streams entries from the server on demand.
type remoteIndex struct {
	cat       *RemoteCatalogue
	indexKey  *key.Key
	axes      map[string][]string
	timestamp time.Time
}

func (ri *remoteIndex) Put(*key.Key, location.FieldLocation) error {
	return fdberr.New(fdberr.UsageError, "client.remoteIndex.Put", nil)
}

func (ri *remoteIndex) Get(datumKey *key.Key) (location.FieldLocation, bool, error) {
	return ri.cat.Retrieve(datumKey)
}

func (ri *remoteIndex) MayContain(req *key.Request) bool {
	for _, name := range req.Names() {
		values, ok := ri.axes[name]
		if !ok {
			continue
		}
		accepted := req.Values(name)
		if len(accepted) == 0 {
			continue
		}
		found := false
		for _, v := range values {
			for _, want := range accepted {
				if v == want {
					found = true
				}
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (ri *remoteIndex) Axes(keyword string) []string { return ri.axes[keyword] }

func (ri *remoteIndex) Keywords() []string {
	out := make([]string, 0, len(ri.axes))
	for k := range ri.axes {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (ri *remoteIndex) Timestamp() time.Time { return ri.timestamp }

// Visit streams every (datumKey, location) entry of this Index from the
// server via a List request scoped to indexKey.
func (ri *remoteIndex) Visit(fn func(datumKey *key.Key, loc location.FieldLocation) error) error {
	req := ri.indexKey.Request()
	var buf bytes.Buffer
	if err := req.Encode(&buf); err != nil {
		return err
	}
	if err := wire.WriteBool(&buf, false); err != nil {
		return err
	}
	_, ch, err := ri.cat.conn.stream(ri.cat.clientID, wire.KindList, buf.Bytes(), 64)
	if err != nil {
		return err
	}
	defer ri.cat.conn.drain(ch)

	for f := range ch {
		switch f.Header.Kind {
		case wire.KindReceived:
			continue
		case wire.KindMultiBlob:
			r := bytes.NewReader(f.Payload)
			var n uint32
			if n, err = wire.ReadUint32(r); err != nil {
				return err
			}
			for i := uint32(0); i < n; i++ {
				datumKey, err := key.Decode(r)
				if err != nil {
					return err
				}
				loc, err := location.Decode(r)
				if err != nil {
					return err
				}
				if err := fn(datumKey, loc); err != nil {
					return err
				}
			}
		case wire.KindComplete:
			return nil
		case wire.KindError:
			ep, _ := wire.DecodeErrorPayload(f.Payload)
			return fdberr.Newf(fdberr.Kind(ep.Kind), "client.remoteIndex.Visit", "%s", ep.Message)
		}
	}
	return nil
}

func (ri *remoteIndex) Flush() error { return nil }

func (ri *remoteIndex) Close() error { return nil }

var _ index.Index = (*remoteIndex)(nil)
