package index

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/arkfield/fdb/pkg/fdberr"
	"github.com/arkfield/fdb/pkg/key"
	"github.com/arkfield/fdb/pkg/location"
	"github.com/google/btree"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketEntries = []byte("entries")
	bucketAxes    = []byte("axes")
	bucketMeta    = []byte("meta")
)

var metaTimestampKey = []byte("timestamp")

// axisValue is the btree.Item stored per observed (keyword, value) pair,
// ordered so Axes() returns values in sorted order without a separate
// sort pass and so a future range-bounded MayContain can binary-search
// the set instead of scanning it.
type axisValue string

func (a axisValue) Less(than btree.Item) bool { return a < than.(axisValue) }

// BoltIndex is the bbolt-backed Index implementation, laid out with the
// same bucket-per-entity convention the rest of the codebase uses for
// its local stores: one bucket for the datum-key -> location entries,
// one for the per-keyword axis sets, one for small scalar metadata.
type BoltIndex struct {
	db   *bolt.DB
	path string

	mu        sync.RWMutex
	axes      map[string]*btree.BTree
	timestamp time.Time
}

// OpenBoltIndex opens (creating if necessary) a BoltIndex at path and
// rebuilds its in-memory axes cache from the persisted axes bucket.
func OpenBoltIndex(path string) (*BoltIndex, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fdberr.New(fdberr.Transport, "index.OpenBoltIndex", err).WithURI(path)
	}

	idx := &BoltIndex{db: db, path: path, axes: make(map[string]*btree.BTree)}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketEntries, bucketAxes, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fdberr.New(fdberr.Corruption, "index.OpenBoltIndex", err).WithURI(path)
	}

	if err := idx.loadAxes(); err != nil {
		db.Close()
		return nil, err
	}
	if err := idx.loadTimestamp(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func (idx *BoltIndex) loadAxes() error {
	return idx.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAxes)
		return b.ForEach(func(k, v []byte) error {
			keyword, value := splitAxisKey(k)
			idx.insertAxis(keyword, value)
			return nil
		})
	})
}

func (idx *BoltIndex) loadTimestamp() error {
	return idx.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		v := b.Get(metaTimestampKey)
		if v == nil || len(v) < 8 {
			idx.timestamp = time.Now()
			return nil
		}
		nanos := int64(binary.BigEndian.Uint64(v))
		idx.timestamp = time.Unix(0, nanos)
		return nil
	})
}

func (idx *BoltIndex) insertAxis(keyword, value string) {
	t, ok := idx.axes[keyword]
	if !ok {
		t = btree.New(32)
		idx.axes[keyword] = t
	}
	t.ReplaceOrInsert(axisValue(value))
}

func axisKey(keyword, value string) []byte {
	return []byte(keyword + "\x00" + value)
}

func splitAxisKey(k []byte) (keyword, value string) {
	parts := bytes.SplitN(k, []byte{0}, 2)
	if len(parts) != 2 {
		return "", ""
	}
	return string(parts[0]), string(parts[1])
}

// Put stores loc for datumKey and folds its values into the axes cache.
func (idx *BoltIndex) Put(datumKey *key.Key, loc location.FieldLocation) error {
	var entryKey bytes.Buffer
	if err := datumKey.Encode(&entryKey); err != nil {
		return fdberr.New(fdberr.Corruption, "index.BoltIndex.Put", err)
	}

	var entryVal bytes.Buffer
	if err := location.Encode(&entryVal, loc); err != nil {
		return fdberr.New(fdberr.Corruption, "index.BoltIndex.Put", err)
	}

	now := time.Now()

	idx.mu.Lock()
	defer idx.mu.Unlock()

	err := idx.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketEntries).Put(entryKey.Bytes(), entryVal.Bytes()); err != nil {
			return err
		}

		axesBucket := tx.Bucket(bucketAxes)
		for _, name := range datumKey.Names() {
			value, _ := datumKey.Get(name)
			if err := axesBucket.Put(axisKey(name, value), []byte{1}); err != nil {
				return err
			}
		}

		ts := make([]byte, 8)
		binary.BigEndian.PutUint64(ts, uint64(now.UnixNano()))
		return tx.Bucket(bucketMeta).Put(metaTimestampKey, ts)
	})
	if err != nil {
		return fdberr.New(fdberr.Transport, "index.BoltIndex.Put", err).WithURI(idx.path)
	}

	for _, name := range datumKey.Names() {
		value, _ := datumKey.Get(name)
		idx.insertAxis(name, value)
	}
	idx.timestamp = now
	return nil
}

// Get looks up the location for datumKey.
func (idx *BoltIndex) Get(datumKey *key.Key) (location.FieldLocation, bool, error) {
	var entryKey bytes.Buffer
	if err := datumKey.Encode(&entryKey); err != nil {
		return nil, false, fdberr.New(fdberr.Corruption, "index.BoltIndex.Get", err)
	}

	var found bool
	var raw []byte
	err := idx.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketEntries).Get(entryKey.Bytes())
		if v == nil {
			return nil
		}
		found = true
		raw = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, false, fdberr.New(fdberr.Transport, "index.BoltIndex.Get", err).WithURI(idx.path)
	}
	if !found {
		return nil, false, nil
	}

	loc, err := location.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, false, fdberr.New(fdberr.Corruption, "index.BoltIndex.Get", err).WithURI(idx.path)
	}
	return loc, true, nil
}

// MayContain reports whether every keyword req specifies has an
// observed axis value that req accepts. A keyword no entry has ever
// carried is undecided at this Index's level, not a mismatch — ruling
// it out here would be a false negative, which soundness forbids.
func (idx *BoltIndex) MayContain(req *key.Request) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	for _, name := range req.Names() {
		tree, ok := idx.axes[name]
		if !ok || tree.Len() == 0 {
			continue
		}
		accepted := req.Values(name)
		if len(accepted) == 0 {
			continue // empty accepted-set means "any value" per key.Request semantics
		}
		acceptedSet := make(map[string]struct{}, len(accepted))
		for _, v := range accepted {
			acceptedSet[v] = struct{}{}
		}
		matched := false
		tree.Ascend(func(item btree.Item) bool {
			if _, ok := acceptedSet[string(item.(axisValue))]; ok {
				matched = true
				return false
			}
			return true
		})
		if !matched {
			return false
		}
	}
	return true
}

func (idx *BoltIndex) Axes(keyword string) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	tree, ok := idx.axes[keyword]
	if !ok {
		return nil
	}
	out := make([]string, 0, tree.Len())
	tree.Ascend(func(item btree.Item) bool {
		out = append(out, string(item.(axisValue)))
		return true
	})
	return out
}

// Keywords returns the names of every axis this Index has observed, in
// sorted order.
func (idx *BoltIndex) Keywords() []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	out := make([]string, 0, len(idx.axes))
	for keyword := range idx.axes {
		out = append(out, keyword)
	}
	sort.Strings(out)
	return out
}

func (idx *BoltIndex) Timestamp() time.Time {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.timestamp
}

func (idx *BoltIndex) Visit(fn func(datumKey *key.Key, loc location.FieldLocation) error) error {
	return idx.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntries).ForEach(func(k, v []byte) error {
			datumKey, err := key.Decode(bytes.NewReader(k))
			if err != nil {
				return fmt.Errorf("index: decode datum key: %w", err)
			}
			loc, err := location.Decode(bytes.NewReader(v))
			if err != nil {
				return fmt.Errorf("index: decode location: %w", err)
			}
			return fn(datumKey, loc)
		})
	})
}

func (idx *BoltIndex) Flush() error {
	return idx.db.Sync()
}

func (idx *BoltIndex) Close() error {
	if err := idx.db.Close(); err != nil {
		return fdberr.New(fdberr.Transport, "index.BoltIndex.Close", err).WithURI(idx.path)
	}
	return nil
}
