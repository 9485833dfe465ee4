// Package key implements fdb's structured, ordered key: a sequence of
// unique (name, value) pairs whose insertion order is significant, plus
// the looser Request shape used to express partially-specified queries.
package key

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

// Key is an ordered sequence of (name, value) pairs with unique names.
// Two Keys are equal iff they have the same ordered name sequence and
// equal values for every name. Keys are passed around as *Key pointers;
// Clone returns an independent copy.
type Key struct {
	names  []string
	values []string
	index  map[string]int
}

// New returns an empty Key.
func New() *Key {
	return &Key{index: make(map[string]int)}
}

// FromPairs builds a Key from name/value pairs given in insertion order,
// e.g. FromPairs("class", "od", "type", "fc").
func FromPairs(pairs ...string) *Key {
	k := New()
	for i := 0; i+1 < len(pairs); i += 2 {
		k.Insert(pairs[i], pairs[i+1])
	}
	return k
}

// Insert adds or overwrites the value for name, preserving the original
// insertion position on overwrite.
func (k *Key) Insert(name, value string) {
	if idx, ok := k.index[name]; ok {
		k.values[idx] = value
		return
	}
	k.index[name] = len(k.names)
	k.names = append(k.names, name)
	k.values = append(k.values, value)
}

// Get returns the value for name and whether it was present.
func (k *Key) Get(name string) (string, bool) {
	idx, ok := k.index[name]
	if !ok {
		return "", false
	}
	return k.values[idx], true
}

// Unset removes name from the key, if present.
func (k *Key) Unset(name string) {
	idx, ok := k.index[name]
	if !ok {
		return
	}
	k.names = append(k.names[:idx], k.names[idx+1:]...)
	k.values = append(k.values[:idx], k.values[idx+1:]...)
	delete(k.index, name)
	for n, i := range k.index {
		if i > idx {
			k.index[n] = i - 1
		}
	}
}

// Names returns the ordered list of names present in the key.
func (k *Key) Names() []string {
	out := make([]string, len(k.names))
	copy(out, k.names)
	return out
}

// Len returns the number of names in the key.
func (k *Key) Len() int { return len(k.names) }

// ValuesToString returns the comma-joined values in insertion order,
// without braces: "v1,v2,...". Canonical wraps the same text in braces.
func (k *Key) ValuesToString() string {
	return strings.Join(k.values, ",")
}

// Canonical returns the "{v1,v2,...}" braced canonical string form.
func (k *Key) Canonical() string {
	return "{" + k.ValuesToString() + "}"
}

// Clone returns a deep copy of k.
func (k *Key) Clone() *Key {
	c := &Key{
		names:  append([]string(nil), k.names...),
		values: append([]string(nil), k.values...),
		index:  make(map[string]int, len(k.index)),
	}
	for n, i := range k.index {
		c.index[n] = i
	}
	return c
}

// Equal reports whether k and other have the same ordered names and
// equal values throughout.
func (k *Key) Equal(other *Key) bool {
	if other == nil || len(k.names) != len(other.names) {
		return false
	}
	for i, n := range k.names {
		if other.names[i] != n || other.values[i] != k.values[i] {
			return false
		}
	}
	return true
}

// Request returns a Request view equivalent to this key (every name maps
// to a single-valued set).
func (k *Key) Request() *Request {
	r := NewRequest()
	for i, n := range k.names {
		r.Insert(n, k.values[i])
	}
	return r
}

// Match reports whether k satisfies req: every name present in req must
// be present in k with a value in the request's accepted set.
func (k *Key) Match(req *Request) bool {
	for _, n := range req.names {
		v, ok := k.Get(n)
		if !ok {
			return false
		}
		if !req.accepts(n, v) {
			return false
		}
	}
	return true
}

// PartialMatch reports whether k matches req on every name req specifies,
// tolerating k having additional names req does not mention. This is the
// same test as Match from k's perspective — the "partial" is in req
// potentially specifying fewer names than k has.
func (k *Key) PartialMatch(req *Request) bool {
	return k.Match(req)
}

// Encode writes a length-prefixed, name-then-value stream encoding of k.
func (k *Key) Encode(w io.Writer) error {
	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.BigEndian, uint32(len(k.names))); err != nil {
		return err
	}
	for i, n := range k.names {
		if err := writeString(bw, n); err != nil {
			return err
		}
		if err := writeString(bw, k.values[i]); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Decode reads a stream produced by Encode into a fresh Key.
func Decode(r io.Reader) (*Key, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("key: decode count: %w", err)
	}
	k := New()
	for i := uint32(0); i < n; i++ {
		name, err := readString(r)
		if err != nil {
			return nil, fmt.Errorf("key: decode name: %w", err)
		}
		value, err := readString(r)
		if err != nil {
			return nil, fmt.Errorf("key: decode value: %w", err)
		}
		k.Insert(name, value)
	}
	return k, nil
}

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(s))); err != nil {
		return err
	}
	_, err := w.Write([]byte(s))
	return err
}

func readString(r io.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
