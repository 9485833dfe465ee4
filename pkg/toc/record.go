// Package toc implements the Table-of-Contents: the append-only record
// log that tells a Catalogue which Indexes are currently live. Records
// are written with a fixed header and padded so every record's on-disk
// footprint lands on an alignment boundary, which keeps the log
// navigable by stride even though individual payloads vary in size —
// the same property FDB_HANDLE_LUSTRE_STRIPE exploits for striped I/O.
package toc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/arkfield/fdb/pkg/fdberr"
	"github.com/arkfield/fdb/pkg/key"
	"github.com/arkfield/fdb/pkg/logging"
)

// Kind identifies the type of payload a record carries.
type Kind uint16

const (
	KindInit Kind = iota + 1
	KindIndex
	KindClear
	KindSubToc
	KindSubTocClear
	KindClearAll
)

func (k Kind) String() string {
	switch k {
	case KindInit:
		return "INIT"
	case KindIndex:
		return "INDEX"
	case KindClear:
		return "CLEAR"
	case KindSubToc:
		return "SUB_TOC"
	case KindSubTocClear:
		return "SUB_TOC_CLEAR"
	case KindClearAll:
		return "CLEAR_ALL"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint16(k))
	}
}

// LatestVersion is the serialisation format version this build writes by
// default. SupportedVersions enumerates every version this build's
// reader can still decode; a writer may be pinned to any of them via
// FDB_SERIALISATION_VERSION to interoperate with older readers.
const LatestVersion uint16 = 1

var SupportedVersions = []uint16{1}

// EffectiveVersion returns the version a new Writer should use:
// LatestVersion, unless FDB_SERIALISATION_VERSION pins a supported
// older one. An unsupported pin is ignored with a warning rather than
// silently producing a TOC nothing can read.
func EffectiveVersion() uint16 {
	pin := os.Getenv("FDB_SERIALISATION_VERSION")
	if pin == "" {
		return LatestVersion
	}
	v, err := strconv.ParseUint(pin, 10, 16)
	if err == nil && versionSupported(uint16(v)) {
		return uint16(v)
	}
	logging.Warn("ignoring unsupported FDB_SERIALISATION_VERSION=" + pin)
	return LatestVersion
}

func versionSupported(v uint16) bool {
	for _, sv := range SupportedVersions {
		if sv == v {
			return true
		}
	}
	return false
}

const (
	tocAlignment = 512

	headerSize = 4 + 2 + 2 + 4 // start marker, version, kind, payload length
	footerSize = 4             // end marker
)

var startMarker = [4]byte{'F', 'D', 'B', 'S'}
var endMarker = [4]byte{'F', 'D', 'B', 'E'}

// record is one physical TOC entry as read back off disk.
type record struct {
	offset  uint64 // file offset of this record's start marker
	version uint16
	kind    Kind
	payload []byte
}

func paddedSize(payloadLen int) int64 {
	total := headerSize + payloadLen + footerSize
	if rem := total % tocAlignment; rem != 0 {
		total += tocAlignment - rem
	}
	return int64(total)
}

func writeRecord(w io.WriterAt, offset int64, version uint16, kind Kind, payload []byte) (int64, error) {
	total := paddedSize(len(payload))
	buf := make([]byte, total)

	copy(buf[0:4], startMarker[:])
	binary.BigEndian.PutUint16(buf[4:6], version)
	binary.BigEndian.PutUint16(buf[6:8], uint16(kind))
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(payload)))
	copy(buf[headerSize:headerSize+len(payload)], payload)
	copy(buf[total-footerSize:], endMarker[:])

	if _, err := w.WriteAt(buf, offset); err != nil {
		return 0, err
	}
	return total, nil
}

func readRecord(r io.ReaderAt, offset int64) (*record, int64, error) {
	head := make([]byte, headerSize)
	if _, err := r.ReadAt(head, offset); err != nil {
		if err == io.EOF {
			return nil, 0, io.EOF
		}
		return nil, 0, fdberr.New(fdberr.Transport, "toc.readRecord", err)
	}
	if string(head[0:4]) != string(startMarker[:]) {
		return nil, 0, fdberr.Newf(fdberr.Corruption, "toc.readRecord", "missing start marker at offset %d", offset)
	}
	version := binary.BigEndian.Uint16(head[4:6])
	kind := Kind(binary.BigEndian.Uint16(head[6:8]))
	payloadLen := binary.BigEndian.Uint32(head[8:12])

	if !versionSupported(version) {
		return nil, 0, fdberr.Newf(fdberr.Corruption, "toc.readRecord", "unsupported TOC version %d at offset %d", version, offset)
	}

	total := paddedSize(int(payloadLen))
	rec := make([]byte, total)
	if _, err := r.ReadAt(rec, offset); err != nil {
		return nil, 0, fdberr.New(fdberr.Corruption, "toc.readRecord", err)
	}

	payload := make([]byte, payloadLen)
	copy(payload, rec[headerSize:headerSize+int(payloadLen)])

	if string(rec[total-footerSize:]) != string(endMarker[:]) {
		return nil, 0, fdberr.Newf(fdberr.Corruption, "toc.readRecord", "missing end marker at offset %d", offset)
	}

	return &record{offset: uint64(offset), version: version, kind: kind, payload: payload}, total, nil
}

// --- payload encodings ---

func encodeInitPayload(dbKey *key.Key, schemaHash, uid string) ([]byte, error) {
	var buf bytes.Buffer
	if err := dbKey.Encode(&buf); err != nil {
		return nil, err
	}
	if err := writeString(&buf, schemaHash); err != nil {
		return nil, err
	}
	if err := writeString(&buf, uid); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type initPayload struct {
	DBKey      *key.Key
	SchemaHash string
	UID        string
}

func decodeInitPayload(b []byte) (*initPayload, error) {
	r := bytes.NewReader(b)
	dbKey, err := key.Decode(r)
	if err != nil {
		return nil, err
	}
	schemaHash, err := readString(r)
	if err != nil {
		return nil, err
	}
	uid, err := readString(r)
	if err != nil {
		return nil, err
	}
	return &initPayload{DBKey: dbKey, SchemaHash: schemaHash, UID: uid}, nil
}

// Axes is a per-keyword snapshot of observed values, captured at flush
// time for the INDEX record's informational payload.
type Axes map[string][]string

func encodeIndexPayload(indexKey *key.Key, relPath string, offset uint64, axes Axes, ts time.Time) ([]byte, error) {
	var buf bytes.Buffer
	if err := indexKey.Encode(&buf); err != nil {
		return nil, err
	}
	if err := writeString(&buf, relPath); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, offset); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, uint64(ts.UnixNano())); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, uint32(len(axes))); err != nil {
		return nil, err
	}
	for kw, values := range axes {
		if err := writeString(&buf, kw); err != nil {
			return nil, err
		}
		if err := binary.Write(&buf, binary.BigEndian, uint32(len(values))); err != nil {
			return nil, err
		}
		for _, v := range values {
			if err := writeString(&buf, v); err != nil {
				return nil, err
			}
		}
	}
	return buf.Bytes(), nil
}

type indexPayload struct {
	IndexKey  *key.Key
	RelPath   string
	Offset    uint64
	Timestamp time.Time
	Axes      Axes
}

func decodeIndexPayload(b []byte) (*indexPayload, error) {
	r := bytes.NewReader(b)
	indexKey, err := key.Decode(r)
	if err != nil {
		return nil, err
	}
	relPath, err := readString(r)
	if err != nil {
		return nil, err
	}
	var offset, nanos uint64
	if err := binary.Read(r, binary.BigEndian, &offset); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.BigEndian, &nanos); err != nil {
		return nil, err
	}
	var axesCount uint32
	if err := binary.Read(r, binary.BigEndian, &axesCount); err != nil {
		return nil, err
	}
	axes := make(Axes, axesCount)
	for i := uint32(0); i < axesCount; i++ {
		kw, err := readString(r)
		if err != nil {
			return nil, err
		}
		var valCount uint32
		if err := binary.Read(r, binary.BigEndian, &valCount); err != nil {
			return nil, err
		}
		values := make([]string, valCount)
		for j := uint32(0); j < valCount; j++ {
			v, err := readString(r)
			if err != nil {
				return nil, err
			}
			values[j] = v
		}
		axes[kw] = values
	}
	return &indexPayload{
		IndexKey:  indexKey,
		RelPath:   relPath,
		Offset:    offset,
		Timestamp: time.Unix(0, int64(nanos)),
		Axes:      axes,
	}, nil
}

func encodeTargetPayload(targetOffset uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, targetOffset)
	return b
}

func decodeTargetPayload(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fdberr.Newf(fdberr.Corruption, "toc.decodeTargetPayload", "bad target payload length %d", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

func encodeSubTocPayload(path string, remap *key.Key) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeString(&buf, path); err != nil {
		return nil, err
	}
	hasRemapByte := byte(0)
	if remap != nil {
		hasRemapByte = 1
	}
	if err := buf.WriteByte(hasRemapByte); err != nil {
		return nil, err
	}
	if remap != nil {
		if err := remap.Encode(&buf); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

type subTocPayload struct {
	Path  string
	Remap *key.Key
}

func decodeSubTocPayload(b []byte) (*subTocPayload, error) {
	r := bytes.NewReader(b)
	path, err := readString(r)
	if err != nil {
		return nil, err
	}
	hasRemapByte, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	var remap *key.Key
	if hasRemapByte != 0 {
		remap, err = key.Decode(r)
		if err != nil {
			return nil, err
		}
	}
	return &subTocPayload{Path: path, Remap: remap}, nil
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
