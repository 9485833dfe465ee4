package wire

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/arkfield/fdb/pkg/fdberr"
)

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
	if n > MaxPayloadSize {
		return "", fdberr.Newf(fdberr.Capacity, "wire.readString", "string length %d exceeds limit", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func writeStrings(w io.Writer, ss []string) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(ss))); err != nil {
		return err
	}
	for _, s := range ss {
		if err := writeString(w, s); err != nil {
			return err
		}
	}
	return nil
}

func readStrings(r io.Reader) ([]string, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	out := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		s, err := readString(r)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// ControlStartup is step 1/2 of the handshake: the
// client announces itself and what it can speak; the server echoes the
// client session, mints its own, and tells the client where to dial
// for the data connection.
type ControlStartup struct {
	ClientSession           SessionID
	ServerSession           SessionID // zero on the client->server leg
	Endpoint                string    // control_endpoint (client leg) or data_endpoint (server leg)
	ProtocolVersion         uint16
	AvailableFunctionality  []string
}

func (s ControlStartup) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := s.ClientSession.encode(&buf); err != nil {
		return nil, err
	}
	if err := s.ServerSession.encode(&buf); err != nil {
		return nil, err
	}
	if err := writeString(&buf, s.Endpoint); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, s.ProtocolVersion); err != nil {
		return nil, err
	}
	if err := writeStrings(&buf, s.AvailableFunctionality); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodeControlStartup(payload []byte) (ControlStartup, error) {
	r := bytes.NewReader(payload)
	var s ControlStartup
	var err error
	if s.ClientSession, err = decodeSessionID(r); err != nil {
		return s, err
	}
	if s.ServerSession, err = decodeSessionID(r); err != nil {
		return s, err
	}
	if s.Endpoint, err = readString(r); err != nil {
		return s, err
	}
	if err = binary.Read(r, binary.BigEndian, &s.ProtocolVersion); err != nil {
		return s, err
	}
	if s.AvailableFunctionality, err = readStrings(r); err != nil {
		return s, err
	}
	return s, nil
}

// DataStartup is step 3 of the handshake: the client opens the data
// socket and sends both session IDs so the server can bind it to the
// right client before admitting any further traffic on it.
type DataStartup struct {
	ClientSession SessionID
	ServerSession SessionID
}

func (s DataStartup) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := s.ClientSession.encode(&buf); err != nil {
		return nil, err
	}
	if err := s.ServerSession.encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodeDataStartup(payload []byte) (DataStartup, error) {
	r := bytes.NewReader(payload)
	var s DataStartup
	var err error
	if s.ClientSession, err = decodeSessionID(r); err != nil {
		return s, err
	}
	if s.ServerSession, err = decodeSessionID(r); err != nil {
		return s, err
	}
	return s, nil
}

// ErrorPayload carries a structured error across the wire: a stable
// Kind prefix plus endpoint/URI context, so the receiving side can
// rebuild the same typed error it would have gotten locally.
type ErrorPayload struct {
	Kind     string
	Message  string
	Endpoint string
	URI      string
}

func (e ErrorPayload) Encode() ([]byte, error) {
	var buf bytes.Buffer
	for _, s := range []string{e.Kind, e.Message, e.Endpoint, e.URI} {
		if err := writeString(&buf, s); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func DecodeErrorPayload(payload []byte) (ErrorPayload, error) {
	r := bytes.NewReader(payload)
	var e ErrorPayload
	var err error
	if e.Kind, err = readString(r); err != nil {
		return e, err
	}
	if e.Message, err = readString(r); err != nil {
		return e, err
	}
	if e.Endpoint, err = readString(r); err != nil {
		return e, err
	}
	if e.URI, err = readString(r); err != nil {
		return e, err
	}
	return e, nil
}

// WriteString and ReadString expose the length-prefixed string codec to
// pkg/client and pkg/server for building their own request/response
// payloads (SelectIndex key strings, URIs, schema blobs, ...) without
// duplicating the framing rules.
func WriteString(w io.Writer, s string) error { return writeString(w, s) }
func ReadString(r io.Reader) (string, error)  { return readString(r) }
func WriteStrings(w io.Writer, ss []string) error { return writeStrings(w, ss) }
func ReadStrings(r io.Reader) ([]string, error)   { return readStrings(r) }

// WriteUint32 / ReadUint32 round out the primitives needed to build
// request-specific payloads (counts, offsets, request IDs embedded in
// a payload body rather than the header).
func WriteUint32(w io.Writer, v uint32) error { return binary.Write(w, binary.BigEndian, v) }
func ReadUint32(r io.Reader) (uint32, error) {
	var v uint32
	err := binary.Read(r, binary.BigEndian, &v)
	return v, err
}

func WriteUint64(w io.Writer, v uint64) error { return binary.Write(w, binary.BigEndian, v) }
func ReadUint64(r io.Reader) (uint64, error) {
	var v uint64
	err := binary.Read(r, binary.BigEndian, &v)
	return v, err
}

func WriteBool(w io.Writer, v bool) error { return binary.Write(w, binary.BigEndian, v) }
func ReadBool(r io.Reader) (bool, error) {
	var v bool
	err := binary.Read(r, binary.BigEndian, &v)
	return v, err
}
