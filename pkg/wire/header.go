package wire

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/arkfield/fdb/pkg/fdberr"
)

const (
	startMarker = "SFDB"
	endMarker   = "EFDB"

	// headerWireSize is the encoded size, in bytes, of everything
	// between (and excluding) the start and end markers: version(2) +
	// kind(2) + clientID(4) + requestID(4) + payloadLength(4).
	headerWireSize = 16

	// MaxPayloadSize bounds a single frame's payload so a corrupted or
	// hostile header can never make a reader allocate an unbounded
	// buffer.
	MaxPayloadSize = 256 << 20
)

// Header is the fixed framing preamble carried by every
// message: a start/end marker pair, a version, a message Kind, a
// client ID whose low bit distinguishes the control channel from the
// data channel, a request ID used to multiplex concurrent requests on
// one connection, and the payload length.
type Header struct {
	Version       uint16
	Kind          Kind
	ClientID      uint32
	RequestID     uint32
	PayloadLength uint32
}

// Control reports whether this frame travels on the logical control
// channel (the low bit of ClientID).
func (h Header) Control() bool { return h.ClientID&1 == 1 }

// LogicalClient returns the client identifier with the control/data bit
// stripped off, i.e. which client (Catalogue or Store instance) this
// frame belongs to when a single Connection multiplexes several.
func (h Header) LogicalClient() uint32 { return h.ClientID >> 1 }

// EncodeClientID packs a logical client number and the control/data
// flag into the single 4-byte ClientID field.
func EncodeClientID(logical uint32, control bool) uint32 {
	id := logical << 1
	if control {
		id |= 1
	}
	return id
}

// Frame is a fully decoded message: its header plus payload bytes.
type Frame struct {
	Header  Header
	Payload []byte
}

// WriteFrame serialises h and payload to w. Callers are responsible for
// serialising concurrent writers to w themselves (wire makes no locking
// guarantee); pkg/client and pkg/server hold a per-socket write mutex
// for exactly this reason.
func WriteFrame(w io.Writer, h Header, payload []byte) error {
	h.PayloadLength = uint32(len(payload))
	buf := make([]byte, 0, 4+headerWireSize+len(payload)+4)
	buf = append(buf, startMarker...)
	buf = binary.BigEndian.AppendUint16(buf, h.Version)
	buf = binary.BigEndian.AppendUint16(buf, uint16(h.Kind))
	buf = binary.BigEndian.AppendUint32(buf, h.ClientID)
	buf = binary.BigEndian.AppendUint32(buf, h.RequestID)
	buf = binary.BigEndian.AppendUint32(buf, h.PayloadLength)
	buf = append(buf, payload...)
	buf = append(buf, endMarker...)
	_, err := w.Write(buf)
	if err != nil {
		return fdberr.New(fdberr.Transport, "wire.WriteFrame", err)
	}
	return nil
}

// ReadFrame reads one complete frame from br, validating both markers
// and the payload length bound. A marker mismatch is reported as
// Corruption and a short read as Transport; either is fatal for the
// affected connection.
//
// Callers must pass the same *bufio.Reader across repeated calls on one
// connection direction — wrapping a fresh bufio.Reader around the
// socket on every call would silently drop whatever it had already
// buffered past the frame just read.
func ReadFrame(br *bufio.Reader) (Frame, error) {
	var start [4]byte
	if _, err := io.ReadFull(br, start[:]); err != nil {
		return Frame{}, fdberr.New(fdberr.Transport, "wire.ReadFrame", err)
	}
	if string(start[:]) != startMarker {
		return Frame{}, fdberr.Newf(fdberr.Corruption, "wire.ReadFrame", "bad start marker %q", start)
	}

	head := make([]byte, headerWireSize)
	if _, err := io.ReadFull(br, head); err != nil {
		return Frame{}, fdberr.New(fdberr.Transport, "wire.ReadFrame", err)
	}
	h := Header{
		Version:       binary.BigEndian.Uint16(head[0:2]),
		Kind:          Kind(binary.BigEndian.Uint16(head[2:4])),
		ClientID:      binary.BigEndian.Uint32(head[4:8]),
		RequestID:     binary.BigEndian.Uint32(head[8:12]),
		PayloadLength: binary.BigEndian.Uint32(head[12:16]),
	}
	if h.PayloadLength > MaxPayloadSize {
		return Frame{}, fdberr.Newf(fdberr.Capacity, "wire.ReadFrame", "payload size %d exceeds limit", h.PayloadLength)
	}
	if !VersionSupported(h.Version) {
		return Frame{}, fdberr.Newf(fdberr.UsageError, "wire.ReadFrame", "unsupported wire version %d", h.Version)
	}

	payload := make([]byte, h.PayloadLength)
	if _, err := io.ReadFull(br, payload); err != nil {
		return Frame{}, fdberr.New(fdberr.Transport, "wire.ReadFrame", err)
	}

	var end [4]byte
	if _, err := io.ReadFull(br, end[:]); err != nil {
		return Frame{}, fdberr.New(fdberr.Transport, "wire.ReadFrame", err)
	}
	if string(end[:]) != endMarker {
		return Frame{}, fdberr.Newf(fdberr.Corruption, "wire.ReadFrame", "bad end marker %q", end)
	}

	return Frame{Header: h, Payload: payload}, nil
}
