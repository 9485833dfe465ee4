// Package wire implements the client/server framing protocol: a fixed
// message header, a 128-bit session identifier,
// and the handshake payloads exchanged over the control and data
// connections. Everything above the byte level (RPC semantics,
// streaming, multiplexing) lives in pkg/client and pkg/server; this
// package only knows how to put a message on the wire and take one off
// it again.
package wire

import (
	"fmt"
	"os"
	"strconv"
)

// Kind identifies the purpose of a framed message.
type Kind uint16

const (
	KindNone Kind = iota

	// Server instructions / lifecycle
	KindStartup
	KindExit

	// Responses
	KindReceived
	KindComplete
	KindError

	// Data communication
	KindBlob
	KindMultiBlob

	// API calls to forward
	KindFlush
	KindArchive
	KindRetrieve
	KindList
	KindDump
	KindStats
	KindStatus
	KindWipe
	KindPurge
	KindControl
	KindSchema
	KindStores
	KindAxes
	KindExists
	KindRead
	KindStore
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "None"
	case KindStartup:
		return "Startup"
	case KindExit:
		return "Exit"
	case KindReceived:
		return "Received"
	case KindComplete:
		return "Complete"
	case KindError:
		return "Error"
	case KindBlob:
		return "Blob"
	case KindMultiBlob:
		return "MultiBlob"
	case KindFlush:
		return "Flush"
	case KindArchive:
		return "Archive"
	case KindRetrieve:
		return "Retrieve"
	case KindList:
		return "List"
	case KindDump:
		return "Dump"
	case KindStats:
		return "Stats"
	case KindStatus:
		return "Status"
	case KindWipe:
		return "Wipe"
	case KindPurge:
		return "Purge"
	case KindControl:
		return "Control"
	case KindSchema:
		return "Schema"
	case KindStores:
		return "Stores"
	case KindAxes:
		return "Axes"
	case KindExists:
		return "Exists"
	case KindRead:
		return "Read"
	case KindStore:
		return "Store"
	default:
		return fmt.Sprintf("Kind(%d)", uint16(k))
	}
}

// CurrentVersion is the wire protocol version this package speaks.
// FDB_REMOTE_PROTOCOL_VERSION may pin a connection to an older value
// that the peer also supports.
const CurrentVersion uint16 = 1

// SupportedVersions lists every version this build can still read, in
// case a peer pins itself to something older than CurrentVersion.
var SupportedVersions = []uint16{1}

// EffectiveVersion returns the version new connections should speak:
// CurrentVersion, unless FDB_REMOTE_PROTOCOL_VERSION pins a supported
// older one. An unsupported pin falls back to CurrentVersion.
func EffectiveVersion() uint16 {
	pin := os.Getenv("FDB_REMOTE_PROTOCOL_VERSION")
	if pin == "" {
		return CurrentVersion
	}
	v, err := strconv.ParseUint(pin, 10, 16)
	if err == nil && VersionSupported(uint16(v)) {
		return uint16(v)
	}
	return CurrentVersion
}

func VersionSupported(v uint16) bool {
	for _, s := range SupportedVersions {
		if s == v {
			return true
		}
	}
	return false
}
