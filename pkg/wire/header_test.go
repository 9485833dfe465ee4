package wire

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	h := Header{
		Version:   CurrentVersion,
		Kind:      KindArchive,
		ClientID:  EncodeClientID(3, true),
		RequestID: 42,
	}
	payload := []byte("hello field data")

	require.NoError(t, WriteFrame(&buf, h, payload))

	got, err := ReadFrame(bufio.NewReader(&buf))
	require.NoError(t, err)
	require.Equal(t, h.Version, got.Header.Version)
	require.Equal(t, h.Kind, got.Header.Kind)
	require.Equal(t, h.ClientID, got.Header.ClientID)
	require.Equal(t, h.RequestID, got.Header.RequestID)
	require.Equal(t, uint32(len(payload)), got.Header.PayloadLength)
	require.Equal(t, payload, got.Payload)
	require.True(t, got.Header.Control())
	require.Equal(t, uint32(3), got.Header.LogicalClient())
}

func TestFrameStreamMultipleMessages(t *testing.T) {
	var buf bytes.Buffer
	for i := 0; i < 5; i++ {
		h := Header{Version: CurrentVersion, Kind: KindBlob, ClientID: EncodeClientID(1, false), RequestID: uint32(i)}
		require.NoError(t, WriteFrame(&buf, h, []byte{byte(i)}))
	}

	br := bufio.NewReader(&buf)
	for i := 0; i < 5; i++ {
		f, err := ReadFrame(br)
		require.NoError(t, err)
		require.Equal(t, uint32(i), f.Header.RequestID)
		require.Equal(t, []byte{byte(i)}, f.Payload)
	}
}

func TestReadFrameBadStartMarker(t *testing.T) {
	br := bufio.NewReader(bytes.NewReader([]byte("XXXX")))
	_, err := ReadFrame(br)
	require.Error(t, err)
}

func TestSessionIDEquality(t *testing.T) {
	a, err := NewSessionID()
	require.NoError(t, err)
	b, err := NewSessionID()
	require.NoError(t, err)
	require.False(t, a.Equal(b))
	require.True(t, a.Equal(a))
	require.False(t, a.IsZero())
}

func TestControlStartupRoundTrip(t *testing.T) {
	cs, err := NewSessionID()
	require.NoError(t, err)
	in := ControlStartup{
		ClientSession:          cs,
		Endpoint:               "127.0.0.1:7654",
		ProtocolVersion:        CurrentVersion,
		AvailableFunctionality: []string{"archive", "retrieve", "list"},
	}
	payload, err := in.Encode()
	require.NoError(t, err)
	out, err := DecodeControlStartup(payload)
	require.NoError(t, err)
	require.Equal(t, in.ClientSession, out.ClientSession)
	require.Equal(t, in.Endpoint, out.Endpoint)
	require.Equal(t, in.AvailableFunctionality, out.AvailableFunctionality)
}
