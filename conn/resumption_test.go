package conn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResumptionStateMarshalUnmarshalRoundTrip(t *testing.T) {
	want := ResumptionState{
		Version:      1,
		PeerTP:       []byte{0xde, 0xad, 0xbe, 0xef},
		ServerName:   "example.test",
		OpaqueTicket: []byte("opaque-session-ticket-bytes"),
	}

	got, err := UnmarshalResumptionState(want.Marshal())
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestResumptionStateMarshalUnmarshalRoundTripWithEmptyFields(t *testing.T) {
	want := ResumptionState{Version: 0xff}

	got, err := UnmarshalResumptionState(want.Marshal())
	require.NoError(t, err)
	assert.Equal(t, want.Version, got.Version)
	assert.Empty(t, got.PeerTP)
	assert.Empty(t, got.ServerName)
	assert.Empty(t, got.OpaqueTicket)
}

func TestUnmarshalResumptionStateRejectsTruncatedHeader(t *testing.T) {
	_, err := UnmarshalResumptionState([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestUnmarshalResumptionStateRejectsTruncatedPeerTP(t *testing.T) {
	r := ResumptionState{Version: 1, PeerTP: []byte{1, 2, 3, 4}}
	blob := r.Marshal()
	// Chop the blob down so the declared peer-TP length can't be satisfied.
	truncated := blob[:4+2+2]
	_, err := UnmarshalResumptionState(truncated)
	assert.Error(t, err)
}

func TestUnmarshalResumptionStateRejectsTruncatedServerName(t *testing.T) {
	r := ResumptionState{Version: 1, PeerTP: []byte{1, 2}, ServerName: "hostname"}
	blob := r.Marshal()
	truncated := blob[:4+2+2+2]
	_, err := UnmarshalResumptionState(truncated)
	assert.Error(t, err)
}
