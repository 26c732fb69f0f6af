package conn

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueDatagramsEnqueuesOnlyOnEmptyToNonEmptyTransition(t *testing.T) {
	c := newTestConnection(t, RoleServer)

	c.QueueDatagrams([]Datagram{{Data: []byte{1, 2, 3}}})
	assert.Equal(t, 1, c.OperQ.Len())

	c.QueueDatagrams([]Datagram{{Data: []byte{4, 5, 6}}})
	assert.Equal(t, 1, c.OperQ.Len(), "a second enqueue while the queue is already non-empty must not enqueue a second FlushRecv")
}

type droppingDatapath struct {
	returned []Datagram
}

func (d *droppingDatapath) ResolveAddress(ctx context.Context, hostname string) (net.Addr, error) {
	return nil, nil
}
func (d *droppingDatapath) LocalAddress() net.Addr { return nil }
func (d *droppingDatapath) LocalMTU() int          { return 1200 }
func (d *droppingDatapath) Send(ctx context.Context, datagrams []Datagram) error { return nil }
func (d *droppingDatapath) ReturnRecvDatagrams(dgs []Datagram)                   { d.returned = append(d.returned, dgs...) }

func TestQueueDatagramsDropsWhenOverReceiveQueueLimit(t *testing.T) {
	c := newTestConnection(t, RoleServer)
	dp := &droppingDatapath{}
	c.Datapath = dp

	c.recvQueue = make([]Datagram, MaxReceiveQueueCount)
	before := c.OperQ.Len()

	c.QueueDatagrams([]Datagram{{Data: []byte{1}}})

	assert.Equal(t, before, c.OperQ.Len(), "over-limit chain must not enqueue FlushRecv")
	assert.Len(t, dp.returned, 1)
	assert.Equal(t, MaxReceiveQueueCount, len(c.recvQueue))
}

func TestProcessDatagramDropsOnAddressMismatch(t *testing.T) {
	c := newTestConnection(t, RoleServer)
	c.RemoteAddress = fakeAddr("10.0.0.1:4433")

	valid := c.processDatagram(Datagram{Data: []byte{0x40, 0, 0, 0, 0, 0, 0, 0, 0}, RemoteAddr: fakeAddr("10.0.0.2:4433")})
	assert.False(t, valid)
}

type fakeAddr string

func (a fakeAddr) Network() string { return "udp" }
func (a fakeAddr) String() string  { return string(a) }

func TestProcessPacketVersionNegotiationClosesUnconnectedClient(t *testing.T) {
	c := newTestConnection(t, RoleClient)

	var data []byte
	data = append(data, 0x80)
	data = append(data, 0x00, 0x00, 0x00, 0x00) // version 0 => negotiation
	data = append(data, 8)
	data = append(data, make([]byte, 8)...)
	data = append(data, 0)

	_, valid, fatal := c.processPacket(data)
	assert.False(t, valid)
	assert.True(t, fatal)
	assert.Equal(t, StatusVerNegError, c.Close.InternalStatus)
}

func TestProcessPacketRetryInvokesHandleRetry(t *testing.T) {
	c := newTestConnection(t, RoleClient)
	destCID := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	c.CIDs.SetCurrentDest(destCID)

	newSourceCID := []byte{9, 9, 9, 9}
	var data []byte
	data = append(data, 0x80|byte(longHeaderRetry)<<4)
	data = append(data, 0x00, 0x00, 0x00, 0x01)
	data = append(data, byte(len(destCID)))
	data = append(data, destCID...)
	data = append(data, byte(len(newSourceCID)))
	data = append(data, newSourceCID...)
	data = append(data, []byte("retry-token")...)

	_, valid, fatal := c.processPacket(data)
	assert.False(t, valid)
	assert.True(t, fatal)
	assert.True(t, c.State().Has(StateReceivedRetryPacket))
	assert.Equal(t, []byte("retry-token"), c.Send.InitialToken)
}

func TestDecryptRetryTokenRoundTrip(t *testing.T) {
	c := newTestConnection(t, RoleServer)
	origCID := []byte{0xaa, 0xbb, 0xcc}
	token := append([]byte{byte(len(origCID))}, origCID...)

	got, ok := c.decryptRetryToken(token)
	require.True(t, ok)
	assert.Equal(t, origCID, got)
}

func TestDecryptRetryTokenRejectsTruncated(t *testing.T) {
	c := newTestConnection(t, RoleServer)
	_, ok := c.decryptRetryToken([]byte{5, 1, 2})
	assert.False(t, ok)
}

func TestCheckStatelessResetMatchesRegisteredToken(t *testing.T) {
	c := newTestConnection(t, RoleClient)
	var token [16]byte
	for i := range token {
		token[i] = byte(i + 1)
	}
	c.CIDs.Dest = []DestCID{{CID: []byte{1, 2, 3, 4}, ResetToken: &token}}

	data := make([]byte, 30)
	copy(data[len(data)-16:], token[:])

	assert.True(t, c.checkStatelessReset(data))
}

func TestCheckStatelessResetRejectsUnknownToken(t *testing.T) {
	c := newTestConnection(t, RoleClient)
	assert.False(t, c.checkStatelessReset(make([]byte, 30)))
}

// TestProcessPacketInitialRoundTrip builds a real Initial packet end-to-end
// (header protection applied, AEAD-sealed payload) the way a client would
// send it, and verifies the server-side receive pipeline parses, unprotects,
// decrypts and accounts for it correctly.
func TestProcessPacketInitialRoundTrip(t *testing.T) {
	destCID := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	clientKeys, serverKeys, err := DeriveInitialKeys(destCID)
	require.NoError(t, err)

	plaintext := make([]byte, 20) // all-PADDING payload

	var hdr []byte
	hdr = append(hdr, 0xC0) // long header, fixed bit, Initial type, pnLength=1
	hdr = append(hdr, 0x00, 0x00, 0x00, 0x01)
	hdr = append(hdr, byte(len(destCID)))
	hdr = append(hdr, destCID...)
	hdr = append(hdr, 0x00)       // source CID length 0
	hdr = append(hdr, 0x00)       // token length varint 0
	remaining := 1 + len(plaintext) + 16
	require.Less(t, remaining, 64, "must fit a 1-byte varint for this test to stay simple")
	hdr = append(hdr, byte(remaining))
	hdr = append(hdr, 0x00) // truncated PN = 0, 1 byte

	aead, err := newAESGCM(clientKeys.PacketKey)
	require.NoError(t, err)
	nonce := append([]byte(nil), clientKeys.IV...)
	ciphertext := aead.Seal(nil, nonce, plaintext, hdr)

	packet := append(append([]byte(nil), hdr...), ciphertext...)

	pnOffset := len(hdr) - 1
	sampleOffset := pnOffset + 4
	mask, err := headerProtectionMask(clientKeys.HeaderKey, packet[sampleOffset:sampleOffset+16])
	require.NoError(t, err)
	packet[0] ^= mask[0] & 0x0f
	packet[pnOffset] ^= mask[1]

	c := newTestConnection(t, RoleServer)
	c.initialKeys = &initialKeyPair{client: clientKeys, server: serverKeys}

	consumed, valid, fatal := c.processPacket(packet)

	assert.Equal(t, len(packet), consumed)
	assert.True(t, valid)
	assert.False(t, fatal)
	assert.Equal(t, uint64(1), c.Packets[EncryptionInitial].NextRecvPacketNumber)
	assert.EqualValues(t, 1, c.Stats.PacketsReceived)
	assert.EqualValues(t, len(packet), c.Stats.BytesReceived)
}

func TestProcessPacketInitialRoundTripRejectsTamperedCiphertext(t *testing.T) {
	destCID := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	clientKeys, serverKeys, err := DeriveInitialKeys(destCID)
	require.NoError(t, err)

	plaintext := make([]byte, 20)
	var hdr []byte
	hdr = append(hdr, 0xC0)
	hdr = append(hdr, 0x00, 0x00, 0x00, 0x01)
	hdr = append(hdr, byte(len(destCID)))
	hdr = append(hdr, destCID...)
	hdr = append(hdr, 0x00, 0x00)
	remaining := 1 + len(plaintext) + 16
	hdr = append(hdr, byte(remaining))
	hdr = append(hdr, 0x00)

	aead, err := newAESGCM(clientKeys.PacketKey)
	require.NoError(t, err)
	ciphertext := aead.Seal(nil, clientKeys.IV, plaintext, hdr)
	ciphertext[0] ^= 0xff // tamper

	packet := append(append([]byte(nil), hdr...), ciphertext...)

	pnOffset := len(hdr) - 1
	sampleOffset := pnOffset + 4
	mask, err := headerProtectionMask(clientKeys.HeaderKey, packet[sampleOffset:sampleOffset+16])
	require.NoError(t, err)
	packet[0] ^= mask[0] & 0x0f
	packet[pnOffset] ^= mask[1]

	c := newTestConnection(t, RoleServer)
	c.initialKeys = &initialKeyPair{client: clientKeys, server: serverKeys}

	_, valid, _ := c.processPacket(packet)
	assert.False(t, valid)
	assert.EqualValues(t, 1, c.Stats.DecryptionFailures)
}

func TestProcessPacketInitialRoundTripNonzeroReservedBitsIsProtocolViolationNotDecryptFailure(t *testing.T) {
	destCID := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	clientKeys, serverKeys, err := DeriveInitialKeys(destCID)
	require.NoError(t, err)

	plaintext := make([]byte, 20)
	var hdr []byte
	hdr = append(hdr, 0xCC) // long header, fixed bit, Initial type, reserved bits set, pnLength=1
	hdr = append(hdr, 0x00, 0x00, 0x00, 0x01)
	hdr = append(hdr, byte(len(destCID)))
	hdr = append(hdr, destCID...)
	hdr = append(hdr, 0x00, 0x00)
	remaining := 1 + len(plaintext) + 16
	hdr = append(hdr, byte(remaining))
	hdr = append(hdr, 0x00)

	aead, err := newAESGCM(clientKeys.PacketKey)
	require.NoError(t, err)
	nonce := append([]byte(nil), clientKeys.IV...)
	ciphertext := aead.Seal(nil, nonce, plaintext, hdr)

	packet := append(append([]byte(nil), hdr...), ciphertext...)

	pnOffset := len(hdr) - 1
	sampleOffset := pnOffset + 4
	mask, err := headerProtectionMask(clientKeys.HeaderKey, packet[sampleOffset:sampleOffset+16])
	require.NoError(t, err)
	packet[0] ^= mask[0] & 0x0f
	packet[pnOffset] ^= mask[1]

	c := newTestConnection(t, RoleServer)
	c.initialKeys = &initialKeyPair{client: clientKeys, server: serverKeys}

	_, valid, fatal := c.processPacket(packet)

	assert.False(t, valid)
	assert.True(t, fatal, "an authenticated packet with nonzero reserved bits must close the connection, not just drop silently")
	assert.EqualValues(t, 0, c.Stats.DecryptionFailures, "this must not be counted as an AEAD failure")
	assert.True(t, c.State().Has(StateClosedLocally))
	assert.Equal(t, ErrProtocolViolation, c.Close.TransportError)
}

type stubAckTracker struct {
	duplicate bool
	added     []uint64
}

func (s *stubAckTracker) AddPacketNumber(pn uint64) (duplicate bool) {
	s.added = append(s.added, pn)
	return s.duplicate
}
func (s *stubAckTracker) AckEliciting(pn uint64)                   {}
func (s *stubAckTracker) ShouldAckImmediately() bool                { return false }
func (s *stubAckTracker) BuildAckFrame() (ranges []AckRange, ecn bool) { return nil, false }

func TestProcessPacketInitialRoundTripDropsDuplicateAndSkipsFrameProcessing(t *testing.T) {
	destCID := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	clientKeys, serverKeys, err := DeriveInitialKeys(destCID)
	require.NoError(t, err)

	plaintext := make([]byte, 20)
	var hdr []byte
	hdr = append(hdr, 0xC0)
	hdr = append(hdr, 0x00, 0x00, 0x00, 0x01)
	hdr = append(hdr, byte(len(destCID)))
	hdr = append(hdr, destCID...)
	hdr = append(hdr, 0x00, 0x00)
	remaining := 1 + len(plaintext) + 16
	hdr = append(hdr, byte(remaining))
	hdr = append(hdr, 0x00)

	aead, err := newAESGCM(clientKeys.PacketKey)
	require.NoError(t, err)
	nonce := append([]byte(nil), clientKeys.IV...)
	ciphertext := aead.Seal(nil, nonce, plaintext, hdr)

	packet := append(append([]byte(nil), hdr...), ciphertext...)

	pnOffset := len(hdr) - 1
	sampleOffset := pnOffset + 4
	mask, err := headerProtectionMask(clientKeys.HeaderKey, packet[sampleOffset:sampleOffset+16])
	require.NoError(t, err)
	packet[0] ^= mask[0] & 0x0f
	packet[pnOffset] ^= mask[1]

	c := newTestConnection(t, RoleServer)
	c.initialKeys = &initialKeyPair{client: clientKeys, server: serverKeys}
	tracker := &stubAckTracker{duplicate: true}
	c.Packets[EncryptionInitial].AckTracker = tracker

	consumed, valid, fatal := c.processPacket(packet)

	assert.Equal(t, len(packet), consumed)
	assert.False(t, valid, "a duplicate packet must not be reported as valid (no ack-eliciting side effects)")
	assert.False(t, fatal)
	assert.EqualValues(t, 1, c.Stats.DuplicatePackets)
	assert.Equal(t, uint64(0), c.Packets[EncryptionInitial].NextRecvPacketNumber, "duplicate packets must not advance the receive window")
	assert.Equal(t, []uint64{0}, tracker.added)
}

func TestKeysForLevel1RTTReordersToPreviousPhaseWhenAwaitingConfirmation(t *testing.T) {
	c := newTestConnection(t, RoleServer)
	space := NewPacketSpace(Encryption1RTT, nil)
	c.Packets[Encryption1RTT] = space

	oldKeys := Keys{PacketKey: []byte("old")}
	space.KeyPhase.CurrentKeys = Keys{PacketKey: []byte("new")}
	space.KeyPhase.PreviousKeys = &oldKeys
	space.KeyPhase.Current = true
	space.KeyPhase.AwaitingConfirmation = true

	hdr := &packetHeader{KeyPhaseBit: false}
	keys, usedNext := c.keysForLevel(Encryption1RTT, hdr, 5)

	assert.False(t, usedNext)
	assert.Equal(t, &oldKeys, keys)
}

func TestCommitPeerKeyUpdateFinalizesPhaseFlip(t *testing.T) {
	c := newTestConnection(t, RoleServer)
	space := NewPacketSpace(Encryption1RTT, nil)
	c.Packets[Encryption1RTT] = space

	next := Keys{PacketKey: []byte("next")}
	space.KeyPhase.NextKeys = &next
	space.KeyPhase.Current = false

	hdr := &packetHeader{KeyPhaseBit: true}
	c.commitPeerKeyUpdate(space, hdr, 42)

	assert.Nil(t, space.KeyPhase.NextKeys)
	assert.Equal(t, next, space.KeyPhase.CurrentKeys)
	assert.NotNil(t, space.KeyPhase.PreviousKeys)
	assert.True(t, space.KeyPhase.Current)
	assert.False(t, space.KeyPhase.AwaitingConfirmation)
	assert.Equal(t, uint64(42), space.KeyPhase.ReadKeyPhaseStartPacketNumber)
	assert.Equal(t, uint64(1), space.KeyPhase.KeyUpdateCount)
	assert.Equal(t, uint64(1), c.Stats.KeyUpdateCount)
}
