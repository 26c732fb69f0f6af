package conn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHeaderShortHeader(t *testing.T) {
	destCID := make([]byte, ConnectionIDLength)
	for i := range destCID {
		destCID[i] = byte(i + 1)
	}
	data := append([]byte{0x40}, destCID...)
	data = append(data, make([]byte, 20)...) // PN + ciphertext placeholder

	hdr, err := parseHeader(data)
	require.NoError(t, err)
	assert.False(t, hdr.IsLongHeader)
	assert.Equal(t, destCID, hdr.DestCID)
	assert.Equal(t, len(data), hdr.TotalLength)
}

func TestParseHeaderShortHeaderRejectsMissingFixedBit(t *testing.T) {
	data := append([]byte{0x00}, make([]byte, ConnectionIDLength+4)...)
	_, err := parseHeader(data)
	assert.ErrorIs(t, err, ErrInvalidHeader)
}

func TestParseHeaderLongHeaderInitial(t *testing.T) {
	var data []byte
	data = append(data, 0x80|byte(longHeaderInitial)<<4)
	data = append(data, 0x00, 0x00, 0x00, 0x01) // version
	data = append(data, 8)                      // dest CID length
	data = append(data, make([]byte, 8)...)
	data = append(data, 4) // source CID length
	data = append(data, make([]byte, 4)...)
	data = append(data, 0x00)       // token length varint: 0
	data = append(data, 0x40, 0x14) // length varint: 20
	data = append(data, make([]byte, 20)...)

	hdr, err := parseHeader(data)
	require.NoError(t, err)
	assert.True(t, hdr.IsLongHeader)
	assert.Equal(t, longHeaderInitial, hdr.Type)
	assert.Equal(t, uint32(1), hdr.Version)
	assert.Len(t, hdr.DestCID, 8)
	assert.Len(t, hdr.SourceCID, 4)
	assert.Equal(t, len(data), hdr.TotalLength)
}

func TestParseHeaderVersionNegotiation(t *testing.T) {
	var data []byte
	data = append(data, 0x80)
	data = append(data, 0x00, 0x00, 0x00, 0x00) // version 0
	data = append(data, 8)
	data = append(data, make([]byte, 8)...)
	data = append(data, 4)
	data = append(data, make([]byte, 4)...)

	hdr, err := parseHeader(data)
	require.NoError(t, err)
	assert.True(t, hdr.IsVersionNegotiation)
}

func TestRemoveHeaderProtectionRoundTrip(t *testing.T) {
	hpKey := make([]byte, 16)
	for i := range hpKey {
		hpKey[i] = byte(i)
	}

	destCID := make([]byte, ConnectionIDLength)
	pnOffset := 1 + ConnectionIDLength
	sampleOffset := pnOffset + 4
	total := sampleOffset + 16

	plain := make([]byte, total)
	plain[0] = 0x40 | 0x04 | 0x01 // fixed bit, key phase 1, pnLength=2
	copy(plain[1:1+ConnectionIDLength], destCID)
	plain[pnOffset] = 0x00
	plain[pnOffset+1] = 0x2a // truncated PN = 42
	for i := sampleOffset; i < total; i++ {
		plain[i] = byte(i) // stand-in ciphertext, unaffected by HP
	}

	mask, err := headerProtectionMask(hpKey, plain[sampleOffset:sampleOffset+16])
	require.NoError(t, err)

	protected := append([]byte(nil), plain...)
	protected[0] ^= mask[0] & 0x1f
	for i := 0; i < 2; i++ {
		protected[pnOffset+i] ^= mask[1+i]
	}

	hdr, err := parseHeader(protected)
	require.NoError(t, err)

	err = removeHeaderProtection(protected, hdr, hpKey)
	require.NoError(t, err)

	assert.Equal(t, plain[0], protected[0])
	assert.Equal(t, 2, hdr.PNLength)
	assert.Equal(t, uint64(42), hdr.TruncatedPN)
	assert.True(t, hdr.KeyPhaseBit)
	assert.False(t, hdr.ReservedBitsNonZero)
}

// A short-header packet with the key-phase bit set but both reserved bits
// (0x18) zero must not be flagged as a reserved-bit violation: the two
// fields occupy disjoint bits per RFC 9000 §17.3.1.
func TestRemoveHeaderProtectionKeyPhaseBitDoesNotOverlapReservedBits(t *testing.T) {
	hpKey := make([]byte, 16)
	for i := range hpKey {
		hpKey[i] = byte(i + 1)
	}

	destCID := make([]byte, ConnectionIDLength)
	pnOffset := 1 + ConnectionIDLength
	sampleOffset := pnOffset + 4
	total := sampleOffset + 16

	plain := make([]byte, total)
	plain[0] = 0x40 | 0x04 | 0x00 // fixed bit, key phase 1, pnLength=1, reserved=0
	copy(plain[1:1+ConnectionIDLength], destCID)
	plain[pnOffset] = 0x07
	for i := sampleOffset; i < total; i++ {
		plain[i] = byte(i * 7)
	}

	mask, err := headerProtectionMask(hpKey, plain[sampleOffset:sampleOffset+16])
	require.NoError(t, err)

	protected := append([]byte(nil), plain...)
	protected[0] ^= mask[0] & 0x1f
	protected[pnOffset] ^= mask[1]

	hdr, err := parseHeader(protected)
	require.NoError(t, err)

	err = removeHeaderProtection(protected, hdr, hpKey)
	require.NoError(t, err)

	assert.True(t, hdr.KeyPhaseBit)
	assert.False(t, hdr.ReservedBitsNonZero)
}

func TestNewAESGCMEncryptDecryptRoundTrip(t *testing.T) {
	key := make([]byte, 16)
	for i := range key {
		key[i] = byte(i * 3)
	}
	aead, err := newAESGCM(key)
	require.NoError(t, err)

	nonce := make([]byte, aead.NonceSize())
	plaintext := []byte("quic connection core payload")
	aad := []byte("header bytes")

	ciphertext := aead.Seal(nil, nonce, plaintext, aad)
	decrypted, err := aead.Open(nil, nonce, ciphertext, aad)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)

	_, err = aead.Open(nil, nonce, ciphertext, []byte("wrong aad"))
	assert.Error(t, err)
}
