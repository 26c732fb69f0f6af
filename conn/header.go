package conn

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
)

const (
	longHeaderInitial   = 0
	longHeaderHandshake = 2
	longHeader0RTT      = 1
	longHeaderRetry     = 3
)

// packetHeader is the result of header parsing plus header-protection
// removal (§4.2 "Header parse" / "Header protection removal"). Ciphertext
// and AAD alias the original datagram bytes; the connection must not
// retain them past the current drain (§5 Memory discipline).
type packetHeader struct {
	IsLongHeader          bool
	IsVersionNegotiation  bool
	Type                  int
	Version               uint32
	DestCID               []byte
	SourceCID             []byte
	Token                 []byte // Initial only
	RetryTokenOrPayload   []byte // Retry only: everything after SourceCID
	TruncatedPN           uint64
	PNLength              int
	KeyPhaseBit           bool
	ReservedBitsNonZero   bool
	AAD                   []byte
	Ciphertext            []byte
	TotalLength           int
}

var ErrInvalidHeader = fmt.Errorf("quic: invalid packet header")

// levelForHeader derives the encryption level a packet was sent at from
// its header, per §4.2 "Key availability: the key type is derived from
// packet type".
func levelForHeader(hdr *packetHeader) EncryptionLevel {
	if !hdr.IsLongHeader {
		return Encryption1RTT
	}
	switch hdr.Type {
	case longHeaderInitial:
		return EncryptionInitial
	case longHeaderHandshake:
		return EncryptionHandshake
	case longHeader0RTT:
		return Encryption0RTT
	default:
		return EncryptionInitial
	}
}

// parseHeader checks the header form bit and, for short headers only, the
// fixed bit, and extracts the public (unprotected) header fields. The
// long-header fixed bit is not checked, and the version is not compared
// with the connection's version. Header protection is not removed here —
// that happens in
// (*Connection).processPacket once the encryption level and HP key are
// known.
func parseHeader(data []byte) (*packetHeader, error) {
	if len(data) < 1 {
		return nil, ErrInvalidHeader
	}
	first := data[0]
	hdr := &packetHeader{}

	if first&0x80 != 0 { // long header
		hdr.IsLongHeader = true
		if len(data) < 5 {
			return nil, ErrInvalidHeader
		}
		hdr.Version = binary.BigEndian.Uint32(data[1:5])
		pos := 5
		if hdr.Version == 0 {
			hdr.IsVersionNegotiation = true
		}
		if pos >= len(data) {
			return nil, ErrInvalidHeader
		}
		dcidLen := int(data[pos])
		pos++
		if pos+dcidLen > len(data) {
			return nil, ErrInvalidHeader
		}
		hdr.DestCID = data[pos : pos+dcidLen]
		pos += dcidLen
		if pos >= len(data) {
			return nil, ErrInvalidHeader
		}
		scidLen := int(data[pos])
		pos++
		if pos+scidLen > len(data) {
			return nil, ErrInvalidHeader
		}
		hdr.SourceCID = data[pos : pos+scidLen]
		pos += scidLen

		if hdr.IsVersionNegotiation {
			hdr.TotalLength = len(data)
			return hdr, nil
		}

		hdr.Type = int((first >> 4) & 0x3)

		if hdr.Type == longHeaderRetry {
			hdr.RetryTokenOrPayload = data[pos:]
			hdr.TotalLength = len(data)
			return hdr, nil
		}

		if hdr.Type == longHeaderInitial {
			tokLen, n, err := readVarintBytes(data[pos:])
			if err != nil {
				return nil, err
			}
			pos += n
			if pos+int(tokLen) > len(data) {
				return nil, ErrInvalidHeader
			}
			hdr.Token = data[pos : pos+int(tokLen)]
			pos += int(tokLen)
		}

		length, n, err := readVarintBytes(data[pos:])
		if err != nil {
			return nil, err
		}
		pos += n
		if pos+int(length) > len(data) {
			return nil, ErrInvalidHeader
		}
		hdr.TotalLength = pos + int(length)
		hdr.AAD = data[:pos] // extended below once PN length is known
		hdr.Ciphertext = data[pos:hdr.TotalLength]
		return hdr, nil
	}

	// short header
	if first&0x40 == 0 { // fixed bit must be set
		return nil, ErrInvalidHeader
	}
	hdr.IsLongHeader = false
	pos := 1
	if pos+ConnectionIDLength > len(data) {
		return nil, ErrInvalidHeader
	}
	hdr.DestCID = data[pos : pos+ConnectionIDLength]
	pos += ConnectionIDLength
	hdr.AAD = data[:pos]
	hdr.Ciphertext = data[pos:]
	hdr.TotalLength = len(data) // short header packets are never coalesced after
	return hdr, nil
}

func readVarintBytes(b []byte) (value uint64, consumed int, err error) {
	if len(b) < 1 {
		return 0, 0, ErrInvalidHeader
	}
	length := 1 << (b[0] >> 6)
	if len(b) < length {
		return 0, 0, ErrInvalidHeader
	}
	switch length {
	case 1:
		value = uint64(b[0] & 0x3f)
	case 2:
		value = uint64(binary.BigEndian.Uint16(b)) & 0x3fff
	case 4:
		value = uint64(binary.BigEndian.Uint32(b)) & 0x3fffffff
	case 8:
		value = binary.BigEndian.Uint64(b) & 0x3fffffffffffffff
	}
	return value, length, nil
}

// removeHeaderProtection implements §4.2's "sample 16 bytes at offset
// header+4" construction (RFC 9001 §5.4). It mutates the first byte and PN
// bytes of data in place (matching the source's in-place XOR) and resolves
// hdr.TruncatedPN/PNLength/KeyPhaseBit/ReservedBitsNonZero.
func removeHeaderProtection(data []byte, hdr *packetHeader, hpKey []byte) error {
	pnOffset := len(hdr.AAD)
	sampleOffset := pnOffset + 4
	if sampleOffset+16 > len(data) {
		return ErrInvalidHeader
	}
	mask, err := headerProtectionMask(hpKey, data[sampleOffset:sampleOffset+16])
	if err != nil {
		return err
	}

	if hdr.IsLongHeader {
		data[0] ^= mask[0] & 0x0f
	} else {
		data[0] ^= mask[0] & 0x1f
	}
	pnLen := int(data[0]&0x3) + 1
	hdr.PNLength = pnLen
	if hdr.IsLongHeader {
		hdr.ReservedBitsNonZero = data[0]&0x0c != 0
	} else {
		hdr.ReservedBitsNonZero = data[0]&0x18 != 0
		hdr.KeyPhaseBit = data[0]&0x04 != 0
	}

	for i := 0; i < pnLen; i++ {
		data[pnOffset+i] ^= mask[1+i]
	}

	var pn uint64
	for i := 0; i < pnLen; i++ {
		pn = pn<<8 | uint64(data[pnOffset+i])
	}
	hdr.TruncatedPN = pn

	hdr.AAD = data[:pnOffset+pnLen]
	hdr.Ciphertext = data[pnOffset+pnLen : hdr.TotalLength]
	return nil
}

// headerProtectionMask computes the keystream used to unprotect the first
// header byte and up to 4 packet-number bytes, via AES-ECB on the sample
// (RFC 9001 §5.4.3). It returns the full 16-byte AES block; only its first
// 5 bytes are used. The TLS engine contract (§6) exposes this as
// HeaderProtectionMask for an engine with access to the real negotiated
// cipher suite; this free function is the AES-128 fallback used whenever a
// raw HeaderKey (rather than a TLSEngine) is available, i.e. for Initial
// keys derived locally in keys.go.
func headerProtectionMask(hpKey, sample []byte) ([]byte, error) {
	block, err := aes.NewCipher(hpKey)
	if err != nil {
		return nil, err
	}
	mask := make([]byte, block.BlockSize())
	block.Encrypt(mask, sample)
	return mask, nil
}

func newAESGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
