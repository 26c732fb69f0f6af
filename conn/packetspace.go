package conn

// MaxDeferred bounds the deferred-datagram queue of a packet space (§4.2:
// "key type ... may become available ... defer ... bounded by MaxDeferred").
const MaxDeferred = 32

// KeyPhase tracks the 1-RTT key-phase bookkeeping of §4.2.
type KeyPhase struct {
	Current                       bool // current phase bit
	AwaitingConfirmation          bool
	ReadKeyPhaseStartPacketNumber uint64
	PreviousKeys                  *Keys
	CurrentKeys                   Keys
	NextKeys                      *Keys // pre-derived NEW keys, available once an update is in progress
	KeyUpdateCount                uint64
}

// PacketSpace is the per-encryption-level state of §3/§4.2: next-expected
// packet number, ack tracker, deferred-datagram queue and (1-RTT only)
// key-phase bookkeeping.
type PacketSpace struct {
	Level                EncryptionLevel
	NextRecvPacketNumber uint64
	NextSendPacketNumber uint64
	AckTracker           AckTracker
	Deferred             []Datagram
	Discarded            bool
	KeyPhase             KeyPhase // only meaningful for Encryption1RTT
}

// NewPacketSpace constructs a space at the given level, created "at level
// introduction" per the Packet Space lifecycle of §3.
func NewPacketSpace(level EncryptionLevel, tracker AckTracker) *PacketSpace {
	return &PacketSpace{Level: level, AckTracker: tracker}
}

// DeferDatagram attaches dg to this space's deferred queue, bounded by
// MaxDeferred; reports false (caller must drop) if the queue is full
// (§4.2 Key availability).
func (ps *PacketSpace) DeferDatagram(dg Datagram) bool {
	if len(ps.Deferred) >= MaxDeferred {
		return false
	}
	ps.Deferred = append(ps.Deferred, dg)
	return true
}

// TakeDeferred detaches and returns the deferred queue, clearing it, for
// replay once the corresponding keys become available.
func (ps *PacketSpace) TakeDeferred() []Datagram {
	out := ps.Deferred
	ps.Deferred = nil
	return out
}

// DecodePacketNumber decompresses a truncated packet number against this
// space's NextRecvPacketNumber, per RFC 9000 Appendix A. truncated is the
// PN as it appeared on the wire (after removing header protection);
// pnLength is the number of bytes it was encoded in (1-4).
func (ps *PacketSpace) DecodePacketNumber(truncated uint64, pnLength int) uint64 {
	return DecodePacketNumber(ps.NextRecvPacketNumber, truncated, pnLength)
}

// DecodePacketNumber is the free function form of the RFC 9000 Appendix A
// algorithm, exercised directly by round-trip tests (§8: "decode(encode(pn,
// expected)) == pn").
func DecodePacketNumber(expected, truncated uint64, pnLength int) uint64 {
	pnBits := uint(pnLength * 8)
	pnWin := uint64(1) << pnBits
	pnHalfWin := pnWin / 2
	pnMask := pnWin - 1

	candidate := (expected &^ pnMask) | truncated
	switch {
	case candidate+pnHalfWin <= expected && candidate < (uint64(1)<<62)-pnWin:
		return candidate + pnWin
	case candidate > expected+pnHalfWin && candidate >= pnWin:
		return candidate - pnWin
	default:
		return candidate
	}
}

// EncodePacketNumber picks the smallest encoding (in bytes) of pn that
// round-trips given the largest acknowledged packet number seen so far,
// per RFC 9000 Appendix A's sender-side counterpart.
func EncodePacketNumber(pn, largestAcked uint64) (truncated uint64, length int) {
	numUnacked := pn - largestAcked
	if largestAcked == 0 && pn == 0 {
		numUnacked = 1
	}
	minBits := 0
	for (uint64(1) << (minBits * 8)) <= numUnacked*2 {
		minBits++
		if minBits >= 4 {
			break
		}
	}
	if minBits == 0 {
		minBits = 1
	}
	mask := (uint64(1) << (minBits * 8)) - 1
	return pn & mask, minBits
}
