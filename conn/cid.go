package conn

import (
	"bytes"
	"crypto/rand"
	"fmt"
)

// ConnectionIDLength is the fixed length of CIDs we offer (§6: a
// compile-time constant in the source).
const ConnectionIDLength = 8

// MaxCidCollisionRetry bounds the retry loop of §4.8.
const MaxCidCollisionRetry = 8

// SourceCID is a local CID offered to the peer.
type SourceCID struct {
	Sequence   uint64
	CID        []byte
	ResetToken [16]byte
	UsedByPeer bool
	Retired    bool
}

// DestCID is a remote CID offered by the peer.
type DestCID struct {
	Sequence   uint64
	CID        []byte
	ResetToken *[16]byte // nil until the peer supplies one
	Retired    bool
}

// CIDTables holds the ordered source/destination CID sequences of §3.
// Source CIDs use a slice where index 0 is the "head" (initial CIDs are
// inserted there); destination CIDs are appended at the tail. The
// linked-list ownership model of §9 ("owned sequences indexed by small
// integer handles") collapses to plain slice indices here, since Go slices
// already give us arena-like contiguous storage without manual pointer
// bookkeeping.
type CIDTables struct {
	Source  []SourceCID
	Dest    []DestCID
	nextSeq uint64
	destCnt uint64
}

// NewCIDTables returns an empty table.
func NewCIDTables() *CIDTables {
	return &CIDTables{}
}

// AddSourceCIDHead inserts a CID at the head of the source list (used for
// the connection's initial CID).
func (t *CIDTables) AddSourceCIDHead(cid []byte, resetToken [16]byte) SourceCID {
	sc := SourceCID{Sequence: t.nextSeq, CID: cid, ResetToken: resetToken}
	t.nextSeq++
	t.Source = append([]SourceCID{sc}, t.Source...)
	return sc
}

// AddSourceCIDTail appends a newly generated source CID, as NEW_CONNECTION_ID
// emission does for every CID after the initial one (§4.8).
func (t *CIDTables) AddSourceCIDTail(cid []byte, resetToken [16]byte) SourceCID {
	sc := SourceCID{Sequence: t.nextSeq, CID: cid, ResetToken: resetToken}
	t.nextSeq++
	t.Source = append(t.Source, sc)
	return sc
}

// MarkSourceCIDUsed flips UsedByPeer for the entry matching cid, returning
// whether this was its first observed use (§4.2 post-processing).
func (t *CIDTables) MarkSourceCIDUsed(cid []byte) (firstUse bool) {
	for i := range t.Source {
		if bytes.Equal(t.Source[i].CID, cid) {
			firstUse = !t.Source[i].UsedByPeer
			t.Source[i].UsedByPeer = true
			return firstUse
		}
	}
	return false
}

// RetireSource removes the source CID with the given sequence number. It
// reports PROTOCOL_VIOLATION if this would empty the table (§4.4
// RETIRE_CONNECTION_ID: "if it was the last, PROTOCOL_VIOLATION").
func (t *CIDTables) RetireSource(seq uint64) (removed SourceCID, err error) {
	idx := -1
	for i := range t.Source {
		if t.Source[i].Sequence == seq {
			idx = i
			break
		}
	}
	if idx < 0 {
		return SourceCID{}, nil // unknown sequence: silently ignored upstream
	}
	if len(t.Source) == 1 {
		return SourceCID{}, ErrProtocolViolation
	}
	removed = t.Source[idx]
	t.Source = append(t.Source[:idx], t.Source[idx+1:]...)
	return removed, nil
}

// AppendDestCID appends a peer-offered destination CID if under the active
// CID limit (§4.4 NEW_CONNECTION_ID). Returns false if ignored.
func (t *CIDTables) AppendDestCID(cid []byte, resetToken *[16]byte, activeCidLimit uint64) bool {
	if t.destCnt >= activeCidLimit {
		return false
	}
	t.Dest = append(t.Dest, DestCID{Sequence: uint64(len(t.Dest)), CID: cid, ResetToken: resetToken})
	t.destCnt++
	return true
}

// CurrentDest returns the destination CID currently in use (the head of the
// list), or false if none remain.
func (t *CIDTables) CurrentDest() (DestCID, bool) {
	if len(t.Dest) == 0 {
		return DestCID{}, false
	}
	return t.Dest[0], true
}

// RetireCurrentDest removes the current destination CID, used by the
// FORCE_CID_UPDATE path and by "peer changed DestCID but we didn't
// initiate" (§4.2 post-processing).
func (t *CIDTables) RetireCurrentDest() (DestCID, bool) {
	if len(t.Dest) == 0 {
		return DestCID{}, false
	}
	removed := t.Dest[0]
	removed.Retired = true
	t.Dest = t.Dest[1:]
	if t.destCnt > 0 {
		t.destCnt--
	}
	return removed, true
}

// SetCurrentDest makes cid the current destination CID by inserting it at
// the head of the list; earlier entries stay behind it (used by
// HandleRetry).
func (t *CIDTables) SetCurrentDest(cid []byte) {
	t.Dest = append([]DestCID{{CID: cid}}, t.Dest...)
}

// HasResetToken reports whether any stored destination CID carries token,
// used by the stateless-reset detection path (§4.2).
func (t *CIDTables) HasResetToken(token [16]byte) bool {
	for _, d := range t.Dest {
		if d.ResetToken != nil && *d.ResetToken == token {
			return true
		}
	}
	return false
}

// GenerateSourceCID produces a fresh collision-free CID with the standard
// CONNECTION_ID_LENGTH, per §4.8's bounded retry loop. accept is consulted
// (typically the binding's registration call) to detect collisions: every
// error it returns is treated as a collision and retried, up to
// MaxCidCollisionRetry times. Only a failure to read random bytes is
// returned immediately.
func GenerateSourceCID(accept func(cid []byte) error) ([]byte, error) {
	var lastErr error
	for i := 0; i < MaxCidCollisionRetry; i++ {
		cid := make([]byte, ConnectionIDLength)
		if _, err := rand.Read(cid); err != nil {
			return nil, err
		}
		if err := accept(cid); err != nil {
			lastErr = err
			continue
		}
		return cid, nil
	}
	return nil, fmt.Errorf("cid: exhausted %d collision retries: %w", MaxCidCollisionRetry, lastErr)
}
