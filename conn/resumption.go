package conn

import (
	"encoding/binary"
	"fmt"
)

// ResumptionState is the persisted client-side session-cache tuple of
// §4.7/§6: "(version, peer-TPs, sec-config)" plus the opaque ticket bytes
// the TLS engine produced. Wire layout per §6:
//
//	version:u32 | peer-tp-struct | server-name-length:u16 | server-name-bytes | opaque-ticket-bytes
type ResumptionState struct {
	Version      uint32
	PeerTP       []byte // opaque, TLS-engine-defined encoding
	ServerName   string
	OpaqueTicket []byte
}

// Marshal serializes the blob in the §6 layout, used by the
// probe-then-fill RESUMPTION_STATE get (§4.9: "the call is probe-then-fill,
// so callers invoke twice").
func (r ResumptionState) Marshal() []byte {
	buf := make([]byte, 0, 4+2+len(r.PeerTP)+2+len(r.ServerName)+len(r.OpaqueTicket))

	var v [4]byte
	binary.BigEndian.PutUint32(v[:], r.Version)
	buf = append(buf, v[:]...)

	var tpLen [2]byte
	binary.BigEndian.PutUint16(tpLen[:], uint16(len(r.PeerTP)))
	buf = append(buf, tpLen[:]...)
	buf = append(buf, r.PeerTP...)

	var nameLen [2]byte
	binary.BigEndian.PutUint16(nameLen[:], uint16(len(r.ServerName)))
	buf = append(buf, nameLen[:]...)
	buf = append(buf, r.ServerName...)

	buf = append(buf, r.OpaqueTicket...)
	return buf
}

// UnmarshalResumptionState parses a blob previously produced by Marshal,
// e.g. when a client loads its session cache before starting a handshake
// (§4.7).
func UnmarshalResumptionState(data []byte) (ResumptionState, error) {
	var r ResumptionState
	if len(data) < 4+2 {
		return r, fmt.Errorf("resumption: truncated header")
	}
	r.Version = binary.BigEndian.Uint32(data[0:4])
	data = data[4:]

	tpLen := int(binary.BigEndian.Uint16(data[0:2]))
	data = data[2:]
	if len(data) < tpLen+2 {
		return r, fmt.Errorf("resumption: truncated peer TP")
	}
	r.PeerTP = append([]byte(nil), data[:tpLen]...)
	data = data[tpLen:]

	nameLen := int(binary.BigEndian.Uint16(data[0:2]))
	data = data[2:]
	if len(data) < nameLen {
		return r, fmt.Errorf("resumption: truncated server name")
	}
	r.ServerName = string(data[:nameLen])
	data = data[nameLen:]

	r.OpaqueTicket = append([]byte(nil), data...)
	return r, nil
}
