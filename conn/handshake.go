package conn

import (
	"bytes"
	"encoding/binary"
)

// TransportParameters is the decoded peer transport-parameter set of §3
// (PeerTransportParams) / §4.7. Only the fields the core itself reasons
// about are modeled; everything else (including most stream-flow-control
// parameters) is owned by the stream set collaborator once ingested.
type TransportParameters struct {
	InitialMaxStreamDataBidiLocal  uint64
	InitialMaxStreamDataBidiRemote uint64
	InitialMaxStreamDataUni        uint64
	InitialMaxData                 uint64
	ActiveConnectionIDLimit        uint64
	MaxPacketSize                  uint64
	MaxAckDelayMs                  uint64
	DisableActiveMigration         bool
	IdleTimeoutMs                  uint64
	StatelessResetToken            *[16]byte
	AckDelayExponent                uint8
	InitialMaxStreamsBidi           uint64
	InitialMaxStreamsUni            uint64
	OriginalConnectionID            []byte
	FromCache                       bool
}

// BuildLocalTransportParameters advertises the set described in §4.7,
// reading MTU from the datapath collaborator and the stateless-reset token
// from the binding (server only).
func (c *Connection) BuildLocalTransportParameters() TransportParameters {
	tp := TransportParameters{
		InitialMaxStreamDataBidiLocal:  c.Config.InitialMaxStreamDataBidiLocal,
		InitialMaxStreamDataBidiRemote: c.Config.InitialMaxStreamDataBidiRemote,
		InitialMaxStreamDataUni:        c.Config.InitialMaxStreamDataUni,
		InitialMaxData:                 c.Config.InitialMaxData,
		ActiveConnectionIDLimit:        c.Config.ActiveCidLimit,
		DisableActiveMigration:         true,
		InitialMaxStreamsBidi:          c.Config.InitialMaxStreamsBidi,
		InitialMaxStreamsUni:           c.Config.InitialMaxStreamsUni,
	}
	if c.Datapath != nil {
		tp.MaxPacketSize = uint64(c.Datapath.LocalMTU())
	}
	if c.Config.MaxAckDelay > 0 {
		tp.MaxAckDelayMs = uint64(c.Config.MaxAckDelay.Milliseconds())
	}
	if c.Config.IdleTimeout > 0 {
		tp.IdleTimeoutMs = uint64(c.Config.IdleTimeout.Milliseconds())
	}
	if c.Config.AckDelayExponent != 3 {
		tp.AckDelayExponent = c.Config.AckDelayExponent
	}
	if c.Role == RoleServer {
		if c.Binding != nil && len(c.CIDs.Source) > 0 {
			if tok, err := c.Binding.GenerateStatelessResetToken(c.CIDs.Source[0].CID); err == nil {
				tp.StatelessResetToken = &tok
			}
		}
		if c.State().Has(StateReceivedRetryPacket) {
			tp.OriginalConnectionID = c.OrigCID
		}
	}
	return tp
}

// LoadCachedPeerTransportParameters pre-installs peer TPs from a prior
// session-cache hit (§4.7: "consult session server-cache... pre-install
// peer TPs... treated as 'from cache': no OrigCID validation, no
// stream-limit propagation beyond caches").
func (c *Connection) LoadCachedPeerTransportParameters(tp TransportParameters) {
	tp.FromCache = true
	c.PeerTransportParams = &tp
}

// IngestPeerTransportParameters validates and installs the peer's TPs
// (§4.7). On the client, the Retry invariant is enforced: if a Retry
// occurred, the peer must echo OrigCID exactly; otherwise it must not send
// one at all.
func (c *Connection) IngestPeerTransportParameters(tp TransportParameters) error {
	if c.Role == RoleClient {
		gotRetry := c.State().Has(StateReceivedRetryPacket)
		switch {
		case gotRetry && !bytes.Equal(tp.OriginalConnectionID, c.OrigCID):
			c.TryClose(CloseSendNotification, 0, ErrTransportParameterError)
			return ErrTransportParameterError
		case !gotRetry && len(tp.OriginalConnectionID) != 0:
			c.TryClose(CloseSendNotification, 0, ErrTransportParameterError)
			return ErrTransportParameterError
		}
		if tp.StatelessResetToken != nil && len(c.CIDs.Dest) > 0 {
			tok := *tp.StatelessResetToken
			c.CIDs.Dest[0].ResetToken = &tok
		}
	}
	c.PeerTransportParams = &tp
	if c.Streams != nil {
		c.Streams.UpdatePeerStreamLimit(false, tp.InitialMaxStreamsBidi)
		c.Streams.UpdatePeerStreamLimit(true, tp.InitialMaxStreamsUni)
	}
	return nil
}

// Marshal encodes tp as a fixed-order sequence of varints plus the
// stateless-reset token and original-CID trailers, used both when sending
// the local TPs to the TLS engine and when persisting them into a
// ResumptionState blob (§4.9, §6).
func (tp *TransportParameters) Marshal() ([]byte, error) {
	out := make([]byte, 0, 96)
	put := func(v uint64) { out = appendVarint(out, v) }
	put(tp.InitialMaxStreamDataBidiLocal)
	put(tp.InitialMaxStreamDataBidiRemote)
	put(tp.InitialMaxStreamDataUni)
	put(tp.InitialMaxData)
	put(tp.ActiveConnectionIDLimit)
	put(tp.MaxPacketSize)
	put(tp.MaxAckDelayMs)
	put(tp.IdleTimeoutMs)
	put(tp.InitialMaxStreamsBidi)
	put(tp.InitialMaxStreamsUni)
	out = append(out, tp.AckDelayExponent)
	if tp.DisableActiveMigration {
		out = append(out, 1)
	} else {
		out = append(out, 0)
	}
	if tp.StatelessResetToken != nil {
		out = append(out, 1)
		out = append(out, tp.StatelessResetToken[:]...)
	} else {
		out = append(out, 0)
	}
	var cidLen [2]byte
	binary.BigEndian.PutUint16(cidLen[:], uint16(len(tp.OriginalConnectionID)))
	out = append(out, cidLen[:]...)
	out = append(out, tp.OriginalConnectionID...)
	return out, nil
}
