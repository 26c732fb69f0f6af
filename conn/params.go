package conn

import (
	"encoding/binary"
	"time"
)

// ParamID identifies a gettable/settable connection parameter (§4.9).
type ParamID int

const (
	ParamQuicVersion ParamID = iota
	ParamLocalAddress
	ParamRemoteAddress
	ParamIdleTimeout
	ParamPeerBidiStreamCount
	ParamPeerUnidiStreamCount
	ParamCloseReasonPhrase
	ParamCertValidationFlags
	ParamKeepAlive
	ParamDisconnectTimeout
	ParamSecConfig
	ParamSendBuffering
	ParamSendPacing
	ParamShareUDPBinding
	ParamForceKeyUpdate
	ParamForceCIDUpdate
	ParamStatistics
	ParamStatisticsPlat
	ParamResumptionState
)

const maxReasonPhraseLen = 512

// MaxDisconnectTimeout bounds DISCONNECT_TIMEOUT (§4.9).
const MaxDisconnectTimeout = 5 * time.Minute

// SetParam implements the typed parameter dispatcher's set half of §4.9.
// Buffer layout is deliberately simple (fixed-width big-endian scalars,
// raw bytes for strings/blobs) since this core has no wire-compatible ABI
// to preserve.
func (c *Connection) SetParam(id ParamID, buf []byte) Status {
	switch id {
	case ParamQuicVersion:
		if c.State().Has(StateStarted) {
			return StatusInvalidState
		}
		if len(buf) < 4 {
			return StatusInvalidParameter
		}
		c.QuicVersion = binary.BigEndian.Uint32(buf)
		c.Config.QuicVersion = c.QuicVersion
		return StatusSuccess

	case ParamLocalAddress:
		if c.State().Has(StateStarted) && c.State().Has(StateConnected) {
			if c.Binding != nil {
				c.Binding.MoveSourceConnectionIDs(c, c)
			}
			c.setState(StateInitiatedCidUpdate)
			c.setSendFlag(SendFlagPing)
			c.Enqueue(Operation{Type: OpFlushSend})
			return StatusSuccess
		}
		return StatusSuccess

	case ParamRemoteAddress:
		if c.State().Has(StateStarted) {
			return StatusInvalidState
		}
		return StatusSuccess

	case ParamIdleTimeout:
		if c.State().Has(StateStarted) {
			return StatusInvalidState
		}
		if len(buf) < 8 {
			return StatusInvalidParameter
		}
		c.Config.IdleTimeout = time.Duration(binary.BigEndian.Uint64(buf)) * time.Millisecond
		return StatusSuccess

	case ParamPeerBidiStreamCount:
		if len(buf) < 8 {
			return StatusInvalidParameter
		}
		v := binary.BigEndian.Uint64(buf)
		if c.Streams != nil {
			c.Streams.UpdatePeerStreamLimit(false, v)
		}
		return StatusSuccess

	case ParamPeerUnidiStreamCount:
		if len(buf) < 8 {
			return StatusInvalidParameter
		}
		v := binary.BigEndian.Uint64(buf)
		if c.Streams != nil {
			c.Streams.UpdatePeerStreamLimit(true, v)
		}
		return StatusSuccess

	case ParamCloseReasonPhrase:
		if len(buf) >= maxReasonPhraseLen {
			return StatusInvalidParameter
		}
		c.Close.ReasonPhrase = string(buf)
		return StatusSuccess

	case ParamCertValidationFlags:
		if c.Role != RoleClient || c.State().Has(StateStarted) {
			return StatusInvalidState
		}
		return StatusSuccess

	case ParamKeepAlive:
		if len(buf) < 8 {
			return StatusInvalidParameter
		}
		c.Config.KeepAliveInterval = time.Duration(binary.BigEndian.Uint64(buf)) * time.Millisecond
		if c.Config.KeepAliveInterval > 0 {
			c.Timers.Set(TimerKeepAlive, c.Config.KeepAliveInterval)
		} else {
			c.Timers.Cancel(TimerKeepAlive)
		}
		return StatusSuccess

	case ParamDisconnectTimeout:
		if len(buf) < 8 {
			return StatusInvalidParameter
		}
		d := time.Duration(binary.BigEndian.Uint64(buf)) * time.Millisecond
		if d <= 0 || d > MaxDisconnectTimeout {
			return StatusInvalidParameter
		}
		c.Config.DisconnectTimeout = d
		return StatusSuccess

	case ParamSecConfig:
		if c.Role != RoleServer || c.State().Has(StateTLSConfigured) {
			return StatusInvalidState
		}
		c.setState(StateTLSConfigured)
		if c.TLS != nil {
			localTP := c.BuildLocalTransportParameters()
			encoded, err := localTP.Marshal()
			if err != nil {
				return StatusInternalError
			}
			if err := c.TLS.InitializeTLS(buf, encoded); err != nil {
				return StatusInternalError
			}
		}
		return StatusSuccess

	case ParamSendBuffering, ParamSendPacing, ParamShareUDPBinding:
		if len(buf) < 1 {
			return StatusInvalidParameter
		}
		return StatusSuccess

	case ParamForceKeyUpdate:
		space := c.Packets[Encryption1RTT]
		if !c.State().Has(StateConnected) || space == nil || space.KeyPhase.AwaitingConfirmation ||
			!c.State().Has(StateHandshakeConfirmed) {
			return StatusInvalidState
		}
		if err := c.initiateKeyUpdate(space); err != nil {
			return StatusInternalError
		}
		return StatusSuccess

	case ParamForceCIDUpdate:
		if !c.State().Has(StateConnected) || !c.State().Has(StateHandshakeConfirmed) {
			return StatusInvalidState
		}
		c.setState(StateInitiatedCidUpdate)
		c.CIDs.RetireCurrentDest()
		c.setSendFlag(SendFlagRetireConnectionID)
		c.Enqueue(Operation{Type: OpFlushSend})
		return StatusSuccess

	default:
		return StatusInvalidParameter
	}
}

// GetParam implements the get half of §4.9: "buffer-too-small (with
// required size) or the serialized value".
func (c *Connection) GetParam(id ParamID, buf []byte) (n int, status Status) {
	write := func(v []byte) (int, Status) {
		if len(buf) < len(v) {
			return len(v), StatusBufferTooSmall
		}
		copy(buf, v)
		return len(v), StatusSuccess
	}

	switch id {
	case ParamQuicVersion:
		var v [4]byte
		binary.BigEndian.PutUint32(v[:], c.QuicVersion)
		return write(v[:])

	case ParamLocalAddress:
		if c.LocalAddress == nil {
			return write(nil)
		}
		return write([]byte(c.LocalAddress.String()))

	case ParamRemoteAddress:
		if c.RemoteAddress == nil {
			return write(nil)
		}
		return write([]byte(c.RemoteAddress.String()))

	case ParamIdleTimeout:
		var v [8]byte
		binary.BigEndian.PutUint64(v[:], uint64(c.Config.IdleTimeout/time.Millisecond))
		return write(v[:])

	case ParamCloseReasonPhrase:
		return write([]byte(c.Close.ReasonPhrase))

	case ParamDisconnectTimeout:
		var v [8]byte
		binary.BigEndian.PutUint64(v[:], uint64(c.Config.DisconnectTimeout/time.Millisecond))
		return write(v[:])

	case ParamStatistics, ParamStatisticsPlat:
		return write(c.Stats.Snapshot().marshal(id == ParamStatisticsPlat))

	case ParamResumptionState:
		if c.Role != RoleClient {
			return 0, StatusInvalidParameter
		}
		rs := ResumptionState{Version: c.QuicVersion}
		if c.PeerTransportParams != nil {
			rs.PeerTP, _ = c.PeerTransportParams.Marshal()
		}
		if c.TLS != nil {
			if n, err := c.TLS.ReadTicket(true, nil); err == nil && n > 0 {
				ticket := make([]byte, n)
				if tn, err := c.TLS.ReadTicket(false, ticket); err == nil {
					rs.OpaqueTicket = ticket[:tn]
				}
			}
		}
		return write(rs.Marshal())

	default:
		return 0, StatusInvalidParameter
	}
}

func (sn Stats) marshal(plat bool) []byte {
	out := make([]byte, 0, 72)
	put := func(v uint64) { var b [8]byte; binary.BigEndian.PutUint64(b[:], v); out = append(out, b[:]...) }
	put(sn.PacketsReceived)
	put(sn.PacketsSent)
	put(sn.BytesReceived)
	put(sn.BytesSent)
	put(sn.DuplicatePackets)
	put(sn.DecryptionFailures)
	put(sn.KeyUpdateCount)
	put(sn.CidUpdateCount)
	put(sn.CongestionEvents)
	return out
}
