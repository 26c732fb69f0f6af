package conn

import (
	"encoding/binary"
	"fmt"
	"time"
)

// FrameType is a QUIC frame type (§4.4: "Type 0x1E is the maximum").
type FrameType uint64

const (
	FramePadding             FrameType = 0x00
	FramePing                FrameType = 0x01
	FrameAck                 FrameType = 0x02
	FrameAckECN              FrameType = 0x03
	FrameResetStream         FrameType = 0x04
	FrameStopSending         FrameType = 0x05
	FrameCrypto              FrameType = 0x06
	FrameNewToken            FrameType = 0x07
	FrameStreamBase          FrameType = 0x08 // 0x08-0x0f
	FrameMaxData             FrameType = 0x10
	FrameMaxStreamData       FrameType = 0x11
	FrameMaxStreamsBidi      FrameType = 0x12
	FrameMaxStreamsUni       FrameType = 0x13
	FrameDataBlocked         FrameType = 0x14
	FrameStreamDataBlocked   FrameType = 0x15
	FrameStreamsBlockedBidi  FrameType = 0x16
	FrameStreamsBlockedUni   FrameType = 0x17
	FrameNewConnectionID     FrameType = 0x18
	FrameRetireConnectionID  FrameType = 0x19
	FramePathChallenge       FrameType = 0x1a
	FramePathResponse        FrameType = 0x1b
	FrameConnectionCloseXprt FrameType = 0x1c
	FrameConnectionCloseApp  FrameType = 0x1d
	FrameHandshakeDone       FrameType = 0x1e
	frameTypeMax             FrameType = 0x1e
)

// frameAllowedAtLevel implements the per-encryption-level frame allow-list
// of §4.4.
func frameAllowedAtLevel(t FrameType, level EncryptionLevel) bool {
	switch level {
	case EncryptionInitial, EncryptionHandshake:
		switch t {
		case FramePadding, FramePing, FrameAck, FrameAckECN, FrameCrypto, FrameConnectionCloseXprt:
			return true
		default:
			return false
		}
	case Encryption0RTT:
		switch t {
		case FrameAck, FrameAckECN, FrameConnectionCloseXprt, FrameConnectionCloseApp:
			return false
		default:
			return true
		}
	default: // 1-RTT: all frames
		return true
	}
}

func isStreamFrame(t FrameType) bool {
	return t >= FrameStreamBase && t <= FrameStreamBase+7
}

// frameReader is a minimal cursor over a decrypted packet payload,
// decoding the QUIC variable-length integer encoding (RFC 9000 §16).
type frameReader struct {
	buf []byte
	pos int
}

func (r *frameReader) remaining() int { return len(r.buf) - r.pos }

func (r *frameReader) readByte() (byte, error) {
	if r.remaining() < 1 {
		return 0, fmt.Errorf("frame: truncated")
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *frameReader) readVarint() (uint64, error) {
	if r.remaining() < 1 {
		return 0, fmt.Errorf("frame: truncated varint")
	}
	first := r.buf[r.pos]
	length := 1 << (first >> 6)
	if r.remaining() < length {
		return 0, fmt.Errorf("frame: truncated varint body")
	}
	var v uint64
	switch length {
	case 1:
		v = uint64(first & 0x3f)
	case 2:
		v = uint64(binary.BigEndian.Uint16(r.buf[r.pos:])) & 0x3fff
	case 4:
		v = uint64(binary.BigEndian.Uint32(r.buf[r.pos:])) & 0x3fffffff
	case 8:
		v = binary.BigEndian.Uint64(r.buf[r.pos:]) & 0x3fffffffffffffff
	}
	r.pos += length
	return v, nil
}

func (r *frameReader) readBytes(n int) ([]byte, error) {
	if r.remaining() < n {
		return nil, fmt.Errorf("frame: truncated bytes")
	}
	out := r.buf[r.pos : r.pos+n]
	r.pos += n
	return out, nil
}

// ProcessFrames runs the frame loop of §4.4 over a decrypted packet
// payload, dispatching each frame and tracking ack-eliciting-ness for the
// packet as a whole. It returns a transport error if any frame is
// disallowed at this level, unknown, or malformed; it returns
// (nil, true) if the handle was closed mid-loop and the caller must exit
// the frame loop immediately (§4.4 CONNECTION_CLOSE handling).
func (c *Connection) ProcessFrames(level EncryptionLevel, payload []byte, pn uint64) (err error, handleClosed bool) {
	r := &frameReader{buf: payload}
	ackEliciting := false
	ackImmediately := false

	for r.remaining() > 0 {
		typeByte, terr := r.readVarint()
		if terr != nil {
			return ErrFrameEncodingError, false
		}
		ft := FrameType(typeByte)
		if !isStreamFrame(ft) && ft > frameTypeMax {
			return ErrFrameEncodingError, false
		}
		if !frameAllowedAtLevel(ft, level) {
			return ErrFrameEncodingError, false
		}

		switch {
		case ft == FramePadding:
			for r.remaining() > 0 && r.buf[r.pos] == 0 {
				r.pos++
			}
		case ft == FramePing:
			ackEliciting = true
			ackImmediately = true
		case ft == FrameAck || ft == FrameAckECN:
			if err := c.handleAckFrame(level, r, ft == FrameAckECN); err != nil {
				return err, false
			}
		case ft == FrameCrypto:
			ackEliciting = true
			if err := c.handleCryptoFrame(level, r); err != nil {
				return err, false
			}
		case ft == FrameNewToken:
			ackEliciting = true
			if _, err := readLengthPrefixed(r); err != nil {
				return ErrFrameEncodingError, false
			}
		case isStreamFrame(ft) || ft == FrameResetStream || ft == FrameStopSending ||
			ft == FrameMaxStreamData || ft == FrameStreamDataBlocked:
			ackEliciting = true
			if err := c.handleStreamFamilyFrame(ft, r); err != nil {
				return err, false
			}
		case ft == FrameMaxData:
			ackEliciting = true
			if err := c.handleMaxDataFrame(r); err != nil {
				return err, false
			}
		case ft == FrameMaxStreamsBidi || ft == FrameMaxStreamsUni:
			ackEliciting = true
			if err := c.handleMaxStreamsFrame(ft == FrameMaxStreamsUni, r); err != nil {
				return err, false
			}
		case ft == FrameDataBlocked:
			ackEliciting = true
			if _, err := r.readVarint(); err != nil {
				return ErrFrameEncodingError, false
			}
			c.setSendFlag(SendFlagMaxData)
		case ft == FrameStreamsBlockedBidi || ft == FrameStreamsBlockedUni:
			ackEliciting = true
			if _, err := r.readVarint(); err != nil {
				return ErrFrameEncodingError, false
			}
			c.raiseEvent(Event{Type: EventPeerNeedsStreams})
		case ft == FrameNewConnectionID:
			ackEliciting = true
			if err := c.handleNewConnectionIDFrame(r); err != nil {
				return err, false
			}
		case ft == FrameRetireConnectionID:
			ackEliciting = true
			if err := c.handleRetireConnectionIDFrame(r); err != nil {
				return err, false
			}
		case ft == FramePathChallenge:
			ackEliciting = true
			data, err := r.readBytes(8)
			if err != nil {
				return ErrFrameEncodingError, false
			}
			var arr [8]byte
			copy(arr[:], data)
			if arr != c.Send.PathResponse {
				c.Send.PathResponse = arr
				c.setSendFlag(SendFlagPathResponse)
			}
		case ft == FramePathResponse:
			ackEliciting = true
			if _, err := r.readBytes(8); err != nil {
				return ErrFrameEncodingError, false
			}
		case ft == FrameConnectionCloseXprt || ft == FrameConnectionCloseApp:
			errCode, terr := r.readVarint()
			if terr != nil {
				return ErrFrameEncodingError, false
			}
			if ft == FrameConnectionCloseXprt {
				if _, err := r.readVarint(); err != nil { // triggering frame type
					return ErrFrameEncodingError, false
				}
			}
			reason, terr := readLengthPrefixed(r)
			if terr != nil {
				return ErrFrameEncodingError, false
			}
			c.ObservePeerClose(ft == FrameConnectionCloseApp, TransportError(errCode), string(reason))
			if c.State().Has(StateHandleClosed) {
				return nil, true
			}
		case ft == FrameHandshakeDone:
			ackEliciting = true
			c.setState(StateHandshakeConfirmed)
		default:
			return ErrFrameEncodingError, false
		}
	}

	if pkt := c.Packets[level]; pkt != nil && pkt.AckTracker != nil {
		if ackEliciting {
			pkt.AckTracker.AckEliciting(pn)
		}
		if ackImmediately {
			c.Close.immediateAckPending = true
		}
	}
	return nil, false
}

func readLengthPrefixed(r *frameReader) ([]byte, error) {
	n, err := r.readVarint()
	if err != nil {
		return nil, err
	}
	return r.readBytes(int(n))
}

func (c *Connection) handleAckFrame(level EncryptionLevel, r *frameReader, ecn bool) error {
	largest, err := r.readVarint()
	if err != nil {
		return ErrFrameEncodingError
	}
	delay, err := r.readVarint()
	if err != nil {
		return ErrFrameEncodingError
	}
	rangeCount, err := r.readVarint()
	if err != nil {
		return ErrFrameEncodingError
	}
	firstRange, err := r.readVarint()
	if err != nil {
		return ErrFrameEncodingError
	}
	ranges := []AckRange{{Largest: largest, Smallest: largest - firstRange}}
	smallest := ranges[0].Smallest
	for i := uint64(0); i < rangeCount; i++ {
		gap, err := r.readVarint()
		if err != nil {
			return ErrFrameEncodingError
		}
		rl, err := r.readVarint()
		if err != nil {
			return ErrFrameEncodingError
		}
		if smallest < gap+2 {
			return ErrFrameEncodingError
		}
		largest := smallest - gap - 2
		smallest = largest - rl
		ranges = append(ranges, AckRange{Largest: largest, Smallest: smallest})
	}
	if ecn {
		for i := 0; i < 3; i++ {
			if _, err := r.readVarint(); err != nil {
				return ErrFrameEncodingError
			}
		}
	}
	if c.LossDet != nil {
		ackDelay := time.Duration(delay<<c.Config.AckDelayExponent) * time.Microsecond
		if err := c.LossDet.OnAckReceived(level, ranges, ackDelay); err != nil {
			return ErrFrameEncodingError
		}
	}
	return nil
}

func (c *Connection) handleCryptoFrame(level EncryptionLevel, r *frameReader) error {
	if _, err := r.readVarint(); err != nil { // offset
		return ErrFrameEncodingError
	}
	data, err := readLengthPrefixed(r)
	if err != nil {
		return ErrFrameEncodingError
	}
	if c.TLS == nil {
		return nil
	}
	status, err := c.TLS.ProcessFrame(level, data)
	if err != nil {
		return ErrInternalError
	}
	if status != StatusSuccess {
		return ErrFrameEncodingError
	}
	c.Enqueue(Operation{Type: OpTLSComplete})
	return nil
}

func (c *Connection) handleStreamFamilyFrame(ft FrameType, r *frameReader) error {
	streamID, err := r.readVarint()
	if err != nil {
		return ErrFrameEncodingError
	}
	if err := validateStreamOrigin(c.Role, ft, streamID); err != nil {
		return ErrStreamStateError
	}
	if c.Streams == nil {
		return nil
	}
	switch ft {
	case FrameResetStream:
		errCode, e1 := r.readVarint()
		finalSize, e2 := r.readVarint()
		if e1 != nil || e2 != nil {
			return ErrFrameEncodingError
		}
		if err := c.Streams.HandleResetStream(streamID, errCode, finalSize); err != nil {
			return ErrStreamStateError
		}
	case FrameStopSending:
		errCode, e1 := r.readVarint()
		if e1 != nil {
			return ErrFrameEncodingError
		}
		if err := c.Streams.HandleStopSending(streamID, errCode); err != nil {
			return ErrStreamStateError
		}
	case FrameMaxStreamData:
		limit, e1 := r.readVarint()
		if e1 != nil {
			return ErrFrameEncodingError
		}
		if err := c.Streams.HandleMaxStreamData(streamID, limit); err != nil {
			return ErrStreamStateError
		}
	case FrameStreamDataBlocked:
		limit, e1 := r.readVarint()
		if e1 != nil {
			return ErrFrameEncodingError
		}
		if err := c.Streams.HandleStreamDataBlocked(streamID, limit); err != nil {
			return ErrStreamStateError
		}
	default: // STREAM frames, base 0x08-0x0f
		hasOffset := ft&0x04 != 0
		hasLength := ft&0x02 != 0
		fin := ft&0x01 != 0
		var offset uint64
		if hasOffset {
			offset, err = r.readVarint()
			if err != nil {
				return ErrFrameEncodingError
			}
		}
		var data []byte
		if hasLength {
			data, err = readLengthPrefixed(r)
		} else {
			data = r.buf[r.pos:]
			r.pos = len(r.buf)
		}
		if err != nil {
			return ErrFrameEncodingError
		}
		if err := c.Streams.HandleStream(streamID, offset, data, fin); err != nil {
			return ErrStreamStateError
		}
		c.Enqueue(Operation{Type: OpFlushStreamRecv})
	}
	return nil
}

// validateStreamOrigin enforces §4.4's direction/origin check: unidirectional
// streams only accept sender-side frames from the originator and
// receiver-side frames from the opposite side. Stream ID bit 1 selects
// uni/bidi, bit 0 selects which role initiated it. STREAM, RESET_STREAM and
// STREAM_DATA_BLOCKED are sender-side; MAX_STREAM_DATA and STOP_SENDING are
// receiver-side.
func validateStreamOrigin(role Role, ft FrameType, streamID uint64) error {
	uni := streamID&0x2 != 0
	if !uni {
		return nil
	}
	initiatorIsClient := streamID&0x1 == 0
	peerInitiated := initiatorIsClient != (role == RoleClient)
	senderSide := isStreamFrame(ft) || ft == FrameResetStream || ft == FrameStreamDataBlocked
	if senderSide != peerInitiated {
		return ErrStreamStateError
	}
	return nil
}

func (c *Connection) handleMaxDataFrame(r *frameReader) error {
	max, err := r.readVarint()
	if err != nil {
		return ErrFrameEncodingError
	}
	if max > c.Send.PeerMaxData {
		c.Send.PeerMaxData = max
		c.Send.ConnFlowBlocked = false
		c.setSendFlag(SendFlagAck)
	}
	return nil
}

func (c *Connection) handleMaxStreamsFrame(uni bool, r *frameReader) error {
	limit, err := r.readVarint()
	if err != nil {
		return ErrFrameEncodingError
	}
	if limit > c.Config.MaxMaxStreams {
		limit = c.Config.MaxMaxStreams
	}
	if c.Streams != nil {
		_ = c.Streams.HandleMaxStreams(uni, limit)
	}
	return nil
}

func (c *Connection) handleNewConnectionIDFrame(r *frameReader) error {
	seq, e1 := r.readVarint()
	_, e2 := r.readVarint() // retire prior to
	cidLen, e3 := r.readByte()
	if e1 != nil || e2 != nil || e3 != nil {
		return ErrFrameEncodingError
	}
	cid, e4 := r.readBytes(int(cidLen))
	tokenBytes, e5 := r.readBytes(16)
	if e4 != nil || e5 != nil {
		return ErrFrameEncodingError
	}
	var token [16]byte
	copy(token[:], tokenBytes)
	_ = seq
	c.CIDs.AppendDestCID(cid, &token, c.Config.ActiveCidLimit)
	return nil
}

func (c *Connection) handleRetireConnectionIDFrame(r *frameReader) error {
	seq, err := r.readVarint()
	if err != nil {
		return ErrFrameEncodingError
	}
	removed, rerr := c.CIDs.RetireSource(seq)
	if rerr != nil {
		return rerr
	}
	if removed.CID == nil {
		return nil // unknown sequence: silently ignored (§4.4)
	}
	if c.Binding != nil {
		c.Binding.RemoveSourceConnectionID(removed.CID)
	}
	newCID, err := GenerateSourceCID(func(cid []byte) error {
		if c.Binding != nil {
			return c.Binding.AddSourceConnectionID(cid, c)
		}
		return nil
	})
	if err != nil {
		c.log().WithError(err).Warn("failed to generate replacement source CID")
		return nil
	}
	var resetToken [16]byte
	if c.Binding != nil {
		if tok, err := c.Binding.GenerateStatelessResetToken(newCID); err == nil {
			resetToken = tok
		}
	}
	sc := c.CIDs.AddSourceCIDTail(newCID, resetToken)
	if sc.Sequence > 0 {
		c.setSendFlag(SendFlagNewConnectionID)
	}
	return nil
}
