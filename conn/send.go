package conn

import "context"

// SendFlags accumulate monotonically within a drain and are materialized
// at the next flush-send (§5).
type SendFlags uint32

const (
	SendFlagAck SendFlags = 1 << iota
	SendFlagMaxData
	SendFlagPathResponse
	SendFlagNewConnectionID
	SendFlagRetireConnectionID
	SendFlagPing
	SendFlagConnectionClose
	SendFlagHandshakeDone
)

// SendState is the outbound-intent accumulator of §2/§4.4: app data, ACKs
// and control frames set flags here; flush-send later asks the stream set
// and frame builders for bytes.
type SendState struct {
	Flags         SendFlags
	InitialToken  []byte
	PathResponse  [8]byte
	PeerMaxData   uint64
	ConnFlowBlocked bool
}

func (c *Connection) setSendFlag(f SendFlags) { c.Send.Flags |= f }

// flushSend asks the stream set and frame builders for bytes and hands the
// resulting datagram(s) to the datapath. It returns true if there is more
// to send, in which case the caller (dispatch) re-queues flush-send rather
// than freeing it (§4.1).
func (c *Connection) flushSend() (more bool) {
	if c.State().Has(StateClosedLocally) && c.Send.Flags&SendFlagConnectionClose != 0 {
		c.emitConnectionClose()
		c.Send.Flags &^= SendFlagConnectionClose
	}

	if c.Streams == nil || c.Datapath == nil {
		c.Send.Flags = 0
		c.Close.immediateAckPending = false
		return false
	}

	budget := 1200
	if c.Pacer != nil && !c.Pacer.Allow(budget) {
		c.Timers.Set(TimerPacing, c.Pacer.NextDelay(budget))
		return false
	}

	frames, hasMore := c.Streams.BuildFrames(budget)
	if len(frames) > 0 {
		_ = c.Datapath.Send(context.Background(), []Datagram{{Data: frames, RemoteAddr: c.RemoteAddress, LocalAddr: c.LocalAddress}})
		c.Stats.PacketsSent++
		c.Stats.BytesSent += uint64(len(frames))
		if c.CC != nil {
			c.CC.OnPacketSent(len(frames))
		}
	}

	c.Send.Flags = 0
	c.Close.immediateAckPending = false
	return hasMore
}

// emitConnectionClose sends a CONNECTION_CLOSE frame (application or
// transport variant per §4.4/§4.5). flushSend calls it once each time it
// runs while closed locally with SendFlagConnectionClose set; nothing in
// the receive pipeline sets that flag, so the frame is not retransmitted
// on incoming packets during the closing period.
func (c *Connection) emitConnectionClose() {
	if c.Datapath == nil {
		return
	}
	frame := buildConnectionCloseFrame(c.Close.AppClosed, c.Close.TransportError, c.Close.ReasonPhrase)
	_ = c.Datapath.Send(context.Background(), []Datagram{{Data: frame, RemoteAddr: c.RemoteAddress, LocalAddr: c.LocalAddress}})
}

func buildConnectionCloseFrame(app bool, errCode TransportError, reason string) []byte {
	frameType := byte(0x1c)
	if app {
		frameType = 0x1d
	}
	out := []byte{frameType}
	out = appendVarint(out, uint64(errCode))
	if !app {
		out = appendVarint(out, 0) // frame type that triggered the error; unknown here, encode 0
	}
	out = appendVarint(out, uint64(len(reason)))
	out = append(out, reason...)
	return out
}

// appendVarint appends v encoded as a QUIC variable-length integer.
func appendVarint(buf []byte, v uint64) []byte {
	switch {
	case v <= 63:
		return append(buf, byte(v))
	case v <= 16383:
		return append(buf, byte(0x40|(v>>8)), byte(v))
	case v <= 1073741823:
		return append(buf, byte(0x80|(v>>24)), byte(v>>16), byte(v>>8), byte(v))
	default:
		return append(buf, byte(0xc0|(v>>56)), byte(v>>48), byte(v>>40), byte(v>>32), byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	}
}
