package conn

import (
	"bytes"
	"crypto/cipher"
	"encoding/binary"
)

// QueueDatagrams is the "any thread" entry point of §4.2: append the
// incoming chain under the receive-queue lock, enqueuing a FlushRecv
// operation if the queue transitioned from empty, or dropping the whole
// chain if MaxReceiveQueueCount would be exceeded.
func (c *Connection) QueueDatagrams(datagrams []Datagram) {
	c.recvMu.Lock()
	if len(c.recvQueue)+len(datagrams) > MaxReceiveQueueCount {
		c.recvMu.Unlock()
		if c.Datapath != nil {
			c.Datapath.ReturnRecvDatagrams(datagrams)
		}
		return
	}
	becameNonEmpty := len(c.recvQueue) == 0
	c.recvQueue = append(c.recvQueue, datagrams...)
	c.recvMu.Unlock()

	if becameNonEmpty {
		c.Enqueue(Operation{Type: OpFlushRecv})
	}
}

// flushRecv detaches the receive queue and runs the pipeline over it
// (§4.2 Flush).
func (c *Connection) flushRecv() {
	c.recvMu.Lock()
	batch := c.recvQueue
	c.recvQueue = nil
	c.recvMu.Unlock()

	anyValid := false
	for _, dg := range batch {
		if c.processDatagram(dg) {
			anyValid = true
		}
	}

	if anyValid {
		c.Timers.Set(TimerIdle, c.effectiveIdleTimeout())
		if c.Config.KeepAliveInterval > 0 {
			c.Timers.Set(TimerKeepAlive, c.Config.KeepAliveInterval)
		}
	}

	if c.Datapath != nil {
		c.Datapath.ReturnRecvDatagrams(batch)
	}
}

// processDatagram runs §4.2 "Per datagram": address check and the
// per-packet inner loop over coalesced packets. No anti-amplification
// allowance is tracked. It returns whether any packet in the datagram was
// completely valid.
func (c *Connection) processDatagram(dg Datagram) (anyValid bool) {
	if c.RemoteAddress != nil && dg.RemoteAddr != nil && dg.RemoteAddr.String() != c.RemoteAddress.String() {
		// No migration: a remote-address change aborts processing of this
		// datagram (§1 Non-goals, §4.2 step 1).
		return false
	}

	offset := 0
	for offset < len(dg.Data) {
		consumed, valid, fatal := c.processPacket(dg.Data[offset:])
		if fatal {
			break
		}
		if valid {
			anyValid = true
		}
		if consumed <= 0 {
			break
		}
		offset += consumed
	}
	return anyValid
}

// processPacket parses and processes a single (possibly coalesced) packet
// starting at data[0]. It returns how many bytes were consumed, whether the
// packet was fully valid, and whether a non-decryptable leading long-header
// packet forced the datagram loop to stop (§4.2: "until ... a
// non-decryptable leading long-header packet forces a break").
func (c *Connection) processPacket(data []byte) (consumed int, valid bool, fatal bool) {
	hdr, hdrErr := parseHeader(data)
	if hdrErr != nil {
		return len(data), false, true
	}

	if hdr.IsVersionNegotiation {
		if c.Role == RoleClient && !c.State().Has(StateConnected) {
			c.TryClose(CloseSendNotification|CloseQuicStatus, StatusVerNegError, 0)
		}
		return len(data), false, true
	}

	if hdr.IsLongHeader && hdr.Type == longHeaderRetry {
		pkt := RetryPacket{OrigDestCID: hdr.DestCID, NewSourceCID: hdr.SourceCID, Token: hdr.RetryTokenOrPayload}
		_ = c.HandleRetry(pkt)
		return len(data), false, true
	}

	if !hdr.IsLongHeader && !c.State().Has(StateStarted) {
		return len(data), false, true
	}

	level := levelForHeader(hdr)
	space := c.Packets[level]
	if space == nil {
		if c.canDeferLevel(level) {
			if c.Packets[EncryptionInitial] != nil {
				if !c.Packets[EncryptionInitial].DeferDatagram(Datagram{Data: data}) {
					return len(data), false, true
				}
			}
			return len(data), false, true
		}
		return len(data), false, true
	}
	if space.Discarded {
		return len(data), false, true
	}

	if hdr.IsLongHeader && hdr.Type == longHeaderInitial && len(hdr.Token) > 0 {
		if origCID, ok := c.decryptRetryToken(hdr.Token); ok {
			c.OrigCID = origCID
			c.setState(StateSourceAddressValidated)
		}
	}

	hpKey := c.headerProtectionKeyForLevel(level)
	if hpKey == nil {
		return len(data), false, true
	}
	if err := removeHeaderProtection(data[:hdr.TotalLength], hdr, hpKey); err != nil {
		return len(data), false, true
	}

	pn := space.DecodePacketNumber(hdr.TruncatedPN, hdr.PNLength)

	payload, ok, usedNextPhase, reservedBitsViolation := c.decryptPayload(level, space, hdr, pn)
	if reservedBitsViolation {
		// Authentication succeeded but the reserved header bits were
		// nonzero: this is not a tampered/misrouted packet, it's a peer
		// protocol violation (§4.2 Post-auth validation, §7).
		c.TryClose(CloseSendNotification, 0, ErrProtocolViolation)
		return hdr.TotalLength, false, true
	}
	if !ok {
		c.Stats.DecryptionFailures++
		if !hdr.IsLongHeader && isStatelessResetCandidate(data) {
			if c.checkStatelessReset(data) {
				c.TryClose(CloseSilent, StatusAborted, 0)
			}
		}
		if hdr.IsLongHeader {
			return len(data), false, true
		}
		return len(data), false, false
	}

	if space.AckTracker != nil && space.AckTracker.AddPacketNumber(pn) {
		c.Stats.DuplicatePackets++
		return hdr.TotalLength, false, false
	}

	if usedNextPhase {
		c.commitPeerKeyUpdate(space, hdr, pn)
	}

	if pn+1 > space.NextRecvPacketNumber {
		space.NextRecvPacketNumber = pn + 1
	}

	ferr, handleClosed := c.ProcessFrames(level, payload, pn)
	if ferr != nil {
		c.TryClose(CloseSendNotification, 0, ferr.(TransportError))
		return hdr.TotalLength, false, true
	}
	if handleClosed {
		return hdr.TotalLength, true, true
	}

	c.postProcessPacket(hdr, pn)
	c.Stats.PacketsReceived++
	c.Stats.BytesReceived += uint64(hdr.TotalLength)
	return hdr.TotalLength, true, false
}

func (c *Connection) canDeferLevel(level EncryptionLevel) bool {
	return level > EncryptionInitial
}

// postProcessPacket implements §4.2's post-processing: track first use of
// local CIDs and react to a destination-CID change the peer made
// unprompted.
func (c *Connection) postProcessPacket(hdr *packetHeader, pn uint64) {
	if len(hdr.DestCID) > 0 {
		c.CIDs.MarkSourceCIDUsed(hdr.DestCID)
	}
	if len(hdr.SourceCID) > 0 {
		current, ok := c.CIDs.CurrentDest()
		if ok && !bytes.Equal(current.CID, hdr.SourceCID) {
			if !c.State().Has(StateInitiatedCidUpdate) {
				c.CIDs.RetireCurrentDest()
				c.setSendFlag(SendFlagRetireConnectionID)
			}
		}
	}
}

// decryptPayload decrypts and authenticates the packet payload, whose
// header protection processPacket has already removed (§4.2 Payload
// decrypt/authenticate / Post-auth validation). usedNextPhase reports
// whether decryption succeeded using not-yet-committed next-phase keys,
// i.e. this packet is the first to arrive under a 1-RTT key update (§4.2
// key-phase handling, §8 boundary scenario 6); the caller commits the
// phase flip only once authentication has actually succeeded, so a
// spoofed phase bit never moves connection state. reservedBitsViolation is
// reported separately from ok: it only ever fires once authentication has
// already succeeded, so the caller must treat it as a protocol violation
// (§7 PROTOCOL_VIOLATION) rather than folding it into the AEAD-failure
// count-and-drop path.
func (c *Connection) decryptPayload(level EncryptionLevel, space *PacketSpace, hdr *packetHeader, pn uint64) (plaintext []byte, ok bool, usedNextPhase bool, reservedBitsViolation bool) {
	keys, usedNextPhase := c.keysForLevel(level, hdr, pn)
	if keys == nil {
		return nil, false, false, false
	}
	aead, err := newAEAD(keys.PacketKey)
	if err != nil {
		return nil, false, false, false
	}
	nonce := make([]byte, len(keys.IV))
	copy(nonce, keys.IV)
	var pnBytes [8]byte
	binary.BigEndian.PutUint64(pnBytes[:], pn)
	for i := 0; i < 8; i++ {
		nonce[len(nonce)-8+i] ^= pnBytes[i]
	}

	plaintext, err = aead.Open(nil, nonce, hdr.Ciphertext, hdr.AAD)
	if err != nil {
		return nil, false, false, false
	}
	if len(plaintext) < aead.Overhead() {
		return nil, false, false, false
	}
	if hdr.ReservedBitsNonZero {
		return nil, false, usedNextPhase, true
	}
	return plaintext, true, usedNextPhase, false
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	return newAESGCM(key)
}

// keysForLevel resolves the read keys for a given encryption level,
// including 1-RTT key-phase handling (§4.2: "Key-phase handling
// (1-RTT only)"). usedNext reports whether the returned keys are
// not-yet-committed next-phase keys (the caller must only commit the
// phase flip after successful authentication).
func (c *Connection) keysForLevel(level EncryptionLevel, hdr *packetHeader, pn uint64) (keys *Keys, usedNext bool) {
	switch level {
	case EncryptionInitial:
		if c.initialKeys != nil {
			if c.Role == RoleClient {
				return &c.initialKeys.server, false
			}
			return &c.initialKeys.client, false
		}
		return nil, false
	case Encryption1RTT:
		space := c.Packets[Encryption1RTT]
		if space == nil {
			return nil, false
		}
		kp := &space.KeyPhase
		sameBit := hdr.KeyPhaseBit == kp.Current
		if sameBit {
			return &kp.CurrentKeys, false
		}
		if kp.AwaitingConfirmation || pn < kp.ReadKeyPhaseStartPacketNumber {
			// Reordered packet from the phase we are leaving/just left.
			if kp.PreviousKeys != nil {
				return kp.PreviousKeys, false
			}
			return &kp.CurrentKeys, false
		}
		// A fresh phase flip: use (deriving if necessary) the next-phase
		// keys, but don't commit them until the caller confirms auth
		// succeeded.
		if kp.NextKeys == nil && c.TLS != nil {
			if read, _, err := c.TLS.GenerateNewKeys(); err == nil {
				kp.NextKeys = &read
			}
		}
		if kp.NextKeys != nil {
			return kp.NextKeys, true
		}
		return &kp.CurrentKeys, false
	default:
		return nil, false
	}
}

// commitPeerKeyUpdate finalizes a key-phase flip once a packet using
// next-phase keys has authenticated successfully (§4.2, §8 boundary
// scenario 6: "new keys are derived, packet decrypts,
// ReadKeyPhaseStartPacketNumber = N, KeyUpdateCount++").
func (c *Connection) commitPeerKeyUpdate(space *PacketSpace, hdr *packetHeader, pn uint64) {
	kp := &space.KeyPhase
	if kp.NextKeys == nil {
		return
	}
	old := kp.CurrentKeys
	kp.PreviousKeys = &old
	kp.CurrentKeys = *kp.NextKeys
	kp.NextKeys = nil
	kp.Current = hdr.KeyPhaseBit
	kp.AwaitingConfirmation = false
	kp.ReadKeyPhaseStartPacketNumber = pn
	kp.KeyUpdateCount++
	c.Stats.KeyUpdateCount++
}

// headerProtectionKeyForLevel resolves the header-protection key for a
// level. Unlike the packet key, the header-protection key does not rotate
// on a 1-RTT key update (RFC 9001 §6), so the current phase's key always
// applies.
func (c *Connection) headerProtectionKeyForLevel(level EncryptionLevel) []byte {
	switch level {
	case EncryptionInitial:
		if c.initialKeys == nil {
			return nil
		}
		if c.Role == RoleClient {
			return c.initialKeys.server.HeaderKey
		}
		return c.initialKeys.client.HeaderKey
	case Encryption1RTT:
		space := c.Packets[Encryption1RTT]
		if space == nil {
			return nil
		}
		return space.KeyPhase.CurrentKeys.HeaderKey
	default:
		return nil
	}
}

// decryptRetryToken recovers OrigCID from an Initial packet's token field
// (§4.2, §6 "Retry token content"). The token-encryption key is an
// out-of-scope server secret; in this core it is modeled as a simple
// authenticated-encryption wrapper the listener configures, represented
// here only by its expected layout so tests can exercise the control flow.
func (c *Connection) decryptRetryToken(token []byte) (origCID []byte, ok bool) {
	if len(token) < 1 {
		return nil, false
	}
	n := int(token[0])
	if n > 20 || len(token) < 1+n {
		return nil, false
	}
	return append([]byte(nil), token[1:1+n]...), true
}

func isStatelessResetCandidate(data []byte) bool {
	const minStatelessResetLen = 21 // 1 byte header minimum + 4 byte CID minimum + 16 byte token, per RFC 9000 §10.3
	return len(data) >= minStatelessResetLen
}

func (c *Connection) checkStatelessReset(data []byte) bool {
	if len(data) < 16 {
		return false
	}
	var token [16]byte
	copy(token[:], data[len(data)-16:])
	return c.CIDs.HasResetToken(token)
}
