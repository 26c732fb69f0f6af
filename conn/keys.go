package conn

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Initial salt for the single supported QUIC version (draft-23), used to
// derive Initial secrets from the client's destination CID (§6 wire
// protocol contract). The TLS engine performs every other key derivation;
// this is the one piece of HKDF-Expand-Label the connection core itself
// must run, because Initial secrets are derived from connection state
// (the destination CID) rather than from the TLS transcript.
var initialSalt = []byte{
	0xc3, 0xee, 0xf7, 0x12, 0xc7, 0x2e, 0xbb, 0x5a,
	0x11, 0xa7, 0xd2, 0x43, 0x2b, 0xb4, 0x63, 0x65,
	0xbe, 0xf9, 0xf5, 0x02,
}

const (
	initialSecretLen = 32
	initialKeyLen    = 16
	initialIVLen     = 12
	initialHPLen     = 16
)

// hkdfExpandLabel implements the TLS 1.3 HKDF-Expand-Label construction
// (RFC 8446 §7.1) that QUIC's key schedule is built from.
func hkdfExpandLabel(secret []byte, label string, length int) ([]byte, error) {
	fullLabel := "tls13 " + label
	info := make([]byte, 0, 2+1+len(fullLabel)+1)
	info = append(info, byte(length>>8), byte(length))
	info = append(info, byte(len(fullLabel)))
	info = append(info, fullLabel...)
	info = append(info, 0) // no context

	out := make([]byte, length)
	r := hkdf.Expand(sha256.New, secret, info)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// DeriveInitialKeys derives the client and server Initial packet-protection
// keys from the destination CID, as used on first Initial-packet send/recv
// and again after a Retry regenerates Initial keys from the new DestCID
// (§4.3).
func DeriveInitialKeys(destCID []byte) (client, server Keys, err error) {
	initialSecret := hkdf.Extract(sha256.New, destCID, initialSalt)

	clientSecret, err := hkdfExpandLabel(initialSecret, "client in", initialSecretLen)
	if err != nil {
		return Keys{}, Keys{}, err
	}
	serverSecret, err := hkdfExpandLabel(initialSecret, "server in", initialSecretLen)
	if err != nil {
		return Keys{}, Keys{}, err
	}

	client, err = deriveDirectionalKeys(clientSecret)
	if err != nil {
		return Keys{}, Keys{}, err
	}
	server, err = deriveDirectionalKeys(serverSecret)
	if err != nil {
		return Keys{}, Keys{}, err
	}
	return client, server, nil
}

func deriveDirectionalKeys(secret []byte) (Keys, error) {
	key, err := hkdfExpandLabel(secret, "quic key", initialKeyLen)
	if err != nil {
		return Keys{}, err
	}
	iv, err := hkdfExpandLabel(secret, "quic iv", initialIVLen)
	if err != nil {
		return Keys{}, err
	}
	hp, err := hkdfExpandLabel(secret, "quic hp", initialHPLen)
	if err != nil {
		return Keys{}, err
	}
	return Keys{PacketKey: key, HeaderKey: hp, IV: iv}, nil
}

// initiateKeyUpdate starts a local 1-RTT key update (§4.2 key-phase
// handling, triggered either by FORCE_KEY_UPDATE or automatically by the
// TLS engine). It pre-derives the NEXT keys and flips the local phase bit
// so outgoing packets begin using them immediately; PreviousKeys is kept
// for packets already in flight under the old phase, and
// ReadKeyPhaseStartPacketNumber is set by the receive path the first time
// a peer packet actually arrives under the new bit.
func (c *Connection) initiateKeyUpdate(space *PacketSpace) error {
	if c.TLS == nil {
		return StatusInvalidState.Err()
	}
	read, write, err := c.TLS.GenerateNewKeys()
	if err != nil {
		return err
	}
	kp := &space.KeyPhase
	old := kp.CurrentKeys
	kp.PreviousKeys = &old
	kp.CurrentKeys = read
	kp.NextKeys = nil
	_ = write // write-direction keys are applied by the send path via the TLS engine
	kp.Current = !kp.Current
	kp.AwaitingConfirmation = true
	kp.KeyUpdateCount++
	c.Stats.KeyUpdateCount++
	return nil
}

// DeriveNextKeyPhase derives the NEW read/write 1-RTT secrets from the
// current ones, per the key-update construction of RFC 9001 §6 ("ku"
// label), used by the key-phase handling of §4.2 when a peer-initiated or
// FORCE_KEY_UPDATE-initiated rotation is in progress. The TLS engine is the
// authority on the *current* secret; this only advances it one step.
func DeriveNextKeyPhase(currentSecret []byte) (nextSecret []byte, keys Keys, err error) {
	nextSecret, err = hkdfExpandLabel(currentSecret, "quic ku", len(currentSecret))
	if err != nil {
		return nil, Keys{}, err
	}
	keys, err = deriveDirectionalKeys(nextSecret)
	if err != nil {
		return nil, Keys{}, err
	}
	return nextSecret, keys, nil
}
