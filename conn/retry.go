package conn

import (
	"bytes"
	"errors"
)

// ErrAlreadyGotServerResponse is returned when a second Retry arrives
// after the client has already observed some server response (§4.3:
// "require not-yet-received-any-server-response").
var ErrAlreadyGotServerResponse = errors.New("quic: retry received after a prior server response")

// ErrRetryOrigCIDMismatch signals a Retry packet whose embedded
// original-destination-CID does not match our current destination CID.
var ErrRetryOrigCIDMismatch = errors.New("quic: retry original destination CID mismatch")

// RetryPacket is the decoded long-header Retry packet of §4.3.
type RetryPacket struct {
	OrigDestCID []byte // the ODCID field, validated against current DestCID
	NewSourceCID []byte // peer's SourceCID, becomes our new DestCID
	Token        []byte
}

// HandleRetry implements the client-only Retry processing of §4.3.
func (c *Connection) HandleRetry(pkt RetryPacket) error {
	if c.Role != RoleClient {
		return StatusInvalidState.Err()
	}
	if c.GotFirstServerResponse {
		return ErrAlreadyGotServerResponse
	}
	current, ok := c.CIDs.CurrentDest()
	if !ok || !bytes.Equal(pkt.OrigDestCID, current.CID) {
		return ErrRetryOrigCIDMismatch
	}

	// (a) store the retry token
	c.Send.InitialToken = append([]byte(nil), pkt.Token...)
	// (b) record our original DestCID for later TP validation
	c.OrigCID = append([]byte(nil), current.CID...)
	// (c) make the peer's SourceCID our new DestCID; Initial keys are
	// regenerated from it below
	c.CIDs.SetCurrentDest(pkt.NewSourceCID)

	c.GotFirstServerResponse = true
	c.setState(StateReceivedRetryPacket)

	clientKeys, serverKeys, err := DeriveInitialKeys(pkt.NewSourceCID)
	if err != nil {
		return err
	}
	c.initialKeys = &initialKeyPair{client: clientKeys, server: serverKeys}

	return c.Restart(false)
}

// initialKeyPair holds the freshly (re)derived Initial keys for both
// directions, consumed by the receive/send pipeline's key lookup.
type initialKeyPair struct {
	client Keys
	server Keys
}

// Restart re-initializes the handshake state machine, optionally doing a
// CompleteReset (§4.3 calls Restart(CompleteReset=false), retaining RTT
// state per §8 boundary scenario 2).
func (c *Connection) Restart(completeReset bool) error {
	if !completeReset {
		// Retain RTT state (§8: "restarts handshake retaining RTT state").
		c.Packets[EncryptionInitial] = NewPacketSpace(EncryptionInitial, nil)
		c.clearState(StateConnected)
		return nil
	}
	c.RTT = RTTEstimator{}
	c.Packets[EncryptionInitial] = NewPacketSpace(EncryptionInitial, nil)
	c.clearState(StateConnected | StateHandshakeConfirmed)
	return nil
}
