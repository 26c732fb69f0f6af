package conn

import "time"

// CloseDescriptor is the close/shutdown state of §3/§4.5.
type CloseDescriptor struct {
	Flags             CloseFlags
	InternalStatus    Status
	TransportError    TransportError
	ReasonPhrase      string
	AppClosed         bool
	firstCloseHandled bool

	// immediateAckPending lets Drain (§4.1) perform a forced flush-send
	// when the drain budget runs out but an ACK is due.
	immediateAckPending bool
}

// minDrainingPeriod is the §4.5 floor ("max(15ms, 2*SmoothedRtt)").
const minDrainingPeriod = 15 * time.Millisecond

// TryClose drives the close state machine of §4.5. flags carries the
// APPLICATION/REMOTE/SILENT/QUIC_STATUS/SEND_NOTIFICATION bits; status and
// transportErr are mutually exclusive depending on whether QuicStatus is
// set (an internal Status vs a wire TransportError).
func (c *Connection) TryClose(flags CloseFlags, status Status, transportErr TransportError) {
	already := c.State().Has(StateClosedLocally) || c.State().Has(StateClosedRemotely)

	if flags.Has(CloseRemote) {
		c.setState(StateClosedRemotely)
	} else {
		c.setState(StateClosedLocally)
	}

	if !already {
		c.onFirstClose(flags, status, transportErr)
	}

	bothClosed := c.State().Has(StateClosedLocally) && c.State().Has(StateClosedRemotely)
	if bothClosed || flags.Has(CloseSilent) {
		c.setState(StateSendShutdownCompleteNotif)
		c.clearState(StateShutdownCompleteTimedOut)
		return
	}

	if !flags.Has(CloseSilent) {
		if flags.Has(CloseRemote) {
			// Idle -> ClosedRemotely: enter the draining period.
			c.Timers.CancelAllExcept(TimerShutdown)
			c.Timers.Set(TimerShutdown, c.drainingPeriod())
			c.Enqueue(Operation{Type: OpFlushSend}) // SendFlagConnectionClose is not set, so no CONNECTION_CLOSE is sent
		} else {
			// Idle -> ClosedLocally: arm the closing-period timer to one PTO.
			c.Timers.CancelAllExcept(TimerShutdown)
			pto := c.RTT.ComputeProbeTimeout(c.Config.MaxAckDelay, c.CloseProbeCount)
			c.Timers.Set(TimerShutdown, pto)
			c.Enqueue(Operation{Type: OpFlushSend}) // SendFlagConnectionClose is not set, so no CONNECTION_CLOSE is sent
		}
	}
}

// drainingPeriod computes max(15ms, 2*SmoothedRtt) per §4.5.
func (c *Connection) drainingPeriod() time.Duration {
	twiceRtt := 2 * c.RTT.Smoothed
	if twiceRtt > minDrainingPeriod {
		return twiceRtt
	}
	return minDrainingPeriod
}

// onFirstClose runs the one-time side effects of the *first* close for the
// connection (§4.5): cancel non-shutdown timers, store the close reason,
// shut down the stream set, log statistics, and (if requested) raise the
// SHUTDOWN_INITIATED_BY_{PEER|TRANSPORT} event.
func (c *Connection) onFirstClose(flags CloseFlags, status Status, transportErr TransportError) {
	if c.Close.firstCloseHandled {
		return
	}
	c.Close.firstCloseHandled = true
	c.Close.Flags = flags
	c.Close.InternalStatus = status
	c.Close.TransportError = transportErr
	c.Close.AppClosed = flags.Has(CloseApplication)
	if flags.Has(CloseApplication) {
		c.setState(StateAppClosed)
	}

	c.Timers.Cancel(TimerPacing)
	c.Timers.Cancel(TimerAckDelay)
	c.Timers.Cancel(TimerLossDetection)
	c.Timers.Cancel(TimerKeepAlive)
	c.Timers.Cancel(TimerIdle)

	if c.Streams != nil {
		var shutdownErr error
		if flags.Has(CloseQuicStatus) {
			shutdownErr = status.Err()
		} else {
			shutdownErr = transportErr
		}
		c.Streams.Shutdown(shutdownErr)
	}

	c.log().WithFields(statsLogFields(c.Stats.Snapshot())).Info("connection closing")

	if flags.Has(CloseSendNotification) && c.ExternalOwner {
		if flags.Has(CloseRemote) {
			c.raiseEvent(Event{Type: EventShutdownInitiatedByPeer, Data: closeEventData(flags, status, transportErr)})
		} else {
			c.raiseEvent(Event{Type: EventShutdownInitiatedByTransport, Data: closeEventData(flags, status, transportErr)})
		}
	}
}

func closeEventData(flags CloseFlags, status Status, transportErr TransportError) map[string]any {
	if flags.Has(CloseQuicStatus) {
		return map[string]any{"status": status}
	}
	return map[string]any{"error_code": transportErr}
}

func statsLogFields(s Stats) map[string]any {
	return map[string]any{
		"packets_received":    s.PacketsReceived,
		"packets_sent":        s.PacketsSent,
		"duplicate_packets":   s.DuplicatePackets,
		"decryption_failures": s.DecryptionFailures,
	}
}

// onShutdownTimerExpired handles expiry of the Shutdown timer slot in any
// closed state: force Both Closed and request notification (§4.5).
func (c *Connection) onShutdownTimerExpired() {
	c.setState(StateClosedLocally | StateClosedRemotely)
	c.setState(StateSendShutdownCompleteNotif)
	c.setState(StateShutdownCompleteTimedOut)
}

// ObservePeerClose handles CONNECTION_CLOSE arrival from the peer, taking
// into account whatever local state already holds (§4.5: "ClosedLocally ->
// Both Closed when peer CLOSE arrives: client transitions directly to
// shutdown; server transitions into the draining period").
func (c *Connection) ObservePeerClose(app bool, errCode TransportError, reason string) {
	c.Close.ReasonPhrase = reason
	flags := CloseRemote | CloseSendNotification
	if app {
		flags |= CloseApplication
	}

	if c.State().Has(StateClosedLocally) {
		if c.Role == RoleClient {
			c.setState(StateClosedRemotely)
			c.setState(StateSendShutdownCompleteNotif)
			return
		}
		c.Timers.CancelAllExcept(TimerShutdown)
		c.Timers.Set(TimerShutdown, c.drainingPeriod())
		c.setState(StateClosedRemotely)
		return
	}

	c.TryClose(flags, 0, errCode)
}
