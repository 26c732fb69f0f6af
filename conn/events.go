package conn

// EventType enumerates the application-visible events of §6.
type EventType int

const (
	EventShutdownInitiatedByTransport EventType = iota
	EventShutdownInitiatedByPeer
	EventShutdownComplete
	EventPeerAddressChanged
	EventPeerNeedsStreams
)

func (e EventType) String() string {
	switch e {
	case EventShutdownInitiatedByTransport:
		return "SHUTDOWN_INITIATED_BY_TRANSPORT"
	case EventShutdownInitiatedByPeer:
		return "SHUTDOWN_INITIATED_BY_PEER"
	case EventShutdownComplete:
		return "SHUTDOWN_COMPLETE"
	case EventPeerAddressChanged:
		return "PEER_ADDRESS_CHANGED"
	case EventPeerNeedsStreams:
		return "PEER_NEEDS_STREAMS"
	default:
		return "UNKNOWN_EVENT"
	}
}

// Event is a single application-visible occurrence, delivered through the
// handle callback of §6. Fields beyond Type are event-specific and left as
// a free-form map, since each event carries a different payload shape
// (ShutdownComplete's PeerAcked, the error code on a transport shutdown,
// ...).
type Event struct {
	Type EventType
	Data map[string]any
}

// EventHandler is the application callback signature of §6: "(handle, ctx,
// event) -> status". The core never calls it inline from state-mutating
// code (§9 callback reentrancy); it is only invoked from the drain loop
// while draining an operation, after that operation's own state mutation
// has completed.
type EventHandler func(c *Connection, ev Event) Status

// raiseEvent delivers ev to the registered handler, if any. A missing
// handler or a callback that runs unreasonably long is logged but never
// escalated beyond a log line and (at the error threshold) a single
// WithField("telemetry_assert", true) log entry, per §5/§7 — this module
// has no telemetry-assert sink of its own, so it logs at Error level
// instead of aborting the process.
func (c *Connection) raiseEvent(ev Event) {
	if c.EventHandler == nil {
		c.log().WithField("event", ev.Type).Debug("no event handler registered, discarding event")
		return
	}
	start := nowFunc()
	status := c.EventHandler(c, ev)
	elapsed := nowFunc().Sub(start)

	fields := c.log().WithField("event", ev.Type).WithField("status", status)
	if elapsed > callbackWarnThreshold {
		fields = fields.WithField("duration", elapsed)
		if elapsed > callbackErrorThreshold {
			fields.WithField("telemetry_assert", true).Error("application callback took excessively long")
		} else {
			fields.Warn("application callback is slow")
		}
	}
}
