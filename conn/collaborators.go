package conn

import (
	"context"
	"net"
	"time"
)

// This file gathers the contracts of every component §1/§6 of the
// specification declares out of scope: the core depends on these as
// interfaces and never reaches into their implementation. Production
// wiring (listener, worker pool, stream set, congestion control, ...)
// lives in other modules; tests in this package supply fakes.

// EncryptionLevel indexes Connection.Packets and the per-level key set.
type EncryptionLevel int

const (
	EncryptionInitial EncryptionLevel = iota
	Encryption0RTT
	EncryptionHandshake
	Encryption1RTT
	encryptionLevelCount
)

func (l EncryptionLevel) String() string {
	switch l {
	case EncryptionInitial:
		return "Initial"
	case Encryption0RTT:
		return "0-RTT"
	case EncryptionHandshake:
		return "Handshake"
	case Encryption1RTT:
		return "1-RTT"
	default:
		return "Unknown"
	}
}

// Datagram is a single inbound or outbound UDP datagram, datapath-owned
// (see §5 Memory discipline: the core never retains its bytes past the
// current drain, except inside a packet space's deferred queue).
type Datagram struct {
	Data        []byte
	RemoteAddr  net.Addr
	LocalAddr   net.Addr
	ReceiveTime time.Time
}

// Datapath is the binding/datapath API contract (§6).
type Datapath interface {
	ResolveAddress(ctx context.Context, hostname string) (net.Addr, error)
	LocalAddress() net.Addr
	LocalMTU() int
	Send(ctx context.Context, datagrams []Datagram) error
	ReturnRecvDatagrams(datagrams []Datagram)
}

// Keys bundles the packet-protection and header-protection key material the
// TLS engine derives per direction (§6: "Keys carry (PacketKey, HeaderKey,
// Iv) per direction").
type Keys struct {
	PacketKey []byte
	HeaderKey []byte
	IV        []byte
}

// TLSEngine is the out-of-scope handshake/crypto collaborator (§6).
type TLSEngine interface {
	Initialize() error
	InitializeTLS(secConfig any, localTP []byte) error
	ProcessFrame(level EncryptionLevel, crypto []byte) (Status, error)
	ProcessData(late bool) (Status, error)
	GenerateNewKeys() (read, write Keys, err error)
	DiscardKeys(level EncryptionLevel)
	UpdateKeyPhase(local bool) error
	ReadTicket(probe bool, buf []byte) (int, error)
	HeaderProtectionMask(level EncryptionLevel, sample []byte) ([]byte, error)
}

// Binding is the CID/4-tuple lookup-table collaborator (§6).
type Binding interface {
	AddSourceConnectionID(cid []byte, owner *Connection) error
	RemoveSourceConnectionID(cid []byte)
	MoveSourceConnectionIDs(old, new *Connection)
	GenerateStatelessResetToken(cid []byte) ([16]byte, error)
	RemoveConnection(c *Connection)
}

// Worker is the thread-pool/timer-wheel collaborator (§6).
type Worker interface {
	QueueConnection(c *Connection)
	TimerWheelUpdate(c *Connection, expiresAt time.Time)
	TimerWheelRemove(c *Connection)
}

// StreamSet is the per-stream send/receive buffer and frame-builder
// collaborator (§1 out-of-scope, §4.4 frame semantics reference it).
type StreamSet interface {
	HandleResetStream(streamID uint64, errCode uint64, finalSize uint64) error
	HandleStopSending(streamID uint64, errCode uint64) error
	HandleStream(streamID uint64, offset uint64, data []byte, fin bool) error
	HandleMaxStreamData(streamID uint64, maxData uint64) error
	HandleStreamDataBlocked(streamID uint64, limit uint64) error
	HandleMaxStreams(uni bool, limit uint64) error
	UpdatePeerStreamLimit(uni bool, limit uint64)
	BuildFrames(budget int) (frames []byte, hasMore bool)
	// FlushRecv delivers any stream data buffered by HandleStream to the
	// application (e.g. waking blocked Read calls), run from its own
	// drain step (OpFlushStreamRecv, §4.1) rather than inline from frame
	// processing, keeping callback reentrancy out of state-mutating code
	// (§9).
	FlushRecv()
	Shutdown(err error)
}

// CongestionController is the congestion-control collaborator (§2).
type CongestionController interface {
	OnPacketSent(bytes int)
	OnPacketAcked(bytes int, rtt time.Duration)
	OnPacketLost(bytes int)
	CongestionWindow() int
	PacingRate() float64 // bytes/sec, feeds conn/pacing.go
}

// LossDetector is the loss-detection collaborator (§4.5 references
// ComputeProbeTimeout).
type LossDetector interface {
	OnPacketSent(level EncryptionLevel, pn uint64, ackEliciting bool, sentBytes int)
	OnAckReceived(level EncryptionLevel, ranges []AckRange, ackDelay time.Duration) error
	ComputeProbeTimeout(probeCount int) time.Duration
}

// AckTracker is the per-packet-space ack-tracking collaborator (§4.2, §4.4).
type AckTracker interface {
	AddPacketNumber(pn uint64) (duplicate bool)
	AckEliciting(pn uint64)
	ShouldAckImmediately() bool
	BuildAckFrame() (ranges []AckRange, ecn bool)
}

// AckRange is a contiguous inclusive range of acknowledged packet numbers.
type AckRange struct {
	Largest   uint64
	Smallest  uint64
	ECNCounts *[3]uint64
}

// Tracer is the event-tracing collaborator (§1 out-of-scope, §4.1 mentions
// trace-rundown operations).
type Tracer interface {
	TraceEvent(name string, fields map[string]any)
	Rundown(c *Connection)
}
