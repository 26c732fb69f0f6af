package conn

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// MaxOperationsPerDrain caps per-drain starvation (§4.1/§5).
const MaxOperationsPerDrain = 16

// MaxReceiveQueueCount bounds the inbound MPSC chain (§4.2).
const MaxReceiveQueueCount = 256

const (
	callbackWarnThreshold  = 50 * time.Millisecond
	callbackErrorThreshold = 1 * time.Second
)

// nowFunc is indirected so tests can fake time without sleeping.
var nowFunc = time.Now

// Config is the policy a listener or dialer supplies when constructing a
// Connection (§4.7, §4.9 defaults). There is deliberately no file/env
// loader here: a per-connection core has no standalone configuration
// surface of its own (see SPEC_FULL.md Ambient Stack / Configuration).
type Config struct {
	IdleTimeout                    time.Duration
	KeepAliveInterval              time.Duration
	MaxAckDelay                    time.Duration
	AckDelayExponent               uint8
	DisconnectTimeout              time.Duration
	ActiveCidLimit                 uint64
	InitialMaxData                 uint64
	InitialMaxStreamDataBidiLocal  uint64
	InitialMaxStreamDataBidiRemote uint64
	InitialMaxStreamDataUni        uint64
	InitialMaxStreamsBidi          uint64
	InitialMaxStreamsUni           uint64
	MaxMaxStreams                  uint64
	QuicVersion                    uint32
}

// DefaultConfig returns the RFC 9000 recommended defaults.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:       30 * time.Second,
		KeepAliveInterval: 0,
		MaxAckDelay:       25 * time.Millisecond,
		AckDelayExponent:  3,
		DisconnectTimeout: 16 * time.Second,
		ActiveCidLimit:    4,
		InitialMaxData:    1 << 20,
		InitialMaxStreamDataBidiLocal:  1 << 16,
		InitialMaxStreamDataBidiRemote: 1 << 16,
		InitialMaxStreamDataUni:        1 << 16,
		InitialMaxStreamsBidi: 100,
		InitialMaxStreamsUni:  100,
		MaxMaxStreams:         1 << 60,
		QuicVersion:           1,
	}
}

// Connection is the top-level per-connection core entity of §3.
type Connection struct {
	CorrelationId uuid.UUID
	Role          Role
	state         atomic.Uint32 // StateBits

	QuicVersion   uint32
	LocalAddress  net.Addr
	RemoteAddress net.Addr

	CIDs   *CIDTables
	OrigCID []byte

	Packets [encryptionLevelCount]*PacketSpace

	RTT RTTEstimator

	Config Config

	Pacer *Pacer

	Timers *TimerArray
	OperQ  *OperationQueue

	recvMu    sync.Mutex
	recvQueue []Datagram

	PeerTransportParams *TransportParameters
	initialKeys         *initialKeyPair

	Close CloseDescriptor
	Send  SendState

	Stats Stats

	refCount atomic.Int32

	// Collaborators (§6), supplied by the listener/dialer.
	Datapath  Datapath
	TLS       TLSEngine
	Binding   Binding
	Worker    Worker
	Streams   StreamSet
	CC        CongestionController
	LossDet   LossDetector
	Trace     Tracer

	// ExternalOwner mirrors the handle-owner reference the C API keeps;
	// when false (handle-less connection, e.g. an internally-created
	// connection) SHUTDOWN_COMPLETE handling synthesizes handle-close
	// immediately (§4.5).
	ExternalOwner bool
	EventHandler  EventHandler

	Logger logrus.FieldLogger

	// GotFirstServerResponse: client has received any datagram from the
	// server, used by retry.go to refuse a second Retry (§4.3).
	GotFirstServerResponse bool

	CloseProbeCount int
}

// NewConnection allocates a connection in the Allocated state (§3
// lifecycle). Packet spaces, CIDs and collaborators are wired in
// separately by Initialize, mirroring "allocated -> initialized".
func NewConnection(role Role, cfg Config, logger logrus.FieldLogger) *Connection {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	c := &Connection{
		CorrelationId: uuid.New(),
		Role:          role,
		QuicVersion:   cfg.QuicVersion,
		Config:        cfg,
		CIDs:          NewCIDTables(),
		Pacer:         NewPacer(),
	}
	c.Logger = logger.WithFields(logrus.Fields{
		"correlation_id": c.CorrelationId.String(),
		"role":           role.String(),
	})
	c.setState(StateAllocated)
	c.refCount.Store(1) // handle-owner ref
	c.Timers = NewTimerArray(c, nil)
	c.OperQ = NewOperationQueue(c.Logger)
	return c
}

func (c *Connection) log() logrus.FieldLogger { return c.Logger }

// State returns the current state bitmask.
func (c *Connection) State() StateBits { return StateBits(c.state.Load()) }

func (c *Connection) setState(bits StateBits) {
	for {
		old := c.state.Load()
		if c.state.CompareAndSwap(old, old|uint32(bits)) {
			return
		}
	}
}

func (c *Connection) clearState(bits StateBits) {
	for {
		old := c.state.Load()
		if c.state.CompareAndSwap(old, old&^uint32(bits)) {
			return
		}
	}
}

// Initialize wires the collaborators, creates the Initial packet space and
// the first local/remote CIDs, advancing Allocated -> Initialized (§3).
func (c *Connection) Initialize(datapath Datapath, tls TLSEngine, binding Binding, worker Worker, streams StreamSet, cc CongestionController, lossDet LossDetector, tracer Tracer) error {
	c.Datapath = datapath
	c.TLS = tls
	c.Binding = binding
	c.Worker = worker
	c.Streams = streams
	c.CC = cc
	c.LossDet = lossDet
	c.Trace = tracer

	if worker != nil {
		c.Timers = NewTimerArray(c, worker)
	}

	c.Packets[EncryptionInitial] = NewPacketSpace(EncryptionInitial, nil)
	c.setState(StateInitialized)
	return nil
}

// AddRef increments the ownership counter (§3 RefCount invariant).
func (c *Connection) AddRef() { c.refCount.Add(1) }

// Release decrements the ownership counter; when it reaches zero the
// connection has already been Uninitialized and may be freed by the
// caller's allocator (§3: "RefCount == 0 => the connection has been
// Uninitialized and is freed").
func (c *Connection) Release() int32 { return c.refCount.Add(-1) }

// Start begins the handshake, advancing Initialized -> Started (§3).
// Locally-generated CIDs are created here if none exist yet.
func (c *Connection) Start() error {
	if !c.State().Has(StateInitialized) {
		return StatusInvalidState.Err()
	}
	if len(c.CIDs.Source) == 0 && !(c.Role == RoleClient && !c.State().Has(StateShareBinding)) {
		cid, err := GenerateSourceCID(func(cid []byte) error {
			if c.Binding != nil {
				return c.Binding.AddSourceConnectionID(cid, c)
			}
			return nil
		})
		if err != nil {
			return err
		}
		var resetToken [16]byte
		if c.Binding != nil {
			if tok, err := c.Binding.GenerateStatelessResetToken(cid); err == nil {
				resetToken = tok
			}
		}
		c.CIDs.AddSourceCIDHead(cid, resetToken)
	}
	c.setState(StateStarted)
	c.Timers.Set(TimerIdle, c.effectiveIdleTimeout())
	return nil
}

func (c *Connection) effectiveIdleTimeout() time.Duration {
	if c.Config.IdleTimeout <= 0 {
		return 0
	}
	if c.RTT.GotFirst {
		pto := c.RTT.ComputeProbeTimeout(c.Config.MaxAckDelay, c.CloseProbeCount)
		if pto > c.Config.IdleTimeout {
			return pto
		}
	}
	return c.Config.IdleTimeout
}

// Enqueue appends op to the operation FIFO and, if the queue transitioned
// from empty, notifies the worker (§4.1).
func (c *Connection) Enqueue(op Operation) {
	becameNonEmpty := c.OperQ.Enqueue(op, func() { c.drainStep() })
	if becameNonEmpty && c.Worker != nil {
		c.Worker.QueueConnection(c)
	}
}

// EnqueueFront is the priority variant reserved for shutdown-critical work
// (§4.1).
func (c *Connection) EnqueueFront(op Operation) {
	becameNonEmpty := c.OperQ.EnqueueFront(op, func() { c.drainStep() })
	if becameNonEmpty && c.Worker != nil {
		c.Worker.QueueConnection(c)
	}
}

// drainStep is invoked, serialized by the OperationQueue's internal
// taskqueue, once per Enqueue/EnqueueFront call. It runs one Drain pass,
// which dequeues and dispatches up to MaxOperationsPerDrain operations,
// reproducing the "one goroutine drains, dispatch by type" shape of §4.1
// without needing the caller to separately manage a drain budget across
// goroutine boundaries.
func (c *Connection) drainStep() {
	c.Drain()
}

// Drain executes up to MaxOperationsPerDrain operations, dispatching each
// by type, and returns whether more work remains (§4.1).
func (c *Connection) Drain() (hasMore bool) {
	processed := 0
	for processed < MaxOperationsPerDrain {
		op, ok := c.OperQ.Dequeue()
		if !ok {
			break
		}
		processed++

		c.dispatch(op)

		if c.State().Has(StateHandleClosed) {
			c.uninitializeLocked()
			break
		}
	}

	more := c.OperQ.Len() > 0
	if processed >= MaxOperationsPerDrain && c.Close.immediateAckPending {
		// Budget exhausted but an immediate ACK is pending: force one
		// flush-send so ACK latency is not impaired (§4.1).
		c.dispatch(Operation{Type: OpFlushSend})
	}

	if c.State().Has(StateSendShutdownCompleteNotif) {
		c.completeShutdown()
	}

	return more
}

func (c *Connection) dispatch(op Operation) {
	switch op.Type {
	case OpAPICall:
		if fn, ok := op.Payload.(func(*Connection)); ok {
			fn(c)
		}
	case OpFlushRecv:
		c.flushRecv()
	case OpUnreachable:
		c.handleUnreachable()
	case OpFlushStreamRecv:
		if c.Streams != nil {
			c.Streams.FlushRecv()
		}
	case OpFlushSend:
		if c.flushSend() {
			c.EnqueueFront(Operation{Type: OpFlushSend, FreeAfterProcess: false})
		}
	case OpTLSComplete:
		c.handleTLSComplete()
	case OpTimerExpired:
		if t, ok := op.Payload.(TimerType); ok {
			c.handleTimerExpired(t)
		}
	case OpTraceRundown:
		if c.Trace != nil {
			c.Trace.Rundown(c)
		}
	}
}

// FireTimers is the timer-wheel callback contract: a Worker implementation
// calls this once the wheel entry it armed via TimerWheelUpdate reaches its
// deadline, and the array sweeps every slot that has actually expired by
// now (not just the one that triggered the callback), enqueueing one
// OpTimerExpired operation per fired slot (§4.6).
func (c *Connection) FireTimers(now time.Time) {
	c.Timers.Expired(now, func(t TimerType) {
		c.Enqueue(Operation{Type: OpTimerExpired, Payload: t})
	})
}

func (c *Connection) handleUnreachable() {
	if !c.State().Has(StateConnected) {
		c.TryClose(CloseSilent, StatusUnreachable, 0)
	}
	// Post-handshake unreachable notifications are ignored (§7: "ignored
	// post-handshake (attack surface)").
}

func (c *Connection) handleTLSComplete() {
	status, err := c.TLS.ProcessData(false)
	if err != nil || status != StatusSuccess {
		c.log().WithError(err).Warn("tls engine reported failure processing handshake data")
		return
	}
	if !c.State().Has(StateConnected) {
		c.setState(StateConnected)
	}
}

func (c *Connection) handleTimerExpired(t TimerType) {
	switch t {
	case TimerIdle:
		c.TryClose(CloseSilent|CloseQuicStatus, StatusConnectionIdle, 0)
	case TimerKeepAlive:
		c.Enqueue(Operation{Type: OpFlushSend}) // flush-send only; SendFlagPing is not set here
		c.Timers.Set(TimerKeepAlive, c.Config.KeepAliveInterval)
	case TimerShutdown:
		c.onShutdownTimerExpired()
	case TimerLossDetection:
		if c.LossDet != nil {
			c.Enqueue(Operation{Type: OpFlushSend})
		}
	}
}

// uninitializeLocked runs the HandleClosed -> Uninitialized transition
// (§4.1 step 3: "if HandleClosed set, break and uninitialize").
func (c *Connection) uninitializeLocked() {
	if c.State().Has(StateUninitialized) {
		return
	}
	c.setState(StateUninitialized)
	for _, sc := range c.CIDs.Source {
		if c.Binding != nil {
			c.Binding.RemoveSourceConnectionID(sc.CID)
		}
	}
	if c.Binding != nil {
		c.Binding.RemoveConnection(c)
	}
	c.Release()
}

func (c *Connection) completeShutdown() {
	c.clearState(StateSendShutdownCompleteNotif)
	c.raiseEvent(Event{
		Type: EventShutdownComplete,
		Data: map[string]any{"peer_acked": !c.State().Has(StateShutdownCompleteTimedOut)},
	})
	if !c.ExternalOwner {
		c.setState(StateHandleClosed)
		c.uninitializeLocked()
	}
	if c.Binding != nil {
		c.Binding.RemoveConnection(c)
	}
}
