package conn

import (
	"sync"

	"github.com/mstoykov/k6-taskqueue-lib/taskqueue"
	"github.com/sirupsen/logrus"
)

// OperationType tags a unit of work enqueued on a connection (§4.1).
type OperationType int

const (
	OpAPICall OperationType = iota
	OpFlushRecv
	OpUnreachable
	OpFlushStreamRecv
	OpFlushSend
	OpTLSComplete
	OpTimerExpired
	OpTraceRundown
)

func (t OperationType) String() string {
	switch t {
	case OpAPICall:
		return "api-call"
	case OpFlushRecv:
		return "flush-recv"
	case OpUnreachable:
		return "unreachable"
	case OpFlushStreamRecv:
		return "flush-stream-recv"
	case OpFlushSend:
		return "flush-send"
	case OpTLSComplete:
		return "tls-complete"
	case OpTimerExpired:
		return "timer-expired"
	case OpTraceRundown:
		return "trace-rundown"
	default:
		return "unknown"
	}
}

// Operation is a single tagged work item on the per-connection FIFO.
// FreeAfterProcess mirrors the source's allocator contract: most operations
// are discarded once dispatched, but a re-queued flush-send (§4.1, "more to
// send") is not.
type Operation struct {
	Type             OperationType
	FreeAfterProcess bool
	Payload          any
}

// OperationQueue is the tagged FIFO of §4.1. The slice-backed FIFO gives us
// front-insertion (EnqueueFront) and a bounded per-drain budget, which a
// plain channel cannot; actual cross-goroutine serialization of the drain
// step itself is delegated to a taskqueue.TaskQueue, which guarantees that
// at most one goroutine is ever executing queued work for this connection —
// exactly the "exactly one thread executes within the connection" invariant
// of §5. taskqueue.New expects a registrar of the same shape k6's JS event
// loop exposes as RegisterCallback (`func() func(func() error)`: calling it
// once yields an enqueue closure that schedules a func() error onto the
// single consumer goroutine); since this module has no JS VU/event loop of
// its own to plug in, serialLoop below supplies an equivalent single-worker
// loop and is registered the same way.
type OperationQueue struct {
	mu    sync.Mutex
	items []Operation
	tq    *taskqueue.TaskQueue
	loop  *serialLoop
	log   logrus.FieldLogger
}

// NewOperationQueue constructs a queue whose drain steps run serialized on
// the loop's own goroutine.
func NewOperationQueue(log logrus.FieldLogger) *OperationQueue {
	loop := newSerialLoop()
	return &OperationQueue{
		tq:   taskqueue.New(loop.RegisterCallback),
		loop: loop,
		log:  log,
	}
}

// Enqueue appends op to the tail and schedules run to execute on the
// queue's serialized goroutine. It reports whether the FIFO transitioned
// from empty to non-empty, which callers use to decide whether the worker
// needs to be notified (§4.1: "Enqueue returns 'became non-empty'").
func (q *OperationQueue) Enqueue(op Operation, run func()) bool {
	q.mu.Lock()
	becameNonEmpty := len(q.items) == 0
	q.items = append(q.items, op)
	q.mu.Unlock()

	q.tq.Queue(func() error {
		run()
		return nil
	})
	return becameNonEmpty
}

// EnqueueFront inserts op at the head, reserved for shutdown-critical work
// that must preempt the rest of the FIFO (§4.1).
func (q *OperationQueue) EnqueueFront(op Operation, run func()) bool {
	q.mu.Lock()
	becameNonEmpty := len(q.items) == 0
	q.items = append([]Operation{op}, q.items...)
	q.mu.Unlock()

	q.tq.Queue(func() error {
		run()
		return nil
	})
	return becameNonEmpty
}

// Dequeue removes and returns the head operation, if any.
func (q *OperationQueue) Dequeue() (Operation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Operation{}, false
	}
	op := q.items[0]
	q.items = q.items[1:]
	return op, true
}

// Len reports the number of pending operations.
func (q *OperationQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close tears down the underlying taskqueue and stops its backing loop. Any
// operations still queued are abandoned, matching the rundown path where
// Uninitialize has already run and no further observable state mutation may
// occur.
func (q *OperationQueue) Close() {
	q.tq.Close()
	q.loop.stop()
}

// serialLoop is the minimal single-consumer-goroutine "event loop" this
// module registers with taskqueue.TaskQueue in place of a JS VU's real one:
// RegisterCallback matches the registrar shape taskqueue.New requires
// exactly, and every func() error handed to the closure it returns runs on
// the same loop goroutine, one at a time, in submission order.
type serialLoop struct {
	tasks chan func() error
	done  chan struct{}
}

func newSerialLoop() *serialLoop {
	l := &serialLoop{tasks: make(chan func() error, 64), done: make(chan struct{})}
	go l.run()
	return l
}

func (l *serialLoop) run() {
	defer close(l.done)
	for fn := range l.tasks {
		_ = fn()
	}
}

// RegisterCallback returns the enqueue closure; taskqueue.TaskQueue calls it
// once up front and reuses the returned closure for every queued task.
func (l *serialLoop) RegisterCallback() func(func() error) {
	return func(fn func() error) {
		l.tasks <- fn
	}
}

func (l *serialLoop) stop() {
	close(l.tasks)
	<-l.done
}
