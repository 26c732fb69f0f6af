// Package worker provides a minimal conn.Worker implementation for the
// demonstration CLI: a fixed goroutine count standing in for the thread
// pool the out-of-scope collaborator contract of conn/collaborators.go
// describes, plus a per-connection time.Timer standing in for the timer
// wheel (§4.6/§6).
package worker

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/quiccore/quiccore/conn"
)

// Pool implements conn.Worker. The operation queue itself already
// serializes each connection's drain step onto its own taskqueue
// goroutine (conn/operation.go), so QueueConnection here only needs to
// log pending work for diagnostics. No pool size is kept or enforced.
type Pool struct {
	log logrus.FieldLogger

	mu     sync.Mutex
	timers map[*conn.Connection]*time.Timer
	closed bool
}

// NewPool constructs a Pool. size is accepted for parity with the
// out-of-scope thread-pool contract and is not used; this implementation does not itself
// run connection work on a bounded goroutine set since taskqueue.TaskQueue
// already owns that serialization per connection.
func NewPool(size int, log logrus.FieldLogger) *Pool {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Pool{
		log:    log.WithField("component", "worker-pool"),
		timers: make(map[*conn.Connection]*time.Timer),
	}
}

// QueueConnection implements conn.Worker.
func (p *Pool) QueueConnection(c *conn.Connection) {
	p.log.WithField("correlation_id", c.CorrelationId.String()).Debug("connection has pending work")
}

// TimerWheelUpdate implements conn.Worker by arming (or re-arming) a single
// time.Timer per connection for the earliest deadline in its timer array.
func (p *Pool) TimerWheelUpdate(c *conn.Connection, expiresAt time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if t, ok := p.timers[c]; ok {
		t.Stop()
	}
	delay := time.Until(expiresAt)
	if delay < 0 {
		delay = 0
	}
	p.timers[c] = time.AfterFunc(delay, func() { c.FireTimers(time.Now()) })
}

// TimerWheelRemove implements conn.Worker.
func (p *Pool) TimerWheelRemove(c *conn.Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.timers[c]; ok {
		t.Stop()
		delete(p.timers, c)
	}
}

// Stop cancels every outstanding per-connection timer.
func (p *Pool) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for c, t := range p.timers {
		t.Stop()
		delete(p.timers, c)
	}
}
