package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quiccore/quiccore/conn"
)

// TestTimerWheelUpdateFiresConnectionCallback exercises the full arm ->
// fire -> dispatch path: arming TimerIdle schedules a real time.Timer via
// TimerWheelUpdate; once it fires, Connection.FireTimers enqueues
// OpTimerExpired, which TryClose's onFirstClose unconditionally (and
// permanently) disarms TimerIdle in response to (§4.5) — the one timer
// whose firing is not followed by a self-re-arm, making it safe to poll for.
func TestTimerWheelUpdateFiresConnectionCallback(t *testing.T) {
	p := NewPool(1, nil)
	defer p.Stop()

	c := conn.NewConnection(conn.RoleServer, conn.DefaultConfig(), nil)
	c.Packets[conn.EncryptionInitial] = conn.NewPacketSpace(conn.EncryptionInitial, nil)
	require.NoError(t, c.Initialize(nil, nil, nil, p, nil, nil, nil, nil))
	require.NoError(t, c.Start())

	c.Timers.Set(conn.TimerIdle, 10*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !c.Timers.Armed(conn.TimerIdle) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timer wheel never fired the connection callback")
}

func TestTimerWheelRemoveStopsTimer(t *testing.T) {
	p := NewPool(1, nil)
	defer p.Stop()

	c := conn.NewConnection(conn.RoleServer, conn.DefaultConfig(), nil)
	p.TimerWheelUpdate(c, time.Now().Add(time.Hour))
	p.TimerWheelRemove(c)

	p.mu.Lock()
	_, ok := p.timers[c]
	p.mu.Unlock()
	assert.False(t, ok)
}

func TestStopCancelsAllTimers(t *testing.T) {
	p := NewPool(1, nil)
	c1 := conn.NewConnection(conn.RoleServer, conn.DefaultConfig(), nil)
	c2 := conn.NewConnection(conn.RoleServer, conn.DefaultConfig(), nil)
	p.TimerWheelUpdate(c1, time.Now().Add(time.Hour))
	p.TimerWheelUpdate(c2, time.Now().Add(time.Hour))

	p.Stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Empty(t, p.timers)
	assert.True(t, p.closed)
}

func TestTimerWheelUpdateIsNoOpAfterStop(t *testing.T) {
	p := NewPool(1, nil)
	p.Stop()

	c := conn.NewConnection(conn.RoleServer, conn.DefaultConfig(), nil)
	p.TimerWheelUpdate(c, time.Now().Add(time.Hour))

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Empty(t, p.timers)
}
