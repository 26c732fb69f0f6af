package conn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConnection(t *testing.T, role Role) *Connection {
	t.Helper()
	c := NewConnection(role, DefaultConfig(), nil)
	c.setState(StateInitialized)
	c.Packets[EncryptionInitial] = NewPacketSpace(EncryptionInitial, nil)
	require.NoError(t, c.Start())
	return c
}

func TestTryCloseLocalSilentGoesStraightToShutdownNotif(t *testing.T) {
	c := newTestConnection(t, RoleClient)

	c.TryClose(CloseSilent|CloseQuicStatus, StatusConnectionIdle, 0)

	assert.True(t, c.State().Has(StateClosedLocally))
	assert.True(t, c.State().Has(StateSendShutdownCompleteNotif))
	assert.False(t, c.Timers.Armed(TimerIdle))
}

func TestTryCloseLocalNonSilentArmsShutdownTimer(t *testing.T) {
	c := newTestConnection(t, RoleClient)

	c.TryClose(CloseApplication|CloseSendNotification, StatusSuccess, 0)

	assert.True(t, c.State().Has(StateClosedLocally))
	assert.False(t, c.State().Has(StateClosedRemotely))
	assert.True(t, c.Timers.Armed(TimerShutdown))
	assert.False(t, c.Timers.Armed(TimerIdle), "onFirstClose cancels the non-shutdown timers")
}

func TestObservePeerCloseFromClosedLocallyClientGoesStraightToBothClosed(t *testing.T) {
	c := newTestConnection(t, RoleClient)
	c.TryClose(CloseApplication|CloseSendNotification, StatusSuccess, 0)

	c.ObservePeerClose(true, ErrNoError, "bye")

	assert.True(t, c.State().Has(StateClosedRemotely))
	assert.True(t, c.State().Has(StateSendShutdownCompleteNotif))
}

func TestObservePeerCloseFromClosedLocallyServerEntersDrainingPeriod(t *testing.T) {
	c := newTestConnection(t, RoleServer)
	c.TryClose(CloseApplication|CloseSendNotification, StatusSuccess, 0)

	c.ObservePeerClose(true, ErrNoError, "bye")

	assert.True(t, c.State().Has(StateClosedRemotely))
	assert.False(t, c.State().Has(StateSendShutdownCompleteNotif))
	assert.True(t, c.Timers.Armed(TimerShutdown))
}

func TestObservePeerCloseFromIdleRecordsRemoteCloseAndReason(t *testing.T) {
	c := newTestConnection(t, RoleServer)

	c.ObservePeerClose(false, ErrInternalError, "boom")

	assert.True(t, c.State().Has(StateClosedRemotely))
	assert.Equal(t, ErrInternalError, c.Close.TransportError)
	assert.Equal(t, "boom", c.Close.ReasonPhrase)
}

func TestDrainingPeriodFloorsAtFifteenMillis(t *testing.T) {
	c := newTestConnection(t, RoleClient)
	c.RTT.Smoothed = time.Millisecond
	assert.Equal(t, minDrainingPeriod, c.drainingPeriod())

	c.RTT.Smoothed = 100 * time.Millisecond
	assert.Equal(t, 200*time.Millisecond, c.drainingPeriod())
}

func TestOnShutdownTimerExpiredForcesBothClosedAndTimedOutFlag(t *testing.T) {
	c := newTestConnection(t, RoleClient)
	c.TryClose(CloseApplication|CloseSendNotification, StatusSuccess, 0)

	c.onShutdownTimerExpired()

	assert.True(t, c.State().Has(StateClosedLocally))
	assert.True(t, c.State().Has(StateClosedRemotely))
	assert.True(t, c.State().Has(StateShutdownCompleteTimedOut))
	assert.True(t, c.State().Has(StateSendShutdownCompleteNotif))
}
