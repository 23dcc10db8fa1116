package session

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "terminated", StateTerminated.String())
}

func TestStateMachineEdges(t *testing.T) {
	assert.True(t, canTransition(StateConnecting, StateAuthenticating))
	assert.True(t, canTransition(StateActive, StateDraining))
	assert.True(t, canTransition(StateNegotiating, StateTerminated))
	assert.False(t, canTransition(StateConnecting, StateActive))
	assert.False(t, canTransition(StateTerminated, StateConnecting))
	assert.False(t, canTransition(StateDraining, StateActive))
}

func TestSessionTransitionSetsCancellation(t *testing.T) {
	s := newSession("10.0.0.1", zerolog.Nop())
	assert.False(t, s.Cancelled())

	s.transition(StateAuthenticating)
	s.transition(StateNegotiating)
	s.transition(StateProvisioning)
	s.transition(StateActive)
	assert.False(t, s.Cancelled())

	s.transition(StateDraining)
	assert.True(t, s.Cancelled())
	assert.Equal(t, StateDraining, s.State())
}

func TestSessionIllegalTransitionIgnored(t *testing.T) {
	s := newSession("10.0.0.1", zerolog.Nop())
	assert.False(t, s.transition(StateActive))
	assert.Equal(t, StateConnecting, s.State())
}

func TestBanListLocksOutAfterMaxAttempts(t *testing.T) {
	base := time.Now()
	now := base
	b := newBanList(3, time.Hour, func() time.Time { return now })

	assert.False(t, b.RecordFailure("10.0.0.1"))
	assert.False(t, b.RecordFailure("10.0.0.1"))
	assert.True(t, b.RecordFailure("10.0.0.1"), "third failure bans")
	assert.True(t, b.Banned("10.0.0.1"))

	// A different peer is unaffected.
	assert.False(t, b.Banned("10.0.0.2"))

	// Ban expires.
	now = base.Add(time.Hour + time.Second)
	assert.False(t, b.Banned("10.0.0.1"))
}

func TestBanListWindowExpiry(t *testing.T) {
	base := time.Now()
	now := base
	b := newBanList(3, time.Hour, func() time.Time { return now })

	b.RecordFailure("10.0.0.1")
	b.RecordFailure("10.0.0.1")
	// Old failures age out of the 60s window.
	now = base.Add(61 * time.Second)
	assert.False(t, b.RecordFailure("10.0.0.1"))
	assert.False(t, b.Banned("10.0.0.1"))
}

func TestBanListSuccessClearsHistory(t *testing.T) {
	b := newBanList(3, time.Hour, nil)
	b.RecordFailure("10.0.0.1")
	b.RecordFailure("10.0.0.1")
	b.RecordSuccess("10.0.0.1")
	assert.False(t, b.RecordFailure("10.0.0.1"))
}

func TestLimiterGlobalCap(t *testing.T) {
	l := newLimiter(2, 2)
	assert.NoError(t, l.AcquireGlobal())
	assert.NoError(t, l.AcquireGlobal())
	assert.ErrorIs(t, l.AcquireGlobal(), ErrServerFull)

	l.Release("")
	assert.NoError(t, l.AcquireGlobal())
}

func TestLimiterPerIPCap(t *testing.T) {
	l := newLimiter(10, 2)
	for i := 0; i < 3; i++ {
		assert.NoError(t, l.AcquireGlobal())
	}
	assert.NoError(t, l.ClaimIP("10.0.0.1"))
	assert.NoError(t, l.ClaimIP("10.0.0.1"))
	assert.ErrorIs(t, l.ClaimIP("10.0.0.1"), ErrPerIPExceeded)
	assert.NoError(t, l.ClaimIP("10.0.0.2"))

	l.Release("10.0.0.1")
	assert.NoError(t, l.ClaimIP("10.0.0.1"))
}
