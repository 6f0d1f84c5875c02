package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClampPriority(t *testing.T) {
	assert.Equal(t, PriorityMin, ClampPriority(0))
	assert.Equal(t, PriorityMin, ClampPriority(-3))
	assert.Equal(t, 3, ClampPriority(3))
	assert.Equal(t, PriorityMax, ClampPriority(9))
}

func TestMessage_IsBroadcast(t *testing.T) {
	direct := &Message{Routing: Routing{To: []string{"billing"}}}
	assert.False(t, direct.IsBroadcast())

	broadcast := &Message{Routing: Routing{To: []string{"billing", BroadcastTarget}}}
	assert.True(t, broadcast.IsBroadcast())

	unaddressed := &Message{}
	assert.False(t, unaddressed.IsBroadcast())
}

func TestInstanceState_Terminal(t *testing.T) {
	assert.False(t, InstanceStateActive.Terminal())
	assert.False(t, InstanceStateSuspended.Terminal())
	assert.True(t, InstanceStateCompleted.Terminal())
	assert.True(t, InstanceStateFailed.Terminal())
	assert.True(t, InstanceStateCompensated.Terminal())
}

func TestJoinState_Complete(t *testing.T) {
	state := &JoinState{Expected: []string{"b1", "b2"}}
	assert.False(t, state.Complete())

	state.Arrived = []string{"b1"}
	assert.False(t, state.Complete())

	state.Arrived = append(state.Arrived, "b2")
	assert.True(t, state.Complete())
}

func TestValidateCron(t *testing.T) {
	require.NoError(t, ValidateCron("0 9 * * 1"))
	require.Error(t, ValidateCron(""))
	require.Error(t, ValidateCron("not a cron"))
	require.Error(t, ValidateCron("0 9 * * 1 2000"))
}

func TestNextCycle(t *testing.T) {
	after := time.Date(2025, 6, 2, 8, 30, 0, 0, time.UTC) // a Monday

	next, err := NextCycle("0 9 * * 1", after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC), next)

	_, err = NextCycle("bogus", after)
	require.Error(t, err)
}

func TestTimer_Rearm(t *testing.T) {
	now := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	fired := now

	timer := &Timer{
		ID:             "t-1",
		Kind:           TimerKindCycle,
		CronExpression: "0 9 * * 1",
		State:          TimerStateFired,
		FiredAt:        &fired,
	}

	require.NoError(t, timer.Rearm(now))
	assert.Equal(t, TimerStatePending, timer.State)
	assert.Nil(t, timer.FiredAt)
	assert.Equal(t, time.Date(2025, 6, 9, 9, 0, 0, 0, time.UTC), timer.FireAt)

	oneShot := &Timer{ID: "t-2", Kind: TimerKindDuration}
	require.Error(t, oneShot.Rearm(now))
}
