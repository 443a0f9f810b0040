package session

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLifecycleTransitions(t *testing.T) {
	s := NewSession("s1", "mock", 0)
	require.Equal(t, StateCreated, s.Lifecycle())

	require.True(t, s.Transition(StateActive))
	require.True(t, s.Transition(StateIdle))
	require.True(t, s.Transition(StateActive))
	require.True(t, s.Transition(StateDegraded))
	require.True(t, s.Transition(StateActive))
	require.True(t, s.Transition(StateClosing))
	require.True(t, s.Transition(StateClosed))
}

func TestLifecycleRejectsIllegalMoves(t *testing.T) {
	var rejected []string
	s := NewSession("s1", "mock", 0)
	s.SetInvalidTransitionObserver(func(from, to LifecycleState) {
		rejected = append(rejected, fmt.Sprintf("%s->%s", from, to))
	})

	// created may only go active (or closing).
	require.False(t, s.Transition(StateIdle))
	require.Equal(t, StateCreated, s.Lifecycle())

	require.True(t, s.Transition(StateActive))
	require.False(t, s.Transition(StateCreated))
	require.Equal(t, StateActive, s.Lifecycle())

	// closed is terminal.
	require.True(t, s.Transition(StateClosing))
	require.True(t, s.Transition(StateClosed))
	require.False(t, s.Transition(StateClosing))
	require.False(t, s.Transition(StateActive))

	assert.Equal(t, []string{
		"created->idle", "active->created", "closed->closing", "closed->active",
	}, rejected)
}

func TestClosingReachableFromAnyLiveState(t *testing.T) {
	for _, from := range []LifecycleState{StateCreated, StateActive, StateIdle, StateDegraded} {
		s := NewSession("s1", "mock", 0)
		s.mu.Lock()
		s.lifecycle = from
		s.mu.Unlock()
		require.True(t, s.Transition(StateClosing), "from %s", from)
	}
}

func TestRegisterConsumerAssignsGuestNames(t *testing.T) {
	s := NewSession("s1", "mock", 0)

	a := &fakeSocket{}
	b := &fakeSocket{}
	idA := s.RegisterConsumer(a, ConsumerIdentity{}, &consumerConn{socket: a})
	idB := s.RegisterConsumer(b, ConsumerIdentity{}, &consumerConn{socket: b})

	assert.Equal(t, "Guest 1", idA.DisplayName)
	assert.Equal(t, "Guest 2", idB.DisplayName)
	assert.Equal(t, RoleParticipant, idA.Role)
	assert.Equal(t, 2, s.ConsumerCount())

	remaining := s.RemoveConsumer(a)
	assert.Equal(t, 1, remaining)
}

func TestRegisterConsumerKeepsAuthenticatedIdentity(t *testing.T) {
	s := NewSession("s1", "mock", 0)
	sock := &fakeSocket{}
	id := s.RegisterConsumer(sock, ConsumerIdentity{
		UserID:      "u-1",
		DisplayName: "Ada",
		Role:        RoleObserver,
	}, &consumerConn{socket: sock})

	assert.Equal(t, "Ada", id.DisplayName)
	assert.Equal(t, RoleObserver, id.Role)
}

func TestHistoryRingCapped(t *testing.T) {
	s := NewSession("s1", "mock", 3)
	for i := 0; i < 5; i++ {
		s.RecordHistory(json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)))
	}
	history := s.History()
	require.Len(t, history, 3)
	assert.JSONEq(t, `{"n":2}`, string(history[0]))
	assert.JSONEq(t, `{"n":4}`, string(history[2]))
}

func TestQueuedSlotAndPassthroughFIFO(t *testing.T) {
	s := NewSession("s1", "mock", 0)

	require.Nil(t, s.Queued())
	s.SetQueued(&QueuedMessage{Content: "later", AuthorID: "u-1", QueuedAt: time.Now()})
	require.NotNil(t, s.Queued())
	taken := s.TakeQueued()
	require.Equal(t, "later", taken.Content)
	require.Nil(t, s.Queued())

	s.PushPassthrough(&PendingPassthrough{Command: "/first"})
	s.PushPassthrough(&PendingPassthrough{Command: "/second"})
	assert.Equal(t, "/first", s.PopPassthrough().Command)
	assert.Equal(t, "/second", s.PopPassthrough().Command)
	assert.Nil(t, s.PopPassthrough())
}

func TestTryQueueSingleWinnerUnderContention(t *testing.T) {
	s := NewSession("s1", "mock", 0)

	var wg sync.WaitGroup
	var wins int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if s.TryQueue(fmt.Sprintf("msg-%d", n), fmt.Sprintf("u-%d", n)) == nil {
				atomic.AddInt32(&wins, 1)
			}
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(&wins))
	queued := s.Queued()
	require.NotNil(t, queued)
	// The slot holds the winner's message, never a silent overwrite.
	assert.Equal(t, "msg-"+strings.TrimPrefix(queued.AuthorID, "u-"), queued.Content)
}

func TestUpdateQueuedSwapsTheSlot(t *testing.T) {
	s := NewSession("s1", "mock", 0)
	require.NoError(t, s.TryQueue("first", "u-1"))
	assert.ErrorContains(t, s.TryQueue("me too", "u-2"), "already queued")

	before := s.Queued()
	assert.Error(t, s.UpdateQueued("hijacked", "u-2"))
	assert.Error(t, s.CancelQueued("u-2"))
	require.NoError(t, s.UpdateQueued("second", "u-1"))

	// The message handed out before the update is never mutated in place, so
	// a flush racing with an update reads a stable value.
	assert.Equal(t, "first", before.Content)
	assert.Equal(t, "second", s.Queued().Content)

	require.NoError(t, s.CancelQueued("u-1"))
	assert.Nil(t, s.Queued())
	assert.Error(t, s.UpdateQueued("late", "u-1"))
	assert.Error(t, s.CancelQueued("u-1"))
}

func TestMarkFirstTurnOnce(t *testing.T) {
	s := NewSession("s1", "mock", 0)
	assert.True(t, s.MarkFirstTurn())
	assert.False(t, s.MarkFirstTurn())
}

func TestStateSnapshotIncludesFixedFields(t *testing.T) {
	s := NewSession("s1", "acp", 0)
	s.SetStateValue("model", "large")
	s.SetBackendSessionID("backend-77")

	snap := s.StateSnapshot()
	assert.Equal(t, "s1", snap["session_id"])
	assert.Equal(t, "acp", snap["adapter_name"])
	assert.Equal(t, "created", snap["lifecycle_state"])
	assert.Equal(t, "backend-77", snap["backend_session_id"])
	assert.Equal(t, "large", snap["model"])

	// The snapshot is a copy.
	snap["model"] = "small"
	assert.Equal(t, "large", s.StateSnapshot()["model"])
}

func TestSetLastStatusTracksIdleSince(t *testing.T) {
	s := NewSession("s1", "mock", 0)
	require.True(t, s.IdleSince().IsZero())

	s.SetLastStatus(StatusIdle)
	first := s.IdleSince()
	require.False(t, first.IsZero())

	s.SetLastStatus(StatusRunning)
	assert.Equal(t, first, s.IdleSince())
}
