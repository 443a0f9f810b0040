package session

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderelay/coderelay/internal/common/logger"
)

func registerSocket(s *Session, sock *fakeSocket) {
	s.RegisterConsumer(sock, ConsumerIdentity{}, &consumerConn{socket: sock})
}

func TestBroadcastStampsMonotonicSeq(t *testing.T) {
	b := NewBroadcaster(logger.Default())
	s := NewSession("s1", "mock", 0)
	sock := &fakeSocket{}
	registerSocket(s, sock)

	b.Broadcast(s, NewFrame("assistant", map[string]interface{}{"n": 1}))
	b.Broadcast(s, NewFrame("result", map[string]interface{}{"n": 2}))
	b.SendTo(s, sock, NewFrame("error", map[string]interface{}{"n": 3}))

	frames := sock.all()
	require.Len(t, frames, 3)
	for i, frame := range frames {
		assert.Equal(t, float64(i+1), frame["seq"])
	}
}

func TestBroadcastRecordsConversationHistoryOnly(t *testing.T) {
	b := NewBroadcaster(logger.Default())
	s := NewSession("s1", "mock", 0)
	registerSocket(s, &fakeSocket{})

	b.Broadcast(s, NewFrame("assistant", nil))
	b.Broadcast(s, NewFrame("presence_update", nil))
	b.Broadcast(s, NewFrame("result", nil))
	b.Broadcast(s, NewFrame("queued_message_cancelled", nil))

	require.Len(t, s.History(), 2)
}

func TestBroadcastIsolatesSocketErrors(t *testing.T) {
	b := NewBroadcaster(logger.Default())
	s := NewSession("s1", "mock", 0)
	broken := &fakeSocket{sendErr: errors.New("gone")}
	healthy := &fakeSocket{}
	registerSocket(s, broken)
	registerSocket(s, healthy)

	b.Broadcast(s, NewFrame("assistant", map[string]interface{}{"text": "hi"}))

	require.Len(t, healthy.all(), 1)
	assert.Empty(t, broken.all())
}

func TestHistoryReplayMatchesLiveFrames(t *testing.T) {
	b := NewBroadcaster(logger.Default())
	s := NewSession("s1", "mock", 0)
	live := &fakeSocket{}
	registerSocket(s, live)

	b.Broadcast(s, NewFrame("user_message", map[string]interface{}{"content": "hi"}))
	b.Broadcast(s, NewFrame("assistant", map[string]interface{}{"text": "hello"}))

	history := s.History()
	require.Len(t, history, 2)
	for i, frame := range history {
		assert.JSONEq(t, string(live.raw[i]), string(frame))
	}
}

func TestSequencesIndependentPerSession(t *testing.T) {
	b := NewBroadcaster(logger.Default())
	s1 := NewSession("s1", "mock", 0)
	s2 := NewSession("s2", "mock", 0)
	sock1 := &fakeSocket{}
	sock2 := &fakeSocket{}
	registerSocket(s1, sock1)
	registerSocket(s2, sock2)

	b.Broadcast(s1, NewFrame("assistant", nil))
	b.Broadcast(s1, NewFrame("assistant", nil))
	b.Broadcast(s2, NewFrame("assistant", nil))

	assert.Equal(t, float64(2), sock1.last(t)["seq"])
	assert.Equal(t, float64(1), sock2.last(t)["seq"])

	b.Forget("s1")
	b.Broadcast(s1, NewFrame("assistant", nil))
	assert.Equal(t, float64(1), sock1.last(t)["seq"])
}
