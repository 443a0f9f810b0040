package adapter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderelay/coderelay/internal/apperr"
	"github.com/coderelay/coderelay/internal/message"
)

// RunComplianceSuite exercises the behavioral contract every adapter must
// honor, against a fresh instance per subtest. Adapters whose backends need
// external processes run it against a stubbed transport.
func RunComplianceSuite(t *testing.T, factory func(t *testing.T) BackendAdapter) {
	t.Helper()

	t.Run("identity", func(t *testing.T) {
		a := factory(t)
		assert.NotEmpty(t, a.Name())
		caps := a.Capabilities()
		assert.Contains(t,
			[]Availability{AvailabilityLocal, AvailabilityRemote, AvailabilityBoth},
			caps.Availability)
	})

	t.Run("connect reports supplied session id", func(t *testing.T) {
		a := factory(t)
		sess := mustConnect(t, a, "sess-identity")
		defer sess.Close(context.Background())
		assert.Equal(t, "sess-identity", sess.SessionID())
	})

	t.Run("send yields valid unified messages", func(t *testing.T) {
		a := factory(t)
		sess := mustConnect(t, a, "sess-send")
		defer sess.Close(context.Background())

		err := sess.Send(context.Background(), message.New(
			message.TypeUserMessage, message.RoleUser,
			message.WithContent(message.TextBlock("hello"))))
		require.NoError(t, err)

		msg := recvMessage(t, sess)
		assert.True(t, message.IsValid(msg))
	})

	t.Run("close terminates the stream", func(t *testing.T) {
		a := factory(t)
		sess := mustConnect(t, a, "sess-close")
		require.NoError(t, sess.Close(context.Background()))
		require.NoError(t, sess.Close(context.Background()), "close is idempotent")

		select {
		case _, ok := <-sess.Messages():
			assert.False(t, ok, "stream must close, not deliver")
		case <-time.After(2 * time.Second):
			t.Fatal("stream did not close")
		}

		err := sess.Send(context.Background(), message.New(
			message.TypeUserMessage, message.RoleUser,
			message.WithContent(message.TextBlock("late"))))
		require.Error(t, err)
		assert.Equal(t, apperr.KindSessionClosed, apperr.Kind(err))
	})

	t.Run("sessions are independent", func(t *testing.T) {
		a := factory(t)
		s1 := mustConnect(t, a, "sess-a")
		s2 := mustConnect(t, a, "sess-b")
		defer s2.Close(context.Background())

		require.NoError(t, s1.Close(context.Background()))

		err := s2.Send(context.Background(), message.New(
			message.TypeUserMessage, message.RoleUser,
			message.WithContent(message.TextBlock("still here"))))
		require.NoError(t, err)
		msg := recvMessage(t, s2)
		assert.True(t, message.IsValid(msg))
	})

	t.Run("resume token accepted", func(t *testing.T) {
		a := factory(t)
		sess, err := a.Connect(context.Background(), ConnectOptions{
			SessionID: "sess-resume",
			Resume:    "backend-internal-7",
		})
		require.NoError(t, err)
		defer sess.Close(context.Background())
		assert.Equal(t, "sess-resume", sess.SessionID())
	})
}

func mustConnect(t *testing.T, a BackendAdapter, id string) BackendSession {
	t.Helper()
	sess, err := a.Connect(context.Background(), ConnectOptions{SessionID: id})
	require.NoError(t, err)
	return sess
}

func recvMessage(t *testing.T, sess BackendSession) message.UnifiedMessage {
	t.Helper()
	select {
	case msg, ok := <-sess.Messages():
		require.True(t, ok, "stream closed before delivering a message")
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("no message within deadline")
		return message.UnifiedMessage{}
	}
}
