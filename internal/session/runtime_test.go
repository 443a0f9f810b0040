package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderelay/coderelay/internal/adapter"
	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/events"
	"github.com/coderelay/coderelay/internal/events/bus"
	"github.com/coderelay/coderelay/internal/message"
)

// rig wires one session end to end against the in-memory backend.
type rig struct {
	bridge  *Bridge
	session *Session
	runtime *Runtime
	mock    *adapter.MockAdapter
	backend *adapter.MockSession
	bus     bus.EventBus
}

func newRig(t *testing.T) *rig {
	t.Helper()
	log := logger.Default()
	eb := bus.NewMemoryEventBus(log)
	br := NewBridge(BridgeConfig{RateLimit: 10000, RateBurst: 10000}, eb, nil, log)

	s := NewSession("s1", "mock", 0)
	rt := br.AddSession(s)

	mock := adapter.NewMockAdapter()
	backend, err := mock.Connect(context.Background(), adapter.ConnectOptions{SessionID: "s1"})
	require.NoError(t, err)
	br.ConnectBackend(rt, mock, backend)
	require.Equal(t, StateActive, s.Lifecycle())

	t.Cleanup(func() {
		_ = backend.Close(context.Background())
		eb.Close()
	})
	return &rig{
		bridge:  br,
		session: s,
		runtime: rt,
		mock:    mock,
		backend: mock.Session("s1"),
		bus:     eb,
	}
}

func (r *rig) join(t *testing.T) *fakeSocket {
	t.Helper()
	sock := &fakeSocket{}
	require.NoError(t, r.bridge.HandleConsumerOpen(sock, "s1", ""))
	return sock
}

func waitForFrame(t *testing.T, sock *fakeSocket, typ string) map[string]interface{} {
	t.Helper()
	var frame map[string]interface{}
	require.Eventually(t, func() bool {
		frames := sock.ofType(typ)
		if len(frames) == 0 {
			return false
		}
		frame = frames[len(frames)-1]
		return true
	}, time.Second, 5*time.Millisecond, "no %s frame", typ)
	return frame
}

func TestUserMessageEchoTurn(t *testing.T) {
	r := newRig(t)
	sock := r.join(t)

	r.runtime.HandleInbound(sock, Inbound{Type: "user_message", Content: "ping"})

	echo := waitForFrame(t, sock, "user_message")
	assert.Equal(t, "ping", echo["content"])
	assert.Equal(t, StatusRunning, r.session.LastStatus())

	waitForFrame(t, sock, "assistant")
	waitForFrame(t, sock, "result")

	require.Len(t, r.backend.Sent, 1)
	assert.Equal(t, message.TypeUserMessage, r.backend.Sent[0].Type)
	assert.Equal(t, "ping", r.backend.Sent[0].Text())
}

func TestEmptyUserMessageRejected(t *testing.T) {
	r := newRig(t)
	sock := r.join(t)

	r.runtime.HandleInbound(sock, Inbound{Type: "user_message", Content: ""})

	frame := waitForFrame(t, sock, "error")
	assert.Equal(t, "empty message", frame["message"])
	assert.Empty(t, r.backend.Sent)
}

func TestInterruptForwarded(t *testing.T) {
	r := newRig(t)
	sock := r.join(t)

	r.runtime.HandleInbound(sock, Inbound{Type: "interrupt"})

	require.Eventually(t, func() bool { return len(r.backend.Sent) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, message.TypeInterrupt, r.backend.Sent[0].Type)
}

func TestPermissionResponseForwardedAndResolved(t *testing.T) {
	r := newRig(t)
	sock := r.join(t)

	r.runtime.Permissions().Register("req-1", map[string]interface{}{"tool_name": "bash"})
	r.runtime.HandleInbound(sock, Inbound{
		Type:      "permission_response",
		RequestID: "req-1",
		Behavior:  "deny",
		Message:   "not on my machine",
	})

	assert.Zero(t, r.runtime.Permissions().PendingCount())
	require.Contains(t, r.backend.Resolutions, "req-1")
	assert.Equal(t, "deny", r.backend.Resolutions["req-1"])
}

func TestSetModelSendsConfigurationChange(t *testing.T) {
	r := newRig(t)
	sock := r.join(t)

	r.runtime.HandleInbound(sock, Inbound{Type: "set_model", Model: "large"})

	require.Len(t, r.backend.Sent, 1)
	sent := r.backend.Sent[0]
	assert.Equal(t, message.TypeConfigurationChange, sent.Type)
	assert.Equal(t, "large", sent.MetaString("model"))
	assert.Equal(t, "large", r.session.StateSnapshot()["model"])
}

func TestSlashHelpAnsweredLocally(t *testing.T) {
	r := newRig(t)
	sock := r.join(t)

	r.runtime.HandleInbound(sock, Inbound{Type: "slash_command", Command: "/help", RequestID: "rq-1"})

	frame := waitForFrame(t, sock, "slash_command_result")
	assert.Equal(t, "emulated", frame["source"])
	assert.Equal(t, "/help", frame["command"])
	assert.Equal(t, "rq-1", frame["request_id"])
	assert.Contains(t, frame["content"], "/status")
	assert.Empty(t, r.backend.Sent)
}

func TestSlashNativeExecutor(t *testing.T) {
	r := newRig(t)
	sock := r.join(t)

	r.runtime.HandleInbound(sock, Inbound{Type: "slash_command", Command: "/compact"})

	frame := waitForFrame(t, sock, "slash_command_result")
	assert.Equal(t, "native", frame["source"])
	assert.Equal(t, "conversation compacted", frame["content"])
}

func TestSlashPassthroughCorrelatesResult(t *testing.T) {
	r := newRig(t)
	sock := r.join(t)

	r.runtime.HandleInbound(sock, Inbound{Type: "slash_command", Command: "/review", RequestID: "rq-9"})

	frame := waitForFrame(t, sock, "slash_command_result")
	assert.Equal(t, "passthrough", frame["source"])
	assert.Equal(t, "/review", frame["command"])
	assert.Equal(t, "rq-9", frame["request_id"])

	// The command travelled to the backend as a user message.
	require.NotEmpty(t, r.backend.Sent)
	assert.Equal(t, "/review", r.backend.Sent[0].Text())
}

func TestSlashUnsupportedWithoutPassthrough(t *testing.T) {
	r := newRig(t)
	sock := r.join(t)
	r.session.AttachBackend(r.session.Backend(), r.session.SlashExecutor(), false)

	r.runtime.HandleInbound(sock, Inbound{Type: "slash_command", Command: "/vibe"})

	frame := waitForFrame(t, sock, "slash_command_error")
	assert.Equal(t, "/vibe is not supported", frame["error"])
}

func TestQueueWhileRunning(t *testing.T) {
	r := newRig(t)
	author := r.join(t)
	other := r.join(t)
	r.session.SetLastStatus(StatusRunning)

	r.runtime.HandleInbound(author, Inbound{Type: "queue_message", Content: "next up"})
	frame := waitForFrame(t, author, "message_queued")
	assert.Equal(t, "next up", frame["content"])

	// The single slot is taken.
	r.runtime.HandleInbound(other, Inbound{Type: "queue_message", Content: "me too"})
	errFrame := waitForFrame(t, other, "error")
	assert.Equal(t, "a message is already queued", errFrame["message"])

	// Only the author may touch it.
	r.runtime.HandleInbound(other, Inbound{Type: "update_queued_message", Content: "hijacked"})
	assert.Equal(t, "next up", r.session.Queued().Content)
	r.runtime.HandleInbound(other, Inbound{Type: "cancel_queued_message"})
	require.NotNil(t, r.session.Queued())

	r.runtime.HandleInbound(author, Inbound{Type: "update_queued_message", Content: "revised"})
	assert.Equal(t, "revised", r.session.Queued().Content)
	r.runtime.HandleInbound(author, Inbound{Type: "cancel_queued_message"})
	assert.Nil(t, r.session.Queued())
}

func TestQueueRaceAdmitsExactlyOne(t *testing.T) {
	r := newRig(t)
	a := r.join(t)
	b := r.join(t)
	r.session.SetLastStatus(StatusRunning)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.runtime.HandleInbound(a, Inbound{Type: "queue_message", Content: "from-a"})
	}()
	go func() {
		defer wg.Done()
		r.runtime.HandleInbound(b, Inbound{Type: "queue_message", Content: "from-b"})
	}()
	wg.Wait()

	queued := r.session.Queued()
	require.NotNil(t, queued)

	// One broadcast announces the winner; the loser alone gets an error.
	announced := a.ofType("message_queued")
	require.Len(t, announced, 1)
	assert.Equal(t, queued.Content, announced[0]["content"])
	assert.Len(t, append(a.ofType("error"), b.ofType("error")...), 1)
}

func TestInterruptBroadcastToAllConsumers(t *testing.T) {
	r := newRig(t)
	sender := r.join(t)
	observer := r.join(t)

	r.runtime.HandleInbound(sender, Inbound{Type: "interrupt"})

	// Both the sender and the bystander learn an interrupt was issued.
	waitForFrame(t, sender, "interrupt")
	frame := waitForFrame(t, observer, "interrupt")
	assert.Contains(t, frame, "author")

	require.NotEmpty(t, r.backend.Sent)
	assert.Equal(t, message.TypeInterrupt, r.backend.Sent[0].Type)
}

func TestQueueWhileIdleSendsImmediately(t *testing.T) {
	r := newRig(t)
	sock := r.join(t)
	r.session.SetLastStatus(StatusIdle)

	r.runtime.HandleInbound(sock, Inbound{Type: "queue_message", Content: "go now"})

	waitForFrame(t, sock, "user_message")
	assert.Nil(t, r.session.Queued())
	require.NotEmpty(t, r.backend.Sent)
	assert.Equal(t, "go now", r.backend.Sent[0].Text())
}

func TestQueuedFlushOnIdleStatus(t *testing.T) {
	r := newRig(t)
	sock := r.join(t)
	r.session.SetLastStatus(StatusRunning)
	r.runtime.HandleInbound(sock, Inbound{Type: "queue_message", Content: "deferred"})
	require.NotNil(t, r.session.Queued())

	r.runtime.HandleBackendMessage(message.New(message.TypeStatusChange, message.RoleSystem,
		message.WithMetadata(map[string]interface{}{"status": "idle"})))

	waitForFrame(t, sock, "queued_message_sent")
	assert.Nil(t, r.session.Queued())
	require.Eventually(t, func() bool { return len(r.backend.Sent) >= 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "deferred", r.backend.Sent[0].Text())
	assert.Equal(t, StatusRunning, r.session.LastStatus())
}

func TestSetAdapterOnlyBeforeActivation(t *testing.T) {
	r := newRig(t)
	sock := r.join(t)

	r.runtime.HandleInbound(sock, Inbound{Type: "set_adapter", Adapter: "acp"})
	frame := waitForFrame(t, sock, "error")
	assert.Equal(t, "cannot change adapter after activation", frame["message"])
	assert.Equal(t, "mock", r.session.AdapterName)
}

func TestSessionInitCapturesBackendSessionID(t *testing.T) {
	r := newRig(t)
	sock := r.join(t)

	r.runtime.HandleBackendMessage(message.New(message.TypeSessionInit, message.RoleSystem,
		message.WithMetadata(map[string]interface{}{
			"backend_session_id": "inner-42",
			"model":              "large",
		})))

	assert.Equal(t, "inner-42", r.session.BackendSessionID())
	frame := waitForFrame(t, sock, "session_init")
	sessionData, ok := frame["session"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "inner-42", sessionData["backend_session_id"])
}

func TestFirstTurnCompletedPublishedOnce(t *testing.T) {
	r := newRig(t)
	r.join(t)

	firstTurns := make(chan string, 4)
	_, err := r.bus.Subscribe(events.SessionFirstTurnCompleted, func(_ context.Context, e *bus.Event) error {
		firstTurns <- e.SessionID()
		return nil
	})
	require.NoError(t, err)

	result := message.New(message.TypeResult, message.RoleSystem,
		message.WithMetadata(map[string]interface{}{"stop_reason": "end_turn"}))
	r.runtime.HandleBackendMessage(result)
	r.runtime.HandleBackendMessage(result)

	select {
	case id := <-firstTurns:
		assert.Equal(t, "s1", id)
	case <-time.After(time.Second):
		t.Fatal("first turn event not published")
	}
	select {
	case <-firstTurns:
		t.Fatal("first turn published twice")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBackendStreamEndDegradesSession(t *testing.T) {
	r := newRig(t)
	sock := r.join(t)

	require.NoError(t, r.backend.Close(context.Background()))

	waitForFrame(t, sock, "cli_disconnected")
	require.Eventually(t, func() bool {
		return r.session.Lifecycle() == StateDegraded && r.session.Backend() == nil
	}, time.Second, 5*time.Millisecond)
}

func TestPolicyCommands(t *testing.T) {
	r := newRig(t)
	sock := r.join(t)

	r.runtime.ApplyPolicyCommand("capabilities_timeout")
	frame := waitForFrame(t, sock, "error")
	assert.Equal(t, "backend capabilities not reported in time", frame["message"])

	r.runtime.ApplyPolicyCommand("reconnect_timeout")
	assert.Equal(t, StateDegraded, r.session.Lifecycle())

	r.runtime.ApplyPolicyCommand("idle_reap")
	assert.Equal(t, StateClosing, r.session.Lifecycle())
}
