package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderelay/coderelay/internal/adapter"
	"github.com/coderelay/coderelay/internal/apperr"
	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/message"
)

// wire plays the agent side of the stdio transport.
type wire struct {
	t         *testing.T
	toSession *io.PipeWriter
	lines     chan string
}

type rpcLine struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func newWire(t *testing.T) (*Session, *wire) {
	t.Helper()
	fromSession, sessionStdin := io.Pipe()
	sessionStdout, toSession := io.Pipe()

	w := &wire{t: t, toSession: toSession, lines: make(chan string, 32)}
	go func() {
		scanner := bufio.NewScanner(fromSession)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			w.lines <- scanner.Text()
		}
		close(w.lines)
	}()

	sess := newSession("s1", sessionStdin, sessionStdout, logger.Default(), nil)
	t.Cleanup(func() {
		toSession.Close()
		sessionStdin.Close()
	})
	return sess, w
}

func (w *wire) expect(method string) rpcLine {
	w.t.Helper()
	select {
	case line, ok := <-w.lines:
		require.True(w.t, ok, "session closed its stdin")
		var msg rpcLine
		require.NoError(w.t, json.Unmarshal([]byte(line), &msg))
		require.Equal(w.t, method, msg.Method)
		return msg
	case <-time.After(5 * time.Second):
		w.t.Fatalf("no %s within deadline", method)
		return rpcLine{}
	}
}

func (w *wire) next() rpcLine {
	w.t.Helper()
	select {
	case line, ok := <-w.lines:
		require.True(w.t, ok, "session closed its stdin")
		var msg rpcLine
		require.NoError(w.t, json.Unmarshal([]byte(line), &msg))
		return msg
	case <-time.After(5 * time.Second):
		w.t.Fatal("no frame within deadline")
		return rpcLine{}
	}
}

func (w *wire) send(line string) {
	w.t.Helper()
	_, err := io.WriteString(w.toSession, line+"\n")
	require.NoError(w.t, err)
}

func (w *wire) respond(id interface{}, result string) {
	raw, _ := json.Marshal(id)
	w.send(fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"result":%s}`, raw, result))
}

func (w *wire) update(update string) {
	w.send(fmt.Sprintf(`{"jsonrpc":"2.0","method":"session/update","params":{"sessionId":"acp-123","update":%s}}`, update))
}

func runHandshake(t *testing.T, sess *Session, w *wire, opts adapter.ConnectOptions) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- sess.handshake(context.Background(), opts) }()

	init := w.expect("initialize")
	w.respond(init.ID, `{"protocolVersion":1,"agentCapabilities":{"loadSession":true},"agentInfo":{"name":"fake-agent","version":"0.1"}}`)

	if opts.Resume != "" {
		load := w.expect("session/load")
		w.respond(load.ID, `{}`)
	} else {
		create := w.expect("session/new")
		w.respond(create.ID, `{"sessionId":"acp-123"}`)
	}
	require.NoError(t, <-done)
}

func recv(t *testing.T, sess *Session) message.UnifiedMessage {
	t.Helper()
	select {
	case msg, ok := <-sess.Messages():
		require.True(t, ok, "stream closed unexpectedly")
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("no message within deadline")
		return message.UnifiedMessage{}
	}
}

func TestHandshakeEmitsSessionInit(t *testing.T) {
	sess, w := newWire(t)
	runHandshake(t, sess, w, adapter.ConnectOptions{SessionID: "s1", WorkDir: "/tmp"})

	init := recv(t, sess)
	assert.Equal(t, message.TypeSessionInit, init.Type)
	assert.Equal(t, "acp-123", init.Metadata["backend_session_id"])
	info := init.Metadata["agent_info"].(map[string]interface{})
	assert.Equal(t, "fake-agent", info["name"])
}

func TestResumeUsesSessionLoad(t *testing.T) {
	sess, w := newWire(t)
	runHandshake(t, sess, w, adapter.ConnectOptions{SessionID: "s1", Resume: "old-7"})

	init := recv(t, sess)
	assert.Equal(t, "old-7", init.Metadata["backend_session_id"])
}

func TestPromptStreamsAndEmitsResult(t *testing.T) {
	sess, w := newWire(t)
	runHandshake(t, sess, w, adapter.ConnectOptions{SessionID: "s1"})
	recv(t, sess) // session_init

	err := sess.Send(context.Background(), message.New(
		message.TypeUserMessage, message.RoleUser,
		message.WithContent(message.TextBlock("hello"))))
	require.NoError(t, err)

	prompt := w.expect("session/prompt")
	var params struct {
		SessionID string `json:"sessionId"`
		Prompt    []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"prompt"`
	}
	require.NoError(t, json.Unmarshal(prompt.Params, &params))
	assert.Equal(t, "acp-123", params.SessionID)
	require.Len(t, params.Prompt, 1)
	assert.Equal(t, "hello", params.Prompt[0].Text)

	w.update(`{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"hi "}}`)
	w.update(`{"sessionUpdate":"agent_thought_chunk","content":{"type":"text","text":"pondering"}}`)
	w.respond(prompt.ID, `{"stopReason":"end_turn"}`)

	chunk := recv(t, sess)
	assert.Equal(t, message.TypeStreamEvent, chunk.Type)
	assert.Equal(t, "hi ", chunk.Text())

	thought := recv(t, sess)
	assert.Equal(t, message.TypeStreamEvent, thought.Type)
	require.Len(t, thought.Content, 1)
	assert.Equal(t, message.ContentThinking, thought.Content[0].Type)

	result := recv(t, sess)
	assert.Equal(t, message.TypeResult, result.Type)
	assert.Equal(t, "end_turn", result.Metadata["stop_reason"])
}

func TestToolCallLifecycle(t *testing.T) {
	sess, w := newWire(t)
	runHandshake(t, sess, w, adapter.ConnectOptions{SessionID: "s1"})
	recv(t, sess)

	w.update(`{"sessionUpdate":"tool_call","toolCallId":"tc-1","title":"read file","kind":"read","status":"in_progress"}`)
	progress := recv(t, sess)
	assert.Equal(t, message.TypeToolProgress, progress.Type)
	assert.Equal(t, "tc-1", progress.Metadata["tool_call_id"])

	w.update(`{"sessionUpdate":"tool_call_update","toolCallId":"tc-1","status":"completed"}`)
	summary := recv(t, sess)
	assert.Equal(t, message.TypeToolUseSummary, summary.Type)
	assert.Equal(t, "completed", summary.Metadata["status"])
}

func TestPermissionRoundTrip(t *testing.T) {
	sess, w := newWire(t)
	runHandshake(t, sess, w, adapter.ConnectOptions{SessionID: "s1"})
	recv(t, sess)

	w.send(`{"jsonrpc":"2.0","id":77,"method":"session/request_permission","params":{"sessionId":"acp-123","toolCall":{"toolCallId":"tc-9","title":"bash","rawInput":{"command":"ls"}},"options":[{"optionId":"opt-allow","name":"Allow","kind":"allow_once"},{"optionId":"opt-reject","name":"Reject","kind":"reject_once"}]}}`)

	req := recv(t, sess)
	require.Equal(t, message.TypePermissionRequest, req.Type)
	requestID := req.Metadata["request_id"].(string)
	require.NotEmpty(t, requestID)
	assert.Equal(t, "bash", req.Metadata["tool_name"])

	err := sess.Send(context.Background(), message.New(
		message.TypePermissionResponse, message.RoleUser,
		message.WithMetadata(map[string]interface{}{
			"request_id": requestID,
			"behavior":   "allow",
		})))
	require.NoError(t, err)

	resp := w.next()
	require.Nil(t, resp.Error)
	var result struct {
		Outcome struct {
			Outcome  string `json:"outcome"`
			OptionID string `json:"optionId"`
		} `json:"outcome"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, "selected", result.Outcome.Outcome)
	assert.Equal(t, "opt-allow", result.Outcome.OptionID)
}

func TestPermissionDenyWithoutRejectOptionCancels(t *testing.T) {
	sess, w := newWire(t)
	runHandshake(t, sess, w, adapter.ConnectOptions{SessionID: "s1"})
	recv(t, sess)

	w.send(`{"jsonrpc":"2.0","id":78,"method":"session/request_permission","params":{"sessionId":"acp-123","toolCall":{"toolCallId":"tc-9","title":"bash"},"options":[{"optionId":"opt-allow","name":"Allow","kind":"allow_once"}]}}`)
	req := recv(t, sess)
	requestID := req.Metadata["request_id"].(string)

	require.NoError(t, sess.Send(context.Background(), message.New(
		message.TypePermissionResponse, message.RoleUser,
		message.WithMetadata(map[string]interface{}{
			"request_id": requestID,
			"behavior":   "deny",
		}))))

	resp := w.next()
	var result struct {
		Outcome struct {
			Outcome string `json:"outcome"`
		} `json:"outcome"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, "cancelled", result.Outcome.Outcome)
}

func TestUnknownPermissionResponseIgnored(t *testing.T) {
	sess, w := newWire(t)
	runHandshake(t, sess, w, adapter.ConnectOptions{SessionID: "s1"})
	recv(t, sess)

	// No pending permission with this id; nothing must reach the agent.
	require.NoError(t, sess.Send(context.Background(), message.New(
		message.TypePermissionResponse, message.RoleUser,
		message.WithMetadata(map[string]interface{}{
			"request_id": "ghost",
			"behavior":   "allow",
		}))))

	select {
	case line := <-w.lines:
		t.Fatalf("unexpected frame: %s", line)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUnsupportedMethodsRejected(t *testing.T) {
	sess, w := newWire(t)
	runHandshake(t, sess, w, adapter.ConnectOptions{SessionID: "s1"})
	recv(t, sess)

	for _, method := range []string{"fs/read_text_file", "terminal/create"} {
		w.send(fmt.Sprintf(`{"jsonrpc":"2.0","id":99,"method":"%s","params":{}}`, method))
		resp := w.next()
		require.NotNil(t, resp.Error, "method %s", method)
		assert.Equal(t, -32601, resp.Error.Code)
		assert.Equal(t, "Method not supported", resp.Error.Message)
	}
}

func TestMalformedFramesDoNotKillThePump(t *testing.T) {
	sess, w := newWire(t)
	runHandshake(t, sess, w, adapter.ConnectOptions{SessionID: "s1"})
	recv(t, sess)

	w.send(`{this is not json`)
	w.send(`{"jsonrpc":"1.0","id":1}`)
	w.update(`{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"still alive"}}`)

	msg := recv(t, sess)
	assert.Equal(t, "still alive", msg.Text())
}

func TestInterruptSendsCancelNotification(t *testing.T) {
	sess, w := newWire(t)
	runHandshake(t, sess, w, adapter.ConnectOptions{SessionID: "s1"})
	recv(t, sess)

	require.NoError(t, sess.Interrupt(context.Background()))
	cancel := w.expect("session/cancel")
	assert.Nil(t, cancel.ID, "cancel is a notification")
}

func TestCloseIsIdempotentAndFailsSend(t *testing.T) {
	sess, w := newWire(t)
	runHandshake(t, sess, w, adapter.ConnectOptions{SessionID: "s1"})
	recv(t, sess)

	require.NoError(t, sess.Close(context.Background()))
	require.NoError(t, sess.Close(context.Background()))

	_, ok := <-sess.Messages()
	assert.False(t, ok, "stream closed")

	err := sess.Send(context.Background(), message.New(
		message.TypeUserMessage, message.RoleUser,
		message.WithContent(message.TextBlock("late"))))
	require.Error(t, err)
	assert.Equal(t, apperr.KindSessionClosed, apperr.Kind(err))
	_ = w
}

func TestTransportEOFEndsStream(t *testing.T) {
	sess, w := newWire(t)
	runHandshake(t, sess, w, adapter.ConnectOptions{SessionID: "s1"})
	recv(t, sess)

	w.toSession.Close()

	select {
	case _, ok := <-sess.Messages():
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not end on EOF")
	}
}
