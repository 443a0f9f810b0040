package codexws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderelay/coderelay/internal/adapter"
	"github.com/coderelay/coderelay/internal/apperr"
	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/message"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// fakeServer answers the initialize handshake and records every frame the
// session writes, exposing a writer for server-initiated frames.
type fakeServer struct {
	t      *testing.T
	srv    *httptest.Server
	frames chan map[string]interface{}

	mu   sync.Mutex
	conn *websocket.Conn
}

func newFakeServer(t *testing.T) *fakeServer {
	f := &fakeServer{t: t, frames: make(chan map[string]interface{}, 32)}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		f.mu.Lock()
		f.conn = conn
		f.mu.Unlock()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame map[string]interface{}
			if err := json.Unmarshal(data, &frame); err != nil {
				continue
			}
			if frame["method"] == "initialize" {
				f.write(fmt.Sprintf(`{"jsonrpc":"2.0","id":%v,"result":{"name":"fake-app-server"}}`,
					frame["id"]))
				continue
			}
			f.frames <- frame
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeServer) write(frame string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotNil(f.t, f.conn)
	require.NoError(f.t, f.conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func (f *fakeServer) expect(method string) map[string]interface{} {
	f.t.Helper()
	select {
	case frame := <-f.frames:
		require.Equal(f.t, method, frame["method"])
		return frame
	case <-time.After(5 * time.Second):
		f.t.Fatalf("no %s within deadline", method)
		return nil
	}
}

func connect(t *testing.T, f *fakeServer) adapter.BackendSession {
	t.Helper()
	a := New(Config{URL: f.url()}, nil, logger.Default())
	sess, err := a.Connect(context.Background(), adapter.ConnectOptions{SessionID: "s1"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close(context.Background()) })
	f.expect("initialized")
	return sess
}

func recv(t *testing.T, sess adapter.BackendSession) message.UnifiedMessage {
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

func TestHandshakeAndSessionInit(t *testing.T) {
	f := newFakeServer(t)
	sess := connect(t, f)

	assert.Equal(t, "s1", sess.SessionID())
	init := recv(t, sess)
	assert.Equal(t, message.TypeSessionInit, init.Type)
	info := init.Metadata["server_info"].(map[string]interface{})
	assert.Equal(t, "fake-app-server", info["name"])
}

func TestUserMessageBecomesTurnCreate(t *testing.T) {
	f := newFakeServer(t)
	sess := connect(t, f)
	recv(t, sess) // session_init

	require.NoError(t, sess.Send(context.Background(), message.New(
		message.TypeUserMessage, message.RoleUser,
		message.WithContent(message.TextBlock("do the thing")))))

	frame := f.expect("turn.create")
	params := frame["params"].(map[string]interface{})
	assert.Equal(t, "do the thing", params["text"])
	assert.NotNil(t, frame["id"], "turn.create is a request")
}

func TestInterruptBecomesTurnCancel(t *testing.T) {
	f := newFakeServer(t)
	sess := connect(t, f)
	recv(t, sess)

	require.NoError(t, sess.(adapter.Interruptible).Interrupt(context.Background()))
	frame := f.expect("turn.cancel")
	assert.Nil(t, frame["id"], "turn.cancel is a notification")
}

func TestInboundEventTranslation(t *testing.T) {
	f := newFakeServer(t)
	sess := connect(t, f)
	recv(t, sess)

	f.write(`{"jsonrpc":"2.0","method":"response.output_text.delta","params":{"delta":"par"}}`)
	delta := recv(t, sess)
	assert.Equal(t, message.TypeStreamEvent, delta.Type)
	assert.Equal(t, "par", delta.Text())

	f.write(`{"jsonrpc":"2.0","method":"response.output_item.done","params":{"item":{"text":"partial answer"}}}`)
	done := recv(t, sess)
	assert.Equal(t, message.TypeAssistant, done.Type)
	assert.Equal(t, "partial answer", done.Text())
	assert.Equal(t, true, done.Metadata["done"])

	f.write(`{"jsonrpc":"2.0","method":"response.completed","params":{"usage":{"tokens":12}}}`)
	result := recv(t, sess)
	assert.Equal(t, message.TypeResult, result.Type)
	assert.Equal(t, "end_turn", result.Metadata["stop_reason"])
}

func TestApprovalRoundTrip(t *testing.T) {
	f := newFakeServer(t)
	sess := connect(t, f)
	recv(t, sess)

	f.write(`{"jsonrpc":"2.0","method":"approval_requested","params":{"call_id":"call-9","tool_name":"shell","input":{"command":"rm"}}}`)
	req := recv(t, sess)
	require.Equal(t, message.TypePermissionRequest, req.Type)
	assert.Equal(t, "call-9", req.Metadata["call_id"])
	requestID := req.Metadata["request_id"].(string)

	require.NoError(t, sess.Send(context.Background(), message.New(
		message.TypePermissionResponse, message.RoleUser,
		message.WithMetadata(map[string]interface{}{
			"request_id": requestID,
			"behavior":   "deny",
		}))))

	frame := f.expect("approval.respond")
	params := frame["params"].(map[string]interface{})
	assert.Equal(t, "call-9", params["call_id"])
	assert.Equal(t, false, params["approve"])
}

func TestMalformedFramesDropped(t *testing.T) {
	f := newFakeServer(t)
	sess := connect(t, f)
	recv(t, sess)

	f.write(`not json at all`)
	f.write(`{"jsonrpc":"2.0","method":"response.output_text.delta","params":{"delta":"alive"}}`)

	msg := recv(t, sess)
	assert.Equal(t, "alive", msg.Text())
}

func TestServerCloseEndsStream(t *testing.T) {
	f := newFakeServer(t)
	sess := connect(t, f)
	recv(t, sess)

	f.mu.Lock()
	f.conn.Close()
	f.mu.Unlock()

	select {
	case _, ok := <-sess.Messages():
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not end on server close")
	}

	err := sess.Send(context.Background(), message.New(
		message.TypeUserMessage, message.RoleUser,
		message.WithContent(message.TextBlock("late"))))
	require.Error(t, err)
	assert.Equal(t, apperr.KindSessionClosed, apperr.Kind(err))
}

func TestConnectFailsWithoutURL(t *testing.T) {
	a := New(Config{}, nil, logger.Default())
	_, err := a.Connect(context.Background(), adapter.ConnectOptions{SessionID: "s1"})
	require.Error(t, err)
	assert.Equal(t, apperr.KindConnection, apperr.Kind(err))
}

func TestHandshakeTimeout(t *testing.T) {
	// A server that upgrades but never answers initialize.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	a := New(Config{URL: "ws" + strings.TrimPrefix(srv.URL, "http")}, nil, logger.Default())
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err := a.Connect(ctx, adapter.ConnectOptions{SessionID: "s1"})
	require.Error(t, err)
	assert.Equal(t, apperr.KindConnection, apperr.Kind(err))
}
