package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderelay/coderelay/internal/apperr"
	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/session"
)

const testSessionID = "0b8e7a3c-4f5d-4e2a-9c1b-7d6e5f4a3b2c"

func newWSFixture(t *testing.T) (*session.Bridge, *httptest.Server) {
	t.Helper()
	log := logger.Default()
	bridge := session.NewBridge(session.BridgeConfig{RateLimit: 10000, RateBurst: 10000}, nil, nil, log)
	bridge.AddSession(session.NewSession(testSessionID, "mock", 0))

	server := httptest.NewServer(NewWSServer(bridge, nil, log))
	t.Cleanup(server.Close)
	return bridge, server
}

func dial(t *testing.T, server *httptest.Server, sessionID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/consumer/" + sessionID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func TestWSJoinDeliversIdentityAndSnapshot(t *testing.T) {
	_, server := newWSFixture(t)
	conn := dial(t, server, testSessionID)

	identity := readFrame(t, conn)
	assert.Equal(t, "identity", identity["type"])
	assert.Equal(t, "Guest 1", identity["display_name"])

	init := readFrame(t, conn)
	assert.Equal(t, "session_init", init["type"])
	history := readFrame(t, conn)
	assert.Equal(t, "message_history", history["type"])
}

func TestWSInvalidSessionIDClosedWith1008(t *testing.T) {
	_, server := newWSFixture(t)
	conn := dial(t, server, "not-a-uuid")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, session.ClosePolicyViolation, closeErr.Code)
}

func TestWSUnknownSessionClosedWith4404(t *testing.T) {
	_, server := newWSFixture(t)
	conn := dial(t, server, "99999999-0000-4000-8000-000000000000")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, session.CloseNotFound, closeErr.Code)
}

func TestWSOriginRejected(t *testing.T) {
	log := logger.Default()
	bridge := session.NewBridge(session.BridgeConfig{}, nil, nil, log)
	server := httptest.NewServer(NewWSServer(bridge, []string{"https://app.example.com"}, log))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/consumer/" + testSessionID
	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestWSRoundTripThroughBridge(t *testing.T) {
	bridge, server := newWSFixture(t)
	conn := dial(t, server, testSessionID)

	// Drain the join sequence: identity, session_init, message_history,
	// presence_update.
	for i := 0; i < 4; i++ {
		readFrame(t, conn)
	}

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"presence_query"}`)))
	frame := readFrame(t, conn)
	assert.Equal(t, "presence_update", frame["type"])
	assert.Equal(t, float64(1), frame["count"])

	require.Equal(t, 1, bridge.Session(testSessionID).ConsumerCount())
}

// stubService implements SessionService for control API tests.
type stubService struct {
	sessions map[string]*SessionInfo
	deleted  []string
}

func newStubService() *stubService {
	return &stubService{sessions: make(map[string]*SessionInfo)}
}

func (s *stubService) CreateSession(_ context.Context, req CreateSessionRequest) (*SessionInfo, error) {
	if req.Adapter == "bogus" {
		return nil, apperr.E("stub", apperr.KindNoAdapter, "unknown adapter")
	}
	info := &SessionInfo{
		SessionID:   "sess-" + strconv.Itoa(len(s.sessions)+1),
		AdapterName: req.Adapter,
		Cwd:         req.Cwd,
	}
	s.sessions[info.SessionID] = info
	return info, nil
}

func (s *stubService) ListSessions(context.Context) []*SessionInfo {
	out := make([]*SessionInfo, 0, len(s.sessions))
	for _, info := range s.sessions {
		out = append(out, info)
	}
	return out
}

func (s *stubService) GetSession(_ context.Context, id string) (*SessionInfo, error) {
	info, ok := s.sessions[id]
	if !ok {
		return nil, apperr.E("stub", apperr.KindSessionClosed, "session not found")
	}
	return info, nil
}

func (s *stubService) DeleteSession(_ context.Context, id string) error {
	if _, ok := s.sessions[id]; !ok {
		return apperr.E("stub", apperr.KindSessionClosed, "session not found")
	}
	delete(s.sessions, id)
	s.deleted = append(s.deleted, id)
	return nil
}

func (s *stubService) SessionLogs(_ context.Context, id string, limit int) ([]string, error) {
	if _, ok := s.sessions[id]; !ok {
		return nil, apperr.E("stub", apperr.KindSessionClosed, "session not found")
	}
	return []string{"line one", "line two"}, nil
}

func newControlFixture(t *testing.T) (*stubService, *httptest.Server, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	token, err := NewToken()
	require.NoError(t, err)

	service := newStubService()
	router := gin.New()
	NewControlAPI(service, token, logger.Default()).Register(router)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return service, server, token
}

func controlDo(t *testing.T, method, url, token, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var parsed map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&parsed)
	return resp, parsed
}

func TestControlHealthIsPublic(t *testing.T) {
	_, server, _ := newControlFixture(t)
	resp, body := controlDo(t, http.MethodGet, server.URL+"/health", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestControlRequiresBearerToken(t *testing.T) {
	_, server, token := newControlFixture(t)

	resp, _ := controlDo(t, http.MethodGet, server.URL+"/sessions", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = controlDo(t, http.MethodGet, server.URL+"/sessions", "wrong-token", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = controlDo(t, http.MethodGet, server.URL+"/sessions", token, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestControlSessionLifecycle(t *testing.T) {
	service, server, token := newControlFixture(t)

	resp, created := controlDo(t, http.MethodPost, server.URL+"/sessions", token,
		`{"cwd":"/work/repo","adapter":"mock","name":"demo"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := created["session_id"].(string)

	resp, got := controlDo(t, http.MethodGet, server.URL+"/sessions/"+id, token, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "/work/repo", got["cwd"])

	resp, logs := controlDo(t, http.MethodGet, server.URL+"/sessions/"+id+"/logs?limit=10", token, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, logs["lines"], 2)

	resp, _ = controlDo(t, http.MethodDelete, server.URL+"/sessions/"+id, token, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{id}, service.deleted)

	resp, _ = controlDo(t, http.MethodGet, server.URL+"/sessions/"+id, token, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestControlValidation(t *testing.T) {
	_, server, token := newControlFixture(t)

	// Missing required cwd.
	resp, _ := controlDo(t, http.MethodPost, server.URL+"/sessions", token, `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Unknown adapter maps to 400.
	resp, _ = controlDo(t, http.MethodPost, server.URL+"/sessions", token,
		`{"cwd":"/x","adapter":"bogus"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Bad logs limit.
	_, created := controlDo(t, http.MethodPost, server.URL+"/sessions", token, `{"cwd":"/x"}`)
	id := created["session_id"].(string)
	resp, _ = controlDo(t, http.MethodGet, server.URL+"/sessions/"+id+"/logs?limit=zero", token, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLockFileSingleOwner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.lock")

	lock, err := AcquireLock(path)
	require.NoError(t, err)

	_, err = AcquireLock(path)
	require.Error(t, err)
	assert.Equal(t, apperr.KindProcess, apperr.Kind(err))

	require.NoError(t, lock.Release())
	lock2, err := AcquireLock(path)
	require.NoError(t, err)
	require.NoError(t, lock2.Release())
}

func TestLockFileReclaimsStaleLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.lock")
	// A PID that cannot be alive.
	require.NoError(t, os.WriteFile(path, []byte("999999999\n"), 0o644))

	lock, err := AcquireLock(path)
	require.NoError(t, err)
	require.NoError(t, lock.Release())
}

func TestDaemonInfoRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.json")
	token, err := NewToken()
	require.NoError(t, err)
	assert.Len(t, token, 64)

	require.NoError(t, WriteDaemonInfo(path, DaemonInfo{
		PID:       os.Getpid(),
		Port:      8765,
		Token:     token,
		StartedAt: time.Now().UTC(),
	}))

	stat, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), stat.Mode().Perm())

	info, err := ReadDaemonInfo(path)
	require.NoError(t, err)
	assert.Equal(t, 8765, info.Port)
	assert.Equal(t, token, info.Token)
}
