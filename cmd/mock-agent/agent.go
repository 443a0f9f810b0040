package main

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/codec/jsonrpc"
	"github.com/coderelay/coderelay/internal/common/logger"
)

const protocolVersion = 1

// agent is the mock conversation state: one stdio pair, any number of ACP
// sessions, at most one in-flight prompt per session.
type agent struct {
	codec  *jsonrpc.Codec
	logger *logger.Logger

	outMu sync.Mutex
	out   io.Writer

	mu       sync.Mutex
	sessions map[string]*agentSession

	// approvals holds waiters for outstanding permission requests, keyed by
	// the JSON-RPC id the agent assigned.
	approvals map[int64]chan bool
}

type agentSession struct {
	id        string
	cancelled bool
}

func newAgent(out io.Writer, log *logger.Logger) *agent {
	return &agent{
		codec:     jsonrpc.NewCodec(),
		logger:    log,
		out:       out,
		sessions:  make(map[string]*agentSession),
		approvals: make(map[int64]chan bool),
	}
}

// HandleLine processes one stdin frame. Malformed lines are logged and
// dropped, as the protocol requires.
func (a *agent) HandleLine(line string) {
	msg, err := a.codec.Decode(line)
	if err != nil {
		a.logger.Debug("dropping malformed frame", zap.Error(err))
		return
	}

	switch {
	case msg.IsResponse():
		a.handleResponse(msg)
	case msg.IsNotification():
		a.handleNotification(msg)
	case msg.IsRequest():
		a.handleRequest(msg)
	}
}

func (a *agent) handleRequest(msg *jsonrpc.Message) {
	switch msg.Method {
	case "initialize":
		a.respond(msg.ID, map[string]interface{}{
			"protocolVersion": protocolVersion,
			"agentCapabilities": map[string]interface{}{
				"loadSession": true,
				"promptCapabilities": map[string]bool{
					"image": false,
				},
			},
			"agentInfo": map[string]string{"name": "mock-agent", "version": "dev"},
		})

	case "session/new":
		id := "mock-" + uuid.NewString()
		a.mu.Lock()
		a.sessions[id] = &agentSession{id: id}
		a.mu.Unlock()
		a.respond(msg.ID, map[string]interface{}{"sessionId": id})

	case "session/load":
		var params struct {
			SessionID string `json:"sessionId"`
		}
		_ = json.Unmarshal(msg.Params, &params)
		a.mu.Lock()
		a.sessions[params.SessionID] = &agentSession{id: params.SessionID}
		a.mu.Unlock()
		a.respond(msg.ID, map[string]interface{}{})

	case "session/prompt":
		a.handlePrompt(msg)

	case "session/set_model", "session/set_mode":
		a.respond(msg.ID, map[string]interface{}{})

	default:
		a.write(a.codec.CreateErrorResponse(msg.ID, jsonrpc.CodeMethodNotFound, "Method not supported"))
	}
}

func (a *agent) handleNotification(msg *jsonrpc.Message) {
	if msg.Method != "session/cancel" {
		return
	}
	var params struct {
		SessionID string `json:"sessionId"`
	}
	_ = json.Unmarshal(msg.Params, &params)
	a.mu.Lock()
	if sess := a.sessions[params.SessionID]; sess != nil {
		sess.cancelled = true
	}
	a.mu.Unlock()
}

// handleResponse resolves a pending permission request. The gateway answers
// with {"outcome":{"outcome":"selected","optionId":...}} or "cancelled".
func (a *agent) handleResponse(msg *jsonrpc.Message) {
	id, ok := msg.IDInt64()
	if !ok {
		return
	}
	a.mu.Lock()
	waiter := a.approvals[id]
	delete(a.approvals, id)
	a.mu.Unlock()
	if waiter == nil {
		return
	}

	var result struct {
		Outcome struct {
			Outcome  string `json:"outcome"`
			OptionID string `json:"optionId"`
		} `json:"outcome"`
	}
	_ = json.Unmarshal(msg.Result, &result)
	waiter <- result.Outcome.Outcome == "selected" && result.Outcome.OptionID == "allow-once"
}

// handlePrompt runs the scripted scenario for a prompt in the background so
// the stdin loop keeps draining.
func (a *agent) handlePrompt(msg *jsonrpc.Message) {
	var params struct {
		SessionID string `json:"sessionId"`
		Prompt    []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"prompt"`
	}
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		a.write(a.codec.CreateErrorResponse(msg.ID, jsonrpc.CodeInvalidParams, "malformed prompt"))
		return
	}

	text := ""
	for _, block := range params.Prompt {
		if block.Type == "text" {
			text += block.Text
		}
	}

	a.mu.Lock()
	sess := a.sessions[params.SessionID]
	if sess != nil {
		sess.cancelled = false
	}
	a.mu.Unlock()
	if sess == nil {
		a.write(a.codec.CreateErrorResponse(msg.ID, jsonrpc.CodeInvalidParams, "unknown session"))
		return
	}

	go func() {
		stopReason := a.runScenario(sess, text)
		a.respond(msg.ID, map[string]interface{}{"stopReason": stopReason})
	}()
}

func (a *agent) update(sessionID string, update map[string]interface{}) {
	note, err := a.codec.CreateNotification("session/update", map[string]interface{}{
		"sessionId": sessionID,
		"update":    update,
	})
	if err != nil {
		a.logger.Warn("update encode failed", zap.Error(err))
		return
	}
	a.write(note)
}

func (a *agent) respond(id interface{}, result interface{}) {
	resp, err := a.codec.CreateResponse(id, result)
	if err != nil {
		a.logger.Warn("response encode failed", zap.Error(err))
		return
	}
	a.write(resp)
}

func (a *agent) write(msg *jsonrpc.Message) {
	line, err := a.codec.Encode(msg)
	if err != nil {
		a.logger.Warn("encode failed", zap.Error(err))
		return
	}
	a.outMu.Lock()
	defer a.outMu.Unlock()
	if _, err := io.WriteString(a.out, line); err != nil {
		a.logger.Warn("stdout write failed", zap.Error(err))
	}
}
