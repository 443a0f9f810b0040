package main

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Scripted scenarios, keyed by trigger words in the prompt text:
//
//	"use-tool"       run a fake tool call through pending/completed
//	"ask-permission" request approval before the tool call runs
//	"slow"           stream chunks with delays so cancel can land mid-turn
//
// Anything else is echoed back as a single message chunk.
func (a *agent) runScenario(sess *agentSession, text string) string {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "ask-permission"):
		return a.permissionScenario(sess, text)
	case strings.Contains(lower, "use-tool"):
		return a.toolScenario(sess)
	case strings.Contains(lower, "slow"):
		return a.slowScenario(sess, text)
	default:
		a.chunk(sess.id, "echo: "+text)
		return "end_turn"
	}
}

func (a *agent) toolScenario(sess *agentSession) string {
	callID := "call-" + uuid.NewString()
	a.update(sess.id, map[string]interface{}{
		"sessionUpdate": "tool_call",
		"toolCallId":    callID,
		"title":         "List files",
		"kind":          "execute",
		"status":        "pending",
		"rawInput":      map[string]string{"command": "ls"},
	})
	a.update(sess.id, map[string]interface{}{
		"sessionUpdate": "tool_call_update",
		"toolCallId":    callID,
		"status":        "completed",
		"rawOutput":     map[string]string{"stdout": "README.md\nmain.go\n"},
	})
	a.chunk(sess.id, "listed 2 files")
	return "end_turn"
}

func (a *agent) permissionScenario(sess *agentSession, text string) string {
	callID := "call-" + uuid.NewString()
	allowed, err := a.requestPermission(sess.id, callID)
	if err != nil {
		a.chunk(sess.id, "permission request failed")
		return "end_turn"
	}
	if !allowed {
		a.chunk(sess.id, "tool call was denied")
		return "end_turn"
	}
	a.update(sess.id, map[string]interface{}{
		"sessionUpdate": "tool_call_update",
		"toolCallId":    callID,
		"status":        "completed",
	})
	a.chunk(sess.id, "tool call approved and executed")
	return "end_turn"
}

// slowScenario streams one chunk per word with a short pause, checking for
// cancellation between chunks.
func (a *agent) slowScenario(sess *agentSession, text string) string {
	for _, word := range strings.Fields(text) {
		a.mu.Lock()
		cancelled := sess.cancelled
		a.mu.Unlock()
		if cancelled {
			return "cancelled"
		}
		a.chunk(sess.id, word+" ")
		time.Sleep(50 * time.Millisecond)
	}
	return "end_turn"
}

func (a *agent) chunk(sessionID, text string) {
	a.update(sessionID, map[string]interface{}{
		"sessionUpdate": "agent_message_chunk",
		"content":       map[string]string{"type": "text", "text": text},
	})
}

// requestPermission sends a session/request_permission request to the client
// and blocks until the response or a 30s timeout.
func (a *agent) requestPermission(sessionID, callID string) (bool, error) {
	req, err := a.codec.CreateRequest("session/request_permission", map[string]interface{}{
		"sessionId": sessionID,
		"toolCall": map[string]interface{}{
			"toolCallId": callID,
			"title":      "Run command",
			"kind":       "execute",
			"rawInput":   map[string]string{"command": "rm -rf scratch"},
		},
		"options": []map[string]string{
			{"optionId": "allow-once", "name": "Allow once", "kind": "allow_once"},
			{"optionId": "reject-once", "name": "Reject", "kind": "reject_once"},
		},
	})
	if err != nil {
		return false, err
	}

	waiter := make(chan bool, 1)
	id, _ := req.IDInt64()
	a.mu.Lock()
	a.approvals[id] = waiter
	a.mu.Unlock()

	a.write(req)

	select {
	case allowed := <-waiter:
		return allowed, nil
	case <-time.After(30 * time.Second):
		a.mu.Lock()
		delete(a.approvals, id)
		a.mu.Unlock()
		return false, nil
	}
}
