// Package jsonrpc implements the JSON-RPC 2.0 framing shared by the stdio
// and WebSocket adapter families. A Codec assigns monotonically increasing
// integer request IDs and encodes one message per newline-terminated line.
package jsonrpc

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/coderelay/coderelay/internal/apperr"
)

// Version is the only accepted jsonrpc version tag.
const Version = "2.0"

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Message is a JSON-RPC 2.0 request, notification, or response. Requests
// carry ID+Method; notifications carry Method only; responses carry ID plus
// Result or Error.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error represents a JSON-RPC 2.0 error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// IsRequest reports whether m expects a response.
func (m *Message) IsRequest() bool {
	return m.Method != "" && m.ID != nil
}

// IsNotification reports whether m is a fire-and-forget method call.
func (m *Message) IsNotification() bool {
	return m.Method != "" && m.ID == nil
}

// IsResponse reports whether m answers a previous request.
func (m *Message) IsResponse() bool {
	return m.Method == "" && m.ID != nil
}

// IDInt64 normalizes the wire ID (decoded as float64 or json.Number) to an
// int64 for correlation-table lookups. Returns false for string or absent IDs.
func (m *Message) IDInt64() (int64, bool) {
	switch v := m.ID.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	default:
		return 0, false
	}
}

// Codec assigns request IDs and encodes/decodes wire lines.
type Codec struct {
	mu     sync.Mutex
	nextID int64
}

// NewCodec creates a codec whose first request ID is 1.
func NewCodec() *Codec {
	return &Codec{}
}

// NextID reserves and returns the next request ID.
func (c *Codec) NextID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	return c.nextID
}

// CreateRequest builds a request with a fresh ID. params may be nil.
func (c *Codec) CreateRequest(method string, params interface{}) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: Version, ID: c.NextID(), Method: method, Params: raw}, nil
}

// CreateNotification builds a notification (no ID).
func (c *Codec) CreateNotification(method string, params interface{}) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: Version, Method: method, Params: raw}, nil
}

// CreateResponse builds a successful response for the given request ID.
func (c *Codec) CreateResponse(id interface{}, result interface{}) (*Message, error) {
	raw, err := marshalParams(result)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		raw = json.RawMessage("null")
	}
	return &Message{JSONRPC: Version, ID: id, Result: raw}, nil
}

// CreateErrorResponse builds an error response for the given request ID.
func (c *Codec) CreateErrorResponse(id interface{}, code int, message string) *Message {
	return &Message{JSONRPC: Version, ID: id, Error: &Error{Code: code, Message: message}}
}

// Encode serializes msg as a single newline-terminated line.
func (c *Codec) Encode(msg *Message) (string, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return "", apperr.E("jsonrpc.encode", apperr.KindProtocol, err)
	}
	return string(data) + "\n", nil
}

// Decode parses one wire line. It rejects empty lines, non-JSON, and any
// jsonrpc version other than "2.0".
func (c *Codec) Decode(line string) (*Message, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil, apperr.E("jsonrpc.decode", apperr.KindProtocol, "empty message")
	}

	var msg Message
	if err := json.Unmarshal([]byte(trimmed), &msg); err != nil {
		return nil, apperr.E("jsonrpc.decode", apperr.KindProtocol, err)
	}
	if msg.JSONRPC != Version {
		return nil, apperr.E("jsonrpc.decode", apperr.KindProtocol, "invalid jsonrpc version")
	}
	return &msg, nil
}

func marshalParams(params interface{}) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, apperr.E("jsonrpc.marshal", apperr.KindProtocol, err)
	}
	return data, nil
}
