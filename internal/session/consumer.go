// Package session implements the per-conversation core: the session model,
// the runtime that translates between consumers and the backend, the
// permission bridge, the slash command chain, and the reconnect/idle
// policies.
package session

import (
	"crypto/subtle"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/coderelay/coderelay/internal/apperr"
)

// WebSocket close codes used on the consumer protocol.
const (
	CloseNormal          = 1000
	ClosePolicyViolation = 1008
	CloseTooBig          = 1009
	CloseAuthFailed      = 4401
	CloseNotFound        = 4404
)

// ConsumerSocket is the transport-facing surface of one connected consumer.
// The gateway's WebSocket server implements it; tests use in-memory fakes.
type ConsumerSocket interface {
	// Send writes one JSON frame. Errors affect only this socket.
	Send(data []byte) error

	// Close closes the socket with a protocol close code.
	Close(code int, reason string) error
}

// ConsumerRole distinguishes participants from read-only observers.
type ConsumerRole string

const (
	RoleParticipant ConsumerRole = "participant"
	RoleObserver    ConsumerRole = "observer"
)

// ConsumerIdentity describes who a socket belongs to.
type ConsumerIdentity struct {
	UserID      string       `json:"user_id"`
	DisplayName string       `json:"display_name"`
	Role        ConsumerRole `json:"role"`
}

// TokenAuthenticator admits consumers that present the daemon API key. The
// admitted identity is anonymous; the session assigns a guest display name.
type TokenAuthenticator string

// Authenticate compares the presented token against the API key.
func (t TokenAuthenticator) Authenticate(token string) (ConsumerIdentity, error) {
	if subtle.ConstantTimeCompare([]byte(token), []byte(string(t))) != 1 {
		return ConsumerIdentity{}, apperr.E("session.Authenticate", apperr.KindAuth,
			"invalid or missing token")
	}
	return ConsumerIdentity{Role: RoleParticipant}, nil
}

// consumerConn is one registered socket with its identity and rate limiter.
type consumerConn struct {
	socket   ConsumerSocket
	identity ConsumerIdentity
	limiter  *rate.Limiter
}

// anonDisplayName names unauthenticated consumers deterministically per
// session.
func anonDisplayName(idx int) string {
	return fmt.Sprintf("Guest %d", idx)
}
