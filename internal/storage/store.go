// Package storage persists session records so sessions survive a daemon
// restart. Two implementations exist: a JSON file per session for the default
// single-host setup, and a SQLite store for installations that already carry
// a database.
package storage

import (
	"context"
	"time"
)

// SessionRecord is the durable part of a session: enough to relaunch the
// backend and resume the conversation, nothing more. Live state (consumers,
// history ring, queued messages) is intentionally not persisted.
type SessionRecord struct {
	SessionID        string    `json:"sessionId" db:"session_id"`
	Cwd              string    `json:"cwd" db:"cwd"`
	Model            string    `json:"model,omitempty" db:"model"`
	AdapterName      string    `json:"adapterName" db:"adapter_name"`
	BackendSessionID string    `json:"backendSessionId,omitempty" db:"backend_session_id"`
	Name             string    `json:"name,omitempty" db:"name"`
	CreatedAt        time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt        time.Time `json:"updatedAt" db:"updated_at"`
}

// SessionStore persists session records.
type SessionStore interface {
	// Save writes or replaces a record.
	Save(ctx context.Context, record *SessionRecord) error

	// Load returns one record; a missing session is a KindStorage error.
	Load(ctx context.Context, sessionID string) (*SessionRecord, error)

	// List returns all records, skipping unreadable entries.
	List(ctx context.Context) ([]*SessionRecord, error)

	// Delete removes a record. Deleting a missing record is not an error.
	Delete(ctx context.Context, sessionID string) error

	Close() error
}
