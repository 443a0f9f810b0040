package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/apperr"
	"github.com/coderelay/coderelay/internal/common/logger"
)

// FileStore keeps one <sessionId>.json per session under a directory.
// Writes go through a temp file and rename so a crash never leaves a
// half-written record.
type FileStore struct {
	dir    string
	logger *logger.Logger
	mu     sync.Mutex
}

var _ SessionStore = (*FileStore)(nil)

// NewFileStore creates the directory if needed.
func NewFileStore(dir string, log *logger.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperr.E("storage.NewFileStore", apperr.KindStorage, err)
	}
	return &FileStore{
		dir:    dir,
		logger: log.WithFields(zap.String("component", "file_store")),
	}, nil
}

func (s *FileStore) path(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".json")
}

func (s *FileStore) Save(ctx context.Context, record *SessionRecord) error {
	const op = "storage.FileStore.Save"
	if record.SessionID == "" {
		return apperr.E(op, apperr.KindStorage, "empty session id")
	}
	record.UpdatedAt = time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = record.UpdatedAt
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return apperr.E(op, apperr.KindStorage, err, apperr.WithSession(record.SessionID))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tmp, err := os.CreateTemp(s.dir, record.SessionID+".*.tmp")
	if err != nil {
		return apperr.E(op, apperr.KindStorage, err, apperr.WithSession(record.SessionID))
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return apperr.E(op, apperr.KindStorage, err, apperr.WithSession(record.SessionID))
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return apperr.E(op, apperr.KindStorage, err, apperr.WithSession(record.SessionID))
	}
	if err := os.Rename(tmpName, s.path(record.SessionID)); err != nil {
		_ = os.Remove(tmpName)
		return apperr.E(op, apperr.KindStorage, err, apperr.WithSession(record.SessionID))
	}
	return nil
}

func (s *FileStore) Load(ctx context.Context, sessionID string) (*SessionRecord, error) {
	const op = "storage.FileStore.Load"
	data, err := os.ReadFile(s.path(sessionID))
	if err != nil {
		return nil, apperr.E(op, apperr.KindStorage, err, apperr.WithSession(sessionID))
	}
	var record SessionRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, apperr.E(op, apperr.KindStorage, err, apperr.WithSession(sessionID))
	}
	return &record, nil
}

func (s *FileStore) List(ctx context.Context) ([]*SessionRecord, error) {
	const op = "storage.FileStore.List"
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, apperr.E(op, apperr.KindStorage, err)
	}

	records := make([]*SessionRecord, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		sessionID := strings.TrimSuffix(name, ".json")
		record, err := s.Load(ctx, sessionID)
		if err != nil {
			// One corrupt record must not block a restart.
			s.logger.Warn("skipping unreadable session record",
				zap.String("file", name), zap.Error(err))
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

func (s *FileStore) Delete(ctx context.Context, sessionID string) error {
	err := os.Remove(s.path(sessionID))
	if err != nil && !os.IsNotExist(err) {
		return apperr.E("storage.FileStore.Delete", apperr.KindStorage, err,
			apperr.WithSession(sessionID))
	}
	return nil
}

func (s *FileStore) Close() error { return nil }
