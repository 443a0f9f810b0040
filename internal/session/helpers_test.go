package session

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeSocket records everything sent to one consumer.
type fakeSocket struct {
	mu          sync.Mutex
	frames      []map[string]interface{}
	raw         [][]byte
	sendErr     error
	closed      bool
	closeCode   int
	closeReason string
}

func (f *fakeSocket) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	var frame map[string]interface{}
	if err := json.Unmarshal(data, &frame); err != nil {
		return err
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.raw = append(f.raw, cp)
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeSocket) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeCode = code
	f.closeReason = reason
	return nil
}

func (f *fakeSocket) all() []map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]interface{}, len(f.frames))
	copy(out, f.frames)
	return out
}

func (f *fakeSocket) ofType(typ string) []map[string]interface{} {
	var out []map[string]interface{}
	for _, frame := range f.all() {
		if frame["type"] == typ {
			out = append(out, frame)
		}
	}
	return out
}

func (f *fakeSocket) last(t *testing.T) map[string]interface{} {
	t.Helper()
	frames := f.all()
	require.NotEmpty(t, frames)
	return frames[len(frames)-1]
}

func (f *fakeSocket) isClosed() (bool, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.closeCode
}
