package process

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderelay/coderelay/internal/apperr"
	"github.com/coderelay/coderelay/internal/common/config"
	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/events"
	"github.com/coderelay/coderelay/internal/events/bus"
)

func testConfig() config.ProcessConfig {
	return config.ProcessConfig{
		KillGraceSec:     1,
		CrashThresholdMs: 100,
		BreakerLimit:     5,
	}
}

func newSupervisor(t *testing.T) (*Supervisor, *bus.MemoryEventBus) {
	t.Helper()
	eb := bus.NewMemoryEventBus(logger.Default())
	t.Cleanup(eb.Close)
	return NewSupervisor(testConfig(), eb, logger.Default()), eb
}

func TestSpawnAndExitEvents(t *testing.T) {
	s, eb := newSupervisor(t)

	var mu sync.Mutex
	var spawned, exited int
	_, err := eb.Subscribe(events.ProcessSpawned, func(ctx context.Context, e *bus.Event) error {
		mu.Lock()
		spawned++
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	_, err = eb.Subscribe(events.ProcessExited, func(ctx context.Context, e *bus.Event) error {
		mu.Lock()
		exited++
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	h, err := s.Spawn("s1", SpawnOptions{Command: []string{"true"}})
	require.NoError(t, err)
	require.NotZero(t, h.PID)

	select {
	case <-h.Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	// Exit event is published after the exited channel closes.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return exited == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, 1, spawned)
	mu.Unlock()
	assert.Equal(t, 0, h.ExitCode())
	assert.Nil(t, s.Get("s1"), "handle removed after exit")
}

func TestKillUnknownSessionReturnsFalse(t *testing.T) {
	s, _ := newSupervisor(t)
	assert.False(t, s.Kill("nope"))
}

func TestKillIsIdempotent(t *testing.T) {
	s, _ := newSupervisor(t)
	h, err := s.Spawn("s1", SpawnOptions{Command: []string{"sleep", "30"}})
	require.NoError(t, err)

	assert.True(t, s.Kill("s1"))

	select {
	case <-h.Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit after kill")
	}
	assert.False(t, s.Kill("s1"), "second kill after exit is a no-op")
}

func TestCircuitBreakerOpensAfterFiveFastCrashes(t *testing.T) {
	b := NewCircuitBreaker(100*time.Millisecond, 5)

	for i := 0; i < 4; i++ {
		b.RecordExit("agent", 5*time.Millisecond)
		assert.True(t, b.Allow("agent"))
	}
	b.RecordExit("agent", 5*time.Millisecond)
	assert.False(t, b.Allow("agent"), "breaker opens on the 5th consecutive crash")

	// A long-lived run resets the source.
	b.RecordExit("agent", time.Second)
	assert.True(t, b.Allow("agent"))
	assert.Equal(t, 0, b.Crashes("agent"))
}

func TestCircuitBreakerSourcesIndependent(t *testing.T) {
	b := NewCircuitBreaker(100*time.Millisecond, 5)
	for i := 0; i < 5; i++ {
		b.RecordExit("a", time.Millisecond)
	}
	assert.False(t, b.Allow("a"))
	assert.True(t, b.Allow("b"))
}

func TestSpawnRefusedWhenBreakerOpen(t *testing.T) {
	s, _ := newSupervisor(t)
	for i := 0; i < 5; i++ {
		s.Breaker().RecordExit("false", time.Millisecond)
	}

	_, err := s.Spawn("s1", SpawnOptions{Command: []string{"false"}})
	require.Error(t, err)
	assert.Equal(t, apperr.KindProcess, apperr.Kind(err))
}

func TestStderrStreamedAndWhitespaceSuppressed(t *testing.T) {
	s, eb := newSupervisor(t)

	var mu sync.Mutex
	var lines []string
	_, err := eb.Subscribe(events.ProcessStderr, func(ctx context.Context, e *bus.Event) error {
		mu.Lock()
		lines = append(lines, e.Data["line"].(string))
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	h, err := s.Spawn("s1", SpawnOptions{
		Command: []string{"sh", "-c", `echo boom >&2; echo "   " >&2; echo again >&2`},
	})
	require.NoError(t, err)
	<-h.Exited()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(lines) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"boom", "again"}, lines)
	mu.Unlock()
}

func TestOutputRingSurvivesExit(t *testing.T) {
	s, _ := newSupervisor(t)
	h, err := s.Spawn("s1", SpawnOptions{Command: []string{"sh", "-c", "echo hello >&2"}})
	require.NoError(t, err)
	<-h.Exited()

	require.Eventually(t, func() bool {
		return len(s.Logs("s1")) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "hello", s.Logs("s1")[0].Content)
}

func TestRedaction(t *testing.T) {
	assert.Equal(t, "Bearer [redacted]", Redact("Bearer abc123.secret"))
	assert.NotContains(t, Redact("api_key: sk-supersecretvalue12345"), "supersecret")
	assert.Equal(t, "plain line", Redact("plain line"))
}

func TestOutputBufferRing(t *testing.T) {
	b := NewOutputBuffer(3)
	for _, c := range []string{"1", "2", "3", "4"} {
		b.Add(OutputLine{Content: c})
	}
	all := b.GetAll()
	require.Len(t, all, 3)
	assert.Equal(t, "2", all[0].Content)
	assert.Equal(t, "4", all[2].Content)

	last := b.GetLast(2)
	require.Len(t, last, 2)
	assert.Equal(t, "3", last[0].Content)

	b.Clear()
	assert.Zero(t, b.Count())
}
