// Package process supervises agent subprocesses: spawning, output piping,
// kill escalation, and the crash circuit breaker.
package process

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/apperr"
	"github.com/coderelay/coderelay/internal/common/config"
	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/events"
	"github.com/coderelay/coderelay/internal/events/bus"
)

// SpawnOptions configures one subprocess.
type SpawnOptions struct {
	Command []string // argv; Command[0] is the binary
	Dir     string   // working directory
	Env     []string // nil inherits the parent environment
	Source  string   // circuit-breaker source tag; defaults to Command[0]

	// PipeStdio exposes stdin/stdout on the handle for protocol adapters
	// instead of streaming stdout as events. stderr is always streamed.
	PipeStdio bool
}

// Handle tracks one supervised subprocess.
type Handle struct {
	SessionID string
	PID       int
	SpawnedAt time.Time

	// Set when PipeStdio was requested.
	Stdin  io.WriteCloser
	Stdout io.ReadCloser

	cmd      *exec.Cmd
	exited   chan struct{}
	exitCode int
	exitMu   sync.Mutex
}

// Exited returns a channel closed when the process exits.
func (h *Handle) Exited() <-chan struct{} {
	return h.exited
}

// ExitCode returns the exit code; valid only after Exited is closed.
func (h *Handle) ExitCode() int {
	h.exitMu.Lock()
	defer h.exitMu.Unlock()
	return h.exitCode
}

// Kill sends a signal to the process.
func (h *Handle) Kill(sig syscall.Signal) error {
	if h.cmd == nil || h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Signal(sig)
}

// ExitHook is called after a process exit has been recorded and evented.
// Launchers use it to mark their sessions exited.
type ExitHook func(sessionID string, exitCode int, uptime time.Duration)

// Supervisor spawns and tracks agent subprocesses. Other components receive
// only PIDs and handles; the supervisor owns the lifecycle.
type Supervisor struct {
	cfg     config.ProcessConfig
	logger  *logger.Logger
	bus     bus.EventBus
	breaker *CircuitBreaker

	// sourcePrefix namespaces breaker sources for multi-launcher deployments.
	sourcePrefix string
	onExited     ExitHook

	mu      sync.Mutex
	handles map[string]*Handle
	buffers map[string]*OutputBuffer
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithSourcePrefix namespaces circuit-breaker source tags.
func WithSourcePrefix(prefix string) Option {
	return func(s *Supervisor) { s.sourcePrefix = prefix }
}

// WithExitHook registers a callback invoked after each process exit.
func WithExitHook(hook ExitHook) Option {
	return func(s *Supervisor) { s.onExited = hook }
}

// NewSupervisor creates a supervisor publishing lifecycle events on eb.
func NewSupervisor(cfg config.ProcessConfig, eb bus.EventBus, log *logger.Logger, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:     cfg,
		logger:  log.WithFields(zap.String("component", "process_supervisor")),
		bus:     eb,
		breaker: NewCircuitBreaker(cfg.CrashThreshold(), cfg.BreakerLimit),
		handles: make(map[string]*Handle),
		buffers: make(map[string]*OutputBuffer),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Breaker exposes the circuit breaker for tests and the control API.
func (s *Supervisor) Breaker() *CircuitBreaker {
	return s.breaker
}

// Spawn starts a subprocess for the session. Returns a Process error when the
// circuit breaker is open or the spawn fails.
func (s *Supervisor) Spawn(sessionID string, opts SpawnOptions) (*Handle, error) {
	if len(opts.Command) == 0 {
		return nil, apperr.E("supervisor.spawn", apperr.KindProcess, "no command configured",
			apperr.WithSession(sessionID))
	}

	source := opts.Source
	if source == "" {
		source = opts.Command[0]
	}
	source = s.sourcePrefix + source

	if !s.breaker.Allow(source) {
		return nil, apperr.E("supervisor.spawn", apperr.KindProcess,
			"circuit breaker open for "+source, apperr.WithSession(sessionID))
	}

	s.mu.Lock()
	if _, exists := s.handles[sessionID]; exists {
		s.mu.Unlock()
		return nil, apperr.E("supervisor.spawn", apperr.KindProcess,
			"process already running", apperr.WithSession(sessionID))
	}
	s.mu.Unlock()

	cmd := exec.Command(opts.Command[0], opts.Command[1:]...)
	cmd.Dir = opts.Dir
	cmd.Env = opts.Env

	handle := &Handle{
		SessionID: sessionID,
		cmd:       cmd,
		exited:    make(chan struct{}),
		exitCode:  -1,
	}

	var stdout io.ReadCloser
	var err error
	if opts.PipeStdio {
		handle.Stdin, err = cmd.StdinPipe()
		if err != nil {
			return nil, apperr.E("supervisor.spawn", apperr.KindProcess, err, apperr.WithSession(sessionID))
		}
		handle.Stdout, err = cmd.StdoutPipe()
		if err != nil {
			return nil, apperr.E("supervisor.spawn", apperr.KindProcess, err, apperr.WithSession(sessionID))
		}
	} else {
		stdout, err = cmd.StdoutPipe()
		if err != nil {
			return nil, apperr.E("supervisor.spawn", apperr.KindProcess, err, apperr.WithSession(sessionID))
		}
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, apperr.E("supervisor.spawn", apperr.KindProcess, err, apperr.WithSession(sessionID))
	}

	if err := cmd.Start(); err != nil {
		return nil, apperr.E("supervisor.spawn", apperr.KindProcess, err, apperr.WithSession(sessionID))
	}

	handle.PID = cmd.Process.Pid
	handle.SpawnedAt = time.Now()

	s.mu.Lock()
	s.handles[sessionID] = handle
	buffer, ok := s.buffers[sessionID]
	if !ok {
		buffer = NewOutputBuffer(500)
		s.buffers[sessionID] = buffer
	}
	s.mu.Unlock()

	if stdout != nil {
		go s.readStream(sessionID, "stdout", stdout, buffer)
	}
	go s.readStream(sessionID, "stderr", stderr, buffer)
	go s.waitForExit(sessionID, source, handle)

	s.publish(events.ProcessSpawned, map[string]interface{}{
		"session_id": sessionID,
		"pid":        handle.PID,
	})
	s.logger.Info("process spawned",
		zap.String("session_id", sessionID),
		zap.Int("pid", handle.PID),
		zap.String("command", opts.Command[0]))

	return handle, nil
}

// Get returns the handle for a session, if any.
func (s *Supervisor) Get(sessionID string) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles[sessionID]
}

// Logs returns the session's output ring, which survives process restarts.
func (s *Supervisor) Logs(sessionID string) []OutputLine {
	s.mu.Lock()
	buffer := s.buffers[sessionID]
	s.mu.Unlock()
	if buffer == nil {
		return nil
	}
	return buffer.GetAll()
}

// Kill terminates a session's process: SIGTERM, then SIGKILL after the
// configured grace period. Returns false for unknown sessions; calling it
// again for an exiting process is a no-op.
func (s *Supervisor) Kill(sessionID string) bool {
	s.mu.Lock()
	handle := s.handles[sessionID]
	s.mu.Unlock()

	if handle == nil {
		return false
	}

	if err := handle.Kill(syscall.SIGTERM); err != nil {
		s.logger.Debug("SIGTERM failed", zap.String("session_id", sessionID), zap.Error(err))
	}

	go func() {
		select {
		case <-handle.Exited():
		case <-time.After(s.cfg.KillGrace()):
			s.logger.Warn("process did not exit in grace period, sending SIGKILL",
				zap.String("session_id", sessionID))
			_ = handle.Kill(syscall.SIGKILL)
		}
	}()

	return true
}

// KillAll terminates every tracked process.
func (s *Supervisor) KillAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.handles))
	for id := range s.handles {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.Kill(id)
	}
}

// readStream pipes one output stream into the ring and the event bus.
// Whitespace-only chunks are suppressed; stream errors are non-fatal.
func (s *Supervisor) readStream(sessionID, stream string, r io.Reader, buffer *OutputBuffer) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	subject := events.ProcessStdout
	if stream == "stderr" {
		subject = events.ProcessStderr
	}

	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		buffer.Add(OutputLine{Timestamp: time.Now(), Stream: stream, Content: line})
		s.publish(subject, map[string]interface{}{
			"session_id": sessionID,
			"stream":     stream,
			"line":       Redact(line),
		})
	}
	if err := scanner.Err(); err != nil {
		s.logger.Debug("stream reader error",
			zap.String("session_id", sessionID),
			zap.String("stream", stream),
			zap.Error(err))
	}
}

// waitForExit waits for the process, records the exit exactly once, feeds the
// circuit breaker, and removes the handle.
func (s *Supervisor) waitForExit(sessionID, source string, handle *Handle) {
	err := handle.cmd.Wait()
	uptime := time.Since(handle.SpawnedAt)

	exitCode := 0
	if err != nil {
		exitCode = -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
	}

	handle.exitMu.Lock()
	handle.exitCode = exitCode
	handle.exitMu.Unlock()
	close(handle.exited)

	s.breaker.RecordExit(source, uptime)

	s.mu.Lock()
	delete(s.handles, sessionID)
	s.mu.Unlock()

	s.publish(events.ProcessExited, map[string]interface{}{
		"session_id": sessionID,
		"exit_code":  exitCode,
		"uptime_ms":  uptime.Milliseconds(),
	})
	s.logger.Info("process exited",
		zap.String("session_id", sessionID),
		zap.Int("exit_code", exitCode),
		zap.Duration("uptime", uptime))

	if s.onExited != nil {
		s.onExited(sessionID, exitCode, uptime)
	}
}

func (s *Supervisor) publish(subject string, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(context.Background(), subject, bus.NewEvent(subject, "process_supervisor", data)); err != nil {
		s.logger.Debug("publish failed", zap.String("subject", subject), zap.Error(err))
	}
}
