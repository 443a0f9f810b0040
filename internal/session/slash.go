package session

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coderelay/coderelay/internal/message"
)

// SlashContext carries one slash command through the handler chain.
type SlashContext struct {
	Command        string // full command text, "/name args..."
	RequestID      string // consumer-supplied correlation id
	SlashRequestID string
	TraceID        string
	StartedAt      time.Time
	Session        *Session
	Runtime        *Runtime
}

// Name returns the command word without arguments.
func (c *SlashContext) Name() string {
	fields := strings.Fields(c.Command)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// SlashHandler is one link in the chain of responsibility.
type SlashHandler interface {
	Handles(ctx *SlashContext) bool
	Execute(ctx *SlashContext) error
}

// SlashChain dispatches a command to the first handler that claims it. The
// chain always terminates: the last handler claims everything.
type SlashChain struct {
	handlers []SlashHandler
}

// NewSlashChain builds the standard chain: local built-ins, adapter-native,
// passthrough, unsupported.
func NewSlashChain(local *LocalHandler) *SlashChain {
	return &SlashChain{handlers: []SlashHandler{
		local,
		&AdapterNativeHandler{},
		&PassthroughHandler{},
		&UnsupportedHandler{},
	}}
}

// Dispatch runs the command through the chain.
func (c *SlashChain) Dispatch(ctx *SlashContext) error {
	for _, h := range c.handlers {
		if h.Handles(ctx) {
			return h.Execute(ctx)
		}
	}
	return nil
}

// LocalCommand is a built-in or catalog-defined command answered without the
// backend.
type LocalCommand struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Response    string `yaml:"response"`
}

// LocalHandler answers a small built-in set synchronously.
type LocalHandler struct {
	commands map[string]LocalCommand
}

// NewLocalHandler creates the handler with the /help and /status built-ins.
func NewLocalHandler() *LocalHandler {
	h := &LocalHandler{commands: make(map[string]LocalCommand)}
	h.commands["/help"] = LocalCommand{Name: "/help", Description: "list available commands"}
	h.commands["/status"] = LocalCommand{Name: "/status", Description: "show session status"}
	return h
}

// LoadCatalog merges commands from a YAML catalog file. A missing file is
// not an error.
func (h *LocalHandler) LoadCatalog(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var catalog struct {
		Commands []LocalCommand `yaml:"commands"`
	}
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return err
	}
	for _, cmd := range catalog.Commands {
		if strings.HasPrefix(cmd.Name, "/") {
			h.commands[cmd.Name] = cmd
		}
	}
	return nil
}

func (h *LocalHandler) Handles(ctx *SlashContext) bool {
	_, ok := h.commands[ctx.Name()]
	return ok
}

func (h *LocalHandler) Execute(ctx *SlashContext) error {
	var content string
	switch ctx.Name() {
	case "/help":
		names := make([]string, 0, len(h.commands))
		for name := range h.commands {
			names = append(names, name)
		}
		sort.Strings(names)
		var sb strings.Builder
		sb.WriteString("Available commands:\n")
		for _, name := range names {
			fmt.Fprintf(&sb, "  %s — %s\n", name, h.commands[name].Description)
		}
		content = sb.String()
	case "/status":
		content = fmt.Sprintf("session %s: lifecycle=%s status=%s consumers=%d",
			ctx.Session.ID, ctx.Session.Lifecycle(), ctx.Session.LastStatus(), ctx.Session.ConsumerCount())
	default:
		content = h.commands[ctx.Name()].Response
	}

	ctx.Runtime.broadcastSlashResult(ctx, "emulated", content)
	return nil
}

// AdapterNativeHandler delegates to the adapter's own slash executor.
type AdapterNativeHandler struct{}

func (h *AdapterNativeHandler) Handles(ctx *SlashContext) bool {
	executor := ctx.Session.SlashExecutor()
	return executor != nil && executor.Handles(ctx.Name())
}

func (h *AdapterNativeHandler) Execute(ctx *SlashContext) error {
	executor := ctx.Session.SlashExecutor()
	execCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	content, err := executor.Execute(execCtx, ctx.Session.ID, ctx.Command)
	if err != nil {
		ctx.Runtime.broadcastSlashError(ctx, err.Error())
		return err
	}
	ctx.Runtime.broadcastSlashResult(ctx, "native", content)
	return nil
}

// PassthroughHandler forwards the command to the backend as a user message;
// the backend's next result is correlated back as the command output.
type PassthroughHandler struct{}

func (h *PassthroughHandler) Handles(ctx *SlashContext) bool {
	return ctx.Session.SupportsPassthrough() && ctx.Session.Backend() != nil
}

func (h *PassthroughHandler) Execute(ctx *SlashContext) error {
	ctx.Session.PushPassthrough(&PendingPassthrough{
		Command:        ctx.Command,
		RequestID:      ctx.RequestID,
		SlashRequestID: ctx.SlashRequestID,
		StartedAt:      ctx.StartedAt,
	})
	sendCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := ctx.Session.Backend().Send(sendCtx, message.New(
		message.TypeUserMessage, message.RoleUser,
		message.WithContent(message.TextBlock(ctx.Command))))
	if err != nil {
		ctx.Session.PopPassthrough()
		ctx.Runtime.broadcastSlashError(ctx, err.Error())
		return err
	}
	return nil
}

// UnsupportedHandler terminates the chain with an error frame.
type UnsupportedHandler struct{}

func (h *UnsupportedHandler) Handles(ctx *SlashContext) bool { return true }

func (h *UnsupportedHandler) Execute(ctx *SlashContext) error {
	ctx.Runtime.broadcastSlashError(ctx,
		fmt.Sprintf("%s is not supported", ctx.Name()))
	return nil
}
