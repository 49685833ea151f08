package command

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/MEKXH/quorum/internal/approval"
	"github.com/MEKXH/quorum/internal/directory"
	"github.com/MEKXH/quorum/internal/metrics"
)

// Approvals is the slice of the engine that chat commands drive.
type Approvals interface {
	SubmitDecision(ctx context.Context, in approval.DecisionInput) (*approval.Request, error)
	Get(ctx context.Context, requestID string) (*approval.Request, error)
	ListActive(ctx context.Context) ([]*approval.Request, error)
}

// Env carries per-invocation context for a slash command.
type Env struct {
	Channel  string
	ChatID   string
	SenderID string
	// Approver is the directory entry the sender resolved to, nil when unknown.
	Approver     *directory.Approver
	Approvals    Approvals
	Metrics      *metrics.RuntimeMetrics
	ListCommands func() []Command // for /help
}

// Result is the output of a slash command execution.
type Result struct {
	Content string
}

// Command is the interface every slash command must implement.
type Command interface {
	// Name returns the command trigger without the leading slash (e.g. "approve").
	Name() string
	// Description returns a short human-readable summary.
	Description() string
	// Execute runs the command. args is the trimmed text after the command name.
	Execute(ctx context.Context, args string, env Env) Result
}

// Registry holds registered slash commands and dispatches them.
type Registry struct {
	mu   sync.RWMutex
	cmds map[string]Command
}

// NewRegistry creates an empty command registry.
func NewRegistry() *Registry {
	return &Registry{cmds: make(map[string]Command)}
}

// NewDefaultRegistry returns a registry with every built-in command.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(&ApproveCommand{})
	r.Register(&RejectCommand{})
	r.Register(&StatusCommand{})
	r.Register(&PendingCommand{})
	r.Register(&HelpCommand{})
	r.Register(&VersionCommand{})
	return r
}

// Register adds a command. Panics on duplicate names.
func (r *Registry) Register(cmd Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := strings.ToLower(cmd.Name())
	if _, dup := r.cmds[name]; dup {
		panic("command already registered: " + name)
	}
	r.cmds[name] = cmd
}

// Lookup parses raw user input. If it starts with "/" and matches a registered
// command, it returns the command, the remaining args, and true.
// A Telegram style "@botname" suffix on the command is ignored.
func (r *Registry) Lookup(content string) (Command, string, bool) {
	name, args, ok := splitCommand(content)
	if !ok {
		return nil, "", false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.cmds[name]
	if !ok {
		return nil, "", false
	}
	return cmd, args, true
}

// List returns all registered commands sorted by name.
func (r *Registry) List() []Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Command, 0, len(r.cmds))
	for _, cmd := range r.cmds {
		out = append(out, cmd)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

func splitCommand(content string) (name, args string, ok bool) {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "/") {
		return "", "", false
	}
	name, args, _ = strings.Cut(content[1:], " ")
	name, _, _ = strings.Cut(name, "@")
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return "", "", false
	}
	return name, strings.TrimSpace(args), true
}
