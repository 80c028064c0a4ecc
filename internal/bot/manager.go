// Package bot answers operator commands sent to the Telegram bot.
package bot

import (
	"context"
	"html"
	"runtime"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"droughtwatch/internal/runtime/supervisor"
	"droughtwatch/internal/transport"
	"droughtwatch/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration
	Handle      HandlerFunc
}

// Replier sends a reply into a chat. The Telegram adapter implements it.
type Replier interface {
	Send(ctx context.Context, to transport.ChatTarget, text, parseMode string) error
}

// MenuUpdater is optionally implemented by the Replier to publish the
// command list to the client-side menu.
type MenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []transport.BotCommand) error
}

type Request struct {
	Msg     transport.Message
	Command string
	Args    []string
	ReqID   string
	Logger  logx.Logger

	reply Replier
}

// Reply sends an HTML-formatted answer to the chat the command came from.
func (r *Request) Reply(ctx context.Context, text string) error {
	return r.reply.Send(ctx, r.Msg.Target(), text, "HTML")
}

type Manager struct {
	mu       sync.RWMutex
	commands map[string]*Command // name and aliases
	ordered  []*Command
	owners   []int64

	reply Replier
	log   logx.Logger
	jobs  chan func()
}

func NewManager(reply Replier, owners []int64, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		commands: map[string]*Command{},
		owners:   append([]int64(nil), owners...),
		reply:    reply,
		log:      log.With(logx.Component("bot")),
		jobs:     make(chan func(), 64),
	}
}

// SetOwners replaces the owner list used for AccessOwnerOnly. Safe during
// hot reload.
func (m *Manager) SetOwners(owners []int64) {
	m.mu.Lock()
	m.owners = append([]int64(nil), owners...)
	m.mu.Unlock()
}

func (m *Manager) isOwner(id int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Contains(m.owners, id)
}

// Register replaces the command set. /help is always added.
func (m *Manager) Register(cmds []Command) {
	cmds = append(cmds, Command{
		Name:        "help",
		Description: "list commands",
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, m.helpText(m.isOwner(req.Msg.FromID)))
		},
	})
	byName := map[string]*Command{}
	ordered := make([]*Command, 0, len(cmds))
	for i := range cmds {
		c := &cmds[i]
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		byName[name] = c
		for _, a := range c.Aliases {
			if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
				if _, taken := byName[a]; !taken {
					byName[a] = c
				}
			}
		}
		ordered = append(ordered, c)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Name < ordered[j].Name })

	m.mu.Lock()
	m.commands = byName
	m.ordered = ordered
	m.mu.Unlock()
}

// Menu returns the public commands for the client-side menu.
func (m *Manager) Menu() []transport.BotCommand {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]transport.BotCommand, 0, len(m.ordered))
	for _, c := range m.ordered {
		if c.Access == AccessOwnerOnly {
			continue
		}
		out = append(out, transport.BotCommand{Command: c.Name, Description: c.Description})
	}
	return out
}

// Run routes messages from in to a small worker pool until ctx ends or in
// is closed.
func (m *Manager) Run(ctx context.Context, in <-chan transport.Message) error {
	workers := min(max(runtime.NumCPU(), 2), 4)
	sup := supervisor.New(ctx, supervisor.WithLogger(m.log))
	for i := 0; i < workers; i++ {
		sup.GoRestart("bot.worker."+strconv.Itoa(i), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-m.jobs:
					job()
				}
			}
		}, supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}
	defer func() {
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = sup.Stop(wctx)
	}()

	if up, ok := m.reply.(MenuUpdater); ok {
		sup.Go0("bot.menu", func(c context.Context) {
			mctx, cancel := context.WithTimeout(c, 5*time.Second)
			defer cancel()
			if err := up.UpdateMenuCommands(mctx, m.Menu()); err != nil {
				m.log.Warn("menu update failed", logx.Err(err))
			}
		})
	}

	m.log.Info("command dispatcher started", logx.Int("workers", workers))
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-in:
			if !ok {
				return nil
			}
			run := m.route(ctx, msg)
			if run == nil {
				continue
			}
			select {
			case m.jobs <- run:
			default:
				_ = m.reply.Send(ctx, msg.Target(), "busy, try again", "")
			}
		}
	}
}

// route resolves msg to a ready-to-run job. It returns nil for non-command
// text and answers unknown or forbidden commands itself.
func (m *Manager) route(ctx context.Context, msg transport.Message) func() {
	name, args, ok := parseCommand(msg.Text)
	if !ok {
		return nil
	}
	m.mu.RLock()
	cmd := m.commands[name]
	m.mu.RUnlock()
	if cmd == nil {
		_ = m.reply.Send(ctx, msg.Target(), "unknown command, try /help", "")
		return nil
	}
	if cmd.Access == AccessOwnerOnly && !m.isOwner(msg.FromID) {
		_ = m.reply.Send(ctx, msg.Target(), "unauthorized", "")
		return nil
	}

	rid := uuid.NewString()[:8]
	req := &Request{
		Msg:     msg,
		Command: cmd.Name,
		Args:    args,
		ReqID:   rid,
		reply:   m.reply,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Name),
		),
	}
	final := Chain(cmd.Handle, replyOnError, recoverPanics, audit, withDeadline(cmd.Timeout))
	return func() { _ = final(ctx, req) }
}

// parseCommand splits "/name@bot arg1 arg2".
func parseCommand(text string) (string, []string, bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", nil, false
	}
	name := strings.TrimPrefix(fields[0], "/")
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	if name == "" {
		return "", nil, false
	}
	return strings.ToLower(name), fields[1:], true
}

func (m *Manager) helpText(owner bool) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var b strings.Builder
	b.WriteString("<b>Commands</b>\n")
	for _, c := range m.ordered {
		if c.Access == AccessOwnerOnly && !owner {
			continue
		}
		usage := c.Usage
		if usage == "" {
			usage = "/" + c.Name
		}
		b.WriteString(escape(usage))
		if c.Description != "" {
			b.WriteString(" - " + escape(c.Description))
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

func escape(s string) string { return html.EscapeString(s) }
