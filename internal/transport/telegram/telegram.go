// Package telegram is the telebot adapter: it long-polls for operator
// commands and sends announcements, replies and log lines.
package telegram

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"droughtwatch/internal/runtime/supervisor"
	"droughtwatch/internal/transport"
	"droughtwatch/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// Offline skips the getMe handshake. Used by tests.
	Offline bool
}

type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	mu  sync.Mutex
	run *pollRun // nil when not polling

	dropped    atomic.Uint64
	dropReport rate.Sometimes

	logMu   sync.Mutex
	logChat transport.ChatTarget

	menuMu sync.Mutex
	menu   []tele.Command // last list accepted by Telegram
}

// pollRun is one Start..Stop cycle.
type pollRun struct {
	sup *supervisor.Supervisor
	out chan<- transport.Message
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: cfg.PollTimeout},
		Offline: cfg.Offline,
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{
		cfg:        cfg,
		log:        log.With(logx.Component("telegram")),
		bot:        b,
		dropReport: rate.Sometimes{First: 1, Interval: 5 * time.Second},
	}
	b.Handle(tele.OnText, a.onText)
	return a, nil
}

func (a *Adapter) onText(c tele.Context) error {
	m := c.Message()
	if m == nil || m.Sender == nil {
		return nil
	}
	a.forward(transport.Message{
		ID:           m.ID,
		ChatID:       m.Chat.ID,
		ThreadID:     m.ThreadID,
		FromID:       m.Sender.ID,
		FromUsername: m.Sender.Username,
		Text:         m.Text,
	})
	return nil
}

// forward hands m to the consumer without blocking. Messages that find the
// channel full are dropped and reported at most every few seconds.
func (a *Adapter) forward(m transport.Message) {
	a.mu.Lock()
	r := a.run
	a.mu.Unlock()
	if r == nil {
		return
	}
	select {
	case r.out <- m:
	default:
		a.dropped.Add(1)
		a.dropReport.Do(func() {
			a.log.Warn("incoming messages dropped (consumer busy)",
				logx.Uint64("count", a.dropped.Swap(0)), logx.Int("chan_cap", cap(r.out)))
		})
	}
}

// SetLogChat sets the destination of SendLog. A zero ChatID disables it.
func (a *Adapter) SetLogChat(to transport.ChatTarget) {
	a.logMu.Lock()
	a.logChat = to
	a.logMu.Unlock()
}

// Start begins long polling and forwards text messages to out. A second
// Start while running is a no-op.
func (a *Adapter) Start(ctx context.Context, out chan<- transport.Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.run != nil {
		return nil
	}
	r := &pollRun{out: out, sup: supervisor.New(ctx, supervisor.WithLogger(a.log))}
	a.run = r

	r.sup.Go0("telegram.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})
	// bot.Start blocks until bot.Stop; an early return is restarted.
	r.sup.GoRestart("telegram.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		if c.Err() != nil {
			return nil
		}
		return errors.New("poller exited")
	}, supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	return nil
}

// Stop ends polling, waiting at most a short grace period.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	r := a.run
	a.run = nil
	a.mu.Unlock()
	if r == nil {
		return nil
	}
	go a.bot.Stop()

	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	switch err := r.sup.Stop(wctx); {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		a.log.Warn("telegram stop timed out", logx.Err(err))
	case err != nil:
		a.log.Debug("telegram stopped with error", logx.Err(err))
	default:
		a.log.Info("polling stopped")
	}
	return nil
}

const textLimit = 4000

// Send delivers text in as many messages as needed.
func (a *Adapter) Send(ctx context.Context, to transport.ChatTarget, text, parseMode string) error {
	recipient := tele.ChatID(to.ChatID)
	opts := &tele.SendOptions{ParseMode: tele.ParseMode(parseMode), ThreadID: to.ThreadID}
	for n, chunk := range splitText(text, textLimit, parseMode) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := a.bot.Send(recipient, chunk, opts); err != nil {
			return fmt.Errorf("send chunk %d: %w", n+1, err)
		}
	}
	return nil
}

// SendText posts plain text. It satisfies the notifier's Telegram channel.
func (a *Adapter) SendText(ctx context.Context, chatID int64, threadID int, text string) error {
	return a.Send(ctx, transport.ChatTarget{ChatID: chatID, ThreadID: threadID}, text, "")
}

// SendLog posts an operator log line to the log chat, if one is set.
func (a *Adapter) SendLog(ctx context.Context, text string) error {
	a.logMu.Lock()
	to := a.logChat
	a.logMu.Unlock()
	if to.ChatID == 0 {
		return nil
	}
	return a.Send(ctx, to, text, "")
}

// UpdateMenuCommands replaces the client-side command menu. Unchanged
// lists are not resent.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []transport.BotCommand) error {
	list := menuCommands(cmds)
	a.menuMu.Lock()
	defer a.menuMu.Unlock()
	if a.menu != nil && slices.Equal(a.menu, list) {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.bot.SetCommands(list); err != nil {
		return err
	}
	a.menu = list
	a.log.Info("menu commands updated", logx.Int("count", len(list)))
	return nil
}

// Telegram limits: 100 commands, 256-byte descriptions.
const (
	maxMenuCommands = 100
	maxMenuDesc     = 256
)

func menuCommands(cmds []transport.BotCommand) []tele.Command {
	list := make([]tele.Command, 0, min(len(cmds), maxMenuCommands))
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		desc := cmp.Or(c.Description, c.Command)
		if len(desc) > maxMenuDesc {
			desc = desc[:maxMenuDesc]
		}
		list = append(list, tele.Command{Text: c.Command, Description: desc})
		if len(list) == maxMenuCommands {
			break
		}
	}
	return list
}

// splitText splits long messages into chunks Telegram accepts. It prefers
// newline boundaries and, for HTML, avoids cutting inside a tag.
func splitText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = textLimit
	}
	html := strings.EqualFold(parseMode, string(tele.ModeHTML))
	rest := []rune(s)
	var chunks []string
	for len(rest) > limit {
		cut := cutPoint(rest[:limit], html)
		chunks = append(chunks, strings.TrimRight(string(rest[:cut]), "\n"))
		rest = rest[cut:]
		for len(rest) > 0 && rest[0] == '\n' {
			rest = rest[1:]
		}
	}
	if len(rest) > 0 || len(chunks) == 0 {
		chunks = append(chunks, string(rest))
	}
	return chunks
}

// cutPoint picks where to end the chunk taken from win: after the last
// newline past the first third, else at the window end, and never inside an
// unterminated HTML tag.
func cutPoint(win []rune, html bool) int {
	cut := len(win)
	if i := lastRune(win, '\n'); i > 0 && i >= len(win)/3 {
		cut = i + 1
	}
	if html {
		if open := lastRune(win[:cut], '<'); open > 1 && open > lastRune(win[:cut], '>') {
			cut = open
		}
	}
	return cut
}

func lastRune(rs []rune, r rune) int {
	for i := len(rs) - 1; i >= 0; i-- {
		if rs[i] == r {
			return i
		}
	}
	return -1
}
