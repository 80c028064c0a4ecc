package logx

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Chat    ChatConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// ChatConfig controls the operator chat sink. The target is attached with
// SetChatSender.
type ChatConfig struct {
	Enabled    bool
	MinLevel   string
	RatePerSec int
}

// ChatSender delivers a rendered log record to an operator chat.
type ChatSender interface {
	SendLog(ctx context.Context, text string) error
}

const defaultLogFile = "./droughtwatch.log"

// Service owns the log outputs. Apply rebuilds them; every Logger handed
// out by the Service picks up the change.
type Service struct {
	root atomic.Pointer[zerolog.Logger]
	chat *chatSink

	mu   sync.Mutex
	file *os.File
}

// New builds the outputs for cfg and returns the Service with its root
// Logger. sender may be nil and attached later.
func New(cfg Config, sender ChatSender) (*Service, Logger) {
	setup()
	s := &Service{chat: newChatSink()}
	s.chat.setSender(sender)
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// SetChatSender attaches, or with nil detaches, the chat target.
func (s *Service) SetChatSender(sender ChatSender) { s.chat.setSender(sender) }

// ChatDropped counts chat records lost to a full queue.
func (s *Service) ChatDropped() uint64 { return s.chat.dropped.Load() }

// Close stops the chat sink and closes the log file.
func (s *Service) Close() error {
	s.chat.stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// Apply rebuilds outputs and level. Safe for concurrent use.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	var outs []io.Writer
	if cfg.Console {
		outs = append(outs, newConsoleWriter(Stdout()))
	}
	if cfg.File.Enabled {
		if f, err := openLogFile(cfg.File.Path); err != nil {
			fmt.Fprintf(Stderr(), "logx: %v\n", err)
		} else {
			s.file = f
			outs = append(outs, zerolog.SyncWriter(f))
		}
	}
	if cfg.Chat.Enabled {
		s.chat.configure(cfg.Chat)
		s.chat.start()
		outs = append(outs, s.chat)
		if !s.chat.hasSender() {
			fmt.Fprintln(Stderr(), "logx: chat logging enabled without a chat sender")
		}
	}
	if len(outs) == 0 {
		outs = append(outs, newConsoleWriter(Stdout()))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(outs...)).
		Level(parseLevel(cfg.Level, LevelInfo)).
		With().Timestamp().Logger()
	s.root.Store(&zl)
}

func openLogFile(path string) (*os.File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = defaultLogFile
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %q: %w", path, err)
	}
	return f, nil
}
