package notifier

import (
	"context"
	"fmt"
)

// TextSender posts plain text to a chat (thread 0 means the main thread).
// The telegram transport adapter implements it.
type TextSender interface {
	SendText(ctx context.Context, chatID int64, threadID int, text string) error
}

// Telegram announces to one ops chat.
type Telegram struct {
	sender   TextSender
	chatID   int64
	threadID int
}

func NewTelegram(sender TextSender, chatID int64, threadID int) *Telegram {
	return &Telegram{sender: sender, chatID: chatID, threadID: threadID}
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Send(ctx context.Context, msg Message) error {
	if t.sender == nil || t.chatID == 0 {
		return fmt.Errorf("%w: telegram chat not set", ErrNotConfigured)
	}
	return t.sender.SendText(ctx, t.chatID, t.threadID, msg.Text)
}
