// Package transport holds the chat types shared by the Telegram adapter and
// the operator bot.
package transport

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	Text         string
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

func (m Message) Target() ChatTarget { return ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID} }

// BotCommand is one entry of the client-side command menu.
type BotCommand struct {
	Command     string
	Description string
}
