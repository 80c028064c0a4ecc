package scheduler

import (
	"sync"
	"time"
)

const defaultHistorySize = 100

type HistoryItem struct {
	Name     string        `json:"name"`
	Trigger  string        `json:"trigger"` // "schedule" | "manual"
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Skipped  bool          `json:"skipped,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// history keeps the most recent runs, oldest first.
type history struct {
	mu    sync.Mutex
	items []HistoryItem
}

// add appends item and trims to size (<= 0 means the default).
func (h *history) add(item HistoryItem, size int) {
	if size <= 0 {
		size = defaultHistorySize
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.items = append(h.items, item)
	if over := len(h.items) - size; over > 0 {
		h.items = append(h.items[:0:0], h.items[over:]...)
	}
}

func (h *history) list() []HistoryItem {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]HistoryItem(nil), h.items...)
}
