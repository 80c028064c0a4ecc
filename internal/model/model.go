// Package model holds the ledger records shared by storage, ledger, notifier
// and presence.
package model

import "time"

// Event is one publish record from the source. Immutable once stored.
type Event struct {
	ExternalID   string    `json:"external_id"`
	Title        string    `json:"title"`
	PublishedAt  time.Time `json:"published_at"`
	ThumbnailURL string    `json:"thumbnail_url"`
	DetectedAt   time.Time `json:"detected_at"`
}

// Gap is the drought between two chronologically adjacent events.
// EndEventID is unique across the ledger.
type Gap struct {
	StartEventID string    `json:"start_event_id"`
	EndEventID   string    `json:"end_event_id"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time"`
	DurationMS   int64     `json:"duration_ms"`
}

func (g Gap) Duration() time.Duration { return time.Duration(g.DurationMS) * time.Millisecond }

// NewGap derives the gap closed by end. A negative span is clamped to zero.
func NewGap(start, end Event) Gap {
	d := end.PublishedAt.Sub(start.PublishedAt).Milliseconds()
	if d < 0 {
		d = 0
	}
	return Gap{
		StartEventID: start.ExternalID,
		EndEventID:   end.ExternalID,
		StartTime:    start.PublishedAt,
		EndTime:      end.PublishedAt,
		DurationMS:   d,
	}
}

// Subscriber is one email address on the announcement list. Token is set
// only while confirmation is pending.
type Subscriber struct {
	Email          string    `json:"email"`
	SubscribedAt   time.Time `json:"subscribed_at"`
	Confirmed      bool      `json:"confirmed"`
	Token          string    `json:"token,omitempty"`
	TokenExpiresAt time.Time `json:"token_expires_at,omitempty"`
}

// Stats is the read model behind the stats command and the bot.
type Stats struct {
	Events      int
	Gaps        int
	Latest      *Event
	LatestGap   *Gap
	Longest     *Gap
	AverageGap  time.Duration
	RecentThree []Event
}

// Candidate is an event as reported by the source, before ingestion stamps
// DetectedAt.
type Candidate struct {
	ExternalID   string
	Title        string
	PublishedAt  time.Time
	ThumbnailURL string
}

func (c Candidate) Event(detectedAt time.Time) Event {
	return Event{
		ExternalID:   c.ExternalID,
		Title:        c.Title,
		PublishedAt:  c.PublishedAt,
		ThumbnailURL: c.ThumbnailURL,
		DetectedAt:   detectedAt,
	}
}
