package storage

import (
	"context"
	"errors"
	"time"

	"droughtwatch/internal/model"
)

var (
	ErrClosed        = errors.New("storage closed")
	ErrUnknownDriver = errors.New("unknown storage driver")
)

type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means 5s
}

// GapOrder selects the ordering of ListGaps.
type GapOrder int

const (
	GapsNewestFirst GapOrder = iota
	GapsLongestFirst
)

// Store is implemented by every driver.
type Store interface {
	Ledger
	Registry
	Subscribers

	Stats(ctx context.Context) (model.Stats, error)
	// Reset deletes events, gaps and heartbeats. Subscribers are kept.
	Reset(ctx context.Context) error
	Close() error
}

// Ledger holds events and the gaps derived from them.
type Ledger interface {
	// InsertEvent stores e unless its external id exists; inserted reports
	// whether a row was written.
	InsertEvent(ctx context.Context, e model.Event) (inserted bool, err error)
	// KnownEventIDs returns the subset of ids already stored.
	KnownEventIDs(ctx context.Context, ids []string) (map[string]bool, error)
	// LatestEvent returns the event with the greatest PublishedAt (the last
	// inserted among equals), or nil when the ledger is empty.
	LatestEvent(ctx context.Context) (*model.Event, error)
	// EventsAscending returns every event by PublishedAt, ties in insertion order.
	EventsAscending(ctx context.Context) ([]model.Event, error)
	RecentEvents(ctx context.Context, limit int) ([]model.Event, error)

	// InsertGap stores g unless a gap with the same EndEventID exists.
	InsertGap(ctx context.Context, g model.Gap) (inserted bool, err error)
	GapEndIDs(ctx context.Context) (map[string]bool, error)
	GapByEnd(ctx context.Context, endEventID string) (*model.Gap, error)
	// ListGaps returns up to limit gaps (all when limit <= 0).
	ListGaps(ctx context.Context, order GapOrder, limit int) ([]model.Gap, error)
}

// Registry is the viewer heartbeat table.
type Registry interface {
	UpsertHeartbeat(ctx context.Context, visitorID string, at time.Time) error
	// PurgeStaleHeartbeats deletes rows last seen before olderThan.
	PurgeStaleHeartbeats(ctx context.Context, olderThan time.Time) (int, error)
	// CountActiveViewers counts rows last seen at or after since.
	CountActiveViewers(ctx context.Context, since time.Time) (int, error)
}

// Subscribers is the email list. Email is the key; a pending row's token is
// unique.
type Subscribers interface {
	SubscriberByEmail(ctx context.Context, email string) (*model.Subscriber, error)
	SubscriberByToken(ctx context.Context, token string) (*model.Subscriber, error)
	// PutSubscriber inserts s or replaces the row with the same email.
	PutSubscriber(ctx context.Context, s model.Subscriber) error
	CountConfirmedSubscribers(ctx context.Context) (int, error)
}
