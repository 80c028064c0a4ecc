package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"droughtwatch/internal/model"
	"droughtwatch/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// Timestamps are stored as unix milliseconds so ordering is numeric.
type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)",
		path, busy.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func ms(t time.Time) int64         { return t.UnixMilli() }
func fromMS(v int64) time.Time     { return time.UnixMilli(v).UTC() }
func affected(res sql.Result) bool { n, err := res.RowsAffected(); return err == nil && n > 0 }

func (s *sqliteStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := retryOp(ctx, defaultRetry, func() error {
		var err error
		res, err = s.db.ExecContext(ctx, query, args...)
		return err
	})
	return res, err
}

func (s *sqliteStore) InsertEvent(ctx context.Context, e model.Event) (bool, error) {
	res, err := s.exec(ctx,
		`INSERT INTO events(external_id, title, published_at, thumbnail_url, detected_at)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(external_id) DO NOTHING`,
		e.ExternalID, e.Title, ms(e.PublishedAt), e.ThumbnailURL, ms(e.DetectedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert event %s: %w", e.ExternalID, err)
	}
	return affected(res), nil
}

func (s *sqliteStore) KnownEventIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	out := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	q := `SELECT external_id FROM events WHERE external_id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

const eventCols = `external_id, title, published_at, thumbnail_url, detected_at`

func scanEvent(sc interface{ Scan(...any) error }) (model.Event, error) {
	var (
		e        model.Event
		pub, det int64
	)
	if err := sc.Scan(&e.ExternalID, &e.Title, &pub, &e.ThumbnailURL, &det); err != nil {
		return model.Event{}, err
	}
	e.PublishedAt, e.DetectedAt = fromMS(pub), fromMS(det)
	return e, nil
}

func (s *sqliteStore) queryEvents(ctx context.Context, q string, args ...any) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) LatestEvent(ctx context.Context) (*model.Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventCols+` FROM events ORDER BY published_at DESC, seq DESC LIMIT 1`)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *sqliteStore) EventsAscending(ctx context.Context) ([]model.Event, error) {
	return s.queryEvents(ctx, `SELECT `+eventCols+` FROM events ORDER BY published_at ASC, seq ASC`)
}

func (s *sqliteStore) RecentEvents(ctx context.Context, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.queryEvents(ctx, `SELECT `+eventCols+` FROM events ORDER BY published_at DESC, seq DESC LIMIT ?`, limit)
}

func (s *sqliteStore) InsertGap(ctx context.Context, g model.Gap) (bool, error) {
	res, err := s.exec(ctx,
		`INSERT INTO gaps(start_event_id, end_event_id, start_time, end_time, duration_ms)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(end_event_id) DO NOTHING`,
		g.StartEventID, g.EndEventID, ms(g.StartTime), ms(g.EndTime), g.DurationMS,
	)
	if err != nil {
		return false, fmt.Errorf("insert gap %s->%s: %w", g.StartEventID, g.EndEventID, err)
	}
	return affected(res), nil
}

func (s *sqliteStore) GapEndIDs(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT end_event_id FROM gaps`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

const gapCols = `start_event_id, end_event_id, start_time, end_time, duration_ms`

func scanGap(sc interface{ Scan(...any) error }) (model.Gap, error) {
	var (
		g          model.Gap
		start, end int64
	)
	if err := sc.Scan(&g.StartEventID, &g.EndEventID, &start, &end, &g.DurationMS); err != nil {
		return model.Gap{}, err
	}
	g.StartTime, g.EndTime = fromMS(start), fromMS(end)
	return g, nil
}

func (s *sqliteStore) GapByEnd(ctx context.Context, endEventID string) (*model.Gap, error) {
	g, err := scanGap(s.db.QueryRowContext(ctx, `SELECT `+gapCols+` FROM gaps WHERE end_event_id = ?`, endEventID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *sqliteStore) ListGaps(ctx context.Context, order GapOrder, limit int) ([]model.Gap, error) {
	orderBy := `end_time DESC, seq ASC`
	if order == GapsLongestFirst {
		orderBy = `duration_ms DESC, seq ASC`
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+gapCols+` FROM gaps ORDER BY `+orderBy+` LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Gap
	for rows.Next() {
		g, err := scanGap(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpsertHeartbeat(ctx context.Context, visitorID string, at time.Time) error {
	_, err := s.exec(ctx,
		`INSERT INTO viewer_heartbeats(visitor_id, last_seen) VALUES(?,?)
		 ON CONFLICT(visitor_id) DO UPDATE SET last_seen = excluded.last_seen`,
		visitorID, ms(at),
	)
	return err
}

func (s *sqliteStore) PurgeStaleHeartbeats(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.exec(ctx, `DELETE FROM viewer_heartbeats WHERE last_seen < ?`, ms(olderThan))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *sqliteStore) CountActiveViewers(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM viewer_heartbeats WHERE last_seen >= ?`, ms(since)).Scan(&n)
	return n, err
}

func (s *sqliteStore) Stats(ctx context.Context) (model.Stats, error) {
	var st model.Stats
	var avg sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT (SELECT COUNT(*) FROM events), (SELECT COUNT(*) FROM gaps), (SELECT AVG(duration_ms) FROM gaps)`,
	).Scan(&st.Events, &st.Gaps, &avg)
	if err != nil {
		return st, err
	}
	if avg.Valid {
		st.AverageGap = time.Duration(int64(avg.Float64)) * time.Millisecond
	}

	recent, err := s.RecentEvents(ctx, 3)
	if err != nil {
		return st, err
	}
	st.RecentThree = recent
	if len(recent) > 0 {
		latest := recent[0]
		st.Latest = &latest
		if st.LatestGap, err = s.GapByEnd(ctx, latest.ExternalID); err != nil {
			return st, err
		}
	}
	longest, err := s.ListGaps(ctx, GapsLongestFirst, 1)
	if err != nil {
		return st, err
	}
	if len(longest) == 1 {
		st.Longest = &longest[0]
	}
	return st, nil
}

func (s *sqliteStore) Reset(ctx context.Context) error {
	return retryOp(ctx, defaultRetry, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		for _, tbl := range []string{"gaps", "events", "viewer_heartbeats"} {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+tbl); err != nil {
				return fmt.Errorf("reset %s: %w", tbl, err)
			}
		}
		return tx.Commit()
	})
}

const subscriberCols = `email, subscribed_at, confirmed, token, token_expires_at`

func (s *sqliteStore) subscriber(ctx context.Context, where string, arg any) (*model.Subscriber, error) {
	var (
		sub       model.Subscriber
		at, until int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT `+subscriberCols+` FROM subscribers WHERE `+where, arg).
		Scan(&sub.Email, &at, &sub.Confirmed, &sub.Token, &until)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sub.SubscribedAt = fromMS(at)
	if until != 0 {
		sub.TokenExpiresAt = fromMS(until)
	}
	return &sub, nil
}

func (s *sqliteStore) SubscriberByEmail(ctx context.Context, email string) (*model.Subscriber, error) {
	return s.subscriber(ctx, `email = ?`, email)
}

func (s *sqliteStore) SubscriberByToken(ctx context.Context, token string) (*model.Subscriber, error) {
	if token == "" {
		return nil, nil
	}
	return s.subscriber(ctx, `token = ?`, token)
}

func (s *sqliteStore) PutSubscriber(ctx context.Context, sub model.Subscriber) error {
	var until int64
	if !sub.TokenExpiresAt.IsZero() {
		until = ms(sub.TokenExpiresAt)
	}
	_, err := s.exec(ctx,
		`INSERT INTO subscribers(`+subscriberCols+`) VALUES(?,?,?,?,?)
		 ON CONFLICT(email) DO UPDATE SET
		   subscribed_at = excluded.subscribed_at,
		   confirmed = excluded.confirmed,
		   token = excluded.token,
		   token_expires_at = excluded.token_expires_at`,
		sub.Email, ms(sub.SubscribedAt), sub.Confirmed, sub.Token, until,
	)
	return err
}

func (s *sqliteStore) CountConfirmedSubscribers(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM subscribers WHERE confirmed = 1`).Scan(&n)
	return n, err
}
