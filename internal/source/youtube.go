// Package source fetches upload events from the YouTube Data API.
//
// The client never retries: a failed fetch means "no information this
// cycle" and the next scheduled poll tries again.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"droughtwatch/internal/model"
	"droughtwatch/pkg/logx"

	"golang.org/x/time/rate"
)

var (
	// ErrUnavailable wraps transport failures, non-2xx responses and
	// undecodable bodies.
	ErrUnavailable = errors.New("source unavailable")
	// ErrNotConfigured means the API key or playlist is missing.
	ErrNotConfigured = errors.New("source not configured")
)

const (
	DefaultBaseURL = "https://www.googleapis.com/youtube/v3"
	MaxPageSize    = 50
)

type Config struct {
	APIKey     string
	ChannelID  string
	PlaylistID string
	BaseURL    string
	Timeout    time.Duration
	// PageRate paces FetchPage calls (pages per second). 0 disables pacing.
	PageRate float64
}

// Page is one page of a bulk fetch.
type Page struct {
	Items         []model.Candidate
	NextPageToken string
	// Rejected counts items dropped for a missing id or bad timestamp.
	Rejected int
}

type YouTube struct {
	cfg      Config
	playlist string
	client   *http.Client
	limiter  *rate.Limiter
	log      logx.Logger
}

func NewYouTube(cfg Config, log logx.Logger) *YouTube {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	y := &YouTube{
		cfg:      cfg,
		playlist: strings.TrimSpace(cfg.PlaylistID),
		client:   newHTTPClient(cfg.Timeout),
		log:      log.With(logx.Component("source")),
	}
	if y.playlist == "" {
		y.playlist = UploadsPlaylist(cfg.ChannelID)
	}
	if cfg.PageRate > 0 {
		y.limiter = rate.NewLimiter(rate.Limit(cfg.PageRate), 1)
	}
	return y
}

func newHTTPClient(timeout time.Duration) *http.Client {
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 60 * time.Second}).DialContext,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	return &http.Client{Timeout: timeout, Transport: tr}
}

// UploadsPlaylist maps a channel id ("UC...") to its uploads playlist
// without shorts ("UULF..."). Anything else yields "".
func UploadsPlaylist(channelID string) string {
	channelID = strings.TrimSpace(channelID)
	if len(channelID) <= 2 {
		return ""
	}
	return "UULF" + channelID[2:]
}

// Playlist reports the playlist id being polled.
func (y *YouTube) Playlist() string { return y.playlist }

// FetchRecent returns the newest items, newest first. limit is clamped to 1..50.
func (y *YouTube) FetchRecent(ctx context.Context, limit int) ([]model.Candidate, error) {
	p, err := y.fetch(ctx, limit, "")
	if err != nil {
		return nil, err
	}
	return p.Items, nil
}

// FetchPage returns one page of a bulk fetch. Pass the previous page's
// NextPageToken to continue; an empty token in the result ends the listing.
func (y *YouTube) FetchPage(ctx context.Context, limit int, pageToken string) (Page, error) {
	if y.limiter != nil {
		if err := y.limiter.Wait(ctx); err != nil {
			return Page{}, err
		}
	}
	return y.fetch(ctx, limit, pageToken)
}

func (y *YouTube) fetch(ctx context.Context, limit int, pageToken string) (Page, error) {
	if strings.TrimSpace(y.cfg.APIKey) == "" {
		return Page{}, fmt.Errorf("%w: missing API key", ErrNotConfigured)
	}
	if y.playlist == "" {
		return Page{}, fmt.Errorf("%w: missing channel or playlist id", ErrNotConfigured)
	}
	limit = min(max(limit, 1), MaxPageSize)

	q := url.Values{}
	q.Set("part", "snippet")
	q.Set("playlistId", y.playlist)
	q.Set("maxResults", strconv.Itoa(limit))
	q.Set("key", y.cfg.APIKey)
	if pageToken != "" {
		q.Set("pageToken", pageToken)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, y.cfg.BaseURL+"/playlistItems?"+q.Encode(), nil)
	if err != nil {
		return Page{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := y.client.Do(req)
	if err != nil {
		return Page{}, fmt.Errorf("%w: %w", ErrUnavailable, redactKey(err, y.cfg.APIKey))
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Page{}, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out playlistItemsResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&out); err != nil {
		return Page{}, fmt.Errorf("%w: decode: %w", ErrUnavailable, err)
	}

	page := Page{NextPageToken: out.NextPageToken, Items: make([]model.Candidate, 0, len(out.Items))}
	for i, it := range out.Items {
		c, err := it.candidate()
		if err != nil {
			page.Rejected++
			y.log.Warn("rejected playlist item", logx.Int("index", i), logx.Err(err))
			continue
		}
		page.Items = append(page.Items, c)
	}
	return page, nil
}

// redactKey keeps the API key out of url.Error messages.
func redactKey(err error, key string) error {
	if key == "" || !strings.Contains(err.Error(), key) {
		return err
	}
	return errors.New(strings.ReplaceAll(err.Error(), key, "REDACTED"))
}
