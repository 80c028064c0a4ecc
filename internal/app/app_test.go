package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"droughtwatch/internal/config"
	"droughtwatch/internal/eventbus"
	"droughtwatch/internal/model"
	"droughtwatch/pkg/logx"
)

const playlistPage = `{
  "items": [
    {"snippet": {"title": "Back at last", "publishedAt": "2026-02-03T10:00:00Z", "resourceId": {"videoId": "v2"}}},
    {"snippet": {"title": "Old one", "publishedAt": "2026-01-20T10:00:00Z", "resourceId": {"videoId": "v1"}}}
  ]
}`

type recordingSender struct {
	mu    sync.Mutex
	texts []string
}

func (r *recordingSender) SendText(_ context.Context, _ int64, _ int, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, text)
	return nil
}

func testConfig(t *testing.T, baseURL string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Storage = config.StorageConfig{Driver: "memory"}
	cfg.Source.APIKey = "key"
	cfg.Source.ChannelID = "UCabc"
	cfg.Source.BaseURL = baseURL
	cfg.Notifier.Telegram = config.NotifyTelegram{Enabled: true, ChatID: 42}
	cfg.Presence.VisitorIDPath = filepath.Join(t.TempDir(), "visitor_id")
	return &cfg
}

func TestBuildPollAnnouncesOnce(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(playlistPage))
	}))
	defer srv.Close()

	sender := &recordingSender{}
	c, err := Build(testConfig(t, srv.URL), logx.Nop(), eventbus.New(), sender)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer c.Close()

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := c.Poll(ctx); err != nil {
			t.Fatalf("Poll #%d: %v", i+1, err)
		}
	}
	st, err := c.Store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Events != 2 || st.Gaps != 1 || st.Latest.ExternalID != "v2" {
		t.Fatalf("stats = %+v", st)
	}
	if len(sender.texts) != 1 || !strings.Contains(sender.texts[0], "Back at last") {
		t.Fatalf("announcements = %q", sender.texts)
	}
	if got := c.Dispatcher.Channels(); len(got) != 1 || got[0] != "telegram" {
		t.Fatalf("channels = %v", got)
	}
	if err := c.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
}

func TestBuildNotifierDisabled(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Notifier.Enabled = false
	c, err := Build(cfg, logx.Nop(), nil, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer c.Close()
	if c.Dispatcher != nil || c.Resend != nil {
		t.Fatal("notifier built while disabled")
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	cases := []struct {
		driver, path, busy string
		wantDriver         string
		wantBusy           time.Duration
		wantErr            bool
	}{
		{driver: "", wantDriver: "memory"},
		{driver: "SQLite", path: "x.db", wantDriver: "sqlite", wantBusy: 5 * time.Second},
		{driver: "sqlite", path: "x.db", busy: "2s", wantDriver: "sqlite", wantBusy: 2 * time.Second},
		{driver: "sqlite", wantErr: true},
		{driver: "file", path: "ledger.json", wantDriver: "file"},
		{driver: "postgres", wantErr: true},
	}
	for _, tc := range cases {
		cfg := config.Default()
		cfg.Storage = config.StorageConfig{Driver: tc.driver, Path: tc.path, BusyTimeout: tc.busy}
		got, err := mapStorageConfig(&cfg)
		if (err != nil) != tc.wantErr {
			t.Fatalf("mapStorageConfig(%q) err = %v", tc.driver, err)
		}
		if err == nil && (got.Driver != tc.wantDriver || got.BusyTimeout != tc.wantBusy) {
			t.Fatalf("mapStorageConfig(%q) = %+v", tc.driver, got)
		}
	}
}

func TestLogConfigChatNeedsTarget(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Logging.Telegram.Enabled = true
	if LogConfig(&cfg).Chat.Enabled {
		t.Fatal("chat sink enabled without token and chat")
	}
	cfg.Telegram.Token = "t"
	cfg.Telegram.LogChatID = -100
	if !LogConfig(&cfg).Chat.Enabled {
		t.Fatal("chat sink disabled with token and chat")
	}
}

func TestMapSchedulerConfig(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Scheduler.DefaultTimeout = "30s"
	cfg.Scheduler.StartupSpread = "10s"
	got, err := mapSchedulerConfig(&cfg)
	if err != nil {
		t.Fatalf("mapSchedulerConfig: %v", err)
	}
	if !got.Enabled || got.DefaultTimeout != 30*time.Second || got.StartupSpread != 10*time.Second || got.HistorySize != 100 {
		t.Fatalf("got %+v", got)
	}
	cfg.Scheduler.StartupSpread = "soon"
	if _, err := mapSchedulerConfig(&cfg); err == nil {
		t.Fatal("bad duration accepted")
	}
}

func TestAppLifecycle(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "logging:\n  level: error\nstorage:\n  driver: memory\ningest:\n  enabled: false\npresence:\n  visitor_id_path: " + filepath.Join(dir, "visitor") + "\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	a, err := New(ctx, path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	snap := a.sched.Snapshot()
	if len(snap.Jobs) != 1 || snap.Jobs[0].Name != jobCleanup {
		t.Fatalf("jobs = %+v, want only %s", snap.Jobs, jobCleanup)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := a.Stop(stopCtx, StopSignal); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
}

func TestSimulateQuiet(t *testing.T) {
	t.Parallel()
	sender := &recordingSender{}
	c, err := Build(testConfig(t, "http://127.0.0.1:1"), logx.Nop(), nil, sender)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer c.Close()

	ctx := context.Background()
	now := time.Now().UTC()
	first := model.Candidate{ExternalID: "sim-1", Title: "One", PublishedAt: now.Add(-time.Hour)}
	if _, err := c.Simulate(ctx, first, true, logx.Nop()); err != nil {
		t.Fatalf("Simulate quiet: %v", err)
	}
	res, err := c.Simulate(ctx, model.Candidate{ExternalID: "sim-2", Title: "Two", PublishedAt: now}, false, logx.Nop())
	if err != nil {
		t.Fatalf("Simulate: %v", err)
	}
	if res.LatestGap == nil || res.LatestGap.Duration() != time.Hour {
		t.Fatalf("latest gap = %+v", res.LatestGap)
	}
	if len(sender.texts) != 1 || !strings.Contains(sender.texts[0], "Two") {
		t.Fatalf("announcements = %q", sender.texts)
	}
}
