package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"droughtwatch/internal/app"
	"droughtwatch/internal/config"
	"droughtwatch/internal/eventbus"
	"droughtwatch/internal/ledger"
	"droughtwatch/internal/model"
	"droughtwatch/internal/notifier"
	"droughtwatch/internal/storage"
	"droughtwatch/internal/subscribers"
	"droughtwatch/internal/transport/telegram"
	"droughtwatch/pkg/logx"
)

// session is the pipeline opened by a one-shot command.
type session struct {
	cfg   *config.Config
	comps *app.Components
	log   logx.Logger
	logs  *logx.Service
}

type openOpts struct {
	level    string // overrides logging.level when set
	telegram bool   // attach the bot as the telegram notification channel
}

func open(ctx context.Context, cfgPath string, o openOpts) (*session, error) {
	cfg, err := config.NewConfigManager(cfgPath).Load(ctx)
	if err != nil {
		return nil, err
	}
	lc := app.LogConfig(cfg)
	lc.Chat.Enabled = false
	if o.level != "" {
		lc.Level = o.level
	}
	logs, log := logx.New(lc, nil)

	var sender notifier.TextSender
	if o.telegram && cfg.Telegram.Token != "" {
		tg, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token}, log)
		if err != nil {
			_ = logs.Close()
			return nil, err
		}
		sender = tg
	}
	comps, err := app.Build(cfg, log, eventbus.Nop{}, sender)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	return &session{cfg: cfg, comps: comps, log: log, logs: logs}, nil
}

func (s *session) Close() {
	_ = s.comps.Close()
	_ = s.logs.Close()
}

func runBackfill(ctx context.Context, args []string, out io.Writer) error {
	var (
		cfgPath string
		pages   int
	)
	fs := newFlags("backfill", &cfgPath)
	fs.IntVar(&pages, "pages", 0, "max pages to fetch (default backfill.max_pages)")
	if err := parse(fs, args); err != nil {
		return err
	}
	s, err := open(ctx, cfgPath, openOpts{})
	if err != nil {
		return err
	}
	defer s.Close()
	if pages > 0 {
		s.comps.Backfiller.MaxPages = pages
	}

	rep, err := s.comps.Backfiller.Run(ctx)
	if err != nil {
		return err
	}
	printBackfill(out, rep)
	return nil
}

func printBackfill(w io.Writer, r ledger.BackfillReport) {
	fmt.Fprintf(w, "pages fetched:  %s\n", humanize.Comma(int64(r.Pages)))
	fmt.Fprintf(w, "uploads seen:   %s\n", humanize.Comma(int64(r.Fetched)))
	fmt.Fprintf(w, "uploads added:  %s\n", humanize.Comma(int64(r.EventsAdded)))
	fmt.Fprintf(w, "droughts added: %s\n", humanize.Comma(int64(r.GapsAdded)))
	if r.Truncated {
		fmt.Fprintln(w, "paging stopped early; run again to continue")
	}
}

func runStats(ctx context.Context, args []string, out io.Writer) error {
	var cfgPath string
	if err := parse(newFlags("stats", &cfgPath), args); err != nil {
		return err
	}
	s, err := open(ctx, cfgPath, openOpts{level: "warn"})
	if err != nil {
		return err
	}
	defer s.Close()

	st, err := s.comps.Store.Stats(ctx)
	if err != nil {
		return err
	}
	viewers, err := s.comps.Janitor.ActiveViewers(ctx)
	if err != nil {
		return err
	}
	subs, err := s.comps.Subscribers.CountSubscribers(ctx)
	if err != nil {
		return err
	}
	printStats(out, st, viewers, subs, time.Now())
	return nil
}

func printStats(w io.Writer, st model.Stats, viewers, subs int, now time.Time) {
	if st.Latest == nil {
		fmt.Fprintln(w, "no uploads recorded yet")
	} else {
		e := st.Latest
		fmt.Fprintf(w, "latest upload:   %s (%s)\n", e.Title, e.ExternalID)
		fmt.Fprintf(w, "  published      %s (%s)\n", humanize.RelTime(e.PublishedAt, now, "ago", "from now"), e.PublishedAt.UTC().Format("2006-01-02 15:04 MST"))
		fmt.Fprintf(w, "  drought before %s\n", notifier.FormatGap(st.LatestGap))
		for _, r := range st.RecentThree[min(1, len(st.RecentThree)):] {
			fmt.Fprintf(w, "  earlier        %s (%s)\n", r.Title, humanize.RelTime(r.PublishedAt, now, "ago", "from now"))
		}
	}
	fmt.Fprintf(w, "uploads:         %s\n", humanize.Comma(int64(st.Events)))
	fmt.Fprintf(w, "droughts:        %s", humanize.Comma(int64(st.Gaps)))
	if st.Gaps > 0 {
		fmt.Fprintf(w, " (average %s)", notifier.FormatDuration(st.AverageGap))
	}
	fmt.Fprintln(w)
	if st.Longest != nil {
		fmt.Fprintf(w, "longest drought: %s, ended %s\n", notifier.FormatGap(st.Longest), humanize.RelTime(st.Longest.EndTime, now, "ago", "from now"))
	}
	fmt.Fprintf(w, "active viewers:  %s\n", humanize.Comma(int64(viewers)))
	fmt.Fprintf(w, "subscribers:     %s\n", humanize.Comma(int64(subs)))
}

func runDroughts(ctx context.Context, args []string, out io.Writer) error {
	var (
		cfgPath string
		limit   int
		newest  bool
	)
	fs := newFlags("droughts", &cfgPath)
	fs.IntVarP(&limit, "limit", "n", 20, "max droughts to list (0 for all)")
	fs.BoolVar(&newest, "newest", false, "order by end time instead of length")
	if err := parse(fs, args); err != nil {
		return err
	}
	s, err := open(ctx, cfgPath, openOpts{level: "warn"})
	if err != nil {
		return err
	}
	defer s.Close()

	order := storage.GapsLongestFirst
	if newest {
		order = storage.GapsNewestFirst
	}
	gaps, err := s.comps.Store.ListGaps(ctx, order, limit)
	if err != nil {
		return err
	}
	printDroughts(out, gaps)
	return nil
}

func printDroughts(w io.Writer, gaps []model.Gap) {
	if len(gaps) == 0 {
		fmt.Fprintln(w, "no droughts recorded yet")
		return
	}
	for i, g := range gaps {
		fmt.Fprintf(w, "%3d. %-9s %s -> %s  (%s -> %s)\n", i+1,
			notifier.FormatGapShort(&g),
			g.StartTime.UTC().Format("2006-01-02"), g.EndTime.UTC().Format("2006-01-02"),
			g.StartEventID, g.EndEventID)
	}
}

func runViewer(ctx context.Context, args []string, _ io.Writer) error {
	var cfgPath string
	if err := parse(newFlags("viewer", &cfgPath), args); err != nil {
		return err
	}
	s, err := open(ctx, cfgPath, openOpts{})
	if err != nil {
		return err
	}
	defer s.Close()
	return app.RunViewer(ctx, s.cfg, s.comps.Store, eventbus.New(), s.log)
}

var errNeedConfirm = errors.New("refusing to reset without --yes")

func runReset(ctx context.Context, args []string, out io.Writer) error {
	var (
		cfgPath string
		yes     bool
	)
	fs := newFlags("reset", &cfgPath)
	fs.BoolVar(&yes, "yes", false, "confirm deleting all ledger data")
	if err := parse(fs, args); err != nil {
		return err
	}
	if !yes {
		return errNeedConfirm
	}
	s, err := open(ctx, cfgPath, openOpts{level: "warn"})
	if err != nil {
		return err
	}
	defer s.Close()
	if err := s.comps.Store.Reset(ctx); err != nil {
		return err
	}
	fmt.Fprintln(out, "ledger reset: events, droughts and heartbeats deleted")
	return nil
}

func runSimulate(ctx context.Context, args []string, out io.Writer) error {
	var (
		cfgPath string
		title   string
		quiet   bool
		ifEmpty bool
	)
	fs := newFlags("simulate", &cfgPath)
	fs.StringVar(&title, "title", "Simulated upload", "title of the synthetic upload")
	fs.BoolVarP(&quiet, "quiet", "q", false, "record without sending notifications")
	fs.BoolVar(&ifEmpty, "if-empty", false, "only seed an empty ledger; never notifies")
	if err := parse(fs, args); err != nil {
		return err
	}
	s, err := open(ctx, cfgPath, openOpts{telegram: !quiet && !ifEmpty})
	if err != nil {
		return err
	}
	defer s.Close()

	cand := model.Candidate{
		ExternalID:  "sim-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:11],
		Title:       title,
		PublishedAt: time.Now().UTC(),
	}
	if ifEmpty {
		seeded, err := s.comps.Builder.SeedIfEmpty(ctx, cand)
		if err != nil {
			return err
		}
		if !seeded {
			fmt.Fprintln(out, "ledger not empty; nothing seeded")
			return nil
		}
		fmt.Fprintf(out, "seeded %s %q\n", cand.ExternalID, cand.Title)
		return nil
	}
	res, err := s.comps.Simulate(ctx, cand, quiet, s.log)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "recorded %s %q\n", cand.ExternalID, cand.Title)
	if res.Latest != nil {
		fmt.Fprintf(out, "drought before it: %s\n", notifier.FormatGap(res.LatestGap))
	}
	return nil
}

func runSubscribe(ctx context.Context, args []string, out io.Writer) error {
	var cfgPath string
	email, err := parseOne(newFlags("subscribe", &cfgPath), args, "EMAIL")
	if err != nil {
		return err
	}
	s, err := open(ctx, cfgPath, openOpts{level: "warn"})
	if err != nil {
		return err
	}
	defer s.Close()

	outcome, err := s.comps.Subscribers.Subscribe(ctx, email)
	if err != nil {
		return err
	}
	switch outcome {
	case subscribers.OutcomeAlreadyConfirmed:
		fmt.Fprintln(out, "already subscribed")
	case subscribers.OutcomeCooldown:
		fmt.Fprintln(out, "confirmation already sent recently; try again later")
	default:
		fmt.Fprintln(out, "confirmation pending; check the inbox for the link")
	}
	return nil
}

var errConfirmFailed = errors.New("confirmation failed")

func runConfirm(ctx context.Context, args []string, out io.Writer) error {
	var cfgPath string
	token, err := parseOne(newFlags("confirm", &cfgPath), args, "TOKEN")
	if err != nil {
		return err
	}
	s, err := open(ctx, cfgPath, openOpts{level: "warn"})
	if err != nil {
		return err
	}
	defer s.Close()

	st, err := s.comps.Subscribers.Confirm(ctx, token)
	if err != nil {
		return err
	}
	switch st {
	case subscribers.StatusConfirmed:
		fmt.Fprintln(out, "subscription confirmed")
	case subscribers.StatusAlreadyConfirmed:
		fmt.Fprintln(out, "already confirmed")
	default:
		return fmt.Errorf("%w: token %s", errConfirmFailed, st)
	}
	return nil
}
