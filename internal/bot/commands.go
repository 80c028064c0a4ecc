package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"droughtwatch/internal/ledger"
	"droughtwatch/internal/model"
	"droughtwatch/internal/notifier"
	"droughtwatch/internal/runtime/supervisor"
	"droughtwatch/internal/scheduler"
	"droughtwatch/internal/storage"
)

const (
	defaultDroughts = 5
	maxDroughts     = 20
)

// Stats is the read side of the store used by the commands.
type Stats interface {
	Stats(ctx context.Context) (model.Stats, error)
	ListGaps(ctx context.Context, order storage.GapOrder, limit int) ([]model.Gap, error)
}

type ViewerCounter interface {
	ActiveViewers(ctx context.Context) (int, error)
}

// Deps are the services behind the operator commands. Nil fields disable
// the matching command.
type Deps struct {
	Store    Stats
	Viewers  ViewerCounter
	Backfill func(ctx context.Context) (ledger.BackfillReport, error)
	Jobs     func() scheduler.Snapshot
	Loops    func() []supervisor.LoopStats
	Now      func() time.Time
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Commands builds the operator command set.
func Commands(d Deps) []Command {
	var out []Command
	if d.Store != nil {
		out = append(out,
			Command{
				Name:        "latest",
				Description: "latest upload and the drought before it",
				Timeout:     10 * time.Second,
				Handle:      d.latest,
			},
			Command{
				Name:        "droughts",
				Aliases:     []string{"gaps"},
				Description: "longest droughts on record",
				Usage:       "/droughts [n]",
				Timeout:     10 * time.Second,
				Handle:      d.droughts,
			},
		)
	}
	if d.Viewers != nil {
		out = append(out, Command{
			Name:        "viewers",
			Description: "active viewers right now",
			Timeout:     10 * time.Second,
			Handle:      d.viewers,
		})
	}
	if d.Backfill != nil {
		out = append(out, Command{
			Name:        "backfill",
			Description: "re-scan the full upload history",
			Access:      AccessOwnerOnly,
			Timeout:     5 * time.Minute,
			Handle:      d.backfill,
		})
	}
	if d.Jobs != nil {
		out = append(out, Command{
			Name:        "jobs",
			Description: "scheduled jobs and recent runs",
			Access:      AccessOwnerOnly,
			Handle:      d.jobs,
		})
	}
	if d.Loops != nil {
		out = append(out, Command{
			Name:        "status",
			Description: "background loops, restarts and panics",
			Access:      AccessOwnerOnly,
			Handle:      d.status,
		})
	}
	return out
}

func (d Deps) latest(ctx context.Context, req *Request) error {
	st, err := d.Store.Stats(ctx)
	if err != nil {
		return err
	}
	return req.Reply(ctx, renderLatest(st, d.now()))
}

func renderLatest(st model.Stats, now time.Time) string {
	if st.Latest == nil {
		return "No uploads recorded yet."
	}
	e := st.Latest
	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s</b>\n", escape(e.Title))
	fmt.Fprintf(&b, "published %s\n", humanize.RelTime(e.PublishedAt, now, "ago", "from now"))
	if st.LatestGap != nil {
		fmt.Fprintf(&b, "after a drought of %s\n", notifier.FormatGap(st.LatestGap))
	} else {
		b.WriteString("first upload on record\n")
	}
	b.WriteString(notifier.WatchURL(e.ExternalID))
	if len(st.RecentThree) > 1 {
		b.WriteString("\n\n<b>Before that</b>")
		for _, r := range st.RecentThree[1:] {
			fmt.Fprintf(&b, "\n%s (%s)", escape(r.Title), humanize.RelTime(r.PublishedAt, now, "ago", "from now"))
		}
	}
	return b.String()
}

func (d Deps) droughts(ctx context.Context, req *Request) error {
	n := defaultDroughts
	if len(req.Args) > 0 {
		v, err := strconv.Atoi(req.Args[0])
		if err != nil || v <= 0 {
			return req.Reply(ctx, "usage: /droughts [n]")
		}
		n = min(v, maxDroughts)
	}
	gaps, err := d.Store.ListGaps(ctx, storage.GapsLongestFirst, n)
	if err != nil {
		return err
	}
	st, err := d.Store.Stats(ctx)
	if err != nil {
		return err
	}
	return req.Reply(ctx, renderDroughts(gaps, st, d.now()))
}

func renderDroughts(gaps []model.Gap, st model.Stats, now time.Time) string {
	if len(gaps) == 0 {
		return "No droughts recorded yet."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "<b>Longest droughts</b> (%s total, average %s)\n",
		humanize.Comma(int64(st.Gaps)), notifier.FormatDuration(st.AverageGap))
	for i, g := range gaps {
		fmt.Fprintf(&b, "\n%d. %s, ended %s", i+1, notifier.FormatGapShort(&g), humanize.RelTime(g.EndTime, now, "ago", "from now"))
	}
	return b.String()
}

func (d Deps) viewers(ctx context.Context, req *Request) error {
	n, err := d.Viewers.ActiveViewers(ctx)
	if err != nil {
		return err
	}
	word := "viewers"
	if n == 1 {
		word = "viewer"
	}
	return req.Reply(ctx, fmt.Sprintf("%s active %s", humanize.Comma(int64(n)), word))
}

func (d Deps) backfill(ctx context.Context, req *Request) error {
	_ = req.Reply(ctx, "backfill started")
	rep, err := d.Backfill(ctx)
	if errors.Is(err, ledger.ErrBackfillRunning) {
		return req.Reply(ctx, "backfill already running")
	}
	if err != nil {
		return err
	}
	return req.Reply(ctx, renderBackfill(rep))
}

func renderBackfill(r ledger.BackfillReport) string {
	s := fmt.Sprintf("backfill done: %s pages, %s fetched, %s new uploads, %s new droughts",
		humanize.Comma(int64(r.Pages)), humanize.Comma(int64(r.Fetched)),
		humanize.Comma(int64(r.EventsAdded)), humanize.Comma(int64(r.GapsAdded)))
	if r.Truncated {
		s += " (stopped early, run again later)"
	}
	return s
}

func (d Deps) jobs(ctx context.Context, req *Request) error {
	return req.Reply(ctx, renderJobs(d.Jobs(), d.now()))
}

func renderJobs(s scheduler.Snapshot, now time.Time) string {
	if !s.Enabled {
		return "scheduler disabled"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "<b>Jobs</b> (%s)", escape(s.Timezone))
	for _, j := range s.Jobs {
		next := "-"
		if !j.Next.IsZero() {
			next = humanize.RelTime(j.Next, now, "ago", "from now")
		}
		fmt.Fprintf(&b, "\n%s <code>%s</code> next %s, runs %d, failed %d, skipped %d",
			escape(j.Name), escape(j.Spec), next, j.Runs, j.Failures, j.Skips)
	}
	if n := len(s.History); n > 0 {
		last := s.History[n-1]
		status := "ok"
		switch {
		case last.Skipped:
			status = "skipped"
		case last.Error != "":
			status = escape(last.Error)
		}
		fmt.Fprintf(&b, "\n\nlast run: %s %s (%s)", escape(last.Name), humanize.RelTime(last.Started, now, "ago", "from now"), status)
	}
	return b.String()
}

func (d Deps) status(ctx context.Context, req *Request) error {
	return req.Reply(ctx, renderLoops(d.Loops(), d.now()))
}

func renderLoops(loops []supervisor.LoopStats, now time.Time) string {
	if len(loops) == 0 {
		return "no background loops"
	}
	var b strings.Builder
	b.WriteString("<b>Loops</b>")
	for _, l := range loops {
		state := "stopped"
		if l.Running {
			state = "up " + strings.TrimSpace(humanize.RelTime(l.Started, now, "", ""))
		}
		fmt.Fprintf(&b, "\n%s: %s", escape(l.Name), state)
		if l.Restarts > 0 || l.Panics > 0 {
			fmt.Fprintf(&b, ", restarts %d, panics %d", l.Restarts, l.Panics)
		}
		if l.LastErr != "" {
			fmt.Fprintf(&b, "\n  last error %s: %s", humanize.RelTime(l.LastErrAt, now, "ago", "from now"), escape(l.LastErr))
		}
	}
	return b.String()
}
