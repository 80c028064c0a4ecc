package notifier

import (
	"strings"
	"testing"
	"time"

	"droughtwatch/internal/model"
)

func TestDefaultRendererConventions(t *testing.T) {
	t.Parallel()
	a := Announcement{
		Event:           model.Event{ExternalID: "abc123", Title: "Rust <is> back", ThumbnailURL: "https://img/x.jpg"},
		Gap:             gapOf(2*24*time.Hour + 3*time.Hour),
		SubscriberCount: 12345,
	}
	r, err := DefaultRenderer{Creator: "Theo", SiteURL: "https://example.test"}.Render(a)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if r.Name != "New Video: Rust <is> back" {
		t.Fatalf("Name = %q", r.Name)
	}
	if r.Subject != "Theo Posted: Rust <is> back" {
		t.Fatalf("Subject = %q", r.Subject)
	}
	for _, want := range []string{"After 2 days, 3 hours, Theo has returned!", "https://youtube.com/watch?v=abc123", "12,345"} {
		if !strings.Contains(r.Text, want) {
			t.Fatalf("Text missing %q:\n%s", want, r.Text)
		}
	}
	if strings.Contains(r.HTML, "<is>") || !strings.Contains(r.HTML, "Rust &lt;is&gt; back") {
		t.Fatalf("HTML did not escape the title:\n%s", r.HTML)
	}
	if !strings.Contains(r.HTML, "https://example.test") {
		t.Fatal("HTML missing site url footer")
	}
}

func TestDefaultRendererHeadlines(t *testing.T) {
	t.Parallel()
	r := DefaultRenderer{}
	ev := model.Event{ExternalID: "x", Title: "T"}
	if got := r.Headline(Announcement{Event: ev}); got != "Creator posted for the first time on record." {
		t.Fatalf("first ever headline = %q", got)
	}
	if got := r.Headline(Announcement{Event: ev, Gap: gapOf(0)}); !strings.Contains(got, "moments after") {
		t.Fatalf("zero gap headline = %q", got)
	}
	out, err := r.Render(Announcement{Event: ev})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if strings.Contains(out.Text, "subscribers") {
		t.Fatalf("subscriber line should be omitted when count is 0:\n%s", out.Text)
	}
}

func TestConfirmationEmail(t *testing.T) {
	t.Parallel()
	e, err := DefaultRenderer{Creator: "Theo"}.Confirmation("fan@example.test", "https://example.test/confirm?token=t-1")
	if err != nil {
		t.Fatalf("Confirmation() error = %v", err)
	}
	if e.To != "fan@example.test" || e.Subject != "confirm your theo drought alerts" {
		t.Fatalf("email = %+v", e)
	}
	if !strings.Contains(e.HTML, `href="https://example.test/confirm?token=t-1"`) {
		t.Fatalf("HTML missing confirm link:\n%s", e.HTML)
	}
}
