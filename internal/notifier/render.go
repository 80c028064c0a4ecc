package notifier

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"

	"github.com/dustin/go-humanize"
)

// Rendered holds every representation a channel may need.
type Rendered struct {
	Name    string // broadcast name (email)
	Subject string
	HTML    string
	Text    string // plain text (chat)
}

// Renderer builds the outbound content. Email layout is not this service's
// concern; DefaultRenderer is deliberately plain.
type Renderer interface {
	Render(a Announcement) (Rendered, error)
}

type DefaultRenderer struct {
	Creator string
	SiteURL string
}

func WatchURL(externalID string) string { return "https://youtube.com/watch?v=" + externalID }

func (r DefaultRenderer) creator() string {
	if c := strings.TrimSpace(r.Creator); c != "" {
		return c
	}
	return "Creator"
}

// Headline is the one-line summary of the drought the event ended.
func (r DefaultRenderer) Headline(a Announcement) string {
	switch {
	case a.Gap == nil:
		return fmt.Sprintf("%s posted for the first time on record.", r.creator())
	case a.Gap.DurationMS == 0:
		return fmt.Sprintf("%s just posted again, moments after the last video.", r.creator())
	default:
		return fmt.Sprintf("After %s, %s has returned!", FormatGap(a.Gap), r.creator())
	}
}

var emailTmpl = template.Must(template.New("email").Parse(`<!DOCTYPE html>
<html lang="en">
<head><meta charset="UTF-8"><title>{{.Subject}}</title></head>
<body style="margin:0;padding:24px;font-family:sans-serif;background:#f9f9f9;color:#111;">
<h1 style="font-size:24px;">The Drought Is Over!</h1>
<p>{{.Headline}}</p>
<a href="{{.URL}}"><img src="{{.Thumbnail}}" alt="{{.Title}}" width="100%" style="max-width:560px;border-radius:8px;"></a>
<h2 style="font-size:18px;">{{.Title}}</h2>
<p><a href="{{.URL}}">Watch now</a></p>
{{- if .Subscribers}}
<p style="color:#888;font-size:13px;">{{.Subscribers}} people were waiting alongside you.</p>
{{- end}}
{{- if .SiteURL}}
<p style="color:#aaa;font-size:12px;">You are receiving this because you subscribed at <a href="{{.SiteURL}}">{{.SiteURL}}</a>. {{.Unsubscribe}}</p>
{{- end}}
</body>
</html>`))

// Resend substitutes the placeholder per recipient.
const unsubscribeLink = template.HTML(`<a href="{{{RESEND_UNSUBSCRIBE_URL}}}">Unsubscribe</a>`)

func (r DefaultRenderer) Render(a Announcement) (Rendered, error) {
	title := strings.TrimSpace(a.Event.Title)
	if title == "" {
		title = a.Event.ExternalID
	}
	url := WatchURL(a.Event.ExternalID)
	headline := r.Headline(a)
	subscribers := ""
	if a.SubscriberCount > 0 {
		subscribers = humanize.Comma(int64(a.SubscriberCount))
	}

	out := Rendered{
		Name:    "New Video: " + title,
		Subject: r.creator() + " Posted: " + title,
	}
	var buf bytes.Buffer
	err := emailTmpl.Execute(&buf, map[string]any{
		"Subject":     out.Subject,
		"Headline":    headline,
		"URL":         template.URL(url),
		"Thumbnail":   a.Event.ThumbnailURL,
		"Title":       title,
		"Subscribers": subscribers,
		"SiteURL":     strings.TrimSpace(r.SiteURL),
		"Unsubscribe": unsubscribeLink,
	})
	if err != nil {
		return Rendered{}, fmt.Errorf("render email: %w", err)
	}
	out.HTML = buf.String()

	var sb strings.Builder
	sb.WriteString(headline)
	sb.WriteString("\n\n")
	sb.WriteString(title)
	sb.WriteString("\n")
	sb.WriteString(url)
	if subscribers != "" {
		sb.WriteString("\n\n")
		sb.WriteString(subscribers)
		sb.WriteString(" subscribers notified.")
	}
	out.Text = sb.String()
	return out, nil
}

var confirmTmpl = template.Must(template.New("confirm").Parse(`<!DOCTYPE html>
<html lang="en">
<head><meta charset="UTF-8"><title>{{.Subject}}</title></head>
<body style="margin:0;padding:24px;font-family:sans-serif;background:#f9f9f9;color:#111;">
<p>Someone (hopefully you) asked to be emailed when {{.Creator}} posts again.</p>
<p><a href="{{.URL}}">Confirm your subscription</a></p>
<p style="color:#888;font-size:13px;">The link expires in 24 hours. If you did not ask for this, ignore this email.</p>
</body>
</html>`))

// Confirmation renders the double opt-in email sent to to.
func (r DefaultRenderer) Confirmation(to, confirmURL string) (Email, error) {
	e := Email{To: to, Subject: "confirm your " + strings.ToLower(r.creator()) + " drought alerts"}
	var buf bytes.Buffer
	err := confirmTmpl.Execute(&buf, map[string]any{
		"Subject": e.Subject,
		"Creator": r.creator(),
		"URL":     template.URL(confirmURL),
	})
	if err != nil {
		return Email{}, fmt.Errorf("render confirmation: %w", err)
	}
	e.HTML = buf.String()
	return e, nil
}
