package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const DefaultResendBaseURL = "https://api.resend.com"

type ResendConfig struct {
	APIKey     string
	AudienceID string
	From       string
	BaseURL    string
	Timeout    time.Duration
}

// Resend sends announcements as a broadcast to one audience.
type Resend struct {
	cfg    ResendConfig
	client *http.Client
}

func NewResend(cfg ResendConfig) *Resend {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultResendBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	return &Resend{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

func (r *Resend) Name() string { return "resend" }

func (r *Resend) configured() error {
	if strings.TrimSpace(r.cfg.APIKey) == "" {
		return fmt.Errorf("%w: resend api key missing", ErrNotConfigured)
	}
	if strings.TrimSpace(r.cfg.AudienceID) == "" {
		return fmt.Errorf("%w: resend audience id missing", ErrNotConfigured)
	}
	return nil
}

type broadcastCreate struct {
	Name       string `json:"name"`
	AudienceID string `json:"audience_id"`
	From       string `json:"from"`
	Subject    string `json:"subject"`
	HTML       string `json:"html"`
}

type broadcastCreated struct {
	ID string `json:"id"`
}

// Send creates the broadcast and then sends it. A created broadcast that
// fails to send is left as a draft on the provider side.
func (r *Resend) Send(ctx context.Context, msg Message) error {
	if err := r.configured(); err != nil {
		return err
	}
	var created broadcastCreated
	err := r.do(ctx, http.MethodPost, "/broadcasts", broadcastCreate{
		Name:       msg.Name,
		AudienceID: r.cfg.AudienceID,
		From:       r.cfg.From,
		Subject:    msg.Subject,
		HTML:       msg.HTML,
	}, &created)
	if err != nil {
		return fmt.Errorf("create broadcast: %w", err)
	}
	if created.ID == "" {
		return fmt.Errorf("create broadcast: empty id in response")
	}
	if err := r.do(ctx, http.MethodPost, "/broadcasts/"+created.ID+"/send", struct{}{}, nil); err != nil {
		return fmt.Errorf("send broadcast %s: %w", created.ID, err)
	}
	return nil
}

// Email is a single transactional message.
type Email struct {
	To      string
	Subject string
	HTML    string
}

type emailCreate struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

type contactCreate struct {
	Email        string `json:"email"`
	Unsubscribed bool   `json:"unsubscribed"`
}

// SendEmail sends one transactional email. Only the API key is required.
func (r *Resend) SendEmail(ctx context.Context, e Email) error {
	if strings.TrimSpace(r.cfg.APIKey) == "" {
		return fmt.Errorf("%w: resend api key missing", ErrNotConfigured)
	}
	body := emailCreate{From: r.cfg.From, To: []string{e.To}, Subject: e.Subject, HTML: e.HTML}
	if err := r.do(ctx, http.MethodPost, "/emails", body, nil); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	return nil
}

// AddContact adds email to the broadcast audience.
func (r *Resend) AddContact(ctx context.Context, email string) error {
	if err := r.configured(); err != nil {
		return err
	}
	path := "/audiences/" + url.PathEscape(r.cfg.AudienceID) + "/contacts"
	if err := r.do(ctx, http.MethodPost, path, contactCreate{Email: email}, nil); err != nil {
		return fmt.Errorf("add contact: %w", err)
	}
	return nil
}

func (r *Resend) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.cfg.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out)
}
