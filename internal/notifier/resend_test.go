package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

type resendStub struct {
	mu       sync.Mutex
	paths    []string
	created  broadcastCreate
	email    emailCreate
	contact  contactCreate
	failSend bool
}

func (s *resendStub) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		s.mu.Lock()
		s.paths = append(s.paths, r.Method+" "+r.URL.Path)
		s.mu.Unlock()
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/broadcasts":
			if err := json.NewDecoder(r.Body).Decode(&s.created); err != nil {
				t.Errorf("decode broadcast: %v", err)
			}
			_, _ = w.Write([]byte(`{"id":"b-1"}`))
		case r.Method == http.MethodPost && r.URL.Path == "/broadcasts/b-1/send":
			if s.failSend {
				http.Error(w, "quota", http.StatusTooManyRequests)
				return
			}
			_, _ = w.Write([]byte(`{"id":"b-1"}`))
		case r.Method == http.MethodPost && r.URL.Path == "/emails":
			if err := json.NewDecoder(r.Body).Decode(&s.email); err != nil {
				t.Errorf("decode email: %v", err)
			}
			_, _ = w.Write([]byte(`{"id":"e-1"}`))
		case r.Method == http.MethodPost && r.URL.Path == "/audiences/aud/contacts":
			if err := json.NewDecoder(r.Body).Decode(&s.contact); err != nil {
				t.Errorf("decode contact: %v", err)
			}
			_, _ = w.Write([]byte(`{"id":"c-1"}`))
		default:
			http.NotFound(w, r)
		}
	}
}

func newResend(t *testing.T, stub *resendStub) *Resend {
	t.Helper()
	srv := httptest.NewServer(stub.handler(t))
	t.Cleanup(srv.Close)
	return NewResend(ResendConfig{APIKey: "key", AudienceID: "aud", From: "Watch <w@example.test>", BaseURL: srv.URL})
}

func TestResendTwoStepBroadcast(t *testing.T) {
	t.Parallel()
	stub := &resendStub{}
	r := newResend(t, stub)
	msg := Message{Rendered: Rendered{Name: "New Video: X", Subject: "C Posted: X", HTML: "<p>x</p>"}}
	if err := r.Send(context.Background(), msg); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(stub.paths) != 2 || stub.paths[0] != "POST /broadcasts" || stub.paths[1] != "POST /broadcasts/b-1/send" {
		t.Fatalf("paths = %v", stub.paths)
	}
	if stub.created.AudienceID != "aud" || stub.created.Subject != "C Posted: X" || stub.created.Name != "New Video: X" {
		t.Fatalf("created = %+v", stub.created)
	}
}

func TestResendSendStepFailure(t *testing.T) {
	t.Parallel()
	r := newResend(t, &resendStub{failSend: true})
	err := r.Send(context.Background(), Message{})
	if err == nil || errors.Is(err, ErrNotConfigured) {
		t.Fatalf("Send() error = %v, want a send failure", err)
	}
}

func TestResendNotConfigured(t *testing.T) {
	t.Parallel()
	for _, cfg := range []ResendConfig{{AudienceID: "aud"}, {APIKey: "key"}} {
		if err := NewResend(cfg).Send(context.Background(), Message{}); !errors.Is(err, ErrNotConfigured) {
			t.Fatalf("Send(%+v) error = %v, want ErrNotConfigured", cfg, err)
		}
	}
}

func TestResendSendEmail(t *testing.T) {
	t.Parallel()
	stub := &resendStub{}
	err := newResend(t, stub).SendEmail(context.Background(), Email{To: "fan@example.test", Subject: "confirm", HTML: "<a>x</a>"})
	if err != nil {
		t.Fatalf("SendEmail() error = %v", err)
	}
	if len(stub.email.To) != 1 || stub.email.To[0] != "fan@example.test" || stub.email.Subject != "confirm" || stub.email.From == "" {
		t.Fatalf("email = %+v", stub.email)
	}
	if err := NewResend(ResendConfig{AudienceID: "aud"}).SendEmail(context.Background(), Email{}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("SendEmail() without key = %v, want ErrNotConfigured", err)
	}
}

func TestResendAddContact(t *testing.T) {
	t.Parallel()
	stub := &resendStub{}
	if err := newResend(t, stub).AddContact(context.Background(), "fan@example.test"); err != nil {
		t.Fatalf("AddContact() error = %v", err)
	}
	if stub.contact.Email != "fan@example.test" || stub.contact.Unsubscribed {
		t.Fatalf("contact = %+v", stub.contact)
	}
}
