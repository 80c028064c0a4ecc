// Package subscribers runs the email double opt-in: Subscribe records a
// pending address and mails a confirmation link, Confirm redeems the link's
// token. Only confirmed addresses count towards the headcount shown in
// announcements.
package subscribers

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"droughtwatch/internal/clock"
	"droughtwatch/internal/model"
	"droughtwatch/internal/notifier"
	"droughtwatch/internal/storage"
	"droughtwatch/pkg/logx"
)

const (
	DefaultTokenTTL       = 24 * time.Hour
	DefaultResendCooldown = 10 * time.Minute
)

var ErrInvalidEmail = errors.New("invalid email address")

// Outcome is what Subscribe did. Every outcome reads as success to the
// caller so the response never reveals whether an address is known.
type Outcome string

const (
	OutcomePending          Outcome = "pending"
	OutcomeAlreadyConfirmed Outcome = "already_confirmed"
	OutcomeCooldown         Outcome = "cooldown"
)

type ConfirmStatus string

const (
	StatusConfirmed        ConfirmStatus = "confirmed"
	StatusAlreadyConfirmed ConfirmStatus = "already_confirmed"
	StatusExpired          ConfirmStatus = "expired"
	StatusInvalid          ConfirmStatus = "invalid"
)

// Mailer delivers the confirmation email.
type Mailer interface {
	SendEmail(ctx context.Context, e notifier.Email) error
}

// Contacts receives addresses once they are confirmed.
type Contacts interface {
	AddContact(ctx context.Context, email string) error
}

type Service struct {
	store    storage.Subscribers
	mailer   Mailer
	contacts Contacts
	render   notifier.DefaultRenderer
	clock    clock.Clock
	newToken func() string
	log      logx.Logger

	confirmURL string
	tokenTTL   time.Duration
	cooldown   time.Duration

	// serializes the read-modify-write in Subscribe and Confirm
	mu sync.Mutex
}

type Option func(*Service)

func WithMailer(m Mailer) Option     { return func(s *Service) { s.mailer = m } }
func WithContacts(c Contacts) Option { return func(s *Service) { s.contacts = c } }
func WithClock(c clock.Clock) Option { return func(s *Service) { s.clock = c } }
func WithLogger(l logx.Logger) Option {
	return func(s *Service) { s.log = l.With(logx.Component("subscribers")) }
}
func WithRenderer(r notifier.DefaultRenderer) Option {
	return func(s *Service) { s.render = r }
}

// WithConfirmURL sets the page the emailed link points at; the token is
// appended as ?token=.
func WithConfirmURL(u string) Option { return func(s *Service) { s.confirmURL = u } }

func WithTokenTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.tokenTTL = d
		}
	}
}

func WithResendCooldown(d time.Duration) Option {
	return func(s *Service) {
		if d >= 0 {
			s.cooldown = d
		}
	}
}

func New(store storage.Subscribers, opts ...Option) *Service {
	s := &Service{
		store:    store,
		clock:    clock.Real(),
		newToken: uuid.NewString,
		log:      logx.Nop(),
		tokenTTL: DefaultTokenTTL,
		cooldown: DefaultResendCooldown,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Normalize validates addr and returns its lowercased bare address.
func Normalize(addr string) (string, error) {
	a, err := mail.ParseAddress(strings.TrimSpace(addr))
	if err != nil || a.Name != "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidEmail, addr)
	}
	return strings.ToLower(a.Address), nil
}

// Subscribe starts or restarts the opt-in for addr. A confirmed address and
// a pending one still inside the resend cooldown are left alone. Mail
// delivery is best effort: the pending row is the source of truth and the
// user can ask again after the cooldown.
func (s *Service) Subscribe(ctx context.Context, addr string) (Outcome, error) {
	email, err := Normalize(addr)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now().UTC()
	cur, err := s.store.SubscriberByEmail(ctx, email)
	if err != nil {
		return "", fmt.Errorf("load subscriber: %w", err)
	}
	if cur != nil {
		if cur.Confirmed {
			return OutcomeAlreadyConfirmed, nil
		}
		// SubscribedAt is refreshed with every token, so it doubles as the
		// time of the last confirmation email.
		if now.Sub(cur.SubscribedAt) < s.cooldown {
			return OutcomeCooldown, nil
		}
	}

	sub := model.Subscriber{
		Email:          email,
		SubscribedAt:   now,
		Token:          s.newToken(),
		TokenExpiresAt: now.Add(s.tokenTTL),
	}
	if err := s.store.PutSubscriber(ctx, sub); err != nil {
		return "", fmt.Errorf("save subscriber: %w", err)
	}
	s.sendConfirmation(ctx, email, sub.Token)
	return OutcomePending, nil
}

func (s *Service) sendConfirmation(ctx context.Context, email, token string) {
	if s.mailer == nil {
		s.log.Warn("confirmation email not sent: no mailer configured", logx.String("email", mask(email)))
		return
	}
	e, err := s.render.Confirmation(email, s.link(token))
	if err == nil {
		err = s.mailer.SendEmail(ctx, e)
	}
	if err != nil {
		s.log.Warn("confirmation email failed", logx.String("email", mask(email)), logx.Err(err))
		return
	}
	s.log.Info("confirmation email sent", logx.String("email", mask(email)))
}

func (s *Service) link(token string) string {
	base := s.confirmURL
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + "token=" + url.QueryEscape(token)
}

// Confirm redeems token. The contact list is updated best effort once the
// row is confirmed.
func (s *Service) Confirm(ctx context.Context, token string) (ConfirmStatus, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return StatusInvalid, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, err := s.store.SubscriberByToken(ctx, token)
	if err != nil {
		return "", fmt.Errorf("load subscriber: %w", err)
	}
	switch {
	case sub == nil:
		return StatusInvalid, nil
	case sub.Confirmed:
		return StatusAlreadyConfirmed, nil
	case sub.TokenExpiresAt.Before(s.clock.Now()):
		return StatusExpired, nil
	}

	sub.Confirmed = true
	sub.Token = ""
	sub.TokenExpiresAt = time.Time{}
	if err := s.store.PutSubscriber(ctx, *sub); err != nil {
		return "", fmt.Errorf("save subscriber: %w", err)
	}
	s.log.Info("subscriber confirmed", logx.String("email", mask(sub.Email)))

	if s.contacts != nil {
		if err := s.contacts.AddContact(ctx, sub.Email); err != nil {
			s.log.Warn("add contact failed", logx.String("email", mask(sub.Email)), logx.Err(err))
		}
	}
	return StatusConfirmed, nil
}

// CountSubscribers is the confirmed headcount.
func (s *Service) CountSubscribers(ctx context.Context) (int, error) {
	n, err := s.store.CountConfirmedSubscribers(ctx)
	if err != nil {
		return 0, fmt.Errorf("count subscribers: %w", err)
	}
	return n, nil
}

// mask keeps the first letter of the local part and the domain.
func mask(email string) string {
	at := strings.LastIndexByte(email, '@')
	if at < 1 {
		return "***"
	}
	return email[:1] + "***" + email[at:]
}
