package main

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api"
	"github.com/skip2/go-qrcode"
	"golang.org/x/time/rate"
)

// Sender delivers one outbox message over one channel.
type Sender interface {
	Send(ctx context.Context, m OutboxMessage) error
}

// errNoSender marks messages whose channel has no sender configured.
var errNoSender = errors.New("no sender for channel")

// DispatcherConfig tunes delivery.
type DispatcherConfig struct {
	RatePerSecond float64
	Burst         int
	MaxAttempts   int
	BatchSize     int
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	Jitter        float64 // Jitter spreads each delay by up to this fraction either way.
}

// Dispatcher drains the outbox at a bounded rate, retrying failed sends
// with exponential back-off until MaxAttempts.
type Dispatcher struct {
	repo    Repository
	senders map[Channel]Sender
	limiter *rate.Limiter
	cfg     DispatcherConfig
	clock   func() time.Time
}

func NewDispatcher(repo Repository, senders map[Channel]Sender, cfg DispatcherConfig) *Dispatcher {
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 30 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = time.Hour
	}
	return &Dispatcher{
		repo:    repo,
		senders: senders,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		cfg:     cfg,
		clock:   time.Now,
	}
}

// backoff is the delay before attempt number attempts+1.
func (d *Dispatcher) backoff(attempts int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     d.cfg.BaseBackoff,
		RandomizationFactor: d.cfg.Jitter,
		Multiplier:          2,
		MaxInterval:         d.cfg.MaxBackoff,
	}
	b.Reset()
	delay := b.NextBackOff()
	for i := 1; i < attempts; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

// Drain sends every due message once and returns how many were delivered.
func (d *Dispatcher) Drain(ctx context.Context) (int, error) {
	msgs, err := d.repo.ListDueOutbox(ctx, d.clock(), d.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	delivered := 0
	for _, m := range msgs {
		if err := d.limiter.Wait(ctx); err != nil {
			return delivered, err
		}
		var sendErr error
		if sender, ok := d.senders[m.Channel]; ok {
			sendErr = sender.Send(ctx, m)
		} else {
			sendErr = fmt.Errorf("%w %s", errNoSender, m.Channel)
		}
		now := d.clock()
		if sendErr == nil {
			if err := d.repo.MarkOutboxSent(ctx, m.ID, now); err != nil {
				logError(catNotify, "failed to mark notification sent", err, "id", m.ID)
			}
			delivered++
			continue
		}

		attempts := m.Attempts + 1
		dead := attempts >= d.cfg.MaxAttempts || errors.Is(sendErr, errNoSender)
		if dead {
			logError(catNotify, "notification dropped", sendErr, "id", m.ID, "kind", m.Kind, "attempts", attempts)
		} else {
			logWarn(catNotify, "notification send failed", "id", m.ID, "kind", m.Kind, "attempts", attempts, "error", sendErr)
		}
		next := now.Add(d.backoff(attempts))
		if err := d.repo.MarkOutboxFailed(ctx, m.ID, attempts, next, sendErr.Error(), dead); err != nil {
			logError(catNotify, "failed to record send failure", err, "id", m.ID)
		}
	}
	return delivered, nil
}

// Run drains the outbox every interval until ctx is done.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := d.Drain(ctx); err != nil && ctx.Err() == nil {
			logError(catNotify, "outbox drain failed", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// botSender is the part of *tgbotapi.BotAPI the senders need.
type botSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramSender posts the message text and, when it carries a deep link,
// a QR code of the link.
type TelegramSender struct {
	bot botSender
}

func NewTelegramSender(bot botSender) *TelegramSender {
	return &TelegramSender{bot: bot}
}

func (t *TelegramSender) Send(_ context.Context, m OutboxMessage) error {
	if m.ChatID == 0 {
		return fmt.Errorf("%w: telegram message without chat id", errNoSender)
	}
	if _, err := t.bot.Send(tgbotapi.NewMessage(m.ChatID, m.Body)); err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	if m.Link == "" {
		return nil
	}
	png, err := qrcode.Encode(m.Link, qrcode.Medium, 256)
	if err != nil {
		return fmt.Errorf("encode qr code: %w", err)
	}
	photo := tgbotapi.NewPhotoUpload(m.ChatID, tgbotapi.FileBytes{Name: "link.png", Bytes: png})
	photo.Caption = m.Link
	if _, err := t.bot.Send(photo); err != nil {
		// The text with the link already went out.
		logWarn(catNotify, "failed to send qr code", "id", m.ID, "error", err)
	}
	return nil
}

// SMTPConfig is the outgoing mail server.
type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

// SMTPSender mails supervisor notices.
type SMTPSender struct {
	cfg      SMTPConfig
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	return &SMTPSender{cfg: cfg, sendMail: smtp.SendMail}
}

func (s *SMTPSender) Send(_ context.Context, m OutboxMessage) error {
	var auth smtp.Auth
	if s.cfg.User != "" {
		auth = smtp.PlainAuth("", s.cfg.User, s.cfg.Password, s.cfg.Host)
	}
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	if err := s.sendMail(addr, auth, s.cfg.From, []string{m.Recipient}, buildMail(s.cfg.From, m)); err != nil {
		return fmt.Errorf("send mail to %s: %w", m.Recipient, err)
	}
	return nil
}

func buildMail(from string, m OutboxMessage) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", m.Recipient)
	fmt.Fprintf(&b, "Subject: %s\r\n", m.Subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(m.Body, "\n", "\r\n"))
	b.WriteString("\r\n")
	return []byte(b.String())
}

// LogSender writes messages to the log instead of delivering them.
type LogSender struct{}

func (LogSender) Send(_ context.Context, m OutboxMessage) error {
	logInfo(catNotify, "notification (log only)", "kind", m.Kind, "to", m.Recipient, "subject", m.Subject, "body", m.Body)
	return nil
}
