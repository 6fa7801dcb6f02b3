package main

import (
	"context"
	"errors"
	"net/smtp"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	mu    sync.Mutex
	sent  []OutboxMessage
	fails int // fails is the number of upcoming sends that fail
}

func (f *fakeSender) Send(_ context.Context, m OutboxMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return errors.New("temporarily unavailable")
	}
	f.sent = append(f.sent, m)
	return nil
}

func newTestDispatcher(env *testEnv, senders map[Channel]Sender, maxAttempts int) *Dispatcher {
	d := NewDispatcher(env.repo, senders, DispatcherConfig{
		RatePerSecond: 1000,
		Burst:         100,
		MaxAttempts:   maxAttempts,
		BaseBackoff:   30 * time.Second,
		MaxBackoff:    time.Hour,
	})
	d.clock = env.clock.Now
	return d
}

func enqueue(t *testing.T, env *testEnv, id string, channel Channel) {
	t.Helper()
	require.NoError(t, env.repo.EnqueueOutbox(env.ctx, OutboxMessage{
		ID:            id,
		Kind:          KindApproved,
		Channel:       channel,
		Recipient:     "alice",
		ChatID:        7,
		Body:          "body of " + id,
		NextAttemptAt: env.clock.Now(),
		CreatedAt:     env.clock.Now(),
	}))
}

func outboxState(t *testing.T, env *testEnv, id string) (string, int) {
	t.Helper()
	var state string
	var attempts int
	require.NoError(t, env.repo.db.QueryRowContext(env.ctx,
		`SELECT state, attempts FROM outbox WHERE id = ?`, id).Scan(&state, &attempts))
	return state, attempts
}

func TestDispatcher_Backoff(t *testing.T) {
	d := NewDispatcher(nil, nil, DispatcherConfig{})
	assert.Equal(t, 30*time.Second, d.backoff(1))
	assert.Equal(t, time.Minute, d.backoff(2))
	assert.Equal(t, 2*time.Minute, d.backoff(3))
	assert.Equal(t, time.Hour, d.backoff(10))

	jittered := NewDispatcher(nil, nil, DispatcherConfig{Jitter: 0.5})
	for i := 0; i < 20; i++ {
		delay := jittered.backoff(2)
		assert.GreaterOrEqual(t, delay, 30*time.Second)
		assert.LessOrEqual(t, delay, 90*time.Second+time.Nanosecond)
	}
}

func TestDispatcher_Delivers(t *testing.T) {
	env := setupTestEngine(t)
	tg := &fakeSender{}
	d := newTestDispatcher(env, map[Channel]Sender{ChannelTelegram: tg}, 5)
	enqueue(t, env, "m1", ChannelTelegram)
	enqueue(t, env, "m2", ChannelTelegram)

	n, err := d.Drain(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, tg.sent, 2)

	state, attempts := outboxState(t, env, "m1")
	assert.Equal(t, "SENT", state)
	assert.Equal(t, 1, attempts)

	n, err = d.Drain(env.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDispatcher_RetriesWithBackoff(t *testing.T) {
	env := setupTestEngine(t)
	tg := &fakeSender{fails: 1}
	d := newTestDispatcher(env, map[Channel]Sender{ChannelTelegram: tg}, 5)
	enqueue(t, env, "m1", ChannelTelegram)

	n, err := d.Drain(env.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	state, attempts := outboxState(t, env, "m1")
	assert.Equal(t, "PENDING", state)
	assert.Equal(t, 1, attempts)

	n, err = d.Drain(env.ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "not due before the back-off elapses")

	env.clock.Advance(30 * time.Second)
	n, err = d.Drain(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	state, attempts = outboxState(t, env, "m1")
	assert.Equal(t, "SENT", state)
	assert.Equal(t, 2, attempts)
}

func TestDispatcher_GivesUpAfterMaxAttempts(t *testing.T) {
	env := setupTestEngine(t)
	tg := &fakeSender{fails: 100}
	d := newTestDispatcher(env, map[Channel]Sender{ChannelTelegram: tg}, 2)
	enqueue(t, env, "m1", ChannelTelegram)

	for i := 0; i < 3; i++ {
		_, err := d.Drain(env.ctx)
		require.NoError(t, err)
		env.clock.Advance(time.Hour)
	}
	state, attempts := outboxState(t, env, "m1")
	assert.Equal(t, "FAILED", state)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, 98, tg.fails, "no sends after the message is dead")
}

func TestDispatcher_MissingChannel(t *testing.T) {
	env := setupTestEngine(t)
	d := newTestDispatcher(env, map[Channel]Sender{ChannelTelegram: &fakeSender{}}, 5)
	enqueue(t, env, "mail", ChannelEmail)

	n, err := d.Drain(env.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	state, attempts := outboxState(t, env, "mail")
	assert.Equal(t, "FAILED", state)
	assert.Equal(t, 1, attempts)
}

func TestDispatcher_RunStopsWithContext(t *testing.T) {
	env := setupTestEngine(t)
	d := newTestDispatcher(env, nil, 5)
	ctx, cancel := context.WithCancel(env.ctx)
	done := make(chan struct{})
	go func() {
		d.Run(ctx, time.Hour)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop after cancellation")
	}
}

type fakeBot struct {
	sent   []tgbotapi.Chattable
	failOn int // failOn is the 1-based call that fails, 0 for none
	calls  int
}

func (b *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	b.calls++
	if b.calls == b.failOn {
		return tgbotapi.Message{}, errors.New("telegram down")
	}
	b.sent = append(b.sent, c)
	return tgbotapi.Message{}, nil
}

func TestTelegramSender(t *testing.T) {
	ctx := context.Background()

	t.Run("text only", func(t *testing.T) {
		bot := &fakeBot{}
		require.NoError(t, NewTelegramSender(bot).Send(ctx, OutboxMessage{ChatID: 7, Body: "hello"}))
		require.Len(t, bot.sent, 1)
		msg, ok := bot.sent[0].(tgbotapi.MessageConfig)
		require.True(t, ok)
		assert.Equal(t, int64(7), msg.ChatID)
		assert.Equal(t, "hello", msg.Text)
	})

	t.Run("link adds a qr code", func(t *testing.T) {
		bot := &fakeBot{}
		link := "https://t.me/SemSlotBot?start=confirm_abc"
		require.NoError(t, NewTelegramSender(bot).Send(ctx, OutboxMessage{ChatID: 7, Body: "offer", Link: link}))
		require.Len(t, bot.sent, 2)
		photo, ok := bot.sent[1].(tgbotapi.PhotoConfig)
		require.True(t, ok)
		assert.Equal(t, link, photo.Caption)
	})

	t.Run("qr failure is not fatal", func(t *testing.T) {
		bot := &fakeBot{failOn: 2}
		err := NewTelegramSender(bot).Send(ctx, OutboxMessage{ChatID: 7, Body: "offer", Link: "https://t.me/x"})
		assert.NoError(t, err)
	})

	t.Run("text failure", func(t *testing.T) {
		bot := &fakeBot{failOn: 1}
		err := NewTelegramSender(bot).Send(ctx, OutboxMessage{ChatID: 7, Body: "hello"})
		assert.Error(t, err)
	})

	t.Run("no chat", func(t *testing.T) {
		err := NewTelegramSender(&fakeBot{}).Send(ctx, OutboxMessage{Body: "hello"})
		assert.ErrorIs(t, err, errNoSender)
	})
}

func TestSMTPSender(t *testing.T) {
	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte
	var gotAuth smtp.Auth
	s := NewSMTPSender(SMTPConfig{Host: "mail.uni.example", Port: 587, From: "bot@uni.example"})
	s.sendMail = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotAuth, gotFrom, gotTo, gotMsg = addr, a, from, to, msg
		return nil
	}

	err := s.Send(context.Background(), OutboxMessage{Recipient: "ada@uni.example", Subject: "Approve", Body: "line one\nline two"})
	require.NoError(t, err)
	assert.Equal(t, "mail.uni.example:587", gotAddr)
	assert.Nil(t, gotAuth, "no auth without a user")
	assert.Equal(t, "bot@uni.example", gotFrom)
	assert.Equal(t, []string{"ada@uni.example"}, gotTo)
	assert.Contains(t, string(gotMsg), "Subject: Approve\r\n")

	s.sendMail = func(string, smtp.Auth, string, []string, []byte) error { return errors.New("relay denied") }
	err = s.Send(context.Background(), OutboxMessage{Recipient: "ada@uni.example"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ada@uni.example")
}

func TestBuildMail(t *testing.T) {
	msg := string(buildMail("bot@uni.example", OutboxMessage{Recipient: "ada@uni.example", Subject: "Hi", Body: "a\nb"}))
	headers, body, ok := strings.Cut(msg, "\r\n\r\n")
	require.True(t, ok)
	assert.Contains(t, headers, "From: bot@uni.example")
	assert.Contains(t, headers, "To: ada@uni.example")
	assert.Contains(t, headers, "Content-Type: text/plain; charset=UTF-8")
	assert.Equal(t, "a\r\nb\r\n", body)
}

func TestLogSender(t *testing.T) {
	assert.NoError(t, LogSender{}.Send(context.Background(), OutboxMessage{Body: "x"}))
}
