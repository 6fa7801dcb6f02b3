package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// DegreeLimits caps the registrations a user of one degree may hold.
type DegreeLimits struct {
	Approved int // Approved is the system-wide maximum of APPROVED registrations.
	Pending  int // Pending is the maximum of unexpired PENDING registrations.
}

// Settings are the tunables of the engine. They may be replaced at runtime.
type Settings struct {
	Weights          Weights
	Limits           map[Degree]DegreeLimits
	WaitlistMaxSize  int
	ApprovalTTL      time.Duration
	PromotionTTL     time.Duration
	ReminderInterval time.Duration
	WarningBefore    time.Duration
	BotUsername      string
}

// DefaultSettings returns the production defaults.
func DefaultSettings() Settings {
	return Settings{
		Weights: Weights{DegreePhD: 3, DegreeMSc: 1},
		Limits: map[Degree]DegreeLimits{
			DegreePhD: {Approved: 1, Pending: 1},
			DegreeMSc: {Approved: 1, Pending: 2},
		},
		WaitlistMaxSize:  3,
		ApprovalTTL:      14 * 24 * time.Hour,
		PromotionTTL:     24 * time.Hour,
		ReminderInterval: 48 * time.Hour,
		WarningBefore:    24 * time.Hour,
		BotUsername:      "SemSlotBot",
	}
}

func (s Settings) limitsFor(d Degree) DegreeLimits {
	if l, ok := s.Limits[d]; ok {
		return l
	}
	return DegreeLimits{Approved: 1, Pending: 1}
}

// link builds the deep link that redeems token through the bot.
func (s Settings) link(action, token string) string {
	return fmt.Sprintf("https://t.me/%s?start=%s_%s", s.BotUsername, action, token)
}

// Engine decides slot admission, approval, waiting-list and promotion
// transitions. All state lives in the repository.
type Engine struct {
	repo     Repository
	notifier Notifier
	stats    OutcomeRecorder
	tracer   trace.Tracer
	clock    func() time.Time

	mu       sync.RWMutex
	settings Settings
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithClock replaces time.Now.
func WithClock(clock func() time.Time) EngineOption {
	return func(e *Engine) { e.clock = clock }
}

// WithSettings replaces DefaultSettings.
func WithSettings(s Settings) EngineOption {
	return func(e *Engine) { e.settings = s }
}

// WithStats records every outcome.
func WithStats(stats OutcomeRecorder) EngineOption {
	return func(e *Engine) { e.stats = stats }
}

// WithTracer traces every engine operation.
func WithTracer(t trace.Tracer) EngineOption {
	return func(e *Engine) { e.tracer = t }
}

// NewEngine creates an Engine over repo that requests notifications through notifier.
func NewEngine(repo Repository, notifier Notifier, opts ...EngineOption) *Engine {
	e := &Engine{
		repo:     repo,
		notifier: notifier,
		stats:    NewMemoryOutcomeStats(),
		tracer:   noop.NewTracerProvider().Tracer("seminarbot"),
		clock:    time.Now,
		settings: DefaultSettings(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Settings returns the current settings.
func (e *Engine) Settings() Settings {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.settings
}

// UpdateSettings swaps the settings used by subsequent operations.
func (e *Engine) UpdateSettings(s Settings) {
	e.mu.Lock()
	e.settings = s
	e.mu.Unlock()
	logInfo(catConfig, "engine settings updated", "waitlist_max", s.WaitlistMaxSize,
		"approval_ttl", s.ApprovalTTL, "promotion_ttl", s.PromotionTTL)
}

func (e *Engine) startSpan(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, "engine."+op, trace.WithAttributes(attrs...))
}

// finish records the outcome on the span and in the stats.
func (e *Engine) finish(ctx context.Context, span trace.Span, op string, outcome Outcome, err error) {
	if err != nil {
		span.RecordError(err)
	} else {
		span.SetAttributes(attribute.String("outcome", string(outcome)))
		e.stats.Record(ctx, op, outcome)
	}
	span.End()
}

// refreshSlot recomputes and stores the derived status of a slot.
func (e *Engine) refreshSlot(ctx context.Context, tx Repository, slotID int64, w Weights) error {
	slot, err := tx.GetSlot(ctx, slotID)
	if err != nil || slot == nil {
		return err
	}
	regs, err := tx.ListSlotRegistrations(ctx, slotID)
	if err != nil {
		return err
	}
	status := slotStatusFor(slot.Capacity, effectiveOccupancy(regs, w))
	if status == slot.Status {
		return nil
	}
	return tx.SetSlotStatus(ctx, slotID, status)
}

// removeEntry deletes a waiting-list entry, closes the position gap behind it
// and voids the offer it held. It reports false when the entry was already gone.
func removeEntry(ctx context.Context, tx Repository, entry WaitingListEntry, now time.Time) (bool, error) {
	position, ok, err := tx.DeleteEntry(ctx, entry.SlotID, entry.UserKey)
	if err != nil || !ok {
		return false, err
	}
	if err := tx.DecrementPositionsAfter(ctx, entry.SlotID, position); err != nil {
		return false, err
	}
	if entry.PromotionToken != "" {
		if _, err := tx.TransitionPromotion(ctx, entry.PromotionToken, OfferOpen, OfferVoided, now); err != nil {
			return false, err
		}
	}
	return true, nil
}

// slotDatePassed compares calendar days only; a same-day slot is still open.
func slotDatePassed(slot Slot, now time.Time) bool {
	today := truncateToDate(now.In(slot.Date.Location()))
	return truncateToDate(slot.Date).Before(today)
}
