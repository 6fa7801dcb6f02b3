package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

// Repository defines the interface for database operations
type Repository interface {
	WithTx(ctx context.Context, fn func(tx Repository) error) error

	GetUser(ctx context.Context, key string) (*User, error)
	UpsertUser(ctx context.Context, u User) error
	SetUserDegree(ctx context.Context, key string, d Degree) error
	SetUserSupervisor(ctx context.Context, key, name, email string) error

	GetSlot(ctx context.Context, id int64) (*Slot, error)
	ListSlots(ctx context.Context, from time.Time) ([]Slot, error)
	AddSlot(ctx context.Context, s Slot) (int64, error)
	SetSlotStatus(ctx context.Context, id int64, status SlotStatus) error

	GetRegistration(ctx context.Context, slotID int64, userKey string) (*Registration, error)
	GetRegistrationByToken(ctx context.Context, token string) (*Registration, error)
	ListSlotRegistrations(ctx context.Context, slotID int64) ([]Registration, error)
	ListUserRegistrations(ctx context.Context, userKey string) ([]Registration, error)
	SaveRegistration(ctx context.Context, r Registration) error
	DeleteRegistration(ctx context.Context, slotID int64, userKey string) error
	TransitionRegistration(ctx context.Context, slotID int64, userKey string, from, to ApprovalStatus, at time.Time, reason string) (bool, error)
	SetApprovalRequest(ctx context.Context, slotID int64, userKey, name, email, token string, expiresAt, requestedAt time.Time) error
	MarkRequestSent(ctx context.Context, slotID int64, userKey string, at time.Time) error
	MarkWarningSent(ctx context.Context, slotID int64, userKey string, at time.Time) error
	ListExpiredPending(ctx context.Context, now time.Time) ([]Registration, error)
	ListPendingRequests(ctx context.Context, now time.Time) ([]Registration, error)

	GetEntry(ctx context.Context, slotID int64, userKey string) (*WaitingListEntry, error)
	GetEntryByUser(ctx context.Context, userKey string) (*WaitingListEntry, error)
	ListEntries(ctx context.Context, slotID int64) ([]WaitingListEntry, error)
	InsertEntry(ctx context.Context, e WaitingListEntry) error
	DeleteEntry(ctx context.Context, slotID int64, userKey string) (int, bool, error)
	DecrementPositionsAfter(ctx context.Context, slotID int64, position int) error
	SetOffer(ctx context.Context, slotID int64, userKey, token string, offeredAt, expiresAt time.Time) error

	InsertPromotion(ctx context.Context, p Promotion) (int64, error)
	GetPromotionByToken(ctx context.Context, token string) (*Promotion, error)
	TransitionPromotion(ctx context.Context, token string, from, to OfferStatus, at time.Time) (bool, error)
	SetPromotionApproval(ctx context.Context, slotID int64, userKey string, status ApprovalStatus, at time.Time) (bool, error)
	ListExpiredOffers(ctx context.Context, now time.Time) ([]Promotion, error)

	EnqueueOutbox(ctx context.Context, m OutboxMessage) error
	ListDueOutbox(ctx context.Context, now time.Time, limit int) ([]OutboxMessage, error)
	MarkOutboxSent(ctx context.Context, id string, at time.Time) error
	MarkOutboxFailed(ctx context.Context, id string, attempts int, next time.Time, lastErr string, dead bool) error
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// timeLayout is fixed width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

const dateLayout = "2006-01-02"

// SQLiteRepository implements the Repository interface
type SQLiteRepository struct {
	db *sql.DB
	q  execer
}

var _ Repository = (*SQLiteRepository)(nil)

// NewSQLiteRepository creates a new SQLiteRepository
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db, q: db}
}

// WithTx runs fn inside a transaction. Nested calls reuse the outer transaction.
func (r *SQLiteRepository) WithTx(ctx context.Context, fn func(tx Repository) error) error {
	if _, inTx := r.q.(*sql.Tx); inTx {
		return fn(r)
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(&SQLiteRepository{db: r.db, q: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logError(catStore, "rollback failed", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// isUniqueViolation reports whether err is a primary key or unique constraint failure.
func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(ns sql.NullString) time.Time {
	if !ns.Valid || ns.String == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, ns.String)
	if err != nil {
		logWarn(catStore, "bad timestamp", "value", ns.String)
		return time.Time{}
	}
	return t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// GetUser returns the user with the given key, case-insensitively
func (r *SQLiteRepository) GetUser(ctx context.Context, key string) (*User, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT user_key, name, degree, chat_id, supervisor_name, supervisor_email FROM users WHERE user_key = ?`,
		normalizeUserKey(key))
	var u User
	var degree string
	err := row.Scan(&u.Key, &u.Name, &degree, &u.ChatID, &u.SupervisorName, &u.SupervisorEmail)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	u.Degree = Degree(degree)
	return &u, nil
}

// UpsertUser inserts a user or refreshes its name and chat id
func (r *SQLiteRepository) UpsertUser(ctx context.Context, u User) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO users (user_key, name, degree, chat_id, supervisor_name, supervisor_email, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_key) DO UPDATE SET
			name = excluded.name,
			chat_id = CASE WHEN excluded.chat_id != 0 THEN excluded.chat_id ELSE users.chat_id END,
			degree = CASE WHEN excluded.degree != '' THEN excluded.degree ELSE users.degree END`,
		normalizeUserKey(u.Key), u.Name, string(u.Degree), u.ChatID, u.SupervisorName, u.SupervisorEmail,
		formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}

// SetUserDegree updates the user's degree
func (r *SQLiteRepository) SetUserDegree(ctx context.Context, key string, d Degree) error {
	return r.execOne(ctx, "set user degree",
		`UPDATE users SET degree = ? WHERE user_key = ?`, string(d), normalizeUserKey(key))
}

// SetUserSupervisor stores the user's default supervisor
func (r *SQLiteRepository) SetUserSupervisor(ctx context.Context, key, name, email string) error {
	return r.execOne(ctx, "set user supervisor",
		`UPDATE users SET supervisor_name = ?, supervisor_email = ? WHERE user_key = ?`,
		name, email, normalizeUserKey(key))
}

// GetSlot returns a slot by id
func (r *SQLiteRepository) GetSlot(ctx context.Context, id int64) (*Slot, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT id, date, start_time, end_time, location, capacity, status FROM slots WHERE id = ?`, id)
	s, err := scanSlot(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get slot: %w", err)
	}
	return s, nil
}

// ListSlots returns slots on or after the given day, ordered by date
func (r *SQLiteRepository) ListSlots(ctx context.Context, from time.Time) ([]Slot, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT id, date, start_time, end_time, location, capacity, status FROM slots
		 WHERE date >= ? ORDER BY date, start_time, id`, from.Format(dateLayout))
	if err != nil {
		return nil, fmt.Errorf("failed to list slots: %w", err)
	}
	defer rows.Close()

	var slots []Slot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan slot: %w", err)
		}
		slots = append(slots, *s)
	}
	return slots, rows.Err()
}

// AddSlot adds a new slot and returns its id
func (r *SQLiteRepository) AddSlot(ctx context.Context, s Slot) (int64, error) {
	res, err := r.q.ExecContext(ctx,
		`INSERT INTO slots (date, start_time, end_time, location, capacity, status) VALUES (?, ?, ?, ?, ?, ?)`,
		s.Date.Format(dateLayout), s.StartTime, s.EndTime, s.Location, s.Capacity, string(SlotFree))
	if err != nil {
		return 0, fmt.Errorf("failed to add slot: %w", err)
	}
	return res.LastInsertId()
}

// SetSlotStatus stores the derived slot status
func (r *SQLiteRepository) SetSlotStatus(ctx context.Context, id int64, status SlotStatus) error {
	return r.execOne(ctx, "set slot status", `UPDATE slots SET status = ? WHERE id = ?`, string(status), id)
}

func scanSlot(row scanner) (*Slot, error) {
	var s Slot
	var date, status string
	if err := row.Scan(&s.ID, &date, &s.StartTime, &s.EndTime, &s.Location, &s.Capacity, &status); err != nil {
		return nil, err
	}
	d, err := time.ParseInLocation(dateLayout, date, time.Local)
	if err != nil {
		return nil, fmt.Errorf("bad slot date %q: %w", date, err)
	}
	s.Date = d
	s.Status = SlotStatus(status)
	return &s, nil
}

const registrationColumns = `slot_id, user_key, degree, topic, supervisor_name, supervisor_email, status,
	approval_token, token_expires_at, registered_at, decided_at, decline_reason, last_request_at, warning_sent_at`

func scanRegistration(row scanner) (*Registration, error) {
	var reg Registration
	var degree, status string
	var token, expires, registered, decided, requested, warned sql.NullString
	err := row.Scan(&reg.SlotID, &reg.UserKey, &degree, &reg.Topic, &reg.SupervisorName, &reg.SupervisorEmail,
		&status, &token, &expires, &registered, &decided, &reg.DeclineReason, &requested, &warned)
	if err != nil {
		return nil, err
	}
	reg.Degree = Degree(degree)
	reg.Status = ApprovalStatus(status)
	reg.ApprovalToken = token.String
	reg.TokenExpiresAt = parseTime(expires)
	reg.RegisteredAt = parseTime(registered)
	reg.DecidedAt = parseTime(decided)
	reg.LastRequestAt = parseTime(requested)
	reg.WarningSentAt = parseTime(warned)
	return &reg, nil
}

func (r *SQLiteRepository) queryRegistrations(ctx context.Context, query string, args ...any) ([]Registration, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query registrations: %w", err)
	}
	defer rows.Close()

	var regs []Registration
	for rows.Next() {
		reg, err := scanRegistration(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan registration: %w", err)
		}
		regs = append(regs, *reg)
	}
	return regs, rows.Err()
}

func (r *SQLiteRepository) queryRegistration(ctx context.Context, query string, args ...any) (*Registration, error) {
	reg, err := scanRegistration(r.q.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get registration: %w", err)
	}
	return reg, nil
}

// GetRegistration returns the registration for (slot, user) in any status
func (r *SQLiteRepository) GetRegistration(ctx context.Context, slotID int64, userKey string) (*Registration, error) {
	return r.queryRegistration(ctx,
		`SELECT `+registrationColumns+` FROM registrations WHERE slot_id = ? AND user_key = ?`,
		slotID, normalizeUserKey(userKey))
}

// GetRegistrationByToken returns the registration holding an approval token
func (r *SQLiteRepository) GetRegistrationByToken(ctx context.Context, token string) (*Registration, error) {
	return r.queryRegistration(ctx,
		`SELECT `+registrationColumns+` FROM registrations WHERE approval_token = ?`, token)
}

// ListSlotRegistrations returns every registration row of a slot
func (r *SQLiteRepository) ListSlotRegistrations(ctx context.Context, slotID int64) ([]Registration, error) {
	return r.queryRegistrations(ctx,
		`SELECT `+registrationColumns+` FROM registrations WHERE slot_id = ? ORDER BY registered_at`, slotID)
}

// ListUserRegistrations returns every registration row of a user
func (r *SQLiteRepository) ListUserRegistrations(ctx context.Context, userKey string) ([]Registration, error) {
	return r.queryRegistrations(ctx,
		`SELECT `+registrationColumns+` FROM registrations WHERE user_key = ? ORDER BY registered_at`,
		normalizeUserKey(userKey))
}

// SaveRegistration inserts a registration or replaces a terminal row with the same key.
// An active row with the same key is never overwritten and yields ErrConflict.
func (r *SQLiteRepository) SaveRegistration(ctx context.Context, reg Registration) error {
	res, err := r.q.ExecContext(ctx, `
		INSERT INTO registrations (`+registrationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(slot_id, user_key) DO UPDATE SET
			degree = excluded.degree,
			topic = excluded.topic,
			supervisor_name = excluded.supervisor_name,
			supervisor_email = excluded.supervisor_email,
			status = excluded.status,
			approval_token = excluded.approval_token,
			token_expires_at = excluded.token_expires_at,
			registered_at = excluded.registered_at,
			decided_at = excluded.decided_at,
			decline_reason = excluded.decline_reason,
			last_request_at = excluded.last_request_at,
			warning_sent_at = excluded.warning_sent_at
		WHERE registrations.status NOT IN ('PENDING', 'APPROVED')`,
		reg.SlotID, normalizeUserKey(reg.UserKey), string(reg.Degree), reg.Topic, reg.SupervisorName,
		reg.SupervisorEmail, string(reg.Status), nullString(reg.ApprovalToken), formatTime(reg.TokenExpiresAt),
		formatTime(reg.RegisteredAt), formatTime(reg.DecidedAt), reg.DeclineReason,
		formatTime(reg.LastRequestAt), formatTime(reg.WarningSentAt))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to save registration: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// DeleteRegistration removes the registration for (slot, user)
func (r *SQLiteRepository) DeleteRegistration(ctx context.Context, slotID int64, userKey string) error {
	_, err := r.q.ExecContext(ctx, `DELETE FROM registrations WHERE slot_id = ? AND user_key = ?`,
		slotID, normalizeUserKey(userKey))
	if err != nil {
		return fmt.Errorf("failed to delete registration: %w", err)
	}
	return nil
}

// TransitionRegistration moves a registration from one status to another.
// It reports false when the row was not in the expected status.
func (r *SQLiteRepository) TransitionRegistration(ctx context.Context, slotID int64, userKey string, from, to ApprovalStatus, at time.Time, reason string) (bool, error) {
	res, err := r.q.ExecContext(ctx,
		`UPDATE registrations SET status = ?, decided_at = ?, decline_reason = ?
		 WHERE slot_id = ? AND user_key = ? AND status = ?`,
		string(to), formatTime(at), reason, slotID, normalizeUserKey(userKey), string(from))
	if err != nil {
		return false, fmt.Errorf("failed to transition registration: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SetApprovalRequest attaches a supervisor and a fresh approval token to a registration
func (r *SQLiteRepository) SetApprovalRequest(ctx context.Context, slotID int64, userKey, name, email, token string, expiresAt, requestedAt time.Time) error {
	return r.execOne(ctx, "set approval request",
		`UPDATE registrations SET supervisor_name = ?, supervisor_email = ?, approval_token = ?,
			token_expires_at = ?, last_request_at = ?, warning_sent_at = NULL
		 WHERE slot_id = ? AND user_key = ?`,
		name, email, nullString(token), formatTime(expiresAt), formatTime(requestedAt),
		slotID, normalizeUserKey(userKey))
}

// MarkRequestSent stamps the last supervisor request time
func (r *SQLiteRepository) MarkRequestSent(ctx context.Context, slotID int64, userKey string, at time.Time) error {
	return r.execOne(ctx, "mark request sent",
		`UPDATE registrations SET last_request_at = ? WHERE slot_id = ? AND user_key = ?`,
		formatTime(at), slotID, normalizeUserKey(userKey))
}

// MarkWarningSent stamps the expiration warning time
func (r *SQLiteRepository) MarkWarningSent(ctx context.Context, slotID int64, userKey string, at time.Time) error {
	return r.execOne(ctx, "mark warning sent",
		`UPDATE registrations SET warning_sent_at = ? WHERE slot_id = ? AND user_key = ?`,
		formatTime(at), slotID, normalizeUserKey(userKey))
}

// ListExpiredPending returns PENDING registrations whose approval token has expired
func (r *SQLiteRepository) ListExpiredPending(ctx context.Context, now time.Time) ([]Registration, error) {
	return r.queryRegistrations(ctx,
		`SELECT `+registrationColumns+` FROM registrations
		 WHERE status = 'PENDING' AND token_expires_at IS NOT NULL AND token_expires_at < ?
		 ORDER BY token_expires_at`, formatTime(now))
}

// ListPendingRequests returns PENDING registrations with a live approval token
func (r *SQLiteRepository) ListPendingRequests(ctx context.Context, now time.Time) ([]Registration, error) {
	return r.queryRegistrations(ctx,
		`SELECT `+registrationColumns+` FROM registrations
		 WHERE status = 'PENDING' AND approval_token IS NOT NULL AND token_expires_at >= ?
		 ORDER BY registered_at`, formatTime(now))
}

const entryColumns = `slot_id, user_key, degree, topic, supervisor_name, supervisor_email, position,
	added_at, promotion_token, offered_at, offer_expires_at`

func scanEntry(row scanner) (*WaitingListEntry, error) {
	var e WaitingListEntry
	var degree string
	var added, token, offered, expires sql.NullString
	err := row.Scan(&e.SlotID, &e.UserKey, &degree, &e.Topic, &e.SupervisorName, &e.SupervisorEmail,
		&e.Position, &added, &token, &offered, &expires)
	if err != nil {
		return nil, err
	}
	e.Degree = Degree(degree)
	e.AddedAt = parseTime(added)
	e.PromotionToken = token.String
	e.OfferedAt = parseTime(offered)
	e.OfferExpiresAt = parseTime(expires)
	return &e, nil
}

func (r *SQLiteRepository) queryEntry(ctx context.Context, query string, args ...any) (*WaitingListEntry, error) {
	e, err := scanEntry(r.q.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get waiting list entry: %w", err)
	}
	return e, nil
}

// GetEntry returns the waiting-list entry for (slot, user)
func (r *SQLiteRepository) GetEntry(ctx context.Context, slotID int64, userKey string) (*WaitingListEntry, error) {
	return r.queryEntry(ctx, `SELECT `+entryColumns+` FROM waiting_list WHERE slot_id = ? AND user_key = ?`,
		slotID, normalizeUserKey(userKey))
}

// GetEntryByUser returns the single waiting-list entry of a user, if any
func (r *SQLiteRepository) GetEntryByUser(ctx context.Context, userKey string) (*WaitingListEntry, error) {
	return r.queryEntry(ctx, `SELECT `+entryColumns+` FROM waiting_list WHERE user_key = ?`,
		normalizeUserKey(userKey))
}

// ListEntries returns the waiting list of a slot ordered by position
func (r *SQLiteRepository) ListEntries(ctx context.Context, slotID int64) ([]WaitingListEntry, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM waiting_list WHERE slot_id = ? ORDER BY position`, slotID)
	if err != nil {
		return nil, fmt.Errorf("failed to list waiting list: %w", err)
	}
	defer rows.Close()

	var entries []WaitingListEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan waiting list entry: %w", err)
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// InsertEntry appends an entry; a user already queued anywhere yields ErrConflict
func (r *SQLiteRepository) InsertEntry(ctx context.Context, e WaitingListEntry) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO waiting_list (`+entryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.SlotID, normalizeUserKey(e.UserKey), string(e.Degree), e.Topic, e.SupervisorName, e.SupervisorEmail,
		e.Position, formatTime(e.AddedAt), nullString(e.PromotionToken), formatTime(e.OfferedAt),
		formatTime(e.OfferExpiresAt))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to insert waiting list entry: %w", err)
	}
	return nil
}

// DeleteEntry removes an entry and returns the position it held
func (r *SQLiteRepository) DeleteEntry(ctx context.Context, slotID int64, userKey string) (int, bool, error) {
	var position int
	err := r.q.QueryRowContext(ctx,
		`DELETE FROM waiting_list WHERE slot_id = ? AND user_key = ? RETURNING position`,
		slotID, normalizeUserKey(userKey)).Scan(&position)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to delete waiting list entry: %w", err)
	}
	return position, true, nil
}

// DecrementPositionsAfter closes the gap left by a removed entry
func (r *SQLiteRepository) DecrementPositionsAfter(ctx context.Context, slotID int64, position int) error {
	_, err := r.q.ExecContext(ctx,
		`UPDATE waiting_list SET position = position - 1 WHERE slot_id = ? AND position > ?`, slotID, position)
	if err != nil {
		return fmt.Errorf("failed to renumber waiting list: %w", err)
	}
	return nil
}

// SetOffer stamps a promotion offer on an entry
func (r *SQLiteRepository) SetOffer(ctx context.Context, slotID int64, userKey, token string, offeredAt, expiresAt time.Time) error {
	return r.execOne(ctx, "set offer",
		`UPDATE waiting_list SET promotion_token = ?, offered_at = ?, offer_expires_at = ?
		 WHERE slot_id = ? AND user_key = ?`,
		nullString(token), formatTime(offeredAt), formatTime(expiresAt), slotID, normalizeUserKey(userKey))
}

const promotionColumns = `id, slot_id, user_key, token, offered_at, expires_at, status, approval_status, decided_at`

func scanPromotion(row scanner) (*Promotion, error) {
	var p Promotion
	var status, approval string
	var offered, expires, decided sql.NullString
	if err := row.Scan(&p.ID, &p.SlotID, &p.UserKey, &p.Token, &offered, &expires, &status, &approval, &decided); err != nil {
		return nil, err
	}
	p.OfferedAt = parseTime(offered)
	p.ExpiresAt = parseTime(expires)
	p.Status = OfferStatus(status)
	p.ApprovalStatus = ApprovalStatus(approval)
	p.DecidedAt = parseTime(decided)
	return &p, nil
}

// InsertPromotion records a new offer
func (r *SQLiteRepository) InsertPromotion(ctx context.Context, p Promotion) (int64, error) {
	res, err := r.q.ExecContext(ctx,
		`INSERT INTO promotions (slot_id, user_key, token, offered_at, expires_at, status, approval_status)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.SlotID, normalizeUserKey(p.UserKey), p.Token, formatTime(p.OfferedAt), formatTime(p.ExpiresAt),
		string(p.Status), string(p.ApprovalStatus))
	if err != nil {
		return 0, fmt.Errorf("failed to insert promotion: %w", err)
	}
	return res.LastInsertId()
}

// GetPromotionByToken returns the promotion for an offer token
func (r *SQLiteRepository) GetPromotionByToken(ctx context.Context, token string) (*Promotion, error) {
	p, err := scanPromotion(r.q.QueryRowContext(ctx,
		`SELECT `+promotionColumns+` FROM promotions WHERE token = ?`, token))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get promotion: %w", err)
	}
	return p, nil
}

// TransitionPromotion moves an offer from one status to another, reporting false if it was not in from
func (r *SQLiteRepository) TransitionPromotion(ctx context.Context, token string, from, to OfferStatus, at time.Time) (bool, error) {
	res, err := r.q.ExecContext(ctx,
		`UPDATE promotions SET status = ?, decided_at = ? WHERE token = ? AND status = ?`,
		string(to), formatTime(at), token, string(from))
	if err != nil {
		return false, fmt.Errorf("failed to transition promotion: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SetPromotionApproval records the supervisor outcome on the confirmed promotion of (slot, user)
func (r *SQLiteRepository) SetPromotionApproval(ctx context.Context, slotID int64, userKey string, status ApprovalStatus, at time.Time) (bool, error) {
	res, err := r.q.ExecContext(ctx,
		`UPDATE promotions SET approval_status = ?, decided_at = ?
		 WHERE slot_id = ? AND user_key = ? AND status = 'CONFIRMED' AND approval_status = 'PENDING'`,
		string(status), formatTime(at), slotID, normalizeUserKey(userKey))
	if err != nil {
		return false, fmt.Errorf("failed to update promotion approval: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListExpiredOffers returns open offers past their window
func (r *SQLiteRepository) ListExpiredOffers(ctx context.Context, now time.Time) ([]Promotion, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+promotionColumns+` FROM promotions WHERE status = 'OFFERED' AND expires_at < ? ORDER BY expires_at`,
		formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("failed to list expired offers: %w", err)
	}
	defer rows.Close()

	var out []Promotion
	for rows.Next() {
		p, err := scanPromotion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan promotion: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// EnqueueOutbox stores a notification for the dispatcher
func (r *SQLiteRepository) EnqueueOutbox(ctx context.Context, m OutboxMessage) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO outbox (id, kind, channel, recipient, chat_id, subject, body, link, dedup_key, attempts, next_attempt_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		m.ID, string(m.Kind), string(m.Channel), m.Recipient, m.ChatID, m.Subject, m.Body, m.Link, m.DedupKey,
		formatTime(m.NextAttemptAt), formatTime(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to enqueue notification: %w", err)
	}
	return nil
}

// ListDueOutbox returns pending notifications whose next attempt is due
func (r *SQLiteRepository) ListDueOutbox(ctx context.Context, now time.Time, limit int) ([]OutboxMessage, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT id, kind, channel, recipient, chat_id, subject, body, link, dedup_key, attempts, next_attempt_at, created_at
		 FROM outbox WHERE state = 'PENDING' AND next_attempt_at <= ? ORDER BY next_attempt_at LIMIT ?`,
		formatTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list outbox: %w", err)
	}
	defer rows.Close()

	var out []OutboxMessage
	for rows.Next() {
		var m OutboxMessage
		var kind, channel string
		var next, created sql.NullString
		if err := rows.Scan(&m.ID, &kind, &channel, &m.Recipient, &m.ChatID, &m.Subject, &m.Body, &m.Link,
			&m.DedupKey, &m.Attempts, &next, &created); err != nil {
			return nil, fmt.Errorf("failed to scan outbox: %w", err)
		}
		m.Kind = NotificationKind(kind)
		m.Channel = Channel(channel)
		m.NextAttemptAt = parseTime(next)
		m.CreatedAt = parseTime(created)
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkOutboxSent marks a notification delivered
func (r *SQLiteRepository) MarkOutboxSent(ctx context.Context, id string, at time.Time) error {
	return r.execOne(ctx, "mark outbox sent",
		`UPDATE outbox SET state = 'SENT', sent_at = ?, attempts = attempts + 1 WHERE id = ?`, formatTime(at), id)
}

// MarkOutboxFailed records a failed attempt; dead messages are not retried
func (r *SQLiteRepository) MarkOutboxFailed(ctx context.Context, id string, attempts int, next time.Time, lastErr string, dead bool) error {
	state := "PENDING"
	if dead {
		state = "FAILED"
	}
	return r.execOne(ctx, "mark outbox failed",
		`UPDATE outbox SET state = ?, attempts = ?, next_attempt_at = ?, last_error = ? WHERE id = ?`,
		state, attempts, formatTime(next), lastErr, id)
}

// execOne runs an update that must touch exactly one row
func (r *SQLiteRepository) execOne(ctx context.Context, what, query string, args ...any) error {
	res, err := r.q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", what, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to %s: %w", what, err)
	}
	if n == 0 {
		return fmt.Errorf("failed to %s: %w", what, ErrNotFound)
	}
	return nil
}

// normalizeUserKey makes user lookups case-insensitive
func normalizeUserKey(key string) string {
	return strings.ToLower(strings.TrimSpace(strings.TrimPrefix(key, "@")))
}
