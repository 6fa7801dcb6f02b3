package main

import (
	"strings"
	"time"
)

// Degree is the weight class of a presenter.
type Degree string

const (
	DegreePhD Degree = "PhD"
	DegreeMSc Degree = "MSc"
)

// ParseDegree accepts "phd"/"msc" in any case.
func ParseDegree(s string) (Degree, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "phd":
		return DegreePhD, true
	case "msc":
		return DegreeMSc, true
	}
	return "", false
}

// ApprovalStatus is the supervisor approval state of a registration.
type ApprovalStatus string

const (
	StatusPending  ApprovalStatus = "PENDING"
	StatusApproved ApprovalStatus = "APPROVED"
	StatusDeclined ApprovalStatus = "DECLINED"
	StatusExpired  ApprovalStatus = "EXPIRED"
)

// IsActive reports whether the status consumes slot capacity.
func (s ApprovalStatus) IsActive() bool {
	return s == StatusPending || s == StatusApproved
}

// SlotStatus is derived from the effective occupancy of a slot.
type SlotStatus string

const (
	SlotFree SlotStatus = "FREE"
	SlotSemi SlotStatus = "SEMI"
	SlotFull SlotStatus = "FULL"
)

// OfferStatus tracks the presenter side of a waiting-list promotion.
type OfferStatus string

const (
	OfferOpen      OfferStatus = "OFFERED"
	OfferConfirmed OfferStatus = "CONFIRMED"
	OfferDeclined  OfferStatus = "DECLINED"
	OfferExpired   OfferStatus = "EXPIRED"
	OfferVoided    OfferStatus = "VOIDED"
)

// User represents a presenter known to the system.
type User struct {
	Key             string // Key is the lowercased username.
	Name            string // Name is the display name.
	Degree          Degree // Degree is empty until the user sets it.
	ChatID          int64  // ChatID is the telegram chat for push notifications, 0 if unknown.
	SupervisorName  string // SupervisorName is the stored default supervisor.
	SupervisorEmail string // SupervisorEmail is the stored default supervisor email.
}

// Slot represents a bookable seminar slot.
type Slot struct {
	ID        int64      // ID is the unique identifier for the slot.
	Date      time.Time  // Date is the calendar day of the slot.
	StartTime string     // StartTime is "HH:MM".
	EndTime   string     // EndTime is "HH:MM".
	Location  string     // Location is the room or building.
	Capacity  int        // Capacity is measured in weight units.
	Status    SlotStatus // Status is recomputed after every change of its registrations.
}

// Registration binds a presenter to a slot.
type Registration struct {
	SlotID          int64
	UserKey         string
	Degree          Degree
	Topic           string
	SupervisorName  string
	SupervisorEmail string
	Status          ApprovalStatus
	ApprovalToken   string    // ApprovalToken is empty until a supervisor email is known.
	TokenExpiresAt  time.Time // TokenExpiresAt bounds redemption of ApprovalToken.
	RegisteredAt    time.Time
	DecidedAt       time.Time // DecidedAt is stamped on approve, decline or expiry.
	DeclineReason   string
	LastRequestAt   time.Time // LastRequestAt is when the supervisor was last asked.
	WarningSentAt   time.Time // WarningSentAt is set once the expiration warning went out.
}

// WaitingListEntry is a queued presenter for a slot.
type WaitingListEntry struct {
	SlotID          int64
	UserKey         string
	Degree          Degree
	Topic           string
	SupervisorName  string
	SupervisorEmail string
	Position        int // Position is 1-based and dense within a slot.
	AddedAt         time.Time
	PromotionToken  string    // PromotionToken is set while an offer is open.
	OfferedAt       time.Time // OfferedAt is when the current offer was issued.
	OfferExpiresAt  time.Time
}

// HasOpenOffer reports whether the entry holds an unexpired promotion offer.
func (e WaitingListEntry) HasOpenOffer(now time.Time) bool {
	return e.PromotionToken != "" && !now.After(e.OfferExpiresAt)
}

// Promotion records one offer made to a waiting-list entry and what became of it.
type Promotion struct {
	ID             int64
	SlotID         int64
	UserKey        string
	Token          string
	OfferedAt      time.Time
	ExpiresAt      time.Time
	Status         OfferStatus
	ApprovalStatus ApprovalStatus // ApprovalStatus mirrors the registration created on confirm.
	DecidedAt      time.Time
}

// Channel is the delivery route of a notification.
type Channel string

const (
	ChannelTelegram Channel = "telegram"
	ChannelEmail    Channel = "email"
)

// NotificationKind names the reason a notification was requested.
type NotificationKind string

const (
	KindApprovalRequest   NotificationKind = "approval_request"
	KindApprovalReminder  NotificationKind = "approval_reminder"
	KindPromotionOffer    NotificationKind = "promotion_offer"
	KindApproved          NotificationKind = "registration_approved"
	KindDeclined          NotificationKind = "registration_declined"
	KindExpired           NotificationKind = "registration_expired"
	KindExpirationWarning NotificationKind = "expiration_warning"
	KindWaitlistRemoved   NotificationKind = "waitlist_removed"
	KindPromotionExpired  NotificationKind = "promotion_expired"
	KindUnregistered      NotificationKind = "unregistered"
)

// OutboxMessage is a queued notification.
type OutboxMessage struct {
	ID            string
	Kind          NotificationKind
	Channel       Channel
	Recipient     string // Recipient is an email address or a user key.
	ChatID        int64
	Subject       string
	Body          string
	Link          string // Link is rendered as a QR code on channels that support images.
	DedupKey      string
	Attempts      int
	NextAttemptAt time.Time
	SentAt        time.Time
	LastError     string
	CreatedAt     time.Time
}

// truncateToDate drops the clock part of t in its own location.
func truncateToDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
