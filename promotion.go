package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// PromotionResult is returned by ConfirmPromotion and DeclinePromotion.
type PromotionResult struct {
	Outcome      Outcome
	Repeated     bool
	Promotion    *Promotion
	Registration *Registration // Registration is set when a confirmation created one.
	Cascade      []StepResult
}

func promotionPhase(p *Promotion) tokenPhase {
	switch p.Status {
	case OfferConfirmed:
		return phaseAccepted
	case OfferDeclined:
		return phaseRejected
	case OfferExpired, OfferVoided:
		return phaseExpired
	default:
		return phasePending
	}
}

// closeOffer moves an open offer to status and drops the entry that held it.
func closeOffer(ctx context.Context, tx Repository, p *Promotion, status OfferStatus, now time.Time) (bool, error) {
	ok, err := tx.TransitionPromotion(ctx, p.Token, OfferOpen, status, now)
	if err != nil || !ok {
		return ok, err
	}
	p.Status, p.DecidedAt = status, now
	entry, err := tx.GetEntry(ctx, p.SlotID, p.UserKey)
	if err != nil {
		return false, err
	}
	if entry != nil && entry.PromotionToken == p.Token {
		entry.PromotionToken = ""
		if _, err := removeEntry(ctx, tx, *entry, now); err != nil {
			return false, err
		}
	}
	return true, nil
}

// promotionFlow redeems offer tokens. accept performs the confirmation.
func promotionFlow(accept func(ctx context.Context, tx Repository, p *Promotion, now time.Time) (bool, error)) tokenFlow[Promotion] {
	return tokenFlow[Promotion]{
		lookup: func(ctx context.Context, tx Repository, token string) (*Promotion, error) {
			return tx.GetPromotionByToken(ctx, token)
		},
		tokenOf:   func(p *Promotion) string { return p.Token },
		phase:     promotionPhase,
		expiresAt: func(p *Promotion) time.Time { return p.ExpiresAt },
		expire: func(ctx context.Context, tx Repository, p *Promotion, now time.Time) (bool, error) {
			return closeOffer(ctx, tx, p, OfferExpired, now)
		},
		apply: func(ctx context.Context, tx Repository, p *Promotion, action tokenAction, now time.Time) (bool, error) {
			if action == actionReject {
				return closeOffer(ctx, tx, p, OfferDeclined, now)
			}
			return accept(ctx, tx, p, now)
		},
	}
}

// OfferNextPromotion offers the slot's free capacity to the first eligible
// waiting-list entry. Entries already registered somewhere and entries whose
// degree conflicts with the slot's registrants are removed on the way. It
// reports whether an offer was issued.
func (e *Engine) OfferNextPromotion(ctx context.Context, slotID int64) (bool, error) {
	ctx, span := e.startSpan(ctx, "OfferNextPromotion", attribute.Int64("slot.id", slotID))
	s := e.Settings()
	now := e.clock()
	var offered *WaitingListEntry
	var conflicting, lapsed []WaitingListEntry

	err := e.repo.WithTx(ctx, func(tx Repository) error {
		offered, conflicting, lapsed = nil, nil, nil
		slot, err := tx.GetSlot(ctx, slotID)
		if err != nil || slot == nil {
			return err
		}
		regs, err := tx.ListSlotRegistrations(ctx, slotID)
		if err != nil {
			return err
		}
		occupancy := effectiveOccupancy(regs, s.Weights)
		if occupancy >= slot.Capacity {
			return nil
		}
		entries, err := tx.ListEntries(ctx, slotID)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if entry.HasOpenOffer(now) {
				return nil
			}
		}

		occupants := occupantDegrees(regs)
		for _, entry := range entries {
			if entry.PromotionToken != "" {
				if _, err := tx.TransitionPromotion(ctx, entry.PromotionToken, OfferOpen, OfferExpired, now); err != nil {
					return err
				}
				held := entry
				held.PromotionToken = ""
				if _, err := removeEntry(ctx, tx, held, now); err != nil {
					return err
				}
				lapsed = append(lapsed, entry)
				continue
			}

			mine, err := tx.ListUserRegistrations(ctx, entry.UserKey)
			if err != nil {
				return err
			}
			if hasActiveRegistration(mine) {
				if _, err := removeEntry(ctx, tx, entry, now); err != nil {
					return err
				}
				logInfo(catEngine, "stale waiting list entry removed", "slot", slotID, "user", entry.UserKey)
				continue
			}
			if isExclusivityViolation(entry.Degree, occupants) {
				if _, err := removeEntry(ctx, tx, entry, now); err != nil {
					return err
				}
				conflicting = append(conflicting, entry)
				logInfo(catEngine, "conflicting waiting list entry removed", "slot", slotID, "user", entry.UserKey, "degree", entry.Degree)
				continue
			}
			if occupancy+s.Weights.Of(entry.Degree) > slot.Capacity {
				logDebug(catEngine, "not enough room for next entry", "slot", slotID, "user", entry.UserKey)
				return nil
			}

			token := newToken()
			expires := now.Add(s.PromotionTTL)
			if err := tx.SetOffer(ctx, slotID, entry.UserKey, token, now, expires); err != nil {
				return err
			}
			if _, err := tx.InsertPromotion(ctx, Promotion{
				SlotID:         slotID,
				UserKey:        entry.UserKey,
				Token:          token,
				OfferedAt:      now,
				ExpiresAt:      expires,
				Status:         OfferOpen,
				ApprovalStatus: StatusPending,
			}); err != nil {
				return err
			}
			entry.PromotionToken, entry.OfferedAt, entry.OfferExpiresAt = token, now, expires
			offered = &entry
			return nil
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.End()
		return false, fmt.Errorf("offer next promotion: %w", err)
	}

	after := newCascade("offer-next")
	if offered != nil {
		entry := *offered
		logInfo(catEngine, "promotion offered", "slot", slotID, "user", entry.UserKey, "expires", entry.OfferExpiresAt)
		after.add("notify-offer", func(ctx context.Context) error {
			slot, err := e.repo.GetSlot(ctx, slotID)
			if err != nil {
				return err
			}
			body := fmt.Sprintf("A place opened up in %s. Confirm by %s to take it; your supervisor will then be asked to approve.\n"+
				"Confirm: %s\nNo thanks: %s",
				describeSlot(slot), entry.OfferExpiresAt.Format("02.01.2006 15:04"),
				s.link("confirm", entry.PromotionToken), s.link("reject", entry.PromotionToken))
			return e.notifyUser(ctx, entry.UserKey, KindPromotionOffer, body,
				s.link("confirm", entry.PromotionToken), "offer:"+entry.PromotionToken)
		})
	}
	for _, entry := range conflicting {
		after.add("notify-removed", func(ctx context.Context) error {
			body := fmt.Sprintf("You were removed from the waiting list of seminar slot #%d: it now hosts presenters of another degree.", entry.SlotID)
			return e.notifyUser(ctx, entry.UserKey, KindWaitlistRemoved, body, "",
				fmt.Sprintf("conflict:%d:%s:%d", entry.SlotID, entry.UserKey, now.Unix()))
		})
	}
	for _, entry := range lapsed {
		after.add("notify-lapsed", func(ctx context.Context) error {
			return e.notifyOfferExpired(ctx, entry.UserKey, entry.SlotID, entry.PromotionToken)
		})
	}
	after.run(ctx)

	span.SetAttributes(attribute.Bool("offered", offered != nil))
	span.End()
	return offered != nil, nil
}

func hasActiveRegistration(regs []Registration) bool {
	for _, r := range regs {
		if r.Status.IsActive() {
			return true
		}
	}
	return false
}

// ConfirmPromotion accepts an offer: the entry becomes a PENDING registration
// and the supervisor is asked for approval. Room and exclusivity are checked
// again; when they no longer hold the entry is dropped and NO_ROOM returned.
func (e *Engine) ConfirmPromotion(ctx context.Context, token string) (PromotionResult, error) {
	ctx, span := e.startSpan(ctx, "ConfirmPromotion")
	s := e.Settings()
	now := e.clock()

	var outcome Outcome
	var created *Registration
	accept := func(ctx context.Context, tx Repository, p *Promotion, now time.Time) (bool, error) {
		outcome, created = "", nil
		entry, err := tx.GetEntry(ctx, p.SlotID, p.UserKey)
		if err != nil {
			return false, err
		}
		if entry == nil || entry.PromotionToken != p.Token {
			outcome = OutcomeStateConflict
			return closeOffer(ctx, tx, p, OfferVoided, now)
		}
		// The user may have registered elsewhere while the offer was open.
		mine, err := tx.ListUserRegistrations(ctx, p.UserKey)
		if err != nil {
			return false, err
		}
		approved, pending := countUserRegistrations(mine, now)
		limits := s.limitsFor(entry.Degree)
		switch {
		case approved >= limits.Approved:
			outcome = OutcomeRegistrationLimit
			return closeOffer(ctx, tx, p, OfferVoided, now)
		case pending >= limits.Pending:
			outcome = OutcomePendingLimit
			return closeOffer(ctx, tx, p, OfferVoided, now)
		}

		slot, err := tx.GetSlot(ctx, p.SlotID)
		if err != nil {
			return false, err
		}
		regs, err := tx.ListSlotRegistrations(ctx, p.SlotID)
		if err != nil {
			return false, err
		}
		if slot == nil || isExclusivityViolation(entry.Degree, occupantDegrees(regs)) ||
			!hasCapacity(*slot, regs, s.Weights.Of(entry.Degree), s.Weights) {
			outcome = OutcomeNoRoom
			return closeOffer(ctx, tx, p, OfferVoided, now)
		}

		ok, err := tx.TransitionPromotion(ctx, p.Token, OfferOpen, OfferConfirmed, now)
		if err != nil || !ok {
			return ok, err
		}
		p.Status, p.DecidedAt = OfferConfirmed, now
		entry.PromotionToken = ""
		if _, err := removeEntry(ctx, tx, *entry, now); err != nil {
			return false, err
		}

		reg := Registration{
			SlotID:          entry.SlotID,
			UserKey:         entry.UserKey,
			Degree:          entry.Degree,
			Topic:           entry.Topic,
			SupervisorName:  entry.SupervisorName,
			SupervisorEmail: entry.SupervisorEmail,
			Status:          StatusPending,
			RegisteredAt:    now,
		}
		if reg.SupervisorEmail != "" {
			reg.ApprovalToken = newToken()
			reg.TokenExpiresAt = now.Add(s.ApprovalTTL)
			reg.LastRequestAt = now
		}
		if err := tx.SaveRegistration(ctx, reg); err != nil {
			if errors.Is(err, ErrConflict) {
				return false, fmt.Errorf("registration for slot %d already active: %w", reg.SlotID, err)
			}
			return false, err
		}
		if err := e.refreshSlot(ctx, tx, reg.SlotID, s.Weights); err != nil {
			return false, err
		}
		outcome = OutcomeConfirmed
		created = &reg
		return true, nil
	}

	var red redemption[Promotion]
	err := e.repo.WithTx(ctx, func(tx Repository) error {
		var err error
		red, err = promotionFlow(accept).redeem(ctx, tx, token, actionAccept, now)
		return err
	})
	if err != nil {
		e.finish(ctx, span, "confirm_promotion", "", err)
		return PromotionResult{}, fmt.Errorf("confirm promotion: %w", err)
	}

	res := PromotionResult{Promotion: red.subject}
	after := newCascade("confirm-promotion")
	switch red.result {
	case redeemNotFound:
		res.Outcome = OutcomeNotFound
	case redeemInvalid:
		res.Outcome = OutcomeTokenInvalid
	case redeemConflict:
		res.Outcome = OutcomeStateConflict
	case redeemRepeated:
		res.Outcome = OutcomeConfirmed
		res.Repeated = true
	case redeemExpired:
		res.Outcome = OutcomeTokenExpired
		if red.expired {
			e.addOfferClosedSteps(after, *red.subject)
		}
	case redeemApplied:
		res.Outcome = outcome
		switch outcome {
		case OutcomeConfirmed:
			reg := *created
			res.Registration = created
			logInfo(catEngine, "promotion confirmed", "slot", reg.SlotID, "user", reg.UserKey)
			after.add("request-approval", func(ctx context.Context) error {
				return e.requestApproval(ctx, reg, KindApprovalRequest)
			})
		case OutcomeNoRoom, OutcomeStateConflict, OutcomeRegistrationLimit, OutcomePendingLimit:
			p := *red.subject
			logInfo(catEngine, "promotion voided on confirm", "slot", p.SlotID, "user", p.UserKey, "outcome", outcome)
			body := fmt.Sprintf("Sorry, seminar slot #%d can no longer take you, so your waiting list place was released.", p.SlotID)
			if outcome == OutcomeRegistrationLimit || outcome == OutcomePendingLimit {
				body = fmt.Sprintf("You already hold as many registrations as allowed, so your place on the waiting list of seminar slot #%d was released.", p.SlotID)
			}
			after.add("offer-next", func(ctx context.Context) error {
				_, err := e.OfferNextPromotion(ctx, p.SlotID)
				return err
			})
			after.add("notify-presenter", func(ctx context.Context) error {
				return e.notifyUser(ctx, p.UserKey, KindWaitlistRemoved, body, "", "voided:"+p.Token)
			})
		}
	}
	res.Cascade = after.run(ctx)
	e.finish(ctx, span, "confirm_promotion", res.Outcome, nil)
	return res, nil
}

// DeclinePromotion turns an offer down; the next entry is offered the place.
func (e *Engine) DeclinePromotion(ctx context.Context, token string) (PromotionResult, error) {
	ctx, span := e.startSpan(ctx, "DeclinePromotion")
	now := e.clock()
	noAccept := func(context.Context, Repository, *Promotion, time.Time) (bool, error) {
		return false, errors.New("accept is not reachable when declining")
	}

	var red redemption[Promotion]
	err := e.repo.WithTx(ctx, func(tx Repository) error {
		var err error
		red, err = promotionFlow(noAccept).redeem(ctx, tx, token, actionReject, now)
		return err
	})
	if err != nil {
		e.finish(ctx, span, "decline_promotion", "", err)
		return PromotionResult{}, fmt.Errorf("decline promotion: %w", err)
	}

	res := PromotionResult{Promotion: red.subject}
	after := newCascade("decline-promotion")
	switch red.result {
	case redeemNotFound:
		res.Outcome = OutcomeNotFound
	case redeemInvalid:
		res.Outcome = OutcomeTokenInvalid
	case redeemConflict:
		res.Outcome = OutcomeStateConflict
	case redeemRepeated:
		res.Outcome = OutcomeDeclined
		res.Repeated = true
	case redeemExpired:
		res.Outcome = OutcomeTokenExpired
		if red.expired {
			e.addOfferClosedSteps(after, *red.subject)
		}
	case redeemApplied:
		res.Outcome = OutcomeDeclined
		p := *red.subject
		logInfo(catEngine, "promotion declined", "slot", p.SlotID, "user", p.UserKey)
		after.add("offer-next", func(ctx context.Context) error {
			_, err := e.OfferNextPromotion(ctx, p.SlotID)
			return err
		})
	}
	res.Cascade = after.run(ctx)
	e.finish(ctx, span, "decline_promotion", res.Outcome, nil)
	return res, nil
}

// expireOffer closes a lapsed offer found by the sweep.
func (e *Engine) expireOffer(ctx context.Context, p Promotion) (bool, error) {
	now := e.clock()
	var ok bool
	err := e.repo.WithTx(ctx, func(tx Repository) error {
		current, err := tx.GetPromotionByToken(ctx, p.Token)
		if err != nil || current == nil {
			return err
		}
		if current.Status != OfferOpen || !now.After(current.ExpiresAt) {
			return nil
		}
		ok, err = closeOffer(ctx, tx, current, OfferExpired, now)
		return err
	})
	if err != nil || !ok {
		return false, err
	}
	after := newCascade("expire-offer")
	e.addOfferClosedSteps(after, p)
	after.run(ctx)
	return true, nil
}

func (e *Engine) addOfferClosedSteps(c *cascade, p Promotion) {
	c.add("offer-next", func(ctx context.Context) error {
		_, err := e.OfferNextPromotion(ctx, p.SlotID)
		return err
	})
	c.add("notify-presenter", func(ctx context.Context) error {
		return e.notifyOfferExpired(ctx, p.UserKey, p.SlotID, p.Token)
	})
}

func (e *Engine) notifyOfferExpired(ctx context.Context, userKey string, slotID int64, token string) error {
	body := fmt.Sprintf("Your offer for seminar slot #%d expired and the place moved on to the next presenter.", slotID)
	return e.notifyUser(ctx, userKey, KindPromotionExpired, body, "", "offer_expired:"+token)
}
