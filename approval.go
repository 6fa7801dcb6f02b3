package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// errApprovedLimit rolls back an approval that would exceed the user's approved ceiling.
var errApprovedLimit = errors.New("approved registration limit reached")

// ApprovalResult is returned by the supervisor redemption operations.
type ApprovalResult struct {
	Outcome      Outcome
	Repeated     bool // Repeated is true when the same action had already been applied.
	Registration *Registration
	Cascade      []StepResult
}

func registrationPhase(r *Registration) tokenPhase {
	switch r.Status {
	case StatusApproved:
		return phaseAccepted
	case StatusDeclined:
		return phaseRejected
	case StatusExpired:
		return phaseExpired
	default:
		return phasePending
	}
}

// approvalFlow redeems supervisor approval tokens. lookup decides how the
// registration is found; the token is always re-checked against the row.
func (e *Engine) approvalFlow(lookup func(ctx context.Context, tx Repository, token string) (*Registration, error), reason string) tokenFlow[Registration] {
	return tokenFlow[Registration]{
		lookup:    lookup,
		tokenOf:   func(r *Registration) string { return r.ApprovalToken },
		phase:     registrationPhase,
		expiresAt: func(r *Registration) time.Time { return r.TokenExpiresAt },
		expire: func(ctx context.Context, tx Repository, r *Registration, now time.Time) (bool, error) {
			ok, err := tx.TransitionRegistration(ctx, r.SlotID, r.UserKey, StatusPending, StatusExpired, now, "")
			if ok {
				r.Status, r.DecidedAt = StatusExpired, now
			}
			return ok, err
		},
		apply: func(ctx context.Context, tx Repository, r *Registration, action tokenAction, now time.Time) (bool, error) {
			to, why := StatusApproved, ""
			if action == actionReject {
				to, why = StatusDeclined, reason
			}
			ok, err := tx.TransitionRegistration(ctx, r.SlotID, r.UserKey, StatusPending, to, now, why)
			if ok {
				r.Status, r.DecidedAt, r.DeclineReason = to, now, why
			}
			return ok, err
		},
	}
}

func lookupByApprovalToken(ctx context.Context, tx Repository, token string) (*Registration, error) {
	return tx.GetRegistrationByToken(ctx, token)
}

// ApproveByToken approves the registration holding token.
func (e *Engine) ApproveByToken(ctx context.Context, token string) (ApprovalResult, error) {
	return e.redeemApproval(ctx, "approve", e.approvalFlow(lookupByApprovalToken, ""), token, actionAccept)
}

// DeclineByToken declines the registration holding token.
func (e *Engine) DeclineByToken(ctx context.Context, token, reason string) (ApprovalResult, error) {
	return e.redeemApproval(ctx, "decline", e.approvalFlow(lookupByApprovalToken, strings.TrimSpace(reason)), token, actionReject)
}

// RedeemByKey is the older link format that names the slot and user next to
// the token. The row is found by key and the token must still match it.
func (e *Engine) RedeemByKey(ctx context.Context, slotID int64, userKey, token string, approve bool, reason string) (ApprovalResult, error) {
	lookup := func(ctx context.Context, tx Repository, _ string) (*Registration, error) {
		return tx.GetRegistration(ctx, slotID, userKey)
	}
	if approve {
		return e.redeemApproval(ctx, "approve_by_key", e.approvalFlow(lookup, ""), token, actionAccept)
	}
	return e.redeemApproval(ctx, "decline_by_key", e.approvalFlow(lookup, strings.TrimSpace(reason)), token, actionReject)
}

func (e *Engine) redeemApproval(ctx context.Context, op string, flow tokenFlow[Registration], token string, action tokenAction) (ApprovalResult, error) {
	ctx, span := e.startSpan(ctx, op)
	s := e.Settings()
	now := e.clock()
	var red redemption[Registration]
	var freed []int64

	err := e.repo.WithTx(ctx, func(tx Repository) error {
		var err error
		freed = nil
		red, err = flow.redeem(ctx, tx, token, action, now)
		if err != nil {
			return err
		}
		if red.result == redeemApplied && action == actionAccept {
			if freed, err = e.settleApproval(ctx, tx, *red.subject, s, now); err != nil {
				return err
			}
		}
		if red.result == redeemApplied || red.expired {
			return e.refreshSlot(ctx, tx, red.subject.SlotID, s.Weights)
		}
		return nil
	})
	if errors.Is(err, errApprovedLimit) {
		reg := red.subject
		reg.Status, reg.DecidedAt = StatusPending, time.Time{}
		logInfo(catEngine, "approval refused, user at approved limit", "slot", reg.SlotID, "user", reg.UserKey)
		res := ApprovalResult{Outcome: OutcomeRegistrationLimit, Registration: reg}
		e.finish(ctx, span, op, res.Outcome, nil)
		return res, nil
	}
	if err != nil {
		e.finish(ctx, span, op, "", err)
		return ApprovalResult{}, fmt.Errorf("%s: %w", op, err)
	}

	res := ApprovalResult{Registration: red.subject}
	switch red.result {
	case redeemNotFound:
		res.Outcome = OutcomeNotFound
	case redeemInvalid:
		res.Outcome = OutcomeTokenInvalid
		res.Registration = nil
	case redeemExpired:
		res.Outcome = OutcomeTokenExpired
		if red.expired {
			res.Cascade = e.registrationClosed(*red.subject, StatusExpired).run(ctx)
		}
	case redeemConflict:
		res.Outcome = OutcomeStateConflict
	case redeemApplied, redeemRepeated:
		res.Outcome = OutcomeApproved
		if action == actionReject {
			res.Outcome = OutcomeDeclined
		}
		res.Repeated = red.result == redeemRepeated
		if red.result == redeemApplied {
			reg := *red.subject
			logInfo(catEngine, "registration decided", "slot", reg.SlotID, "user", reg.UserKey, "status", reg.Status)
			if action == actionAccept {
				res.Cascade = e.approvedCascade(reg, freed).run(ctx)
			} else {
				res.Cascade = e.registrationClosed(reg, StatusDeclined).run(ctx)
			}
		}
	}
	if red.subject != nil {
		span.SetAttributes(attribute.Int64("slot.id", red.subject.SlotID), attribute.String("user", red.subject.UserKey))
	}
	e.finish(ctx, span, op, res.Outcome, nil)
	return res, nil
}

// settleApproval runs in the approving transaction: it refuses an approval
// beyond the user's approved ceiling, withdraws the user's other PENDING
// registrations and takes them off the waiting list. The promotion that
// produced the registration, if any, is marked approved. It returns the slots
// whose capacity or open offer was released.
func (e *Engine) settleApproval(ctx context.Context, tx Repository, reg Registration, s Settings, now time.Time) ([]int64, error) {
	mine, err := tx.ListUserRegistrations(ctx, reg.UserKey)
	if err != nil {
		return nil, err
	}
	approved := 0
	for _, r := range mine {
		if r.Status == StatusApproved {
			approved++
		}
	}
	if approved > s.limitsFor(reg.Degree).Approved {
		return nil, errApprovedLimit
	}
	if _, err := tx.SetPromotionApproval(ctx, reg.SlotID, reg.UserKey, StatusApproved, now); err != nil {
		return nil, err
	}

	var freed []int64
	for _, other := range mine {
		if other.SlotID == reg.SlotID || other.Status != StatusPending {
			continue
		}
		if err := tx.DeleteRegistration(ctx, other.SlotID, other.UserKey); err != nil {
			return nil, err
		}
		if _, err := tx.SetPromotionApproval(ctx, other.SlotID, other.UserKey, StatusDeclined, now); err != nil {
			return nil, err
		}
		if err := e.refreshSlot(ctx, tx, other.SlotID, s.Weights); err != nil {
			return nil, err
		}
		freed = append(freed, other.SlotID)
		logInfo(catEngine, "other pending registration cancelled", "user", reg.UserKey, "slot", other.SlotID)
	}

	entry, err := tx.GetEntryByUser(ctx, reg.UserKey)
	if err != nil || entry == nil {
		return freed, err
	}
	if entry.HasOpenOffer(now) {
		freed = append(freed, entry.SlotID)
	}
	if _, err := removeEntry(ctx, tx, *entry, now); err != nil {
		return nil, err
	}
	return freed, nil
}

// approvedCascade re-offers the slots released by the approval and tells the presenter.
func (e *Engine) approvedCascade(reg Registration, freed []int64) *cascade {
	c := newCascade("approve")
	c.add("offer-freed-slots", func(ctx context.Context) error {
		for _, slotID := range freed {
			if _, err := e.OfferNextPromotion(ctx, slotID); err != nil {
				return err
			}
		}
		return nil
	})
	c.add("notify-presenter", func(ctx context.Context) error {
		slot, err := e.repo.GetSlot(ctx, reg.SlotID)
		if err != nil {
			return err
		}
		body := fmt.Sprintf("Your supervisor approved your registration for %s. See you there!", describeSlot(slot))
		return e.notifyUser(ctx, reg.UserKey, KindApproved, body, "", "approved:"+reg.ApprovalToken)
	})
	return c
}

// registrationClosed runs after a registration was declined or expired: the
// freed capacity goes to the waiting list and the presenter is told.
func (e *Engine) registrationClosed(reg Registration, status ApprovalStatus) *cascade {
	c := newCascade(strings.ToLower(string(status)))
	c.add("mark-promotion", func(ctx context.Context) error {
		_, err := e.repo.SetPromotionApproval(ctx, reg.SlotID, reg.UserKey, status, e.clock())
		return err
	})
	c.add("offer-next", func(ctx context.Context) error {
		_, err := e.OfferNextPromotion(ctx, reg.SlotID)
		return err
	})
	c.add("notify-presenter", func(ctx context.Context) error {
		slot, err := e.repo.GetSlot(ctx, reg.SlotID)
		if err != nil {
			return err
		}
		kind := KindDeclined
		body := fmt.Sprintf("Your supervisor declined your registration for %s.", describeSlot(slot))
		if reg.DeclineReason != "" {
			body += " Reason: " + reg.DeclineReason
		}
		if status == StatusExpired {
			kind = KindExpired
			body = fmt.Sprintf("The approval request for %s expired before your supervisor answered. You may register again.", describeSlot(slot))
		}
		return e.notifyUser(ctx, reg.UserKey, kind, body, "", string(kind)+":"+reg.ApprovalToken)
	})
	return c
}
