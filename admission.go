package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// RegisterRequest carries the presenter's input for Register.
type RegisterRequest struct {
	Topic           string
	SupervisorName  string
	SupervisorEmail string
}

// RegisterResult is returned by Register, Unregister and SubmitSupervisor.
type RegisterResult struct {
	Outcome      Outcome
	Detail       string // Detail refines INVALID_EMAIL.
	Registration *Registration
	Cascade      []StepResult
}

// Register admits userKey to slotID as a PENDING registration when every
// admission rule passes. Rejections are reported in the outcome and leave no writes.
func (e *Engine) Register(ctx context.Context, userKey string, slotID int64, req RegisterRequest) (RegisterResult, error) {
	ctx, span := e.startSpan(ctx, "Register", attribute.Int64("slot.id", slotID), attribute.String("user", userKey))
	s := e.Settings()
	now := e.clock()
	var res RegisterResult
	after := newCascade("register")

	err := e.repo.WithTx(ctx, func(tx Repository) error {
		res = RegisterResult{}
		user, err := tx.GetUser(ctx, userKey)
		if err != nil {
			return err
		}
		slot, err := tx.GetSlot(ctx, slotID)
		if err != nil {
			return err
		}
		if user == nil || slot == nil {
			res.Outcome = OutcomeNotFound
			return nil
		}
		if slotDatePassed(*slot, now) {
			res.Outcome = OutcomeSlotDatePassed
			return nil
		}
		if user.Degree == "" {
			res.Outcome = OutcomeDegreeNotSet
			return nil
		}

		existing, err := tx.GetRegistration(ctx, slotID, user.Key)
		if err != nil {
			return err
		}
		if existing != nil && existing.Status.IsActive() {
			res.Outcome = OutcomeAlreadyInSlot
			res.Registration = existing
			return nil
		}

		mine, err := tx.ListUserRegistrations(ctx, user.Key)
		if err != nil {
			return err
		}
		approved, pending := countUserRegistrations(mine, now)
		limits := s.limitsFor(user.Degree)
		if approved >= limits.Approved {
			res.Outcome = OutcomeRegistrationLimit
			return nil
		}
		if pending >= limits.Pending {
			res.Outcome = OutcomePendingLimit
			return nil
		}

		email := strings.TrimSpace(req.SupervisorEmail)
		if email != "" {
			if detail := validateSupervisorEmail(email); detail != "" {
				res.Outcome = OutcomeInvalidEmail
				res.Detail = detail
				return nil
			}
		}

		regs, err := tx.ListSlotRegistrations(ctx, slotID)
		if err != nil {
			return err
		}
		occupants := occupantDegrees(regs)
		if isExclusivityViolation(user.Degree, occupants) {
			res.Outcome = exclusivityOutcome(user.Degree, occupants, s.Weights)
			return nil
		}
		if !hasCapacity(*slot, regs, s.Weights.Of(user.Degree), s.Weights) {
			res.Outcome = OutcomeSlotFull
			return nil
		}

		reg := Registration{
			SlotID:          slotID,
			UserKey:         user.Key,
			Degree:          user.Degree,
			Topic:           strings.TrimSpace(req.Topic),
			SupervisorName:  strings.TrimSpace(req.SupervisorName),
			SupervisorEmail: email,
			Status:          StatusPending,
			RegisteredAt:    now,
		}
		if email != "" {
			reg.ApprovalToken = newToken()
			reg.TokenExpiresAt = now.Add(s.ApprovalTTL)
			reg.LastRequestAt = now
		}
		if err := tx.SaveRegistration(ctx, reg); err != nil {
			if errors.Is(err, ErrConflict) {
				res.Outcome = OutcomeAlreadyInSlot
				return nil
			}
			return err
		}
		if err := e.refreshSlot(ctx, tx, slotID, s.Weights); err != nil {
			return err
		}

		// A registrant no longer needs their place on this slot's waiting list.
		entry, err := tx.GetEntry(ctx, slotID, user.Key)
		if err != nil {
			return err
		}
		if entry != nil {
			if _, err := removeEntry(ctx, tx, *entry, now); err != nil {
				return err
			}
		}

		res.Outcome = OutcomeRegistered
		res.Registration = &reg
		return nil
	})
	if err != nil {
		e.finish(ctx, span, "register", "", err)
		return RegisterResult{}, fmt.Errorf("register: %w", err)
	}

	if res.Outcome == OutcomeRegistered {
		reg := *res.Registration
		logInfo(catEngine, "registration created", "slot", slotID, "user", reg.UserKey, "degree", reg.Degree)
		after.add("request-approval", func(ctx context.Context) error {
			return e.requestApproval(ctx, reg, KindApprovalRequest)
		})
		res.Cascade = after.run(ctx)
	} else {
		logDebug(catEngine, "registration rejected", "slot", slotID, "user", userKey, "outcome", res.Outcome)
	}
	e.finish(ctx, span, "register", res.Outcome, nil)
	return res, nil
}

// countUserRegistrations counts APPROVED rows and PENDING rows whose approval has not lapsed.
func countUserRegistrations(regs []Registration, now time.Time) (approved, pending int) {
	for _, r := range regs {
		switch r.Status {
		case StatusApproved:
			approved++
		case StatusPending:
			if r.TokenExpiresAt.IsZero() || !now.After(r.TokenExpiresAt) {
				pending++
			}
		}
	}
	return approved, pending
}

// Unregister removes the presenter's registration for a slot and offers the
// freed capacity to the waiting list.
func (e *Engine) Unregister(ctx context.Context, userKey string, slotID int64) (RegisterResult, error) {
	ctx, span := e.startSpan(ctx, "Unregister", attribute.Int64("slot.id", slotID), attribute.String("user", userKey))
	s := e.Settings()
	now := e.clock()
	var res RegisterResult

	err := e.repo.WithTx(ctx, func(tx Repository) error {
		res = RegisterResult{}
		user, err := tx.GetUser(ctx, userKey)
		if err != nil {
			return err
		}
		slot, err := tx.GetSlot(ctx, slotID)
		if err != nil {
			return err
		}
		if user == nil || slot == nil {
			res.Outcome = OutcomeNotFound
			return nil
		}
		reg, err := tx.GetRegistration(ctx, slotID, user.Key)
		if err != nil {
			return err
		}
		if reg == nil || !reg.Status.IsActive() {
			res.Outcome = OutcomeNotRegistered
			return nil
		}
		if err := tx.DeleteRegistration(ctx, slotID, user.Key); err != nil {
			return err
		}
		if reg.Status == StatusPending {
			if _, err := tx.SetPromotionApproval(ctx, slotID, user.Key, StatusDeclined, now); err != nil {
				return err
			}
		}
		if err := e.refreshSlot(ctx, tx, slotID, s.Weights); err != nil {
			return err
		}
		res.Outcome = OutcomeUnregistered
		res.Registration = reg
		return nil
	})
	if err != nil {
		e.finish(ctx, span, "unregister", "", err)
		return RegisterResult{}, fmt.Errorf("unregister: %w", err)
	}

	if res.Outcome == OutcomeUnregistered {
		reg := *res.Registration
		logInfo(catEngine, "registration cancelled", "slot", slotID, "user", reg.UserKey, "status", reg.Status)
		after := newCascade("unregister")
		after.add("offer-next", func(ctx context.Context) error {
			_, err := e.OfferNextPromotion(ctx, slotID)
			return err
		})
		after.add("notify-supervisor", func(ctx context.Context) error {
			body := fmt.Sprintf("%s cancelled the registration to present %q. No action is needed.", reg.UserKey, reg.Topic)
			return e.notifySupervisor(ctx, reg.SupervisorEmail, KindUnregistered,
				"Seminar registration cancelled", body, "unregistered:"+reg.ApprovalToken)
		})
		res.Cascade = after.run(ctx)
	}
	e.finish(ctx, span, "unregister", res.Outcome, nil)
	return res, nil
}

// SubmitSupervisor attaches a supervisor to a PENDING registration and asks
// them for approval. Submitting again re-sends the request with a fresh token.
func (e *Engine) SubmitSupervisor(ctx context.Context, userKey string, slotID int64, name, email string) (RegisterResult, error) {
	ctx, span := e.startSpan(ctx, "SubmitSupervisor", attribute.Int64("slot.id", slotID), attribute.String("user", userKey))
	s := e.Settings()
	now := e.clock()
	var res RegisterResult
	name = strings.TrimSpace(name)
	email = strings.TrimSpace(email)

	err := e.repo.WithTx(ctx, func(tx Repository) error {
		res = RegisterResult{}
		reg, err := tx.GetRegistration(ctx, slotID, userKey)
		if err != nil {
			return err
		}
		switch {
		case reg == nil || !reg.Status.IsActive():
			res.Outcome = OutcomeNotRegistered
			return nil
		case reg.Status != StatusPending:
			res.Outcome = OutcomeStateConflict
			res.Registration = reg
			return nil
		}
		if detail := validateSupervisorEmail(email); detail != "" {
			res.Outcome = OutcomeInvalidEmail
			res.Detail = detail
			return nil
		}
		token := newToken()
		expires := now.Add(s.ApprovalTTL)
		if err := tx.SetApprovalRequest(ctx, slotID, reg.UserKey, name, email, token, expires, now); err != nil {
			return err
		}
		if err := tx.SetUserSupervisor(ctx, reg.UserKey, name, email); err != nil {
			return err
		}
		reg.SupervisorName, reg.SupervisorEmail = name, email
		reg.ApprovalToken, reg.TokenExpiresAt, reg.LastRequestAt = token, expires, now
		reg.WarningSentAt = time.Time{}
		res.Outcome = OutcomeSupervisorSaved
		res.Registration = reg
		return nil
	})
	if err != nil {
		e.finish(ctx, span, "submit_supervisor", "", err)
		return RegisterResult{}, fmt.Errorf("submit supervisor: %w", err)
	}
	if res.Outcome == OutcomeSupervisorSaved {
		reg := *res.Registration
		after := newCascade("submit-supervisor")
		after.add("request-approval", func(ctx context.Context) error {
			return e.requestApproval(ctx, reg, KindApprovalRequest)
		})
		res.Cascade = after.run(ctx)
	}
	e.finish(ctx, span, "submit_supervisor", res.Outcome, nil)
	return res, nil
}
