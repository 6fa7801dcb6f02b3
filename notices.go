package main

import (
	"context"
	"fmt"
	"strings"
)

func describeSlot(slot *Slot) string {
	if slot == nil {
		return "the seminar slot"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "slot #%d on %s", slot.ID, slot.Date.Format("02.01.2006"))
	if slot.StartTime != "" {
		fmt.Fprintf(&b, " %s-%s", slot.StartTime, slot.EndTime)
	}
	if slot.Location != "" {
		fmt.Fprintf(&b, " (%s)", slot.Location)
	}
	return b.String()
}

func (e *Engine) send(ctx context.Context, n Notification) error {
	if e.notifier == nil {
		return nil
	}
	return e.notifier.Notify(ctx, n)
}

// notifyUser pushes a telegram message to a presenter with a known chat.
func (e *Engine) notifyUser(ctx context.Context, userKey string, kind NotificationKind, body, link, dedupKey string) error {
	user, err := e.repo.GetUser(ctx, userKey)
	if err != nil {
		return err
	}
	if user == nil || user.ChatID == 0 {
		logDebug(catNotify, "no chat for user, notification skipped", "user", userKey, "kind", kind)
		return nil
	}
	return e.send(ctx, Notification{
		Kind:      kind,
		Channel:   ChannelTelegram,
		Recipient: user.Key,
		ChatID:    user.ChatID,
		Body:      body,
		Link:      link,
		DedupKey:  dedupKey,
	})
}

// requestApproval asks the supervisor of reg to approve or decline it.
func (e *Engine) requestApproval(ctx context.Context, reg Registration, kind NotificationKind) error {
	if reg.SupervisorEmail == "" || reg.ApprovalToken == "" {
		return nil
	}
	s := e.Settings()
	slot, err := e.repo.GetSlot(ctx, reg.SlotID)
	if err != nil {
		return err
	}
	subject := "Seminar registration approval request"
	if kind == KindApprovalReminder {
		subject = "Reminder: " + subject
	}
	greeting := "Hello"
	if reg.SupervisorName != "" {
		greeting += " " + reg.SupervisorName
	}
	body := fmt.Sprintf("%s,\n\n%s (%s) registered to present %q in %s.\n\n"+
		"Approve: %s\nDecline: %s\n\nThe request expires on %s.",
		greeting, reg.UserKey, reg.Degree, reg.Topic, describeSlot(slot),
		s.link("approve", reg.ApprovalToken), s.link("decline", reg.ApprovalToken),
		reg.TokenExpiresAt.Format("02.01.2006 15:04"))
	return e.send(ctx, Notification{
		Kind:      kind,
		Channel:   ChannelEmail,
		Recipient: reg.SupervisorEmail,
		Subject:   subject,
		Body:      body,
		Link:      s.link("approve", reg.ApprovalToken),
		DedupKey:  fmt.Sprintf("%s:%s:%d", kind, reg.ApprovalToken, reg.LastRequestAt.Unix()),
	})
}

// notifySupervisor sends a plain notice to a supervisor email.
func (e *Engine) notifySupervisor(ctx context.Context, email string, kind NotificationKind, subject, body, dedupKey string) error {
	if email == "" {
		return nil
	}
	return e.send(ctx, Notification{
		Kind:      kind,
		Channel:   ChannelEmail,
		Recipient: email,
		Subject:   subject,
		Body:      body,
		DedupKey:  dedupKey,
	})
}
