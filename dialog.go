package main

import (
	"regexp"
	"strings"
	"sync"
)

// DialogState represents the current state of a user's dialog with the bot
type DialogState int

const (
	NoDialog DialogState = iota
	WaitingForTopic
	WaitingForSupervisorName
	WaitingForSupervisorEmail
)

// DialogPurpose is what the collected answers are for.
type DialogPurpose int

const (
	PurposeRegister DialogPurpose = iota
	PurposeWaitlist
	PurposeSupervisor // attach a supervisor to an existing registration
)

// UserDialogState stores the dialog state for a user
type UserDialogState struct {
	State    DialogState
	Purpose  DialogPurpose
	SlotID   int64
	UserData map[string]string // For storing temporary data during dialog
}

// DialogManager manages dialog states for users
type DialogManager struct {
	userStates map[int]*UserDialogState // Map of telegram_id to dialog state
	mu         sync.RWMutex
}

// NewDialogManager creates a new DialogManager
func NewDialogManager() *DialogManager {
	return &DialogManager{
		userStates: make(map[int]*UserDialogState),
	}
}

// Start begins a dialog for slotID, dropping any earlier one.
func (dm *DialogManager) Start(telegramID int, purpose DialogPurpose, slotID int64, first DialogState) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.userStates[telegramID] = &UserDialogState{
		State:    first,
		Purpose:  purpose,
		SlotID:   slotID,
		UserData: make(map[string]string),
	}
}

// SetState moves an ongoing dialog to state.
func (dm *DialogManager) SetState(telegramID int, state DialogState) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if s, ok := dm.userStates[telegramID]; ok {
		s.State = state
	}
}

// Get returns a copy of the user's dialog, or NoDialog.
func (dm *DialogManager) Get(telegramID int) UserDialogState {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	s, ok := dm.userStates[telegramID]
	if !ok {
		return UserDialogState{State: NoDialog}
	}
	out := *s
	out.UserData = make(map[string]string, len(s.UserData))
	for k, v := range s.UserData {
		out.UserData[k] = v
	}
	return out
}

// SetUserData sets temporary data for a user during dialog
func (dm *DialogManager) SetUserData(telegramID int, key, value string) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if s, ok := dm.userStates[telegramID]; ok {
		s.UserData[key] = value
	}
}

// ClearState clears the dialog state for a user
func (dm *DialogManager) ClearState(telegramID int) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	delete(dm.userStates, telegramID)
}

// ValidateName validates that the name is in the format "Surname Name"
func ValidateName(name string) bool {
	return len(strings.Fields(name)) >= 2
}

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

// ValidateEmail validates an email address
func ValidateEmail(email string) bool {
	return emailRegex.MatchString(email)
}

// validateSupervisorEmail returns "" for a usable address, otherwise the
// detail code reported with INVALID_EMAIL.
func validateSupervisorEmail(email string) string {
	email = strings.TrimSpace(email)
	switch {
	case email == "":
		return EmailMissing
	case !ValidateEmail(email):
		return EmailInvalidFormat
	}
	return ""
}
