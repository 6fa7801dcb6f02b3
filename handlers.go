package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api"
)

// botAPI is the part of *tgbotapi.BotAPI the bot uses.
type botAPI interface {
	botSender
	AnswerCallbackQuery(config tgbotapi.CallbackConfig) (tgbotapi.APIResponse, error)
}

// Bot turns telegram updates into engine calls.
type Bot struct {
	api     botAPI
	engine  *Engine
	repo    Repository
	cfg     *Config
	dialogs *DialogManager
}

func NewBot(api botAPI, engine *Engine, repo Repository, cfg *Config) *Bot {
	return &Bot{api: api, engine: engine, repo: repo, cfg: cfg, dialogs: NewDialogManager()}
}

// HandleUpdate routes one update.
func (b *Bot) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	if cq := update.CallbackQuery; cq != nil && cq.From != nil && cq.Message != nil {
		b.handleCallbackQuery(ctx, cq)
		return
	}
	msg := update.Message
	if msg == nil || msg.From == nil {
		return
	}
	if msg.IsCommand() {
		b.handleCommand(ctx, msg)
		return
	}
	RegisteredUserMiddleware(handleDialog)(ctx, b, msg)
}

// handleCommand routes commands to corresponding handlers.
func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	var h CommandHandlerFunc
	switch msg.Command() {
	case "start":
		h = handleStart
	case "help":
		h = handleHelp
	case "degree":
		h = handleDegree
	case "supervisor":
		h = handleSupervisor
	case "slots":
		h = handleSlots
	case "register":
		h = handleRegister
	case "unregister":
		h = handleUnregister
	case "waitlist":
		h = handleWaitlist
	case "leave":
		h = handleLeave
	case "mystatus":
		h = handleMyStatus
	case "cancel":
		h = handleCancel
	case "approve", "decline", "confirm", "reject":
		h = handleTokenCommand
	case "addslot":
		h = AdminCheckMiddleware(handleAddSlot)
	case "sweep":
		h = AdminCheckMiddleware(handleSweep)
	case "stats":
		h = AdminCheckMiddleware(handleStats)
	case "offer":
		h = AdminCheckMiddleware(handleOffer)
	default:
		b.reply(msg.Chat.ID, "Unknown command. Send /help for the list of commands.")
		return
	}
	RegisteredUserMiddleware(h)(ctx, b, msg)
}

// reply sends a text message to the given chat.
func (b *Bot) reply(chatID int64, text string) {
	if _, err := b.api.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		logError(catBot, "failed to send reply", err, "chat", chatID)
	}
}

// userKeyOf is the telegram username, or a stable id-based key for users without one.
func userKeyOf(u *tgbotapi.User) string {
	if u.UserName != "" {
		return normalizeUserKey(u.UserName)
	}
	return "id" + strconv.Itoa(u.ID)
}

func (b *Bot) touchUser(ctx context.Context, from *tgbotapi.User, chatID int64) error {
	return b.repo.UpsertUser(ctx, User{
		Key:    userKeyOf(from),
		Name:   strings.TrimSpace(from.FirstName + " " + from.LastName),
		ChatID: chatID,
	})
}

const helpText = `Seminar slot registration.

/degree PhD|MSc - set your degree
/supervisor Name Surname; email - store your supervisor
/supervisor <slot> Name Surname; email - send a registration to a supervisor
/slots - upcoming slots
/register <slot> - register to present
/unregister <slot> - cancel a registration
/waitlist <slot> - join a slot's waiting list
/leave <slot> - leave the waiting list
/confirm <token>, /reject <token> - answer a waiting list offer
/mystatus - your registrations
/cancel - abort the current dialog`

func handleStart(ctx context.Context, b *Bot, msg *tgbotapi.Message) {
	payload := strings.TrimSpace(msg.CommandArguments())
	if action, token, ok := strings.Cut(payload, "_"); ok && token != "" {
		b.redeem(ctx, msg.Chat.ID, action, token, "")
		return
	}
	b.reply(msg.Chat.ID, "Welcome! "+helpText)
}

func handleHelp(_ context.Context, b *Bot, msg *tgbotapi.Message) {
	b.reply(msg.Chat.ID, helpText)
}

func handleTokenCommand(ctx context.Context, b *Bot, msg *tgbotapi.Message) {
	token, reason, _ := strings.Cut(strings.TrimSpace(msg.CommandArguments()), " ")
	if token == "" {
		b.reply(msg.Chat.ID, fmt.Sprintf("Usage: /%s <token>", msg.Command()))
		return
	}
	b.redeem(ctx, msg.Chat.ID, msg.Command(), token, strings.TrimSpace(reason))
}

// redeem applies a deep-link or command token action.
func (b *Bot) redeem(ctx context.Context, chatID int64, action, token, reason string) {
	var outcome Outcome
	var repeated bool
	var err error
	switch action {
	case "approve":
		var res ApprovalResult
		res, err = b.engine.ApproveByToken(ctx, token)
		outcome, repeated = res.Outcome, res.Repeated
	case "decline":
		var res ApprovalResult
		res, err = b.engine.DeclineByToken(ctx, token, reason)
		outcome, repeated = res.Outcome, res.Repeated
	case "confirm":
		var res PromotionResult
		res, err = b.engine.ConfirmPromotion(ctx, token)
		outcome, repeated = res.Outcome, res.Repeated
	case "reject":
		var res PromotionResult
		res, err = b.engine.DeclinePromotion(ctx, token)
		outcome, repeated = res.Outcome, res.Repeated
	default:
		b.reply(chatID, "Unknown link.")
		return
	}
	if err != nil {
		logError(catBot, "token redemption failed", err, "action", action)
		b.reply(chatID, "Something went wrong, please try again later.")
		return
	}
	text := replyFor(outcome, "")
	if repeated {
		text = "This link was already used. " + text
	}
	b.reply(chatID, text)
}

func handleDegree(ctx context.Context, b *Bot, msg *tgbotapi.Message) {
	d, ok := ParseDegree(msg.CommandArguments())
	if !ok {
		b.reply(msg.Chat.ID, "Usage: /degree PhD or /degree MSc")
		return
	}
	if err := b.repo.SetUserDegree(ctx, userKeyOf(msg.From), d); err != nil {
		logError(catBot, "failed to set degree", err, "user", userKeyOf(msg.From))
		b.reply(msg.Chat.ID, "Something went wrong, please try again later.")
		return
	}
	b.reply(msg.Chat.ID, "Degree set to "+string(d)+".")
}

// parseSupervisor splits "Name Surname; email".
func parseSupervisor(s string) (name, email string, ok bool) {
	name, email, ok = strings.Cut(s, ";")
	return strings.TrimSpace(name), strings.TrimSpace(email), ok
}

func handleSupervisor(ctx context.Context, b *Bot, msg *tgbotapi.Message) {
	args := strings.TrimSpace(msg.CommandArguments())
	first, rest, _ := strings.Cut(args, " ")
	if slotID, err := strconv.ParseInt(first, 10, 64); err == nil {
		if strings.TrimSpace(rest) == "" {
			b.dialogs.Start(msg.From.ID, PurposeSupervisor, slotID, WaitingForSupervisorName)
			b.reply(msg.Chat.ID, "Your supervisor's full name?")
			return
		}
		name, email, ok := parseSupervisor(rest)
		if !ok {
			b.reply(msg.Chat.ID, "Usage: /supervisor <slot> Name Surname; email")
			return
		}
		res, err := b.engine.SubmitSupervisor(ctx, userKeyOf(msg.From), slotID, name, email)
		b.replyResult(msg.Chat.ID, "submit supervisor", res.Outcome, res.Detail, err)
		return
	}

	name, email, ok := parseSupervisor(args)
	if !ok {
		b.reply(msg.Chat.ID, "Usage: /supervisor Name Surname; email")
		return
	}
	if detail := validateSupervisorEmail(email); detail != "" {
		b.reply(msg.Chat.ID, replyFor(OutcomeInvalidEmail, detail))
		return
	}
	if err := b.repo.SetUserSupervisor(ctx, userKeyOf(msg.From), name, email); err != nil {
		logError(catBot, "failed to store supervisor", err, "user", userKeyOf(msg.From))
		b.reply(msg.Chat.ID, "Something went wrong, please try again later.")
		return
	}
	b.reply(msg.Chat.ID, "Supervisor saved. It will be used for waiting list requests.")
}

func handleSlots(ctx context.Context, b *Bot, msg *tgbotapi.Message) {
	views, err := b.engine.ListSlotViews(ctx, b.engine.clock())
	if err != nil {
		logError(catBot, "failed to list slots", err)
		b.reply(msg.Chat.ID, "Something went wrong, please try again later.")
		return
	}
	if len(views) == 0 {
		b.reply(msg.Chat.ID, "No upcoming slots.")
		return
	}
	var text strings.Builder
	var rows [][]tgbotapi.InlineKeyboardButton
	for _, v := range views {
		fmt.Fprintf(&text, "%s: %s, %d/%d used", describeSlot(&v.Slot), v.Status, v.Occupancy, v.Capacity)
		if v.Waiting > 0 {
			fmt.Fprintf(&text, ", %d waiting", v.Waiting)
		}
		text.WriteString("\n")
		id := strconv.FormatInt(v.ID, 10)
		if v.Status == SlotFull {
			rows = append(rows, tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData("Wait for #"+id, "waitlist:"+id)))
		} else {
			rows = append(rows, tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData("Register for #"+id, "register:"+id)))
		}
	}
	message := tgbotapi.NewMessage(msg.Chat.ID, text.String())
	message.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	if _, err := b.api.Send(message); err != nil {
		logError(catBot, "failed to send slot list", err)
	}
}

// slotArg parses the slot id argument of a command.
func (b *Bot) slotArg(msg *tgbotapi.Message) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(msg.CommandArguments()), 10, 64)
	if err != nil || id <= 0 {
		b.reply(msg.Chat.ID, fmt.Sprintf("Usage: /%s <slot number>", msg.Command()))
		return 0, false
	}
	return id, true
}

func handleRegister(_ context.Context, b *Bot, msg *tgbotapi.Message) {
	if slotID, ok := b.slotArg(msg); ok {
		b.startDialog(msg.From.ID, msg.Chat.ID, PurposeRegister, slotID)
	}
}

func handleWaitlist(_ context.Context, b *Bot, msg *tgbotapi.Message) {
	if slotID, ok := b.slotArg(msg); ok {
		b.startDialog(msg.From.ID, msg.Chat.ID, PurposeWaitlist, slotID)
	}
}

func (b *Bot) startDialog(telegramID int, chatID int64, purpose DialogPurpose, slotID int64) {
	b.dialogs.Start(telegramID, purpose, slotID, WaitingForTopic)
	b.reply(chatID, fmt.Sprintf("Slot #%d. What is the topic of your talk?", slotID))
}

func handleUnregister(ctx context.Context, b *Bot, msg *tgbotapi.Message) {
	slotID, ok := b.slotArg(msg)
	if !ok {
		return
	}
	res, err := b.engine.Unregister(ctx, userKeyOf(msg.From), slotID)
	b.replyResult(msg.Chat.ID, "unregister", res.Outcome, res.Detail, err)
}

func handleLeave(ctx context.Context, b *Bot, msg *tgbotapi.Message) {
	slotID, ok := b.slotArg(msg)
	if !ok {
		return
	}
	res, err := b.engine.RemoveFromWaitingList(ctx, slotID, userKeyOf(msg.From), true)
	b.replyResult(msg.Chat.ID, "leave waiting list", res.Outcome, res.Detail, err)
}

func handleCancel(_ context.Context, b *Bot, msg *tgbotapi.Message) {
	b.dialogs.ClearState(msg.From.ID)
	b.reply(msg.Chat.ID, "Cancelled.")
}

func handleMyStatus(ctx context.Context, b *Bot, msg *tgbotapi.Message) {
	key := userKeyOf(msg.From)
	user, err := b.repo.GetUser(ctx, key)
	if err != nil {
		logError(catBot, "failed to load user", err, "user", key)
		b.reply(msg.Chat.ID, "Something went wrong, please try again later.")
		return
	}
	regs, err := b.repo.ListUserRegistrations(ctx, key)
	if err != nil {
		logError(catBot, "failed to load registrations", err, "user", key)
		b.reply(msg.Chat.ID, "Something went wrong, please try again later.")
		return
	}
	entry, err := b.repo.GetEntryByUser(ctx, key)
	if err != nil {
		logError(catBot, "failed to load waiting list entry", err, "user", key)
		b.reply(msg.Chat.ID, "Something went wrong, please try again later.")
		return
	}

	var text strings.Builder
	degree := "not set"
	if user != nil && user.Degree != "" {
		degree = string(user.Degree)
	}
	fmt.Fprintf(&text, "Degree: %s\n", degree)
	active := 0
	for _, r := range regs {
		if !r.Status.IsActive() {
			continue
		}
		active++
		fmt.Fprintf(&text, "Slot #%d: %s", r.SlotID, r.Status)
		if r.Status == StatusPending && r.SupervisorEmail == "" {
			text.WriteString(" (no supervisor yet, use /supervisor)")
		}
		text.WriteString("\n")
	}
	if active == 0 {
		text.WriteString("No registrations.\n")
	}
	if entry != nil {
		fmt.Fprintf(&text, "Waiting list of slot #%d, position %d", entry.SlotID, entry.Position)
		if entry.HasOpenOffer(b.engine.clock()) {
			fmt.Fprintf(&text, ", offer open until %s", entry.OfferExpiresAt.Format("02.01.2006 15:04"))
		}
		text.WriteString("\n")
	}
	b.reply(msg.Chat.ID, text.String())
}

// handleDialog collects the answers of the register, waitlist and supervisor dialogs.
func handleDialog(ctx context.Context, b *Bot, msg *tgbotapi.Message) {
	id := msg.From.ID
	state := b.dialogs.Get(id)
	text := strings.TrimSpace(msg.Text)
	skip := text == "-"

	switch state.State {
	case NoDialog:
		b.reply(msg.Chat.ID, helpText)
	case WaitingForTopic:
		if text == "" {
			b.reply(msg.Chat.ID, "Please send the topic of your talk.")
			return
		}
		b.dialogs.SetUserData(id, "topic", text)
		b.dialogs.SetState(id, WaitingForSupervisorName)
		b.reply(msg.Chat.ID, "Your supervisor's full name? Send - to skip.")
	case WaitingForSupervisorName:
		if !skip && !ValidateName(text) {
			b.reply(msg.Chat.ID, "Please send the name as \"Name Surname\".")
			return
		}
		if !skip {
			b.dialogs.SetUserData(id, "supervisor_name", text)
		}
		b.dialogs.SetState(id, WaitingForSupervisorEmail)
		b.reply(msg.Chat.ID, "Your supervisor's email? Send - to skip.")
	case WaitingForSupervisorEmail:
		if !skip {
			if detail := validateSupervisorEmail(text); detail != "" {
				b.reply(msg.Chat.ID, replyFor(OutcomeInvalidEmail, detail)+" Try again or send - to skip.")
				return
			}
		}
		b.dialogs.ClearState(id)
		b.finishDialog(ctx, msg, state)
	}
}

// finishDialog runs the dialog's operation; the last message holds the email.
func (b *Bot) finishDialog(ctx context.Context, msg *tgbotapi.Message, state UserDialogState) {
	key := userKeyOf(msg.From)
	topic := state.UserData["topic"]
	name := state.UserData["supervisor_name"]
	email := strings.TrimSpace(msg.Text)
	if email == "-" {
		email = ""
	}

	switch state.Purpose {
	case PurposeRegister:
		res, err := b.engine.Register(ctx, key, state.SlotID, RegisterRequest{Topic: topic, SupervisorName: name, SupervisorEmail: email})
		text := replyFor(res.Outcome, res.Detail)
		if err == nil && res.Outcome == OutcomeRegistered {
			if email == "" {
				text = fmt.Sprintf("Registered. Send /supervisor %d Name Surname; email so your supervisor can approve it.", state.SlotID)
			} else if err := b.repo.SetUserSupervisor(ctx, key, name, email); err != nil {
				logWarn(catBot, "failed to remember supervisor", "user", key, "error", err)
			}
		}
		b.replyText(msg.Chat.ID, "register", text, err)
	case PurposeWaitlist:
		res, err := b.engine.AddToWaitingList(ctx, state.SlotID, key, WaitlistRequest{Topic: topic, SupervisorName: name, SupervisorEmail: email})
		text := replyFor(res.Outcome, res.Detail)
		if err == nil && res.Outcome == OutcomeAddedToList {
			text = fmt.Sprintf("%s Your position: %d.", text, res.Entry.Position)
			if res.Caution {
				text += " Note: the slot currently hosts presenters of another degree, so you may not be offered a place."
			}
		}
		b.replyText(msg.Chat.ID, "waitlist", text, err)
	case PurposeSupervisor:
		res, err := b.engine.SubmitSupervisor(ctx, key, state.SlotID, name, email)
		b.replyResult(msg.Chat.ID, "submit supervisor", res.Outcome, res.Detail, err)
	}
}

func (b *Bot) replyResult(chatID int64, op string, outcome Outcome, detail string, err error) {
	b.replyText(chatID, op, replyFor(outcome, detail), err)
}

func (b *Bot) replyText(chatID int64, op, text string, err error) {
	if err != nil {
		logError(catBot, op+" failed", err, "chat", chatID)
		b.reply(chatID, "Something went wrong, please try again later.")
		return
	}
	b.reply(chatID, text)
}

// handleCallbackQuery handles inline button callbacks.
func (b *Bot) handleCallbackQuery(ctx context.Context, cq *tgbotapi.CallbackQuery) {
	if err := b.touchUser(ctx, cq.From, cq.Message.Chat.ID); err != nil {
		logError(catBot, "failed to store user", err, "telegram_id", cq.From.ID)
		return
	}
	if _, err := b.api.AnswerCallbackQuery(tgbotapi.NewCallback(cq.ID, "")); err != nil {
		logWarn(catBot, "failed to answer callback", "error", err)
	}
	action, arg, _ := strings.Cut(cq.Data, ":")
	slotID, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return
	}
	switch action {
	case "register":
		b.startDialog(cq.From.ID, cq.Message.Chat.ID, PurposeRegister, slotID)
	case "waitlist":
		b.startDialog(cq.From.ID, cq.Message.Chat.ID, PurposeWaitlist, slotID)
	}
}

// handleAddSlot handles /addslot YYYY-MM-DD;HH:MM;HH:MM;location;capacity.
func handleAddSlot(ctx context.Context, b *Bot, msg *tgbotapi.Message) {
	s, err := parseSlotSpec(msg.CommandArguments())
	if err == nil {
		var id int64
		id, err = b.engine.AddSlot(ctx, s)
		if err == nil {
			b.reply(msg.Chat.ID, fmt.Sprintf("Slot #%d added.", id))
			return
		}
	}
	if errors.Is(err, ErrInvalidInput) {
		b.reply(msg.Chat.ID, err.Error()+"\nUsage: /addslot YYYY-MM-DD;HH:MM;HH:MM;location;capacity")
		return
	}
	logError(catBot, "failed to add slot", err)
	b.reply(msg.Chat.ID, "Something went wrong, please try again later.")
}

func handleSweep(ctx context.Context, b *Bot, msg *tgbotapi.Message) {
	report, err := b.engine.Sweep(ctx)
	if err != nil {
		logError(catBot, "manual sweep failed", err)
		b.reply(msg.Chat.ID, "Sweep failed: "+err.Error())
		return
	}
	b.reply(msg.Chat.ID, fmt.Sprintf("Expired registrations: %d\nExpired offers: %d\nReminders: %d\nWarnings: %d",
		report.ExpiredRegistrations, report.ExpiredOffers, report.Reminders, report.Warnings))
}

func handleStats(ctx context.Context, b *Bot, msg *tgbotapi.Message) {
	stats, err := b.engine.OutcomeStats(ctx)
	if err != nil {
		logError(catBot, "failed to read stats", err)
		b.reply(msg.Chat.ID, "Something went wrong, please try again later.")
		return
	}
	b.reply(msg.Chat.ID, formatStats(stats))
}

func formatStats(stats map[string]int64) string {
	if len(stats) == 0 {
		return "No outcomes recorded yet."
	}
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var text strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&text, "%s %d\n", k, stats[k])
	}
	return text.String()
}

func handleOffer(ctx context.Context, b *Bot, msg *tgbotapi.Message) {
	slotID, ok := b.slotArg(msg)
	if !ok {
		return
	}
	offered, err := b.engine.OfferNextPromotion(ctx, slotID)
	if err != nil {
		logError(catBot, "manual offer failed", err, "slot", slotID)
		b.reply(msg.Chat.ID, "Something went wrong, please try again later.")
		return
	}
	if offered {
		b.reply(msg.Chat.ID, "An offer was sent to the next presenter on the waiting list.")
		return
	}
	b.reply(msg.Chat.ID, "No offer was made: the slot has no room, an offer is already open or nobody eligible is waiting.")
}

// replyFor is the presenter-facing text for an outcome.
func replyFor(o Outcome, detail string) string {
	switch o {
	case OutcomeNotFound:
		return "Not found."
	case OutcomeSlotDatePassed:
		return "This slot has already taken place."
	case OutcomeDegreeNotSet:
		return "Set your degree first with /degree PhD or /degree MSc."
	case OutcomeAlreadyInSlot:
		return "You are already registered for this slot."
	case OutcomeRegistrationLimit:
		return "You already have an approved registration."
	case OutcomePendingLimit:
		return "You have too many registrations waiting for approval."
	case OutcomeInvalidEmail:
		if detail == EmailMissing {
			return "A supervisor email is required."
		}
		return "The supervisor email does not look valid."
	case OutcomeSlotLocked:
		return "This slot is taken by a PhD presentation."
	case OutcomePhDBlockedByMSc:
		return "This slot already hosts MSc presenters."
	case OutcomeSlotFull:
		return "This slot is full. You can join its waiting list with /waitlist."
	case OutcomeRegistered:
		return "Registered. Your supervisor has been asked for approval."
	case OutcomeNotRegistered:
		return "You are not registered for this slot."
	case OutcomeUnregistered:
		return "Your registration was cancelled."
	case OutcomeSupervisorSaved:
		return "Supervisor saved, the approval request is on its way."
	case OutcomeAlreadyOnList:
		return "You are already on this waiting list."
	case OutcomeOnOtherList:
		return "You are already on another slot's waiting list."
	case OutcomeWaitingListFull:
		return "The waiting list is full."
	case OutcomeQueueTypeMismatch:
		return "This waiting list is for presenters of another degree."
	case OutcomeSupervisorRequired:
		return "A supervisor is required to join a waiting list."
	case OutcomeAddedToList:
		return "You joined the waiting list."
	case OutcomeRemovedFromList:
		return "You left the waiting list."
	case OutcomeNotOnList:
		return "You are not on this waiting list."
	case OutcomeApproved:
		return "The registration is approved."
	case OutcomeDeclined:
		return "Declined."
	case OutcomeConfirmed:
		return "Confirmed! Your supervisor has been asked for approval."
	case OutcomeTokenExpired:
		return "This link has expired."
	case OutcomeTokenInvalid:
		return "This link is not valid."
	case OutcomeStateConflict:
		return "This request was already decided differently."
	case OutcomeNoRoom:
		return "Sorry, there is no longer room in this slot."
	}
	return string(o)
}
