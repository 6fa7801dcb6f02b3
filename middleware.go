package main

import (
	"context"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api"
)

// CommandHandlerFunc handles one bot command.
type CommandHandlerFunc func(ctx context.Context, b *Bot, msg *tgbotapi.Message)

// AdminCheckMiddleware wraps a command handler with admin verification
func AdminCheckMiddleware(handler CommandHandlerFunc) CommandHandlerFunc {
	return func(ctx context.Context, b *Bot, msg *tgbotapi.Message) {
		if !b.cfg.IsAdmin(msg.From.UserName) {
			logWarn(catBot, "admin command denied", "user", msg.From.UserName, "command", msg.Command())
			b.reply(msg.Chat.ID, "Only administrators can run this command.")
			return
		}
		handler(ctx, b, msg)
	}
}

// RegisteredUserMiddleware makes sure the sender has a user record with a
// current chat id before the handler runs.
func RegisteredUserMiddleware(handler CommandHandlerFunc) CommandHandlerFunc {
	return func(ctx context.Context, b *Bot, msg *tgbotapi.Message) {
		if err := b.touchUser(ctx, msg.From, msg.Chat.ID); err != nil {
			logError(catBot, "failed to store user", err, "telegram_id", msg.From.ID)
			b.reply(msg.Chat.ID, "Something went wrong, please try again later.")
			return
		}
		handler(ctx, b, msg)
	}
}
