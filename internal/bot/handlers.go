package bot

import (
	"context"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/tazhate/classbell/internal/logx"
)

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	defer func() {
		if p := recover(); p != nil {
			b.log.Error("update handler panic", logx.Any("panic", p))
		}
	}()

	if update.Message != nil {
		b.handleMessage(ctx, update.Message)
	} else if update.CallbackQuery != nil {
		b.handleCallback(ctx, update.CallbackQuery)
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.Chat == nil {
		return
	}
	chatID := msg.Chat.ID

	if !msg.Chat.IsPrivate() {
		b.SendMessage(chatID, "Reminders can only be linked in a private chat with the bot.")
		return
	}

	if strings.TrimSpace(msg.Text) == "" {
		return
	}
	if !msg.IsCommand() {
		b.SendMessage(chatID, "I only understand commands. Send /help to see them.")
		return
	}
	b.handleCommand(ctx, msg)
}

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	if cb.Message == nil || cb.Message.Chat == nil {
		return
	}
	chatID := cb.Message.Chat.ID

	action, arg, _ := strings.Cut(cb.Data, ":")
	var err error
	switch action {
	case "push":
		_, err = b.setPush(ctx, chatID, arg == "on")
	case "lead":
		var minutes int
		minutes, err = strconv.Atoi(arg)
		if err == nil {
			_, err = b.setLead(ctx, chatID, minutes)
		}
	default:
		b.AnswerCallback(cb.ID, "Unknown action")
		return
	}
	if err != nil {
		b.AnswerCallback(cb.ID, userError(err))
		return
	}

	b.AnswerCallback(cb.ID, "Saved")
	text, keyboard, err := b.settingsView(ctx, chatID)
	if err != nil {
		b.log.Error("render settings failed", logx.Int64("chat_id", chatID), logx.Err(err))
		return
	}
	if err := b.EditMessageWithKeyboard(chatID, cb.Message.MessageID, text, keyboard); err != nil {
		b.log.Warn("edit settings message failed", logx.Err(err))
	}
}
