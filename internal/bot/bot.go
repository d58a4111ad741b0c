// Package bot runs the Telegram side of push reminders: staff link their
// chat to their account and manage reminder settings from it.
package bot

import (
	"context"
	"fmt"
	"html"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/tazhate/classbell/internal/domain"
	"github.com/tazhate/classbell/internal/logx"
)

// Users is the account surface the bot needs.
type Users interface {
	LookupByEmail(ctx context.Context, email string) ([]*domain.User, error)
	LookupByTelegramChat(ctx context.Context, chatID int64) ([]*domain.User, error)
	LinkTelegram(ctx context.Context, id string, chatID int64) error
	UpdatePreferences(ctx context.Context, id string, upd domain.PreferencesUpdate) (domain.NotificationPreferences, error)
}

type Classes interface {
	ListForTeacher(ctx context.Context, email string, days int) ([]*domain.ClassOccurrence, error)
}

type messenger interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

type Bot struct {
	tg      *tgbotapi.BotAPI
	api     messenger
	users   Users
	classes Classes
	loc     *time.Location
	log     logx.Logger
}

// New wraps an authenticated bot. The same BotAPI also backs push delivery.
func New(api *tgbotapi.BotAPI, users Users, classes Classes, loc *time.Location, log logx.Logger) *Bot {
	b := newBot(api, users, classes, loc, log)
	b.tg = api
	b.setCommands()
	return b
}

func newBot(api messenger, users Users, classes Classes, loc *time.Location, log logx.Logger) *Bot {
	if loc == nil {
		loc = time.UTC
	}
	return &Bot{
		api:     api,
		users:   users,
		classes: classes,
		loc:     loc,
		log:     log.With(logx.String("component", "telegram_bot")),
	}
}

func (b *Bot) setCommands() {
	commands := []tgbotapi.BotCommand{
		{Command: "link", Description: "Link this chat to your school email"},
		{Command: "upcoming", Description: "Your classes for the next week"},
		{Command: "settings", Description: "Reminder settings"},
		{Command: "lead", Description: "Minutes of notice before a class"},
		{Command: "push", Description: "Turn chat reminders on or off"},
		{Command: "unlink", Description: "Stop sending reminders here"},
		{Command: "help", Description: "List commands"},
	}

	cfg := tgbotapi.NewSetMyCommands(commands...)
	if _, err := b.api.Request(cfg); err != nil {
		b.log.Warn("set bot commands failed", logx.Err(err))
	}
}

// Start long-polls for updates until ctx is done.
func (b *Bot) Start(ctx context.Context) error {
	if b.tg == nil {
		return fmt.Errorf("telegram bot not initialised")
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := b.tg.GetUpdatesChan(u)
	b.log.Info("telegram bot polling", logx.String("bot", b.tg.Self.UserName))

	for {
		select {
		case <-ctx.Done():
			b.tg.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			b.handleUpdate(ctx, update)
		}
	}
}

func (b *Bot) SendMessage(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	_, err := b.api.Send(msg)
	if err != nil {
		b.log.Error("send message failed", logx.Int64("chat_id", chatID), logx.Err(err))
	}
	return err
}

func (b *Bot) SendMessageWithKeyboard(chatID int64, text string, keyboard tgbotapi.InlineKeyboardMarkup) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.ReplyMarkup = keyboard
	_, err := b.api.Send(msg)
	if err != nil {
		b.log.Error("send message failed", logx.Int64("chat_id", chatID), logx.Err(err))
	}
	return err
}

func (b *Bot) EditMessageWithKeyboard(chatID int64, messageID int, text string, keyboard tgbotapi.InlineKeyboardMarkup) error {
	edit := tgbotapi.NewEditMessageTextAndMarkup(chatID, messageID, text, keyboard)
	edit.ParseMode = tgbotapi.ModeHTML
	_, err := b.api.Send(edit)
	return err
}

func (b *Bot) AnswerCallback(callbackID, text string) {
	if _, err := b.api.Request(tgbotapi.NewCallback(callbackID, text)); err != nil {
		b.log.Warn("answer callback failed", logx.Err(err))
	}
}

func esc(s string) string { return html.EscapeString(s) }
