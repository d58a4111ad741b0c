// Package telegram delivers push reminders through a Telegram bot.
package telegram

import (
	"context"
	"fmt"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/tazhate/classbell/internal/domain"
	"github.com/tazhate/classbell/internal/notify"
)

type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type Client struct {
	api botAPI
}

// NewBotAPI authenticates the bot token against the Telegram API.
func NewBotAPI(token string) (*tgbotapi.BotAPI, error) {
	if token == "" {
		return nil, notify.ErrNotConfigured
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	return api, nil
}

// New sends through an authenticated bot, usually the one the command bot
// polls with.
func New(api *tgbotapi.BotAPI) *Client {
	if api == nil {
		return &Client{}
	}
	return &Client{api: api}
}

func (c *Client) Channel() domain.Channel { return domain.ChannelPush }

// Address is the user's linked chat id.
func (c *Client) Address(u *domain.User) (string, bool) {
	if u.TelegramChatID == 0 {
		return "", false
	}
	return strconv.FormatInt(u.TelegramChatID, 10), true
}

func (c *Client) Send(ctx context.Context, address string, msg notify.Message) error {
	if c.api == nil {
		return notify.ErrNotConfigured
	}
	chatID, err := strconv.ParseInt(address, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id %q: %w", address, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m := tgbotapi.NewMessage(chatID, msg.Text)
	m.DisableWebPagePreview = true
	if _, err := c.api.Send(m); err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	return nil
}
