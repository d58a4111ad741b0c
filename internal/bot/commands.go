package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/tazhate/classbell/internal/domain"
	"github.com/tazhate/classbell/internal/logx"
)

const upcomingDays = 7

var errNotLinked = errors.New("chat not linked")

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	args := strings.TrimSpace(msg.CommandArguments())

	switch msg.Command() {
	case "start":
		b.cmdStart(ctx, chatID)
	case "help":
		b.cmdHelp(chatID)
	case "link":
		b.cmdLink(ctx, chatID, args)
	case "unlink":
		b.cmdUnlink(ctx, chatID)
	case "settings":
		b.cmdSettings(ctx, chatID)
	case "lead":
		b.cmdLead(ctx, chatID, args)
	case "push":
		b.cmdPush(ctx, chatID, args)
	case "upcoming":
		b.cmdUpcoming(ctx, chatID)
	default:
		b.SendMessage(chatID, "Unknown command. Send /help to see what I can do.")
	}
}

func (b *Bot) cmdStart(ctx context.Context, chatID int64) {
	users, err := b.users.LookupByTelegramChat(ctx, chatID)
	if err != nil {
		b.fail(chatID, err)
		return
	}
	if len(users) == 0 {
		b.SendMessage(chatID, "👋 Hi! I send class reminders.\n\n"+
			"Link this chat to your school account:\n/link your.name@school.example")
		return
	}
	b.SendMessage(chatID, fmt.Sprintf("👋 Welcome back, %s. Reminders for <b>%s</b> arrive in this chat.",
		esc(users[0].Name), esc(users[0].Email)))
}

func (b *Bot) cmdHelp(chatID int64) {
	text := `<b>🔔 Class reminders</b>

/link &lt;email&gt; — link this chat to your account
/unlink — stop sending reminders here
/upcoming — your classes for the next week
/settings — lead time and chat reminders
/lead &lt;minutes&gt; — notice before a class
/push on|off — turn chat reminders on or off`

	b.SendMessage(chatID, text)
}

func (b *Bot) cmdLink(ctx context.Context, chatID int64, args string) {
	if args == "" {
		b.SendMessage(chatID, "Tell me your school email: /link your.name@school.example")
		return
	}
	email, err := domain.NormalizeEmail(args)
	if err != nil {
		b.SendMessage(chatID, "That doesn't look like an email address.")
		return
	}

	users, err := b.users.LookupByEmail(ctx, email)
	if err != nil {
		b.fail(chatID, err)
		return
	}
	if len(users) == 0 {
		b.SendMessage(chatID, fmt.Sprintf("No account is registered for <b>%s</b>. Ask the school office to add you.", esc(email)))
		return
	}

	for _, u := range users {
		if u.TelegramChatID != 0 && u.TelegramChatID != chatID {
			b.log.Warn("link refused, account bound to another chat",
				logx.Int64("chat_id", chatID), logx.String("user_id", u.ID))
			b.SendMessage(chatID, fmt.Sprintf("⛔ <b>%s</b> is already linked to another chat. "+
				"Send /unlink from that chat first, or ask the school office to reset it.", esc(email)))
			return
		}
	}

	for _, u := range users {
		if err := b.users.LinkTelegram(ctx, u.ID, chatID); err != nil {
			b.fail(chatID, err)
			return
		}
		if _, err := b.users.UpdatePreferences(ctx, u.ID, withChannel(u.Preferences(), domain.ChannelPush, true)); err != nil {
			b.fail(chatID, err)
			return
		}
	}
	b.log.Info("telegram chat linked", logx.Int64("chat_id", chatID), logx.Int("accounts", len(users)))

	b.SendMessage(chatID, fmt.Sprintf("✅ Linked to <b>%s</b>. Class reminders will arrive here.\n\nSee /settings to adjust them.", esc(email)))
}

func (b *Bot) cmdUnlink(ctx context.Context, chatID int64) {
	users, err := b.linkedUsers(ctx, chatID)
	if err != nil {
		b.fail(chatID, err)
		return
	}
	for _, u := range users {
		if err := b.users.LinkTelegram(ctx, u.ID, 0); err != nil {
			b.fail(chatID, err)
			return
		}
	}
	b.log.Info("telegram chat unlinked", logx.Int64("chat_id", chatID), logx.Int("accounts", len(users)))
	b.SendMessage(chatID, "Unlinked. No more reminders will be sent to this chat.")
}

func (b *Bot) cmdSettings(ctx context.Context, chatID int64) {
	text, keyboard, err := b.settingsView(ctx, chatID)
	if err != nil {
		b.fail(chatID, err)
		return
	}
	b.SendMessageWithKeyboard(chatID, text, keyboard)
}

func (b *Bot) cmdLead(ctx context.Context, chatID int64, args string) {
	minutes, err := strconv.Atoi(args)
	if err != nil || minutes < 0 {
		b.SendMessage(chatID, "Give the lead time in whole minutes: /lead 15")
		return
	}
	if _, err := b.setLead(ctx, chatID, minutes); err != nil {
		b.fail(chatID, err)
		return
	}
	b.SendMessage(chatID, fmt.Sprintf("⏱ Reminders will arrive %d minutes before class. Classes already scheduled keep their reminder time.", minutes))
}

func (b *Bot) cmdPush(ctx context.Context, chatID int64, args string) {
	var on bool
	switch strings.ToLower(args) {
	case "on":
		on = true
	case "off":
	default:
		b.SendMessage(chatID, "Use /push on or /push off")
		return
	}
	if _, err := b.setPush(ctx, chatID, on); err != nil {
		b.fail(chatID, err)
		return
	}
	if on {
		b.SendMessage(chatID, "🔔 Chat reminders are on.")
	} else {
		b.SendMessage(chatID, "🔕 Chat reminders are off.")
	}
}

func (b *Bot) cmdUpcoming(ctx context.Context, chatID int64) {
	users, err := b.linkedUsers(ctx, chatID)
	if err != nil {
		b.fail(chatID, err)
		return
	}

	// Accounts linked to one chat normally share an email.
	seen := map[string]bool{}
	var classes []*domain.ClassOccurrence
	for _, u := range users {
		if seen[u.Email] {
			continue
		}
		seen[u.Email] = true
		list, err := b.classes.ListForTeacher(ctx, u.Email, upcomingDays)
		if err != nil {
			b.fail(chatID, err)
			return
		}
		classes = append(classes, list...)
	}

	if len(classes) == 0 {
		b.SendMessage(chatID, "📅 No classes in the next 7 days.")
		return
	}

	loc := b.loc
	if users[0].Timezone != "" {
		loc = users[0].Location()
	}
	var sb strings.Builder
	sb.WriteString("<b>📅 Next 7 days</b>\n")
	for _, c := range classes {
		fmt.Fprintf(&sb, "\n%s · <b>%s</b>, room %s", c.FormatStart(loc), esc(c.Title), esc(c.Room))
	}
	b.SendMessage(chatID, sb.String())
}

func (b *Bot) settingsView(ctx context.Context, chatID int64) (string, tgbotapi.InlineKeyboardMarkup, error) {
	users, err := b.linkedUsers(ctx, chatID)
	if err != nil {
		return "", tgbotapi.InlineKeyboardMarkup{}, err
	}
	p := users[0].Preferences()
	state := "off"
	if p.Enabled(domain.ChannelPush) {
		state = "on"
	}
	text := fmt.Sprintf("<b>⚙️ Reminder settings</b>\n\nAccount: %s\nLead time: %d min\nChat reminders: %s",
		esc(users[0].Email), p.LeadTimeMinutes, state)
	return text, settingsKeyboard(p.Enabled(domain.ChannelPush), p.LeadTimeMinutes), nil
}

func (b *Bot) setPush(ctx context.Context, chatID int64, on bool) (int, error) {
	users, err := b.linkedUsers(ctx, chatID)
	if err != nil {
		return 0, err
	}
	for _, u := range users {
		if _, err := b.users.UpdatePreferences(ctx, u.ID, withChannel(u.Preferences(), domain.ChannelPush, on)); err != nil {
			return 0, err
		}
	}
	return len(users), nil
}

func (b *Bot) setLead(ctx context.Context, chatID int64, minutes int) (int, error) {
	users, err := b.linkedUsers(ctx, chatID)
	if err != nil {
		return 0, err
	}
	for _, u := range users {
		if _, err := b.users.UpdatePreferences(ctx, u.ID, domain.PreferencesUpdate{LeadTimeMinutes: &minutes}); err != nil {
			return 0, err
		}
	}
	return len(users), nil
}

func (b *Bot) linkedUsers(ctx context.Context, chatID int64) ([]*domain.User, error) {
	users, err := b.users.LookupByTelegramChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, errNotLinked
	}
	return users, nil
}

// withChannel builds an update from the full effective channel map so that
// toggling one channel leaves the others as the user had them.
func withChannel(p domain.NotificationPreferences, ch domain.Channel, on bool) domain.PreferencesUpdate {
	channels := make(map[domain.Channel]bool, len(p.Channels))
	for c, v := range p.Channels {
		channels[c] = v
	}
	channels[ch] = on
	return domain.PreferencesUpdate{Channels: channels}
}

func (b *Bot) fail(chatID int64, err error) {
	if !errors.Is(err, errNotLinked) && !errors.Is(err, domain.ErrInvalidPreferences) {
		b.log.Error("bot command failed", logx.Int64("chat_id", chatID), logx.Err(err))
	}
	b.SendMessage(chatID, userError(err))
}

func userError(err error) string {
	switch {
	case errors.Is(err, errNotLinked):
		return "This chat is not linked yet. Use /link your.name@school.example"
	case errors.Is(err, domain.ErrInvalidPreferences):
		return "❌ " + err.Error()
	}
	return "❌ Something went wrong, try again later."
}
