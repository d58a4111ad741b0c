package bot

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

var leadChoices = []int{5, 10, 15, 30}

// settingsKeyboard toggles push delivery and picks a lead time.
func settingsKeyboard(pushOn bool, lead int) tgbotapi.InlineKeyboardMarkup {
	push := tgbotapi.NewInlineKeyboardButtonData("🔔 Turn chat reminders on", "push:on")
	if pushOn {
		push = tgbotapi.NewInlineKeyboardButtonData("🔕 Turn chat reminders off", "push:off")
	}

	var leads []tgbotapi.InlineKeyboardButton
	for _, m := range leadChoices {
		label := fmt.Sprintf("%d min", m)
		if m == lead {
			label = "• " + label
		}
		leads = append(leads, tgbotapi.NewInlineKeyboardButtonData(label, fmt.Sprintf("lead:%d", m)))
	}

	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(push),
		tgbotapi.NewInlineKeyboardRow(leads...),
	)
}
