package bot

import (
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

func GetReplyKeyboard(isAdmin bool) tgbotapi.ReplyKeyboardMarkup {
	if isAdmin {
		return tgbotapi.NewReplyKeyboard(
			tgbotapi.NewKeyboardButtonRow(
				tgbotapi.NewKeyboardButton("/admin_servers"),
				tgbotapi.NewKeyboardButton("/admin_scan"),
				tgbotapi.NewKeyboardButton("/admin_stats"),
			),
			tgbotapi.NewKeyboardButtonRow(
				tgbotapi.NewKeyboardButton("/admin_addserver"),
				tgbotapi.NewKeyboardButton("/admin_synccluster"),
				tgbotapi.NewKeyboardButton("/admin_extend"),
			),
		)
	}
	return tgbotapi.NewReplyKeyboard(
		tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButton("/buy"),
			tgbotapi.NewKeyboardButton("/trial"),
			tgbotapi.NewKeyboardButton("/subscriptions"),
		),
		tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButton("/renew"),
			tgbotapi.NewKeyboardButton("/freeze"),
			tgbotapi.NewKeyboardButton("/traffic"),
		),
	)
}
