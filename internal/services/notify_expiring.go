package services

import (
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"gorm.io/gorm"

	"VPN-Cluster-bot/internal/db"
	"VPN-Cluster-bot/internal/logger"
)

// NotifyExpiringSubscriptions отправляет уведомления пользователям о скором
// окончании подписки
func NotifyExpiringSubscriptions(bot *tgbotapi.BotAPI, gdb *gorm.DB, daysBefore int) {
	now := time.Now().UnixMilli()
	soon := now + int64(daysBefore)*24*60*60*1000
	var keys []db.Key
	err := gdb.Where("expiry_time <= ? AND expiry_time > ? AND is_frozen = ? AND notified_expiring = ?",
		soon, now, false, false).Find(&keys).Error
	if err != nil {
		logger.NotifyAdmin("Ошибка выборки истекающих подписок: " + err.Error())
		return
	}
	for _, key := range keys {
		text := fmt.Sprintf("Ваша подписка истекает через %d дн. Продлить: /subscriptions", daysBefore)
		if _, err := bot.Send(tgbotapi.NewMessage(key.TgID, text)); err != nil {
			logger.NotifyAdmin(fmt.Sprintf("Ошибка отправки уведомления пользователю %d: %v", key.TgID, err))
			continue
		}
		gdb.Model(&db.Key{}).Where("client_id = ?", key.ClientID).Update("notified_expiring", true)
	}
}
