package services

import (
	"context"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"VPN-Cluster-bot/internal/db"
	"VPN-Cluster-bot/internal/engine"
	"VPN-Cluster-bot/internal/logger"
)

// Грейс после окончания срока: ключ живёт ещё сутки, чтобы успеть продлить
const expiryGrace = 24 * time.Hour

// DeleteExpiredKeys снимает просроченные подписки (сначала с панелей, потом
// строку) и уведомляет владельцев. Замороженные ключи не трогаются.
func DeleteExpiredKeys(ctx context.Context, bot *tgbotapi.BotAPI, gdb *gorm.DB, eng *engine.Engine) {
	cutoff := time.Now().Add(-expiryGrace).UnixMilli()
	var keys []db.Key
	if err := gdb.Where("expiry_time < ? AND is_frozen = ?", cutoff, false).Find(&keys).Error; err != nil {
		logger.Error("expire: list keys failed", zap.Error(err))
		return
	}
	for _, key := range keys {
		if err := eng.Delete(ctx, key.ClientID); err != nil {
			logger.Error("expire: delete failed", zap.String("client_id", key.ClientID), zap.Error(err))
			continue
		}
		msg := tgbotapi.NewMessage(key.TgID, "Ваша подписка завершена, для продления воспользуйтесь ботом")
		_, _ = bot.Send(msg)
	}
}
