package bot

import (
	"log"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"gorm.io/gorm"

	"VPN-Cluster-bot/internal/admin"
	"VPN-Cluster-bot/internal/db"
	"VPN-Cluster-bot/internal/engine"
)

// Handler держит зависимости обработчиков; глобального состояния нет.
type Handler struct {
	DB       *gorm.DB
	Engine   *engine.Engine
	Registry *db.Registry
	Admin    *admin.Handler

	limiter *RateLimiter
}

func NewHandler(gdb *gorm.DB, eng *engine.Engine, reg *db.Registry, adm *admin.Handler) *Handler {
	return &Handler{
		DB:       gdb,
		Engine:   eng,
		Registry: reg,
		Admin:    adm,
		limiter:  NewRateLimiter(adm.AdminID),
	}
}

// StartBotWithInstance запускает Telegram-бота с переданным экземпляром
func (h *Handler) StartBotWithInstance(bot *tgbotapi.BotAPI) {
	log.Printf("Authorized on account %s", bot.Self.UserName)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := bot.GetUpdatesChan(u)

	for update := range updates {
		h.HandleUpdate(bot, update)
	}
}
