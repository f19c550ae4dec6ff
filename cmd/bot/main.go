package main

import (
	"context"
	"io"
	"log"
	"os"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/robfig/cron/v3"

	"VPN-Cluster-bot/config"
	"VPN-Cluster-bot/internal/admin"
	"VPN-Cluster-bot/internal/bot"
	"VPN-Cluster-bot/internal/cluster"
	"VPN-Cluster-bot/internal/db"
	"VPN-Cluster-bot/internal/engine"
	"VPN-Cluster-bot/internal/logger"
	"VPN-Cluster-bot/internal/services"
)

func main() {
	config.LoadConfig()
	db.InitDB(config.AppCfg.DatabaseURL)

	botapi, err := tgbotapi.NewBotAPI(config.AppCfg.BotToken)
	if err != nil {
		log.Fatalf("Failed to create bot: %v", err)
	}
	logger.InitNotifier(botapi, config.AppCfg.AdminTelegramID)

	// --- Логирование в файл и консоль ---
	logFile, err := os.OpenFile("bot.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		log.Fatalf("Не удалось открыть файл логов: %v", err)
	}
	mw := io.MultiWriter(os.Stdout, logFile)
	log.SetOutput(mw)
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)

	// Координатор: реестр, диспетчер, пул адаптеров, движок, реконсайлер
	registry := db.NewRegistry(db.DB)
	dispatcher := cluster.NewDispatcher(config.AppCfg.ClusterFanout)
	pool := engine.NewAdapterPool(engine.PanelCredentials{
		XUIUsername:       config.AppCfg.AdminUsername,
		XUIPassword:       config.AppCfg.AdminPassword,
		RemnawaveLogin:    config.AppCfg.RemnawaveLogin,
		RemnawavePassword: config.AppCfg.RemnawavePassword,
	})
	eng := engine.New(db.DB, registry, dispatcher, pool, config.AppCfg.TotalGB)
	recon := engine.NewReconciler(db.DB, registry, dispatcher, pool, config.AppCfg.TotalGB)
	avail := services.NewAvailability(registry, dispatcher, pool)

	adm := &admin.Handler{
		AdminID:  config.AppCfg.AdminTelegramID,
		DB:       db.DB,
		Engine:   eng,
		Registry: registry,
		Recon:    recon,
		Avail:    avail,
	}
	handler := bot.NewHandler(db.DB, eng, registry, adm)

	// Периодика: опрос доступности, чистка просроченных, напоминания
	c := cron.New()
	c.AddFunc("@every 5m", func() {
		defer logger.NotifyOnPanic("availability scan")
		avail.Scan(context.Background())
	})
	c.AddFunc("30 3 * * *", func() {
		defer logger.NotifyOnPanic("expired keys cleanup")
		services.DeleteExpiredKeys(context.Background(), botapi, db.DB, eng)
	})
	c.AddFunc("0 10 * * *", func() {
		defer logger.NotifyOnPanic("expiry notifications")
		services.NotifyExpiringSubscriptions(botapi, db.DB, 3)
	})
	c.Start()

	// Запуск Telegram-бота (polling)
	handler.StartBotWithInstance(botapi)
}
