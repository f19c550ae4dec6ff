package config

import (
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type AppConfig struct {
	BotToken        string
	AdminTelegramID int64
	DatabaseURL     string

	// Учётные данные панелей
	AdminUsername     string // PANEL-A (3x-ui)
	AdminPassword     string
	RemnawaveLogin    string // PANEL-B
	RemnawavePassword string

	TotalGB             int64 // лимит трафика на клиента в ГБ, 0 = безлимит
	ClusterFanout       int64 // одновременных серверов при fan-out по кластеру
	TrialDays           int
	PricePerMonth       float64
	UseCountrySelection bool
}

var AppCfg AppConfig

func LoadConfig() {
	err := godotenv.Load()
	if err != nil {
		log.Println(".env file not found, relying on environment variables")
	}

	AppCfg.BotToken = os.Getenv("BOT_TOKEN")
	AppCfg.AdminTelegramID, _ = strconv.ParseInt(os.Getenv("ADMIN_TELEGRAM_ID"), 10, 64)
	AppCfg.DatabaseURL = os.Getenv("DATABASE_URL")
	AppCfg.AdminUsername = os.Getenv("ADMIN_USERNAME")
	AppCfg.AdminPassword = os.Getenv("ADMIN_PASSWORD")
	AppCfg.RemnawaveLogin = os.Getenv("REMNAWAVE_LOGIN")
	AppCfg.RemnawavePassword = os.Getenv("REMNAWAVE_PASSWORD")

	AppCfg.TotalGB = envInt64("TOTAL_GB", 0)
	AppCfg.ClusterFanout = envInt64("CLUSTER_FANOUT", 2)
	AppCfg.TrialDays = int(envInt64("TRIAL_DAYS", 3))
	AppCfg.PricePerMonth = envFloat("PRICE_PER_MONTH", 100)
	AppCfg.UseCountrySelection = os.Getenv("USE_COUNTRY_SELECTION") == "true"

	if AppCfg.BotToken == "" || AppCfg.AdminTelegramID == 0 || AppCfg.DatabaseURL == "" {
		log.Fatal("Critical environment variables are missing. Bot will exit.")
	}
	if AppCfg.ClusterFanout < 1 {
		AppCfg.ClusterFanout = 1
	}
}

func envInt64(name string, def int64) int64 {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		log.Fatalf("Invalid %s: %v", name, err)
	}
	return n
}

func envFloat(name string, def float64) float64 {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Fatalf("Invalid %s: %v", name, err)
	}
	return n
}
