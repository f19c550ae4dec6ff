package admin

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"gorm.io/gorm"

	"VPN-Cluster-bot/internal/db"
	"VPN-Cluster-bot/internal/engine"
	"VPN-Cluster-bot/internal/logger"
	"VPN-Cluster-bot/internal/panel"
	"VPN-Cluster-bot/internal/services"
)

const maxNameLen = 12

// Handler — админская поверхность управления флотом серверов.
type Handler struct {
	AdminID  int64
	DB       *gorm.DB
	Engine   *engine.Engine
	Registry *db.Registry
	Recon    *engine.Reconciler
	Avail    *services.Availability
}

func (h *Handler) IsAdmin(userID int64) bool {
	return userID == h.AdminID
}

func (h *Handler) HandleAdminCommand(bot *tgbotapi.BotAPI, update *tgbotapi.Update) {
	if update.Message == nil || update.Message.From.ID != h.AdminID {
		return
	}
	cmd := update.Message.Command()
	args := strings.Fields(update.Message.CommandArguments())
	chatID := update.Message.Chat.ID

	switch cmd {
	case "admin_addserver":
		h.handleAddServer(bot, chatID, args)
	case "admin_delserver":
		h.handleDelServer(bot, chatID, args)
	case "admin_renameserver":
		h.handleRenameServer(bot, chatID, args)
	case "admin_renamecluster":
		h.handleRenameCluster(bot, chatID, args)
	case "admin_transfer":
		h.handleTransfer(bot, chatID, args)
	case "admin_sync":
		h.handleSyncServer(bot, chatID, args)
	case "admin_synccluster":
		h.handleSyncCluster(bot, chatID, args)
	case "admin_scan":
		h.handleScan(bot, chatID)
	case "admin_extend":
		h.handleExtend(bot, chatID, args)
	case "admin_servers":
		h.handleServers(bot, chatID)
	case "admin_stats":
		h.handleStats(bot, chatID)
	}
	logger.LogAdminAction(h.AdminID, cmd, update.Message.Text)
}

// /admin_addserver <cluster> <name> <api_url> <inbound_id> <panel_type> [sub_url]
func (h *Handler) handleAddServer(bot *tgbotapi.BotAPI, chatID int64, args []string) {
	if len(args) < 5 {
		bot.Send(tgbotapi.NewMessage(chatID, "Использование: /admin_addserver <cluster> <name> <api_url> <inbound_id> <3x-ui|remnawave> [sub_url]"))
		return
	}
	clusterName, serverName, apiURL, inboundID, panelType := args[0], args[1], args[2], args[3], args[4]
	if len(clusterName) > maxNameLen || len(serverName) > maxNameLen {
		bot.Send(tgbotapi.NewMessage(chatID, "Имена кластера и сервера — не длиннее 12 символов"))
		return
	}
	if u, err := url.Parse(apiURL); err != nil || u.Scheme == "" || u.Host == "" {
		bot.Send(tgbotapi.NewMessage(chatID, "Некорректный api_url"))
		return
	}
	switch panelType {
	case panel.TypeXUI:
		if _, err := strconv.Atoi(inboundID); err != nil {
			bot.Send(tgbotapi.NewMessage(chatID, "Для 3x-ui inbound_id должен быть числом"))
			return
		}
	case panel.TypeRemnawave:
		// UUID, формально не проверяем — панель отвергнет мусор сама
	default:
		bot.Send(tgbotapi.NewMessage(chatID, "panel_type: 3x-ui или remnawave"))
		return
	}
	srv := db.Server{
		ClusterName: clusterName,
		ServerName:  serverName,
		APIURL:      apiURL,
		InboundID:   inboundID,
		PanelType:   panelType,
	}
	if len(args) > 5 {
		srv.SubscriptionURL = &args[5]
	}
	if err := h.Registry.AddServer(srv); err != nil {
		bot.Send(tgbotapi.NewMessage(chatID, "Ошибка: "+err.Error()))
		return
	}
	bot.Send(tgbotapi.NewMessage(chatID,
		fmt.Sprintf("Сервер %s/%s добавлен. Не забудьте /admin_sync %s %s", clusterName, serverName, clusterName, serverName)))
}

// /admin_delserver <cluster> <name>
func (h *Handler) handleDelServer(bot *tgbotapi.BotAPI, chatID int64, args []string) {
	if len(args) != 2 {
		bot.Send(tgbotapi.NewMessage(chatID, "Использование: /admin_delserver <cluster> <name>"))
		return
	}
	// Чистое удаление строки: перенос ключей — заранее через /admin_transfer
	if err := h.Registry.DeleteServer(args[0], args[1]); err != nil {
		bot.Send(tgbotapi.NewMessage(chatID, "Ошибка: "+err.Error()))
		return
	}
	bot.Send(tgbotapi.NewMessage(chatID, "Сервер удалён"))
}

// /admin_renameserver <cluster> <old> <new>
func (h *Handler) handleRenameServer(bot *tgbotapi.BotAPI, chatID int64, args []string) {
	if len(args) != 3 {
		bot.Send(tgbotapi.NewMessage(chatID, "Использование: /admin_renameserver <cluster> <old> <new>"))
		return
	}
	if len(args[2]) > maxNameLen {
		bot.Send(tgbotapi.NewMessage(chatID, "Имя сервера — не длиннее 12 символов"))
		return
	}
	if err := h.Registry.RenameServer(args[0], args[1], args[2]); err != nil {
		bot.Send(tgbotapi.NewMessage(chatID, "Ошибка: "+err.Error()))
		return
	}
	bot.Send(tgbotapi.NewMessage(chatID, "Сервер переименован"))
}

// /admin_renamecluster <old> <new>
func (h *Handler) handleRenameCluster(bot *tgbotapi.BotAPI, chatID int64, args []string) {
	if len(args) != 2 {
		bot.Send(tgbotapi.NewMessage(chatID, "Использование: /admin_renamecluster <old> <new>"))
		return
	}
	if len(args[1]) > maxNameLen {
		bot.Send(tgbotapi.NewMessage(chatID, "Имя кластера — не длиннее 12 символов"))
		return
	}
	if err := h.Registry.RenameCluster(args[0], args[1]); err != nil {
		bot.Send(tgbotapi.NewMessage(chatID, "Ошибка: "+err.Error()))
		return
	}
	bot.Send(tgbotapi.NewMessage(chatID, "Кластер переименован, ключи обновлены"))
}

// /admin_transfer <old_server> <new_server>
func (h *Handler) handleTransfer(bot *tgbotapi.BotAPI, chatID int64, args []string) {
	if len(args) != 2 {
		bot.Send(tgbotapi.NewMessage(chatID, "Использование: /admin_transfer <old_server> <new_server>"))
		return
	}
	moved, err := h.Engine.TransferKeys(context.Background(), args[0], args[1])
	if err != nil {
		bot.Send(tgbotapi.NewMessage(chatID, "Ошибка: "+err.Error()))
		return
	}
	bot.Send(tgbotapi.NewMessage(chatID,
		fmt.Sprintf("Перенесено ключей: %d. Запустите /admin_synccluster на целевом кластере", moved)))
}

// /admin_sync <cluster> <server>
func (h *Handler) handleSyncServer(bot *tgbotapi.BotAPI, chatID int64, args []string) {
	if len(args) != 2 {
		bot.Send(tgbotapi.NewMessage(chatID, "Использование: /admin_sync <cluster> <server>"))
		return
	}
	bot.Send(tgbotapi.NewMessage(chatID, "Синхронизация запущена..."))
	summary, err := h.Recon.SyncServer(context.Background(), args[0], args[1])
	if err != nil {
		bot.Send(tgbotapi.NewMessage(chatID, "Ошибка: "+err.Error()))
		return
	}
	bot.Send(tgbotapi.NewMessage(chatID, summary.String()))
}

// /admin_synccluster <cluster>
func (h *Handler) handleSyncCluster(bot *tgbotapi.BotAPI, chatID int64, args []string) {
	if len(args) != 1 {
		bot.Send(tgbotapi.NewMessage(chatID, "Использование: /admin_synccluster <cluster>"))
		return
	}
	bot.Send(tgbotapi.NewMessage(chatID, "Синхронизация кластера запущена..."))
	summary, err := h.Recon.SyncCluster(context.Background(), args[0])
	if err != nil {
		bot.Send(tgbotapi.NewMessage(chatID, "Ошибка: "+err.Error()))
		return
	}
	bot.Send(tgbotapi.NewMessage(chatID, summary.String()))
}

func (h *Handler) handleScan(bot *tgbotapi.BotAPI, chatID int64) {
	bot.Send(tgbotapi.NewMessage(chatID, "Опрос серверов запущен..."))
	h.Avail.Scan(context.Background())
	h.handleServers(bot, chatID)
}

// /admin_extend <cluster> <days>
func (h *Handler) handleExtend(bot *tgbotapi.BotAPI, chatID int64, args []string) {
	if len(args) != 2 {
		bot.Send(tgbotapi.NewMessage(chatID, "Использование: /admin_extend <cluster> <days>"))
		return
	}
	days, err := strconv.Atoi(args[1])
	if err != nil || days < 1 {
		bot.Send(tgbotapi.NewMessage(chatID, "days — положительное число"))
		return
	}
	bot.Send(tgbotapi.NewMessage(chatID, "Массовое продление запущено..."))
	report, err := h.Engine.ExtendCluster(context.Background(), args[0], days)
	if err != nil {
		bot.Send(tgbotapi.NewMessage(chatID, fmt.Sprintf("Прервано: %v (успешно: %d, сбоев: %d)", err, report.OK, report.Failed)))
		return
	}
	msg := fmt.Sprintf("Продлено: %d, сбоев: %d", report.OK, report.Failed)
	if len(report.FailedIDs) > 0 {
		msg += "\nНе продлились: " + strings.Join(report.FailedIDs, ", ")
	}
	bot.Send(tgbotapi.NewMessage(chatID, msg))
}

func (h *Handler) handleServers(bot *tgbotapi.BotAPI, chatID int64) {
	statuses, total := h.Avail.Statuses()
	if len(statuses) == 0 {
		bot.Send(tgbotapi.NewMessage(chatID, "Скан ещё не выполнялся: /admin_scan"))
		return
	}
	var sb strings.Builder
	sb.WriteString("Статус серверов:\n")
	for _, s := range statuses {
		if s.Err != "" {
			sb.WriteString(fmt.Sprintf("%s/%s: ❌ %s\n", s.Cluster, s.Server, s.Err))
		} else {
			sb.WriteString(fmt.Sprintf("%s/%s: ✅ онлайн %d, проверено %s\n",
				s.Cluster, s.Server, s.Online, s.LastChecked.Format("02.01 15:04")))
		}
	}
	sb.WriteString(fmt.Sprintf("Всего онлайн: %d", total))
	bot.Send(tgbotapi.NewMessage(chatID, sb.String()))
}

func (h *Handler) handleStats(bot *tgbotapi.BotAPI, chatID int64) {
	var users, keys, frozen int64
	h.DB.Model(&db.User{}).Count(&users)
	h.DB.Model(&db.Key{}).Count(&keys)
	h.DB.Model(&db.Key{}).Where("is_frozen = ?", true).Count(&frozen)
	now := time.Now().UnixMilli()
	var active int64
	h.DB.Model(&db.Key{}).Where("expiry_time > ? AND is_frozen = ?", now, false).Count(&active)
	var revenue float64
	h.DB.Model(&db.Payment{}).Select("COALESCE(SUM(amount), 0)").Scan(&revenue)
	var referrals, coupons int64
	h.DB.Model(&db.Referral{}).Count(&referrals)
	h.DB.Model(&db.Coupon{}).Count(&coupons)
	msg := fmt.Sprintf("Пользователей: %d\nКлючей: %d\nАктивных: %d\nЗаморожено: %d\nВыручка: %.0f₽\nРефералов: %d\nКупонов: %d",
		users, keys, active, frozen, revenue, referrals, coupons)
	bot.Send(tgbotapi.NewMessage(chatID, msg))
}
