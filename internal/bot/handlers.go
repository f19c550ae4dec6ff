package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"gorm.io/gorm"

	"VPN-Cluster-bot/config"
	"VPN-Cluster-bot/internal/db"
	"VPN-Cluster-bot/internal/engine"
)

const monthMs = int64(30 * 24 * 60 * 60 * 1000)

func (h *Handler) HandleUpdate(botapi *tgbotapi.BotAPI, update tgbotapi.Update) {
	// Регистрируем/обновляем пользователя при любом апдейте
	if update.Message != nil && update.Message.From != nil {
		from := update.Message.From
		var user db.User
		err := h.DB.Where("tg_id = ?", from.ID).First(&user).Error
		if err != nil {
			user = db.User{TgID: from.ID, Username: from.UserName}
			h.DB.Create(&user)
			h.DB.Create(&db.Connection{TgID: from.ID})
		} else if user.Username != from.UserName {
			h.DB.Model(&user).Update("username", from.UserName)
		}
	}

	if update.CallbackQuery != nil {
		h.handleCallback(botapi, update)
		return
	}
	if update.Message == nil || !update.Message.IsCommand() {
		return
	}

	cmd := "/" + update.Message.Command()
	userID := update.Message.From.ID
	chatID := update.Message.Chat.ID

	if strings.HasPrefix(cmd, "/admin_") {
		h.Admin.HandleAdminCommand(botapi, &update)
		return
	}
	if h.limiter.IsLimited(userID, cmd) {
		botapi.Send(tgbotapi.NewMessage(chatID, "Слишком часто, попробуйте чуть позже"))
		return
	}

	switch cmd {
	case "/start":
		msg := tgbotapi.NewMessage(chatID, "Привет! Здесь можно купить и продлить VPN-подписку.")
		msg.ReplyMarkup = GetReplyKeyboard(h.Admin.IsAdmin(userID))
		botapi.Send(msg)
	case "/buy":
		h.sendClusterChoice(botapi, chatID)
	case "/trial":
		h.handleTrial(botapi, chatID, userID)
	case "/subscriptions":
		h.sendSubscriptions(botapi, chatID, userID)
	case "/renew":
		h.sendKeyChoice(botapi, chatID, userID, "renew_key_", "Какую подписку продлить?")
	case "/delete":
		h.sendKeyChoice(botapi, chatID, userID, "del_key_", "Какую подписку удалить?")
	case "/freeze":
		h.sendKeyChoice(botapi, chatID, userID, "frz_key_", "Какую подписку заморозить или разморозить?")
	case "/traffic":
		h.sendKeyChoice(botapi, chatID, userID, "traffic_key_", "По какой подписке показать трафик?")
	case "/alias":
		h.handleAlias(botapi, chatID, userID, update.Message.CommandArguments())
	}
}

// handleAlias задаёт отображаемое имя подписки: /alias <email> <новое имя>
func (h *Handler) handleAlias(botapi *tgbotapi.BotAPI, chatID, userID int64, args string) {
	fields := strings.Fields(args)
	if len(fields) < 2 {
		botapi.Send(tgbotapi.NewMessage(chatID, "Использование: /alias <email> <новое имя>"))
		return
	}
	alias := strings.Join(fields[1:], " ")
	res := h.DB.Model(&db.Key{}).Where("email = ? AND tg_id = ?", fields[0], userID).
		Update("alias", alias)
	if res.Error != nil || res.RowsAffected == 0 {
		botapi.Send(tgbotapi.NewMessage(chatID, "Подписка не найдена"))
		return
	}
	botapi.Send(tgbotapi.NewMessage(chatID, "Имя обновлено: "+alias))
}

// sendClusterChoice предлагает кластер (страну); без USE_COUNTRY_SELECTION
// берётся первый кластер сразу.
func (h *Handler) sendClusterChoice(botapi *tgbotapi.BotAPI, chatID int64) {
	names, err := h.Registry.ClusterNames()
	if err != nil || len(names) == 0 {
		botapi.Send(tgbotapi.NewMessage(chatID, "Нет доступных серверов, попробуйте позже"))
		return
	}
	if !config.AppCfg.UseCountrySelection {
		h.sendTariffChoice(botapi, chatID, names[0])
		return
	}
	var rows [][]tgbotapi.InlineKeyboardButton
	for _, name := range names {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(name, "buy_cluster_"+name),
		))
	}
	msg := tgbotapi.NewMessage(chatID, "Выберите локацию:")
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	botapi.Send(msg)
}

func (h *Handler) sendTariffChoice(botapi *tgbotapi.BotAPI, chatID int64, clusterName string) {
	var rows [][]tgbotapi.InlineKeyboardButton
	for _, m := range []int{1, 3, 6, 12} {
		price := float64(m) * config.AppCfg.PricePerMonth
		label := fmt.Sprintf("%d мес. — %.0f₽", m, price)
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(label, fmt.Sprintf("buy_tariff_%s_%d", clusterName, m)),
		))
	}
	msg := tgbotapi.NewMessage(chatID, "Выберите срок подписки:")
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	botapi.Send(msg)
}

func (h *Handler) sendSubscriptions(botapi *tgbotapi.BotAPI, chatID, userID int64) {
	keys, err := h.Engine.KeysOf(userID)
	if err != nil || len(keys) == 0 {
		botapi.Send(tgbotapi.NewMessage(chatID, "У вас нет активных подписок. /buy — купить"))
		return
	}
	var sb strings.Builder
	for _, k := range keys {
		name := k.Email
		if k.Alias != nil && *k.Alias != "" {
			name = *k.Alias
		}
		state := "активна до " + time.UnixMilli(k.ExpiryTime).Format("02.01.2006")
		if k.IsFrozen {
			state = "заморожена"
		}
		sb.WriteString(fmt.Sprintf("%s (%s): %s\n%s\n\n", name, k.ServerID, state, k.Key))
	}
	botapi.Send(tgbotapi.NewMessage(chatID, sb.String()))
}

func (h *Handler) sendKeyChoice(botapi *tgbotapi.BotAPI, chatID, userID int64, prefix, title string) {
	keys, err := h.Engine.KeysOf(userID)
	if err != nil || len(keys) == 0 {
		botapi.Send(tgbotapi.NewMessage(chatID, "У вас нет активных подписок"))
		return
	}
	var rows [][]tgbotapi.InlineKeyboardButton
	for _, k := range keys {
		name := k.Email
		if k.Alias != nil && *k.Alias != "" {
			name = *k.Alias
		}
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(name, prefix+k.ClientID),
		))
	}
	msg := tgbotapi.NewMessage(chatID, title)
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	botapi.Send(msg)
}

func (h *Handler) handleTrial(botapi *tgbotapi.BotAPI, chatID, userID int64) {
	var user db.User
	if err := h.DB.Where("tg_id = ?", userID).First(&user).Error; err != nil {
		botapi.Send(tgbotapi.NewMessage(chatID, "Ошибка, попробуйте позже"))
		return
	}
	if user.TrialUsed {
		botapi.Send(tgbotapi.NewMessage(chatID, "Пробный период уже использован. /buy — купить"))
		return
	}
	names, err := h.Registry.ClusterNames()
	if err != nil || len(names) == 0 {
		botapi.Send(tgbotapi.NewMessage(chatID, "Нет доступных серверов, попробуйте позже"))
		return
	}
	expiry := time.Now().AddDate(0, 0, config.AppCfg.TrialDays).UnixMilli()
	key, err := h.Engine.Create(context.Background(), userID, names[0], expiry)
	if err != nil {
		botapi.Send(tgbotapi.NewMessage(chatID, outcomeText(err)))
		return
	}
	h.DB.Model(&db.User{}).Where("tg_id = ?", userID).Update("trial_used", true)
	botapi.Send(tgbotapi.NewMessage(chatID, "Пробная подписка готова:\n"+key.Key))
}

func (h *Handler) handleCallback(botapi *tgbotapi.BotAPI, update tgbotapi.Update) {
	cb := update.CallbackQuery
	// Callback от inline-сообщения приходит без Message
	if cb.Message == nil {
		botapi.Request(tgbotapi.NewCallback(cb.ID, ""))
		return
	}
	data := cb.Data
	userID := cb.From.ID
	chatID := cb.Message.Chat.ID

	switch {
	case strings.HasPrefix(data, "buy_cluster_"):
		h.sendTariffChoice(botapi, chatID, strings.TrimPrefix(data, "buy_cluster_"))
		botapi.Request(tgbotapi.NewCallback(update.CallbackQuery.ID, "Локация выбрана"))

	case strings.HasPrefix(data, "buy_tariff_"):
		rest := strings.TrimPrefix(data, "buy_tariff_")
		idx := strings.LastIndex(rest, "_")
		if idx < 0 {
			botapi.Request(tgbotapi.NewCallback(update.CallbackQuery.ID, "Ошибка выбора тарифа"))
			return
		}
		clusterName := rest[:idx]
		months, err := strconv.Atoi(rest[idx+1:])
		if err != nil || months < 1 {
			botapi.Request(tgbotapi.NewCallback(update.CallbackQuery.ID, "Ошибка выбора тарифа"))
			return
		}
		h.buy(botapi, update, chatID, userID, clusterName, months)

	case strings.HasPrefix(data, "renew_key_"):
		clientID := strings.TrimPrefix(data, "renew_key_")
		var rows [][]tgbotapi.InlineKeyboardButton
		for _, m := range []int{1, 3, 6, 12} {
			rows = append(rows, tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData(strconv.Itoa(m)+" мес.",
					fmt.Sprintf("renew_tariff_%s_%d", clientID, m)),
			))
		}
		msg := tgbotapi.NewMessage(chatID, "На сколько продлить?")
		msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
		botapi.Send(msg)
		botapi.Request(tgbotapi.NewCallback(update.CallbackQuery.ID, ""))

	case strings.HasPrefix(data, "renew_tariff_"):
		rest := strings.TrimPrefix(data, "renew_tariff_")
		idx := strings.LastIndex(rest, "_")
		if idx < 0 {
			botapi.Request(tgbotapi.NewCallback(update.CallbackQuery.ID, "Ошибка"))
			return
		}
		clientID := rest[:idx]
		months, _ := strconv.Atoi(rest[idx+1:])
		h.renew(botapi, update, chatID, userID, clientID, months)

	case strings.HasPrefix(data, "frz_key_"):
		clientID := strings.TrimPrefix(data, "frz_key_")
		if !h.ownsKey(userID, clientID) {
			botapi.Request(tgbotapi.NewCallback(update.CallbackQuery.ID, "Это не ваша подписка"))
			return
		}
		var key db.Key
		if err := h.DB.Where("client_id = ?", clientID).First(&key).Error; err != nil {
			botapi.Request(tgbotapi.NewCallback(update.CallbackQuery.ID, "Подписка не найдена"))
			return
		}
		if err := h.Engine.SetFrozen(context.Background(), clientID, !key.IsFrozen); err != nil {
			botapi.Request(tgbotapi.NewCallback(update.CallbackQuery.ID, outcomeText(err)))
			return
		}
		text := "Подписка заморожена"
		if key.IsFrozen {
			text = "Подписка разморожена"
		}
		botapi.Send(tgbotapi.NewMessage(chatID, text))
		botapi.Request(tgbotapi.NewCallback(update.CallbackQuery.ID, "Готово"))

	case strings.HasPrefix(data, "traffic_key_"):
		clientID := strings.TrimPrefix(data, "traffic_key_")
		if !h.ownsKey(userID, clientID) {
			botapi.Request(tgbotapi.NewCallback(update.CallbackQuery.ID, "Это не ваша подписка"))
			return
		}
		t, err := h.Engine.Traffic(context.Background(), clientID)
		if err != nil || !t.Known {
			botapi.Request(tgbotapi.NewCallback(update.CallbackQuery.ID, "Панели сейчас не отвечают"))
			return
		}
		used := float64(t.Up+t.Down) / float64(1<<30)
		botapi.Send(tgbotapi.NewMessage(chatID, fmt.Sprintf("Использовано с последнего сброса: %.2f ГБ", used)))
		botapi.Request(tgbotapi.NewCallback(update.CallbackQuery.ID, ""))

	case strings.HasPrefix(data, "del_key_"):
		clientID := strings.TrimPrefix(data, "del_key_")
		if !h.ownsKey(userID, clientID) {
			botapi.Request(tgbotapi.NewCallback(update.CallbackQuery.ID, "Это не ваша подписка"))
			return
		}
		if err := h.Engine.Delete(context.Background(), clientID); err != nil {
			botapi.Request(tgbotapi.NewCallback(update.CallbackQuery.ID, outcomeText(err)))
			return
		}
		botapi.Send(tgbotapi.NewMessage(chatID, "Подписка удалена"))
		botapi.Request(tgbotapi.NewCallback(update.CallbackQuery.ID, "Готово"))
	}
}

// chargeBalance списывает стоимость одним условным UPDATE: конкурентные
// списания не могут увести баланс в минус.
func (h *Handler) chargeBalance(userID int64, price float64) error {
	res := h.DB.Model(&db.User{}).
		Where("tg_id = ? AND balance >= ?", userID, price).
		Update("balance", gorm.Expr("balance - ?", price))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var user db.User
		if err := h.DB.Where("tg_id = ?", userID).First(&user).Error; err != nil {
			return err
		}
		return fmt.Errorf("недостаточно средств: нужно %.0f₽, на балансе %.0f₽", price, user.Balance)
	}
	h.DB.Create(&db.Payment{TgID: userID, Amount: price, Status: "charged", CreatedAt: time.Now().UnixMilli()})
	return nil
}

func (h *Handler) refundBalance(userID int64, price float64) {
	h.DB.Model(&db.User{}).Where("tg_id = ?", userID).
		Update("balance", gorm.Expr("balance + ?", price))
	h.DB.Create(&db.Payment{TgID: userID, Amount: -price, Status: "refunded", CreatedAt: time.Now().UnixMilli()})
}

// buy списывает стоимость с баланса и заводит подписку; при сбое провижена
// деньги возвращаются.
func (h *Handler) buy(botapi *tgbotapi.BotAPI, update tgbotapi.Update, chatID, userID int64, clusterName string, months int) {
	price := float64(months) * config.AppCfg.PricePerMonth
	if err := h.chargeBalance(userID, price); err != nil {
		botapi.Request(tgbotapi.NewCallback(update.CallbackQuery.ID, err.Error()))
		return
	}

	expiry := time.Now().UnixMilli() + int64(months)*monthMs
	key, err := h.Engine.Create(context.Background(), userID, clusterName, expiry)
	if err != nil {
		h.refundBalance(userID, price)
		botapi.Send(tgbotapi.NewMessage(chatID, outcomeText(err)))
		botapi.Request(tgbotapi.NewCallback(update.CallbackQuery.ID, ""))
		return
	}
	botapi.Send(tgbotapi.NewMessage(chatID, "Подписка готова:\n"+key.Key))
	botapi.Request(tgbotapi.NewCallback(update.CallbackQuery.ID, "Оплачено"))
}

func (h *Handler) renew(botapi *tgbotapi.BotAPI, update tgbotapi.Update, chatID, userID int64, clientID string, months int) {
	if months < 1 {
		botapi.Request(tgbotapi.NewCallback(update.CallbackQuery.ID, "Некорректный срок"))
		return
	}
	if !h.ownsKey(userID, clientID) {
		botapi.Request(tgbotapi.NewCallback(update.CallbackQuery.ID, "Это не ваша подписка"))
		return
	}
	price := float64(months) * config.AppCfg.PricePerMonth
	if err := h.chargeBalance(userID, price); err != nil {
		botapi.Request(tgbotapi.NewCallback(update.CallbackQuery.ID, err.Error()))
		return
	}

	var key db.Key
	h.DB.Where("client_id = ?", clientID).First(&key)
	base := key.ExpiryTime
	if now := time.Now().UnixMilli(); now > base {
		base = now
	}
	if err := h.Engine.Renew(context.Background(), clientID, base+int64(months)*monthMs); err != nil {
		h.refundBalance(userID, price)
		botapi.Send(tgbotapi.NewMessage(chatID, outcomeText(err)))
		botapi.Request(tgbotapi.NewCallback(update.CallbackQuery.ID, ""))
		return
	}
	botapi.Send(tgbotapi.NewMessage(chatID, fmt.Sprintf("Подписка продлена на %d мес.", months)))
	botapi.Request(tgbotapi.NewCallback(update.CallbackQuery.ID, "Готово"))
}

func (h *Handler) ownsKey(userID int64, clientID string) bool {
	var count int64
	h.DB.Model(&db.Key{}).Where("client_id = ? AND tg_id = ?", clientID, userID).Count(&count)
	return count > 0
}

// outcomeText переводит исход операции в текст для пользователя; сырые
// ошибки панелей наружу не выходят.
func outcomeText(err error) string {
	switch engine.OutcomeOf(err) {
	case engine.OutcomeOK:
		return "Готово"
	case engine.OutcomeTemporaryOutage:
		return "Серверы временно недоступны, попробуйте через пару минут"
	case engine.OutcomeNotFound:
		return "Подписка не найдена"
	case engine.OutcomeConflict:
		return "Конфликт данных, попробуйте ещё раз"
	default:
		return "Внутренняя ошибка, мы уже разбираемся"
	}
}
