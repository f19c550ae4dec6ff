package engine

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const emailMaxLen = 64

// SanitizeEmail приводит идентификатор к виду, который принимают обе панели:
// нижний регистр, [^a-z0-9_-] заменяется на '_', не длиннее 64 символов.
func SanitizeEmail(raw string) string {
	low := strings.ToLower(raw)
	var b strings.Builder
	for _, r := range low {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	s := b.String()
	if len(s) > emailMaxLen {
		s = s[:emailMaxLen]
	}
	return s
}

// NewEmail формирует уникальный email подписки из tg_id и случайного хвоста.
func NewEmail(tgID int64) string {
	suffix := strings.Split(uuid.New().String(), "-")[0]
	return SanitizeEmail(fmt.Sprintf("%d_%s", tgID, suffix))
}

// SubscriptionURL собирает пользовательскую ссылку {base}/{email}.
// Пустая база — пустая ссылка (панель B выдаёт свою).
func SubscriptionURL(base, email string) string {
	if base == "" {
		return ""
	}
	return strings.TrimRight(base, "/") + "/" + email
}
