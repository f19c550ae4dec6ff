package db

// Server — один физический сервер панели внутри кластера.
// InboundID хранится строкой: числовой id для 3x-ui, UUID для remnawave.
type Server struct {
	ClusterName     string  `gorm:"primaryKey;size:12"`
	ServerName      string  `gorm:"primaryKey;size:12"`
	APIURL          string  `gorm:"column:api_url"`
	SubscriptionURL *string `gorm:"column:subscription_url"`
	InboundID       string  `gorm:"column:inbound_id"`
	PanelType       string  // "3x-ui" | "remnawave"
}

// Key — подписка. ServerID всегда хранит имя кластера: подписка живёт на
// всех серверах своего кластера сразу.
type Key struct {
	TgID             int64
	ClientID         string `gorm:"primaryKey;size:36"`
	Email            string `gorm:"uniqueIndex;size:64"`
	CreatedAt        int64  // epoch ms
	ExpiryTime       int64  // epoch ms
	Key              string // ссылка подписки для пользователя
	ServerID         string `gorm:"column:server_id;index"`
	IsFrozen         bool   `gorm:"default:false"`
	Alias            *string
	NotifiedExpiring bool `gorm:"default:false"` // уведомление о скором окончании
}

type User struct {
	TgID      int64 `gorm:"primaryKey"`
	Username  string
	Balance   float64
	TrialUsed bool `gorm:"default:false"`
}

type Connection struct {
	TgID    int64 `gorm:"primaryKey"`
	Balance float64
}

type Payment struct {
	ID        uint `gorm:"primaryKey"`
	TgID      int64
	Amount    float64
	Status    string
	CreatedAt int64
}

type Referral struct {
	ID            uint  `gorm:"primaryKey"`
	TgID          int64 `gorm:"index"`
	ReferredTgID  int64
	RewardGranted bool `gorm:"default:false"`
}

type Coupon struct {
	Code       string `gorm:"primaryKey"`
	Amount     float64
	UsageLimit int
	UsageCount int
}
