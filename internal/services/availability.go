package services

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"VPN-Cluster-bot/internal/cluster"
	"VPN-Cluster-bot/internal/db"
	"VPN-Cluster-bot/internal/engine"
	"VPN-Cluster-bot/internal/logger"
)

// ServerStatus — результат последнего опроса одного сервера.
type ServerStatus struct {
	Cluster     string
	Server      string
	Online      int
	Err         string
	LastChecked time.Time
}

// Availability опрашивает все панели (list_online) и кеширует статусы для
// админского обзора. Суммарный онлайн считается отдельно от сбойных серверов.
type Availability struct {
	reg    *db.Registry
	disp   *cluster.Dispatcher
	pool   engine.AdapterProvider
	notify func(string)

	mu       sync.Mutex
	statuses []ServerStatus
	total    int
	down     map[string]bool
}

func NewAvailability(reg *db.Registry, disp *cluster.Dispatcher, pool engine.AdapterProvider) *Availability {
	return &Availability{reg: reg, disp: disp, pool: pool, notify: logger.NotifyAdmin}
}

// Scan обходит все кластеры. Сбой сервера не прерывает скан — он попадает в
// статус со строкой ошибки.
func (a *Availability) Scan(ctx context.Context) {
	all, err := a.reg.ListAll()
	if err != nil {
		logger.Error("availability: list servers failed", zap.Error(err))
		return
	}

	a.mu.Lock()
	prevDown := a.down
	a.mu.Unlock()

	var (
		mu       sync.Mutex
		statuses []ServerStatus
		total    int
	)
	down := make(map[string]bool)
	for clusterName, servers := range all {
		counts := make(map[string]int, len(servers))
		results := a.disp.Run(ctx, servers, cluster.ScanTimeout, func(ctx context.Context, srv db.Server) error {
			ad, err := a.pool.Get(srv)
			if err != nil {
				return err
			}
			online, err := ad.ListOnline(ctx)
			if err != nil {
				return err
			}
			mu.Lock()
			counts[srv.ServerName] = len(online)
			mu.Unlock()
			return nil
		})
		for _, r := range results {
			st := ServerStatus{
				Cluster:     clusterName,
				Server:      r.Server,
				LastChecked: time.Now(),
			}
			if r.Err != nil {
				st.Err = r.Err.Error()
				key := clusterName + "/" + r.Server
				down[key] = true
				// Алерт только при переходе в недоступность, не каждый скан
				if !prevDown[key] {
					a.notify("Сервер " + key + " недоступен: " + st.Err)
				}
			} else {
				st.Online = counts[r.Server]
				total += counts[r.Server]
			}
			statuses = append(statuses, st)
		}
	}

	a.mu.Lock()
	a.statuses = statuses
	a.total = total
	a.down = down
	a.mu.Unlock()
}

// Statuses возвращает кеш последнего скана и суммарный онлайн.
func (a *Availability) Statuses() ([]ServerStatus, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]ServerStatus, len(a.statuses))
	copy(out, a.statuses)
	return out, a.total
}
