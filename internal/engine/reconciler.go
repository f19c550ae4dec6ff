package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"VPN-Cluster-bot/internal/cluster"
	"VPN-Cluster-bot/internal/db"
	"VPN-Cluster-bot/internal/logger"
	"VPN-Cluster-bot/internal/panel"
)

// Reconciler перестраивает состояние панелей из БД: после добавления или
// замены сервера оператор прогоняет sync и панель снова отражает keys.
// Общего таймаута нет, отмена контекста прерывает обход.
type Reconciler struct {
	db   *gorm.DB
	reg  *db.Registry
	disp *cluster.Dispatcher
	pool AdapterProvider

	totalGB int64 // в байтах
}

func NewReconciler(gdb *gorm.DB, reg *db.Registry, disp *cluster.Dispatcher, pool AdapterProvider, totalGB int64) *Reconciler {
	return &Reconciler{db: gdb, reg: reg, disp: disp, pool: pool, totalGB: totalGB * gb}
}

// SyncSummary сжимается для оператора до "N synced, M failed".
type SyncSummary struct {
	Synced       int
	Failed       int
	FailedEmails []string
}

func (s SyncSummary) String() string {
	return fmt.Sprintf("%d synced, %d failed", s.Synced, s.Failed)
}

// SyncCluster проходит все незамороженные ключи кластера: delete-then-add на
// каждом сервере. Удаление перед добавлением выметает остатки прерванных
// операций — add_client остаётся единственным путём создания.
func (r *Reconciler) SyncCluster(ctx context.Context, clusterName string) (SyncSummary, error) {
	servers, err := r.reg.Cluster(clusterName)
	if err != nil {
		return SyncSummary{}, err
	}
	return r.sync(ctx, clusterName, servers)
}

// SyncServer трогает только один сервер кластера.
func (r *Reconciler) SyncServer(ctx context.Context, clusterName, serverName string) (SyncSummary, error) {
	servers, err := r.reg.Cluster(clusterName)
	if err != nil {
		return SyncSummary{}, err
	}
	for _, srv := range servers {
		if srv.ServerName == serverName {
			return r.sync(ctx, clusterName, []db.Server{srv})
		}
	}
	return SyncSummary{}, db.ErrServerNotFound
}

func (r *Reconciler) sync(ctx context.Context, clusterName string, servers []db.Server) (SyncSummary, error) {
	var summary SyncSummary
	var keys []db.Key
	if err := r.db.Where("server_id = ? AND is_frozen = ?", clusterName, false).
		Order("created_at").Find(&keys).Error; err != nil {
		return summary, err
	}

	for i, k := range keys {
		if err := r.syncKey(ctx, servers, k); err != nil {
			if ctx.Err() != nil {
				return summary, ctx.Err()
			}
			summary.Failed++
			summary.FailedEmails = append(summary.FailedEmails, k.Email)
			logger.Error("sync: key failed",
				zap.String("client_id", k.ClientID), zap.String("cluster", clusterName), zap.Error(err))
		} else {
			summary.Synced++
		}
		if i < len(keys)-1 {
			if err := cluster.Pace(ctx, cluster.PaceDelay); err != nil {
				return summary, err
			}
		}
	}
	logger.Info("sync finished",
		zap.String("cluster", clusterName), zap.Int("synced", summary.Synced), zap.Int("failed", summary.Failed))
	return summary, nil
}

func (r *Reconciler) syncKey(ctx context.Context, servers []db.Server, k db.Key) error {
	del := r.disp.Run(ctx, servers, cluster.OpTimeout, func(ctx context.Context, srv db.Server) error {
		ad, err := r.pool.Get(srv)
		if err != nil {
			return err
		}
		return ad.DeleteClient(ctx, k.ClientID, k.Email)
	})
	if failed := cluster.Failed(del); len(failed) > 0 {
		return failed[0].Err
	}
	add := r.disp.Run(ctx, servers, cluster.OpTimeout, func(ctx context.Context, srv db.Server) error {
		ad, err := r.pool.Get(srv)
		if err != nil {
			return err
		}
		pc := panel.Client{
			ClientID: k.ClientID,
			Email:    k.Email,
			TgID:     k.TgID,
			ExpiryMs: k.ExpiryTime,
			LimitIP:  1,
			TotalGB:  r.totalGB,
			Flow:     panel.DefaultFlow,
		}
		return ad.AddClient(ctx, &pc)
	})
	if failed := cluster.Failed(add); len(failed) > 0 {
		return failed[0].Err
	}
	return nil
}
