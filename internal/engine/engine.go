package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"VPN-Cluster-bot/internal/cluster"
	"VPN-Cluster-bot/internal/db"
	"VPN-Cluster-bot/internal/logger"
	"VPN-Cluster-bot/internal/panel"
)

const (
	// opDeadline — общий дедлайн одной lifecycle-операции
	opDeadline = 2 * time.Minute

	emailAttempts  = 5
	renewAttempts  = 3 // 1 вызов + 2 повтора на упрямый сервер
	dayMs          = int64(86400 * 1000)
	gb             = int64(1024 * 1024 * 1024)
)

// Engine — владелец состояния подписок: выстраивает записи в БД и fan-out по
// панелям так, чтобы после каждой завершённой операции база и кластер были
// согласованы. БД — источник истины, панели — её проекция.
type Engine struct {
	db    *gorm.DB
	reg   *db.Registry
	disp  *cluster.Dispatcher
	pool  AdapterProvider
	total int64 // лимит трафика в байтах, 0 = безлимит

	locks keyedLocks
}

func New(gdb *gorm.DB, reg *db.Registry, disp *cluster.Dispatcher, pool AdapterProvider, totalGB int64) *Engine {
	return &Engine{
		db:    gdb,
		reg:   reg,
		disp:  disp,
		pool:  pool,
		total: totalGB * gb,
	}
}

// keyedLocks сериализует операции по одной подписке: одновременные
// renew+delete на одном client_id не пересекаются.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedLocks) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*lockEntry)
	}
	e, ok := k.locks[key]
	if !ok {
		e = &lockEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// Create заводит подписку: клиент на каждом сервере кластера, затем строка в
// keys. Строка появляется только при полном успехе fan-out; частичный успех
// компенсируется снятием уже добавленных клиентов.
func (e *Engine) Create(ctx context.Context, tgID int64, clusterName string, expiryMs int64) (*db.Key, error) {
	ctx, cancel := context.WithTimeout(ctx, opDeadline)
	defer cancel()

	servers, err := e.reg.Cluster(clusterName)
	if err != nil {
		return nil, err
	}

	clientID := uuid.New().String()
	email, err := e.freshEmail(tgID)
	if err != nil {
		return nil, err
	}

	tpl := panel.Client{
		ClientID: clientID,
		Email:    email,
		TgID:     tgID,
		ExpiryMs: expiryMs,
		LimitIP:  1,
		TotalGB:  e.total,
		Flow:     panel.DefaultFlow,
	}

	var (
		urlMu    sync.Mutex
		panelURL string
	)
	results := e.disp.Run(ctx, servers, cluster.OpTimeout, func(ctx context.Context, srv db.Server) error {
		ad, err := e.pool.Get(srv)
		if err != nil {
			return err
		}
		pc := tpl
		if err := ad.AddClient(ctx, &pc); err != nil {
			return err
		}
		if pc.SubURL != "" {
			urlMu.Lock()
			if panelURL == "" {
				panelURL = pc.SubURL
			}
			urlMu.Unlock()
		}
		return nil
	})

	if failed := cluster.Failed(results); len(failed) > 0 {
		leftover := e.compensate(ctx, servers, cluster.Succeeded(results), clientID, email)
		if len(failed) == len(servers) && allTransient(failed) {
			return nil, fmt.Errorf("create %s: %w", clientID, ErrTemporaryOutage)
		}
		return nil, &PartialProvisionError{Failed: failed, Compensated: len(leftover) == 0}
	}

	subURL := panelURL
	for _, srv := range servers {
		if srv.SubscriptionURL != nil && *srv.SubscriptionURL != "" {
			subURL = SubscriptionURL(*srv.SubscriptionURL, email)
			break
		}
	}

	key := db.Key{
		TgID:       tgID,
		ClientID:   clientID,
		Email:      email,
		CreatedAt:  time.Now().UnixMilli(),
		ExpiryTime: expiryMs,
		Key:        subURL,
		ServerID:   clusterName,
	}
	if err := e.db.Create(&key).Error; err != nil {
		// Панели уже прошли — откатываем клиентов, строки в БД нет
		leftover := e.compensate(ctx, servers, cluster.Succeeded(results), clientID, email)
		if len(leftover) > 0 {
			return nil, errors.Join(fmt.Errorf("create %s: db commit failed: %w", clientID, err),
				&CompensationError{Leftover: leftover})
		}
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, fmt.Errorf("create %s: %w", clientID, ErrEmailCollision)
		}
		return nil, fmt.Errorf("create %s: db commit failed, panels compensated: %w", clientID, err)
	}
	logger.Info("subscription created",
		zap.String("client_id", clientID), zap.String("cluster", clusterName), zap.Int64("tg_id", tgID))
	return &key, nil
}

// compensate снимает клиента с перечисленных серверов и возвращает те, где
// снять не удалось.
func (e *Engine) compensate(ctx context.Context, servers []db.Server, names []string, clientID, email string) []cluster.Result {
	nameSet := make(map[string]struct{}, len(names))
	for _, n := range names {
		nameSet[n] = struct{}{}
	}
	var targets []db.Server
	for _, srv := range servers {
		if _, ok := nameSet[srv.ServerName]; ok {
			targets = append(targets, srv)
		}
	}
	if len(targets) == 0 {
		return nil
	}
	// Компенсация идёт на свежем контексте: отменённая операция всё равно
	// обязана убрать уже добавленных клиентов
	compCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opDeadline)
	defer cancel()
	results := e.disp.Run(compCtx, targets, cluster.OpTimeout, func(ctx context.Context, srv db.Server) error {
		ad, err := e.pool.Get(srv)
		if err != nil {
			return err
		}
		return ad.DeleteClient(ctx, clientID, email)
	})
	failed := cluster.Failed(results)
	for _, r := range failed {
		logger.Error("compensation failed", zap.String("server", r.Server), zap.Error(r.Err))
	}
	return failed
}

func (e *Engine) freshEmail(tgID int64) (string, error) {
	for i := 0; i < emailAttempts; i++ {
		email := NewEmail(tgID)
		var count int64
		if err := e.db.Model(&db.Key{}).Where("email = ?", email).Count(&count).Error; err != nil {
			return "", err
		}
		if count == 0 {
			return email, nil
		}
	}
	return "", ErrEmailCollision
}

// Renew продлевает подписку до newExpiryMs. Срок монотонный: значение меньше
// текущего не укорачивает подписку. Строка обновляется только после успеха на
// всех серверах кластера.
func (e *Engine) Renew(ctx context.Context, clientID string, newExpiryMs int64) error {
	unlock := e.locks.lock(clientID)
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, opDeadline)
	defer cancel()

	key, err := e.loadKey(clientID)
	if err != nil {
		return err
	}
	if newExpiryMs <= key.ExpiryTime {
		return nil
	}
	servers, err := e.reg.Cluster(key.ServerID)
	if err != nil {
		return err
	}

	results := e.disp.Run(ctx, servers, cluster.OpTimeout, func(ctx context.Context, srv db.Server) error {
		ad, err := e.pool.Get(srv)
		if err != nil {
			return err
		}
		var last error
		for attempt := 0; attempt < renewAttempts; attempt++ {
			last = ad.ExtendClient(ctx, clientID, key.Email, newExpiryMs)
			if last == nil {
				return nil
			}
		}
		return last
	})
	if failed := cluster.Failed(results); len(failed) > 0 {
		// БД не трогаем: у отставших серверов прежний срок, следующий sync
		// их догонит
		if len(failed) == len(servers) && allTransient(failed) {
			return fmt.Errorf("renew %s: %w", clientID, ErrTemporaryOutage)
		}
		return &PartialProvisionError{Failed: failed}
	}

	// Защита I4 прямо в условии: конкурентный renew с большим сроком победил
	err = e.db.Model(&db.Key{}).
		Where("client_id = ? AND expiry_time < ?", clientID, newExpiryMs).
		Updates(map[string]interface{}{"expiry_time": newExpiryMs, "notified_expiring": false}).Error
	if err != nil {
		// Панели уже несут новый срок; компенсация не нужна — операция
		// монотонна, расхождение добьёт следующий sync
		return fmt.Errorf("renew %s: db update failed: %w", clientID, err)
	}
	logger.Info("subscription renewed", zap.String("client_id", clientID), zap.Int64("expiry_ms", newExpiryMs))
	return nil
}

// Delete снимает подписку со всех серверов и удаляет строку. Идемпотентен:
// отсутствие строки или клиента на сервере — успех.
func (e *Engine) Delete(ctx context.Context, clientID string) error {
	unlock := e.locks.lock(clientID)
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, opDeadline)
	defer cancel()

	key, err := e.loadKey(clientID)
	if errors.Is(err, ErrUnknownSubscription) {
		return nil
	}
	if err != nil {
		return err
	}
	servers, err := e.reg.Cluster(key.ServerID)
	if err != nil {
		if errors.Is(err, db.ErrClusterNotFound) {
			// Кластер уже распущен — строка осиротела, чистим только БД
			return e.db.Where("client_id = ?", clientID).Delete(&db.Key{}).Error
		}
		return err
	}

	results := e.disp.Run(ctx, servers, cluster.OpTimeout, func(ctx context.Context, srv db.Server) error {
		ad, err := e.pool.Get(srv)
		if err != nil {
			return err
		}
		return ad.DeleteClient(ctx, clientID, key.Email)
	})
	if failed := cluster.Failed(results); len(failed) > 0 {
		if len(failed) == len(servers) && allTransient(failed) {
			return fmt.Errorf("delete %s: %w", clientID, ErrTemporaryOutage)
		}
		return &PartialProvisionError{Failed: failed}
	}

	if err := e.db.Where("client_id = ?", clientID).Delete(&db.Key{}).Error; err != nil {
		return fmt.Errorf("delete %s: db delete failed: %w", clientID, err)
	}
	logger.Info("subscription deleted", zap.String("client_id", clientID))
	return nil
}

// SetFrozen замораживает/размораживает подписку. Заморозка снимает клиентов с
// панелей, разморозка добавляет обратно с сохранённым сроком.
func (e *Engine) SetFrozen(ctx context.Context, clientID string, frozen bool) error {
	unlock := e.locks.lock(clientID)
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, opDeadline)
	defer cancel()

	key, err := e.loadKey(clientID)
	if err != nil {
		return err
	}
	if key.IsFrozen == frozen {
		return nil
	}
	if !frozen && key.ExpiryTime <= time.Now().UnixMilli() {
		return fmt.Errorf("unfreeze %s: subscription already expired", clientID)
	}
	servers, err := e.reg.Cluster(key.ServerID)
	if err != nil {
		return err
	}

	results := e.disp.Run(ctx, servers, cluster.OpTimeout, func(ctx context.Context, srv db.Server) error {
		ad, err := e.pool.Get(srv)
		if err != nil {
			return err
		}
		if frozen {
			return ad.DeleteClient(ctx, clientID, key.Email)
		}
		pc := panel.Client{
			ClientID: clientID,
			Email:    key.Email,
			TgID:     key.TgID,
			ExpiryMs: key.ExpiryTime,
			LimitIP:  1,
			TotalGB:  e.total,
			Flow:     panel.DefaultFlow,
		}
		return ad.AddClient(ctx, &pc)
	})
	if failed := cluster.Failed(results); len(failed) > 0 {
		return &PartialProvisionError{Failed: failed}
	}
	return e.db.Model(&db.Key{}).Where("client_id = ?", clientID).
		Update("is_frozen", frozen).Error
}

// TransferKeys перевешивает ключи со старого сервера на новый и удаляет
// строку старого сервера — одна транзакция БД, панели не трогаются.
// Пересоздание клиентов на целевом кластере — за оператором (sync-cluster).
func (e *Engine) TransferKeys(ctx context.Context, oldServer, newServer string) (int64, error) {
	oldSrv, err := e.reg.FindServer(oldServer)
	if err != nil {
		return 0, err
	}
	if _, err := e.reg.FindServer(newServer); err != nil {
		return 0, err
	}
	var moved int64
	err = e.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&db.Key{}).Where("server_id = ?", oldServer).
			Update("server_id", newServer)
		if res.Error != nil {
			return res.Error
		}
		moved = res.RowsAffected
		// Удаление строго по паре (кластер, сервер): одно имя может жить в
		// нескольких кластерах
		return tx.Where("cluster_name = ? AND server_name = ?", oldSrv.ClusterName, oldSrv.ServerName).
			Delete(&db.Server{}).Error
	})
	if err != nil {
		return 0, err
	}
	logger.Info("keys transferred",
		zap.String("from", oldServer), zap.String("to", newServer), zap.Int64("moved", moved))
	return moved, nil
}

// ExtendReport — итог массового продления.
type ExtendReport struct {
	OK        int
	Failed    int
	FailedIDs []string
}

// ExtendCluster добавляет дни всем незамороженным ключам кластера:
// new = max(now, old) + Δdays. Сбои отдельных ключей не останавливают обход.
func (e *Engine) ExtendCluster(ctx context.Context, clusterName string, days int) (ExtendReport, error) {
	var report ExtendReport
	var keys []db.Key
	if err := e.db.Where("server_id = ? AND is_frozen = ?", clusterName, false).
		Order("created_at").Find(&keys).Error; err != nil {
		return report, err
	}
	now := time.Now().UnixMilli()
	for i, k := range keys {
		base := k.ExpiryTime
		if now > base {
			base = now
		}
		newExpiry := base + int64(days)*dayMs
		if err := e.Renew(ctx, k.ClientID, newExpiry); err != nil {
			report.Failed++
			report.FailedIDs = append(report.FailedIDs, k.ClientID)
			logger.Error("extend cluster: key failed",
				zap.String("client_id", k.ClientID), zap.String("cluster", clusterName), zap.Error(err))
		} else {
			report.OK++
		}
		if i < len(keys)-1 {
			if err := cluster.Pace(ctx, cluster.PaceDelay); err != nil {
				return report, err
			}
		}
	}
	return report, nil
}

// Traffic возвращает счётчик трафика подписки с первого ответившего сервера
// её кластера.
func (e *Engine) Traffic(ctx context.Context, clientID string) (panel.Traffic, error) {
	key, err := e.loadKey(clientID)
	if err != nil {
		return panel.Traffic{}, err
	}
	servers, err := e.reg.Cluster(key.ServerID)
	if err != nil {
		return panel.Traffic{}, err
	}
	var last error
	for _, srv := range servers {
		ad, err := e.pool.Get(srv)
		if err != nil {
			last = err
			continue
		}
		t, err := ad.GetTraffic(ctx, key.Email)
		if err == nil {
			return t, nil
		}
		last = err
	}
	return panel.Traffic{}, fmt.Errorf("traffic %s: %w", clientID, last)
}

// KeysOf возвращает подписки пользователя.
func (e *Engine) KeysOf(tgID int64) ([]db.Key, error) {
	var keys []db.Key
	err := e.db.Where("tg_id = ?", tgID).Order("created_at").Find(&keys).Error
	return keys, err
}

func (e *Engine) loadKey(clientID string) (db.Key, error) {
	var key db.Key
	err := e.db.Where("client_id = ?", clientID).First(&key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return key, ErrUnknownSubscription
	}
	return key, err
}
