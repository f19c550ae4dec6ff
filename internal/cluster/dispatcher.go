package cluster

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"VPN-Cluster-bot/internal/db"
)

const (
	// DefaultFanout — одновременных серверов при fan-out
	DefaultFanout = 2

	// OpTimeout — дедлайн одного вызова панели при lifecycle-операциях
	OpTimeout = 30 * time.Second
	// ScanTimeout — дедлайн опроса доступности
	ScanTimeout = 60 * time.Second

	// PaceDelay — пауза между последовательными задачами в большой пачке,
	// чтобы не упереться в rate-limit панели
	PaceDelay = 500 * time.Millisecond
)

// Result — исход вызова для одного сервера. Cancelled выставляется, когда
// вызов не состоялся или был прерван из-за отмены контекста вызывающего.
type Result struct {
	Server    string
	Err       error
	Cancelled bool
}

// Dispatcher выполняет функтор на всех серверах кластера параллельно под
// семафором. Исходы собираются по каждому серверу, ничего не
// обрывается досрочно — решение за вызывающим.
type Dispatcher struct {
	limit int64
}

func NewDispatcher(limit int64) *Dispatcher {
	if limit < 1 {
		limit = DefaultFanout
	}
	return &Dispatcher{limit: limit}
}

// Run выполняет fn для каждого сервера с жёстким per-server дедлайном.
// Результаты возвращаются в порядке servers.
func (d *Dispatcher) Run(ctx context.Context, servers []db.Server, timeout time.Duration, fn func(ctx context.Context, srv db.Server) error) []Result {
	sem := semaphore.NewWeighted(d.limit)
	results := make([]Result, len(servers))
	var wg sync.WaitGroup

	for i, srv := range servers {
		results[i].Server = srv.ServerName
		if err := sem.Acquire(ctx, 1); err != nil {
			results[i].Err = err
			results[i].Cancelled = true
			continue
		}
		wg.Add(1)
		go func(i int, srv db.Server) {
			defer wg.Done()
			defer sem.Release(1)
			callCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			err := fn(callCtx, srv)
			results[i].Err = err
			if err != nil && ctx.Err() != nil && errors.Is(err, context.Canceled) {
				results[i].Cancelled = true
			}
		}(i, srv)
	}
	wg.Wait()
	return results
}

// AllOK — true, если ни один сервер не вернул ошибку.
func AllOK(results []Result) bool {
	for _, r := range results {
		if r.Err != nil {
			return false
		}
	}
	return true
}

// Failed возвращает только неуспешные исходы.
func Failed(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if r.Err != nil {
			out = append(out, r)
		}
	}
	return out
}

// Succeeded возвращает имена серверов, на которых вызов прошёл.
func Succeeded(results []Result) []string {
	var out []string
	for _, r := range results {
		if r.Err == nil {
			out = append(out, r.Server)
		}
	}
	return out
}

// Pace выдерживает паузу между задачами пачки, уважая отмену.
func Pace(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
