package engine

import (
	"fmt"
	"strconv"
	"sync"

	"VPN-Cluster-bot/internal/db"
	"VPN-Cluster-bot/internal/panel"
)

// AdapterProvider отдаёт адаптер панели для конкретного сервера.
type AdapterProvider interface {
	Get(srv db.Server) (panel.Adapter, error)
}

// PanelCredentials — учётные данные обеих панелей из конфигурации.
type PanelCredentials struct {
	XUIUsername       string
	XUIPassword       string
	RemnawaveLogin    string
	RemnawavePassword string
}

// AdapterPool владеет адаптерами процесса: по одному на сервер, сессии
// переиспользуются. Создаётся при старте, глобального состояния нет.
type AdapterPool struct {
	creds PanelCredentials

	mu       sync.Mutex
	adapters map[string]panel.Adapter
}

func NewAdapterPool(creds PanelCredentials) *AdapterPool {
	return &AdapterPool{
		creds:    creds,
		adapters: make(map[string]panel.Adapter),
	}
}

func (p *AdapterPool) Get(srv db.Server) (panel.Adapter, error) {
	key := srv.ClusterName + "/" + srv.ServerName
	p.mu.Lock()
	defer p.mu.Unlock()
	if a, ok := p.adapters[key]; ok {
		return a, nil
	}
	a, err := p.build(srv)
	if err != nil {
		return nil, err
	}
	p.adapters[key] = a
	return a, nil
}

// Drop сбрасывает закешированный адаптер (после переименования или смены
// учётных данных сервера).
func (p *AdapterPool) Drop(srv db.Server) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.adapters, srv.ClusterName+"/"+srv.ServerName)
}

func (p *AdapterPool) build(srv db.Server) (panel.Adapter, error) {
	switch srv.PanelType {
	case panel.TypeXUI:
		inboundID, err := strconv.Atoi(srv.InboundID)
		if err != nil {
			return nil, fmt.Errorf("server %s/%s: malformed inbound_id %q: %w", srv.ClusterName, srv.ServerName, srv.InboundID, err)
		}
		return panel.NewXUI(srv.APIURL, p.creds.XUIUsername, p.creds.XUIPassword, inboundID), nil
	case panel.TypeRemnawave:
		return panel.NewRemnawave(srv.APIURL, p.creds.RemnawaveLogin, p.creds.RemnawavePassword, srv.InboundID), nil
	}
	return nil, fmt.Errorf("server %s/%s: unknown panel type %q", srv.ClusterName, srv.ServerName, srv.PanelType)
}
