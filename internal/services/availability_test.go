package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"VPN-Cluster-bot/internal/cluster"
	"VPN-Cluster-bot/internal/db"
	"VPN-Cluster-bot/internal/panel"
)

type stubAdapter struct {
	online []string
	err    error
}

func (s *stubAdapter) Login(ctx context.Context) error                      { return nil }
func (s *stubAdapter) AddClient(ctx context.Context, c *panel.Client) error { return nil }
func (s *stubAdapter) ExtendClient(ctx context.Context, clientID, email string, newExpiryMs int64) error {
	return nil
}
func (s *stubAdapter) DeleteClient(ctx context.Context, clientID, email string) error { return nil }
func (s *stubAdapter) ListOnline(ctx context.Context) ([]string, error)               { return s.online, s.err }
func (s *stubAdapter) GetTraffic(ctx context.Context, email string) (panel.Traffic, error) {
	return panel.Traffic{}, nil
}

type stubProvider struct {
	adapters map[string]*stubAdapter // по имени сервера
}

func (p *stubProvider) Get(srv db.Server) (panel.Adapter, error) {
	a, ok := p.adapters[srv.ServerName]
	if !ok {
		return nil, errors.New("no adapter for " + srv.ServerName)
	}
	return a, nil
}

func testAvailability(t *testing.T, serverNames ...string) (*Availability, *stubProvider, *[]string) {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb))
	reg := db.NewRegistry(gdb)
	prov := &stubProvider{adapters: make(map[string]*stubAdapter)}
	for _, name := range serverNames {
		require.NoError(t, reg.AddServer(db.Server{
			ClusterName: "eu", ServerName: name,
			APIURL: "https://" + name + ".example.com", InboundID: "1", PanelType: panel.TypeXUI,
		}))
		prov.adapters[name] = &stubAdapter{}
	}
	av := NewAvailability(reg, cluster.NewDispatcher(2), prov)
	var alerts []string
	av.notify = func(msg string) { alerts = append(alerts, msg) }
	return av, prov, &alerts
}

func TestScanAggregatesOnlineAndSeparatesFailures(t *testing.T) {
	av, prov, _ := testAvailability(t, "a1", "a2", "a3")
	prov.adapters["a1"].online = []string{"u1", "u2"}
	prov.adapters["a2"].online = []string{"u3"}
	prov.adapters["a3"].err = errors.New("connection refused")

	av.Scan(context.Background())
	statuses, total := av.Statuses()
	require.Len(t, statuses, 3)
	assert.Equal(t, 3, total, "total must sum only the servers that answered")

	byName := make(map[string]ServerStatus)
	for _, st := range statuses {
		byName[st.Server] = st
	}
	assert.Equal(t, 2, byName["a1"].Online)
	assert.Empty(t, byName["a1"].Err)
	assert.Equal(t, 1, byName["a2"].Online)
	assert.Contains(t, byName["a3"].Err, "connection refused")
	assert.Zero(t, byName["a3"].Online)
}

func TestScanAlertsOnlyOnNewlyDownServers(t *testing.T) {
	av, prov, alerts := testAvailability(t, "a1", "a2")
	prov.adapters["a2"].err = errors.New("connection refused")

	av.Scan(context.Background())
	require.Len(t, *alerts, 1, "first failure must alert")
	assert.Contains(t, (*alerts)[0], "eu/a2")

	// Повторный скан с тем же сбоем не спамит
	av.Scan(context.Background())
	assert.Len(t, *alerts, 1)

	// Восстановился и упал снова — новый алерт
	prov.adapters["a2"].err = nil
	av.Scan(context.Background())
	prov.adapters["a2"].err = errors.New("connection refused")
	av.Scan(context.Background())
	assert.Len(t, *alerts, 2)
}
