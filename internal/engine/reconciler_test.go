package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"VPN-Cluster-bot/internal/cluster"
	"VPN-Cluster-bot/internal/db"
	"VPN-Cluster-bot/internal/panel"
)

func testReconciler(t *testing.T, serverNames ...string) (*Reconciler, *gorm.DB, *fakeProvider) {
	t.Helper()
	gdb := testDB(t)
	reg := db.NewRegistry(gdb)
	prov := &fakeProvider{adapters: make(map[string]*fakeAdapter)}
	for _, name := range serverNames {
		require.NoError(t, reg.AddServer(db.Server{
			ClusterName: "eu", ServerName: name,
			APIURL: "https://" + name + ".example.com", InboundID: "1", PanelType: panel.TypeXUI,
		}))
		prov.adapters[name] = newFakeAdapter()
	}
	rec := NewReconciler(gdb, reg, cluster.NewDispatcher(2), prov, 0)
	return rec, gdb, prov
}

func seedKeys(t *testing.T, gdb *gorm.DB, n int) []db.Key {
	t.Helper()
	keys := make([]db.Key, n)
	for i := range keys {
		keys[i] = db.Key{
			TgID:       int64(i + 1),
			ClientID:   "client-" + string(rune('a'+i)),
			Email:      "user_" + string(rune('a'+i)),
			CreatedAt:  time.Now().UnixMilli(),
			ExpiryTime: time.Now().Add(24 * time.Hour).UnixMilli(),
			ServerID:   "eu",
		}
		require.NoError(t, gdb.Create(&keys[i]).Error)
	}
	return keys
}

func TestSyncClusterRebuildsPanels(t *testing.T) {
	rec, gdb, prov := testReconciler(t, "a1", "a2")
	keys := seedKeys(t, gdb, 2)

	summary, err := rec.SyncCluster(context.Background(), "eu")
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Synced)
	assert.Zero(t, summary.Failed)

	for name, ad := range prov.adapters {
		for _, k := range keys {
			c, ok := ad.client(k.ClientID)
			require.True(t, ok, "client %s missing on %s", k.ClientID, name)
			assert.Equal(t, k.ExpiryTime, c.ExpiryMs)
			assert.Equal(t, panel.DefaultFlow, c.Flow)
		}
	}
}

func TestSyncSkipsFrozenKeys(t *testing.T) {
	rec, gdb, prov := testReconciler(t, "a1")
	seedKeys(t, gdb, 1)
	require.NoError(t, gdb.Create(&db.Key{
		TgID: 99, ClientID: "frozen-1", Email: "frozen_user", ServerID: "eu", IsFrozen: true,
	}).Error)

	summary, err := rec.SyncCluster(context.Background(), "eu")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Synced)
	_, ok := prov.adapters["a1"].client("frozen-1")
	assert.False(t, ok, "frozen key must stay off the panels")
}

func TestSyncServerTouchesOnlyTarget(t *testing.T) {
	rec, gdb, prov := testReconciler(t, "a1", "a2")
	seedKeys(t, gdb, 1)

	summary, err := rec.SyncServer(context.Background(), "eu", "a1")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Synced)
	assert.Equal(t, 1, prov.adapters["a1"].count())
	assert.Zero(t, prov.adapters["a2"].count())

	_, err = rec.SyncServer(context.Background(), "eu", "ghost")
	assert.ErrorIs(t, err, db.ErrServerNotFound)
}

func TestSyncCountsFailures(t *testing.T) {
	rec, gdb, prov := testReconciler(t, "a1")
	keys := seedKeys(t, gdb, 2)
	prov.adapters["a1"].addErr = &panel.Error{Kind: panel.KindProtocol, Op: "add", Msg: "rejected"}

	summary, err := rec.SyncCluster(context.Background(), "eu")
	require.NoError(t, err, "per-key failures must not abort the walk")
	assert.Equal(t, 2, summary.Failed)
	assert.ElementsMatch(t, []string{keys[0].Email, keys[1].Email}, summary.FailedEmails)
	assert.Equal(t, "0 synced, 2 failed", summary.String())
}

func TestSyncUnknownCluster(t *testing.T) {
	rec, _, _ := testReconciler(t, "a1")
	_, err := rec.SyncCluster(context.Background(), "asia")
	assert.ErrorIs(t, err, db.ErrClusterNotFound)
}
