package etcd

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"

	"dbops-orchestrator/internal/domain"
	"dbops-orchestrator/internal/infra/storetest"
)

// testClient connects to the etcd named by DBOPS_TEST_ETCD_ENDPOINTS.
func testClient(t *testing.T) *clientv3.Client {
	t.Helper()
	endpoints := os.Getenv("DBOPS_TEST_ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("DBOPS_TEST_ETCD_ENDPOINTS not set")
	}
	cli, err := NewClient(strings.Split(endpoints, ","), 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cli.Close() })
	return cli
}

func TestStoreContract(t *testing.T) {
	cli := testClient(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	storetest.Run(t, func(t *testing.T) storetest.Store {
		return NewStore(cli, logger)
	})
}

func TestLocker_Exclusive(t *testing.T) {
	cli := testClient(t)
	locker := NewEtcdLocker(cli)
	ctx := context.Background()
	name := "db/contract-" + time.Now().Format("150405.000000")

	l, err := locker.Lock(ctx, name)
	require.NoError(t, err)

	_, err = locker.Lock(ctx, name)
	assert.ErrorIs(t, err, domain.ErrLockNotAcquired)

	require.NoError(t, l.Unlock(ctx))
	again, err := locker.Lock(ctx, name)
	require.NoError(t, err)
	require.NoError(t, again.Unlock(ctx))
}

func TestLeaderElection_CampaignAndResign(t *testing.T) {
	cli := testClient(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewEtcdLeaderElectionManager(cli, "node-a", 5*time.Second, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	lost, err := m.Campaign(ctx)
	require.NoError(t, err)
	assert.True(t, m.IsLeader())

	require.NoError(t, m.Resign(ctx))
	assert.False(t, m.IsLeader())
	select {
	case <-lost:
	case <-time.After(5 * time.Second):
		t.Fatal("session not closed after resign")
	}
}

func TestPaginate(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}
	assert.Equal(t, []int{1, 2, 3, 4, 5}, paginate(items, 1, 0))
	assert.Equal(t, []int{3, 4}, paginate(items, 2, 2))
	assert.Equal(t, []int{5}, paginate(items, 3, 2))
	assert.Empty(t, paginate(items, 4, 2))
	assert.Equal(t, []int{1, 2}, paginate(items, 0, 2))
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "/dbops/history/nightly/run-1", runKey("nightly", "run-1"))
	assert.Equal(t, "/dbops/history/nightly/", runKey("nightly", "")+"/")
	assert.Equal(t, "/dbops/incidents/open/inc-1", openIncidentKey("inc-1"))
	assert.Equal(t, "/dbops/windows/db1/sunday", windowKey("db1", "sunday"))
}
