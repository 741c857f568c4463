package storage_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/casarerpa/casarerpa/internal/robotmanager"
	"github.com/casarerpa/casarerpa/internal/storage"
	"github.com/casarerpa/casarerpa/internal/values"
)

func newTestDB(t *testing.T, models ...any) *gorm.DB {
	t.Helper()
	db, err := storage.New(storage.Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)
	require.NoError(t, storage.Migrate(db, models...))
	return db
}

func TestRobotRepository_UpsertThenGet(t *testing.T) {
	db := newTestDB(t, storage.RobotModels()...)
	repo := storage.NewRobotRepository(db)
	ctx := context.Background()

	err := repo.UpsertRobot(ctx, robotmanager.ConnectedRobot{
		RobotID:           "robot-1",
		RobotName:         "worker-1",
		Hostname:          "host-a",
		TenantID:          "tenant-a",
		Capabilities:      []string{"browser", "desktop"},
		MaxConcurrentJobs: 3,
		ConnectedAt:       time.Now().UTC(),
	})
	require.NoError(t, err)

	concrete := repo.(interface {
		GetRobot(ctx context.Context, robotID values.RobotID) (storage.RobotRecord, error)
	})
	record, err := concrete.GetRobot(ctx, "robot-1")
	require.NoError(t, err)
	require.Equal(t, "worker-1", record.RobotName)
	require.ElementsMatch(t, []string{"browser", "desktop"}, record.Capabilities)
	require.Equal(t, "online", record.Status)
}

func TestRobotRepository_UpsertIsIdempotentOnReconnect(t *testing.T) {
	db := newTestDB(t, storage.RobotModels()...)
	repo := storage.NewRobotRepository(db)
	ctx := context.Background()

	register := robotmanager.ConnectedRobot{RobotID: "robot-1", MaxConcurrentJobs: 1, ConnectedAt: time.Now().UTC()}
	require.NoError(t, repo.UpsertRobot(ctx, register))

	register.MaxConcurrentJobs = 5
	require.NoError(t, repo.UpsertRobot(ctx, register))

	concrete := repo.(interface {
		ListRobots(ctx context.Context, tenantID values.TenantID) ([]storage.RobotRecord, error)
	})
	all, err := concrete.ListRobots(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, 5, all[0].MaxConcurrentJobs)
}

func TestRobotRepository_UpdateRobotStatus_UnknownRobotReturnsNotFound(t *testing.T) {
	db := newTestDB(t, storage.RobotModels()...)
	repo := storage.NewRobotRepository(db)

	err := repo.UpdateRobotStatus(context.Background(), "ghost", "offline", time.Now().UTC())
	require.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestRobotRepository_UpdateRobotStatus_TouchesOnlyStatusAndLastSeen(t *testing.T) {
	db := newTestDB(t, storage.RobotModels()...)
	repo := storage.NewRobotRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.UpsertRobot(ctx, robotmanager.ConnectedRobot{
		RobotID: "robot-1", RobotName: "worker-1", MaxConcurrentJobs: 2, ConnectedAt: time.Now().UTC(),
	}))

	seenAt := time.Now().UTC().Add(time.Minute)
	require.NoError(t, repo.UpdateRobotStatus(ctx, "robot-1", "offline", seenAt))

	concrete := repo.(interface {
		GetRobot(ctx context.Context, robotID values.RobotID) (storage.RobotRecord, error)
	})
	record, err := concrete.GetRobot(ctx, "robot-1")
	require.NoError(t, err)
	require.Equal(t, "offline", record.Status)
	require.Equal(t, "worker-1", record.RobotName)
}

func TestRobotRepository_ListRobots_FiltersByTenant(t *testing.T) {
	db := newTestDB(t, storage.RobotModels()...)
	repo := storage.NewRobotRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.UpsertRobot(ctx, robotmanager.ConnectedRobot{RobotID: "robot-a", TenantID: "tenant-a", ConnectedAt: time.Now().UTC()}))
	require.NoError(t, repo.UpsertRobot(ctx, robotmanager.ConnectedRobot{RobotID: "robot-b", TenantID: "tenant-b", ConnectedAt: time.Now().UTC()}))

	concrete := repo.(interface {
		ListRobots(ctx context.Context, tenantID values.TenantID) ([]storage.RobotRecord, error)
	})
	results, err := concrete.ListRobots(ctx, "tenant-a")
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, values.RobotID("robot-a"), results[0].RobotID)
}
