package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/casarerpa/casarerpa/internal/robotmanager"
	"github.com/casarerpa/casarerpa/internal/values"
)

// robotRow is the persisted row for a robot's registration and last-known
// status. It is the durable shadow of robotmanager's in-memory
// ConnectedRobot — a robot that is offline still has a row here, just with
// status "offline" and a stale last_seen_at.
type robotRow struct {
	RobotID           string    `gorm:"column:robot_id;primaryKey"`
	RobotName         string    `gorm:"column:robot_name"`
	Hostname          string    `gorm:"column:hostname"`
	Environment       string    `gorm:"column:environment"`
	TenantID          string    `gorm:"column:tenant_id;index:idx_robots_tenant"`
	Capabilities      string    `gorm:"column:capabilities"` // comma-separated
	MaxConcurrentJobs int       `gorm:"column:max_concurrent_jobs"`
	Status            string    `gorm:"column:status;index:idx_robots_status"`
	LastSeenAt        time.Time `gorm:"column:last_seen_at"`
	CreatedAt         time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (robotRow) TableName() string { return "robots" }

// RobotModels returns the GORM models owned by this file, for Migrate.
func RobotModels() []any { return []any{&robotRow{}} }

type gormRobotRepository struct {
	db *gorm.DB
}

// NewRobotRepository returns a robotmanager.RobotRepository backed by db.
// Grounded on server/internal/repositories/agent.go's Create/UpdateStatus
// split: registration upserts the whole row, heartbeats touch only
// status/last_seen_at to avoid write amplification on a hot path.
func NewRobotRepository(db *gorm.DB) robotmanager.RobotRepository {
	return &gormRobotRepository{db: db}
}

func joinCapabilities(caps []string) string {
	out := ""
	for i, c := range caps {
		if i > 0 {
			out += ","
		}
		out += c
	}
	return out
}

func splitCapabilities(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return out
}

// UpsertRobot inserts or replaces a robot's registration row on every
// register_robot call, so a reconnecting robot's capabilities and
// max_concurrent_jobs stay current even if they changed since last seen.
func (r *gormRobotRepository) UpsertRobot(ctx context.Context, robot robotmanager.ConnectedRobot) error {
	row := robotRow{
		RobotID:           string(robot.RobotID),
		RobotName:         robot.RobotName,
		Hostname:          robot.Hostname,
		Environment:       robot.Environment,
		TenantID:          string(robot.TenantID),
		Capabilities:      joinCapabilities(robot.Capabilities),
		MaxConcurrentJobs: robot.MaxConcurrentJobs,
		Status:            "online",
		LastSeenAt:        robot.ConnectedAt,
	}

	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "robot_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"robot_name", "hostname", "environment", "tenant_id", "capabilities", "max_concurrent_jobs", "status", "last_seen_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("robots: upsert: %w", err)
	}
	return nil
}

// UpdateRobotStatus updates only the status and last_seen_at columns,
// called on every heartbeat and on disconnect.
func (r *gormRobotRepository) UpdateRobotStatus(ctx context.Context, robotID values.RobotID, status string, lastSeen time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&robotRow{}).
		Where("robot_id = ?", string(robotID)).
		Updates(map[string]any{
			"status":       status,
			"last_seen_at": lastSeen,
		})
	if result.Error != nil {
		return fmt.Errorf("robots: update status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// RobotRecord is the denormalized view of a robotRow returned to callers
// outside robotmanager (the admin API, for instance) that need to list
// robots including ones currently offline.
type RobotRecord struct {
	RobotID           values.RobotID
	RobotName         string
	Hostname          string
	Environment       string
	TenantID          values.TenantID
	Capabilities      []string
	MaxConcurrentJobs int
	Status            string
	LastSeenAt        time.Time
	CreatedAt         time.Time
}

func rowToRecord(row robotRow) RobotRecord {
	return RobotRecord{
		RobotID:           values.RobotID(row.RobotID),
		RobotName:         row.RobotName,
		Hostname:          row.Hostname,
		Environment:       row.Environment,
		TenantID:          values.TenantID(row.TenantID),
		Capabilities:      splitCapabilities(row.Capabilities),
		MaxConcurrentJobs: row.MaxConcurrentJobs,
		Status:            row.Status,
		LastSeenAt:        row.LastSeenAt,
		CreatedAt:         row.CreatedAt,
	}
}

// GetRobot returns the persisted record for a robot, online or not.
func (r *gormRobotRepository) GetRobot(ctx context.Context, robotID values.RobotID) (RobotRecord, error) {
	var row robotRow
	err := r.db.WithContext(ctx).First(&row, "robot_id = ?", string(robotID)).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return RobotRecord{}, ErrNotFound
		}
		return RobotRecord{}, fmt.Errorf("robots: get: %w", err)
	}
	return rowToRecord(row), nil
}

// ListRobots returns every persisted robot for a tenant (or every tenant, if
// tenantID is empty), newest registration first.
func (r *gormRobotRepository) ListRobots(ctx context.Context, tenantID values.TenantID) ([]RobotRecord, error) {
	q := r.db.WithContext(ctx).Order("created_at DESC")
	if tenantID != "" {
		q = q.Where("tenant_id = ?", string(tenantID))
	}
	var rows []robotRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("robots: list: %w", err)
	}
	out := make([]RobotRecord, len(rows))
	for i, row := range rows {
		out[i] = rowToRecord(row)
	}
	return out, nil
}
