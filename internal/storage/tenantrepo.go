package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/casarerpa/casarerpa/internal/values"
)

// TenantSettings bounds what a tenant's robots and jobs may do. Grounded on
// original_source's TenantSettings dataclass (max_robots,
// max_concurrent_jobs, allowed_capabilities, max_api_keys_per_robot,
// job_retention_days, enable_audit_logging, custom_settings).
type TenantSettings struct {
	MaxRobots           int            `json:"max_robots"`
	MaxConcurrentJobs   int            `json:"max_concurrent_jobs"`
	AllowedCapabilities []string       `json:"allowed_capabilities"`
	MaxAPIKeysPerRobot  int            `json:"max_api_keys_per_robot"`
	JobRetentionDays    int            `json:"job_retention_days"`
	EnableAuditLogging  bool           `json:"enable_audit_logging"`
	CustomSettings      map[string]any `json:"custom_settings"`
}

// Tenant is the isolation-boundary entity: every robot and job carries a
// TenantID, and the robot manager's tenant isolation invariant (spec
// §4.9) never crosses one tenant's jobs into another's robots.
type Tenant struct {
	ID           values.TenantID
	Name         string
	Description  string
	Settings     TenantSettings
	AdminEmails  []string
	ContactEmail string
	RobotIDs     []values.RobotID
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type tenantRow struct {
	TenantID     string    `gorm:"column:tenant_id;primaryKey"`
	Name         string    `gorm:"column:name;index:idx_tenants_name"`
	Description  string    `gorm:"column:description"`
	Settings     string    `gorm:"column:settings"`
	AdminEmails  string    `gorm:"column:admin_emails"`
	ContactEmail string    `gorm:"column:contact_email"`
	RobotIDs     string    `gorm:"column:robot_ids"`
	IsActive     bool      `gorm:"column:is_active;index:idx_tenants_active"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (tenantRow) TableName() string { return "tenants" }

// TenantModels returns the GORM models owned by this file, for Migrate.
func TenantModels() []any { return []any{&tenantRow{}} }

// TenantRepository persists Tenant entities. Grounded on
// original_source/.../tenant_repository.py's asyncpg-backed save/get_by_id/
// get_by_name/get_all/get_by_admin_email/get_by_robot_id/add_robot/
// remove_robot/delete/count surface, reimplemented over GORM+SQL rather
// than hand-rolled INSERT ... ON CONFLICT / JSONB operator strings, since
// this module targets SQLite as well as Postgres and JSONB containment
// operators (`@>`, `||`, `-`) are Postgres-only.
type TenantRepository interface {
	Save(ctx context.Context, tenant Tenant) (Tenant, error)
	GetByID(ctx context.Context, id values.TenantID) (Tenant, error)
	GetByName(ctx context.Context, name string) (Tenant, error)
	GetAll(ctx context.Context, includeInactive bool, limit, offset int) ([]Tenant, error)
	GetByAdminEmail(ctx context.Context, email string) ([]Tenant, error)
	GetByRobotID(ctx context.Context, robotID values.RobotID) (Tenant, error)
	AddRobot(ctx context.Context, tenantID values.TenantID, robotID values.RobotID) error
	RemoveRobot(ctx context.Context, tenantID values.TenantID, robotID values.RobotID) error
	Delete(ctx context.Context, id values.TenantID, hard bool) (bool, error)
	Count(ctx context.Context, includeInactive bool) (int64, error)
}

type gormTenantRepository struct {
	db *gorm.DB
}

// NewTenantRepository returns a TenantRepository backed by db.
func NewTenantRepository(db *gorm.DB) TenantRepository {
	return &gormTenantRepository{db: db}
}

func tenantToRow(t Tenant) (tenantRow, error) {
	settings, err := json.Marshal(t.Settings)
	if err != nil {
		return tenantRow{}, fmt.Errorf("tenants: marshal settings: %w", err)
	}
	emails, err := json.Marshal(t.AdminEmails)
	if err != nil {
		return tenantRow{}, fmt.Errorf("tenants: marshal admin emails: %w", err)
	}
	robotIDs, err := json.Marshal(t.RobotIDs)
	if err != nil {
		return tenantRow{}, fmt.Errorf("tenants: marshal robot ids: %w", err)
	}
	return tenantRow{
		TenantID:     string(t.ID),
		Name:         t.Name,
		Description:  t.Description,
		Settings:     string(settings),
		AdminEmails:  string(emails),
		ContactEmail: t.ContactEmail,
		RobotIDs:     string(robotIDs),
		IsActive:     t.IsActive,
	}, nil
}

func rowToTenant(row tenantRow) (Tenant, error) {
	var settings TenantSettings
	if row.Settings != "" {
		if err := json.Unmarshal([]byte(row.Settings), &settings); err != nil {
			return Tenant{}, fmt.Errorf("tenants: unmarshal settings: %w", err)
		}
	}
	var emails []string
	if row.AdminEmails != "" {
		if err := json.Unmarshal([]byte(row.AdminEmails), &emails); err != nil {
			return Tenant{}, fmt.Errorf("tenants: unmarshal admin emails: %w", err)
		}
	}
	var robotIDStrings []string
	if row.RobotIDs != "" {
		if err := json.Unmarshal([]byte(row.RobotIDs), &robotIDStrings); err != nil {
			return Tenant{}, fmt.Errorf("tenants: unmarshal robot ids: %w", err)
		}
	}
	robotIDs := make([]values.RobotID, len(robotIDStrings))
	for i, s := range robotIDStrings {
		robotIDs[i] = values.RobotID(s)
	}

	return Tenant{
		ID:           values.TenantID(row.TenantID),
		Name:         row.Name,
		Description:  row.Description,
		Settings:     settings,
		AdminEmails:  emails,
		ContactEmail: row.ContactEmail,
		RobotIDs:     robotIDs,
		IsActive:     row.IsActive,
		CreatedAt:    row.CreatedAt,
		UpdatedAt:    row.UpdatedAt,
	}, nil
}

// Save upserts a tenant by tenant_id, mirroring the original's
// INSERT ... ON CONFLICT (tenant_id) DO UPDATE.
func (r *gormTenantRepository) Save(ctx context.Context, tenant Tenant) (Tenant, error) {
	row, err := tenantToRow(tenant)
	if err != nil {
		return Tenant{}, err
	}

	err = r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "tenant_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name", "description", "settings", "admin_emails", "contact_email", "robot_ids", "is_active",
		}),
	}).Create(&row).Error
	if err != nil {
		return Tenant{}, fmt.Errorf("tenants: save: %w", err)
	}
	return tenant, nil
}

func (r *gormTenantRepository) GetByID(ctx context.Context, id values.TenantID) (Tenant, error) {
	var row tenantRow
	err := r.db.WithContext(ctx).First(&row, "tenant_id = ?", string(id)).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Tenant{}, ErrNotFound
		}
		return Tenant{}, fmt.Errorf("tenants: get by id: %w", err)
	}
	return rowToTenant(row)
}

func (r *gormTenantRepository) GetByName(ctx context.Context, name string) (Tenant, error) {
	var row tenantRow
	err := r.db.WithContext(ctx).First(&row, "name = ?", name).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Tenant{}, ErrNotFound
		}
		return Tenant{}, fmt.Errorf("tenants: get by name: %w", err)
	}
	return rowToTenant(row)
}

func (r *gormTenantRepository) GetAll(ctx context.Context, includeInactive bool, limit, offset int) ([]Tenant, error) {
	q := r.db.WithContext(ctx).Order("created_at ASC")
	if !includeInactive {
		q = q.Where("is_active = ?", true)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}
	var rows []tenantRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("tenants: get all: %w", err)
	}
	return rowsToTenants(rows)
}

// GetByAdminEmail returns every tenant whose admin_emails JSON array
// contains email, normalized to lowercase before matching.
//
// SQLite and Postgres have no common JSON-containment operator, so this
// loads every tenant row and filters in Go rather than branching
// storage.Config.Driver into two query dialects.
func (r *gormTenantRepository) GetByAdminEmail(ctx context.Context, email string) ([]Tenant, error) {
	email = normalizeEmail(email)
	var rows []tenantRow
	if err := r.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("tenants: get by admin email: %w", err)
	}
	var matched []tenantRow
	for _, row := range rows {
		var emails []string
		if row.AdminEmails != "" {
			if err := json.Unmarshal([]byte(row.AdminEmails), &emails); err != nil {
				return nil, fmt.Errorf("tenants: unmarshal admin emails: %w", err)
			}
		}
		for _, e := range emails {
			if normalizeEmail(e) == email {
				matched = append(matched, row)
				break
			}
		}
	}
	return rowsToTenants(matched)
}

func normalizeEmail(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}

// GetByRobotID returns the tenant that owns robotID, or ErrNotFound if no
// tenant's robot_ids array names it.
func (r *gormTenantRepository) GetByRobotID(ctx context.Context, robotID values.RobotID) (Tenant, error) {
	var rows []tenantRow
	if err := r.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return Tenant{}, fmt.Errorf("tenants: get by robot id: %w", err)
	}
	for _, row := range rows {
		var ids []string
		if row.RobotIDs != "" {
			if err := json.Unmarshal([]byte(row.RobotIDs), &ids); err != nil {
				return Tenant{}, fmt.Errorf("tenants: unmarshal robot ids: %w", err)
			}
		}
		for _, id := range ids {
			if id == string(robotID) {
				return rowToTenant(row)
			}
		}
	}
	return Tenant{}, ErrNotFound
}

// AddRobot appends robotID to the tenant's robot_ids array if not already
// present. Read-modify-write: the row is read, the array is changed in Go,
// and a second UPDATE statement writes it back (the two statements do not
// share a transaction), since neither SQLite nor a portable GORM query can
// express Postgres's `||` JSONB-array-concat in one round trip.
func (r *gormTenantRepository) AddRobot(ctx context.Context, tenantID values.TenantID, robotID values.RobotID) error {
	return r.mutateRobotIDs(ctx, tenantID, func(ids []string) []string {
		for _, id := range ids {
			if id == string(robotID) {
				return ids
			}
		}
		return append(ids, string(robotID))
	})
}

// RemoveRobot removes robotID from the tenant's robot_ids array if present.
func (r *gormTenantRepository) RemoveRobot(ctx context.Context, tenantID values.TenantID, robotID values.RobotID) error {
	return r.mutateRobotIDs(ctx, tenantID, func(ids []string) []string {
		out := ids[:0]
		for _, id := range ids {
			if id != string(robotID) {
				out = append(out, id)
			}
		}
		return out
	})
}

func (r *gormTenantRepository) mutateRobotIDs(ctx context.Context, tenantID values.TenantID, mutate func([]string) []string) error {
	var row tenantRow
	err := r.db.WithContext(ctx).First(&row, "tenant_id = ?", string(tenantID)).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("tenants: mutate robot ids: %w", err)
	}

	var ids []string
	if row.RobotIDs != "" {
		if err := json.Unmarshal([]byte(row.RobotIDs), &ids); err != nil {
			return fmt.Errorf("tenants: unmarshal robot ids: %w", err)
		}
	}
	ids = mutate(ids)

	encoded, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("tenants: marshal robot ids: %w", err)
	}

	result := r.db.WithContext(ctx).Model(&tenantRow{}).
		Where("tenant_id = ?", string(tenantID)).
		Update("robot_ids", string(encoded))
	if result.Error != nil {
		return fmt.Errorf("tenants: update robot ids: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete soft-deletes (is_active=false) by default, or hard-deletes the row
// when hard is true. Returns false if no matching tenant was found.
func (r *gormTenantRepository) Delete(ctx context.Context, id values.TenantID, hard bool) (bool, error) {
	if hard {
		result := r.db.WithContext(ctx).Delete(&tenantRow{}, "tenant_id = ?", string(id))
		if result.Error != nil {
			return false, fmt.Errorf("tenants: hard delete: %w", result.Error)
		}
		return result.RowsAffected > 0, nil
	}

	result := r.db.WithContext(ctx).Model(&tenantRow{}).
		Where("tenant_id = ?", string(id)).
		Update("is_active", false)
	if result.Error != nil {
		return false, fmt.Errorf("tenants: soft delete: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (r *gormTenantRepository) Count(ctx context.Context, includeInactive bool) (int64, error) {
	q := r.db.WithContext(ctx).Model(&tenantRow{})
	if !includeInactive {
		q = q.Where("is_active = ?", true)
	}
	var count int64
	if err := q.Count(&count).Error; err != nil {
		return 0, fmt.Errorf("tenants: count: %w", err)
	}
	return count, nil
}

func rowsToTenants(rows []tenantRow) ([]Tenant, error) {
	out := make([]Tenant, len(rows))
	for i, row := range rows {
		t, err := rowToTenant(row)
		if err != nil {
			return nil, err
		}
		out[i] = t
	}
	return out, nil
}
