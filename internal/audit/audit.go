// Package audit implements the audit repository (C11): an append-only,
// hash-chained event log with retention cleanup, integrity verification,
// and JSON/CSV export.
//
// Grounded on original_source's AuditRepository (infrastructure/persistence/
// repositories/audit_repository.go in the distilled source): one mutex
// serializing writes so the hash chain never races itself, a cached
// last-hash loaded once and advanced in memory rather than re-queried per
// write, and a cleanup path that records a history row even when the
// delete itself fails. The storage shape (GORM model, JSON-text metadata
// column, ErrNotFound mapping) follows the repository conventions in
// server/internal/repositories/agent.go instead.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/casarerpa/casarerpa/internal/storage"
	"github.com/casarerpa/casarerpa/internal/values"
)

// genesisHash is the seed value chained from for the very first event ever
// written, per spec §3's AuditEvent definition.
const genesisHash = "genesis"

// auditEventRow is the GORM model for the append-only audit_events table
// (spec §6.4), including all seven query indexes it names.
type auditEventRow struct {
	ID           string    `gorm:"column:id;type:text;primaryKey"`
	EventType    string    `gorm:"column:event_type;not null;index:idx_audit_type"`
	Timestamp    time.Time `gorm:"column:timestamp;not null;index:idx_audit_timestamp,sort:desc"`
	Resource     string    `gorm:"column:resource;index:idx_audit_resource"`
	WorkflowID   string    `gorm:"column:workflow_id;index:idx_audit_workflow"`
	RobotID      string    `gorm:"column:robot_id;index:idx_audit_robot"`
	UserID       string    `gorm:"column:user_id;index:idx_audit_user"`
	Success      bool      `gorm:"column:success;not null;default:true;index:idx_audit_success"`
	ErrorMessage string    `gorm:"column:error_message"`
	ClientIP     string    `gorm:"column:client_ip"`
	MetadataJSON string    `gorm:"column:metadata;type:text"`
	HashChain    string    `gorm:"column:hash_chain;not null"`
}

func (auditEventRow) TableName() string { return "audit_events" }

// cleanupHistoryRow records one run of CleanupOldEvents, successful or not.
type cleanupHistoryRow struct {
	ID            uint `gorm:"primaryKey;autoIncrement"`
	CleanupTime   time.Time
	EventsDeleted int
	RetentionDays int
	DurationMS    int64
	Status        string
	ErrorMessage  string
}

func (cleanupHistoryRow) TableName() string { return "audit_cleanup_history" }

// integrityCheckRow records one run of VerifyIntegrity.
type integrityCheckRow struct {
	ID             uint `gorm:"primaryKey;autoIncrement"`
	CheckTime      time.Time
	EventsChecked  int
	ChainValid     bool
	FirstInvalidID string
}

func (integrityCheckRow) TableName() string { return "audit_integrity_checks" }

// Models returns every GORM model this package owns, for storage.Migrate.
func Models() []any {
	return []any{&auditEventRow{}, &cleanupHistoryRow{}, &integrityCheckRow{}}
}

// Event is one audit record (spec §3 AuditEvent). EventID and Timestamp
// are filled in by LogEvent/LogEventsBatch if left zero; HashChain is
// always computed by the repository and any caller-supplied value is
// ignored.
type Event struct {
	EventID      string
	EventType    string
	Timestamp    time.Time
	Resource     string
	WorkflowID   values.WorkflowID
	RobotID      values.RobotID
	UserID       string
	Success      bool
	ErrorMessage string
	ClientIP     string
	Metadata     map[string]any
	HashChain    string
}

// QueryFilter narrows Query's result set. Zero-value fields are not
// applied (an empty EventType matches every event type, not events with
// an empty type). Limit <= 0 defaults to 100, matching the original
// repository's default page size.
type QueryFilter struct {
	EventType  string
	Resource   string
	WorkflowID values.WorkflowID
	RobotID    values.RobotID
	UserID     string
	Success    *bool
	StartTime  time.Time
	EndTime    time.Time
	Limit      int
	Offset     int
}

// IntegrityResult is VerifyIntegrity's outcome.
type IntegrityResult struct {
	Valid          bool
	EventsChecked  int
	FirstInvalidID string
}

// CleanupResult is CleanupOldEvents' outcome.
type CleanupResult struct {
	EventsDeleted int64
	RetentionDays int
	Duration      time.Duration
	Status        string
}

// Repository is the audit log contract spec §4.10 describes.
type Repository interface {
	LogEvent(ctx context.Context, event Event) (Event, error)
	LogEventsBatch(ctx context.Context, events []Event) ([]Event, error)
	Query(ctx context.Context, filter QueryFilter) ([]Event, error)
	GetByID(ctx context.Context, id string) (Event, error)
	VerifyIntegrity(ctx context.Context, limit int) (IntegrityResult, error)
	CleanupOldEvents(ctx context.Context, retentionDays int) (CleanupResult, error)
	ExportJSON(ctx context.Context, w io.Writer, filter QueryFilter) (int, error)
	ExportCSV(ctx context.Context, w io.Writer, filter QueryFilter) (int, error)
}

// gormRepository is the GORM-backed Repository implementation.
type gormRepository struct {
	db *gorm.DB

	mu       sync.Mutex
	lastHash string
	loaded   bool
}

// New returns a Repository backed by db. Callers must have already run
// storage.Migrate(db, audit.Models()...). The chain's last hash is loaded
// lazily, on the first write, rather than at construction, so New never
// needs to return an error.
func New(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

// ensureLastHashLoadedLocked reads the newest row's hash_chain once, for
// chain continuity across process restarts. Caller must hold r.mu.
func (r *gormRepository) ensureLastHashLoadedLocked(ctx context.Context) error {
	if r.loaded {
		return nil
	}
	var row auditEventRow
	err := r.db.WithContext(ctx).Order("timestamp DESC").First(&row).Error
	switch {
	case err == nil:
		r.lastHash = row.HashChain
	case errors.Is(err, gorm.ErrRecordNotFound):
		r.lastHash = ""
	default:
		return fmt.Errorf("audit: load last hash: %w", err)
	}
	r.loaded = true
	return nil
}

func computeHashChain(prevHash, eventID string, timestamp time.Time, eventType string) string {
	prev := prevHash
	if prev == "" {
		prev = genesisHash
	}
	data := prev + ":" + eventID + ":" + timestamp.UTC().Format(time.RFC3339Nano) + ":" + eventType
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

func eventToRow(event Event) (auditEventRow, error) {
	var metadataJSON string
	if len(event.Metadata) > 0 {
		b, err := json.Marshal(event.Metadata)
		if err != nil {
			return auditEventRow{}, fmt.Errorf("marshal metadata: %w", err)
		}
		metadataJSON = string(b)
	}
	return auditEventRow{
		ID:           event.EventID,
		EventType:    event.EventType,
		Timestamp:    event.Timestamp,
		Resource:     event.Resource,
		WorkflowID:   string(event.WorkflowID),
		RobotID:      string(event.RobotID),
		UserID:       event.UserID,
		Success:      event.Success,
		ErrorMessage: event.ErrorMessage,
		ClientIP:     event.ClientIP,
		MetadataJSON: metadataJSON,
		HashChain:    event.HashChain,
	}, nil
}

func rowToEvent(row auditEventRow) (Event, error) {
	var metadata map[string]any
	if row.MetadataJSON != "" {
		if err := json.Unmarshal([]byte(row.MetadataJSON), &metadata); err != nil {
			return Event{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return Event{
		EventID:      row.ID,
		EventType:    row.EventType,
		Timestamp:    row.Timestamp,
		Resource:     row.Resource,
		WorkflowID:   values.WorkflowID(row.WorkflowID),
		RobotID:      values.RobotID(row.RobotID),
		UserID:       row.UserID,
		Success:      row.Success,
		ErrorMessage: row.ErrorMessage,
		ClientIP:     row.ClientIP,
		Metadata:     metadata,
		HashChain:    row.HashChain,
	}, nil
}

// LogEvent appends event, computing its hash_chain from the currently
// cached last hash. Fills EventID/Timestamp if left zero.
func (r *gormRepository) LogEvent(ctx context.Context, event Event) (Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureLastHashLoadedLocked(ctx); err != nil {
		return Event{}, err
	}
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	event.HashChain = computeHashChain(r.lastHash, event.EventID, event.Timestamp, event.EventType)

	row, err := eventToRow(event)
	if err != nil {
		return Event{}, fmt.Errorf("audit: %w", err)
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return Event{}, fmt.Errorf("audit: log event: %w", err)
	}
	r.lastHash = event.HashChain
	return event, nil
}

// LogEventsBatch inserts events in one statement, chaining each to the
// previous one within the batch exactly as a sequence of individual
// LogEvent calls would.
func (r *gormRepository) LogEventsBatch(ctx context.Context, events []Event) ([]Event, error) {
	if len(events) == 0 {
		return nil, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureLastHashLoadedLocked(ctx); err != nil {
		return nil, err
	}

	current := r.lastHash
	rows := make([]auditEventRow, len(events))
	out := make([]Event, len(events))
	for i, event := range events {
		if event.EventID == "" {
			event.EventID = uuid.NewString()
		}
		if event.Timestamp.IsZero() {
			event.Timestamp = time.Now().UTC()
		}
		event.HashChain = computeHashChain(current, event.EventID, event.Timestamp, event.EventType)
		current = event.HashChain

		row, err := eventToRow(event)
		if err != nil {
			return nil, fmt.Errorf("audit: %w", err)
		}
		rows[i] = row
		out[i] = event
	}

	if err := r.db.WithContext(ctx).Create(&rows).Error; err != nil {
		return nil, fmt.Errorf("audit: log events batch: %w", err)
	}
	r.lastHash = current
	return out, nil
}

// Query returns events matching filter, newest first.
func (r *gormRepository) Query(ctx context.Context, filter QueryFilter) ([]Event, error) {
	tx := r.db.WithContext(ctx).Model(&auditEventRow{})
	if filter.EventType != "" {
		tx = tx.Where("event_type = ?", filter.EventType)
	}
	if filter.Resource != "" {
		tx = tx.Where("resource LIKE ?", "%"+filter.Resource+"%")
	}
	if filter.WorkflowID != "" {
		tx = tx.Where("workflow_id = ?", string(filter.WorkflowID))
	}
	if filter.RobotID != "" {
		tx = tx.Where("robot_id = ?", string(filter.RobotID))
	}
	if filter.UserID != "" {
		tx = tx.Where("user_id = ?", filter.UserID)
	}
	if filter.Success != nil {
		tx = tx.Where("success = ?", *filter.Success)
	}
	if !filter.StartTime.IsZero() {
		tx = tx.Where("timestamp >= ?", filter.StartTime)
	}
	if !filter.EndTime.IsZero() {
		tx = tx.Where("timestamp <= ?", filter.EndTime)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	var rows []auditEventRow
	if err := tx.Order("timestamp DESC").Limit(limit).Offset(filter.Offset).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}

	out := make([]Event, 0, len(rows))
	for _, row := range rows {
		event, err := rowToEvent(row)
		if err != nil {
			return nil, fmt.Errorf("audit: query: %w", err)
		}
		out = append(out, event)
	}
	return out, nil
}

// GetByID returns the event with the given id, or storage.ErrNotFound.
func (r *gormRepository) GetByID(ctx context.Context, id string) (Event, error) {
	var row auditEventRow
	err := r.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Event{}, storage.ErrNotFound
		}
		return Event{}, fmt.Errorf("audit: get by id: %w", err)
	}
	return rowToEvent(row)
}

// VerifyIntegrity walks up to limit records in insertion order, recomputes
// each expected hash from its predecessor, and stops at the first
// mismatch. Always records an audit_integrity_checks row, even when the
// chain is empty.
func (r *gormRepository) VerifyIntegrity(ctx context.Context, limit int) (IntegrityResult, error) {
	if limit <= 0 {
		limit = 1000
	}

	var rows []auditEventRow
	if err := r.db.WithContext(ctx).Order("timestamp ASC").Limit(limit).Find(&rows).Error; err != nil {
		return IntegrityResult{}, fmt.Errorf("audit: verify integrity: %w", err)
	}

	result := IntegrityResult{Valid: true, EventsChecked: len(rows)}
	prev := ""
	for _, row := range rows {
		expected := computeHashChain(prev, row.ID, row.Timestamp, row.EventType)
		if expected != row.HashChain {
			result.Valid = false
			result.FirstInvalidID = row.ID
			break
		}
		prev = row.HashChain
	}

	check := integrityCheckRow{
		CheckTime:      time.Now().UTC(),
		EventsChecked:  result.EventsChecked,
		ChainValid:     result.Valid,
		FirstInvalidID: result.FirstInvalidID,
	}
	if err := r.db.WithContext(ctx).Create(&check).Error; err != nil {
		return result, fmt.Errorf("audit: record integrity check: %w", err)
	}
	return result, nil
}

// CleanupOldEvents deletes every row older than retentionDays and records
// the outcome in audit_cleanup_history, win or lose — a failed delete
// still produces a history row with status "failed" before the error is
// returned, matching the original repository's behavior.
func (r *gormRepository) CleanupOldEvents(ctx context.Context, retentionDays int) (CleanupResult, error) {
	start := time.Now()
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)

	result := r.db.WithContext(ctx).Where("timestamp < ?", cutoff).Delete(&auditEventRow{})
	duration := time.Since(start)

	history := cleanupHistoryRow{
		CleanupTime:   time.Now().UTC(),
		RetentionDays: retentionDays,
		DurationMS:    duration.Milliseconds(),
	}
	if result.Error != nil {
		history.Status = "failed"
		history.ErrorMessage = result.Error.Error()
		if err := r.db.WithContext(ctx).Create(&history).Error; err != nil {
			return CleanupResult{}, fmt.Errorf("audit: record failed cleanup: %w", err)
		}
		return CleanupResult{}, fmt.Errorf("audit: cleanup old events: %w", result.Error)
	}

	history.EventsDeleted = int(result.RowsAffected)
	history.Status = "completed"
	if err := r.db.WithContext(ctx).Create(&history).Error; err != nil {
		return CleanupResult{}, fmt.Errorf("audit: record cleanup: %w", err)
	}

	return CleanupResult{
		EventsDeleted: result.RowsAffected,
		RetentionDays: retentionDays,
		Duration:      duration,
		Status:        "completed",
	}, nil
}

// jsonExport is the top-level shape written by ExportJSON.
type jsonExport struct {
	ExportedAt time.Time `json:"exported_at"`
	EventCount int       `json:"event_count"`
	Events     []Event   `json:"events"`
}

// ExportJSON writes every event matching filter as a single JSON document
// to w, and returns how many were written.
func (r *gormRepository) ExportJSON(ctx context.Context, w io.Writer, filter QueryFilter) (int, error) {
	if filter.Limit <= 0 {
		filter.Limit = 100000
	}
	events, err := r.Query(ctx, filter)
	if err != nil {
		return 0, err
	}
	doc := jsonExport{ExportedAt: time.Now().UTC(), EventCount: len(events), Events: events}
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		return 0, fmt.Errorf("audit: export json: %w", err)
	}
	return len(events), nil
}

var csvHeader = []string{
	"event_id", "event_type", "timestamp", "resource", "workflow_id",
	"robot_id", "user_id", "success", "error_message", "client_ip", "metadata",
}

// ExportCSV writes every event matching filter as CSV to w, and returns
// how many were written. Metadata is flattened to its JSON text form.
func (r *gormRepository) ExportCSV(ctx context.Context, w io.Writer, filter QueryFilter) (int, error) {
	if filter.Limit <= 0 {
		filter.Limit = 100000
	}
	events, err := r.Query(ctx, filter)
	if err != nil {
		return 0, err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return 0, fmt.Errorf("audit: export csv: %w", err)
	}
	for _, event := range events {
		var metadataJSON string
		if len(event.Metadata) > 0 {
			b, err := json.Marshal(event.Metadata)
			if err != nil {
				return 0, fmt.Errorf("audit: export csv: marshal metadata: %w", err)
			}
			metadataJSON = string(b)
		}
		record := []string{
			event.EventID,
			event.EventType,
			event.Timestamp.UTC().Format(time.RFC3339Nano),
			event.Resource,
			string(event.WorkflowID),
			string(event.RobotID),
			event.UserID,
			strconv.FormatBool(event.Success),
			event.ErrorMessage,
			event.ClientIP,
			metadataJSON,
		}
		if err := cw.Write(record); err != nil {
			return 0, fmt.Errorf("audit: export csv: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return 0, fmt.Errorf("audit: export csv: %w", err)
	}
	return len(events), nil
}
