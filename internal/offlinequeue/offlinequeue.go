// Package offlinequeue implements the durable local store (C9) backing job
// recovery and checkpoint persistence across process restarts: pending
// jobs, the latest checkpoint per job, and completions awaiting delivery
// back to the orchestrator.
//
// Grounded on the repository pattern in server/internal/repositories/
// job.go, snapshot.go: one GORM-backed struct per table, context-scoped
// calls wrapping gorm.DB, errors joined with a call-site prefix, ErrNotFound
// surfaced via errors.Is against storage.ErrNotFound. Each write here commits
// its own row independently (no cross-record transaction) so a SIGKILL
// between two calls loses at most the in-flight one, matching spec §4.8's
// per-record-atomic/batch-not-atomic durability contract.
package offlinequeue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/casarerpa/casarerpa/internal/values"
)

// checkpointRow is the GORM model for the single-row-per-job checkpoint
// table described in spec §6.3: (job_id, checkpoint_id, node_id, state_blob,
// created_at), latest-wins per job_id. JobID is the primary key so a second
// save simply overwrites the row instead of needing a separate "latest"
// query over a history table.
type checkpointRow struct {
	JobID        string `gorm:"type:text;primaryKey"`
	CheckpointID string `gorm:"not null"`
	NodeID       string `gorm:"not null"`
	StateBlob    string `gorm:"type:text;not null"`
	CreatedAt    time.Time
}

func (checkpointRow) TableName() string { return "offline_checkpoints" }

// pendingJobRow persists a submitted Job so it survives a restart before
// it's been fully dispatched. Complex fields are stored as JSON text, the
// same convention used for Destination.Config/Agent.Labels.
type pendingJobRow struct {
	JobID                string `gorm:"type:text;primaryKey"`
	WorkflowID           string `gorm:"not null"`
	WorkflowData         []byte `gorm:"type:blob"`
	VariablesJSON        string `gorm:"type:text;default:'{}'"`
	Priority             int
	TargetRobotID        string `gorm:"default:''"`
	RequiredCapabilities string `gorm:"type:text;default:'[]'"`
	TimeoutMS            int64
	TenantID             string `gorm:"default:''"`
	Status               string `gorm:"not null;default:'pending'"`
	AssignedRobotID      string `gorm:"default:''"`
	RejectedByJSON       string `gorm:"type:text;default:'[]'"`
	CreatedAt            time.Time
}

func (pendingJobRow) TableName() string { return "offline_pending_jobs" }

// pendingCompletionRow records a robot-reported job outcome durably until
// the orchestrator (or the robot's own retry loop, if this store runs on
// the robot side) has confirmed delivery.
type pendingCompletionRow struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	JobID      string `gorm:"not null;index"`
	Success    bool
	ResultJSON string `gorm:"type:text;default:'{}'"`
	CreatedAt  time.Time
}

func (pendingCompletionRow) TableName() string { return "offline_pending_completions" }

// Models returns every GORM model this package owns, for storage.Migrate.
func Models() []any {
	return []any{&checkpointRow{}, &pendingJobRow{}, &pendingCompletionRow{}}
}

// PendingCompletion is a durably-queued job outcome awaiting delivery.
type PendingCompletion struct {
	ID      uint
	JobID   values.JobID
	Success bool
	Result  map[string]any
}

// Queue is the durable store contract spec §4.8 describes.
type Queue interface {
	// SaveCheckpoint persists the latest checkpoint state for a job,
	// overwriting any previous one. Returns false (not an error) if the
	// write itself fails, mirroring the checkpoint manager's null-on-
	// failure contract one layer up.
	SaveCheckpoint(ctx context.Context, jobID values.JobID, checkpointID values.CheckpointID, nodeID values.NodeID, state []byte) bool
	// GetLatestCheckpoint returns the raw state blob for a job, or
	// (nil, false) if none is stored.
	GetLatestCheckpoint(ctx context.Context, jobID values.JobID) ([]byte, bool)
	// ClearCheckpoints removes the stored checkpoint row for a job.
	ClearCheckpoints(ctx context.Context, jobID values.JobID) error

	EnqueueJob(ctx context.Context, job values.Job) error
	// DrainJobs returns every pending job and deletes each one as it is
	// read, one row at a time, so a crash mid-drain loses at most the job
	// being processed rather than the whole batch.
	DrainJobs(ctx context.Context) ([]values.Job, error)

	EnqueueCompletion(ctx context.Context, jobID values.JobID, success bool, result map[string]any) error
	// DrainCompletions returns and removes every queued completion, one row
	// at a time, same crash-safety rationale as DrainJobs.
	DrainCompletions(ctx context.Context) ([]PendingCompletion, error)
}

// gormQueue is the GORM-backed Queue implementation.
type gormQueue struct {
	db *gorm.DB
}

// New returns a Queue backed by db. Callers must have already run
// storage.Migrate(db, offlinequeue.Models()...).
func New(db *gorm.DB) Queue {
	return &gormQueue{db: db}
}

func (q *gormQueue) SaveCheckpoint(ctx context.Context, jobID values.JobID, checkpointID values.CheckpointID, nodeID values.NodeID, state []byte) bool {
	row := checkpointRow{
		JobID:        string(jobID),
		CheckpointID: string(checkpointID),
		NodeID:       string(nodeID),
		StateBlob:    string(state),
		CreatedAt:    time.Now().UTC(),
	}
	err := q.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "job_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"checkpoint_id", "node_id", "state_blob", "created_at"}),
	}).Create(&row).Error
	return err == nil
}

func (q *gormQueue) GetLatestCheckpoint(ctx context.Context, jobID values.JobID) ([]byte, bool) {
	var row checkpointRow
	err := q.db.WithContext(ctx).First(&row, "job_id = ?", string(jobID)).Error
	if err != nil {
		return nil, false
	}
	return []byte(row.StateBlob), true
}

func (q *gormQueue) ClearCheckpoints(ctx context.Context, jobID values.JobID) error {
	if err := q.db.WithContext(ctx).Delete(&checkpointRow{}, "job_id = ?", string(jobID)).Error; err != nil {
		return fmt.Errorf("offlinequeue: clear checkpoints: %w", err)
	}
	return nil
}

func (q *gormQueue) EnqueueJob(ctx context.Context, job values.Job) error {
	caps, err := json.Marshal(job.RequiredCapabilities)
	if err != nil {
		return fmt.Errorf("offlinequeue: marshal capabilities: %w", err)
	}
	vars, err := json.Marshal(job.Variables)
	if err != nil {
		return fmt.Errorf("offlinequeue: marshal variables: %w", err)
	}
	rejected, err := json.Marshal(job.RejectedBy)
	if err != nil {
		return fmt.Errorf("offlinequeue: marshal rejected_by: %w", err)
	}

	row := pendingJobRow{
		JobID:                string(job.JobID),
		WorkflowID:           string(job.WorkflowID),
		WorkflowData:         job.WorkflowData,
		VariablesJSON:        string(vars),
		Priority:             job.Priority,
		TargetRobotID:        string(job.TargetRobotID),
		RequiredCapabilities: string(caps),
		TimeoutMS:            job.TimeoutMS,
		TenantID:             string(job.TenantID),
		Status:               string(job.Status),
		AssignedRobotID:      string(job.AssignedRobotID),
		RejectedByJSON:       string(rejected),
		CreatedAt:            job.CreatedAt,
	}
	err = q.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "job_id"}},
		UpdateAll: true,
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("offlinequeue: enqueue job: %w", err)
	}
	return nil
}

func (q *gormQueue) DrainJobs(ctx context.Context) ([]values.Job, error) {
	var rows []pendingJobRow
	if err := q.db.WithContext(ctx).Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("offlinequeue: drain jobs: %w", err)
	}

	out := make([]values.Job, 0, len(rows))
	for _, row := range rows {
		job, err := rowToJob(row)
		if err != nil {
			// A malformed row must not jam the whole drain; drop it and
			// keep going, same tolerance spec §4.7 asks of checkpoint reads.
			continue
		}
		out = append(out, job)

		if err := q.db.WithContext(ctx).Delete(&pendingJobRow{}, "job_id = ?", row.JobID).Error; err != nil {
			return out, fmt.Errorf("offlinequeue: delete drained job %s: %w", row.JobID, err)
		}
	}
	return out, nil
}

func rowToJob(row pendingJobRow) (values.Job, error) {
	var vars map[string]any
	if err := json.Unmarshal([]byte(row.VariablesJSON), &vars); err != nil {
		return values.Job{}, fmt.Errorf("unmarshal variables: %w", err)
	}
	var caps []string
	if err := json.Unmarshal([]byte(row.RequiredCapabilities), &caps); err != nil {
		return values.Job{}, fmt.Errorf("unmarshal capabilities: %w", err)
	}
	var rejected []values.RobotID
	if err := json.Unmarshal([]byte(row.RejectedByJSON), &rejected); err != nil {
		return values.Job{}, fmt.Errorf("unmarshal rejected_by: %w", err)
	}

	return values.Job{
		JobID:                values.JobID(row.JobID),
		WorkflowID:           values.WorkflowID(row.WorkflowID),
		WorkflowData:         row.WorkflowData,
		Variables:            vars,
		Priority:             row.Priority,
		TargetRobotID:        values.RobotID(row.TargetRobotID),
		RequiredCapabilities: caps,
		TimeoutMS:            row.TimeoutMS,
		TenantID:             values.TenantID(row.TenantID),
		Status:               values.JobStatus(row.Status),
		AssignedRobotID:      values.RobotID(row.AssignedRobotID),
		RejectedBy:           rejected,
		CreatedAt:            row.CreatedAt,
	}, nil
}

func (q *gormQueue) EnqueueCompletion(ctx context.Context, jobID values.JobID, success bool, result map[string]any) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("offlinequeue: marshal completion result: %w", err)
	}
	row := pendingCompletionRow{
		JobID:      string(jobID),
		Success:    success,
		ResultJSON: string(payload),
		CreatedAt:  time.Now().UTC(),
	}
	if err := q.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("offlinequeue: enqueue completion: %w", err)
	}
	return nil
}

func (q *gormQueue) DrainCompletions(ctx context.Context) ([]PendingCompletion, error) {
	var rows []pendingCompletionRow
	if err := q.db.WithContext(ctx).Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("offlinequeue: drain completions: %w", err)
	}

	out := make([]PendingCompletion, 0, len(rows))
	for _, row := range rows {
		var result map[string]any
		if err := json.Unmarshal([]byte(row.ResultJSON), &result); err != nil {
			continue
		}
		out = append(out, PendingCompletion{
			ID:      row.ID,
			JobID:   values.JobID(row.JobID),
			Success: row.Success,
			Result:  result,
		})

		if err := q.db.WithContext(ctx).Delete(&pendingCompletionRow{}, "id = ?", row.ID).Error; err != nil {
			return out, fmt.Errorf("offlinequeue: delete drained completion %d: %w", row.ID, err)
		}
	}
	return out, nil
}
