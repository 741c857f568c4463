// Package robotmanager implements the robot manager (C10): the orchestrator
// side registry of connected robots and the jobs in flight to them.
//
// Grounded on agentmanager.Manager (server/internal/
// agentmanager/manager.go): a single sync.RWMutex-guarded map plus a
// logger, Register/Deregister/Dispatch/IsConnected/ConnectedAgents methods
// returning defensive copies. Generalized here three ways: a concrete gRPC
// stream becomes the abstract Session interface (spec §6.1 is a
// WebSocket-compatible JSON wire protocol, not gRPC), one map becomes four
// (connections/robots/jobs/admin subscribers) per spec §4.9, and dispatch
// gains an assignment algorithm (capability/tenant-filtered, least-loaded)
// where the source scheduler addresses an agent directly by id.
package robotmanager

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/casarerpa/casarerpa/internal/eventbus"
	"github.com/casarerpa/casarerpa/internal/offlinequeue"
	"github.com/casarerpa/casarerpa/internal/resilience"
	"github.com/casarerpa/casarerpa/internal/values"
)

// Session is the abstract handle a robot manager sends job-assign and
// job-cancel messages through. The orchestrator↔robot wire protocol
// (internal/session) implements this over a length-prefixed JSON
// connection; tests use an in-memory fake.
type Session interface {
	// Send marshals msg onto the session's outbound stream. Returns an
	// error if the send fails or the connection is gone.
	Send(msg any) error
}

// Registration is what a robot presents on connect (spec §3 ConnectedRobot,
// the caller-supplied subset).
type Registration struct {
	RobotName         string
	Hostname          string
	Environment       string
	TenantID          values.TenantID
	Capabilities      []string
	MaxConcurrentJobs int
}

// RobotStatus is ConnectedRobot's derived occupancy state.
type RobotStatus string

const (
	RobotIdle    RobotStatus = "idle"
	RobotWorking RobotStatus = "working"
	RobotBusy    RobotStatus = "busy"
)

// ConnectedRobot is the orchestrator's in-memory record of a connected
// robot (spec §3). Session is held separately by the manager's connections
// map, not embedded here, so a snapshot copy (ConnectedRobots) never leaks
// a live send path to a caller.
type ConnectedRobot struct {
	RobotID           values.RobotID
	RobotName         string
	Capabilities      []string
	MaxConcurrentJobs int
	CurrentJobIDs     map[values.JobID]struct{}
	ConnectedAt       time.Time
	LastHeartbeat     time.Time
	Environment       string
	TenantID          values.TenantID
	Hostname          string
}

// Status derives idle/working/busy from current load versus capacity.
func (r *ConnectedRobot) Status() RobotStatus {
	switch {
	case len(r.CurrentJobIDs) == 0:
		return RobotIdle
	case len(r.CurrentJobIDs) >= r.MaxConcurrentJobs:
		return RobotBusy
	default:
		return RobotWorking
	}
}

// AvailableSlots is max_concurrent_jobs minus the robot's current load,
// floored at zero.
func (r *ConnectedRobot) AvailableSlots() int {
	n := r.MaxConcurrentJobs - len(r.CurrentJobIDs)
	if n < 0 {
		return 0
	}
	return n
}

func (r *ConnectedRobot) hasCapabilities(required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(r.Capabilities))
	for _, c := range r.Capabilities {
		have[c] = struct{}{}
	}
	for _, want := range required {
		if _, ok := have[want]; !ok {
			return false
		}
	}
	return true
}

func (r *ConnectedRobot) matchesTenant(jobTenant values.TenantID) bool {
	if jobTenant == "" {
		return true
	}
	return r.TenantID == jobTenant
}

func (r *ConnectedRobot) rejectedBy(rejected []values.RobotID) bool {
	for _, id := range rejected {
		if id == r.RobotID {
			return true
		}
	}
	return false
}

// RobotRepository persists ConnectedRobot/job-assignment state best-effort.
// Grounded on server/internal/repositories/agent.go's narrow, partial-
// update methods (UpdateStatus touches only status+last_seen_at); every
// call here is logged-on-failure, never returned to the caller, per spec
// §4.9's "best-effort" framing for robot-manager persistence.
type RobotRepository interface {
	UpsertRobot(ctx context.Context, robot ConnectedRobot) error
	UpdateRobotStatus(ctx context.Context, robotID values.RobotID, status string, lastSeen time.Time) error
}

const breakerPrefix = "robot-session:"

// heartbeatTimeoutDefault matches no particular spec number (none is
// given); chosen to tolerate two missed 30s heartbeats plus jitter.
const heartbeatTimeoutDefault = 90 * time.Second

// Option configures a Manager at construction.
type Option func(*Manager)

// WithRobotRepository enables best-effort persistence.
func WithRobotRepository(repo RobotRepository) Option {
	return func(m *Manager) { m.repo = repo }
}

// WithJobQueue enables durability mirroring of in-flight jobs into the
// offline queue (spec §4.9: "jobs: map<JobId, Job> ... mirrors C9 for
// durability").
func WithJobQueue(queue offlinequeue.Queue) Option {
	return func(m *Manager) { m.queue = queue }
}

// WithHeartbeatTimeout overrides heartbeatTimeoutDefault.
func WithHeartbeatTimeout(d time.Duration) Option {
	return func(m *Manager) { m.heartbeatTimeout = d }
}

// Manager is the robot manager. The zero value is not usable — create
// instances with New.
type Manager struct {
	mu sync.Mutex

	connections map[values.RobotID]Session
	robots      map[values.RobotID]*ConnectedRobot
	jobs        map[values.JobID]*values.Job
	admins      map[Session]struct{}

	repo             RobotRepository
	queue            offlinequeue.Queue
	breakers         *resilience.Registry
	bus              *eventbus.Bus
	heartbeatTimeout time.Duration

	log *zap.Logger
}

// New creates an idle Manager publishing lifecycle events on bus and
// guarding robot-session sends through breakers.
func New(bus *eventbus.Bus, breakers *resilience.Registry, logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		connections:      make(map[values.RobotID]Session),
		robots:           make(map[values.RobotID]*ConnectedRobot),
		jobs:             make(map[values.JobID]*values.Job),
		admins:           make(map[Session]struct{}),
		bus:              bus,
		breakers:         breakers,
		heartbeatTimeout: heartbeatTimeoutDefault,
		log:              logger.Named("robotmanager"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterRobot inserts robotID into the connection and robot registries,
// persists it (best-effort), broadcasts robot_connected to admin sessions,
// and emits RobotRegistered.
func (m *Manager) RegisterRobot(robotID values.RobotID, session Session, reg Registration) ConnectedRobot {
	now := time.Now().UTC()
	robot := ConnectedRobot{
		RobotID:           robotID,
		RobotName:         reg.RobotName,
		Capabilities:      append([]string(nil), reg.Capabilities...),
		MaxConcurrentJobs: reg.MaxConcurrentJobs,
		CurrentJobIDs:     make(map[values.JobID]struct{}),
		ConnectedAt:       now,
		LastHeartbeat:     now,
		Environment:       reg.Environment,
		TenantID:          reg.TenantID,
		Hostname:          reg.Hostname,
	}

	m.mu.Lock()
	if _, exists := m.connections[robotID]; exists {
		m.log.Warn("replacing existing robot connection", zap.String("robot_id", string(robotID)))
	}
	m.connections[robotID] = session
	m.robots[robotID] = &robot
	m.mu.Unlock()

	if m.repo != nil {
		if err := m.repo.UpsertRobot(context.Background(), robot); err != nil {
			m.log.Warn("persist robot registration failed", zap.String("robot_id", string(robotID)), zap.Error(err))
		}
	}

	m.broadcastToAdmins(map[string]any{
		"type":     "robot_connected",
		"robot_id": robotID,
	})
	m.bus.Publish(values.NewEvent(values.EventRobotRegistered, map[string]any{
		"robot_id":   robotID,
		"robot_name": reg.RobotName,
	}))

	return robot
}

// UnregisterRobot removes robotID's connection and robot record, requeues
// every job it was carrying, persists its offline status (best-effort),
// and emits RobotDisconnected.
func (m *Manager) UnregisterRobot(robotID values.RobotID, reason string) {
	m.mu.Lock()
	robot, exists := m.robots[robotID]
	if !exists {
		m.mu.Unlock()
		return
	}
	orphaned := make([]values.JobID, 0, len(robot.CurrentJobIDs))
	for jobID := range robot.CurrentJobIDs {
		orphaned = append(orphaned, jobID)
		if job, ok := m.jobs[jobID]; ok {
			job.Status = values.JobStatusPending
			job.AssignedRobotID = ""
		}
	}
	delete(m.connections, robotID)
	delete(m.robots, robotID)
	m.mu.Unlock()

	if m.repo != nil {
		if err := m.repo.UpdateRobotStatus(context.Background(), robotID, "offline", time.Now().UTC()); err != nil {
			m.log.Warn("persist robot offline status failed", zap.String("robot_id", string(robotID)), zap.Error(err))
		}
	}

	m.bus.Publish(values.NewEvent(values.EventRobotDisconnected, map[string]any{
		"robot_id": robotID,
		"reason":   reason,
	}))

	// Re-attempt assignment outside the lock that removed the robot, per
	// spec §4.9's explicit "(outside the lock)" call-out.
	for _, jobID := range orphaned {
		m.mu.Lock()
		job, ok := m.jobs[jobID]
		m.mu.Unlock()
		if ok {
			m.tryAssignJob(job)
		}
	}
}

// UpdateHeartbeat stamps robotID's last-seen time, persists it (best
// effort), and emits RobotHeartbeat. Returns false if robotID is not
// connected.
func (m *Manager) UpdateHeartbeat(robotID values.RobotID, metrics map[string]any) bool {
	now := time.Now().UTC()
	m.mu.Lock()
	robot, exists := m.robots[robotID]
	if exists {
		robot.LastHeartbeat = now
	}
	m.mu.Unlock()
	if !exists {
		return false
	}

	if m.repo != nil {
		if err := m.repo.UpdateRobotStatus(context.Background(), robotID, "online", now); err != nil {
			m.log.Warn("persist heartbeat failed", zap.String("robot_id", string(robotID)), zap.Error(err))
		}
	}

	data := map[string]any{"robot_id": robotID}
	for k, v := range metrics {
		data[k] = v
	}
	m.bus.Publish(values.NewEvent(values.EventRobotHeartbeat, data))
	return true
}

// SweepHeartbeats unregisters every robot whose last heartbeat is older
// than now minus the configured timeout, with reason "heartbeat_lost".
// Intended to be called periodically (internal/sweep) rather than on its
// own timer, so the manager itself stays timer-free and testable.
func (m *Manager) SweepHeartbeats(now time.Time) []values.RobotID {
	m.mu.Lock()
	stale := make([]values.RobotID, 0)
	for id, robot := range m.robots {
		if now.Sub(robot.LastHeartbeat) > m.heartbeatTimeout {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	for _, id := range stale {
		m.UnregisterRobot(id, "heartbeat_lost")
	}
	return stale
}

// SubmitJob allocates a job id (if spec.JobID is empty), sets it pending,
// emits JobSubmitted, and attempts immediate assignment.
func (m *Manager) SubmitJob(spec values.Job) values.Job {
	if spec.JobID == "" {
		spec.JobID = values.NewJobID()
	}
	spec.Status = values.JobStatusPending
	spec.AssignedRobotID = ""
	if spec.CreatedAt.IsZero() {
		spec.CreatedAt = time.Now().UTC()
	}

	job := spec
	m.mu.Lock()
	m.jobs[job.JobID] = &job
	m.mu.Unlock()

	m.mirrorJob(job)

	m.bus.Publish(values.NewEvent(values.EventJobSubmitted, map[string]any{
		"job_id":      job.JobID,
		"workflow_id": job.WorkflowID,
	}))

	m.mu.Lock()
	tracked := m.jobs[job.JobID]
	m.mu.Unlock()
	m.tryAssignJob(tracked)

	m.mu.Lock()
	result := *m.jobs[job.JobID]
	m.mu.Unlock()
	return result
}

// tryAssignJob attempts to assign job to a candidate robot. Returns false
// without mutating anything if the job is not pending or no candidate is
// available; job is left pending in that case. Acquires its own lock —
// callers must not hold m.mu when calling this.
func (m *Manager) tryAssignJob(job *values.Job) bool {
	m.mu.Lock()
	if job.Status != values.JobStatusPending {
		m.mu.Unlock()
		return false
	}

	candidate := m.selectCandidateLocked(job)
	if candidate == nil {
		m.mu.Unlock()
		return false
	}

	session := m.connections[candidate.RobotID]

	// Optimistic mutation (step 4): applied before the send so a slow send
	// cannot race a second try_assign_job call into double-booking the
	// same robot.
	job.Status = values.JobStatusAssigned
	job.AssignedRobotID = candidate.RobotID
	candidate.CurrentJobIDs[job.JobID] = struct{}{}
	m.mu.Unlock()

	m.mirrorJob(*job)

	err := m.sendAssignment(candidate.RobotID, session, *job)
	if err != nil {
		m.log.Warn("job_assign send failed, rolling back",
			zap.String("job_id", string(job.JobID)),
			zap.String("robot_id", string(candidate.RobotID)),
			zap.Error(err),
		)
		m.mu.Lock()
		job.Status = values.JobStatusPending
		job.AssignedRobotID = ""
		if r, ok := m.robots[candidate.RobotID]; ok {
			delete(r.CurrentJobIDs, job.JobID)
		}
		m.mu.Unlock()
		m.mirrorJob(*job)
		return false
	}

	m.bus.Publish(values.NewEvent(values.EventJobAssigned, map[string]any{
		"job_id":   job.JobID,
		"robot_id": candidate.RobotID,
	}))
	return true
}

// selectCandidateLocked picks the robot job should go to, or nil if none
// qualifies. Caller must hold m.mu.
func (m *Manager) selectCandidateLocked(job *values.Job) *ConnectedRobot {
	if job.TargetRobotID != "" {
		r, ok := m.robots[job.TargetRobotID]
		if !ok || r.AvailableSlots() <= 0 || !r.matchesTenant(job.TenantID) {
			return nil
		}
		return r
	}

	var candidates []*ConnectedRobot
	for _, r := range m.robots {
		if r.AvailableSlots() <= 0 {
			continue
		}
		if !r.matchesTenant(job.TenantID) {
			continue
		}
		if !r.hasCapabilities(job.RequiredCapabilities) {
			continue
		}
		if r.rejectedBy(job.RejectedBy) {
			continue
		}
		candidates = append(candidates, r)
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return len(candidates[i].CurrentJobIDs) < len(candidates[j].CurrentJobIDs)
	})
	return candidates[0]
}

// sendAssignment sends a job_assign message on session through the
// per-robot circuit breaker (spec §4.9 step 5: "C3-breaker-guarded").
func (m *Manager) sendAssignment(robotID values.RobotID, session Session, job values.Job) error {
	if session == nil {
		return fmt.Errorf("robotmanager: robot %s has no open session", robotID)
	}
	breaker := m.breakers.GetOrCreate(breakerPrefix + string(robotID))
	return breaker.Call(func() error {
		return session.Send(jobAssignMessage{
			Type:         "job_assign",
			JobID:        job.JobID,
			WorkflowID:   job.WorkflowID,
			WorkflowData: job.WorkflowData,
			Variables:    job.Variables,
			TimeoutMS:    job.TimeoutMS,
		})
	})
}

// jobAssignMessage is the wire shape of a job_assign message (spec §6.1).
type jobAssignMessage struct {
	Type         string            `json:"type"`
	JobID        values.JobID      `json:"job_id"`
	WorkflowID   values.WorkflowID `json:"workflow_id"`
	WorkflowData []byte            `json:"workflow_data"`
	Variables    map[string]any    `json:"variables"`
	TimeoutMS    int64             `json:"timeout_ms"`
}

// jobCancelMessage is the wire shape of a job_cancel message, used by
// callers that need to tell a robot to abandon a job it was sent (not
// exercised by the manager itself, which only ever assigns forward, but
// kept alongside jobAssignMessage since both are part of the same C10
// outbound vocabulary).
type jobCancelMessage struct {
	Type  string       `json:"type"`
	JobID values.JobID `json:"job_id"`
}

// RequeueJob moves job_id back to pending, recording robot_id in its
// rejected_by set so the next assignment attempt excludes it, emits
// JobRequeued exactly once, then re-attempts assignment.
func (m *Manager) RequeueJob(robotID values.RobotID, jobID values.JobID, reason string) {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if r, ok := m.robots[robotID]; ok {
		delete(r.CurrentJobIDs, jobID)
	}
	job.RejectedBy = append(job.RejectedBy, robotID)
	job.Status = values.JobStatusPending
	job.AssignedRobotID = ""
	m.mu.Unlock()

	m.mirrorJob(*job)

	m.bus.Publish(values.NewEvent(values.EventJobRequeued, map[string]any{
		"job_id":   jobID,
		"robot_id": robotID,
		"reason":   reason,
	}))
	m.broadcastToAdmins(map[string]any{
		"type":     "job_requeued",
		"job_id":   jobID,
		"robot_id": robotID,
	})

	m.tryAssignJob(job)
}

// JobCompleted removes job_id from robot_id's current set, marks the job
// completed or failed, persists removal (best-effort), emits
// JobCompletedOnOrchestrator, and broadcasts to admins.
func (m *Manager) JobCompleted(robotID values.RobotID, jobID values.JobID, success bool, result map[string]any) {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if r, ok := m.robots[robotID]; ok {
		delete(r.CurrentJobIDs, jobID)
	}
	if success {
		job.Status = values.JobStatusCompleted
	} else {
		job.Status = values.JobStatusFailed
	}
	completed := *job
	m.mu.Unlock()

	if m.queue != nil {
		if err := m.queue.EnqueueCompletion(context.Background(), jobID, success, result); err != nil {
			m.log.Warn("mirror completion to offline queue failed", zap.String("job_id", string(jobID)), zap.Error(err))
		}
	}
	m.mirrorJob(completed)

	m.bus.Publish(values.NewEvent(values.EventJobCompleted, map[string]any{
		"job_id":   jobID,
		"robot_id": robotID,
		"success":  success,
	}))
	m.broadcastToAdmins(map[string]any{
		"type":     "job_completed",
		"job_id":   jobID,
		"robot_id": robotID,
		"success":  success,
	})
}

// mirrorJob writes job into the offline queue for durability (spec §4.9:
// "jobs: map<JobId, Job> ... mirrors C9"), best-effort — a mirror failure
// is logged, never surfaced, since the in-memory map stays authoritative
// for a running process.
func (m *Manager) mirrorJob(job values.Job) {
	if m.queue == nil {
		return
	}
	if err := m.queue.EnqueueJob(context.Background(), job); err != nil {
		m.log.Warn("mirror job to offline queue failed", zap.String("job_id", string(job.JobID)), zap.Error(err))
	}
}

// RegisterAdmin adds session to the set of fleet-event subscribers.
func (m *Manager) RegisterAdmin(session Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.admins[session] = struct{}{}
}

// UnregisterAdmin removes session from the admin subscriber set.
func (m *Manager) UnregisterAdmin(session Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.admins, session)
}

// adminSendTimeout is the "slow admin receiver" threshold from spec §4.9's
// ordering-guarantees section.
const adminSendTimeout = 1 * time.Second

// broadcastToAdmins sends msg to every admin session, dropping any session
// that takes longer than adminSendTimeout or returns an error.
func (m *Manager) broadcastToAdmins(msg any) {
	m.broadcastToAdminsWithTimeout(msg, adminSendTimeout)
}

// broadcastToAdminsWithTimeout is broadcastToAdmins with an injectable
// per-send deadline, so tests can exercise the slow-receiver drop path
// without a real 1s sleep.
func (m *Manager) broadcastToAdminsWithTimeout(msg any, timeout time.Duration) {
	m.mu.Lock()
	sessions := make([]Session, 0, len(m.admins))
	for s := range m.admins {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		done := make(chan error, 1)
		go func(s Session) { done <- s.Send(msg) }(s)

		select {
		case err := <-done:
			if err != nil {
				m.log.Warn("admin broadcast send failed, dropping subscriber", zap.Error(err))
				m.UnregisterAdmin(s)
			}
		case <-time.After(timeout):
			m.log.Warn("admin broadcast send timed out, dropping subscriber")
			m.UnregisterAdmin(s)
		}
	}
}

// ConnectedRobots returns a defensive-copy snapshot of every currently
// registered robot, for the REST API's fleet listing.
func (m *Manager) ConnectedRobots() []ConnectedRobot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ConnectedRobot, 0, len(m.robots))
	for _, r := range m.robots {
		cp := *r
		cp.Capabilities = append([]string(nil), r.Capabilities...)
		cp.CurrentJobIDs = make(map[values.JobID]struct{}, len(r.CurrentJobIDs))
		for id := range r.CurrentJobIDs {
			cp.CurrentJobIDs[id] = struct{}{}
		}
		out = append(out, cp)
	}
	return out
}

// Job returns a copy of the tracked job and whether it exists.
func (m *Manager) Job(jobID values.JobID) (values.Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return values.Job{}, false
	}
	return *job, true
}

// PendingJobs returns a copy of every job currently in values.JobStatusPending,
// in no particular order. Used by fleet-status views and by tests asserting
// that a requeued job without an eligible robot remains visible rather than
// silently vanishing (spec scenario S5).
func (m *Manager) PendingJobs() []values.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]values.Job, 0)
	for _, job := range m.jobs {
		if job.Status == values.JobStatusPending {
			out = append(out, *job)
		}
	}
	return out
}

// IsConnected reports whether robotID currently has an open session.
func (m *Manager) IsConnected(robotID values.RobotID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.connections[robotID]
	return ok
}
