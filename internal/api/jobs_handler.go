package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/casarerpa/casarerpa/internal/robotmanager"
	"github.com/casarerpa/casarerpa/internal/values"
)

// JobsHandler serves job submission and lookup, backed directly by
// robotmanager.Manager — there is no separate job query store, so listing
// and single-job lookup both read straight from the in-memory registries
// the manager already maintains for dispatch.
type JobsHandler struct {
	manager          *robotmanager.Manager
	logger           *zap.Logger
	defaultTimeoutMS int64
}

// NewJobsHandler constructs a JobsHandler. defaultTimeoutMS is applied to any
// submission that omits timeout_ms (or sets it to zero) — spec §6.5's
// "default job timeout" CLI setting.
func NewJobsHandler(manager *robotmanager.Manager, logger *zap.Logger, defaultTimeoutMS int64) *JobsHandler {
	return &JobsHandler{manager: manager, logger: logger, defaultTimeoutMS: defaultTimeoutMS}
}

type submitJobRequestBody struct {
	WorkflowID           string          `json:"workflow_id"`
	WorkflowData         json.RawMessage `json:"workflow_data"`
	Variables            map[string]any  `json:"variables"`
	Priority             int             `json:"priority"`
	TargetRobotID        string          `json:"target_robot_id"`
	RequiredCapabilities []string        `json:"required_capabilities"`
	TimeoutMS            int64           `json:"timeout_ms"`
	TenantID             string          `json:"tenant_id"`
}

type jobResponseBody struct {
	JobID           string `json:"job_id"`
	WorkflowID      string `json:"workflow_id"`
	Status          string `json:"status"`
	AssignedRobotID string `json:"assigned_robot_id,omitempty"`
	Priority        int    `json:"priority"`
}

func toJobResponse(j values.Job) jobResponseBody {
	return jobResponseBody{
		JobID:           string(j.JobID),
		WorkflowID:      string(j.WorkflowID),
		Status:          string(j.Status),
		AssignedRobotID: string(j.AssignedRobotID),
		Priority:        j.Priority,
	}
}

// Submit handles POST /jobs. The job is queued for dispatch immediately;
// the response reflects whatever status the manager's synchronous
// submit-and-assign path reached (assigned or pending).
func (h *JobsHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var body submitJobRequestBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.WorkflowID == "" {
		ErrUnprocessable(w, "workflow_id is required")
		return
	}

	timeoutMS := body.TimeoutMS
	if timeoutMS == 0 {
		timeoutMS = h.defaultTimeoutMS
	}

	job := h.manager.SubmitJob(values.Job{
		WorkflowID:           values.WorkflowID(body.WorkflowID),
		WorkflowData:         []byte(body.WorkflowData),
		Variables:            body.Variables,
		Priority:             body.Priority,
		TargetRobotID:        values.RobotID(body.TargetRobotID),
		RequiredCapabilities: body.RequiredCapabilities,
		TimeoutMS:            timeoutMS,
		TenantID:             values.TenantID(body.TenantID),
	})

	Created(w, toJobResponse(job))
}

// Get handles GET /jobs/{id}.
func (h *JobsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := values.JobID(chi.URLParam(r, "id"))
	job, ok := h.manager.Job(id)
	if !ok {
		ErrNotFound(w)
		return
	}
	Ok(w, toJobResponse(job))
}

// List handles GET /jobs. Only pending jobs are exposed today — the manager
// keeps no general-purpose query index over completed/failed jobs, and the
// audit log (internal/audit) is the durable record of job history.
func (h *JobsHandler) List(w http.ResponseWriter, r *http.Request) {
	pending := h.manager.PendingJobs()
	out := make([]jobResponseBody, 0, len(pending))
	for _, j := range pending {
		out = append(out, toJobResponse(j))
	}
	Ok(w, out)
}
