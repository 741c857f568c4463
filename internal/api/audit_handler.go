package api

import (
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/casarerpa/casarerpa/internal/audit"
	"github.com/casarerpa/casarerpa/internal/values"
)

// AuditHandler serves audit log export for admin operators. Filters are
// read from query parameters and mirror audit.QueryFilter directly.
type AuditHandler struct {
	repo   audit.Repository
	logger *zap.Logger
}

// NewAuditHandler constructs an AuditHandler.
func NewAuditHandler(repo audit.Repository, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{repo: repo, logger: logger}
}

func (h *AuditHandler) filterFromQuery(r *http.Request) audit.QueryFilter {
	q := r.URL.Query()
	filter := audit.QueryFilter{
		EventType:  q.Get("event_type"),
		Resource:   q.Get("resource"),
		WorkflowID: values.WorkflowID(q.Get("workflow_id")),
		RobotID:    values.RobotID(q.Get("robot_id")),
		UserID:     q.Get("user_id"),
	}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil {
		filter.Limit = limit
	}
	if offset, err := strconv.Atoi(q.Get("offset")); err == nil {
		filter.Offset = offset
	}
	if start, err := time.Parse(time.RFC3339, q.Get("start_time")); err == nil {
		filter.StartTime = start
	}
	if end, err := time.Parse(time.RFC3339, q.Get("end_time")); err == nil {
		filter.EndTime = end
	}
	return filter
}

// ExportJSON handles GET /audit/export.json and streams the filtered audit
// log as a single JSON document directly to the response body.
func (h *AuditHandler) ExportJSON(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="audit-export.json"`)
	if _, err := h.repo.ExportJSON(r.Context(), w, h.filterFromQuery(r)); err != nil {
		h.logger.Error("audit export json", zap.Error(err))
	}
}

// ExportCSV handles GET /audit/export.csv.
func (h *AuditHandler) ExportCSV(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="audit-export.csv"`)
	if _, err := h.repo.ExportCSV(r.Context(), w, h.filterFromQuery(r)); err != nil {
		h.logger.Error("audit export csv", zap.Error(err))
	}
}
