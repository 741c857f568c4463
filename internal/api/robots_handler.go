package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/casarerpa/casarerpa/internal/robotmanager"
)

// RobotsHandler serves GET /robots, a snapshot of the currently connected
// fleet.
type RobotsHandler struct {
	manager *robotmanager.Manager
	logger  *zap.Logger
}

// NewRobotsHandler constructs a RobotsHandler.
func NewRobotsHandler(manager *robotmanager.Manager, logger *zap.Logger) *RobotsHandler {
	return &RobotsHandler{manager: manager, logger: logger}
}

type robotResponseBody struct {
	RobotID           string   `json:"robot_id"`
	RobotName         string   `json:"robot_name"`
	Status            string   `json:"status"`
	Capabilities      []string `json:"capabilities"`
	MaxConcurrentJobs int      `json:"max_concurrent_jobs"`
	AvailableSlots    int      `json:"available_slots"`
}

// List handles GET /robots.
func (h *RobotsHandler) List(w http.ResponseWriter, r *http.Request) {
	robots := h.manager.ConnectedRobots()
	out := make([]robotResponseBody, 0, len(robots))
	for _, robot := range robots {
		out = append(out, robotResponseBody{
			RobotID:           string(robot.RobotID),
			RobotName:         robot.RobotName,
			Status:            string(robot.Status()),
			Capabilities:      robot.Capabilities,
			MaxConcurrentJobs: robot.MaxConcurrentJobs,
			AvailableSlots:    robot.AvailableSlots(),
		})
	}
	Ok(w, out)
}
