package session

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/casarerpa/casarerpa/internal/eventbus"
	"github.com/casarerpa/casarerpa/internal/resilience"
	"github.com/casarerpa/casarerpa/internal/robotmanager"
	"github.com/casarerpa/casarerpa/internal/values"
)

func newTestManager(t *testing.T) *robotmanager.Manager {
	t.Helper()
	bus := eventbus.New(zap.NewNop())
	breakers := resilience.NewRegistry(resilience.DefaultSettings())
	return robotmanager.New(bus, breakers, zap.NewNop())
}

// dialRobot starts an httptest server that upgrades to a RobotSession.Serve
// loop, dials it as a client, and returns the client-side *websocket.Conn
// plus a cleanup func.
func dialRobot(t *testing.T, manager *robotmanager.Manager) (*websocket.Conn, func()) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := Upgrade(w, r, zap.NewNop())
		require.NoError(t, err)
		sess.Serve(manager, "test-version")
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	return conn, func() {
		conn.Close()
		srv.Close()
	}
}

func TestRegister_ReceivesWelcomeAndManagerSeesRobot(t *testing.T) {
	manager := newTestManager(t)
	conn, cleanup := dialRobot(t, manager)
	defer cleanup()

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":     "register",
		"robot_id": "robot-1",
		"capabilities": map[string]any{
			"types":               []string{"browser"},
			"max_concurrent_jobs": 2,
		},
	}))

	var welcome map[string]any
	require.NoError(t, conn.ReadJSON(&welcome))
	require.Equal(t, "welcome", welcome["type"])
	require.Equal(t, "test-version", welcome["server_version"])

	require.Eventually(t, func() bool {
		return manager.IsConnected("robot-1")
	}, time.Second, 10*time.Millisecond)
}

func TestRegisterThenDisconnect_UnregistersRobot(t *testing.T) {
	manager := newTestManager(t)
	conn, cleanup := dialRobot(t, manager)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":     "register",
		"robot_id": "robot-1",
	}))
	var welcome map[string]any
	require.NoError(t, conn.ReadJSON(&welcome))

	require.Eventually(t, func() bool { return manager.IsConnected("robot-1") }, time.Second, 10*time.Millisecond)

	cleanup()

	require.Eventually(t, func() bool { return !manager.IsConnected("robot-1") }, time.Second, 10*time.Millisecond)
}

func TestNonRegisterFirstFrame_ClosesConnection(t *testing.T) {
	manager := newTestManager(t)
	conn, cleanup := dialRobot(t, manager)
	defer cleanup()

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "heartbeat"}))

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
}

func TestJobComplete_MarksJobCompletedOnManager(t *testing.T) {
	manager := newTestManager(t)
	conn, cleanup := dialRobot(t, manager)
	defer cleanup()

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":     "register",
		"robot_id": "robot-1",
		"capabilities": map[string]any{
			"max_concurrent_jobs": 1,
		},
	}))
	var welcome map[string]any
	require.NoError(t, conn.ReadJSON(&welcome))

	job := manager.SubmitJob(values.Job{WorkflowID: "wf-1"})
	require.Equal(t, values.JobStatusAssigned, job.Status)

	// Drain the job_assign frame the manager just pushed.
	var assign map[string]any
	require.NoError(t, conn.ReadJSON(&assign))
	require.Equal(t, "job_assign", assign["type"])

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":    "job_complete",
		"job_id":  string(job.JobID),
		"success": true,
		"result":  map[string]any{"rows": 5},
	}))

	require.Eventually(t, func() bool {
		result, ok := manager.Job(job.JobID)
		return ok && result.Status == values.JobStatusCompleted
	}, time.Second, 10*time.Millisecond)
}

func TestJobReject_RequeuesJob(t *testing.T) {
	manager := newTestManager(t)
	connA, cleanupA := dialRobot(t, manager)
	defer cleanupA()
	connB, cleanupB := dialRobot(t, manager)
	defer cleanupB()

	require.NoError(t, connA.WriteJSON(map[string]any{
		"type": "register", "robot_id": "robot-a",
		"capabilities": map[string]any{"max_concurrent_jobs": 1},
	}))
	var w1 map[string]any
	require.NoError(t, connA.ReadJSON(&w1))

	require.NoError(t, connB.WriteJSON(map[string]any{
		"type": "register", "robot_id": "robot-b",
		"capabilities": map[string]any{"max_concurrent_jobs": 1},
	}))
	var w2 map[string]any
	require.NoError(t, connB.ReadJSON(&w2))

	job := manager.SubmitJob(values.Job{WorkflowID: "wf-1"})
	// Both robots are equally loaded, so either one may receive the job.
	require.Contains(t, []values.RobotID{"robot-a", "robot-b"}, job.AssignedRobotID)
	assignedConn, otherRobot := connA, values.RobotID("robot-b")
	if job.AssignedRobotID == "robot-b" {
		assignedConn, otherRobot = connB, "robot-a"
	}

	var assign map[string]any
	require.NoError(t, assignedConn.ReadJSON(&assign))

	require.NoError(t, assignedConn.WriteJSON(map[string]any{
		"type":   "job_reject",
		"job_id": string(job.JobID),
		"reason": "busy",
	}))

	require.Eventually(t, func() bool {
		result, ok := manager.Job(job.JobID)
		return ok && result.AssignedRobotID == otherRobot
	}, time.Second, 10*time.Millisecond)
}
