package robotagent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/casarerpa/casarerpa/internal/eventbus"
	"github.com/casarerpa/casarerpa/internal/resilience"
	"github.com/casarerpa/casarerpa/internal/robotmanager"
	"github.com/casarerpa/casarerpa/internal/session"
	"github.com/casarerpa/casarerpa/internal/values"
)

func newTestOrchestrator(t *testing.T) (*robotmanager.Manager, string, func()) {
	t.Helper()
	bus := eventbus.New(zap.NewNop())
	breakers := resilience.NewRegistry(resilience.DefaultSettings())
	manager := robotmanager.New(bus, breakers, zap.NewNop())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := session.Upgrade(w, r, zap.NewNop())
		require.NoError(t, err)
		sess.Serve(manager, "test-version")
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return manager, wsURL, srv.Close
}

func TestDial_RegistersAndManagerSeesRobot(t *testing.T) {
	manager, wsURL, cleanup := newTestOrchestrator(t)
	defer cleanup()

	client, err := Dial(context.Background(), wsURL, Registration{
		RobotID:           "robot-1",
		RobotName:         "worker-1",
		Capabilities:      []string{"browser"},
		MaxConcurrentJobs: 2,
	}, zap.NewNop())
	require.NoError(t, err)
	defer client.Close()

	require.Eventually(t, func() bool { return manager.IsConnected("robot-1") }, time.Second, 10*time.Millisecond)
}

type recordingHandler struct {
	jobs chan JobAssignment
}

func (h *recordingHandler) HandleJob(_ context.Context, client *Client, job JobAssignment) {
	h.jobs <- job
	_ = client.AcceptJob(job.JobID)
	_ = client.CompleteJob(job.JobID, true, map[string]any{"rows": 1})
}

func TestClient_Run_DispatchesJobAssignAndReportsCompletion(t *testing.T) {
	manager, wsURL, cleanup := newTestOrchestrator(t)
	defer cleanup()

	client, err := Dial(context.Background(), wsURL, Registration{
		RobotID:           "robot-1",
		MaxConcurrentJobs: 1,
	}, zap.NewNop())
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := &recordingHandler{jobs: make(chan JobAssignment, 1)}
	go client.Run(ctx, handler)

	require.Eventually(t, func() bool { return manager.IsConnected("robot-1") }, time.Second, 10*time.Millisecond)

	submitted := manager.SubmitJob(values.Job{WorkflowID: "wf-1"})
	require.Equal(t, values.RobotID("robot-1"), submitted.AssignedRobotID)

	select {
	case job := <-handler.jobs:
		require.Equal(t, submitted.JobID, job.JobID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for job_assign dispatch")
	}

	require.Eventually(t, func() bool {
		j, ok := manager.Job(submitted.JobID)
		return ok && j.Status == values.JobStatusCompleted
	}, time.Second, 10*time.Millisecond)
}
