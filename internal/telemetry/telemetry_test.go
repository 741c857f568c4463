package telemetry

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestNoop_SatisfiesFacadeWithoutPanicking(t *testing.T) {
	var f Facade = NewNoop()
	f.JobSubmitted()
	f.JobAssigned()
	f.JobRequeued()
	f.JobCompleted("wf-1", true, time.Second)
	f.RobotConnected()
	f.RobotDisconnected("heartbeat_lost")
	f.BreakerState("robot-session:robot-1", "open")
	f.AuditChainDepth(42)
}

func TestPrometheus_SatisfiesFacade(t *testing.T) {
	reg := prometheus.NewRegistry()
	var f Facade = NewPrometheus(reg)
	f.JobSubmitted()
	f.JobCompleted("wf-1", true, 1500*time.Millisecond)
}

func scrape(t *testing.T, p *Prometheus) string {
	t.Helper()
	srv := httptest.NewServer(p.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestPrometheus_JobSubmittedIncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus(reg)

	p.JobSubmitted()
	p.JobSubmitted()

	body := scrape(t, p)
	require.Contains(t, body, "casarerpa_jobs_submitted_total 2")
}

func TestPrometheus_JobCompletedRecordsLabeledDuration(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus(reg)

	p.JobCompleted("invoice-scrape", true, 2*time.Second)
	p.JobCompleted("invoice-scrape", false, 500*time.Millisecond)

	body := scrape(t, p)
	require.Contains(t, body, `workflow="invoice-scrape"`)
	require.Contains(t, body, `success="true"`)
	require.Contains(t, body, `success="false"`)
}

func TestPrometheus_BreakerStateSetsGaugeByName(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus(reg)

	p.BreakerState("robot-session:robot-1", "open")
	p.BreakerState("robot-session:robot-2", "closed")

	body := scrape(t, p)
	require.Contains(t, body, `casarerpa_breaker_state{breaker="robot-session:robot-1"} 2`)
	require.Contains(t, body, `casarerpa_breaker_state{breaker="robot-session:robot-2"} 0`)
}

func TestPrometheus_AuditChainDepthSetsGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus(reg)

	p.AuditChainDepth(17)

	body := scrape(t, p)
	require.True(t, strings.Contains(body, "casarerpa_audit_chain_depth 17"))
}

func TestPrometheus_RobotDisconnectedLabelsByReason(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus(reg)

	p.RobotDisconnected("heartbeat_lost")
	p.RobotDisconnected("heartbeat_lost")
	p.RobotDisconnected("connection_lost")

	body := scrape(t, p)
	require.Contains(t, body, `casarerpa_robot_disconnections_total{reason="connection_lost"} 1`)
	require.Contains(t, body, `casarerpa_robot_disconnections_total{reason="heartbeat_lost"} 2`)
}

func TestBreakerStateValue_UnknownStateMapsToNegativeOne(t *testing.T) {
	require.Equal(t, float64(-1), breakerStateValue("quantum"))
}
