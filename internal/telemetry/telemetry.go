// Package telemetry exposes a narrow Facade that the orchestrator's other
// components call into to record job throughput, breaker state, and audit
// chain depth. Prometheus is the only backend: there is no OTLP exporter,
// no tracing, and no log correlation here — those concerns live entirely in
// zap's structured logging elsewhere in this tree.
//
// Production code should depend on the Facade interface, not on *Prometheus
// directly, so that tests can substitute NewNoop() and assert on behavior
// without standing up a registry.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Facade is the instrumentation surface every other package calls into.
// Method names describe the event being recorded, not the metric kind
// behind it, so swapping the backend never ripples out to call sites.
type Facade interface {
	// JobSubmitted records a job entering the pending queue.
	JobSubmitted()
	// JobAssigned records a job being handed to a robot.
	JobAssigned()
	// JobRequeued records a job bouncing back to pending after a robot
	// rejected or lost it.
	JobRequeued()
	// JobCompleted records a terminal job outcome and its end-to-end
	// duration from submission to completion.
	JobCompleted(workflowName string, success bool, duration time.Duration)
	// RobotConnected records a robot registering with the orchestrator.
	RobotConnected()
	// RobotDisconnected records a robot leaving, tagged with why.
	RobotDisconnected(reason string)
	// BreakerState records a named circuit breaker's current state, one of
	// "closed", "open", or "half_open".
	BreakerState(name string, state string)
	// AuditChainDepth records the number of events in the audit hash chain
	// as of the last write, so a dashboard can alert on unexpected resets.
	AuditChainDepth(depth int)
}

// Prometheus is the default Facade backend. It owns its own registry rather
// than registering into prometheus.DefaultRegisterer, so more than one can
// exist in a process (one per test, for instance) without a
// "duplicate metrics collector registration" panic.
type Prometheus struct {
	registry *prometheus.Registry

	jobsSubmitted prometheus.Counter
	jobsAssigned  prometheus.Counter
	jobsRequeued  prometheus.Counter
	jobDuration   *prometheus.HistogramVec
	robotConnects prometheus.Counter
	robotDisconns *prometheus.CounterVec
	breakerState  *prometheus.GaugeVec
	auditDepth    prometheus.Gauge
}

// breakerStateValue maps a breaker state name to the gauge value dashboards
// expect: 0 closed, 1 half-open, 2 open. Unknown names map to -1 so a typo'd
// state is visibly wrong rather than silently reported as closed.
func breakerStateValue(state string) float64 {
	switch state {
	case "closed":
		return 0
	case "half_open":
		return 1
	case "open":
		return 2
	default:
		return -1
	}
}

// NewPrometheus builds a Prometheus-backed Facade and registers its
// collectors into reg. Pass prometheus.NewRegistry() for an isolated
// registry (recommended per-process), not prometheus.DefaultRegisterer.
func NewPrometheus(reg *prometheus.Registry) *Prometheus {
	p := &Prometheus{
		registry: reg,
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "casarerpa_jobs_submitted_total",
			Help: "Total number of jobs submitted to the orchestrator.",
		}),
		jobsAssigned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "casarerpa_jobs_assigned_total",
			Help: "Total number of jobs assigned to a robot.",
		}),
		jobsRequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "casarerpa_jobs_requeued_total",
			Help: "Total number of jobs requeued after rejection or robot loss.",
		}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "casarerpa_job_duration_seconds",
			Help:    "End-to-end job duration from submission to terminal state, in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"workflow", "success"}),
		robotConnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "casarerpa_robot_connections_total",
			Help: "Total number of robot connections accepted.",
		}),
		robotDisconns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "casarerpa_robot_disconnections_total",
			Help: "Total number of robot disconnections by reason.",
		}, []string{"reason"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "casarerpa_breaker_state",
			Help: "Circuit breaker state: 0 closed, 1 half_open, 2 open.",
		}, []string{"breaker"}),
		auditDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "casarerpa_audit_chain_depth",
			Help: "Number of events appended to the audit hash chain as of the last write.",
		}),
	}

	reg.MustRegister(
		p.jobsSubmitted,
		p.jobsAssigned,
		p.jobsRequeued,
		p.jobDuration,
		p.robotConnects,
		p.robotDisconns,
		p.breakerState,
		p.auditDepth,
	)
	return p
}

func (p *Prometheus) JobSubmitted() { p.jobsSubmitted.Inc() }
func (p *Prometheus) JobAssigned()  { p.jobsAssigned.Inc() }
func (p *Prometheus) JobRequeued()  { p.jobsRequeued.Inc() }

func (p *Prometheus) JobCompleted(workflowName string, success bool, duration time.Duration) {
	p.jobDuration.WithLabelValues(workflowName, successLabel(success)).Observe(duration.Seconds())
}

func (p *Prometheus) RobotConnected() { p.robotConnects.Inc() }

func (p *Prometheus) RobotDisconnected(reason string) {
	p.robotDisconns.WithLabelValues(reason).Inc()
}

func (p *Prometheus) BreakerState(name string, state string) {
	p.breakerState.WithLabelValues(name).Set(breakerStateValue(state))
}

func (p *Prometheus) AuditChainDepth(depth int) {
	p.auditDepth.Set(float64(depth))
}

// Handler returns the HTTP handler serving this Facade's metrics in the
// Prometheus exposition format, for mounting at /metrics.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func successLabel(success bool) string {
	if success {
		return "true"
	}
	return "false"
}

// Noop is a Facade that discards everything it's told. Tests that exercise
// components depending on Facade without caring about metrics output should
// use this instead of standing up a Prometheus registry.
type Noop struct{}

// NewNoop returns a Facade that does nothing.
func NewNoop() Noop { return Noop{} }

func (Noop) JobSubmitted()                                                   {}
func (Noop) JobAssigned()                                                    {}
func (Noop) JobRequeued()                                                    {}
func (Noop) JobCompleted(workflowName string, success bool, d time.Duration) {}
func (Noop) RobotConnected()                                                 {}
func (Noop) RobotDisconnected(reason string)                                 {}
func (Noop) BreakerState(name string, state string)                         {}
func (Noop) AuditChainDepth(depth int)                                       {}
