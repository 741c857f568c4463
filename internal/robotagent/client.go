// Package robotagent implements the robot-side half of the orchestrator↔
// robot wire protocol (spec §6.1): dialing out to the orchestrator and
// sending register/heartbeat/job_accept/job_reject/job_complete/log
// frames, complementing internal/session's orchestrator-side
// RobotSession. Grounded on internal/session's framing and message
// vocabulary (which was itself grounded on server/internal/websocket/
// client.go's ping/pong keepalive and single-writer discipline) — this
// package is the dialing counterpart of the same protocol, not an
// independent design.
package robotagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/casarerpa/casarerpa/internal/robotagent/metrics"
	"github.com/casarerpa/casarerpa/internal/values"
)

const (
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = (pongWait * 9) / 10
	maxMessageSize   = 1 << 20
	heartbeatPeriod  = 15 * time.Second
	cpuSampleWindow  = 200 * time.Millisecond
	welcomeReadLimit = 5 * time.Second
)

// Registration describes this robot to the orchestrator at connect time.
type Registration struct {
	RobotID           values.RobotID
	RobotName         string
	Hostname          string
	Environment       string
	TenantID          values.TenantID
	Capabilities      []string
	MaxConcurrentJobs int
}

// JobAssignment is a decoded job_assign frame handed to the JobHandler.
type JobAssignment struct {
	JobID        values.JobID
	WorkflowID   values.WorkflowID
	WorkflowData []byte
	Variables    map[string]any
	TimeoutMS    int64
}

// JobHandler executes an assigned job. HandleJob runs in its own goroutine
// per assignment — the Client does not serialize job execution — and
// should call back into the Client (Accept/Reject/Complete) to report
// outcome. cmd/robot wires this to a runner.Runner.
type JobHandler interface {
	HandleJob(ctx context.Context, client *Client, job JobAssignment)
}

type envelope struct {
	Type string `json:"type"`
}

type registerFrame struct {
	Type         string          `json:"type"`
	TS           time.Time       `json:"ts"`
	RobotID      values.RobotID  `json:"robot_id"`
	RobotName    string          `json:"robot_name"`
	Hostname     string          `json:"hostname"`
	Environment  string          `json:"environment"`
	TenantID     values.TenantID `json:"tenant_id"`
	Capabilities struct {
		Types             []string `json:"types"`
		MaxConcurrentJobs int      `json:"max_concurrent_jobs"`
	} `json:"capabilities"`
}

type heartbeatFrame struct {
	Type    string         `json:"type"`
	TS      time.Time      `json:"ts"`
	Metrics map[string]any `json:"metrics"`
}

type jobAcceptFrame struct {
	Type  string       `json:"type"`
	TS    time.Time    `json:"ts"`
	JobID values.JobID `json:"job_id"`
}

type jobRejectFrame struct {
	Type   string       `json:"type"`
	TS     time.Time    `json:"ts"`
	JobID  values.JobID `json:"job_id"`
	Reason string       `json:"reason"`
}

type jobCompleteFrame struct {
	Type    string         `json:"type"`
	TS      time.Time      `json:"ts"`
	JobID   values.JobID   `json:"job_id"`
	Success bool           `json:"success"`
	Result  map[string]any `json:"result"`
}

type logFrame struct {
	Type    string       `json:"type"`
	TS      time.Time    `json:"ts"`
	JobID   values.JobID `json:"job_id"`
	Level   string       `json:"level"`
	Message string       `json:"message"`
}

type jobAssignWire struct {
	JobID        values.JobID      `json:"job_id"`
	WorkflowID   values.WorkflowID `json:"workflow_id"`
	WorkflowData []byte            `json:"workflow_data"`
	Variables    map[string]any    `json:"variables"`
	TimeoutMS    int64             `json:"timeout_ms"`
}

var errRegistrationFailed = errors.New("robotagent: orchestrator did not welcome registration")

// Client is a single outbound WebSocket connection to the orchestrator.
type Client struct {
	conn    *websocket.Conn
	reg     Registration
	log     *zap.Logger
	writeMu sync.Mutex
}

// Dial connects to the orchestrator at url, sends a register frame, and
// waits for the welcome reply before returning.
func Dial(ctx context.Context, url string, reg Registration, logger *zap.Logger) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("robotagent: dial: %w", err)
	}

	c := &Client{conn: conn, reg: reg, log: logger.With(zap.String("robot_id", string(reg.RobotID)))}

	if err := c.register(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) register() error {
	frame := registerFrame{
		Type:        "register",
		TS:          time.Now().UTC(),
		RobotID:     c.reg.RobotID,
		RobotName:   c.reg.RobotName,
		Hostname:    c.reg.Hostname,
		Environment: c.reg.Environment,
		TenantID:    c.reg.TenantID,
	}
	frame.Capabilities.Types = c.reg.Capabilities
	frame.Capabilities.MaxConcurrentJobs = c.reg.MaxConcurrentJobs

	if err := c.send(frame); err != nil {
		return fmt.Errorf("robotagent: sending register frame: %w", err)
	}

	if err := c.conn.SetReadDeadline(time.Now().Add(welcomeReadLimit)); err != nil {
		return err
	}
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("robotagent: reading welcome frame: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	if env.Type != "welcome" {
		return errRegistrationFailed
	}
	return nil
}

func (c *Client) send(msg any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteJSON(msg)
}

func (c *Client) sendPing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

// AcceptJob notifies the orchestrator that job_id was accepted.
func (c *Client) AcceptJob(jobID values.JobID) error {
	return c.send(jobAcceptFrame{Type: "job_accept", TS: time.Now().UTC(), JobID: jobID})
}

// RejectJob notifies the orchestrator that job_id was declined, triggering
// reassignment (robotmanager.RequeueJob on the orchestrator side).
func (c *Client) RejectJob(jobID values.JobID, reason string) error {
	return c.send(jobRejectFrame{Type: "job_reject", TS: time.Now().UTC(), JobID: jobID, Reason: reason})
}

// CompleteJob reports a job's terminal outcome.
func (c *Client) CompleteJob(jobID values.JobID, success bool, result map[string]any) error {
	return c.send(jobCompleteFrame{Type: "job_complete", TS: time.Now().UTC(), JobID: jobID, Success: success, Result: result})
}

// Log forwards a single log line for the given job to the orchestrator.
func (c *Client) Log(jobID values.JobID, level, message string) error {
	return c.send(logFrame{Type: "log", TS: time.Now().UTC(), JobID: jobID, Level: level, Message: message})
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Run blocks, reading frames and dispatching job_assign to handler, while a
// ping loop and a heartbeat loop (with real gopsutil-collected metrics) run
// alongside. Returns when the connection closes or ctx is cancelled.
func (c *Client) Run(ctx context.Context, handler JobHandler) error {
	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return err
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go c.pingLoop(done)
	go c.heartbeatLoop(ctx, done)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.log.Warn("robotagent: unexpected close", zap.Error(err))
			}
			return err
		}
		c.dispatch(ctx, handler, data)
	}
}

func (c *Client) dispatch(ctx context.Context, handler JobHandler, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.log.Warn("robotagent: malformed frame", zap.Error(err))
		return
	}

	switch env.Type {
	case "job_assign":
		var wire jobAssignWire
		if err := json.Unmarshal(data, &wire); err != nil {
			c.log.Warn("robotagent: malformed job_assign", zap.Error(err))
			return
		}
		go handler.HandleJob(ctx, c, JobAssignment{
			JobID:        wire.JobID,
			WorkflowID:   wire.WorkflowID,
			WorkflowData: wire.WorkflowData,
			Variables:    wire.Variables,
			TimeoutMS:    wire.TimeoutMS,
		})

	case "job_cancel", "shutdown", "welcome":
		// Not acted on yet — the runner has no mid-flight cancel hook wired
		// to this transport, and shutdown/welcome are handshake/lifecycle
		// frames with nothing further for the read loop to do.

	default:
		c.log.Debug("robotagent: ignoring unknown frame type", zap.String("type", env.Type))
	}
}

func (c *Client) pingLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.sendPing(); err != nil {
				c.log.Warn("robotagent: ping failed", zap.Error(err))
				return
			}
		}
	}
}

func (c *Client) heartbeatLoop(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(heartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, err := metrics.Collect(ctx, cpuSampleWindow)
			if err != nil {
				c.log.Warn("robotagent: metrics collection failed", zap.Error(err))
				continue
			}
			if err := c.send(heartbeatFrame{Type: "heartbeat", TS: time.Now().UTC(), Metrics: snap.AsMap()}); err != nil {
				c.log.Warn("robotagent: heartbeat send failed", zap.Error(err))
				return
			}
		}
	}
}
