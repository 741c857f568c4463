// Package session implements the orchestrator↔robot wire protocol (spec
// §6.1): length-prefixed JSON messages over a full-duplex WebSocket
// connection. It owns the HTTP upgrade, the per-connection read/write
// pumps, and dispatch of decoded robot messages into robotmanager.Manager
// calls.
//
// Grounded on server/internal/websocket/client.go's ping/pong keepalive and
// single-writer-per-connection discipline, generalized from that package's
// server-push-only model (robots only send pong frames there) to a
// bidirectional one: CasareRPA robots send register/heartbeat/job_accept/
// job_reject/job_complete/log frames the orchestrator must act on, not just
// acknowledge.
package session

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/casarerpa/casarerpa/internal/robotmanager"
	"github.com/casarerpa/casarerpa/internal/values"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20 // a workflow_data payload can be large
)

// upgrader performs the HTTP → WebSocket protocol upgrade. Origin
// validation is left to the reverse proxy.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// envelope is the minimal shape every wire message shares (spec §6.1:
// "every message has {type, ts, ...}"). Fields beyond Type are decoded a
// second time into the type-specific struct once Type is known.
type envelope struct {
	Type string    `json:"type"`
	TS   time.Time `json:"ts"`
}

type registerPayload struct {
	RobotID           values.RobotID     `json:"robot_id"`
	RobotName         string             `json:"robot_name"`
	Hostname          string             `json:"hostname"`
	Environment       string             `json:"environment"`
	TenantID          values.TenantID    `json:"tenant_id"`
	Capabilities      struct {
		Types             []string `json:"types"`
		MaxConcurrentJobs int      `json:"max_concurrent_jobs"`
	} `json:"capabilities"`
}

type heartbeatPayload struct {
	Metrics map[string]any `json:"metrics"`
}

type jobAcceptPayload struct {
	JobID values.JobID `json:"job_id"`
}

type jobRejectPayload struct {
	JobID  values.JobID `json:"job_id"`
	Reason string       `json:"reason"`
}

type jobCompletePayload struct {
	JobID   values.JobID   `json:"job_id"`
	Success bool           `json:"success"`
	Result  map[string]any `json:"result"`
}

type logPayload struct {
	JobID   values.JobID `json:"job_id"`
	Level   string       `json:"level"`
	Message string       `json:"message"`
}

// welcomeMessage is the first frame the orchestrator sends after a
// successful register.
type welcomeMessage struct {
	Type          string `json:"type"`
	ServerVersion string `json:"server_version"`
	SessionID     string `json:"session_id"`
}

// shutdownMessage tells a connected robot the orchestrator is going away.
type shutdownMessage struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// errNotRegistered is returned internally when a robot sends anything other
// than register as its first frame.
var errNotRegistered = errors.New("session: first frame was not a register message")

// RobotSession is a single robot's WebSocket connection. It implements
// robotmanager.Session, so the manager can call Send directly without
// knowing the transport underneath.
type RobotSession struct {
	conn *websocket.Conn

	// writeMu serializes writes — gorilla/websocket connections are not
	// safe for concurrent writers, and both the read pump's welcome/ack
	// replies and robotmanager's breaker-guarded Send share this
	// connection.
	writeMu sync.Mutex

	log *zap.Logger
}

// Upgrade upgrades an HTTP request to a WebSocket connection and wraps it
// as a RobotSession.
func Upgrade(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (*RobotSession, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &RobotSession{conn: conn, log: logger.With(zap.String("remote_addr", r.RemoteAddr))}, nil
}

// Send marshals msg as JSON and writes it to the wire. Safe for concurrent
// use. Satisfies robotmanager.Session.
func (s *RobotSession) Send(msg any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteJSON(msg)
}

func (s *RobotSession) sendPing() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.PingMessage, nil)
}

func (s *RobotSession) close() {
	_ = s.conn.Close()
}

// Serve runs the session's read pump until the connection closes, a ping
// goroutine alongside it, and dispatches decoded robot frames into
// manager. It blocks until the robot disconnects or sends something
// unrecoverable, at which point the robot is unregistered from manager
// (if it ever completed registration) and the connection is closed.
//
// The first frame received must be a register message — anything else
// closes the connection immediately, matching spec §6.1's framing ("every
// message has {type, ts, ...}"; register is the handshake).
func (s *RobotSession) Serve(manager *robotmanager.Manager, serverVersion string) {
	defer s.close()

	s.conn.SetReadLimit(maxMessageSize)
	if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		s.log.Warn("session: failed to set read deadline", zap.Error(err))
		return
	}
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	robotID, err := s.awaitRegistration(manager, serverVersion)
	if err != nil {
		s.log.Warn("session: registration failed", zap.Error(err))
		return
	}

	stopPing := make(chan struct{})
	go s.pingLoop(stopPing)
	defer close(stopPing)

	defer manager.UnregisterRobot(robotID, "connection_lost")

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				s.log.Warn("session: unexpected close", zap.Error(err))
			}
			return
		}
		s.dispatch(manager, robotID, data)
	}
}

// awaitRegistration blocks for exactly one frame and requires it to be a
// register message, replying with welcome on success.
func (s *RobotSession) awaitRegistration(manager *robotmanager.Manager, serverVersion string) (values.RobotID, error) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return "", err
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", err
	}
	if env.Type != "register" {
		return "", errNotRegistered
	}

	var payload registerPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return "", err
	}

	robot := manager.RegisterRobot(payload.RobotID, s, robotmanager.Registration{
		RobotName:         payload.RobotName,
		Hostname:          payload.Hostname,
		Environment:       payload.Environment,
		TenantID:          payload.TenantID,
		Capabilities:      payload.Capabilities.Types,
		MaxConcurrentJobs: payload.Capabilities.MaxConcurrentJobs,
	})

	if err := s.Send(welcomeMessage{
		Type:          "welcome",
		ServerVersion: serverVersion,
		SessionID:     string(robot.RobotID),
	}); err != nil {
		return "", err
	}
	return robot.RobotID, nil
}

// dispatch decodes one frame's envelope and routes it to the matching
// manager call. Per spec §6.1, "any unknown type is logged and ignored —
// not fatal."
func (s *RobotSession) dispatch(manager *robotmanager.Manager, robotID values.RobotID, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.log.Warn("session: malformed frame", zap.Error(err))
		return
	}

	switch env.Type {
	case "heartbeat":
		var p heartbeatPayload
		if err := json.Unmarshal(data, &p); err != nil {
			s.log.Warn("session: malformed heartbeat", zap.Error(err))
			return
		}
		manager.UpdateHeartbeat(robotID, p.Metrics)

	case "job_accept":
		var p jobAcceptPayload
		if err := json.Unmarshal(data, &p); err != nil {
			s.log.Warn("session: malformed job_accept", zap.Error(err))
			return
		}
		s.log.Debug("session: job accepted", zap.String("job_id", string(p.JobID)))

	case "job_reject":
		var p jobRejectPayload
		if err := json.Unmarshal(data, &p); err != nil {
			s.log.Warn("session: malformed job_reject", zap.Error(err))
			return
		}
		manager.RequeueJob(robotID, p.JobID, p.Reason)

	case "job_complete":
		var p jobCompletePayload
		if err := json.Unmarshal(data, &p); err != nil {
			s.log.Warn("session: malformed job_complete", zap.Error(err))
			return
		}
		manager.JobCompleted(robotID, p.JobID, p.Success, p.Result)

	case "log":
		var p logPayload
		if err := json.Unmarshal(data, &p); err != nil {
			s.log.Warn("session: malformed log frame", zap.Error(err))
			return
		}
		s.log.Info("robot log",
			zap.String("robot_id", string(robotID)),
			zap.String("job_id", string(p.JobID)),
			zap.String("level", p.Level),
			zap.String("message", p.Message),
		)

	case "register":
		s.log.Warn("session: unexpected second register frame, ignoring")

	default:
		s.log.Debug("session: unknown frame type, ignoring", zap.String("type", env.Type))
	}
}

func (s *RobotSession) pingLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := s.sendPing(); err != nil {
				s.log.Warn("session: ping failed", zap.Error(err))
				return
			}
		}
	}
}

// Shutdown sends a shutdown frame so the robot can exit gracefully before
// the connection drops.
func (s *RobotSession) Shutdown(reason string) error {
	return s.Send(shutdownMessage{Type: "shutdown", Reason: reason})
}

// AdminSession is a UI/dashboard connection subscribed to broadcast events
// (robot_connected, job_completed, and friends — see robotmanager's
// broadcastToAdmins call sites). It never sends application frames of its
// own; like a push-only client, its read pump exists solely to detect
// disconnection and answer pings.
type AdminSession struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	log     *zap.Logger
}

// UpgradeAdmin upgrades an HTTP request to an admin WebSocket connection.
func UpgradeAdmin(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (*AdminSession, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &AdminSession{conn: conn, log: logger.With(zap.String("remote_addr", r.RemoteAddr))}, nil
}

// Send satisfies robotmanager.Session.
func (s *AdminSession) Send(msg any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteJSON(msg)
}

// Serve runs the admin connection's read pump until it disconnects, then
// unregisters it from manager.
func (s *AdminSession) Serve(manager *robotmanager.Manager) {
	defer func() {
		manager.UnregisterAdmin(s)
		_ = s.conn.Close()
	}()

	manager.RegisterAdmin(s)

	s.conn.SetReadLimit(maxMessageSize)
	if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}
