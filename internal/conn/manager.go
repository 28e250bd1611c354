package conn

import (
	"context"
	"errors"
	"sync"
	"time"

	"conclave/client/internal/net/proto"
	"conclave/client/internal/telemetry"
)

// Status tracks the connection state machine.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Disconnect reasons with defined semantics. A server-intentional close is
// terminal; everything else triggers the reconnect schedule.
const (
	ReasonServerDisconnect = "io server disconnect"
	ReasonClientDisconnect = "io client disconnect"
	ReasonHeartbeatTimeout = "heartbeat timeout"
	ReasonTransportError   = "transport error"
)

// ErrNotConnected is returned by Send while no session is established.
var ErrNotConnected = errors.New("conn: not connected")

// Session is one live transport connection.
type Session interface {
	Read() ([]byte, error)
	Write(payload []byte) error
	Close() error
}

// Transport dials new sessions. Implementations map their close errors to the
// reason strings above via CloseReason.
type Transport interface {
	Dial(ctx context.Context, credential string) (Session, error)
	CloseReason(err error) string
}

type Clock interface {
	Now() time.Time
}

type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// Config carries the tunables for heartbeat and reconnect behaviour.
type Config struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	ReconnectBase     time.Duration
	ReconnectCeiling  time.Duration
	MaxAttempts       int
}

func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  10 * time.Second,
		ReconnectBase:     time.Second,
		ReconnectCeiling:  30 * time.Second,
		MaxAttempts:       5,
	}
}

// StatusChange notifies the engine of a state-machine transition.
type StatusChange struct {
	Status      Status
	Reason      string
	Intentional bool
	Attempt     int
	Delay       time.Duration
}

// Snapshot is a read-only copy of the manager's state.
type Snapshot struct {
	Status        Status
	Attempt       int
	LastHeartbeat time.Time
	RTT           time.Duration
}

// Manager owns exactly one logical session to the server. All mutation runs
// under one mutex; timers are modeled as deadlines swept by Tick so a timer
// firing after its condition resolved is a safe no-op.
type Manager struct {
	mu         sync.Mutex
	cfg        Config
	transport  Transport
	clock      Clock
	logger     telemetry.Logger
	metrics    telemetry.Metrics
	status     Status
	credential string
	session    Session
	sessionGen uint64

	attempt     int
	nextRetryAt time.Time

	lastHeartbeat time.Time
	probeSentAt   time.Time
	probePending  bool
	lastRTT       time.Duration

	frames  chan []byte
	changes chan StatusChange
}

func NewManager(cfg Config, transport Transport, clock Clock, logger telemetry.Logger, metrics telemetry.Metrics) *Manager {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultConfig().HeartbeatInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultConfig().HeartbeatTimeout
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = DefaultConfig().ReconnectBase
	}
	if cfg.ReconnectCeiling <= 0 {
		cfg.ReconnectCeiling = DefaultConfig().ReconnectCeiling
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if clock == nil {
		clock = ClockFunc(time.Now)
	}
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	return &Manager{
		cfg:       cfg,
		transport: transport,
		clock:     clock,
		logger:    logger,
		metrics:   metrics,
		status:    StatusDisconnected,
		frames:    make(chan []byte, 256),
		changes:   make(chan StatusChange, 16),
	}
}

// Frames delivers inbound payloads across all sessions of this manager.
func (m *Manager) Frames() <-chan []byte {
	return m.frames
}

// Changes delivers state-machine transitions.
func (m *Manager) Changes() <-chan StatusChange {
	return m.changes
}

// Connect starts a session. It fails silently when a session is already
// established or being established.
func (m *Manager) Connect(ctx context.Context, credential string) {
	m.mu.Lock()
	if m.status == StatusConnected || m.status == StatusConnecting {
		m.mu.Unlock()
		return
	}
	m.status = StatusConnecting
	m.credential = credential
	m.attempt = 0
	m.nextRetryAt = time.Time{}
	m.mu.Unlock()

	m.emit(StatusChange{Status: StatusConnecting})
	go m.dial(ctx)
}

func (m *Manager) dial(ctx context.Context) {
	m.mu.Lock()
	credential := m.credential
	m.mu.Unlock()

	session, err := m.transport.Dial(ctx, credential)
	if err != nil {
		if m.logger != nil {
			m.logger.Printf("dial failed: %v", err)
		}
		m.handleDisconnect(ReasonTransportError, false)
		return
	}

	m.mu.Lock()
	if m.status != StatusConnecting && m.status != StatusReconnecting {
		// Disconnect raced the dial; drop the fresh session.
		m.mu.Unlock()
		session.Close()
		return
	}
	now := m.clock.Now()
	m.session = session
	m.sessionGen++
	gen := m.sessionGen
	attempt := m.attempt
	m.status = StatusConnected
	m.attempt = 0
	m.nextRetryAt = time.Time{}
	m.lastHeartbeat = now
	m.probePending = false
	m.mu.Unlock()

	m.emit(StatusChange{Status: StatusConnected, Attempt: attempt})
	go m.readLoop(session, gen)
}

func (m *Manager) readLoop(session Session, gen uint64) {
	for {
		payload, err := session.Read()
		if err != nil {
			m.mu.Lock()
			stale := gen != m.sessionGen
			m.mu.Unlock()
			if stale {
				return
			}
			reason := m.transport.CloseReason(err)
			m.handleDisconnect(reason, reason == ReasonServerDisconnect)
			return
		}
		select {
		case m.frames <- payload:
		default:
			if m.logger != nil {
				m.logger.Printf("inbound frame buffer full, dropping frame")
			}
		}
	}
}

func (m *Manager) handleDisconnect(reason string, intentional bool) {
	m.mu.Lock()
	if m.status == StatusDisconnected || m.status == StatusFailed {
		m.mu.Unlock()
		return
	}
	if m.session != nil {
		m.session.Close()
		m.session = nil
		m.sessionGen++
	}
	m.probePending = false

	if intentional {
		m.status = StatusDisconnected
		m.attempt = 0
		m.nextRetryAt = time.Time{}
		m.mu.Unlock()
		m.emit(StatusChange{Status: StatusDisconnected, Reason: reason, Intentional: true})
		return
	}

	m.attempt++
	attempt := m.attempt
	if attempt > m.cfg.MaxAttempts {
		m.status = StatusFailed
		m.mu.Unlock()
		m.emit(StatusChange{Status: StatusFailed, Reason: reason, Attempt: attempt - 1})
		return
	}
	delay := Delay(attempt, m.cfg.ReconnectBase, m.cfg.ReconnectCeiling)
	m.status = StatusReconnecting
	m.nextRetryAt = m.clock.Now().Add(delay)
	m.mu.Unlock()

	m.metrics.Add(telemetry.MetricReconnectAttempts, 1)
	m.emit(StatusChange{Status: StatusReconnecting, Reason: reason, Attempt: attempt, Delay: delay})
}

// Tick advances deadline-driven behaviour: scheduled reconnect attempts,
// heartbeat probes, and heartbeat timeouts.
func (m *Manager) Tick(ctx context.Context, now time.Time) {
	m.mu.Lock()
	switch m.status {
	case StatusReconnecting:
		if !m.nextRetryAt.IsZero() && !now.Before(m.nextRetryAt) {
			m.nextRetryAt = time.Time{}
			m.mu.Unlock()
			go m.dial(ctx)
			return
		}
		m.mu.Unlock()
	case StatusConnected:
		session := m.session
		if m.probePending && now.Sub(m.probeSentAt) > m.cfg.HeartbeatTimeout {
			m.mu.Unlock()
			m.metrics.Add(telemetry.MetricHeartbeatTimeouts, 1)
			m.handleDisconnect(ReasonHeartbeatTimeout, false)
			return
		}
		due := !m.probePending && now.Sub(m.lastHeartbeat) >= m.cfg.HeartbeatInterval
		if due {
			m.probePending = true
			m.probeSentAt = now
		}
		m.mu.Unlock()
		if due && session != nil {
			payload, err := proto.EncodeHeartbeat(proto.Heartbeat{ClientTime: now.UnixMilli()})
			if err == nil {
				// Heartbeats are connection-scoped control frames: a write
				// failure is discarded, not queued for replay.
				if werr := session.Write(payload); werr != nil && m.logger != nil {
					m.logger.Printf("heartbeat write failed: %v", werr)
				}
			}
		}
	default:
		m.mu.Unlock()
	}
}

// HandleHeartbeatAck records the server's heartbeat echo.
func (m *Manager) HandleHeartbeatAck(clientTime int64, receivedAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probePending = false
	m.lastHeartbeat = receivedAt
	if clientTime > 0 {
		sent := time.UnixMilli(clientTime)
		if rtt := receivedAt.Sub(sent); rtt >= 0 && rtt < 5*time.Minute {
			m.lastRTT = rtt
		}
	}
}

// Send transmits a payload over the live session.
func (m *Manager) Send(payload []byte) error {
	m.mu.Lock()
	session := m.session
	connected := m.status == StatusConnected
	m.mu.Unlock()
	if !connected || session == nil {
		return ErrNotConnected
	}
	return session.Write(payload)
}

// Disconnect closes the session intentionally, cancelling any scheduled
// reconnect. Pending actions elsewhere are untouched.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.status == StatusDisconnected {
		m.mu.Unlock()
		return
	}
	if m.session != nil {
		m.session.Close()
		m.session = nil
		m.sessionGen++
	}
	m.status = StatusDisconnected
	m.attempt = 0
	m.nextRetryAt = time.Time{}
	m.probePending = false
	m.mu.Unlock()
	m.emit(StatusChange{Status: StatusDisconnected, Reason: ReasonClientDisconnect, Intentional: true})
}

// Status reports the current state-machine status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Snapshot returns a read-only copy of the connection state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		Status:        m.status,
		Attempt:       m.attempt,
		LastHeartbeat: m.lastHeartbeat,
		RTT:           m.lastRTT,
	}
}

func (m *Manager) emit(change StatusChange) {
	select {
	case m.changes <- change:
	default:
		if m.logger != nil {
			m.logger.Printf("status change buffer full, dropping %s", change.Status)
		}
	}
}
