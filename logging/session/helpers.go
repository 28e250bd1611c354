package session

import (
	"context"

	"conclave/client/logging"
)

const (
	// EventConnected is emitted when the transport session is established.
	EventConnected logging.EventType = "session.connected"
	// EventDisconnected is emitted when the transport session ends.
	EventDisconnected logging.EventType = "session.disconnected"
	// EventReconnecting is emitted when an automatic reconnect attempt is scheduled.
	EventReconnecting logging.EventType = "session.reconnecting"
	// EventFailed is emitted when reconnect attempts are exhausted.
	EventFailed logging.EventType = "session.failed"
	// EventHeartbeatTimeout is emitted when a heartbeat reply never arrived.
	EventHeartbeatTimeout logging.EventType = "session.heartbeat_timeout"
)

// ConnectedPayload captures metadata for an established session.
type ConnectedPayload struct {
	Attempt int   `json:"attempt"`
	RTT     int64 `json:"rtt,omitempty"`
}

// DisconnectedPayload captures the reason a session ended.
type DisconnectedPayload struct {
	Reason      string `json:"reason"`
	Intentional bool   `json:"intentional"`
}

// ReconnectingPayload captures backoff scheduling for the next attempt.
type ReconnectingPayload struct {
	Attempt     int   `json:"attempt"`
	DelayMillis int64 `json:"delayMs"`
}

// Connected publishes a session-established event.
func Connected(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload ConnectedPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventConnected,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryConnection,
		Payload:  payload,
	})
}

// Disconnected publishes a session-ended event.
func Disconnected(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload DisconnectedPayload) {
	if pub == nil {
		return
	}
	severity := logging.SeverityInfo
	if !payload.Intentional {
		severity = logging.SeverityWarn
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventDisconnected,
		Tick:     tick,
		Actor:    actor,
		Severity: severity,
		Category: logging.CategoryConnection,
		Payload:  payload,
	})
}

// Reconnecting publishes a reconnect-scheduled event.
func Reconnecting(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload ReconnectingPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventReconnecting,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityWarn,
		Category: logging.CategoryConnection,
		Payload:  payload,
	})
}

// Failed publishes a terminal reconnect-exhausted event.
func Failed(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, attempts int) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventFailed,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityError,
		Category: logging.CategoryConnection,
		Payload:  ReconnectingPayload{Attempt: attempts},
	})
}

// HeartbeatTimeout publishes a missed-heartbeat event.
func HeartbeatTimeout(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventHeartbeatTimeout,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityWarn,
		Category: logging.CategoryConnection,
	})
}
