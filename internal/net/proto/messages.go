package proto

import (
	"encoding/json"
	"fmt"

	"conclave/client/internal/gamestate"
)

const (
	// Version tracks the wire-protocol revision expected by the server.
	Version = 1

	// Type identifiers for outbound control payloads.
	typeHeartbeat    = "heartbeat"
	typeRequestSync  = "request-sync"
	typeSyncResponse = "sync-response"
)

// Outbound message type identifiers (client to server). Action envelopes reuse
// the action kind as their type identifier.
const (
	TypeJoinRoom     = string(gamestate.ActionJoinRoom)
	TypeLeaveRoom    = string(gamestate.ActionLeaveRoom)
	TypeCastVote     = string(gamestate.ActionCastVote)
	TypeStartGame    = string(gamestate.ActionStartGame)
	TypeSendChat     = string(gamestate.ActionSendChat)
	TypeHeartbeat    = typeHeartbeat
	TypeRequestSync  = typeRequestSync
	TypeSyncResponse = typeSyncResponse
)

// Inbound message type identifiers (server to client).
const (
	TypeGameStateUpdate  = "game-state-update"
	TypePhaseChanged     = "phase-changed"
	TypeVotesUpdated     = "votes-updated"
	TypePlayerEliminated = "player-eliminated"
	TypeSyncConflict     = "sync-conflict"
	TypeActionAck        = "action-acknowledged"
	TypeActionReject     = "action-rejected"
)

// ActionEnvelope wraps a queued action for transmission. IsRetry lets the
// server detect duplicates when pending actions are replayed after reconnect.
type ActionEnvelope struct {
	Kind     gamestate.ActionKind
	ActionID string
	Payload  json.RawMessage
	SentAt   int64
	IsRetry  bool
}

// EncodeActionEnvelope renders an action frame with the versioned layout.
func EncodeActionEnvelope(msg ActionEnvelope) ([]byte, error) {
	if msg.ActionID == "" {
		return nil, fmt.Errorf("action envelope requires an action id")
	}
	if !gamestate.KnownAction(msg.Kind) {
		return nil, fmt.Errorf("unknown action kind %q", msg.Kind)
	}
	frame := struct {
		Ver      int             `json:"ver"`
		Type     string          `json:"type"`
		ActionID string          `json:"actionId"`
		Payload  json.RawMessage `json:"payload,omitempty"`
		SentAt   int64           `json:"sentAt,omitempty"`
		IsRetry  bool            `json:"isRetry,omitempty"`
	}{
		Ver:      Version,
		Type:     string(msg.Kind),
		ActionID: msg.ActionID,
		Payload:  msg.Payload,
		SentAt:   msg.SentAt,
		IsRetry:  msg.IsRetry,
	}
	return json.Marshal(frame)
}

// Heartbeat carries the liveness probe timing metadata.
type Heartbeat struct {
	ClientTime int64
}

// EncodeHeartbeat renders a heartbeat probe payload.
func EncodeHeartbeat(msg Heartbeat) ([]byte, error) {
	frame := struct {
		Ver        int    `json:"ver"`
		Type       string `json:"type"`
		ClientTime int64  `json:"clientTime"`
	}{
		Ver:        Version,
		Type:       typeHeartbeat,
		ClientTime: msg.ClientTime,
	}
	return json.Marshal(frame)
}

// PendingSummary identifies one unacknowledged action inside a sync request.
type PendingSummary struct {
	ActionID  string `json:"actionId"`
	Kind      string `json:"kind"`
	CreatedAt int64  `json:"createdAt"`
}

// SyncRequest carries the local summary the server compares against its
// authoritative state.
type SyncRequest struct {
	LastSyncTime int64
	Pending      []PendingSummary
}

// EncodeSyncRequest renders a request-sync payload.
func EncodeSyncRequest(msg SyncRequest) ([]byte, error) {
	frame := struct {
		Ver          int              `json:"ver"`
		Type         string           `json:"type"`
		LastSyncTime int64            `json:"lastSyncTime"`
		Pending      []PendingSummary `json:"pending,omitempty"`
	}{
		Ver:          Version,
		Type:         typeRequestSync,
		LastSyncTime: msg.LastSyncTime,
		Pending:      msg.Pending,
	}
	return json.Marshal(frame)
}

// SyncResponseAck confirms that a snapshot was applied locally.
type SyncResponseAck struct {
	ServerTime int64
}

// EncodeSyncResponseAck renders a sync-response payload.
func EncodeSyncResponseAck(msg SyncResponseAck) ([]byte, error) {
	frame := struct {
		Ver        int    `json:"ver"`
		Type       string `json:"type"`
		ServerTime int64  `json:"serverTime"`
	}{
		Ver:        Version,
		Type:       typeSyncResponse,
		ServerTime: msg.ServerTime,
	}
	return json.Marshal(frame)
}

// ConflictInfo describes a divergence the server noticed between the local
// summary and its authoritative state.
type ConflictInfo struct {
	SubjectType string          `json:"subjectType"`
	Remote      json.RawMessage `json:"remote,omitempty"`
}

// ServerMessage captures an inbound websocket frame from the server. The
// layout is a single flat struct with per-type optional fields, mirroring how
// the legacy protocol multiplexed every event over one envelope.
type ServerMessage struct {
	Ver        int    `json:"ver,omitempty"`
	Type       string `json:"type"`
	ActionID   string `json:"actionId,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Retry      bool   `json:"retry,omitempty"`
	Timestamp  int64  `json:"timestamp,omitempty"`
	ServerTime int64  `json:"serverTime,omitempty"`
	ClientTime int64  `json:"clientTime,omitempty"`
	RTTMillis  int64  `json:"rtt,omitempty"`

	Phase    string            `json:"phase,omitempty"`
	RoomID   string            `json:"roomId,omitempty"`
	PlayerID string            `json:"playerId,omitempty"`
	Votes    map[string]string `json:"votes,omitempty"`

	Snapshot *gamestate.GameState `json:"snapshot,omitempty"`
	Resolved []string             `json:"resolvedActionIds,omitempty"`
	Resync   bool                 `json:"resync,omitempty"`
	Conflict *ConflictInfo        `json:"conflict,omitempty"`
}

// DecodeServerMessage converts raw websocket payloads into a structured message.
func DecodeServerMessage(payload []byte) (ServerMessage, error) {
	var msg ServerMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return msg, err
	}
	if msg.Ver == 0 {
		msg.Ver = Version
	}
	if msg.Ver != Version {
		return msg, fmt.Errorf("unsupported server protocol version %d", msg.Ver)
	}
	if msg.Type == "" {
		return msg, fmt.Errorf("server message missing type")
	}
	return msg, nil
}

// EventTimestamp returns the server event time for an inbound message,
// preferring the explicit timestamp over serverTime.
func (m ServerMessage) EventTimestamp() int64 {
	if m.Timestamp > 0 {
		return m.Timestamp
	}
	return m.ServerTime
}
