package syncevents

import (
	"context"

	"conclave/client/logging"
)

const (
	// EventResyncRequested is emitted when a full-state sync is requested.
	EventResyncRequested logging.EventType = "sync.resync_requested"
	// EventSnapshotApplied is emitted when a server snapshot replaces local state.
	EventSnapshotApplied logging.EventType = "sync.snapshot_applied"
	// EventConflictDetected is emitted when an incremental update diverges
	// beyond the tolerance window.
	EventConflictDetected logging.EventType = "sync.conflict_detected"
	// EventConflictResolved is emitted when a conflict record is resolved.
	EventConflictResolved logging.EventType = "sync.conflict_resolved"
	// EventFatal is emitted when resync retries are exhausted.
	EventFatal logging.EventType = "sync.fatal"
	// EventActionDropped is emitted when an action exhausts its retry budget.
	EventActionDropped logging.EventType = "sync.action_dropped"
)

// ConflictPayload captures the divergence that produced a conflict record.
type ConflictPayload struct {
	ConflictID  string `json:"conflictId"`
	SubjectType string `json:"subjectType"`
	DriftMillis int64  `json:"driftMs"`
}

// SnapshotPayload captures the snapshot bookkeeping after a resync completes.
type SnapshotPayload struct {
	ServerTime     int64 `json:"serverTime"`
	ClearedActions int   `json:"clearedActions"`
}

// ResolutionPayload captures how a conflict was settled.
type ResolutionPayload struct {
	ConflictID string `json:"conflictId"`
	Resolution string `json:"resolution"`
}

// DroppedActionPayload captures an action removed after retry exhaustion.
type DroppedActionPayload struct {
	ActionID string `json:"actionId"`
	Kind     string `json:"kind"`
	Reason   string `json:"reason"`
}

func ResyncRequested(ctx context.Context, pub logging.Publisher, tick uint64, pending int) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventResyncRequested,
		Tick:     tick,
		Actor:    logging.EntityRef{Kind: logging.EntityKindSync},
		Severity: logging.SeverityInfo,
		Category: logging.CategorySync,
		Extra:    map[string]any{"pendingActions": pending},
	})
}

func SnapshotApplied(ctx context.Context, pub logging.Publisher, tick uint64, payload SnapshotPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventSnapshotApplied,
		Tick:     tick,
		Actor:    logging.EntityRef{Kind: logging.EntityKindSync},
		Severity: logging.SeverityInfo,
		Category: logging.CategorySync,
		Payload:  payload,
	})
}

func ConflictDetected(ctx context.Context, pub logging.Publisher, tick uint64, payload ConflictPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventConflictDetected,
		Tick:     tick,
		Actor:    logging.EntityRef{Kind: logging.EntityKindSync},
		Severity: logging.SeverityWarn,
		Category: logging.CategorySync,
		Payload:  payload,
	})
}

func ConflictResolved(ctx context.Context, pub logging.Publisher, tick uint64, payload ResolutionPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventConflictResolved,
		Tick:     tick,
		Actor:    logging.EntityRef{Kind: logging.EntityKindSync},
		Severity: logging.SeverityInfo,
		Category: logging.CategorySync,
		Payload:  payload,
	})
}

func Fatal(ctx context.Context, pub logging.Publisher, tick uint64, attempts int) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventFatal,
		Tick:     tick,
		Actor:    logging.EntityRef{Kind: logging.EntityKindSync},
		Severity: logging.SeverityError,
		Category: logging.CategorySync,
		Extra:    map[string]any{"attempts": attempts},
	})
}

func ActionDropped(ctx context.Context, pub logging.Publisher, tick uint64, payload DroppedActionPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventActionDropped,
		Tick:     tick,
		Actor:    logging.EntityRef{Kind: logging.EntityKindAction, ID: payload.ActionID},
		Severity: logging.SeverityWarn,
		Category: logging.CategorySync,
		Payload:  payload,
		ActionID: payload.ActionID,
	})
}
