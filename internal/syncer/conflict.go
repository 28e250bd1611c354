package syncer

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Resolution settles a conflict record. Once a record leaves
// ResolutionPending it is immutable; new divergence produces new records with
// fresh ids, never reuse.
type Resolution string

const (
	ResolutionPending Resolution = "pending"
	// ResolutionRemote discards the local view and adopts the server snapshot.
	ResolutionRemote Resolution = "remote"
	// ResolutionLocal keeps the local view; the server is informed but local
	// state is not mutated. Reserved for client-authoritative fields.
	ResolutionLocal Resolution = "local"
	// ResolutionMerged applies a caller-supplied snapshot combining both sides.
	ResolutionMerged Resolution = "merged"
)

// ConflictRecord captures one detected divergence between the locally
// expected and the server-reported state.
type ConflictRecord struct {
	ID             string          `json:"id"`
	SubjectType    string          `json:"subjectType"`
	LocalSnapshot  json.RawMessage `json:"localSnapshot,omitempty"`
	RemoteSnapshot json.RawMessage `json:"remoteSnapshot,omitempty"`
	Resolution     Resolution      `json:"resolution"`
	DetectedAt     int64           `json:"detectedAt"`
	DriftMillis    int64           `json:"driftMs"`
}

func newConflictID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

func cloneRecord(r ConflictRecord) ConflictRecord {
	cloned := r
	if len(r.LocalSnapshot) > 0 {
		cloned.LocalSnapshot = append(json.RawMessage(nil), r.LocalSnapshot...)
	}
	if len(r.RemoteSnapshot) > 0 {
		cloned.RemoteSnapshot = append(json.RawMessage(nil), r.RemoteSnapshot...)
	}
	return cloned
}
