package syncer

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"conclave/client/internal/conn"
	"conclave/client/internal/gamestate"
	"conclave/client/internal/net/proto"
	"conclave/client/internal/telemetry"
)

// ErrUnknownConflict is returned when resolving an id that was never recorded.
var ErrUnknownConflict = errors.New("syncer: unknown conflict id")

// ErrMergedSnapshotRequired is returned when ResolutionMerged lacks a snapshot.
var ErrMergedSnapshotRequired = errors.New("syncer: merged resolution requires a snapshot")

type Clock interface {
	Now() time.Time
}

type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// TransmitFunc sends a raw frame to the server.
type TransmitFunc func(payload []byte) error

// PendingFunc reports the queue's unacknowledged actions for the sync summary.
type PendingFunc func() []proto.PendingSummary

// Hooks notify the engine of coordinator outcomes. Nil funcs are skipped.
type Hooks struct {
	SnapshotApplied func(resolved []string, serverTime int64, cleared int)
	ConflictFound   func(record ConflictRecord)
	FatalSync       func(attempts int)
}

type Config struct {
	Tolerance       time.Duration
	ResponseTimeout time.Duration
	RetryBase       time.Duration
	RetryCeiling    time.Duration
	MaxAttempts     int
}

func DefaultConfig() Config {
	return Config{
		Tolerance:       time.Second,
		ResponseTimeout: 10 * time.Second,
		RetryBase:       time.Second,
		RetryCeiling:    30 * time.Second,
		MaxAttempts:     5,
	}
}

// SyncState is the read-only snapshot published to collaborators.
type SyncState struct {
	LastSyncTime  int64
	Pending       []proto.PendingSummary
	IsResyncing   bool
	ConflictCount uint64
	Fatal         bool
}

// Coordinator owns the sync state and reconciles divergence between the local
// replica and the authoritative server. At most one resync is in flight at a
// time; response deadlines and retry backoff are deadlines swept by Tick so a
// late timer is always a safe no-op.
type Coordinator struct {
	mu      sync.Mutex
	cfg     Config
	clock   Clock
	state   *gamestate.Store
	pending PendingFunc
	send    TransmitFunc
	logger  telemetry.Logger
	metrics telemetry.Metrics
	hooks   Hooks

	lastSyncTime  int64
	isResyncing   bool
	conflictCount uint64
	fatal         bool

	resyncAttempt    int
	responseDeadline time.Time
	nextRetryAt      time.Time

	conflicts map[string]*ConflictRecord
	order     []string
}

func NewCoordinator(cfg Config, clock Clock, state *gamestate.Store, pending PendingFunc, send TransmitFunc, logger telemetry.Logger, metrics telemetry.Metrics, hooks Hooks) *Coordinator {
	def := DefaultConfig()
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = def.Tolerance
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = def.ResponseTimeout
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = def.RetryBase
	}
	if cfg.RetryCeiling <= 0 {
		cfg.RetryCeiling = def.RetryCeiling
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if clock == nil {
		clock = ClockFunc(time.Now)
	}
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	return &Coordinator{
		cfg:       cfg,
		clock:     clock,
		state:     state,
		pending:   pending,
		send:      send,
		logger:    logger,
		metrics:   metrics,
		hooks:     hooks,
		conflicts: make(map[string]*ConflictRecord),
	}
}

// RequestSync asks the server for a full-state comparison. It is a no-op while
// a resync is already in flight.
func (c *Coordinator) RequestSync() bool {
	c.mu.Lock()
	if c.isResyncing {
		c.mu.Unlock()
		return false
	}
	c.isResyncing = true
	c.resyncAttempt = 1
	c.responseDeadline = c.clock.Now().Add(c.cfg.ResponseTimeout)
	c.nextRetryAt = time.Time{}
	c.mu.Unlock()

	c.metrics.Add(telemetry.MetricResyncs, 1)
	c.transmitSummary()
	return true
}

func (c *Coordinator) transmitSummary() {
	c.mu.Lock()
	summary := proto.SyncRequest{LastSyncTime: c.lastSyncTime}
	c.mu.Unlock()
	if c.pending != nil {
		summary.Pending = c.pending()
	}
	payload, err := proto.EncodeSyncRequest(summary)
	if err != nil {
		if c.logger != nil {
			c.logger.Printf("encode sync request: %v", err)
		}
		return
	}
	if c.send == nil {
		return
	}
	if err := c.send(payload); err != nil && c.logger != nil {
		c.logger.Printf("sync request send deferred: %v", err)
	}
}

// Tick drives the response-timeout and retry-backoff deadlines.
func (c *Coordinator) Tick(now time.Time) {
	c.mu.Lock()
	if !c.isResyncing {
		c.mu.Unlock()
		return
	}

	if !c.nextRetryAt.IsZero() {
		if now.Before(c.nextRetryAt) {
			c.mu.Unlock()
			return
		}
		c.nextRetryAt = time.Time{}
		c.responseDeadline = now.Add(c.cfg.ResponseTimeout)
		c.mu.Unlock()
		c.transmitSummary()
		return
	}

	if c.responseDeadline.IsZero() || now.Before(c.responseDeadline) {
		c.mu.Unlock()
		return
	}

	// Response deadline passed without a snapshot.
	if c.resyncAttempt >= c.cfg.MaxAttempts {
		attempts := c.resyncAttempt
		c.isResyncing = false
		c.fatal = true
		c.responseDeadline = time.Time{}
		c.mu.Unlock()
		if c.logger != nil {
			c.logger.Printf("resync failed after %d attempts, state can no longer be trusted", attempts)
		}
		if c.hooks.FatalSync != nil {
			c.hooks.FatalSync(attempts)
		}
		return
	}
	c.resyncAttempt++
	delay := conn.Delay(c.resyncAttempt-1, c.cfg.RetryBase, c.cfg.RetryCeiling)
	c.nextRetryAt = now.Add(delay)
	c.responseDeadline = time.Time{}
	c.mu.Unlock()
}

// HandleSnapshot installs a full server snapshot. Snapshots are applied only
// when strictly newer than the last confirmed sync point; stale snapshots are
// discarded so newer local state never regresses.
func (c *Coordinator) HandleSnapshot(snapshot gamestate.GameState, resolved []string) bool {
	c.mu.Lock()
	if snapshot.ServerTime <= c.lastSyncTime {
		// A non-newer snapshot still answers an in-flight resync: the server is
		// reporting that nothing changed since the last sync point. Settle the
		// resync so the retry schedule does not run against an answered request.
		c.isResyncing = false
		c.resyncAttempt = 0
		c.responseDeadline = time.Time{}
		c.nextRetryAt = time.Time{}
		c.mu.Unlock()
		return false
	}
	c.lastSyncTime = snapshot.ServerTime
	c.isResyncing = false
	c.fatal = false
	c.resyncAttempt = 0
	c.responseDeadline = time.Time{}
	c.nextRetryAt = time.Time{}
	c.mu.Unlock()

	c.state.ReplaceBase(snapshot)

	if payload, err := proto.EncodeSyncResponseAck(proto.SyncResponseAck{ServerTime: snapshot.ServerTime}); err == nil && c.send != nil {
		if err := c.send(payload); err != nil && c.logger != nil {
			c.logger.Printf("sync response ack not sent: %v", err)
		}
	}

	if c.hooks.SnapshotApplied != nil {
		c.hooks.SnapshotApplied(resolved, snapshot.ServerTime, len(resolved))
	}
	return true
}

// ApplyIncremental applies an incremental update (phase transition, vote
// tally, elimination) when its timestamp is consistent with the locally
// expected state, and records a conflict otherwise. One policy covers every
// update kind: apply when the event is newer than the last sync point and
// within the tolerance window of the local clock; otherwise divergence is
// beyond repair by patching and a full resync is requested.
func (c *Coordinator) ApplyIncremental(subjectType string, eventTime int64, remote json.RawMessage, apply func(serverTime int64)) (bool, string) {
	now := c.clock.Now().UnixMilli()
	drift := eventTime - now
	if drift < 0 {
		drift = -drift
	}

	c.mu.Lock()
	stale := eventTime <= c.lastSyncTime
	outside := drift > c.cfg.Tolerance.Milliseconds()
	if !stale && !outside {
		c.lastSyncTime = eventTime
		c.mu.Unlock()
		if apply != nil {
			apply(eventTime)
		}
		return true, ""
	}
	c.mu.Unlock()

	record := c.recordConflict(subjectType, remote, drift)
	c.RequestSync()
	return false, record.ID
}

// RecordServerConflict registers a divergence the server itself reported.
func (c *Coordinator) RecordServerConflict(subjectType string, remote json.RawMessage) ConflictRecord {
	record := c.recordConflict(subjectType, remote, 0)
	return record
}

func (c *Coordinator) recordConflict(subjectType string, remote json.RawMessage, drift int64) ConflictRecord {
	local, err := json.Marshal(c.state.Confirmed())
	if err != nil {
		local = nil
	}
	record := ConflictRecord{
		ID:             newConflictID(),
		SubjectType:    subjectType,
		LocalSnapshot:  local,
		RemoteSnapshot: append(json.RawMessage(nil), remote...),
		Resolution:     ResolutionPending,
		DetectedAt:     c.clock.Now().UnixMilli(),
		DriftMillis:    drift,
	}

	c.mu.Lock()
	c.conflictCount++
	c.conflicts[record.ID] = &record
	c.order = append(c.order, record.ID)
	c.mu.Unlock()

	c.metrics.Add(telemetry.MetricConflicts, 1)
	if c.logger != nil {
		c.logger.Printf("conflict detected subject=%s drift=%dms id=%s", subjectType, drift, record.ID)
	}
	if c.hooks.ConflictFound != nil {
		c.hooks.ConflictFound(cloneRecord(record))
	}
	return cloneRecord(record)
}

// ResolveConflict settles a recorded conflict. Resolution is final and
// idempotent: resolving an already-resolved id is a no-op.
func (c *Coordinator) ResolveConflict(id string, resolution Resolution, merged *gamestate.GameState) error {
	c.mu.Lock()
	record, ok := c.conflicts[id]
	if !ok {
		c.mu.Unlock()
		return ErrUnknownConflict
	}
	if record.Resolution != ResolutionPending {
		c.mu.Unlock()
		return nil
	}

	switch resolution {
	case ResolutionRemote, ResolutionLocal:
	case ResolutionMerged:
		if merged == nil {
			c.mu.Unlock()
			return ErrMergedSnapshotRequired
		}
	default:
		c.mu.Unlock()
		return fmt.Errorf("syncer: invalid resolution %q", resolution)
	}
	record.Resolution = resolution
	c.mu.Unlock()

	switch resolution {
	case ResolutionRemote:
		var remote gamestate.GameState
		if len(record.RemoteSnapshot) > 0 && json.Unmarshal(record.RemoteSnapshot, &remote) == nil && remote.ServerTime > 0 {
			c.HandleSnapshot(remote, nil)
		} else {
			// The remote side was partial; only a full resync restores truth.
			c.RequestSync()
		}
	case ResolutionLocal:
		// Keep the local view, tell the server where we stand.
		c.mu.Lock()
		last := c.lastSyncTime
		c.mu.Unlock()
		if payload, err := proto.EncodeSyncResponseAck(proto.SyncResponseAck{ServerTime: last}); err == nil && c.send != nil {
			if err := c.send(payload); err != nil && c.logger != nil {
				c.logger.Printf("local resolution notice not sent: %v", err)
			}
		}
	case ResolutionMerged:
		snapshot := merged.Clone()
		if snapshot.ServerTime <= 0 {
			snapshot.ServerTime = c.clock.Now().UnixMilli()
		}
		if !c.HandleSnapshot(snapshot, nil) {
			c.state.ReplaceBase(snapshot)
		}
	}
	return nil
}

// Conflicts returns the pending conflict records in detection order.
func (c *Coordinator) Conflicts() []ConflictRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	records := make([]ConflictRecord, 0, len(c.order))
	for _, id := range c.order {
		if record, ok := c.conflicts[id]; ok && record.Resolution == ResolutionPending {
			records = append(records, cloneRecord(*record))
		}
	}
	return records
}

// Snapshot publishes the read-only sync state.
func (c *Coordinator) Snapshot() SyncState {
	var pending []proto.PendingSummary
	if c.pending != nil {
		pending = c.pending()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return SyncState{
		LastSyncTime:  c.lastSyncTime,
		Pending:       pending,
		IsResyncing:   c.isResyncing,
		ConflictCount: c.conflictCount,
		Fatal:         c.fatal,
	}
}

// LastSyncTime reports the last confirmed-consistent point (unix millis).
func (c *Coordinator) LastSyncTime() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSyncTime
}

// RestoreLastSyncTime seeds the sync point from persisted state at startup.
func (c *Coordinator) RestoreLastSyncTime(ms int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ms > c.lastSyncTime {
		c.lastSyncTime = ms
	}
}

// Fatal reports whether resync retries were exhausted; optimistic actions are
// blocked until a manual reload clears the session.
func (c *Coordinator) Fatal() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fatal
}

// AbortResync cancels an in-flight resync without touching conflict history.
// Called on disconnect.
func (c *Coordinator) AbortResync() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isResyncing = false
	c.resyncAttempt = 0
	c.responseDeadline = time.Time{}
	c.nextRetryAt = time.Time{}
}

// ResetSession clears per-session counters and in-flight conflicts. Called on
// a full reconnect; the durable lastSyncTime survives.
func (c *Coordinator) ResetSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isResyncing = false
	c.fatal = false
	c.resyncAttempt = 0
	c.responseDeadline = time.Time{}
	c.nextRetryAt = time.Time{}
	c.conflictCount = 0
	c.conflicts = make(map[string]*ConflictRecord)
	c.order = c.order[:0]
}

// Reset clears everything including the sync point. Used on logout.
func (c *Coordinator) Reset() {
	c.ResetSession()
	c.mu.Lock()
	c.lastSyncTime = 0
	c.mu.Unlock()
}
