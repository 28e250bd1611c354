package queue

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"conclave/client/internal/gamestate"
	"conclave/client/internal/net/proto"
	"conclave/client/internal/telemetry"
)

// Priority orders actions for bookkeeping and persistence. Transmission order
// is always CreatedAt, never priority.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Reject reasons surfaced to collaborators when an action leaves the queue
// without acknowledgment.
const (
	RejectRetriesExhausted = "retries exhausted"
	RejectCancelled        = "cancelled"
)

// ErrUnknownAction is returned when an id has already been removed.
var ErrUnknownAction = errors.New("queue: unknown action id")

// Action is a client-originated action awaiting server acknowledgment.
// EverSent survives persistence so an action transmitted before a restart
// replays with the retry flag and the server can deduplicate it.
type Action struct {
	ID         string               `json:"id"`
	Kind       gamestate.ActionKind `json:"kind"`
	Payload    json.RawMessage      `json:"payload,omitempty"`
	CreatedAt  time.Time            `json:"createdAt"`
	RetryCount int                  `json:"retryCount"`
	MaxRetries int                  `json:"maxRetries"`
	Priority   Priority             `json:"priority"`
	EverSent   bool                 `json:"everSent,omitempty"`
}

// RejectOutcome reports what Reject did with an action.
type RejectOutcome int

const (
	OutcomeRequeued RejectOutcome = iota
	OutcomeDropped
)

type Clock interface {
	Now() time.Time
}

type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// TransmitFunc sends an action envelope to the server. It returns an error
// when no session is established; the queue then holds the action pending.
type TransmitFunc func(env proto.ActionEnvelope) error

type Config struct {
	MaxRetries int
	AckTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		AckTimeout: 5 * time.Second,
	}
}

type entry struct {
	action      Action
	sent        bool
	held        bool
	ackDeadline time.Time
}

// Queue guarantees eventual delivery of optimistic actions, exactly-once from
// the client's perspective: an action leaves the queue through acknowledgment,
// retry exhaustion, or explicit cancellation, and never twice.
type Queue struct {
	mu       sync.Mutex
	cfg      Config
	clock    Clock
	transmit TransmitFunc
	metrics  telemetry.Metrics
	entries  []*entry
}

func New(cfg Config, clock Clock, transmit TransmitFunc, metrics telemetry.Metrics) *Queue {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultConfig().MaxRetries
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultConfig().AckTimeout
	}
	if clock == nil {
		clock = ClockFunc(time.Now)
	}
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	return &Queue{
		cfg:      cfg,
		clock:    clock,
		transmit: transmit,
		metrics:  metrics,
		entries:  make([]*entry, 0),
	}
}

func newActionID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

// Prepare builds a new action with a fresh id without queuing it. The caller
// stages the optimistic local effect under this id, then calls Submit.
func (q *Queue) Prepare(kind gamestate.ActionKind, payload json.RawMessage, priority Priority) (Action, error) {
	if !gamestate.KnownAction(kind) {
		return Action{}, errors.New("queue: unknown action kind")
	}
	if priority == "" {
		priority = PriorityMedium
	}
	return Action{
		ID:         newActionID(),
		Kind:       kind,
		Payload:    append(json.RawMessage(nil), payload...),
		CreatedAt:  q.clock.Now(),
		RetryCount: 0,
		MaxRetries: q.cfg.MaxRetries,
		Priority:   priority,
	}, nil
}

// Submit queues a prepared action and attempts immediate transmission. The
// queue itself never waits on the network.
func (q *Queue) Submit(action Action) error {
	if action.ID == "" {
		return errors.New("queue: submit requires a prepared action")
	}
	e := &entry{action: action}
	q.mu.Lock()
	q.entries = append(q.entries, e)
	q.mu.Unlock()
	q.metrics.Add(telemetry.MetricActionsEnqueued, 1)

	q.trySend(e, action.EverSent || action.RetryCount > 0)
	return nil
}

// Enqueue is Prepare followed by Submit for callers without an optimistic
// effect to stage.
func (q *Queue) Enqueue(kind gamestate.ActionKind, payload json.RawMessage, priority Priority) (Action, error) {
	action, err := q.Prepare(kind, payload, priority)
	if err != nil {
		return Action{}, err
	}
	return action, q.Submit(action)
}

func (q *Queue) trySend(e *entry, isRetry bool) {
	if q.transmit == nil {
		return
	}
	env := proto.ActionEnvelope{
		Kind:     e.action.Kind,
		ActionID: e.action.ID,
		Payload:  e.action.Payload,
		SentAt:   q.clock.Now().UnixMilli(),
		IsRetry:  isRetry,
	}
	if err := q.transmit(env); err != nil {
		return
	}
	q.mu.Lock()
	e.sent = true
	e.action.EverSent = true
	e.ackDeadline = q.clock.Now().Add(q.cfg.AckTimeout)
	q.mu.Unlock()
}

// Acknowledge removes the action exactly once. This is the only success path.
func (q *Queue) Acknowledge(id string) (Action, error) {
	q.mu.Lock()
	for i, e := range q.entries {
		if e.action.ID != id {
			continue
		}
		action := e.action
		q.entries = append(q.entries[:i], q.entries[i+1:]...)
		q.mu.Unlock()
		q.metrics.Add(telemetry.MetricActionsAcked, 1)
		return action, nil
	}
	q.mu.Unlock()
	return Action{}, ErrUnknownAction
}

// Reject handles a server rejection. Below the retry budget the action is
// re-queued with a refreshed CreatedAt for the next flush cycle; at the budget
// it is permanently dropped and the caller must reconcile the optimistic
// effect through a forced resync.
func (q *Queue) Reject(id string) (Action, RejectOutcome, error) {
	q.mu.Lock()
	for i, e := range q.entries {
		if e.action.ID != id {
			continue
		}
		if e.action.RetryCount < e.action.MaxRetries {
			e.action.RetryCount++
			e.action.CreatedAt = q.clock.Now()
			e.sent = false
			e.ackDeadline = time.Time{}
			action := e.action
			q.mu.Unlock()
			q.metrics.Add(telemetry.MetricActionsRejected, 1)
			return action, OutcomeRequeued, nil
		}
		action := e.action
		q.entries = append(q.entries[:i], q.entries[i+1:]...)
		q.mu.Unlock()
		q.metrics.Add(telemetry.MetricActionsDropped, 1)
		return action, OutcomeDropped, nil
	}
	q.mu.Unlock()
	return Action{}, OutcomeDropped, ErrUnknownAction
}

// Flush retransmits every action not currently awaiting an ack, in CreatedAt
// order, marking replays with the retry flag so the server can detect
// duplicates. Held actions (ack deadline expired, resync pending) are skipped
// until ReleaseHeld. Called on reconnect after ResetTransmission and on each
// sweep to push re-queued rejections.
func (q *Queue) Flush() int {
	q.mu.Lock()
	pending := make([]*entry, 0, len(q.entries))
	for _, e := range q.entries {
		if !e.sent && !e.held {
			pending = append(pending, e)
		}
	}
	q.mu.Unlock()

	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].action.CreatedAt.Before(pending[j].action.CreatedAt)
	})

	sent := 0
	for _, e := range pending {
		isRetry := e.action.EverSent || e.action.RetryCount > 0
		q.trySend(e, isRetry)
		q.mu.Lock()
		ok := e.sent
		q.mu.Unlock()
		if !ok {
			break
		}
		sent++
	}
	if sent > 0 {
		q.metrics.Add(telemetry.MetricActionsReplayed, uint64(sent))
	}
	return sent
}

// ResetTransmission marks every action unsent and releases holds. Called when
// the session drops; acks from the dead session can no longer arrive, so
// everything in flight is eligible for replay on the next connection.
func (q *Queue) ResetTransmission() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		e.sent = false
		e.held = false
		e.ackDeadline = time.Time{}
	}
}

// ExpireDeadlines returns the actions whose ack deadline has passed without a
// response. Expired actions are parked unsent and held out of Flush; the
// coordinator forces a resync instead of blindly re-sending, which avoids
// duplicate side effects when the ack was merely delayed. A deadline racing an
// earlier Acknowledge is a no-op because the entry is already gone.
func (q *Queue) ExpireDeadlines(now time.Time) []Action {
	q.mu.Lock()
	defer q.mu.Unlock()
	var expired []Action
	for _, e := range q.entries {
		if e.sent && !e.ackDeadline.IsZero() && now.After(e.ackDeadline) {
			e.sent = false
			e.held = true
			e.ackDeadline = time.Time{}
			expired = append(expired, e.action)
		}
	}
	return expired
}

// ReleaseHeld makes parked actions eligible for Flush again. Called once the
// forced resync settles and the server's view of the pending set is known.
func (q *Queue) ReleaseHeld() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		e.held = false
	}
}

// Cancel removes an action explicitly.
func (q *Queue) Cancel(id string) (Action, error) {
	q.mu.Lock()
	for i, e := range q.entries {
		if e.action.ID == id {
			action := e.action
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			q.mu.Unlock()
			return action, nil
		}
	}
	q.mu.Unlock()
	return Action{}, ErrUnknownAction
}

// Remove drops the listed ids without surfacing errors for missing ones. Used
// when a snapshot implies actions are resolved.
func (q *Queue) Remove(ids []string) int {
	if len(ids) == 0 {
		return 0
	}
	lookup := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		lookup[id] = struct{}{}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.entries[:0]
	removed := 0
	for _, e := range q.entries {
		if _, ok := lookup[e.action.ID]; ok {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	q.entries = kept
	return removed
}

// Pending returns a snapshot of queued actions ordered by CreatedAt.
func (q *Queue) Pending() []Action {
	q.mu.Lock()
	actions := make([]Action, 0, len(q.entries))
	for _, e := range q.entries {
		actions = append(actions, e.action)
	}
	q.mu.Unlock()
	sort.SliceStable(actions, func(i, j int) bool {
		return actions[i].CreatedAt.Before(actions[j].CreatedAt)
	})
	return actions
}

// Len reports the number of queued actions.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Restore seeds the queue from persisted actions, preserving ids and retry
// counters. Restored actions wait unsent for the next flush.
func (q *Queue) Restore(actions []Action) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, action := range actions {
		if action.ID == "" {
			continue
		}
		q.entries = append(q.entries, &entry{action: action})
	}
}

// Clear removes every queued action. Used on logout only; a plain disconnect
// keeps the queue intact for replay.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = q.entries[:0]
}
