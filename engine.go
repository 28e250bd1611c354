package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"conclave/client/internal/conn"
	"conclave/client/internal/gamestate"
	"conclave/client/internal/loader"
	"conclave/client/internal/net/proto"
	"conclave/client/internal/net/ws"
	"conclave/client/internal/queue"
	"conclave/client/internal/store/boltdb"
	"conclave/client/internal/syncer"
	"conclave/client/internal/telemetry"
	"conclave/client/logging"
	"conclave/client/logging/session"
	"conclave/client/logging/syncevents"
)

// ErrSyncFatal is returned by EnqueueAction after resync retries were
// exhausted. Local state can no longer be trusted, so new optimistic actions
// are blocked until the session is reset.
var ErrSyncFatal = errors.New("client: sync failed, local state requires a reload")

// Config carries the engine tunables. Zero values fall back to the per-module
// defaults.
type Config struct {
	ServerURL    string
	DatabasePath string
	PlayerID     string
	PlayerName   string

	Conn         conn.Config
	Queue        queue.Config
	Sync         syncer.Config
	MaxCacheSize int
	TickInterval time.Duration
}

// DefaultTickInterval is the sweep cadence for deadline-driven behaviour.
const DefaultTickInterval = 250 * time.Millisecond

// Options injects collaborators. Every field is optional; nil fields get the
// production implementation.
type Options struct {
	Transport conn.Transport
	Fetcher   loader.Fetcher
	Publisher logging.Publisher
	Logger    telemetry.Logger
	Metrics   telemetry.Metrics
	Clock     func() time.Time
	Store     *boltdb.Store
}

// Engine is the top-level facade. It owns the connection manager, the action
// queue, the sync coordinator, the data loader, and the replicated game state,
// and runs the single goroutine that serializes inbound frames, status
// changes, and deadline sweeps.
type Engine struct {
	cfg     Config
	clock   func() time.Time
	pub     logging.Publisher
	logger  telemetry.Logger
	metrics telemetry.Metrics

	state  *gamestate.Store
	conn   *conn.Manager
	queue  *queue.Queue
	sync   *syncer.Coordinator
	cache  *loader.Cache
	loader *loader.Loader
	store  *boltdb.Store

	tick atomic.Uint64

	mu      sync.Mutex
	running bool
	stop    context.CancelFunc
	done    chan struct{}
}

// New wires the engine. When opts.Store is nil and cfg.DatabasePath is set the
// engine opens its own database; persisted offline state is restored before
// the engine returns.
func New(cfg Config, opts Options) (*Engine, error) {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	logger := opts.Logger

	e := &Engine{
		cfg:     cfg,
		clock:   clock,
		pub:     opts.Publisher,
		logger:  logger,
		metrics: metrics,
		state:   gamestate.NewStore(),
		store:   opts.Store,
	}

	if e.store == nil && cfg.DatabasePath != "" {
		store, err := boltdb.Open(cfg.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("open offline store: %w", err)
		}
		e.store = store
	}

	transport := opts.Transport
	if transport == nil {
		transport = ws.NewTransport(cfg.ServerURL, logger)
	}
	e.conn = conn.NewManager(cfg.Conn, transport, conn.ClockFunc(clock), logger, metrics)

	e.queue = queue.New(cfg.Queue, queue.ClockFunc(clock), e.transmitAction, metrics)

	e.sync = syncer.NewCoordinator(cfg.Sync, syncer.ClockFunc(clock), e.state, e.pendingSummaries, e.conn.Send, logger, metrics, syncer.Hooks{
		SnapshotApplied: e.onSnapshotApplied,
		ConflictFound:   e.onConflictFound,
		FatalSync:       e.onFatalSync,
	})

	e.cache = loader.NewCache(cfg.MaxCacheSize, metrics)
	e.loader = loader.New(e.cache, opts.Fetcher, loader.ClockFunc(clock), logger, metrics)

	if err := e.restore(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) transmitAction(env proto.ActionEnvelope) error {
	payload, err := proto.EncodeActionEnvelope(env)
	if err != nil {
		return err
	}
	return e.conn.Send(payload)
}

func (e *Engine) pendingSummaries() []proto.PendingSummary {
	pending := e.queue.Pending()
	if len(pending) == 0 {
		return nil
	}
	summaries := make([]proto.PendingSummary, len(pending))
	for i, action := range pending {
		summaries[i] = proto.PendingSummary{
			ActionID:  action.ID,
			Kind:      string(action.Kind),
			CreatedAt: action.CreatedAt.UnixMilli(),
		}
	}
	return summaries
}

// restore seeds the queue, cache, and sync point from the offline store.
func (e *Engine) restore() error {
	if e.store == nil {
		return nil
	}
	actions, err := e.store.LoadPendingActions()
	if err != nil {
		return err
	}
	e.queue.Restore(actions)
	for _, action := range actions {
		if err := e.state.Stage(action.ID, action.Kind, action.Payload); err != nil && e.logger != nil {
			e.logger.Printf("restore stage %s: %v", action.ID, err)
		}
	}

	entries, err := e.store.LoadCacheEntries()
	if err != nil {
		return err
	}
	e.cache.Restore(entries)

	last, err := e.store.LastSyncTime()
	if err != nil {
		return err
	}
	e.sync.RestoreLastSyncTime(last)
	return nil
}

func (e *Engine) persist() {
	if e.store == nil {
		return
	}
	if err := e.store.SavePendingActions(e.queue.Pending()); err != nil && e.logger != nil {
		e.logger.Printf("persist pending actions: %v", err)
	}
	if err := e.store.SaveCacheEntries(e.cache.Entries()); err != nil && e.logger != nil {
		e.logger.Printf("persist cache: %v", err)
	}
	if err := e.store.SaveLastSyncTime(e.sync.LastSyncTime()); err != nil && e.logger != nil {
		e.logger.Printf("persist last sync time: %v", err)
	}
}

// Run drives the engine until ctx is cancelled. Frames, status changes, and
// deadline sweeps are all handled on this goroutine, so module interactions
// need no cross-handler locking.
func (e *Engine) Run(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		cancel()
		return
	}
	e.running = true
	e.stop = cancel
	e.done = done
	e.mu.Unlock()

	defer func() {
		e.persist()
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
		close(done)
	}()

	interval := e.cfg.TickInterval
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-runCtx.Done():
			return
		case <-ticker.C:
			e.sweep(runCtx)
		case payload := <-e.conn.Frames():
			e.handleFrame(runCtx, payload)
		case change := <-e.conn.Changes():
			e.handleStatusChange(runCtx, change)
		}
	}
}

// Stop cancels a running engine and waits for Run to return.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.stop
	done := e.done
	running := e.running
	e.mu.Unlock()
	if !running || cancel == nil {
		return
	}
	cancel()
	<-done
}

// Close stops the engine and releases the offline store.
func (e *Engine) Close() error {
	e.Stop()
	if e.store != nil {
		return e.store.Close()
	}
	return nil
}

func (e *Engine) sweep(ctx context.Context) {
	now := e.clock()
	tick := e.tick.Add(1)

	e.conn.Tick(ctx, now)
	e.sync.Tick(now)

	expired := e.queue.ExpireDeadlines(now)
	if len(expired) > 0 {
		// A missed ack means the send or the reply was lost; re-sending blindly
		// risks duplicate side effects, so the truth comes from a full resync.
		if e.logger != nil {
			e.logger.Printf("%d actions missed their ack deadline, forcing resync", len(expired))
		}
		e.requestSync(ctx, tick)
	}

	if e.conn.Status() == conn.StatusConnected {
		e.queue.Flush()
	}
}

func (e *Engine) requestSync(ctx context.Context, tick uint64) bool {
	started := e.sync.RequestSync()
	if started {
		syncevents.ResyncRequested(ctx, e.pub, tick, e.queue.Len())
	}
	return started
}

func (e *Engine) handleStatusChange(ctx context.Context, change conn.StatusChange) {
	tick := e.tick.Load()
	actor := logging.EntityRef{Kind: logging.EntityKindConnection, ID: e.cfg.PlayerID}

	switch change.Status {
	case conn.StatusConnected:
		session.Connected(ctx, e.pub, tick, actor, session.ConnectedPayload{Attempt: change.Attempt})
		e.sync.ResetSession()
		e.queue.ResetTransmission()
		e.queue.Flush()
		e.requestSync(ctx, tick)
	case conn.StatusDisconnected:
		if change.Reason == conn.ReasonHeartbeatTimeout {
			session.HeartbeatTimeout(ctx, e.pub, tick, actor)
		}
		session.Disconnected(ctx, e.pub, tick, actor, session.DisconnectedPayload{
			Reason:      change.Reason,
			Intentional: change.Intentional,
		})
		e.sync.AbortResync()
		e.queue.ResetTransmission()
		e.persist()
	case conn.StatusReconnecting:
		if change.Reason == conn.ReasonHeartbeatTimeout {
			session.HeartbeatTimeout(ctx, e.pub, tick, actor)
		}
		session.Reconnecting(ctx, e.pub, tick, actor, session.ReconnectingPayload{
			Attempt:     change.Attempt,
			DelayMillis: change.Delay.Milliseconds(),
		})
		e.sync.AbortResync()
		e.queue.ResetTransmission()
	case conn.StatusFailed:
		session.Failed(ctx, e.pub, tick, actor, change.Attempt)
		e.sync.AbortResync()
		e.queue.ResetTransmission()
		e.persist()
	}
}

func (e *Engine) handleFrame(ctx context.Context, payload []byte) {
	msg, err := proto.DecodeServerMessage(payload)
	if err != nil {
		if e.logger != nil {
			e.logger.Printf("discarding malformed server message: %v", err)
		}
		return
	}
	tick := e.tick.Load()

	switch msg.Type {
	case proto.TypeActionAck:
		if _, err := e.queue.Acknowledge(msg.ActionID); err != nil {
			return
		}
		e.state.Promote(msg.ActionID)
		e.persist()

	case proto.TypeActionReject:
		action, outcome, err := e.queue.Reject(msg.ActionID)
		if err != nil {
			return
		}
		if outcome == queue.OutcomeDropped {
			e.state.Discard(msg.ActionID)
			syncevents.ActionDropped(ctx, e.pub, tick, syncevents.DroppedActionPayload{
				ActionID: action.ID,
				Kind:     string(action.Kind),
				Reason:   msg.Reason,
			})
			// The optimistic effect was already shown; only the server can say
			// what the room really looks like now.
			e.requestSync(ctx, tick)
		}
		e.persist()

	case proto.TypeHeartbeat:
		e.conn.HandleHeartbeatAck(msg.ClientTime, e.clock())

	case proto.TypeGameStateUpdate:
		if msg.Snapshot == nil {
			return
		}
		if e.sync.HandleSnapshot(*msg.Snapshot, msg.Resolved) {
			syncevents.SnapshotApplied(ctx, e.pub, tick, syncevents.SnapshotPayload{
				ServerTime:     msg.Snapshot.ServerTime,
				ClearedActions: len(msg.Resolved),
			})
		}
		// Once the resync settles, actions parked on a missed ack may replay.
		if !e.sync.Snapshot().IsResyncing {
			e.queue.ReleaseHeld()
		}

	case proto.TypePhaseChanged:
		phase := gamestate.Phase(msg.Phase)
		e.applyIncremental(ctx, tick, "phase", msg.EventTimestamp(), payload, func(serverTime int64) {
			e.state.SetPhase(phase, serverTime)
		})

	case proto.TypeVotesUpdated:
		votes := msg.Votes
		e.applyIncremental(ctx, tick, "votes", msg.EventTimestamp(), payload, func(serverTime int64) {
			e.state.SetVotes(votes, serverTime)
		})

	case proto.TypePlayerEliminated:
		playerID := msg.PlayerID
		e.applyIncremental(ctx, tick, "elimination", msg.EventTimestamp(), payload, func(serverTime int64) {
			e.state.MarkEliminated(playerID, serverTime)
		})

	case proto.TypeSyncConflict:
		subject := "state"
		var remote json.RawMessage
		if msg.Conflict != nil {
			if msg.Conflict.SubjectType != "" {
				subject = msg.Conflict.SubjectType
			}
			remote = msg.Conflict.Remote
		}
		e.sync.RecordServerConflict(subject, remote)
		if msg.Resync {
			e.requestSync(ctx, tick)
		}

	default:
		if e.logger != nil {
			e.logger.Printf("unknown server message type %q", msg.Type)
		}
	}
}

func (e *Engine) applyIncremental(ctx context.Context, tick uint64, subject string, eventTime int64, remote json.RawMessage, apply func(serverTime int64)) {
	applied, conflictID := e.sync.ApplyIncremental(subject, eventTime, remote, apply)
	if !applied && conflictID != "" {
		syncevents.ResyncRequested(ctx, e.pub, tick, e.queue.Len())
	}
	if applied {
		e.persist()
	}
}

func (e *Engine) onSnapshotApplied(resolved []string, serverTime int64, cleared int) {
	if len(resolved) > 0 {
		e.queue.Remove(resolved)
	}
	e.queue.ReleaseHeld()
	e.persist()
}

func (e *Engine) onConflictFound(record syncer.ConflictRecord) {
	syncevents.ConflictDetected(context.Background(), e.pub, e.tick.Load(), syncevents.ConflictPayload{
		ConflictID:  record.ID,
		SubjectType: record.SubjectType,
		DriftMillis: record.DriftMillis,
	})
}

func (e *Engine) onFatalSync(attempts int) {
	syncevents.Fatal(context.Background(), e.pub, e.tick.Load(), attempts)
}

// Connect establishes the server session with the given credential.
func (e *Engine) Connect(ctx context.Context, credential string) {
	e.conn.Connect(ctx, credential)
}

// Disconnect closes the session intentionally. Pending actions and the cache
// survive for the next connection.
func (e *Engine) Disconnect() {
	e.conn.Disconnect()
	e.persist()
}

// Logout disconnects and wipes every trace of the account: queued actions,
// replicated state, sync history, cache, and the offline store.
func (e *Engine) Logout() error {
	e.conn.Disconnect()
	e.queue.Clear()
	e.state.Reset()
	e.sync.Reset()
	e.cache.Clear()
	if e.store != nil {
		return e.store.ClearAll()
	}
	return nil
}

// ClearOfflineData wipes the persisted offline state without touching the
// live session.
func (e *Engine) ClearOfflineData() error {
	if e.store == nil {
		return nil
	}
	return e.store.ClearAll()
}

// EnqueueAction stages the optimistic effect and queues the action for
// delivery. The effect is visible in State() immediately, before any network
// round trip. Blocked while the sync state is fatal.
func (e *Engine) EnqueueAction(kind gamestate.ActionKind, payload json.RawMessage, priority queue.Priority) (queue.Action, error) {
	if e.sync.Fatal() {
		return queue.Action{}, ErrSyncFatal
	}
	action, err := e.queue.Prepare(kind, payload, priority)
	if err != nil {
		return queue.Action{}, err
	}
	if err := e.state.Stage(action.ID, kind, payload); err != nil {
		return queue.Action{}, err
	}
	if err := e.queue.Submit(action); err != nil {
		e.state.Discard(action.ID)
		return queue.Action{}, err
	}
	e.persist()
	return action, nil
}

// CancelAction removes a queued action and its optimistic effect.
func (e *Engine) CancelAction(id string) error {
	if _, err := e.queue.Cancel(id); err != nil {
		return err
	}
	e.state.Discard(id)
	e.persist()
	return nil
}

// ForceSync requests a full-state comparison with the server. Returns false
// when a resync is already in flight.
func (e *Engine) ForceSync(ctx context.Context) bool {
	return e.requestSync(ctx, e.tick.Load())
}

// ResolveConflict settles a recorded conflict. Merged resolutions require the
// merged snapshot.
func (e *Engine) ResolveConflict(ctx context.Context, id string, resolution syncer.Resolution, merged *gamestate.GameState) error {
	if err := e.sync.ResolveConflict(id, resolution, merged); err != nil {
		return err
	}
	syncevents.ConflictResolved(ctx, e.pub, e.tick.Load(), syncevents.ResolutionPayload{
		ConflictID: id,
		Resolution: string(resolution),
	})
	e.persist()
	return nil
}

// LoadData runs the requests level by level and persists the refreshed cache.
func (e *Engine) LoadData(ctx context.Context, requests []loader.Request) loader.Result {
	result := e.loader.Load(ctx, requests)
	e.persist()
	return result
}

// Loading reports whether a LoadData call is in flight.
func (e *Engine) Loading() bool {
	return e.loader.Loading()
}

// Cached returns a cached payload without fetching.
func (e *Engine) Cached(key string) (json.RawMessage, bool) {
	return e.cache.Get(key)
}

// InvalidateCache removes cached entries by key prefix.
func (e *Engine) InvalidateCache(prefix string) int {
	removed := e.cache.InvalidatePrefix(prefix)
	e.persist()
	return removed
}

// State returns the renderable game state: confirmed base plus optimistic
// overlay.
func (e *Engine) State() gamestate.GameState {
	return e.state.View()
}

// ConfirmedState returns only the server-confirmed base state.
func (e *Engine) ConfirmedState() gamestate.GameState {
	return e.state.Confirmed()
}

// ConnectionStatus reports the connection state machine's current status.
func (e *Engine) ConnectionStatus() conn.Status {
	return e.conn.Status()
}

// ConnectionSnapshot returns the connection state including attempt count and
// last measured round-trip time.
func (e *Engine) ConnectionSnapshot() conn.Snapshot {
	return e.conn.Snapshot()
}

// SyncSnapshot returns the read-only sync state.
func (e *Engine) SyncSnapshot() syncer.SyncState {
	return e.sync.Snapshot()
}

// Conflicts returns the unresolved conflict records in detection order.
func (e *Engine) Conflicts() []syncer.ConflictRecord {
	return e.sync.Conflicts()
}

// PendingActions returns the queued actions ordered by creation time.
func (e *Engine) PendingActions() []queue.Action {
	return e.queue.Pending()
}
