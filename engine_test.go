package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conclave/client/internal/conn"
	"conclave/client/internal/gamestate"
	"conclave/client/internal/loader"
	"conclave/client/internal/queue"
	"conclave/client/internal/syncer"
)

type fakeSession struct {
	mu     sync.Mutex
	writes [][]byte
	closed chan struct{}
	once   sync.Once
}

func newFakeSession() *fakeSession {
	return &fakeSession{closed: make(chan struct{})}
}

func (s *fakeSession) Read() ([]byte, error) {
	<-s.closed
	return nil, errors.New("session closed")
}

func (s *fakeSession) Write(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, append([]byte(nil), payload...))
	return nil
}

func (s *fakeSession) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSession) countType(t *testing.T, kind string) int {
	t.Helper()
	count := 0
	for _, frameType := range s.frameTypes(t) {
		if frameType == kind {
			count++
		}
	}
	return count
}

func (s *fakeSession) lastRetryFlag(t *testing.T, kind string) bool {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	retry := false
	for _, frame := range s.writes {
		var envelope struct {
			Type    string `json:"type"`
			IsRetry bool   `json:"isRetry"`
		}
		require.NoError(t, json.Unmarshal(frame, &envelope))
		if envelope.Type == kind {
			retry = envelope.IsRetry
		}
	}
	return retry
}

func (s *fakeSession) frameTypes(t *testing.T) []string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	types := make([]string, 0, len(s.writes))
	for _, frame := range s.writes {
		var envelope struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(frame, &envelope))
		types = append(types, envelope.Type)
	}
	return types
}

type fakeTransport struct {
	mu       sync.Mutex
	sessions []*fakeSession
}

func (f *fakeTransport) Dial(ctx context.Context, credential string) (conn.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	session := newFakeSession()
	f.sessions = append(f.sessions, session)
	return session, nil
}

func (f *fakeTransport) CloseReason(err error) string {
	return conn.ReasonTransportError
}

func (f *fakeTransport) lastSession() *fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sessions) == 0 {
		return nil
	}
	return f.sessions[len(f.sessions)-1]
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

type testEngine struct {
	engine    *Engine
	transport *fakeTransport
	clock     *fakeClock
}

func newTestEngine(t *testing.T, cfg Config) *testEngine {
	t.Helper()
	transport := &fakeTransport{}
	clock := newFakeClock()
	engine, err := New(cfg, Options{
		Transport: transport,
		Clock:     clock.Now,
		Fetcher: loader.FetcherFunc(func(_ context.Context, req loader.Request) (json.RawMessage, error) {
			return json.RawMessage(`{"ok":true}`), nil
		}),
	})
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })
	return &testEngine{engine: engine, transport: transport, clock: clock}
}

// connect establishes the session and consumes the buffered status changes the
// run loop would normally handle.
func (te *testEngine) connect(t *testing.T) *fakeSession {
	t.Helper()
	te.engine.Connect(context.Background(), "token")
	deadline := time.Now().Add(2 * time.Second)
	for te.engine.ConnectionStatus() != conn.StatusConnected {
		if time.Now().After(deadline) {
			t.Fatalf("connection never established")
		}
		time.Sleep(time.Millisecond)
	}
	for {
		select {
		case change := <-te.engine.conn.Changes():
			te.engine.handleStatusChange(context.Background(), change)
			if change.Status == conn.StatusConnected {
				return te.transport.lastSession()
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("connected status change never arrived")
		}
	}
}

func votePayload(t *testing.T) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(gamestate.VotePayload{Voter: "p1", Target: "p2"})
	require.NoError(t, err)
	return data
}

func TestEnqueueActionAppliesOptimisticEffect(t *testing.T) {
	te := newTestEngine(t, Config{})
	session := te.connect(t)

	action, err := te.engine.EnqueueAction(gamestate.ActionCastVote, votePayload(t), queue.PriorityHigh)
	require.NoError(t, err)

	// Visible immediately, before any server round trip.
	assert.Equal(t, "p2", te.engine.State().Votes["p1"])
	assert.Empty(t, te.engine.ConfirmedState().Votes)

	types := session.frameTypes(t)
	// connect triggers a resync before the action goes out
	require.NotEmpty(t, types)
	assert.Contains(t, types, "cast-vote")

	pending := te.engine.PendingActions()
	require.Len(t, pending, 1)
	assert.Equal(t, action.ID, pending[0].ID)
}

func TestAcknowledgmentPromotesAction(t *testing.T) {
	te := newTestEngine(t, Config{})
	te.connect(t)

	action, err := te.engine.EnqueueAction(gamestate.ActionCastVote, votePayload(t), queue.PriorityHigh)
	require.NoError(t, err)

	frame, err := json.Marshal(map[string]any{"ver": 1, "type": "action-acknowledged", "actionId": action.ID})
	require.NoError(t, err)
	te.engine.handleFrame(context.Background(), frame)

	assert.Equal(t, "p2", te.engine.ConfirmedState().Votes["p1"])
	assert.Empty(t, te.engine.PendingActions())
}

func TestPermanentRejectionRollsBackAndResyncs(t *testing.T) {
	te := newTestEngine(t, Config{Queue: queue.Config{MaxRetries: 1, AckTimeout: 5 * time.Second}})
	session := te.connect(t)

	action, err := te.engine.EnqueueAction(gamestate.ActionCastVote, votePayload(t), queue.PriorityHigh)
	require.NoError(t, err)

	reject, err := json.Marshal(map[string]any{"ver": 1, "type": "action-rejected", "actionId": action.ID, "reason": "phase over"})
	require.NoError(t, err)

	// First rejection re-queues; the optimistic effect stays visible.
	te.engine.handleFrame(context.Background(), reject)
	assert.Equal(t, "p2", te.engine.State().Votes["p1"])
	require.Len(t, te.engine.PendingActions(), 1)

	// Second rejection exhausts the budget: rollback plus forced resync.
	te.engine.handleFrame(context.Background(), reject)
	assert.Empty(t, te.engine.State().Votes)
	assert.Empty(t, te.engine.PendingActions())
	assert.Contains(t, session.frameTypes(t), "request-sync")
	assert.True(t, te.engine.SyncSnapshot().IsResyncing)
}

func TestSnapshotFrameReplacesStateAndClearsResolved(t *testing.T) {
	te := newTestEngine(t, Config{})
	te.connect(t)

	action, err := te.engine.EnqueueAction(gamestate.ActionCastVote, votePayload(t), queue.PriorityHigh)
	require.NoError(t, err)

	snapshot := gamestate.GameState{
		RoomID:     "room-1",
		Phase:      gamestate.PhaseVoting,
		Votes:      map[string]string{"p1": "p2"},
		ServerTime: te.clock.Now().UnixMilli(),
	}
	frame, err := json.Marshal(map[string]any{
		"ver":               1,
		"type":              "game-state-update",
		"snapshot":          snapshot,
		"resolvedActionIds": []string{action.ID},
	})
	require.NoError(t, err)
	te.engine.handleFrame(context.Background(), frame)

	state := te.engine.State()
	assert.Equal(t, "room-1", state.RoomID)
	assert.Equal(t, gamestate.PhaseVoting, state.Phase)
	assert.Empty(t, te.engine.PendingActions())
	assert.False(t, te.engine.SyncSnapshot().IsResyncing)
}

func TestIncrementalUpdateWithinTolerance(t *testing.T) {
	te := newTestEngine(t, Config{})
	te.connect(t)

	frame, err := json.Marshal(map[string]any{
		"ver":       1,
		"type":      "phase-changed",
		"phase":     "night",
		"timestamp": te.clock.Now().UnixMilli() + 100,
	})
	require.NoError(t, err)
	te.engine.handleFrame(context.Background(), frame)

	assert.Equal(t, gamestate.PhaseNight, te.engine.ConfirmedState().Phase)
	assert.Empty(t, te.engine.Conflicts())
}

func TestIncrementalUpdateOutsideToleranceConflicts(t *testing.T) {
	te := newTestEngine(t, Config{})
	session := te.connect(t)

	frame, err := json.Marshal(map[string]any{
		"ver":       1,
		"type":      "votes-updated",
		"votes":     map[string]string{"p1": "p3"},
		"timestamp": te.clock.Now().UnixMilli() + 60_000,
	})
	require.NoError(t, err)
	te.engine.handleFrame(context.Background(), frame)

	assert.Empty(t, te.engine.ConfirmedState().Votes)
	conflicts := te.engine.Conflicts()
	require.Len(t, conflicts, 1)
	assert.Equal(t, "votes", conflicts[0].SubjectType)
	assert.Contains(t, session.frameTypes(t), "request-sync")
}

func TestServerReportedConflictIsRecorded(t *testing.T) {
	te := newTestEngine(t, Config{})
	te.connect(t)

	frame, err := json.Marshal(map[string]any{
		"ver":  1,
		"type": "sync-conflict",
		"conflict": map[string]any{
			"subjectType": "votes",
			"remote":      map[string]string{"p1": "p3"},
		},
	})
	require.NoError(t, err)
	te.engine.handleFrame(context.Background(), frame)

	conflicts := te.engine.Conflicts()
	require.Len(t, conflicts, 1)
	assert.Equal(t, "votes", conflicts[0].SubjectType)
}

func TestResolveConflictRemote(t *testing.T) {
	te := newTestEngine(t, Config{})
	te.connect(t)

	remote, err := json.Marshal(gamestate.GameState{
		RoomID:     "room-9",
		ServerTime: te.clock.Now().UnixMilli(),
	})
	require.NoError(t, err)
	record := te.engine.sync.RecordServerConflict("state", remote)

	require.NoError(t, te.engine.ResolveConflict(context.Background(), record.ID, syncer.ResolutionRemote, nil))

	assert.Equal(t, "room-9", te.engine.ConfirmedState().RoomID)
	assert.Empty(t, te.engine.Conflicts())
}

func TestFatalSyncBlocksNewActions(t *testing.T) {
	te := newTestEngine(t, Config{Sync: syncer.Config{ResponseTimeout: time.Second, MaxAttempts: 1}})
	te.connect(t)

	// Connecting already put a resync in flight; let its response deadline
	// lapse with no retry budget left.
	require.True(t, te.engine.SyncSnapshot().IsResyncing)
	te.engine.sync.Tick(te.clock.Advance(2 * time.Second))
	require.True(t, te.engine.SyncSnapshot().Fatal)

	_, err := te.engine.EnqueueAction(gamestate.ActionCastVote, votePayload(t), queue.PriorityHigh)
	assert.ErrorIs(t, err, ErrSyncFatal)
}

func TestAckDeadlineForcesResync(t *testing.T) {
	te := newTestEngine(t, Config{Queue: queue.Config{MaxRetries: 3, AckTimeout: 5 * time.Second}})
	session := te.connect(t)

	_, err := te.engine.EnqueueAction(gamestate.ActionCastVote, votePayload(t), queue.PriorityHigh)
	require.NoError(t, err)

	te.clock.Advance(6 * time.Second)
	te.engine.sweep(context.Background())

	assert.True(t, te.engine.SyncSnapshot().IsResyncing)
	assert.Contains(t, session.frameTypes(t), "request-sync")
	// The action is parked for replay, not re-sent blindly.
	assert.Len(t, te.engine.PendingActions(), 1)
}

func TestExpiredActionWaitsForResyncBeforeReplay(t *testing.T) {
	te := newTestEngine(t, Config{Queue: queue.Config{MaxRetries: 3, AckTimeout: 5 * time.Second}})
	session := te.connect(t)

	_, err := te.engine.EnqueueAction(gamestate.ActionCastVote, votePayload(t), queue.PriorityHigh)
	require.NoError(t, err)
	require.Equal(t, 1, session.countType(t, "cast-vote"))

	te.clock.Advance(6 * time.Second)
	te.engine.sweep(context.Background())
	te.engine.sweep(context.Background())

	// The expired action stays parked while the forced resync is in flight,
	// even across sweeps that flush the queue.
	assert.True(t, te.engine.SyncSnapshot().IsResyncing)
	assert.Equal(t, 1, session.countType(t, "cast-vote"))
	require.Len(t, te.engine.PendingActions(), 1)

	snapshot := gamestate.GameState{RoomID: "room-1", ServerTime: te.clock.Now().UnixMilli()}
	frame, err := json.Marshal(map[string]any{"ver": 1, "type": "game-state-update", "snapshot": snapshot})
	require.NoError(t, err)
	te.engine.handleFrame(context.Background(), frame)

	// The snapshot settled the resync without resolving the action, so the
	// next sweep replays it with the retry flag.
	te.engine.sweep(context.Background())
	assert.Equal(t, 2, session.countType(t, "cast-vote"))
	assert.True(t, session.lastRetryFlag(t, "cast-vote"))
}

func TestLoadingReportsInFlightLoad(t *testing.T) {
	transport := &fakeTransport{}
	clock := newFakeClock()
	var engine *Engine
	observed := make(chan bool, 1)
	engine, err := New(Config{}, Options{
		Transport: transport,
		Clock:     clock.Now,
		Fetcher: loader.FetcherFunc(func(context.Context, loader.Request) (json.RawMessage, error) {
			observed <- engine.Loading()
			return json.RawMessage(`{}`), nil
		}),
	})
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })

	engine.LoadData(context.Background(), []loader.Request{
		{Endpoint: "/rooms", Priority: loader.Priority{Level: loader.LevelCritical}},
	})

	assert.True(t, <-observed)
	assert.False(t, engine.Loading())
}

func TestOfflineActionsReplayOnReconnect(t *testing.T) {
	te := newTestEngine(t, Config{})

	// Not connected yet: the action queues and the optimistic effect shows.
	action, err := te.engine.EnqueueAction(gamestate.ActionCastVote, votePayload(t), queue.PriorityHigh)
	require.NoError(t, err)
	assert.Equal(t, "p2", te.engine.State().Votes["p1"])

	session := te.connect(t)

	types := session.frameTypes(t)
	assert.Contains(t, types, "cast-vote")
	assert.Contains(t, types, "request-sync")
	require.Len(t, te.engine.PendingActions(), 1)
	assert.Equal(t, action.ID, te.engine.PendingActions()[0].ID)
}

func TestLoadDataPopulatesCache(t *testing.T) {
	te := newTestEngine(t, Config{})

	result := te.engine.LoadData(context.Background(), []loader.Request{
		{ID: "r1", Endpoint: "/rooms", CacheKey: "rooms", Priority: loader.Priority{Level: loader.LevelCritical}},
	})

	assert.Equal(t, []string{"r1"}, result.Completed)
	data, ok := te.engine.Cached("rooms")
	require.True(t, ok)
	assert.JSONEq(t, `{"ok":true}`, string(data))

	assert.Equal(t, 1, te.engine.InvalidateCache("rooms"))
	_, ok = te.engine.Cached("rooms")
	assert.False(t, ok)
}

func TestLogoutClearsEverything(t *testing.T) {
	te := newTestEngine(t, Config{})
	te.connect(t)

	_, err := te.engine.EnqueueAction(gamestate.ActionCastVote, votePayload(t), queue.PriorityHigh)
	require.NoError(t, err)

	require.NoError(t, te.engine.Logout())

	assert.Empty(t, te.engine.PendingActions())
	assert.Empty(t, te.engine.State().Votes)
	assert.Equal(t, int64(0), te.engine.SyncSnapshot().LastSyncTime)
}
