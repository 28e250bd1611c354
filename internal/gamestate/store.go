package gamestate

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Store keeps the replicated room state in two layers: a confirmed base that
// only server data mutates, and a tentative overlay of optimistic actions
// applied before acknowledgment. Reads always return copies.
type Store struct {
	mu      sync.Mutex
	base    GameState
	overlay []overlayEntry
}

type overlayEntry struct {
	actionID string
	kind     ActionKind
	payload  json.RawMessage
}

func NewStore() *Store {
	return &Store{
		base: GameState{Votes: make(map[string]string)},
	}
}

// Confirmed returns the server-confirmed base state.
func (s *Store) Confirmed() GameState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.base.Clone()
}

// View returns the base state with the tentative overlay applied on top. This
// is the state the UI renders: every optimistic action is visible before any
// network round-trip.
func (s *Store) View() GameState {
	s.mu.Lock()
	defer s.mu.Unlock()
	view := s.base.Clone()
	for _, entry := range s.overlay {
		applyAction(&view, entry.kind, entry.payload, entry.actionID)
	}
	return view
}

// Stage records an optimistic action in the overlay. It never touches the
// confirmed base.
func (s *Store) Stage(actionID string, kind ActionKind, payload json.RawMessage) error {
	if actionID == "" {
		return fmt.Errorf("gamestate: stage requires an action id")
	}
	if !KnownAction(kind) {
		return fmt.Errorf("gamestate: unknown action kind %q", kind)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range s.overlay {
		if entry.actionID == actionID {
			return fmt.Errorf("gamestate: action %s already staged", actionID)
		}
	}
	s.overlay = append(s.overlay, overlayEntry{
		actionID: actionID,
		kind:     kind,
		payload:  append(json.RawMessage(nil), payload...),
	})
	return nil
}

// Promote folds an acknowledged action into the confirmed base and removes it
// from the overlay. Unknown ids are a no-op so a late acknowledgment after a
// resync stays safe.
func (s *Store) Promote(actionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, entry := range s.overlay {
		if entry.actionID != actionID {
			continue
		}
		applyAction(&s.base, entry.kind, entry.payload, entry.actionID)
		s.overlay = append(s.overlay[:i], s.overlay[i+1:]...)
		return
	}
}

// Discard removes a staged action without folding it into the base. Used when
// an action is cancelled or permanently rejected.
func (s *Store) Discard(actionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, entry := range s.overlay {
		if entry.actionID == actionID {
			s.overlay = append(s.overlay[:i], s.overlay[i+1:]...)
			return
		}
	}
}

// ReplaceBase installs a server snapshot as the new confirmed state and clears
// the tentative overlay wholesale.
func (s *Store) ReplaceBase(state GameState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.base = state.Clone()
	if s.base.Votes == nil {
		s.base.Votes = make(map[string]string)
	}
	s.overlay = s.overlay[:0]
}

// SetPhase applies a confirmed incremental phase transition.
func (s *Store) SetPhase(phase Phase, serverTime int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.base.Phase = phase
	s.base.ServerTime = serverTime
}

// SetVotes applies a confirmed incremental vote tally.
func (s *Store) SetVotes(votes map[string]string, serverTime int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.base.Votes = make(map[string]string, len(votes))
	for k, v := range votes {
		s.base.Votes[k] = v
	}
	s.base.ServerTime = serverTime
}

// MarkEliminated applies a confirmed player elimination.
func (s *Store) MarkEliminated(playerID string, serverTime int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.base.Eliminated {
		if id == playerID {
			return
		}
	}
	s.base.Eliminated = append(s.base.Eliminated, playerID)
	for i := range s.base.Players {
		if s.base.Players[i].ID == playerID {
			s.base.Players[i].Alive = false
		}
	}
	s.base.ServerTime = serverTime
}

// PendingOverlay reports the ids of staged actions in stage order.
func (s *Store) PendingOverlay() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.overlay) == 0 {
		return nil
	}
	ids := make([]string, len(s.overlay))
	for i, entry := range s.overlay {
		ids[i] = entry.actionID
	}
	return ids
}

// Reset clears both layers. Used on logout.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.base = GameState{Votes: make(map[string]string)}
	s.overlay = s.overlay[:0]
}

func applyAction(state *GameState, kind ActionKind, payload json.RawMessage, actionID string) {
	switch kind {
	case ActionCastVote:
		var vote VotePayload
		if err := json.Unmarshal(payload, &vote); err != nil || vote.Voter == "" {
			return
		}
		if state.Votes == nil {
			state.Votes = make(map[string]string)
		}
		state.Votes[vote.Voter] = vote.Target
	case ActionSendChat:
		var chat ChatPayload
		if err := json.Unmarshal(payload, &chat); err != nil {
			return
		}
		state.Chat = append(state.Chat, ChatMessage{
			ID:     actionID,
			From:   chat.From,
			Text:   chat.Text,
			SentAt: chat.SentAt,
		})
	case ActionJoinRoom:
		var join JoinPayload
		if err := json.Unmarshal(payload, &join); err != nil {
			return
		}
		if join.RoomID != "" {
			state.RoomID = join.RoomID
		}
		for _, p := range state.Players {
			if p.ID == join.PlayerID {
				return
			}
		}
		state.Players = append(state.Players, Player{
			ID:        join.PlayerID,
			Name:      join.PlayerName,
			Alive:     true,
			Connected: true,
		})
	case ActionLeaveRoom:
		var leave LeavePayload
		if err := json.Unmarshal(payload, &leave); err != nil {
			return
		}
		for i, p := range state.Players {
			if p.ID == leave.PlayerID {
				state.Players = append(state.Players[:i], state.Players[i+1:]...)
				break
			}
		}
	case ActionStartGame:
		if state.Phase == PhaseLobby || state.Phase == "" {
			state.Phase = PhaseDay
		}
	}
}
