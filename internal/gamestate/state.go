package gamestate

// Phase identifies the current stage of a Conclave round.
type Phase string

const (
	PhaseLobby  Phase = "lobby"
	PhaseDay    Phase = "day"
	PhaseVoting Phase = "voting"
	PhaseNight  Phase = "night"
	PhaseReveal Phase = "reveal"
	PhaseEnded  Phase = "ended"
)

// ActionKind names a client-originated action. The values double as the wire
// message type identifiers for action envelopes.
type ActionKind string

const (
	ActionJoinRoom  ActionKind = "join-room"
	ActionLeaveRoom ActionKind = "leave-room"
	ActionCastVote  ActionKind = "cast-vote"
	ActionStartGame ActionKind = "start-game"
	ActionSendChat  ActionKind = "send-chat-message"
)

// KnownAction reports whether the kind is one of the defined action kinds.
func KnownAction(kind ActionKind) bool {
	switch kind {
	case ActionJoinRoom, ActionLeaveRoom, ActionCastVote, ActionStartGame, ActionSendChat:
		return true
	default:
		return false
	}
}

// Player is a room member as reported by the server.
type Player struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Alive     bool   `json:"alive"`
	Connected bool   `json:"connected"`
}

// ChatMessage is a room chat line. Tentative lines carry the originating
// action id until the server confirms them.
type ChatMessage struct {
	ID     string `json:"id"`
	From   string `json:"from"`
	Text   string `json:"text"`
	SentAt int64  `json:"sentAt"`
}

// GameState is the replicated room state. ServerTime is the server timestamp
// (unix millis) the state was valid at.
type GameState struct {
	RoomID     string            `json:"roomId"`
	Phase      Phase             `json:"phase"`
	Players    []Player          `json:"players"`
	Votes      map[string]string `json:"votes"`
	Eliminated []string          `json:"eliminated"`
	Chat       []ChatMessage     `json:"chat"`
	ServerTime int64             `json:"serverTime"`
}

// Clone returns a deep copy so callers never share mutable references.
func (s GameState) Clone() GameState {
	cloned := s
	if len(s.Players) > 0 {
		cloned.Players = append([]Player(nil), s.Players...)
	}
	if s.Votes != nil {
		cloned.Votes = make(map[string]string, len(s.Votes))
		for k, v := range s.Votes {
			cloned.Votes[k] = v
		}
	}
	if len(s.Eliminated) > 0 {
		cloned.Eliminated = append([]string(nil), s.Eliminated...)
	}
	if len(s.Chat) > 0 {
		cloned.Chat = append([]ChatMessage(nil), s.Chat...)
	}
	return cloned
}

// VotePayload is the payload for cast-vote actions and votes-updated events.
type VotePayload struct {
	Voter  string `json:"voter"`
	Target string `json:"target"`
}

// ChatPayload is the payload for send-chat-message actions.
type ChatPayload struct {
	From   string `json:"from"`
	Text   string `json:"text"`
	SentAt int64  `json:"sentAt"`
}

// JoinPayload is the payload for join-room actions.
type JoinPayload struct {
	RoomID     string `json:"roomId"`
	PlayerID   string `json:"playerId"`
	PlayerName string `json:"playerName"`
}

// LeavePayload is the payload for leave-room actions.
type LeavePayload struct {
	PlayerID string `json:"playerId"`
}
