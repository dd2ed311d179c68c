package arcade

import "encoding/json"

// EventType names a realtime event. The contract is transport agnostic;
// the server package decides how events reach clients.
type EventType string

// Inbound events (client -> server).
const (
	EvCreateLobby EventType = "create-lobby"
	EvJoinLobby   EventType = "join-lobby"
	EvLeaveLobby  EventType = "leave-lobby"
	EvGetLobbies  EventType = "get-lobbies"
	EvGameMove    EventType = "game-move"
	EvGameOver    EventType = "game-over"
)

// Outbound events (server -> client).
const (
	EvLobbyCreated   EventType = "lobby-created"
	EvLobbyJoined    EventType = "lobby-joined"
	EvLobbyLeft      EventType = "lobby-left"
	EvLobbyClosed    EventType = "lobby-closed"
	EvLobbiesUpdated EventType = "lobbies-updated"
	EvJoinError      EventType = "join-error"
	EvGameStart      EventType = "game-start"
	EvGameEnd        EventType = "game-end"
)

// Event is a single notification delivered to a connected client.
type Event struct {
	Type    EventType   `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// MovePayload carries an opaque gameplay move between the two matched
// participants. The coordinator never inspects Data.
type MovePayload struct {
	LobbyID  string          `json:"lobbyId"`
	PlayerID string          `json:"playerId"`
	Data     json.RawMessage `json:"data"`
}

// GameEndPayload reports the session outcome to both participants.
type GameEndPayload struct {
	GameID       string `json:"gameId"`
	WinnerID     string `json:"winnerId,omitempty"`
	PayoutAtoms  int64  `json:"payoutAtoms,omitempty"`
	FeeAtoms     int64  `json:"feeAtoms,omitempty"`
	PayoutTxHash string `json:"payoutTxHash,omitempty"`
	Message      string `json:"message,omitempty"`
}
