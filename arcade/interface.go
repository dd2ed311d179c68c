package arcade

import (
	"context"
	"sync"
	"time"

	"github.com/companyzero/bisonrelay/zkidentity"
	"github.com/decred/slog"
)

// GameType identifies which game a lobby is for. The server never
// interprets gameplay payloads; the type only scopes matchmaking and
// picks the lobby id prefix.
type GameType string

const (
	GameTypeChess GameType = "chess"
	GameTypeUno   GameType = "uno"
	GameTypePool  GameType = "pool"
	GameTypeSnake GameType = "snake"
)

// Valid reports whether gt is one of the supported game types.
func (gt GameType) Valid() bool {
	switch gt {
	case GameTypeChess, GameTypeUno, GameTypePool, GameTypeSnake:
		return true
	}
	return false
}

// Prefix returns the lobby id prefix for the game type, e.g. "UNO".
func (gt GameType) Prefix() string {
	switch gt {
	case GameTypeChess:
		return "CHESS"
	case GameTypeUno:
		return "UNO"
	case GameTypePool:
		return "POOL"
	case GameTypeSnake:
		return "SNAKE"
	}
	return "GAME"
}

type LobbyStatus string

const (
	StatusWaiting  LobbyStatus = "waiting"
	StatusPlaying  LobbyStatus = "playing"
	StatusFinished LobbyStatus = "finished"
)

// Participant is one side of a lobby: the stable client identity plus
// the display name it chose for this session. PayoutAddress is the
// optional on-chain destination used when payouts run through a wallet
// instead of tips.
type Participant struct {
	ID            zkidentity.ShortID
	Name          string
	PayoutAddress string
}

// Lobby is a matchmaking record pairing up to two participants. Guest
// presence is the source of truth for the Waiting/Playing distinction;
// the registry is the only writer.
type Lobby struct {
	sync.RWMutex
	ID        string
	GameType  GameType
	Host      Participant
	Guest     *Participant
	Status    LobbyStatus
	BetAtoms  int64
	CreatedAt time.Time

	// GameID links the lobby to its active session once playing.
	GameID string
}

// LobbySnapshot is the wire representation of a lobby used by both the
// realtime events and the HTTP surface.
type LobbySnapshot struct {
	ID        string    `json:"id"`
	GameType  string    `json:"gameType"`
	HostID    string    `json:"hostId"`
	HostName  string    `json:"hostName"`
	GuestID   string    `json:"guestId,omitempty"`
	GuestName string    `json:"guestName,omitempty"`
	Status    string    `json:"status"`
	BetAtoms  int64     `json:"betAtoms"`
	CreatedAt time.Time `json:"createdAt"`
}

// Marshal snapshots the lobby for transport.
func (l *Lobby) Marshal() *LobbySnapshot {
	l.RLock()
	defer l.RUnlock()
	snap := &LobbySnapshot{
		ID:        l.ID,
		GameType:  string(l.GameType),
		HostID:    l.Host.ID.String(),
		HostName:  l.Host.Name,
		Status:    string(l.Status),
		BetAtoms:  l.BetAtoms,
		CreatedAt: l.CreatedAt,
	}
	if l.Guest != nil {
		snap.GuestID = l.Guest.ID.String()
		snap.GuestName = l.Guest.Name
	}
	return snap
}

// LobbyRegistry is the authoritative directory of matchmaking lobbies.
// A single mutex linearizes every mutating operation so two racing
// joins against the same lobby cannot both succeed.
type LobbyRegistry struct {
	mu      sync.RWMutex
	lobbies map[string]*Lobby
	order   []string // lobby ids in creation order

	log slog.Logger

	// OnWaitingListChanged is invoked (outside the registry lock) with a
	// fresh waiting-list snapshot after any mutation that changes it.
	OnWaitingListChanged func(waiting []*LobbySnapshot)
}

// SessionState tracks a game session through its lifecycle. Wagered
// sessions start in funding; free sessions go straight to playing.
type SessionState string

const (
	SessionFunding  SessionState = "funding"
	SessionPlaying  SessionState = "playing"
	SessionFinished SessionState = "finished"
)

// GameSession binds a matched lobby to an active game instance and
// relays opaque move payloads between exactly the two participants.
type GameSession struct {
	sync.RWMutex
	ID      string
	LobbyID string
	Players [2]*Player
	State   SessionState
	Wagered bool
	Winner  *zkidentity.ShortID

	Ctx    context.Context
	Cancel context.CancelFunc

	log slog.Logger
}

// SessionManager owns the live game sessions and the player->session
// index. Operations on distinct sessions proceed in parallel.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*GameSession
	byPlayer map[zkidentity.ShortID]*GameSession

	Log slog.Logger
}

func NewSessionManager(log slog.Logger) *SessionManager {
	return &SessionManager{
		sessions: make(map[string]*GameSession),
		byPlayer: make(map[zkidentity.ShortID]*GameSession),
		Log:      log,
	}
}
