package arcade

import (
	crand "crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/companyzero/bisonrelay/zkidentity"
	"github.com/decred/slog"
)

var (
	ErrInvalidGameType   = errors.New("invalid game type")
	ErrLobbyNotFound     = errors.New("lobby not found")
	ErrLobbyNotAvailable = errors.New("lobby not available")
	ErrAlreadyInLobby    = errors.New("participant already in a lobby")
)

// maxIDAttempts bounds the regenerate-on-collision loop in CreateLobby.
const maxIDAttempts = 8

// NewLobbyRegistry creates an empty registry. Each registry instance is
// independent; tests construct their own.
func NewLobbyRegistry(log slog.Logger) *LobbyRegistry {
	return &LobbyRegistry{
		lobbies: make(map[string]*Lobby),
		log:     log,
	}
}

// newLobbyCode returns a short random numeric suffix, e.g. "4821".
func newLobbyCode() (string, error) {
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		return "", err
	}
	return fmt.Sprintf("%04d", binary.BigEndian.Uint64(b[:])%10000), nil
}

// CreateLobby inserts a new waiting lobby hosted by host and broadcasts
// the updated waiting list. Lobby ids combine the game-type prefix with
// a short random code; collisions regenerate the code up to
// maxIDAttempts before failing.
func (r *LobbyRegistry) CreateLobby(gameType GameType, host Participant, betAtoms int64) (*Lobby, error) {
	if !gameType.Valid() {
		return nil, ErrInvalidGameType
	}

	r.mu.Lock()
	for _, l := range r.lobbies {
		if l.Host.ID == host.ID || (l.Guest != nil && l.Guest.ID == host.ID) {
			r.mu.Unlock()
			return nil, ErrAlreadyInLobby
		}
	}

	var id string
	for attempt := 0; ; attempt++ {
		if attempt >= maxIDAttempts {
			r.mu.Unlock()
			return nil, fmt.Errorf("failed to allocate lobby id after %d attempts", maxIDAttempts)
		}
		code, err := newLobbyCode()
		if err != nil {
			r.mu.Unlock()
			return nil, fmt.Errorf("failed to generate lobby code: %w", err)
		}
		id = gameType.Prefix() + "-" + code
		if _, exists := r.lobbies[id]; !exists {
			break
		}
	}

	lobby := &Lobby{
		ID:        id,
		GameType:  gameType,
		Host:      host,
		Status:    StatusWaiting,
		BetAtoms:  betAtoms,
		CreatedAt: time.Now(),
	}
	r.lobbies[id] = lobby
	r.order = append(r.order, id)
	r.mu.Unlock()

	r.log.Debugf("lobby %s created by %s", id, host.ID)
	r.notifyWaitingListChanged()
	return lobby, nil
}

// JoinLobby fills the guest slot of a waiting lobby and moves it to
// playing. Exactly one of two racing joins can succeed; the loser gets
// ErrLobbyNotAvailable (or ErrLobbyNotFound if the id is unknown).
func (r *LobbyRegistry) JoinLobby(lobbyID string, guest Participant) (*Lobby, error) {
	r.mu.Lock()
	lobby, ok := r.lobbies[lobbyID]
	if !ok {
		r.mu.Unlock()
		return nil, ErrLobbyNotFound
	}
	if lobby.Status != StatusWaiting || lobby.Guest != nil {
		r.mu.Unlock()
		return nil, ErrLobbyNotAvailable
	}
	if lobby.Host.ID == guest.ID {
		r.mu.Unlock()
		return nil, ErrLobbyNotAvailable
	}
	g := guest
	lobby.Lock()
	lobby.Guest = &g
	lobby.Status = StatusPlaying
	lobby.Unlock()
	r.mu.Unlock()

	r.log.Debugf("lobby %s joined by %s", lobbyID, guest.ID)
	r.notifyWaitingListChanged()
	return lobby, nil
}

// LeaveResult describes what LeaveLobby (or a disconnect sweep) did to
// a lobby.
type LeaveResult int

const (
	// LeaveNoop: lobby or participant reference didn't match; nothing
	// changed. Disconnect races make this common, so it is never an error.
	LeaveNoop LeaveResult = iota
	// LeaveReopened: the guest left and the lobby reverted to waiting.
	LeaveReopened
	// LeaveClosed: the host left and the lobby was deleted.
	LeaveClosed
)

// LeaveLobby applies leave semantics for participantID: host leaving
// deletes the record, guest leaving reopens it. Unknown ids are silent
// no-ops.
func (r *LobbyRegistry) LeaveLobby(lobbyID string, participantID zkidentity.ShortID) (LeaveResult, *Lobby) {
	r.mu.Lock()
	lobby, ok := r.lobbies[lobbyID]
	if !ok {
		r.mu.Unlock()
		return LeaveNoop, nil
	}
	res := r.applyLeaveLocked(lobby, participantID)
	r.mu.Unlock()

	if res != LeaveNoop {
		r.notifyWaitingListChanged()
	}
	return res, lobby
}

// applyLeaveLocked mutates/removes lobby for a departing participant.
// Caller holds r.mu.
func (r *LobbyRegistry) applyLeaveLocked(lobby *Lobby, participantID zkidentity.ShortID) LeaveResult {
	if lobby.Host.ID == participantID {
		delete(r.lobbies, lobby.ID)
		for i, id := range r.order {
			if id == lobby.ID {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
		r.log.Debugf("lobby %s removed (host left)", lobby.ID)
		return LeaveClosed
	}
	if lobby.Guest != nil && lobby.Guest.ID == participantID {
		lobby.Lock()
		lobby.Guest = nil
		lobby.Status = StatusWaiting
		lobby.GameID = ""
		lobby.Unlock()
		r.log.Debugf("lobby %s reopened (guest left)", lobby.ID)
		return LeaveReopened
	}
	return LeaveNoop
}

// DisconnectEffect reports one lobby touched by HandleDisconnect.
type DisconnectEffect struct {
	Lobby  *Lobby
	Result LeaveResult
}

// HandleDisconnect applies leave semantics for every lobby referencing
// participantID. Best effort and idempotent: a second sweep for the
// same participant finds nothing to do.
func (r *LobbyRegistry) HandleDisconnect(participantID zkidentity.ShortID) []DisconnectEffect {
	r.mu.Lock()
	var effects []DisconnectEffect
	// Snapshot ids first: applyLeaveLocked may mutate the order slice.
	ids := append([]string(nil), r.order...)
	for _, id := range ids {
		lobby, ok := r.lobbies[id]
		if !ok {
			continue
		}
		if res := r.applyLeaveLocked(lobby, participantID); res != LeaveNoop {
			effects = append(effects, DisconnectEffect{Lobby: lobby, Result: res})
		}
	}
	r.mu.Unlock()

	if len(effects) > 0 {
		r.notifyWaitingListChanged()
	}
	return effects
}

// Get returns the lobby with the given id, or nil.
func (r *LobbyRegistry) Get(lobbyID string) *Lobby {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lobbies[lobbyID]
}

// SetPlayingGame links a playing lobby to its session id.
func (r *LobbyRegistry) SetPlayingGame(lobbyID, gameID string) {
	r.mu.RLock()
	lobby := r.lobbies[lobbyID]
	r.mu.RUnlock()
	if lobby == nil {
		return
	}
	lobby.Lock()
	lobby.GameID = gameID
	lobby.Unlock()
}

// SetFinished marks a lobby's game as over. The record stays until its
// host leaves or disconnects.
func (r *LobbyRegistry) SetFinished(lobbyID string) {
	r.mu.RLock()
	lobby := r.lobbies[lobbyID]
	r.mu.RUnlock()
	if lobby == nil {
		return
	}
	lobby.Lock()
	lobby.Status = StatusFinished
	lobby.Unlock()
}

// ListWaiting returns waiting lobbies in creation order, optionally
// filtered by game type (empty means all). The result is a consistent
// point-in-time snapshot.
func (r *LobbyRegistry) ListWaiting(gameType GameType) []*LobbySnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listWaitingLocked(gameType)
}

func (r *LobbyRegistry) listWaitingLocked(gameType GameType) []*LobbySnapshot {
	out := make([]*LobbySnapshot, 0, len(r.order))
	for _, id := range r.order {
		lobby, ok := r.lobbies[id]
		if !ok || lobby.Status != StatusWaiting {
			continue
		}
		if gameType != "" && lobby.GameType != gameType {
			continue
		}
		out = append(out, lobby.Marshal())
	}
	return out
}

// notifyWaitingListChanged snapshots the waiting list and invokes the
// broadcast callback outside the registry lock.
func (r *LobbyRegistry) notifyWaitingListChanged() {
	cb := r.OnWaitingListChanged
	if cb == nil {
		return
	}
	r.mu.RLock()
	waiting := r.listWaitingLocked("")
	r.mu.RUnlock()
	cb(waiting)
}
