package arcade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/companyzero/bisonrelay/zkidentity"
	"github.com/vctt94/bisonbotkit/utils"
)

var (
	ErrSessionNotFound  = errors.New("game session not found")
	ErrSessionNotLive   = errors.New("game session not accepting moves")
	ErrNotInSession     = errors.New("participant not in this session")
	ErrWinnerNotPlayer  = errors.New("declared winner is not a session participant")
	ErrSessionFinished  = errors.New("game session already finished")
	ErrSessionAbandoned = errors.New("game session abandoned before funding")
)

// StartSession creates a session for a freshly matched lobby. Wagered
// sessions begin in the funding state and must be promoted with
// SetPlaying once the escrow engine reports readiness; free sessions
// start playing immediately.
func (sm *SessionManager) StartSession(ctx context.Context, lobby *Lobby, host, guest *Player, wagered bool) (*GameSession, error) {
	gameID, err := utils.GenerateRandomString(16)
	if err != nil {
		return nil, fmt.Errorf("failed to generate game id: %w", err)
	}

	state := SessionPlaying
	if wagered {
		state = SessionFunding
	}
	ctx, cancel := context.WithCancel(ctx)
	gs := &GameSession{
		ID:      gameID,
		LobbyID: lobby.ID,
		Players: [2]*Player{host, guest},
		State:   state,
		Wagered: wagered,
		Ctx:     ctx,
		Cancel:  cancel,
		log:     sm.Log,
	}

	sm.mu.Lock()
	sm.sessions[gameID] = gs
	sm.byPlayer[*host.ID] = gs
	sm.byPlayer[*guest.ID] = gs
	sm.mu.Unlock()

	sm.Log.Debugf("session %s started for lobby %s (wagered=%t)", gameID, lobby.ID, wagered)
	return gs, nil
}

// Get returns the session with the given game id, or nil.
func (sm *SessionManager) Get(gameID string) *GameSession {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.sessions[gameID]
}

// GetByPlayer returns the session the player is part of, or nil.
func (sm *SessionManager) GetByPlayer(clientID zkidentity.ShortID) *GameSession {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.byPlayer[clientID]
}

// Remove drops the session and its player mappings.
func (sm *SessionManager) Remove(gameID string) {
	sm.mu.Lock()
	gs, ok := sm.sessions[gameID]
	if ok {
		delete(sm.sessions, gameID)
		for _, p := range gs.Players {
			if p != nil && p.ID != nil && sm.byPlayer[*p.ID] == gs {
				delete(sm.byPlayer, *p.ID)
			}
		}
	}
	sm.mu.Unlock()
	if ok {
		gs.Cancel()
	}
}

// Sessions returns a snapshot of the live sessions map.
func (sm *SessionManager) Sessions() map[string]*GameSession {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	out := make(map[string]*GameSession, len(sm.sessions))
	for k, v := range sm.sessions {
		out[k] = v
	}
	return out
}

// Opponent returns the other participant of the session, or nil if
// clientID is not part of it.
func (gs *GameSession) Opponent(clientID zkidentity.ShortID) *Player {
	gs.RLock()
	defer gs.RUnlock()
	for i, p := range gs.Players {
		if p != nil && p.ID != nil && *p.ID == clientID {
			return gs.Players[1-i]
		}
	}
	return nil
}

// HasPlayer reports whether clientID is one of the two participants.
func (gs *GameSession) HasPlayer(clientID zkidentity.ShortID) bool {
	gs.RLock()
	defer gs.RUnlock()
	for _, p := range gs.Players {
		if p != nil && p.ID != nil && *p.ID == clientID {
			return true
		}
	}
	return false
}

// SetPlaying promotes a funding session to playing. No-op for sessions
// already playing or finished.
func (gs *GameSession) SetPlaying() {
	gs.Lock()
	if gs.State == SessionFunding {
		gs.State = SessionPlaying
	}
	gs.Unlock()
}

// CurrentState returns the session state.
func (gs *GameSession) CurrentState() SessionState {
	gs.RLock()
	defer gs.RUnlock()
	return gs.State
}

// RelayMove forwards an opaque move payload from one participant to the
// other. The payload is never inspected. Moves are rejected while the
// session is funding or finished.
func (gs *GameSession) RelayMove(from zkidentity.ShortID, data json.RawMessage) error {
	gs.RLock()
	state := gs.State
	gs.RUnlock()
	if state != SessionPlaying {
		return ErrSessionNotLive
	}

	opponent := gs.Opponent(from)
	if opponent == nil {
		return ErrNotInSession
	}
	opponent.EnqueueNotif(Event{
		Type: EvGameMove,
		Payload: &MovePayload{
			LobbyID:  gs.LobbyID,
			PlayerID: from.String(),
			Data:     data,
		},
	})
	return nil
}

// DeclareWinner records the winner identity on the session. The
// settlement outcome is handled by the caller; the session only
// validates that the winner is one of its participants and that the
// session has not already finished.
func (gs *GameSession) DeclareWinner(winner zkidentity.ShortID) error {
	gs.Lock()
	defer gs.Unlock()
	if gs.State == SessionFinished {
		return ErrSessionFinished
	}
	if gs.State != SessionPlaying {
		return ErrSessionNotLive
	}
	found := false
	for _, p := range gs.Players {
		if p != nil && p.ID != nil && *p.ID == winner {
			found = true
			break
		}
	}
	if !found {
		return ErrWinnerNotPlayer
	}
	w := winner
	gs.Winner = &w
	return nil
}

// Finish moves the session to its terminal state.
func (gs *GameSession) Finish() {
	gs.Lock()
	gs.State = SessionFinished
	gs.Unlock()
	gs.Cancel()
}
