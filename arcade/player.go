package arcade

import (
	"sync"

	"github.com/companyzero/bisonrelay/zkidentity"
)

// notifBufSize bounds the per-player notification queue. A slow client
// drops oldest events rather than stalling the rest of the server.
const notifBufSize = 64

// Player is a connected participant session.
type Player struct {
	sync.RWMutex
	ID   *zkidentity.ShortID
	Nick string

	// Notifs is the per-player event queue drained by the transport
	// writer. Nil until the transport attaches.
	Notifs chan Event

	// LobbyID of the lobby this player currently occupies, if any.
	LobbyID string
}

// AttachNotifier (re)creates the player's event queue and returns it.
func (p *Player) AttachNotifier() chan Event {
	p.Lock()
	defer p.Unlock()
	p.Notifs = make(chan Event, notifBufSize)
	return p.Notifs
}

// DetachNotifier closes and clears the player's event queue.
func (p *Player) DetachNotifier() {
	p.Lock()
	defer p.Unlock()
	if p.Notifs != nil {
		close(p.Notifs)
		p.Notifs = nil
	}
}

// EnqueueNotif queues an event for delivery without blocking. If the
// queue is full the oldest event is dropped to make room. The read lock
// is held across the send so DetachNotifier cannot close the channel
// under a sender.
func (p *Player) EnqueueNotif(ev Event) bool {
	p.RLock()
	defer p.RUnlock()
	ch := p.Notifs
	if ch == nil {
		return false
	}
	select {
	case ch <- ev:
		return true
	default:
	}
	// Queue full; drop the oldest and retry once.
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- ev:
		return true
	default:
		return false
	}
}

// PlayerSessions tracks connected players by their stable identity.
type PlayerSessions struct {
	sync.RWMutex
	Sessions map[zkidentity.ShortID]*Player
}

func NewPlayerSessions() *PlayerSessions {
	return &PlayerSessions{Sessions: make(map[zkidentity.ShortID]*Player)}
}

func (ps *PlayerSessions) GetPlayer(clientID zkidentity.ShortID) *Player {
	ps.RLock()
	defer ps.RUnlock()
	return ps.Sessions[clientID]
}

func (ps *PlayerSessions) RemovePlayer(clientID zkidentity.ShortID) {
	ps.Lock()
	defer ps.Unlock()
	delete(ps.Sessions, clientID)
}

// CreateSession returns the existing player for clientID or registers a
// new one.
func (ps *PlayerSessions) CreateSession(clientID zkidentity.ShortID) *Player {
	ps.Lock()
	defer ps.Unlock()

	player := ps.Sessions[clientID]
	if player == nil {
		clientIDCopy := clientID
		player = &Player{ID: &clientIDCopy}
		ps.Sessions[clientID] = player
	}
	return player
}
