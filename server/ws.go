package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/companyzero/bisonrelay/zkidentity"
	"github.com/gorilla/websocket"

	"github.com/vctt94/arcadebisonrelay/arcade"
	"github.com/vctt94/arcadebisonrelay/escrow"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 45 * time.Second
)

// createLobbyPayload is the inbound body of a create-lobby event.
type createLobbyPayload struct {
	GameType      string `json:"gameType"`
	HostName      string `json:"hostName"`
	BetAtoms      int64  `json:"betAtoms"`
	PayoutAddress string `json:"payoutAddress,omitempty"`
}

type joinLobbyPayload struct {
	LobbyID       string `json:"lobbyId"`
	GuestName     string `json:"guestName"`
	PayoutAddress string `json:"payoutAddress,omitempty"`
}

type leaveLobbyPayload struct {
	LobbyID string `json:"lobbyId"`
}

type getLobbiesPayload struct {
	GameType string `json:"gameType"`
}

type gameMovePayload struct {
	LobbyID string          `json:"lobbyId"`
	Data    json.RawMessage `json:"data"`
}

type gameOverPayload struct {
	GameID   string `json:"gameId"`
	WinnerID string `json:"winnerId"`
	Evidence string `json:"evidence,omitempty"`
}

// inboundEvent is the raw client envelope; payload decoding is deferred
// until the type is known.
type inboundEvent struct {
	Type    arcade.EventType `json:"type"`
	Payload json.RawMessage  `json:"payload"`
}

// handleWS upgrades the connection and runs the read loop until the
// client goes away. One writer goroutine drains the player's event
// queue; every reply and broadcast goes through that queue so the
// connection only ever has a single writer.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	var clientID zkidentity.ShortID
	if err := clientID.FromString(r.URL.Query().Get("clientId")); err != nil {
		http.Error(w, "invalid clientId", http.StatusBadRequest)
		return
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		name = clientID.String()[:8]
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("ws upgrade failed for %s: %v", clientID, err)
		return
	}

	player := s.playerSessions.CreateSession(clientID)
	player.Nick = name
	notifs := player.AttachNotifier()

	s.Lock()
	s.users[clientID] = player
	s.Unlock()

	s.log.Infof("client connected: %s (%s)", clientID, name)

	ctx, cancel := context.WithCancel(r.Context())
	go s.wsWriter(ctx, conn, notifs)

	// Initial waiting-list snapshot so the client can render immediately.
	player.EnqueueNotif(arcade.Event{
		Type:    arcade.EvLobbiesUpdated,
		Payload: s.registry.ListWaiting(""),
	})

	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		var ev inboundEvent
		if err := conn.ReadJSON(&ev); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warnf("ws read error for %s: %v", clientID, err)
			}
			break
		}
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		s.dispatchEvent(ctx, player, clientID, &ev)
	}

	cancel()
	conn.Close()
	s.log.Infof("client disconnected: %s", clientID)
	s.handleDisconnect(clientID)
}

// wsWriter is the single writer for a connection: it drains the
// player's event queue and keeps the connection alive with pings.
func (s *Server) wsWriter(ctx context.Context, conn *websocket.Conn, notifs <-chan arcade.Event) {
	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-notifs:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				s.log.Debugf("ws write failed: %v", err)
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) dispatchEvent(ctx context.Context, player *arcade.Player, clientID zkidentity.ShortID, ev *inboundEvent) {
	switch ev.Type {
	case arcade.EvCreateLobby:
		var p createLobbyPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			s.notifyError(player, arcade.EvJoinError, "malformed create-lobby payload")
			return
		}
		s.wsCreateLobby(player, clientID, &p)

	case arcade.EvJoinLobby:
		var p joinLobbyPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			s.notifyError(player, arcade.EvJoinError, "malformed join-lobby payload")
			return
		}
		s.wsJoinLobby(ctx, player, clientID, &p)

	case arcade.EvLeaveLobby:
		var p leaveLobbyPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return
		}
		s.wsLeaveLobby(player, clientID, p.LobbyID)

	case arcade.EvGetLobbies:
		var p getLobbiesPayload
		if len(ev.Payload) > 0 {
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				return
			}
		}
		gt := arcade.GameType(p.GameType)
		if gt != "" && !gt.Valid() {
			s.notifyError(player, arcade.EvJoinError, "invalid game type")
			return
		}
		player.EnqueueNotif(arcade.Event{
			Type:    arcade.EvLobbiesUpdated,
			Payload: s.registry.ListWaiting(gt),
		})

	case arcade.EvGameMove:
		var p gameMovePayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return
		}
		s.wsGameMove(clientID, &p)

	case arcade.EvGameOver:
		var p gameOverPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return
		}
		s.wsGameOver(clientID, &p)

	default:
		s.log.Debugf("unknown event type %q from %s", ev.Type, clientID)
	}
}

func (s *Server) notifyError(player *arcade.Player, t arcade.EventType, msg string) {
	player.EnqueueNotif(arcade.Event{
		Type:    t,
		Payload: map[string]string{"error": msg},
	})
}

func (s *Server) wsCreateLobby(player *arcade.Player, clientID zkidentity.ShortID, p *createLobbyPayload) {
	name := p.HostName
	if name == "" {
		name = player.Nick
	}
	if p.BetAtoms > 0 && p.BetAtoms < s.minBetAtoms {
		s.notifyError(player, arcade.EvJoinError, "bet amount below server minimum")
		return
	}
	host := arcade.Participant{ID: clientID, Name: name, PayoutAddress: p.PayoutAddress}
	lobby, err := s.registry.CreateLobby(arcade.GameType(p.GameType), host, p.BetAtoms)
	if err != nil {
		s.notifyError(player, arcade.EvJoinError, err.Error())
		return
	}
	player.LobbyID = lobby.ID
	player.EnqueueNotif(arcade.Event{Type: arcade.EvLobbyCreated, Payload: lobby.Marshal()})
}

func (s *Server) wsJoinLobby(ctx context.Context, player *arcade.Player, clientID zkidentity.ShortID, p *joinLobbyPayload) {
	name := p.GuestName
	if name == "" {
		name = player.Nick
	}
	guest := arcade.Participant{ID: clientID, Name: name, PayoutAddress: p.PayoutAddress}
	lobby, err := s.registry.JoinLobby(p.LobbyID, guest)
	if err != nil {
		s.notifyError(player, arcade.EvJoinError, err.Error())
		return
	}
	player.LobbyID = lobby.ID

	snap := lobby.Marshal()
	player.EnqueueNotif(arcade.Event{Type: arcade.EvLobbyJoined, Payload: snap})
	if host := s.playerSessions.GetPlayer(lobby.Host.ID); host != nil {
		host.EnqueueNotif(arcade.Event{Type: arcade.EvLobbyJoined, Payload: snap})
	}

	if err := s.startMatch(ctx, lobby); err != nil {
		s.log.Errorf("failed to start match for lobby %s: %v", lobby.ID, err)
		s.notifyError(player, arcade.EvJoinError, "failed to start game")
	}
}

func (s *Server) wsLeaveLobby(player *arcade.Player, clientID zkidentity.ShortID, lobbyID string) {
	res, lobby := s.registry.LeaveLobby(lobbyID, clientID)
	player.LobbyID = ""
	switch res {
	case arcade.LeaveClosed:
		s.notifyLobbyClosed(lobby)
	case arcade.LeaveReopened:
		s.notifyLobbyLeft(lobby, clientID)
		player.EnqueueNotif(arcade.Event{Type: arcade.EvLobbyLeft, Payload: lobby.Marshal()})
	}
}

func (s *Server) wsGameMove(clientID zkidentity.ShortID, p *gameMovePayload) {
	gs := s.sessions.GetByPlayer(clientID)
	if gs == nil || gs.LobbyID != p.LobbyID {
		return
	}
	if err := gs.RelayMove(clientID, p.Data); err != nil {
		s.log.Debugf("move from %s rejected: %v", clientID, err)
	}
}

// wsGameOver handles a winner claim from a participant: the session
// validates the claim, then wagered games run the verify-and-settle
// path. Settlement runs on the server context so an immediate
// disconnect cannot cancel the payout.
func (s *Server) wsGameOver(clientID zkidentity.ShortID, p *gameOverPayload) {
	gs := s.sessions.GetByPlayer(clientID)
	if gs == nil || (p.GameID != "" && gs.ID != p.GameID) {
		return
	}

	var winnerID zkidentity.ShortID
	if err := winnerID.FromString(p.WinnerID); err != nil {
		s.log.Debugf("bad winner id in game-over from %s: %v", clientID, err)
		return
	}
	if err := gs.DeclareWinner(winnerID); err != nil {
		if !errors.Is(err, arcade.ErrSessionFinished) {
			s.log.Warnf("winner claim for game %s rejected: %v", gs.ID, err)
		}
		return
	}

	if !gs.Wagered {
		s.finishSession(gs, &escrow.SettleResult{Winner: p.WinnerID})
		return
	}

	lobby := s.registry.Get(gs.LobbyID)
	if lobby == nil {
		s.log.Errorf("game %s has no lobby %s", gs.ID, gs.LobbyID)
		return
	}
	winnerAddr := s.partyForLobbyPlayer(lobby, winnerID)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if _, err := s.settleGame(ctx, gs.ID, winnerAddr, p.Evidence); err != nil {
		s.log.Errorf("settlement failed for game %s: %v", gs.ID, err)
	}
}
