package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/companyzero/bisonrelay/zkidentity"

	"github.com/vctt94/arcadebisonrelay/arcade"
	"github.com/vctt94/arcadebisonrelay/escrow"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   msg,
	})
}

// --- lobby handlers ---

func (s *Server) handleListLobbies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	gt := arcade.GameType(r.URL.Query().Get("gameType"))
	if gt != "" && !gt.Valid() {
		writeError(w, http.StatusBadRequest, "invalid game type")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"lobbies": s.registry.ListWaiting(gt),
	})
}

func (s *Server) handleCreateLobby(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		GameType      string `json:"gameType"`
		HostID        string `json:"hostId"`
		HostName      string `json:"hostName"`
		BetAtoms      int64  `json:"betAtoms"`
		PayoutAddress string `json:"payoutAddress,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	var hostID zkidentity.ShortID
	if err := hostID.FromString(req.HostID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid hostId")
		return
	}
	if req.BetAtoms > 0 && req.BetAtoms < s.minBetAtoms {
		writeError(w, http.StatusBadRequest, "bet amount below server minimum")
		return
	}

	host := arcade.Participant{ID: hostID, Name: req.HostName, PayoutAddress: req.PayoutAddress}
	lobby, err := s.registry.CreateLobby(arcade.GameType(req.GameType), host, req.BetAtoms)
	if err != nil {
		switch {
		case errors.Is(err, arcade.ErrInvalidGameType):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, arcade.ErrAlreadyInLobby):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"lobby":   lobby.Marshal(),
	})
}

func (s *Server) handleJoinLobby(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		LobbyID       string `json:"lobbyId"`
		PlayerID      string `json:"playerId"`
		PlayerName    string `json:"playerName"`
		PayoutAddress string `json:"payoutAddress,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	var guestID zkidentity.ShortID
	if err := guestID.FromString(req.PlayerID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid playerId")
		return
	}

	guest := arcade.Participant{ID: guestID, Name: req.PlayerName, PayoutAddress: req.PayoutAddress}
	lobby, err := s.registry.JoinLobby(req.LobbyID, guest)
	if err != nil {
		switch {
		case errors.Is(err, arcade.ErrLobbyNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, arcade.ErrLobbyNotAvailable):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	if err := s.startMatch(r.Context(), lobby); err != nil {
		s.log.Errorf("failed to start match for lobby %s: %v", lobby.ID, err)
		writeError(w, http.StatusInternalServerError, "failed to start game")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"lobby":   lobby.Marshal(),
	})
}

func (s *Server) handleLeaveLobby(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		LobbyID  string `json:"lobbyId"`
		PlayerID string `json:"playerId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	var playerID zkidentity.ShortID
	if err := playerID.FromString(req.PlayerID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid playerId")
		return
	}

	res, lobby := s.registry.LeaveLobby(req.LobbyID, playerID)
	switch res {
	case arcade.LeaveClosed:
		s.notifyLobbyClosed(lobby)
	case arcade.LeaveReopened:
		s.notifyLobbyLeft(lobby, playerID)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// --- settlement handlers ---

// handlePayout verifies a reported winner and settles the wager. Safe
// to retry: a game that already paid out reports the duplicate instead
// of paying twice.
func (s *Server) handlePayout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		GameID        string `json:"gameId"`
		WinnerAddress string `json:"winnerAddress"`
		WinnerName    string `json:"winnerName"`
		TotalPot      int64  `json:"totalPot,omitempty"`
		Evidence      string `json:"evidence,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.GameID == "" || req.WinnerAddress == "" {
		writeError(w, http.StatusBadRequest, "gameId and winnerAddress are required")
		return
	}

	if req.TotalPot > 0 {
		rec, err := s.engine.GetRecord(req.GameID)
		if err != nil {
			writeError(w, http.StatusNotFound, "unknown game")
			return
		}
		if rec.Pot() != req.TotalPot {
			writeError(w, http.StatusBadRequest, "totalPot does not match the recorded wager")
			return
		}
	}

	res, err := s.settleGame(r.Context(), req.GameID, req.WinnerAddress, req.Evidence)
	if err != nil {
		var insufficient *escrow.InsufficientFundsError
		switch {
		case errors.Is(err, escrow.ErrNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, escrow.ErrNotReady):
			writeError(w, http.StatusBadRequest, "wager is not fully funded")
		case errors.Is(err, escrow.ErrWinnerConflict):
			writeError(w, http.StatusConflict, "a different winner was already verified")
		case errors.Is(err, escrow.ErrAlreadySettled):
			writeError(w, http.StatusConflict, "game already settled")
		case errors.Is(err, escrow.ErrSettleInFlight):
			writeError(w, http.StatusConflict, "settlement already in progress")
		case errors.As(err, &insufficient):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusBadGateway, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":      true,
		"payoutTxHash": res.PayoutTxHash,
		"winnerPayout": res.PayoutAtoms,
		"houseFee":     res.FeeAtoms,
	})
}

func (s *Server) handleFetchEscrow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	gameID := r.URL.Query().Get("gameId")
	if gameID == "" {
		writeError(w, http.StatusBadRequest, "gameId is required")
		return
	}
	rec, err := s.engine.GetRecord(gameID)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown game")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"escrow":  rec,
	})
}
