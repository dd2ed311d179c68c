package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/companyzero/bisonrelay/clientrpc/types"
	"github.com/companyzero/bisonrelay/zkidentity"
	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/dcrd/rpcclient/v8"
	"github.com/decred/slog"
	"github.com/gorilla/websocket"
	"github.com/vctt94/bisonbotkit/logging"

	"github.com/vctt94/arcadebisonrelay/arcade"
	"github.com/vctt94/arcadebisonrelay/escrow"
	"github.com/vctt94/arcadebisonrelay/ledger"
	"github.com/vctt94/arcadebisonrelay/server/serverdb"
)

const defaultFundingTimeout = 5 * time.Minute

// BotInterface defines the methods needed by the server.
type BotInterface interface {
	Run(ctx context.Context) error
	AckTipProgress(ctx context.Context, sequenceId uint64) error
	AckTipReceived(ctx context.Context, sequenceId uint64) error
	PayTip(ctx context.Context, recipient zkidentity.ShortID, amount dcrutil.Amount, priority int32) error
}

type ServerConfig struct {
	ServerDir string

	Bot BotInterface

	MinBetAtoms    int64
	IsF2P          bool
	FeePercent     int64
	FundingTimeout time.Duration
	DebugLevel     string
	PaymentClient  types.PaymentsServiceClient
	HTTPPort       string
	LogBackend     *logging.LogBackend

	// dcrwallet RPC connectivity; when set, payouts go on-chain through
	// the wallet ledger instead of bot tips.
	WalletHostPort    string
	WalletRPCCertPath string
	WalletRPCUser     string
	WalletRPCPass     string
	RequiredConfs     int64
}

type Server struct {
	sync.RWMutex

	bot            BotInterface
	log            slog.Logger
	isF2P          bool
	minBetAtoms    int64
	fundingTimeout time.Duration

	users          map[zkidentity.ShortID]*arcade.Player
	playerSessions *arcade.PlayerSessions
	registry       *arcade.LobbyRegistry
	sessions       *arcade.SessionManager

	engine    *escrow.Engine
	tipLedger *ledger.TipLedger // nil in wallet mode
	wallet    *rpcclient.Client // nil in tip mode

	paymentClient types.PaymentsServiceClient
	db            serverdb.ServerDB
	httpServer    *http.Server
	upgrader      websocket.Upgrader

	// settling maps game id -> channel closed when the in-flight
	// settlement resolves. Disconnect effects for a participant wait on
	// this so settlement always runs to completion first.
	settlingMu sync.Mutex
	settling   map[string]chan struct{}

	appdata string
}

func NewServer(id *zkidentity.ShortID, cfg ServerConfig) (*Server, error) {
	if cfg.LogBackend == nil {
		return nil, fmt.Errorf("log backend is nil")
	}
	if cfg.Bot == nil {
		return nil, fmt.Errorf("bot is nil")
	}

	dbPath := filepath.Join(cfg.ServerDir, "server.db")
	db, err := serverdb.NewBoltDB(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	log := cfg.LogBackend.Logger("SRV")

	fundingTimeout := cfg.FundingTimeout
	if fundingTimeout <= 0 {
		fundingTimeout = defaultFundingTimeout
	}

	s := &Server{
		appdata:        cfg.ServerDir,
		bot:            cfg.Bot,
		log:            log,
		isF2P:          cfg.IsF2P,
		minBetAtoms:    cfg.MinBetAtoms,
		fundingTimeout: fundingTimeout,
		users:          make(map[zkidentity.ShortID]*arcade.Player),
		playerSessions: arcade.NewPlayerSessions(),
		registry:       arcade.NewLobbyRegistry(cfg.LogBackend.Logger("LOBBY")),
		sessions:       arcade.NewSessionManager(cfg.LogBackend.Logger("GAME")),
		paymentClient:  cfg.PaymentClient,
		db:             db,
		settling:       make(map[string]chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	// Select the payout ledger. No fallbacks on partial wallet config.
	var ldg escrow.LedgerClient
	if cfg.WalletHostPort != "" || cfg.WalletRPCUser != "" || cfg.WalletRPCPass != "" || cfg.WalletRPCCertPath != "" {
		if cfg.WalletHostPort == "" || cfg.WalletRPCUser == "" || cfg.WalletRPCPass == "" || cfg.WalletRPCCertPath == "" {
			return nil, fmt.Errorf("incomplete dcrwallet config: host=%q user=%q pass_set=%t cert=%q",
				cfg.WalletHostPort, cfg.WalletRPCUser, cfg.WalletRPCPass != "", cfg.WalletRPCCertPath)
		}
		b, err := os.ReadFile(cfg.WalletRPCCertPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read wallet rpc cert at %s: %w", cfg.WalletRPCCertPath, err)
		}
		connCfg := &rpcclient.ConnConfig{
			Host:         cfg.WalletHostPort,
			User:         cfg.WalletRPCUser,
			Pass:         cfg.WalletRPCPass,
			Endpoint:     "ws",
			Certificates: b,
		}
		c, err := rpcclient.New(connCfg, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create dcrwallet rpc client: %w", err)
		}
		s.wallet = c
		ldg = ledger.NewWalletLedger(c, cfg.LogBackend.Logger("WLT"), cfg.RequiredConfs)
		s.log.Infof("payouts via dcrwallet at %s", cfg.WalletHostPort)
	} else {
		s.tipLedger = ledger.NewTipLedger(cfg.Bot, cfg.LogBackend.Logger("TIP"))
		ldg = s.tipLedger
		s.log.Infof("payouts via BisonRelay tips")
	}

	engine, err := escrow.NewEngine(cfg.FeePercent, ldg, db, cfg.LogBackend.Logger("ESCROW"))
	if err != nil {
		return nil, fmt.Errorf("failed to create settlement engine: %w", err)
	}
	s.engine = engine

	s.registry.OnWaitingListChanged = s.broadcastWaitingList

	if cfg.HTTPPort != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/ws", s.handleWS)
		mux.HandleFunc("/lobbies", s.handleListLobbies)
		mux.HandleFunc("/lobbies/create", s.handleCreateLobby)
		mux.HandleFunc("/lobbies/join", s.handleJoinLobby)
		mux.HandleFunc("/lobbies/leave", s.handleLeaveLobby)
		mux.HandleFunc("/payout", s.handlePayout)
		mux.HandleFunc("/escrow", s.handleFetchEscrow)
		s.httpServer = &http.Server{
			Addr:    fmt.Sprintf(":%s", cfg.HTTPPort),
			Handler: mux,
		}
		go func() {
			s.log.Infof("Starting HTTP server on port %s", cfg.HTTPPort)
			if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.log.Errorf("HTTP server error: %v", err)
			}
		}()
	}

	return s, nil
}

func (s *Server) Run(ctx context.Context) error {
	go s.bot.Run(ctx)

	if s.paymentClient != nil {
		go s.runTipStream(ctx)
		if s.tipLedger != nil {
			go s.runTipProgress(ctx)
		}
	}

	<-ctx.Done()

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(sctx); err != nil {
		s.log.Errorf("Error during server shutdown: %v", err)
	}
	return nil
}

// runTipStream consumes received tips and applies them as wager funding
// for whichever funding-state session the sender occupies.
func (s *Server) runTipStream(ctx context.Context) {
	for {
		stream, err := s.paymentClient.TipStream(ctx, &types.TipStreamRequest{UnackedFrom: 0})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Warnf("tip stream unavailable, retrying: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}
		for {
			tip := new(types.ReceivedTip)
			err := stream.Recv(tip)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.log.Warnf("tip stream recv failed: %v", err)
				break
			}
			s.handleReceivedTip(ctx, tip)
		}
	}
}

func (s *Server) handleReceivedTip(ctx context.Context, tip *types.ReceivedTip) {
	var uid zkidentity.ShortID
	copy(uid[:], tip.Uid)
	atoms := tip.AmountMatoms / 1000

	defer func() {
		if err := s.bot.AckTipReceived(ctx, tip.SequenceId); err != nil {
			s.log.Warnf("failed to ack tip %d: %v", tip.SequenceId, err)
		}
	}()

	gs := s.sessions.GetByPlayer(uid)
	if gs == nil || !gs.Wagered || gs.CurrentState() != arcade.SessionFunding {
		s.log.Debugf("tip from %s (%s) has no funding session; ignored", uid, dcrutil.Amount(atoms))
		return
	}

	lobby := s.registry.Get(gs.LobbyID)
	if lobby == nil {
		return
	}
	if atoms < lobby.BetAtoms {
		s.log.Warnf("tip from %s below bet amount (%s < %s); ignored",
			uid, dcrutil.Amount(atoms), dcrutil.Amount(lobby.BetAtoms))
		return
	}

	err := s.db.StoreFundingTip(ctx, &serverdb.FundingTip{
		SequenceID:   tip.SequenceId,
		UID:          tip.Uid,
		GameID:       gs.ID,
		AmountMatoms: tip.AmountMatoms,
		ReceivedAt:   time.Now(),
	})
	if errors.Is(err, serverdb.ErrDuplicateEntry) {
		return
	}
	if err != nil {
		s.log.Errorf("failed to store funding tip %d: %v", tip.SequenceId, err)
		return
	}

	participant := s.partyForLobbyPlayer(lobby, uid)
	if err := s.engine.ConfirmFunding(ctx, gs.ID, participant); err != nil {
		s.log.Errorf("failed to confirm funding for game %s: %v", gs.ID, err)
		return
	}
	if s.tipLedger != nil {
		s.tipLedger.Credit(dcrutil.Amount(atoms))
	}
	s.log.Infof("funding received: game=%s from=%s amount=%s", gs.ID, uid, dcrutil.Amount(atoms))
}

// runTipProgress feeds payout confirmations into the tip ledger.
func (s *Server) runTipProgress(ctx context.Context) {
	for {
		stream, err := s.paymentClient.TipProgress(ctx, &types.TipProgressRequest{UnackedFrom: 0})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Warnf("tip progress stream unavailable, retrying: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}
		for {
			ev := new(types.TipProgressEvent)
			err := stream.Recv(ev)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.log.Warnf("tip progress recv failed: %v", err)
				break
			}
			s.tipLedger.HandleTipProgress(ev.Uid, ev.AmountMatoms, ev.Completed, "")
			if err := s.bot.AckTipProgress(ctx, ev.SequenceId); err != nil {
				s.log.Warnf("failed to ack tip progress %d: %v", ev.SequenceId, err)
			}
		}
	}
}

// partyForLobbyPlayer returns the escrow party identity for a lobby
// participant: the registered payout address when present, otherwise
// the stable client id.
func (s *Server) partyForLobbyPlayer(lobby *arcade.Lobby, clientID zkidentity.ShortID) string {
	lobby.RLock()
	defer lobby.RUnlock()
	if lobby.Host.ID == clientID {
		return partyAddress(lobby.Host)
	}
	if lobby.Guest != nil && lobby.Guest.ID == clientID {
		return partyAddress(*lobby.Guest)
	}
	return clientID.String()
}

func partyAddress(p arcade.Participant) string {
	if p.PayoutAddress != "" {
		return p.PayoutAddress
	}
	return p.ID.String()
}

func escrowParty(p arcade.Participant) escrow.Party {
	return escrow.Party{Address: partyAddress(p), Name: p.Name}
}

// startMatch creates the game session for a freshly joined lobby and,
// for wagered lobbies, initiates escrow and waits for funding.
func (s *Server) startMatch(ctx context.Context, lobby *arcade.Lobby) error {
	lobby.RLock()
	host := lobby.Host
	guest := lobby.Guest
	betAtoms := lobby.BetAtoms
	lobby.RUnlock()
	if guest == nil {
		return fmt.Errorf("lobby %s has no guest", lobby.ID)
	}

	hostPlayer := s.playerSessions.CreateSession(host.ID)
	hostPlayer.Nick = host.Name
	guestPlayer := s.playerSessions.CreateSession(guest.ID)
	guestPlayer.Nick = guest.Name

	wagered := betAtoms > 0 && !s.isF2P
	// The session outlives the request that created it; its context is
	// tied to the server, not the joining connection.
	gs, err := s.sessions.StartSession(context.Background(), lobby, hostPlayer, guestPlayer, wagered)
	if err != nil {
		return err
	}
	s.registry.SetPlayingGame(lobby.ID, gs.ID)

	if !wagered {
		s.notifySessionStart(gs)
		return nil
	}

	if _, err := s.engine.InitiateGame(ctx, gs.ID, escrowParty(host), escrowParty(*guest), betAtoms); err != nil {
		s.sessions.Remove(gs.ID)
		return fmt.Errorf("failed to initiate wager for lobby %s: %w", lobby.ID, err)
	}
	go s.manageFunding(gs)
	return nil
}

// manageFunding polls escrow readiness until both sides fund or the
// configured funding timeout expires, at which point the session is
// abandoned.
func (s *Server) manageFunding(gs *arcade.GameSession) {
	deadline := time.NewTimer(s.fundingTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-gs.Ctx.Done():
			return

		case <-deadline.C:
			s.log.Infof("funding timed out for game %s; abandoning", gs.ID)
			s.abandonSession(gs, "wager funding timed out")
			return

		case <-ticker.C:
			ready, err := s.engine.IsReady(gs.ID)
			if err != nil {
				s.log.Errorf("funding check for game %s: %v", gs.ID, err)
				return
			}
			if ready {
				gs.SetPlaying()
				s.notifySessionStart(gs)
				return
			}
		}
	}
}

func (s *Server) notifySessionStart(gs *arcade.GameSession) {
	for _, p := range gs.Players {
		if p == nil {
			continue
		}
		p.EnqueueNotif(arcade.Event{
			Type: arcade.EvGameStart,
			Payload: map[string]string{
				"gameId":  gs.ID,
				"lobbyId": gs.LobbyID,
			},
		})
	}
	s.log.Infof("game %s started (lobby %s)", gs.ID, gs.LobbyID)
}

// teardownSession ends a session without settlement and tells both
// participants why. Already-escrowed funds stay on the operator ledger
// for out-of-band refund handling.
func (s *Server) teardownSession(gs *arcade.GameSession, reason string) {
	gs.Finish()
	for _, p := range gs.Players {
		if p == nil {
			continue
		}
		p.EnqueueNotif(arcade.Event{
			Type:    arcade.EvGameEnd,
			Payload: &arcade.GameEndPayload{GameID: gs.ID, Message: reason},
		})
	}
	s.sessions.Remove(gs.ID)
}

// abandonSession handles a wager that never reached play: the session
// ends and its lobby closes entirely.
func (s *Server) abandonSession(gs *arcade.GameSession, reason string) {
	s.teardownSession(gs, reason)
	if lobby := s.registry.Get(gs.LobbyID); lobby != nil {
		res, _ := s.registry.LeaveLobby(gs.LobbyID, lobby.Host.ID)
		if res == arcade.LeaveClosed {
			s.notifyLobbyClosed(lobby)
		}
	}
}

// settleGame runs the verify-then-settle path for a declared winner and
// returns the settlement outcome. It is shared by the realtime
// game-over event and the HTTP payout endpoint.
func (s *Server) settleGame(ctx context.Context, gameID, winner, evidence string) (*escrow.SettleResult, error) {
	if err := s.engine.VerifyResult(ctx, gameID, winner, evidence); err != nil {
		return nil, err
	}

	s.markSettling(gameID)
	defer s.doneSettling(gameID)

	res, err := s.engine.Settle(ctx, gameID)
	if err != nil {
		return nil, err
	}

	if gs := s.sessions.Get(gameID); gs != nil {
		s.finishSession(gs, res)
	}
	return res, nil
}

func (s *Server) finishSession(gs *arcade.GameSession, res *escrow.SettleResult) {
	payload := &arcade.GameEndPayload{
		GameID:  gs.ID,
		Message: "Game over",
	}
	if res != nil {
		payload.WinnerID = res.Winner
		payload.PayoutAtoms = res.PayoutAtoms
		payload.FeeAtoms = res.FeeAtoms
		payload.PayoutTxHash = res.PayoutTxHash
	}
	for _, p := range gs.Players {
		if p == nil {
			continue
		}
		p.EnqueueNotif(arcade.Event{Type: arcade.EvGameEnd, Payload: payload})
	}
	gs.Finish()
	s.sessions.Remove(gs.ID)
	s.registry.SetFinished(gs.LobbyID)
}

func (s *Server) markSettling(gameID string) {
	s.settlingMu.Lock()
	if _, ok := s.settling[gameID]; !ok {
		s.settling[gameID] = make(chan struct{})
	}
	s.settlingMu.Unlock()
}

func (s *Server) doneSettling(gameID string) {
	s.settlingMu.Lock()
	if ch, ok := s.settling[gameID]; ok {
		close(ch)
		delete(s.settling, gameID)
	}
	s.settlingMu.Unlock()
}

func (s *Server) settlingDone(gameID string) chan struct{} {
	s.settlingMu.Lock()
	defer s.settlingMu.Unlock()
	return s.settling[gameID]
}

// handleDisconnect applies a participant's disconnect effects. If a
// settlement involving the participant is in flight it runs to
// completion (or explicit failure) first; only afterward are the
// lobby-side effects applied.
func (s *Server) handleDisconnect(clientID zkidentity.ShortID) {
	if gs := s.sessions.GetByPlayer(clientID); gs != nil {
		if ch := s.settlingDone(gs.ID); ch != nil {
			s.log.Debugf("deferring disconnect of %s until settlement of %s resolves", clientID, gs.ID)
			go func() {
				<-ch
				s.applyDisconnect(clientID)
			}()
			return
		}
	}
	s.applyDisconnect(clientID)
}

func (s *Server) applyDisconnect(clientID zkidentity.ShortID) {
	s.Lock()
	delete(s.users, clientID)
	s.Unlock()

	if player := s.playerSessions.GetPlayer(clientID); player != nil {
		player.DetachNotifier()
		s.playerSessions.RemovePlayer(clientID)
	}

	// End any live session the participant was part of; the registry
	// sweep below applies the per-role lobby effects.
	if gs := s.sessions.GetByPlayer(clientID); gs != nil && gs.CurrentState() != arcade.SessionFinished {
		s.teardownSession(gs, "opponent disconnected")
	}

	// These can safely be called multiple times.
	effects := s.registry.HandleDisconnect(clientID)
	for _, eff := range effects {
		switch eff.Result {
		case arcade.LeaveClosed:
			s.notifyLobbyClosed(eff.Lobby)
		case arcade.LeaveReopened:
			s.notifyLobbyLeft(eff.Lobby, clientID)
		}
	}
}

func (s *Server) notifyLobbyClosed(lobby *arcade.Lobby) {
	snap := lobby.Marshal()
	for _, pid := range []string{snap.HostID, snap.GuestID} {
		if pid == "" {
			continue
		}
		var id zkidentity.ShortID
		if err := id.FromString(pid); err != nil {
			continue
		}
		if p := s.playerSessions.GetPlayer(id); p != nil {
			p.EnqueueNotif(arcade.Event{Type: arcade.EvLobbyClosed, Payload: snap})
		}
	}
}

func (s *Server) notifyLobbyLeft(lobby *arcade.Lobby, leaver zkidentity.ShortID) {
	snap := lobby.Marshal()
	var hostID zkidentity.ShortID
	if err := hostID.FromString(snap.HostID); err == nil {
		if p := s.playerSessions.GetPlayer(hostID); p != nil {
			p.EnqueueNotif(arcade.Event{Type: arcade.EvLobbyLeft, Payload: snap})
		}
	}
}

// broadcastWaitingList pushes the waiting-list snapshot to every
// connected user. Wired as the registry's change callback.
func (s *Server) broadcastWaitingList(waiting []*arcade.LobbySnapshot) {
	s.RLock()
	users := make([]*arcade.Player, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, u)
	}
	s.RUnlock()
	for _, u := range users {
		u.EnqueueNotif(arcade.Event{Type: arcade.EvLobbiesUpdated, Payload: waiting})
	}
}

// Shutdown forcefully shuts down the server: HTTP listener, live
// sessions, player queues, then the database last.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		s.log.Info("Shutting down HTTP server...")
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.Errorf("Error shutting down HTTP server: %v", err)
		}
	}

	s.log.Info("Terminating all active sessions...")
	for id, gs := range s.sessions.Sessions() {
		s.log.Debugf("Forcefully terminating game: %s", id)
		gs.Finish()
		s.sessions.Remove(id)
	}

	s.Lock()
	for _, u := range s.users {
		u.DetachNotifier()
	}
	s.users = make(map[zkidentity.ShortID]*arcade.Player)
	s.Unlock()

	if s.wallet != nil {
		s.wallet.Shutdown()
	}

	s.log.Info("Closing database...")
	if err := s.db.Close(); err != nil {
		s.log.Errorf("Error closing database: %v", err)
	}

	s.log.Info("Server shut down completed.")
	return nil
}
