package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/companyzero/bisonrelay/clientrpc/types"
	"github.com/companyzero/bisonrelay/zkidentity"
	"github.com/vctt94/bisonbotkit"
	"github.com/vctt94/bisonbotkit/botclient"
	"github.com/vctt94/bisonbotkit/config"
	"github.com/vctt94/bisonbotkit/logging"
	"github.com/vctt94/bisonbotkit/utils"
	"golang.org/x/sync/errgroup"

	"github.com/vctt94/arcadebisonrelay/server"
)

var (
	datadir = flag.String("datadir", "", "Directory to load config file from")
)

func realMain() error {
	flag.Parse()
	if *datadir == "" {
		*datadir = utils.AppDataDir("arcadebot", false)
	}

	cfg, err := LoadArcadeBotConfig(*datadir, "arcadebot.conf")
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	useStdout := true
	lb, err := logging.NewLogBackend(logging.LogConfig{
		LogFile:        filepath.Join(*datadir, "logs", "arcadebot.log"),
		DebugLevel:     cfg.Debug,
		MaxLogFiles:    10,
		MaxBufferLines: 1000,
		UseStdout:      &useStdout,
	})
	if err != nil {
		return fmt.Errorf("failed to init logging: %w", err)
	}
	log := lb.Logger("MAIN")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	bot, err := bisonbotkit.NewBot(cfg.BotConfig, lb)
	if err != nil {
		return fmt.Errorf("failed to create bot: %w", err)
	}

	rpcCfg, err := config.LoadClientConfig(*datadir, "arcadebot.conf")
	if err != nil {
		return fmt.Errorf("failed to load rpc client config: %w", err)
	}
	c, err := botclient.NewClient(rpcCfg, lb)
	if err != nil {
		return fmt.Errorf("failed to create rpc client: %w", err)
	}
	g.Go(func() error { return c.RPCClient.Run(gctx) })

	var publicIdentity types.PublicIdentity
	if err := c.Chat.UserPublicIdentity(gctx, &types.PublicIdentityReq{}, &publicIdentity); err != nil {
		return fmt.Errorf("failed to get public identity: %w", err)
	}
	var serverID zkidentity.ShortID
	copy(serverID[:], publicIdentity.Identity[:])
	log.Infof("arcade bot identity: %s", serverID)

	srv, err := server.NewServer(&serverID, server.ServerConfig{
		ServerDir:         *datadir,
		Bot:               bot,
		MinBetAtoms:       cfg.MinBetAtoms,
		IsF2P:             cfg.IsF2P,
		FeePercent:        cfg.FeePercent,
		FundingTimeout:    cfg.FundingTimeout,
		DebugLevel:        cfg.Debug,
		PaymentClient:     types.NewPaymentsServiceClient(c.RPCClient),
		HTTPPort:          cfg.HTTPPort,
		LogBackend:        lb,
		WalletHostPort:    cfg.WalletHost,
		WalletRPCCertPath: cfg.WalletCert,
		WalletRPCUser:     cfg.WalletUser,
		WalletRPCPass:     cfg.WalletPass,
		RequiredConfs:     cfg.RequiredConfs,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	g.Go(func() error { return srv.Run(gctx) })

	return g.Wait()
}

func main() {
	if err := realMain(); err != nil && err != context.Canceled {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
