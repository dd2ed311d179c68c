package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/vctt94/bisonbotkit/config"
)

type ArcadeBotConfig struct {
	*config.BotConfig // Embed the base BotConfig

	// Additional arcade-specific fields
	IsF2P          bool
	MinBetAtoms    int64
	FeePercent     int64
	FundingTimeout time.Duration
	HTTPPort       string

	// dcrwallet connectivity (optional; payouts fall back to tips)
	WalletHost    string
	WalletCert    string
	WalletUser    string
	WalletPass    string
	RequiredConfs int64
}

const (
	defaultFeePercent     = 2
	defaultFundingTimeout = 5 * time.Minute
	defaultHTTPPort       = "8080"
)

// Load config function
func LoadArcadeBotConfig(dataDir, configFile string) (*ArcadeBotConfig, error) {
	// First load the base bot config
	baseConfig, err := config.LoadBotConfig(dataDir, configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load base config: %w", err)
	}

	cfg := &ArcadeBotConfig{
		BotConfig:      baseConfig,
		FeePercent:     defaultFeePercent,
		FundingTimeout: defaultFundingTimeout,
		HTTPPort:       defaultHTTPPort,
		WalletHost:     baseConfig.ExtraConfig["dcrwallethost"],
		WalletCert:     baseConfig.ExtraConfig["dcrwalletcert"],
		WalletUser:     baseConfig.ExtraConfig["dcrwalletuser"],
		WalletPass:     baseConfig.ExtraConfig["dcrwalletpass"],
	}

	if v := baseConfig.ExtraConfig["isf2p"]; v != "" {
		cfg.IsF2P, err = strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("failed to parse isf2p: %w", err)
		}
	}
	if v := baseConfig.ExtraConfig["minbetatoms"]; v != "" {
		cfg.MinBetAtoms, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse minbetatoms: %w", err)
		}
	}
	if v := baseConfig.ExtraConfig["feepercent"]; v != "" {
		cfg.FeePercent, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse feepercent: %w", err)
		}
		if cfg.FeePercent < 0 || cfg.FeePercent > 100 {
			return nil, fmt.Errorf("feepercent out of range: %d", cfg.FeePercent)
		}
	}
	if v := baseConfig.ExtraConfig["fundingtimeoutseconds"]; v != "" {
		secs, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse fundingtimeoutseconds: %w", err)
		}
		cfg.FundingTimeout = time.Duration(secs) * time.Second
	}
	if v := baseConfig.ExtraConfig["httpport"]; v != "" {
		cfg.HTTPPort = v
	}
	if v := baseConfig.ExtraConfig["requiredconfs"]; v != "" {
		cfg.RequiredConfs, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse requiredconfs: %w", err)
		}
	}

	return cfg, nil
}
