// Package cmd holds the scrapegov CLI commands.
package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/assetforge/scrapegov/internal/clock/system"
	"github.com/assetforge/scrapegov/internal/config"
	"github.com/assetforge/scrapegov/internal/governor"
	uuidgen "github.com/assetforge/scrapegov/internal/id/uuid"
	"github.com/assetforge/scrapegov/internal/identity"
	"github.com/assetforge/scrapegov/internal/logging"
)

var cfgFile string

// app bundles the wired service components handed to subcommands.
type app struct {
	cfg      config.Config
	logger   *zap.Logger
	governor *governor.Governor
	idGen    *uuidgen.Generator
}

func newApp() (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	clk := system.New()
	rng := governor.NewRand(time.Now().UnixNano())
	idGen := uuidgen.NewUUIDGenerator()

	resolver := governor.NewPolicyResolver(cfg.GovernorSettings())
	sessions := governor.NewSessionManager(identity.NewPool(rng), idGen, clk, rng, logger)
	pacing := governor.NewPacingEngine(clk, rng, cfg.RequestPatterns.BurstProtection, logger)
	failures := governor.NewFailureMonitor(clk, cfg.FailureHandling.ExponentialBackoff, logger)
	detector := governor.NewBanDetector(cfg.EmergencyConfig(), clk, rng, logger)

	gov := governor.New(resolver, sessions, pacing, failures, detector, clk, rng, logger)

	return &app{cfg: cfg, logger: logger, governor: gov, idGen: idGen}, nil
}

func (a *app) close() {
	_ = a.logger.Sync()
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scrapegov",
		Short: "Outbound request governance for polite, ban-resistant scraping.",
		Long: `scrapegov decides whether, when, and under what identity outbound
HTTP requests may be sent. It paces requests per domain, rotates bounded
sessions, trips circuit breakers on failure streaks, and escalates when a
target starts blocking.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newFetchCmd())
	return cmd
}

// Execute runs the root command.
func Execute() error {
	return newRootCmd().Execute()
}
