// Package main is the entry point for the position cycling engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kyj1435/perpdex-cycler/internal/alerting"
	"github.com/kyj1435/perpdex-cycler/internal/config"
	"github.com/kyj1435/perpdex-cycler/internal/correlation"
	"github.com/kyj1435/perpdex-cycler/internal/cycle"
	"github.com/kyj1435/perpdex-cycler/internal/metrics"
	"github.com/kyj1435/perpdex-cycler/internal/monitor"
	"github.com/kyj1435/perpdex-cycler/internal/orchestrator"
	"github.com/kyj1435/perpdex-cycler/internal/persistence"
	"github.com/kyj1435/perpdex-cycler/internal/selector"
	"github.com/kyj1435/perpdex-cycler/internal/sim"
	"github.com/kyj1435/perpdex-cycler/internal/venue"
	"github.com/kyj1435/perpdex-cycler/internal/venue/paper"
	"github.com/kyj1435/perpdex-cycler/internal/venue/rest"
)

// Version information (set by build flags).
var (
	Version   = "0.2.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version", "-v", "--version":
		cmdVersion()
	case "help", "-h", "--help":
		printUsage()
	case "run":
		cmdRun(os.Args[2:])
	case "simulate":
		cmdSimulate(os.Args[2:])
	case "validate":
		cmdValidate(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Perpdex Cycler - Delta-Neutral Multi-Venue Position Cycling

Usage:
  cycler <command> [options]

Commands:
  run        Start the cycling engine
  simulate   Run the engine against paper venues with compressed timers
  validate   Validate configuration file
  version    Show version information
  help       Show this help message

Examples:
  cycler run --config config.yaml
  cycler simulate --venues 4 --cycles 3
  cycler validate --config config.yaml

Use "cycler <command> --help" for more information about a command.`)
}

func cmdVersion() {
	fmt.Printf("cycler version %s\n", Version)
	fmt.Printf("  Build time: %s\n", BuildTime)
	fmt.Printf("  Git commit: %s\n", GitCommit)
}

func cmdValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Configuration is valid!")
	fmt.Printf("  Venues: %d\n", len(cfg.Venues))
	for _, v := range cfg.Venues {
		fmt.Printf("    %s (%s)\n", v.Name, v.Type)
	}
	fmt.Printf("  Exposure per side: $%.2f\n", cfg.Selection.ExposurePerSide)
	fmt.Printf("  Neutrality epsilon: %.4f\n", cfg.Selection.Epsilon)
	fmt.Printf("  Profit threshold: $%.4f\n", cfg.Monitor.ProfitThreshold)
	fmt.Printf("  Cooldown: %s\n", cfg.Cooldown())
}

func cmdSimulate(args []string) {
	fs := flag.NewFlagSet("simulate", flag.ExitOnError)
	venues := fs.Int("venues", 4, "Number of paper venues")
	cycles := fs.Int("cycles", 3, "Cycles to run")
	seed := fs.Int64("seed", 1, "Random seed for venue partitioning")
	verbose := fs.Bool("verbose", false, "Verbose output")
	fs.Parse(args)

	logLevel := slog.LevelWarn
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	simCfg := sim.DefaultConfig()
	simCfg.Venues = *venues
	simCfg.Cycles = *cycles
	simCfg.Seed = *seed

	runner := sim.New(simCfg, logger)
	report, err := runner.Run(context.Background())
	if err != nil {
		slog.Error("simulation failed", "err", err)
		os.Exit(1)
	}

	fmt.Println(report.String())
}

func cmdRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	fs.Parse(args)

	// Structured logging for the long-running engine
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("cycler starting",
		"version", Version,
		"venues", len(cfg.Venues),
		"exposure_per_side", cfg.Selection.ExposurePerSide,
	)

	if err := run(ctx, cfg, logger); err != nil && ctx.Err() == nil {
		slog.Error("cycler failed", "err", err)
		os.Exit(1)
	}

	slog.Info("cycler shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	// Venue gateways
	gateways, err := buildGateways(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		for _, gw := range gateways {
			_ = gw.Close()
		}
	}()

	// Persistence
	var repo persistence.Repository
	if cfg.Persistence.Enabled {
		sqlRepo, err := persistence.NewSQLiteRepository(cfg.Persistence.Path)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer func() { _ = sqlRepo.Close() }()
		repo = sqlRepo
	}

	// Alerting
	alerter := buildAlerter(cfg, logger)

	// Metrics server
	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(cfg.ToMetricsServerConfig(), logger)
		for name, gw := range gateways {
			srv.RegisterChecker("venue_"+name, venueChecker(gw))
		}
		if err := srv.Start(); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Stop(shutdownCtx)
		}()
	}

	// Engine components
	corr := correlation.NewSampledSource(cfg.ToCorrelationConfig(), gateways, logger)
	sel := selector.New(cfg.ToSelectorConfig(), gateways, corr, nil, logger)
	orch := orchestrator.New(cfg.ToOrchestratorConfig(), gateways, logger)
	mon := monitor.New(cfg.ToMonitorConfig(), gateways, logger)

	machine := cycle.New(cfg.ToCycleConfig(), sel, orch, mon, gateways, repo, alerter, logger)
	return machine.Run(ctx)
}

func buildGateways(ctx context.Context, cfg *config.Config, logger *slog.Logger) (map[string]venue.Gateway, error) {
	gateways := make(map[string]venue.Gateway, len(cfg.Venues))
	for _, vc := range cfg.Venues {
		var gw venue.Gateway
		switch vc.Type {
		case "paper":
			pCfg := paper.DefaultConfig(vc.Name)
			pCfg.InitialEquity = decimal.NewFromFloat(vc.InitialEquity)
			if vc.SlippageBps > 0 {
				pCfg.SlippageBps = decimal.NewFromFloat(vc.SlippageBps)
			}
			if vc.FeeBps > 0 {
				pCfg.FeeBps = decimal.NewFromFloat(vc.FeeBps)
			}
			gw = paper.New(pCfg, logger)
		case "rest":
			rCfg := rest.DefaultConfig(vc.Name, vc.BaseURL)
			if vc.RatePerSecond > 0 {
				rCfg.RequestsPerSecond = int(vc.RatePerSecond)
			}
			signer := rest.NewHMACSigner(vc.APIKey, vc.APISecret)
			gw = rest.New(rCfg, signer, logger)
		default:
			return nil, fmt.Errorf("unknown venue type %q for %s", vc.Type, vc.Name)
		}

		if err := gw.Initialize(ctx); err != nil {
			return nil, fmt.Errorf("initialize venue %s: %w", vc.Name, err)
		}
		gateways[vc.Name] = gw
	}
	return gateways, nil
}

func buildAlerter(cfg *config.Config, logger *slog.Logger) alerting.Alerter {
	if !cfg.Alerting.Enabled {
		return nil
	}
	multi := alerting.NewMultiAlerter(logger)
	for _, ch := range cfg.Alerting.Channels {
		switch ch.Type {
		case "console":
			multi.AddAlerter(alerting.NewConsoleAlerter(logger))
		case "telegram":
			multi.AddAlerter(alerting.NewTelegramAlerter(alerting.TelegramConfig{
				BotToken: ch.BotToken,
				ChatID:   ch.ChatID,
			}))
		}
	}
	return multi
}

func venueChecker(gw venue.Gateway) metrics.HealthChecker {
	return func() metrics.Check {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if _, err := gw.GetBalances(ctx); err != nil {
			return metrics.Check{Status: "down", Message: err.Error()}
		}
		return metrics.Check{Status: "ok"}
	}
}
