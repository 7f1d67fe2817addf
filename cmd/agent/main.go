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

	"github.com/kalshi-agent/trading-assistant/internal/agent"
	"github.com/kalshi-agent/trading-assistant/internal/config"
	"github.com/kalshi-agent/trading-assistant/internal/execution"
	"github.com/kalshi-agent/trading-assistant/internal/fillmonitor"
	"github.com/kalshi-agent/trading-assistant/internal/journal"
	"github.com/kalshi-agent/trading-assistant/internal/kalshi"
	"github.com/kalshi-agent/trading-assistant/internal/ratelimit"
	"github.com/kalshi-agent/trading-assistant/internal/session"
	"github.com/kalshi-agent/trading-assistant/internal/venue"
	"github.com/kalshi-agent/trading-assistant/internal/venue2"
)

func main() {
	dryRun := flag.Bool("dry-run", false, "mark the run as dry-run in config and the startup log; orders are still sent")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}
	if *dryRun {
		cfg.DryRun = true
	}

	slog.Info("trading assistant starting", "kalshi_env", cfg.KalshiEnv, "venue2_enabled", cfg.Venue2Enabled, "dry_run", cfg.DryRun)

	venues, monitor, err := buildVenues(cfg)
	if err != nil {
		slog.Error("venue setup failed", "err", err)
		os.Exit(1)
	}

	store, err := journal.Open(cfg.DatabasePath)
	if err != nil {
		slog.Error("journal open failed", "err", err)
		os.Exit(1)
	}
	defer store.Close()
	slog.Info("journal opened", "path", cfg.DatabasePath)

	engine := execution.New(venues, store, monitor, execution.Config{
		MaxSlippageCents: cfg.MaxSlippageCents,
		MinEdgePct:       cfg.MinEdgePct,
		MaxPositionUSD:   perVenuePositionCap(venues, cfg.MaxPositionUSD),
		PortfolioCapUSD:  cfg.PortfolioCapUSD,
		MakerFillTimeout: time.Duration(cfg.MakerFillTimeout) * time.Second,
		TakerFillTimeout: time.Duration(cfg.TakerFillTimeout) * time.Second,
	})

	srv := session.New(session.Config{
		Port:              cfg.SessionServerPort,
		Model:             cfg.AgentModel,
		WorkingDir:        cfg.AgentWorkingDir,
		SessionLogDir:     cfg.SessionLogDir,
		WrapUpTimeout:     time.Duration(cfg.WrapUpTimeoutSec) * time.Second,
		ExtractionTimeout: time.Duration(cfg.ExtractionTimeoutSec) * time.Second,
		ShutdownTimeout:   time.Duration(cfg.ShutdownTimeoutSec) * time.Second,
		RecommendationTTL: time.Duration(cfg.RecommendationTTLMinutes) * time.Minute,
	}, store, venues, engine, monitor, agentFactory())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := srv.Start(ctx); err != nil {
		slog.Error("session server error", "err", err)
		os.Exit(1)
	}

	slog.Info("trading assistant stopped")
}

// buildVenues constructs every configured venue's REST client and
// registers its fill-monitor dialer/matcher on a shared Monitor.
func buildVenues(cfg *config.Config) (map[string]venue.Client, *fillmonitor.Monitor, error) {
	venues := make(map[string]venue.Client)
	monitor := fillmonitor.New()

	kalshiLimiter := ratelimit.New(cfg.Venue1ReadRate, cfg.Venue1WriteRate)
	kalshiClient, err := kalshi.NewClient(cfg.KalshiAPIKeyID, cfg.KalshiPrivKeyPath, cfg.KalshiBaseURL(), kalshiLimiter)
	if err != nil {
		return nil, nil, fmt.Errorf("kalshi client: %w", err)
	}
	venues["kalshi"] = kalshiClient

	kalshiPrivKey, err := kalshi.LoadPrivateKey(cfg.KalshiPrivKeyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("kalshi private key: %w", err)
	}
	monitor.Register("kalshi", fillmonitor.KalshiDialer(cfg.KalshiAPIKeyID, kalshiPrivKey, cfg.KalshiWSBaseURL()), fillmonitor.KalshiMatcher)

	if cfg.Venue2Enabled {
		venue2Limiter := ratelimit.New(cfg.Venue2ReadRate, cfg.Venue2WriteRate)
		venue2Client, err := venue2.NewClient(cfg.Venue2APIKeyID, cfg.Venue2PrivKeyPath, cfg.Venue2BaseURL(), venue2Limiter)
		if err != nil {
			return nil, nil, fmt.Errorf("venue2 client: %w", err)
		}
		venues["venue2"] = venue2Client

		venue2PrivKey, err := venue2.LoadPrivateKey(cfg.Venue2PrivKeyPath)
		if err != nil {
			return nil, nil, fmt.Errorf("venue2 private key: %w", err)
		}
		monitor.Register("venue2", fillmonitor.Venue2Dialer(cfg.Venue2APIKeyID, venue2PrivKey, cfg.Venue2WSBaseURL()), fillmonitor.Venue2Matcher)
	}

	return venues, monitor, nil
}

func perVenuePositionCap(venues map[string]venue.Client, capUSD float64) map[string]float64 {
	out := make(map[string]float64, len(venues))
	for name := range venues {
		out[name] = capUSD
	}
	return out
}

// agentFactory returns the constructor the session server uses to build
// an upstream agent.Client per session. No concrete implementation ships
// in this repository; wiring a real claude-agent-sdk-go or equivalent
// binding here is the operator's integration point.
func agentFactory() agent.Factory {
	return func(opts agent.Options) agent.Client {
		panic("agent.Factory not wired: configure a concrete upstream agent client binding")
	}
}
