package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"xmtprelay/internal/agent"
	"xmtprelay/internal/bus"
	"xmtprelay/internal/channel"
	"xmtprelay/internal/config"
	"xmtprelay/internal/domain"
	"xmtprelay/internal/memory"
	"xmtprelay/internal/metrics"
	"xmtprelay/internal/provider"
	"xmtprelay/internal/relay"

	"github.com/spf13/cobra"
)

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Connect to XMTP and answer messages until interrupted",
		RunE:  runStart,
	}
}

// newLogger builds the process logger: text on stderr, teed to logFile when set.
func newLogger(level, logFile string) (*slog.Logger, io.Closer, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		lvl = slog.LevelInfo
	}
	var w io.Writer = os.Stderr
	var closer io.Closer = io.NopCloser(nil)
	if logFile != "" {
		if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		w = io.MultiWriter(os.Stderr, f)
		closer = f
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})), closer, nil
}

func runStart(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, found, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, closer, err := newLogger(cfg.General.LogLevel, cfg.General.LogFile)
	if err != nil {
		return err
	}
	defer closer.Close()
	logger = log
	if !found {
		logger.Warn("config not found, using defaults", "path", cfgPath)
	}

	walletKey, err := config.WalletKeyFromEnv()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	character, err := agent.LoadCharacter(cfg.Agent.CharacterPath)
	if err != nil {
		return fmt.Errorf("character: %w", err)
	}

	store, err := memory.NewSQLiteStore(cfg.Memory.DBPath, logger)
	if err != nil {
		return fmt.Errorf("memory store: %w", err)
	}
	defer store.Close()

	if character.ModelProvider != "" {
		if _, ok := cfg.Providers[character.ModelProvider]; ok {
			cfg.Generation.DefaultProvider = character.ModelProvider
		} else {
			logger.Warn("character model provider not configured, keeping default",
				"modelProvider", character.ModelProvider, "default", cfg.Generation.DefaultProvider)
		}
	}
	prov, err := provider.NewFactory(cfg, logger).Build()
	if err != nil {
		return fmt.Errorf("provider: %w", err)
	}
	if err := prov.Healthy(ctx); err != nil {
		logger.Warn("provider unhealthy at startup", "provider", prov.Name(), "err", err)
	} else {
		logger.Info("provider healthy", "provider", prov.Name())
	}

	temperature := cfg.Generation.Temperature
	runtime, err := agent.NewRuntime(agent.RuntimeConfig{
		Character: character,
		Store:     store,
		Provider:  prov,
		Generation: agent.GenerationOptions{
			Temperature: &temperature,
			MaxTokens:   cfg.Generation.MaxTokens,
			MaxAttempts: cfg.Generation.MaxAttempts,
		},
		RecentMessages: cfg.Memory.RecentMessages,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("runtime: %w", err)
	}
	logger.Info("agent ready",
		"name", runtime.AgentName(),
		"agent_id", runtime.AgentID(),
		"examples", len(runtime.Character().Examples),
	)

	events := bus.NewEventBus(logger)
	metrics.Subscribe(events)
	if cfg.Metrics.Enabled {
		srv := startMetricsServer(cfg.Metrics)
		defer srv.Close()
	}

	handshake := time.Duration(cfg.XMTP.HandshakeTimeoutSeconds) * time.Second
	client, err := relay.Start(ctx, runtime, relay.StartConfig{
		WalletKey: walletKey,
		Dial: func(ctx context.Context, key string) (domain.Transport, error) {
			return channel.DialXMTP(ctx, channel.XMTPConfig{
				GatewayURL:       cfg.XMTP.GatewayURL,
				WalletKey:        key,
				Env:              cfg.XMTP.Env,
				HandshakeTimeout: handshake,
				Logger:           logger,
			})
		},
		Bus:    events,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		client.Stop()
		logger.Info("shutting down")
		return nil
	case err := <-client.Done():
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("xmtp connection lost: %w", err)
		}
		return nil
	}
}

func startMetricsServer(mc config.MetricsConfig) *http.Server {
	mux := http.NewServeMux()
	endpoint := mc.Endpoint
	if endpoint == "" {
		endpoint = "/metrics"
	}
	mux.Handle(endpoint, metrics.Collector.Handler())
	srv := &http.Server{Addr: mc.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "err", err)
		}
	}()
	logger.Info("metrics enabled", "addr", mc.Addr, "endpoint", endpoint)
	return srv
}
