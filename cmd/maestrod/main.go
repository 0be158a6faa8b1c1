// Command maestrod is the Maestro orchestration daemon. It wires the
// task store, agents, approval gate, and HTTP API from a YAML config
// file and runs until interrupted.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/maestro/agent"
	"github.com/GoCodeAlone/maestro/approval"
	"github.com/GoCodeAlone/maestro/config"
	"github.com/GoCodeAlone/maestro/events"
	"github.com/GoCodeAlone/maestro/internal/version"
	"github.com/GoCodeAlone/maestro/orchestrator"
	"github.com/GoCodeAlone/maestro/provider"
	"github.com/GoCodeAlone/maestro/provider/mock"
	"github.com/GoCodeAlone/maestro/provider/ollama"
	"github.com/GoCodeAlone/maestro/secrets"
	"github.com/GoCodeAlone/maestro/server"
	"github.com/GoCodeAlone/maestro/summary"
	"github.com/GoCodeAlone/maestro/supervisor"
	"github.com/GoCodeAlone/maestro/task"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "maestrod",
		Short:         "Maestro orchestration daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the orchestration server",
			RunE:  func(cmd *cobra.Command, _ []string) error { return serve(cmd.Context()) },
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(*cobra.Command, []string) {
				fmt.Printf("maestrod %s (commit %s, built %s)\n",
					version.Version, version.Commit, version.BuildDate)
			},
		},
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func serve(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)
	logger.Info("starting maestrod",
		"version", version.Version,
		"commit", version.Commit,
	)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	// one daemon per data dir
	lock := flock.New(filepath.Join(cfg.DataDir, "maestrod.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire data dir lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("data dir %s is in use by another maestrod", cfg.DataDir)
	}
	defer lock.Unlock() //nolint:errcheck

	store, err := buildStore(ctx, cfg)
	if err != nil {
		return err
	}
	chat := buildProvider(cfg)

	filter, err := secrets.NewDetector(cfg.Secrets.ExtraPatterns)
	if err != nil {
		return fmt.Errorf("secret patterns: %w", err)
	}

	classifier := approval.NewClassifier()
	for op, level := range cfg.Approvals.RiskOverrides {
		if err := classifier.Raise(approval.OperationType(op), approval.RiskLevel(level)); err != nil {
			return fmt.Errorf("risk override %s: %w", op, err)
		}
	}
	gate, err := approval.NewManager(dataPath(cfg, cfg.Approvals.Path), classifier, logger)
	if err != nil {
		return fmt.Errorf("approval gate: %w", err)
	}
	defer gate.Close() //nolint:errcheck

	engine := orchestrator.New(orchestrator.Deps{
		Store:      store,
		Agents:     buildAgents(cfg),
		Router:     supervisor.New(chat, cfg.Routing.MaxRetries, logger),
		Gate:       gate,
		Filter:     filter,
		Summarizer: summary.New(chat, 0, logger),
		Bus:        events.NewBus(),
		Logger:     logger,
	}, orchestrator.Config{
		MaxIterations:   cfg.Routing.MaxIterations,
		MaxRetries:      cfg.Routing.MaxRetries,
		DefaultStrategy: cfg.Routing.Strategy,
		ApprovalTimeout: cfg.Approvals.Timeout,
	})

	srv := server.New(*cfg, engine, version.Version, logger)
	go cleanupLoop(ctx, engine, gate, logger)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := engine.Shutdown(shutdownCtx); err != nil {
		logger.Error("engine shutdown", "error", err)
	}
	return srv.Stop(shutdownCtx)
}

// cleanupLoop prunes old terminal tasks (with their event logs) and
// decided approvals hourly.
func cleanupLoop(ctx context.Context, engine *orchestrator.Engine, gate *approval.Manager, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := engine.Cleanup(ctx, 24*time.Hour); err == nil && n > 0 {
				logger.Info("cleaned up finished tasks", "count", n)
			}
			if n, err := gate.Purge(ctx, 30*24*time.Hour); err == nil && n > 0 {
				logger.Info("purged decided approvals", "count", n)
			}
		}
	}
}

func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.DefaultConfig(), nil
	}
	return config.Load(configPath)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func buildStore(ctx context.Context, cfg *config.Config) (task.Store, error) {
	switch cfg.Store.Backend {
	case "redis":
		store, err := task.NewRedisStore(ctx, cfg.Store.RedisAddr, cfg.Store.RedisPassword, cfg.Store.RedisDB)
		if err != nil {
			return nil, fmt.Errorf("redis store: %w", err)
		}
		return store, nil
	case "memory":
		return task.NewMemoryStore(), nil
	default:
		store, err := task.NewSQLiteStore(dataPath(cfg, cfg.Store.Path))
		if err != nil {
			return nil, fmt.Errorf("sqlite store: %w", err)
		}
		return store, nil
	}
}

func buildProvider(cfg *config.Config) provider.Provider {
	if cfg.Provider.Name == "mock" {
		return mock.New()
	}
	return ollama.New(cfg.Provider.BaseURL, cfg.Provider.Model)
}

func buildAgents(cfg *config.Config) *agent.Registry {
	reg := agent.NewRegistry()
	timeout := cfg.Agents.Timeout
	if cfg.Agents.ResearchURL != "" {
		reg.Register(agent.NewResearchAgent(cfg.Agents.ResearchURL, timeout))
	}
	if cfg.Agents.PRCommand != "" {
		reg.Register(agent.NewPRAgent(cfg.Agents.PRCommand, cfg.Agents.PRArgs, cfg.Agents.PRWorkDir, timeout))
	}
	if cfg.Agents.DocsDir != "" {
		reg.Register(agent.NewContextAgent(cfg.Agents.DocsDir))
	}
	return reg
}

func dataPath(cfg *config.Config, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(cfg.DataDir, p)
}
