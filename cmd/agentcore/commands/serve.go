package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/mercury-rss/agentcore/internal/config"
	"github.com/mercury-rss/agentcore/internal/engine"
	"github.com/mercury-rss/agentcore/internal/gateway"
	"github.com/mercury-rss/agentcore/internal/providers"
	rt "github.com/mercury-rss/agentcore/internal/runtime"
	"github.com/mercury-rss/agentcore/internal/secrets"
	"github.com/mercury-rss/agentcore/internal/storage"
	"github.com/mercury-rss/agentcore/internal/summarize"
	"github.com/mercury-rss/agentcore/internal/translate"
)

// NewServeCommand returns the serve subcommand.
func NewServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the agent runtime core gateway server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "host",
				Usage: "Host to listen on",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "Port to listen on",
			},
		},
		Action: runServe,
	}
}

func runServe(_ context.Context, cmd *cli.Command) error {
	configPath := cmd.String("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Warn("config not found, using defaults", "path", configPath, "error", err)
		cfg = &config.Config{}
		cfg.Gateway.Host = "127.0.0.1"
		cfg.Gateway.Port = 18420
		cfg.Queue.SummaryConcurrentLimit = 1
		cfg.Queue.SummaryWaitingCapacity = 3
		cfg.Queue.TranslationConcurrentLimit = 2
		cfg.Queue.TranslationWaitingCapacity = 4
		cfg.Queue.TranslationConcurrencyDegree = 3
		cfg.Storage.Path = config.DatabasePath()
		cfg.Storage.ResultCap = 2000
	}

	logLevel := slog.LevelInfo
	if cmd.Bool("debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	if cmd.IsSet("host") {
		cfg.Gateway.Host = cmd.String("host")
	}
	if cmd.IsSet("port") {
		cfg.Gateway.Port = cmd.Int("port")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	db, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer db.Close()

	results := storage.NewResultStore(db, cfg.Storage.ResultCap)
	usage := storage.NewUsageStore(db)

	secretStore, err := secrets.NewFileStore(
		filepath.Join(config.HomePath(), "identity.age"),
		filepath.Join(config.HomePath(), "secrets.json"),
	)
	if err != nil {
		return fmt.Errorf("open secrets store: %w", err)
	}

	registry := providers.NewRegistry(cfg.Providers, secretStore)

	eng := engine.New()
	defer eng.Stop()

	translateEx := translate.NewExecutor(eng, registry, results, usage)
	summarizeEx := summarize.NewExecutor(eng, registry, results, usage)

	policies := map[rt.TaskKind]rt.QueuePolicy{
		rt.KindSummary: {
			ConcurrentLimitPerKind: cfg.Queue.SummaryConcurrentLimit,
			WaitingCapacityPerKind: cfg.Queue.SummaryWaitingCapacity,
			Replacement:            rt.LatestOnlyReplaceWaiting,
		},
		rt.KindTranslation: {
			ConcurrentLimitPerKind: cfg.Queue.TranslationConcurrentLimit,
			WaitingCapacityPerKind: cfg.Queue.TranslationWaitingCapacity,
			Replacement:            rt.LatestOnlyReplaceWaiting,
		},
	}
	coord := gateway.NewCoordinator(eng, translateEx, summarizeEx, results, policies, cfg.Queue.TranslationConcurrencyDegree)
	defer coord.Close()

	server := gateway.NewServer(coord, cfg.Gateway.Host, cfg.Gateway.Port)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

