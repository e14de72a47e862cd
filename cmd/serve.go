package cmd

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

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/zapdesk/internal/bus"
	"github.com/nextlevelbuilder/zapdesk/internal/config"
	"github.com/nextlevelbuilder/zapdesk/internal/debounce"
	"github.com/nextlevelbuilder/zapdesk/internal/directory"
	"github.com/nextlevelbuilder/zapdesk/internal/engine"
	"github.com/nextlevelbuilder/zapdesk/internal/invoke"
	"github.com/nextlevelbuilder/zapdesk/internal/router"
	"github.com/nextlevelbuilder/zapdesk/internal/store"
	"github.com/nextlevelbuilder/zapdesk/internal/store/pg"
	"github.com/nextlevelbuilder/zapdesk/internal/store/sqlite"
	"github.com/nextlevelbuilder/zapdesk/internal/tracing"
	"github.com/nextlevelbuilder/zapdesk/internal/webhook"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration engine",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Telemetry, Version)
	if err != nil {
		logger.Error("failed to set up tracing", "error", err)
		os.Exit(1)
	}
	defer shutdownTracing(context.Background())

	stores, err := openStores(cfg, logger)
	if err != nil {
		logger.Error("failed to open stores", "error", err)
		os.Exit(1)
	}
	defer stores.Close()

	dir := directory.New(stores.Directory, cfg.Directory.TTL(), logger)
	rt := router.New(cfg.Routing.MaxHops, logger)
	lanes := engine.NewLanes(cfg.Lanes.Shards, cfg.Lanes.QueueDepth, logger)
	mb := bus.NewMessageBus(cfg.Lanes.QueueDepth * cfg.Lanes.Shards)
	executor := invoke.NewHTTPExecutor(cfg.Executor.URL, cfg.Executor.Token, cfg.Executor.Timeout(), logger)
	responder := invoke.NewHTTPResponder(cfg.Responder.URL, cfg.Responder.Token, logger)

	eng := engine.New(engine.Options{
		CloseOnExternal: cfg.Routing.CloseOnExternal,
		InvokeTimeout:   cfg.Executor.Timeout(),
	}, stores, dir, rt, lanes, mb, executor, debounce.Options{
		QuietPeriod: cfg.Debounce.QuietPeriod(),
		MaxMessages: cfg.Debounce.MaxMessages,
		MaxAge:      cfg.Debounce.MaxAge(),
		DedupWindow: cfg.Debounce.DedupWindow,
	}, logger)

	limiter := webhook.NewSenderLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := webhook.NewServer(addr, eng, mb, dir, limiter, logger)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { lanes.Run(ctx); return nil })
	g.Go(func() error { return eng.Run(ctx) })
	g.Go(func() error { return srv.Start(ctx) })
	g.Go(func() error { return dispatchOutbound(ctx, mb, dir, stores, responder, logger) })

	if cfg.Retention.Schedule != "" {
		inactiveAfter := time.Duration(cfg.Retention.InactiveAfterDays) * 24 * time.Hour
		sweeper, err := engine.NewSweeper(stores.Conversations, cfg.Retention.Schedule, inactiveAfter, logger)
		if err != nil {
			logger.Error("invalid retention config", "error", err)
			os.Exit(1)
		}
		g.Go(func() error { return sweeper.Run(ctx) })
	}

	if watcher, err := config.NewWatcher(cfgPath, dir.Invalidate); err == nil {
		g.Go(func() error {
			err := watcher.Run(ctx)
			if err == context.Canceled {
				return nil
			}
			return err
		})
	} else {
		logger.Warn("config watcher disabled", "error", err)
	}

	logger.Info("zapdesk started",
		"version", Version,
		"addr", addr,
		"db_mode", cfg.Database.Mode)

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Error("engine stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("zapdesk stopped")
}

// openStores selects the persistence backend: Postgres in managed mode,
// SQLite otherwise.
func openStores(cfg *config.Config, logger *slog.Logger) (*store.Stores, error) {
	if cfg.IsManaged() {
		logger.Info("using postgres stores")
		return pg.NewStores(cfg.Database.PostgresDSN)
	}
	path := expandHome(cfg.Database.SQLitePath)
	logger.Info("using sqlite stores", "path", path)
	return sqlite.NewStores(path)
}

// dispatchOutbound forwards engine replies to the channel owner.
func dispatchOutbound(ctx context.Context, mb *bus.MessageBus, dir *directory.Directory,
	stores *store.Stores, responder invoke.Responder, logger *slog.Logger) error {

	for {
		msg, ok := mb.SubscribeOutbound(ctx)
		if !ok {
			return nil
		}
		snap, err := dir.Snapshot(ctx)
		if err != nil {
			logger.Error("reply dropped, directory unavailable", "conversation", msg.ConversationID, "error", err)
			continue
		}
		agent, found := snap.Agent(msg.AgentID)
		if !found {
			logger.Warn("reply dropped, agent no longer active", "agent", msg.AgentID)
			continue
		}
		conv := &store.Conversation{
			ID:       msg.ConversationID,
			TenantID: msg.Key.TenantID,
			Contact:  msg.Key.Contact,
		}
		if err := responder.Respond(ctx, conv, &agent, msg.Content); err != nil {
			logger.Error("reply delivery failed", "conversation", msg.ConversationID, "error", err)
		}
	}
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
