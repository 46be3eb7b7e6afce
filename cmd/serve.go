package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/clawbridge/internal/channels"
	"github.com/nextlevelbuilder/clawbridge/internal/channels/slack"
	"github.com/nextlevelbuilder/clawbridge/internal/channels/teams"
	"github.com/nextlevelbuilder/clawbridge/internal/config"
	"github.com/nextlevelbuilder/clawbridge/internal/executor"
	"github.com/nextlevelbuilder/clawbridge/internal/ingress"
	"github.com/nextlevelbuilder/clawbridge/internal/relay"
	"github.com/nextlevelbuilder/clawbridge/internal/routing"
	"github.com/nextlevelbuilder/clawbridge/internal/session"
	"github.com/nextlevelbuilder/clawbridge/internal/store"
	"github.com/nextlevelbuilder/clawbridge/internal/store/pg"
	"github.com/nextlevelbuilder/clawbridge/internal/store/sqlite"
	"github.com/nextlevelbuilder/clawbridge/internal/tracing"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge",
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
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Error("failed to set up tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			slog.Warn("tracing shutdown failed", "error", err)
		}
	}()

	st, err := openStore(cfg)
	if err != nil {
		slog.Error("failed to open session store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	sessions := session.NewManager(st)
	adapters := channels.NewManager()

	if cfg.Channels.Slack.Enabled {
		adapters.Register(slack.New(cfg.Channels.Slack.BotToken, cfg.Channels.Slack.AppToken, adapters.Publish))
	}
	if cfg.Channels.Teams.Enabled {
		adapters.Register(teams.New(
			cfg.Channels.Teams.AppID,
			cfg.Channels.Teams.AppPassword,
			cfg.Channels.Teams.TenantID,
			cfg.Channels.Teams.ListenAddr,
			adapters.Publish,
		))
	}

	router := routing.New(sessions, adapters, cfg.ConfiguredChannels())

	exec := executor.NewCLIExecutor(cfg.Agent.Binary)
	bridge := relay.New(cfg, sessions, router, adapters, exec, relay.Options{
		WorkingDirectory: cfg.Agent.WorkingDirectory,
		SystemPrompt:     cfg.Agent.SystemPrompt,
		AllowedTools:     cfg.Agent.AllowedTools,
		SkipPermissions:  cfg.Agent.SkipPermissions,
		Timeout:          cfg.Agent.Timeout(),
		SessionTTL:       cfg.Sessions.TTL(),
	})

	api := ingress.NewServer(router, cfg.Ingress.Host, cfg.Ingress.Port, cfg.Ingress.RateLimitRPM)

	if err := adapters.StartAll(ctx); err != nil {
		slog.Error("failed to start adapters", "error", err)
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return bridge.Run(gctx) })
	g.Go(api.Start)
	g.Go(func() error {
		sessions.RunSweeper(gctx, cfg.Sessions.SweepInterval())
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := api.Shutdown(shutdownCtx); err != nil {
			slog.Warn("ingress shutdown failed", "error", err)
		}
		if err := adapters.StopAll(shutdownCtx); err != nil {
			slog.Warn("adapter shutdown failed", "error", err)
		}
		return nil
	})

	slog.Info("clawbridge running",
		"ingress", cfg.Ingress.Host,
		"managed", cfg.IsManagedMode())

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		slog.Error("bridge stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("clawbridge stopped")
}

// openStore picks the storage backend: Postgres in managed mode, SQLite
// otherwise.
func openStore(cfg *config.Config) (store.SessionStore, error) {
	if cfg.IsManagedMode() {
		return pg.Open(cfg.Database.PostgresDSN)
	}
	return sqlite.Open(cfg.Sessions.DBPath)
}
