package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/collabd/internal/auth"
	"github.com/nextlevelbuilder/collabd/internal/bootstrap"
	"github.com/nextlevelbuilder/collabd/internal/config"
	"github.com/nextlevelbuilder/collabd/internal/gateway"
	httpapi "github.com/nextlevelbuilder/collabd/internal/http"
	"github.com/nextlevelbuilder/collabd/internal/hub"
	"github.com/nextlevelbuilder/collabd/internal/store"
	"github.com/nextlevelbuilder/collabd/internal/store/pg"
	"github.com/nextlevelbuilder/collabd/internal/store/sqlite"
	"github.com/nextlevelbuilder/collabd/internal/telemetry"
)

// Exit codes: 0 clean, 1 bad configuration, 2 store unreachable, 3 fatal
// shutdown.
const (
	exitOK      = 0
	exitConfig  = 1
	exitStore   = 2
	exitRuntime = 3
)

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the collabd server",
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(runServer())
		},
	}
}

func runServer() int {
	setupLogging()

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("config load failed", "error", err)
		return exitConfig
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("config invalid", "error", err)
		return exitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Error("telemetry setup failed", "error", err)
		return exitConfig
	}
	defer shutdownTelemetry(context.Background())

	st, mode, err := openStore(cfg)
	if err != nil {
		slog.Error("store open failed", "error", err)
		return exitStore
	}
	defer st.Close()
	if err := st.Ping(ctx); err != nil {
		slog.Error("store unreachable", "error", err)
		return exitStore
	}
	slog.Info("store ready", "backend", mode)

	if mode == "sqlite" {
		if _, err := bootstrap.EnsureSeedRoom(ctx, st); err != nil {
			slog.Warn("seed room failed", "error", err)
		}
	}

	verifier, issuer := buildAuth(cfg)

	rooms := hub.NewManager(st, cfg.Collab)
	defer rooms.Shutdown()

	api := httpapi.NewAPI(st, verifier, issuer, rooms, cfg)
	srv := gateway.NewServer(cfg, st, verifier, rooms, api)

	if err := srv.Start(ctx); err != nil {
		slog.Error("server failed", "error", err)
		return exitRuntime
	}
	slog.Info("shutdown complete")
	return exitOK
}

// openStore picks Postgres when a DSN is configured, SQLite otherwise.
func openStore(cfg *config.Config) (store.Store, string, error) {
	if dsn := cfg.Database.PostgresDSN; dsn != "" {
		st, err := pg.Open(dsn)
		return st, "postgres", err
	}
	st, err := sqlite.Open(cfg.Database.SQLitePath)
	return st, "sqlite", err
}

// buildAuth returns the token verifier, plus the local issuer when tokens
// are minted in-process (issuer is nil with an external verify URL).
func buildAuth(cfg *config.Config) (auth.Provider, *auth.JWTProvider) {
	if cfg.Auth.URL != "" {
		return auth.NewRemoteProvider(cfg.Auth.URL), nil
	}
	p := auth.NewJWTProvider(cfg.Auth.Secret, cfg.Auth.Issuer)
	return p, p
}
