package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"thunderstorm.io/auth/internal/cache"
	"thunderstorm.io/auth/internal/config"
	"thunderstorm.io/auth/internal/obs"
	"thunderstorm.io/auth/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	command := newRootCommand()
	if err := command.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// app carries the state shared by every subcommand once the root command
// has loaded the environment.
type app struct {
	cfg *config.Config
	log *zap.Logger
}

func newRootCommand() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:   "tsauth",
		Short: "Thunderstorm auth tooling",
		Long: `tsauth manages the auth tables of a Thunderstorm service: permission
migrations, schema DDL, signing keys and the group and role sync worker.
Settings come from TS_SERVICE_NAME and TS_AUTH_* environment variables.`,
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log, err := obs.NewLogger(cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			obs.SetLogger(log)
			a.cfg = cfg
			a.log = log
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
	}
	cmd.AddCommand(
		newPermissionsCommand(a),
		newMigrateCommand(a),
		newSchemaCommand(a),
		newKeysCommand(a),
		newTokenCommand(a),
		newWorkerCommand(a),
		newPublishPermissionsCommand(a),
	)
	return cmd
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigs)
		select {
		case <-sigs:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// openStore connects to Postgres with the configured membership cache.
// The returned cleanup closes the store and any cache connection.
func (a *app) openStore(ctx context.Context) (*pg.Store, func(), error) {
	if err := a.cfg.RequireDatabase(); err != nil {
		return nil, nil, err
	}
	opts := []pg.Option{
		pg.WithSchema(a.cfg.Schema),
		pg.WithServiceName(a.cfg.ServiceName),
		pg.WithCacheTTL(a.cfg.CacheTTL),
		pg.WithLogger(obs.Component("store")),
	}
	closeCache := func() {}
	switch a.cfg.CacheBackend {
	case config.CacheRedis:
		backend, client, err := cache.DialRedis(ctx, a.cfg.RedisAddr, a.cfg.CacheTTL)
		if err != nil {
			return nil, nil, err
		}
		closeCache = func() { _ = client.Close() }
		opts = append(opts, pg.WithCache(backend))
	default:
		opts = append(opts, pg.WithCache(cache.NewMemory(a.cfg.CacheSize, a.cfg.CacheTTL)))
	}

	store, err := pg.Open(a.cfg.PostgresDSN, opts...)
	if err != nil {
		closeCache()
		return nil, nil, err
	}
	cleanup := func() {
		_ = store.Close()
		closeCache()
	}
	return store, cleanup, nil
}
