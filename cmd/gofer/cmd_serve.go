package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gofer/pkg/config"
	"gofer/pkg/eligibility"
	"gofer/pkg/httpapi"
	"gofer/pkg/match"
	"gofer/pkg/observability"
	"gofer/pkg/presence"
	"gofer/pkg/store"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newServeCmd creates the "gofer serve" subcommand.
func newServeCmd() *cobra.Command {
	var cfgPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the matching daemon",
		Long:  "Starts the HTTP API, the offer sweep loop and the presence backend.\nRuns until interrupted.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&cfgPath, "config", "c", "gofer.yaml", "path to the config file")
	return cmd
}

func runServe(ctx context.Context, cfg config.Config) error {
	log, err := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck // stderr sync failure is unactionable

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var src presence.Source
	var rec presence.Recorder
	switch cfg.Presence {
	case "sqlite":
		ss := presence.NewSQLStore(st.DB())
		src, rec = ss, ss
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
		}
		defer rdb.Close()
		rs := presence.NewRedisStore(rdb, "gofer", 2*cfg.HeartbeatWindow)
		src, rec = rs, rs
	default:
		return fmt.Errorf("presence backend %q: want sqlite or redis", cfg.Presence)
	}

	filter := eligibility.New(eligibility.Config{
		HeartbeatWindow: cfg.HeartbeatWindow,
		RadiusMeters:    cfg.RadiusMeters,
	}, src, st)

	engine := match.New(match.Config{
		OfferWindow:     cfg.OfferWindow,
		SweepInterval:   cfg.SweepInterval,
		ExhaustionDwell: cfg.ExhaustionDwell,
		CancelWindow:    cfg.CancelWindow,
	}, st, filter, log)

	srv := httpapi.New(engine, rec, st, log)

	errCh := make(chan error, 2)
	go func() { errCh <- engine.Run(ctx) }()
	go func() { errCh <- srv.Listen(cfg.ListenAddr) }()

	log.Info("gofer daemon up",
		zap.String("addr", cfg.ListenAddr),
		zap.String("db", cfg.DBPath),
		zap.String("presence", cfg.Presence))

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	return nil
}
