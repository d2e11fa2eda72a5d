// fleethub is the control plane: it serves the connector and operator APIs
// and runs lifecycle operations for direct and self-hosted hosts.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/markus-barta/fleethub/internal/api"
	"github.com/markus-barta/fleethub/internal/auth"
	"github.com/markus-barta/fleethub/internal/autostart"
	"github.com/markus-barta/fleethub/internal/config"
	"github.com/markus-barta/fleethub/internal/lifecycle"
	"github.com/markus-barta/fleethub/internal/ops"
	"github.com/markus-barta/fleethub/internal/pairing"
	"github.com/markus-barta/fleethub/internal/queue"
	"github.com/markus-barta/fleethub/internal/store"
	"github.com/markus-barta/fleethub/internal/stream"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:          "fleethub",
		Short:        "Self-host control plane",
		Version:      version,
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd(), sessionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// newLogger builds the process logger from configuration.
func newLogger(cfg *config.Config) zerolog.Logger {
	var log zerolog.Logger
	if cfg.LogFormat == "json" {
		log = zerolog.New(os.Stderr)
	} else {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	return log.With().Timestamp().Logger()
}

func openStore(cfg *config.Config, log zerolog.Logger) (*store.Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	return store.New(log, db), nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the hub",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log := newLogger(cfg)
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	log.Info().
		Str("version", version).
		Str("listen", cfg.ListenAddr).
		Str("db", cfg.DatabasePath).
		Msg("fleethub starting")

	st, err := openStore(cfg, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	hub := stream.NewHub(log, cfg.AllowedOrigins)
	go hub.Run(ctx)

	publishers := stream.Fanout{hub}
	if cfg.NATSURL != "" {
		nc, err := stream.NewNATSPublisher(cfg.NATSURL, log)
		if err != nil {
			log.Warn().Err(err).Str("url", cfg.NATSURL).Msg("nats unavailable, publishing to websocket only")
		} else {
			defer nc.Close()
			publishers = append(publishers, nc)
		}
	}

	tracker := ops.NewTracker(log, st, publishers)
	runner := ops.NewRunner(log, tracker)
	q := queue.New(log, st, cfg.LeaseTTL())
	engine := lifecycle.NewEngine(log, st, q, tracker, runner, lifecycle.Config{
		LivenessTTL:   cfg.LivenessTTL,
		DrainParallel: cfg.DrainParallel,
	})
	q.OnAck(engine.HandleAck)

	verifier := auth.NewVerifier(log, st)
	sessions := auth.NewSessions(st, cfg.SessionDuration)
	pairingSvc := pairing.NewService(log, st, cfg.PairingTTL)
	auto := autostart.New(log, st, q)

	go q.RunReclaimer(ctx, cfg.ReclaimInterval)
	go st.StartRetentionCleanup(ctx, cfg.RetentionInterval, store.Retention{
		Commands: cfg.Retention,
		Ops:      cfg.Retention,
		Events:   cfg.EventRetention,
	})

	srv := api.New(log, api.Deps{
		Store:     st,
		Verifier:  verifier,
		Sessions:  sessions,
		Pairing:   pairingSvc,
		Queue:     q,
		Engine:    engine,
		Tracker:   tracker,
		Hub:       hub,
		AutoStart: auto,
	}, api.Options{
		ListenAddr: cfg.ListenAddr,
		TOTPSecret: cfg.TOTPSecret,
	})

	runErr := srv.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := runner.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("detached operations did not finish")
	}
	log.Info().Msg("fleethub stopped")
	return runErr
}

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage operator sessions",
	}

	var account string
	var admin bool
	create := &cobra.Command{
		Use:   "create",
		Short: "Issue a session for an account and print its ID",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			st, err := openStore(cfg, newLogger(cfg))
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			sess, err := auth.NewSessions(st, cfg.SessionDuration).Create(cmd.Context(), account, admin)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sess.ID)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", sess.ExpiresAt.Format(time.RFC3339))
			return nil
		},
	}
	create.Flags().StringVar(&account, "account", "", "account ID")
	create.Flags().BoolVar(&admin, "admin", false, "grant admin rights")
	_ = create.MarkFlagRequired("account")

	cmd.AddCommand(create)
	return cmd
}
