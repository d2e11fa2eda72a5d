// fleethub-connector runs on a self-hosted machine. It pairs with the hub
// once and then executes the lifecycle commands the hub queues for it.
package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/markus-barta/fleethub/internal/config"
	"github.com/markus-barta/fleethub/internal/connector"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:          "fleethub-connector",
		Short:        "Connects a self-hosted machine to fleethub",
		Version:      connector.Version,
		SilenceUsage: true,
		Long: `Environment variables:
  FLEETHUB_URL              Hub base URL (required)
  FLEETHUB_STATE_FILE       Credential state file (default: /var/lib/fleethub-connector/state.yaml)
  FLEETHUB_HOOKS_DIR        Directory with one executable per action
  FLEETHUB_POLL_INTERVAL    Poll interval (default: 5s)
  FLEETHUB_HOOK_TIMEOUT     Hook timeout (default: 10m)
  FLEETHUB_LOG_LEVEL        Log level: debug, info, warn, error
  FLEETHUB_CONNECTOR_NAME   Name reported at pairing (default: hostname)`,
	}
	root.AddCommand(pairCmd(), runCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func setup() (*config.ConnectorConfig, zerolog.Logger, error) {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().
		Timestamp().
		Logger()

	cfg, err := config.LoadConnector()
	if err != nil {
		return nil, log, err
	}

	switch cfg.LogLevel {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	return cfg, log, nil
}

func pairCmd() *cobra.Command {
	var token string
	var force bool
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Redeem a pairing token and store the credential",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			st, err := connector.LoadState(cfg.StateFile)
			if err != nil {
				return err
			}
			if st.Paired() && !force {
				return fmt.Errorf("already paired as %s, use --force to pair again", st.ConnectorID)
			}

			cred, err := connector.NewClient(cfg.HubURL, "").Pair(cmd.Context(), token, cfg.Name)
			if err != nil {
				return fmt.Errorf("pair: %w", err)
			}
			st = &connector.State{
				HubURL:      cfg.HubURL,
				ConnectorID: cred.ConnectorID,
				Credential:  cred.BearerCredential,
				HostID:      cred.HostID,
				PairedAt:    time.Now().UTC(),
			}
			if err := st.Save(cfg.StateFile); err != nil {
				return err
			}
			log.Info().
				Str("connector", cred.ConnectorID).
				Str("host", cred.HostID).
				Str("state", cfg.StateFile).
				Msg("paired")
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "pairing token issued by the hub")
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing credential")
	_ = cmd.MarkFlagRequired("token")
	return cmd
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Poll the hub and execute commands",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			st, err := connector.LoadState(cfg.StateFile)
			if err != nil {
				return err
			}
			if !st.Paired() {
				return errors.New("not paired, run `fleethub-connector pair --token <token>` first")
			}

			log.Info().
				Str("version", connector.Version).
				Str("url", cfg.HubURL).
				Str("connector", st.ConnectorID).
				Str("host", st.HostID).
				Msg("fleethub connector starting")

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			handler := &connector.ScriptHandler{Dir: cfg.HooksDir, Timeout: cfg.HookTimeout}
			r := connector.NewRunner(connector.NewClient(cfg.HubURL, st.Credential), handler, cfg.PollInterval, log)
			return r.Run(ctx)
		},
	}
}
