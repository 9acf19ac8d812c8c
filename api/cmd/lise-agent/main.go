package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/lisehq/lise/api/pkg/agent"
	"github.com/lisehq/lise/api/pkg/config"
	"github.com/lisehq/lise/api/pkg/pubsub"
	"github.com/lisehq/lise/api/pkg/session"
)

var logLevel string

func main() {
	rootCmd := &cobra.Command{
		Use:   "lise-agent",
		Short: "LISE student-side agent",
		Long: `The student-side agent core: follows team assignments on the
control channel and keeps one live remote-desktop session bound to the
assigned team's environment. The UI shell renders frames from it and
feeds input into it.`,
		RunE: run,
	}

	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("Failed to execute command")
	}
}

func run(cmd *cobra.Command, _ []string) error {
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.LoadAgentConfig()
	if err != nil {
		return err
	}
	if cfg.AgentID == "" {
		cfg.AgentID = uuid.NewString()
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
		cancel()
	}()

	ps, err := pubsub.NewRemoteNats(cfg.ControllerURL)
	if err != nil {
		return err
	}
	defer ps.Close()

	log.Info().
		Str("agent_id", cfg.AgentID).
		Str("controller", cfg.ControllerURL).
		Msg("Agent connected to control channel")

	a := agent.New(ps, agent.Options{
		ID:          cfg.AgentID,
		DisplayName: cfg.DisplayName,
		Session: session.Options{
			Password:          cfg.VNCPassword,
			Shared:            true,
			ReconnectAttempts: cfg.ReconnectAttempts,
			ReconnectDelay:    cfg.ReconnectDelay,
			ReconnectMaxDelay: cfg.ReconnectMaxDelay,
		},
	})

	return a.Run(ctx)
}
