package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/lisehq/lise/api/pkg/config"
	"github.com/lisehq/lise/api/pkg/controller"
	"github.com/lisehq/lise/api/pkg/membership"
	"github.com/lisehq/lise/api/pkg/pubsub"
	"github.com/lisehq/lise/api/pkg/scenario"
)

var (
	scenarioPath string
	logLevel     string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "lise-controller",
		Short: "LISE training-lab controller",
		Long: `The educator-side controller: provisions one isolated desktop
environment per team from a scenario definition, publishes team
assignments and environment endpoints on the control channel, and
watches environment liveness until shutdown.`,
		RunE: run,
	}

	rootCmd.Flags().StringVar(&scenarioPath, "scenario", "", "Path to the scenario YAML to run")
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

	cfg, err := config.LoadControllerConfig()
	if err != nil {
		return err
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

	ps, err := pubsub.NewEmbeddedNats(cfg.NatsHost, cfg.NatsPort)
	if err != nil {
		return err
	}
	defer ps.Close()
	log.Info().Str("url", ps.ClientURL()).Msg("Control channel listening")

	registry := membership.NewRegistry(ps)
	snapSub, err := registry.ServeSnapshots(ctx, ps)
	if err != nil {
		return err
	}
	defer snapSub.Unsubscribe()

	engine, err := controller.NewDockerEngine(cfg.AdvertiseHost)
	if err != nil {
		return err
	}
	defer engine.Close()

	ctrl := controller.New(engine, registry, controller.Options{
		ProbeAttempts:    cfg.ProbeAttempts,
		ProbeDelay:       cfg.ProbeDelay,
		LivenessInterval: cfg.LivenessInterval,
	})

	scen, err := scenario.Load(scenarioPath)
	if err != nil {
		return err
	}
	log.Info().Str("scenario", scen.ID).Int("teams", len(scen.Teams)).Msg("Starting scenario")

	if err := ctrl.RunScenario(ctx, scen); err != nil {
		log.Error().Err(err).Msg("Scenario provisioning incomplete")
	}
	for _, env := range ctrl.ListEnvironments() {
		log.Info().
			Str("team", env.TeamID).
			Str("state", string(env.State)).
			Str("endpoint", env.Endpoint.Addr()).
			Msg("Environment")
	}

	go ctrl.WatchLiveness(ctx)

	<-ctx.Done()

	stopCtx := context.WithoutCancel(ctx)
	if err := ctrl.StopAll(stopCtx); err != nil {
		log.Error().Err(err).Msg("Failed to stop environments")
	}
	return nil
}
