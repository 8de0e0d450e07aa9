package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"chartink-webhook-go/internal/config"
	"chartink-webhook-go/internal/logger"
	"chartink-webhook-go/internal/shoonya"
	alertsignal "chartink-webhook-go/internal/signal"
	"chartink-webhook-go/internal/storage"
	"chartink-webhook-go/internal/trader"
	"chartink-webhook-go/internal/webhook"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "chartink-webhook",
		Short:        "Chartink alert webhook: bracket orders on Shoonya and tiered alert storage",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "./configs", "directory containing config.yml")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the webhook HTTP server",
			RunE: func(cmd *cobra.Command, args []string) error {
				return serve(configPath)
			},
		},
		&cobra.Command{
			Use:   "probe",
			Short: "Initialize every storage tier and print its connectivity",
			RunE: func(cmd *cobra.Command, args []string) error {
				return probe(cmd, configPath)
			},
		},
	)
	return root
}

// setup loads configuration and builds the logger and storage manager
// shared by every subcommand.
func setup(configPath string) (config.Config, *zap.Logger, *storage.Manager, error) {
	// Load application configuration
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		// We can't use the logger here because it's not initialized yet.
		return cfg, nil, nil, fmt.Errorf("could not load config: %w", err)
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Logger)
	if err != nil {
		return cfg, nil, nil, fmt.Errorf("could not initialize logger: %w", err)
	}
	log.Info("Configuration loaded", zap.Int("accounts", len(cfg.Accounts)))

	bindings, err := storage.BuildBindings(cfg.Storage, log)
	if err != nil {
		return cfg, log, nil, err
	}
	manager := storage.NewManager(cfg.Storage, storage.NewEmergencyQueue(cfg.Storage.EmergencyCapacity), log, bindings...)
	log.Info("Storage chain configured", zap.Strings("tiers", manager.Tiers()))

	return cfg, log, manager, nil
}

func serve(configPath string) error {
	cfg, log, manager, err := setup(configPath)
	if log != nil {
		defer log.Sync()
	}
	if err != nil {
		return err
	}

	// One REST client, and so one rate limiter, for every account.
	restClient := shoonya.NewRestClient(&cfg.Broker, log)
	pipeline := trader.NewPipeline(cfg.Trading, trader.NewShoonyaFactory(restClient, cfg.Trading, log), log)
	orchestrator := webhook.NewOrchestrator(
		cfg.Webhook,
		cfg.Accounts,
		alertsignal.NewEvaluator(cfg.Signals),
		pipeline,
		manager,
		log,
	)
	if n := len(orchestrator.EligibleAccounts()); n == 0 {
		log.Warn("No broker account with valid credentials; alerts will only be stored")
	} else {
		log.Info("Broker accounts ready", zap.Int("eligible", n))
	}

	api := webhook.NewAPIServer(cfg, orchestrator, manager, log)
	api.Start()

	// Wait for a shutdown signal
	sigchan := make(chan os.Signal, 1)
	signal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)
	<-sigchan
	log.Info("Shutdown signal received, gracefully shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := api.Stop(ctx); err != nil {
		log.Error("API server did not stop cleanly", zap.Error(err))
	}
	if n := manager.Queue().Len(); n > 0 {
		log.Warn("Emergency queue discarded on shutdown", zap.Int("records", n))
	}

	log.Info("Webhook server has been shut down.")
	return nil
}

func probe(cmd *cobra.Command, configPath string) error {
	_, log, manager, err := setup(configPath)
	if log != nil {
		defer log.Sync()
	}
	if err != nil {
		return err
	}

	results := manager.Probe(cmd.Context())
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(results); err != nil {
		return err
	}
	for _, r := range results {
		if !r.Connected {
			return fmt.Errorf("storage tier %s is not reachable", r.Tier)
		}
	}
	return nil
}
