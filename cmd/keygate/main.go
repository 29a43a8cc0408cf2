package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/pweper/keygate/internal/api"
	"github.com/pweper/keygate/internal/config"
	"github.com/pweper/keygate/internal/database"
	"github.com/pweper/keygate/internal/license"
	"github.com/pweper/keygate/internal/metrics"
	"github.com/pweper/keygate/internal/models"
	"github.com/pweper/keygate/internal/sync"

	"github.com/prometheus/client_golang/prometheus"
)

var Version = "dev"

func main() {
	var rootCmd = &cobra.Command{
		Use:   "keygate",
		Short: "License issuing and verification service",
		Long: `keygate - issues license keys for a desktop application,
binds them to a machine on first use and answers verification calls.`,
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	rootCmd.Version = Version

	rootCmd.AddCommand(RunServeCommand())
	rootCmd.AddCommand(RunVersionCommand(Version))
	rootCmd.AddCommand(RunGenerateConfigCommand())
	rootCmd.AddCommand(RunCreateKeyCommand())
	rootCmd.AddCommand(RunCreateAPIKeyCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func RunServeCommand() *cobra.Command {
	var (
		configDir string
		dataDir   string
		logPath   string
	)

	var command = &cobra.Command{
		Use:   "serve",
		Short: "Start the server",
	}

	command.Flags().StringVar(&configDir, "config-dir", "", "config directory path (default is OS-specific: ~/.config/keygate/). Can also be a direct path to a .toml file")
	command.Flags().StringVar(&dataDir, "data-dir", "", "data directory for the database (default is next to the config file)")
	command.Flags().StringVar(&logPath, "log-path", "", "log file path (default is stderr)")

	command.Run = func(cmd *cobra.Command, args []string) {
		app := NewApplication(Version, configDir, dataDir, logPath)
		app.runServer()
	}

	return command
}

func RunVersionCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of keygate",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

func RunGenerateConfigCommand() *cobra.Command {
	var configDir string

	command := &cobra.Command{
		Use:   "generate-config",
		Short: "Generate a default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := configDir
			if configPath == "" {
				configPath = config.GetDefaultConfigDir() + "/config.toml"
			}

			if _, err := os.Stat(configPath); err == nil {
				cmd.Printf("Configuration file already exists at: %s\n", configPath)
				return nil
			}

			if err := config.WriteDefaultConfig(configPath); err != nil {
				return fmt.Errorf("failed to create configuration file: %w", err)
			}

			cmd.Printf("Configuration file created at: %s\n", configPath)
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "",
		"config file path (defaults to OS-specific location)")

	return command
}

func RunCreateKeyCommand() *cobra.Command {
	var (
		configDir string
		dataDir   string
		ownerID   int64
		plan      string
		method    string
	)

	command := &cobra.Command{
		Use:   "create-key",
		Short: "Issue a license key from the command line",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.New(configDir)
			if err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}
			if dataDir != "" {
				cfg.SetDataDir(dataDir)
			}

			db, err := database.New(cfg.GetDatabasePath())
			if err != nil {
				return fmt.Errorf("failed to initialize database: %w", err)
			}
			defer db.Close()

			store := models.NewLicenseStore(db.Conn())
			manager, err := license.NewManager(store, newPusher(cfg))
			if err != nil {
				return fmt.Errorf("failed to initialize license manager: %w", err)
			}

			key, err := manager.Create(context.Background(), ownerID, plan, method)
			if err != nil {
				return fmt.Errorf("failed to create license: %w", err)
			}

			cmd.Printf("License created for owner %d (%s):\n%s\n", ownerID, plan, key)
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "", "config directory or file path")
	command.Flags().StringVar(&dataDir, "data-dir", "", "data directory path")
	command.Flags().Int64Var(&ownerID, "owner", 0, "owner identifier the key is issued to")
	command.Flags().StringVar(&plan, "plan", "", "plan tier: 1month, 3months or lifetime")
	command.Flags().StringVar(&method, "method", models.PaymentMethodAdminGift, "payment method provenance tag")
	command.MarkFlagRequired("plan")

	return command
}

func RunCreateAPIKeyCommand() *cobra.Command {
	var (
		configDir string
		dataDir   string
		name      string
	)

	command := &cobra.Command{
		Use:   "create-api-key",
		Short: "Create an API key for the admin/storefront surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			cfg, err := config.New(configDir)
			if err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}
			if dataDir != "" {
				cfg.SetDataDir(dataDir)
			}

			db, err := database.New(cfg.GetDatabasePath())
			if err != nil {
				return fmt.Errorf("failed to initialize database: %w", err)
			}
			defer db.Close()

			store := models.NewAPIKeyStore(db.Conn())
			rawKey, apiKey, err := store.Create(context.Background(), name)
			if err != nil {
				return fmt.Errorf("failed to create API key: %w", err)
			}

			cmd.Printf("API key '%s' created (id %d). Store it now, it is not shown again:\n%s\n", apiKey.Name, apiKey.ID, rawKey)
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "", "config directory or file path")
	command.Flags().StringVar(&dataDir, "data-dir", "", "data directory path")
	command.Flags().StringVar(&name, "name", "", "name for the new API key")

	return command
}

type Application struct {
	version   string
	configDir string
	dataDir   string
	logPath   string
}

func NewApplication(version, configDir, dataDir, logPath string) *Application {
	return &Application{
		version:   version,
		configDir: configDir,
		dataDir:   dataDir,
		logPath:   logPath,
	}
}

func newPusher(cfg *config.AppConfig) license.Pusher {
	if cfg.Config.RemoteSyncURL == "" {
		return nil
	}
	return sync.NewClient(cfg.Config.RemoteSyncURL, cfg.Config.RemoteSyncSecret, cfg.RemoteSyncTimeout())
}

func (app *Application) runServer() {
	log.Info().Str("version", app.version).Msg("Starting keygate")

	cfg, err := config.New(app.configDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize configuration")
	}

	if app.dataDir != "" {
		cfg.SetDataDir(app.dataDir)
	}
	if app.logPath != "" {
		cfg.Config.LogPath = app.logPath
	}

	cfg.ApplyLogConfig()

	db, err := database.New(cfg.GetDatabasePath())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer db.Close()

	licenseStore := models.NewLicenseStore(db.Conn())
	apiKeyStore := models.NewAPIKeyStore(db.Conn())

	pusher := newPusher(cfg)
	if pusher != nil {
		log.Info().Str("remote", cfg.Config.RemoteSyncURL).Msg("Remote license sync enabled")
	}

	manager, err := license.NewManager(licenseStore, pusher)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize license manager")
	}

	if cfg.Config.MetricsEnabled {
		prometheus.MustRegister(metrics.NewLicenseCollector(licenseStore))
		log.Info().Msg("Prometheus metrics enabled at /metrics endpoint")
	}

	deps := &api.Dependencies{
		Config:       cfg,
		Manager:      manager,
		LicenseStore: licenseStore,
		APIKeyStore:  apiKeyStore,
	}

	router := api.NewRouter(deps)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Config.Host, cfg.Config.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("address", srv.Addr).Msg("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}
