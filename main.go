package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-records/pkg/config"
	"github.com/ekaya-inc/ekaya-records/pkg/database"
	"github.com/ekaya-inc/ekaya-records/pkg/logging"
)

// Version is set at build time via ldflags
var Version = "dev"

// configFile is set by the --config flag.
var configFile string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ekaya-records",
	Short: "Tenant-scoped entity and relation store",
	Long: `ekaya-records stores instances of tenant-defined entity types with
typed attributes, relations and file associations, and serves filtered,
paginated queries over them.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("ekaya-records " + Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default: config.yaml if present, else environment only)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(seedCmd)
}

// loadConfig reads --config, falls back to ./config.yaml, then to the environment.
func loadConfig() (*config.Config, error) {
	if configFile != "" {
		return config.Load(configFile, Version)
	}
	if _, err := os.Stat("config.yaml"); err == nil {
		return config.Load("", Version)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat config.yaml: %w", err)
	}
	return config.LoadFromEnv(Version)
}

// newLogger builds a development logger for local runs and a JSON
// production logger everywhere else.
func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.Env == "local" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// setup loads configuration and builds the logger shared by every command.
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return cfg, logger, nil
}

func databaseConfig(cfg *config.Config) *database.Config {
	return &database.Config{
		URL:            cfg.Database.ConnectionString(),
		MaxConnections: cfg.Database.MaxConnections,
		MinConnections: cfg.Database.MinConnections,
	}
}

func logDatabaseTarget(logger *zap.Logger, cfg *config.Config) {
	logger.Info("Connecting to database",
		zap.String("url", logging.SanitizeConnectionString(cfg.Database.ConnectionString())),
		zap.Int32("max_connections", cfg.Database.MaxConnections))
}
