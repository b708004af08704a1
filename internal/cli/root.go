// Package cli implements the paid command tree.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/paid-dev/paid-engine/internal/config"
	"github.com/paid-dev/paid-engine/internal/store"
	"github.com/paid-dev/paid-engine/internal/version"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "paid",
	Short: "PAID - GitHub-driven autonomous coding agent engine",
	Long: `PAID polls GitHub repositories for labeled issues, runs coding agents
against them in sandboxed containers, and opens pull requests with the
results. Agent PRs are then scanned for review comments, CI failures, and
merge conflicts, which trigger follow-up runs on the same branch.

Example:
  paid projects import projects.yaml
  paid worker`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Set version for --version flag
	rootCmd.Version = version.Short()
	rootCmd.SetVersionTemplate("{{.Name}} {{.Version}}\n")

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .paid.yaml)")
	rootCmd.PersistentFlags().Bool("verbose", false, "enable verbose output")
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		cwd, err := os.Getwd()
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error getting working directory:", err)
			os.Exit(1)
		}

		viper.AddConfigPath(cwd)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".paid")
	}

	viper.SetEnvPrefix("PAID")
	viper.AutomaticEnv()

	// Explicit env contract: a handful of settings are also honored under
	// their conventional unprefixed names.
	_ = viper.BindEnv("env", "PAID_ENV")
	_ = viper.BindEnv("database.path", "PAID_DB_PATH")
	_ = viper.BindEnv("database.encryption_key", "PAID_DB_KEY")
	_ = viper.BindEnv("temporal.address", "PAID_TEMPORAL_ADDRESS", "TEMPORAL_ADDRESS")
	_ = viper.BindEnv("workspace.root", "PAID_WORKSPACE_ROOT", "WORKSPACE_ROOT")
	_ = viper.BindEnv("proxy.port", "PAID_PROXY_PORT")
	_ = viper.BindEnv("container.claude_config_dir", "CLAUDE_CONFIG_DIR")

	if err := viper.ReadInConfig(); err == nil {
		if viper.GetBool("verbose") {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}

// loadConfig loads and validates the engine configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// openStore opens the SQLite store with the configured encryption key.
func openStore(cfg *config.Config) (*store.Store, error) {
	key, err := cfg.Database.Key()
	if err != nil {
		return nil, err
	}
	return store.Open(cfg.Database.Path, store.WithEncryptionKey(key))
}

// newLogger builds the process logger. Verbose mode lowers the level to debug.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if viper.GetBool("verbose") {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
