// Command LeadPipe runs the lead nurturing service and its maintenance commands.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/BTreeMap/LeadPipe/internal/config"
	"github.com/spf13/cobra"
)

// Flags overriding the environment. Empty means "use the env value".
var (
	stateDirFlag string
	dbDSNFlag    string
	apiAddrFlag  string
)

var rootCmd = &cobra.Command{
	Use:   "leadpipe",
	Short: "LeadPipe - dental clinic lead nurturing",
	Long: `LeadPipe triages new dental-clinic leads, follows up on a multi-channel
nurture cadence and answers patient replies with an AI agent.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&stateDirFlag, "state-dir", "", "state directory (overrides $LEADPIPE_STATE_DIR)")
	rootCmd.PersistentFlags().StringVar(&dbDSNFlag, "db-dsn", "", "database DSN or SQLite path (overrides $DATABASE_URL)")
	rootCmd.PersistentFlags().StringVar(&apiAddrFlag, "api-addr", "", "API listen address (overrides $API_ADDR)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(nurtureCmd)
	rootCmd.AddCommand(triageCmd)
	rootCmd.AddCommand(replyCmd)
	rootCmd.AddCommand(slotsCmd)
	rootCmd.AddCommand(kbCmd)
	rootCmd.AddCommand(tokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the environment, applies flag overrides and installs the
// process-wide logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	applyFlagOverrides(cfg, stateDirFlag, dbDSNFlag, apiAddrFlag)
	initializeLogger(cfg)
	slog.Debug("configuration loaded", "config", cfg)
	return cfg, nil
}

func applyFlagOverrides(cfg *config.Config, stateDir, dsn, addr string) {
	if stateDir != "" {
		cfg.StateDir = stateDir
	}
	if dsn != "" {
		cfg.DatabaseURL = dsn
	}
	if addr != "" {
		cfg.APIAddr = addr
	}
}

// initializeLogger sets up structured logging at the configured level.
func initializeLogger(cfg *config.Config) {
	level, err := cfg.SlogLevel()
	if err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}
