package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/basalt-sync/gitdocdb/internal/logging"
)

var (
	workingDir string
	branch     string
	logLevel   string
	logger     *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "gitdocdb",
	Short: "Keep a local document store in sync with a Git remote",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		initConfig()
		logger = newLogger(viper.GetString("log-level"))

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		cmd.SetContext(ctx)
		rootCancel = cancel
		return nil
	},
}

// rootCancel stops the signal-aware context installed above; commands that
// run a long-lived loop defer it alongside their own cleanup.
var rootCancel context.CancelFunc

func init() {
	rootCmd.PersistentFlags().StringVar(&workingDir, "dir", ".", "working tree directory")
	rootCmd.PersistentFlags().StringVar(&branch, "branch", "main", "branch to sync")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")

	_ = viper.BindPFlag("dir", rootCmd.PersistentFlags().Lookup("dir"))
	_ = viper.BindPFlag("branch", rootCmd.PersistentFlags().Lookup("branch"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.AddCommand(syncCmd, remoteCmd, configCmd, doctorCmd)
}

func initConfig() {
	viper.SetConfigName("gitdocdb")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(home)
	}
	viper.SetEnvPrefix("GITDOCDB")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig() // absent config file is not an error
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return logging.New(lvl)
}
