package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/glimte/rabbitlink/config"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

type globalFlags struct {
	configFile string
	dotEnv     string
	logLevel   string
}

func main() {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "rabbitlink",
		Short: "Drive a RabbitMQ connection through a single actor",
		Long: `rabbitlink connects to RabbitMQ, declares its exchanges, publishes a
heartbeat and consumes the configured queues. The broker address is read
from AMQP_ADDR, which may also be set in a .env file.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&flags.configFile, "config", "c", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&flags.dotEnv, "env-file", ".env", "dotenv file loaded before reading the environment")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")

	rootCmd.AddCommand(
		newRunCommand(flags),
		newDeclareCommand(flags),
		newPublishCommand(flags),
	)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("rabbitlink failed", "error", err)
		os.Exit(1)
	}
}

// load reads settings and installs the process logger
func (f *globalFlags) load() (*config.Settings, *slog.Logger, error) {
	opts := []config.Option{config.WithDotEnv(f.dotEnv)}
	if f.configFile != "" {
		opts = append(opts, config.WithConfigFile(f.configFile))
	}

	settings, err := config.Load(opts...)
	if err != nil {
		return nil, nil, err
	}
	if f.logLevel != "" {
		settings.LogLevel = f.logLevel
	}

	logger := newLogger(settings.SlogLevel())
	slog.SetDefault(logger)
	return settings, logger, nil
}

func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}
