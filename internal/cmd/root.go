package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"chat-client/internal/config"
	"chat-client/internal/logger"
	"chat-client/internal/observability"
)

const serviceName = "chat-client"

var (
	cfgFile string

	cfg             *config.Config
	log             *zap.Logger
	shutdownTracing func(context.Context) error
)

var rootCmd = &cobra.Command{
	Use:   "chat-client",
	Short: "Terminal client for real-time group chats",
	Long: `chat-client joins a group chat over the realtime socket, renders the
message log and sends, edits and deletes messages with optimistic updates.
Settings come from an optional config file and CHAT_* environment variables.`,
	SilenceUsage:       true,
	PersistentPreRunE:  setup,
	PersistentPostRunE: teardown,
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (yaml, json or toml)")
}

func setup(cmd *cobra.Command, _ []string) error {
	loaded, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	cfg = loaded

	log, err = logger.New(cfg.LogDevelopment)
	if err != nil {
		return err
	}

	shutdownTracing, err = observability.InitTracing(cmd.Context(), cfg.OTelEndpoint, serviceName, cfg.Environment)
	if err != nil {
		log.Warn("tracing disabled", zap.Error(err))
		shutdownTracing = nil
	}
	return nil
}

func teardown(cmd *cobra.Command, _ []string) error {
	if shutdownTracing != nil {
		if err := shutdownTracing(context.WithoutCancel(cmd.Context())); err != nil {
			log.Debug("tracing shutdown", zap.Error(err))
		}
	}
	if log != nil {
		_ = log.Sync()
	}
	return nil
}
