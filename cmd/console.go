package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"lotbot/pkg/channel"
	consolechannel "lotbot/pkg/channel/console"
	"lotbot/pkg/config"
	"lotbot/pkg/gateway"
	"lotbot/pkg/logger"
	consoleui "lotbot/pkg/ui/console"
)

var (
	consoleUserID  string
	consoleGroupID string
	consoleLogFile string
)

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Chat with the bot from the terminal",
	Long: "Runs the bot against a local console channel. Type messages as a single user, " +
		"send photos with !img PATH and tap buttons with !tap N.",
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = args

		cfg, err := loadConsoleConfig()
		if err != nil {
			return err
		}

		logPath := consoleLogFile
		if logPath == "" {
			logPath = filepath.Join(filepath.Dir(cfg.Storage.Root), "console.log")
		}
		if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
			return fmt.Errorf("create log directory: %w", err)
		}
		logOut, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer logOut.Close()

		appLogger, err := logger.NewWithWriter(cfg.Logging, logOut)
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}
		slog.SetDefault(appLogger)

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rt, err := gateway.NewRuntime(runCtx, cfg, appLogger)
		if err != nil {
			return fmt.Errorf("initialize runtime: %w", err)
		}
		defer rt.Close()

		adapter := consolechannel.New(consolechannel.Options{UserID: consoleUserID, GroupID: consoleGroupID, Log: appLogger})
		svc, err := gateway.NewService(rt, cfg, []channel.Adapter{adapter}, appLogger)
		if err != nil {
			return fmt.Errorf("initialize gateway service: %w", err)
		}
		svc.DisableStatusServer()

		svcCtx, cancel := context.WithCancel(runCtx)
		defer cancel()
		svcErr := make(chan error, 1)
		go func() {
			svcErr <- svc.Run(svcCtx)
		}()

		uiErr := consoleui.RunInteractive(svcCtx, adapter)
		cancel()
		if err := <-svcErr; err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("console runtime failed: %w", err)
		}
		if uiErr != nil && runCtx.Err() == nil {
			return uiErr
		}
		return nil
	},
}

func init() {
	consoleCmd.Flags().StringVar(&consoleUserID, "user", "", "simulated user id (random when empty)")
	consoleCmd.Flags().StringVar(&consoleGroupID, "group", "", "simulate a group chat with this id")
	consoleCmd.Flags().StringVar(&consoleLogFile, "log-file", "", "log file path (defaults next to the image store)")
	rootCmd.AddCommand(consoleCmd)
}

// loadConsoleConfig falls back to defaults when no config file exists, so
// the console works out of the box.
func loadConsoleConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, config.ErrConfigNotFound) {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return config.Default(), nil
}
