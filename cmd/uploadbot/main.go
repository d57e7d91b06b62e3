package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"uploadbot/internal/app"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

type rootFlags struct {
	config  string
	envFile string
	verbose bool
}

func newRootCmd() *cobra.Command {
	var f rootFlags
	root := &cobra.Command{
		Use:           "uploadbot",
		Short:         "Telegram-driven YouTube upload scheduler",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// A missing .env is fine; the environment may already be set.
			if err := godotenv.Load(f.envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("load %s: %w", f.envFile, err)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBot(cmd.Context(), f.config)
		},
	}
	root.PersistentFlags().StringVarP(&f.config, "config", "c", "./config.yaml", "path to config file (YAML or JSON)")
	root.PersistentFlags().StringVar(&f.envFile, "env-file", ".env", "dotenv file loaded before the config")
	root.PersistentFlags().BoolVarP(&f.verbose, "verbose", "v", false, "debug logging for one-shot commands")

	run := &cobra.Command{
		Use:   "run",
		Short: "Run the bot (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBot(cmd.Context(), f.config)
		},
	}
	root.AddCommand(run,
		statusCmd(&f),
		summaryCmd(&f),
		queueCmd(&f),
		tickCmd(&f),
	)
	return root
}

func runBot(parent context.Context, cfgPath string) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	bot, err := app.New(cfgPath)
	if err != nil {
		return err
	}
	if err := bot.Start(ctx); err != nil {
		_ = bot.Stop(context.Background(), app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-bot.Done():
		if bot.Err() != nil {
			reason = app.StopFatalError
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	if err := bot.Stop(stopCtx, reason); err != nil {
		return err
	}
	return bot.Err()
}
