// Package cmd implements the CLI commands for berridl.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/berridl/berridl/internal/config"
	"github.com/berridl/berridl/internal/observability"
	"github.com/berridl/berridl/internal/version"
)

// Exit codes.
const (
	exitOK        = 0
	exitFatal     = 1
	exitUsage     = 2
	exitCancelled = 130
)

// cfgFile holds the config file path from the CLI flag.
var cfgFile string

// cfg is loaded once in the persistent pre-run and shared by subcommands.
var cfg *config.Config

// log is the process-wide logger, configured from cfg.
var log *slog.Logger

var rootCmd = &cobra.Command{
	Use:     "berridl",
	Short:   "Fan community media downloader",
	Version: version.Short(),
	Long: `berridl downloads media from the berriz fan community platform:
on-demand videos, live replays, photo posts, board posts, and notices.

DRM-protected streams are decrypted with a configured key source and an
external decryption tool (mp4decrypt or shaka packager).`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI and maps the outcome to a process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		fmt.Fprintln(os.Stderr, "cancelled")
		return exitCancelled
	case isUsageError(err):
		fmt.Fprintln(os.Stderr, "Error:", err)
		return exitUsage
	default:
		fmt.Fprintln(os.Stderr, "Error:", err)
		return exitFatal
	}
}

// usageError marks argument errors so Execute can exit with code 2.
type usageError struct{ error }

func isUsageError(err error) bool {
	var ue usageError
	return errors.As(err, &ue)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (text, json)")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return err
		}

		// CLI flags beat env and config, but only when explicitly set.
		if cmd.Flags().Changed("log-level") {
			cfg.Logging.Level, _ = cmd.Flags().GetString("log-level")
		}
		if cmd.Flags().Changed("log-format") {
			cfg.Logging.Format, _ = cmd.Flags().GetString("log-format")
		}

		log = observability.NewLogger(cfg.Logging)
		observability.SetDefault(log)
		return nil
	}
}
