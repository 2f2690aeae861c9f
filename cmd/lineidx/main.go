// Command lineidx prints windows of large, growing text files using the
// incremental line index.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kk-code-lab/lineidx/internal/config"
	logpkg "github.com/kk-code-lab/lineidx/internal/log"
)

// Version information set via ldflags during build.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

type globalFlags struct {
	configPath string
	envFile    string
	color      string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	flags := &globalFlags{}
	cmd := &cobra.Command{
		Use:   "lineidx",
		Short: "Browse huge and growing text files by line",
		Long: `lineidx keeps a bounded window of line offsets over a file and moves it
as you ask for other parts of the file, without reading the whole file.

Settings are read in this order (later sources override earlier):
  1. Built-in defaults
  2. TOML file (--config, default ~/.config/lineidx/config.toml)
  3. .env file (--env-file, default .env in the current directory)
  4. LINEIDX_* environment variables`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "Path to settings file")
	cmd.PersistentFlags().StringVar(&flags.envFile, "env-file", "", "Path to .env file")
	cmd.PersistentFlags().StringVar(&flags.color, "color", "auto", "Colour highlighted lines: auto, always, never")

	cmd.AddCommand(viewCmd(flags))
	cmd.AddCommand(tailCmd(flags))
	cmd.AddCommand(versionCmd())
	return cmd
}

func loadSettings(flags *globalFlags) (config.Settings, *slog.Logger, error) {
	s, err := config.Load(flags.configPath, flags.envFile)
	if err != nil {
		return config.Settings{}, nil, fmt.Errorf("load config: %w", err)
	}
	return s, logpkg.NewLogger(os.Stderr, s.LogFormat, s.LogLevel), nil
}
