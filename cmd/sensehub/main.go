// SenseHub - Automation rule engine for greenhouse and facility equipment.
//
// This is the main entry point for the SenseHub service. The binary has
// three commands:
//   - serve: run the engine, MQTT adapters and HTTP API until interrupted
//   - validate: check a seed file of automations without side effects
//   - migrate: apply database migrations and exit
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lilistrocel/sensehub-sub001/internal/infrastructure/config"
	_ "github.com/lilistrocel/sensehub-sub001/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// configEnv names the environment variable consulted when --config is not given.
const configEnv = "SENSEHUB_CONFIG"

func main() {
	// Cancel on interrupt signals (Ctrl+C, SIGTERM) for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// rootOptions holds global flags for all commands.
type rootOptions struct {
	configPath string
}

// newRootCommand creates the sensehub command tree.
func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "sensehub",
		Short:         "SenseHub automation engine",
		Long:          "SenseHub runs operator-defined automations: triggers, conditions and actions over MQTT-connected equipment.",
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		"path to the YAML configuration file (default $"+configEnv+", then built-in defaults)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newValidateCommand())
	cmd.AddCommand(newMigrateCommand(opts))

	return cmd
}

// loadConfig resolves the configuration path and loads it.
// With neither --config nor SENSEHUB_CONFIG set, built-in defaults are used.
func (o *rootOptions) loadConfig() (*config.Config, string, error) {
	path := o.configPath
	if path == "" {
		path = os.Getenv(configEnv)
	}

	if path == "" {
		cfg, err := config.Default()
		if err != nil {
			return nil, "", fmt.Errorf("loading default config: %w", err)
		}
		return cfg, "(defaults)", nil
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

// printf writes to a command's output. Write errors to the terminal are not actionable.
func printf(w io.Writer, format string, args ...any) {
	//nolint:errcheck // best-effort CLI output
	fmt.Fprintf(w, format, args...)
}
