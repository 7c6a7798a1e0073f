package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lilistrocel/sensehub-sub001/internal/automation"
)

// errInvalidSeed is returned when a seed file has problems. The problems
// themselves are printed, so the message stays short.
var errInvalidSeed = errors.New("seed file is invalid")

// newValidateCommand creates the validate command.
func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file.yaml>",
		Short: "Validate a seed file of automations",
		Long: `Parse and validate a YAML list of automations without touching the
database or the bus. Every invalid entry is reported, not just the first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, args[0])
		},
	}
}

func runValidate(cmd *cobra.Command, path string) error {
	out := cmd.OutOrStdout()

	automations, err := automation.LoadSeedFile(path)
	if err == nil {
		printf(out, "%s: %d automations valid\n", path, len(automations))
		for _, a := range automations {
			id := a.ID
			if id == "" {
				id = "(generated)"
			}
			printf(out, "  %-24s %-10s priority=%d enabled=%t\n", id, a.Trigger.Type, a.Priority, a.Enabled)
		}
		return nil
	}

	if automations == nil {
		return err
	}

	printf(out, "%s: invalid\n", path)
	var joined interface{ Unwrap() []error }
	if errors.As(err, &joined) {
		for _, problem := range joined.Unwrap() {
			printf(out, "  %v\n", problem)
		}
	} else {
		printf(out, "  %v\n", err)
	}
	return fmt.Errorf("%s: %w", path, errInvalidSeed)
}
