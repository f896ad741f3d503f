package cmd

import (
	"fmt"

	"github.com/gophertribe/devtool/test"
	"github.com/spf13/cobra"
)

func TestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "Run unit tests against the mock chip",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := test.Test(); err != nil {
				return fmt.Errorf("failed to run tests: %w", err)
			}
			return nil
		},
	}
}

func LintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lint",
		Short: "Run linters",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := test.Lint(); err != nil {
				return fmt.Errorf("failed to run linting: %w", err)
			}
			return nil
		},
	}
}

// IntegrationTestCmd runs the tests that need a chip wired to the host.
func IntegrationTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "integration-test",
		Short: "Run tests against real hardware",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := test.Integ(); err != nil {
				return fmt.Errorf("failed to run integration testing: %w", err)
			}
			return nil
		},
	}
}
