package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	"github.com/spf13/cobra"
)

func ChangelogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "changelog",
		Short: "Generate CHANGELOG.md from conventional commits",
		Long: `Generate CHANGELOG.md with git-chglog.

Commits follow the Conventional Commits format, for example:
  feat(sound): add single-inactive latch sequence
  fix(gpio): release expander lines before reads

Examples:
  dev changelog
  dev changelog --next v0.3.0`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			next, _ := cmd.Flags().GetString("next")
			tag, _ := cmd.Flags().GetString("tag")

			if _, err := exec.LookPath("git-chglog"); err != nil {
				slog.Error("git-chglog not found in PATH, install it with: go install github.com/git-chglog/git-chglog/cmd/git-chglog@latest")
				return fmt.Errorf("git-chglog not installed: %w", err)
			}
			chglogArgs := []string{"--output", output}
			if next != "" {
				chglogArgs = append(chglogArgs, "--next-tag", next)
			}
			if tag != "" {
				chglogArgs = append(chglogArgs, tag)
			}
			slog.Debug("running git-chglog", "args", chglogArgs)
			gitChglog := exec.Command("git-chglog", chglogArgs...)
			gitChglog.Stdout = os.Stdout
			gitChglog.Stderr = os.Stderr
			if err := gitChglog.Run(); err != nil {
				return fmt.Errorf("failed to generate changelog: %w", err)
			}
			slog.Info("changelog generated", "output", output)
			return nil
		},
	}
	cmd.Flags().String("next", "", "next version tag (e.g. v0.3.0)")
	cmd.Flags().String("output", "CHANGELOG.md", "output file path")
	cmd.Flags().String("tag", "", "only generate the given tag")
	return cmd
}
