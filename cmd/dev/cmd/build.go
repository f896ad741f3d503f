package cmd

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gophertribe/devtool/build"
)

// boards the driver is usually deployed on, as GOOS/GOARCH
var targets = map[string][2]string{
	"nanopi": {"linux", "arm"},
	"rpi":    {"linux", "arm64"},
	"host":   {runtime.GOOS, runtime.GOARCH},
}

func BuildCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build the psg cli",
		RunE: func(cmd *cobra.Command, args []string) error {
			target, _ := cmd.Flags().GetString("target")
			version, _ := cmd.Flags().GetString("version")
			platform, ok := targets[target]
			if !ok {
				known := make([]string, 0, len(targets))
				for name := range targets {
					known = append(known, name)
				}
				return fmt.Errorf("unknown target %q (one of %s)", target, strings.Join(known, ", "))
			}
			goos, goarch := platform[0], platform[1]

			// hid and gpio backends need cgo, so foreign targets are built in a container
			if (goos == runtime.GOOS && goarch == runtime.GOARCH) || cmd.Flag("in-container").Changed {
				return build.GoBuild(fmt.Sprintf("dist/psg-%s-%s", goos, goarch), "./cmd/psg", build.GoBuildOpts{
					Version:       version,
					InjectVersion: true,
					ConfigPackage: "main",
					EnableCgo:     true,
					Arch:          goarch,
					OS:            goos,
				})
			}
			noCache, err := cmd.Flags().GetBool("no-cache")
			if err != nil {
				return fmt.Errorf("could not get no-cache flag: %w", err)
			}
			return build.Docker(cmd.Context(), fmt.Sprintf("./dev-%s-%s", goos, goarch),
				[]string{"build", "--version", version, "--target", target, "--in-container"},
				build.DockerBuildOpts{
					NoCache: noCache,
					Image:   "gophertribe/gobuild:1.25-bookworm",
				})
		},
	}
	cmd.Flags().Bool("no-cache", false, "do not use cache when building in docker")
	cmd.Flags().Bool("in-container", false, "build directly, used inside the build container")
	cmd.Flags().String("version", "latest", "version of the cli")
	cmd.Flags().String("target", "host", "board to build for: nanopi, rpi or host")
	return cmd
}
