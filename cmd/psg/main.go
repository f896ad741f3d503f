package main

import (
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	chlog "github.com/charmbracelet/log"
	"github.com/muesli/termenv"
	"github.com/urfave/cli/v2"

	"github.com/mklimuk/psg/cmd/psg/console"
)

var version string
var commit string
var date string

func main() {
	os.Exit(run(os.Args))
}

func run(args []string) int {
	app := newApp()
	err := app.Run(args)
	if err != nil {
		var exerr cli.ExitCoder
		if errors.As(err, &exerr) {
			log.Printf("unexpected error: %v", err)
			return exerr.ExitCode()
		}
		console.Errorf("%v", err)
		return console.ExitFailure
	}
	return 0
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "psg"
	app.EnableBashCompletion = true
	app.Version = fmt.Sprintf("%s-%s-%s", version, date, commit)
	app.Usage = "AY-3-8910 / YM2149 bus driver"
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Value:   "psg.yaml",
			EnvVars: []string{"PSG_CONFIG"},
			Usage:   "board pin map",
		},
		&cli.BoolFlag{
			Name:  "mock",
			Usage: "drive an in-memory chip instead of the configured board",
		},
		&cli.BoolFlag{
			Name:  "reset",
			Usage: "pulse RESET when opening the chip",
		},
		&cli.BoolFlag{
			Name:  "verbose",
			Usage: "enable verbose logging",
		},
	}
	// run maps errors to exit codes itself
	app.ExitErrHandler = func(*cli.Context, error) {}
	app.Before = func(ctx *cli.Context) error {
		charm := chlog.NewWithOptions(os.Stderr, chlog.Options{
			ReportCaller:    true,
			ReportTimestamp: true,
			TimeFormat:      time.DateTime,
		})
		charm.SetColorProfile(termenv.TrueColor)
		charm.SetLevel(chlog.InfoLevel)
		if ctx.Bool("verbose") {
			charm.SetLevel(chlog.DebugLevel)
		}
		slog.SetDefault(slog.New(charm))
		return nil
	}
	app.Commands = append(opCommands(),
		&playCmd,
		&shellCmd,
		&usbCmd,
		&mcp2221Cmd,
	)
	return app
}
