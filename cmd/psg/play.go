package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/mklimuk/psg/cmd/psg/console"
	"github.com/mklimuk/psg/sound"
)

var playCmd = cli.Command{
	Name:      "play",
	Usage:     "stream raw 14-byte register frames to the chip",
	ArgsUsage: "FILE",
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:  "rate",
			Value: sound.DefaultFrameRate,
			Usage: "frames per second",
		},
	},
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return console.Exit(console.ExitUsage, "usage: play FILE")
		}
		f, err := os.Open(c.Args().First())
		if err != nil {
			return console.Exit(console.ExitFailure, "could not open frames: %s", console.Red(err))
		}
		defer func() { _ = f.Close() }()
		s, err := openSession(c)
		if err != nil {
			return exitError(err)
		}
		defer func() { _ = s.Close() }()

		ctx, stop := signal.NotifyContext(sessionContext(c), os.Interrupt, syscall.SIGTERM)
		defer stop()
		console.PInfof(console.PictoSpeaker, "playing %s at %d Hz", c.Args().First(), c.Int("rate"))
		played, err := sound.NewPlayer(s.dev, sound.WithFrameRate(c.Int("rate"))).Play(ctx, f)
		if err != nil && !errors.Is(err, context.Canceled) {
			return exitError(err)
		}
		console.PInfof(console.PictoStop, "%d frames played", played)
		return nil
	},
}
