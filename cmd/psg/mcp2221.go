package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/mklimuk/psg/adapter"
	"github.com/mklimuk/psg/cmd/psg/console"
	"github.com/mklimuk/psg/gpio"
	"github.com/mklimuk/psg/psgctx"
)

var mcp2221Cmd = cli.Command{
	Name:  "mcp2221",
	Usage: "inspect the USB I2C bridge behind the mcp23017 backend",
	Subcommands: cli.Commands{
		&mcp2221StatusCmd,
		&mcp2221ReleaseCmd,
		&mcp2221GPIOCmd,
		&mcp2221ExpanderCmd,
	},
}

func bridgeContext(c *cli.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(psgctx.SetVerbose(c.Context, c.Bool("verbose")), 5*time.Second)
}

func printYAML(v interface{}) error {
	enc := yaml.NewEncoder(os.Stdout)
	if err := enc.Encode(v); err != nil {
		return console.Exit(console.ExitFailure, "encoding error: %s", console.Red(err))
	}
	return enc.Close()
}

var mcp2221StatusCmd = cli.Command{
	Name: "status",
	Action: func(c *cli.Context) error {
		ctx, cancel := bridgeContext(c)
		defer cancel()
		status, err := adapter.NewMCP2221().Status(ctx)
		if err != nil {
			return console.Exit(console.ExitFailure, "adapter communication error: %s", console.Red(err))
		}
		return printYAML(status)
	},
}

var mcp2221ReleaseCmd = cli.Command{
	Name:  "release",
	Usage: "cancel a stuck I2C transfer",
	Action: func(c *cli.Context) error {
		ctx, cancel := bridgeContext(c)
		defer cancel()
		status, err := adapter.NewMCP2221().ReleaseBus(ctx)
		if err != nil {
			return console.Exit(console.ExitFailure, "adapter communication error: %s", console.Red(err))
		}
		return printYAML(status)
	},
}

var mcp2221GPIOCmd = cli.Command{
	Name:  "gpio",
	Usage: "show GP0..GP3 designation and values",
	Subcommands: cli.Commands{
		&mcp2221GPIOSetCmd,
	},
	Action: func(c *cli.Context) error {
		ctx, cancel := bridgeContext(c)
		defer cancel()
		a := adapter.NewMCP2221()
		params, err := a.GetGPIOParameters(ctx)
		if err != nil {
			return console.Exit(console.ExitFailure, "could not read GPIO parameters: %s", console.Red(err))
		}
		values, err := a.ReadGPIO(ctx)
		if err != nil {
			return console.Exit(console.ExitFailure, "could not read GPIO values: %s", console.Red(err))
		}
		return printYAML(map[string]interface{}{"parameters": params, "values": values})
	},
}

var mcp2221ExpanderCmd = cli.Command{
	Name:      "expander",
	Usage:     "read both MCP23017 ports through the bridge",
	ArgsUsage: "[ADDRESS]",
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:  "bank",
			Usage: "IOCON.BANK setting of the expander (0 or 1)",
		},
	},
	Action: func(c *cli.Context) error {
		address := byte(gpio.DefaultMCP23017Address)
		if c.NArg() > 0 {
			var err error
			address, err = parseByte(c.Args().First())
			if err != nil {
				return exitError(err)
			}
		}
		ctx, cancel := bridgeContext(c)
		defer cancel()
		exp := gpio.NewMCP23017(adapter.NewMCP2221(), address, gpio.WithRetryLimit(3), gpio.WithBank(c.Int("bank")))
		if err := exp.Init(ctx); err != nil {
			return console.Exit(console.ExitFailure, "could not initialize expander: %s", console.Red(err))
		}
		for _, port := range []gpio.Port{gpio.PortA, gpio.PortB} {
			v, err := exp.ReadPort(ctx, port)
			if err != nil {
				return console.Exit(console.ExitFailure, "could not read port %s: %s", port, console.Red(err))
			}
			console.PInfof(console.PictoPin, "GP%s %s", port, console.Hex(v))
		}
		return nil
	},
}

var mcp2221GPIOSetCmd = cli.Command{
	Name:      "set",
	Usage:     "designate GP pins as plain GPIO until the next power cycle",
	ArgsUsage: "GP0 [GP1 ...]",
	Action: func(c *cli.Context) error {
		if c.NArg() == 0 {
			return exitError(fmt.Errorf("%w: no pin given", errUsage))
		}
		if _, err := designateGPIO(adapter.MCP2221GPIOParameters{}, c.Args().Slice()); err != nil {
			return exitError(err)
		}
		ctx, cancel := bridgeContext(c)
		defer cancel()
		a := adapter.NewMCP2221()
		params, err := a.GetGPIOParameters(ctx)
		if err != nil {
			return console.Exit(console.ExitFailure, "could not read GPIO parameters: %s", console.Red(err))
		}
		params, _ = designateGPIO(params, c.Args().Slice())
		if err := a.SetGPIOParameters(ctx, params); err != nil {
			return console.Exit(console.ExitFailure, "could not set GPIO parameters: %s", console.Red(err))
		}
		return printYAML(params)
	},
}

// designateGPIO marks the named bridge pins as GPIO, the only designation
// under which they can carry a board line.
func designateGPIO(params adapter.MCP2221GPIOParameters, pins []string) (adapter.MCP2221GPIOParameters, error) {
	for _, pin := range pins {
		if len(pin) != 3 || pin[:2] != "GP" || pin[2] < '0' || pin[2] > '3' {
			return params, fmt.Errorf("%w: unknown bridge pin %q", errUsage, pin)
		}
		params = params.AsGPIO(int(pin[2] - '0'))
	}
	return params, nil
}
