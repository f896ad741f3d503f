package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/mklimuk/psg/cmd/psg/console"
	"github.com/mklimuk/psg/psgctx"
	"github.com/mklimuk/psg/sound"
)

var errUsage = errors.New("invalid arguments")
var errMismatch = errors.New("register value mismatch")

// session is an opened chip shared by every op of one CLI run or shell.
type session struct {
	dev       *device
	board     *Board
	boardPath string
	confirm   func(question string) (bool, error)
}

func (s *session) Close() error {
	return s.dev.Close()
}

type op struct {
	name  string
	usage string
	args  string
	min   int
	max   int
	run   func(ctx context.Context, s *session, args []string) error
}

var ops = []op{
	{
		name:  "write",
		usage: "write a register",
		args:  "REGISTER VALUE",
		min:   2,
		max:   2,
		run: func(ctx context.Context, s *session, args []string) error {
			reg, val, err := parseRegisterValue(args)
			if err != nil {
				return err
			}
			if err := s.dev.WriteRegister(ctx, reg, val); err != nil {
				return err
			}
			console.PInfof(console.PictoNote, "%s <- %s", reg, console.Hex(val))
			return nil
		},
	},
	{
		name:  "read",
		usage: "read a register",
		args:  "REGISTER",
		min:   1,
		max:   1,
		run: func(ctx context.Context, s *session, args []string) error {
			reg, err := sound.ParseRegister(args[0])
			if err != nil {
				return fmt.Errorf("%w: %w", errUsage, err)
			}
			val, err := s.dev.ReadRegister(ctx, reg)
			if err != nil {
				return err
			}
			console.Printf("%s = %s\n", reg, console.Hex(val&reg.Mask()))
			return nil
		},
	},
	{
		name:  "verify",
		usage: "write a register and read it back",
		args:  "REGISTER VALUE",
		min:   2,
		max:   2,
		run: func(ctx context.Context, s *session, args []string) error {
			reg, val, err := parseRegisterValue(args)
			if err != nil {
				return err
			}
			ok, got, err := s.dev.Verify(ctx, reg, val)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: %s wrote %s read %s", errMismatch, reg, console.Hex(val&reg.Mask()), console.Hex(got&reg.Mask()))
			}
			console.Printf("%s %s\n", reg, console.Green("OK"))
			return nil
		},
	},
	{
		name:  "address",
		usage: "find, set or get the chip address",
		args:  "find|get|set ADDRESS",
		min:   1,
		max:   2,
		run:   address,
	},
	{
		name:  "dump",
		usage: "read every register as YAML",
		args:  "[FILE]",
		min:   0,
		max:   1,
		run: func(ctx context.Context, s *session, args []string) error {
			regs, err := s.dev.Dump(ctx)
			if err != nil {
				return err
			}
			for r := range regs {
				regs[r] &= sound.Register(r).Mask()
			}
			data, err := yaml.Marshal(regs)
			if err != nil {
				return fmt.Errorf("could not encode registers: %w", err)
			}
			if len(args) == 0 {
				console.Printf("%s", data)
				return nil
			}
			return os.WriteFile(args[0], data, 0o644)
		},
	},
	{
		name:  "load",
		usage: "write every register from a YAML dump",
		args:  "FILE",
		min:   1,
		max:   1,
		run: func(ctx context.Context, s *session, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var regs sound.Registers
			if err := yaml.Unmarshal(data, &regs); err != nil {
				return fmt.Errorf("%w: %w", errUsage, err)
			}
			ok, err := s.confirm(fmt.Sprintf("overwrite all registers from %s?", args[0]))
			if err != nil {
				return err
			}
			if !ok {
				console.PInfof(console.PictoStop, "aborted")
				return nil
			}
			if err := s.dev.Load(ctx, regs); err != nil {
				return err
			}
			console.PInfof(console.PictoNote, "%d registers loaded", sound.RegisterCount)
			return nil
		},
	},
	{
		name:  "reset",
		usage: "pulse RESET",
		run: func(ctx context.Context, s *session, _ []string) error {
			return s.dev.Reset(ctx)
		},
	},
	{
		name:  "silence",
		usage: "mute every channel",
		run: func(ctx context.Context, s *session, _ []string) error {
			if err := sound.NewPlayer(s.dev).Silence(ctx); err != nil {
				return err
			}
			console.PInfof(console.PictoSpeaker, "silenced")
			return nil
		},
	},
	{
		name:  "mode",
		usage: "show the bus control vector",
		run: func(_ context.Context, s *session, _ []string) error {
			m := s.dev.Mode()
			console.PInfof(console.PictoPin, "%s %s (%s)", m, m.Operation(), s.dev.Topology())
			return nil
		},
	},
}

func address(ctx context.Context, s *session, args []string) error {
	switch {
	case args[0] == "find" && len(args) == 1:
		found, err := s.dev.FindChipAddress(ctx)
		if err != nil {
			return err
		}
		console.Printf("chip answers on %s\n", console.Hex(found))
		return nil
	case args[0] == "get" && len(args) == 1:
		console.Printf("%s\n", console.Hex(s.dev.ChipAddress()))
		return nil
	case args[0] == "set" && len(args) == 2:
		addr, err := parseByte(args[1])
		if err != nil {
			return err
		}
		s.dev.SetChipAddress(addr)
		s.board.ChipAddress = s.dev.ChipAddress()
		if s.boardPath == "" {
			return nil
		}
		if err := s.board.Save(s.boardPath); err != nil {
			return err
		}
		console.PInfof(console.PictoPin, "chip address %s saved to %s", console.Hex(s.board.ChipAddress), s.boardPath)
		return nil
	}
	return fmt.Errorf("%w: address find|get|set ADDRESS", errUsage)
}

func parseByte(s string) (byte, error) {
	v, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a byte", errUsage, s)
	}
	return byte(v), nil
}

func parseRegisterValue(args []string) (sound.Register, byte, error) {
	reg, err := sound.ParseRegister(args[0])
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %w", errUsage, err)
	}
	val, err := parseByte(args[1])
	if err != nil {
		return 0, 0, err
	}
	return reg, val, nil
}

func (o op) call(ctx context.Context, s *session, args []string) error {
	if len(args) < o.min || len(args) > o.max {
		return fmt.Errorf("%w: usage: %s %s", errUsage, o.name, o.args)
	}
	return o.run(ctx, s, args)
}

// exitError maps an op failure to the process exit code.
func exitError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sound.ErrAddressNotFound):
		return console.Exit(console.ExitNotFound, "%s", console.Red(err))
	case errors.Is(err, errMismatch):
		return console.Exit(console.ExitMismatch, "%s", console.Red(err))
	case errors.Is(err, errUsage), errors.Is(err, ErrInvalidBoard):
		return console.Exit(console.ExitUsage, "%s", console.Red(err))
	}
	return console.Exit(console.ExitFailure, "%s", console.Red(err))
}

func openSession(c *cli.Context) (*session, error) {
	board := defaultBoard()
	path := ""
	if !c.Bool("mock") {
		path = c.String("config")
		var err error
		board, err = LoadBoard(path)
		if err != nil {
			return nil, err
		}
	}
	dev, err := board.Open(sessionContext(c), c.Bool("reset"))
	if err != nil {
		return nil, err
	}
	return &session{
		dev:       dev,
		board:     board,
		boardPath: path,
		confirm: func(q string) (bool, error) {
			return console.Confirm(q, false)
		},
	}, nil
}

func sessionContext(c *cli.Context) context.Context {
	return psgctx.SetVerbose(c.Context, c.Bool("verbose"))
}

func opCommands() cli.Commands {
	cmds := make(cli.Commands, 0, len(ops))
	for _, o := range ops {
		cmd := &cli.Command{
			Name:      o.name,
			Usage:     o.usage,
			ArgsUsage: o.args,
			Action: func(c *cli.Context) error {
				s, err := openSession(c)
				if err != nil {
					return exitError(err)
				}
				defer func() { _ = s.Close() }()
				if c.Bool("yes") {
					s.confirm = func(string) (bool, error) { return true, nil }
				}
				return exitError(o.call(sessionContext(c), s, c.Args().Slice()))
			},
		}
		if o.name == "load" {
			cmd.Flags = []cli.Flag{&cli.BoolFlag{Name: "yes", Aliases: []string{"y"}, Usage: "do not ask for confirmation"}}
		}
		cmds = append(cmds, cmd)
	}
	return cmds
}
