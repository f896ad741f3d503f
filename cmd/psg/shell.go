package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
	"github.com/urfave/cli/v2"

	"github.com/mklimuk/psg/cmd/psg/console"
)

var errQuit = errors.New("quit")

var shellCmd = cli.Command{
	Name:  "shell",
	Usage: "interactive register console",
	Action: func(c *cli.Context) error {
		s, err := openSession(c)
		if err != nil {
			return exitError(err)
		}
		defer func() { _ = s.Close() }()

		rl, err := readline.NewEx(&readline.Config{
			Prompt:          "psg> ",
			AutoComplete:    shellCompleter(),
			InterruptPrompt: "^C",
			EOFPrompt:       "exit",
		})
		if err != nil {
			return console.Exit(console.ExitFailure, "could not open terminal: %s", console.Red(err))
		}
		defer func() { _ = rl.Close() }()
		s.confirm = func(q string) (bool, error) {
			rl.SetPrompt(q + " [y/N]: ")
			defer rl.SetPrompt("psg> ")
			answer, err := rl.Readline()
			if err != nil {
				return false, err
			}
			answer = strings.ToLower(strings.TrimSpace(answer))
			return answer == "y" || answer == "yes", nil
		}

		ctx := sessionContext(c)
		for {
			line, err := rl.Readline()
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return console.Exit(console.ExitFailure, "%s", console.Red(err))
			}
			err = s.exec(ctx, line)
			if errors.Is(err, errQuit) {
				return nil
			}
			if err != nil {
				console.Errorf("%v", err)
			}
		}
	},
}

// exec runs one shell line. Failures never end the shell; only exit and quit
// return errQuit.
func (s *session) exec(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	switch fields[0] {
	case "exit", "quit":
		return errQuit
	case "help", "?":
		for _, o := range ops {
			console.Printf("  %-8s %-22s %s\n", o.name, o.args, o.usage)
		}
		console.Printf("  %-8s %-22s %s\n", "exit", "", "leave the shell")
		return nil
	}
	for _, o := range ops {
		if o.name == fields[0] {
			return o.call(ctx, s, fields[1:])
		}
	}
	return fmt.Errorf("%w: unknown command %s, try help", errUsage, fields[0])
}

func shellCompleter() *readline.PrefixCompleter {
	items := []readline.PrefixCompleterInterface{
		readline.PcItem("help"),
		readline.PcItem("exit"),
	}
	for _, o := range ops {
		if o.name == "address" {
			items = append(items, readline.PcItem(o.name, readline.PcItem("find"), readline.PcItem("get"), readline.PcItem("set")))
			continue
		}
		items = append(items, readline.PcItem(o.name))
	}
	return readline.NewPrefixCompleter(items...)
}
