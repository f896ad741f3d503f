package console

import (
	"strings"

	"github.com/chzyer/readline"
)

// Confirm asks a yes/no question. An empty answer picks def.
func Confirm(question string, def bool) (bool, error) {
	choices := " [y/N]: "
	if def {
		choices = " [Y/n]: "
	}
	rl, err := readline.New(question + choices)
	if err != nil {
		return false, err
	}
	defer func() { _ = rl.Close() }()
	response, err := rl.Readline()
	if err != nil {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(response)) {
	case "":
		return def, nil
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}
