package console

import (
	"fmt"

	"github.com/fatih/color"
)

// Available ANSI colors
var (
	Yellow = color.New(color.FgYellow).SprintFunc()
	Red    = color.New(color.FgRed).SprintFunc()
	Green  = color.New(color.FgGreen).SprintFunc()
	White  = color.New(color.FgHiWhite).SprintFunc()
	Bold   = color.New(color.Bold).SprintFunc()
)

// Hex renders a register value.
func Hex(v byte) string {
	return White(fmt.Sprintf("0x%02X", v))
}
