package main

import (
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/karalabe/hid"
	"github.com/urfave/cli/v2"

	"github.com/mklimuk/psg/adapter"
	"github.com/mklimuk/psg/gpio"
)

var usbCmd = cli.Command{
	Name:  "usb",
	Usage: "list USB bridges the chip can hang off",
	Subcommands: cli.Commands{
		&usbLsCmd,
		&usbDetectCmd,
	},
}

var usbLsCmd = cli.Command{
	Name: "ls",
	Action: func(c *cli.Context) error {
		devices := hid.Enumerate(0, 0)

		w := tabwriter.NewWriter(os.Stdout, 24, 0, 1, ' ', 0)
		_, _ = fmt.Fprintf(w, "PATH\tSERIAL\tVENDOR\tPRODUCT ID\tMANUFACTURER\tPRODUCT\n")
		for _, dev := range devices {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%#x\t%#x\t%s\t%s\n",
				dev.Path, dev.Serial, dev.VendorID, dev.ProductID, dev.Manufacturer, dev.Product)
		}
		_ = w.Flush()
		return nil
	},
}

// usbDetectCmd lists the bridges a board file can name: MCP2221 for the
// mcp23017 backend and FTDI for the ftdi backend (by index).
var usbDetectCmd = cli.Command{
	Name: "detect",
	Action: func(c *cli.Context) error {
		w := tabwriter.NewWriter(os.Stdout, 12, 0, 1, ' ', 0)
		_, _ = fmt.Fprintf(w, "VENDOR\tPRODUCT\tDEVICE\tBACKEND\n")
		for _, dev := range adapter.Detect() {
			_, _ = fmt.Fprintf(w, "%#x\t%#x\tMCP2221\t%s (%s)\n", dev.VendorID, dev.ProductID, BackendMCP23017, dev.Path)
		}
		bridges, err := gpio.DetectFTDI()
		if err != nil {
			slog.Debug("ftdi detection skipped", "error", err)
		}
		for i, info := range bridges {
			_, _ = fmt.Fprintf(w, "%#x\t%#x\t%s\t%s (device: %d)\n", info.VenID, info.DevID, info.Type, BackendFTDI, i)
		}
		_ = w.Flush()
		return nil
	},
}
