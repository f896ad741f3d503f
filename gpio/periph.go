// Package gpio provides psg.Line implementations over the host GPIO stacks
// the driver runs on: periph.io pins (SoC headers and FTDI bridges), gobot
// digital pins, Linux GPIO character devices and MCP23017 expander ports.
package gpio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"

	"github.com/mklimuk/psg"
)

var ErrUnknownLine = errors.New("unknown line")

var _ psg.Line = &PeriphLine{}

var hostInit = sync.OnceValue(func() error {
	state, err := host.Init()
	if err != nil {
		return fmt.Errorf("could not init host: %w", err)
	}
	for _, driver := range state.Loaded {
		slog.Debug("host driver loaded", "driver", driver.String())
	}
	for _, failure := range state.Failed {
		slog.Debug("host driver failed", "driver", failure.D.String(), "error", failure.Err)
	}
	return nil
})

// PeriphLine drives a periph.io pin. Released pins keep their pull setting.
type PeriphLine struct {
	pin gpio.PinIO
}

func NewPeriphLine(pin gpio.PinIO) *PeriphLine {
	return &PeriphLine{pin: pin}
}

// OpenPeriphLine initializes the host drivers once and looks the pin up by
// name or number (e.g. "GPIO17", "17", "P1_11").
func OpenPeriphLine(name string) (*PeriphLine, error) {
	if err := hostInit(); err != nil {
		return nil, err
	}
	pin := gpioreg.ByName(name)
	if pin == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLine, name)
	}
	return NewPeriphLine(pin), nil
}

func (l *PeriphLine) Out(_ context.Context, level gpio.Level) error {
	if err := l.pin.Out(level); err != nil {
		return fmt.Errorf("could not drive %s: %w", l.pin, err)
	}
	return nil
}

func (l *PeriphLine) In(_ context.Context) error {
	if err := l.pin.In(gpio.PullNoChange, gpio.NoEdge); err != nil {
		return fmt.Errorf("could not release %s: %w", l.pin, err)
	}
	return nil
}

func (l *PeriphLine) Read(_ context.Context) (gpio.Level, error) {
	return l.pin.Read(), nil
}

func (l *PeriphLine) String() string {
	return l.pin.String()
}
