package gpio

import (
	"context"
	"fmt"

	"gobot.io/x/gobot/v2"
	"gobot.io/x/gobot/v2/platforms/friendlyelec/nanopi"
	"gobot.io/x/gobot/v2/system"
	"periph.io/x/conn/v3/gpio"

	"github.com/mklimuk/psg"
)

var _ psg.Line = &GobotLine{}

// DigitalPinProvider is implemented by gobot platform adaptors.
type DigitalPinProvider interface {
	DigitalPin(id string) (gobot.DigitalPinner, error)
}

// digitalPin is the part of gobot.DigitalPinner used by GobotLine.
type digitalPin interface {
	Read() (int, error)
	Write(int) error
	ApplyOptions(...func(gobot.DigitalPinOptioner) bool) error
}

// GobotLine drives a gobot digital pin. The pin direction is only
// reconfigured when it changes; plain writes go straight to the value file.
type GobotLine struct {
	id     string
	pin    digitalPin
	output bool
}

// NewNanoPiAdaptor connects the NanoPi NEO adaptor the lines are requested
// from. Finalize it when done.
func NewNanoPiAdaptor() (*nanopi.Adaptor, error) {
	npi := nanopi.NewNeoAdaptor()
	if err := npi.Connect(); err != nil {
		return nil, fmt.Errorf("adaptor connect error: %w", err)
	}
	return npi, nil
}

func OpenGobotLine(adaptor DigitalPinProvider, id string) (*GobotLine, error) {
	pin, err := adaptor.DigitalPin(id)
	if err != nil {
		return nil, fmt.Errorf("could not get digital pin %s: %w", id, err)
	}
	return &GobotLine{id: id, pin: pin}, nil
}

func (l *GobotLine) Out(_ context.Context, level gpio.Level) error {
	val := 0
	if level {
		val = 1
	}
	if !l.output {
		if err := l.pin.ApplyOptions(system.WithPinDirectionOutput(val)); err != nil {
			return fmt.Errorf("could not switch pin %s to output: %w", l.id, err)
		}
		l.output = true
		return nil
	}
	if err := l.pin.Write(val); err != nil {
		return fmt.Errorf("could not write pin %s: %w", l.id, err)
	}
	return nil
}

func (l *GobotLine) In(_ context.Context) error {
	if !l.output {
		return nil
	}
	if err := l.pin.ApplyOptions(system.WithPinDirectionInput()); err != nil {
		return fmt.Errorf("could not switch pin %s to input: %w", l.id, err)
	}
	l.output = false
	return nil
}

func (l *GobotLine) Read(_ context.Context) (gpio.Level, error) {
	val, err := l.pin.Read()
	if err != nil {
		return gpio.Low, fmt.Errorf("could not read pin %s: %w", l.id, err)
	}
	return gpio.Level(val != 0), nil
}

func (l *GobotLine) String() string {
	return l.id
}
