package gpio

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/warthog618/go-gpiocdev"
	"periph.io/x/conn/v3/gpio"

	"github.com/mklimuk/psg"
)

const DefaultChip = "gpiochip0"

const consumer = "psg"

var _ psg.Line = &CdevLine{}

type cdevLine interface {
	Reconfigure(...gpiocdev.LineConfigOption) error
	SetValue(int) error
	Value() (int, error)
	Close() error
}

// CdevLine drives a line requested from the Linux GPIO character device.
type CdevLine struct {
	name   string
	line   cdevLine
	output bool
}

// ParseCdevLine splits "gpiochip1:17" into chip and offset. A bare offset
// refers to DefaultChip.
func ParseCdevLine(id string) (string, int, error) {
	chip, offset := DefaultChip, id
	if i := strings.LastIndexByte(id, ':'); i >= 0 {
		chip, offset = id[:i], id[i+1:]
	}
	n, err := strconv.Atoi(offset)
	if err != nil || n < 0 {
		return "", 0, fmt.Errorf("invalid line offset in %q", id)
	}
	return chip, n, nil
}

// OpenCdevLine requests the line as an input.
func OpenCdevLine(id string) (*CdevLine, error) {
	chip, offset, err := ParseCdevLine(id)
	if err != nil {
		return nil, err
	}
	l, err := gpiocdev.RequestLine(chip, offset, gpiocdev.AsInput, gpiocdev.WithConsumer(consumer))
	if err != nil {
		return nil, fmt.Errorf("could not request line %s: %w", id, err)
	}
	return &CdevLine{name: id, line: l}, nil
}

func (l *CdevLine) Out(_ context.Context, level gpio.Level) error {
	val := 0
	if level {
		val = 1
	}
	if !l.output {
		if err := l.line.Reconfigure(gpiocdev.AsOutput(val)); err != nil {
			return fmt.Errorf("could not switch line %s to output: %w", l.name, err)
		}
		l.output = true
		return nil
	}
	if err := l.line.SetValue(val); err != nil {
		return fmt.Errorf("could not set line %s: %w", l.name, err)
	}
	return nil
}

func (l *CdevLine) In(_ context.Context) error {
	if !l.output {
		return nil
	}
	if err := l.line.Reconfigure(gpiocdev.AsInput); err != nil {
		return fmt.Errorf("could not switch line %s to input: %w", l.name, err)
	}
	l.output = false
	return nil
}

func (l *CdevLine) Read(_ context.Context) (gpio.Level, error) {
	val, err := l.line.Value()
	if err != nil {
		return gpio.Low, fmt.Errorf("could not read line %s: %w", l.name, err)
	}
	return gpio.Level(val != 0), nil
}

// Close releases the line request.
func (l *CdevLine) Close() error {
	return l.line.Close()
}

func (l *CdevLine) String() string {
	return l.name
}
