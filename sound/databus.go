package sound

import (
	"context"
	"fmt"

	"periph.io/x/conn/v3/gpio"

	"github.com/mklimuk/psg"
)

// dataBus drives and samples DA0..DA7. Unconnected lines are skipped on
// output and read as 0.
type dataBus struct {
	lines [8]psg.Line
}

// release puts every connected line in high impedance.
func (b *dataBus) release(ctx context.Context) error {
	for i, l := range b.lines {
		if l == nil {
			continue
		}
		if err := l.In(ctx); err != nil {
			return fmt.Errorf("could not release DA%d: %w", i, err)
		}
	}
	return nil
}

// drive outputs value with bit 0 on DA0.
func (b *dataBus) drive(ctx context.Context, value byte) error {
	for i, l := range b.lines {
		if l == nil {
			continue
		}
		if err := l.Out(ctx, gpio.Level(value&(1<<i) != 0)); err != nil {
			return fmt.Errorf("could not drive DA%d: %w", i, err)
		}
	}
	return nil
}

// sample reads DA0 first into the least significant bit.
func (b *dataBus) sample(ctx context.Context) (byte, error) {
	var res byte
	for i, l := range b.lines {
		if l == nil {
			continue
		}
		lvl, err := l.Read(ctx)
		if err != nil {
			return 0, fmt.Errorf("could not read DA%d: %w", i, err)
		}
		if lvl == gpio.High {
			res |= 1 << i
		}
	}
	return res, nil
}
