package psg

import (
	"context"
	"fmt"

	"periph.io/x/conn/v3/gpio"
)

var ErrBusBusy = fmt.Errorf("I2C engine is busy (command not completed)")

// Line is a single digital signal wired to the sound chip. Out switches the
// line to output and drives it, In releases it to high impedance.
type Line interface {
	Out(ctx context.Context, level gpio.Level) error
	In(ctx context.Context) error
	Read(ctx context.Context) (gpio.Level, error)
}

type BusReader interface {
	Read(ctx context.Context, buffer []byte) error
}

type BusWriter interface {
	Write(ctx context.Context, buffer []byte) error
}

type AddressableReader interface {
	ReadFromAddr(ctx context.Context, address byte, buffer []byte) error
}

type AddressableWriter interface {
	WriteToAddr(ctx context.Context, address byte, buffer []byte) error
	Release(ctx context.Context) error
}

type I2CBus interface {
	AddressableReader
	AddressableWriter
}
