package gpio

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"periph.io/x/conn/v3/gpio"

	"github.com/mklimuk/psg"
)

const DefaultMCP23017Address = 0x21

type register byte

// Register indexes as laid out with IOCON.BANK = 1. Init clears IPOL and
// GPINTEN; the other interrupt registers are left alone.
const (
	IODIR   register = 0x00
	IPOL    register = 0x01
	GPINTEN register = 0x02
	GPPU    register = 0x06
	GPIO    register = 0x09
	OLAT    register = 0x0A
)

type Port int

const (
	PortA Port = iota
	PortB
)

func (p Port) String() string {
	if p == PortB {
		return "B"
	}
	return "A"
}

// addr returns the register address for the IOCON.BANK setting: with bank 0
// the A and B registers are interleaved, with bank 1 they are split in two
// blocks.
func addr(bank int, reg register, port Port) byte {
	if bank == 1 {
		return byte(port)<<4 | byte(reg)
	}
	return byte(reg)<<1 | byte(port)
}

type MCP23017Opts struct {
	Bank       int
	RetryLimit int
}

type MCP23017Opt func(*MCP23017Opts)

// WithBank tells the driver how IOCON.BANK is configured on the chip.
func WithBank(bank int) MCP23017Opt {
	return func(o *MCP23017Opts) {
		o.Bank = bank
	}
}

func WithRetryLimit(limit int) MCP23017Opt {
	return func(o *MCP23017Opts) {
		o.RetryLimit = limit
	}
}

// MCP23017 exposes the 16 expander pins as lines. Direction and output
// latch registers are shadowed so that a line change is a single register
// write.
//
// Steps to drive a pin:
//
//  1. Init: every pin input, output latches low
//  2. Out: set the OLAT bit, then clear the IODIR bit if the pin was an input
//  3. In: set the IODIR bit
type MCP23017 struct {
	mx         sync.Mutex
	transport  psg.I2CBus
	bank       int
	address    byte
	retryLimit int
	iodir      [2]byte
	olat       [2]byte
}

func NewMCP23017(bus psg.I2CBus, address byte, opts ...MCP23017Opt) *MCP23017 {
	config := MCP23017Opts{RetryLimit: 1}
	for _, opt := range opts {
		opt(&config)
	}
	if config.RetryLimit < 1 {
		config.RetryLimit = 1
	}
	return &MCP23017{
		transport:  bus,
		address:    address,
		bank:       config.Bank,
		retryLimit: config.RetryLimit,
		iodir:      [2]byte{0xFF, 0xFF},
	}
}

// Init puts both ports in input mode, clears the output latches and undoes
// polarity inversion or interrupts left behind by another program.
func (m *MCP23017) Init(ctx context.Context) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	for _, port := range []Port{PortA, PortB} {
		if err := m.writeRegister(ctx, IPOL, port, 0x00); err != nil {
			return fmt.Errorf("could not initialize gpio %s set: %w", port, err)
		}
		if err := m.writeRegister(ctx, GPINTEN, port, 0x00); err != nil {
			return fmt.Errorf("could not initialize gpio %s set: %w", port, err)
		}
		if err := m.writeRegister(ctx, OLAT, port, 0x00); err != nil {
			return fmt.Errorf("could not initialize gpio %s set: %w", port, err)
		}
		if err := m.writeRegister(ctx, IODIR, port, 0xFF); err != nil {
			return fmt.Errorf("could not initialize gpio %s set: %w", port, err)
		}
		m.olat[port] = 0x00
		m.iodir[port] = 0xFF
	}
	return nil
}

// PullUp sets up pull up resistors on a port.
func (m *MCP23017) PullUp(ctx context.Context, port Port, settings byte) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	if err := m.writeRegister(ctx, GPPU, port, settings); err != nil {
		return fmt.Errorf("could not set pull-up on gpio %s set: %w", port, err)
	}
	return nil
}

// ReadPort reads the pin levels of a port.
func (m *MCP23017) ReadPort(ctx context.Context, port Port) (byte, error) {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.readPort(ctx, port)
}

func (m *MCP23017) readPort(ctx context.Context, port Port) (byte, error) {
	var err error
	var res byte
	for i := m.retryLimit; i > 0; i-- {
		res, err = m.readRegister(ctx, addr(m.bank, GPIO, port))
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, psg.ErrBusBusy) {
			return res, fmt.Errorf("could not read gpio %s set: %w", port, err)
		}
		// try to release the bus
		_ = m.transport.Release(ctx)
	}
	return res, fmt.Errorf("could not read gpio %s set (retry limit reached): %w", port, err)
}

// Line returns pin bit (0-7) of port as a line.
func (m *MCP23017) Line(port Port, bit int) *ExpanderLine {
	return &ExpanderLine{dev: m, port: port, mask: 1 << (bit & 0x07), name: fmt.Sprintf("GP%s%d", port, bit&0x07)}
}

func (m *MCP23017) readRegister(ctx context.Context, reg byte) (byte, error) {
	err := m.transport.WriteToAddr(ctx, m.address, []byte{reg})
	if err != nil {
		return 0x00, fmt.Errorf("could not set I/O registry address: %w", err)
	}
	buf := make([]byte, 1)
	err = m.transport.ReadFromAddr(ctx, m.address, buf)
	if err != nil {
		return 0x00, fmt.Errorf("could not read gpio data: %w", err)
	}
	return buf[0], nil
}

func (m *MCP23017) writeRegister(ctx context.Context, reg register, port Port, value byte) error {
	var err error
	for i := m.retryLimit; i > 0; i-- {
		err = m.transport.WriteToAddr(ctx, m.address, []byte{addr(m.bank, reg, port), value})
		if err == nil {
			return nil
		}
		if !errors.Is(err, psg.ErrBusBusy) {
			return err
		}
		// try to release the bus
		_ = m.transport.Release(ctx)
	}
	return fmt.Errorf("retry limit reached: %w", err)
}

func (m *MCP23017) drive(ctx context.Context, port Port, mask byte, level gpio.Level) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	olat := m.olat[port] &^ mask
	if level {
		olat |= mask
	}
	if olat != m.olat[port] {
		if err := m.writeRegister(ctx, OLAT, port, olat); err != nil {
			return err
		}
		m.olat[port] = olat
	}
	if m.iodir[port]&mask == 0 {
		return nil
	}
	iodir := m.iodir[port] &^ mask
	if err := m.writeRegister(ctx, IODIR, port, iodir); err != nil {
		return err
	}
	m.iodir[port] = iodir
	return nil
}

func (m *MCP23017) release(ctx context.Context, port Port, mask byte) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	if m.iodir[port]&mask != 0 {
		return nil
	}
	iodir := m.iodir[port] | mask
	if err := m.writeRegister(ctx, IODIR, port, iodir); err != nil {
		return err
	}
	m.iodir[port] = iodir
	return nil
}

var _ psg.Line = &ExpanderLine{}

// ExpanderLine is a single MCP23017 pin.
type ExpanderLine struct {
	dev  *MCP23017
	port Port
	mask byte
	name string
}

func (l *ExpanderLine) Out(ctx context.Context, level gpio.Level) error {
	if err := l.dev.drive(ctx, l.port, l.mask, level); err != nil {
		return fmt.Errorf("could not drive %s: %w", l.name, err)
	}
	return nil
}

func (l *ExpanderLine) In(ctx context.Context) error {
	if err := l.dev.release(ctx, l.port, l.mask); err != nil {
		return fmt.Errorf("could not release %s: %w", l.name, err)
	}
	return nil
}

func (l *ExpanderLine) Read(ctx context.Context) (gpio.Level, error) {
	v, err := l.dev.ReadPort(ctx, l.port)
	if err != nil {
		return gpio.Low, err
	}
	return gpio.Level(v&l.mask != 0), nil
}

func (l *ExpanderLine) String() string {
	return l.name
}
