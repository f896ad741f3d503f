// Package sound drives General Instrument AY-3-8910/8912 programmable sound
// generators wired directly to host lines.
//
// The chip has no chip select. It is addressed through the BDIR, BC2 and BC1
// bus control lines, and the skew between them (tBD) must stay under 50ns
// whenever the mode changes. Writing two lines one after the other can never
// meet that bound, so the driver only ever moves between modes that differ
// in a single line:
//
//	LATCH: 000 -> 001 -> 000
//	READ:  000 -> 010 -> 011 -> 010 -> 000
//	WRITE: 000 -> 010 -> 110 -> 010 -> 000
//
// Boards that tie BC2 high use the single inactive topology instead (see
// NewReducedAY3891x).
//
// Typical usage:
//
//	d, err := NewAY3891x(cfg)
//	err = d.Begin(ctx)
//	err = d.WriteRegister(ctx, AmplitudeA, 0x0F)
package sound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/host/v3/cpu"

	"github.com/mklimuk/psg"
)

var ErrControlLineUnconnected = errors.New("bus control line must be connected")
var ErrAddressNotFound = errors.New("no chip answered on any address")

// Datasheet timing.
const (
	// tDW, write data pulse width
	MinWritePulse = 500 * time.Nanosecond
	MaxWritePulse = 10 * time.Microsecond
	// tRW, reset pulse width
	MinResetPulse = 5 * time.Microsecond
)

// value written to EnvPeriodFine while looking for the chip address
const addressSentinel byte = 0x7A

// Config describes a chip with every bus control line wired to the host.
// Optional lines may be left nil.
type Config struct {
	// DA[0] is DA0 (least significant bit).
	DA   [8]psg.Line
	BDIR psg.Line
	BC2  psg.Line
	BC1  psg.Line
	// A8 and A9 have internal pull-up/pull-down on the chip and are only
	// released to input.
	A8    psg.Line
	A9    psg.Line
	Reset psg.Line
	// Clock is accepted but never driven.
	Clock    psg.Line
	Topology Topology
}

// ReducedConfig describes the two line wiring: BC2 tied high, A8/A9, RESET
// and CLOCK handled on the board.
type ReducedConfig struct {
	DA   [8]psg.Line
	BDIR psg.Line
	BC1  psg.Line
}

type AY3891xOpts struct {
	// Delay waits for short, sub-scheduler durations. Defaults to a busy spin.
	Delay        func(time.Duration)
	Critical     Critical
	WritePulse   time.Duration
	ResetPulse   time.Duration
	ResetOnBegin bool
	Observer     func(from, to Mode)
}

type AY3891xOpt func(*AY3891xOpts)

func WithDelay(delay func(time.Duration)) AY3891xOpt {
	return func(o *AY3891xOpts) {
		o.Delay = delay
	}
}

func WithCritical(c Critical) AY3891xOpt {
	return func(o *AY3891xOpts) {
		o.Critical = c
	}
}

// WithWritePulse sets how long WRITE_DATA is held. Values are clamped to the
// datasheet window.
func WithWritePulse(d time.Duration) AY3891xOpt {
	return func(o *AY3891xOpts) {
		o.WritePulse = d
	}
}

// WithResetOnBegin controls whether Begin pulses RESET. Disable it to attach
// to a chip that is already playing.
func WithResetOnBegin(reset bool) AY3891xOpt {
	return func(o *AY3891xOpts) {
		o.ResetOnBegin = reset
	}
}

func WithResetPulse(d time.Duration) AY3891xOpt {
	return func(o *AY3891xOpts) {
		o.ResetPulse = d
	}
}

// WithTransitionObserver registers a callback invoked after every bus mode
// transition.
func WithTransitionObserver(fn func(from, to Mode)) AY3891xOpt {
	return func(o *AY3891xOpts) {
		o.Observer = fn
	}
}

// AY3891x is a single chip on a dedicated bus. Operations are serialized.
type AY3891x struct {
	mx          sync.Mutex
	config      AY3891xOpts
	bus         *busController
	data        dataBus
	a8, a9      psg.Line
	reset       psg.Line
	clock       psg.Line
	chipAddress byte
}

func defaultOpts(opts []AY3891xOpt) AY3891xOpts {
	config := AY3891xOpts{
		Delay:        cpu.Nanospin,
		Critical:     RuntimeCritical{},
		WritePulse:   1 * time.Microsecond,
		ResetPulse:   6 * time.Microsecond,
		ResetOnBegin: true,
	}
	for _, opt := range opts {
		opt(&config)
	}
	if config.WritePulse < MinWritePulse {
		config.WritePulse = MinWritePulse
	}
	if config.WritePulse > MaxWritePulse {
		config.WritePulse = MaxWritePulse
	}
	if config.ResetPulse < MinResetPulse {
		config.ResetPulse = MinResetPulse
	}
	return config
}

// NewAY3891x creates a driver for the fully wired chip.
func NewAY3891x(cfg Config, opts ...AY3891xOpt) (*AY3891x, error) {
	for name, l := range map[string]psg.Line{"BDIR": cfg.BDIR, "BC2": cfg.BC2, "BC1": cfg.BC1} {
		if l == nil {
			return nil, fmt.Errorf("%w: %s", ErrControlLineUnconnected, name)
		}
	}
	config := defaultOpts(opts)
	bus, err := newBusController(cfg.BDIR, cfg.BC2, cfg.BC1, cfg.Topology, config.Observer)
	if err != nil {
		return nil, err
	}
	return &AY3891x{
		config: config,
		bus:    bus,
		data:   dataBus{lines: cfg.DA},
		a8:     cfg.A8,
		a9:     cfg.A9,
		reset:  cfg.Reset,
		clock:  cfg.Clock,
	}, nil
}

// NewReducedAY3891x creates a driver for a board with BC2 tied high. It
// always uses TopologySingleInactive.
func NewReducedAY3891x(cfg ReducedConfig, opts ...AY3891xOpt) (*AY3891x, error) {
	if cfg.BDIR == nil {
		return nil, fmt.Errorf("%w: BDIR", ErrControlLineUnconnected)
	}
	if cfg.BC1 == nil {
		return nil, fmt.Errorf("%w: BC1", ErrControlLineUnconnected)
	}
	config := defaultOpts(opts)
	bus, err := newBusController(cfg.BDIR, nil, cfg.BC1, TopologySingleInactive, config.Observer)
	if err != nil {
		return nil, err
	}
	return &AY3891x{
		config: config,
		bus:    bus,
		data:   dataBus{lines: cfg.DA},
	}, nil
}

// Begin configures every line and, unless disabled with WithResetOnBegin,
// resets the chip. Call it once before any register access.
func (d *AY3891x) Begin(ctx context.Context) error {
	d.mx.Lock()
	defer d.mx.Unlock()
	err := d.data.release(ctx)
	if err != nil {
		return fmt.Errorf("could not initialize data bus: %w", err)
	}
	err = d.bus.force(ctx)
	if err != nil {
		return err
	}
	for name, l := range map[string]psg.Line{"A8": d.a8, "A9": d.a9, "CLOCK": d.clock} {
		if l == nil {
			continue
		}
		if err := l.In(ctx); err != nil {
			return fmt.Errorf("could not release %s: %w", name, err)
		}
	}
	if d.config.ResetOnBegin {
		err = d.resetChip(ctx)
		if err != nil {
			return err
		}
	}
	slog.Debug("ay3891x ready", "topology", d.bus.topology, "mode", d.bus.mode)
	return nil
}

// Reset pulses the RESET line, clearing every register. It does nothing when
// RESET is not wired.
func (d *AY3891x) Reset(ctx context.Context) error {
	d.mx.Lock()
	defer d.mx.Unlock()
	return d.resetChip(ctx)
}

func (d *AY3891x) resetChip(ctx context.Context) error {
	if d.reset == nil {
		return nil
	}
	if err := d.reset.Out(ctx, gpio.Low); err != nil {
		return fmt.Errorf("could not assert reset: %w", err)
	}
	d.config.Delay(d.config.ResetPulse)
	// released line is pulled up on the board
	if err := d.reset.In(ctx); err != nil {
		return fmt.Errorf("could not release reset: %w", err)
	}
	return nil
}

// SetChipAddress sets the mask programmed address. Only the high nibble is
// kept.
func (d *AY3891x) SetChipAddress(address byte) {
	d.mx.Lock()
	defer d.mx.Unlock()
	d.chipAddress = address & 0xF0
}

func (d *AY3891x) ChipAddress() byte {
	d.mx.Lock()
	defer d.mx.Unlock()
	return d.chipAddress
}

// Mode returns the current bus control vector.
func (d *AY3891x) Mode() Mode {
	d.mx.Lock()
	defer d.mx.Unlock()
	return d.bus.mode
}

func (d *AY3891x) Topology() Topology {
	return d.bus.topology
}

// WriteRegister stores data in reg. The chip gives no acknowledgement; use
// Verify or ReadRegister to check the value landed.
func (d *AY3891x) WriteRegister(ctx context.Context, reg Register, data byte) error {
	d.mx.Lock()
	defer d.mx.Unlock()
	err := d.write(ctx, reg, data, true)
	if err == nil {
		err = d.settle(ctx)
	}
	if err != nil {
		return fmt.Errorf("could not write %s: %w", reg, err)
	}
	return nil
}

// ReadRegister returns the content of reg. Bits above the register width are
// passed through as read from the bus.
func (d *AY3891x) ReadRegister(ctx context.Context, reg Register) (byte, error) {
	d.mx.Lock()
	defer d.mx.Unlock()
	res, err := d.read(ctx, reg)
	if err != nil {
		return 0, fmt.Errorf("could not read %s: %w", reg, err)
	}
	return res, nil
}

// WriteThenRead writes data and reads it back under a single address latch.
// The whole sequence runs in one critical section.
func (d *AY3891x) WriteThenRead(ctx context.Context, reg Register, data byte) (byte, error) {
	d.mx.Lock()
	defer d.mx.Unlock()
	var res byte
	err := d.critically(func() error {
		err := d.write(ctx, reg, data, false)
		if err != nil {
			return err
		}
		res, err = d.readLatched(ctx)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("could not write then read %s: %w", reg, err)
	}
	return res, nil
}

// Verify writes data and reports whether the bits kept by reg read back
// unchanged. A mismatch is not an error.
func (d *AY3891x) Verify(ctx context.Context, reg Register, data byte) (bool, byte, error) {
	got, err := d.WriteThenRead(ctx, reg, data)
	if err != nil {
		return false, 0, err
	}
	return got&reg.Mask() == data&reg.Mask(), got, nil
}

// FindChipAddress tries the 16 possible chip addresses and returns the one
// where a sentinel written to EnvPeriodFine reads back. The configured chip
// address is left untouched.
func (d *AY3891x) FindChipAddress(ctx context.Context) (byte, error) {
	d.mx.Lock()
	defer d.mx.Unlock()
	prev := d.chipAddress
	defer func() {
		d.chipAddress = prev
	}()
	for candidate := 0; candidate <= 0xF0; candidate += 0x10 {
		d.chipAddress = byte(candidate)
		err := d.write(ctx, EnvPeriodFine, addressSentinel, true)
		if err == nil {
			err = d.settle(ctx)
		}
		if err != nil {
			return 0, fmt.Errorf("could not probe address %#02x: %w", candidate, err)
		}
		got, err := d.read(ctx, EnvPeriodFine)
		if err != nil {
			return 0, fmt.Errorf("could not probe address %#02x: %w", candidate, err)
		}
		if got == addressSentinel {
			slog.Debug("chip address found", "address", fmt.Sprintf("%#02x", candidate))
			return byte(candidate), nil
		}
	}
	return 0, ErrAddressNotFound
}

// Dump reads every register.
func (d *AY3891x) Dump(ctx context.Context) (Registers, error) {
	var res Registers
	for r := Register(0); r < RegisterCount; r++ {
		v, err := d.ReadRegister(ctx, r)
		if err != nil {
			return res, err
		}
		res[r] = v
	}
	return res, nil
}

// Load writes every register in index order.
func (d *AY3891x) Load(ctx context.Context, regs Registers) error {
	for r := Register(0); r < RegisterCount; r++ {
		if err := d.WriteRegister(ctx, r, regs[r]); err != nil {
			return err
		}
	}
	return nil
}

func (d *AY3891x) critically(fn func() error) error {
	exit := d.config.Critical.Enter()
	defer exit()
	return fn()
}

// write latches reg and pulses data into it. With guard set the pulse runs
// in its own critical section. The bus is left in 010 with the data lines
// released.
func (d *AY3891x) write(ctx context.Context, reg Register, data byte, guard bool) error {
	pulse := d.pulseTwoInactive
	if d.bus.topology == TopologySingleInactive {
		pulse = d.pulseSingleInactive
		// the latch is closed by the write pulse itself
		if err := d.openLatch(ctx, reg); err != nil {
			return err
		}
	} else {
		if err := d.latchAddress(ctx, reg); err != nil {
			return err
		}
		if err := d.bus.transition(ctx, ModeInactive010); err != nil {
			return err
		}
		if err := d.data.drive(ctx, data); err != nil {
			return err
		}
	}
	var err error
	if guard {
		err = d.critically(func() error { return pulse(ctx, data) })
	} else {
		err = pulse(ctx, data)
	}
	if err != nil {
		return err
	}
	return d.data.release(ctx)
}

// settle returns the bus to the rest vector of the topology.
func (d *AY3891x) settle(ctx context.Context) error {
	if d.bus.mode == d.bus.tp.rest {
		return nil
	}
	return d.bus.transition(ctx, d.bus.tp.rest)
}

// pulseTwoInactive expects data on the bus and the bus in 010.
func (d *AY3891x) pulseTwoInactive(ctx context.Context, _ byte) error {
	if err := d.bus.transition(ctx, ModeWrite); err != nil {
		return err
	}
	start := time.Now()
	d.config.Delay(d.config.WritePulse)
	width := time.Since(start)
	if err := d.bus.transition(ctx, ModeInactive010); err != nil {
		return err
	}
	checkPulse(width)
	return nil
}

// pulseSingleInactive expects the address latch open (111). Leaving it
// through 110 latches the address and starts the write.
func (d *AY3891x) pulseSingleInactive(ctx context.Context, data byte) error {
	if err := d.bus.transition(ctx, ModeWrite); err != nil {
		return err
	}
	start := time.Now()
	if err := d.data.drive(ctx, data); err != nil {
		return err
	}
	d.config.Delay(d.config.WritePulse)
	width := time.Since(start)
	if err := d.bus.transition(ctx, ModeInactive010); err != nil {
		return err
	}
	checkPulse(width)
	return nil
}

// checkPulse reports a WRITE dwell longer than the chip guarantees. The width
// is taken between the edges, so transition bookkeeping is not counted.
func checkPulse(width time.Duration) {
	if width > MaxWritePulse {
		slog.Warn("write pulse exceeded tDW max", "width", width, "max", MaxWritePulse)
	}
}

func (d *AY3891x) read(ctx context.Context, reg Register) (byte, error) {
	if err := d.latchAddress(ctx, reg); err != nil {
		return 0, err
	}
	if err := d.data.release(ctx); err != nil {
		return 0, err
	}
	if d.bus.topology == TopologyTwoInactive {
		if err := d.bus.transition(ctx, ModeInactive010); err != nil {
			return 0, err
		}
	}
	return d.readLatched(ctx)
}

// readLatched samples the latched register. The bus must be in 010 with the
// data lines released; it ends in the rest state.
func (d *AY3891x) readLatched(ctx context.Context) (byte, error) {
	if err := d.bus.transition(ctx, ModeRead); err != nil {
		return 0, err
	}
	res, err := d.data.sample(ctx)
	if err != nil {
		return 0, err
	}
	if err := d.bus.transition(ctx, ModeInactive010); err != nil {
		return 0, err
	}
	if err := d.settle(ctx); err != nil {
		return 0, err
	}
	return res, nil
}

func (d *AY3891x) address(reg Register) byte {
	return d.chipAddress | byte(reg&0x0F)
}

// latchAddress latches chip address and reg and returns to an inactive mode.
// In the two inactive topology the data lines stay driven.
func (d *AY3891x) latchAddress(ctx context.Context, reg Register) error {
	if d.bus.topology == TopologySingleInactive {
		if err := d.openLatch(ctx, reg); err != nil {
			return err
		}
		// 111 -> 011 closes the latch; the chip starts driving the bus right
		// after so the data lines are released at once.
		if err := d.bus.transition(ctx, ModeRead); err != nil {
			return err
		}
		if err := d.data.release(ctx); err != nil {
			return err
		}
		return d.bus.transition(ctx, ModeInactive010)
	}
	if d.bus.mode != ModeInactive000 {
		if err := d.bus.transition(ctx, ModeInactive000); err != nil {
			return fmt.Errorf("could not latch register address: %w", err)
		}
	}
	if err := d.data.drive(ctx, d.address(reg)); err != nil {
		return fmt.Errorf("could not latch register address: %w", err)
	}
	if err := d.bus.walk(ctx, ModeLatch001, ModeInactive000); err != nil {
		return fmt.Errorf("could not latch register address: %w", err)
	}
	return nil
}

// openLatch reaches 111 through READ_DATA with the data lines released and
// then drives the address. The bus is left in 111.
func (d *AY3891x) openLatch(ctx context.Context, reg Register) error {
	if err := d.data.release(ctx); err != nil {
		return err
	}
	if err := d.bus.walk(ctx, ModeRead, ModeLatch111); err != nil {
		return fmt.Errorf("could not open address latch: %w", err)
	}
	if err := d.data.drive(ctx, d.address(reg)); err != nil {
		return fmt.Errorf("could not latch register address: %w", err)
	}
	return nil
}
