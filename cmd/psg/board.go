package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mklimuk/psg"
	"github.com/mklimuk/psg/adapter"
	"github.com/mklimuk/psg/gpio"
	"github.com/mklimuk/psg/i2c"
	"github.com/mklimuk/psg/sound"
)

const (
	BackendPeriph   = "periph"
	BackendGobot    = "gobot"
	BackendCdev     = "cdev"
	BackendFTDI     = "ftdi"
	BackendMCP23017 = "mcp23017"
	BackendMock     = "mock"
)

var backends = []string{BackendPeriph, BackendGobot, BackendCdev, BackendFTDI, BackendMCP23017, BackendMock}

var lineNames = []string{
	"DA0", "DA1", "DA2", "DA3", "DA4", "DA5", "DA6", "DA7",
	"BDIR", "BC2", "BC1", "A8", "A9", "RESET", "CLOCK",
}

// hostBackends toggle a line without a bus hop and can carry the control
// lines of an expander board.
var hostBackends = []string{BackendPeriph, BackendGobot, BackendCdev}

var controlLines = []string{"BDIR", "BC2", "BC1"}

var ErrInvalidBoard = errors.New("invalid board configuration")

// Board describes how the chip is wired to the host. It is read from a YAML
// pin map:
//
//	backend: periph
//	topology: two-inactive
//	chip_address: 0x00
//	lines:
//	  DA0: GPIO2
//	  BDIR: GPIO17
//
// Lines behind a USB or I2C hop take tens of microseconds (FTDI) up to
// tens of milliseconds (MCP2221) per change while the WRITE dwell is bounded
// by tDW. The mcp23017 backend therefore only carries the data bus and takes
// BDIR, BC2 and BC1 from the host backend named in expander.control. FTDI
// boards are accepted with a warning.
type Board struct {
	Backend     string            `yaml:"backend"`
	Device      string            `yaml:"device,omitempty"`
	Topology    string            `yaml:"topology,omitempty"`
	Reduced     bool              `yaml:"reduced,omitempty"`
	ChipAddress byte              `yaml:"chip_address"`
	WritePulse  time.Duration     `yaml:"write_pulse,omitempty"`
	Lines       map[string]string `yaml:"lines,omitempty"`
	Expander    Expander          `yaml:"expander,omitempty"`
}

// Expander configures the MCP23017 backend. Transport is "mcp2221" (USB
// bridge) or "i2c" (host bus), Bank mirrors the chip's IOCON.BANK bit and
// Control names the host backend opening BDIR, BC2 and BC1.
type Expander struct {
	Transport string `yaml:"transport"`
	Bus       string `yaml:"bus,omitempty"`
	Address   byte   `yaml:"address"`
	Bank      int    `yaml:"bank,omitempty"`
	Control   string `yaml:"control,omitempty"`
}

func defaultBoard() *Board {
	return &Board{Backend: BackendMock, Topology: sound.TopologyTwoInactive.String()}
}

func LoadBoard(path string) (*Board, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read board file: %w", err)
	}
	b := defaultBoard()
	b.Backend = ""
	if err := yaml.Unmarshal(data, b); err != nil {
		return nil, fmt.Errorf("could not parse board file %s: %w", path, err)
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Board) Save(path string) error {
	data, err := yaml.Marshal(b)
	if err != nil {
		return fmt.Errorf("could not encode board: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func (b *Board) Validate() error {
	if !contains(backends, b.Backend) {
		return fmt.Errorf("%w: unknown backend %q", ErrInvalidBoard, b.Backend)
	}
	if _, err := b.topology(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidBoard, err)
	}
	for name := range b.Lines {
		if !contains(lineNames, name) {
			return fmt.Errorf("%w: unknown line %s", ErrInvalidBoard, name)
		}
	}
	if b.Backend == BackendMock {
		return nil
	}
	if b.Backend == BackendMCP23017 {
		if err := b.validateExpander(); err != nil {
			return err
		}
	}
	required := []string{"BDIR", "BC1"}
	if !b.Reduced {
		required = append(required, "BC2")
	}
	for _, name := range required {
		if b.Lines[name] == "" {
			return fmt.Errorf("%w: %s: %w", ErrInvalidBoard, name, sound.ErrControlLineUnconnected)
		}
	}
	return nil
}

// validateExpander keeps every WRITE edge on host pins. The single-inactive
// write drives the data bus inside the pulse, so expander data lines need the
// two-inactive topology.
func (b *Board) validateExpander() error {
	if !contains(hostBackends, b.Expander.Control) {
		return fmt.Errorf("%w: expander control backend %q must be one of %v", ErrInvalidBoard, b.Expander.Control, hostBackends)
	}
	if b.Expander.Bank != 0 && b.Expander.Bank != 1 {
		return fmt.Errorf("%w: expander bank must be 0 or 1", ErrInvalidBoard)
	}
	if topology, _ := b.topology(); topology != sound.TopologyTwoInactive {
		return fmt.Errorf("%w: expander data lines need the %s topology", ErrInvalidBoard, sound.TopologyTwoInactive)
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (b *Board) topology() (sound.Topology, error) {
	if b.Reduced || b.Topology == "" {
		if b.Reduced {
			return sound.TopologySingleInactive, nil
		}
		return sound.TopologyTwoInactive, nil
	}
	return sound.ParseTopology(b.Topology)
}

type lineOpener func(id string) (psg.Line, error)

// device is an opened chip together with whatever must be closed after it.
type device struct {
	*sound.AY3891x
	mock    *sound.MockAY3891x
	closers []func() error
}

func (d *device) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		errs = append(errs, d.closers[i]())
	}
	return errors.Join(errs...)
}

// Open builds the line backend, the driver and runs Begin.
func (b *Board) Open(ctx context.Context, reset bool) (*device, error) {
	dev := &device{}
	opts := []sound.AY3891xOpt{sound.WithResetOnBegin(reset)}
	if b.WritePulse > 0 {
		opts = append(opts, sound.WithWritePulse(b.WritePulse))
	}
	var err error
	if b.Backend == BackendMock {
		dev.mock = sound.NewMockAY3891x(b.ChipAddress)
		opts = append(opts, sound.WithCritical(sound.NoCritical{}))
		if b.Reduced {
			dev.AY3891x, err = sound.NewReducedAY3891x(dev.mock.ReducedConfig(), opts...)
		} else {
			cfg := dev.mock.Config()
			cfg.Topology, _ = b.topology()
			dev.AY3891x, err = sound.NewAY3891x(cfg, opts...)
		}
	} else {
		err = b.openLines(ctx, dev, opts)
	}
	if err != nil {
		_ = dev.Close()
		return nil, err
	}
	dev.SetChipAddress(b.ChipAddress)
	if err := dev.Begin(ctx); err != nil {
		_ = dev.Close()
		return nil, fmt.Errorf("could not initialize chip: %w", err)
	}
	slog.Debug("chip opened", "backend", b.Backend, "topology", dev.Topology(), "address", fmt.Sprintf("%#02x", b.ChipAddress))
	return dev, nil
}

func (b *Board) openLines(ctx context.Context, dev *device, opts []sound.AY3891xOpt) error {
	open, err := b.opener(ctx, dev, b.Backend)
	if err != nil {
		return err
	}
	control := open
	if b.Backend == BackendMCP23017 {
		if control, err = b.opener(ctx, dev, b.Expander.Control); err != nil {
			return err
		}
	}
	lines := map[string]psg.Line{}
	for name, id := range b.Lines {
		if id == "" {
			continue
		}
		o := open
		if contains(controlLines, name) {
			o = control
		}
		l, err := o(id)
		if err != nil {
			return fmt.Errorf("could not open line %s (%s): %w", name, id, err)
		}
		lines[name] = l
	}
	var da [8]psg.Line
	for i := range da {
		da[i] = lines["DA"+strconv.Itoa(i)]
	}
	if b.Reduced {
		dev.AY3891x, err = sound.NewReducedAY3891x(sound.ReducedConfig{DA: da, BDIR: lines["BDIR"], BC1: lines["BC1"]}, opts...)
		return err
	}
	topology, _ := b.topology()
	dev.AY3891x, err = sound.NewAY3891x(sound.Config{
		DA:       da,
		BDIR:     lines["BDIR"],
		BC2:      lines["BC2"],
		BC1:      lines["BC1"],
		A8:       lines["A8"],
		A9:       lines["A9"],
		Reset:    lines["RESET"],
		Clock:    lines["CLOCK"],
		Topology: topology,
	}, opts...)
	return err
}

func (b *Board) opener(ctx context.Context, dev *device, backend string) (lineOpener, error) {
	switch backend {
	case BackendPeriph:
		return func(id string) (psg.Line, error) {
			return gpio.OpenPeriphLine(id)
		}, nil
	case BackendCdev:
		return func(id string) (psg.Line, error) {
			l, err := gpio.OpenCdevLine(id)
			if err != nil {
				return nil, err
			}
			dev.closers = append(dev.closers, l.Close)
			return l, nil
		}, nil
	case BackendGobot:
		npi, err := gpio.NewNanoPiAdaptor()
		if err != nil {
			return nil, err
		}
		dev.closers = append(dev.closers, npi.Finalize)
		return func(id string) (psg.Line, error) {
			return gpio.OpenGobotLine(npi, id)
		}, nil
	case BackendFTDI:
		index := 0
		if b.Device != "" {
			var err error
			index, err = strconv.Atoi(b.Device)
			if err != nil {
				return nil, fmt.Errorf("%w: FTDI device must be an index: %q", ErrInvalidBoard, b.Device)
			}
		}
		pins, err := gpio.OpenFT232H(index)
		if err != nil {
			return nil, err
		}
		slog.Warn("FTDI pin changes cross USB, write pulses will exceed tDW max", "max", sound.MaxWritePulse)
		return func(id string) (psg.Line, error) {
			l, ok := pins[id]
			if !ok {
				return nil, fmt.Errorf("%w: %s", gpio.ErrUnknownLine, id)
			}
			return l, nil
		}, nil
	case BackendMCP23017:
		return b.expanderOpener(ctx, dev)
	}
	return nil, fmt.Errorf("%w: unknown backend %q", ErrInvalidBoard, backend)
}

// expanderOpener accepts A0..A7 and B0..B7 for expander pins and, with the
// USB bridge, GP0..GP3 for the bridge's own pins.
func (b *Board) expanderOpener(ctx context.Context, dev *device) (lineOpener, error) {
	var bus psg.I2CBus
	var bridge *adapter.MCP2221
	switch b.Expander.Transport {
	case "", "mcp2221":
		bridge = adapter.NewMCP2221()
		bus = bridge
	case "i2c":
		generic, err := i2c.NewGenericBus(b.Expander.Bus)
		if err != nil {
			return nil, err
		}
		dev.closers = append(dev.closers, generic.Close)
		bus = generic
	default:
		return nil, fmt.Errorf("%w: unknown expander transport %q", ErrInvalidBoard, b.Expander.Transport)
	}
	address := b.Expander.Address
	if address == 0 {
		address = gpio.DefaultMCP23017Address
	}
	exp := gpio.NewMCP23017(bus, address, gpio.WithRetryLimit(3), gpio.WithBank(b.Expander.Bank))
	if err := exp.Init(ctx); err != nil {
		return nil, err
	}
	return func(id string) (psg.Line, error) {
		return expanderLine(exp, bridge, id)
	}, nil
}

func expanderLine(exp *gpio.MCP23017, bridge *adapter.MCP2221, id string) (psg.Line, error) {
	if len(id) == 3 && id[:2] == "GP" && bridge != nil && id[2] >= '0' && id[2] <= '3' {
		return bridge.Line(int(id[2] - '0')), nil
	}
	if len(id) != 2 || id[1] < '0' || id[1] > '7' {
		return nil, fmt.Errorf("%w: %s", gpio.ErrUnknownLine, id)
	}
	bit := int(id[1] - '0')
	switch id[0] {
	case 'A':
		return exp.Line(gpio.PortA, bit), nil
	case 'B':
		return exp.Line(gpio.PortB, bit), nil
	}
	return nil, fmt.Errorf("%w: %s", gpio.ErrUnknownLine, id)
}
