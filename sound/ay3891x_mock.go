package sound

import (
	"context"
	"sync"

	"periph.io/x/conn/v3/gpio"
)

type mockRole int

const (
	roleData mockRole = iota
	roleBDIR
	roleBC2
	roleBC1
	roleReset
	roleOther
)

// MockAY3891x simulates the chip side of the bus without any hardware. It
// hands out lines that behave like host pins wired to a chip answering on a
// fixed chip address, decodes the control vector on every line change and
// keeps the register file.
//
// Example usage:
//
//	chip := NewMockAY3891x(0x00)
//	d, _ := NewAY3891x(chip.Config(), WithCritical(NoCritical{}), WithDelay(func(time.Duration) {}))
//	_ = d.Begin(ctx)
//	_ = d.WriteRegister(ctx, ToneAFine, 0x42)
//	chip.Register(ToneAFine) // 0x42
type MockAY3891x struct {
	mx        sync.Mutex
	address   byte
	regs      Registers
	latched   byte
	op        Operation
	tiedBC2   bool
	da        [8]*MockBusLine
	bdir      *MockBusLine
	bc2       *MockBusLine
	bc1       *MockBusLine
	a8, a9    *MockBusLine
	reset     *MockBusLine
	clock     *MockBusLine
	trace     []Mode
	conflicts int
	resets    int
}

// MockBusLine is one line between the host and a MockAY3891x.
type MockBusLine struct {
	chip   *MockAY3891x
	name   string
	role   mockRole
	bit    int
	output bool
	level  gpio.Level
}

// NewMockAY3891x creates a chip mask programmed for address (high nibble).
func NewMockAY3891x(address byte) *MockAY3891x {
	m := &MockAY3891x{address: address & 0xF0}
	for i := range m.da {
		m.da[i] = &MockBusLine{chip: m, name: "DA" + string(rune('0'+i)), role: roleData, bit: i}
	}
	m.bdir = &MockBusLine{chip: m, name: "BDIR", role: roleBDIR}
	m.bc2 = &MockBusLine{chip: m, name: "BC2", role: roleBC2}
	m.bc1 = &MockBusLine{chip: m, name: "BC1", role: roleBC1}
	m.a8 = &MockBusLine{chip: m, name: "A8", role: roleOther}
	m.a9 = &MockBusLine{chip: m, name: "A9", role: roleOther}
	m.reset = &MockBusLine{chip: m, name: "RESET", role: roleReset}
	m.clock = &MockBusLine{chip: m, name: "CLOCK", role: roleOther}
	return m
}

// Config wires every line of the chip.
func (m *MockAY3891x) Config() Config {
	m.mx.Lock()
	defer m.mx.Unlock()
	m.tiedBC2 = false
	cfg := Config{
		BDIR:  m.bdir,
		BC2:   m.bc2,
		BC1:   m.bc1,
		A8:    m.a8,
		A9:    m.a9,
		Reset: m.reset,
		Clock: m.clock,
	}
	for i, l := range m.da {
		cfg.DA[i] = l
	}
	return cfg
}

// ReducedConfig wires BDIR and BC1 only; BC2 is treated as tied high.
func (m *MockAY3891x) ReducedConfig() ReducedConfig {
	m.mx.Lock()
	defer m.mx.Unlock()
	m.tiedBC2 = true
	cfg := ReducedConfig{BDIR: m.bdir, BC1: m.bc1}
	for i, l := range m.da {
		cfg.DA[i] = l
	}
	return cfg
}

// Line returns a line by name (DA0..DA7, BDIR, BC2, BC1, A8, A9, RESET, CLOCK).
func (m *MockAY3891x) Line(name string) *MockBusLine {
	for _, l := range m.lines() {
		if l.name == name {
			return l
		}
	}
	return nil
}

func (m *MockAY3891x) lines() []*MockBusLine {
	res := []*MockBusLine{m.bdir, m.bc2, m.bc1, m.a8, m.a9, m.reset, m.clock}
	return append(res, m.da[:]...)
}

func (m *MockAY3891x) Register(r Register) byte {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.regs[r&0x0F]
}

// SetRegister preloads a register as if written by the chip's owner.
func (m *MockAY3891x) SetRegister(r Register, v byte) {
	m.mx.Lock()
	defer m.mx.Unlock()
	m.regs[r&0x0F] = v & r.Mask()
}

func (m *MockAY3891x) Registers() Registers {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.regs
}

// Trace returns every control vector the chip has seen, one per line change.
func (m *MockAY3891x) Trace() []Mode {
	m.mx.Lock()
	defer m.mx.Unlock()
	res := make([]Mode, len(m.trace))
	copy(res, m.trace)
	return res
}

func (m *MockAY3891x) ResetTrace() {
	m.mx.Lock()
	defer m.mx.Unlock()
	m.trace = nil
}

// Conflicts counts the control changes that left both the host and the chip
// driving the data lines.
func (m *MockAY3891x) Conflicts() int {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.conflicts
}

func (m *MockAY3891x) Resets() int {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.resets
}

// DrivenDataLines returns a mask of the data lines the host currently drives.
func (m *MockAY3891x) DrivenDataLines() byte {
	m.mx.Lock()
	defer m.mx.Unlock()
	var res byte
	for i, l := range m.da {
		if l.output {
			res |= 1 << i
		}
	}
	return res
}

func (m *MockAY3891x) vector() Mode {
	var v Mode
	if m.bdir.output && m.bdir.level == gpio.High {
		v |= bitBDIR
	}
	if m.tiedBC2 || (m.bc2.output && m.bc2.level == gpio.High) {
		v |= bitBC2
	}
	if m.bc1.output && m.bc1.level == gpio.High {
		v |= bitBC1
	}
	return v
}

func (m *MockAY3891x) selected() bool {
	return m.latched&0xF0 == m.address
}

func (m *MockAY3891x) driving() bool {
	return m.op == OpRead && m.selected()
}

// busValue is what the chip sees on DA0..DA7. Floating lines read 0.
func (m *MockAY3891x) busValue() byte {
	var res byte
	chipDrives := m.driving()
	for i, l := range m.da {
		switch {
		case l.output:
			if l.level {
				res |= 1 << i
			}
		case chipDrives:
			res |= m.regs[m.latched&0x0F] & (1 << i)
		}
	}
	return res
}

func (m *MockAY3891x) controlChanged() {
	v := m.vector()
	m.trace = append(m.trace, v)
	next := v.Operation()
	switch {
	case m.op == OpLatch && next != OpLatch:
		m.latched = m.busValue()
	case m.op == OpWrite && next != OpWrite && m.selected():
		reg := Register(m.latched & 0x0F)
		m.regs[reg] = m.busValue() & reg.Mask()
	}
	m.op = next
	if m.driving() {
		for _, l := range m.da {
			if l.output {
				m.conflicts++
				break
			}
		}
	}
}

func (l *MockBusLine) String() string {
	return l.name
}

// Output reports whether the host drives the line.
func (l *MockBusLine) Output() bool {
	l.chip.mx.Lock()
	defer l.chip.mx.Unlock()
	return l.output
}

func (l *MockBusLine) Level() gpio.Level {
	l.chip.mx.Lock()
	defer l.chip.mx.Unlock()
	return l.level
}

func (l *MockBusLine) Out(_ context.Context, level gpio.Level) error {
	l.chip.mx.Lock()
	defer l.chip.mx.Unlock()
	l.output = true
	l.level = level
	l.changed()
	return nil
}

func (l *MockBusLine) In(_ context.Context) error {
	l.chip.mx.Lock()
	defer l.chip.mx.Unlock()
	l.output = false
	// released lines float high on the board
	l.level = gpio.High
	l.changed()
	return nil
}

func (l *MockBusLine) Read(_ context.Context) (gpio.Level, error) {
	l.chip.mx.Lock()
	defer l.chip.mx.Unlock()
	if l.output {
		return l.level, nil
	}
	if l.role == roleData && l.chip.driving() {
		return gpio.Level(l.chip.regs[l.chip.latched&0x0F]&(1<<l.bit) != 0), nil
	}
	return gpio.Low, nil
}

func (l *MockBusLine) changed() {
	switch l.role {
	case roleBDIR, roleBC2, roleBC1:
		l.chip.controlChanged()
	case roleReset:
		if l.output && l.level == gpio.Low {
			l.chip.regs = Registers{}
			l.chip.resets++
		}
	}
}
