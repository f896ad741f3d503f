package sound

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/bits"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/gpio"
)

type wiring struct {
	name     string
	topology Topology
	reduced  bool
}

var wirings = []wiring{
	{"two-inactive", TopologyTwoInactive, false},
	{"single-inactive", TopologySingleInactive, false},
	{"reduced", TopologySingleInactive, true},
}

func noDelay(time.Duration) {}

func newTestDriver(t *testing.T, w wiring, address byte, opts ...AY3891xOpt) (*MockAY3891x, *AY3891x) {
	t.Helper()
	chip := NewMockAY3891x(address)
	opts = append([]AY3891xOpt{WithCritical(NoCritical{}), WithDelay(noDelay)}, opts...)
	var d *AY3891x
	var err error
	if w.reduced {
		d, err = NewReducedAY3891x(chip.ReducedConfig(), opts...)
	} else {
		cfg := chip.Config()
		cfg.Topology = w.topology
		d, err = NewAY3891x(cfg, opts...)
	}
	require.NoError(t, err)
	require.NoError(t, d.Begin(context.Background()))
	d.SetChipAddress(address)
	chip.ResetTrace()
	return chip, d
}

// exercise runs every public bus operation once.
func exercise(t *testing.T, ctx context.Context, d *AY3891x) {
	t.Helper()
	require.NoError(t, d.WriteRegister(ctx, ToneAFine, 0x5A))
	_, err := d.ReadRegister(ctx, ToneAFine)
	require.NoError(t, err)
	_, err = d.WriteThenRead(ctx, AmplitudeB, 0x0C)
	require.NoError(t, err)
	_, err = d.FindChipAddress(ctx)
	require.NoError(t, err)
	_, err = d.Dump(ctx)
	require.NoError(t, err)
}

func TestAY3891x_TransitionsFlipOneLine(t *testing.T) {
	for _, w := range wirings {
		t.Run(w.name, func(t *testing.T) {
			ctx := context.Background()
			var seen [][2]Mode
			chip, d := newTestDriver(t, w, 0x40, WithTransitionObserver(func(from, to Mode) {
				seen = append(seen, [2]Mode{from, to})
			}))
			exercise(t, ctx, d)

			require.NotEmpty(t, seen)
			for _, e := range seen {
				assert.Equal(t, 1, bits.OnesCount8(uint8(e[0]^e[1])), "%s -> %s", e[0], e[1])
				assert.True(t, w.topology.Adjacent(e[0], e[1]), "%s -> %s", e[0], e[1])
			}

			// what the chip saw on its pins, one vector per line change
			prev := w.topology.Rest()
			for _, m := range chip.Trace() {
				assert.True(t, usesVector(w.topology, m), "vector %s outside topology", m)
				assert.Equal(t, 1, bits.OnesCount8(uint8(prev^m)), "%s -> %s", prev, m)
				prev = m
			}
			assert.Equal(t, w.topology.Rest(), d.Mode())
		})
	}
}

func TestAY3891x_RoundTrip(t *testing.T) {
	for _, w := range wirings {
		t.Run(w.name, func(t *testing.T) {
			ctx := context.Background()
			chip, d := newTestDriver(t, w, 0x00)
			for _, reg := range []Register{ToneAFine, ToneBFine, ToneCFine, Enable, EnvPeriodFine, EnvPeriodCoarse, IOPortA, IOPortB} {
				require.Equal(t, byte(0xFF), reg.Mask(), reg.String())
				for v := 0; v < 256; v++ {
					require.NoError(t, d.WriteRegister(ctx, reg, byte(v)))
					assert.Equal(t, byte(v), chip.Register(reg))
					got, err := d.ReadRegister(ctx, reg)
					require.NoError(t, err)
					assert.Equal(t, byte(v), got, "%s <- %#02x", reg, v)
				}
			}
		})
	}
}

func TestAY3891x_NarrowRegisters(t *testing.T) {
	tests := []struct {
		reg      Register
		given    byte
		expected byte
	}{
		{ToneACoarse, 0xFF, 0x0F},
		{ToneCCoarse, 0xAB, 0x0B},
		{NoisePeriod, 0xFF, 0x1F},
		{AmplitudeA, 0x3F, 0x1F},
		{EnvShapeCycle, 0x9E, 0x0E},
	}
	for _, w := range wirings {
		for _, test := range tests {
			t.Run(fmt.Sprintf("%s/%s", w.name, test.reg), func(t *testing.T) {
				ctx := context.Background()
				_, d := newTestDriver(t, w, 0x00)
				require.NoError(t, d.WriteRegister(ctx, test.reg, test.given))
				got, err := d.ReadRegister(ctx, test.reg)
				require.NoError(t, err)
				assert.Equal(t, test.expected, got)
				assert.Equal(t, test.expected, got&test.reg.Mask())
			})
		}
	}
}

func TestAY3891x_SetChipAddress(t *testing.T) {
	chip := NewMockAY3891x(0)
	d, err := NewAY3891x(chip.Config())
	require.NoError(t, err)
	for v := 0; v < 256; v++ {
		d.SetChipAddress(byte(v))
		assert.Equal(t, byte(v)&0xF0, d.ChipAddress())
	}
}

func TestAY3891x_ChipSelect(t *testing.T) {
	for _, w := range wirings {
		t.Run(w.name, func(t *testing.T) {
			ctx := context.Background()
			chip, d := newTestDriver(t, w, 0x30)
			d.SetChipAddress(0x00)
			require.NoError(t, d.WriteRegister(ctx, AmplitudeC, 0x0F))
			assert.Equal(t, byte(0), chip.Register(AmplitudeC))
			got, err := d.ReadRegister(ctx, AmplitudeC)
			require.NoError(t, err)
			assert.Equal(t, byte(0), got)

			d.SetChipAddress(0x30)
			require.NoError(t, d.WriteRegister(ctx, AmplitudeC, 0x0F))
			assert.Equal(t, byte(0x0F), chip.Register(AmplitudeC))
		})
	}
}

func TestAY3891x_FindChipAddress(t *testing.T) {
	for _, w := range wirings {
		t.Run(w.name, func(t *testing.T) {
			ctx := context.Background()
			chip, d := newTestDriver(t, w, 0x20)
			d.SetChipAddress(0x30)

			found, err := d.FindChipAddress(ctx)
			require.NoError(t, err)
			assert.Equal(t, byte(0x20), found)
			assert.Equal(t, byte(0x30), d.ChipAddress())
			assert.Equal(t, addressSentinel, chip.Register(EnvPeriodFine))
		})
	}
}

func TestAY3891x_FindChipAddress_NotFound(t *testing.T) {
	ctx := context.Background()
	chip := NewMockAY3891x(0x80)
	cfg := chip.Config()
	// DA7 broken: the chip never sees its address
	cfg.DA[7] = nil
	d, err := NewAY3891x(cfg, WithCritical(NoCritical{}), WithDelay(noDelay))
	require.NoError(t, err)
	require.NoError(t, d.Begin(ctx))
	d.SetChipAddress(0x50)

	_, err = d.FindChipAddress(ctx)
	assert.ErrorIs(t, err, ErrAddressNotFound)
	assert.Equal(t, byte(0x50), d.ChipAddress())
}

func TestAY3891x_DataLinesReleased(t *testing.T) {
	for _, w := range wirings {
		t.Run(w.name, func(t *testing.T) {
			ctx := context.Background()
			chip, d := newTestDriver(t, w, 0x00)
			assert.Zero(t, chip.DrivenDataLines())

			require.NoError(t, d.WriteRegister(ctx, ToneBFine, 0xFF))
			assert.Zero(t, chip.DrivenDataLines())
			_, err := d.ReadRegister(ctx, ToneBFine)
			require.NoError(t, err)
			assert.Zero(t, chip.DrivenDataLines())
			_, err = d.WriteThenRead(ctx, ToneBFine, 0x11)
			require.NoError(t, err)
			assert.Zero(t, chip.DrivenDataLines())
			_, err = d.FindChipAddress(ctx)
			require.NoError(t, err)
			assert.Zero(t, chip.DrivenDataLines())
		})
	}
}

func TestAY3891x_WriteThenRead(t *testing.T) {
	for _, w := range wirings {
		t.Run(w.name, func(t *testing.T) {
			ctx := context.Background()
			latches := 0
			chip, d := newTestDriver(t, w, 0x00, WithTransitionObserver(func(_, to Mode) {
				if to.Operation() == OpLatch {
					latches++
				}
			}))

			got, err := d.WriteThenRead(ctx, ToneCFine, 0xA5)
			require.NoError(t, err)
			assert.Equal(t, byte(0xA5), got)
			assert.Equal(t, byte(0xA5), chip.Register(ToneCFine))
			assert.Equal(t, 1, latches)

			got, err = d.WriteThenRead(ctx, ToneCCoarse, 0xF7)
			require.NoError(t, err)
			assert.Equal(t, byte(0x07), got)

			require.NoError(t, d.WriteRegister(ctx, ToneCCoarse, 0xF7))
			separate, err := d.ReadRegister(ctx, ToneCCoarse)
			require.NoError(t, err)
			assert.Equal(t, separate, got)
		})
	}
}

func TestAY3891x_UnconnectedDataLines(t *testing.T) {
	for _, connected := range []byte{0x00, 0x01, 0x0F, 0xF0, 0xAA, 0x55, 0x81, 0xFF} {
		t.Run(fmt.Sprintf("%08b", connected), func(t *testing.T) {
			ctx := context.Background()
			chip := NewMockAY3891x(0x00)
			cfg := chip.Config()
			for i := range cfg.DA {
				if connected&(1<<i) == 0 {
					cfg.DA[i] = nil
				}
			}
			d, err := NewAY3891x(cfg, WithCritical(NoCritical{}), WithDelay(noDelay))
			require.NoError(t, err)
			require.NoError(t, d.Begin(ctx))
			chip.SetRegister(ToneAFine, 0xFF)

			got, err := d.ReadRegister(ctx, ToneAFine)
			require.NoError(t, err)
			assert.Equal(t, connected, got)
		})
	}
}

func TestAY3891x_ControlLinesRequired(t *testing.T) {
	chip := NewMockAY3891x(0)
	for _, name := range []string{"BDIR", "BC2", "BC1"} {
		t.Run(name, func(t *testing.T) {
			cfg := chip.Config()
			switch name {
			case "BDIR":
				cfg.BDIR = nil
			case "BC2":
				cfg.BC2 = nil
			case "BC1":
				cfg.BC1 = nil
			}
			_, err := NewAY3891x(cfg)
			assert.ErrorIs(t, err, ErrControlLineUnconnected)
		})
	}

	reduced := chip.ReducedConfig()
	reduced.BC1 = nil
	_, err := NewReducedAY3891x(reduced)
	assert.ErrorIs(t, err, ErrControlLineUnconnected)

	cfg := chip.Config()
	cfg.Topology = Topology(9)
	_, err = NewAY3891x(cfg)
	assert.ErrorIs(t, err, ErrUnknownTopology)
}

func TestAY3891x_Begin(t *testing.T) {
	ctx := context.Background()
	chip := NewMockAY3891x(0)
	var delays []time.Duration
	d, err := NewAY3891x(chip.Config(), WithCritical(NoCritical{}), WithDelay(func(d time.Duration) {
		delays = append(delays, d)
	}))
	require.NoError(t, err)
	chip.SetRegister(AmplitudeA, 0x0F)

	require.NoError(t, d.Begin(ctx))
	assert.Equal(t, ModeInactive000, d.Mode())
	assert.Equal(t, 1, chip.Resets())
	assert.Equal(t, byte(0), chip.Register(AmplitudeA))
	assert.Equal(t, []time.Duration{6 * time.Microsecond}, delays)
	for _, name := range []string{"RESET", "A8", "A9", "CLOCK", "DA0", "DA7"} {
		assert.False(t, chip.Line(name).Output(), "%s left driven", name)
	}
	for _, name := range []string{"BDIR", "BC2", "BC1"} {
		assert.True(t, chip.Line(name).Output(), "%s not driven", name)
		assert.Equal(t, gpio.Low, chip.Line(name).Level())
	}

	require.NoError(t, d.Reset(ctx))
	assert.Equal(t, 2, chip.Resets())
}

func TestAY3891x_ResetNotWired(t *testing.T) {
	ctx := context.Background()
	chip := NewMockAY3891x(0)
	d, err := NewReducedAY3891x(chip.ReducedConfig(), WithCritical(NoCritical{}), WithDelay(noDelay))
	require.NoError(t, err)
	require.NoError(t, d.Begin(ctx))
	require.NoError(t, d.Reset(ctx))
	assert.Zero(t, chip.Resets())
	assert.Equal(t, ModeInactive010, d.Mode())
	assert.Equal(t, TopologySingleInactive, d.Topology())
}

func TestAY3891x_Contention(t *testing.T) {
	ctx := context.Background()

	chip, d := newTestDriver(t, wirings[0], 0x00)
	exercise(t, ctx, d)
	assert.Zero(t, chip.Conflicts())

	// single inactive writes never pass through READ_DATA with the address
	// driven
	chip, d = newTestDriver(t, wirings[2], 0x00)
	for v := 0; v < 16; v++ {
		require.NoError(t, d.WriteRegister(ctx, Register(v), byte(v)))
	}
	assert.Zero(t, chip.Conflicts())
}

func TestAY3891x_Options(t *testing.T) {
	assert.Equal(t, MinWritePulse, defaultOpts([]AY3891xOpt{WithWritePulse(time.Nanosecond)}).WritePulse)
	assert.Equal(t, MaxWritePulse, defaultOpts([]AY3891xOpt{WithWritePulse(time.Second)}).WritePulse)
	assert.Equal(t, 3*time.Microsecond, defaultOpts([]AY3891xOpt{WithWritePulse(3 * time.Microsecond)}).WritePulse)
	assert.Equal(t, MinResetPulse, defaultOpts([]AY3891xOpt{WithResetPulse(time.Microsecond)}).ResetPulse)

	def := defaultOpts(nil)
	assert.Equal(t, time.Microsecond, def.WritePulse)
	assert.Equal(t, 6*time.Microsecond, def.ResetPulse)
	assert.IsType(t, RuntimeCritical{}, def.Critical)
}

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelWarn})))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return buf
}

func TestAY3891x_WritePulseWidth(t *testing.T) {
	slow := func(from, to Mode) {
		if from == ModeWrite || to == ModeWrite {
			time.Sleep(3 * MaxWritePulse)
		}
	}
	for _, w := range wirings {
		t.Run(w.name, func(t *testing.T) {
			ctx := context.Background()
			logs := captureLog(t)
			// slow edges do not stretch the dwell
			_, d := newTestDriver(t, w, 0x00, WithTransitionObserver(slow))
			require.NoError(t, d.WriteRegister(ctx, AmplitudeC, 0x0F))
			assert.NotContains(t, logs.String(), "write pulse exceeded")

			_, d = newTestDriver(t, w, 0x00, WithDelay(func(time.Duration) {
				time.Sleep(3 * MaxWritePulse)
			}))
			require.NoError(t, d.WriteRegister(ctx, AmplitudeC, 0x0F))
			assert.Contains(t, logs.String(), "write pulse exceeded")
		})
	}
}

type recordingCritical struct {
	enters, exits int
	inside        bool
}

func (c *recordingCritical) Enter() func() {
	c.enters++
	c.inside = true
	return func() {
		c.exits++
		c.inside = false
	}
}

func TestAY3891x_WritePulseIsCritical(t *testing.T) {
	for _, w := range wirings {
		t.Run(w.name, func(t *testing.T) {
			ctx := context.Background()
			critical := &recordingCritical{}
			var pulses []time.Duration
			var outside []Mode
			_, d := newTestDriver(t, w, 0x00,
				WithCritical(critical),
				WithDelay(func(d time.Duration) {
					if critical.inside {
						pulses = append(pulses, d)
					}
				}),
				WithTransitionObserver(func(from, to Mode) {
					if (from == ModeWrite || to == ModeWrite) && !critical.inside {
						outside = append(outside, to)
					}
				}),
			)
			require.NoError(t, d.WriteRegister(ctx, Enable, MixerNoisesDisable))
			assert.Empty(t, outside)
			assert.Equal(t, 1, critical.enters)
			assert.Equal(t, 1, critical.exits)
			assert.Equal(t, []time.Duration{time.Microsecond}, pulses)
		})
	}
}

type mockLine struct {
	mock.Mock
}

func (m *mockLine) Out(ctx context.Context, level gpio.Level) error {
	return m.Called(ctx, level).Error(0)
}

func (m *mockLine) In(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockLine) Read(ctx context.Context) (gpio.Level, error) {
	args := m.Called(ctx)
	return args.Get(0).(gpio.Level), args.Error(1)
}

func TestAY3891x_LineErrorLeavesCritical(t *testing.T) {
	ctx := context.Background()
	chip := NewMockAY3891x(0)
	bdir := &mockLine{}
	bdir.On("Out", ctx, gpio.Low).Return(nil)
	bdir.On("Out", ctx, gpio.High).Return(errors.New("line stuck"))

	cfg := chip.Config()
	cfg.BDIR = bdir
	critical := &recordingCritical{}
	d, err := NewAY3891x(cfg, WithCritical(critical), WithDelay(noDelay))
	require.NoError(t, err)
	require.NoError(t, d.Begin(ctx))

	err = d.WriteRegister(ctx, ToneAFine, 0x01)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line stuck")
	assert.Equal(t, 1, critical.exits)
	assert.Equal(t, ModeInactive010, d.Mode())

	_, err = d.WriteThenRead(ctx, ToneAFine, 0x01)
	require.Error(t, err)
	assert.Equal(t, critical.enters, critical.exits)
	bdir.AssertExpectations(t)
}

func TestAY3891x_ReadError(t *testing.T) {
	ctx := context.Background()
	chip := NewMockAY3891x(0)
	da3 := &mockLine{}
	da3.On("In", ctx).Return(nil)
	da3.On("Out", ctx, mock.Anything).Return(nil)
	da3.On("Read", ctx).Return(gpio.Low, errors.New("sense failed"))

	cfg := chip.Config()
	cfg.DA[3] = da3
	d, err := NewAY3891x(cfg, WithCritical(NoCritical{}), WithDelay(noDelay))
	require.NoError(t, err)
	require.NoError(t, d.Begin(ctx))

	_, err = d.ReadRegister(ctx, IOPortB)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DA3")
	da3.AssertCalled(t, "Read", ctx)
}

func TestAY3891x_Verify(t *testing.T) {
	ctx := context.Background()
	chip, d := newTestDriver(t, wirings[0], 0x00)

	ok, got, err := d.Verify(ctx, ToneACoarse, 0x1F)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, byte(0x0F), got)

	d.SetChipAddress(0x10)
	ok, got, err = d.Verify(ctx, ToneACoarse, 0x05)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, got)
	assert.Equal(t, byte(0x0F), chip.Register(ToneACoarse))
}

func TestAY3891x_DumpLoad(t *testing.T) {
	for _, w := range wirings {
		t.Run(w.name, func(t *testing.T) {
			ctx := context.Background()
			chip, d := newTestDriver(t, w, 0x00)
			regs := Registers{0x12, 0xF3, 0x45, 0x06, 0x78, 0x09, 0x1A, MixerAllDisabled, 0x0F, 0x10, 0x3F, 0xBC, 0xDE, 0x0E, 0x55, 0xAA}
			require.NoError(t, d.Load(ctx, regs))

			var masked Registers
			for i, v := range regs {
				masked[i] = v & Register(i).Mask()
			}
			assert.Equal(t, masked, chip.Registers())

			dumped, err := d.Dump(ctx)
			require.NoError(t, err)
			assert.Equal(t, masked, dumped)
		})
	}
}

func TestAY3891x_BeginWithoutReset(t *testing.T) {
	ctx := context.Background()
	chip := NewMockAY3891x(0)
	chip.SetRegister(AmplitudeA, 0x0F)
	d, err := NewAY3891x(chip.Config(), WithCritical(NoCritical{}), WithDelay(noDelay), WithResetOnBegin(false))
	require.NoError(t, err)
	require.NoError(t, d.Begin(ctx))
	assert.Zero(t, chip.Resets())

	got, err := d.ReadRegister(ctx, AmplitudeA)
	require.NoError(t, err)
	assert.Equal(t, byte(0x0F), got)
}
