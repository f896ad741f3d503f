package sound

import (
	"context"
	"errors"
	"math/bits"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/gpio"
)

func TestMode_Operation(t *testing.T) {
	tests := []struct {
		given    Mode
		expected Operation
	}{
		{0b000, OpInactive},
		{0b001, OpLatch},
		{0b010, OpInactive},
		{0b011, OpRead},
		{0b100, OpLatch},
		{0b101, OpInactive},
		{0b110, OpWrite},
		{0b111, OpLatch},
	}
	for _, test := range tests {
		t.Run(test.given.String(), func(t *testing.T) {
			assert.Equal(t, test.expected, test.given.Operation())
		})
	}
	assert.Equal(t, "WRITE_DATA(110)", ModeWrite.String())
}

func TestTopology_EdgesFlipOneLine(t *testing.T) {
	for _, topology := range []Topology{TopologyTwoInactive, TopologySingleInactive} {
		t.Run(topology.String(), func(t *testing.T) {
			edges := topology.Edges()
			require.NotEmpty(t, edges)
			for _, e := range edges {
				assert.Equal(t, 1, bits.OnesCount8(uint8(e[0]^e[1])), "%s -> %s", e[0], e[1])
				assert.True(t, topology.Adjacent(e[1], e[0]), "%s -> %s has no way back", e[0], e[1])
			}
		})
	}
}

func TestTopology_Vectors(t *testing.T) {
	used := func(t Topology) map[Mode]bool {
		res := map[Mode]bool{}
		for _, e := range t.Edges() {
			res[e[0]] = true
			res[e[1]] = true
		}
		return res
	}
	two := used(TopologyTwoInactive)
	assert.Len(t, two, 5)
	assert.False(t, two[ModeLatch111])
	assert.Equal(t, ModeInactive000, TopologyTwoInactive.Rest())

	single := used(TopologySingleInactive)
	assert.Len(t, single, 4)
	for m := range single {
		assert.NotZero(t, m&bitBC2, "%s drives BC2 low", m)
	}
	assert.Equal(t, ModeInactive010, TopologySingleInactive.Rest())
}

func usesVector(t Topology, m Mode) bool {
	for _, e := range t.Edges() {
		if e[0] == m {
			return true
		}
	}
	return false
}

func TestTopology_Adjacent(t *testing.T) {
	assert.True(t, TopologyTwoInactive.Adjacent(ModeInactive000, ModeLatch001))
	assert.True(t, TopologyTwoInactive.Adjacent(ModeInactive010, ModeWrite))
	assert.False(t, TopologyTwoInactive.Adjacent(ModeInactive000, ModeWrite))
	assert.False(t, TopologyTwoInactive.Adjacent(ModeLatch001, ModeRead))
	assert.False(t, TopologyTwoInactive.Adjacent(ModeInactive000, ModeInactive000))

	assert.True(t, TopologySingleInactive.Adjacent(ModeRead, ModeLatch111))
	assert.True(t, TopologySingleInactive.Adjacent(ModeLatch111, ModeWrite))
	assert.False(t, TopologySingleInactive.Adjacent(ModeInactive010, ModeLatch111))
	assert.False(t, TopologySingleInactive.Adjacent(ModeRead, ModeWrite))

	assert.False(t, Topology(42).Adjacent(ModeInactive000, ModeLatch001))
	assert.Equal(t, "topology(42)", Topology(42).String())
}

func TestBusController_UnknownTopology(t *testing.T) {
	chip := NewMockAY3891x(0)
	_, err := newBusController(chip.bdir, chip.bc2, chip.bc1, Topology(7), nil)
	assert.ErrorIs(t, err, ErrUnknownTopology)
}

func TestBusController_Transition(t *testing.T) {
	ctx := context.Background()
	chip := NewMockAY3891x(0)
	chip.Config()
	var seen [][2]Mode
	c, err := newBusController(chip.bdir, chip.bc2, chip.bc1, TopologyTwoInactive, func(from, to Mode) {
		seen = append(seen, [2]Mode{from, to})
	})
	require.NoError(t, err)
	require.NoError(t, c.force(ctx))

	require.NoError(t, c.walk(ctx, ModeInactive010, ModeWrite))
	assert.Equal(t, ModeWrite, c.mode)
	assert.Equal(t, gpio.High, chip.bdir.Level())
	assert.Equal(t, gpio.High, chip.bc2.Level())
	assert.Equal(t, gpio.Low, chip.bc1.Level())
	assert.Equal(t, [][2]Mode{{ModeInactive000, ModeInactive010}, {ModeInactive010, ModeWrite}}, seen)

	err = c.transition(ctx, ModeRead)
	assert.ErrorIs(t, err, ErrIllegalTransition)
	assert.Equal(t, ModeWrite, c.mode)
	assert.Len(t, seen, 2)
}

type failingLine struct {
	MockBusLine
}

func (failingLine) Out(context.Context, gpio.Level) error {
	return errors.New("line stuck")
}

func TestBusController_LineErrorKeepsMode(t *testing.T) {
	ctx := context.Background()
	chip := NewMockAY3891x(0)
	c, err := newBusController(chip.bdir, &failingLine{}, chip.bc1, TopologyTwoInactive, nil)
	require.NoError(t, err)

	err = c.transition(ctx, ModeInactive010)
	require.Error(t, err)
	assert.Equal(t, ModeInactive000, c.mode)
}

func TestBusController_TiedLineIsNotDriven(t *testing.T) {
	ctx := context.Background()
	chip := NewMockAY3891x(0)
	chip.ReducedConfig()
	c, err := newBusController(chip.bdir, nil, chip.bc1, TopologySingleInactive, nil)
	require.NoError(t, err)
	require.NoError(t, c.force(ctx))

	require.NoError(t, c.walk(ctx, ModeRead, ModeLatch111, ModeWrite, ModeInactive010))
	assert.False(t, chip.bc2.Output())
	for _, m := range chip.Trace() {
		assert.True(t, usesVector(TopologySingleInactive, m), "unexpected vector %s", m)
	}
}

func TestParseTopology(t *testing.T) {
	for _, topology := range []Topology{TopologyTwoInactive, TopologySingleInactive} {
		got, err := ParseTopology(topology.String())
		require.NoError(t, err)
		assert.Equal(t, topology, got)
	}
	_, err := ParseTopology("three-inactive")
	assert.ErrorIs(t, err, ErrUnknownTopology)
}
