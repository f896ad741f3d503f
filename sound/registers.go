package sound

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Register selects one of the 16 on-chip registers. Only the low nibble is
// latched; the high nibble carries the chip address.
type Register byte

const (
	ToneAFine Register = iota
	ToneACoarse
	ToneBFine
	ToneBCoarse
	ToneCFine
	ToneCCoarse
	NoisePeriod
	Enable
	AmplitudeA
	AmplitudeB
	AmplitudeC
	EnvPeriodFine
	EnvPeriodCoarse
	EnvShapeCycle
	IOPortA
	IOPortB
)

const RegisterCount = 16

var registerNames = [RegisterCount]string{
	"ToneAFine",
	"ToneACoarse",
	"ToneBFine",
	"ToneBCoarse",
	"ToneCFine",
	"ToneCCoarse",
	"NoisePeriod",
	"Enable",
	"AmplitudeA",
	"AmplitudeB",
	"AmplitudeC",
	"EnvPeriodFine",
	"EnvPeriodCoarse",
	"EnvShapeCycle",
	"IOPortA",
	"IOPortB",
}

// number of meaningful bits per register
var registerWidths = [RegisterCount]uint{8, 4, 8, 4, 8, 4, 5, 8, 5, 5, 5, 8, 8, 4, 8, 8}

// Tone generator (registers 0-5)
const (
	ToneCoarseMask byte = 0x0F
	ToneFineMask   byte = 0xFF
)

// Noise generator (register 6)
const NoisePeriodMask byte = 0x1F

// Mixer (register 7). Enable bits are active low: a set bit disables.
const (
	MixerInputBDisable byte = 0x80
	MixerInputADisable byte = 0x40
	MixerNoiseCDisable byte = 0x20
	MixerNoiseBDisable byte = 0x10
	MixerNoiseADisable byte = 0x08
	MixerToneCDisable  byte = 0x04
	MixerToneBDisable  byte = 0x02
	MixerToneADisable  byte = 0x01

	MixerInputsDisable = MixerInputBDisable | MixerInputADisable
	MixerNoisesDisable = MixerNoiseCDisable | MixerNoiseBDisable | MixerNoiseADisable
	MixerTonesDisable  = MixerToneCDisable | MixerToneBDisable | MixerToneADisable
	MixerAllDisabled   = MixerInputsDisable | MixerNoisesDisable | MixerTonesDisable
)

// Amplitude (registers 8-10)
const (
	AmplitudeControlMode  byte = 0x10
	AmplitudeControlLevel byte = 0x0F
)

// Envelope shape/cycle (register 13)
const (
	EnvelopeContinue  byte = 0x08
	EnvelopeAttack    byte = 0x04
	EnvelopeAlternate byte = 0x02
	EnvelopeHold      byte = 0x01
)

func (r Register) Valid() bool {
	return r < RegisterCount
}

// Width returns the number of bits the chip keeps for the register.
func (r Register) Width() int {
	return int(registerWidths[r&0x0F])
}

// Mask keeps the bits the chip stores. The driver itself passes raw bytes
// through; callers mask before writing and after reading.
func (r Register) Mask() byte {
	return byte(1<<registerWidths[r&0x0F] - 1)
}

func (r Register) String() string {
	if !r.Valid() {
		return fmt.Sprintf("Register(%d)", byte(r))
	}
	return registerNames[r]
}

// ParseRegister accepts a register name (case insensitive) or its index in
// decimal or 0x-prefixed hex.
func ParseRegister(s string) (Register, error) {
	for i, n := range registerNames {
		if strings.EqualFold(n, s) {
			return Register(i), nil
		}
	}
	v, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("unknown register %q", s)
	}
	if v >= RegisterCount {
		return 0, fmt.Errorf("register index out of range: %d", v)
	}
	return Register(v), nil
}

// Registers is a snapshot of the whole register file indexed by Register.
type Registers [RegisterCount]byte

// MarshalYAML renders the snapshot as a mapping from register name to hex
// value, in register order.
func (r Registers) MarshalYAML() (interface{}, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for i, v := range r {
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: registerNames[i]},
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: fmt.Sprintf("0x%02X", v)},
		)
	}
	return node, nil
}

// UnmarshalYAML accepts register names or indices as keys. Missing registers
// are left at 0.
func (r *Registers) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("registers: expected a mapping, got %v", node.Tag)
	}
	var res Registers
	for i := 0; i+1 < len(node.Content); i += 2 {
		reg, err := ParseRegister(node.Content[i].Value)
		if err != nil {
			return fmt.Errorf("registers line %d: %w", node.Content[i].Line, err)
		}
		v, err := strconv.ParseUint(node.Content[i+1].Value, 0, 8)
		if err != nil {
			return fmt.Errorf("registers line %d: invalid value for %s: %w", node.Content[i+1].Line, reg, err)
		}
		res[reg] = byte(v)
	}
	*r = res
	return nil
}
