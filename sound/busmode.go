package sound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/bits"

	"periph.io/x/conn/v3/gpio"

	"github.com/mklimuk/psg"
	"github.com/mklimuk/psg/psgctx"
)

var ErrIllegalTransition = errors.New("bus transition changes more than one control line")
var ErrUnknownTopology = errors.New("unknown bus topology")

// Mode is the level vector of the bus control lines: BDIR in bit 2, BC2 in
// bit 1 and BC1 in bit 0.
type Mode byte

const (
	bitBC1  Mode = 0b001
	bitBC2  Mode = 0b010
	bitBDIR Mode = 0b100
)

// Vectors used by the supported topologies.
const (
	ModeInactive000 Mode = 0b000
	ModeLatch001    Mode = 0b001
	ModeInactive010 Mode = 0b010
	ModeRead        Mode = 0b011
	ModeWrite       Mode = 0b110
	ModeLatch111    Mode = 0b111
)

// Operation is what the chip does for a given control vector.
type Operation int

const (
	OpInactive Operation = iota
	OpLatch
	OpRead
	OpWrite
)

func (o Operation) String() string {
	switch o {
	case OpLatch:
		return "LATCH_ADDR"
	case OpRead:
		return "READ_DATA"
	case OpWrite:
		return "WRITE_DATA"
	default:
		return "INACTIVE"
	}
}

// Datasheet bus control decode, indexed by BDIR BC2 BC1.
var decode = [8]Operation{
	0b000: OpInactive,
	0b001: OpLatch,
	0b010: OpInactive,
	0b011: OpRead,
	0b100: OpLatch,
	0b101: OpInactive,
	0b110: OpWrite,
	0b111: OpLatch,
}

// Operation decodes the vector the way the chip does.
func (m Mode) Operation() Operation {
	return decode[m&0b111]
}

func (m Mode) String() string {
	return fmt.Sprintf("%s(%03b)", m.Operation(), byte(m&0b111))
}

// Topology selects which control vectors and edges a driver uses.
type Topology int

const (
	// TopologyTwoInactive uses 000 and 010 as inactive states so that latch,
	// read and write are all one line away from an inactive state. All three
	// control lines must be wired.
	TopologyTwoInactive Topology = iota
	// TopologySingleInactive keeps BC2 high (usually tied on the board) and
	// moves between 010, 011, 110 and 111.
	TopologySingleInactive
)

func (t Topology) String() string {
	if tp, ok := topologies[t]; ok {
		return tp.name
	}
	return fmt.Sprintf("topology(%d)", int(t))
}

// ParseTopology accepts the names printed by Topology.String.
func ParseTopology(s string) (Topology, error) {
	for t, tp := range topologies {
		if tp.name == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownTopology, s)
}

// Adjacent reports whether the topology allows a direct move between two
// vectors.
func (t Topology) Adjacent(from, to Mode) bool {
	tp, ok := topologies[t]
	if !ok {
		return false
	}
	return tp.adjacent(from, to)
}

// Edges returns every directed edge of the topology.
func (t Topology) Edges() [][2]Mode {
	tp, ok := topologies[t]
	if !ok {
		return nil
	}
	var res [][2]Mode
	for _, from := range tp.order {
		for _, to := range tp.edges[from] {
			res = append(res, [2]Mode{from, to})
		}
	}
	return res
}

// Rest is the inactive vector the bus returns to between transactions.
func (t Topology) Rest() Mode {
	if tp, ok := topologies[t]; ok {
		return tp.rest
	}
	return ModeInactive000
}

type topology struct {
	name  string
	rest  Mode
	latch Mode
	order []Mode
	edges map[Mode][]Mode
}

func (t *topology) adjacent(from, to Mode) bool {
	for _, m := range t.edges[from] {
		if m == to {
			return true
		}
	}
	return false
}

var topologies = map[Topology]*topology{
	TopologyTwoInactive: {
		name:  "two-inactive",
		rest:  ModeInactive000,
		latch: ModeLatch001,
		order: []Mode{ModeInactive000, ModeLatch001, ModeInactive010, ModeRead, ModeWrite},
		edges: map[Mode][]Mode{
			ModeInactive000: {ModeLatch001, ModeInactive010},
			ModeLatch001:    {ModeInactive000},
			ModeInactive010: {ModeInactive000, ModeRead, ModeWrite},
			ModeRead:        {ModeInactive010},
			ModeWrite:       {ModeInactive010},
		},
	},
	TopologySingleInactive: {
		name:  "single-inactive",
		rest:  ModeInactive010,
		latch: ModeLatch111,
		order: []Mode{ModeInactive010, ModeRead, ModeWrite, ModeLatch111},
		edges: map[Mode][]Mode{
			ModeInactive010: {ModeRead, ModeWrite},
			ModeRead:        {ModeInactive010, ModeLatch111},
			ModeWrite:       {ModeInactive010, ModeLatch111},
			ModeLatch111:    {ModeRead, ModeWrite},
		},
	},
}

func init() {
	for _, tp := range topologies {
		for from, tos := range tp.edges {
			for _, to := range tos {
				if bits.OnesCount8(uint8(from^to)) != 1 {
					panic(fmt.Sprintf("%s topology: edge %s -> %s flips more than one line", tp.name, from, to))
				}
				if !tp.adjacent(to, from) {
					panic(fmt.Sprintf("%s topology: edge %s -> %s has no way back", tp.name, from, to))
				}
			}
		}
	}
}

// busController owns the three control lines. A nil line is wired
// externally: it is never driven but the logical mode still moves.
type busController struct {
	bdir, bc2, bc1 psg.Line
	topology       Topology
	tp             *topology
	mode           Mode
	observer       func(from, to Mode)
}

func newBusController(bdir, bc2, bc1 psg.Line, t Topology, observer func(from, to Mode)) (*busController, error) {
	tp, ok := topologies[t]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTopology, int(t))
	}
	return &busController{
		bdir:     bdir,
		bc2:      bc2,
		bc1:      bc1,
		topology: t,
		tp:       tp,
		mode:     tp.rest,
		observer: observer,
	}, nil
}

func (c *busController) line(bit Mode) psg.Line {
	switch bit {
	case bitBDIR:
		return c.bdir
	case bitBC2:
		return c.bc2
	default:
		return c.bc1
	}
}

// force drives every connected line to the rest vector. Only safe before the
// chip is reset since it may change several lines back to back.
func (c *busController) force(ctx context.Context) error {
	rest := c.tp.rest
	for _, bit := range []Mode{bitBDIR, bitBC2, bitBC1} {
		l := c.line(bit)
		if l == nil {
			continue
		}
		if err := l.Out(ctx, gpio.Level(rest&bit != 0)); err != nil {
			return fmt.Errorf("could not initialize bus control line: %w", err)
		}
	}
	c.mode = rest
	return nil
}

// transition moves the bus along one edge by driving the single line whose
// bit differs.
func (c *busController) transition(ctx context.Context, to Mode) error {
	from := c.mode
	if !c.tp.adjacent(from, to) {
		return fmt.Errorf("%w: %s -> %s in %s topology", ErrIllegalTransition, from, to, c.tp.name)
	}
	bit := from ^ to
	if l := c.line(bit); l != nil {
		if err := l.Out(ctx, gpio.Level(to&bit != 0)); err != nil {
			return fmt.Errorf("could not switch bus %s -> %s: %w", from, to, err)
		}
	}
	c.mode = to
	if c.observer != nil {
		c.observer(from, to)
	}
	if psgctx.IsVerbose(ctx) {
		slog.Debug("bus transition", "from", from, "to", to)
	}
	return nil
}

func (c *busController) walk(ctx context.Context, path ...Mode) error {
	for _, m := range path {
		if err := c.transition(ctx, m); err != nil {
			return err
		}
	}
	return nil
}
