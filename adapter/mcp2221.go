package adapter

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/karalabe/hid"
	"periph.io/x/conn/v3/gpio"

	"github.com/mklimuk/psg"
	"github.com/mklimuk/psg/psgctx"
)

const VendorID = 0x04D8
const ProductID = 0x00DD

var ErrCommandUnsupported = errors.New("unsupported command")
var ErrCommandFailed = errors.New("command failed")

const (
	cmdStatus         = 0x10
	cmdI2CWrite       = 0x90
	cmdI2CRead        = 0x91
	cmdI2CReadData    = 0x40
	cmdSetGPIOValues  = 0x50
	cmdGetGPIOValues  = 0x51
	cmdSetSRAM        = 0x60
	cmdGetSRAM        = 0x61
	statusCancelI2C   = 0x10
	i2cReadDataFailed = 0x41
)

type MCP2221 struct {
	mx           sync.Mutex
	request      []byte
	response     []byte
	responseWait time.Duration
}

type MCP2221Status struct {
	I2CDataBufferCounter   int
	I2CSpeedDivider        int
	I2CTimeout             int
	CurrentAddress         string
	LastWriteRequestedSize uint16
	LastWriteSentSize      uint16
	ReadPending            int
}

type GPIOMode byte

const (
	GPIOModeOut         GPIOMode = 0b00000000
	GPIOModeIn          GPIOMode = 0b00001000
	GPIOModeNoOperation GPIOMode = 0xEF
)

func (m GPIOMode) String() string {
	switch m {
	case GPIOModeIn:
		return "INPUT"
	case GPIOModeOut:
		return "OUTPUT"
	default:
		return "NOOP"
	}
}

type GPIODesignation byte

// GPIOOperation is the only designation under which a GP pin can serve as a
// line.
const GPIOOperation GPIODesignation = 0b00000000

const gpioModeMask = 0b00001000
const gpioOperationMask = 0b00000111

type MCP2221GPIOValues struct {
	GPIO0Mode  GPIOMode `yaml:"GP0_mode"`
	GPIO0Value byte     `yaml:"GPIO0"`
	GPIO1Mode  GPIOMode `yaml:"GP1_mode"`
	GPIO1Value byte     `yaml:"GPIO1"`
	GPIO2Mode  GPIOMode `yaml:"GP2_mode"`
	GPIO2Value byte     `yaml:"GPIO2"`
	GPIO3Mode  GPIOMode `yaml:"GP3_mode"`
	GPIO3Value byte     `yaml:"GPIO3"`
}

type MCP2221GPIOParameters struct {
	GPIO0Mode        GPIOMode        `yaml:"GP0_mode"`
	GPIO0Designation GPIODesignation `yaml:"GP0_designation"`
	GPIO1Mode        GPIOMode        `yaml:"GP1_mode"`
	GPIO1Designation GPIODesignation `yaml:"GP1_designation"`
	GPIO2Mode        GPIOMode        `yaml:"GP2_mode"`
	GPIO2Designation GPIODesignation `yaml:"GP2_designation"`
	GPIO3Mode        GPIOMode        `yaml:"GP3_mode"`
	GPIO3Designation GPIODesignation `yaml:"GP3_designation"`
}

func NewMCP2221() *MCP2221 {
	return &MCP2221{
		request:      make([]byte, 64),
		response:     make([]byte, 64),
		responseWait: 50 * time.Millisecond,
	}
}

// Detect lists the MCP2221 bridges connected to the host.
func Detect() []hid.DeviceInfo {
	return hid.Enumerate(VendorID, ProductID)
}

func (d *MCP2221) WriteToAddr(ctx context.Context, address byte, buffer []byte) error {
	d.mx.Lock()
	defer d.mx.Unlock()
	d.resetBuffers()
	d.request[0] = cmdI2CWrite
	binary.LittleEndian.PutUint16(d.request[1:3], uint16(len(buffer)))
	d.request[3] = address << 1
	if len(buffer) > 0 {
		copy(d.request[4:], buffer)
	}
	err := d.send(ctx)
	if err != nil {
		return fmt.Errorf("write to %x failed: %w", address, err)
	}
	// write could not be performed
	if d.response[1] == 0x01 {
		slog.Debug("adapter busy")
		return psg.ErrBusBusy
	}
	return nil
}

func (d *MCP2221) ReadFromAddr(ctx context.Context, address byte, buffer []byte) error {
	d.mx.Lock()
	defer d.mx.Unlock()
	d.resetBuffers()
	d.request[0] = cmdI2CRead
	binary.LittleEndian.PutUint16(d.request[1:3], uint16(len(buffer)))
	d.request[3] = address<<1 + 1
	err := d.send(ctx)
	if err != nil {
		return fmt.Errorf("bus read from %x failed: %w", address, err)
	}
	d.request[0] = cmdI2CReadData
	resetBuffer(d.response)
	err = d.send(ctx)
	if err != nil {
		return fmt.Errorf("error getting read data from adapter: %w", err)
	}
	if d.response[1] == i2cReadDataFailed {
		return fmt.Errorf("error reading the I2C slave data from the I2C engine")
	}
	if d.response[3] == 127 || int(d.response[3]) != len(buffer) {
		return fmt.Errorf("invalid data size byte; expected %d, got %d", len(buffer), d.response[3])
	}
	copy(buffer, d.response[4:])
	return nil
}

// SetGPIOParameters changes the GP pin designation in SRAM (lost on power
// cycle).
func (d *MCP2221) SetGPIOParameters(ctx context.Context, params MCP2221GPIOParameters) error {
	d.mx.Lock()
	defer d.mx.Unlock()
	d.resetBuffers()
	sramGPIORequest(d.request, params)
	err := d.send(ctx)
	if err != nil {
		return fmt.Errorf("set GP parameters command write failed: %w", err)
	}
	if d.response[1] != 0x00 {
		return ErrCommandFailed
	}
	return nil
}

func sramGPIORequest(buf []byte, params MCP2221GPIOParameters) {
	buf[0] = cmdSetSRAM
	buf[7] = 0x80 // alter GP designation
	buf[8] = byte(params.GPIO0Designation) | byte(params.GPIO0Mode)
	buf[9] = byte(params.GPIO1Designation) | byte(params.GPIO1Mode)
	buf[10] = byte(params.GPIO2Designation) | byte(params.GPIO2Mode)
	buf[11] = byte(params.GPIO3Designation) | byte(params.GPIO3Mode)
}

// AsGPIO returns a copy with pin gp designated a plain GPIO input, ready to
// serve as a Line. Other pins keep their settings.
func (p MCP2221GPIOParameters) AsGPIO(gp int) MCP2221GPIOParameters {
	switch gp {
	case 0:
		p.GPIO0Designation, p.GPIO0Mode = GPIOOperation, GPIOModeIn
	case 1:
		p.GPIO1Designation, p.GPIO1Mode = GPIOOperation, GPIOModeIn
	case 2:
		p.GPIO2Designation, p.GPIO2Mode = GPIOOperation, GPIOModeIn
	case 3:
		p.GPIO3Designation, p.GPIO3Mode = GPIOOperation, GPIOModeIn
	}
	return p
}

func (d *MCP2221) ReadGPIO(ctx context.Context) (MCP2221GPIOValues, error) {
	d.mx.Lock()
	defer d.mx.Unlock()
	var res MCP2221GPIOValues
	if err := d.readGPIO(ctx); err != nil {
		return res, err
	}
	return parseGPIOValues(d.response), nil
}

func (d *MCP2221) readGPIO(ctx context.Context) error {
	d.resetBuffers()
	d.request[0] = cmdGetGPIOValues
	err := d.send(ctx)
	if err != nil {
		return fmt.Errorf("read GPIO values command write failed: %w", err)
	}
	if d.response[1] != 0x00 {
		return ErrCommandFailed
	}
	return nil
}

func parseGPIOValues(buffer []byte) MCP2221GPIOValues {
	mode := func(b byte) GPIOMode {
		if b == byte(GPIOModeNoOperation) {
			return GPIOModeNoOperation
		}
		return GPIOMode(b << 3)
	}
	return MCP2221GPIOValues{
		GPIO0Value: buffer[2],
		GPIO0Mode:  mode(buffer[3]),
		GPIO1Value: buffer[4],
		GPIO1Mode:  mode(buffer[5]),
		GPIO2Value: buffer[6],
		GPIO2Mode:  mode(buffer[7]),
		GPIO3Value: buffer[8],
		GPIO3Mode:  mode(buffer[9]),
	}
}

func (d *MCP2221) GetGPIOParameters(ctx context.Context) (MCP2221GPIOParameters, error) {
	d.mx.Lock()
	defer d.mx.Unlock()
	d.resetBuffers()
	d.request[0] = cmdGetSRAM
	err := d.send(ctx)
	if err != nil {
		return MCP2221GPIOParameters{}, fmt.Errorf("get GP parameters command write failed: %w", err)
	}
	if d.response[1] == 0x01 {
		return MCP2221GPIOParameters{}, ErrCommandUnsupported
	}
	return parseGPIOParameters(d.response), nil
}

func parseGPIOParameters(buffer []byte) MCP2221GPIOParameters {
	return MCP2221GPIOParameters{
		GPIO0Mode:        GPIOMode(buffer[22] & gpioModeMask),
		GPIO0Designation: GPIODesignation(buffer[22] & gpioOperationMask),
		GPIO1Mode:        GPIOMode(buffer[23] & gpioModeMask),
		GPIO1Designation: GPIODesignation(buffer[23] & gpioOperationMask),
		GPIO2Mode:        GPIOMode(buffer[24] & gpioModeMask),
		GPIO2Designation: GPIODesignation(buffer[24] & gpioOperationMask),
		GPIO3Mode:        GPIOMode(buffer[25] & gpioModeMask),
		GPIO3Designation: GPIODesignation(buffer[25] & gpioOperationMask),
	}
}

func (d *MCP2221) Status(ctx context.Context) (*MCP2221Status, error) {
	d.mx.Lock()
	defer d.mx.Unlock()
	d.resetBuffers()
	d.request[0] = cmdStatus
	err := d.send(ctx)
	if err != nil {
		return nil, fmt.Errorf("status request failed: %w", err)
	}
	return bufferToStatus(d.response), nil
}

func bufferToStatus(buffer []byte) *MCP2221Status {
	/*
		9: Lower byte (16-bit value) of the requested I2C transfer length
		10: Higher byte (16-bit value) of the requested I2C transfer length
		11:	Lower byte (16-bit value) of the already transferred (through I2C) number of bytes
		12:	Higher byte (16-bit value) of the already transferred (through I2C) number of bytes
		13:	Internal I2C data buffer counter
		14: Current I2C communication speed divider value
		15: Current I2C timeout value
		16:	Lower byte (16-bit value) of the I2C address being used
		17:	Higher byte (16-bit value) of the I2C address being used
	*/
	status := &MCP2221Status{
		I2CDataBufferCounter: int(buffer[13]),
		I2CSpeedDivider:      int(buffer[14]),
		I2CTimeout:           int(buffer[15]),
		ReadPending:          int(buffer[25]),
		CurrentAddress:       hex.EncodeToString(buffer[16:18]),
	}
	status.LastWriteRequestedSize = binary.LittleEndian.Uint16(buffer[9:11])
	status.LastWriteSentSize = binary.LittleEndian.Uint16(buffer[11:13])
	return status
}

func (d *MCP2221) Release(ctx context.Context) error {
	d.mx.Lock()
	defer d.mx.Unlock()
	_, err := d.releaseBus(ctx)
	return err
}

func (d *MCP2221) ReleaseBus(ctx context.Context) (*MCP2221Status, error) {
	d.mx.Lock()
	defer d.mx.Unlock()
	return d.releaseBus(ctx)
}

func (d *MCP2221) releaseBus(ctx context.Context) (*MCP2221Status, error) {
	d.resetBuffers()
	d.request[0] = cmdStatus
	d.request[2] = statusCancelI2C
	err := d.send(ctx)
	if err != nil {
		return nil, fmt.Errorf("status request failed: %w", err)
	}
	return bufferToStatus(d.response), nil
}

// Line returns GP pin gp (0-3) as a line. The pin must be designated as
// GPIO (see SetGPIOParameters).
func (d *MCP2221) Line(gp int) *GPLine {
	return &GPLine{dev: d, gp: gp & 0x03}
}

// gpioRequest fills a Set GPIO Output Values command altering only pin gp.
func gpioRequest(buf []byte, gp int, output bool, level gpio.Level) {
	buf[0] = cmdSetGPIOValues
	base := 2 + 4*gp
	if output {
		buf[base] = 0x01
		if level {
			buf[base+1] = 0x01
		}
	}
	buf[base+2] = 0x01
	if !output {
		buf[base+3] = 0x01
	}
}

func (d *MCP2221) setGPIO(ctx context.Context, gp int, output bool, level gpio.Level) error {
	d.mx.Lock()
	defer d.mx.Unlock()
	d.resetBuffers()
	gpioRequest(d.request, gp, output, level)
	if err := d.send(ctx); err != nil {
		return fmt.Errorf("set GPIO values command write failed: %w", err)
	}
	if d.response[1] != 0x00 {
		return ErrCommandFailed
	}
	return nil
}

func (d *MCP2221) readPin(ctx context.Context, gp int) (gpio.Level, error) {
	d.mx.Lock()
	defer d.mx.Unlock()
	if err := d.readGPIO(ctx); err != nil {
		return gpio.Low, err
	}
	return gpio.Level(d.response[2+2*gp] == 0x01), nil
}

var _ psg.Line = &GPLine{}

// GPLine is one of the bridge's four GP pins. Every change is a USB round
// trip, so it suits the slow lines (RESET, A8, A9) only.
type GPLine struct {
	dev *MCP2221
	gp  int
}

func (l *GPLine) Out(ctx context.Context, level gpio.Level) error {
	if err := l.dev.setGPIO(ctx, l.gp, true, level); err != nil {
		return fmt.Errorf("could not drive GP%d: %w", l.gp, err)
	}
	return nil
}

func (l *GPLine) In(ctx context.Context) error {
	if err := l.dev.setGPIO(ctx, l.gp, false, gpio.Low); err != nil {
		return fmt.Errorf("could not release GP%d: %w", l.gp, err)
	}
	return nil
}

func (l *GPLine) Read(ctx context.Context) (gpio.Level, error) {
	lvl, err := l.dev.readPin(ctx, l.gp)
	if err != nil {
		return gpio.Low, fmt.Errorf("could not read GP%d: %w", l.gp, err)
	}
	return lvl, nil
}

func (l *GPLine) String() string {
	return fmt.Sprintf("GP%d", l.gp)
}

func (d *MCP2221) send(ctx context.Context) error {
	devs := Detect()
	if len(devs) > 1 {
		return fmt.Errorf("ambiguous device identification")
	}
	if len(devs) == 0 {
		return fmt.Errorf("MCP2221 device not found")
	}
	dev, err := devs[0].Open()
	if err != nil {
		return fmt.Errorf("error opening device: %w", err)
	}
	defer func() {
		if err := dev.Close(); err != nil {
			slog.Debug("could not close adapter", "error", err)
		}
	}()
	verbose := psgctx.IsVerbose(ctx)
	if verbose {
		slog.Debug("sending message to adapter", "request", "\n"+hex.Dump(d.request))
	}
	n, err := dev.Write(d.request)
	if err != nil {
		return fmt.Errorf("could not write request: %w", err)
	}
	if n != 64 {
		return fmt.Errorf("short write: %d", n)
	}
	time.Sleep(d.responseWait)
	n, err = dev.Read(d.response)
	if err != nil {
		return fmt.Errorf("could not read response: %w", err)
	}
	if n != 64 {
		return fmt.Errorf("short read: %d", n)
	}
	if verbose {
		slog.Debug("read message from adapter", "response", "\n"+hex.Dump(d.response))
	}
	return nil
}

func (d *MCP2221) resetBuffers() {
	resetBuffer(d.request)
	resetBuffer(d.response)
}

func resetBuffer(buf []byte) {
	for i := range buf {
		buf[i] = 0x00
	}
}
