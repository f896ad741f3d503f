package main

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mklimuk/psg/adapter"
	"github.com/mklimuk/psg/cmd/psg/console"
)

func TestDesignateGPIO(t *testing.T) {
	params := adapter.MCP2221GPIOParameters{
		GPIO0Designation: adapter.GPIODesignation(0x02),
		GPIO1Designation: adapter.GPIODesignation(0x01),
		GPIO3Designation: adapter.GPIODesignation(0x01),
	}
	got, err := designateGPIO(params, []string{"GP1", "GP3"})
	require.NoError(t, err)
	assert.Equal(t, adapter.GPIODesignation(0x02), got.GPIO0Designation)
	assert.Equal(t, adapter.GPIOOperation, got.GPIO1Designation)
	assert.Equal(t, adapter.GPIOModeIn, got.GPIO1Mode)
	assert.Equal(t, adapter.GPIOOperation, got.GPIO3Designation)

	for _, pin := range []string{"GP4", "gp0", "A0", "GP"} {
		_, err := designateGPIO(params, []string{pin})
		assert.ErrorIs(t, err, errUsage, pin)
	}
}

func TestRun_MCP2221GPIOSetUsage(t *testing.T) {
	out := &bytes.Buffer{}
	console.SetOutput(out, out)
	t.Cleanup(func() { console.SetOutput(os.Stdout, os.Stderr) })

	assert.Equal(t, console.ExitUsage, run([]string{"psg", "mcp2221", "gpio", "set"}))
	assert.Equal(t, console.ExitUsage, run([]string{"psg", "mcp2221", "gpio", "set", "GP0", "GP9"}))
}
