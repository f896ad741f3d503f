package gpio

import (
	"fmt"
	"log/slog"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/host/v3/ftdi"
)

// FT232H header layout: D0..D7 then C0..C7.
var ft232hPins = []string{
	"D0", "D1", "D2", "D3", "D4", "D5", "D6", "D7",
	"C0", "C1", "C2", "C3", "C4", "C5", "C6", "C7",
}

// OpenFT232H returns the GPIO lines of the index-th FTDI bridge keyed by pin
// name (D0..D7, C0..C7). Every line change costs one USB round trip.
func OpenFT232H(index int) (map[string]*PeriphLine, error) {
	if err := hostInit(); err != nil {
		return nil, err
	}
	devs := ftdi.All()
	if index < 0 || index >= len(devs) {
		return nil, fmt.Errorf("FTDI device %d not found (%d connected)", index, len(devs))
	}
	dev, ok := devs[index].(*ftdi.FT232H)
	if !ok {
		return nil, fmt.Errorf("FTDI device %d is %s, not an FT232H", index, devs[index])
	}
	var info ftdi.Info
	dev.Info(&info)
	slog.Debug("ftdi device opened", "type", info.Type, "vid", fmt.Sprintf("%#04x", info.VenID), "pid", fmt.Sprintf("%#04x", info.DevID))
	return headerLines(dev.Header())
}

func headerLines(hdr []gpio.PinIO) (map[string]*PeriphLine, error) {
	if len(hdr) < len(ft232hPins) {
		return nil, fmt.Errorf("FTDI header too short: %d pins", len(hdr))
	}
	res := make(map[string]*PeriphLine, len(ft232hPins))
	for i, name := range ft232hPins {
		res[name] = NewPeriphLine(hdr[i])
	}
	return res, nil
}

// DetectFTDI describes every connected FTDI bridge in index order.
func DetectFTDI() ([]ftdi.Info, error) {
	if err := hostInit(); err != nil {
		return nil, err
	}
	devs := ftdi.All()
	res := make([]ftdi.Info, len(devs))
	for i, dev := range devs {
		dev.Info(&res[i])
	}
	return res, nil
}
