package indicator

import (
	"fmt"
	"sync"

	"github.com/hjkoskel/govattu"
)

// GPIO implements Indicator using discrete GPIO LED pins.
// Green marks a catalogued book, red an unknown tag, yellow a tag in progress.
//
// Calls arrive from the tracker, the reader and the result hold timer, so
// mu keeps each clear-then-set sequence whole.
type GPIO struct {
	mu        sync.Mutex
	hw        govattu.Vattu
	greenPin  *uint8
	yellowPin *uint8
	redPin    *uint8
}

// NewGPIO creates a new GPIO-based indicator.
func NewGPIO(greenPin, yellowPin, redPin *uint8) (*GPIO, error) {
	hw, err := govattu.Open()
	if err != nil {
		return nil, fmt.Errorf("open gpio: %w", err)
	}

	return newGPIO(hw, greenPin, yellowPin, redPin), nil
}

func newGPIO(hw govattu.Vattu, greenPin, yellowPin, redPin *uint8) *GPIO {
	g := &GPIO{
		hw:        hw,
		greenPin:  greenPin,
		yellowPin: yellowPin,
		redPin:    redPin,
	}
	for _, pin := range g.pins() {
		hw.PinMode(pin, govattu.ALToutput)
		hw.PinClear(pin)
	}
	return g
}

// Idle implements Indicator.Idle.
func (g *GPIO) Idle() {
	g.only()
}

// Scanning implements Indicator.Scanning.
func (g *GPIO) Scanning() {
	g.only(g.yellowPin)
}

// Found implements Indicator.Found.
func (g *GPIO) Found() {
	g.only(g.greenPin)
}

// NotFound implements Indicator.NotFound.
func (g *GPIO) NotFound() {
	g.only(g.redPin)
}

// ReaderLost implements Indicator.ReaderLost.
func (g *GPIO) ReaderLost() {
	g.only(g.yellowPin, g.redPin)
}

// Shutdown implements Indicator.Shutdown.
func (g *GPIO) Shutdown() {
	g.only()
}

// Release implements Indicator.Release.
func (g *GPIO) Release() error {
	g.only()

	g.mu.Lock()
	defer g.mu.Unlock()
	return g.hw.Close()
}

// only lights the given pins and clears the rest. Unconfigured pins are skipped.
func (g *GPIO) only(on ...*uint8) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, pin := range g.pins() {
		g.hw.PinClear(pin)
	}
	for _, pin := range on {
		if pin != nil {
			g.hw.PinSet(*pin)
		}
	}
}

func (g *GPIO) pins() []uint8 {
	var pins []uint8
	for _, p := range []*uint8{g.greenPin, g.yellowPin, g.redPin} {
		if p != nil {
			pins = append(pins, *p)
		}
	}
	return pins
}
