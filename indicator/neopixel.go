package indicator

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// Neopixel command strings for the external neopixel tool.
const (
	neoReaderLost = "@2 !150000 001010"
	neoIdle       = "@3 !150000 400000"
	neoScanning   = "@4 !20000 404000"
	neoFound      = "@1 !50000 8000"
	neoNotFound   = "@2 !10000 ff"
	neoTerminated = "@0 010101"
)

// Neopixel implements Indicator using an external neopixel tool via named pipe.
type Neopixel struct {
	mu   sync.Mutex
	pipe io.WriteCloser
}

// NewNeopixel creates a new Neopixel indicator.
func NewNeopixel(pipePath string) (*Neopixel, error) {
	f, err := os.OpenFile(pipePath, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open neopixel pipe %s: %w", pipePath, err)
	}
	return newNeopixel(f), nil
}

func newNeopixel(w io.WriteCloser) *Neopixel {
	n := &Neopixel{pipe: w}
	// Until the reader connects the strip shows the lost pattern
	n.write(neoReaderLost)
	return n
}

// Idle implements Indicator.Idle.
func (n *Neopixel) Idle() { n.write(neoIdle) }

// Scanning implements Indicator.Scanning.
func (n *Neopixel) Scanning() { n.write(neoScanning) }

// Found implements Indicator.Found.
func (n *Neopixel) Found() { n.write(neoFound) }

// NotFound implements Indicator.NotFound.
func (n *Neopixel) NotFound() { n.write(neoNotFound) }

// ReaderLost implements Indicator.ReaderLost.
func (n *Neopixel) ReaderLost() { n.write(neoReaderLost) }

// Shutdown implements Indicator.Shutdown.
func (n *Neopixel) Shutdown() { n.write(neoTerminated) }

// Release implements Indicator.Release.
func (n *Neopixel) Release() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.pipe == nil {
		return nil
	}
	err := n.pipe.Close()
	n.pipe = nil
	return err
}

func (n *Neopixel) write(s string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.pipe != nil {
		n.pipe.Write([]byte(s))
	}
}
