package reader

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tarm/serial"
	"go.bug.st/serial/enumerator"
)

// SystemDriver implements Driver on the host's serial ports.
type SystemDriver struct {
	ReadTimeout time.Duration
	SysfsRoot   string // "/sys/class/tty" when empty
}

// NewSystemDriver creates a driver whose reads return after timeout.
func NewSystemDriver(readTimeout time.Duration) *SystemDriver {
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}
	return &SystemDriver{ReadTimeout: readTimeout}
}

// List implements Driver.List.
func (d *SystemDriver) List() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("enumerate serial ports: %w", err)
	}

	ports := make([]PortInfo, 0, len(details))
	for _, p := range details {
		if p == nil {
			continue
		}
		info := PortInfo{
			Path:         p.Name,
			IsUSB:        p.IsUSB,
			VendorID:     p.VID,
			ProductID:    p.PID,
			SerialNumber: p.SerialNumber,
			Product:      p.Product,
		}
		if p.IsUSB {
			info.Manufacturer = d.usbAttr(p.Name, "manufacturer")
			if info.Product == "" {
				info.Product = d.usbAttr(p.Name, "product")
			}
		}
		ports = append(ports, info)
	}
	return ports, nil
}

// Open implements Driver.Open. The returned port reports io.EOF when a read
// times out with no data.
func (d *SystemDriver) Open(path string, baud int) (io.ReadWriteCloser, error) {
	c := &serial.Config{
		Name:        path,
		Baud:        baud,
		ReadTimeout: d.ReadTimeout,
	}
	port, err := serial.OpenPort(c)
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", path, err)
	}
	return port, nil
}

// usbAttr reads a USB descriptor string for a tty from sysfs, walking up
// from the tty's device node. Returns "" when unavailable.
func (d *SystemDriver) usbAttr(path, attr string) string {
	root := d.SysfsRoot
	if root == "" {
		root = "/sys/class/tty"
	}

	dev, err := filepath.EvalSymlinks(filepath.Join(root, filepath.Base(path), "device"))
	if err != nil {
		return ""
	}
	for i := 0; i < 4 && dev != "/" && dev != "."; i++ {
		b, err := os.ReadFile(filepath.Join(dev, attr))
		if err == nil {
			return strings.TrimSpace(string(b))
		}
		dev = filepath.Dir(dev)
	}
	return ""
}
