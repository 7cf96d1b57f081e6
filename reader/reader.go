package reader

import (
	"errors"
	"io"
	"time"
)

var (
	// ErrNoPort is returned when no enumerated port matches the reader.
	ErrNoPort = errors.New("no matching serial port")

	// ErrNotConnected is returned by Send while the link is down.
	ErrNotConnected = errors.New("reader not connected, reconnect in progress")

	// ErrDeviceRemoved is the teardown cause when the monitor sees the port vanish.
	ErrDeviceRemoved = errors.New("device removed")

	// ErrHungUp is the teardown cause when reads keep returning EOF
	// immediately instead of after the read timeout.
	ErrHungUp = errors.New("port hung up")
)

// Driver is the OS boundary of the connection manager.
type Driver interface {
	// List returns the serial ports currently known to the OS.
	List() ([]PortInfo, error)

	// Open opens path at the given baud rate.
	Open(path string, baud int) (io.ReadWriteCloser, error)
}

// Handlers holds callback functions for connection events.
// Any of them may be nil.
type Handlers struct {
	OnConnect    func(path string)
	OnDisconnect func()
	OnError      func(err error)
	OnLine       func(line string)
	OnRetry      func(attempt int, delay time.Duration)
	OnState      func(state State)
}

// Config holds serial reader settings.
type Config struct {
	Device       string        `yaml:"device"` // optional explicit path, e.g. "/dev/ttyUSB0"
	Baud         int           `yaml:"baud"`
	PollInterval time.Duration `yaml:"poll_interval"`
	RetryStep    time.Duration `yaml:"retry_step"`
	MaxRetry     time.Duration `yaml:"max_retry"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	Match        MatchConfig   `yaml:"match"`
}

// MatchConfig identifies the reader among attached serial peripherals.
type MatchConfig struct {
	VendorID  string   `yaml:"vendor_id"`
	ProductID string   `yaml:"product_id"`
	Tokens    []string `yaml:"tokens"`
}

// Defaults for the FTDI-bridged UHF reader family.
const (
	DefaultBaud         = 115200
	DefaultPollInterval = 2 * time.Second
	DefaultRetryStep    = time.Second
	DefaultMaxRetry     = 10 * time.Second
	DefaultReadTimeout  = time.Second
	DefaultVendorID     = "0403"
)

// DefaultTokens are matched against manufacturer, product and description.
var DefaultTokens = []string{"FTDI", "RS232"}

// WithDefaults returns cfg with zero values replaced by defaults.
func (cfg Config) WithDefaults() Config {
	if cfg.Baud <= 0 {
		cfg.Baud = DefaultBaud
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.RetryStep <= 0 {
		cfg.RetryStep = DefaultRetryStep
	}
	if cfg.MaxRetry <= 0 {
		cfg.MaxRetry = DefaultMaxRetry
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.Match.VendorID == "" && cfg.Match.ProductID == "" && len(cfg.Match.Tokens) == 0 {
		cfg.Match.VendorID = DefaultVendorID
		cfg.Match.Tokens = append([]string(nil), DefaultTokens...)
	}
	return cfg
}

// BackoffDelay returns the wait before retry number attempt (1-based):
// attempt*step, capped at max.
func BackoffDelay(attempt int, step, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := time.Duration(attempt) * step
	if d > max {
		return max
	}
	return d
}
