package indicator

// Indicator is the interface for status indicator implementations (LEDs, neopixels, etc).
type Indicator interface {
	// Idle sets the indicator to ready state: reader connected, no tag present.
	Idle()

	// Scanning shows that a tag is being held near the antenna.
	Scanning()

	// Found shows a confirmed scan of a catalogued book.
	Found()

	// NotFound shows a confirmed scan of an unknown tag.
	NotFound()

	// ReaderLost shows that the serial reader is disconnected.
	ReaderLost()

	// Shutdown sets the indicator to shutdown state.
	Shutdown()

	// Release releases any hardware resources.
	Release() error
}

// Config holds configuration for indicator implementations.
type Config struct {
	// GPIO LED pins (nil = not configured)
	GreenPin  *uint8 `yaml:"green_pin"`
	YellowPin *uint8 `yaml:"yellow_pin"`
	RedPin    *uint8 `yaml:"red_pin"`

	// Neopixel pipe path (empty = not configured)
	NeopixelPipe string `yaml:"neopixel_pipe"`
}

// New creates an Indicator based on the provided configuration.
// Returns a Multi indicator if both GPIO and Neopixel are configured.
func New(cfg Config) (Indicator, error) {
	var indicators []Indicator

	if cfg.GreenPin != nil || cfg.YellowPin != nil || cfg.RedPin != nil {
		gpio, err := NewGPIO(cfg.GreenPin, cfg.YellowPin, cfg.RedPin)
		if err != nil {
			return nil, err
		}
		indicators = append(indicators, gpio)
	}

	if cfg.NeopixelPipe != "" {
		neo, err := NewNeopixel(cfg.NeopixelPipe)
		if err != nil {
			return nil, err
		}
		indicators = append(indicators, neo)
	}

	return Combine(indicators...), nil
}

// Combine returns a single Indicator driving all of inds.
func Combine(inds ...Indicator) Indicator {
	if len(inds) == 0 {
		return &Noop{}
	}
	if len(inds) == 1 {
		return inds[0]
	}
	return &Multi{indicators: inds}
}
