package indicator

// Multi combines multiple Indicator implementations.
type Multi struct {
	indicators []Indicator
}

func (m *Multi) each(fn func(Indicator)) {
	for _, ind := range m.indicators {
		fn(ind)
	}
}

// Idle implements Indicator.Idle.
func (m *Multi) Idle() { m.each(Indicator.Idle) }

// Scanning implements Indicator.Scanning.
func (m *Multi) Scanning() { m.each(Indicator.Scanning) }

// Found implements Indicator.Found.
func (m *Multi) Found() { m.each(Indicator.Found) }

// NotFound implements Indicator.NotFound.
func (m *Multi) NotFound() { m.each(Indicator.NotFound) }

// ReaderLost implements Indicator.ReaderLost.
func (m *Multi) ReaderLost() { m.each(Indicator.ReaderLost) }

// Shutdown implements Indicator.Shutdown.
func (m *Multi) Shutdown() { m.each(Indicator.Shutdown) }

// Release implements Indicator.Release.
func (m *Multi) Release() error {
	var lastErr error
	for _, ind := range m.indicators {
		if err := ind.Release(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}
