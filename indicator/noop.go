package indicator

// Noop implements Indicator but does nothing.
// Used when no indicators are configured.
type Noop struct{}

// Idle implements Indicator.Idle.
func (n *Noop) Idle() {}

// Scanning implements Indicator.Scanning.
func (n *Noop) Scanning() {}

// Found implements Indicator.Found.
func (n *Noop) Found() {}

// NotFound implements Indicator.NotFound.
func (n *Noop) NotFound() {}

// ReaderLost implements Indicator.ReaderLost.
func (n *Noop) ReaderLost() {}

// Shutdown implements Indicator.Shutdown.
func (n *Noop) Shutdown() {}

// Release implements Indicator.Release.
func (n *Noop) Release() error {
	return nil
}
