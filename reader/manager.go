package reader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State is the connection lifecycle state.
type State int

const (
	StateIdle State = iota
	StateLocating
	StateOpening
	StateConnected
	StateMonitoring
	StateTearingDown
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLocating:
		return "locating"
	case StateOpening:
		return "opening"
	case StateConnected:
		return "connected"
	case StateMonitoring:
		return "monitoring"
	case StateTearingDown:
		return "tearing_down"
	case StateBackoff:
		return "backoff"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Manager owns the lifecycle of the link to one serial reader:
// locate, open, monitor, tear down, back off and retry.
//
// # Mutex (mu) Usage
//
// mu protects state, attempts, port, cancel and done. Handlers are always
// invoked with mu released. writeMu serialises writes to the open port.
type Manager struct {
	cfg      Config
	driver   Driver
	locator  *Locator
	handlers Handlers
	log      zerolog.Logger

	mu       sync.Mutex
	state    State
	attempts int
	port     io.ReadWriteCloser
	path     string
	cancel   context.CancelFunc
	done     chan struct{}
	kick     chan struct{}

	writeMu sync.Mutex
}

// New creates a Manager on the host's serial ports.
func New(cfg Config, handlers Handlers, log zerolog.Logger) *Manager {
	cfg = cfg.WithDefaults()
	return NewWithDriver(cfg, NewSystemDriver(cfg.ReadTimeout), handlers, log)
}

// NewWithDriver creates a Manager on an arbitrary Driver.
func NewWithDriver(cfg Config, driver Driver, handlers Handlers, log zerolog.Logger) *Manager {
	cfg = cfg.WithDefaults()
	return &Manager{
		cfg:      cfg,
		driver:   driver,
		locator:  NewLocator(cfg),
		handlers: handlers,
		log:      log,
		kick:     make(chan struct{}, 1),
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the number of failed attempts since the last successful open.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Path returns the path of the open port, or "".
func (m *Manager) Path() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.path
}

// Start begins the connection loop. It is a no-op while connected.
// While backing off it cuts the wait short and retries immediately.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		if m.state == StateConnected || m.state == StateMonitoring {
			m.log.Debug().Str("path", m.path).Msg("Port already open, skipping start")
			return
		}
		select {
		case m.kick <- struct{}{}:
		default:
		}
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(ctx, m.done)
}

// Stop halts the loop, cancels pending timers and releases the port.
// It blocks until the loop has exited.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	m.log.Info().Msg("Stopping reader")
	cancel()
	<-done

	m.mu.Lock()
	if m.done == done {
		m.cancel, m.done = nil, nil
	}
	m.mu.Unlock()
}

// Send writes payload followed by "\n". It never panics; when the port is
// not open it reports ErrNotConnected through OnError, starts a reconnect
// and returns the error.
func (m *Manager) Send(payload string) error {
	m.mu.Lock()
	port := m.port
	m.mu.Unlock()

	if port == nil {
		m.log.Warn().Msg("Cannot send: port not open")
		m.emitError(ErrNotConnected)
		m.Start()
		return ErrNotConnected
	}

	m.writeMu.Lock()
	_, err := io.WriteString(port, payload+"\n")
	m.writeMu.Unlock()
	if err != nil {
		err = fmt.Errorf("write: %w", err)
		m.log.Error().Err(err).Msg("Error sending data")
		m.emitError(err)
		return err
	}
	m.log.Debug().Str("payload", payload).Msg("Sent data")
	return nil
}

func (m *Manager) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer m.setState(StateIdle)

	for {
		if ctx.Err() != nil {
			return
		}

		err := m.connectOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil && !errors.Is(err, ErrNoPort) {
			m.emitError(err)
		}

		m.setState(StateBackoff)
		m.mu.Lock()
		m.attempts++
		attempt := m.attempts
		m.mu.Unlock()

		delay := BackoffDelay(attempt, m.cfg.RetryStep, m.cfg.MaxRetry)
		m.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("Reconnecting")
		if m.handlers.OnRetry != nil {
			m.handlers.OnRetry(attempt, delay)
		}
		if !m.wait(ctx, delay) {
			return
		}
	}
}

// connectOnce runs one locate/open/monitor cycle. It returns when the
// session ends; nil means a session ran and was torn down normally.
func (m *Manager) connectOnce(ctx context.Context) error {
	m.setState(StateLocating)
	info, err := m.locate()
	if err != nil {
		m.log.Debug().Err(err).Msg("No compatible device found")
		return err
	}
	m.log.Info().
		Str("path", info.Path).
		Str("vendor_id", info.VendorID).
		Str("product_id", info.ProductID).
		Str("manufacturer", info.Manufacturer).
		Str("product", info.Product).
		Msg("Found potential device")

	m.setState(StateOpening)
	port, err := m.driver.Open(info.Path, m.cfg.Baud)
	if err != nil {
		m.log.Error().Err(err).Msg("Connection error")
		return err
	}

	m.mu.Lock()
	m.port = port
	m.path = info.Path
	m.attempts = 0
	m.mu.Unlock()
	m.setState(StateConnected)

	// a Start() racing with the open must not skip the next backoff
	select {
	case <-m.kick:
	default:
	}

	m.log.Info().Str("path", info.Path).Int("baud", m.cfg.Baud).Msg("Port opened")
	if m.handlers.OnConnect != nil {
		m.handlers.OnConnect(info.Path)
	}

	m.setState(StateMonitoring)
	cause := m.serve(ctx, port, info.Path)

	m.teardown(port, cause)
	return nil
}

func (m *Manager) locate() (PortInfo, error) {
	ports, err := m.driver.List()
	if err != nil {
		return PortInfo{}, err
	}
	info, ok := m.locator.Locate(ports)
	if !ok {
		return PortInfo{}, ErrNoPort
	}
	return info, nil
}

// serve runs the read loop and the removal monitor until either ends the
// session. Both converge here; the monitor is always stopped before return.
func (m *Manager) serve(ctx context.Context, port io.ReadWriteCloser, path string) error {
	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		closeOnce sync.Once
		removed   bool
	)
	closePort := func(isRemoval bool) {
		closeOnce.Do(func() {
			removed = isRemoval
			if err := port.Close(); err != nil {
				m.log.Debug().Err(err).Msg("Port close")
			}
		})
	}

	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		if m.monitor(sessCtx, path) {
			closePort(true)
			cancel()
		} else if ctx.Err() != nil {
			closePort(false)
		}
	}()

	readErr := m.readLoop(sessCtx, port)

	cancel()
	<-monitorDone
	closePort(false)

	switch {
	case removed:
		return ErrDeviceRemoved
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return readErr
	}
}

// monitor polls the port list and reports true once path has vanished.
func (m *Manager) monitor(ctx context.Context, path string) bool {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}

		ports, err := m.driver.List()
		if err != nil {
			m.log.Warn().Err(err).Msg("Port monitor list failed")
			continue
		}
		if !containsPath(ports, path) {
			m.log.Warn().Str("path", path).Msg("Device disconnected")
			return true
		}
	}
}

// hangupReads is the number of consecutive early EOFs taken as a hangup.
const hangupReads = 3

func (m *Manager) readLoop(ctx context.Context, port io.Reader) error {
	framer := NewFramer("\r\n")
	buf := make([]byte, 256)
	early := 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		start := time.Now()
		n, err := port.Read(buf)
		if n > 0 {
			early = 0
			for _, line := range framer.Push(buf[:n]) {
				m.log.Trace().Str("line", line).Msg("Received data")
				if m.handlers.OnLine != nil {
					m.handlers.OnLine(line)
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) && ctx.Err() == nil {
				// A read timeout with no data takes ReadTimeout. A tty that
				// hung up on unplug returns EOF at once, every time.
				if n == 0 && time.Since(start) < m.cfg.ReadTimeout/2 {
					early++
					if early >= hangupReads {
						return ErrHungUp
					}
				} else {
					early = 0
				}
				continue
			}
			return err
		}
	}
}

func (m *Manager) teardown(port io.ReadWriteCloser, cause error) {
	m.setState(StateTearingDown)

	m.mu.Lock()
	if m.port == port {
		m.port = nil
		m.path = ""
	}
	m.mu.Unlock()

	switch {
	case cause == nil, errors.Is(cause, context.Canceled):
		m.log.Info().Msg("Port closed")
	case errors.Is(cause, ErrDeviceRemoved), errors.Is(cause, ErrHungUp):
		m.log.Warn().Err(cause).Msg("Port closed after device removal")
	default:
		m.log.Error().Err(cause).Msg("Port error")
	}

	if m.handlers.OnDisconnect != nil {
		m.handlers.OnDisconnect()
	}
}

// wait sleeps for d, returning early on Start. It reports false when ctx ends.
func (m *Manager) wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-m.kick:
		return true
	case <-t.C:
		return true
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	m.mu.Unlock()

	m.log.Debug().Stringer("state", s).Msg("Reader state")
	if m.handlers.OnState != nil {
		m.handlers.OnState(s)
	}
}

func (m *Manager) emitError(err error) {
	if m.handlers.OnError != nil {
		m.handlers.OnError(err)
	}
}
